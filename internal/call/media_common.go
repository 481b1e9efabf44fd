package call

import (
	"fmt"
	"log"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// StackConfig configures the Pion media stack.
type StackConfig struct {
	ICEServers []string
}

// DefaultICEServers is used when the config names none.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

func (c StackConfig) iceServers() []webrtc.ICEServer {
	urls := c.ICEServers
	if len(urls) == 0 {
		urls = DefaultICEServers
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// connState maps the driver state onto the session's ConnState.
func connState(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	default:
		return ConnClosed
	}
}

// addRecvOnlyTransceivers adds recvonly transceivers for any kind we do not
// send, so offers and answers always carry valid m-lines with ICE
// credentials.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, needVideo, needAudio bool) {
	if needVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL: AddTransceiver(video) error: %v", err)
		}
	}
	if needAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL: AddTransceiver(audio) error: %v", err)
		}
	}
}

// pionLink implements Link over a Pion PeerConnection.
type pionLink struct {
	participant string
	pc          *webrtc.PeerConnection

	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
}

// newPionLink builds the PeerConnection for one remote participant, attaches
// the local tracks, and wires every driver callback to the session's event
// channel.
func newPionLink(api *webrtc.API, cfg StackConfig, participantID string, media LocalMedia, events chan<- peerEvent) (*pionLink, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	l := &pionLink{participant: participantID, pc: pc}

	if track := media.AudioTrack(); track != nil {
		sender, err := pc.AddTrack(track)
		if err != nil {
			log.Printf("CALL [%s]: add audio track: %v", participantID, err)
		} else {
			l.audioSender = sender
		}
	}
	if track := media.VideoTrack(); track != nil {
		sender, err := pc.AddTrack(track)
		if err != nil {
			log.Printf("CALL [%s]: add video track: %v", participantID, err)
		} else {
			l.videoSender = sender
		}
	}
	addRecvOnlyTransceivers(pc, l.videoSender == nil, l.audioSender == nil)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		init := c.ToJSON()
		events <- peerEvent{participant: participantID, candidate: &init}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		events <- peerEvent{participant: participantID, state: connState(s)}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		feed := &TrackFeed{
			Participant: participantID,
			Kind:        track.Kind(),
			ReadRTP: func() (*rtp.Packet, error) {
				pkt, _, err := track.ReadRTP()
				return pkt, err
			},
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			ssrc := uint32(track.SSRC())
			feed.RequestKeyframe = func() {
				if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
					log.Printf("CALL [%s]: PLI send: %v", participantID, err)
				}
			}
		}
		events <- peerEvent{participant: participantID, track: feed}
	})

	return l, nil
}

func (l *pionLink) Offer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (l *pionLink) Answer() (webrtc.SessionDescription, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (l *pionLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(desc)
}

func (l *pionLink) RemoteDescriptionSet() bool {
	return l.pc.RemoteDescription() != nil
}

func (l *pionLink) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(cand)
}

func (l *pionLink) SetAudioTrack(track webrtc.TrackLocal) error {
	if l.audioSender == nil {
		if track == nil {
			return nil
		}
		sender, err := l.pc.AddTrack(track)
		if err != nil {
			return err
		}
		l.audioSender = sender
		return nil
	}
	return l.audioSender.ReplaceTrack(track)
}

func (l *pionLink) SetVideoTrack(track webrtc.TrackLocal) (bool, error) {
	if l.videoSender != nil {
		return false, l.videoSender.ReplaceTrack(track)
	}
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return false, err
	}
	l.videoSender = sender
	return true, nil
}

func (l *pionLink) Close() error { return l.pc.Close() }

// settingEngine applies the generous ICE timeouts used on every connection.
// The default disconnectedTimeout of 5 s is far too short for NAT or relay
// paths with brief outages during re-keying; 30 s lets ICE recover without
// the user noticing more than a freeze.
func settingEngine() webrtc.SettingEngine {
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	return se
}
