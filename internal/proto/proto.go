package proto

const (
	// RoomTopicPrefix is the GossipSub topic prefix for per-room signaling.
	// The full topic is RoomTopicPrefix + roomID.
	RoomTopicPrefix = "huddle.room.v1."

	MdnsTag = "huddle-mdns"
)

// RoomTopic returns the pubsub topic name for a room.
func RoomTopic(roomID string) string { return RoomTopicPrefix + roomID }
