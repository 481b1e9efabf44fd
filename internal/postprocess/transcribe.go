// Package postprocess turns finished recordings into transcripts and
// actionable items via external HTTP services. Everything here is
// best-effort: the call and its artifact never depend on these services
// being reachable.
package postprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Transcriber uploads a recording blob to a speech-to-text service as
// multipart form data and returns the plain transcript.
type Transcriber struct {
	URL    string
	APIKey string
	Model  string

	Client *http.Client // defaults to a 60 s client
}

func (t *Transcriber) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// Transcribe posts the blob and decodes the transcript text. mime selects
// the uploaded filename so the service can sniff the container.
func (t *Transcriber) Transcribe(ctx context.Context, blob []byte, mime string) (string, error) {
	if t.URL == "" {
		return "", fmt.Errorf("transcription service not configured")
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if t.Model != "" {
		if err := writer.WriteField("model", t.Model); err != nil {
			return "", err
		}
	}

	name := "recording.webm"
	if strings.Contains(mime, "wav") {
		name = "recording.wav"
	}
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(blob); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if t.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.APIKey)
	}

	resp, err := t.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("calling transcription service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription service error (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var apiResp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("parsing transcription response: %w", err)
	}
	return apiResp.Text, nil
}
