package postprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Item kinds recognized by extraction.
const (
	ItemTask     = "task"
	ItemFeedback = "feedback"
	ItemIdea     = "idea"
	ItemFollowUp = "follow_up"
)

// Item is one actionable entry pulled from a transcript.
type Item struct {
	Type         string `json:"type"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Priority     string `json:"priority,omitempty"`
	Sentiment    string `json:"sentiment,omitempty"`
	AssigneeHint string `json:"assignee_hint,omitempty"`
}

const extractSystemPrompt = `You extract actionable items from meeting transcripts.
Respond with a JSON array only. Each element has: type (one of "task",
"feedback", "idea", "follow_up"), title, and optionally description,
priority ("low"|"medium"|"high"), sentiment, assignee_hint.`

// Extractor asks an LLM endpoint to pull actionable items out of a
// transcript.
type Extractor struct {
	URL    string
	APIKey string
	Model  string

	Client *http.Client
}

func (e *Extractor) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return &http.Client{Timeout: 60 * time.Second}
}

type extractRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	System    string           `json:"system"`
	Messages  []extractMessage `json:"messages"`
}

type extractMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type extractResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Extract sends the transcript and parses the returned item array.
func (e *Extractor) Extract(ctx context.Context, transcript string) ([]Item, error) {
	if e.URL == "" {
		return nil, fmt.Errorf("extraction service not configured")
	}

	reqBody := extractRequest{
		Model:     e.Model,
		MaxTokens: 4096,
		System:    extractSystemPrompt,
		Messages: []extractMessage{
			{Role: "user", Content: "Here is the meeting transcript:\n\n" + transcript},
		},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("x-api-key", e.APIKey)
	}

	resp, err := e.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling extraction service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extraction service error (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var apiResp extractResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing extraction response: %w", err)
	}
	var text string
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	items, err := parseItems(text)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// parseItems unmarshals the model output, tolerating prose around the JSON
// array by slicing from the first '[' to the last ']'.
func parseItems(text string) ([]Item, error) {
	trimmed := strings.TrimSpace(text)
	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in extraction output")
	}
	var items []Item
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &items); err != nil {
		return nil, fmt.Errorf("parsing items: %w", err)
	}
	out := items[:0]
	for _, it := range items {
		switch it.Type {
		case ItemTask, ItemFeedback, ItemIdea, ItemFollowUp:
			if strings.TrimSpace(it.Title) != "" {
				out = append(out, it)
			}
		}
	}
	return out, nil
}
