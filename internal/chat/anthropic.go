package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const anthropicAPI = "https://api.anthropic.com/v1/messages"

// Anthropic streams completions from the Anthropic Messages API
type Anthropic struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

// NewAnthropic creates an Anthropic provider
func NewAnthropic(apiKey, model string, httpClient *http.Client) *Anthropic {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Anthropic{apiKey: apiKey, model: model, endpoint: anthropicAPI, httpClient: httpClient}
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
	Stream    bool         `json:"stream"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream sends the prompt with streaming enabled
func (a *Anthropic) Stream(ctx context.Context, system, prompt string) (Stream, error) {
	reqBody := apiRequest{
		Model:     a.model,
		MaxTokens: 1024,
		System:    system,
		Messages: []apiMessage{
			{Role: "user", Content: prompt},
		},
		Stream: true,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	return newSSEStream(resp.Body, decodeAnthropicEvent), nil
}

func decodeAnthropicEvent(ev sseEvent) (string, bool, error) {
	var payload apiStreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		return "", false, fmt.Errorf("parse event: %w", err)
	}

	switch payload.Type {
	case "content_block_delta":
		if payload.Delta != nil && payload.Delta.Type == "text_delta" {
			return payload.Delta.Text, false, nil
		}
	case "message_stop":
		return "", true, nil
	case "error":
		msg := "unknown error"
		if payload.Error != nil {
			msg = payload.Error.Message
		}
		return "", false, fmt.Errorf("api error: %s", msg)
	}
	// message_start, content_block_start/stop, message_delta, ping
	return "", false, nil
}
