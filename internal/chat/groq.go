package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const groqAPI = "https://api.groq.com/openai/v1/chat/completions"

// Groq streams completions from Groq's OpenAI-compatible endpoint
type Groq struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

// NewGroq creates a Groq provider
func NewGroq(apiKey, model string, httpClient *http.Client) *Groq {
	if model == "" {
		model = "llama-3.1-8b-instant"
	}
	return &Groq{apiKey: apiKey, model: model, endpoint: groqAPI, httpClient: httpClient}
}

type openaiRequest struct {
	Model     string          `json:"model"`
	Messages  []openaiMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream sends the prompt with streaming enabled
func (g *Groq) Stream(ctx context.Context, system, prompt string) (Stream, error) {
	reqBody := openaiRequest{
		Model: g.model,
		Messages: []openaiMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Stream:    true,
		MaxTokens: 1024,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	return newSSEStream(resp.Body, decodeOpenAIEvent), nil
}

func decodeOpenAIEvent(ev sseEvent) (string, bool, error) {
	// The stream terminates with "data: [DONE]".
	if ev.Data == "[DONE]" {
		return "", true, nil
	}

	var chunk openaiChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return "", false, fmt.Errorf("parse chunk: %w", err)
	}
	if chunk.Error != nil {
		return "", false, fmt.Errorf("api error: %s", chunk.Error.Message)
	}

	var text string
	for _, choice := range chunk.Choices {
		text += choice.Delta.Content
	}
	return text, false, nil
}
