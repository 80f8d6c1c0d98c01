package chat

import (
	"context"
	"fmt"
	"io"
	"iter"

	"google.golang.org/genai"
)

// Gemini streams completions through the Google GenAI SDK.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini provider.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Gemini{client: client, model: model}, nil
}

// Stream starts a streamed generation. The SDK only reports request errors
// once iteration begins, so the first chunk is pulled here to keep
// pre-stream failures on the error return.
func (g *Gemini) Stream(ctx context.Context, system, prompt string) (Stream, error) {
	seq := g.client.Models.GenerateContentStream(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	})

	s := newSeqStream(seq)
	first, err := s.Next()
	if err != nil && err != io.EOF {
		s.Close()
		return nil, fmt.Errorf("GenAI stream failed: %w", err)
	}
	s.pending = first
	s.pendingErr = err
	s.primed = true
	return s, nil
}

// seqStream pulls from a GenAI response iterator.
type seqStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()

	primed     bool
	pending    string
	pendingErr error
}

func newSeqStream(seq iter.Seq2[*genai.GenerateContentResponse, error]) *seqStream {
	next, stop := iter.Pull2(seq)
	return &seqStream{next: next, stop: stop}
}

func (s *seqStream) Next() (string, error) {
	if s.primed {
		s.primed = false
		if s.pendingErr != nil || s.pending != "" {
			return s.pending, s.pendingErr
		}
	}

	for {
		resp, err, ok := s.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if resp == nil {
			continue
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
	}
}

func (s *seqStream) Close() error {
	s.stop()
	return nil
}
