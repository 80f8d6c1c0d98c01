// Package chat talks to hosted LLM providers and builds the assistant's
// system instruction.
package chat

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pbaille/mct/internal/config"
)

// Provider produces a streamed completion for one prompt.
type Provider interface {
	// Stream starts a completion. Errors before the first token (bad
	// credentials, quota, network) are returned here; later ones come from
	// Stream.Next.
	Stream(ctx context.Context, system, prompt string) (Stream, error)
}

// Stream yields text chunks in order. Next returns io.EOF once the
// completion is finished. Close must be called even after io.EOF.
type Stream interface {
	Next() (string, error)
	Close() error
}

// New builds the provider named in cfg. A missing credential is a
// configuration error.
func New(ctx context.Context, cfg config.ChatConfig, httpClient *http.Client) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("chat provider %q: api key not set", cfg.Provider)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	switch cfg.Provider {
	case "groq", "":
		return NewGroq(cfg.APIKey, cfg.Model, httpClient), nil
	case "anthropic":
		return NewAnthropic(cfg.APIKey, cfg.Model, httpClient), nil
	case "gemini":
		return NewGemini(ctx, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown chat provider %q", cfg.Provider)
	}
}

// sseStream adapts an SSE response body to Stream. decode turns one event
// into a chunk; done reports the provider's end-of-stream marker.
type sseStream struct {
	body    io.ReadCloser
	scanner *sseScanner
	decode  func(sseEvent) (text string, done bool, err error)
	done    bool
}

func newSSEStream(body io.ReadCloser, decode func(sseEvent) (string, bool, error)) *sseStream {
	return &sseStream{body: body, scanner: newSSEScanner(body), decode: decode}
}

func (s *sseStream) Next() (string, error) {
	for !s.done {
		if !s.scanner.Next() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				return "", fmt.Errorf("read stream: %w", err)
			}
			return "", io.EOF
		}

		text, done, err := s.decode(s.scanner.Event())
		if err != nil {
			s.done = true
			return "", err
		}
		if done {
			s.done = true
			break
		}
		if text != "" {
			return text, nil
		}
	}
	return "", io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

// readAPIError drains a non-200 response into an error.
func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
}
