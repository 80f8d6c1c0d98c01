package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/pbaille/mct/internal/config"
	"github.com/pbaille/mct/internal/domain"
)

func drain(t *testing.T, s Stream) ([]string, error) {
	t.Helper()
	defer s.Close()
	var chunks []string
	for {
		text, err := s.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, text)
	}
}

func TestSSEScanner(t *testing.T) {
	input := ": keep-alive\n" +
		"event: first\n" +
		"data: one\n" +
		"data: two\n" +
		"\n" +
		"\n" +
		"data:no-space\r\n" +
		"id: 7\r\n" +
		"\r\n" +
		"data: trailing"

	s := newSSEScanner(strings.NewReader(input))

	require.True(t, s.Next())
	assert.Equal(t, sseEvent{Type: "first", Data: "one\ntwo"}, s.Event())

	require.True(t, s.Next())
	assert.Equal(t, sseEvent{Data: "no-space"}, s.Event())

	require.True(t, s.Next())
	assert.Equal(t, sseEvent{Data: "trailing"}, s.Event())

	assert.False(t, s.Next())
	assert.NoError(t, s.Err())
}

func TestGroqStream(t *testing.T) {
	var got openaiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer groq-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Start \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"small.\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	g := NewGroq("groq-key", "", server.Client())
	g.endpoint = server.URL

	s, err := g.Stream(context.Background(), "sys", "help me")
	require.NoError(t, err)
	chunks, err := drain(t, s)
	require.NoError(t, err)

	assert.Equal(t, []string{"Start ", "small."}, chunks)
	assert.Equal(t, "llama-3.1-8b-instant", got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, openaiMessage{Role: "system", Content: "sys"}, got.Messages[0])
	assert.Equal(t, openaiMessage{Role: "user", Content: "help me"}, got.Messages[1])
}

func TestGroqStream_Errors(t *testing.T) {
	t.Run("non-200 fails before streaming", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
		}))
		defer server.Close()

		g := NewGroq("k", "", server.Client())
		g.endpoint = server.URL

		_, err := g.Stream(context.Background(), "sys", "hi")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "429")
	})

	t.Run("error event mid-stream", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
			fmt.Fprint(w, "data: {\"error\":{\"message\":\"overloaded\"}}\n\n")
		}))
		defer server.Close()

		g := NewGroq("k", "", server.Client())
		g.endpoint = server.URL

		s, err := g.Stream(context.Background(), "sys", "hi")
		require.NoError(t, err)
		chunks, err := drain(t, s)
		assert.Equal(t, []string{"a"}, chunks)
		assert.ErrorContains(t, err, "overloaded")
	})
}

func TestAnthropicStream(t *testing.T) {
	var got apiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ant-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\" there\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"ignored\"}}\n\n")
	}))
	defer server.Close()

	a := NewAnthropic("ant-key", "", server.Client())
	a.endpoint = server.URL

	s, err := a.Stream(context.Background(), "persona", "prioritize")
	require.NoError(t, err)
	chunks, err := drain(t, s)
	require.NoError(t, err)

	assert.Equal(t, []string{"Hello", " there"}, chunks)
	assert.Equal(t, "persona", got.System)
	assert.True(t, got.Stream)
	assert.Equal(t, []apiMessage{{Role: "user", Content: "prioritize"}}, got.Messages)
}

func TestSeqStream(t *testing.T) {
	text := func(s string) *genai.GenerateContentResponse {
		return &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(s, genai.RoleModel)}},
		}
	}

	t.Run("yields text in order", func(t *testing.T) {
		seq := func(yield func(*genai.GenerateContentResponse, error) bool) {
			for _, r := range []*genai.GenerateContentResponse{text("one"), nil, text("two")} {
				if !yield(r, nil) {
					return
				}
			}
		}
		chunks, err := drain(t, newSeqStream(seq))
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two"}, chunks)
	})

	t.Run("surfaces iterator errors", func(t *testing.T) {
		seq := func(yield func(*genai.GenerateContentResponse, error) bool) {
			if !yield(text("partial"), nil) {
				return
			}
			yield(nil, errors.New("quota"))
		}
		chunks, err := drain(t, newSeqStream(seq))
		assert.Equal(t, []string{"partial"}, chunks)
		assert.ErrorContains(t, err, "quota")
	})
}

func TestNew(t *testing.T) {
	_, err := New(context.Background(), config.ChatConfig{Provider: "groq"}, nil)
	assert.Error(t, err, "missing key is a configuration error")

	p, err := New(context.Background(), config.ChatConfig{Provider: "groq", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Groq{}, p)

	p, err = New(context.Background(), config.ChatConfig{Provider: "anthropic", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Anthropic{}, p)

	_, err = New(context.Background(), config.ChatConfig{Provider: "other", APIKey: "k"}, nil)
	assert.Error(t, err)
}

func TestSystemPrompt(t *testing.T) {
	empty := SystemPrompt(nil)
	assert.True(t, strings.HasPrefix(empty, "You are MCT Assistant"))
	assert.True(t, strings.HasSuffix(empty, "\n\nUser has no concepts yet."))

	withConcepts := ConceptContext([]domain.ConceptSummary{
		{Title: "Draft outline", Status: "pending", Priority: "medium", Category: "Work"},
		{Title: "Run", Status: "in_progress", Priority: "low", Category: "Health"},
	})
	assert.Equal(t, "\n\nUser's current concepts:\n"+
		"- Draft outline (pending, medium priority, category: Work)\n"+
		"- Run (in_progress, low priority, category: Health)", withConcepts)
}
