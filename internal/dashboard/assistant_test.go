package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pbaille/mct/internal/domain"
)

func newAssistant(t *testing.T, handler http.HandlerFunc, source Snapshotter) (*Assistant, <-chan Command) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	bus := NewBus()
	cmds, _ := bus.Subscribe(4)
	return NewAssistant(srv.URL, srv.Client(), source, owner, bus, zaptest.NewLogger(t)), cmds
}

func TestAssistant_Greeting(t *testing.T) {
	a, _ := newAssistant(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	msgs := a.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, Greeting, msgs[0].Content)
	assert.Equal(t, GreetingSuggestions, msgs[0].Suggestions)
}

func TestAssistant_SendStreams(t *testing.T) {
	var got chatRequest
	handler := func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"You could ", "create a concept ", "for that."} {
			fmt.Fprint(w, chunk)
			flusher.Flush()
		}
	}

	list := make([]domain.Concept, 12)
	for i := range list {
		list[i] = domain.Concept{Title: "c" + strconv.Itoa(i), Status: domain.StatusPending, Priority: domain.PriorityLow, Category: domain.CategoryWork}
	}
	a, _ := newAssistant(t, handler, &fakeSource{list: list})
	a.SetInput("what should I do?")

	updates := 0
	require.NoError(t, a.Send(context.Background(), func() { updates++ }))

	assert.Equal(t, "what should I do?", got.Message)
	assert.Equal(t, owner, got.UserID)
	require.Len(t, got.Concepts, 10)
	assert.Equal(t, domain.ConceptSummary{Title: "c0", Status: "pending", Priority: "low", Category: "Work"}, got.Concepts[0])

	msgs := a.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleUser, msgs[1].Role)
	assert.Equal(t, "what should I do?", msgs[1].Content)
	assert.Equal(t, "You could create a concept for that.", msgs[2].Content)
	assert.Equal(t, CreateSuggestions, msgs[2].Suggestions)

	assert.Empty(t, a.Input())
	assert.False(t, a.Loading())
	assert.Greater(t, updates, 2)
}

func TestAssistant_ContextLimit(t *testing.T) {
	var got chatRequest
	handler := func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, "ok")
	}

	list := make([]domain.Concept, 5)
	for i := range list {
		list[i] = domain.Concept{Title: "c" + strconv.Itoa(i), Status: domain.StatusPending, Priority: domain.PriorityLow, Category: domain.CategoryWork}
	}
	a, _ := newAssistant(t, handler, &fakeSource{list: list})
	a.SetContextLimit(0)
	a.SetContextLimit(3)
	a.SetInput("hi")

	require.NoError(t, a.Send(context.Background(), nil))
	require.Len(t, got.Concepts, 3)
	assert.Equal(t, "c2", got.Concepts[2].Title)
}

func TestAssistant_PlainReplyHasNoSuggestions(t *testing.T) {
	a, _ := newAssistant(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Take a break.")
	}, nil)
	a.SetInput("tired")

	require.NoError(t, a.Send(context.Background(), nil))
	msgs := a.Messages()
	assert.Equal(t, "Take a break.", msgs[len(msgs)-1].Content)
	assert.Nil(t, msgs[len(msgs)-1].Suggestions)
}

func TestAssistant_Failure(t *testing.T) {
	var calls atomic.Int32
	a, _ := newAssistant(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"Failed to process message"}`)
	}, nil)

	a.SetInput("   ")
	require.NoError(t, a.Send(context.Background(), nil))
	assert.Zero(t, calls.Load(), "blank input is not sent")
	assert.Len(t, a.Messages(), 1)

	a.SetInput("hello")
	err := a.Send(context.Background(), nil)
	require.Error(t, err)

	msgs := a.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, ReplyFailed, msgs[2].Content)
	assert.False(t, a.Loading())
}

func TestAssistant_SuggestionsAndQuickActions(t *testing.T) {
	a, cmds := newAssistant(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	a.Select(SuggestNewConcept)
	assert.Equal(t, OpenForm{}, next(t, cmds))
	a.Select(SuggestCreateThis)
	assert.Equal(t, OpenForm{}, next(t, cmds))

	a.Select("Review my priorities")
	assert.Equal(t, "Review my priorities", a.Input())

	a.Quick(QuickActionTips)
	assert.Equal(t, TipsPrompt, a.Input())

	a.Quick(QuickActionNewConcept)
	assert.Equal(t, OpenForm{}, next(t, cmds))
}

func TestSplitUTF8(t *testing.T) {
	word := []byte("café")
	complete, rest := splitUTF8(word[:len(word)-1])
	assert.Equal(t, "caf", string(complete))
	assert.Equal(t, []byte{0xc3}, rest)

	complete, rest = splitUTF8(word)
	assert.Equal(t, "café", string(complete))
	assert.Nil(t, rest)
}
