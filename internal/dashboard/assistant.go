package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pbaille/mct/internal/domain"
)

const (
	// Greeting opens every conversation.
	Greeting = "Hi! I'm your MCT assistant. I can help you organize concepts, suggest priorities, create new concepts, and provide productivity tips. What would you like to work on today?"
	// ReplyFailed replaces a reply that could not be fetched.
	ReplyFailed = "Sorry, I'm having trouble responding right now. Please try again later."
	// TipsPrompt is the input filled in by the Get Tips quick action.
	TipsPrompt = "Give me productivity tips for managing concepts"

	SuggestNewConcept     = "Create a new concept"
	SuggestCreateThis     = "Create this concept"
	QuickActionNewConcept = "New Concept"
	QuickActionTips       = "Get Tips"

	// DefaultContextConcepts is how many concepts are sent with each
	// message unless SetContextLimit says otherwise.
	DefaultContextConcepts = 10
)

var (
	GreetingSuggestions = []string{SuggestNewConcept, "Review my priorities", "Get productivity tips", "Organize my concepts"}
	CreateSuggestions   = []string{SuggestCreateThis, "Tell me more", "What's next?"}
	QuickActions        = []string{QuickActionNewConcept, QuickActionTips}
)

// Role is who wrote a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation.
type Message struct {
	ID          int
	Role        Role
	Content     string
	Suggestions []string
	At          time.Time
}

// Snapshotter supplies the concepts sent as chat context.
type Snapshotter interface {
	Snapshot() []domain.Concept
}

// Assistant is the chat panel: it posts messages to the relay and grows
// the reply as chunks arrive.
type Assistant struct {
	relayURL   string
	httpClient *http.Client
	concepts   Snapshotter
	owner      string
	bus        *Bus
	logger     *zap.Logger
	now        func() time.Time
	maxContext int

	mu       sync.Mutex
	messages []Message
	input    string
	loading  bool
	nextID   int
}

// NewAssistant starts a conversation with the greeting and posts messages
// to relayURL.
func NewAssistant(relayURL string, httpClient *http.Client, concepts Snapshotter, owner string, bus *Bus, logger *zap.Logger) *Assistant {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	a := &Assistant{
		relayURL:   relayURL,
		httpClient: httpClient,
		concepts:   concepts,
		owner:      owner,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
		maxContext: DefaultContextConcepts,
	}
	a.appendLocked(Message{Role: RoleAssistant, Content: Greeting, Suggestions: GreetingSuggestions})
	return a
}

// Messages returns a copy of the conversation.
// SetContextLimit caps how many concepts accompany each message. Values
// below one leave the limit unchanged.
func (a *Assistant) SetContextLimit(n int) {
	if n > 0 {
		a.maxContext = n
	}
}

func (a *Assistant) Messages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Message, len(a.messages))
	copy(out, a.messages)
	return out
}

func (a *Assistant) Input() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.input
}

func (a *Assistant) SetInput(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.input = s
}

func (a *Assistant) Loading() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loading
}

// Select acts on a suggestion: the create suggestions open the form, the
// rest become the pending input.
func (a *Assistant) Select(suggestion string) {
	switch suggestion {
	case SuggestNewConcept, SuggestCreateThis:
		a.bus.Publish(OpenForm{})
	default:
		a.SetInput(suggestion)
	}
}

// Quick runs a quick action by label.
func (a *Assistant) Quick(action string) {
	switch action {
	case QuickActionNewConcept:
		a.bus.Publish(OpenForm{})
	case QuickActionTips:
		a.SetInput(TipsPrompt)
	}
}

type chatRequest struct {
	Message  string                  `json:"message"`
	Concepts []domain.ConceptSummary `json:"concepts"`
	UserID   string                  `json:"userId,omitempty"`
}

// Send posts the pending input. Blank input, or input while a reply is in
// flight, is ignored. onUpdate is called after every change to the
// conversation and may be nil. Failures end up in the conversation as
// ReplyFailed and are also returned.
func (a *Assistant) Send(ctx context.Context, onUpdate func()) error {
	notify := func() {
		if onUpdate != nil {
			onUpdate()
		}
	}

	a.mu.Lock()
	if strings.TrimSpace(a.input) == "" || a.loading {
		a.mu.Unlock()
		return nil
	}
	text := a.input
	a.input = ""
	a.loading = true
	a.appendLocked(Message{Role: RoleUser, Content: text})
	a.mu.Unlock()
	notify()

	defer func() {
		a.mu.Lock()
		a.loading = false
		a.mu.Unlock()
		notify()
	}()

	if err := a.stream(ctx, text, notify); err != nil {
		a.logger.Error("assistant reply failed", zap.Error(err))
		a.mu.Lock()
		a.appendLocked(Message{Role: RoleAssistant, Content: ReplyFailed})
		a.mu.Unlock()
		return err
	}
	return nil
}

func (a *Assistant) stream(ctx context.Context, text string, notify func()) error {
	var summaries []domain.ConceptSummary
	if a.concepts != nil {
		list := a.concepts.Snapshot()
		if len(list) > a.maxContext {
			list = list[:a.maxContext]
		}
		summaries = make([]domain.ConceptSummary, len(list))
		for i, c := range list {
			summaries[i] = c.Summary()
		}
	}

	body, err := json.Marshal(chatRequest{Message: text, Concepts: summaries, UserID: a.owner})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.relayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("failed to send message (%d)", resp.StatusCode)
	}

	a.mu.Lock()
	idx := a.appendLocked(Message{Role: RoleAssistant})
	a.mu.Unlock()
	notify()

	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			var complete []byte
			complete, carry = splitUTF8(chunk)
			if len(complete) > 0 {
				a.mu.Lock()
				a.messages[idx].Content += string(complete)
				a.mu.Unlock()
				notify()
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read reply: %w", readErr)
		}
	}

	a.mu.Lock()
	if len(carry) > 0 {
		a.messages[idx].Content += string(carry)
	}
	lower := strings.ToLower(a.messages[idx].Content)
	if strings.Contains(lower, "create") && strings.Contains(lower, "concept") {
		a.messages[idx].Suggestions = CreateSuggestions
	}
	a.mu.Unlock()
	return nil
}

func (a *Assistant) appendLocked(m Message) int {
	a.nextID++
	m.ID = a.nextID
	m.At = a.now()
	a.messages = append(a.messages, m)
	return len(a.messages) - 1
}

// splitUTF8 splits b before a trailing incomplete rune, so chunks that cut
// a multi-byte character are not rendered half-decoded.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i], append([]byte(nil), b[i:]...)
		}
		break
	}
	return b, nil
}
