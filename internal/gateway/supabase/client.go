// Package supabase is the hosted gateway backend: concepts through
// PostgREST, identity through GoTrue and the change feed through Realtime.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pbaille/mct/internal/config"
	"github.com/pbaille/mct/internal/domain"
	"github.com/pbaille/mct/internal/gateway"
)

var _ gateway.Client = (*Client)(nil)

// Client talks to one Supabase project.
type Client struct {
	baseURL     string
	apiKey      string
	redirectURL string
	httpClient  *http.Client
	dialer      *websocket.Dialer
	sessions    gateway.SessionFile
	logger      *zap.Logger
	now         func() time.Time
	heartbeat   time.Duration

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// New creates a client for the project in cfg.
func New(cfg config.GatewayConfig, sessions gateway.SessionFile, logger *zap.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		apiKey:      cfg.APIKey,
		redirectURL: cfg.RedirectURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		dialer:      websocket.DefaultDialer,
		sessions:    sessions,
		logger:      logger,
		now:         time.Now,
		heartbeat:   25 * time.Second,
		subs:        make(map[*subscription]struct{}),
	}
}

// Close ends every open change-feed subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}

// apiError is the error body shape shared by PostgREST and GoTrue.
type apiError struct {
	Message          string `json:"message"`
	Msg              string `json:"msg"`
	Code             any    `json:"code"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Hint             string `json:"hint"`
}

func (e apiError) text() string {
	for _, s := range []string{e.Message, e.Msg, e.ErrorDescription, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

// statusError is returned for non-2xx responses.
type statusError struct {
	Status int
	Body   apiError
	Raw    string
}

func (e *statusError) Error() string {
	msg := e.Body.text()
	if msg == "" {
		msg = e.Raw
	}
	return fmt.Sprintf("supabase error (status %d): %s", e.Status, msg)
}

// do sends a JSON request. token may be empty for anonymous calls; out may
// be nil to discard the body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string, headers map[string]string, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("apikey", c.apiKey)
	if token == "" {
		token = c.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &statusError{Status: resp.StatusCode, Raw: string(data)}
		_ = json.Unmarshal(data, &se.Body)
		return se
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// accessToken returns a valid access token for the stored session,
// refreshing it once if it has expired.
func (c *Client) accessToken(ctx context.Context) (*domain.Session, error) {
	sess, err := c.sessions.Load()
	if err != nil {
		return nil, err
	}
	if !sess.Expired(c.now()) {
		return sess, nil
	}
	if sess.RefreshToken == "" {
		return nil, gateway.ErrNotSignedIn
	}

	refreshed, err := c.refresh(ctx, sess.RefreshToken)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
			return nil, fmt.Errorf("%w: session expired", gateway.ErrNotSignedIn)
		}
		return nil, err
	}
	return refreshed, nil
}

func isUnauthorized(err error) bool {
	var se *statusError
	return errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden)
}
