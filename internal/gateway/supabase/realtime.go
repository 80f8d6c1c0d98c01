package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pbaille/mct/internal/domain"
	"github.com/pbaille/mct/internal/gateway"
)

const (
	channelTopic = "realtime:concepts-changes"
	joinTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// frame is a Phoenix channel message.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token"`
}

type joinConfig struct {
	Broadcast       map[string]bool   `json:"broadcast"`
	Presence        map[string]string `json:"presence"`
	PostgresChanges []changeFilter    `json:"postgres_changes"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changePayload struct {
	Data struct {
		Type      string          `json:"type"`
		Record    json.RawMessage `json:"record"`
		OldRecord json.RawMessage `json:"old_record"`
	} `json:"data"`
}

// Subscribe opens a Realtime channel for owner's concept changes and waits
// for the server to accept the join.
func (c *Client) Subscribe(ctx context.Context, owner string) (gateway.Subscription, error) {
	sess, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("gateway client closed")
	}

	wsURL, err := c.realtimeURL()
	if err != nil {
		return nil, err
	}

	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	sub := &subscription{
		client: c,
		conn:   conn,
		events: make(chan domain.ChangeEvent, 64),
		done:   make(chan struct{}),
		logger: c.logger.With(zap.String("topic", channelTopic)),
	}

	if err := sub.join(owner, sess.AccessToken); err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("gateway client closed")
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	sub.wg.Add(2)
	go sub.readLoop()
	go sub.heartbeatLoop(c.heartbeat)

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

func (c *Client) realtimeURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", c.apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type subscription struct {
	client *Client
	conn   *websocket.Conn
	events chan domain.ChangeEvent
	done   chan struct{}
	logger *zap.Logger

	writeMu sync.Mutex
	ref     int

	once sync.Once
	wg   sync.WaitGroup
}

func (s *subscription) Events() <-chan domain.ChangeEvent {
	return s.events
}

// Close leaves the channel, closes the socket and waits for the reader to
// finish. Events is closed once it returns.
func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.send(channelTopic, "phx_leave", struct{}{})
		s.conn.Close()

		s.client.mu.Lock()
		delete(s.client.subs, s)
		s.client.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}

func (s *subscription) send(topic, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.ref++
	ref := strconv.Itoa(s.ref)
	f := frame{Topic: topic, Event: event, Payload: data, Ref: &ref}
	if topic == channelTopic {
		joinRef := "1"
		f.JoinRef = &joinRef
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(f)
}

func (s *subscription) join(owner, token string) error {
	payload := joinPayload{
		Config: joinConfig{
			Broadcast: map[string]bool{"self": false},
			Presence:  map[string]string{"key": ""},
			PostgresChanges: []changeFilter{{
				Event:  "*",
				Schema: "public",
				Table:  "concepts",
				Filter: "user_id=eq." + owner,
			}},
		},
		AccessToken: token,
	}
	if err := s.send(channelTopic, "phx_join", payload); err != nil {
		return fmt.Errorf("join realtime channel: %w", err)
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(joinTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("join realtime channel: %w", err)
		}
		if f.Topic != channelTopic || f.Event != "phx_reply" {
			continue
		}

		var reply replyPayload
		if err := json.Unmarshal(f.Payload, &reply); err != nil {
			return fmt.Errorf("parse join reply: %w", err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("realtime join rejected: %s", string(reply.Response))
		}
		return nil
	}
}

func (s *subscription) readLoop() {
	defer s.wg.Done()
	defer close(s.events)
	// A dropped socket ends the subscription as if Close had been called.
	defer func() { go s.Close() }()

	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("realtime connection lost", zap.Error(err))
			}
			return
		}

		switch f.Event {
		case "postgres_changes":
			ev, err := decodeChange(f.Payload)
			if err != nil {
				s.logger.Warn("bad change payload", zap.Error(err))
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		case "phx_error", "phx_close":
			if f.Topic == channelTopic {
				s.logger.Warn("realtime channel closed by server", zap.String("event", f.Event))
				return
			}
		case "system":
			s.logger.Debug("realtime system message", zap.ByteString("payload", f.Payload))
		}
	}
}

func (s *subscription) heartbeatLoop(every time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.send("phoenix", "heartbeat", struct{}{}); err != nil {
				s.logger.Warn("realtime heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func decodeChange(payload json.RawMessage) (domain.ChangeEvent, error) {
	var p changePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("parse change: %w", err)
	}

	ev := domain.ChangeEvent{Type: domain.ChangeType(strings.ToUpper(p.Data.Type))}
	switch ev.Type {
	case domain.ChangeInsert, domain.ChangeUpdate:
		var r row
		if err := json.Unmarshal(p.Data.Record, &r); err != nil {
			return ev, fmt.Errorf("parse record: %w", err)
		}
		c, err := r.concept()
		if err != nil {
			return ev, err
		}
		ev.Record = c
	case domain.ChangeDelete:
		var old struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(p.Data.OldRecord, &old); err != nil {
			return ev, fmt.Errorf("parse old record: %w", err)
		}
		ev.OldID = old.ID
	default:
		return ev, fmt.Errorf("unknown change type %q", p.Data.Type)
	}
	return ev, nil
}
