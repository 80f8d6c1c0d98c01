package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pbaille/mct/internal/domain"
	"github.com/pbaille/mct/internal/gateway"
)

const conceptsPath = "/rest/v1/concepts"

var returnRepresentation = map[string]string{"Prefer": "return=representation"}

// List returns owner's concepts, newest first.
func (c *Client) List(ctx context.Context, owner string) ([]domain.Concept, error) {
	sess, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("select", "*")
	q.Set("user_id", "eq."+owner)
	q.Set("order", "created_at.desc")

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, conceptsPath, q, sess.AccessToken, nil, nil, &raw); err != nil {
		return nil, fmt.Errorf("list concepts: %w", err)
	}
	return decodeRows(raw)
}

// Insert creates a concept. The status is always pending.
func (c *Client) Insert(ctx context.Context, nc domain.NewConcept) (*domain.Concept, error) {
	sess, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	if nc.UserID == "" {
		nc.UserID = sess.User.ID
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, conceptsPath, nil, sess.AccessToken, returnRepresentation, newInsertRow(nc), &raw); err != nil {
		return nil, fmt.Errorf("insert concept: %w", err)
	}

	created, err := decodeRows(raw)
	if err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("insert concept: no row returned")
	}
	return &created[0], nil
}

// UpdateStatus sets a concept's status and bumps updated_at.
func (c *Client) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	sess, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	body := map[string]string{
		"status":     string(status),
		"updated_at": c.now().UTC().Format(time.RFC3339Nano),
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPatch, conceptsPath, idFilter(id), sess.AccessToken, returnRepresentation, body, &raw); err != nil {
		return fmt.Errorf("update concept: %w", err)
	}
	return expectOne(raw)
}

// Delete removes a concept.
func (c *Client) Delete(ctx context.Context, id string) error {
	sess, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodDelete, conceptsPath, idFilter(id), sess.AccessToken, returnRepresentation, nil, &raw); err != nil {
		return fmt.Errorf("delete concept: %w", err)
	}
	return expectOne(raw)
}

func idFilter(id string) url.Values {
	q := url.Values{}
	q.Set("id", "eq."+id)
	return q
}

// expectOne maps an empty representation to ErrNotFound. Row level
// security hides other users' rows, so those also come back empty.
func expectOne(raw json.RawMessage) error {
	var rows []json.RawMessage
	if len(raw) == 0 {
		return gateway.ErrNotFound
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return fmt.Errorf("parse rows: %w", err)
	}
	if len(rows) == 0 {
		return gateway.ErrNotFound
	}
	return nil
}
