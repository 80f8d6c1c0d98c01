// Package store is the SQLite stand-in for the hosted backend. It keeps the
// same contract: rows are scoped to the signed-in user, every change is
// pushed to subscribers, and identity is handled locally.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/pbaille/mct/internal/domain"
	"github.com/pbaille/mct/internal/gateway"
)

//go:embed schema.sql
var schema string

// Store handles database operations
type Store struct {
	db       *sql.DB
	sessions gateway.SessionFile
	logger   *zap.Logger
	broker   *broker
	now      func() time.Time

	// pollInterval is how often subscriptions look for writes from other
	// processes.
	pollInterval time.Duration
}

var _ gateway.Client = (*Store)(nil)

// New creates a new Store with the given database path
func New(dbPath string, sessions gateway.SessionFile, logger *zap.Logger) (*Store, error) {
	// Other mct processes may hold the file open; wait for their locks
	// instead of failing.
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{
		db:       db,
		sessions: sessions,
		logger:   logger,
		broker:   newBroker(logger),
		now:      time.Now,

		pollInterval: defaultPollInterval,
	}, nil
}

// Close ends every subscription and closes the database connection
func (s *Store) Close() error {
	s.broker.closeAll()
	return s.db.Close()
}

// Insert creates a pending concept owned by the signed-in user
func (s *Store) Insert(ctx context.Context, in domain.NewConcept) (*domain.Concept, error) {
	uid, err := s.currentUserID(ctx)
	if err != nil {
		return nil, err
	}
	if in.UserID != uid {
		return nil, fmt.Errorf("insert concept: owner %q is not the signed-in user", in.UserID)
	}

	now := s.now().UTC()
	c := domain.Concept{
		ID:          uuid.New().String(),
		UserID:      uid,
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Priority:    in.Priority,
		Status:      domain.StatusPending,
		DueDate:     in.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO concepts (id, user_id, title, description, category, priority, status, due_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, nullString(c.Description), c.Category, c.Priority, c.Status, nullTime(c.DueDate), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert concept: %w", err)
	}

	s.broker.publish(uid, domain.ChangeEvent{Type: domain.ChangeInsert, Record: c})
	return &c, nil
}

// List returns the owner's concepts, newest first
func (s *Store) List(ctx context.Context, owner string) ([]domain.Concept, error) {
	uid, err := s.currentUserID(ctx)
	if err != nil {
		return nil, err
	}
	if owner != uid {
		// Row ownership: other users' rows are invisible.
		return []domain.Concept{}, nil
	}

	return s.listOwner(ctx, owner)
}

func (s *Store) listOwner(ctx context.Context, owner string) ([]domain.Concept, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, description, category, priority, status, due_date, created_at, updated_at
		 FROM concepts WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("list concepts: %w", err)
	}
	defer rows.Close()

	concepts := []domain.Concept{}
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, err
		}
		concepts = append(concepts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list concepts: %w", err)
	}

	return concepts, nil
}

// UpdateStatus changes a concept's status and bumps updated_at
func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	uid, err := s.currentUserID(ctx)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE concepts SET status = ?, updated_at = ? WHERE id = ? AND user_id = ?",
		status, s.now().UTC(), id, uid,
	)
	if err != nil {
		return fmt.Errorf("update concept: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gateway.ErrNotFound
	}

	c, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	s.broker.publish(uid, domain.ChangeEvent{Type: domain.ChangeUpdate, Record: *c})
	return nil
}

// Delete removes a concept owned by the signed-in user
func (s *Store) Delete(ctx context.Context, id string) error {
	uid, err := s.currentUserID(ctx)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM concepts WHERE id = ? AND user_id = ?", id, uid)
	if err != nil {
		return fmt.Errorf("delete concept: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gateway.ErrNotFound
	}

	s.broker.publish(uid, domain.ChangeEvent{Type: domain.ChangeDelete, OldID: id})
	return nil
}

// Subscribe opens a change feed for the owner's rows. Writes through this
// Store arrive immediately; writes from other processes arrive on the next
// poll.
func (s *Store) Subscribe(ctx context.Context, owner string) (gateway.Subscription, error) {
	if owner == "" {
		return nil, fmt.Errorf("subscribe: owner is required")
	}
	rows, err := s.listOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	sub := s.broker.subscribe(ctx, owner, rows)
	go s.poll(ctx, sub, s.pollInterval)
	return sub, nil
}

func (s *Store) get(ctx context.Context, id string) (*domain.Concept, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, description, category, priority, status, due_date, created_at, updated_at
		 FROM concepts WHERE id = ?`,
		id,
	)
	c, err := scanConcept(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	return c, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConcept(row scanner) (*domain.Concept, error) {
	var (
		c           domain.Concept
		description sql.NullString
		due         sql.NullTime
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &description, &c.Category, &c.Priority, &c.Status, &due, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan concept: %w", err)
	}
	if description.Valid {
		c.Description = &description.String
	}
	if due.Valid {
		t := due.Time
		c.DueDate = &t
	}
	return &c, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
