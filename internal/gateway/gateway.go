// Package gateway defines the contract of the backend that owns concept
// records, their change feed and user identity. Two backends implement it:
// the hosted one in gateway/supabase and the SQLite stand-in in store.
package gateway

import (
	"context"
	"errors"

	"github.com/pbaille/mct/internal/domain"
)

var (
	// ErrNotSignedIn is returned by operations that need a session when
	// there is none.
	ErrNotSignedIn = errors.New("not signed in")
	// ErrInvalidCredentials is returned by SignIn on a bad email/password.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrNotFound is returned when a concept does not exist for the caller.
	ErrNotFound = errors.New("concept not found")
)

// Table is the owner-scoped concepts collection.
type Table interface {
	// List returns the owner's concepts, newest first.
	List(ctx context.Context, owner string) ([]domain.Concept, error)
	// Insert creates a concept with status pending and returns the stored row.
	Insert(ctx context.Context, c domain.NewConcept) (*domain.Concept, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
	Delete(ctx context.Context, id string) error
}

// Feed delivers change notifications for one owner's rows.
type Feed interface {
	Subscribe(ctx context.Context, owner string) (Subscription, error)
}

// Subscription is a live change-feed connection. Events is closed once the
// subscription ends, either through Close or because the connection dropped.
type Subscription interface {
	Events() <-chan domain.ChangeEvent
	Close() error
}

// Identity is the sign-up/sign-in side of the backend.
type Identity interface {
	SignUp(ctx context.Context, email, password string) (*domain.User, error)
	SignIn(ctx context.Context, email, password string) (*domain.Session, error)
	SignOut(ctx context.Context) error
	CurrentUser(ctx context.Context) (*domain.User, error)
}

// Client is everything a backend offers.
type Client interface {
	Table
	Feed
	Identity
	Close() error
}
