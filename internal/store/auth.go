package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/pbaille/mct/internal/domain"
	"github.com/pbaille/mct/internal/gateway"
)

const minPasswordLen = 6

// SignUp registers a local user. There is no confirmation email in local
// mode, so the account is usable immediately.
func (s *Store) SignUp(ctx context.Context, email, password string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("invalid email %q", email)
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := domain.User{
		ID:        uuid.New().String(),
		Email:     email,
		CreatedAt: s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)",
		u.ID, u.Email, string(hash), u.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("user already registered")
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	s.logger.Info("local user registered", zap.String("user", u.ID))
	return &u, nil
}

// SignIn checks the password, opens a session and persists it
func (s *Store) SignIn(ctx context.Context, email, password string) (*domain.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var (
		u    domain.User
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, password_hash, created_at FROM users WHERE email = ?",
		email,
	).Scan(&u.ID, &u.Email, &hash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, gateway.ErrInvalidCredentials
	}

	token := uuid.New().String()
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (token, user_id, created_at) VALUES (?, ?, ?)",
		token, u.ID, s.now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	session := &domain.Session{AccessToken: token, User: u}
	if err := s.sessions.Save(session); err != nil {
		return nil, err
	}
	return session, nil
}

// SignOut drops the current session. Signing out without a session is a no-op.
func (s *Store) SignOut(ctx context.Context) error {
	session, err := s.sessions.Load()
	if errors.Is(err, gateway.ErrNotSignedIn) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", session.AccessToken); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return s.sessions.Clear()
}

// CurrentUser resolves the persisted session to its user
func (s *Store) CurrentUser(ctx context.Context) (*domain.User, error) {
	session, err := s.sessions.Load()
	if err != nil {
		return nil, err
	}

	var u domain.User
	err = s.db.QueryRowContext(ctx,
		`SELECT u.id, u.email, u.created_at FROM sessions s
		 JOIN users u ON u.id = s.user_id WHERE s.token = ?`,
		session.AccessToken,
	).Scan(&u.ID, &u.Email, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotSignedIn
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &u, nil
}

func (s *Store) currentUserID(ctx context.Context) (string, error) {
	u, err := s.CurrentUser(ctx)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}
