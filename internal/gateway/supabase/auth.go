package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/pbaille/mct/internal/domain"
	"github.com/pbaille/mct/internal/gateway"
)

type authUser struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func (u authUser) user() domain.User {
	return domain.User{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
}

// authResponse covers both GoTrue reply shapes: a session (token grants and
// auto-confirmed sign-ups) and a bare user (sign-up awaiting email
// confirmation).
type authResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    int64     `json:"expires_at"`
	User         *authUser `json:"user"`

	authUser
}

func (r authResponse) session(now time.Time) *domain.Session {
	s := &domain.Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
	}
	switch {
	case r.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(r.ExpiresAt, 0)
	case r.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	if r.User != nil {
		s.User = r.User.user()
	}
	return s
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp registers a user. When the project requires email confirmation
// no session is returned and the user must confirm before signing in.
func (c *Client) SignUp(ctx context.Context, email, password string) (*domain.User, error) {
	var q url.Values
	if c.redirectURL != "" {
		q = url.Values{}
		q.Set("redirect_to", c.redirectURL)
	}

	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/auth/v1/signup", q, "", nil, credentials{email, password}, &resp); err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}

	if resp.AccessToken != "" {
		sess := resp.session(c.now())
		if err := c.sessions.Save(sess); err != nil {
			return nil, err
		}
		return &sess.User, nil
	}

	u := resp.authUser.user()
	if resp.User != nil {
		u = resp.User.user()
	}
	c.logger.Info("sign-up pending email confirmation", zap.String("email", u.Email))
	return &u, nil
}

// SignIn exchanges email and password for a session and stores it.
func (c *Client) SignIn(ctx context.Context, email, password string) (*domain.Session, error) {
	q := url.Values{}
	q.Set("grant_type", "password")

	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token", q, "", nil, credentials{email, password}, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.Status == http.StatusBadRequest {
			return nil, gateway.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("sign in: %w", err)
	}

	sess := resp.session(c.now())
	if err := c.sessions.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*domain.Session, error) {
	q := url.Values{}
	q.Set("grant_type", "refresh_token")

	var resp authResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token", q, "", nil, body, &resp); err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	sess := resp.session(c.now())
	if err := c.sessions.Save(sess); err != nil {
		return nil, err
	}
	c.logger.Debug("session refreshed", zap.String("user", sess.User.ID))
	return sess, nil
}

// SignOut revokes the session server-side when possible and always clears
// the local copy.
func (c *Client) SignOut(ctx context.Context) error {
	sess, err := c.sessions.Load()
	if errors.Is(err, gateway.ErrNotSignedIn) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, sess.AccessToken, nil, nil, nil); err != nil && !isUnauthorized(err) {
		c.logger.Warn("remote sign-out failed", zap.Error(err))
	}
	return c.sessions.Clear()
}

// CurrentUser asks the identity service who the stored session belongs to.
func (c *Client) CurrentUser(ctx context.Context) (*domain.User, error) {
	sess, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var u authUser
	if err := c.do(ctx, http.MethodGet, "/auth/v1/user", nil, sess.AccessToken, nil, nil, &u); err != nil {
		if isUnauthorized(err) {
			return nil, gateway.ErrNotSignedIn
		}
		return nil, fmt.Errorf("current user: %w", err)
	}
	user := u.user()
	return &user, nil
}
