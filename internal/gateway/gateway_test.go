package gateway

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/mct/internal/domain"
)

type stubClient struct {
	Client
	closed int
}

func (c *stubClient) Close() error {
	c.closed++
	return nil
}

func TestLazy_OpensOnceAndCloses(t *testing.T) {
	opened := 0
	stub := &stubClient{}
	lazy := NewLazy(func() (Client, error) {
		opened++
		return stub, nil
	})

	first, err := lazy.Get()
	require.NoError(t, err)
	second, err := lazy.Get()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, opened)

	require.NoError(t, lazy.Close())
	require.NoError(t, lazy.Close())
	assert.Equal(t, 1, stub.closed)

	_, err = lazy.Get()
	assert.Error(t, err)
}

func TestLazy_FailedOpenIsRetried(t *testing.T) {
	attempts := 0
	lazy := NewLazy(func() (Client, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("boom")
		}
		return &stubClient{}, nil
	})

	_, err := lazy.Get()
	require.Error(t, err)

	_, err = lazy.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestSessionFile_RoundTrip(t *testing.T) {
	f := SessionFile{Path: filepath.Join(t.TempDir(), "nested", "session.json")}

	_, err := f.Load()
	assert.ErrorIs(t, err, ErrNotSignedIn)

	s := &domain.Session{
		AccessToken: "tok",
		ExpiresAt:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		User:        domain.User{ID: "u1", Email: "a@b.c"},
	}
	require.NoError(t, f.Save(s))

	got, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, "tok", got.AccessToken)
	assert.Equal(t, "u1", got.User.ID)

	require.NoError(t, f.Clear())
	require.NoError(t, f.Clear())
	_, err = f.Load()
	assert.ErrorIs(t, err, ErrNotSignedIn)
}
