package oauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fitcast/backend/internal/apperr"
	"github.com/fitcast/backend/internal/models"
)

type stubRefresher struct {
	mu    sync.Mutex
	calls int
	err   error
	next  models.OAuthTokenSet
}

func (s *stubRefresher) Refresh(_ context.Context, refreshToken string) (models.OAuthTokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return models.OAuthTokenSet{}, s.err
	}
	return s.next, nil
}

func newTestStore(t *testing.T, r Refresher) (*TokenStore, *manualScheduler, *time.Time) {
	t.Helper()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := NewTokenStore(r, zaptest.NewLogger(t))
	sched := &manualScheduler{}
	s.schedule = sched.schedule
	s.now = func() time.Time { return now }
	t.Cleanup(s.Close)
	return s, sched, &now
}

func TestTokenStoreSchedulesRefreshBeforeExpiry(t *testing.T) {
	t.Parallel()
	r := &stubRefresher{next: models.OAuthTokenSet{AccessToken: "new", ExpiresAt: time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)}}
	s, sched, now := newTestStore(t, r)

	s.Put("owner", models.PlatformUser{ID: "42"}, models.OAuthTokenSet{
		AccessToken: "old", RefreshToken: "rt", ExpiresAt: now.Add(4 * time.Hour),
	})
	delay, fire := sched.last()
	assert.Equal(t, 4*time.Hour-time.Minute, delay)
	assert.Less(t, delay, 4*time.Hour, "refresh fires strictly before expiry")

	fire()
	acc, ok := s.Get("owner")
	require.True(t, ok)
	assert.Equal(t, "new", acc.Tokens.AccessToken)
	assert.Equal(t, "rt", acc.Tokens.RefreshToken, "refresh token is kept when not rotated")
	assert.Equal(t, 2, sched.count())
}

func TestTokenStoreRemoveCancelsRefresh(t *testing.T) {
	t.Parallel()
	s, sched, now := newTestStore(t, &stubRefresher{})

	s.Put("owner", models.PlatformUser{}, models.OAuthTokenSet{AccessToken: "a", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)})
	tokens, ok := s.Remove("owner")
	require.True(t, ok)
	assert.Equal(t, "a", tokens.AccessToken)
	assert.Equal(t, 1, sched.stops)

	_, ok = s.Get("owner")
	assert.False(t, ok)
	_, err := s.AccessToken(context.Background(), "owner")
	assert.True(t, apperr.IsNotFound(err))
}

func TestTokenStoreRefreshFailureKeepsStaleToken(t *testing.T) {
	t.Parallel()
	r := &stubRefresher{err: apperr.Wrap(apperr.CodePlatformRefresh, "failed", errors.New("boom"))}
	s, sched, now := newTestStore(t, r)

	s.Put("owner", models.PlatformUser{}, models.OAuthTokenSet{AccessToken: "stale", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)})
	_, fire := sched.last()
	fire()

	acc, ok := s.Get("owner")
	require.True(t, ok)
	assert.True(t, acc.RefreshFailed)
	assert.Equal(t, "stale", acc.Tokens.AccessToken)

	// Within the backoff the stale token is served without another attempt.
	for i := 0; i < 5; i++ {
		tok, err := s.AccessToken(context.Background(), "owner")
		require.NoError(t, err)
		assert.Equal(t, "stale", tok)
	}
	assert.Equal(t, 1, r.calls)

	// After the backoff one lazy retry is made; it fails and the stale token
	// is still served.
	*now = now.Add(DefaultRetryBackoff)
	tok, err := s.AccessToken(context.Background(), "owner")
	require.NoError(t, err)
	assert.Equal(t, "stale", tok)
	assert.Equal(t, 2, r.calls)

	tok, err = s.AccessToken(context.Background(), "owner")
	require.NoError(t, err)
	assert.Equal(t, "stale", tok)
	assert.Equal(t, 2, r.calls)
}

func TestTokenStoreCloseStopsRescheduling(t *testing.T) {
	t.Parallel()
	r := &stubRefresher{next: models.OAuthTokenSet{AccessToken: "new", RefreshToken: "rt", ExpiresAt: time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)}}
	s, sched, now := newTestStore(t, r)

	s.Put("owner", models.PlatformUser{}, models.OAuthTokenSet{AccessToken: "old", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)})
	_, fire := sched.last()

	// A refresh that was already running when the store closed.
	s.Close()
	fire()

	acc, ok := s.Get("owner")
	require.True(t, ok)
	assert.Equal(t, "new", acc.Tokens.AccessToken)
	assert.Equal(t, 1, sched.count(), "no refresh is armed after Close")
}

func TestTokenStoreLazyRefreshOnExpiredToken(t *testing.T) {
	t.Parallel()
	r := &stubRefresher{err: errors.New("down")}
	s, _, now := newTestStore(t, r)

	s.Put("owner", models.PlatformUser{}, models.OAuthTokenSet{AccessToken: "a", RefreshToken: "rt", ExpiresAt: now.Add(-time.Second)})
	_, err := s.AccessToken(context.Background(), "owner")
	require.Error(t, err)

	r.mu.Lock()
	r.err = nil
	r.next = models.OAuthTokenSet{AccessToken: "b", RefreshToken: "rt2", ExpiresAt: now.Add(time.Hour)}
	r.mu.Unlock()

	tok, err := s.AccessToken(context.Background(), "owner")
	require.NoError(t, err)
	assert.Equal(t, "b", tok)
}

func TestTokenStoreReplaceKeepsConnectedAt(t *testing.T) {
	t.Parallel()
	s, sched, now := newTestStore(t, &stubRefresher{})

	s.Put("owner", models.PlatformUser{}, models.OAuthTokenSet{AccessToken: "a", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)})
	first, _ := s.Get("owner")
	*now = now.Add(time.Minute)
	s.Put("owner", models.PlatformUser{}, models.OAuthTokenSet{AccessToken: "b", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)})
	second, _ := s.Get("owner")

	assert.Equal(t, first.ConnectedAt, second.ConnectedAt)
	assert.Equal(t, 1, sched.stops, "previous refresh is cancelled")
}

func TestStateStore(t *testing.T) {
	t.Parallel()
	s := NewStateStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Bind("st-1", "owner")
	assert.False(t, s.Consume("st-1", "intruder"), "bound to another owner")
	assert.False(t, s.Consume("st-1", "owner"), "single use even after a failed attempt")

	s.Bind("st-2", "owner")
	assert.True(t, s.Consume("st-2", "owner"))
	assert.False(t, s.Consume("st-2", "owner"))

	s.Bind("st-3", "owner")
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, s.Sweep())
	assert.False(t, s.Consume("st-3", "owner"))
}
