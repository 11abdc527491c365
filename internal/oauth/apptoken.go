package oauth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/fitcast/backend/internal/apperr"
)

// scheduleFunc runs f after d and returns a function that cancels it.
type scheduleFunc func(d time.Duration, f func()) (cancel func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// AppTokenCache holds the process-wide app-level token. Concurrent misses
// share one upstream request, and a refresh is scheduled before expiry so
// callers keep using the cached token while it runs.
type AppTokenCache struct {
	fetch    func(ctx context.Context) (*oauth2.Token, error)
	margin   time.Duration
	now      func() time.Time
	schedule scheduleFunc
	logger   *zap.Logger

	group singleflight.Group

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	cancel    func() bool
	closed    bool
}

// NewAppTokenCache creates the cache backed by the client-credentials grant.
func (s *Service) NewAppTokenCache() *AppTokenCache {
	cc := &clientcredentials.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		TokenURL:     s.oauth.Endpoint.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return newAppTokenCache(func(ctx context.Context) (*oauth2.Token, error) {
		return cc.Token(s.ctx(ctx))
	}, s.logger)
}

func newAppTokenCache(fetch func(ctx context.Context) (*oauth2.Token, error), logger *zap.Logger) *AppTokenCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppTokenCache{
		fetch:    fetch,
		margin:   DefaultRefreshMargin,
		now:      time.Now,
		schedule: afterFunc,
		logger:   logger,
	}
}

// Token returns a valid app token, fetching one if none is cached.
func (c *AppTokenCache) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok, exp := c.token, c.expiresAt
	c.mu.RUnlock()
	if tok != "" && c.now().Before(exp) {
		return tok, nil
	}

	ch := c.group.DoChan("app", func() (interface{}, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Close cancels the scheduled refresh.
func (c *AppTokenCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *AppTokenCache) refresh(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	t, err := c.fetch(ctx)
	if err != nil || t == nil || t.AccessToken == "" {
		c.logger.Warn("app token request failed", zap.Error(err))
		return "", apperr.Wrap(apperr.CodePlatformAuth, "failed to obtain app token", err)
	}

	lifetime := t.Expiry.Sub(c.now())
	if t.Expiry.IsZero() {
		lifetime = time.Hour
	}
	delay := lifetime - c.margin
	if delay <= 0 {
		delay = lifetime / 2
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = t.AccessToken
	c.expiresAt = c.now().Add(lifetime)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if !c.closed {
		c.cancel = c.schedule(delay, c.scheduledRefresh)
	}
	c.logger.Debug("app token refreshed", zap.Duration("next_refresh_in", delay))
	return c.token, nil
}

// scheduledRefresh runs off the timer. Failures keep the current token; the
// next caller after expiry fetches lazily.
func (c *AppTokenCache) scheduledRefresh() {
	_, _, _ = c.group.Do("app", func() (interface{}, error) {
		return c.refresh(context.Background())
	})
}
