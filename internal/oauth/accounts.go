package oauth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fitcast/backend/internal/apperr"
	"github.com/fitcast/backend/internal/models"
)

// DefaultRetryBackoff is the minimum gap between lazy refresh attempts after
// a failed refresh while the stale token is still valid.
const DefaultRetryBackoff = 30 * time.Second

// Refresher exchanges a refresh token for a new token set.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (models.OAuthTokenSet, error)
}

// Account is a linked platform account.
type Account struct {
	OwnerID     string               `json:"ownerId"`
	User        models.PlatformUser  `json:"platformUser"`
	Tokens      models.OAuthTokenSet `json:"-"`
	ConnectedAt time.Time            `json:"connectedAt"`
	RefreshedAt time.Time            `json:"refreshedAt,omitempty"`
	// RefreshFailed is set when the last refresh failed; the stale token is
	// kept so a manual re-authorization can still happen.
	RefreshFailed bool `json:"refreshFailed"`
}

type account struct {
	Account
	gen         uint64
	cancel      func() bool
	lastAttempt time.Time
}

// TokenStore holds the token set of every linked account and refreshes each
// one shortly before it expires.
type TokenStore struct {
	refresher Refresher
	margin    time.Duration
	backoff   time.Duration
	now       func() time.Time
	schedule  scheduleFunc
	logger    *zap.Logger
	group     singleflight.Group

	mu       sync.Mutex
	accounts map[string]*account
	gen      uint64
	closed   bool
}

// NewTokenStore creates an empty store.
func NewTokenStore(refresher Refresher, logger *zap.Logger) *TokenStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenStore{
		refresher: refresher,
		margin:    DefaultRefreshMargin,
		backoff:   DefaultRetryBackoff,
		now:       time.Now,
		schedule:  afterFunc,
		logger:    logger,
		accounts:  make(map[string]*account),
	}
}

// Put stores tokens for ownerID, replacing any previous set and its
// scheduled refresh.
func (s *TokenStore) Put(ownerID string, user models.PlatformUser, tokens models.OAuthTokenSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	acc := &account{Account: Account{OwnerID: ownerID, User: user, Tokens: tokens, ConnectedAt: now}}
	if prev, ok := s.accounts[ownerID]; ok {
		acc.ConnectedAt = prev.ConnectedAt
		s.stopLocked(prev)
	}
	s.gen++
	acc.gen = s.gen
	s.accounts[ownerID] = acc
	s.scheduleLocked(acc)
}

// Get returns the linked account for ownerID.
func (s *TokenStore) Get(ownerID string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[ownerID]
	if !ok {
		return Account{}, false
	}
	return acc.Account, true
}

// Remove forgets ownerID's tokens and cancels the scheduled refresh.
func (s *TokenStore) Remove(ownerID string) (models.OAuthTokenSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[ownerID]
	if !ok {
		return models.OAuthTokenSet{}, false
	}
	s.stopLocked(acc)
	delete(s.accounts, ownerID)
	return acc.Tokens, true
}

// AccessToken returns a usable access token for ownerID. An expired token, or
// one whose scheduled refresh failed, is refreshed here. While a stale token
// is still valid, retries are spaced by the store's backoff.
func (s *TokenStore) AccessToken(ctx context.Context, ownerID string) (string, error) {
	s.mu.Lock()
	acc, ok := s.accounts[ownerID]
	if !ok {
		s.mu.Unlock()
		return "", apperr.NotFound("no linked platform account")
	}
	tokens, stale, lastAttempt := acc.Tokens, acc.RefreshFailed, acc.lastAttempt
	s.mu.Unlock()

	now := s.now()
	if !tokens.Expired(now) && (!stale || now.Sub(lastAttempt) < s.backoff) {
		return tokens.AccessToken, nil
	}
	refreshed, err := s.refresh(ctx, ownerID)
	if err != nil {
		if !tokens.Expired(s.now()) {
			return tokens.AccessToken, nil
		}
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Close cancels every scheduled refresh. Refreshes that finish afterwards do
// not schedule new ones.
func (s *TokenStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, acc := range s.accounts {
		s.stopLocked(acc)
	}
}

func (s *TokenStore) refresh(ctx context.Context, ownerID string) (models.OAuthTokenSet, error) {
	v, err, _ := s.group.Do(ownerID, func() (interface{}, error) {
		s.mu.Lock()
		acc, ok := s.accounts[ownerID]
		if !ok {
			s.mu.Unlock()
			return nil, apperr.NotFound("no linked platform account")
		}
		gen, refreshToken := acc.gen, acc.Tokens.RefreshToken
		s.mu.Unlock()

		tokens, err := s.refresher.Refresh(ctx, refreshToken)

		s.mu.Lock()
		defer s.mu.Unlock()
		acc, ok = s.accounts[ownerID]
		if !ok || acc.gen != gen {
			// Disconnected or re-linked while the request was in flight.
			if err != nil {
				return nil, err
			}
			return tokens, nil
		}
		acc.lastAttempt = s.now()
		if err != nil {
			acc.RefreshFailed = true
			s.logger.Warn("account token refresh failed, keeping stale token",
				zap.String("owner_id", ownerID), zap.Error(err))
			return nil, err
		}
		if tokens.RefreshToken == "" {
			tokens.RefreshToken = refreshToken
		}
		acc.Tokens = tokens
		acc.RefreshFailed = false
		acc.RefreshedAt = s.now()
		s.stopLocked(acc)
		s.scheduleLocked(acc)
		s.logger.Info("account token refreshed", zap.String("owner_id", ownerID), zap.Time("expires_at", tokens.ExpiresAt))
		return tokens, nil
	})
	if err != nil {
		return models.OAuthTokenSet{}, err
	}
	return v.(models.OAuthTokenSet), nil
}

func (s *TokenStore) scheduleLocked(acc *account) {
	if s.closed || acc.Tokens.ExpiresAt.IsZero() || acc.Tokens.RefreshToken == "" {
		return
	}
	delay := acc.Tokens.ExpiresAt.Sub(s.now()) - s.margin
	if delay < 0 {
		delay = 0
	}
	ownerID := acc.OwnerID
	acc.cancel = s.schedule(delay, func() {
		_, _ = s.refresh(context.Background(), ownerID)
	})
}

func (s *TokenStore) stopLocked(acc *account) {
	if acc.cancel != nil {
		acc.cancel()
		acc.cancel = nil
	}
}
