// Package oauth handles the streaming platform's OAuth lifecycle: authorization
// URLs, code exchange, refresh, revocation and the app-level token.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fitcast/backend/internal/apperr"
	"github.com/fitcast/backend/internal/models"
)

// DefaultRefreshMargin is how long before expiry a token is proactively refreshed.
const DefaultRefreshMargin = 60 * time.Second

const requestTimeout = 10 * time.Second

// Config describes the platform's OAuth application.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthBaseURL  string // e.g. https://id.twitch.tv/oauth2
	APIBaseURL   string // e.g. https://api.twitch.tv/helix
}

// Enabled reports whether the integration has the secrets it needs.
func (c Config) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Service talks to the platform's OAuth and API endpoints.
type Service struct {
	cfg        Config
	oauth      *oauth2.Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewService creates the OAuth service. It fails with CONFIG_ERROR when the
// client credentials are missing.
func NewService(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Service, error) {
	if !cfg.Enabled() {
		return nil, apperr.Config("platform client id and secret are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	authBase := strings.TrimRight(cfg.AuthBaseURL, "/")
	return &Service{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authBase + "/authorize",
				TokenURL:  authBase + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ClientID returns the application's client id (sent as Client-Id to the API).
func (s *Service) ClientID() string { return s.cfg.ClientID }

func (s *Service) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

// BuildAuthorizationURL returns the consent URL and the single-use state
// token bound to ownerID. The caller must persist the binding and verify it
// on callback.
func (s *Service) BuildAuthorizationURL(ownerID string) (string, string, error) {
	if ownerID == "" {
		return "", "", apperr.Validation("owner id required")
	}
	state, err := randomToken(16)
	if err != nil {
		return "", "", apperr.Internal(err)
	}
	return s.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("force_verify", "true")), state, nil
}

// ExchangeCode trades an authorization code for a token set.
func (s *Service) ExchangeCode(ctx context.Context, code string) (models.OAuthTokenSet, error) {
	if code == "" {
		return models.OAuthTokenSet{}, apperr.Validation("authorization code required")
	}
	tok, err := s.oauth.Exchange(s.ctx(ctx), code)
	if err != nil {
		s.logger.Warn("code exchange failed", zap.Error(err))
		return models.OAuthTokenSet{}, apperr.Wrap(apperr.CodePlatformAuth, "failed to exchange authorization code", err)
	}
	set, err := tokenSet(tok)
	if err != nil {
		return models.OAuthTokenSet{}, apperr.Wrap(apperr.CodePlatformAuth, "malformed token response", err)
	}
	return set, nil
}

// Refresh trades a refresh token for a new token set.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (models.OAuthTokenSet, error) {
	if refreshToken == "" {
		return models.OAuthTokenSet{}, apperr.Validation("refresh token required")
	}
	tok, err := s.oauth.TokenSource(s.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		s.logger.Warn("token refresh failed", zap.Error(err))
		return models.OAuthTokenSet{}, apperr.Wrap(apperr.CodePlatformRefresh, "failed to refresh token", err)
	}
	set, err := tokenSet(tok)
	if err != nil {
		return models.OAuthTokenSet{}, apperr.Wrap(apperr.CodePlatformRefresh, "malformed token response", err)
	}
	return set, nil
}

// Revoke asks the platform to invalidate accessToken. It is best-effort:
// local token state is expected to be cleared already, so failures are only logged.
func (s *Service) Revoke(ctx context.Context, accessToken string) {
	if accessToken == "" {
		return
	}
	form := url.Values{
		"client_id": {s.cfg.ClientID},
		"token":     {accessToken},
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.AuthBaseURL, "/")+"/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		s.logger.Warn("revoke request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("revoke failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		s.logger.Warn("revoke rejected", zap.Int("status", resp.StatusCode))
		return
	}
	s.logger.Info("platform token revoked")
}

func tokenSet(tok *oauth2.Token) (models.OAuthTokenSet, error) {
	if tok == nil || tok.AccessToken == "" {
		return models.OAuthTokenSet{}, errors.New("missing access token")
	}
	return models.OAuthTokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scope:        parseScope(tok.Extra("scope")),
	}, nil
}

// parseScope accepts both the array form and the space-delimited form.
func parseScope(v interface{}) []string {
	switch s := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return s
	case string:
		return strings.Fields(s)
	}
	return nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
