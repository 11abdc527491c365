// Package streaming is the request/response surface of the broadcast core:
// broadcast lifecycle, platform account linking, chat bot control and
// challenge responses.
package streaming

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fitcast/backend/internal/apperr"
	"github.com/fitcast/backend/internal/broadcast"
	"github.com/fitcast/backend/internal/chatbot"
	"github.com/fitcast/backend/internal/models"
	"github.com/fitcast/backend/internal/oauth"
	"github.com/fitcast/backend/internal/realtime"
)

// Platform is the OAuth integration with the streaming platform.
type Platform interface {
	BuildAuthorizationURL(ownerID string) (url, state string, err error)
	ExchangeCode(ctx context.Context, code string) (models.OAuthTokenSet, error)
	GetUser(ctx context.Context, accessToken string) (models.PlatformUser, error)
	IsChannelLive(ctx context.Context, appToken, login string) (bool, error)
	Revoke(ctx context.Context, accessToken string)
}

// AppTokens yields the integration's own access token.
type AppTokens interface {
	Token(ctx context.Context) (string, error)
}

// Deps are the collaborators of Service. Platform, AppTokens, States and
// Tokens may be nil when the platform integration is not configured.
type Deps struct {
	Registry       *broadcast.Registry
	Hub            *realtime.Hub
	Bots           *chatbot.Registry
	Platform       Platform
	AppTokens      AppTokens
	States         *oauth.StateStore
	Tokens         *oauth.TokenStore
	OverlayBaseURL string
	Logger         *zap.Logger
}

// Service implements the broadcast core's request/response operations.
type Service struct {
	registry  *broadcast.Registry
	hub       *realtime.Hub
	bots      *chatbot.Registry
	platform  Platform
	appTokens AppTokens
	states    *oauth.StateStore
	tokens    *oauth.TokenStore
	baseURL   string
	logger    *zap.Logger
}

// NewService creates the service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry:  d.Registry,
		hub:       d.Hub,
		bots:      d.Bots,
		platform:  d.Platform,
		appTokens: d.AppTokens,
		states:    d.States,
		tokens:    d.Tokens,
		baseURL:   strings.TrimRight(d.OverlayBaseURL, "/"),
		logger:    logger,
	}
}

// EndpointResult is returned by EnableBroadcast and RegenerateEndpoint.
type EndpointResult struct {
	OverlayEndpoint string `json:"overlayEndpoint"`
	OverlayURL      string `json:"overlayUrl,omitempty"`
}

// AuthorizationURL is returned by GetAuthorizationURL.
type AuthorizationURL struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// CallbackResult is returned by ExchangeCallback.
type CallbackResult struct {
	Tokens       models.OAuthTokenSet `json:"tokens"`
	PlatformUser models.PlatformUser  `json:"platformUser"`
}

// StartChatBotRequest selects the bot identity and channels. Empty
// credentials use the owner's linked account; empty channels join the
// linked account's own channel.
type StartChatBotRequest struct {
	Login       string   `json:"login"`
	AccessToken string   `json:"accessToken"`
	Channels    []string `json:"channels"`
}

// OverlayView is what an anonymous viewer gets for an overlay endpoint.
type OverlayView struct {
	Settings models.Settings        `json:"settings"`
	Snapshot models.OverlaySnapshot `json:"snapshot"`
	Viewers  int                    `json:"viewers"`
}

// EnableBroadcast starts broadcasting. Calling it again returns the same endpoint.
func (s *Service) EnableBroadcast(ownerID string) (EndpointResult, error) {
	endpoint, err := s.registry.Enable(ownerID)
	if err != nil {
		return EndpointResult{}, err
	}
	return s.endpointResult(endpoint), nil
}

// DisableBroadcast ends the broadcast and closes its room.
func (s *Service) DisableBroadcast(ownerID string) error {
	endpoint, err := s.registry.Disable(ownerID)
	if err != nil {
		return err
	}
	s.hub.EvictRoom(endpoint)
	return nil
}

// GetSettings returns the owner's data-sharing settings.
func (s *Service) GetSettings(ownerID string) models.Settings {
	return s.registry.Settings(ownerID)
}

// UpdateSettings applies a partial settings update.
func (s *Service) UpdateSettings(ownerID string, patch models.SettingsPatch) (models.Settings, error) {
	return s.registry.UpdateSettings(ownerID, patch)
}

// GetStatus reports whether the owner is broadcasting and whether a
// broadcaster connection is publishing right now.
func (s *Service) GetStatus(ownerID string) models.BroadcastStatusView {
	st := s.registry.Status(ownerID)
	if st.Enabled {
		st.IsLive = s.hub.HasBroadcaster(st.OverlayEndpoint)
	}
	return st
}

// RegenerateEndpoint replaces the overlay endpoint; viewers of the old one are disconnected.
func (s *Service) RegenerateEndpoint(ownerID string) (EndpointResult, error) {
	endpoint, old, err := s.registry.RegenerateEndpoint(ownerID)
	if err != nil {
		return EndpointResult{}, err
	}
	s.hub.EvictRoom(old)
	return s.endpointResult(endpoint), nil
}

// Overlay resolves an overlay endpoint for anonymous viewers.
func (s *Service) Overlay(endpoint string) (OverlayView, error) {
	if !broadcast.ValidEndpoint(endpoint) {
		return OverlayView{}, apperr.NotFound("overlay not found")
	}
	sess := s.registry.FindByEndpoint(endpoint)
	if sess == nil || sess.Status != models.BroadcastActive {
		return OverlayView{}, apperr.NotFound("overlay not found")
	}
	return OverlayView{
		Settings: sess.Settings,
		Snapshot: sess.Snapshot(),
		Viewers:  s.hub.ViewerCount(endpoint),
	}, nil
}

// SweepIdle ends broadcasts idle for longer than maxIdle and closes their rooms.
func (s *Service) SweepIdle(maxIdle time.Duration) int {
	swept := s.registry.SweepInactive(maxIdle)
	for _, endpoint := range swept {
		s.hub.EvictRoom(endpoint)
	}
	return len(swept)
}

// GetAuthorizationURL starts linking a platform account.
func (s *Service) GetAuthorizationURL(ownerID string) (AuthorizationURL, error) {
	if err := s.requirePlatform(); err != nil {
		return AuthorizationURL{}, err
	}
	if ownerID == "" {
		return AuthorizationURL{}, apperr.Validation("owner id required")
	}
	url, state, err := s.platform.BuildAuthorizationURL(ownerID)
	if err != nil {
		return AuthorizationURL{}, err
	}
	s.states.Bind(state, ownerID)
	return AuthorizationURL{URL: url, State: state}, nil
}

// ExchangeCallback completes linking: it checks the state, exchanges the
// code and stores the tokens for proactive refresh.
func (s *Service) ExchangeCallback(ctx context.Context, code, state, ownerID string) (CallbackResult, error) {
	if err := s.requirePlatform(); err != nil {
		return CallbackResult{}, err
	}
	if code == "" || state == "" {
		return CallbackResult{}, apperr.Validation("code and state are required")
	}
	if !s.states.Consume(state, ownerID) {
		return CallbackResult{}, apperr.Validation("invalid or expired state")
	}
	tokens, err := s.platform.ExchangeCode(ctx, code)
	if err != nil {
		return CallbackResult{}, err
	}
	user, err := s.platform.GetUser(ctx, tokens.AccessToken)
	if err != nil {
		s.platform.Revoke(ctx, tokens.AccessToken)
		return CallbackResult{}, err
	}
	s.tokens.Put(ownerID, user, tokens)
	s.logger.Info("platform account linked", zap.String("owner_id", ownerID), zap.String("login", user.Login))
	return CallbackResult{Tokens: tokens, PlatformUser: user}, nil
}

// Disconnect unlinks the owner's platform account: the chat bot stops, the
// refresh timer is cancelled and the tokens are revoked.
func (s *Service) Disconnect(ctx context.Context, ownerID, accessToken string) error {
	if err := s.requirePlatform(); err != nil {
		return err
	}
	s.bots.Forget(ownerID)
	stored, linked := s.tokens.Remove(ownerID)
	if !linked && accessToken == "" {
		return apperr.NotFound("no linked platform account")
	}
	if accessToken != "" {
		s.platform.Revoke(ctx, accessToken)
	}
	if linked && stored.AccessToken != accessToken {
		s.platform.Revoke(ctx, stored.AccessToken)
	}
	s.logger.Info("platform account disconnected", zap.String("owner_id", ownerID))
	return nil
}

// Account returns the owner's linked platform account.
func (s *Service) Account(ownerID string) (oauth.Account, error) {
	if err := s.requirePlatform(); err != nil {
		return oauth.Account{}, err
	}
	acc, ok := s.tokens.Get(ownerID)
	if !ok {
		return oauth.Account{}, apperr.NotFound("no linked platform account")
	}
	return acc, nil
}

// StartChatBot connects the owner's chat bot.
func (s *Service) StartChatBot(ctx context.Context, ownerID string, req StartChatBotRequest) (chatbot.Status, error) {
	creds := chatbot.Credentials{Login: req.Login, AccessToken: req.AccessToken}
	channels := req.Channels
	if creds.AccessToken == "" || len(channels) == 0 {
		if s.tokens == nil {
			if creds.AccessToken == "" {
				return chatbot.Status{}, apperr.Config("platform integration is not configured")
			}
			return chatbot.Status{}, apperr.Validation("at least one channel is required")
		}
		acc, ok := s.tokens.Get(ownerID)
		if !ok {
			return chatbot.Status{}, apperr.NotFound("no linked platform account")
		}
		if creds.AccessToken == "" {
			token, err := s.tokens.AccessToken(ctx, ownerID)
			if err != nil {
				return chatbot.Status{}, err
			}
			creds = chatbot.Credentials{Login: acc.User.Login, AccessToken: token}
		}
		if len(channels) == 0 {
			channels = []string{acc.User.Login}
		}
	}
	return s.bots.Start(ctx, ownerID, creds, channels)
}

// StopChatBot disconnects the owner's chat bot.
func (s *Service) StopChatBot(ownerID string) error {
	if !s.bots.Stop(ownerID) {
		return apperr.NotFound("no chat bot running")
	}
	return nil
}

// GetChatBotStatus reports the owner's chat bot. When the account is linked
// and an app token is available, Live tells whether the channel is streaming.
func (s *Service) GetChatBotStatus(ctx context.Context, ownerID string) chatbot.Status {
	st := s.bots.Status(ownerID)
	if s.platform == nil || s.appTokens == nil || s.tokens == nil {
		return st
	}
	acc, ok := s.tokens.Get(ownerID)
	if !ok || acc.User.Login == "" {
		return st
	}
	token, err := s.appTokens.Token(ctx)
	if err != nil {
		s.logger.Warn("app token unavailable", zap.String("owner_id", ownerID), zap.Error(err))
		return st
	}
	live, err := s.platform.IsChannelLive(ctx, token, acc.User.Login)
	if err != nil {
		s.logger.Warn("live check failed", zap.String("owner_id", ownerID), zap.Error(err))
		return st
	}
	st.Live = &live
	return st
}

// ListCommands returns the owner's chat commands.
func (s *Service) ListCommands(ownerID string) []models.ChatCommand {
	return s.bots.Engine(ownerID).Commands()
}

// UpdateCommand changes one of the owner's chat commands.
func (s *Service) UpdateCommand(ownerID, name string, patch models.ChatCommandPatch) (models.ChatCommand, error) {
	return s.bots.Engine(ownerID).UpdateCommand(name, patch)
}

// ListChallenges returns the owner's challenges.
func (s *Service) ListChallenges(ownerID string) []models.Challenge {
	return s.bots.Challenges().List(ownerID)
}

// RespondChallenge accepts or declines a pending challenge.
func (s *Service) RespondChallenge(ownerID string, id uuid.UUID, accept bool) (models.Challenge, error) {
	c, err := s.bots.Challenges().Respond(ownerID, id, accept)
	if err != nil {
		return c, err
	}
	s.logger.Info("challenge answered", zap.String("owner_id", ownerID),
		zap.String("challenge_id", id.String()), zap.String("status", string(c.Status)))
	return c, nil
}

// ChallengeProgress records reps done towards an accepted challenge.
func (s *Service) ChallengeProgress(ownerID string, id uuid.UUID, reps int) (models.Challenge, error) {
	return s.bots.Challenges().Progress(ownerID, id, reps)
}

func (s *Service) requirePlatform() error {
	if s.platform == nil || s.states == nil || s.tokens == nil {
		return apperr.Config("platform integration is not configured")
	}
	return nil
}

func (s *Service) endpointResult(endpoint string) EndpointResult {
	res := EndpointResult{OverlayEndpoint: endpoint}
	if s.baseURL != "" {
		res.OverlayURL = s.baseURL + "/" + endpoint
	}
	return res
}
