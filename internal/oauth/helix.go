package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fitcast/backend/internal/apperr"
	"github.com/fitcast/backend/internal/models"
)

type helixUser struct {
	ID              string    `json:"id"`
	Login           string    `json:"login"`
	DisplayName     string    `json:"display_name"`
	ProfileImageURL string    `json:"profile_image_url"`
	BroadcasterType string    `json:"broadcaster_type"`
	CreatedAt       time.Time `json:"created_at"`
}

type helixStream struct {
	ID        string `json:"id"`
	UserLogin string `json:"user_login"`
	Type      string `json:"type"`
}

// GetUser returns the platform account that owns accessToken.
func (s *Service) GetUser(ctx context.Context, accessToken string) (models.PlatformUser, error) {
	var body struct {
		Data []helixUser `json:"data"`
	}
	if err := s.getJSON(ctx, "/users", nil, accessToken, &body); err != nil {
		return models.PlatformUser{}, apperr.Wrap(apperr.CodePlatformAuth, "failed to load platform user", err)
	}
	if len(body.Data) == 0 {
		return models.PlatformUser{}, apperr.New(apperr.CodePlatformAuth, "platform returned no user")
	}
	u := body.Data[0]
	return models.PlatformUser{
		ID:              u.ID,
		Login:           u.Login,
		DisplayName:     u.DisplayName,
		ProfileImageURL: u.ProfileImageURL,
		BroadcasterType: u.BroadcasterType,
		CreatedAt:       u.CreatedAt,
	}, nil
}

// IsChannelLive reports whether login is currently streaming, using an
// app-level token.
func (s *Service) IsChannelLive(ctx context.Context, appToken, login string) (bool, error) {
	var body struct {
		Data []helixStream `json:"data"`
	}
	q := url.Values{"user_login": {strings.ToLower(strings.TrimPrefix(login, "#"))}}
	if err := s.getJSON(ctx, "/streams", q, appToken, &body); err != nil {
		return false, err
	}
	for _, st := range body.Data {
		if st.Type == "live" {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) getJSON(ctx context.Context, path string, query url.Values, bearer string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	u := strings.TrimRight(s.cfg.APIBaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Client-Id", s.cfg.ClientID)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("get %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
