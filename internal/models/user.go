package models

import (
	"strings"
	"time"
)

// PlatformUser is the third-party streaming account linked by an owner.
type PlatformUser struct {
	ID              string    `json:"id"`
	Login           string    `json:"login"`
	DisplayName     string    `json:"displayName"`
	ProfileImageURL string    `json:"profileImageUrl,omitempty"`
	BroadcasterType string    `json:"broadcasterType,omitempty"`
	CreatedAt       time.Time `json:"createdAt,omitempty"`
}

// OAuthTokenSet is a user-level credential issued by the platform.
type OAuthTokenSet struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Scope        []string  `json:"scope"`
}

// Expired reports whether the access token is past its expiry at now.
func (t OAuthTokenSet) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// HasScope reports whether scope was granted.
func (t OAuthTokenSet) HasScope(scope string) bool {
	for _, s := range t.Scope {
		if strings.EqualFold(s, scope) {
			return true
		}
	}
	return false
}
