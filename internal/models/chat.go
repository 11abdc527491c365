package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatCommand is a chat command and its access rules. Commands are changed
// only through explicit configuration calls.
type ChatCommand struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	CooldownSeconds int    `json:"cooldownSeconds"`
	ModOnly         bool   `json:"modOnly"`
	SubscriberOnly  bool   `json:"subscriberOnly"`
	Enabled         bool   `json:"enabled"`
}

// ChatCommandPatch updates a command's access rules; nil fields are kept.
type ChatCommandPatch struct {
	CooldownSeconds *int  `json:"cooldownSeconds,omitempty" validate:"omitempty,gte=0,lte=3600"`
	ModOnly         *bool `json:"modOnly,omitempty"`
	SubscriberOnly  *bool `json:"subscriberOnly,omitempty"`
	Enabled         *bool `json:"enabled,omitempty"`
}

// Apply merges the patch into c.
func (p ChatCommandPatch) Apply(c ChatCommand) ChatCommand {
	if p.CooldownSeconds != nil {
		c.CooldownSeconds = *p.CooldownSeconds
	}
	if p.ModOnly != nil {
		c.ModOnly = *p.ModOnly
	}
	if p.SubscriberOnly != nil {
		c.SubscriberOnly = *p.SubscriberOnly
	}
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	return c
}

// ChallengeType is what the viewer is challenging the broadcaster to do.
type ChallengeType string

const (
	ChallengeReps ChallengeType = "reps"
	ChallengeTime ChallengeType = "time"
)

// ChallengeStatus is the state of a challenge.
type ChallengeStatus string

const (
	ChallengePending   ChallengeStatus = "pending"
	ChallengeAccepted  ChallengeStatus = "accepted"
	ChallengeDeclined  ChallengeStatus = "declined"
	ChallengeExpired   ChallengeStatus = "expired"
	ChallengeCompleted ChallengeStatus = "completed"
)

// Terminal reports whether no further transitions are possible.
func (s ChallengeStatus) Terminal() bool {
	switch s {
	case ChallengeDeclined, ChallengeExpired, ChallengeCompleted:
		return true
	}
	return false
}

// Challenge is a viewer-issued, time-bound request for extra work.
type Challenge struct {
	ID             uuid.UUID       `json:"id"`
	ChallengerID   string          `json:"challengerId"`
	ChallengerName string          `json:"challengerName"`
	TargetOwnerID  string          `json:"targetOwnerId"`
	Channel        string          `json:"channel"`
	Type           ChallengeType   `json:"type"`
	Target         int             `json:"target"`
	Current        int             `json:"current"`
	Status         ChallengeStatus `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
}

// StatusAt returns the effective status at now. An open challenge past its
// deadline is expired even if nobody recorded it. ExpiresAt is the response
// deadline while pending and the completion deadline once accepted.
func (c Challenge) StatusAt(now time.Time) ChallengeStatus {
	if !c.Status.Terminal() && !now.Before(c.ExpiresAt) {
		return ChallengeExpired
	}
	return c.Status
}
