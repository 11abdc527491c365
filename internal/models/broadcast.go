package models

import (
	"time"

	"github.com/google/uuid"
)

// BroadcastStatus is the lifecycle state of a broadcast session.
type BroadcastStatus string

const (
	BroadcastInactive BroadcastStatus = "inactive"
	BroadcastActive   BroadcastStatus = "active"
)

// Overlay themes and layouts accepted in Settings.
const (
	ThemeDark    = "dark"
	ThemeLight   = "light"
	ThemeNeon    = "neon"
	ThemeMinimal = "minimal"

	LayoutCompact  = "compact"
	LayoutDetailed = "detailed"
	LayoutSidebar  = "sidebar"
)

// Settings holds the data-sharing flags and look of a broadcaster's overlay.
type Settings struct {
	ShowCurrentExercise bool   `json:"showCurrentExercise"`
	ShowSetDetails      bool   `json:"showSetDetails"`
	ShowProgress        bool   `json:"showProgress"`
	ShowSessionStats    bool   `json:"showSessionStats"`
	ShowPersonalRecords bool   `json:"showPersonalRecords"`
	ShowWeights         bool   `json:"showWeights"`
	Theme               string `json:"theme" validate:"oneof=dark light neon minimal"`
	Layout              string `json:"layout" validate:"oneof=compact detailed sidebar"`
}

// DefaultSettings returns the settings a new broadcast starts with.
func DefaultSettings() Settings {
	return Settings{
		ShowCurrentExercise: true,
		ShowSetDetails:      true,
		ShowProgress:        true,
		ShowSessionStats:    true,
		ShowPersonalRecords: true,
		ShowWeights:         true,
		Theme:               ThemeDark,
		Layout:              LayoutDetailed,
	}
}

// SettingsPatch is a partial Settings update; nil fields are left untouched.
type SettingsPatch struct {
	ShowCurrentExercise *bool   `json:"showCurrentExercise,omitempty"`
	ShowSetDetails      *bool   `json:"showSetDetails,omitempty"`
	ShowProgress        *bool   `json:"showProgress,omitempty"`
	ShowSessionStats    *bool   `json:"showSessionStats,omitempty"`
	ShowPersonalRecords *bool   `json:"showPersonalRecords,omitempty"`
	ShowWeights         *bool   `json:"showWeights,omitempty"`
	Theme               *string `json:"theme,omitempty" validate:"omitempty,oneof=dark light neon minimal"`
	Layout              *string `json:"layout,omitempty" validate:"omitempty,oneof=compact detailed sidebar"`
}

// Apply shallow-merges the patch into s.
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.ShowCurrentExercise != nil {
		s.ShowCurrentExercise = *p.ShowCurrentExercise
	}
	if p.ShowSetDetails != nil {
		s.ShowSetDetails = *p.ShowSetDetails
	}
	if p.ShowProgress != nil {
		s.ShowProgress = *p.ShowProgress
	}
	if p.ShowSessionStats != nil {
		s.ShowSessionStats = *p.ShowSessionStats
	}
	if p.ShowPersonalRecords != nil {
		s.ShowPersonalRecords = *p.ShowPersonalRecords
	}
	if p.ShowWeights != nil {
		s.ShowWeights = *p.ShowWeights
	}
	if p.Theme != nil {
		s.Theme = *p.Theme
	}
	if p.Layout != nil {
		s.Layout = *p.Layout
	}
	return s
}

// BroadcastSession is one owner's live broadcast. It is process-local and
// does not survive a restart.
type BroadcastSession struct {
	ID              uuid.UUID           `json:"id"`
	OwnerID         string              `json:"ownerId"`
	OverlayEndpoint string              `json:"overlayEndpoint"`
	Status          BroadcastStatus     `json:"status"`
	Settings        Settings            `json:"settings"`
	CurrentWorkout  *WorkoutUpdateEvent `json:"currentWorkout,omitempty"`
	SessionStats    *SessionStatsEvent  `json:"sessionStats,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	LastUpdated     time.Time           `json:"lastUpdated"`
}

// Clone returns a copy that shares no mutable state with s.
func (s *BroadcastSession) Clone() *BroadcastSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.CurrentWorkout != nil {
		w := s.CurrentWorkout.Clone()
		out.CurrentWorkout = &w
	}
	if s.SessionStats != nil {
		st := s.SessionStats.Clone()
		out.SessionStats = &st
	}
	return &out
}

// BroadcastStatusView is what GetStatus reports to the owner.
type BroadcastStatusView struct {
	Enabled         bool      `json:"enabled"`
	IsLive          bool      `json:"isLive"`
	OverlayEndpoint string    `json:"overlayEndpoint,omitempty"`
	LastUpdated     time.Time `json:"lastUpdated,omitempty"`
}

// OverlaySnapshot is the viewer-facing view of a session, filtered by its
// data-sharing flags.
type OverlaySnapshot struct {
	Theme          string              `json:"theme"`
	Layout         string              `json:"layout"`
	CurrentWorkout *WorkoutUpdateEvent `json:"currentWorkout,omitempty"`
	SessionStats   *SessionStatsEvent  `json:"sessionStats,omitempty"`
	LastUpdated    time.Time           `json:"lastUpdated"`
}

// Snapshot builds the viewer-facing view of s.
func (s *BroadcastSession) Snapshot() OverlaySnapshot {
	snap := OverlaySnapshot{
		Theme:       s.Settings.Theme,
		Layout:      s.Settings.Layout,
		LastUpdated: s.LastUpdated,
	}
	if s.CurrentWorkout != nil {
		snap.CurrentWorkout = s.CurrentWorkout.Filter(s.Settings)
	}
	if s.SessionStats != nil {
		snap.SessionStats = s.SessionStats.Filter(s.Settings)
	}
	return snap
}
