// Package broadcast tracks which owners are broadcasting, their overlay
// endpoints, settings and the last-known workout snapshot.
//
// All state is process-local: a restart loses every session and clients must
// re-enable and re-fetch status afterwards.
package broadcast

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fitcast/backend/internal/apperr"
	"github.com/fitcast/backend/internal/models"
)

// retiredRetention bounds how long regenerated endpoints are remembered.
const retiredRetention = 24 * time.Hour

// Registry owns every BroadcastSession.
type Registry struct {
	mu         sync.RWMutex
	byOwner    map[string]*models.BroadcastSession
	byEndpoint map[string]string    // endpoint -> ownerID
	retired    map[string]time.Time // endpoint -> retired at
	newToken   func() (string, error)
	now        func() time.Time
	logger     *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byOwner:    make(map[string]*models.BroadcastSession),
		byEndpoint: make(map[string]string),
		retired:    make(map[string]time.Time),
		newToken:   NewEndpoint,
		now:        time.Now,
		logger:     logger,
	}
}

// SetClock overrides the time source (tests).
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Enable starts broadcasting for ownerID. It is idempotent: an active session
// keeps its endpoint.
func (r *Registry) Enable(ownerID string) (string, error) {
	if ownerID == "" {
		return "", apperr.Validation("owner id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byOwner[ownerID]; ok && s.Status == models.BroadcastActive {
		return s.OverlayEndpoint, nil
	}

	endpoint, err := r.uniqueTokenLocked()
	if err != nil {
		return "", apperr.Internal(err)
	}
	now := r.now()
	s := &models.BroadcastSession{
		ID:              uuid.New(),
		OwnerID:         ownerID,
		OverlayEndpoint: endpoint,
		Status:          models.BroadcastActive,
		Settings:        models.DefaultSettings(),
		CreatedAt:       now,
		LastUpdated:     now,
	}
	r.byOwner[ownerID] = s
	r.byEndpoint[endpoint] = ownerID
	r.logger.Info("broadcast enabled", zap.String("owner_id", ownerID), zap.String("session_id", s.ID.String()))
	return endpoint, nil
}

// Disable removes the owner's session and returns the endpoint it used.
func (r *Registry) Disable(ownerID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byOwner[ownerID]
	if !ok {
		return "", apperr.SessionNotFound()
	}
	r.removeLocked(s)
	r.logger.Info("broadcast disabled", zap.String("owner_id", ownerID))
	return s.OverlayEndpoint, nil
}

// UpdateWorkout replaces the current workout snapshot.
func (r *Registry) UpdateWorkout(ownerID string, ev models.WorkoutUpdateEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.activeLocked(ownerID)
	if err != nil {
		return err
	}
	w := ev.Clone()
	s.CurrentWorkout = &w
	s.LastUpdated = r.now()
	return nil
}

// UpdateStats replaces the session stats snapshot.
func (r *Registry) UpdateStats(ownerID string, ev models.SessionStatsEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.activeLocked(ownerID)
	if err != nil {
		return err
	}
	st := ev.Clone()
	s.SessionStats = &st
	s.LastUpdated = r.now()
	return nil
}

// UpdateSettings shallow-merges patch into the owner's settings.
func (r *Registry) UpdateSettings(ownerID string, patch models.SettingsPatch) (models.Settings, error) {
	if err := models.Validate(patch); err != nil {
		return models.Settings{}, apperr.Wrap(apperr.CodeValidation, "invalid settings", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byOwner[ownerID]
	if !ok {
		return models.Settings{}, apperr.SessionNotFound()
	}
	s.Settings = patch.Apply(s.Settings)
	s.LastUpdated = r.now()
	return s.Settings, nil
}

// Settings returns the owner's settings, or the defaults when not broadcasting.
func (r *Registry) Settings(ownerID string) models.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byOwner[ownerID]; ok {
		return s.Settings
	}
	return models.DefaultSettings()
}

// Status reports whether ownerID is broadcasting.
func (r *Registry) Status(ownerID string) models.BroadcastStatusView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byOwner[ownerID]
	if !ok || s.Status != models.BroadcastActive {
		return models.BroadcastStatusView{}
	}
	return models.BroadcastStatusView{
		Enabled:         true,
		OverlayEndpoint: s.OverlayEndpoint,
		LastUpdated:     s.LastUpdated,
	}
}

// RegenerateEndpoint issues a new endpoint for the owner. The old one is
// retired and never resolves again. It returns the new and old endpoints.
func (r *Registry) RegenerateEndpoint(ownerID string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byOwner[ownerID]
	if !ok {
		return "", "", apperr.SessionNotFound()
	}
	endpoint, err := r.uniqueTokenLocked()
	if err != nil {
		return "", "", apperr.Internal(err)
	}
	old := s.OverlayEndpoint
	delete(r.byEndpoint, old)
	r.retired[old] = r.now()
	s.OverlayEndpoint = endpoint
	s.LastUpdated = r.now()
	r.byEndpoint[endpoint] = ownerID
	r.logger.Info("overlay endpoint regenerated", zap.String("owner_id", ownerID))
	return endpoint, old, nil
}

// FindByEndpoint returns a copy of the session behind endpoint, or nil.
func (r *Registry) FindByEndpoint(endpoint string) *models.BroadcastSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ownerID, ok := r.byEndpoint[endpoint]
	if !ok {
		return nil
	}
	return r.byOwner[ownerID].Clone()
}

// Get returns a copy of the owner's session, or nil.
func (r *Registry) Get(ownerID string) *models.BroadcastSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byOwner[ownerID].Clone()
}

// OwnerOf returns the owner of the session behind endpoint.
func (r *Registry) OwnerOf(endpoint string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ownerID, ok := r.byEndpoint[endpoint]
	return ownerID, ok
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byOwner)
}

// SweepInactive removes sessions idle for longer than maxIdle and returns
// their endpoints so the caller can tear down the matching rooms.
func (r *Registry) SweepInactive(maxIdle time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var swept []string
	for ownerID, s := range r.byOwner {
		if now.Sub(s.LastUpdated) > maxIdle {
			r.removeLocked(s)
			swept = append(swept, s.OverlayEndpoint)
			r.logger.Info("idle broadcast swept", zap.String("owner_id", ownerID), zap.Duration("idle", now.Sub(s.LastUpdated)))
		}
	}
	for endpoint, at := range r.retired {
		if now.Sub(at) > retiredRetention {
			delete(r.retired, endpoint)
		}
	}
	return swept
}

func (r *Registry) activeLocked(ownerID string) (*models.BroadcastSession, error) {
	s, ok := r.byOwner[ownerID]
	if !ok || s.Status != models.BroadcastActive {
		return nil, apperr.SessionNotFound()
	}
	return s, nil
}

func (r *Registry) removeLocked(s *models.BroadcastSession) {
	s.Status = models.BroadcastInactive
	delete(r.byOwner, s.OwnerID)
	delete(r.byEndpoint, s.OverlayEndpoint)
	r.retired[s.OverlayEndpoint] = r.now()
}

func (r *Registry) uniqueTokenLocked() (string, error) {
	for i := 0; i < 5; i++ {
		t, err := r.newToken()
		if err != nil {
			return "", err
		}
		if _, taken := r.byEndpoint[t]; taken {
			continue
		}
		if _, used := r.retired[t]; used {
			continue
		}
		return t, nil
	}
	return "", fmt.Errorf("could not generate a unique overlay endpoint")
}
