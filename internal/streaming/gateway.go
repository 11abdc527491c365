package streaming

import (
	"github.com/fitcast/backend/internal/broadcast"
	"github.com/fitcast/backend/internal/models"
	"github.com/fitcast/backend/internal/realtime"
)

// registrySink keeps the registry's snapshot current with published events.
type registrySink struct {
	registry *broadcast.Registry
}

func (s registrySink) WorkoutUpdated(ev models.WorkoutUpdateEvent) error {
	return s.registry.UpdateWorkout(ev.OwnerID, ev)
}

func (s registrySink) StatsUpdated(ev models.SessionStatsEvent) error {
	return s.registry.UpdateStats(ev.OwnerID, ev)
}

// WireGateway connects the hub and the chat bots to the registry: publishes
// are owner-only and update snapshots, fan-out honours the session's
// settings, requestCurrentData replays the snapshot and new challenges reach
// the broadcaster's connection.
func (s *Service) WireGateway() {
	s.hub.SetPublishAuthorizer(s.canPublish)
	s.hub.SetEventSink(registrySink{registry: s.registry})
	s.hub.SetSettingsLookup(func(endpoint string) (models.Settings, bool) {
		sess := s.registry.FindByEndpoint(endpoint)
		if sess == nil {
			return models.Settings{}, false
		}
		return sess.Settings, true
	})
	s.hub.SetSnapshotProvider(func(endpoint string) (*models.WorkoutUpdateEvent, *models.SessionStatsEvent, bool) {
		sess := s.registry.FindByEndpoint(endpoint)
		if sess == nil || sess.Status != models.BroadcastActive {
			return nil, nil, false
		}
		snap := sess.Snapshot()
		return snap.CurrentWorkout, snap.SessionStats, true
	})
	s.bots.SetChallengeNotifier(s.notifyChallenge)
}

func (s *Service) canPublish(endpoint, userID, eventOwnerID string) bool {
	ownerID, ok := s.registry.OwnerOf(endpoint)
	return ok && userID == ownerID && eventOwnerID == ownerID
}

func (s *Service) notifyChallenge(ownerID string, c models.Challenge) {
	sess := s.registry.Get(ownerID)
	if sess == nil {
		return
	}
	s.hub.NotifyOwner(sess.OverlayEndpoint, ownerID, realtime.EventWorkoutChallenge, c)
}
