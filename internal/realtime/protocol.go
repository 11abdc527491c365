package realtime

import (
	"encoding/json"

	"github.com/fitcast/backend/internal/apperr"
)

// Events sent by clients.
const (
	EventJoinStream           = "joinStream"
	EventLeaveStream          = "leaveStream"
	EventPublishWorkoutUpdate = "publishWorkoutUpdate"
	EventPublishSessionStats  = "publishSessionStats"
	EventRequestCurrentData   = "requestCurrentData"
)

// Events sent to clients.
const (
	EventWorkoutUpdate    = "workoutUpdate"
	EventSessionStats     = "sessionStats"
	EventUserConnected    = "userConnected"
	EventUserDisconnected = "userDisconnected"
	EventConnectionStatus = "connectionStatus"
	EventError            = "error"
	EventWorkoutChallenge = "workoutChallenge"
)

// Values of ConnectionStatus.Status.
const (
	StatusConnected = "connected"
	StatusLeft      = "left"
	StatusEnded     = "ended"
)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type endpointRequest struct {
	OverlayEndpoint string `json:"overlayEndpoint"`
}

// ConnectionStatus tells a client where it stands.
type ConnectionStatus struct {
	Status          string `json:"status"`
	OverlayEndpoint string `json:"overlayEndpoint,omitempty"`
	Viewers         int    `json:"viewers"`
}

// UserEvent announces a member joining or leaving a room.
type UserEvent struct {
	UserID  string `json:"userId"`
	Viewers int    `json:"viewers"`
}

// ErrorPayload is sent with EventError.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func errorPayload(err error) ErrorPayload {
	return ErrorPayload{Message: apperr.MessageOf(err), Code: string(apperr.CodeOf(err))}
}
