package realtime

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fitcast/backend/internal/apperr"
	"github.com/fitcast/backend/internal/broadcast"
	"github.com/fitcast/backend/internal/models"
	"github.com/fitcast/backend/internal/ratelimit"
)

// AudienceChangeHandler is called when the member count of a room changes.
type AudienceChangeHandler func(endpoint string, members int)

// PublishAuthorizer decides whether userID may publish an event owned by
// eventOwnerID into the room named endpoint.
type PublishAuthorizer func(endpoint, userID, eventOwnerID string) bool

// SnapshotProvider returns the last-known data behind endpoint.
type SnapshotProvider func(endpoint string) (*models.WorkoutUpdateEvent, *models.SessionStatsEvent, bool)

// SettingsLookup returns the data-sharing settings of the room's session.
type SettingsLookup func(endpoint string) (models.Settings, bool)

// EventSink receives every accepted publish, e.g. to keep the session registry current.
type EventSink interface {
	WorkoutUpdated(ev models.WorkoutUpdateEvent) error
	StatsUpdated(ev models.SessionStatsEvent) error
}

// RedisPublisher publishes room events for other instances.
type RedisPublisher interface {
	PublishRoomEvent(endpoint, origin, event string, payload []byte) error
}

// RedisSubscriber delivers room events published by other instances.
type RedisSubscriber interface {
	SubscribeRoom(endpoint string, handler func(origin, event string, payload []byte)) (cancel func(), err error)
}

type room struct {
	members       map[string]*Client
	broadcasterID string
	cancelSub     func()
}

// Hub maintains overlay endpoint -> set of connections and routes events
// between them. Room membership and the connection -> room index are only
// changed together under mu.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]*room
	clientRoom map[string]string

	limiter    *ratelimit.Limiter
	logger     *zap.Logger
	instanceID string

	redis    RedisPublisher
	redisSub RedisSubscriber

	authorize  PublishAuthorizer
	snapshots  SnapshotProvider
	settings   SettingsLookup
	sink       EventSink
	onAudience AudienceChangeHandler
}

// NewHub creates a hub. redisPub and redisSub may be nil for a single instance.
func NewHub(logger *zap.Logger, limiter *ratelimit.Limiter, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.WithLogger(logger))
	}
	return &Hub{
		rooms:      make(map[string]*room),
		clientRoom: make(map[string]string),
		limiter:    limiter,
		logger:     logger,
		instanceID: uuid.NewString(),
		redis:      redisPub,
		redisSub:   redisSub,
	}
}

// SetAudienceChangeHandler sets the callback for member count changes.
func (h *Hub) SetAudienceChangeHandler(fn AudienceChangeHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onAudience = fn
}

// SetPublishAuthorizer restricts who may publish into a room.
func (h *Hub) SetPublishAuthorizer(fn PublishAuthorizer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authorize = fn
}

// SetSnapshotProvider lets requestCurrentData replay the last-known data.
func (h *Hub) SetSnapshotProvider(fn SnapshotProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshots = fn
}

// SetSettingsLookup makes fan-out honour the session's data-sharing flags.
func (h *Hub) SetSettingsLookup(fn SettingsLookup) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settings = fn
}

// SetEventSink sets the receiver of accepted publishes.
func (h *Hub) SetEventSink(sink EventSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

// HandleMessage dispatches one inbound message. Failures are reported to the
// client as an error event and never end the connection.
func (h *Hub) HandleMessage(c *Client, msg WSMessage) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("websocket handler panic",
				zap.String("client_id", c.ID),
				zap.String("event", msg.Event),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			c.Send(EventError, errorPayload(apperr.Internal(fmt.Errorf("panic: %v", r))))
		}
	}()

	var err error
	switch msg.Event {
	case EventJoinStream:
		var req endpointRequest
		if err = decode(msg.Data, &req); err == nil {
			err = h.JoinRoom(c, req.OverlayEndpoint)
		}
	case EventLeaveStream:
		var req endpointRequest
		if err = decode(msg.Data, &req); err == nil {
			err = h.LeaveRoom(c, req.OverlayEndpoint)
		}
	case EventPublishWorkoutUpdate:
		var ev models.WorkoutUpdateEvent
		if err = decode(msg.Data, &ev); err == nil {
			err = h.PublishWorkoutUpdate(c, ev)
		}
	case EventPublishSessionStats:
		var ev models.SessionStatsEvent
		if err = decode(msg.Data, &ev); err == nil {
			err = h.PublishSessionStats(c, ev)
		}
	case EventRequestCurrentData:
		var req endpointRequest
		if err = decode(msg.Data, &req); err == nil {
			err = h.RequestCurrentData(c, req.OverlayEndpoint)
		}
	default:
		err = apperr.Validation("unknown event: " + msg.Event)
	}
	if err == nil {
		return
	}

	switch apperr.CodeOf(err) {
	case apperr.CodeInternal:
		h.logger.Error("websocket event failed", zap.String("client_id", c.ID), zap.String("event", msg.Event), zap.Error(err))
	default:
		h.logger.Debug("websocket event rejected", zap.String("client_id", c.ID), zap.String("event", msg.Event), zap.Error(err))
	}
	c.Send(EventError, errorPayload(err))
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return apperr.Validation("missing event data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "malformed event data", err)
	}
	return nil
}

// JoinRoom adds c to the room named endpoint, leaving its current room first.
func (h *Hub) JoinRoom(c *Client, endpoint string) error {
	if !broadcast.ValidEndpoint(endpoint) {
		return apperr.Validation("invalid overlay endpoint")
	}
	if !h.limiter.Allow(c.ID, ratelimit.ActionJoin) {
		return apperr.RateLimited("too many join requests")
	}

	h.mu.Lock()
	if current, ok := h.clientRoom[c.ID]; ok {
		if current == endpoint {
			count := len(h.rooms[endpoint].members)
			h.mu.Unlock()
			c.Send(EventConnectionStatus, ConnectionStatus{Status: StatusConnected, OverlayEndpoint: endpoint, Viewers: count})
			return nil
		}
		h.mu.Unlock()
		h.detach(c)
		h.mu.Lock()
	}

	r, existed := h.rooms[endpoint]
	if !existed {
		r = &room{members: make(map[string]*Client)}
		h.rooms[endpoint] = r
	}
	r.members[c.ID] = c
	h.clientRoom[c.ID] = endpoint
	c.setRoom(endpoint)
	count := len(r.members)
	others := r.othersLocked(c.ID)
	onAudience := h.onAudience
	h.mu.Unlock()

	if !existed {
		h.subscribe(endpoint)
	}

	c.Send(EventConnectionStatus, ConnectionStatus{Status: StatusConnected, OverlayEndpoint: endpoint, Viewers: count})
	send(others, EventUserConnected, UserEvent{UserID: c.UserID, Viewers: count})
	if onAudience != nil {
		onAudience(endpoint, count)
	}
	h.logger.Debug("client joined room", zap.String("client_id", c.ID), zap.String("endpoint", endpoint), zap.Int("members", count))
	return nil
}

// LeaveRoom removes c from the room named endpoint.
func (h *Hub) LeaveRoom(c *Client, endpoint string) error {
	if !broadcast.ValidEndpoint(endpoint) {
		return apperr.Validation("invalid overlay endpoint")
	}
	if !h.limiter.Allow(c.ID, ratelimit.ActionLeave) {
		return apperr.RateLimited("too many leave requests")
	}
	h.mu.RLock()
	current := h.clientRoom[c.ID]
	h.mu.RUnlock()
	if current != endpoint {
		return apperr.New(apperr.CodeNotInRoom, "not in this room")
	}
	h.detach(c)
	c.Send(EventConnectionStatus, ConnectionStatus{Status: StatusLeft, OverlayEndpoint: endpoint})
	return nil
}

// Disconnect tears down every trace of c. Safe to call more than once.
func (h *Hub) Disconnect(c *Client) {
	h.detach(c)
	h.limiter.Cleanup(c.ID)
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID))
}

// detach removes c from its room and notifies the remaining members.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	endpoint, ok := h.clientRoom[c.ID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clientRoom, c.ID)
	c.setRoom("")
	r := h.rooms[endpoint]
	var (
		others    []*Client
		count     int
		cancelSub func()
	)
	if r != nil {
		delete(r.members, c.ID)
		if r.broadcasterID == c.ID {
			r.broadcasterID = ""
		}
		count = len(r.members)
		others = r.othersLocked("")
		if count == 0 {
			cancelSub = r.cancelSub
			delete(h.rooms, endpoint)
		}
	}
	onAudience := h.onAudience
	h.mu.Unlock()

	if cancelSub != nil {
		cancelSub()
	}
	send(others, EventUserDisconnected, UserEvent{UserID: c.UserID, Viewers: count})
	if onAudience != nil {
		onAudience(endpoint, count)
	}
	h.logger.Debug("client left room", zap.String("client_id", c.ID), zap.String("endpoint", endpoint), zap.Int("members", count))
}

// EvictRoom detaches every member of endpoint, telling them the broadcast ended.
func (h *Hub) EvictRoom(endpoint string) int {
	h.mu.Lock()
	r, ok := h.rooms[endpoint]
	if !ok {
		h.mu.Unlock()
		return 0
	}
	members := r.othersLocked("")
	for _, c := range members {
		delete(h.clientRoom, c.ID)
		c.setRoom("")
	}
	delete(h.rooms, endpoint)
	cancelSub := r.cancelSub
	onAudience := h.onAudience
	h.mu.Unlock()

	if cancelSub != nil {
		cancelSub()
	}
	send(members, EventConnectionStatus, ConnectionStatus{Status: StatusEnded, OverlayEndpoint: endpoint})
	if onAudience != nil {
		onAudience(endpoint, 0)
	}
	h.logger.Info("room evicted", zap.String("endpoint", endpoint), zap.Int("members", len(members)))
	return len(members)
}

// PublishWorkoutUpdate fans ev out to every other member of c's room.
func (h *Hub) PublishWorkoutUpdate(c *Client, ev models.WorkoutUpdateEvent) error {
	endpoint, err := h.preparePublish(c, ev.OwnerID, ev, ratelimit.ActionWorkoutUpdate)
	if err != nil {
		return err
	}
	if sink := h.eventSink(); sink != nil {
		if err := sink.WorkoutUpdated(ev); err != nil {
			h.logger.Warn("workout sink failed", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
	var payload interface{} = ev
	if s, ok := h.roomSettings(endpoint); ok {
		filtered := ev.Filter(s)
		if filtered == nil {
			return nil
		}
		payload = filtered
	}
	h.fanOut(endpoint, c.ID, EventWorkoutUpdate, payload)
	return nil
}

// PublishSessionStats fans ev out to every other member of c's room.
func (h *Hub) PublishSessionStats(c *Client, ev models.SessionStatsEvent) error {
	endpoint, err := h.preparePublish(c, ev.OwnerID, ev, ratelimit.ActionSessionStats)
	if err != nil {
		return err
	}
	if sink := h.eventSink(); sink != nil {
		if err := sink.StatsUpdated(ev); err != nil {
			h.logger.Warn("stats sink failed", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
	var payload interface{} = ev
	if s, ok := h.roomSettings(endpoint); ok {
		filtered := ev.Filter(s)
		if filtered == nil {
			return nil
		}
		payload = filtered
	}
	h.fanOut(endpoint, c.ID, EventSessionStats, payload)
	return nil
}

func (h *Hub) preparePublish(c *Client, eventOwner string, ev interface{}, action string) (string, error) {
	h.mu.RLock()
	endpoint, ok := h.clientRoom[c.ID]
	authorize := h.authorize
	h.mu.RUnlock()
	if !ok {
		return "", apperr.New(apperr.CodeNotInRoom, "join a room before publishing")
	}
	if err := models.Validate(ev); err != nil {
		return "", apperr.Wrap(apperr.CodeValidation, err.Error(), err)
	}
	if !h.limiter.Allow(c.ID, action) {
		return "", apperr.RateLimited("too many " + action + " events")
	}
	if authorize != nil && !authorize(endpoint, c.UserID, eventOwner) {
		return "", apperr.New(apperr.CodeForbidden, "only the broadcaster may publish to this room")
	}

	h.mu.Lock()
	if r, ok := h.rooms[endpoint]; ok && h.clientRoom[c.ID] == endpoint {
		r.broadcasterID = c.ID
	}
	h.mu.Unlock()
	return endpoint, nil
}

// RequestCurrentData acknowledges the connection and replays the last-known
// data when a snapshot provider is configured.
func (h *Hub) RequestCurrentData(c *Client, endpoint string) error {
	if !broadcast.ValidEndpoint(endpoint) {
		return apperr.Validation("invalid overlay endpoint")
	}
	if !h.limiter.Allow(c.ID, ratelimit.ActionRequestCurrentData) {
		return apperr.RateLimited("too many data requests")
	}
	h.mu.RLock()
	count := 0
	if r, ok := h.rooms[endpoint]; ok {
		count = len(r.members)
	}
	snapshots := h.snapshots
	h.mu.RUnlock()

	c.Send(EventConnectionStatus, ConnectionStatus{Status: StatusConnected, OverlayEndpoint: endpoint, Viewers: count})
	if snapshots == nil {
		return nil
	}
	workout, stats, ok := snapshots(endpoint)
	if !ok {
		return apperr.NotFound("no broadcast for this overlay")
	}
	if workout != nil {
		c.Send(EventWorkoutUpdate, workout)
	}
	if stats != nil {
		c.Send(EventSessionStats, stats)
	}
	return nil
}

// NotifyOwner sends an event to the room's broadcaster connection and any
// member authenticated as ownerID. It returns the number of recipients.
func (h *Hub) NotifyOwner(endpoint, ownerID, event string, payload interface{}) int {
	h.mu.RLock()
	var targets []*Client
	if r, ok := h.rooms[endpoint]; ok {
		for id, c := range r.members {
			if id == r.broadcasterID || (ownerID != "" && c.UserID == ownerID) {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()
	send(targets, event, payload)
	return len(targets)
}

// MemberCount returns the number of connections in a room.
func (h *Hub) MemberCount(endpoint string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[endpoint]; ok {
		return len(r.members)
	}
	return 0
}

// ViewerCount returns the number of connections in a room other than the broadcaster.
func (h *Hub) ViewerCount(endpoint string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[endpoint]
	if !ok {
		return 0
	}
	if _, live := r.members[r.broadcasterID]; live {
		return len(r.members) - 1
	}
	return len(r.members)
}

// HasBroadcaster reports whether a connection has published into the room.
func (h *Hub) HasBroadcaster(endpoint string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[endpoint]
	return ok && r.broadcasterID != ""
}

// RoomOf returns the room c is in.
func (h *Hub) RoomOf(clientID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	endpoint, ok := h.clientRoom[clientID]
	return endpoint, ok
}

// Stats returns the number of rooms and indexed connections.
func (h *Hub) Stats() (rooms, connections int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms), len(h.clientRoom)
}

func (h *Hub) fanOut(endpoint, excludeID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal room event", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	var targets []*Client
	if r, ok := h.rooms[endpoint]; ok {
		targets = r.othersLocked(excludeID)
	}
	h.mu.RUnlock()

	msg := WSMessage{Event: event, Data: data}
	for _, c := range targets {
		c.enqueue(msg)
	}
	if h.redis != nil {
		if err := h.redis.PublishRoomEvent(endpoint, h.instanceID, event, data); err != nil {
			h.logger.Warn("redis publish failed", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
}

// deliverRemote hands an event published by another instance to local members.
func (h *Hub) deliverRemote(endpoint, origin, event string, data []byte) {
	if origin == h.instanceID {
		return
	}
	h.mu.RLock()
	var targets []*Client
	if r, ok := h.rooms[endpoint]; ok {
		targets = r.othersLocked("")
	}
	h.mu.RUnlock()
	msg := WSMessage{Event: event, Data: json.RawMessage(data)}
	for _, c := range targets {
		c.enqueue(msg)
	}
}

// subscribe starts the cross-instance subscription for a new room. The
// network call runs without holding mu.
func (h *Hub) subscribe(endpoint string) {
	if h.redisSub == nil {
		return
	}
	cancel, err := h.redisSub.SubscribeRoom(endpoint, func(origin, event string, payload []byte) {
		h.deliverRemote(endpoint, origin, event, payload)
	})
	if err != nil {
		h.logger.Warn("redis subscribe failed", zap.String("endpoint", endpoint), zap.Error(err))
		return
	}
	h.mu.Lock()
	r, ok := h.rooms[endpoint]
	if ok && r.cancelSub == nil {
		r.cancelSub = cancel
		cancel = nil
	}
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Hub) eventSink() EventSink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sink
}

func (h *Hub) roomSettings(endpoint string) (models.Settings, bool) {
	h.mu.RLock()
	lookup := h.settings
	h.mu.RUnlock()
	if lookup == nil {
		return models.Settings{}, false
	}
	return lookup(endpoint)
}

func (r *room) othersLocked(excludeID string) []*Client {
	out := make([]*Client, 0, len(r.members))
	for id, c := range r.members {
		if id != excludeID {
			out = append(out, c)
		}
	}
	return out
}

func send(clients []*Client, event string, payload interface{}) {
	if len(clients) == 0 {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	for _, c := range clients {
		c.enqueue(msg)
	}
}
