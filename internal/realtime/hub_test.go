package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fitcast/backend/internal/apperr"
	"github.com/fitcast/backend/internal/models"
	"github.com/fitcast/backend/internal/ratelimit"
)

var testEndpoint = strings.Repeat("ab", 32)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewHub(logger, ratelimit.New(ratelimit.WithLogger(logger)), nil, nil)
}

func newTestClient(h *Hub, userID string) *Client {
	return NewClient(h, nil, userID, 32)
}

// drain returns every message queued for c so far.
func drain(c *Client) []WSMessage {
	var out []WSMessage
	for {
		select {
		case msg := <-c.Messages():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func events(msgs []WSMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Event)
	}
	return out
}

func lastError(t *testing.T, c *Client) ErrorPayload {
	t.Helper()
	msgs := drain(c)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Equal(t, EventError, last.Event)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(last.Data, &p))
	return p
}

func workout(owner string) models.WorkoutUpdateEvent {
	return models.WorkoutUpdateEvent{
		SessionID:  "session-1",
		OwnerID:    owner,
		Exercise:   models.Exercise{Name: "Deadlift", Category: "posterior"},
		CurrentSet: models.CurrentSet{Number: 1, Reps: 5, Weight: 180},
		Progress:   models.Progress{ExercisesCompleted: 0, TotalExercises: 4},
		Timestamp:  time.Now(),
	}
}

func message(t *testing.T, event string, payload interface{}) WSMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return WSMessage{Event: event, Data: data}
}

func TestJoinLeaveRestoresViewerCount(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	a := newTestClient(h, "broadcaster")
	b := newTestClient(h, "")

	require.NoError(t, h.JoinRoom(a, testEndpoint))
	before := h.MemberCount(testEndpoint)

	require.NoError(t, h.JoinRoom(b, testEndpoint))
	assert.Equal(t, before+1, h.MemberCount(testEndpoint))
	assert.Equal(t, []string{EventUserConnected}, events(drain(a))[1:])

	require.NoError(t, h.LeaveRoom(b, testEndpoint))
	assert.Equal(t, before, h.MemberCount(testEndpoint))
	_, inRoom := h.RoomOf(b.ID)
	assert.False(t, inRoom)
	assert.Equal(t, []string{EventUserDisconnected}, events(drain(a)))
}

func TestDisconnectWithoutLeave(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	a := newTestClient(h, "broadcaster")
	b := newTestClient(h, "")

	require.NoError(t, h.JoinRoom(a, testEndpoint))
	require.NoError(t, h.JoinRoom(b, testEndpoint))
	drain(a)

	b.Close()
	b.Close()

	assert.Equal(t, 1, h.MemberCount(testEndpoint))
	_, inRoom := h.RoomOf(b.ID)
	assert.False(t, inRoom)
	assert.Equal(t, "", b.Room())
	assert.Equal(t, []string{EventUserDisconnected}, events(drain(a)))

	a.Close()
	rooms, conns := h.Stats()
	assert.Zero(t, rooms)
	assert.Zero(t, conns)
}

func TestJoinSwitchesRooms(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	c := newTestClient(h, "")
	other := strings.Repeat("cd", 32)

	require.NoError(t, h.JoinRoom(c, testEndpoint))
	require.NoError(t, h.JoinRoom(c, other))

	assert.Zero(t, h.MemberCount(testEndpoint))
	assert.Equal(t, 1, h.MemberCount(other))
	endpoint, _ := h.RoomOf(c.ID)
	assert.Equal(t, other, endpoint)
}

func TestJoinRejectsInvalidEndpoint(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	c := newTestClient(h, "")

	err := h.JoinRoom(c, "not-an-endpoint")
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	rooms, _ := h.Stats()
	assert.Zero(t, rooms)
}

func TestPublishFansOutToOthersOnly(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	pub := newTestClient(h, "owner-1")
	viewers := []*Client{newTestClient(h, ""), newTestClient(h, ""), newTestClient(h, "")}

	require.NoError(t, h.JoinRoom(pub, testEndpoint))
	for _, v := range viewers {
		require.NoError(t, h.JoinRoom(v, testEndpoint))
	}
	drain(pub)
	for _, v := range viewers {
		drain(v)
	}

	require.NoError(t, h.PublishWorkoutUpdate(pub, workout("owner-1")))

	assert.Empty(t, drain(pub))
	for _, v := range viewers {
		msgs := drain(v)
		require.Len(t, msgs, 1)
		assert.Equal(t, EventWorkoutUpdate, msgs[0].Event)
		var got models.WorkoutUpdateEvent
		require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
		assert.Equal(t, "Deadlift", got.Exercise.Name)
	}
	assert.True(t, h.HasBroadcaster(testEndpoint))
	assert.Equal(t, 3, h.ViewerCount(testEndpoint))
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	c := newTestClient(h, "owner-1")

	err := h.PublishWorkoutUpdate(c, workout("owner-1"))
	assert.Equal(t, apperr.CodeNotInRoom, apperr.CodeOf(err))

	require.NoError(t, h.JoinRoom(c, testEndpoint))
	bad := workout("owner-1")
	bad.SessionID = ""
	err = h.PublishWorkoutUpdate(c, bad)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	stats := models.SessionStatsEvent{SessionID: "s", OwnerID: "owner-1", Timestamp: time.Now()}
	for i := 0; i < 5; i++ {
		require.NoError(t, h.PublishSessionStats(c, stats))
	}
	err = h.PublishSessionStats(c, stats)
	assert.Equal(t, apperr.CodeRateLimited, apperr.CodeOf(err))
}

func TestPublishAuthorizer(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	h.SetPublishAuthorizer(func(endpoint, userID, eventOwnerID string) bool {
		return userID == "owner-1" && eventOwnerID == "owner-1"
	})
	owner := newTestClient(h, "owner-1")
	intruder := newTestClient(h, "someone-else")
	require.NoError(t, h.JoinRoom(owner, testEndpoint))
	require.NoError(t, h.JoinRoom(intruder, testEndpoint))

	err := h.PublishWorkoutUpdate(intruder, workout("owner-1"))
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
	assert.False(t, h.HasBroadcaster(testEndpoint))

	require.NoError(t, h.PublishWorkoutUpdate(owner, workout("owner-1")))
	assert.True(t, h.HasBroadcaster(testEndpoint))
}

type recordingSink struct {
	mu       sync.Mutex
	workouts []models.WorkoutUpdateEvent
	stats    []models.SessionStatsEvent
}

func (s *recordingSink) WorkoutUpdated(ev models.WorkoutUpdateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workouts = append(s.workouts, ev)
	return nil
}

func (s *recordingSink) StatsUpdated(ev models.SessionStatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, ev)
	return fmt.Errorf("sink unavailable")
}

func TestPublishFeedsSinkAndHonoursSettings(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	sink := &recordingSink{}
	h.SetEventSink(sink)
	settings := models.DefaultSettings()
	settings.ShowWeights = false
	settings.ShowSessionStats = false
	h.SetSettingsLookup(func(string) (models.Settings, bool) { return settings, true })

	pub := newTestClient(h, "owner-1")
	viewer := newTestClient(h, "")
	require.NoError(t, h.JoinRoom(pub, testEndpoint))
	require.NoError(t, h.JoinRoom(viewer, testEndpoint))
	drain(viewer)

	require.NoError(t, h.PublishWorkoutUpdate(pub, workout("owner-1")))
	require.NoError(t, h.PublishSessionStats(pub, models.SessionStatsEvent{SessionID: "s", OwnerID: "owner-1", Timestamp: time.Now()}))

	msgs := drain(viewer)
	require.Len(t, msgs, 1)
	var got models.WorkoutUpdateEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Zero(t, got.CurrentSet.Weight)
	assert.Equal(t, 5, got.CurrentSet.Reps)

	assert.Len(t, sink.workouts, 1)
	assert.Len(t, sink.stats, 1)
}

func TestRequestCurrentData(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	c := newTestClient(h, "")

	require.NoError(t, h.RequestCurrentData(c, testEndpoint))
	assert.Equal(t, []string{EventConnectionStatus}, events(drain(c)))

	w := workout("owner-1")
	h.SetSnapshotProvider(func(endpoint string) (*models.WorkoutUpdateEvent, *models.SessionStatsEvent, bool) {
		if endpoint != testEndpoint {
			return nil, nil, false
		}
		return &w, nil, true
	})
	require.NoError(t, h.RequestCurrentData(c, testEndpoint))
	assert.Equal(t, []string{EventConnectionStatus, EventWorkoutUpdate}, events(drain(c)))

	err := h.RequestCurrentData(c, strings.Repeat("ef", 32))
	assert.True(t, apperr.IsNotFound(err))

	for i := 0; i < 2; i++ {
		_ = h.RequestCurrentData(c, testEndpoint)
	}
	err = h.RequestCurrentData(c, testEndpoint)
	assert.Equal(t, apperr.CodeRateLimited, apperr.CodeOf(err))
}

func TestJoinRateLimit(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	c := newTestClient(h, "")

	for i := 0; i < 10; i++ {
		require.NoError(t, h.JoinRoom(c, testEndpoint))
	}
	err := h.JoinRoom(c, testEndpoint)
	assert.Equal(t, apperr.CodeRateLimited, apperr.CodeOf(err))

	// Disconnect drops the connection's counters.
	c.Close()
	assert.Zero(t, h.limiter.Size())
}

func TestHandleMessageReportsErrors(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	c := newTestClient(h, "owner-1")

	h.HandleMessage(c, message(t, EventPublishWorkoutUpdate, workout("owner-1")))
	p := lastError(t, c)
	assert.Equal(t, string(apperr.CodeNotInRoom), p.Code)

	h.HandleMessage(c, WSMessage{Event: EventJoinStream, Data: json.RawMessage(`{"overlayEndpoint":`)})
	p = lastError(t, c)
	assert.Equal(t, string(apperr.CodeValidation), p.Code)

	h.HandleMessage(c, WSMessage{Event: "dance"})
	p = lastError(t, c)
	assert.Equal(t, string(apperr.CodeValidation), p.Code)

	h.HandleMessage(c, message(t, EventJoinStream, map[string]string{"overlayEndpoint": testEndpoint}))
	msgs := drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventConnectionStatus, msgs[0].Event)
	var status ConnectionStatus
	require.NoError(t, json.Unmarshal(msgs[0].Data, &status))
	assert.Equal(t, StatusConnected, status.Status)
	assert.Equal(t, 1, status.Viewers)
}

func TestHandleMessageRecoversFromPanic(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	h.SetSnapshotProvider(func(string) (*models.WorkoutUpdateEvent, *models.SessionStatsEvent, bool) {
		panic("boom")
	})
	c := newTestClient(h, "")

	h.HandleMessage(c, message(t, EventRequestCurrentData, map[string]string{"overlayEndpoint": testEndpoint}))
	p := lastError(t, c)
	assert.Equal(t, string(apperr.CodeInternal), p.Code)
	assert.Equal(t, "internal error", p.Message)
}

func TestEvictRoom(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	var counts []int
	h.SetAudienceChangeHandler(func(_ string, n int) { counts = append(counts, n) })
	a := newTestClient(h, "")
	b := newTestClient(h, "")
	require.NoError(t, h.JoinRoom(a, testEndpoint))
	require.NoError(t, h.JoinRoom(b, testEndpoint))
	drain(a)
	drain(b)

	assert.Equal(t, 2, h.EvictRoom(testEndpoint))
	assert.Zero(t, h.EvictRoom(testEndpoint))

	for _, c := range []*Client{a, b} {
		msgs := drain(c)
		require.Len(t, msgs, 1)
		var status ConnectionStatus
		require.NoError(t, json.Unmarshal(msgs[0].Data, &status))
		assert.Equal(t, StatusEnded, status.Status)
		_, ok := h.RoomOf(c.ID)
		assert.False(t, ok)
	}
	assert.Equal(t, []int{1, 2, 0}, counts)
}

func TestNotifyOwner(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	owner := newTestClient(h, "owner-1")
	viewer := newTestClient(h, "")
	require.NoError(t, h.JoinRoom(owner, testEndpoint))
	require.NoError(t, h.JoinRoom(viewer, testEndpoint))
	drain(owner)
	drain(viewer)

	n := h.NotifyOwner(testEndpoint, "owner-1", EventWorkoutChallenge, map[string]string{"challenger": "viewer"})
	assert.Equal(t, 1, n)
	assert.Len(t, drain(owner), 1)
	assert.Empty(t, drain(viewer))
}

func TestSlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	pub := newTestClient(h, "owner-1")
	slow := NewClient(h, nil, "", 1)
	require.NoError(t, h.JoinRoom(slow, testEndpoint))
	require.NoError(t, h.JoinRoom(pub, testEndpoint))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = h.PublishWorkoutUpdate(pub, workout("owner-1"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full client buffer")
	}
	assert.Len(t, drain(slow), 1)
}

type fakeBus struct {
	mu        sync.Mutex
	published []string
	handlers  map[string]func(origin, event string, payload []byte)
	cancelled int
}

func (b *fakeBus) PublishRoomEvent(endpoint, origin, event string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, endpoint+"/"+event)
	return nil
}

func (b *fakeBus) SubscribeRoom(endpoint string, handler func(origin, event string, payload []byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string]func(origin, event string, payload []byte))
	}
	b.handlers[endpoint] = handler
	return func() {
		b.mu.Lock()
		b.cancelled++
		b.mu.Unlock()
	}, nil
}

func TestCrossInstanceDelivery(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{}
	logger := zaptest.NewLogger(t)
	h := NewHub(logger, nil, bus, bus)
	pub := newTestClient(h, "owner-1")
	viewer := newTestClient(h, "")
	require.NoError(t, h.JoinRoom(pub, testEndpoint))
	require.NoError(t, h.JoinRoom(viewer, testEndpoint))
	drain(pub)
	drain(viewer)

	require.NoError(t, h.PublishWorkoutUpdate(pub, workout("owner-1")))
	assert.Equal(t, []string{testEndpoint + "/" + EventWorkoutUpdate}, bus.published)
	assert.Len(t, drain(viewer), 1)

	handler := bus.handlers[testEndpoint]
	require.NotNil(t, handler)

	// Own echo is ignored; events from other instances reach every local member.
	handler(h.instanceID, EventWorkoutUpdate, []byte(`{}`))
	assert.Empty(t, drain(viewer))
	handler("other-instance", EventSessionStats, []byte(`{"sessionId":"s"}`))
	assert.Len(t, drain(viewer), 1)
	assert.Len(t, drain(pub), 1)

	pub.Close()
	viewer.Close()
	assert.Equal(t, 1, bus.cancelled)
}
