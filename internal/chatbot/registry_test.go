package chatbot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fitcast/backend/internal/apperr"
	"github.com/fitcast/backend/internal/models"
)

type said struct {
	channel, text string
}

type fakeTransport struct {
	mu       sync.Mutex
	in       chan ChatMessage
	joined   []string
	said     []said
	closed   bool
	closeErr error
	once     sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan ChatMessage, 16)}
}

func (f *fakeTransport) Join(_ context.Context, channels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, channels...)
	return nil
}

func (f *fakeTransport) Messages() <-chan ChatMessage { return f.in }

func (f *fakeTransport) Say(_ context.Context, channel, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, said{channel, text})
	return nil
}

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeErr
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.in)
	})
	return nil
}

// drop ends the connection from the platform side.
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.closeErr = err
	f.mu.Unlock()
	_ = f.Close()
}

func (f *fakeTransport) replies() []said {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]said(nil), f.said...)
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
}

func (d *fakeDialer) Dial(context.Context, Credentials) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

var testCreds = Credentials{Login: "fitbot", AccessToken: "token"}

func newTestRegistry(t *testing.T, dialer Dialer) *Registry {
	t.Helper()
	sessions := &stubSessions{sessions: map[string]*models.BroadcastSession{"owner-1": liveSession("owner-1")}}
	r := NewRegistry(dialer, sessions, nil, nil, zaptest.NewLogger(t))
	t.Cleanup(r.StopAll)
	return r
}

func TestRegistryStartAnswersCommands(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	r := newTestRegistry(t, dialer)

	st, err := r.Start(context.Background(), "owner-1", testCreds, []string{"#Streamer", "streamer", ""})
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, []string{"streamer"}, st.Channels)
	assert.Equal(t, []string{"streamer"}, dialer.last().joined)

	again, err := r.Start(context.Background(), "owner-1", testCreds, []string{"streamer"})
	require.NoError(t, err)
	assert.True(t, again.Running)
	assert.Len(t, dialer.transports, 1)

	tr := dialer.last()
	tr.in <- viewerMsg("just chatting")
	tr.in <- viewerMsg("!challenges")

	require.Eventually(t, func() bool { return len(tr.replies()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, said{"streamer", "No active challenges."}, tr.replies()[0])

	require.Eventually(t, func() bool { return r.Status("owner-1").MessagesSeen == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, r.Status("owner-1").CommandsHandled)
	assert.Equal(t, 1, r.Running())
}

func TestRegistryStopAndStatus(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	r := newTestRegistry(t, dialer)

	assert.False(t, r.Stop("owner-1"))
	assert.False(t, r.Status("owner-1").Running)

	_, err := r.Start(context.Background(), "owner-1", testCreds, []string{"streamer"})
	require.NoError(t, err)
	assert.True(t, r.Stop("owner-1"))
	assert.True(t, dialer.last().closed)
	assert.False(t, r.Status("owner-1").Running)
	assert.Zero(t, r.Running())
}

func TestRegistryRestartsAfterConnectionDrop(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	r := newTestRegistry(t, dialer)

	_, err := r.Start(context.Background(), "owner-1", testCreds, []string{"streamer"})
	require.NoError(t, err)
	dialer.last().drop(errors.New("connection reset"))

	require.Eventually(t, func() bool { return !r.Status("owner-1").Running }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "connection reset", r.Status("owner-1").LastError)

	st, err := r.Start(context.Background(), "owner-1", testCreds, []string{"streamer"})
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Len(t, dialer.transports, 2)
}

func TestRegistryStartValidation(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, &fakeDialer{})
	ctx := context.Background()

	_, err := r.Start(ctx, "", testCreds, []string{"a"})
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	_, err = r.Start(ctx, "owner-1", Credentials{Login: "bot"}, []string{"a"})
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	_, err = r.Start(ctx, "owner-1", testCreds, []string{" #"})
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	unconfigured := NewRegistry(nil, nil, nil, nil, nil)
	_, err = unconfigured.Start(ctx, "owner-1", testCreds, []string{"a"})
	assert.Equal(t, apperr.CodeConfig, apperr.CodeOf(err))

	failing := NewRegistry(&fakeDialer{err: errors.New("login failed")}, nil, nil, nil, nil)
	_, err = failing.Start(ctx, "owner-1", testCreds, []string{"a"})
	assert.Equal(t, apperr.CodePlatformAuth, apperr.CodeOf(err))
}

func TestRegistryEngineSurvivesRestartAndForget(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, &fakeDialer{})

	off := false
	_, err := r.Engine("owner-1").UpdateCommand("pr", models.ChatCommandPatch{Enabled: &off})
	require.NoError(t, err)

	_, err = r.Start(context.Background(), "owner-1", testCreds, []string{"streamer"})
	require.NoError(t, err)
	r.Stop("owner-1")

	for _, c := range r.Engine("owner-1").Commands() {
		if c.Name == "pr" {
			assert.False(t, c.Enabled)
		}
	}

	_, err = r.Challenges().Create("owner-1", "streamer", "u", "viewer", 5)
	require.NoError(t, err)
	r.Forget("owner-1")
	assert.Zero(t, r.Challenges().Len())
	for _, c := range r.Engine("owner-1").Commands() {
		if c.Name == "pr" {
			assert.True(t, c.Enabled)
		}
	}
}
