package oauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualScheduler records scheduled callbacks instead of arming timers.
type manualScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	funcs  []func()
	stops  int
}

func (m *manualScheduler) schedule(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.funcs = append(m.funcs, f)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.stops++
		return true
	}
}

func (m *manualScheduler) last() (time.Duration, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delays[len(m.delays)-1], m.funcs[len(m.funcs)-1]
}

func (m *manualScheduler) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.funcs)
}

func TestAppTokenSingleFlight(t *testing.T) {
	t.Parallel()
	p := newFakePlatform(t)
	p.appRelease = make(chan struct{})
	svc := newTestService(t, p)
	cache := svc.NewAppTokenCache()
	sched := &manualScheduler{}
	cache.schedule = sched.schedule
	t.Cleanup(cache.Close)

	const callers = 50
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = cache.Token(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return p.appRequests.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(p.appRelease)
	wg.Wait()

	assert.EqualValues(t, 1, p.appRequests.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "app-token", tokens[i])
	}
}

func TestAppTokenProactiveRefresh(t *testing.T) {
	t.Parallel()
	p := newFakePlatform(t)
	svc := newTestService(t, p)
	cache := svc.NewAppTokenCache()
	sched := &manualScheduler{}
	cache.schedule = sched.schedule
	t.Cleanup(cache.Close)

	_, err := cache.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sched.count())

	delay, fire := sched.last()
	assert.InDelta(t, float64(3540*time.Second), float64(delay), float64(2*time.Second),
		"refresh is scheduled 60s before expiry")

	// Cached: no new upstream calls.
	for i := 0; i < 10; i++ {
		_, err := cache.Token(context.Background())
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, p.appRequests.Load())

	fire()
	assert.EqualValues(t, 2, p.appRequests.Load(), "exactly one proactive refresh")
	assert.Equal(t, 2, sched.count(), "next refresh is scheduled")

	_, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.appRequests.Load())
}

func TestAppTokenCloseStopsSchedule(t *testing.T) {
	t.Parallel()
	p := newFakePlatform(t)
	svc := newTestService(t, p)
	cache := svc.NewAppTokenCache()
	sched := &manualScheduler{}
	cache.schedule = sched.schedule

	_, err := cache.Token(context.Background())
	require.NoError(t, err)
	cache.Close()
	assert.Equal(t, 1, sched.stops)
}

func TestAppTokenExpiredCacheRefetches(t *testing.T) {
	t.Parallel()
	p := newFakePlatform(t)
	svc := newTestService(t, p)
	cache := svc.NewAppTokenCache()
	sched := &manualScheduler{}
	cache.schedule = sched.schedule
	t.Cleanup(cache.Close)

	_, err := cache.Token(context.Background())
	require.NoError(t, err)

	cache.mu.Lock()
	cache.expiresAt = time.Now().Add(-time.Second)
	cache.mu.Unlock()

	_, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.appRequests.Load())
}
