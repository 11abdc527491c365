// Package ratelimit implements fixed-window request counters keyed by
// (identifier, action).
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Actions limited by the connection gateway.
const (
	ActionJoin               = "join"
	ActionLeave              = "leave"
	ActionWorkoutUpdate      = "workoutUpdate"
	ActionSessionStats       = "sessionStats"
	ActionRequestCurrentData = "requestCurrentData"
)

// Rule is the per-window allowance for an action.
type Rule struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultRules is the static per-action table. Unknown actions fall back to DefaultRule.
var DefaultRules = map[string]Rule{
	ActionJoin:               {MaxRequests: 10, Window: time.Minute},
	ActionLeave:              {MaxRequests: 10, Window: time.Minute},
	ActionWorkoutUpdate:      {MaxRequests: 30, Window: time.Minute},
	ActionSessionStats:       {MaxRequests: 5, Window: time.Minute},
	ActionRequestCurrentData: {MaxRequests: 5, Window: time.Minute},
}

// DefaultRule applies to actions missing from the rule table.
var DefaultRule = Rule{MaxRequests: 60, Window: time.Minute}

type entry struct {
	count         int
	windowResetAt time.Time
}

type key struct {
	identifier string
	action     string
}

// Limiter holds the counters. The zero value is not usable; call New.
type Limiter struct {
	mu      sync.Mutex
	entries map[key]*entry
	rules   map[string]Rule
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithRules replaces the per-action rule table.
func WithRules(rules map[string]Rule) Option {
	return func(l *Limiter) {
		l.rules = make(map[string]Rule, len(rules))
		for k, v := range rules {
			l.rules[k] = v
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a limiter using DefaultRules unless overridden.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		entries: make(map[key]*entry),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	WithRules(DefaultRules)(l)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Rule returns the configured rule for action.
func (l *Limiter) Rule(action string) Rule {
	if r, ok := l.rules[action]; ok {
		return r
	}
	return DefaultRule
}

// Allow checks (identifier, action) against the action's configured rule.
func (l *Limiter) Allow(identifier, action string) bool {
	r := l.Rule(action)
	return l.CheckLimit(identifier, action, r.MaxRequests, r.Window)
}

// CheckLimit counts one request for (identifier, action) and reports whether
// it fits in the current window. A non-positive maxRequests or window falls
// back to the action's configured rule.
func (l *Limiter) CheckLimit(identifier, action string, maxRequests int, window time.Duration) bool {
	if maxRequests <= 0 || window <= 0 {
		r := l.Rule(action)
		if maxRequests <= 0 {
			maxRequests = r.MaxRequests
		}
		if window <= 0 {
			window = r.Window
		}
	}

	now := l.now()
	k := key{identifier: identifier, action: action}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[k]
	if !ok || !now.Before(e.windowResetAt) {
		l.entries[k] = &entry{count: 1, windowResetAt: now.Add(window)}
		return true
	}
	if e.count >= maxRequests {
		l.logger.Debug("rate limit exceeded",
			zap.String("identifier", identifier),
			zap.String("action", action),
			zap.Int("max", maxRequests),
		)
		return false
	}
	e.count++
	return true
}

// Remaining returns how many requests are left in the current window under
// the action's configured rule.
func (l *Limiter) Remaining(identifier, action string) int {
	max := l.Rule(action).MaxRequests
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key{identifier: identifier, action: action}]
	if !ok || !now.Before(e.windowResetAt) {
		return max
	}
	if left := max - e.count; left > 0 {
		return left
	}
	return 0
}

// ResetIn returns the time until the current window ends, or zero when no
// window is open.
func (l *Limiter) ResetIn(identifier, action string) time.Duration {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key{identifier: identifier, action: action}]
	if !ok || !now.Before(e.windowResetAt) {
		return 0
	}
	return e.windowResetAt.Sub(now)
}

// Reset clears the counter for (identifier, action). With no action given
// every counter of identifier is cleared.
func (l *Limiter) Reset(identifier string, action ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(action) == 0 {
		l.removeIdentifierLocked(identifier)
		return
	}
	for _, a := range action {
		delete(l.entries, key{identifier: identifier, action: a})
	}
}

// Cleanup drops every counter held for identifier. Called on connection teardown.
func (l *Limiter) Cleanup(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeIdentifierLocked(identifier)
}

// CleanupPrefix drops every counter whose identifier starts with prefix.
func (l *Limiter) CleanupPrefix(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k := range l.entries {
		if strings.HasPrefix(k.identifier, prefix) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

func (l *Limiter) removeIdentifierLocked(identifier string) {
	for k := range l.entries {
		if k.identifier == identifier {
			delete(l.entries, k)
		}
	}
}

// Sweep removes counters whose window has elapsed and returns how many were dropped.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, e := range l.entries {
		if !now.Before(e.windowResetAt) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// Size returns the number of live counters.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
