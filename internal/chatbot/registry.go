package chatbot

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fitcast/backend/internal/apperr"
	"github.com/fitcast/backend/internal/ratelimit"
)

// Registry holds the running chat bot and the command engine of every owner.
// Engines outlive bots so command configuration survives a restart of the bot.
type Registry struct {
	mu      sync.Mutex
	bots    map[string]*Bot
	engines map[string]*Engine

	dialer     Dialer
	sessions   SessionSource
	challenges *ChallengeStore
	cooldowns  *ratelimit.Limiter
	notify     ChallengeNotifier
	logger     *zap.Logger
	now        func() time.Time
}

// NewRegistry creates a registry. dialer may be nil when chat is not configured.
func NewRegistry(dialer Dialer, sessions SessionSource, challenges *ChallengeStore, cooldowns *ratelimit.Limiter, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if challenges == nil {
		challenges = NewChallengeStore(0, 0)
	}
	if cooldowns == nil {
		cooldowns = ratelimit.New(ratelimit.WithLogger(logger))
	}
	return &Registry{
		bots:       make(map[string]*Bot),
		engines:    make(map[string]*Engine),
		dialer:     dialer,
		sessions:   sessions,
		challenges: challenges,
		cooldowns:  cooldowns,
		logger:     logger,
		now:        time.Now,
	}
}

// SetChallengeNotifier sets who hears about new challenges. Engines created
// before the call keep the previous notifier.
func (r *Registry) SetChallengeNotifier(fn ChallengeNotifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = fn
}

// Challenges returns the shared challenge store.
func (r *Registry) Challenges() *ChallengeStore { return r.challenges }

// Engine returns the owner's command engine, creating it on first use.
func (r *Registry) Engine(ownerID string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engineLocked(ownerID)
}

func (r *Registry) engineLocked(ownerID string) *Engine {
	e, ok := r.engines[ownerID]
	if !ok {
		e = NewEngine(ownerID, r.sessions, r.challenges, r.cooldowns, r.notify, r.logger)
		r.engines[ownerID] = e
	}
	return e
}

// Start connects a bot for ownerID if one is not already running.
func (r *Registry) Start(ctx context.Context, ownerID string, creds Credentials, channels []string) (Status, error) {
	if ownerID == "" {
		return Status{}, apperr.Validation("owner is required")
	}
	if creds.AccessToken == "" || creds.Login == "" {
		return Status{}, apperr.Validation("chat credentials are required")
	}
	channels = normalizeChannels(channels)
	if len(channels) == 0 {
		return Status{}, apperr.Validation("at least one channel is required")
	}
	if r.dialer == nil {
		return Status{}, apperr.Config("chat integration is not configured")
	}

	r.mu.Lock()
	if b := r.bots[ownerID]; b != nil && b.running.Load() {
		r.mu.Unlock()
		return b.Status(), nil
	}
	r.mu.Unlock()

	transport, err := r.dialer.Dial(ctx, creds)
	if err != nil {
		return Status{}, apperr.Wrap(apperr.CodePlatformAuth, "connect to chat", err)
	}
	if err := transport.Join(ctx, channels); err != nil {
		_ = transport.Close()
		return Status{}, apperr.Wrap(apperr.CodePlatformAuth, "join chat channels", err)
	}

	r.mu.Lock()
	if b := r.bots[ownerID]; b != nil && b.running.Load() {
		r.mu.Unlock()
		_ = transport.Close()
		return b.Status(), nil
	}
	stale := r.bots[ownerID]
	bot := newBot(ownerID, creds.Login, channels, r.engineLocked(ownerID), transport, r.now(), r.logger)
	r.bots[ownerID] = bot
	bot.start()
	r.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}
	r.logger.Info("chat bot started", zap.String("owner_id", ownerID), zap.Strings("channels", channels))
	return bot.Status(), nil
}

// Stop disconnects the owner's bot. It reports whether one was registered.
func (r *Registry) Stop(ownerID string) bool {
	r.mu.Lock()
	bot := r.bots[ownerID]
	delete(r.bots, ownerID)
	r.mu.Unlock()
	if bot == nil {
		return false
	}
	bot.Stop()
	r.logger.Info("chat bot stopped", zap.String("owner_id", ownerID))
	return true
}

// Forget stops the bot and drops the owner's engine, cooldowns and challenges.
func (r *Registry) Forget(ownerID string) {
	r.Stop(ownerID)
	r.mu.Lock()
	e := r.engines[ownerID]
	delete(r.engines, ownerID)
	r.mu.Unlock()
	if e != nil {
		e.ResetCooldowns()
	}
	r.challenges.RemoveOwner(ownerID)
}

// Status reports the owner's bot. A missing bot reports Running=false.
func (r *Registry) Status(ownerID string) Status {
	r.mu.Lock()
	bot := r.bots[ownerID]
	r.mu.Unlock()
	if bot == nil {
		return Status{OwnerID: ownerID, Channels: []string{}}
	}
	return bot.Status()
}

// Running returns the number of connected bots.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.bots {
		if b.running.Load() {
			n++
		}
	}
	return n
}

// StopAll disconnects every bot.
func (r *Registry) StopAll() {
	r.mu.Lock()
	bots := r.bots
	r.bots = make(map[string]*Bot)
	r.mu.Unlock()
	for _, b := range bots {
		b.Stop()
	}
}

func normalizeChannels(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, ch := range in {
		ch = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}
