package chatbot

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fitcast/backend/internal/apperr"
	"github.com/fitcast/backend/internal/models"
	"github.com/fitcast/backend/internal/ratelimit"
)

// CommandPrefix marks a chat message as a command.
const CommandPrefix = "!"

const genericFailureReply = "Sorry, something went wrong running that command."

// Outcome is what happened to one chat message.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnknown   Outcome = "unknown"
	OutcomeDisabled  Outcome = "disabled"
	OutcomeForbidden Outcome = "forbidden"
	OutcomeCooldown  Outcome = "cooldown"
	OutcomeHandled   Outcome = "handled"
	OutcomeFailed    Outcome = "failed"
)

// Result is the engine's verdict for one message. Reply is empty when
// nothing should be sent back.
type Result struct {
	Outcome Outcome
	Command string
	Reply   string
}

// SessionSource reads the live broadcast of an owner.
type SessionSource interface {
	Get(ownerID string) *models.BroadcastSession
}

// ChallengeNotifier tells the broadcaster's client about a new challenge.
type ChallengeNotifier func(ownerID string, c models.Challenge)

// Action answers a command. Returned errors become a generic reply.
type Action func(ctx context.Context, e *Engine, msg ChatMessage, args []string) (string, error)

// Engine runs the command pipeline for one owner: prefix, lookup, enabled,
// permission, cooldown, action.
type Engine struct {
	ownerID string

	mu       sync.RWMutex
	commands map[string]models.ChatCommand
	actions  map[string]Action

	cooldowns  *ratelimit.Limiter
	challenges *ChallengeStore
	sessions   SessionSource
	notify     ChallengeNotifier
	logger     *zap.Logger
}

// NewEngine builds an engine loaded with the default commands. cooldowns is
// shared across owners; counters are namespaced by owner.
func NewEngine(ownerID string, sessions SessionSource, challenges *ChallengeStore, cooldowns *ratelimit.Limiter, notify ChallengeNotifier, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cooldowns == nil {
		cooldowns = ratelimit.New(ratelimit.WithLogger(logger))
	}
	if challenges == nil {
		challenges = NewChallengeStore(0, 0)
	}
	e := &Engine{
		ownerID:    ownerID,
		commands:   make(map[string]models.ChatCommand),
		actions:    make(map[string]Action),
		cooldowns:  cooldowns,
		challenges: challenges,
		sessions:   sessions,
		notify:     notify,
		logger:     logger.With(zap.String("owner_id", ownerID)),
	}
	for _, d := range defaultCommands() {
		e.Register(d.command, d.action)
	}
	return e
}

// OwnerID returns the broadcaster this engine answers for.
func (e *Engine) OwnerID() string { return e.ownerID }

// Register adds or replaces a command.
func (e *Engine) Register(cmd models.ChatCommand, action Action) {
	name := strings.ToLower(cmd.Name)
	cmd.Name = name
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[name] = cmd
	e.actions[name] = action
}

// Commands returns the command table sorted by name.
func (e *Engine) Commands() []models.ChatCommand {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.ChatCommand, 0, len(e.commands))
	for _, c := range e.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdateCommand applies an administrative patch to a command.
func (e *Engine) UpdateCommand(name string, patch models.ChatCommandPatch) (models.ChatCommand, error) {
	if err := models.Validate(patch); err != nil {
		return models.ChatCommand{}, apperr.Wrap(apperr.CodeValidation, err.Error(), err)
	}
	name = strings.ToLower(strings.TrimPrefix(name, CommandPrefix))
	e.mu.Lock()
	defer e.mu.Unlock()
	cmd, ok := e.commands[name]
	if !ok {
		return models.ChatCommand{}, apperr.NotFound("unknown command: " + name)
	}
	cmd = patch.Apply(cmd)
	e.commands[name] = cmd
	e.logger.Info("chat command updated", zap.String("command", name),
		zap.Int("cooldown_seconds", cmd.CooldownSeconds), zap.Bool("enabled", cmd.Enabled))
	return cmd, nil
}

// Handle runs one chat message through the pipeline. It never panics.
func (e *Engine) Handle(ctx context.Context, msg ChatMessage) Result {
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return Result{Outcome: OutcomeIgnored}
	}

	e.mu.RLock()
	cmd, known := e.commands[name]
	action := e.actions[name]
	e.mu.RUnlock()

	switch {
	case !known || action == nil:
		return Result{Outcome: OutcomeUnknown, Command: name}
	case !cmd.Enabled:
		return Result{Outcome: OutcomeDisabled, Command: name}
	case !permitted(cmd, msg):
		return Result{Outcome: OutcomeForbidden, Command: name}
	}

	if cmd.CooldownSeconds > 0 {
		window := time.Duration(cmd.CooldownSeconds) * time.Second
		if !e.cooldowns.CheckLimit(e.cooldownKey(msg.AuthorID()), "cmd:"+name, 1, window) {
			e.logger.Debug("chat command on cooldown", zap.String("command", name), zap.String("author", msg.Login))
			return Result{Outcome: OutcomeCooldown, Command: name}
		}
	}

	reply, err := e.run(ctx, action, msg, args)
	if err != nil {
		e.logger.Error("chat command failed",
			zap.String("command", name),
			zap.String("channel", msg.Channel),
			zap.String("author", msg.Login),
			zap.Error(err),
		)
		return Result{Outcome: OutcomeFailed, Command: name, Reply: genericFailureReply}
	}
	return Result{Outcome: OutcomeHandled, Command: name, Reply: reply}
}

func (e *Engine) run(ctx context.Context, action Action, msg ChatMessage, args []string) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return action(ctx, e, msg, args)
}

// ResetCooldowns drops every cooldown counter held for this owner.
func (e *Engine) ResetCooldowns() int {
	return e.cooldowns.CleanupPrefix(e.ownerID + ":")
}

func (e *Engine) cooldownKey(authorID string) string {
	return e.ownerID + ":" + authorID
}

func (e *Engine) session() *models.BroadcastSession {
	if e.sessions == nil {
		return nil
	}
	s := e.sessions.Get(e.ownerID)
	if s == nil || s.Status != models.BroadcastActive {
		return nil
	}
	return s
}

func permitted(cmd models.ChatCommand, msg ChatMessage) bool {
	if msg.IsBroadcaster {
		return true
	}
	if cmd.ModOnly && !msg.IsMod {
		return false
	}
	if cmd.SubscriberOnly && !msg.IsSubscriber && !msg.IsMod {
		return false
	}
	return true
}

// parseCommand splits "!name arg1 arg2" into a lower-cased name and args.
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, CommandPrefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, CommandPrefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}
