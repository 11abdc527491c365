package chatbot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const sendTimeout = 30 * time.Second

// Status describes one owner's chat bot.
type Status struct {
	OwnerID         string     `json:"ownerId"`
	Running         bool       `json:"running"`
	Login           string     `json:"login,omitempty"`
	Channels        []string   `json:"channels"`
	ConnectedAt     *time.Time `json:"connectedAt,omitempty"`
	MessagesSeen    int64      `json:"messagesSeen"`
	CommandsHandled int64      `json:"commandsHandled"`
	LastError       string     `json:"lastError,omitempty"`
	Live            *bool      `json:"live,omitempty"`
}

// Bot pumps messages from one transport through one engine.
type Bot struct {
	ownerID     string
	login       string
	channels    []string
	connectedAt time.Time

	engine    *Engine
	transport Transport
	logger    *zap.Logger

	messages atomic.Int64
	commands atomic.Int64
	running  atomic.Bool

	mu        sync.Mutex
	lastError string

	cancel context.CancelFunc
	done   chan struct{}
}

func newBot(ownerID, login string, channels []string, engine *Engine, transport Transport, connectedAt time.Time, logger *zap.Logger) *Bot {
	return &Bot{
		ownerID:     ownerID,
		login:       login,
		channels:    channels,
		connectedAt: connectedAt,
		engine:      engine,
		transport:   transport,
		logger:      logger.With(zap.String("owner_id", ownerID)),
		done:        make(chan struct{}),
	}
}

// start runs the message loop until Stop or until the transport ends.
func (b *Bot) start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.running.Store(true)
	go b.run(ctx)
}

func (b *Bot) run(ctx context.Context) {
	defer close(b.done)
	defer b.running.Store(false)

	msgs := b.transport.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				if err := b.transport.Err(); err != nil {
					b.setError(err)
					b.logger.Warn("chat connection ended", zap.Error(err))
				}
				return
			}
			b.handle(ctx, msg)
		}
	}
}

func (b *Bot) handle(ctx context.Context, msg ChatMessage) {
	b.messages.Add(1)
	res := b.engine.Handle(ctx, msg)
	switch res.Outcome {
	case OutcomeHandled, OutcomeFailed:
		b.commands.Add(1)
	}
	if res.Reply == "" {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := b.transport.Say(sendCtx, msg.Channel, res.Reply); err != nil {
		b.setError(err)
		b.logger.Warn("chat reply failed", zap.String("command", res.Command), zap.String("channel", msg.Channel), zap.Error(err))
	}
}

// Stop ends the loop, closes the transport and waits for the loop to exit.
func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if err := b.transport.Close(); err != nil {
		b.logger.Debug("chat transport close", zap.Error(err))
	}
	<-b.done
}

// Status snapshots the bot's counters.
func (b *Bot) Status() Status {
	b.mu.Lock()
	lastError := b.lastError
	b.mu.Unlock()
	connectedAt := b.connectedAt
	return Status{
		OwnerID:         b.ownerID,
		Running:         b.running.Load(),
		Login:           b.login,
		Channels:        append([]string(nil), b.channels...),
		ConnectedAt:     &connectedAt,
		MessagesSeen:    b.messages.Load(),
		CommandsHandled: b.commands.Load(),
		LastError:       lastError,
	}
}

func (b *Bot) setError(err error) {
	b.mu.Lock()
	b.lastError = err.Error()
	b.mu.Unlock()
}
