// Package chatbot answers chat commands for linked broadcasters and tracks
// the viewer challenges they create.
package chatbot

import (
	"context"
	"time"
)

// ChatMessage is one message read from a chat channel.
type ChatMessage struct {
	Channel       string
	UserID        string
	Login         string
	DisplayName   string
	Text          string
	IsMod         bool
	IsSubscriber  bool
	IsBroadcaster bool
	At            time.Time
}

// Name returns the best display name for the author.
func (m ChatMessage) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Login
}

// AuthorID identifies the author for cooldown tracking.
func (m ChatMessage) AuthorID() string {
	if m.UserID != "" {
		return m.UserID
	}
	return m.Login
}

// Credentials authenticate the bot against the chat platform.
type Credentials struct {
	Login       string
	AccessToken string
}

// Transport is a live connection to the chat platform.
type Transport interface {
	// Join subscribes to the given channels.
	Join(ctx context.Context, channels []string) error
	// Messages is closed when the connection ends.
	Messages() <-chan ChatMessage
	// Say sends text to channel, waiting for the platform's send allowance.
	Say(ctx context.Context, channel, text string) error
	// Err returns why the connection ended, if it has.
	Err() error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, creds Credentials) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, creds Credentials) (Transport, error) {
	return f(ctx, creds)
}
