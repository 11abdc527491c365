// Package twitch connects the chat bot to Twitch chat over IRC-on-WebSocket.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fitcast/backend/internal/chatbot"
)

const (
	DefaultURL = "wss://irc-ws.chat.twitch.tv:443"
	// DefaultMessagesPer30s is Twitch's allowance for a regular (non-verified) bot.
	DefaultMessagesPer30s = 20

	loginTimeout = 15 * time.Second
	writeWait    = 10 * time.Second
	readWait     = 6 * time.Minute
	maxReplyLen  = 500
	inboxSize    = 256
)

// ErrLoginFailed is returned when Twitch rejects the bot's credentials.
var ErrLoginFailed = errors.New("twitch: login authentication failed")

// Dialer opens Twitch chat connections.
type Dialer struct {
	URL            string
	MessagesPer30s int
	Logger         *zap.Logger
	WS             *websocket.Dialer
}

// Dial connects, authenticates and waits for the welcome message.
func (d Dialer) Dial(ctx context.Context, creds chatbot.Credentials) (chatbot.Transport, error) {
	url := d.URL
	if url == "" {
		url = DefaultURL
	}
	perWindow := d.MessagesPer30s
	if perWindow <= 0 {
		perWindow = DefaultMessagesPer30s
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ws := d.WS
	if ws == nil {
		ws = websocket.DefaultDialer
	}

	conn, _, err := ws.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("twitch dial: %w", err)
	}
	c := &Client{
		conn:    conn,
		login:   strings.ToLower(creds.Login),
		limiter: rate.NewLimiter(rate.Every(30*time.Second/time.Duration(perWindow)), 1),
		inbox:   make(chan chatbot.ChatMessage, inboxSize),
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("login", strings.ToLower(creds.Login))),
	}
	if err := c.authenticate(ctx, creds); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// Client is one authenticated chat connection.
type Client struct {
	conn    *websocket.Conn
	login   string
	limiter *rate.Limiter
	inbox   chan chatbot.ChatMessage
	done    chan struct{}
	logger  *zap.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (c *Client) authenticate(ctx context.Context, creds chatbot.Credentials) error {
	token := creds.AccessToken
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	for _, line := range []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"PASS " + token,
		"NICK " + c.login,
	} {
		if err := c.writeLine(line); err != nil {
			return fmt.Errorf("twitch login: %w", err)
		}
	}

	deadline := time.Now().Add(loginTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("twitch login: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			msg, ok := parseLine(line)
			if !ok {
				continue
			}
			switch msg.Command {
			case "001":
				return nil
			case "PING":
				_ = c.writeLine("PONG :" + msg.Trailing())
			case "NOTICE":
				if strings.Contains(strings.ToLower(msg.Trailing()), "authentication failed") ||
					strings.Contains(strings.ToLower(msg.Trailing()), "improperly formatted auth") {
					return ErrLoginFailed
				}
			}
		}
	}
}

// Join joins the given channels.
func (c *Client) Join(_ context.Context, channels []string) error {
	if len(channels) == 0 {
		return nil
	}
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, "#"+strings.ToLower(strings.TrimPrefix(ch, "#")))
	}
	return c.writeLine("JOIN " + strings.Join(names, ","))
}

// Messages delivers chat messages until the connection ends.
func (c *Client) Messages() <-chan chatbot.ChatMessage { return c.inbox }

// Say sends text to channel, paced to the platform's allowance.
func (c *Client) Say(ctx context.Context, channel, text string) error {
	text = strings.ReplaceAll(strings.ReplaceAll(text, "\r", " "), "\n", " ")
	text = truncateReply(text, maxReplyLen)
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	select {
	case <-c.done:
		return errors.New("twitch: connection closed")
	default:
	}
	return c.writeLine(fmt.Sprintf("PRIVMSG #%s :%s", strings.TrimPrefix(strings.ToLower(channel), "#"), text))
}

// Err returns why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection. Messages is closed once the read loop exits.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) readLoop() {
	defer close(c.inbox)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.fail(err)
			}
			return
		}
		for _, line := range strings.Split(string(data), "\n") {
			msg, ok := parseLine(line)
			if !ok {
				continue
			}
			if done := c.dispatch(msg); done {
				return
			}
		}
	}
}

// dispatch handles one IRC message and reports whether the connection is finished.
func (c *Client) dispatch(msg ircMessage) bool {
	switch msg.Command {
	case "PING":
		if err := c.writeLine("PONG :" + msg.Trailing()); err != nil {
			c.fail(err)
			return true
		}
	case "RECONNECT":
		c.fail(errors.New("twitch: server requested reconnect"))
		_ = c.conn.Close()
		return true
	case "NOTICE":
		c.logger.Info("twitch notice", zap.String("notice", msg.Trailing()), zap.String("msg_id", msg.Tags["msg-id"]))
	case "PRIVMSG":
		chatMsg, ok := toChatMessage(msg)
		if !ok {
			return false
		}
		select {
		case c.inbox <- chatMsg:
		default:
			c.logger.Warn("chat inbox full, dropping message", zap.String("channel", chatMsg.Channel))
		}
	}
	return false
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Client) writeLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
}

func toChatMessage(msg ircMessage) (chatbot.ChatMessage, bool) {
	if len(msg.Params) < 2 {
		return chatbot.ChatMessage{}, false
	}
	b := badges(msg.Tags["badges"])
	out := chatbot.ChatMessage{
		Channel:       strings.TrimPrefix(msg.Params[0], "#"),
		UserID:        msg.Tags["user-id"],
		Login:         msg.Nick(),
		DisplayName:   msg.Tags["display-name"],
		Text:          msg.Trailing(),
		IsMod:         msg.Tags["mod"] == "1" || b["moderator"],
		IsSubscriber:  msg.Tags["subscriber"] == "1" || b["subscriber"] || b["founder"],
		IsBroadcaster: b["broadcaster"],
		At:            time.Now(),
	}
	if ts := msg.Tags["tmi-sent-ts"]; ts != "" {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			out.At = time.UnixMilli(ms)
		}
	}
	return out, true
}

// truncateReply cuts text to at most limit bytes without splitting a rune.
func truncateReply(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
