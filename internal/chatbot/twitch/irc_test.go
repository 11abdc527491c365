package twitch

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		command string
		prefix  string
		params  []string
		tags    map[string]string
	}{
		{
			name:    "ping",
			line:    "PING :tmi.twitch.tv\r\n",
			command: "PING",
			params:  []string{"tmi.twitch.tv"},
		},
		{
			name:    "welcome",
			line:    ":tmi.twitch.tv 001 fitbot :Welcome, GLHF!",
			command: "001",
			prefix:  "tmi.twitch.tv",
			params:  []string{"fitbot", "Welcome, GLHF!"},
		},
		{
			name:    "privmsg with tags",
			line:    `@badges=moderator/1;display-name=Ann\sB;mod=1;user-id=99 :ann!ann@ann.tmi.twitch.tv PRIVMSG #streamer :!challenge 20`,
			command: "PRIVMSG",
			prefix:  "ann!ann@ann.tmi.twitch.tv",
			params:  []string{"#streamer", "!challenge 20"},
			tags:    map[string]string{"badges": "moderator/1", "display-name": "Ann B", "mod": "1", "user-id": "99"},
		},
		{
			name:    "trailing with colon",
			line:    ":a!a@a PRIVMSG #c :time: 10:30",
			command: "PRIVMSG",
			prefix:  "a!a@a",
			params:  []string{"#c", "time: 10:30"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, ok := parseLine(tt.line)
			require.True(t, ok)
			assert.Equal(t, tt.command, m.Command)
			assert.Equal(t, tt.prefix, m.Prefix)
			assert.Equal(t, tt.params, m.Params)
			if tt.tags != nil {
				assert.Equal(t, tt.tags, m.Tags)
			}
		})
	}

	for _, bad := range []string{"", "\r\n", "@onlytags", ":onlyprefix"} {
		_, ok := parseLine(bad)
		assert.Falsef(t, ok, "%q", bad)
	}
}

func TestToChatMessage(t *testing.T) {
	t.Parallel()
	m, ok := parseLine(`@badges=broadcaster/1,subscriber/12;display-name=Coach;mod=0;subscriber=1;tmi-sent-ts=1700000000000;user-id=1 :coach!coach@coach.tmi.twitch.tv PRIVMSG #coach :!stats`)
	require.True(t, ok)

	msg, ok := toChatMessage(m)
	require.True(t, ok)
	assert.Equal(t, "coach", msg.Channel)
	assert.Equal(t, "coach", msg.Login)
	assert.Equal(t, "Coach", msg.DisplayName)
	assert.Equal(t, "1", msg.UserID)
	assert.Equal(t, "!stats", msg.Text)
	assert.True(t, msg.IsBroadcaster)
	assert.True(t, msg.IsSubscriber)
	assert.False(t, msg.IsMod)
	assert.Equal(t, int64(1700000000000), msg.At.UnixMilli())
}

func TestTruncateReplyKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", truncateReply("short", maxReplyLen))

	// "é" is two bytes; a 500 byte cut would land inside the last one.
	text := strings.Repeat("a", maxReplyLen-1) + "éé"
	got := truncateReply(text, maxReplyLen)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", maxReplyLen-1), got)

	got = truncateReply(strings.Repeat("ü", maxReplyLen), maxReplyLen)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, maxReplyLen)
}
