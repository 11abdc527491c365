package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("TWITCH_CLIENT_ID", "")
	t.Setenv("TWITCH_CLIENT_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.Twitch.Enabled())
	assert.Equal(t, "@every 5m", cfg.Streaming.SweepSchedule)
	assert.Equal(t, 5*time.Minute, cfg.Streaming.ChallengeTTL)
	assert.Equal(t, 30*time.Minute, cfg.Streaming.ChallengeCompletionWindow)
	assert.Equal(t, []string{"user:read:email", "chat:read", "chat:edit"}, cfg.Twitch.Scopes)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("TWITCH_CLIENT_ID", "id")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.test, https://b.test")
	t.Setenv("WS_PONG_WAIT", "30s")
	t.Setenv("SESSION_MAX_IDLE", "120")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Redis.Enabled())
	assert.True(t, cfg.Twitch.Enabled())
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.Server.CORSAllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PongWait)
	assert.Equal(t, 2*time.Minute, cfg.Streaming.SessionMaxIdle)
}

func TestGetEnvDuration_Invalid(t *testing.T) {
	t.Setenv("SOME_WAIT", "soon")
	assert.Equal(t, time.Minute, getEnvDuration("SOME_WAIT", time.Minute))
}
