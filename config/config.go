package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Redis     RedisConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	Streaming StreamingConfig
	Twitch    TwitchConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins []string // "*" or empty allows any origin
}

// LogConfig selects the zap level (debug, info, warn, error).
type LogConfig struct {
	Level string
}

// RedisConfig holds Redis connection settings. An empty Addr runs the hub
// without cross-instance fan-out.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// JWTConfig holds the secret shared with the account service.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// WebSocketConfig holds per-connection keepalive and limits.
type WebSocketConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// StreamingConfig holds broadcast and chat-bot housekeeping settings.
type StreamingConfig struct {
	OverlayBaseURL            string
	SessionMaxIdle            time.Duration
	SweepSchedule             string // cron spec
	ChallengeTTL              time.Duration
	ChallengeCompletionWindow time.Duration
	ChallengeMaxReps          int
}

// TwitchConfig holds the platform application and chat settings.
type TwitchConfig struct {
	ClientID           string
	ClientSecret       string
	RedirectURI        string
	Scopes             []string
	AuthBaseURL        string
	APIBaseURL         string
	IRCURL             string
	ChatMessagesPer30s int
	StateTTL           time.Duration
}

// Enabled reports whether the OAuth application is configured. Without it
// account linking and chat bots fail with CONFIG_ERROR.
func (c TwitchConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: splitTrim(getEnv("CORS_ALLOWED_ORIGINS", "*"), ","),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		WebSocket: WebSocketConfig{
			PingInterval:   getEnvDuration("WS_PING_INTERVAL", 54*time.Second),
			PongWait:       getEnvDuration("WS_PONG_WAIT", 60*time.Second),
			WriteWait:      getEnvDuration("WS_WRITE_WAIT", 10*time.Second),
			MaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 64*1024)),
			SendBuffer:     getEnvInt("WS_SEND_BUFFER", 256),
		},
		Streaming: StreamingConfig{
			OverlayBaseURL:            getEnv("OVERLAY_BASE_URL", "http://localhost:3000/overlay"),
			SessionMaxIdle:            getEnvDuration("SESSION_MAX_IDLE", 4*time.Hour),
			SweepSchedule:             getEnv("SWEEP_SCHEDULE", "@every 5m"),
			ChallengeTTL:              getEnvDuration("CHALLENGE_TTL", 5*time.Minute),
			ChallengeCompletionWindow: getEnvDuration("CHALLENGE_COMPLETION_WINDOW", 30*time.Minute),
			ChallengeMaxReps:          getEnvInt("CHALLENGE_MAX_REPS", 100),
		},
		Twitch: TwitchConfig{
			ClientID:           os.Getenv("TWITCH_CLIENT_ID"),
			ClientSecret:       os.Getenv("TWITCH_CLIENT_SECRET"),
			RedirectURI:        getEnv("TWITCH_REDIRECT_URI", "http://localhost:3000/auth/twitch/callback"),
			Scopes:             splitTrim(getEnv("TWITCH_SCOPES", "user:read:email,chat:read,chat:edit"), ","),
			AuthBaseURL:        getEnv("TWITCH_AUTH_BASE_URL", "https://id.twitch.tv/oauth2"),
			APIBaseURL:         getEnv("TWITCH_API_BASE_URL", "https://api.twitch.tv/helix"),
			IRCURL:             getEnv("TWITCH_IRC_URL", "wss://irc-ws.chat.twitch.tv:443"),
			ChatMessagesPer30s: getEnvInt("TWITCH_CHAT_MESSAGES_PER_30S", 20),
			StateTTL:           getEnvDuration("TWITCH_STATE_TTL", 10*time.Minute),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "5m") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
