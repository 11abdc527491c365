// Package main runs the broadcast overlay HTTP server with WebSocket, chat
// bots and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fitcast/backend/config"
	"github.com/fitcast/backend/internal/auth"
	"github.com/fitcast/backend/internal/broadcast"
	"github.com/fitcast/backend/internal/chatbot"
	"github.com/fitcast/backend/internal/chatbot/twitch"
	"github.com/fitcast/backend/internal/middleware"
	"github.com/fitcast/backend/internal/oauth"
	"github.com/fitcast/backend/internal/ratelimit"
	"github.com/fitcast/backend/internal/realtime"
	"github.com/fitcast/backend/internal/streaming"
	"github.com/fitcast/backend/internal/worker"
	"github.com/fitcast/backend/pkg/redis"
	"github.com/fitcast/backend/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		newLogger("info").Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.Log.Level)
	defer logger.Sync()

	ctx := context.Background()

	var (
		rdb      *redis.Client
		redisPub realtime.RedisPublisher
		redisSub realtime.RedisSubscriber
	)
	if cfg.Redis.Enabled() {
		rdb, err = redis.NewClient(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		bus := realtime.NewRedisPubSub(rdb.Client, logger)
		redisPub, redisSub = bus, bus
	} else {
		logger.Info("REDIS_ADDR not set, realtime fan-out is local to this instance")
	}

	limiter := ratelimit.New(ratelimit.WithLogger(logger))
	hub := realtime.NewHub(logger, limiter, redisPub, redisSub)
	hub.SetAudienceChangeHandler(func(endpoint string, members int) {
		logger.Debug("room audience changed", zap.String("endpoint", endpoint), zap.Int("members", members))
	})

	registry := broadcast.NewRegistry(logger)
	challenges := chatbot.NewChallengeStore(cfg.Streaming.ChallengeTTL, cfg.Streaming.ChallengeMaxReps)
	challenges.SetCompletionWindow(cfg.Streaming.ChallengeCompletionWindow)
	cooldowns := ratelimit.New(ratelimit.WithLogger(logger))

	deps := streaming.Deps{
		Registry:       registry,
		Hub:            hub,
		OverlayBaseURL: cfg.Streaming.OverlayBaseURL,
		Logger:         logger,
	}

	var (
		dialer    chatbot.Dialer
		states    *oauth.StateStore
		tokens    *oauth.TokenStore
		appTokens *oauth.AppTokenCache
	)
	if cfg.Twitch.Enabled() {
		platform, err := oauth.NewService(oauth.Config{
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			RedirectURL:  cfg.Twitch.RedirectURI,
			Scopes:       cfg.Twitch.Scopes,
			AuthBaseURL:  cfg.Twitch.AuthBaseURL,
			APIBaseURL:   cfg.Twitch.APIBaseURL,
		}, nil, logger)
		if err != nil {
			logger.Fatal("platform oauth", zap.Error(err))
		}
		states = oauth.NewStateStore(cfg.Twitch.StateTTL)
		tokens = oauth.NewTokenStore(platform, logger)
		appTokens = platform.NewAppTokenCache()
		defer tokens.Close()
		defer appTokens.Close()

		dialer = twitch.Dialer{
			URL:            cfg.Twitch.IRCURL,
			MessagesPer30s: cfg.Twitch.ChatMessagesPer30s,
			Logger:         logger,
		}
		deps.Platform = platform
		deps.AppTokens = appTokens
		deps.States = states
		deps.Tokens = tokens
	} else {
		logger.Warn("TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET not set, account linking and chat bots are disabled")
	}

	bots := chatbot.NewRegistry(dialer, registry, challenges, cooldowns, logger)
	deps.Bots = bots
	svc := streaming.NewService(deps)
	svc.WireGateway()

	housekeeper, err := worker.NewHousekeeper(cfg.Streaming.SweepSchedule, logger)
	if err != nil {
		logger.Fatal("housekeeping", zap.Error(err))
	}
	housekeeper.Add("idle_broadcasts", func() int { return svc.SweepIdle(cfg.Streaming.SessionMaxIdle) })
	housekeeper.Add("rate_limits", limiter.Sweep)
	housekeeper.Add("cooldowns", cooldowns.Sweep)
	housekeeper.Add("challenges", challenges.GC)
	if states != nil {
		housekeeper.Add("oauth_states", states.Sweep)
	}
	if err := housekeeper.Start(); err != nil {
		logger.Fatal("housekeeping", zap.Error(err))
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, time.Duration(cfg.JWT.ExpireHours)*time.Hour)
	handler := streaming.NewHandler(svc)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		rooms, conns := hub.Stats()
		redisStatus := "disabled"
		if rdb != nil {
			redisStatus = "ok"
			if !rdb.Healthy(c.Request.Context()) {
				redisStatus = "unreachable"
			}
		}
		response.OK(c, gin.H{
			"status":      "ok",
			"rooms":       rooms,
			"connections": conns,
			"broadcasts":  registry.Len(),
			"chatBots":    bots.Running(),
			"platform":    cfg.Twitch.Enabled(),
			"redis":       redisStatus,
		})
	})
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtService.UserID, realtime.ConnOptions{
		PingInterval:   cfg.WebSocket.PingInterval,
		PongWait:       cfg.WebSocket.PongWait,
		WriteWait:      cfg.WebSocket.WriteWait,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		SendBuffer:     cfg.WebSocket.SendBuffer,
	}))

	public := router.Group("/api")
	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService))
	handler.Register(public, api)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := housekeeper.Stop(shutdownCtx); err != nil {
		logger.Warn("housekeeping shutdown", zap.Error(err))
	}
	bots.StopAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		config.Level = lvl
	}
	logger, _ := config.Build()
	return logger
}
