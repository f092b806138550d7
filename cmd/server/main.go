package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/roomchat/internal/api"
	"github.com/npezzotti/roomchat/internal/auth"
	"github.com/npezzotti/roomchat/internal/config"
	"github.com/npezzotti/roomchat/internal/database"
	"github.com/npezzotti/roomchat/internal/messagelog"
	"github.com/npezzotti/roomchat/internal/observ"
	"github.com/npezzotti/roomchat/internal/presence"
	"github.com/npezzotti/roomchat/internal/ratelimit"
	"github.com/npezzotti/roomchat/internal/registry"
	"github.com/npezzotti/roomchat/internal/server"
	"github.com/npezzotti/roomchat/internal/session"
	"github.com/npezzotti/roomchat/internal/signaling"
	"github.com/npezzotti/roomchat/internal/stats"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config: ", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal("logger: ", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	db, err := database.Open(ctx, database.OpenParams{
		Driver:        cfg.StoreDriver,
		DSN:           cfg.DatabaseDSN,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
	})
	if err != nil {
		logger.Fatal("db open", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("db close", zap.Error(err))
		}
	}()

	passwords := auth.Bcrypt{}
	if cfg.StoreDriver == config.DriverMemory {
		if err := database.Seed(ctx, db, passwords, cfg.SeedAdminPassword); err != nil {
			logger.Fatal("seed", zap.Error(err))
		}
	}

	if err := db.ResetPresence(ctx); err != nil {
		logger.Fatal("reset presence", zap.Error(err))
	}

	tokens := auth.NewJWT(cfg.SigningKey, auth.DefaultTokenExpiry)

	sessions := session.NewStore(logger.Named("session"), tokens, db)
	rooms := registry.New(logger.Named("registry"), db, sessions, passwords, cfg.MaxRoomCapacity)
	sessions.SetReleaser(rooms)

	tracker := presence.NewTracker()
	sessions.AddObserver(tracker)
	rooms.AddObserver(tracker)

	messages := messagelog.New(logger.Named("messagelog"), db, sessions)
	relay := signaling.NewRelay(logger.Named("signaling"), sessions, rooms, nil)

	var limiter ratelimit.Limiter = ratelimit.NewTokenBucket(cfg.RateLimitBurst, cfg.RateLimitInterval)
	if cfg.RedisURL != "" {
		rdb, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		limiter = ratelimit.NewRedisLimiter(rdb, "roomchat:ratelimit:", cfg.RateLimitBurst, cfg.RateLimitInterval)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.RegisterGauge("NumSessions", sessions.Len)
	statsUpdater.RegisterGauge("NumOnlineUsers", tracker.Len)

	chatServer := server.NewChatServer(logger.Named("server"), server.Deps{
		Sessions: sessions,
		Registry: rooms,
		Messages: messages,
		Relay:    relay,
		Limiter:  limiter,
		Stats:    statsUpdater,
	}, server.Options{
		AuthTimeout:     cfg.AuthTimeout,
		RoomIdleTimeout: cfg.RoomIdleTimeout,
	})
	relay.SetDeliverer(chatServer)

	app := api.NewApp(mux, logger.Named("api"), api.Deps{
		DB:        db,
		Tokens:    tokens,
		Passwords: passwords,
		Rooms:     rooms,
		History:   messages,
		Presence:  tracker,
		Realtime:  chatServer,
	}, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server", zap.Error(err))
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := app.Shutdown(shutDownCtx); err != nil {
		logger.Error("HTTP server shutdown", zap.Error(err))
	}

	logger.Info("shutting down chat server")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Error("chat server shutdown", zap.Error(err))
	}

	logger.Info("shutdown complete")
}
