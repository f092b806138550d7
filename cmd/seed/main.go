// Command seed prepares the configured store and creates the admin user and
// the default room.
package main

import (
	"context"
	"log"
	"time"

	"github.com/npezzotti/roomchat/internal/auth"
	"github.com/npezzotti/roomchat/internal/config"
	"github.com/npezzotti/roomchat/internal/database"
	"github.com/npezzotti/roomchat/internal/observ"
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

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.Open(ctx, database.OpenParams{
		Driver:        cfg.StoreDriver,
		DSN:           cfg.DatabaseDSN,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
	})
	if err != nil {
		logger.Fatal("db open", zap.Error(err))
	}
	defer db.Close()

	if err := database.Seed(ctx, db, auth.Bcrypt{}, cfg.SeedAdminPassword); err != nil {
		logger.Fatal("seed", zap.Error(err))
	}

	logger.Info("store seeded",
		zap.String("driver", cfg.StoreDriver),
		zap.String("admin", database.AdminUsername),
		zap.String("room", database.DefaultRoomName),
	)
}
