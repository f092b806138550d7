package database

import (
	"context"
	"fmt"
)

type OpenParams struct {
	// Driver is one of postgres, mongo or memory.
	Driver        string
	DSN           string
	MongoURI      string
	MongoDatabase string
}

// Open connects to the configured store and brings its schema up to date.
func Open(ctx context.Context, p OpenParams) (ChatRepository, error) {
	switch p.Driver {
	case "postgres":
		if err := Migrate(p.DSN); err != nil {
			return nil, err
		}
		db, err := NewPgChatRepository(p.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	case "mongo":
		db, err := NewMongoChatRepository(ctx, p.MongoURI, p.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		if err := db.EnsureIndexes(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	case "memory":
		return NewMemChatRepository(), nil
	}

	return nil, fmt.Errorf("unknown store driver %q", p.Driver)
}
