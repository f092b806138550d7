package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/roomchat/internal/types"
)

const (
	AdminUsername   = "death"
	DefaultRoomName = "general"
)

type PasswordHasher interface {
	Hash(secret string) (string, error)
}

// Seed creates the admin account and the default public room when they do
// not exist yet. Running it against an already seeded store is a no-op.
func Seed(ctx context.Context, repo ChatRepository, hasher PasswordHasher, adminPassword string) error {
	admin, err := repo.GetUserByUsername(ctx, AdminUsername)
	if errors.Is(err, ErrNotFound) {
		hash, err := hasher.Hash(adminPassword)
		if err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}

		admin, err = repo.CreateUser(ctx, CreateUserParams{
			Username:     AdminUsername,
			EmailAddress: "death@deathaius.com.au",
			DisplayName:  "Death",
			PasswordHash: hash,
			Role:         types.RoleAdmin,
			IsCreator:    true,
			IsVerified:   true,
			Preferences: types.UserPreferences{
				Theme:         "death",
				Notifications: true,
			},
		})
		if err != nil {
			return fmt.Errorf("create admin: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("get admin: %w", err)
	}

	_, err = repo.GetRoomByName(ctx, DefaultRoomName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("get default room: %w", err)
	}

	_, err = repo.CreateRoom(ctx, CreateRoomParams{
		Name:        DefaultRoomName,
		DisplayName: "General Chat",
		Description: "Welcome to DeathAIAUS! This is the main chat room.",
		Topic:       "DeathAIAUS - Advanced AI-Powered Camera Chat Platform",
		OwnerId:     admin.Id,
		MaxUsers:    100,
		IsPublic:    true,
		Tags:        []string{"general", "main", "welcome"},
		Settings:    types.DefaultRoomSettings(),
	})
	if err != nil && !errors.Is(err, ErrDuplicate) {
		return fmt.Errorf("create default room: %w", err)
	}

	return nil
}
