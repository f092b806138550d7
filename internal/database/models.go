package database

import (
	"errors"
	"time"

	"github.com/npezzotti/roomchat/internal/types"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate key")
)

type CreateUserParams struct {
	Username     string
	EmailAddress string
	DisplayName  string
	PasswordHash string
	Role         types.Role
	IsCreator    bool
	IsVerified   bool
	Preferences  types.UserPreferences
}

type UserStatsDelta struct {
	MessagesSent int
	RoomsJoined  int
	TimeSpent    int
}

type CreateRoomParams struct {
	Name         string
	DisplayName  string
	Description  string
	Topic        string
	OwnerId      int64
	PasswordHash string
	MaxUsers     int
	IsPublic     bool
	Tags         []string
	Settings     types.RoomSettings
}

// RoomOccupancy is written after every membership change. Joined marks an
// admission of a new user, which counts towards the room's total users.
type RoomOccupancy struct {
	RoomId       int64
	CurrentUsers int
	Joined       bool
	At           time.Time
}
