package database

import (
	"context"
	"time"

	"github.com/npezzotti/roomchat/internal/types"
)

// ChatRepository is the document store contract shared by every backend.
// Lookups that find nothing return ErrNotFound; unique index violations
// return ErrDuplicate.
type ChatRepository interface {
	Ping(ctx context.Context) error
	Close() error
	// ResetPresence clears online flags, current rooms and room occupancy
	// left over from a previous process.
	ResetPresence(ctx context.Context) error

	CreateUser(ctx context.Context, params CreateUserParams) (types.User, error)
	GetUserById(ctx context.Context, userId int64) (types.User, error)
	GetUserByUsername(ctx context.Context, username string) (types.User, error)
	SetUserOnline(ctx context.Context, userId int64, online bool) error
	SetUserCurrentRoom(ctx context.Context, userId int64, roomId *int64) error
	IncrementUserStats(ctx context.Context, userId int64, delta UserStatsDelta) error

	CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error)
	GetRoomByName(ctx context.Context, name string) (types.Room, error)
	// ListRooms returns active rooms ordered by current users then last
	// activity, both descending.
	ListRooms(ctx context.Context, publicOnly bool) ([]types.Room, error)
	UpdateRoomOccupancy(ctx context.Context, occ RoomOccupancy) error

	CreateMessage(ctx context.Context, msg types.Message) (types.Message, error)
	UpdateRoomOnMessage(ctx context.Context, msg types.Message) error
	// GetMessages returns up to limit messages of a room created strictly
	// before the given time (zero means latest), newest first.
	GetMessages(ctx context.Context, roomId int64, before time.Time, limit int) ([]types.Message, error)
	GetMessage(ctx context.Context, roomId, seqId int64) (types.Message, error)
	SoftDeleteMessage(ctx context.Context, roomId, seqId int64) error
}
