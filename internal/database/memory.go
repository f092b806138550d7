package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/roomchat/internal/types"
)

// MemChatRepository keeps every collection in process memory. It is used
// for local development and tests.
type MemChatRepository struct {
	mu       sync.RWMutex
	users    map[int64]types.User
	rooms    map[int64]types.Room
	messages map[int64][]types.Message // room id -> messages in seq order
	nextUser int64
	nextRoom int64
	nextMsg  int64
}

func NewMemChatRepository() *MemChatRepository {
	return &MemChatRepository{
		users:    make(map[int64]types.User),
		rooms:    make(map[int64]types.Room),
		messages: make(map[int64][]types.Message),
	}
}

func (db *MemChatRepository) Ping(context.Context) error { return nil }

func (db *MemChatRepository) Close() error { return nil }

func (db *MemChatRepository) ResetPresence(context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for id, u := range db.users {
		u.IsOnline = false
		u.CurrentRoom = nil
		db.users[id] = u
	}
	for id, r := range db.rooms {
		r.CurrentUsers = 0
		db.rooms[id] = r
	}

	return nil
}

func (db *MemChatRepository) CreateUser(_ context.Context, params CreateUserParams) (types.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, u := range db.users {
		if u.Username == params.Username {
			return types.User{}, fmt.Errorf("%w: users_username_key", ErrDuplicate)
		}
		if u.EmailAddress == params.EmailAddress {
			return types.User{}, fmt.Errorf("%w: users_email_key", ErrDuplicate)
		}
	}

	role := params.Role
	if role == "" {
		role = types.RoleMember
	}

	db.nextUser++
	now := time.Now().UTC()
	u := types.User{
		Id:           db.nextUser,
		Username:     params.Username,
		EmailAddress: params.EmailAddress,
		DisplayName:  params.DisplayName,
		Role:         role,
		IsCreator:    params.IsCreator,
		IsVerified:   params.IsVerified,
		Preferences:  params.Preferences,
		PasswordHash: params.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	db.users[u.Id] = u

	return u, nil
}

func (db *MemChatRepository) GetUserById(_ context.Context, userId int64) (types.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	u, ok := db.users[userId]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return u, nil
}

func (db *MemChatRepository) GetUserByUsername(_ context.Context, username string) (types.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, u := range db.users {
		if u.Username == username {
			return u, nil
		}
	}
	return types.User{}, ErrNotFound
}

func (db *MemChatRepository) updateUser(userId int64, fn func(u *types.User)) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	u, ok := db.users[userId]
	if !ok {
		return ErrNotFound
	}
	fn(&u)
	u.UpdatedAt = time.Now().UTC()
	db.users[userId] = u

	return nil
}

func (db *MemChatRepository) SetUserOnline(_ context.Context, userId int64, online bool) error {
	return db.updateUser(userId, func(u *types.User) { u.IsOnline = online })
}

func (db *MemChatRepository) SetUserCurrentRoom(_ context.Context, userId int64, roomId *int64) error {
	return db.updateUser(userId, func(u *types.User) {
		if roomId == nil {
			u.CurrentRoom = nil
			return
		}
		id := *roomId
		u.CurrentRoom = &id
	})
}

func (db *MemChatRepository) IncrementUserStats(_ context.Context, userId int64, delta UserStatsDelta) error {
	return db.updateUser(userId, func(u *types.User) {
		u.Stats.MessagesSent += delta.MessagesSent
		u.Stats.RoomsJoined += delta.RoomsJoined
		u.Stats.TimeSpent += delta.TimeSpent
	})
}

func (db *MemChatRepository) CreateRoom(_ context.Context, params CreateRoomParams) (types.Room, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, r := range db.rooms {
		if r.Name == params.Name {
			return types.Room{}, fmt.Errorf("%w: rooms_name_key", ErrDuplicate)
		}
	}

	db.nextRoom++
	now := time.Now().UTC()
	r := types.Room{
		Id:           db.nextRoom,
		Name:         params.Name,
		DisplayName:  params.DisplayName,
		Description:  params.Description,
		Topic:        params.Topic,
		OwnerId:      params.OwnerId,
		PasswordHash: params.PasswordHash,
		HasPassword:  params.PasswordHash != "",
		MaxUsers:     params.MaxUsers,
		IsPublic:     params.IsPublic,
		IsActive:     true,
		Tags:         slices.Clone(params.Tags),
		Settings:     params.Settings,
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	db.rooms[r.Id] = r

	return cloneRoom(r), nil
}

func cloneRoom(r types.Room) types.Room {
	r.Tags = slices.Clone(r.Tags)
	return r
}

func (db *MemChatRepository) GetRoomByName(_ context.Context, name string) (types.Room, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, r := range db.rooms {
		if r.Name == name {
			return cloneRoom(r), nil
		}
	}
	return types.Room{}, ErrNotFound
}

func (db *MemChatRepository) ListRooms(_ context.Context, publicOnly bool) ([]types.Room, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rooms := make([]types.Room, 0, len(db.rooms))
	for _, r := range db.rooms {
		if !r.IsActive || (publicOnly && !r.IsPublic) {
			continue
		}
		rooms = append(rooms, cloneRoom(r))
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CurrentUsers != rooms[j].CurrentUsers {
			return rooms[i].CurrentUsers > rooms[j].CurrentUsers
		}
		if !rooms[i].LastActivity.Equal(rooms[j].LastActivity) {
			return rooms[i].LastActivity.After(rooms[j].LastActivity)
		}
		return rooms[i].Id < rooms[j].Id
	})

	return rooms, nil
}

func (db *MemChatRepository) UpdateRoomOccupancy(_ context.Context, occ RoomOccupancy) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	r, ok := db.rooms[occ.RoomId]
	if !ok {
		return ErrNotFound
	}

	r.CurrentUsers = occ.CurrentUsers
	r.Stats.PeakUsers = max(r.Stats.PeakUsers, occ.CurrentUsers)
	if occ.Joined {
		r.Stats.TotalUsers++
	}
	r.LastActivity = occ.At.UTC()
	r.UpdatedAt = occ.At.UTC()
	db.rooms[r.Id] = r

	return nil
}

func (db *MemChatRepository) CreateMessage(_ context.Context, msg types.Message) (types.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.rooms[msg.RoomId]; !ok {
		return types.Message{}, ErrNotFound
	}

	for _, m := range db.messages[msg.RoomId] {
		if m.SeqId == msg.SeqId {
			return types.Message{}, fmt.Errorf("%w: messages_room_id_seq_id_key", ErrDuplicate)
		}
	}

	db.nextMsg++
	msg.Id = db.nextMsg
	msg.IsDeleted = false
	db.messages[msg.RoomId] = append(db.messages[msg.RoomId], msg)

	return msg, nil
}

func (db *MemChatRepository) UpdateRoomOnMessage(_ context.Context, msg types.Message) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	r, ok := db.rooms[msg.RoomId]
	if !ok {
		return ErrNotFound
	}

	r.SeqId = msg.SeqId
	r.Stats.TotalMessages++
	r.LastActivity = msg.Timestamp.UTC()
	r.UpdatedAt = msg.Timestamp.UTC()
	db.rooms[r.Id] = r

	return nil
}

func (db *MemChatRepository) GetMessages(_ context.Context, roomId int64, before time.Time, limit int) ([]types.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	all := db.messages[roomId]
	messages := make([]types.Message, 0, limit)
	for i := len(all) - 1; i >= 0 && len(messages) < limit; i-- {
		if !before.IsZero() && !all[i].Timestamp.Before(before) {
			continue
		}
		messages = append(messages, all[i])
	}

	return messages, nil
}

func (db *MemChatRepository) GetMessage(_ context.Context, roomId, seqId int64) (types.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, m := range db.messages[roomId] {
		if m.SeqId == seqId {
			return m, nil
		}
	}
	return types.Message{}, ErrNotFound
}

func (db *MemChatRepository) SoftDeleteMessage(_ context.Context, roomId, seqId int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i, m := range db.messages[roomId] {
		if m.SeqId == seqId {
			db.messages[roomId][i].IsDeleted = true
			return nil
		}
	}
	return ErrNotFound
}
