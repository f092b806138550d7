package database

import (
	"context"
	"time"

	"github.com/npezzotti/roomchat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) ResetPresence(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateUser(ctx context.Context, params CreateUserParams) (types.User, error) {
	args := m.Called(params)
	return args.Get(0).(types.User), args.Error(1)
}
func (m *MockChatRepository) GetUserById(ctx context.Context, userId int64) (types.User, error) {
	args := m.Called(userId)
	return args.Get(0).(types.User), args.Error(1)
}
func (m *MockChatRepository) GetUserByUsername(ctx context.Context, username string) (types.User, error) {
	args := m.Called(username)
	return args.Get(0).(types.User), args.Error(1)
}
func (m *MockChatRepository) SetUserOnline(ctx context.Context, userId int64, online bool) error {
	args := m.Called(userId, online)
	return args.Error(0)
}
func (m *MockChatRepository) SetUserCurrentRoom(ctx context.Context, userId int64, roomId *int64) error {
	args := m.Called(userId, roomId)
	return args.Error(0)
}
func (m *MockChatRepository) IncrementUserStats(ctx context.Context, userId int64, delta UserStatsDelta) error {
	args := m.Called(userId, delta)
	return args.Error(0)
}
func (m *MockChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	args := m.Called(params)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) GetRoomByName(ctx context.Context, name string) (types.Room, error) {
	args := m.Called(name)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) ListRooms(ctx context.Context, publicOnly bool) ([]types.Room, error) {
	args := m.Called(publicOnly)
	return args.Get(0).([]types.Room), args.Error(1)
}
func (m *MockChatRepository) UpdateRoomOccupancy(ctx context.Context, occ RoomOccupancy) error {
	args := m.Called(occ)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	args := m.Called(msg)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) UpdateRoomOnMessage(ctx context.Context, msg types.Message) error {
	args := m.Called(msg)
	return args.Error(0)
}
func (m *MockChatRepository) GetMessages(ctx context.Context, roomId int64, before time.Time, limit int) ([]types.Message, error) {
	args := m.Called(roomId, before, limit)
	return args.Get(0).([]types.Message), args.Error(1)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, roomId, seqId int64) (types.Message, error) {
	args := m.Called(roomId, seqId)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) SoftDeleteMessage(ctx context.Context, roomId, seqId int64) error {
	args := m.Called(roomId, seqId)
	return args.Error(0)
}
