package messagelog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/roomchat/internal/database"
	"github.com/npezzotti/roomchat/internal/session"
	"github.com/npezzotti/roomchat/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrNotAMember   = errors.New("session is not a member of the room")
	ErrInvalidType  = errors.New("invalid message type")
	ErrForbidden    = errors.New("not allowed to delete message")
	ErrNotFound     = errors.New("message not found")
	ErrRoomNotFound = errors.New("room not found")
)

type Store interface {
	GetRoomByName(ctx context.Context, name string) (types.Room, error)
	CreateMessage(ctx context.Context, msg types.Message) (types.Message, error)
	UpdateRoomOnMessage(ctx context.Context, msg types.Message) error
	GetMessages(ctx context.Context, roomId int64, before time.Time, limit int) ([]types.Message, error)
	GetMessage(ctx context.Context, roomId, seqId int64) (types.Message, error)
	SoftDeleteMessage(ctx context.Context, roomId, seqId int64) error
	IncrementUserStats(ctx context.Context, userId int64, delta database.UserStatsDelta) error
}

type Sessions interface {
	Lookup(id string) (*session.Session, error)
}

// roomLog serializes appends to one room. seq and last are the sequence and
// timestamp of the newest persisted message.
type roomLog struct {
	mu     sync.Mutex
	loaded bool
	// dropped is set when the room did not exist; the entry is no longer
	// in Log.rooms and must not be used.
	dropped bool
	roomId int64
	seq    int64
	last   time.Time
}

type Log struct {
	log      *zap.Logger
	store    Store
	sessions Sessions

	mu    sync.Mutex
	rooms map[string]*roomLog
}

func New(logger *zap.Logger, store Store, sessions Sessions) *Log {
	return &Log{
		log:      logger.Named("messagelog"),
		store:    store,
		sessions: sessions,
		rooms:    make(map[string]*roomLog),
	}
}

func (l *Log) roomLog(name string) *roomLog {
	l.mu.Lock()
	defer l.mu.Unlock()

	rl, ok := l.rooms[name]
	if !ok {
		rl = &roomLog{}
		l.rooms[name] = rl
	}
	return rl
}

// acquire returns the loaded log of the named room with its lock held.
// Logs of unknown rooms are not kept.
func (l *Log) acquire(ctx context.Context, name string) (*roomLog, error) {
	for {
		rl := l.roomLog(name)
		rl.mu.Lock()
		if rl.dropped {
			rl.mu.Unlock()
			continue
		}

		if err := l.load(ctx, name, rl); err != nil {
			if errors.Is(err, ErrRoomNotFound) {
				l.drop(name, rl)
			}
			rl.mu.Unlock()
			return nil, err
		}
		return rl, nil
	}
}

// drop runs with rl.mu held.
func (l *Log) drop(name string, rl *roomLog) {
	rl.dropped = true

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rooms[name] == rl {
		delete(l.rooms, name)
	}
}

// load runs with rl.mu held.
func (l *Log) load(ctx context.Context, name string, rl *roomLog) error {
	if rl.loaded {
		return nil
	}

	room, err := l.store.GetRoomByName(ctx, name)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrRoomNotFound
		}
		return fmt.Errorf("get room %q: %w", name, err)
	}

	latest, err := l.store.GetMessages(ctx, room.Id, time.Time{}, 1)
	if err != nil {
		return fmt.Errorf("get latest message: %w", err)
	}

	rl.roomId = room.Id
	rl.seq = room.SeqId
	if len(latest) > 0 {
		rl.seq = max(rl.seq, latest[0].SeqId)
		rl.last = latest[0].Timestamp
	}
	rl.loaded = true
	return nil
}

func (l *Log) roomId(ctx context.Context, name string) (int64, error) {
	rl, err := l.acquire(ctx, name)
	if err != nil {
		return 0, err
	}
	defer rl.mu.Unlock()

	return rl.roomId, nil
}

// Append records a user message in the room the session is admitted to.
// Once accepted the write completes even if ctx is cancelled.
func (l *Log) Append(ctx context.Context, roomName, sessionId, content string, msgType types.MessageType) (types.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return types.Message{}, ErrEmptyContent
	}

	if msgType == "" {
		msgType = types.MessageTypeText
	}
	if !msgType.Valid() || msgType == types.MessageTypeSystem {
		return types.Message{}, fmt.Errorf("%w: %q", ErrInvalidType, msgType)
	}

	sess, err := l.sessions.Lookup(sessionId)
	if err != nil {
		return types.Message{}, err
	}

	if sess.Room() != roomName {
		return types.Message{}, ErrNotAMember
	}

	msg, err := l.append(ctx, roomName, sess.User, content, msgType)
	if err != nil {
		return types.Message{}, err
	}

	if err := l.store.IncrementUserStats(context.WithoutCancel(ctx), sess.User.Id, database.UserStatsDelta{MessagesSent: 1}); err != nil {
		l.log.Error("increment user stats", zap.Int64("user_id", sess.User.Id), zap.Error(err))
	}

	return msg, nil
}

// AppendSystem records a notice about subject, such as a join or leave,
// in the same sequence as user messages.
func (l *Log) AppendSystem(ctx context.Context, roomName string, subject types.User, content string) (types.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return types.Message{}, ErrEmptyContent
	}
	return l.append(ctx, roomName, subject, content, types.MessageTypeSystem)
}

func (l *Log) append(ctx context.Context, roomName string, author types.User, content string, msgType types.MessageType) (types.Message, error) {
	ctx = context.WithoutCancel(ctx)

	rl, err := l.acquire(ctx, roomName)
	if err != nil {
		return types.Message{}, err
	}
	defer rl.mu.Unlock()

	ts := time.Now().UTC().Round(time.Millisecond)
	if !ts.After(rl.last) {
		ts = rl.last.Add(time.Millisecond)
	}

	msg, err := l.store.CreateMessage(ctx, types.Message{
		SeqId:     rl.seq + 1,
		RoomId:    rl.roomId,
		RoomName:  roomName,
		UserId:    author.Id,
		Username:  author.Username,
		Content:   content,
		Type:      msgType,
		Timestamp: ts,
	})
	if err != nil {
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}

	rl.seq = msg.SeqId
	rl.last = msg.Timestamp

	if err := l.store.UpdateRoomOnMessage(ctx, msg); err != nil {
		l.log.Error("update room on message", zap.String("room", roomName), zap.Int64("seq_id", msg.SeqId), zap.Error(err))
	}

	l.log.Debug("message appended",
		zap.String("room", roomName),
		zap.Int64("seq_id", msg.SeqId),
		zap.String("type", string(msg.Type)),
	)

	return msg, nil
}

// History returns up to limit messages older than before (or the latest
// when before is zero), newest first. Deleted messages are included with
// their flag set.
func (l *Log) History(ctx context.Context, roomName string, before time.Time, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)

	roomId, err := l.roomId(ctx, roomName)
	if err != nil {
		return nil, err
	}

	messages, err := l.store.GetMessages(ctx, roomId, before, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	for i := range messages {
		messages[i].RoomName = roomName
	}
	return messages, nil
}

// Delete soft deletes a message. Only its author or an admin may do so.
func (l *Log) Delete(ctx context.Context, roomName string, seqId int64, sessionId string) error {
	sess, err := l.sessions.Lookup(sessionId)
	if err != nil {
		return err
	}

	roomId, err := l.roomId(ctx, roomName)
	if err != nil {
		return err
	}

	msg, err := l.store.GetMessage(ctx, roomId, seqId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get message: %w", err)
	}

	if msg.UserId != sess.User.Id && sess.User.Role != types.RoleAdmin {
		return ErrForbidden
	}

	if err := l.store.SoftDeleteMessage(ctx, roomId, seqId); err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}

	l.log.Info("message deleted",
		zap.String("room", roomName),
		zap.Int64("seq_id", seqId),
		zap.Int64("by_user_id", sess.User.Id),
	)
	return nil
}
