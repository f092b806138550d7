package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/roomchat/internal/types"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("session not found")
)

type TokenVerifier interface {
	Verify(token string) (int64, error)
}

type UserStore interface {
	GetUserById(ctx context.Context, userId int64) (types.User, error)
	SetUserOnline(ctx context.Context, userId int64, online bool) error
}

// RoomReleaser removes a session from the room it is admitted to and
// returns that room's name.
type RoomReleaser interface {
	Leave(ctx context.Context, sessionId string) (string, error)
}

type Observer interface {
	SessionAdmitted(s *Session)
	SessionTerminated(s *Session)
}

type Store struct {
	log      *zap.Logger
	verifier TokenVerifier
	users    UserStore
	releaser RoomReleaser

	mu        sync.RWMutex
	sessions  map[string]*Session
	byUser    map[int64]map[string]*Session
	observers []Observer

	// onlineMu orders durable online flag writes for the same transition
	onlineMu sync.Mutex
}

func NewStore(logger *zap.Logger, verifier TokenVerifier, users UserStore) *Store {
	return &Store{
		log:      logger.Named("session"),
		verifier: verifier,
		users:    users,
		sessions: make(map[string]*Session),
		byUser:   make(map[int64]map[string]*Session),
	}
}

func (s *Store) SetReleaser(r RoomReleaser) {
	s.releaser = r
}

func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Authenticate verifies the credential token and admits a new session for
// its user.
func (s *Store) Authenticate(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	userId, err := s.verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	user, err := s.users.GetUserById(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("%w: load user %d: %v", ErrUnauthorized, userId, err)
	}

	id, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	sess := &Session{
		Id:          id,
		User:        user,
		ConnectedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[sess.Id] = sess
	userSessions, ok := s.byUser[user.Id]
	if !ok {
		userSessions = make(map[string]*Session)
		s.byUser[user.Id] = userSessions
	}
	userSessions[sess.Id] = sess
	first := len(userSessions) == 1
	observers := s.observers
	s.mu.Unlock()

	if first {
		s.syncOnline(ctx, user.Id)
	}

	for _, o := range observers {
		o.SessionAdmitted(sess)
	}

	s.log.Debug("session admitted",
		zap.String("session_id", sess.Id),
		zap.Int64("user_id", user.Id),
		zap.String("username", user.Username),
	)

	return sess, nil
}

// Terminate releases the session's room membership and removes it. It
// returns the name of the room the session was released from, if any.
func (s *Store) Terminate(ctx context.Context, id string) (string, error) {
	sess, err := s.Lookup(id)
	if err != nil {
		return "", err
	}

	var left string
	if s.releaser != nil {
		left, err = s.releaser.Leave(ctx, id)
		if err != nil {
			s.log.Error("release room", zap.String("session_id", id), zap.Error(err))
		}
	}

	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return left, ErrNotFound
	}
	delete(s.sessions, id)

	last := false
	if userSessions, ok := s.byUser[sess.User.Id]; ok {
		delete(userSessions, id)
		if len(userSessions) == 0 {
			delete(s.byUser, sess.User.Id)
			last = true
		}
	}
	observers := s.observers
	s.mu.Unlock()

	if last {
		s.syncOnline(ctx, sess.User.Id)
	}

	for _, o := range observers {
		o.SessionTerminated(sess)
	}

	s.log.Debug("session terminated",
		zap.String("session_id", id),
		zap.Int64("user_id", sess.User.Id),
		zap.String("room", left),
	)

	return left, nil
}

// syncOnline writes the user's current online state to the store. It
// re-reads the session count under onlineMu so the last write always
// matches the in-memory state.
func (s *Store) syncOnline(ctx context.Context, userId int64) {
	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()

	s.mu.RLock()
	online := len(s.byUser[userId]) > 0
	s.mu.RUnlock()

	if err := s.users.SetUserOnline(context.WithoutCancel(ctx), userId, online); err != nil {
		s.log.Error("set user online",
			zap.Int64("user_id", userId),
			zap.Bool("online", online),
			zap.Error(err),
		)
	}
}

func (s *Store) Lookup(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *Store) SessionsForUser(userId int64) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*Session, 0, len(s.byUser[userId]))
	for _, sess := range s.byUser[userId] {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
