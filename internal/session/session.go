package session

import (
	"sync"
	"time"

	"github.com/npezzotti/roomchat/internal/types"
)

// Session is one authenticated connection. A user may hold several.
type Session struct {
	Id          string
	User        types.User
	ConnectedAt time.Time

	mu   sync.RWMutex
	room string
}

// Room returns the name of the room the session is admitted to, or an empty
// string.
func (s *Session) Room() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// SetRoom is called by the room registry while it holds the affected room
// locks.
func (s *Session) SetRoom(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = name
}
