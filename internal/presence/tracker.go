// Package presence derives online status from session and room membership
// events. Nothing here is polled or stored durably.
package presence

import (
	"sort"
	"sync"

	"github.com/npezzotti/roomchat/internal/session"
	"github.com/npezzotti/roomchat/internal/types"
)

type Tracker struct {
	mu       sync.RWMutex
	sessions map[int64]map[string]*session.Session
	rooms    map[string]map[string]*session.Session
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[int64]map[string]*session.Session),
		rooms:    make(map[string]map[string]*session.Session),
	}
}

func (t *Tracker) SessionAdmitted(s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	userSessions, ok := t.sessions[s.User.Id]
	if !ok {
		userSessions = make(map[string]*session.Session)
		t.sessions[s.User.Id] = userSessions
	}
	userSessions[s.Id] = s
}

func (t *Tracker) SessionTerminated(s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if userSessions, ok := t.sessions[s.User.Id]; ok {
		delete(userSessions, s.Id)
		if len(userSessions) == 0 {
			delete(t.sessions, s.User.Id)
		}
	}

	for name, members := range t.rooms {
		if _, ok := members[s.Id]; ok {
			t.removeFromRoom(name, s)
		}
	}
}

func (t *Tracker) MemberJoined(roomName string, s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.rooms[roomName]
	if !ok {
		members = make(map[string]*session.Session)
		t.rooms[roomName] = members
	}
	members[s.Id] = s
}

func (t *Tracker) MemberLeft(roomName string, s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeFromRoom(roomName, s)
}

func (t *Tracker) removeFromRoom(roomName string, s *session.Session) {
	members, ok := t.rooms[roomName]
	if !ok {
		return
	}
	delete(members, s.Id)
	if len(members) == 0 {
		delete(t.rooms, roomName)
	}
}

// IsOnline reports whether the user has at least one active session.
func (t *Tracker) IsOnline(userId int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions[userId]) > 0
}

// OnlineUsers lists online users ordered by username. With an empty room
// name every online user is returned, otherwise only users with a session in
// that room.
func (t *Tracker) OnlineUsers(roomName string) []types.UserSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[int64]types.UserSummary)
	if roomName == "" {
		for userId, userSessions := range t.sessions {
			for _, s := range userSessions {
				seen[userId] = s.User.Summary()
				break
			}
		}
	} else {
		for _, s := range t.rooms[roomName] {
			seen[s.User.Id] = s.User.Summary()
		}
	}

	users := make([]types.UserSummary, 0, len(seen))
	for _, u := range seen {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users
}

// Len returns the number of online users.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
