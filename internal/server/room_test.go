package server

import (
	"testing"
	"time"

	"github.com/npezzotti/roomchat/internal/testutil"
	"github.com/npezzotti/roomchat/internal/types"
	"github.com/stretchr/testify/assert"
)

func newTestRoom(t *testing.T, idle time.Duration) (*Room, *ChatServer) {
	t.Helper()

	cs := NewChatServer(testutil.TestLogger(t), Deps{Stats: newMockStats()}, Options{RoomIdleTimeout: idle})
	r := newRoom("general", cs)
	go r.start()
	t.Cleanup(func() { r.requestExit(true) })
	return r, cs
}

func TestRoom_requestExit(t *testing.T) {
	t.Run("refuses with members", func(t *testing.T) {
		r, _ := newTestRoom(t, time.Hour)
		r.members["s1"] = &Client{}

		assert.False(t, r.requestExit(false), "expected a room with members to stay")
		assert.True(t, r.requestExit(true), "expected forced exit to succeed")

		select {
		case <-r.done:
		case <-time.After(time.Second):
			t.Fatal("expected room goroutine to exit")
		}
	})

	t.Run("refuses with pending events", func(t *testing.T) {
		r, _ := newTestRoom(t, time.Hour)
		r.pending.Add(1)

		assert.False(t, r.requestExit(false), "expected a room with queued events to stay")
		r.pending.Add(-1)
		assert.True(t, r.requestExit(false), "expected an idle room to exit")
	})

	t.Run("after exit", func(t *testing.T) {
		r, _ := newTestRoom(t, time.Hour)
		assert.True(t, r.requestExit(false))
		assert.True(t, r.requestExit(false), "expected requests after exit to report stopped")
	})
}

func TestRoom_idleTimeout(t *testing.T) {
	r, cs := newTestRoom(t, 20*time.Millisecond)

	// an event on an empty room arms the idle timer
	r.pending.Add(1)
	r.events <- roomEvent{}

	select {
	case name := <-cs.unloadRoomChan:
		assert.Equal(t, r.name, name)
	case <-time.After(time.Second):
		t.Fatal("expected room to ask for unloading")
	}
}

func Test_displayName(t *testing.T) {
	assert.Equal(t, "Alice", displayName(types.User{Username: "alice", DisplayName: "Alice"}))
	assert.Equal(t, "bob", displayName(types.User{Username: "bob"}))
}

func TestChatServer_pendingEvents(t *testing.T) {
	r, cs := newTestRoom(t, time.Minute)
	assert.Equal(t, 0, cs.pendingEvents())

	cs.roomsLock.Lock()
	cs.rooms[r.name] = r
	cs.roomsLock.Unlock()

	r.pending.Add(2)
	assert.Equal(t, 2, cs.pendingEvents())
	r.pending.Add(-2)
	assert.Equal(t, 0, cs.pendingEvents())
}
