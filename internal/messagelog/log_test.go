package messagelog

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/roomchat/internal/database"
	"github.com/npezzotti/roomchat/internal/session"
	"github.com/npezzotti/roomchat/internal/testutil"
	"github.com/npezzotti/roomchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idVerifier struct{}

func (idVerifier) Verify(token string) (int64, error) {
	return strconv.ParseInt(token, 10, 64)
}

type fixture struct {
	repo     *database.MemChatRepository
	sessions *session.Store
	log      *Log
	room     types.Room
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()
	logger := testutil.TestLogger(t)
	repo := database.NewMemChatRepository()

	for _, name := range []string{"alice", "bob", "admin"} {
		role := types.RoleMember
		if name == "admin" {
			role = types.RoleAdmin
		}
		_, err := repo.CreateUser(ctx, database.CreateUserParams{
			Username:     name,
			EmailAddress: name + "@example.com",
			Role:         role,
		})
		require.NoError(t, err)
	}

	room, err := repo.CreateRoom(ctx, database.CreateRoomParams{Name: "general", MaxUsers: 10, IsPublic: true})
	require.NoError(t, err)

	sessions := session.NewStore(logger, idVerifier{}, repo)
	return &fixture{
		repo:     repo,
		sessions: sessions,
		log:      New(logger, repo, sessions),
		room:     room,
	}
}

// inRoom authenticates the user with the given id and places the session in
// the room without going through the registry.
func (f *fixture) inRoom(t *testing.T, userId int64, room string) *session.Session {
	t.Helper()
	sess, err := f.sessions.Authenticate(context.Background(), strconv.FormatInt(userId, 10))
	require.NoError(t, err)
	sess.SetRoom(room)
	return sess
}

func TestLog_Append(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.inRoom(t, 1, "general")
	outsider := f.inRoom(t, 2, "")

	msg, err := f.log.Append(ctx, "general", alice.Id, "  hello  ", "")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content, "expected content to be trimmed")
	assert.Equal(t, types.MessageTypeText, msg.Type)
	assert.Equal(t, int64(1), msg.SeqId)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, "general", msg.RoomName)

	tcases := []struct {
		name    string
		session string
		room    string
		content string
		msgType types.MessageType
		err     error
	}{
		{name: "empty content", session: alice.Id, room: "general", content: "", err: ErrEmptyContent},
		{name: "whitespace content", session: alice.Id, room: "general", content: " \n\t ", err: ErrEmptyContent},
		{name: "not a member", session: outsider.Id, room: "general", content: "hi", err: ErrNotAMember},
		{name: "other room", session: alice.Id, room: "other", content: "hi", err: ErrNotAMember},
		{name: "unknown type", session: alice.Id, room: "general", content: "hi", msgType: "video", err: ErrInvalidType},
		{name: "system type", session: alice.Id, room: "general", content: "hi", msgType: types.MessageTypeSystem, err: ErrInvalidType},
		{name: "unknown session", session: "nope", room: "general", content: "hi", err: session.ErrNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.log.Append(ctx, tc.room, tc.session, tc.content, tc.msgType)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	history, err := f.log.History(ctx, "general", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1, "expected rejected appends to leave no trace")

	room, err := f.repo.GetRoomByName(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, 1, room.Stats.TotalMessages)
	assert.Equal(t, int64(1), room.SeqId)

	u, err := f.repo.GetUserById(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, u.Stats.MessagesSent)

	t.Run("ai type", func(t *testing.T) {
		msg, err := f.log.Append(ctx, "general", alice.Id, "beep", types.MessageTypeAI)
		require.NoError(t, err)
		assert.Equal(t, types.MessageTypeAI, msg.Type)
	})
}

func TestLog_AppendSystem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.inRoom(t, 1, "general")

	_, err := f.log.Append(ctx, "general", alice.Id, "first", "")
	require.NoError(t, err)

	notice, err := f.log.AppendSystem(ctx, "general", alice.User, "alice joined the room")
	require.NoError(t, err)
	assert.Equal(t, types.MessageTypeSystem, notice.Type)
	assert.Equal(t, int64(2), notice.SeqId, "expected notices to share the room sequence")

	_, err = f.log.AppendSystem(ctx, "missing", alice.User, "hello")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestLog_HistoryPagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const (
		writers  = 3
		perWrite = 40
		total    = writers * perWrite
	)

	sessions := []*session.Session{
		f.inRoom(t, 1, "general"),
		f.inRoom(t, 2, "general"),
		f.inRoom(t, 3, "general"),
	}

	var wg sync.WaitGroup
	for w, sess := range sessions {
		wg.Add(1)
		go func(w int, sess *session.Session) {
			defer wg.Done()
			for i := 0; i < perWrite; i++ {
				_, err := f.log.Append(ctx, "general", sess.Id, fmt.Sprintf("w%d-%d", w, i), "")
				assert.NoError(t, err)
			}
		}(w, sess)
	}
	wg.Wait()

	for _, seq := range []int64{5, 60, 119} {
		require.NoError(t, f.log.Delete(ctx, "general", seq, sessions[2].Id), "delete %d", seq)
	}

	var (
		pages  [][]types.Message
		before time.Time
	)
	for {
		page, err := f.log.History(ctx, "general", before, 7)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page), 7)
		pages = append(pages, page)
		before = page[len(page)-1].Timestamp
	}

	var chronological []types.Message
	for i := len(pages) - 1; i >= 0; i-- {
		page := slices.Clone(pages[i])
		slices.Reverse(page)
		chronological = append(chronological, page...)
	}

	require.Len(t, chronological, total)
	for i, m := range chronological {
		assert.Equal(t, int64(i+1), m.SeqId, "expected gap free sequence")
		if i > 0 {
			assert.True(t, m.Timestamp.After(chronological[i-1].Timestamp), "expected strictly increasing timestamps")
		}
		assert.Equal(t, slices.Contains([]int64{5, 60, 119}, m.SeqId), m.IsDeleted)
	}

	perAuthor := make(map[int64][]string)
	for _, m := range chronological {
		perAuthor[m.UserId] = append(perAuthor[m.UserId], m.Content)
	}
	for w, sess := range sessions {
		want := make([]string, 0, perWrite)
		for i := 0; i < perWrite; i++ {
			want = append(want, fmt.Sprintf("w%d-%d", w, i))
		}
		assert.Equal(t, want, perAuthor[sess.User.Id], "expected each writer's appends in call order")
	}
}

func TestLog_HistoryLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.inRoom(t, 1, "general")

	for i := 0; i < MaxHistoryLimit+10; i++ {
		_, err := f.log.Append(ctx, "general", alice.Id, "msg", "")
		require.NoError(t, err)
	}

	tcases := []struct {
		name  string
		limit int
		want  int
	}{
		{name: "default", limit: 0, want: DefaultHistoryLimit},
		{name: "explicit", limit: 10, want: 10},
		{name: "capped", limit: 1000, want: MaxHistoryLimit},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			messages, err := f.log.History(ctx, "general", time.Time{}, tc.limit)
			require.NoError(t, err)
			assert.Len(t, messages, tc.want)
			assert.Equal(t, int64(MaxHistoryLimit+10), messages[0].SeqId, "expected newest first")
		})
	}

	_, err := f.log.History(ctx, "missing", time.Time{}, 10)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestLog_Delete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.inRoom(t, 1, "general")
	bob := f.inRoom(t, 2, "general")
	admin := f.inRoom(t, 3, "")

	first, err := f.log.Append(ctx, "general", alice.Id, "one", "")
	require.NoError(t, err)
	second, err := f.log.Append(ctx, "general", alice.Id, "two", "")
	require.NoError(t, err)

	assert.ErrorIs(t, f.log.Delete(ctx, "general", first.SeqId, bob.Id), ErrForbidden)
	assert.NoError(t, f.log.Delete(ctx, "general", first.SeqId, alice.Id))
	assert.NoError(t, f.log.Delete(ctx, "general", second.SeqId, admin.Id), "expected admin to delete any message")
	assert.ErrorIs(t, f.log.Delete(ctx, "general", 42, alice.Id), ErrNotFound)

	history, err := f.log.History(ctx, "general", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].IsDeleted)
	assert.True(t, history[1].IsDeleted)
	assert.Equal(t, "one", history[1].Content, "expected soft deleted content to be kept")
}

func TestLog_ResumesSequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.inRoom(t, 1, "general")

	_, err := f.log.Append(ctx, "general", alice.Id, "before restart", "")
	require.NoError(t, err)

	restarted := New(testutil.TestLogger(t), f.repo, f.sessions)
	msg, err := restarted.Append(ctx, "general", alice.Id, "after restart", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.SeqId)
}

func TestLog_UnknownRoomsNotRetained(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.log.History(ctx, fmt.Sprintf("missing-%d", i%50), time.Time{}, 10)
			assert.ErrorIs(t, err, ErrRoomNotFound)
		}(i)
	}
	wg.Wait()

	f.log.mu.Lock()
	assert.Empty(t, f.log.rooms, "expected no entries for unknown rooms")
	f.log.mu.Unlock()

	// a room created after a failed lookup is served normally
	_, err := f.repo.CreateRoom(ctx, database.CreateRoomParams{Name: "missing-1", MaxUsers: 5})
	require.NoError(t, err)
	sess := f.inRoom(t, 1, "missing-1")

	msg, err := f.log.Append(ctx, "missing-1", sess.Id, "hello", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.SeqId)

	f.log.mu.Lock()
	assert.Len(t, f.log.rooms, 1)
	f.log.mu.Unlock()
}
