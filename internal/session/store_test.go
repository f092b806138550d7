package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/npezzotti/roomchat/internal/database"
	"github.com/npezzotti/roomchat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verifierFunc func(token string) (int64, error)

func (f verifierFunc) Verify(token string) (int64, error) { return f(token) }

// tokens are usernames in these tests
var testVerifier = verifierFunc(func(token string) (int64, error) {
	switch token {
	case "alice":
		return 1, nil
	case "bob":
		return 2, nil
	case "ghost":
		return 99, nil
	}
	return 0, errors.New("bad token")
})

type releaserFunc func(ctx context.Context, id string) (string, error)

func (f releaserFunc) Leave(ctx context.Context, id string) (string, error) { return f(ctx, id) }

type recordingObserver struct {
	mu         sync.Mutex
	admitted   []string
	terminated []string
}

func (o *recordingObserver) SessionAdmitted(s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.admitted = append(o.admitted, s.Id)
}

func (o *recordingObserver) SessionTerminated(s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.terminated = append(o.terminated, s.Id)
}

func newTestStore(t *testing.T) (*Store, *database.MemChatRepository) {
	t.Helper()

	ctx := context.Background()
	repo := database.NewMemChatRepository()
	_, err := repo.CreateUser(ctx, database.CreateUserParams{Username: "alice", EmailAddress: "alice@example.com"})
	require.NoError(t, err)
	_, err = repo.CreateUser(ctx, database.CreateUserParams{Username: "bob", EmailAddress: "bob@example.com"})
	require.NoError(t, err)

	return NewStore(testutil.TestLogger(t), testVerifier, repo), repo
}

func TestStore_Authenticate(t *testing.T) {
	ctx := context.Background()

	tcases := []struct {
		name  string
		token string
		err   bool
	}{
		{name: "valid token", token: "alice", err: false},
		{name: "empty token", token: "", err: true},
		{name: "invalid token", token: "mallory", err: true},
		{name: "unknown user", token: "ghost", err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			store, repo := newTestStore(t)

			sess, err := store.Authenticate(ctx, tc.token)
			if tc.err {
				assert.ErrorIs(t, err, ErrUnauthorized)
				assert.Nil(t, sess)
				assert.Equal(t, 0, store.Len())
				return
			}

			require.NoError(t, err)
			assert.NotEmpty(t, sess.Id)
			assert.Equal(t, "alice", sess.User.Username)
			assert.Empty(t, sess.Room())

			got, err := store.Lookup(sess.Id)
			require.NoError(t, err)
			assert.Same(t, sess, got)

			u, err := repo.GetUserById(ctx, sess.User.Id)
			require.NoError(t, err)
			assert.True(t, u.IsOnline, "expected user to be marked online")
		})
	}
}

func TestStore_Terminate(t *testing.T) {
	ctx := context.Background()

	t.Run("online flag follows last session", func(t *testing.T) {
		store, repo := newTestStore(t)
		obs := &recordingObserver{}
		store.AddObserver(obs)

		first, err := store.Authenticate(ctx, "alice")
		require.NoError(t, err)
		second, err := store.Authenticate(ctx, "alice")
		require.NoError(t, err)
		assert.NotEqual(t, first.Id, second.Id, "expected independent sessions")
		assert.Len(t, store.SessionsForUser(first.User.Id), 2)

		_, err = store.Terminate(ctx, first.Id)
		require.NoError(t, err)

		u, err := repo.GetUserById(ctx, first.User.Id)
		require.NoError(t, err)
		assert.True(t, u.IsOnline, "expected user to stay online with one session left")

		_, err = store.Terminate(ctx, second.Id)
		require.NoError(t, err)

		u, err = repo.GetUserById(ctx, first.User.Id)
		require.NoError(t, err)
		assert.False(t, u.IsOnline, "expected user to be offline after last session")
		assert.Empty(t, store.SessionsForUser(first.User.Id))

		assert.Equal(t, []string{first.Id, second.Id}, obs.admitted)
		assert.Equal(t, []string{first.Id, second.Id}, obs.terminated)
	})

	t.Run("releases room membership", func(t *testing.T) {
		store, _ := newTestStore(t)

		var released []string
		store.SetReleaser(releaserFunc(func(_ context.Context, id string) (string, error) {
			released = append(released, id)
			return "general", nil
		}))

		sess, err := store.Authenticate(ctx, "bob")
		require.NoError(t, err)

		left, err := store.Terminate(ctx, sess.Id)
		require.NoError(t, err)
		assert.Equal(t, "general", left)
		assert.Equal(t, []string{sess.Id}, released)

		_, err = store.Lookup(sess.Id)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown session", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := store.Terminate(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	store, repo := newTestStore(t)

	const n = 20
	ids := make(chan string, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := store.Authenticate(ctx, "alice")
			if assert.NoError(t, err) {
				ids <- sess.Id
			}
		}()
	}
	wg.Wait()
	close(ids)
	assert.Equal(t, n, store.Len())

	for id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := store.Terminate(ctx, id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 0, store.Len())
	u, err := repo.GetUserById(ctx, 1)
	require.NoError(t, err)
	assert.False(t, u.IsOnline)
}
