package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/roomchat/internal/auth"
	"github.com/npezzotti/roomchat/internal/config"
	"github.com/npezzotti/roomchat/internal/database"
	"github.com/npezzotti/roomchat/internal/registry"
	"github.com/npezzotti/roomchat/internal/server"
	"github.com/npezzotti/roomchat/internal/testutil"
	"github.com/npezzotti/roomchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type mockRooms struct {
	mock.Mock
}

func (m *mockRooms) CreateFor(ctx context.Context, owner types.User, params registry.CreateParams) (types.Room, error) {
	args := m.Called(owner, params)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *mockRooms) List(ctx context.Context, filter registry.Filter) ([]types.RoomSummary, error) {
	args := m.Called(filter)
	return args.Get(0).([]types.RoomSummary), args.Error(1)
}
func (m *mockRooms) View(ctx context.Context, name string) (registry.View, error) {
	args := m.Called(name)
	return args.Get(0).(registry.View), args.Error(1)
}

type mockHistory struct {
	mock.Mock
}

func (m *mockHistory) History(ctx context.Context, roomName string, before time.Time, limit int) ([]types.Message, error) {
	args := m.Called(roomName, before, limit)
	return args.Get(0).([]types.Message), args.Error(1)
}

type mockPresence struct {
	mock.Mock
}

func (m *mockPresence) OnlineUsers(roomName string) []types.UserSummary {
	args := m.Called(roomName)
	return args.Get(0).([]types.UserSummary)
}

type connectFunc func(conn *websocket.Conn, token string) *server.Client

func (f connectFunc) Connect(conn *websocket.Conn, token string) *server.Client { return f(conn, token) }

type testApp struct {
	*App
	db       *database.MockChatRepository
	rooms    *mockRooms
	history  *mockHistory
	presence *mockPresence
	jwt      *auth.JWT
}

func newTestApp(t *testing.T, realtime Realtime) *testApp {
	t.Helper()

	ta := &testApp{
		db:       &database.MockChatRepository{},
		rooms:    &mockRooms{},
		history:  &mockHistory{},
		presence: &mockPresence{},
		jwt:      auth.NewJWT([]byte("test-signing-key"), time.Hour),
	}
	t.Cleanup(func() {
		ta.db.AssertExpectations(t)
		ta.rooms.AssertExpectations(t)
		ta.history.AssertExpectations(t)
		ta.presence.AssertExpectations(t)
	})

	ta.App = NewApp(http.NewServeMux(), testutil.TestLogger(t), Deps{
		DB:        ta.db,
		Tokens:    ta.jwt,
		Passwords: auth.Bcrypt{Cost: bcrypt.MinCost},
		Rooms:     ta.rooms,
		History:   ta.history,
		Presence:  ta.presence,
		Realtime:  realtime,
	}, &config.Config{ServerAddr: "localhost:0", AllowedOrigins: []string{"http://localhost:3000"}})

	return ta
}

func (ta *testApp) serve(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ta.Handler().ServeHTTP(rr, req)
	return rr
}

func (ta *testApp) authed(t *testing.T, req *http.Request, userId int64) *http.Request {
	t.Helper()
	token, err := ta.jwt.Issue(userId)
	require.NoError(t, err)
	req.AddCookie(createJwtCookie(token, time.Hour))
	return req
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(b)
}

func decodeApiError(t *testing.T, rr *httptest.ResponseRecorder) ApiError {
	t.Helper()
	var e ApiError
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&e))
	return e
}

func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name    string
		mockErr error
		code    int
	}{
		{name: "successful health check", code: http.StatusOK},
		{name: "failed health check", mockErr: errors.New("db error"), code: http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ta := newTestApp(t, nil)
			ta.db.On("Ping").Return(tc.mockErr).Once()

			rr := ta.serve(httptest.NewRequest(http.MethodGet, "/api/health", nil))
			assert.Equal(t, tc.code, rr.Code)
			assert.NotEmpty(t, rr.Header().Get(requestIdHeader), "expected a request id header")
			if tc.mockErr == nil {
				var body HealthResponse
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
				assert.Equal(t, "OK", body.Status)
				assert.Equal(t, platformName, body.Platform)
				assert.Equal(t, platformVersion, body.Version)
				assert.NotEmpty(t, body.Message)
				assert.WithinDuration(t, time.Now(), body.Timestamp, time.Minute)
			}
		})
	}
}

func Test_requestIdMiddleware_KeepsIncomingId(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.db.On("Ping").Return(nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(requestIdHeader, "abc-123")
	rr := ta.serve(req)
	assert.Equal(t, "abc-123", rr.Header().Get(requestIdHeader))
}

func Test_errorHandler(t *testing.T) {
	app := &App{log: testutil.TestLogger(t)}

	t.Run("recovers panics", func(t *testing.T) {
		panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(errors.New("test panic"))
		})

		rr := httptest.NewRecorder()
		app.errorHandler(panicHandler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Equal(t, "close", rr.Header().Get("Connection"))
	})

	t.Run("no panic", func(t *testing.T) {
		called := false
		okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})

		rr := httptest.NewRecorder()
		app.errorHandler(okHandler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ok", rr.Body.String())
		assert.True(t, called, "expected handler to be called")
	})
}

func Test_authMiddleware(t *testing.T) {
	ta := newTestApp(t, nil)

	tokenHandler := ta.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		userId, ok := UserId(r.Context())
		if !ok {
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(userId)
	})

	token, err := ta.jwt.Issue(7)
	require.NoError(t, err)

	tcases := []struct {
		name    string
		prepare func(r *http.Request)
		code    int
	}{
		{"cookie", func(r *http.Request) { r.AddCookie(createJwtCookie(token, time.Hour)) }, http.StatusOK},
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK},
		{"missing token", func(r *http.Request) {}, http.StatusUnauthorized},
		{"invalid token", func(r *http.Request) { r.AddCookie(createJwtCookie("garbage", time.Hour)) }, http.StatusUnauthorized},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.prepare(req)

			rr := httptest.NewRecorder()
			tokenHandler.ServeHTTP(rr, req)
			assert.Equal(t, tc.code, rr.Code)
			if tc.code == http.StatusOK {
				assert.Equal(t, "7\n", rr.Body.String())
				assert.Equal(t, "no-store, no-cache, must-revalidate, private", rr.Header().Get("Cache-Control"))
			}
		})
	}
}

func Test_serveWs(t *testing.T) {
	tokens := make(chan string, 1)
	ta := newTestApp(t, connectFunc(func(conn *websocket.Conn, token string) *server.Client {
		tokens <- token
		conn.Close()
		return nil
	}))

	srv := httptest.NewServer(ta.Handler())
	defer srv.Close()

	url := "ws" + srv.URL[len("http"):] + "/ws?token=abc"

	t.Run("passes the query token", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		select {
		case token := <-tokens:
			assert.Equal(t, "abc", token)
		case <-time.After(time.Second):
			t.Fatal("expected connection to be handed to the chat server")
		}
	})

	t.Run("rejects unknown origins", func(t *testing.T) {
		header := http.Header{"Origin": []string{"http://evil.example.com"}}
		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("allows configured origins", func(t *testing.T) {
		header := http.Header{"Origin": []string{"http://localhost:3000"}}
		conn, _, err := websocket.DefaultDialer.Dial(url, header)
		require.NoError(t, err)
		conn.Close()
		<-tokens
	})
}
