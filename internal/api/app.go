package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/roomchat/internal/config"
	"github.com/npezzotti/roomchat/internal/database"
	"github.com/npezzotti/roomchat/internal/registry"
	"github.com/npezzotti/roomchat/internal/server"
	"github.com/npezzotti/roomchat/internal/types"
	"go.uber.org/zap"
)

type Tokens interface {
	Issue(userId int64) (string, error)
	Verify(token string) (int64, error)
	Expiry() time.Duration
}

type Passwords interface {
	Hash(secret string) (string, error)
	Match(hash, secret string) bool
}

type Rooms interface {
	CreateFor(ctx context.Context, owner types.User, params registry.CreateParams) (types.Room, error)
	List(ctx context.Context, filter registry.Filter) ([]types.RoomSummary, error)
	View(ctx context.Context, name string) (registry.View, error)
}

type History interface {
	History(ctx context.Context, roomName string, before time.Time, limit int) ([]types.Message, error)
}

type Presence interface {
	OnlineUsers(roomName string) []types.UserSummary
}

type Realtime interface {
	Connect(conn *websocket.Conn, token string) *server.Client
}

type Deps struct {
	DB        database.ChatRepository
	Tokens    Tokens
	Passwords Passwords
	Rooms     Rooms
	History   History
	Presence  Presence
	Realtime  Realtime
}

// App is the HTTP boundary in front of the chat core.
type App struct {
	log            *zap.Logger
	db             database.ChatRepository
	tokens         Tokens
	passwords      Passwords
	rooms          Rooms
	history        History
	presence       Presence
	realtime       Realtime
	allowedOrigins []string
	srv            *http.Server
}

func NewApp(mux *http.ServeMux, logger *zap.Logger, deps Deps, cfg *config.Config) *App {
	a := &App{
		log:            logger,
		db:             deps.DB,
		tokens:         deps.Tokens,
		passwords:      deps.Passwords,
		rooms:          deps.Rooms,
		history:        deps.History,
		presence:       deps.Presence,
		realtime:       deps.Realtime,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /api/health", a.healthCheck)
	mux.HandleFunc("POST /api/auth/register", a.register)
	mux.HandleFunc("POST /api/auth/login", a.login)
	mux.HandleFunc("GET /api/auth/me", a.authMiddleware(a.me))
	mux.HandleFunc("POST /api/auth/logout", a.logout)
	mux.HandleFunc("GET /api/rooms", a.authMiddleware(a.listRooms))
	mux.HandleFunc("POST /api/rooms", a.authMiddleware(a.createRoom))
	mux.HandleFunc("GET /api/rooms/{name}", a.authMiddleware(a.getRoom))
	mux.HandleFunc("GET /api/rooms/{name}/messages", a.authMiddleware(a.getMessages))
	mux.HandleFunc("GET /api/users/online", a.authMiddleware(a.onlineUsers))
	mux.HandleFunc("GET /ws", a.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = a.requestIdMiddleware(a.errorHandler(h))

	a.srv = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a
}

func (a *App) Handler() http.Handler {
	return a.srv.Handler
}

func (a *App) Start() error {
	a.log.Info("starting server", zap.String("addr", a.srv.Addr))
	return a.srv.ListenAndServe()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down HTTP server")
	if err := a.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
