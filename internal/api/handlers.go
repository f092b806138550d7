package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/roomchat/internal/registry"
	"github.com/npezzotti/roomchat/internal/types"
	"go.uber.org/zap"
)

const (
	platformName    = "roomchat"
	platformVersion = "1.0.0"
)

type CreateRoomRequest struct {
	Name        string              `json:"name"`
	DisplayName string              `json:"displayName"`
	Description string              `json:"description"`
	Topic       string              `json:"topic"`
	Password    string              `json:"password,omitempty"`
	MaxUsers    int                 `json:"maxUsers"`
	IsPublic    *bool               `json:"isPublic,omitempty"`
	Tags        []string            `json:"tags,omitempty"`
	Settings    *types.RoomSettings `json:"settings,omitempty"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Platform  string    `json:"platform"`
	Version   string    `json:"version"`
	Message   string    `json:"message"`
}

type RoomListResponse struct {
	Rooms []types.RoomSummary `json:"rooms"`
}

type RoomResponse struct {
	Room types.Room `json:"room"`
}

type MessagesResponse struct {
	Messages []types.Message `json:"messages"`
}

type OnlineUsersResponse struct {
	Users []types.UserSummary `json:"users"`
}

func (a *App) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("json encode", zap.Error(err))
	}
}

func (a *App) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := a.db.Ping(r.Context()); err != nil {
		a.log.Error("health check", zap.Error(err))
		errResp := NewInternalServerError(err)
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	a.writeJson(w, http.StatusOK, HealthResponse{
		Status:    "OK",
		Timestamp: time.Now().UTC(),
		Platform:  platformName,
		Version:   platformVersion,
		Message:   platformName + " is online",
	})
}

func (a *App) listRooms(w http.ResponseWriter, r *http.Request) {
	filter := registry.Filter{PublicOnly: r.URL.Query().Get("public") == "true"}

	rooms, err := a.rooms.List(r.Context(), filter)
	if err != nil {
		errResp := NewInternalServerError(err)
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	a.writeJson(w, http.StatusOK, RoomListResponse{Rooms: rooms})
}

func (a *App) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	owner, err := a.db.GetUserById(r.Context(), userId)
	if err != nil {
		errResp := errorFor(err)
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	isPublic := true
	if req.IsPublic != nil {
		isPublic = *req.IsPublic
	}

	room, err := a.rooms.CreateFor(r.Context(), owner, registry.CreateParams{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Topic:       req.Topic,
		Password:    req.Password,
		MaxUsers:    req.MaxUsers,
		IsPublic:    isPublic,
		Tags:        req.Tags,
		Settings:    req.Settings,
	})
	if err != nil {
		errResp := errorFor(err)
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	a.writeJson(w, http.StatusCreated, RoomResponse{Room: room})
}

func (a *App) getRoom(w http.ResponseWriter, r *http.Request) {
	view, err := a.rooms.View(r.Context(), r.PathValue("name"))
	if err != nil {
		errResp := errorFor(err)
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	a.writeJson(w, http.StatusOK, view)
}

func (a *App) getMessages(w http.ResponseWriter, r *http.Request) {
	var (
		before time.Time
		limit  int
		err    error
	)

	if s := r.URL.Query().Get("before"); s != "" {
		before, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			errResp := NewBadRequestError()
			a.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			errResp := NewBadRequestError()
			a.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := a.history.History(r.Context(), r.PathValue("name"), before, limit)
	if err != nil {
		errResp := errorFor(err)
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	a.writeJson(w, http.StatusOK, MessagesResponse{Messages: messages})
}

func (a *App) onlineUsers(w http.ResponseWriter, r *http.Request) {
	a.writeJson(w, http.StatusOK, OnlineUsersResponse{Users: a.presence.OnlineUsers(r.URL.Query().Get("room"))})
}

// serveWs upgrades the request. The connection authenticates with the
// request's token when it carries one, otherwise with its first event.
func (a *App) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.ContainsFunc(a.allowedOrigins, func(o string) bool {
				return o == "*" || strings.EqualFold(o, origin)
			})
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug("error upgrading connection", zap.Error(err))
		return
	}

	a.realtime.Connect(conn, requestToken(r))
}
