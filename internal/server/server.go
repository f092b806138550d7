package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/roomchat/internal/ratelimit"
	"github.com/npezzotti/roomchat/internal/registry"
	"github.com/npezzotti/roomchat/internal/session"
	"github.com/npezzotti/roomchat/internal/signaling"
	"github.com/npezzotti/roomchat/internal/stats"
	"github.com/npezzotti/roomchat/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultAuthTimeout     = 10 * time.Second
	DefaultRoomIdleTimeout = 30 * time.Second
)

type SessionStore interface {
	Authenticate(ctx context.Context, token string) (*session.Session, error)
	Terminate(ctx context.Context, id string) (string, error)
}

type RoomRegistry interface {
	Join(ctx context.Context, sessionId, name, password string) (registry.JoinResult, error)
	Leave(ctx context.Context, sessionId string) (string, error)
	View(ctx context.Context, name string) (registry.View, error)
}

type MessageLog interface {
	Append(ctx context.Context, roomName, sessionId, content string, msgType types.MessageType) (types.Message, error)
	AppendSystem(ctx context.Context, roomName string, subject types.User, content string) (types.Message, error)
	History(ctx context.Context, roomName string, before time.Time, limit int) ([]types.Message, error)
	Delete(ctx context.Context, roomName string, seqId int64, sessionId string) error
}

type Signaler interface {
	Relay(ctx context.Context, fromSessionId string, toUserId int64, kind signaling.Kind, payload json.RawMessage) (int, error)
}

type Deps struct {
	Sessions SessionStore
	Registry RoomRegistry
	Messages MessageLog
	Relay    Signaler
	Limiter  ratelimit.Limiter
	Stats    stats.StatsProvider
}

type Options struct {
	// AuthTimeout bounds how long a connection may stay unauthenticated.
	AuthTimeout time.Duration
	// RoomIdleTimeout is how long an empty room keeps its goroutine.
	RoomIdleTimeout time.Duration
}

type stopReq struct {
	done chan struct{}
}

// ChatServer owns the live connections and the per-room dispatch
// goroutines.
type ChatServer struct {
	log      *zap.Logger
	sessions SessionStore
	registry RoomRegistry
	messages MessageLog
	relay    Signaler
	limiter  ratelimit.Limiter
	stats    stats.StatsProvider
	opts     Options

	clientsLock sync.Mutex
	clients     map[*Client]struct{}
	bySession   map[string]*Client
	// draining is set by Shutdown; no connection is accepted afterwards
	draining bool
	// conns tracks the read and write goroutines of every connection
	conns sync.WaitGroup

	roomsLock sync.Mutex
	rooms     map[string]*Room
	closed    bool

	unloadRoomChan chan string
	stop           chan stopReq
	// done is closed once Run has returned
	done chan struct{}
}

func NewChatServer(logger *zap.Logger, deps Deps, opts Options) *ChatServer {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.RoomIdleTimeout <= 0 {
		opts.RoomIdleTimeout = DefaultRoomIdleTimeout
	}

	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewTokenBucket(ratelimit.DefaultBurst, ratelimit.DefaultInterval)
	}

	cs := &ChatServer{
		log:            logger,
		sessions:       deps.Sessions,
		registry:       deps.Registry,
		messages:       deps.Messages,
		relay:          deps.Relay,
		limiter:        deps.Limiter,
		stats:          deps.Stats,
		opts:           opts,
		clients:        make(map[*Client]struct{}),
		bySession:      make(map[string]*Client),
		rooms:          make(map[string]*Room),
		unloadRoomChan: make(chan string, 64),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}

	cs.stats.RegisterMetric("NumActiveConnections")
	cs.stats.RegisterMetric("NumActiveRooms")
	cs.stats.RegisterMetric("NumMessages")
	cs.stats.RegisterMetric("NumSignals")
	cs.stats.RegisterGauge("NumPendingRoomEvents", cs.pendingEvents)

	return cs
}

// Run unloads idle rooms until Shutdown is called.
func (cs *ChatServer) Run() {
	defer close(cs.done)

	for {
		select {
		case name := <-cs.unloadRoomChan:
			cs.unloadRoom(name)
		case req := <-cs.stop:
			cs.log.Info("shutting down rooms")

			cs.roomsLock.Lock()
			cs.closed = true
			rooms := cs.rooms
			cs.rooms = make(map[string]*Room)
			cs.roomsLock.Unlock()

			for name, r := range rooms {
				cs.log.Debug("shutting down room", zap.String("room", name))
				r.requestExit(true)
				cs.stats.Decr("NumActiveRooms")
			}

			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) unloadRoom(name string) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	r, ok := cs.rooms[name]
	if !ok || r.pending.Load() > 0 {
		return
	}

	if !r.requestExit(false) {
		return
	}

	delete(cs.rooms, name)
	cs.stats.Decr("NumActiveRooms")
	cs.log.Debug("unloaded room", zap.String("room", name), zap.Int("active_rooms", len(cs.rooms)))
}

// enqueue hands ev to the room's goroutine, starting it if needed. It
// reports false once the server is shutting down.
func (cs *ChatServer) enqueue(name string, ev roomEvent) bool {
	cs.roomsLock.Lock()
	if cs.closed {
		cs.roomsLock.Unlock()
		return false
	}

	r, ok := cs.rooms[name]
	if !ok {
		r = newRoom(name, cs)
		cs.rooms[name] = r
		go r.start()
		cs.stats.Incr("NumActiveRooms")
	}
	r.pending.Add(1)
	cs.roomsLock.Unlock()

	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

// pendingEvents is the number of queued events not yet handled by any room.
func (cs *ChatServer) pendingEvents() int {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	var n int64
	for _, r := range cs.rooms {
		n += r.pending.Load()
	}
	return int(n)
}

func (cs *ChatServer) getRoom(name string) (*Room, bool) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()
	r, ok := cs.rooms[name]
	return r, ok
}

func (cs *ChatServer) addClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if cs.draining {
		return false
	}
	cs.clients[c] = struct{}{}
	cs.conns.Add(2)
	cs.stats.Incr("NumActiveConnections")
	return true
}

func (cs *ChatServer) registerSession(c *Client, sessionId string) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.bySession[sessionId] = c
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	if id := c.sessionId(); id != "" && cs.bySession[id] == c {
		delete(cs.bySession, id)
	}
	cs.stats.Decr("NumActiveConnections")
}

func (cs *ChatServer) clientFor(sessionId string) (*Client, bool) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	c, ok := cs.bySession[sessionId]
	return c, ok
}

// Connect starts serving conn. A non-empty token authenticates the
// connection before any event is read. Once Shutdown has been called the
// connection is closed and Connect returns nil.
func (cs *ChatServer) Connect(conn *websocket.Conn, token string) *Client {
	c := NewClient(conn, cs, token)
	if !cs.addClient(c) {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait),
		)
		conn.Close()
		return nil
	}

	go func() {
		defer cs.conns.Done()
		c.Write()
	}()
	go func() {
		defer cs.conns.Done()
		c.Read()
	}()

	return c
}

// Deliver queues a relayed signal to the connection holding sessionId.
func (cs *ChatServer) Deliver(sessionId string, sig signaling.Signal) bool {
	c, ok := cs.clientFor(sessionId)
	if !ok {
		return false
	}
	return c.queueMessage(signalMessage(sig))
}

// Shutdown closes every connection, waits for their sessions to be
// released and then stops all room goroutines.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("received shutdown signal")

	cs.clientsLock.Lock()
	cs.draining = true
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	closed := make(chan struct{})
	go func() {
		cs.conns.Wait()
		close(closed)
	}()

	select {
	case <-closed:
	case <-ctx.Done():
		return ctx.Err()
	}

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
