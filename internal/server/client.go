package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/roomchat/internal/session"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one realtime connection. It belongs to at most one session,
// established by the first authenticate event or the upgrade token.
type Client struct {
	conn     *websocket.Conn
	cs       *ChatServer
	log      *zap.Logger
	send     chan *ServerMessage
	stop     chan struct{}
	stopOnce sync.Once
	token    string

	mu   sync.Mutex
	sess *session.Session
}

func NewClient(conn *websocket.Conn, cs *ChatServer, token string) *Client {
	return &Client{
		conn:  conn,
		cs:    cs,
		log:   cs.log,
		send:  make(chan *ServerMessage, 256),
		stop:  make(chan struct{}),
		token: token,
	}
}

func (c *Client) getSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) setSession(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = s
	c.log = c.log.With(zap.String("session_id", s.Id), zap.String("username", s.User.Username))
}

func (c *Client) sessionId() string {
	if s := c.getSession(); s != nil {
		return s.Id
	}
	return ""
}

func (c *Client) userId() int64 {
	if s := c.getSession(); s != nil {
		return s.User.Id
	}
	return 0
}

func (c *Client) logger() *zap.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger().Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.writeJSON(msg) {
				return
			}
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		case <-c.stop:
			c.drain()
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

// drain flushes what is already queued, such as a final error event.
func (c *Client) drain() {
	for {
		select {
		case msg := <-c.send:
			if !c.writeJSON(msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) writeJSON(msg *ServerMessage) bool {
	data, err := serializeMessage(msg)
	if err != nil {
		c.logger().Error("failed to serialize message", zap.Error(err))
		return true
	}
	return c.sendMessage(websocket.TextMessage, data)
}

func (c *Client) Read() {
	defer func() {
		c.cleanup()
		c.logger().Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cs.opts.AuthTimeout))
	c.conn.SetPongHandler(func(string) error {
		if c.getSession() != nil {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	if c.token != "" && !c.authenticate(0, c.token) {
		return
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if c.getSession() == nil && errors.As(err, &netErr) && netErr.Timeout() {
				c.queueMessage(ErrorMessage(0, CodeUnauthorized, "authentication timed out"))
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.logger().Warn("ws: read", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger().Debug("error parsing message", zap.Error(err))
			c.queueMessage(ErrInvalidMessage(0))
			continue
		}

		if !c.dispatch(&msg) {
			return
		}
	}
}

// dispatch handles one inbound event. It returns false when the connection
// must be closed.
func (c *Client) dispatch(msg *ClientMessage) bool {
	ctx := context.Background()

	sess := c.getSession()
	if sess == nil {
		if msg.Authenticate == nil {
			c.queueMessage(ErrUnauthorized(msg.Id))
			return false
		}
		return c.authenticate(msg.Id, msg.Authenticate.Token)
	}

	allowed, err := c.cs.limiter.Allow(ctx, sess.Id)
	if err != nil {
		c.logger().Warn("rate limiter unavailable", zap.Error(err))
	} else if !allowed {
		c.queueMessage(ErrRateLimited(msg.Id))
		return true
	}

	switch {
	case msg.Authenticate != nil:
		c.queueMessage(authenticatedMessage(msg.Id, sess))
	case msg.JoinRoom != nil:
		c.joinRoom(ctx, sess, msg.Id, msg.JoinRoom)
	case msg.LeaveRoom != nil:
		c.leaveRoom(ctx, sess, msg.Id)
	case msg.SendMessage != nil:
		c.sendChatMessage(sess, msg.Id, msg.SendMessage)
	case msg.DeleteMessage != nil:
		c.deleteChatMessage(sess, msg.Id, msg.DeleteMessage)
	case msg.Typing != nil:
		if room := sess.Room(); room != "" {
			c.cs.enqueue(room, roomEvent{typing: &typingEvent{client: c, isTyping: msg.Typing.IsTyping}})
		}
	default:
		kind, req := msg.signal()
		if req == nil {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return true
		}
		n, err := c.cs.relay.Relay(ctx, sess.Id, req.ToUserId, kind, req.Payload)
		if err != nil {
			c.logger().Debug("signal dropped", zap.String("kind", string(kind)), zap.Int64("to_user_id", req.ToUserId), zap.Error(err))
			return true
		}
		if n > 0 {
			c.cs.stats.Incr("NumSignals")
		}
	}

	return true
}

func (c *Client) authenticate(id int, token string) bool {
	sess, err := c.cs.sessions.Authenticate(context.Background(), token)
	if err != nil {
		c.logger().Debug("authentication failed", zap.Error(err))
		c.queueMessage(errorFor(id, err))
		return false
	}

	c.setSession(sess)
	c.cs.registerSession(c, sess.Id)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.logger().Info("client authenticated")

	c.queueMessage(authenticatedMessage(id, sess))
	return true
}

func (c *Client) joinRoom(ctx context.Context, sess *session.Session, id int, join *JoinRoom) {
	res, err := c.cs.registry.Join(ctx, sess.Id, join.RoomName, join.Password)
	if err != nil {
		c.queueMessage(errorFor(id, err))
		return
	}

	if res.Left != "" {
		c.cs.enqueue(res.Left, roomEvent{leave: &leaveEvent{client: c, user: sess.User}})
	}

	c.cs.enqueue(res.View.Room.Name, roomEvent{join: &joinEvent{client: c, msgId: id}})
}

func (c *Client) leaveRoom(ctx context.Context, sess *session.Session, id int) {
	left, err := c.cs.registry.Leave(ctx, sess.Id)
	if err != nil {
		c.queueMessage(errorFor(id, err))
		return
	}
	if left == "" {
		c.queueMessage(ErrNotAMember(id))
		return
	}

	c.cs.enqueue(left, roomEvent{leave: &leaveEvent{client: c, user: sess.User, ack: true, msgId: id}})
}

func (c *Client) sendChatMessage(sess *session.Session, id int, send *SendMessage) {
	if strings.TrimSpace(send.Content) == "" {
		c.queueMessage(ErrEmptyContent(id))
		return
	}
	if sess.Room() == "" || sess.Room() != send.RoomName {
		c.queueMessage(ErrNotAMember(id))
		return
	}

	c.cs.enqueue(send.RoomName, roomEvent{publish: &publishEvent{
		client:  c,
		msgId:   id,
		content: send.Content,
		msgType: send.Type,
	}})
}

func (c *Client) deleteChatMessage(sess *session.Session, id int, del *DeleteMessage) {
	if sess.Room() == "" || sess.Room() != del.RoomName {
		c.queueMessage(ErrNotAMember(id))
		return
	}

	c.cs.enqueue(del.RoomName, roomEvent{delete: &deleteEvent{client: c, msgId: id, seqId: del.SeqId}})
}

// queueMessage hands msg to the writer. A client that cannot keep up is
// disconnected rather than left with gaps in what it receives.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.logger().Warn("send channel is full, closing connection")
		c.stopClient()
		return false
	}

	return true
}

// serializeMessage encodes msg without escaping HTML characters so relayed
// payloads keep their content as sent.
func serializeMessage(msg *ServerMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.logger().Warn("write message", zap.Error(err))
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup releases the session and its room membership once the
// connection is gone.
func (c *Client) cleanup() {
	ctx := context.Background()

	if sess := c.getSession(); sess != nil {
		left, err := c.cs.sessions.Terminate(ctx, sess.Id)
		if err != nil {
			c.logger().Error("terminate session", zap.Error(err))
		}
		if left != "" {
			c.cs.enqueue(left, roomEvent{leave: &leaveEvent{client: c, user: sess.User}})
		}
		c.cs.limiter.Forget(ctx, sess.Id)
	}

	c.cs.removeClient(c)
	c.stopClient()
}
