package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/npezzotti/roomchat/internal/messagelog"
	"github.com/npezzotti/roomchat/internal/types"
	"go.uber.org/zap"
)

const historyOnJoin = 50

type joinEvent struct {
	client *Client
	msgId  int
}

type leaveEvent struct {
	client *Client
	user   types.User
	// ack is set when the client asked to leave and expects a reply
	ack   bool
	msgId int
}

type publishEvent struct {
	client  *Client
	msgId   int
	content string
	msgType types.MessageType
}

type deleteEvent struct {
	client *Client
	msgId  int
	seqId  int64
}

type typingEvent struct {
	client   *Client
	isTyping bool
}

// roomEvent carries exactly one event. A single channel keeps every member
// change and message of a room in arrival order.
type roomEvent struct {
	join    *joinEvent
	leave   *leaveEvent
	publish *publishEvent
	delete  *deleteEvent
	typing  *typingEvent
}

type exitReq struct {
	force bool
	reply chan bool
}

// Room is the single writer for one active room. All fan-out for the room
// happens on its goroutine.
type Room struct {
	name        string
	cs          *ChatServer
	log         *zap.Logger
	events      chan roomEvent
	pending     atomic.Int64
	members     map[string]*Client
	idleTimeout time.Duration
	// killTimer unloads the room once it has been empty for idleTimeout
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func newRoom(name string, cs *ChatServer) *Room {
	return &Room{
		name:        name,
		cs:          cs,
		log:         cs.log.With(zap.String("room", name)),
		events:      make(chan roomEvent, 256),
		members:     make(map[string]*Client),
		idleTimeout: cs.opts.RoomIdleTimeout,
		exit:        make(chan exitReq),
		done:        make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Debug("starting room")
	r.killTimer = time.NewTimer(r.idleTimeout)
	r.killTimer.Stop()
	defer close(r.done)

	ctx := context.Background()
	for {
		select {
		case ev := <-r.events:
			r.handle(ctx, ev)
			r.pending.Add(-1)
			if len(r.members) == 0 {
				r.killTimer.Reset(r.idleTimeout)
			} else {
				r.killTimer.Stop()
			}
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			if !e.force && (len(r.members) > 0 || r.pending.Load() > 0) {
				e.reply <- false
				continue
			}
			r.handleRoomExit()
			e.reply <- true
			return
		}
	}
}

func (r *Room) handle(ctx context.Context, ev roomEvent) {
	switch {
	case ev.join != nil:
		r.handleJoin(ctx, ev.join)
	case ev.leave != nil:
		r.handleLeave(ctx, ev.leave)
	case ev.publish != nil:
		r.handlePublish(ctx, ev.publish)
	case ev.delete != nil:
		r.handleDelete(ctx, ev.delete)
	case ev.typing != nil:
		r.handleTyping(ev.typing)
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Debug("room timed out")
	select {
	case r.cs.unloadRoomChan <- r.name:
	default:
		r.killTimer.Reset(r.idleTimeout)
	}
}

func (r *Room) handleRoomExit() {
	r.log.Debug("room is exiting", zap.Int("members", len(r.members)))
	r.killTimer.Stop()
	clear(r.members)
}

// userPresent reports whether another session of the user is a member.
func (r *Room) userPresent(userId int64, except string) bool {
	for id, c := range r.members {
		if id != except && c.userId() == userId {
			return true
		}
	}
	return false
}

func (r *Room) handleJoin(ctx context.Context, join *joinEvent) {
	c := join.client
	sess := c.getSession()
	if sess == nil || sess.Room() != r.name {
		// left again before the join was processed
		return
	}

	_, already := r.members[sess.Id]
	newUser := !already && !r.userPresent(sess.User.Id, sess.Id)
	r.members[sess.Id] = c

	view, err := r.cs.registry.View(ctx, r.name)
	if err != nil {
		r.log.Error("room view", zap.Error(err))
		c.queueMessage(ErrInternalError(join.msgId))
		return
	}

	history, err := r.cs.messages.History(ctx, r.name, time.Time{}, historyOnJoin)
	if err != nil {
		r.log.Error("room history", zap.Error(err))
		history = []types.Message{}
	}

	c.queueMessage(&ServerMessage{
		Id:        join.msgId,
		Timestamp: Now(),
		RoomJoined: &RoomJoined{
			Room:    view.Room,
			Members: view.Members,
			History: history,
		},
	})

	if !newUser {
		return
	}

	r.broadcast(&ServerMessage{
		Timestamp: Now(),
		UserJoined: &UserPresence{
			RoomName: r.name,
			User:     sess.User.Summary(),
		},
	}, sess.Id)

	r.appendNotice(ctx, sess.User, fmt.Sprintf("%s joined the room", displayName(sess.User)))
}

func (r *Room) handleLeave(ctx context.Context, leave *leaveEvent) {
	c := leave.client
	sessId := c.sessionId()
	_, member := r.members[sessId]
	if member {
		delete(r.members, sessId)
		r.log.Debug("removed client", zap.String("session_id", sessId), zap.Int("members", len(r.members)))
	}

	if leave.ack {
		c.queueMessage(&ServerMessage{
			Id:        leave.msgId,
			Timestamp: Now(),
			RoomLeft:  &RoomLeft{RoomName: r.name},
		})
	}

	if !member || r.userPresent(leave.user.Id, sessId) {
		return
	}

	r.broadcast(&ServerMessage{
		Timestamp: Now(),
		UserLeft: &UserPresence{
			RoomName: r.name,
			User:     leave.user.Summary(),
		},
	}, "")

	r.appendNotice(ctx, leave.user, fmt.Sprintf("%s left the room", displayName(leave.user)))
}

func (r *Room) handlePublish(ctx context.Context, pub *publishEvent) {
	c := pub.client
	sess := c.getSession()
	if sess == nil {
		return
	}

	msg, err := r.cs.messages.Append(ctx, r.name, sess.Id, pub.content, pub.msgType)
	if err != nil {
		resp := errorFor(pub.msgId, err)
		if resp.Error.Code == CodeInternalError {
			r.log.Error("append message", zap.String("session_id", sess.Id), zap.Error(err))
		}
		c.queueMessage(resp)
		return
	}

	r.cs.stats.Incr("NumMessages")

	// the sender receives its own message like every other member
	r.broadcast(newMessageEvent(msg, sess.User.Summary()), "")
}

func (r *Room) handleDelete(ctx context.Context, del *deleteEvent) {
	c := del.client
	sess := c.getSession()
	if sess == nil {
		return
	}

	if err := r.cs.messages.Delete(ctx, r.name, del.seqId, sess.Id); err != nil {
		resp := errorFor(del.msgId, err)
		if resp.Error.Code == CodeInternalError {
			r.log.Error("delete message", zap.Int64("seq_id", del.seqId), zap.Error(err))
		}
		c.queueMessage(resp)
		return
	}

	r.broadcast(messageDeletedEvent(r.name, del.seqId, sess.User.Summary()), "")
}

func (r *Room) handleTyping(typing *typingEvent) {
	sess := typing.client.getSession()
	if sess == nil {
		return
	}
	if _, ok := r.members[sess.Id]; !ok {
		return
	}

	r.broadcast(&ServerMessage{
		Timestamp: Now(),
		UserTyping: &UserTyping{
			RoomName: r.name,
			Username: sess.User.Username,
			IsTyping: typing.isTyping,
		},
	}, sess.Id)
}

// appendNotice records a system message and fans it out like any other.
func (r *Room) appendNotice(ctx context.Context, subject types.User, content string) {
	msg, err := r.cs.messages.AppendSystem(ctx, r.name, subject, content)
	if err != nil {
		if !errors.Is(err, messagelog.ErrRoomNotFound) {
			r.log.Error("append system message", zap.Error(err))
		}
		return
	}

	r.broadcast(newMessageEvent(msg, subject.Summary()), "")
}

// broadcast queues msg to every member except the session skip.
func (r *Room) broadcast(msg *ServerMessage, skip string) {
	for id, c := range r.members {
		if id == skip {
			continue
		}
		c.queueMessage(msg)
	}
}

func displayName(u types.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// requestExit asks the room goroutine to stop. Unless force is set the room
// refuses while it has members or queued events.
func (r *Room) requestExit(force bool) bool {
	reply := make(chan bool, 1)
	select {
	case r.exit <- exitReq{force: force, reply: reply}:
	case <-r.done:
		return true
	}
	return <-reply
}
