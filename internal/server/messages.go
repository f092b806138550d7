package server

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/npezzotti/roomchat/internal/messagelog"
	"github.com/npezzotti/roomchat/internal/registry"
	"github.com/npezzotti/roomchat/internal/session"
	"github.com/npezzotti/roomchat/internal/signaling"
	"github.com/npezzotti/roomchat/internal/types"
)

// ClientMessage is the inbound envelope. Exactly one event field is set.
type ClientMessage struct {
	Id                 int            `json:"id,omitempty"`
	Authenticate       *Authenticate  `json:"authenticate,omitempty"`
	JoinRoom           *JoinRoom      `json:"join_room,omitempty"`
	LeaveRoom          *LeaveRoom     `json:"leave_room,omitempty"`
	SendMessage        *SendMessage   `json:"send_message,omitempty"`
	DeleteMessage      *DeleteMessage `json:"delete_message,omitempty"`
	Typing             *Typing        `json:"typing,omitempty"`
	WebRTCOffer        *SignalRequest `json:"webrtc_offer,omitempty"`
	WebRTCAnswer       *SignalRequest `json:"webrtc_answer,omitempty"`
	WebRTCIceCandidate *SignalRequest `json:"webrtc_ice_candidate,omitempty"`
}

type Authenticate struct {
	Token string `json:"token"`
}

type JoinRoom struct {
	RoomName string `json:"room_name"`
	Password string `json:"password,omitempty"`
}

type LeaveRoom struct{}

type SendMessage struct {
	RoomName string            `json:"room_name"`
	Content  string            `json:"content"`
	Type     types.MessageType `json:"type,omitempty"`
}

type DeleteMessage struct {
	RoomName string `json:"room_name"`
	SeqId    int64  `json:"seq_id"`
}

type Typing struct {
	IsTyping bool `json:"is_typing"`
}

type SignalRequest struct {
	ToUserId int64           `json:"to_user_id"`
	Payload  json.RawMessage `json:"payload"`
}

// signal returns the signaling request of the envelope and its kind.
func (m *ClientMessage) signal() (signaling.Kind, *SignalRequest) {
	switch {
	case m.WebRTCOffer != nil:
		return signaling.KindOffer, m.WebRTCOffer
	case m.WebRTCAnswer != nil:
		return signaling.KindAnswer, m.WebRTCAnswer
	case m.WebRTCIceCandidate != nil:
		return signaling.KindICECandidate, m.WebRTCIceCandidate
	}
	return "", nil
}

// ServerMessage is the outbound envelope. Id echoes the id of the client
// message it answers.
type ServerMessage struct {
	Id                 int             `json:"id,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
	Authenticated      *Authenticated  `json:"authenticated,omitempty"`
	RoomJoined         *RoomJoined     `json:"room_joined,omitempty"`
	RoomLeft           *RoomLeft       `json:"room_left,omitempty"`
	UserJoined         *UserPresence   `json:"user_joined,omitempty"`
	UserLeft           *UserPresence   `json:"user_left,omitempty"`
	NewMessage         *NewMessage     `json:"new_message,omitempty"`
	MessageDeleted     *MessageDeleted `json:"message_deleted,omitempty"`
	UserTyping         *UserTyping     `json:"user_typing,omitempty"`
	WebRTCOffer        *SignalEvent    `json:"webrtc_offer,omitempty"`
	WebRTCAnswer       *SignalEvent    `json:"webrtc_answer,omitempty"`
	WebRTCIceCandidate *SignalEvent    `json:"webrtc_ice_candidate,omitempty"`
	Error              *Error          `json:"error,omitempty"`
}

type Authenticated struct {
	SessionId string            `json:"session_id"`
	User      types.UserSummary `json:"user"`
}

type RoomJoined struct {
	Room    types.Room          `json:"room"`
	Members []types.UserSummary `json:"members"`
	History []types.Message     `json:"history"`
}

type RoomLeft struct {
	RoomName string `json:"room_name"`
}

type UserPresence struct {
	RoomName string            `json:"room_name"`
	User     types.UserSummary `json:"user"`
}

type NewMessage struct {
	Message types.Message     `json:"message"`
	User    types.UserSummary `json:"user"`
}

type MessageDeleted struct {
	RoomName  string            `json:"room_name"`
	SeqId     int64             `json:"seq_id"`
	DeletedBy types.UserSummary `json:"deleted_by"`
}

type UserTyping struct {
	RoomName string `json:"room_name"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

// SignalEvent carries the sender's payload as the same JSON value it sent.
// Insignificant whitespace is not preserved.
type SignalEvent struct {
	FromUser types.UserSummary `json:"from_user"`
	Payload  json.RawMessage   `json:"payload"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	CodeUnauthorized    = "unauthorized"
	CodeNotFound        = "not_found"
	CodeDuplicateName   = "duplicate_name"
	CodeInvalidCapacity = "invalid_capacity"
	CodeWrongPassword   = "wrong_password"
	CodeRoomFull        = "room_full"
	CodeNotAMember      = "not_a_member"
	CodeForbidden       = "forbidden"
	CodeEmptyContent    = "empty_content"
	CodeRateLimited     = "rate_limited"
	CodeInvalidMessage  = "invalid_message"
	CodeInternalError   = "internal_error"
)

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

func ErrorMessage(id int, code, message string) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Timestamp: Now(),
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

func ErrUnauthorized(id int) *ServerMessage {
	return ErrorMessage(id, CodeUnauthorized, "authentication required")
}

func ErrInvalidMessage(id int) *ServerMessage {
	return ErrorMessage(id, CodeInvalidMessage, "invalid message format")
}

func ErrInternalError(id int) *ServerMessage {
	return ErrorMessage(id, CodeInternalError, "internal server error")
}

func ErrRateLimited(id int) *ServerMessage {
	return ErrorMessage(id, CodeRateLimited, "too many events, slow down")
}

func ErrNotAMember(id int) *ServerMessage {
	return ErrorMessage(id, CodeNotAMember, "not a member of the room")
}

func ErrEmptyContent(id int) *ServerMessage {
	return ErrorMessage(id, CodeEmptyContent, "message content is empty")
}

// errorFor maps a component error to the error event sent to the caller.
func errorFor(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, session.ErrUnauthorized):
		return ErrUnauthorized(id)
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, messagelog.ErrRoomNotFound):
		return ErrorMessage(id, CodeNotFound, "room not found")
	case errors.Is(err, registry.ErrWrongPassword):
		return ErrorMessage(id, CodeWrongPassword, "wrong room password")
	case errors.Is(err, registry.ErrRoomFull):
		return ErrorMessage(id, CodeRoomFull, "room is full")
	case errors.Is(err, registry.ErrDuplicateName):
		return ErrorMessage(id, CodeDuplicateName, "room name already taken")
	case errors.Is(err, registry.ErrInvalidCapacity):
		return ErrorMessage(id, CodeInvalidCapacity, "invalid room capacity")
	case errors.Is(err, messagelog.ErrNotAMember):
		return ErrNotAMember(id)
	case errors.Is(err, messagelog.ErrEmptyContent):
		return ErrEmptyContent(id)
	case errors.Is(err, messagelog.ErrNotFound):
		return ErrorMessage(id, CodeNotFound, "message not found")
	case errors.Is(err, messagelog.ErrForbidden):
		return ErrorMessage(id, CodeForbidden, "not allowed to delete this message")
	case errors.Is(err, messagelog.ErrInvalidType):
		return ErrorMessage(id, CodeInvalidMessage, "invalid message type")
	}
	return ErrInternalError(id)
}

func authenticatedMessage(id int, sess *session.Session) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Timestamp: Now(),
		Authenticated: &Authenticated{
			SessionId: sess.Id,
			User:      sess.User.Summary(),
		},
	}
}

func newMessageEvent(msg types.Message, author types.UserSummary) *ServerMessage {
	return &ServerMessage{
		Timestamp: msg.Timestamp,
		NewMessage: &NewMessage{
			Message: msg,
			User:    author,
		},
	}
}

func messageDeletedEvent(roomName string, seqId int64, by types.UserSummary) *ServerMessage {
	return &ServerMessage{
		Timestamp: Now(),
		MessageDeleted: &MessageDeleted{
			RoomName:  roomName,
			SeqId:     seqId,
			DeletedBy: by,
		},
	}
}

func signalMessage(sig signaling.Signal) *ServerMessage {
	ev := &SignalEvent{FromUser: sig.From, Payload: sig.Payload}
	msg := &ServerMessage{Timestamp: Now()}
	switch sig.Kind {
	case signaling.KindOffer:
		msg.WebRTCOffer = ev
	case signaling.KindAnswer:
		msg.WebRTCAnswer = ev
	case signaling.KindICECandidate:
		msg.WebRTCIceCandidate = ev
	}
	return msg
}
