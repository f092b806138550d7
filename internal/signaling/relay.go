package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/npezzotti/roomchat/internal/session"
	"github.com/npezzotti/roomchat/internal/types"
	"go.uber.org/zap"
)

type Kind string

const (
	KindOffer        Kind = "webrtc_offer"
	KindAnswer       Kind = "webrtc_answer"
	KindICECandidate Kind = "webrtc_ice_candidate"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate:
		return true
	}
	return false
}

var (
	ErrNotInSameRoom = errors.New("peer is not in the same room")
	ErrInvalidKind   = errors.New("invalid signal kind")
)

// Signal is delivered unchanged to every session of the target user in the
// sender's room.
type Signal struct {
	Kind    Kind
	Room    string
	From    types.UserSummary
	Payload json.RawMessage
}

type Sessions interface {
	Lookup(id string) (*session.Session, error)
}

type Members interface {
	SessionsInRoom(roomName string, userId int64) []*session.Session
}

type Deliverer interface {
	Deliver(sessionId string, sig Signal) bool
}

type Relay struct {
	log       *zap.Logger
	sessions  Sessions
	members   Members
	deliverer Deliverer
}

func NewRelay(logger *zap.Logger, sessions Sessions, members Members, deliverer Deliverer) *Relay {
	return &Relay{
		log:       logger.Named("signaling"),
		sessions:  sessions,
		members:   members,
		deliverer: deliverer,
	}
}

// SetDeliverer replaces the deliverer. It must be called before Relay is used.
func (r *Relay) SetDeliverer(d Deliverer) {
	r.deliverer = d
}

// Relay forwards payload from the sender to the target user's sessions in
// the sender's room. It returns the number of sessions the signal was
// handed to.
func (r *Relay) Relay(ctx context.Context, fromSessionId string, toUserId int64, kind Kind, payload json.RawMessage) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	from, err := r.sessions.Lookup(fromSessionId)
	if err != nil {
		return 0, err
	}

	room := from.Room()
	if room == "" {
		return 0, ErrNotInSameRoom
	}

	targets := r.members.SessionsInRoom(room, toUserId)
	if len(targets) == 0 {
		return 0, ErrNotInSameRoom
	}

	sig := Signal{
		Kind:    kind,
		Room:    room,
		From:    from.User.Summary(),
		Payload: payload,
	}

	delivered := 0
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if target.Id == from.Id {
			continue
		}
		if r.deliverer.Deliver(target.Id, sig) {
			delivered++
		}
	}

	r.log.Debug("signal relayed",
		zap.String("kind", string(kind)),
		zap.String("room", room),
		zap.String("from_session_id", from.Id),
		zap.Int64("to_user_id", toUserId),
		zap.Int("delivered", delivered),
	)

	return delivered, nil
}
