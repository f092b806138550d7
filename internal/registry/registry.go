package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/roomchat/internal/database"
	"github.com/npezzotti/roomchat/internal/session"
	"github.com/npezzotti/roomchat/internal/types"
	"go.uber.org/zap"
)

var (
	ErrNotFound        = errors.New("room not found")
	ErrWrongPassword   = errors.New("wrong room password")
	ErrRoomFull        = errors.New("room is full")
	ErrDuplicateName   = errors.New("room name already taken")
	ErrInvalidCapacity = errors.New("invalid room capacity")
	ErrInvalidName     = errors.New("invalid room name")
)

type Store interface {
	CreateRoom(ctx context.Context, params database.CreateRoomParams) (types.Room, error)
	GetRoomByName(ctx context.Context, name string) (types.Room, error)
	ListRooms(ctx context.Context, publicOnly bool) ([]types.Room, error)
	UpdateRoomOccupancy(ctx context.Context, occ database.RoomOccupancy) error
	SetUserCurrentRoom(ctx context.Context, userId int64, roomId *int64) error
	IncrementUserStats(ctx context.Context, userId int64, delta database.UserStatsDelta) error
}

type Sessions interface {
	Lookup(id string) (*session.Session, error)
	SessionsForUser(userId int64) []*session.Session
}

type SecretMatcher interface {
	Hash(secret string) (string, error)
	Match(hash, secret string) bool
}

type Observer interface {
	MemberJoined(roomName string, s *session.Session)
	MemberLeft(roomName string, s *session.Session)
}

type CreateParams struct {
	Name        string
	DisplayName string
	Description string
	Topic       string
	Password    string
	MaxUsers    int
	IsPublic    bool
	Tags        []string
	Settings    *types.RoomSettings
}

type Filter struct {
	PublicOnly bool
}

// View is a room's metadata together with its admitted members, one entry
// per distinct user ordered by username.
type View struct {
	Room    types.Room          `json:"room"`
	Members []types.UserSummary `json:"members"`
}

type JoinResult struct {
	View View
	// Left is the room the session was in before the join, if any.
	Left string
	// Rejoined is set when the session was already a member of the room.
	Rejoined bool
}

type roomState struct {
	mu      sync.Mutex
	room    types.Room
	members map[int64]map[string]*session.Session
	// since is when each member user was first admitted
	since map[int64]time.Time
}

func (st *roomState) view() View {
	members := make([]types.UserSummary, 0, len(st.members))
	for _, sessions := range st.members {
		for _, s := range sessions {
			members = append(members, s.User.Summary())
			break
		}
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].Username < members[j].Username
	})

	room := st.room
	room.Tags = append([]string(nil), st.room.Tags...)
	room.CurrentUsers = len(st.members)
	return View{Room: room, Members: members}
}

func (st *roomState) has(s *session.Session) bool {
	_, ok := st.members[s.User.Id][s.Id]
	return ok
}

// add admits the session and reports whether its user was not yet a member.
func (st *roomState) add(s *session.Session, at time.Time) bool {
	sessions, ok := st.members[s.User.Id]
	if !ok {
		sessions = make(map[string]*session.Session)
		st.members[s.User.Id] = sessions
		st.since[s.User.Id] = at
	}
	sessions[s.Id] = s
	return !ok
}

// remove drops the session and reports whether it was its user's last one,
// along with how long that user was in the room.
func (st *roomState) remove(s *session.Session, at time.Time) (bool, time.Duration) {
	sessions, ok := st.members[s.User.Id]
	if !ok {
		return false, 0
	}
	delete(sessions, s.Id)
	if len(sessions) > 0 {
		return false, 0
	}

	delete(st.members, s.User.Id)
	spent := at.Sub(st.since[s.User.Id])
	delete(st.since, s.User.Id)
	return true, spent
}

type Registry struct {
	log         *zap.Logger
	store       Store
	sessions    Sessions
	secrets     SecretMatcher
	maxCapacity int

	mu        sync.Mutex
	states    map[string]*roomState
	observers []Observer
}

func New(logger *zap.Logger, store Store, sessions Sessions, secrets SecretMatcher, maxCapacity int) *Registry {
	return &Registry{
		log:         logger.Named("registry"),
		store:       store,
		sessions:    sessions,
		secrets:     secrets,
		maxCapacity: maxCapacity,
		states:      make(map[string]*roomState),
	}
}

func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Registry) getObservers() []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observers
}

func (r *Registry) existingState(name string) *roomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[name]
}

// state returns the in-memory state of the named room, loading its metadata
// from the store on first use. Rooms are never hard deleted so a loaded
// state stays valid for the lifetime of the registry.
func (r *Registry) state(ctx context.Context, name string) (*roomState, error) {
	if st := r.existingState(name); st != nil {
		return st, nil
	}

	room, err := r.store.GetRoomByName(ctx, name)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get room %q: %w", name, err)
	}

	return r.register(room), nil
}

func (r *Registry) register(room types.Room) *roomState {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[room.Name]
	if !ok {
		room.CurrentUsers = 0
		st = &roomState{
			room:    room,
			members: make(map[int64]map[string]*session.Session),
			since:   make(map[int64]time.Time),
		}
		r.states[room.Name] = st
	}
	return st
}

// lockPair locks both rooms in name order and returns the unlock function.
// b may be nil.
func lockPair(a, b *roomState) func() {
	if b == nil || a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}

	first, second := a, b
	if b.room.Name < a.room.Name {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

func (r *Registry) Create(ctx context.Context, ownerSessionId string, params CreateParams) (types.Room, error) {
	owner, err := r.sessions.Lookup(ownerSessionId)
	if err != nil {
		return types.Room{}, err
	}
	return r.CreateFor(ctx, owner.User, params)
}

// CreateFor creates a room owned by a user that holds no realtime session,
// such as a caller of the HTTP API.
func (r *Registry) CreateFor(ctx context.Context, owner types.User, params CreateParams) (types.Room, error) {
	var err error
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return types.Room{}, ErrInvalidName
	}

	if params.MaxUsers < 1 || (r.maxCapacity > 0 && params.MaxUsers > r.maxCapacity) {
		return types.Room{}, fmt.Errorf("%w: %d", ErrInvalidCapacity, params.MaxUsers)
	}

	var hash string
	if params.Password != "" {
		hash, err = r.secrets.Hash(params.Password)
		if err != nil {
			return types.Room{}, fmt.Errorf("hash room password: %w", err)
		}
	}

	displayName := params.DisplayName
	if displayName == "" {
		displayName = name
	}

	settings := types.DefaultRoomSettings()
	if params.Settings != nil {
		settings = *params.Settings
	}

	room, err := r.store.CreateRoom(ctx, database.CreateRoomParams{
		Name:         name,
		DisplayName:  displayName,
		Description:  params.Description,
		Topic:        params.Topic,
		OwnerId:      owner.Id,
		PasswordHash: hash,
		MaxUsers:     params.MaxUsers,
		IsPublic:     params.IsPublic,
		Tags:         params.Tags,
		Settings:     settings,
	})
	if err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return types.Room{}, ErrDuplicateName
		}
		return types.Room{}, fmt.Errorf("create room: %w", err)
	}

	r.register(room)
	r.log.Info("room created",
		zap.String("room", room.Name),
		zap.Int64("owner_id", owner.Id),
		zap.Int("max_users", room.MaxUsers),
	)

	return room, nil
}

// Join admits the session to the named room. A session already in another
// room is moved atomically: if admission fails it stays where it was.
func (r *Registry) Join(ctx context.Context, sessionId, name, password string) (JoinResult, error) {
	sess, err := r.sessions.Lookup(sessionId)
	if err != nil {
		return JoinResult{}, err
	}

	target, err := r.state(ctx, name)
	if err != nil {
		return JoinResult{}, err
	}

	for {
		prevName := sess.Room()
		var prev *roomState
		if prevName != "" && prevName != name {
			prev = r.existingState(prevName)
		}

		unlock := lockPair(target, prev)
		if sess.Room() != prevName {
			// moved by a concurrent call between the read and the locks
			unlock()
			continue
		}

		res, err := r.admit(ctx, sess, target, prev, password)
		unlock()
		if err != nil {
			return JoinResult{}, err
		}

		if !res.Rejoined {
			for _, o := range r.getObservers() {
				if res.Left != "" {
					o.MemberLeft(res.Left, sess)
				}
				o.MemberJoined(name, sess)
			}
		}

		return res, nil
	}
}

// admit runs with target and prev locked.
func (r *Registry) admit(ctx context.Context, sess *session.Session, target, prev *roomState, password string) (JoinResult, error) {
	if target.has(sess) {
		return JoinResult{View: target.view(), Rejoined: true}, nil
	}

	room := target.room
	if !room.IsActive {
		return JoinResult{}, ErrNotFound
	}

	if room.PasswordHash != "" && !r.secrets.Match(room.PasswordHash, password) {
		return JoinResult{}, ErrWrongPassword
	}

	if _, admitted := target.members[sess.User.Id]; !admitted && len(target.members) >= room.MaxUsers {
		return JoinResult{}, ErrRoomFull
	}

	now := time.Now().UTC()
	dctx := context.WithoutCancel(ctx)

	var res JoinResult
	if prev != nil && prev.has(sess) {
		lastOfUser, spent := prev.remove(sess, now)
		if lastOfUser {
			r.recordStats(dctx, sess.User.Id, database.UserStatsDelta{TimeSpent: int(spent.Seconds())})
		}
		res.Left = prev.room.Name
		prev.room.LastActivity = now
		r.persistOccupancy(dctx, prev, false, now)
		r.log.Debug("member left",
			zap.String("room", prev.room.Name),
			zap.String("session_id", sess.Id),
			zap.Bool("last_of_user", lastOfUser),
		)
	}

	newUser := target.add(sess, now)
	if newUser {
		r.recordStats(dctx, sess.User.Id, database.UserStatsDelta{RoomsJoined: 1})
	}
	sess.SetRoom(room.Name)
	target.room.LastActivity = now
	r.persistOccupancy(dctx, target, newUser, now)

	roomId := room.Id
	if err := r.store.SetUserCurrentRoom(dctx, sess.User.Id, &roomId); err != nil {
		r.log.Error("set user current room", zap.Int64("user_id", sess.User.Id), zap.Error(err))
	}

	r.log.Debug("member joined",
		zap.String("room", room.Name),
		zap.String("session_id", sess.Id),
		zap.Int64("user_id", sess.User.Id),
		zap.Int("current_users", len(target.members)),
	)

	res.View = target.view()
	return res, nil
}

func (r *Registry) persistOccupancy(ctx context.Context, st *roomState, joined bool, at time.Time) {
	err := r.store.UpdateRoomOccupancy(ctx, database.RoomOccupancy{
		RoomId:       st.room.Id,
		CurrentUsers: len(st.members),
		Joined:       joined,
		At:           at,
	})
	if err != nil {
		r.log.Error("update room occupancy", zap.String("room", st.room.Name), zap.Error(err))
	}
}

// recordStats adds delta to the user's durable statistics. TimeSpent is in
// seconds.
func (r *Registry) recordStats(ctx context.Context, userId int64, delta database.UserStatsDelta) {
	if err := r.store.IncrementUserStats(ctx, userId, delta); err != nil {
		r.log.Error("increment user stats", zap.Int64("user_id", userId), zap.Error(err))
	}
}

// Leave removes the session from its current room and returns that room's
// name. It is a no-op for a session that is in no room.
func (r *Registry) Leave(ctx context.Context, sessionId string) (string, error) {
	sess, err := r.sessions.Lookup(sessionId)
	if err != nil {
		return "", err
	}

	for {
		name := sess.Room()
		if name == "" {
			return "", nil
		}

		st := r.existingState(name)
		if st == nil {
			sess.SetRoom("")
			return "", nil
		}

		st.mu.Lock()
		if sess.Room() != name {
			st.mu.Unlock()
			continue
		}

		now := time.Now().UTC()
		dctx := context.WithoutCancel(ctx)
		if lastOfUser, spent := st.remove(sess, now); lastOfUser {
			r.recordStats(dctx, sess.User.Id, database.UserStatsDelta{TimeSpent: int(spent.Seconds())})
		}
		sess.SetRoom("")
		st.room.LastActivity = now
		r.persistOccupancy(dctx, st, false, now)
		r.syncCurrentRoom(dctx, sess)
		st.mu.Unlock()

		for _, o := range r.getObservers() {
			o.MemberLeft(name, sess)
		}

		r.log.Debug("member left", zap.String("room", name), zap.String("session_id", sess.Id))
		return name, nil
	}
}

// syncCurrentRoom points the user's durable current room at a room another
// of their sessions is still in, or clears it.
func (r *Registry) syncCurrentRoom(ctx context.Context, left *session.Session) {
	var roomId *int64
	for _, other := range r.sessions.SessionsForUser(left.User.Id) {
		if other.Id == left.Id {
			continue
		}
		name := other.Room()
		if name == "" {
			continue
		}
		if st := r.existingState(name); st != nil {
			id := st.room.Id
			roomId = &id
			break
		}
	}

	if err := r.store.SetUserCurrentRoom(ctx, left.User.Id, roomId); err != nil {
		r.log.Error("set user current room", zap.Int64("user_id", left.User.Id), zap.Error(err))
	}
}

// List returns the active rooms ordered by current users then last
// activity, both descending.
func (r *Registry) List(ctx context.Context, filter Filter) ([]types.RoomSummary, error) {
	rooms, err := r.store.ListRooms(ctx, filter.PublicOnly)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	summaries := make([]types.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		summaries = append(summaries, room.Summary())
	}
	return summaries, nil
}

func (r *Registry) Room(ctx context.Context, name string) (types.Room, error) {
	v, err := r.View(ctx, name)
	if err != nil {
		return types.Room{}, err
	}
	return v.Room, nil
}

func (r *Registry) View(ctx context.Context, name string) (View, error) {
	st, err := r.state(ctx, name)
	if err != nil {
		return View{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.view(), nil
}

// SessionsInRoom returns the sessions of a user admitted to the named room.
func (r *Registry) SessionsInRoom(name string, userId int64) []*session.Session {
	st := r.existingState(name)
	if st == nil {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	sessions := make([]*session.Session, 0, len(st.members[userId]))
	for _, s := range st.members[userId] {
		sessions = append(sessions, s)
	}
	return sessions
}
