package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/roomchat/internal/types"
)

const (
	userColumns = "id, username, email, password_hash, display_name, role, is_creator, is_verified, " +
		"is_online, current_room, preferences, messages_sent, time_spent, rooms_joined, created_at, updated_at"
	roomColumns = "id, name, display_name, description, topic, owner_id, password_hash, max_users, " +
		"current_users, is_public, is_active, tags, settings, total_messages, total_users, peak_users, " +
		"seq_id, last_activity, created_at, updated_at"
	messageColumns = "m.id, m.room_id, r.name, m.seq_id, m.user_id, m.username, m.content, m.type, m.is_deleted, m.created_at"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (types.User, error) {
	var (
		u           types.User
		role        string
		currentRoom sql.NullInt64
		prefs       []byte
	)

	err := s.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.PasswordHash,
		&u.DisplayName,
		&role,
		&u.IsCreator,
		&u.IsVerified,
		&u.IsOnline,
		&currentRoom,
		&prefs,
		&u.Stats.MessagesSent,
		&u.Stats.TimeSpent,
		&u.Stats.RoomsJoined,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return types.User{}, pgError(err)
	}

	u.Role = types.Role(role)
	if currentRoom.Valid {
		id := currentRoom.Int64
		u.CurrentRoom = &id
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &u.Preferences); err != nil {
			return types.User{}, fmt.Errorf("decode preferences: %w", err)
		}
	}

	return u, nil
}

func scanRoom(s scanner) (types.Room, error) {
	var (
		r        types.Room
		settings []byte
	)

	err := s.Scan(
		&r.Id,
		&r.Name,
		&r.DisplayName,
		&r.Description,
		&r.Topic,
		&r.OwnerId,
		&r.PasswordHash,
		&r.MaxUsers,
		&r.CurrentUsers,
		&r.IsPublic,
		&r.IsActive,
		pq.Array(&r.Tags),
		&settings,
		&r.Stats.TotalMessages,
		&r.Stats.TotalUsers,
		&r.Stats.PeakUsers,
		&r.SeqId,
		&r.LastActivity,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return types.Room{}, pgError(err)
	}

	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &r.Settings); err != nil {
			return types.Room{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	r.HasPassword = r.PasswordHash != ""

	return r, nil
}

func scanMessage(s scanner) (types.Message, error) {
	var (
		m   types.Message
		typ string
	)

	err := s.Scan(
		&m.Id,
		&m.RoomId,
		&m.RoomName,
		&m.SeqId,
		&m.UserId,
		&m.Username,
		&m.Content,
		&typ,
		&m.IsDeleted,
		&m.Timestamp,
	)
	if err != nil {
		return types.Message{}, pgError(err)
	}
	m.Type = types.MessageType(typ)

	return m, nil
}

func expectRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *PgChatRepository) ResetPresence(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET is_online = FALSE, current_room = NULL WHERE is_online OR current_room IS NOT NULL",
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE rooms SET current_users = 0 WHERE current_users <> 0",
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgChatRepository) CreateUser(ctx context.Context, params CreateUserParams) (types.User, error) {
	prefs, err := json.Marshal(params.Preferences)
	if err != nil {
		return types.User{}, fmt.Errorf("encode preferences: %w", err)
	}

	role := params.Role
	if role == "" {
		role = types.RoleMember
	}

	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO users (username, email, password_hash, display_name, role, is_creator, is_verified, preferences, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING "+userColumns,
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		params.DisplayName,
		string(role),
		params.IsCreator,
		params.IsVerified,
		prefs,
		now,
		now,
	)

	return scanUser(row)
}

func (db *PgChatRepository) GetUserById(ctx context.Context, userId int64) (types.User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1 LIMIT 1",
		userId,
	)

	return scanUser(row)
}

func (db *PgChatRepository) GetUserByUsername(ctx context.Context, username string) (types.User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = $1 LIMIT 1",
		username,
	)

	return scanUser(row)
}

func (db *PgChatRepository) SetUserOnline(ctx context.Context, userId int64, online bool) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE users SET is_online = $2, updated_at = $3 WHERE id = $1",
		userId,
		online,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	return expectRows(res)
}

func (db *PgChatRepository) SetUserCurrentRoom(ctx context.Context, userId int64, roomId *int64) error {
	var room sql.NullInt64
	if roomId != nil {
		room = sql.NullInt64{Int64: *roomId, Valid: true}
	}

	res, err := db.conn.ExecContext(ctx,
		"UPDATE users SET current_room = $2, updated_at = $3 WHERE id = $1",
		userId,
		room,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	return expectRows(res)
}

func (db *PgChatRepository) IncrementUserStats(ctx context.Context, userId int64, delta UserStatsDelta) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE users SET messages_sent = messages_sent + $2, rooms_joined = rooms_joined + $3, "+
			"time_spent = time_spent + $4 WHERE id = $1",
		userId,
		delta.MessagesSent,
		delta.RoomsJoined,
		delta.TimeSpent,
	)
	if err != nil {
		return err
	}

	return expectRows(res)
}

func (db *PgChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	settings, err := json.Marshal(params.Settings)
	if err != nil {
		return types.Room{}, fmt.Errorf("encode settings: %w", err)
	}

	tags := params.Tags
	if tags == nil {
		tags = []string{}
	}

	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO rooms (name, display_name, description, topic, owner_id, password_hash, max_users, "+
			"is_public, tags, settings, last_activity, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING "+roomColumns,
		params.Name,
		params.DisplayName,
		params.Description,
		params.Topic,
		params.OwnerId,
		params.PasswordHash,
		params.MaxUsers,
		params.IsPublic,
		pq.Array(tags),
		settings,
		now,
		now,
		now,
	)

	return scanRoom(row)
}

func (db *PgChatRepository) GetRoomByName(ctx context.Context, name string) (types.Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE name = $1 LIMIT 1",
		name,
	)

	return scanRoom(row)
}

func (db *PgChatRepository) ListRooms(ctx context.Context, publicOnly bool) ([]types.Room, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE is_active AND ($1 = FALSE OR is_public) "+
			"ORDER BY current_users DESC, last_activity DESC",
		publicOnly,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]types.Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgChatRepository) UpdateRoomOccupancy(ctx context.Context, occ RoomOccupancy) error {
	joined := 0
	if occ.Joined {
		joined = 1
	}

	res, err := db.conn.ExecContext(ctx,
		"UPDATE rooms SET current_users = $2, peak_users = GREATEST(peak_users, $2), "+
			"total_users = total_users + $3, last_activity = $4, updated_at = $4 WHERE id = $1",
		occ.RoomId,
		occ.CurrentUsers,
		joined,
		occ.At.UTC(),
	)
	if err != nil {
		return err
	}

	return expectRows(res)
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	err := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (room_id, seq_id, user_id, username, content, type, is_deleted, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7) RETURNING id",
		msg.RoomId,
		msg.SeqId,
		msg.UserId,
		msg.Username,
		msg.Content,
		string(msg.Type),
		msg.Timestamp.UTC(),
	).Scan(&msg.Id)
	if err != nil {
		return types.Message{}, pgError(err)
	}

	return msg, nil
}

func (db *PgChatRepository) UpdateRoomOnMessage(ctx context.Context, msg types.Message) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE rooms SET seq_id = $2, total_messages = total_messages + 1, "+
			"last_activity = $3, updated_at = $3 WHERE id = $1",
		msg.RoomId,
		msg.SeqId,
		msg.Timestamp.UTC(),
	)
	if err != nil {
		return err
	}

	return expectRows(res)
}

func (db *PgChatRepository) GetMessages(ctx context.Context, roomId int64, before time.Time, limit int) ([]types.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if before.IsZero() {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT "+messageColumns+" FROM messages m JOIN rooms r ON r.id = m.room_id "+
				"WHERE m.room_id = $1 ORDER BY m.created_at DESC, m.seq_id DESC LIMIT $2",
			roomId,
			limit,
		)
	} else {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT "+messageColumns+" FROM messages m JOIN rooms r ON r.id = m.room_id "+
				"WHERE m.room_id = $1 AND m.created_at < $2 ORDER BY m.created_at DESC, m.seq_id DESC LIMIT $3",
			roomId,
			before.UTC(),
			limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]types.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgChatRepository) GetMessage(ctx context.Context, roomId, seqId int64) (types.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN rooms r ON r.id = m.room_id "+
			"WHERE m.room_id = $1 AND m.seq_id = $2 LIMIT 1",
		roomId,
		seqId,
	)

	return scanMessage(row)
}

func (db *PgChatRepository) SoftDeleteMessage(ctx context.Context, roomId, seqId int64) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_deleted = TRUE WHERE room_id = $1 AND seq_id = $2",
		roomId,
		seqId,
	)
	if err != nil {
		return err
	}

	return expectRows(res)
}
