package types

import (
	"time"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeSystem MessageType = "system"
	MessageTypeAI     MessageType = "ai"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeSystem, MessageTypeAI:
		return true
	}
	return false
}

type UserPreferences struct {
	Theme         string `json:"theme"`
	Notifications bool   `json:"notifications"`
	AutoJoin      bool   `json:"auto_join"`
}

type UserStats struct {
	MessagesSent int `json:"messages_sent"`
	TimeSpent    int `json:"time_spent"`
	RoomsJoined  int `json:"rooms_joined"`
}

type User struct {
	Id           int64           `json:"id"`
	Username     string          `json:"username"`
	EmailAddress string          `json:"email_address,omitempty"`
	DisplayName  string          `json:"display_name"`
	Role         Role            `json:"role"`
	IsCreator    bool            `json:"is_creator,omitempty"`
	IsVerified   bool            `json:"is_verified"`
	IsOnline     bool            `json:"is_online"`
	CurrentRoom  *int64          `json:"current_room,omitempty"`
	Preferences  UserPreferences `json:"preferences"`
	Stats        UserStats       `json:"stats"`
	PasswordHash string          `json:"-"`
	CreatedAt    time.Time       `json:"created_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
}

// Summary is the public projection of a user sent to other clients.
func (u User) Summary() UserSummary {
	return UserSummary{
		Id:          u.Id,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        u.Role,
	}
}

type UserSummary struct {
	Id          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

type RoomSettings struct {
	AllowGuests     bool   `json:"allow_guests"`
	AllowVideo      bool   `json:"allow_video"`
	AllowAudio      bool   `json:"allow_audio"`
	AllowText       bool   `json:"allow_text"`
	ModerationLevel string `json:"moderation_level"`
}

// DefaultRoomSettings mirrors the settings of the seeded general room.
func DefaultRoomSettings() RoomSettings {
	return RoomSettings{
		AllowGuests:     true,
		AllowVideo:      true,
		AllowAudio:      true,
		AllowText:       true,
		ModerationLevel: "light",
	}
}

type RoomStats struct {
	TotalMessages int `json:"total_messages"`
	TotalUsers    int `json:"total_users"`
	PeakUsers     int `json:"peak_users"`
}

type Room struct {
	Id           int64        `json:"id"`
	Name         string       `json:"name"`
	DisplayName  string       `json:"display_name"`
	Description  string       `json:"description"`
	Topic        string       `json:"topic,omitempty"`
	OwnerId      int64        `json:"owner_id"`
	PasswordHash string       `json:"-"`
	HasPassword  bool         `json:"has_password"`
	MaxUsers     int          `json:"max_users"`
	CurrentUsers int          `json:"current_users"`
	IsPublic     bool         `json:"is_public"`
	IsActive     bool         `json:"is_active"`
	Tags         []string     `json:"tags"`
	Settings     RoomSettings `json:"settings"`
	Stats        RoomStats    `json:"stats"`
	SeqId        int64        `json:"seq_id"`
	LastActivity time.Time    `json:"last_activity"`
	CreatedAt    time.Time    `json:"created_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at,omitempty"`
}

func (r Room) Summary() RoomSummary {
	return RoomSummary{
		Name:         r.Name,
		DisplayName:  r.DisplayName,
		Description:  r.Description,
		HasPassword:  r.PasswordHash != "",
		MaxUsers:     r.MaxUsers,
		CurrentUsers: r.CurrentUsers,
		IsPublic:     r.IsPublic,
		Tags:         r.Tags,
		LastActivity: r.LastActivity,
	}
}

type RoomSummary struct {
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"`
	Description  string    `json:"description"`
	HasPassword  bool      `json:"has_password"`
	MaxUsers     int       `json:"max_users"`
	CurrentUsers int       `json:"current_users"`
	IsPublic     bool      `json:"is_public"`
	Tags         []string  `json:"tags"`
	LastActivity time.Time `json:"last_activity"`
}

type Message struct {
	Id        int64       `json:"id"`
	SeqId     int64       `json:"seq_id"`
	RoomId    int64       `json:"room_id"`
	RoomName  string      `json:"room_name"`
	UserId    int64       `json:"user_id"`
	Username  string      `json:"username"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	IsDeleted bool        `json:"is_deleted"`
	Timestamp time.Time   `json:"timestamp"`
}
