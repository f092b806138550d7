package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/roomchat/internal/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection    = "users"
	roomsCollection    = "rooms"
	messagesCollection = "messages"
	countersCollection = "counters"
)

type userDoc struct {
	Id          int64        `bson:"_id"`
	Username    string       `bson:"username"`
	Email       string       `bson:"email"`
	Password    string       `bson:"password"`
	DisplayName string       `bson:"displayName"`
	Role        string       `bson:"role"`
	IsCreator   bool         `bson:"isCreator"`
	IsVerified  bool         `bson:"isVerified"`
	IsOnline    bool         `bson:"isOnline"`
	CurrentRoom *int64       `bson:"currentRoom"`
	Preferences prefsDoc     `bson:"preferences"`
	Stats       userStatsDoc `bson:"stats"`
	CreatedAt   time.Time    `bson:"createdAt"`
	UpdatedAt   time.Time    `bson:"updatedAt"`
}

type prefsDoc struct {
	Theme         string `bson:"theme"`
	Notifications bool   `bson:"notifications"`
	AutoJoin      bool   `bson:"autoJoin"`
}

type userStatsDoc struct {
	MessagesSent int `bson:"messagesSent"`
	TimeSpent    int `bson:"timeSpent"`
	RoomsJoined  int `bson:"roomsJoined"`
}

type roomDoc struct {
	Id           int64        `bson:"_id"`
	Name         string       `bson:"name"`
	DisplayName  string       `bson:"displayName"`
	Description  string       `bson:"description"`
	Topic        string       `bson:"topic"`
	CreatedBy    int64        `bson:"createdBy"`
	IsPublic     bool         `bson:"isPublic"`
	Password     string       `bson:"password"`
	MaxUsers     int          `bson:"maxUsers"`
	CurrentUsers int          `bson:"currentUsers"`
	IsActive     bool         `bson:"isActive"`
	Settings     settingsDoc  `bson:"settings"`
	Tags         []string     `bson:"tags"`
	Stats        roomStatsDoc `bson:"stats"`
	SeqId        int64        `bson:"seqId"`
	LastActivity time.Time    `bson:"lastActivity"`
	CreatedAt    time.Time    `bson:"createdAt"`
	UpdatedAt    time.Time    `bson:"updatedAt"`
}

type settingsDoc struct {
	AllowGuests     bool   `bson:"allowGuests"`
	AllowVideo      bool   `bson:"allowVideo"`
	AllowAudio      bool   `bson:"allowAudio"`
	AllowText       bool   `bson:"allowText"`
	ModerationLevel string `bson:"moderationLevel"`
}

type roomStatsDoc struct {
	TotalMessages int `bson:"totalMessages"`
	TotalUsers    int `bson:"totalUsers"`
	PeakUsers     int `bson:"peakUsers"`
}

type messageDoc struct {
	Id        int64     `bson:"_id"`
	Room      int64     `bson:"room"`
	RoomName  string    `bson:"roomName"`
	SeqId     int64     `bson:"seqId"`
	User      int64     `bson:"user"`
	Username  string    `bson:"username"`
	Content   string    `bson:"content"`
	Type      string    `bson:"type"`
	IsDeleted bool      `bson:"isDeleted"`
	CreatedAt time.Time `bson:"createdAt"`
}

func (d userDoc) toUser() types.User {
	return types.User{
		Id:           d.Id,
		Username:     d.Username,
		EmailAddress: d.Email,
		DisplayName:  d.DisplayName,
		Role:         types.Role(d.Role),
		IsCreator:    d.IsCreator,
		IsVerified:   d.IsVerified,
		IsOnline:     d.IsOnline,
		CurrentRoom:  d.CurrentRoom,
		Preferences: types.UserPreferences{
			Theme:         d.Preferences.Theme,
			Notifications: d.Preferences.Notifications,
			AutoJoin:      d.Preferences.AutoJoin,
		},
		Stats: types.UserStats{
			MessagesSent: d.Stats.MessagesSent,
			TimeSpent:    d.Stats.TimeSpent,
			RoomsJoined:  d.Stats.RoomsJoined,
		},
		PasswordHash: d.Password,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func (d roomDoc) toRoom() types.Room {
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}

	return types.Room{
		Id:           d.Id,
		Name:         d.Name,
		DisplayName:  d.DisplayName,
		Description:  d.Description,
		Topic:        d.Topic,
		OwnerId:      d.CreatedBy,
		PasswordHash: d.Password,
		HasPassword:  d.Password != "",
		MaxUsers:     d.MaxUsers,
		CurrentUsers: d.CurrentUsers,
		IsPublic:     d.IsPublic,
		IsActive:     d.IsActive,
		Tags:         tags,
		Settings: types.RoomSettings{
			AllowGuests:     d.Settings.AllowGuests,
			AllowVideo:      d.Settings.AllowVideo,
			AllowAudio:      d.Settings.AllowAudio,
			AllowText:       d.Settings.AllowText,
			ModerationLevel: d.Settings.ModerationLevel,
		},
		Stats: types.RoomStats{
			TotalMessages: d.Stats.TotalMessages,
			TotalUsers:    d.Stats.TotalUsers,
			PeakUsers:     d.Stats.PeakUsers,
		},
		SeqId:        d.SeqId,
		LastActivity: d.LastActivity,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func (d messageDoc) toMessage() types.Message {
	return types.Message{
		Id:        d.Id,
		SeqId:     d.SeqId,
		RoomId:    d.Room,
		RoomName:  d.RoomName,
		UserId:    d.User,
		Username:  d.Username,
		Content:   d.Content,
		Type:      types.MessageType(d.Type),
		IsDeleted: d.IsDeleted,
		Timestamp: d.CreatedAt,
	}
}

type MongoChatRepository struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoChatRepository(ctx context.Context, uri, database string) (*MongoChatRepository, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &MongoChatRepository{
		client: client,
		db:     client.Database(database),
	}, nil
}

// EnsureIndexes creates the collection indexes every access pattern of the
// repository relies on. It is safe to run repeatedly.
func (db *MongoChatRepository) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		usersCollection: {
			{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "isOnline", Value: 1}}},
			{Keys: bson.D{{Key: "currentRoom", Value: 1}}},
		},
		roomsCollection: {
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "isPublic", Value: 1}, {Key: "isActive", Value: 1}}},
			{Keys: bson.D{{Key: "currentUsers", Value: -1}}},
			{Keys: bson.D{{Key: "lastActivity", Value: -1}}},
		},
		messagesCollection: {
			{Keys: bson.D{{Key: "room", Value: 1}, {Key: "createdAt", Value: -1}}},
			{Keys: bson.D{{Key: "room", Value: 1}, {Key: "seqId", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user", Value: 1}, {Key: "createdAt", Value: -1}}},
			{Keys: bson.D{{Key: "type", Value: 1}}},
			{Keys: bson.D{{Key: "isDeleted", Value: 1}}},
		},
	}

	for coll, models := range indexes {
		if _, err := db.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", coll, err)
		}
	}

	return nil
}

func (db *MongoChatRepository) Ping(ctx context.Context) error {
	return db.client.Ping(ctx, nil)
}

func (db *MongoChatRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db.client.Disconnect(ctx)
}

func mongoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func matched(res *mongo.UpdateResult, err error) error {
	if err != nil {
		return mongoError(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// nextId allocates the next integer id of a collection from the counters
// collection.
func (db *MongoChatRepository) nextId(ctx context.Context, coll string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}

	err := db.db.Collection(countersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": coll},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("next %s id: %w", coll, err)
	}

	return counter.Seq, nil
}

func (db *MongoChatRepository) ResetPresence(ctx context.Context) error {
	if _, err := db.db.Collection(usersCollection).UpdateMany(ctx,
		bson.M{"$or": bson.A{bson.M{"isOnline": true}, bson.M{"currentRoom": bson.M{"$ne": nil}}}},
		bson.M{"$set": bson.M{"isOnline": false, "currentRoom": nil}},
	); err != nil {
		return err
	}

	_, err := db.db.Collection(roomsCollection).UpdateMany(ctx,
		bson.M{"currentUsers": bson.M{"$ne": 0}},
		bson.M{"$set": bson.M{"currentUsers": 0}},
	)
	return err
}

func (db *MongoChatRepository) CreateUser(ctx context.Context, params CreateUserParams) (types.User, error) {
	id, err := db.nextId(ctx, usersCollection)
	if err != nil {
		return types.User{}, err
	}

	role := params.Role
	if role == "" {
		role = types.RoleMember
	}

	now := time.Now().UTC().Round(time.Millisecond)
	doc := userDoc{
		Id:          id,
		Username:    params.Username,
		Email:       params.EmailAddress,
		Password:    params.PasswordHash,
		DisplayName: params.DisplayName,
		Role:        string(role),
		IsCreator:   params.IsCreator,
		IsVerified:  params.IsVerified,
		Preferences: prefsDoc{
			Theme:         params.Preferences.Theme,
			Notifications: params.Preferences.Notifications,
			AutoJoin:      params.Preferences.AutoJoin,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := db.db.Collection(usersCollection).InsertOne(ctx, doc); err != nil {
		return types.User{}, mongoError(err)
	}

	return doc.toUser(), nil
}

func (db *MongoChatRepository) findUser(ctx context.Context, filter bson.M) (types.User, error) {
	var doc userDoc
	if err := db.db.Collection(usersCollection).FindOne(ctx, filter).Decode(&doc); err != nil {
		return types.User{}, mongoError(err)
	}
	return doc.toUser(), nil
}

func (db *MongoChatRepository) GetUserById(ctx context.Context, userId int64) (types.User, error) {
	return db.findUser(ctx, bson.M{"_id": userId})
}

func (db *MongoChatRepository) GetUserByUsername(ctx context.Context, username string) (types.User, error) {
	return db.findUser(ctx, bson.M{"username": username})
}

func (db *MongoChatRepository) SetUserOnline(ctx context.Context, userId int64, online bool) error {
	return matched(db.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userId},
		bson.M{"$set": bson.M{"isOnline": online, "updatedAt": time.Now().UTC()}},
	))
}

func (db *MongoChatRepository) SetUserCurrentRoom(ctx context.Context, userId int64, roomId *int64) error {
	return matched(db.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userId},
		bson.M{"$set": bson.M{"currentRoom": roomId, "updatedAt": time.Now().UTC()}},
	))
}

func (db *MongoChatRepository) IncrementUserStats(ctx context.Context, userId int64, delta UserStatsDelta) error {
	return matched(db.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userId},
		bson.M{"$inc": bson.M{
			"stats.messagesSent": delta.MessagesSent,
			"stats.roomsJoined":  delta.RoomsJoined,
			"stats.timeSpent":    delta.TimeSpent,
		}},
	))
}

func (db *MongoChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	id, err := db.nextId(ctx, roomsCollection)
	if err != nil {
		return types.Room{}, err
	}

	tags := params.Tags
	if tags == nil {
		tags = []string{}
	}

	now := time.Now().UTC().Round(time.Millisecond)
	doc := roomDoc{
		Id:          id,
		Name:        params.Name,
		DisplayName: params.DisplayName,
		Description: params.Description,
		Topic:       params.Topic,
		CreatedBy:   params.OwnerId,
		IsPublic:    params.IsPublic,
		Password:    params.PasswordHash,
		MaxUsers:    params.MaxUsers,
		IsActive:    true,
		Settings: settingsDoc{
			AllowGuests:     params.Settings.AllowGuests,
			AllowVideo:      params.Settings.AllowVideo,
			AllowAudio:      params.Settings.AllowAudio,
			AllowText:       params.Settings.AllowText,
			ModerationLevel: params.Settings.ModerationLevel,
		},
		Tags:         tags,
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := db.db.Collection(roomsCollection).InsertOne(ctx, doc); err != nil {
		return types.Room{}, mongoError(err)
	}

	return doc.toRoom(), nil
}

func (db *MongoChatRepository) GetRoomByName(ctx context.Context, name string) (types.Room, error) {
	var doc roomDoc
	if err := db.db.Collection(roomsCollection).FindOne(ctx, bson.M{"name": name}).Decode(&doc); err != nil {
		return types.Room{}, mongoError(err)
	}
	return doc.toRoom(), nil
}

func (db *MongoChatRepository) ListRooms(ctx context.Context, publicOnly bool) ([]types.Room, error) {
	filter := bson.M{"isActive": true}
	if publicOnly {
		filter["isPublic"] = true
	}

	cur, err := db.db.Collection(roomsCollection).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "currentUsers", Value: -1}, {Key: "lastActivity", Value: -1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []roomDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	rooms := make([]types.Room, 0, len(docs))
	for _, d := range docs {
		rooms = append(rooms, d.toRoom())
	}
	return rooms, nil
}

func (db *MongoChatRepository) UpdateRoomOccupancy(ctx context.Context, occ RoomOccupancy) error {
	joined := 0
	if occ.Joined {
		joined = 1
	}

	return matched(db.db.Collection(roomsCollection).UpdateOne(ctx,
		bson.M{"_id": occ.RoomId},
		bson.M{
			"$set": bson.M{"currentUsers": occ.CurrentUsers, "lastActivity": occ.At.UTC(), "updatedAt": occ.At.UTC()},
			"$max": bson.M{"stats.peakUsers": occ.CurrentUsers},
			"$inc": bson.M{"stats.totalUsers": joined},
		},
	))
}

func (db *MongoChatRepository) CreateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	id, err := db.nextId(ctx, messagesCollection)
	if err != nil {
		return types.Message{}, err
	}

	doc := messageDoc{
		Id:        id,
		Room:      msg.RoomId,
		RoomName:  msg.RoomName,
		SeqId:     msg.SeqId,
		User:      msg.UserId,
		Username:  msg.Username,
		Content:   msg.Content,
		Type:      string(msg.Type),
		CreatedAt: msg.Timestamp.UTC(),
	}

	if _, err := db.db.Collection(messagesCollection).InsertOne(ctx, doc); err != nil {
		return types.Message{}, mongoError(err)
	}

	return doc.toMessage(), nil
}

func (db *MongoChatRepository) UpdateRoomOnMessage(ctx context.Context, msg types.Message) error {
	return matched(db.db.Collection(roomsCollection).UpdateOne(ctx,
		bson.M{"_id": msg.RoomId},
		bson.M{
			"$set": bson.M{"seqId": msg.SeqId, "lastActivity": msg.Timestamp.UTC(), "updatedAt": msg.Timestamp.UTC()},
			"$inc": bson.M{"stats.totalMessages": 1},
		},
	))
}

func (db *MongoChatRepository) GetMessages(ctx context.Context, roomId int64, before time.Time, limit int) ([]types.Message, error) {
	filter := bson.M{"room": roomId}
	if !before.IsZero() {
		filter["createdAt"] = bson.M{"$lt": before.UTC()}
	}

	cur, err := db.db.Collection(messagesCollection).Find(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "seqId", Value: -1}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	messages := make([]types.Message, 0, limit)
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		messages = append(messages, doc.toMessage())
	}

	return messages, cur.Err()
}

func (db *MongoChatRepository) GetMessage(ctx context.Context, roomId, seqId int64) (types.Message, error) {
	var doc messageDoc
	err := db.db.Collection(messagesCollection).FindOne(ctx, bson.M{"room": roomId, "seqId": seqId}).Decode(&doc)
	if err != nil {
		return types.Message{}, mongoError(err)
	}
	return doc.toMessage(), nil
}

func (db *MongoChatRepository) SoftDeleteMessage(ctx context.Context, roomId, seqId int64) error {
	return matched(db.db.Collection(messagesCollection).UpdateOne(ctx,
		bson.M{"room": roomId, "seqId": seqId},
		bson.M{"$set": bson.M{"isDeleted": true}},
	))
}
