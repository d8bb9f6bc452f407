package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	usersCollection         = "users"
	conversationsCollection = "conversations"
)

// MongoStore keeps users and conversations as two collections, with messages
// embedded in their conversation document.
type MongoStore struct {
	client        *mongo.Client
	users         *mongo.Collection
	conversations *mongo.Collection
	logger        *slog.Logger
}

func NewMongoStore(ctx context.Context, uri, database string, logger *slog.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:        client,
		users:         db.Collection(usersCollection),
		conversations: db.Collection(conversationsCollection),
		logger:        logger.With("component", "store", "driver", "mongo"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.logger.Info("MongoDB store initialized", "database", database)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		s.users: {
			{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		},
		s.conversations: {
			{Keys: bson.D{{Key: "userId", Value: 1}}},
			{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes for %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func withAPIKeyFlag(u *User) *User {
	u.HasAPIKey = u.APIKey != nil && *u.APIKey != ""
	return u
}

// User methods

func (s *MongoStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.UpdatedAt = u.CreatedAt
	u.TrialPromptsUsed = ClampTrial(u.TrialPromptsUsed)

	if _, err := s.users.InsertOne(ctx, u); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	withAPIKeyFlag(u)
	return nil
}

func (s *MongoStore) findUser(ctx context.Context, filter bson.D) (*User, error) {
	var u User
	if err := s.users.FindOne(ctx, filter).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return withAPIKeyFlag(&u), nil
}

func (s *MongoStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.findUser(ctx, bson.D{{Key: "_id", Value: id}})
}

func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.findUser(ctx, bson.D{{Key: "email", Value: email}})
}

func (s *MongoStore) UserExists(ctx context.Context, username, email string) (bool, error) {
	n, err := s.users.CountDocuments(ctx, bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "username", Value: username}},
		bson.D{{Key: "email", Value: email}},
	}}})
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return n > 0, nil
}

func (s *MongoStore) ListUsers(ctx context.Context, q UserQuery) ([]User, int64, error) {
	filter := bson.D{}
	if q.Search != "" {
		re := bson.Regex{Pattern: regexp.QuoteMeta(q.Search), Options: "i"}
		filter = bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "username", Value: re}},
			bson.D{{Key: "email", Value: re}},
		}}}
	}

	total, err := s.users.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}
	if q.Limit < 0 || q.Offset < 0 {
		return []User{}, total, nil
	}

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	if q.Limit > 0 {
		opts.SetSkip(int64(q.Offset)).SetLimit(int64(q.Limit))
	}
	cursor, err := s.users.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query users: %w", err)
	}
	users := []User{}
	if err := cursor.All(ctx, &users); err != nil {
		return nil, 0, fmt.Errorf("failed to decode users: %w", err)
	}
	for i := range users {
		withAPIKeyFlag(&users[i])
	}
	return users, total, nil
}

func (s *MongoStore) UpdateUser(ctx context.Context, id string, upd UserUpdate) (*User, error) {
	set := bson.D{{Key: "updatedAt", Value: time.Now().UTC()}}
	if upd.Username != nil {
		set = append(set, bson.E{Key: "username", Value: *upd.Username})
	}
	if upd.Email != nil {
		set = append(set, bson.E{Key: "email", Value: *upd.Email})
	}
	if upd.IsAdmin != nil {
		set = append(set, bson.E{Key: "isAdmin", Value: *upd.IsAdmin})
	}
	if upd.TrialPromptsUsed != nil {
		set = append(set, bson.E{Key: "trialPromptsUsed", Value: ClampTrial(*upd.TrialPromptsUsed)})
	}

	res, err := s.users.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, ErrNotFound
	}
	return s.GetUserByID(ctx, id)
}

func (s *MongoStore) SetPasswordHash(ctx context.Context, id, hash string) error {
	res, err := s.users.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, bson.D{{Key: "$set", Value: bson.D{
		{Key: "passwordHash", Value: hash},
		{Key: "updatedAt", Value: time.Now().UTC()},
	}}})
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) SetAPIKey(ctx context.Context, id string, key *string) error {
	update := bson.D{
		{Key: "$unset", Value: bson.D{{Key: "apiKey", Value: ""}}},
		{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: time.Now().UTC()}}},
	}
	if key != nil {
		update = bson.D{{Key: "$set", Value: bson.D{
			{Key: "apiKey", Value: *key},
			{Key: "updatedAt", Value: time.Now().UTC()},
		}}}
	}
	if _, err := s.users.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update); err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	return nil
}

func (s *MongoStore) IncrementTrialPrompts(ctx context.Context, id string) error {
	// pipeline update so the cap is applied atomically with the increment
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "trialPromptsUsed", Value: bson.D{{Key: "$min", Value: bson.A{
				bson.D{{Key: "$add", Value: bson.A{"$trialPromptsUsed", 1}}},
				MaxTrialPrompts,
			}}}},
			{Key: "updatedAt", Value: time.Now().UTC()},
		}}},
	}
	res, err := s.users.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, pipeline)
	if err != nil {
		return fmt.Errorf("failed to increment trial prompts: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteUser(ctx context.Context, id string) error {
	res, err := s.users.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) CountUsers(ctx context.Context) (int64, error) {
	n, err := s.users.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

func (s *MongoStore) CountUsersCreatedSince(ctx context.Context, since time.Time) (int64, error) {
	n, err := s.users.CountDocuments(ctx, bson.D{{Key: "createdAt", Value: bson.D{{Key: "$gte", Value: since}}}})
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

func (s *MongoStore) TrialUsageBuckets(ctx context.Context) ([]TrialBucket, error) {
	cursor, err := s.users.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$trialPromptsUsed"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to group trial usage: %w", err)
	}
	var rows []struct {
		PromptsUsed int   `bson:"_id"`
		Count       int64 `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode trial usage: %w", err)
	}
	buckets := make([]TrialBucket, 0, len(rows))
	for _, r := range rows {
		buckets = append(buckets, TrialBucket{PromptsUsed: r.PromptsUsed, Count: r.Count})
	}
	return buckets, nil
}

func (s *MongoStore) UserCreationTimesSince(ctx context.Context, since time.Time) ([]time.Time, error) {
	opts := options.Find().
		SetProjection(bson.D{{Key: "createdAt", Value: 1}}).
		SetSort(bson.D{{Key: "createdAt", Value: 1}})
	cursor, err := s.users.Find(ctx, bson.D{{Key: "createdAt", Value: bson.D{{Key: "$gte", Value: since}}}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query user creation times: %w", err)
	}
	var rows []struct {
		CreatedAt time.Time `bson:"createdAt"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode creation times: %w", err)
	}
	times := make([]time.Time, 0, len(rows))
	for _, r := range rows {
		times = append(times, r.CreatedAt)
	}
	return times, nil
}

// Conversation methods

func (s *MongoStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	if _, err := s.conversations.InsertOne(ctx, c); err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

func (s *MongoStore) AppendMessage(ctx context.Context, conversationID string, m Message) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: conversationID}},
		bson.D{{Key: "$push", Value: bson.D{{Key: "messages", Value: m}}}})
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	if err := s.conversations.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	return &c, nil
}

func conversationFilter(q ConversationQuery) bson.D {
	filter := bson.D{}
	if q.UserID != "" {
		filter = append(filter, bson.E{Key: "userId", Value: q.UserID})
	}
	created := bson.D{}
	if q.Start != nil {
		created = append(created, bson.E{Key: "$gte", Value: *q.Start})
	}
	if q.End != nil {
		created = append(created, bson.E{Key: "$lte", Value: *q.End})
	}
	if len(created) > 0 {
		filter = append(filter, bson.E{Key: "createdAt", Value: created})
	}
	return filter
}

func (s *MongoStore) ListConversations(ctx context.Context, q ConversationQuery) ([]Conversation, int64, error) {
	filter := conversationFilter(q)
	total, err := s.conversations.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	if q.Limit < 0 || q.Offset < 0 {
		return []Conversation{}, total, nil
	}

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	if q.Limit > 0 {
		opts.SetSkip(int64(q.Offset)).SetLimit(int64(q.Limit))
	}
	cursor, err := s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query conversations: %w", err)
	}
	convs := []Conversation{}
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, 0, fmt.Errorf("failed to decode conversations: %w", err)
	}
	for i := range convs {
		if convs[i].Messages == nil {
			convs[i].Messages = []Message{}
		}
	}
	return convs, total, nil
}

func (s *MongoStore) DeleteConversationsByUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.conversations.DeleteMany(ctx, bson.D{{Key: "userId", Value: userID}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversations: %w", err)
	}
	return res.DeletedCount, nil
}

func ownerFilter(userID string) bson.D {
	if userID == "" {
		return bson.D{}
	}
	return bson.D{{Key: "userId", Value: userID}}
}

func (s *MongoStore) CountConversations(ctx context.Context, userID string) (int64, error) {
	n, err := s.conversations.CountDocuments(ctx, ownerFilter(userID))
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return n, nil
}

var messageCountExpr = bson.D{{Key: "$size", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$messages", bson.A{}}}}}}

func (s *MongoStore) CountMessages(ctx context.Context, userID string) (int64, error) {
	cursor, err := s.conversations.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: ownerFilter(userID)}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: messageCountExpr}}},
		}}},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	var rows []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return 0, fmt.Errorf("failed to decode message count: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Total, nil
}

func (s *MongoStore) DistinctActiveUsersSince(ctx context.Context, since time.Time) (int64, error) {
	cursor, err := s.conversations.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "createdAt", Value: bson.D{{Key: "$gte", Value: since}}}}}},
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$userId"}}}},
		{{Key: "$count", Value: "n"}},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count active users: %w", err)
	}
	var rows []struct {
		N int64 `bson:"n"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return 0, fmt.Errorf("failed to decode active users: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].N, nil
}

func (s *MongoStore) ConversationActivitySince(ctx context.Context, since time.Time) ([]ConversationActivity, error) {
	cursor, err := s.conversations.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "createdAt", Value: bson.D{{Key: "$gte", Value: since}}}}}},
		{{Key: "$project", Value: bson.D{
			{Key: "createdAt", Value: 1},
			{Key: "messageCount", Value: messageCountExpr},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "createdAt", Value: 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation activity: %w", err)
	}
	var rows []struct {
		CreatedAt    time.Time `bson:"createdAt"`
		MessageCount int64     `bson:"messageCount"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode conversation activity: %w", err)
	}
	out := make([]ConversationActivity, 0, len(rows))
	for _, r := range rows {
		out = append(out, ConversationActivity{CreatedAt: r.CreatedAt, MessageCount: r.MessageCount})
	}
	return out, nil
}
