package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate key")
)

// Store persists users and conversations. Lookups by id return ErrNotFound
// when nothing matches; writes that collide with a unique username or email
// return ErrDuplicate.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UserExists(ctx context.Context, username, email string) (bool, error)
	ListUsers(ctx context.Context, q UserQuery) ([]User, int64, error)
	UpdateUser(ctx context.Context, id string, upd UserUpdate) (*User, error)
	SetPasswordHash(ctx context.Context, id, hash string) error
	// SetAPIKey stores key, or clears it when key is nil. Unknown ids are a no-op.
	SetAPIKey(ctx context.Context, id string, key *string) error
	IncrementTrialPrompts(ctx context.Context, id string) error
	DeleteUser(ctx context.Context, id string) error

	CountUsers(ctx context.Context) (int64, error)
	CountUsersCreatedSince(ctx context.Context, since time.Time) (int64, error)
	TrialUsageBuckets(ctx context.Context) ([]TrialBucket, error)
	UserCreationTimesSince(ctx context.Context, since time.Time) ([]time.Time, error)

	CreateConversation(ctx context.Context, c *Conversation) error
	AppendMessage(ctx context.Context, conversationID string, m Message) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, q ConversationQuery) ([]Conversation, int64, error)
	DeleteConversationsByUser(ctx context.Context, userID string) (int64, error)

	// CountConversations and CountMessages count across all users when userID is empty.
	CountConversations(ctx context.Context, userID string) (int64, error)
	CountMessages(ctx context.Context, userID string) (int64, error)
	DistinctActiveUsersSince(ctx context.Context, since time.Time) (int64, error)
	ConversationActivitySince(ctx context.Context, since time.Time) ([]ConversationActivity, error)
}
