package store

import "time"

const MaxTrialPrompts = 5

type User struct {
	ID               string    `json:"_id" bson:"_id"`
	Username         string    `json:"username" bson:"username"`
	Email            string    `json:"email" bson:"email"`
	PasswordHash     string    `json:"-" bson:"passwordHash"` // never serialized
	IsAdmin          bool      `json:"isAdmin" bson:"isAdmin"`
	TrialPromptsUsed int       `json:"trialPromptsUsed" bson:"trialPromptsUsed"`
	APIKey           *string   `json:"-" bson:"apiKey,omitempty"`
	HasAPIKey        bool      `json:"hasApiKey" bson:"-"`
	CreatedAt        time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt" bson:"updatedAt"`
}

type Conversation struct {
	ID        string    `json:"_id" bson:"_id"`
	UserID    string    `json:"userId" bson:"userId"`
	Title     string    `json:"title" bson:"title"`
	Messages  []Message `json:"messages" bson:"messages"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}

type Message struct {
	Prompt    string    `json:"prompt" bson:"prompt"`
	Response  string    `json:"response" bson:"response"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// UserQuery selects a page of users. Search matches username or email as a
// case-insensitive substring.
type UserQuery struct {
	Search string
	Limit  int
	Offset int
}

// ConversationQuery selects conversations, newest first. A zero Limit returns
// every match. Start and End bound createdAt inclusively.
type ConversationQuery struct {
	UserID string
	Start  *time.Time
	End    *time.Time
	Limit  int
	Offset int
}

// UserUpdate holds the fields to change; nil fields are left untouched.
type UserUpdate struct {
	Username         *string
	Email            *string
	IsAdmin          *bool
	TrialPromptsUsed *int
}

type TrialBucket struct {
	PromptsUsed int
	Count       int64
}

type ConversationActivity struct {
	CreatedAt    time.Time
	MessageCount int64
}

// ClampTrial bounds a trial counter to [0, MaxTrialPrompts].
func ClampTrial(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxTrialPrompts {
		return MaxTrialPrompts
	}
	return n
}
