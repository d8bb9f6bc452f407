package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"qachat.io/qa-chatbot-backend/internal/auth"
	"qachat.io/qa-chatbot-backend/internal/store"
	"qachat.io/qa-chatbot-backend/internal/utils"
)

const (
	minPasswordLength   = 6
	maxPasswordBytes    = 72
	recentConversations = 10
)

type UserService struct {
	store  store.Store
	logger *slog.Logger
}

func NewUserService(s store.Store, logger *slog.Logger) *UserService {
	return &UserService{store: s, logger: logger.With("component", "users")}
}

type UserPage struct {
	Users       []store.User `json:"users"`
	TotalPages  int          `json:"totalPages"`
	CurrentPage int          `json:"currentPage"`
	Total       int64        `json:"total"`
}

type UserStats struct {
	ConversationCount int64 `json:"conversationCount"`
	TotalMessages     int64 `json:"totalMessages"`
}

type UserDetail struct {
	User                *store.User          `json:"user"`
	Stats               UserStats            `json:"stats"`
	RecentConversations []store.Conversation `json:"recentConversations"`
}

type CreateUserInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"isAdmin"`
}

// UpdateUserInput is a sparse update: nil fields and empty strings are ignored.
// TrialPromptsUsed accepts any JSON number and is clamped into range.
type UpdateUserInput struct {
	Username         *string  `json:"username"`
	Email            *string  `json:"email"`
	IsAdmin          *bool    `json:"isAdmin"`
	TrialPromptsUsed *float64 `json:"trialPromptsUsed"`
}

// List returns one page of users, newest first. A zero page or limit falls
// back to the defaults; negative values produce an empty page.
func (s *UserService) List(ctx context.Context, page, limit int, search string) (*UserPage, error) {
	if page == 0 {
		page = utils.DefaultPage
	}
	if limit == 0 {
		limit = utils.DefaultLimit
	}

	q := store.UserQuery{Search: search, Limit: limit, Offset: utils.Offset(page, limit)}
	if limit < 0 {
		q.Limit = -1
	}
	users, total, err := s.store.ListUsers(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return &UserPage{
		Users:       users,
		TotalPages:  utils.TotalPages(total, limit),
		CurrentPage: page,
		Total:       total,
	}, nil
}

func (s *UserService) Get(ctx context.Context, id string) (*UserDetail, error) {
	user, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	convCount, err := s.store.CountConversations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count conversations: %w", err)
	}
	msgCount, err := s.store.CountMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	recent, _, err := s.store.ListConversations(ctx, store.ConversationQuery{UserID: id, Limit: recentConversations})
	if err != nil {
		return nil, fmt.Errorf("failed to load recent conversations: %w", err)
	}

	return &UserDetail{
		User:                user,
		Stats:               UserStats{ConversationCount: convCount, TotalMessages: msgCount},
		RecentConversations: recent,
	}, nil
}

func (s *UserService) Create(ctx context.Context, in CreateUserInput) (*store.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if in.Username == "" || in.Email == "" || in.Password == "" {
		return nil, validationf("Username, email and password are required")
	}
	if err := checkPassword(in.Password); err != nil {
		return nil, err
	}

	exists, err := s.store.UserExists(ctx, in.Username, in.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}
	if exists {
		return nil, ErrConflict
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := &store.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		IsAdmin:      in.IsAdmin,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, mapStoreErr(err)
	}
	s.logger.Info("user created", "user_id", user.ID, "is_admin", user.IsAdmin)
	return user, nil
}

func (s *UserService) Update(ctx context.Context, id string, in UpdateUserInput) (*store.User, error) {
	var upd store.UserUpdate
	if in.Username != nil && strings.TrimSpace(*in.Username) != "" {
		v := strings.TrimSpace(*in.Username)
		upd.Username = &v
	}
	if in.Email != nil && strings.TrimSpace(*in.Email) != "" {
		v := strings.TrimSpace(*in.Email)
		upd.Email = &v
	}
	upd.IsAdmin = in.IsAdmin
	if in.TrialPromptsUsed != nil {
		v := clampTrialInput(*in.TrialPromptsUsed)
		upd.TrialPromptsUsed = &v
	}

	user, err := s.store.UpdateUser(ctx, id, upd)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	s.logger.Info("user updated", "user_id", id)
	return user, nil
}

func (s *UserService) ResetPassword(ctx context.Context, id, newPassword string) error {
	if err := checkPassword(newPassword); err != nil {
		return err
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.SetPasswordHash(ctx, id, hash); err != nil {
		return mapStoreErr(err)
	}
	s.logger.Info("password reset", "user_id", id)
	return nil
}

// Delete removes a user's conversations and then the user. The two writes are
// not atomic; a failure between them leaves the user with no conversations.
func (s *UserService) Delete(ctx context.Context, id string) error {
	if _, err := s.store.GetUserByID(ctx, id); err != nil {
		return mapStoreErr(err)
	}

	removed, err := s.store.DeleteConversationsByUser(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversations: %w", err)
	}
	if err := s.store.DeleteUser(ctx, id); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("user delete failed after conversations were removed",
				"user_id", id, "conversations_removed", removed, "error", err)
		}
		return mapStoreErr(err)
	}
	s.logger.Info("user deleted", "user_id", id, "conversations_removed", removed)
	return nil
}

// RevokeAPIKey clears the stored key. It succeeds for unknown ids.
func (s *UserService) RevokeAPIKey(ctx context.Context, id string) error {
	if err := s.store.SetAPIKey(ctx, id, nil); err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	s.logger.Info("api key revoked", "user_id", id)
	return nil
}

// clampTrialInput bounds before converting so huge values cannot overflow int.
// Fractions are truncated.
func clampTrialInput(v float64) int {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= store.MaxTrialPrompts:
		return store.MaxTrialPrompts
	}
	return int(v)
}

// checkPassword enforces the length bounds. bcrypt refuses input over 72 bytes.
func checkPassword(password string) error {
	switch {
	case len(password) < minPasswordLength:
		return validationf("Password must be at least %d characters long", minPasswordLength)
	case len(password) > maxPasswordBytes:
		return validationf("Password must be at most %d bytes long", maxPasswordBytes)
	}
	return nil
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrDuplicate):
		return ErrConflict
	default:
		return err
	}
}
