package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"qachat.io/qa-chatbot-backend/internal/auth"
	"qachat.io/qa-chatbot-backend/internal/store"
)

// SessionUser is the account summary returned by login and /auth/me.
type SessionUser struct {
	ID               string `json:"id"`
	Username         string `json:"username"`
	Email            string `json:"email"`
	IsAdmin          bool   `json:"isAdmin"`
	TrialPromptsUsed int    `json:"trialPromptsUsed"`
	HasAPIKey        bool   `json:"hasApiKey"`
}

func NewSessionUser(u *store.User) SessionUser {
	return SessionUser{
		ID:               u.ID,
		Username:         u.Username,
		Email:            u.Email,
		IsAdmin:          u.IsAdmin,
		TrialPromptsUsed: u.TrialPromptsUsed,
		HasAPIKey:        u.HasAPIKey,
	}
}

type LoginResult struct {
	Token string      `json:"token"`
	User  SessionUser `json:"user"`
}

// AccountService covers self-service registration, login and key management.
type AccountService struct {
	store  store.Store
	users  *UserService
	tokens *auth.JWTManager
	logger *slog.Logger
}

func NewAccountService(s store.Store, users *UserService, tokens *auth.JWTManager, logger *slog.Logger) *AccountService {
	return &AccountService{store: s, users: users, tokens: tokens, logger: logger.With("component", "accounts")}
}

// Register creates a non-admin account.
func (s *AccountService) Register(ctx context.Context, username, email, password string) (*store.User, error) {
	return s.users.Create(ctx, CreateUserInput{Username: username, Email: email, Password: password})
}

func (s *AccountService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, validationf("Email and password are required")
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, ErrUnauthorized
	}

	token, err := s.tokens.Generate(user.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return &LoginResult{Token: token, User: NewSessionUser(user)}, nil
}

func (s *AccountService) Me(ctx context.Context, userID string) (*store.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return user, nil
}

// SetAPIKey stores the caller's own model key; an empty key clears it.
func (s *AccountService) SetAPIKey(ctx context.Context, userID, key string) error {
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return mapStoreErr(err)
	}
	key = strings.TrimSpace(key)
	var ptr *string
	if key != "" {
		ptr = &key
	}
	if err := s.store.SetAPIKey(ctx, userID, ptr); err != nil {
		return fmt.Errorf("failed to store api key: %w", err)
	}
	s.logger.Info("api key updated", "user_id", userID, "cleared", ptr == nil)
	return nil
}

// BootstrapAdmin creates an admin account, or promotes the existing account
// with the same email.
func (s *AccountService) BootstrapAdmin(ctx context.Context, username, email, password string) (*store.User, error) {
	existing, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(email))
	switch {
	case err == nil:
		admin := true
		return s.users.Update(ctx, existing.ID, UpdateUserInput{IsAdmin: &admin})
	case errors.Is(err, store.ErrNotFound):
		return s.users.Create(ctx, CreateUserInput{Username: username, Email: email, Password: password, IsAdmin: true})
	default:
		return nil, fmt.Errorf("failed to look up admin account: %w", err)
	}
}
