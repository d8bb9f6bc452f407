package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"qachat.io/qa-chatbot-backend/internal/store"
	"qachat.io/qa-chatbot-backend/internal/utils"
)

// Owner is the identity shown next to a conversation.
type Owner struct {
	ID       string `json:"_id,omitempty"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// DeletedUser stands in for owners that no longer exist.
var DeletedUser = Owner{Username: "Deleted User", Email: ""}

type ConversationView struct {
	store.Conversation
	User Owner `json:"user"`
}

type ConversationPage struct {
	Conversations []ConversationView `json:"conversations"`
	TotalPages    int                `json:"totalPages"`
	CurrentPage   int                `json:"currentPage"`
	Total         int64              `json:"total"`
}

type ConversationService struct {
	store  store.Store
	logger *slog.Logger
}

func NewConversationService(s store.Store, logger *slog.Logger) *ConversationService {
	return &ConversationService{store: s, logger: logger.With("component", "conversations")}
}

func (s *ConversationService) List(ctx context.Context, page, limit int, userID string) (*ConversationPage, error) {
	if page == 0 {
		page = utils.DefaultPage
	}
	if limit == 0 {
		limit = utils.DefaultLimit
	}

	q := store.ConversationQuery{UserID: userID, Limit: limit, Offset: utils.Offset(page, limit)}
	if limit < 0 {
		q.Limit = -1
	}
	convs, total, err := s.store.ListConversations(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	owners := newOwnerResolver(s.store)
	views := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		owner, err := owners.resolve(ctx, c.UserID)
		if err != nil {
			return nil, err
		}
		views = append(views, ConversationView{Conversation: c, User: owner})
	}

	return &ConversationPage{
		Conversations: views,
		TotalPages:    utils.TotalPages(total, limit),
		CurrentPage:   page,
		Total:         total,
	}, nil
}

func (s *ConversationService) Get(ctx context.Context, id string) (*ConversationView, error) {
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	owner, err := newOwnerResolver(s.store).resolve(ctx, c.UserID)
	if err != nil {
		return nil, err
	}
	return &ConversationView{Conversation: *c, User: owner}, nil
}

// ownerResolver looks up conversation owners once per id for the lifetime of
// a single request.
type ownerResolver struct {
	store store.Store
	seen  map[string]Owner
}

func newOwnerResolver(s store.Store) *ownerResolver {
	return &ownerResolver{store: s, seen: make(map[string]Owner)}
}

func (r *ownerResolver) resolve(ctx context.Context, userID string) (Owner, error) {
	if o, ok := r.seen[userID]; ok {
		return o, nil
	}
	u, err := r.store.GetUserByID(ctx, userID)
	var owner Owner
	switch {
	case err == nil:
		owner = Owner{ID: u.ID, Username: u.Username, Email: u.Email}
	case errors.Is(err, store.ErrNotFound):
		owner = DeletedUser
	default:
		return Owner{}, fmt.Errorf("failed to resolve conversation owner: %w", err)
	}
	r.seen[userID] = owner
	return owner, nil
}
