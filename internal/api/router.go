package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"qachat.io/qa-chatbot-backend/internal/ratelimit"
)

type RouterConfig struct {
	CORSAllowedOrigin string
	LoginLimiter      *ratelimit.FixedWindowLimiter
	RegisterLimiter   *ratelimit.FixedWindowLimiter
}

func NewRouter(apiHandler *APIHandler, cfg RouterConfig, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(CORS(cfg.CORSAllowedOrigin))

	r.Get("/health", apiHandler.HealthHandler)

	r.Route("/auth", func(r chi.Router) {
		r.With(RateLimit(cfg.RegisterLimiter)).Post("/register", apiHandler.RegisterHandler)
		r.With(RateLimit(cfg.LoginLimiter)).Post("/login", apiHandler.LoginHandler)
		r.With(apiHandler.JWTAuthMiddleware).Get("/me", apiHandler.MeHandler)
	})

	// User-authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(apiHandler.JWTAuthMiddleware)

		r.Post("/chat", apiHandler.ChatHandler)
		r.Get("/chat/conversations", apiHandler.ChatHistoryHandler)
		r.Put("/user/api-key", apiHandler.SetAPIKeyHandler)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(apiHandler.AdminMiddleware)

		r.Get("/analytics", apiHandler.AnalyticsHandler)

		r.Get("/users", apiHandler.ListUsersHandler)
		r.Post("/users", apiHandler.CreateUserHandler)
		r.Get("/users/{userID}", apiHandler.GetUserHandler)
		r.Put("/users/{userID}", apiHandler.UpdateUserHandler)
		r.Delete("/users/{userID}", apiHandler.DeleteUserHandler)
		r.Post("/users/{userID}/reset-password", apiHandler.ResetPasswordHandler)
		r.Delete("/users/{userID}/api-key", apiHandler.RevokeAPIKeyHandler)

		r.Get("/conversations", apiHandler.ListConversationsHandler)
		r.Get("/conversations/{conversationID}", apiHandler.GetConversationHandler)

		r.Get("/export/conversations", apiHandler.ExportConversationsHandler)
	})

	return r
}
