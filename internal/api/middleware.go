package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"qachat.io/qa-chatbot-backend/internal/auth"
	"qachat.io/qa-chatbot-backend/internal/core"
	"qachat.io/qa-chatbot-backend/internal/ratelimit"
	"qachat.io/qa-chatbot-backend/internal/store"
)

type contextKey string

const (
	claimsKey contextKey = "claims"
	adminKey  contextKey = "admin"
)

// ClaimsFromContext returns the verified token claims, if any.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.Claims)
	return c, ok
}

// AdminFromContext returns the admin record loaded by AdminMiddleware.
func AdminFromContext(ctx context.Context) (*store.User, bool) {
	u, ok := ctx.Value(adminKey).(*store.User)
	return u, ok
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func (h *APIHandler) verify(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, err := h.tokens.Verify(bearerToken(r))
	if err != nil {
		if errors.Is(err, auth.ErrMissingToken) {
			writeMessage(w, http.StatusUnauthorized, "No token provided")
		} else {
			writeMessage(w, http.StatusUnauthorized, "Invalid token")
		}
		return nil, false
	}
	return claims, true
}

// JWTAuthMiddleware only verifies the token and attaches its claims.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := h.verify(w, r)
		if !ok {
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminMiddleware verifies the token, reloads the user on every request and
// requires the admin flag on the fresh record.
func (h *APIHandler) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := h.verify(w, r)
		if !ok {
			return
		}

		user, err := h.accounts.Me(r.Context(), claims.ResolvedUserID())
		if err != nil {
			if errors.Is(err, core.ErrUnauthorized) {
				writeMessage(w, http.StatusUnauthorized, "User not found")
				return
			}
			h.logger.Error("admin lookup failed", "user_id", claims.ResolvedUserID(), "error", err)
			writeError(w, http.StatusServiceUnavailable, "Failed to verify admin access", err)
			return
		}
		if !user.IsAdmin {
			writeMessage(w, http.StatusForbidden, "Admin access required")
			return
		}

		// secrets never travel further than the gate
		user.PasswordHash = ""
		user.APIKey = nil

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		ctx = context.WithValue(ctx, adminKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestLogger emits one structured line per request.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// CORS answers preflight requests and adds the allow headers.
func CORS(allowedOrigin string) func(http.Handler) http.Handler {
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit rejects requests from a client IP once limiter denies them. A nil
// limiter disables the check.
func RateLimit(limiter *ratelimit.FixedWindowLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r.Context(), clientIP(r)) {
				w.Header().Set("Retry-After", "60")
				writeMessage(w, http.StatusTooManyRequests, "Too many requests, please try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP relies on middleware.RealIP having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
