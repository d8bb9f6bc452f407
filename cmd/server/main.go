package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"qachat.io/qa-chatbot-backend/internal/api"
	"qachat.io/qa-chatbot-backend/internal/auth"
	"qachat.io/qa-chatbot-backend/internal/config"
	"qachat.io/qa-chatbot-backend/internal/core"
	"qachat.io/qa-chatbot-backend/internal/ratelimit"
	"qachat.io/qa-chatbot-backend/internal/store"
	"qachat.io/qa-chatbot-backend/internal/utils"
)

func main() {
	bootstrapAdmin := flag.Bool("bootstrap-admin", false, "Create or promote the admin from ADMIN_USERNAME, ADMIN_EMAIL and ADMIN_PASSWORD, then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := utils.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger, *bootstrapAdmin); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.DatabaseDriver {
	case config.DriverMongo:
		return store.NewMongoStore(ctx, cfg.DatabaseURL, cfg.MongoDatabase, logger)
	default:
		return store.NewSQLiteStore(cfg.DatabaseURL, logger)
	}
}

// newLimiters returns nil limiters when Redis is not configured, which
// leaves the auth routes unthrottled.
func newLimiters(ctx context.Context, cfg *config.Config, logger *slog.Logger) (login, register *ratelimit.FixedWindowLimiter, closeFn func(), err error) {
	closeFn = func() {}
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, auth rate limiting disabled")
		return nil, nil, closeFn, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, closeFn, fmt.Errorf("failed to connect to redis: %w", err)
	}
	closeFn = func() { client.Close() }

	login, err = ratelimit.NewFixedWindowLimiter(client, "qachat:ratelimit:login", cfg.LoginRateLimitPerMinute, time.Minute, logger)
	if err != nil {
		closeFn()
		return nil, nil, func() {}, err
	}
	register, err = ratelimit.NewFixedWindowLimiter(client, "qachat:ratelimit:register", cfg.RegisterRateLimitPerMinute, time.Minute, logger)
	if err != nil {
		closeFn()
		return nil, nil, func() {}, err
	}
	return login, register, closeFn, nil
}

func run(cfg *config.Config, logger *slog.Logger, bootstrapAdmin bool) error {
	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dbStore, err := openStore(startCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	tokens := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiry)
	users := core.NewUserService(dbStore, logger)
	accounts := core.NewAccountService(dbStore, users, tokens, logger)

	if bootstrapAdmin {
		admin, err := accounts.BootstrapAdmin(startCtx, os.Getenv("ADMIN_USERNAME"), os.Getenv("ADMIN_EMAIL"), os.Getenv("ADMIN_PASSWORD"))
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		logger.Info("admin account ready", "user_id", admin.ID, "username", admin.Username)
		return nil
	}

	if cfg.GeminiAPIKey == "" {
		logger.Warn("GEMINI_API_KEY not set, trial prompts are disabled")
	}
	llm := core.NewLLMService(cfg.GeminiModel, logger)

	loginLimiter, registerLimiter, closeRedis, err := newLimiters(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	apiHandler := api.NewAPIHandler(api.Services{
		Users:         users,
		Conversations: core.NewConversationService(dbStore, logger),
		Analytics:     core.NewAnalyticsService(dbStore, loc, logger),
		Exporter:      core.NewExportService(dbStore, loc, logger),
		Accounts:      accounts,
		Chat:          core.NewChatService(dbStore, llm, cfg.GeminiAPIKey, logger),
	}, tokens, dbStore, logger)

	router := api.NewRouter(apiHandler, api.RouterConfig{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		LoginLimiter:      loginLimiter,
		RegisterLimiter:   registerLimiter,
	}, logger)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // model calls can be slow
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", serverAddr, "driver", cfg.DatabaseDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
		return nil
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited gracefully")
	return nil
}
