package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

type Config struct {
	HTTPPort       string `yaml:"httpPort"`
	DatabaseDriver string `yaml:"databaseDriver"`
	DatabaseURL    string `yaml:"databaseUrl"`
	MongoDatabase  string `yaml:"mongoDatabase"`

	JWTSecret string        `yaml:"jwtSecret"`
	JWTExpiry time.Duration `yaml:"jwtExpiry"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	GeminiAPIKey string `yaml:"geminiApiKey"`
	GeminiModel  string `yaml:"geminiModel"`

	RedisAddr                  string `yaml:"redisAddr"`
	RedisPassword              string `yaml:"redisPassword"`
	LoginRateLimitPerMinute    int    `yaml:"loginRateLimitPerMinute"`
	RegisterRateLimitPerMinute int    `yaml:"registerRateLimitPerMinute"`

	// ReportTimezone is an IANA zone name used for analytics day buckets.
	// Empty means the server's local zone.
	ReportTimezone    string `yaml:"reportTimezone"`
	CORSAllowedOrigin string `yaml:"corsAllowedOrigin"`
}

func defaults() Config {
	return Config{
		HTTPPort:                   "8080",
		DatabaseDriver:             DriverSQLite,
		DatabaseURL:                "qa_chatbot.db",
		MongoDatabase:              "qa_chatbot",
		JWTExpiry:                  24 * time.Hour,
		LogLevel:                   "info",
		LogFormat:                  "text",
		GeminiModel:                "gemini-1.5-flash-latest",
		LoginRateLimitPerMinute:    10,
		RegisterRateLimitPerMinute: 5,
		CORSAllowedOrigin:          "*",
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE, a .env file and finally the process environment.
func Load() (*Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env is fine; the environment may be set some other way.
	_ = godotenv.Load()

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.DatabaseDriver = strings.ToLower(getEnv("DATABASE_DRIVER", cfg.DatabaseDriver))
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.MongoDatabase = getEnv("MONGO_DATABASE", cfg.MongoDatabase)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.GeminiAPIKey = getEnv("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.GeminiModel = getEnv("GEMINI_MODEL", cfg.GeminiModel)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.ReportTimezone = getEnv("REPORT_TIMEZONE", cfg.ReportTimezone)
	cfg.CORSAllowedOrigin = getEnv("CORS_ALLOWED_ORIGIN", cfg.CORSAllowedOrigin)

	var err error
	if cfg.LoginRateLimitPerMinute, err = getEnvAsInt("LOGIN_RATE_LIMIT_PER_MINUTE", cfg.LoginRateLimitPerMinute); err != nil {
		return err
	}
	if cfg.RegisterRateLimitPerMinute, err = getEnvAsInt("REGISTER_RATE_LIMIT_PER_MINUTE", cfg.RegisterRateLimitPerMinute); err != nil {
		return err
	}
	if raw := os.Getenv("JWT_EXPIRY"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid JWT_EXPIRY %q: %w", raw, err)
		}
		cfg.JWTExpiry = d
	}
	return nil
}

func (c *Config) validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.JWTExpiry <= 0 {
		errs = append(errs, errors.New("JWT_EXPIRY must be positive"))
	}
	switch c.DatabaseDriver {
	case DriverSQLite, DriverMongo:
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.LoginRateLimitPerMinute <= 0 || c.RegisterRateLimitPerMinute <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location resolves ReportTimezone.
func (c *Config) Location() (*time.Location, error) {
	if c.ReportTimezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.ReportTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid REPORT_TIMEZONE %q: %w", c.ReportTimezone, err)
	}
	return loc, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, valueStr, err)
	}
	return value, nil
}
