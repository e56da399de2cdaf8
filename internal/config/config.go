package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable the service needs. It is resolved once in
// main and threaded through constructors; nothing reads the environment at
// request time.
type Config struct {
	HTTPAddr string

	PostgresDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// JWTSecret signs access tokens (HS256).
	JWTSecret []byte
	// SecretsKey is the 32-byte AES-256-GCM key protecting TOTP secrets at rest.
	SecretsKey []byte

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	MFASessionTTL    time.Duration
	MFAMaxAttempts   int
	MFAResendCoolOff time.Duration

	// Fixed-window limits for authentication endpoints.
	AuthRateWindow time.Duration
	AuthRateMax    int

	LogLevel string
	LogDev   bool
}

// Load reads an optional .env file, then the environment, and validates the
// result. Missing secrets are a startup error, never a runtime fallback.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:         getEnv("BIOLINQ_HTTP_ADDR", ":8080"),
		PostgresDSN:      os.Getenv("BIOLINQ_PG_DSN"),
		RedisAddr:        getEnv("BIOLINQ_REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("BIOLINQ_REDIS_PASSWORD"),
		RedisDB:          getEnvInt("BIOLINQ_REDIS_DB", 0),
		AccessTokenTTL:   getEnvDuration("BIOLINQ_ACCESS_TTL", 15*time.Minute),
		RefreshTokenTTL:  getEnvDuration("BIOLINQ_REFRESH_TTL", 7*24*time.Hour),
		MFASessionTTL:    getEnvDuration("BIOLINQ_MFA_SESSION_TTL", 10*time.Minute),
		MFAMaxAttempts:   getEnvInt("BIOLINQ_MFA_MAX_ATTEMPTS", 5),
		MFAResendCoolOff: getEnvDuration("BIOLINQ_MFA_RESEND_COOLOFF", 60*time.Second),
		AuthRateWindow:   getEnvDuration("BIOLINQ_AUTH_RATE_WINDOW", time.Minute),
		AuthRateMax:      getEnvInt("BIOLINQ_AUTH_RATE_MAX", 10),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogDev:           os.Getenv("LOG_DEV") == "1",
	}

	secret := os.Getenv("BIOLINQ_JWT_SECRET")
	if secret == "" {
		return Config{}, errors.New("config: BIOLINQ_JWT_SECRET is required")
	}
	cfg.JWTSecret = []byte(secret)

	keyHex := os.Getenv("BIOLINQ_SECRETS_KEY")
	if keyHex == "" {
		return Config{}, errors.New("config: BIOLINQ_SECRETS_KEY is required")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return Config{}, fmt.Errorf("config: BIOLINQ_SECRETS_KEY is not hex: %w", err)
	}
	if len(key) != 32 {
		return Config{}, fmt.Errorf("config: BIOLINQ_SECRETS_KEY must be 32 bytes, got %d", len(key))
	}
	cfg.SecretsKey = key

	return cfg, nil
}

func getEnv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getEnvInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
