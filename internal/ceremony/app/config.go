package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/keyfold/keyfold/internal/ceremony/session"
	"github.com/keyfold/keyfold/pkg/jwtx"
	"github.com/keyfold/keyfold/pkg/timebox"
)

type Config struct {
	Issuer        string   // Issuer claim for access tokens (default: keyfold)
	RPID          string   // WebAuthn relying party ID (default: localhost)
	RPDisplayName string   // WebAuthn relying party display name (default: Keyfold)
	RPOrigins     []string // WebAuthn allowed origins (default: http://localhost:8080)

	DatabaseFile  string // Path to SQLite database file (default: ./keyfold.db)
	PepperFile    string // Path to password-hashing pepper file (default: ./pepper)
	MasterKeyPath string // Path to master encryption key file (optional; ephemeral key when unset)

	SudoWindow       time.Duration // Sliding sudo-mode window (default: 3h)
	MinChallengeTime time.Duration // Minimum observable duration for credential checks (default: 500ms)
	SessionTTL       time.Duration // Idle session lifetime (default: 30m)
	TokenTTL         time.Duration // Access token lifetime (default: 15m)
	AttemptWindow    time.Duration // Rolling window for failed-attempt counters (default: 1m)
	MaxAttempts      int           // Failed attempts per window per key (default: 5)
	SecureCookies    bool          // Mark session cookies Secure (default: false for dev)

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	Port                 int           // HTTP server port (default: 8080)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Abandoned-claim sweep interval (default: 1h)
	ClaimTTL             time.Duration // Unconfirmed passkey claim lifetime (default: 24h)
}

func LoadConfig() Config {
	return Config{
		Issuer:        getEnvOrDefault("KEYFOLD_ISSUER", "keyfold"),
		RPID:          getEnvOrDefault("KEYFOLD_RP_ID", "localhost"),
		RPDisplayName: getEnvOrDefault("KEYFOLD_RP_DISPLAY_NAME", "Keyfold"),
		RPOrigins: splitList(getEnvOrDefault(
			"KEYFOLD_RP_ORIGINS",
			"http://localhost:8080",
		)),

		DatabaseFile:  getEnvOrDefault("KEYFOLD_DATABASE_FILE", "keyfold.db"),
		PepperFile:    getEnvOrDefault("KEYFOLD_PEPPER_FILE", "pepper"),
		MasterKeyPath: os.Getenv("KEYFOLD_MASTER_KEY_PATH"),

		SudoWindow:       getEnvDurationOrDefault("KEYFOLD_SUDO_WINDOW", 3*time.Hour),
		MinChallengeTime: getEnvDurationOrDefault("KEYFOLD_MIN_CHALLENGE_TIME", timebox.DefaultMinimum),
		SessionTTL:       getEnvDurationOrDefault("KEYFOLD_SESSION_TTL", session.DefaultTTL),
		TokenTTL:         getEnvDurationOrDefault("KEYFOLD_TOKEN_TTL", jwtx.DefaultSessionTokenTTL),
		AttemptWindow:    getEnvDurationOrDefault("KEYFOLD_ATTEMPT_WINDOW", time.Minute),
		MaxAttempts:      getEnvIntOrDefault("KEYFOLD_MAX_ATTEMPTS", 5),
		SecureCookies:    getEnvOrDefault("KEYFOLD_SECURE_COOKIES", "false") == "true",

		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                 getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
		ClaimTTL:             getEnvDurationOrDefault("KEYFOLD_CLAIM_TTL", 24*time.Hour),
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}
