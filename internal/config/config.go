// Package config loads process configuration from the environment,
// following the teacher's envOr/Load shape.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the client library's and daemon's environment-derived
// settings (spec §6 Environment).
type Config struct {
	APIURL       string
	Username     string
	KeyID        string
	SecretKey    string
	CachePath    string
	MaxRetries   int
	Errata       string // "error", "warning", or "ignore"
	LogLevel     slog.Level
	ListenAddr   string
	VaultAddr    string
	VaultTokenFile string
	LockCollectionURI string
}

// Load reads Config from the environment, applying the same defaults as
// the teacher's config.Load.
func Load() Config {
	home, _ := os.UserHomeDir()
	defaultCache := filepath.Join(home, ".cache", "nog")
	defaultVaultToken := filepath.Join(home, ".vault-token")

	maxRetries, _ := strconv.Atoi(envOr("NOG_MAX_RETRIES", "5"))

	return Config{
		APIURL:            os.Getenv("NOG_API_URL"),
		Username:          os.Getenv("NOG_USERNAME"),
		KeyID:             os.Getenv("NOG_KEYID"),
		SecretKey:         os.Getenv("NOG_SECRETKEY"),
		CachePath:         envOr("NOG_CACHE_PATH", defaultCache),
		MaxRetries:        maxRetries,
		Errata:            envOr("NOG_ERRATA", "error"),
		LogLevel:          parseLogLevel(envOr("NOG_LOG_LEVEL", "info")),
		ListenAddr:        envOr("NOG_LISTEN_ADDR", ":8080"),
		VaultAddr:         os.Getenv("VAULT_ADDR"),
		VaultTokenFile:    envOr("VAULT_TOKEN_FILE", defaultVaultToken),
		LockCollectionURI: os.Getenv("NOG_LOCK_COLLECTION_URI"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
