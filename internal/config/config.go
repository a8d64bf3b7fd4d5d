package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Env        string
	IssuerURL  string
	ListenAddr string

	// Storage
	DatabaseURL      string
	PIIPartitionURLs map[string]string // partition name -> DSN
	StorageTimeout   time.Duration
	RedisURL         string // optional; empty means in-process replay/rate stores

	// Shard counts. Must be powers of two.
	CodeShards      int
	SessionShards   int
	ChallengeShards int
	FlowShards      int

	// Keys & secrets
	KeyID            string
	KeyManagerSecret string
	AdminAPISecret   string

	// HTTP policy
	AllowedOrigins []string
	CookieSameSite string // "Lax" or "None"

	// Token lifetimes
	AccessTokenTTL  time.Duration
	IDTokenTTL      time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	DeviceCodeTTL   time.Duration
	PARRequestTTL   time.Duration
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	cfg := Config{
		Env:              getEnv("APP_ENV", "development"),
		IssuerURL:        strings.TrimRight(os.Getenv("ISSUER_URL"), "/"),
		ListenAddr:       getEnv("LISTEN_ADDR", ":8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		PIIPartitionURLs: loadPartitionURLs(),
		StorageTimeout:   getEnvAsDuration("STORAGE_TIMEOUT", 2*time.Second),
		RedisURL:         os.Getenv("REDIS_URL"),
		CodeShards:       getEnvAsInt("CODE_SHARDS", 64),
		SessionShards:    getEnvAsInt("SESSION_SHARDS", 32),
		ChallengeShards:  getEnvAsInt("CHALLENGE_SHARDS", 16),
		FlowShards:       getEnvAsInt("FLOW_SHARDS", 32),
		KeyID:            os.Getenv("KEY_ID"),
		KeyManagerSecret: os.Getenv("KEY_MANAGER_SECRET"),
		AdminAPISecret:   os.Getenv("ADMIN_API_SECRET"),
		AllowedOrigins:   splitList(os.Getenv("ALLOWED_ORIGINS")),
		CookieSameSite:   getEnv("COOKIE_SAME_SITE", "Lax"),
		AccessTokenTTL:   getEnvAsDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		IDTokenTTL:       getEnvAsDuration("ID_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:  getEnvAsDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		AuthCodeTTL:      getEnvAsDuration("AUTH_CODE_TTL", 10*time.Minute),
		DeviceCodeTTL:    getEnvAsDuration("DEVICE_CODE_TTL", 10*time.Minute),
		PARRequestTTL:    getEnvAsDuration("PAR_REQUEST_TTL", 90*time.Second),
	}

	if cfg.IssuerURL == "" {
		return cfg, fmt.Errorf("ISSUER_URL is required")
	}
	if cfg.CookieSameSite != "Lax" && cfg.CookieSameSite != "None" {
		return cfg, fmt.Errorf("COOKIE_SAME_SITE must be Lax or None, got %q", cfg.CookieSameSite)
	}
	if cfg.PARRequestTTL > 90*time.Second {
		return cfg, fmt.Errorf("PAR_REQUEST_TTL must not exceed 90s")
	}
	shards := []struct {
		name string
		n    int
	}{
		{"CODE_SHARDS", cfg.CodeShards},
		{"SESSION_SHARDS", cfg.SessionShards},
		{"CHALLENGE_SHARDS", cfg.ChallengeShards},
		{"FLOW_SHARDS", cfg.FlowShards},
	}
	for _, s := range shards {
		if s.n <= 0 || s.n&(s.n-1) != 0 {
			return cfg, fmt.Errorf("%s must be a power of two, got %d", s.name, s.n)
		}
	}
	return cfg, nil
}

// loadPartitionURLs collects PII_DATABASE_URL_<PARTITION> env vars.
// The suffix is lowercased, so PII_DATABASE_URL_EU maps to partition "eu".
func loadPartitionURLs() map[string]string {
	const prefix = "PII_DATABASE_URL_"
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) || v == "" {
			continue
		}
		out[strings.ToLower(strings.TrimPrefix(k, prefix))] = v
	}
	return out
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}
