/*
Package configs is responsible for loading and parsing the application's configuration settings.

It configures the relay by reading operating system environment variables: the running
environment and port, CORS origins, identity verification, the durable store driver,
the optional Redis presence mirror and the relay's timing and membership policies.
*/
package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"
	StoreDriverMemory   = "memory"
)

// AppConfig contains all configuration parameters required for the application to run.
// All configuration values are loaded from environment variables.
type AppConfig struct {
	// General Server Settings
	Environment string
	Port        int

	// Security Settings
	AllowedOrigins []string
	JWTSecret      string
	JWKSURL        string
	JWTIssuer      string
	JWTAudience    string

	// Durable Store Settings
	StoreDriver   string
	DatabaseDSN   string
	MongoURI      string
	MongoDatabase string
	StoreTimeout  time.Duration

	// Presence Settings
	RedisURL             string
	PresenceStaleAfter   time.Duration
	PresenceReapInterval time.Duration

	// Relay Settings
	MembershipPolicy string
	TypingTimeout    time.Duration
}

// IsDevelopment reports whether the relay runs in the development environment.
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// LoadConfig reads and parses the application configuration from environment variables.
// It provides default values for each configuration item and performs necessary type conversions and validation.
// It returns a pointer to the AppConfig struct and any error encountered.
func LoadConfig() (*AppConfig, error) {
	cfg := &AppConfig{}
	var err error

	// --- General Server Settings ---
	// Environment
	cfg.Environment = os.Getenv("ENVIRONMENT")
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	// Port
	portStr := os.Getenv("PORT")
	if portStr == "" {
		portStr = "8080"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT environment variable: %w", err)
	}
	cfg.Port = port

	if cfg.Port < 1024 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port number %d is outside the recommended range (%d-%d) to avoid privileged ports", cfg.Port, 1024, 65535)
	}

	// --- Security Settings ---
	// AllowedOrigins
	cfg.AllowedOrigins = []string{}
	if originsStr := os.Getenv("ALLOWED_ORIGINS"); originsStr != "" {
		for _, origin := range strings.Split(originsStr, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
			}
		}
	}

	// Identity verification: a JWKS endpoint takes precedence over the shared secret.
	cfg.JWKSURL = os.Getenv("JWKS_URL")
	cfg.JWTIssuer = os.Getenv("JWT_ISSUER")
	cfg.JWTAudience = os.Getenv("JWT_AUDIENCE")

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" && cfg.JWKSURL == "" {
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("JWT_SECRET or JWKS_URL environment variable is required in %s environment for security", cfg.Environment)
		}
		jwtSecret = "your_default_insecure_secret_key_change_me"
	}
	cfg.JWTSecret = jwtSecret

	// --- Durable Store Settings ---
	cfg.StoreDriver = strings.ToLower(os.Getenv("STORE_DRIVER"))
	if cfg.StoreDriver == "" {
		if cfg.IsDevelopment() {
			cfg.StoreDriver = StoreDriverMemory
		} else {
			cfg.StoreDriver = StoreDriverPostgres
		}
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		cfg.DatabaseDSN = os.Getenv("DATABASE_URL")
		if cfg.DatabaseDSN == "" {
			return nil, fmt.Errorf("DATABASE_URL environment variable is required for the %s store", cfg.StoreDriver)
		}

	case StoreDriverMongo:
		cfg.MongoURI = os.Getenv("MONGO_URI")
		if cfg.MongoURI == "" {
			return nil, fmt.Errorf("MONGO_URI environment variable is required for the %s store", cfg.StoreDriver)
		}
		cfg.MongoDatabase = os.Getenv("MONGO_DATABASE")
		if cfg.MongoDatabase == "" {
			cfg.MongoDatabase = "noterelay"
		}

	case StoreDriverMemory:
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("the %s store is only allowed in the development environment", cfg.StoreDriver)
		}

	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER %q: want %s, %s or %s",
			cfg.StoreDriver, StoreDriverPostgres, StoreDriverMongo, StoreDriverMemory)
	}

	if cfg.StoreTimeout, err = durationEnv("STORE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout <= 0 {
		return nil, fmt.Errorf("STORE_TIMEOUT must be positive")
	}

	// --- Presence Settings ---
	cfg.RedisURL = os.Getenv("REDIS_URL")

	if cfg.PresenceStaleAfter, err = durationEnv("PRESENCE_STALE_AFTER", 0); err != nil {
		return nil, err
	}
	if cfg.PresenceReapInterval, err = durationEnv("PRESENCE_REAP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.PresenceStaleAfter < 0 || cfg.PresenceReapInterval <= 0 {
		return nil, fmt.Errorf("PRESENCE_STALE_AFTER must not be negative and PRESENCE_REAP_INTERVAL must be positive")
	}

	// --- Relay Settings ---
	cfg.MembershipPolicy = strings.ToLower(strings.TrimSpace(os.Getenv("MEMBERSHIP_POLICY")))
	if cfg.MembershipPolicy == "" {
		cfg.MembershipPolicy = "cache"
	}
	if cfg.MembershipPolicy != "cache" && cfg.MembershipPolicy != "revalidate" {
		return nil, fmt.Errorf("invalid MEMBERSHIP_POLICY %q: want cache or revalidate", cfg.MembershipPolicy)
	}

	if cfg.TypingTimeout, err = durationEnv("TYPING_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if cfg.TypingTimeout < 0 {
		return nil, fmt.Errorf("TYPING_TIMEOUT must not be negative")
	}

	return cfg, nil
}

// durationEnv parses a Go duration such as "5s" from key, returning def when unset.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s environment variable: %w", key, err)
	}
	return d, nil
}
