package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type APIConfig struct {
	Addr             string
	Store            string
	DatabaseURL      string
	SQLitePath       string
	DBMaxConns       int32
	DBConnectTimeout time.Duration
	StoreMaxRetries  int
	StoreRetryDelay  time.Duration
	RequestTimeout   time.Duration
	FallbackUserID   string
	MaxBodyBytes     int64
}

type ClientConfig struct {
	APIBaseURL      string
	SaveEvery       time.Duration
	MinSaveSpacing  time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	RequestTimeout  time.Duration
	TickEvery       time.Duration
	ClickCooldown   time.Duration
	IdentityTimeout time.Duration
	HealthEvery     time.Duration
	DataDir         string
	UserID          string
	TelegramInit    string
	TelegramToken   string
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("CRUMBS_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:             addr,
		Store:            strings.ToLower(envDefault("CRUMBS_STORE", "")),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:       envDefault("CRUMBS_SQLITE_PATH", "crumbs.db"),
		DBMaxConns:       int32(envIntDefault("CRUMBS_DB_MAX_CONNS", 10)),
		DBConnectTimeout: envDurationDefault("CRUMBS_DB_CONNECT_TIMEOUT", 10*time.Second),
		StoreMaxRetries:  envIntDefault("CRUMBS_STORE_MAX_RETRIES", 2),
		StoreRetryDelay:  envDurationDefault("CRUMBS_STORE_RETRY_DELAY", 200*time.Millisecond),
		RequestTimeout:   envDurationDefault("CRUMBS_API_REQUEST_TIMEOUT", 30*time.Second),
		FallbackUserID:   envDefault("CRUMBS_FALLBACK_USER_ID", "browser-test-user"),
		MaxBodyBytes:     int64(envIntDefault("CRUMBS_MAX_BODY_BYTES", 1<<20)),
	}
	if cfg.Store == "" {
		cfg.Store = StoreSQLite
		if cfg.DatabaseURL != "" {
			cfg.Store = StorePostgres
		}
	}
	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreSQLite:
	default:
		return cfg, fmt.Errorf("CRUMBS_STORE must be %q or %q, got %q", StorePostgres, StoreSQLite, cfg.Store)
	}
	if cfg.DBMaxConns <= 0 {
		return cfg, fmt.Errorf("CRUMBS_DB_MAX_CONNS must be > 0")
	}
	if cfg.StoreMaxRetries < 0 {
		return cfg, fmt.Errorf("CRUMBS_STORE_MAX_RETRIES must be >= 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return cfg, fmt.Errorf("CRUMBS_MAX_BODY_BYTES must be > 0")
	}
	return cfg, nil
}

func LoadClientFromEnv() (ClientConfig, error) {
	cfg := ClientConfig{
		APIBaseURL:      strings.TrimRight(envDefault("CRUMBS_API_BASE_URL", "http://localhost:8080"), "/"),
		SaveEvery:       envDurationDefault("CRUMBS_SAVE_EVERY", 10*time.Second),
		MinSaveSpacing:  envDurationDefault("CRUMBS_MIN_SAVE_SPACING", 10*time.Second),
		MaxRetries:      envIntDefault("CRUMBS_MAX_RETRIES", 3),
		RetryDelay:      envDurationDefault("CRUMBS_RETRY_DELAY", 2*time.Second),
		RequestTimeout:  envDurationDefault("CRUMBS_REQUEST_TIMEOUT", 15*time.Second),
		TickEvery:       envDurationDefault("CRUMBS_TICK_EVERY", 100*time.Millisecond),
		ClickCooldown:   envDurationDefault("CRUMBS_CLICK_COOLDOWN", 0),
		IdentityTimeout: envDurationDefault("CRUMBS_IDENTITY_TIMEOUT", 3*time.Second),
		HealthEvery:     envDurationDefault("CRUMBS_HEALTH_EVERY", 15*time.Second),
		DataDir:         envDefault("CRUMBS_DATA_DIR", defaultDataDir()),
		UserID:          strings.TrimSpace(os.Getenv("CRUMBS_USER_ID")),
		TelegramInit:    strings.TrimSpace(os.Getenv("CRUMBS_TG_INIT_DATA")),
		TelegramToken:   strings.TrimSpace(os.Getenv("CRUMBS_TG_BOT_TOKEN")),
	}
	if cfg.SaveEvery <= 0 {
		return cfg, fmt.Errorf("CRUMBS_SAVE_EVERY must be > 0")
	}
	if cfg.TickEvery <= 0 {
		return cfg, fmt.Errorf("CRUMBS_TICK_EVERY must be > 0")
	}
	if cfg.MaxRetries < 0 {
		return cfg, fmt.Errorf("CRUMBS_MAX_RETRIES must be >= 0")
	}
	if cfg.MinSaveSpacing < 0 || cfg.ClickCooldown < 0 {
		return cfg, fmt.Errorf("CRUMBS_MIN_SAVE_SPACING and CRUMBS_CLICK_COOLDOWN must be >= 0")
	}
	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".crumbs"
	}
	return filepath.Join(home, ".crumbs")
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
