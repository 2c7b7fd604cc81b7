package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sevenofnine/coursework-sync/internal/classroom"
)

type Config struct {
	UserID             string
	AccessToken        string
	IDToken            string
	ClassroomURL       string
	CalendarURL        string
	TokenURL           string
	ClientID           string
	ClientSecret       string
	DBPath             string
	MappingDSN         string
	VaultPassword      string
	BindAddress        string
	UnixSocketPath     string
	RequireBearerToken bool
	BearerToken        string
	RequestTimeout     time.Duration
	SyncInterval       time.Duration
	MirrorInterval     time.Duration
	SyncConcurrency    int
	MirrorConcurrency  int
	Courses            []string
	LogLevel           string
	EnableTray         bool
	EnableMirror       bool
}

// Load reads the environment, after merging in an optional .env file
// (CWS_ENV_FILE, default ".env"). Variables already set win over the file.
func Load() (Config, error) {
	envFile := getenvDefault("CWS_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	courses, err := ParseCourses(os.Getenv("CWS_COURSES"))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		UserID:             getenvDefault("CWS_USER_ID", "me"),
		AccessToken:        strings.TrimSpace(os.Getenv("CWS_ACCESS_TOKEN")),
		IDToken:            strings.TrimSpace(os.Getenv("CWS_ID_TOKEN")),
		ClassroomURL:       getenvDefault("CWS_CLASSROOM_URL", classroom.DefaultBaseURL),
		CalendarURL:        strings.TrimSpace(os.Getenv("CWS_CALENDAR_URL")),
		TokenURL:           strings.TrimSpace(os.Getenv("CWS_TOKEN_URL")),
		ClientID:           strings.TrimSpace(os.Getenv("CWS_CLIENT_ID")),
		ClientSecret:       strings.TrimSpace(os.Getenv("CWS_CLIENT_SECRET")),
		DBPath:             getenvDefault("CWS_DB_PATH", defaultDBPath()),
		MappingDSN:         strings.TrimSpace(os.Getenv("CWS_MAPPING_DSN")),
		VaultPassword:      os.Getenv("CWS_VAULT_PASSWORD"),
		BindAddress:        getenvDefault("CWS_BIND_ADDRESS", "127.0.0.1:9843"),
		UnixSocketPath:     strings.TrimSpace(os.Getenv("CWS_UNIX_SOCKET")),
		RequireBearerToken: getenvBool("CWS_REQUIRE_TOKEN", true),
		BearerToken:        strings.TrimSpace(os.Getenv("CWS_BEARER_TOKEN")),
		RequestTimeout:     getenvDuration("CWS_REQUEST_TIMEOUT", 10*time.Second),
		SyncInterval:       getenvDuration("CWS_SYNC_INTERVAL", 10*time.Minute),
		MirrorInterval:     getenvDuration("CWS_MIRROR_INTERVAL", time.Hour),
		SyncConcurrency:    getenvInt("CWS_SYNC_CONCURRENCY", 4),
		MirrorConcurrency:  getenvInt("CWS_MIRROR_CONCURRENCY", 4),
		Courses:            courses,
		LogLevel:           getenvDefault("CWS_LOG_LEVEL", "info"),
		EnableTray:         getenvBool("CWS_ENABLE_TRAY", false),
		EnableMirror:       getenvBool("CWS_ENABLE_MIRROR", true),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.UserID == "" {
		return errors.New("CWS_USER_ID is required")
	}
	if c.DBPath == "" {
		return errors.New("CWS_DB_PATH is required")
	}
	if c.BindAddress == "" && c.UnixSocketPath == "" {
		return errors.New("either bind address or unix socket path must be configured")
	}
	if c.RequireBearerToken && c.BearerToken == "" {
		return errors.New("CWS_BEARER_TOKEN is required when token auth is enabled")
	}
	if c.ClientID != "" && c.VaultPassword == "" {
		return errors.New("CWS_VAULT_PASSWORD is required when refresh tokens are used")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be > 0")
	}
	if c.SyncInterval <= 0 || c.MirrorInterval <= 0 {
		return errors.New("sync and mirror intervals must be > 0")
	}
	if c.SyncConcurrency <= 0 || c.MirrorConcurrency <= 0 {
		return errors.New("concurrency limits must be > 0")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return nil
}

// RefreshEnabled reports whether the OAuth client is configured, which turns
// on refresh-token sessions and the calendar mirror.
func (c Config) RefreshEnabled() bool { return c.ClientID != "" }

// ParseCourses splits a comma separated list of course ids or classroom
// links into course ids.
func ParseCourses(raw string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := classroom.ParseCourseReference(part)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "coursework-sync.db"
	}
	return filepath.Join(dir, "coursework-sync", "sync.db")
}

func getenvDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getenvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
