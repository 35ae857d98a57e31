package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the chat client's configuration.
type Config struct {
	URL         string
	AnonKey     string
	SessionFile string

	LogFile  string
	LogLevel slog.Level

	HTTPTimeout    time.Duration
	Heartbeat      time.Duration
	ReconnectDelay time.Duration
}

func Load() (*Config, error) {
	home, _ := os.UserHomeDir()
	cfg := &Config{
		URL:         strings.TrimRight(getEnv("BETAPP_URL", "http://localhost:8000"), "/"),
		AnonKey:     os.Getenv("BETAPP_ANON_KEY"),
		SessionFile: getEnv("BETAPP_SESSION_FILE", filepath.Join(home, ".betapp", "session.yaml")),

		LogFile:  getEnv("BETAPP_LOG_FILE", filepath.Join(home, ".betapp", "betapp.log")),
		LogLevel: parseLogLevel(getEnv("BETAPP_LOG_LEVEL", "WARN")),

		HTTPTimeout:    getEnvAsDuration("BETAPP_HTTP_TIMEOUT", 15*time.Second),
		Heartbeat:      getEnvAsDuration("BETAPP_REALTIME_HEARTBEAT", 25*time.Second),
		ReconnectDelay: getEnvAsDuration("BETAPP_RECONNECT_DELAY", 2*time.Second),
	}

	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("BETAPP_URL must be an http(s) URL, got %q", cfg.URL)
	}
	return cfg, nil
}

// ServerConfig is the development backend's configuration.
type ServerConfig struct {
	Host        string
	Port        int
	DBDriver    string
	DatabaseURL string

	JWTSecret          string
	AccessTokenMinutes int
	AnonKey            string

	CORSOrigins []string
	Debug       bool

	LogFile  string
	LogLevel slog.Level
}

func LoadServer() (*ServerConfig, error) {
	cfg := &ServerConfig{
		Host:     getEnv("HTTP_HOST", "0.0.0.0"),
		Port:     getEnvAsInt("HTTP_PORT", 8000),
		DBDriver: getEnv("DB_DRIVER", "sqlite"),

		JWTSecret:          os.Getenv("JWT_SECRET"),
		AccessTokenMinutes: getEnvAsInt("ACCESS_TOKEN_EXPIRE_MINUTES", 60),
		AnonKey:            getEnv("ANON_KEY", "anon"),

		Debug: getEnvAsBool("DEBUG", true),

		LogFile:  os.Getenv("LOG_FILE"),
		LogLevel: parseLogLevel(getEnv("LOG_LEVEL", "INFO")),
	}

	switch cfg.DBDriver {
	case "sqlite":
		cfg.DatabaseURL = getEnv("DATABASE_URL", "file:betapp.db?cache=shared&_pragma=foreign_keys(1)")
	case "postgres":
		cfg.DatabaseURL = getEnv("DATABASE_URL", postgresURL())
	default:
		return nil, fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", cfg.DBDriver)
	}

	cors := getEnv("CORS_ORIGINS", "")
	if cors != "" {
		parts := strings.Split(cors, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.CORSOrigins = parts
	} else {
		cfg.CORSOrigins = []string{"http://localhost:8081", "http://localhost:19006"}
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	return cfg, nil
}

func (c *ServerConfig) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *ServerConfig) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenMinutes) * time.Minute
}

func postgresURL() string {
	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbUser := getEnv("POSTGRES_USER", "postgres")
	dbPass := getEnv("POSTGRES_PASSWORD", "postgres")
	dbName := getEnv("POSTGRES_DB", "betapp")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(dbUser, dbPass),
		Host:     fmt.Sprintf("%s:%s", dbHost, dbPort),
		Path:     dbName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
