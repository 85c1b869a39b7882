package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

type Config struct {
	DB     DBConfig
	HTTP   HTTPConfig
	Auth   AuthConfig
	Kafka  KafkaConfig
	Log    LogConfig
	Store  StoreConfig
	Policy PolicyConfig
}

type DBConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	// ConnectTimeout bounds how long startup waits for the database to
	// accept connections.
	ConnectTimeout time.Duration
	MaxOpenConns   int
	MaxIdleConns   int
	SQLitePath     string
}

type HTTPConfig struct {
	Addr           string
	AllowedOrigins []string
}

type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type LogConfig struct {
	Level string
	Dir   string
}

type StoreConfig struct {
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

type PolicyConfig struct {
	LockLimit int
}

// Load reads config.env when it exists and then the process environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		DB: DBConfig{
			Driver:     valueOrDefault("DB_DRIVER", DriverPostgres),
			Host:       valueOrDefault("DB_HOST", "localhost"),
			User:       os.Getenv("DB_USER"),
			Password:   os.Getenv("DB_PASSWORD"),
			Name:       valueOrDefault("DB_NAME", "cashbook"),
			SSLMode:    valueOrDefault("DB_SSLMODE", "disable"),
			SQLitePath: valueOrDefault("SQLITE_PATH", "cashbook.db"),
		},
		HTTP: HTTPConfig{
			Addr:           valueOrDefault("HTTP_ADDR", ":8080"),
			AllowedOrigins: splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			JWTIssuer: valueOrDefault("JWT_ISSUER", "cashbook"),
		},
		Kafka: KafkaConfig{
			Brokers: splitCSV(os.Getenv("KAFKA_BROKERS")),
			Topic:   valueOrDefault("KAFKA_TOPIC", "cashbook.transactions"),
		},
		Log: LogConfig{
			Level: valueOrDefault("LOG_LEVEL", "info"),
			Dir:   os.Getenv("LOG_DIR"),
		},
	}

	var err error
	if cfg.DB.Port, err = intWithDefault("DB_PORT", 5432); err != nil {
		return nil, err
	}
	if cfg.DB.ConnectTimeout, err = durationWithDefault("DB_CONNECT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DB.MaxOpenConns, err = intWithDefault("DB_MAX_OPEN_CONNS", 25); err != nil {
		return nil, err
	}
	if cfg.DB.MaxIdleConns, err = intWithDefault("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, err
	}
	if cfg.Store.RetryAttempts, err = intWithDefault("STORE_RETRY_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.Store.RetryBaseDelay, err = durationWithDefault("STORE_RETRY_BASE_DELAY", 25*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.Policy.LockLimit, err = intWithDefault("LOCK_LIMIT", 20); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("invalid DB_DRIVER %q", c.DB.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.Store.RetryAttempts < 1 {
		return fmt.Errorf("invalid STORE_RETRY_ATTEMPTS: %d", c.Store.RetryAttempts)
	}
	if c.Policy.LockLimit < 1 {
		return fmt.Errorf("invalid LOCK_LIMIT: %d", c.Policy.LockLimit)
	}
	return nil
}

func valueOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intWithDefault(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func durationWithDefault(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
