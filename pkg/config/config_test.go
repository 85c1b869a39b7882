package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.DB.Driver)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, "disable", cfg.DB.SSLMode)
	assert.Equal(t, 30*time.Second, cfg.DB.ConnectTimeout)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 3, cfg.Store.RetryAttempts)
	assert.Equal(t, 25*time.Millisecond, cfg.Store.RetryBaseDelay)
	assert.Equal(t, 20, cfg.Policy.LockLimit)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoadFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "config.env")
	content := "DB_DRIVER=sqlite3\nSQLITE_PATH=/tmp/x.db\nJWT_SECRET=abc\nKAFKA_BROKERS=k1:9092, k2:9092\nLOCK_LIMIT=5\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))

	// godotenv never overrides variables that are already set
	for _, k := range []string{"DB_DRIVER", "SQLITE_PATH", "JWT_SECRET", "KAFKA_BROKERS", "LOCK_LIMIT"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.DB.Driver)
	assert.Equal(t, "/tmp/x.db", cfg.DB.SQLitePath)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5, cfg.Policy.LockLimit)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{"JWT_SECRET": ""}},
		{"bad driver", map[string]string{"DB_DRIVER": "mysql"}},
		{"bad port", map[string]string{"DB_PORT": "abc"}},
		{"bad connect timeout", map[string]string{"DB_CONNECT_TIMEOUT": "soon"}},
		{"bad delay", map[string]string{"STORE_RETRY_BASE_DELAY": "soon"}},
		{"zero attempts", map[string]string{"STORE_RETRY_ATTEMPTS": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "secret")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
