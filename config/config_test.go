package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every variable Load reads so the host environment does not
// leak into a test.
func clearEnv(t *testing.T) {
	for _, key := range []string{
		"NOTES_ADDR", "NOTES_LOG_LEVEL", "NOTES_LOG_FORMAT", "NOTES_STORE", "REDIS_URL",
		"NOTES_SQLITE_PATH", "IDEMPOTENCY_TTL_SECONDS", "IDEMPOTENCY_TTL", "IDEMPOTENCY_LOCK_TTL",
		"IDEMPOTENCY_POLL_INTERVAL", "IDEMPOTENCY_POLL_TIMEOUT", "IDEMPOTENCY_LOCK_RENEW",
		"IDEMPOTENCY_FAIL_OPEN", "IDEMPOTENCY_KEY_PREFIX", "IDEMPOTENCY_MAX_BODY_BYTES",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME", "OTEL_EXPORTER_OTLP_INSECURE",
		"NOTES_BREAKER_MAX_FAILURES", "NOTES_BREAKER_COOLDOWN",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, StoreRedis, cfg.Store.Kind)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL.D())
	assert.Equal(t, 30*time.Second, cfg.Idempotency.LockTTL.D())
	assert.Equal(t, 20*time.Millisecond, cfg.Idempotency.PollInterval.D())
	assert.Equal(t, 300*time.Millisecond, cfg.Idempotency.PollTimeout.D())
	assert.Nil(t, cfg.Idempotency.LockRenew)
	assert.Equal(t, 10*time.Second, cfg.Idempotency.Renewal())
	assert.False(t, cfg.Idempotency.FailOpen)
	assert.Equal(t, "idem", cfg.Idempotency.KeyPrefix)
	assert.EqualValues(t, 1<<20, cfg.Idempotency.MaxBodyBytes)
	assert.Equal(t, "notes-api", cfg.Telemetry.ServiceName)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "notes.yaml", `
addr: ":9090"
log_format: json
store:
  kind: sqlite
  sqlite_path: /var/lib/notes/idem.db
  breaker:
    max_failures: 3
    cooldown: 1m
idempotency:
  ttl: 7d
  poll_timeout: 500ms
  fail_open: true
`)
	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, StoreSQLite, cfg.Store.Kind)
	assert.Equal(t, "/var/lib/notes/idem.db", cfg.Store.SQLitePath)
	assert.Equal(t, 3, cfg.Store.Breaker.MaxFailures)
	assert.Equal(t, time.Minute, cfg.Store.Breaker.Cooldown.D())
	assert.Equal(t, 7*24*time.Hour, cfg.Idempotency.TTL.D())
	assert.Equal(t, 500*time.Millisecond, cfg.Idempotency.PollTimeout.D())
	assert.True(t, cfg.Idempotency.FailOpen)
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Idempotency.LockTTL.D())
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("NOTES_STORE", "memory")
	t.Setenv("IDEMPOTENCY_TTL_SECONDS", "3600")
	t.Setenv("IDEMPOTENCY_LOCK_TTL", "45s")
	t.Setenv("IDEMPOTENCY_LOCK_RENEW", "0")
	t.Setenv("IDEMPOTENCY_FAIL_OPEN", "true")
	t.Setenv("IDEMPOTENCY_MAX_BODY_BYTES", "2048")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")

	path := writeFile(t, "notes.yaml", "store:\n  kind: redis\nidempotency:\n  ttl: 2h\n")
	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.Equal(t, time.Hour, cfg.Idempotency.TTL.D())
	assert.Equal(t, 45*time.Second, cfg.Idempotency.LockTTL.D())
	require.NotNil(t, cfg.Idempotency.LockRenew)
	assert.Zero(t, cfg.Idempotency.Renewal())
	assert.True(t, cfg.Idempotency.FailOpen)
	assert.EqualValues(t, 2048, cfg.Idempotency.MaxBodyBytes)
	assert.Equal(t, "collector:4318", cfg.Telemetry.Endpoint)
}

func TestLoadRenewalFollowsLockTTL(t *testing.T) {
	clearEnv(t)
	t.Setenv("IDEMPOTENCY_LOCK_TTL", "6s")
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Idempotency.Renewal())

	t.Setenv("IDEMPOTENCY_LOCK_RENEW", "5s")
	cfg, err = Load("", "")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Idempotency.Renewal())

	t.Setenv("IDEMPOTENCY_LOCK_RENEW", "6s")
	_, err = Load("", "")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadTTLDurationWinsOverSeconds(t *testing.T) {
	clearEnv(t)
	t.Setenv("IDEMPOTENCY_TTL_SECONDS", "60")
	t.Setenv("IDEMPOTENCY_TTL", "2d")
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.Idempotency.TTL.D())
}

func TestLoadDotenv(t *testing.T) {
	clearEnv(t)
	t.Setenv("NOTES_ADDR", ":7000")
	env := writeFile(t, ".env", `
# local development
NOTES_ADDR=":6000"
export NOTES_STORE=sqlite
DATA_DIR=/tmp/notes
NOTES_SQLITE_PATH=${DATA_DIR}/idem.db
IDEMPOTENCY_POLL_TIMEOUT='1s'
`)
	cfg, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr, "process environment wins over the dotenv file")
	assert.Equal(t, StoreSQLite, cfg.Store.Kind)
	assert.Equal(t, "/tmp/notes/idem.db", cfg.Store.SQLitePath)
	assert.Equal(t, time.Second, cfg.Idempotency.PollTimeout.D())
}

func TestLoadMissingDotenv(t *testing.T) {
	clearEnv(t)
	_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	tests := map[string]map[string]string{
		"bad duration":      {"IDEMPOTENCY_TTL": "soon"},
		"bad bool":          {"IDEMPOTENCY_FAIL_OPEN": "maybe"},
		"bad integer":       {"IDEMPOTENCY_TTL_SECONDS": "a day"},
		"unknown store":     {"NOTES_STORE": "etcd"},
		"negative ttl":      {"IDEMPOTENCY_TTL_SECONDS": "-5"},
		"poll over timeout": {"IDEMPOTENCY_POLL_INTERVAL": "1s", "IDEMPOTENCY_POLL_TIMEOUT": "300ms"},
		"renew over lock":   {"IDEMPOTENCY_LOCK_RENEW": "40s"},
		"zero body limit":   {"IDEMPOTENCY_MAX_BODY_BYTES": "0"},
		"unknown format":    {"NOTES_LOG_FORMAT": "xml"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load("", "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), err.Error())
		})
	}
}

func TestLoadMissingYAML(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	assert.Error(t, err)
}
