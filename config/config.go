// Package config loads the service configuration. Values are layered:
// built-in defaults, then an optional YAML file, then an optional dotenv
// file, then the process environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration errors.
var ErrInvalid = errors.New("config: invalid")

// Store kinds.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Duration is a time.Duration that also accepts day and week suffixes
// ("7d", "1w2d") in YAML and the environment.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string {
	return str2duration.String(time.Duration(d))
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "0" {
		return 0, nil
	}
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "config: duration %q", s), ErrInvalid)
	}
	return v, nil
}

type BreakerConfig struct {
	MaxFailures int      `yaml:"max_failures"`
	Cooldown    Duration `yaml:"cooldown"`
}

type StoreConfig struct {
	Kind       string        `yaml:"kind"`
	RedisURL   string        `yaml:"redis_url"`
	SQLitePath string        `yaml:"sqlite_path"`
	Breaker    BreakerConfig `yaml:"breaker"`
}

type IdempotencyConfig struct {
	TTL          Duration `yaml:"ttl"`
	LockTTL      Duration `yaml:"lock_ttl"`
	PollInterval Duration `yaml:"poll_interval"`
	PollTimeout  Duration `yaml:"poll_timeout"`
	LockRenew    *Duration `yaml:"lock_renew"`
	FailOpen     bool     `yaml:"fail_open"`
	KeyPrefix    string   `yaml:"key_prefix"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
}

// Renewal returns the lock heartbeat interval. Unless set explicitly it is a
// third of the lock TTL. Zero disables renewal.
func (c IdempotencyConfig) Renewal() time.Duration {
	if c.LockRenew != nil {
		return c.LockRenew.D()
	}
	return c.LockTTL.D() / 3
}

type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

type Config struct {
	Addr        string            `yaml:"addr"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"`
	Store       StoreConfig       `yaml:"store"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "console",
		Store: StoreConfig{
			Kind:       StoreRedis,
			RedisURL:   "redis://localhost:6379/0",
			SQLitePath: "notes-idempotency.db",
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Cooldown:    Duration(5 * time.Second),
			},
		},
		Idempotency: IdempotencyConfig{
			TTL:          Duration(24 * time.Hour),
			LockTTL:      Duration(30 * time.Second),
			PollInterval: Duration(20 * time.Millisecond),
			PollTimeout:  Duration(300 * time.Millisecond),
			KeyPrefix:    "idem",
			MaxBodyBytes: 1 << 20,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "notes-api",
		},
	}
}

// Load builds the configuration from the defaults, the YAML file at path and
// the dotenv file at envFile (both optional, empty to skip) and the process
// environment. Process environment wins over the dotenv file.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "config: parse %s", path), ErrInvalid)
		}
	}
	dotenv := map[string]string{}
	if envFile != "" {
		lines, err := ParseEnvFile(envFile)
		if err != nil {
			return nil, err
		}
		for _, l := range lines {
			dotenv[l.Key] = l.Val
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.apply(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		if v, ok := lookup(key); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "%s", key)
			}
			*dst = Duration(d)
		}
		return nil
	}
	boolean := func(key string, dst *bool) error {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return errors.Mark(errors.Wrapf(err, "config: %s", key), ErrInvalid)
			}
			*dst = b
		}
		return nil
	}
	integer := func(key string, dst *int64) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return errors.Mark(errors.Wrapf(err, "config: %s", key), ErrInvalid)
			}
			*dst = n
		}
		return nil
	}

	str("NOTES_ADDR", &c.Addr)
	str("NOTES_LOG_LEVEL", &c.LogLevel)
	str("NOTES_LOG_FORMAT", &c.LogFormat)
	str("NOTES_STORE", &c.Store.Kind)
	str("REDIS_URL", &c.Store.RedisURL)
	str("NOTES_SQLITE_PATH", &c.Store.SQLitePath)
	str("IDEMPOTENCY_KEY_PREFIX", &c.Idempotency.KeyPrefix)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	str("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)

	var seconds int64
	if err := integer("IDEMPOTENCY_TTL_SECONDS", &seconds); err != nil {
		return err
	}
	if seconds != 0 {
		c.Idempotency.TTL = Duration(time.Duration(seconds) * time.Second)
	}
	failures := int64(c.Store.Breaker.MaxFailures)
	if err := integer("NOTES_BREAKER_MAX_FAILURES", &failures); err != nil {
		return err
	}
	c.Store.Breaker.MaxFailures = int(failures)

	for key, dst := range map[string]*Duration{
		"IDEMPOTENCY_TTL":           &c.Idempotency.TTL,
		"IDEMPOTENCY_LOCK_TTL":      &c.Idempotency.LockTTL,
		"IDEMPOTENCY_POLL_INTERVAL": &c.Idempotency.PollInterval,
		"IDEMPOTENCY_POLL_TIMEOUT":  &c.Idempotency.PollTimeout,
		"NOTES_BREAKER_COOLDOWN":    &c.Store.Breaker.Cooldown,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	if v, ok := lookup("IDEMPOTENCY_LOCK_RENEW"); ok && v != "" {
		var renew Duration
		if err := dur("IDEMPOTENCY_LOCK_RENEW", &renew); err != nil {
			return err
		}
		c.Idempotency.LockRenew = &renew
	}
	if err := boolean("IDEMPOTENCY_FAIL_OPEN", &c.Idempotency.FailOpen); err != nil {
		return err
	}
	if err := boolean("OTEL_EXPORTER_OTLP_INSECURE", &c.Telemetry.Insecure); err != nil {
		return err
	}
	return integer("IDEMPOTENCY_MAX_BODY_BYTES", &c.Idempotency.MaxBodyBytes)
}

// Validate reports the first inconsistency in c.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.Mark(errors.Newf("config: "+format, args...), ErrInvalid)
	}
	switch c.Store.Kind {
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return invalid("redis store requires REDIS_URL")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return invalid("sqlite store requires NOTES_SQLITE_PATH")
		}
	case StoreMemory:
	default:
		return invalid("unknown store kind %q", c.Store.Kind)
	}
	idem := c.Idempotency
	switch {
	case idem.TTL <= 0:
		return invalid("idempotency ttl must be positive, got %s", idem.TTL)
	case idem.LockTTL <= 0:
		return invalid("lock ttl must be positive, got %s", idem.LockTTL)
	case idem.PollInterval <= 0:
		return invalid("poll interval must be positive, got %s", idem.PollInterval)
	case idem.PollTimeout < idem.PollInterval:
		return invalid("poll interval %s exceeds poll timeout %s", idem.PollInterval, idem.PollTimeout)
	case idem.Renewal() < 0 || (idem.Renewal() > 0 && idem.Renewal() >= idem.LockTTL.D()):
		return invalid("lock renewal %s must be below the lock ttl %s", idem.Renewal(), idem.LockTTL)
	case idem.MaxBodyBytes <= 0:
		return invalid("max body bytes must be positive, got %d", idem.MaxBodyBytes)
	case c.Store.Breaker.MaxFailures < 0:
		return invalid("breaker max failures must not be negative")
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return invalid("unknown log format %q", c.LogFormat)
	}
	return nil
}
