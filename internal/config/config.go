// Package config loads durable's settings from a YAML file, environment
// variables and built-in defaults, then validates the result against an
// embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/durable/internal/idempotency"
	"github.com/roach88/durable/internal/wal"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "DURABLE_"

//go:embed schema.cue
var schema string

// Config is the complete runtime configuration.
type Config struct {
	LogLevel    string      `yaml:"log_level" json:"log_level" env:"LOG_LEVEL"`
	Database    Database    `yaml:"database" json:"database" envPrefix:"DATABASE_"`
	WAL         WAL         `yaml:"wal" json:"wal" envPrefix:"WAL_"`
	Idempotency Idempotency `yaml:"idempotency" json:"idempotency" envPrefix:"IDEMPOTENCY_"`
	HTTP        HTTP        `yaml:"http" json:"http" envPrefix:"HTTP_"`
	Telemetry   Telemetry   `yaml:"telemetry" json:"telemetry" envPrefix:"TELEMETRY_"`
}

// Database locates the SQLite file.
type Database struct {
	Path string `yaml:"path" json:"path" env:"PATH"`
}

// WAL tunes the write-ahead log and its replay.
type WAL struct {
	MaxRetries   int           `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`
	Lease        time.Duration `yaml:"lease" json:"lease" env:"LEASE"`
	ReplayMaxAge time.Duration `yaml:"replay_max_age" json:"replay_max_age" env:"REPLAY_MAX_AGE"`
	ReplayLimit  int           `yaml:"replay_limit" json:"replay_limit" env:"REPLAY_LIMIT"`
	Retention    time.Duration `yaml:"retention" json:"retention" env:"RETENTION"`
}

// Idempotency configures key expiry and the optional Redis result cache.
type Idempotency struct {
	TTL         time.Duration `yaml:"ttl" json:"ttl" env:"TTL"`
	LockTTL     time.Duration `yaml:"lock_ttl" json:"lock_ttl" env:"LOCK_TTL"`
	FailedTTL   time.Duration `yaml:"failed_ttl" json:"failed_ttl" env:"FAILED_TTL"`
	RedisAddr   string        `yaml:"redis_addr" json:"redis_addr" env:"REDIS_ADDR"`
	RedisPrefix string        `yaml:"redis_prefix" json:"redis_prefix" env:"REDIS_PREFIX"`
}

// HTTP configures the API listener.
type HTTP struct {
	Addr string `yaml:"addr" json:"addr" env:"ADDR"`
}

// Telemetry configures trace export. An empty endpoint disables export.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" json:"service_name" env:"SERVICE_NAME"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		LogLevel: "info",
		Database: Database{Path: "durable.db"},
		WAL: WAL{
			MaxRetries:   wal.DefaultMaxRetries,
			Lease:        wal.DefaultLease,
			ReplayMaxAge: wal.DefaultReplayMaxAge,
			ReplayLimit:  wal.DefaultReplayLimit,
			Retention:    7 * 24 * time.Hour,
		},
		Idempotency: Idempotency{
			TTL:         idempotency.DefaultTTL,
			LockTTL:     idempotency.DefaultLockTTL,
			FailedTTL:   idempotency.DefaultFailedTTL,
			RedisPrefix: "durable",
		},
		HTTP:      HTTP{Addr: ":8080"},
		Telemetry: Telemetry{ServiceName: "durable"},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and DURABLE_* environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeYAML rejects unknown keys so typos surface instead of being ignored.
func decodeYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ParseEnv overlays DURABLE_* environment variables onto target.
func ParseEnv(target *Config) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks cfg against the embedded schema.
func Validate(cfg Config) error {
	ctx := cuecontext.New()
	def := ctx.CompileString(schema).LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := def.Unify(ctx.Encode(cfg))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
