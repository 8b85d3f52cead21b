// Package config loads the service configuration from a YAML file, an
// optional .env file and environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when none is given.
const DefaultPath = "configs/default.yaml"

// Store backends.
const (
	BackendRedis  = "redis"
	BackendSQL    = "sql"
	BackendMemory = "memory"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid")

type App struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Version      string `yaml:"version"`
	ContactName  string `yaml:"contact_name"`
	ContactEmail string `yaml:"contact_email"`
	Environment  string `yaml:"environment"`
}

type HTTP struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type GRPC struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

type Redis struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr returns host:port.
func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type SQL struct {
	Driver        string        `yaml:"driver"` // sqlite | postgres
	DSN           string        `yaml:"dsn"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type Memory struct {
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	MaxRetained      int           `yaml:"max_retained"`
	// WALPath journals every change between snapshots. Requires SnapshotPath.
	WALPath          string        `yaml:"wal_path"`
	WALBufferSize    int           `yaml:"wal_buffer_size"`
	WALFlushInterval time.Duration `yaml:"wal_flush_interval"`
}

type Store struct {
	Backend   string        `yaml:"backend"`
	ResultTTL time.Duration `yaml:"result_ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
	Redis     Redis         `yaml:"redis"`
	SQL       SQL           `yaml:"sql"`
	Memory    Memory        `yaml:"memory"`
}

type Worker struct {
	ID            string        `yaml:"id"`
	Count         int           `yaml:"count"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	ReapInterval  time.Duration `yaml:"reap_interval"`
}

type Action struct {
	PreDelay       time.Duration `yaml:"pre_delay"`
	RetryMax       int           `yaml:"retry_max"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

type Log struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Config is the full service configuration.
type Config struct {
	App     App     `yaml:"app"`
	HTTP    HTTP    `yaml:"http"`
	GRPC    GRPC    `yaml:"grpc"`
	Store   Store   `yaml:"store"`
	Worker  Worker  `yaml:"worker"`
	Action  Action  `yaml:"action"`
	Metrics Metrics `yaml:"metrics"`
	Log     Log     `yaml:"log"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return Config{
		App: App{
			Name:        "beaver-timer",
			Description: "Delayed URL fetch service",
			Version:     "0.1.0",
			Environment: "development",
		},
		HTTP: HTTP{
			Addr:            ":8000",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		GRPC: GRPC{Addr: ":9000", Enabled: true},
		Store: Store{
			Backend:   BackendRedis,
			ResultTTL: 10 * time.Second,
			KeyPrefix: "timer:",
			Redis:     Redis{Host: "localhost", Port: 6379},
			SQL:       SQL{Driver: "sqlite", DSN: "file:timer.db?_busy_timeout=5000"},
			Memory: Memory{
				SnapshotInterval: 30 * time.Second,
				WALBufferSize:    1,
				WALFlushInterval: time.Second,
			},
		},
		Worker: Worker{
			ID:            host,
			Count:         4,
			PollInterval:  200 * time.Millisecond,
			BatchSize:     16,
			LeaseDuration: 5 * time.Minute,
			TaskTimeout:   4 * time.Minute,
			MaxAttempts:   1,
			ReapInterval:  10 * time.Second,
		},
		Action: Action{
			PreDelay:       5 * time.Second,
			RetryMax:       4,
			BackoffBase:    time.Second,
			BackoffMax:     30 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Metrics: Metrics{Enabled: true},
		Log: Log{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load reads path over Defaults, then applies the .env file and the
// environment. A missing file at path keeps the defaults; a missing envFile
// is ignored. An empty envFile means ".env".
func Load(path, envFile string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("APP_NAME", &c.App.Name)
	str("APP_DESCRIPTION", &c.App.Description)
	str("APP_VERSION", &c.App.Version)
	str("CONTACT_NAME", &c.App.ContactName)
	str("CONTACT_EMAIL", &c.App.ContactEmail)
	str("ENVIRONMENT", &c.App.Environment)
	str("REDIS_QUEUE_HOST", &c.Store.Redis.Host)
	str("TIMER_STORE_BACKEND", &c.Store.Backend)
	str("TIMER_SQL_DSN", &c.Store.SQL.DSN)
	str("TIMER_LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("REDIS_QUEUE_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: REDIS_QUEUE_PORT %q is not a number", ErrInvalid, v)
		}
		c.Store.Redis.Port = port
	}
	return nil
}

// Validate rejects impossible values.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.Redis.Host == "" || c.Store.Redis.Port <= 0 || c.Store.Redis.Port > 65535 {
			fail("store.redis host/port %q/%d", c.Store.Redis.Host, c.Store.Redis.Port)
		}
	case BackendSQL:
		if c.Store.SQL.Driver != "sqlite" && c.Store.SQL.Driver != "postgres" {
			fail("store.sql.driver %q", c.Store.SQL.Driver)
		}
		if c.Store.SQL.DSN == "" {
			fail("store.sql.dsn is empty")
		}
	case BackendMemory:
		if c.Store.Memory.WALPath != "" && c.Store.Memory.SnapshotPath == "" {
			fail("store.memory.wal_path needs store.memory.snapshot_path")
		}
	default:
		fail("store.backend %q", c.Store.Backend)
	}
	if c.Store.ResultTTL <= 0 {
		fail("store.result_ttl must be positive")
	}

	if c.HTTP.Addr == "" {
		fail("http.addr is empty")
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		fail("grpc.addr is empty")
	}

	w := c.Worker
	if w.Count <= 0 || w.BatchSize <= 0 || w.MaxAttempts <= 0 {
		fail("worker count, batch_size and max_attempts must be positive")
	}
	if w.PollInterval <= 0 || w.ReapInterval <= 0 || w.LeaseDuration <= 0 {
		fail("worker intervals must be positive")
	}
	if w.TaskTimeout > 0 && w.LeaseDuration <= w.TaskTimeout {
		fail("worker.lease_duration %s must exceed worker.task_timeout %s", w.LeaseDuration, w.TaskTimeout)
	}

	a := c.Action
	if a.PreDelay < 0 || a.BackoffBase <= 0 || a.BackoffMax < a.BackoffBase {
		fail("action delays: pre_delay %s, backoff_base %s, backoff_max %s", a.PreDelay, a.BackoffBase, a.BackoffMax)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		fail("log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		fail("log.format %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

// YAML renders the configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
