package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reporthub/reporthub/pkg/types"
)

// Duration wraps time.Duration with YAML support for strings like "2m30s"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full server configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Auth    AuthConfig    `yaml:"auth"`
	Tasks   TaskConfig    `yaml:"tasks"`
	Workers WorkerConfig  `yaml:"workers"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds the HTTP listener and server identity settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// ServerID names this server process in task ownership records. Must be
	// stable across restarts; defaults to "<hostname>@<listen_addr>".
	ServerID string `yaml:"server_id"`
	// EnableDemoTasks exposes the demo task creation endpoint, used by the
	// functional test suites. Never enable on a shared deployment.
	EnableDemoTasks bool `yaml:"enable_demo_tasks"`
}

// StoreConfig holds the configuration-store connection
type StoreConfig struct {
	Connection types.ConnectionSpec `yaml:"connection"`
}

// Account is one server-local user entry
type Account struct {
	Username string `yaml:"username"`
	// PasswordHash is a bcrypt hash of the account password
	PasswordHash string   `yaml:"password_hash"`
	Groups       []string `yaml:"groups"`
}

// AuthConfig holds authentication and session settings
type AuthConfig struct {
	// Enabled turns authentication on. When false every request is served
	// under a synthetic superuser identity.
	Enabled bool `yaml:"enabled"`
	// SessionIdleTimeout invalidates sessions unused for this long
	SessionIdleTimeout Duration `yaml:"session_idle_timeout"`
	// SessionMaxLifetime invalidates sessions regardless of use
	SessionMaxLifetime Duration  `yaml:"session_max_lifetime"`
	Accounts           []Account `yaml:"accounts"`
}

// TaskConfig holds the task engine settings
type TaskConfig struct {
	// ScratchRoot is the directory under which per-task data directories
	// are created. Must not be inside any result store location.
	ScratchRoot string `yaml:"scratch_root"`
	// QueueSize bounds the number of enqueued-but-unclaimed payloads
	QueueSize int `yaml:"queue_size"`
	// PushDeadline bounds how long a push may wait on a full queue before
	// failing with backpressure.
	PushDeadline Duration `yaml:"push_deadline"`
	// StaleAfter is how long a running task may go without a heartbeat
	// before the reaper demotes it (T_stale).
	StaleAfter Duration `yaml:"stale_after"`
	// OrphanAfter is the stale threshold applied to tasks owned by other
	// server ids in clustered deployments (T_orphan).
	OrphanAfter Duration `yaml:"orphan_after"`
	// ReaperInterval is the period of the reaper sweep
	ReaperInterval Duration `yaml:"reaper_interval"`
	// DataDirGrace is how long a terminal task's data directory is kept so
	// clients can still fetch outputs referenced by comments.
	DataDirGrace Duration `yaml:"data_dir_grace"`
	// AwaitPollInterval is the cadence of the long-poll await endpoint
	AwaitPollInterval Duration `yaml:"await_poll_interval"`
}

// WorkerMode selects how the worker pool is executed
type WorkerMode string

const (
	// WorkerModeProcess runs each worker as a child OS process
	WorkerModeProcess WorkerMode = "process"
	// WorkerModeInProcess runs workers as goroutines inside the server
	// process. Intended for tests and single-user deployments.
	WorkerModeInProcess WorkerMode = "inprocess"
)

// WorkerConfig holds the background worker pool settings
type WorkerConfig struct {
	Count int        `yaml:"count"`
	Mode  WorkerMode `yaml:"mode"`
	// GracefulTimeout is how long shutdown waits for workers to finish
	// their current task before killing them (T_graceful).
	GracefulTimeout Duration `yaml:"graceful_timeout"`
	// PollInterval is how often an idle worker checks the queue
	PollInterval Duration `yaml:"poll_interval"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a configuration with every tunable at its default value
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8001",
		},
		Store: StoreConfig{
			Connection: types.ConnectionSpec{
				Driver: types.DriverSQLite,
				Path:   "reporthub.sqlite",
			},
		},
		Auth: AuthConfig{
			Enabled:            false,
			SessionIdleTimeout: Duration(1 * time.Hour),
			SessionMaxLifetime: Duration(24 * time.Hour),
		},
		Tasks: TaskConfig{
			ScratchRoot:       filepath.Join(os.TempDir(), "reporthub_tasks"),
			QueueSize:         256,
			PushDeadline:      Duration(10 * time.Second),
			StaleAfter:        Duration(2 * time.Minute),
			OrphanAfter:       Duration(30 * time.Minute),
			ReaperInterval:    Duration(30 * time.Second),
			DataDirGrace:      Duration(1 * time.Hour),
			AwaitPollInterval: Duration(2 * time.Second),
		},
		Workers: WorkerConfig{
			Count:           runtime.NumCPU(),
			Mode:            WorkerModeProcess,
			GracefulTimeout: Duration(30 * time.Second),
			PollInterval:    Duration(1 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

// Load reads the YAML file at path over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	switch c.Store.Connection.Driver {
	case types.DriverSQLite:
		if c.Store.Connection.Path == "" {
			return fmt.Errorf("store.connection.path is required for sqlite")
		}
	case types.DriverPostgres:
		if c.Store.Connection.Host == "" || c.Store.Connection.Database == "" {
			return fmt.Errorf("store.connection.host and database are required for postgres")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Connection.Driver)
	}
	if c.Tasks.QueueSize <= 0 {
		return fmt.Errorf("tasks.queue_size must be positive")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be positive")
	}
	if c.Workers.Mode != WorkerModeProcess && c.Workers.Mode != WorkerModeInProcess {
		return fmt.Errorf("unknown worker mode %q", c.Workers.Mode)
	}
	for _, acct := range c.Auth.Accounts {
		if acct.Username == "" || acct.PasswordHash == "" {
			return fmt.Errorf("auth account entries require username and password_hash")
		}
	}
	return nil
}

// EffectiveServerID returns the configured server id, or the default derived
// from the hostname and listen address.
func (c *Config) EffectiveServerID() string {
	if c.Server.ServerID != "" {
		return c.Server.ServerID
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return fmt.Sprintf("%s@%s", hostname, c.Server.ListenAddr)
}
