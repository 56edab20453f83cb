package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PermissionConfig tunes the permission gate.
type PermissionConfig struct {
	// PromptTimeoutSeconds bounds how long a task waits for an operator
	// decision. 0 waits until the task is stopped.
	PromptTimeoutSeconds int `yaml:"prompt_timeout_seconds"`
	// AuditFile enables the JSONL audit trail under <home>/logs/audit.jsonl.
	AuditFile bool `yaml:"audit_file"`
}

type WASMConfig struct {
	// MemoryLimitPages caps linear memory (64 KiB pages).
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
}

type DockerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"`
}

type SandboxConfig struct {
	// WorkDir is the base directory exposed to scripts as DirPath.
	WorkDir string       `yaml:"work_dir"`
	WASM    WASMConfig   `yaml:"wasm"`
	Docker  DockerConfig `yaml:"docker"`
	// ExecTimeoutSeconds bounds a single subprocess capability call.
	ExecTimeoutSeconds int `yaml:"exec_timeout_seconds"`
}

type DatastoreConfig struct {
	// Path of the sqlite file. Relative paths resolve against the home dir.
	Path string `yaml:"path"`
}

type GatewayConfig struct {
	// RateLimitPerMinute throttles each API caller. 0 disables.
	RateLimitPerMinute int   `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int   `yaml:"rate_limit_burst"`
	MaxRequestBytes    int64 `yaml:"max_request_bytes"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// MaxConcurrentTasks limits tasks running at once. 0 = unlimited;
	// extra tasks stay pending until a slot frees.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// TaskTimeoutSeconds fails a task that runs longer. 0 = no limit.
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`

	// DrainTimeoutSeconds bounds shutdown waiting for workers. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	Permission PermissionConfig `yaml:"permission"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Datastore  DatastoreConfig  `yaml:"datastore"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Channels   ChannelsConfig   `yaml:"channels"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to policy.yaml within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// DatastorePath resolves the sqlite file location.
func (c Config) DatastorePath() string {
	p := c.Datastore.Path
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "max=%d|timeout=%d|prompt=%d|bind=%s|log=%s|db=%s|docker=%t|origins=%v",
		c.MaxConcurrentTasks, c.TaskTimeoutSeconds, c.Permission.PromptTimeoutSeconds,
		c.BindAddr, c.LogLevel, c.Datastore.Path, c.Sandbox.Docker.Enabled, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Permission: PermissionConfig{
			AuditFile: true,
		},
		Sandbox: SandboxConfig{
			WASM:               WASMConfig{MemoryLimitPages: 256},
			ExecTimeoutSeconds: 30,
			Docker: DockerConfig{
				Image:    "alpine:3.20",
				MemoryMB: 256,
				Network:  "none",
			},
		},
		Datastore: DatastoreConfig{Path: "powblocs.db"},
		Gateway: GatewayConfig{
			RateLimitPerMinute: 600,
			RateLimitBurst:     60,
			MaxRequestBytes:    4 << 20,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "stdout",
			ServiceName: "powblocs",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("POWBLOCS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".powblocs")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml on top of the defaults. A missing file
// is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create powblocs home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.MaxConcurrentTasks < 0 {
		cfg.MaxConcurrentTasks = 0
	}
	if cfg.TaskTimeoutSeconds < 0 {
		cfg.TaskTimeoutSeconds = 0
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Permission.PromptTimeoutSeconds < 0 {
		cfg.Permission.PromptTimeoutSeconds = 0
	}
	if cfg.Sandbox.WASM.MemoryLimitPages == 0 {
		cfg.Sandbox.WASM.MemoryLimitPages = 256
	}
	if cfg.Sandbox.ExecTimeoutSeconds <= 0 {
		cfg.Sandbox.ExecTimeoutSeconds = 30
	}
	if strings.TrimSpace(cfg.Sandbox.Docker.Image) == "" {
		cfg.Sandbox.Docker.Image = "alpine:3.20"
	}
	if cfg.Sandbox.Docker.Network == "" {
		cfg.Sandbox.Docker.Network = "none"
	}
	if strings.TrimSpace(cfg.Sandbox.WorkDir) == "" {
		cfg.Sandbox.WorkDir = filepath.Join(cfg.HomeDir, "work")
	}
	if strings.TrimSpace(cfg.Datastore.Path) == "" {
		cfg.Datastore.Path = "powblocs.db"
	}
	if cfg.Gateway.RateLimitPerMinute < 0 {
		cfg.Gateway.RateLimitPerMinute = 0
	}
	if cfg.Gateway.RateLimitBurst <= 0 {
		cfg.Gateway.RateLimitBurst = 60
	}
	if cfg.Gateway.MaxRequestBytes <= 0 {
		cfg.Gateway.MaxRequestBytes = 4 << 20
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "powblocs"
	}
	if cfg.Telemetry.SampleRate <= 0 || cfg.Telemetry.SampleRate > 1 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

func validate(cfg Config) error {
	if cfg.Channels.Telegram.Enabled && strings.TrimSpace(cfg.Channels.Telegram.Token) == "" {
		return fmt.Errorf("channels.telegram.enabled requires a token")
	}
	switch cfg.Telemetry.Exporter {
	case "", "stdout", "otlp", "none":
	default:
		return fmt.Errorf("telemetry.exporter %q: want stdout, otlp or none", cfg.Telemetry.Exporter)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("POWBLOCS_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("POWBLOCS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("POWBLOCS_MAX_CONCURRENT_TASKS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxConcurrentTasks = v
		}
	}
	if raw := os.Getenv("POWBLOCS_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("POWBLOCS_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("POWBLOCS_PROMPT_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Permission.PromptTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("POWBLOCS_DB_PATH"); raw != "" {
		cfg.Datastore.Path = raw
	}
	if raw := os.Getenv("POWBLOCS_DOCKER"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Sandbox.Docker.Enabled = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
