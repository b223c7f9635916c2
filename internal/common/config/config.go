// Package config provides configuration management for hivemux.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for hivemux.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Session  SessionConfig  `mapstructure:"session"`
	Tmux     TmuxConfig     `mapstructure:"tmux"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	RAG      RAGConfig      `mapstructure:"rag"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Project  ProjectConfig  `mapstructure:"project"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds

	// PublicURL is the URL injected into spawned agent environments so they
	// can dial back in. Empty means http://<host or localhost>:<port>.
	PublicURL string `mapstructure:"publicUrl"`
}

// DatabaseConfig holds SQLite configuration. The coordination store is a
// single file opened with a one-connection writer pool and a read-only
// reader pool (WAL mode).
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMs int    `mapstructure:"busyTimeoutMs"`
}

// SessionConfig holds session lifecycle tuning. The shipped defaults match
// the protocol contract (30 s heartbeat, 10 min grace, 3 recovery attempts,
// 5 min sweep); overrides exist for tests and operations.
type SessionConfig struct {
	HeartbeatSeconds    int `mapstructure:"heartbeatSeconds"`
	GraceMinutes        int `mapstructure:"graceMinutes"`
	MaxRecoveryAttempts int `mapstructure:"maxRecoveryAttempts"`
	SweepMinutes        int `mapstructure:"sweepMinutes"`
}

// TmuxConfig holds terminal-multiplexer supervision settings.
type TmuxConfig struct {
	// Enabled controls whether agent subprocess supervision is available.
	// When false (or tmux is not installed) agent creation fails cleanly.
	Enabled bool `mapstructure:"enabled"`

	// CommandTimeoutSeconds bounds every tmux subprocess invocation.
	CommandTimeoutSeconds int `mapstructure:"commandTimeoutSeconds"`

	// AgentCommand is the runtime started inside each new agent session.
	AgentCommand string `mapstructure:"agentCommand"`
}

// ToolsConfig selects which tool categories the server registers.
type ToolsConfig struct {
	// Mode is one of: full, memoryRag, minimal, development, background.
	Mode string `mapstructure:"mode"`

	// Categories, when non-empty, overrides Mode with an explicit set.
	// The basic category is always included regardless.
	Categories []string `mapstructure:"categories"`
}

// RAGConfig holds the optional retrieval index configuration. The embedding
// provider is an external collaborator; only its endpoint is configured here.
type RAGConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	PersistPath        string `mapstructure:"persistPath"`
	EmbeddingURL       string `mapstructure:"embeddingUrl"`
	EmbeddingModel     string `mapstructure:"embeddingModel"`
	EmbeddingAPIKeyEnv string `mapstructure:"embeddingApiKeyEnv"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// AdminToken, when set, overrides the persisted admin token. Normally
	// left empty so the token minted on first boot stays stable.
	AdminToken string `mapstructure:"adminToken"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ProjectConfig holds the shared project settings agents operate on.
type ProjectConfig struct {
	// Dir is the working directory new agent sessions start in.
	// Empty means the server process working directory.
	Dir string `mapstructure:"dir"`
}

// Addr returns the host:port listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AgentURL returns the server URL advertised to spawned agents.
func (s *ServerConfig) AgentURL() string {
	if s.PublicURL != "" {
		return s.PublicURL
	}
	host := s.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, s.Port)
}

// Heartbeat returns the heartbeat interval as a time.Duration.
func (s *SessionConfig) Heartbeat() time.Duration {
	return time.Duration(s.HeartbeatSeconds) * time.Second
}

// Grace returns the recovery grace window as a time.Duration.
func (s *SessionConfig) Grace() time.Duration {
	return time.Duration(s.GraceMinutes) * time.Minute
}

// SweepInterval returns the expired-session sweep interval as a time.Duration.
func (s *SessionConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepMinutes) * time.Minute
}

// CommandTimeout returns the per-invocation tmux timeout as a time.Duration.
func (t *TmuxConfig) CommandTimeout() time.Duration {
	return time.Duration(t.CommandTimeoutSeconds) * time.Second
}

// BusyTimeout returns the SQLite busy timeout as a time.Duration.
func (d *DatabaseConfig) BusyTimeout() time.Duration {
	return time.Duration(d.BusyTimeoutMs) * time.Millisecond
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.publicUrl", "")

	// Database defaults
	v.SetDefault("database.path", "hivemux.db")
	v.SetDefault("database.busyTimeoutMs", 5000)

	// Session defaults (protocol contract values)
	v.SetDefault("session.heartbeatSeconds", 30)
	v.SetDefault("session.graceMinutes", 10)
	v.SetDefault("session.maxRecoveryAttempts", 3)
	v.SetDefault("session.sweepMinutes", 5)

	// Tmux defaults
	v.SetDefault("tmux.enabled", true)
	v.SetDefault("tmux.commandTimeoutSeconds", 5)
	v.SetDefault("tmux.agentCommand", "claude")

	// Tools defaults
	v.SetDefault("tools.mode", "full")
	v.SetDefault("tools.categories", []string{})

	// RAG defaults - disabled until an embedding endpoint is configured
	v.SetDefault("rag.enabled", false)
	v.SetDefault("rag.persistPath", ".hivemux/rag")
	v.SetDefault("rag.embeddingUrl", "")
	v.SetDefault("rag.embeddingModel", "text-embedding-3-small")
	v.SetDefault("rag.embeddingApiKeyEnv", "OPENAI_API_KEY")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "hivemux")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.adminToken", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Project defaults
	v.SetDefault("project.dir", "")
}

// detectDefaultLogFormat returns "json" in Kubernetes/CI/production
// environments and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if os.Getenv("CI") != "" {
		return "json"
	}
	if env := os.Getenv("HIVEMUX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix HIVEMUX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.hivemux/, or /etc/hivemux/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	return LoadWithOverrides(configPath, Overrides{})
}

// Overrides carries command-line values. They beat both the config file and
// HIVEMUX_* environment variables; zero values mean "not set".
type Overrides struct {
	Host       string
	Port       int
	ProjectDir string
	ToolMode   string
}

// LoadWithOverrides is LoadWithPath plus command-line overrides, applied
// before validation so a bad -mode flag is rejected with the same message
// as a bad config value.
func LoadWithOverrides(configPath string, ov Overrides) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HIVEMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where the conventional env var name differs from the
	// camelCase config key (AutomaticEnv does not convert case).
	_ = v.BindEnv("auth.adminToken", "HIVEMUX_ADMIN_TOKEN")
	_ = v.BindEnv("database.path", "HIVEMUX_DB_PATH")
	_ = v.BindEnv("project.dir", "HIVEMUX_PROJECT_DIR")
	_ = v.BindEnv("server.publicUrl", "HIVEMUX_SERVER_URL")
	_ = v.BindEnv("tmux.agentCommand", "HIVEMUX_AGENT_COMMAND")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.hivemux/")
	}
	v.AddConfigPath("/etc/hivemux/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyEnvironmentSwitches(&cfg)

	if ov.Host != "" {
		cfg.Server.Host = ov.Host
	}
	if ov.Port > 0 {
		cfg.Server.Port = ov.Port
	}
	if ov.ProjectDir != "" {
		cfg.Project.Dir = ov.ProjectDir
	}
	if ov.ToolMode != "" {
		cfg.Tools.Mode = ov.ToolMode
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentSwitches honors the coarse on/off switches the launcher
// scripts set: ENABLE_RAG, ENABLE_AGENTS, CI. These win over the config file
// but lose to nothing (they are the outermost knob).
func applyEnvironmentSwitches(cfg *Config) {
	if val, ok := boolEnv("ENABLE_RAG"); ok {
		cfg.RAG.Enabled = val
	}
	if val, ok := boolEnv("ENABLE_AGENTS"); ok {
		cfg.Tmux.Enabled = val
	}
	if os.Getenv("CI") != "" {
		cfg.Logging.Format = "json"
	}
}

func boolEnv(key string) (value, present bool) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// validToolModes are the accepted tools.mode values.
var validToolModes = map[string]bool{
	"full":        true,
	"memoryRag":   true,
	"minimal":     true,
	"development": true,
	"background":  true,
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if cfg.Database.BusyTimeoutMs <= 0 {
		errs = append(errs, "database.busyTimeoutMs must be positive")
	}

	if cfg.Session.HeartbeatSeconds <= 0 {
		errs = append(errs, "session.heartbeatSeconds must be positive")
	}
	if cfg.Session.GraceMinutes <= 0 {
		errs = append(errs, "session.graceMinutes must be positive")
	}
	if cfg.Session.MaxRecoveryAttempts <= 0 {
		errs = append(errs, "session.maxRecoveryAttempts must be positive")
	}
	if cfg.Session.SweepMinutes <= 0 {
		errs = append(errs, "session.sweepMinutes must be positive")
	}

	if cfg.Tmux.CommandTimeoutSeconds <= 0 {
		errs = append(errs, "tmux.commandTimeoutSeconds must be positive")
	}

	if !validToolModes[cfg.Tools.Mode] {
		errs = append(errs, "tools.mode must be one of: full, memoryRag, minimal, development, background")
	}

	if cfg.RAG.Enabled && cfg.RAG.EmbeddingURL == "" {
		errs = append(errs, "rag.embeddingUrl is required when rag.enabled is true")
	}

	// NATS is optional: empty URL selects the in-memory bus.

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// WorkingDir resolves the project directory, falling back to the process
// working directory.
func (p *ProjectConfig) WorkingDir() (string, error) {
	if p.Dir != "" {
		return p.Dir, nil
	}
	return os.Getwd()
}
