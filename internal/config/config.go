// Package config provides configuration management for NanoClaw.
// It supports loading configuration from environment variables, a config
// file, and defaults, the same layering the rest of this codebase's
// ancestry uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section NanoClaw needs.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Messenger MessengerConfig `mapstructure:"messenger"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Batch     BatchConfig     `mapstructure:"batch"`
	IPC       IPCConfig       `mapstructure:"ipc"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StoreConfig holds the embedded store (C1) location.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// MessengerConfig holds the messenger adapter (C2) selection and credentials.
type MessengerConfig struct {
	// Platform selects the concrete adapter: "telegram" or "websocket".
	Platform string `mapstructure:"platform"`
	// BotToken is the platform credential; required at connect() time.
	BotToken string `mapstructure:"botToken"`
	// BotPrefix marks the bot's own outbound echoes for ingestion filtering.
	BotPrefix string `mapstructure:"botPrefix"`
	// AssistantName prefixes outbound replies ("<AssistantName>: ...").
	AssistantName string `mapstructure:"assistantName"`
	// PollIntervalMS is the cadence hint for pull-based adapters.
	PollIntervalMS int `mapstructure:"pollIntervalMs"`
	// ListenAddr is the bind address for push-based (websocket) adapters.
	ListenAddr string `mapstructure:"listenAddr"`
}

// DockerConfig holds container runtime (C6) connection settings.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	// AgentImage is the container image that runs the agent binary.
	AgentImage string `mapstructure:"agentImage"`
	// MountAllowListPath is a host-only file never itself mounted into any
	// container; it lists the roots additional mounts may be drawn from.
	MountAllowListPath string `mapstructure:"mountAllowListPath"`
}

// QueueConfig holds per-chat work queue (C4) tuning.
type QueueConfig struct {
	// MaxConcurrentChats bounds cross-chat parallelism; 0 means a generous
	// safety cap rather than true-unbounded.
	MaxConcurrentChats int `mapstructure:"maxConcurrentChats"`
	RetryBaseDelayMS   int `mapstructure:"retryBaseDelayMs"`
	RetryMaxDelayMS    int `mapstructure:"retryMaxDelayMs"`
	RetryLimit         int `mapstructure:"retryLimit"`
	ShutdownDeadlineMS int `mapstructure:"shutdownDeadlineMs"`
}

// AgentConfig holds agent dispatch (C6) defaults.
type AgentConfig struct {
	// WorkspacesRoot holds one directory per registered workspace.
	WorkspacesRoot string `mapstructure:"workspacesRoot"`
	// MainWorkspaceFolder is the reserved folder name for the main session.
	MainWorkspaceFolder string `mapstructure:"mainWorkspaceFolder"`
	// BatchTimeoutMS is the default per-batch timeout (overridable per workspace).
	BatchTimeoutMS int `mapstructure:"batchTimeoutMs"`
	// StatusDebounceMS is the status-relay (C7) coalescing window.
	StatusDebounceMS int `mapstructure:"statusDebounceMs"`
}

// BatchConfig holds batch builder & command layer (C5) tuning.
type BatchConfig struct {
	// DefaultTriggerPattern is used when a workspace's own trigger is empty
	// (see SPEC_FULL.md open question decision).
	DefaultTriggerPattern string `mapstructure:"defaultTriggerPattern"`
}

// IPCConfig holds IPC watcher (C8) tree location and cadence.
type IPCConfig struct {
	Root           string `mapstructure:"root"`
	PollIntervalMS int    `mapstructure:"pollIntervalMs"`
	Timezone       string `mapstructure:"timezone"`
}

// SchedulerConfig holds scheduler (C9) tick cadence.
type SchedulerConfig struct {
	TickIntervalMS int `mapstructure:"tickIntervalMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// BatchTimeout returns the default per-batch timeout as a time.Duration.
func (a *AgentConfig) BatchTimeout() time.Duration {
	return time.Duration(a.BatchTimeoutMS) * time.Millisecond
}

// StatusDebounce returns the status debounce window as a time.Duration.
func (a *AgentConfig) StatusDebounce() time.Duration {
	return time.Duration(a.StatusDebounceMS) * time.Millisecond
}

// ShutdownDeadline returns the queue shutdown grace period.
func (q *QueueConfig) ShutdownDeadline() time.Duration {
	return time.Duration(q.ShutdownDeadlineMS) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format for the environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("NANOCLAW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", defaultStorePath())

	v.SetDefault("messenger.platform", "telegram")
	v.SetDefault("messenger.botToken", "")
	v.SetDefault("messenger.botPrefix", "")
	v.SetDefault("messenger.assistantName", "Andy")
	v.SetDefault("messenger.pollIntervalMs", 1000)
	v.SetDefault("messenger.listenAddr", ":8081")

	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "nanoclaw-network")
	v.SetDefault("docker.agentImage", "nanoclaw-agent:latest")
	v.SetDefault("docker.mountAllowListPath", defaultAllowListPath())

	v.SetDefault("queue.maxConcurrentChats", 16)
	v.SetDefault("queue.retryBaseDelayMs", 1000)
	v.SetDefault("queue.retryMaxDelayMs", 300000)
	v.SetDefault("queue.retryLimit", 5)
	v.SetDefault("queue.shutdownDeadlineMs", 10000)

	v.SetDefault("agent.workspacesRoot", defaultWorkspacesRoot())
	v.SetDefault("agent.mainWorkspaceFolder", "main")
	v.SetDefault("agent.batchTimeoutMs", 5*60*1000)
	v.SetDefault("agent.statusDebounceMs", 2000)

	v.SetDefault("batch.defaultTriggerPattern", `^@?andy\b`)

	v.SetDefault("ipc.root", defaultIPCRoot())
	v.SetDefault("ipc.pollIntervalMs", 500)
	v.SetDefault("ipc.timezone", "UTC")

	v.SetDefault("scheduler.tickIntervalMs", 30*1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func dataHome() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "nanoclaw")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nanoclaw")
}

func defaultStorePath() string {
	return filepath.Join(dataHome(), "nanoclaw.db")
}

func defaultWorkspacesRoot() string {
	return filepath.Join(dataHome(), "workspaces")
}

func defaultIPCRoot() string {
	return filepath.Join(dataHome(), "ipc")
}

func defaultAllowListPath() string {
	return filepath.Join(dataHome(), "mount-allowlist.yaml")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix NANOCLAW_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("NANOCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not fold camelCase config keys into SNAKE_CASE env
	// names, so bind the ones whose casing would otherwise be unreachable.
	_ = v.BindEnv("messenger.botToken", "NANOCLAW_BOT_TOKEN")
	_ = v.BindEnv("messenger.assistantName", "NANOCLAW_ASSISTANT_NAME")
	_ = v.BindEnv("agent.mainWorkspaceFolder", "NANOCLAW_MAIN_WORKSPACE_FOLDER")
	_ = v.BindEnv("logging.level", "NANOCLAW_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nanoclaw/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that required configuration fields are set and sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}

	switch cfg.Messenger.Platform {
	case "telegram":
		if cfg.Messenger.BotToken == "" {
			errs = append(errs, "messenger.botToken is required for the telegram platform")
		}
	case "websocket":
		if cfg.Messenger.ListenAddr == "" {
			errs = append(errs, "messenger.listenAddr is required for the websocket platform")
		}
	default:
		errs = append(errs, "messenger.platform must be one of: telegram, websocket")
	}

	if cfg.Queue.RetryLimit <= 0 {
		errs = append(errs, "queue.retryLimit must be positive")
	}
	if cfg.Queue.RetryBaseDelayMS <= 0 || cfg.Queue.RetryMaxDelayMS < cfg.Queue.RetryBaseDelayMS {
		errs = append(errs, "queue.retryBaseDelayMs/retryMaxDelayMs must be positive and ordered")
	}

	if cfg.Agent.MainWorkspaceFolder == "" {
		errs = append(errs, "agent.mainWorkspaceFolder is required")
	}
	if cfg.Agent.BatchTimeoutMS <= 0 {
		errs = append(errs, "agent.batchTimeoutMs must be positive")
	}

	if cfg.Batch.DefaultTriggerPattern == "" {
		errs = append(errs, "batch.defaultTriggerPattern is required")
	}

	if cfg.IPC.Root == "" {
		errs = append(errs, "ipc.root is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
