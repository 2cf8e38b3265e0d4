// Package config provides the process-wide configuration for the RLM workflow engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rlm/pkg/logx"
)

const (
	// ProjectConfigDir holds config, secrets, checkpoints and the session database.
	ProjectConfigDir = ".rlm"
	// ConfigFileName is the config file inside ProjectConfigDir.
	ConfigFileName = "config.json"

	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGoogle    = "google"

	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GEMINI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// Global config instance.
//
//nolint:gochecknoglobals // singleton
var (
	config     *Config
	projectDir string
	logger     *logx.Logger
	mu         sync.RWMutex
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// Duration is a time.Duration that reads and writes as a Go duration string ("10m").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "10m" style strings or integer nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ExplorationTask is one parallel sub-task of plan.analyze_code.
type ExplorationTask struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// WorkflowConfig controls the phase state machine.
type WorkflowConfig struct {
	PhaseLimits      map[string]int    `json:"phase_limits"`
	ExplorationTasks []ExplorationTask `json:"exploration_tasks"`
	MaxRecentStates  int               `json:"max_recent_states"`
}

// DoomLoopConfig holds the doom-loop guard thresholds.
type DoomLoopConfig struct {
	OscillationThreshold   int      `json:"oscillation_threshold"`
	TimeLimit              Duration `json:"time_limit"`
	StagnationIterations   int      `json:"stagnation_iterations"`
	ProgressErrorThreshold int      `json:"progress_error_threshold"`
}

// CheckpointConfig controls checkpoint persistence.
type CheckpointConfig struct {
	Dir         string   `json:"dir"`
	SaveTimeout Duration `json:"save_timeout"`
}

// SessionConfig controls session lifecycle.
type SessionConfig struct {
	ShutdownTimeout Duration `json:"shutdown_timeout"`
	DatabasePath    string   `json:"database_path"`
}

// EventsConfig controls event streaming and fan-out.
type EventsConfig struct {
	BufferSize        int    `json:"buffer_size"`
	NATSURL           string `json:"nats_url,omitempty"`
	NATSSubjectPrefix string `json:"nats_subject_prefix"`
}

// RunnerConfig selects the model provider behind the agent runner.
type RunnerConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
	OllamaHost  string  `json:"ollama_host,omitempty"`
}

// ToolsConfig controls the tool catalog and deny list.
type ToolsConfig struct {
	CatalogPath string   `json:"catalog_path,omitempty"`
	Deny        []string `json:"deny,omitempty"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr          string `json:"addr"`
	PrometheusURL string `json:"prometheus_url,omitempty"`
}

// Config is the full configuration file.
type Config struct {
	Workflow   WorkflowConfig   `json:"workflow"`
	DoomLoop   DoomLoopConfig   `json:"doom_loop"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Session    SessionConfig    `json:"session"`
	Events     EventsConfig     `json:"events"`
	Runner     RunnerConfig     `json:"runner"`
	Tools      ToolsConfig      `json:"tools"`
	Server     ServerConfig     `json:"server"`
}

// PhaseLimit returns the safety limit for phase, or 0 when unset.
func (c *Config) PhaseLimit(phase string) int {
	return c.Workflow.PhaseLimits[phase]
}

// GetConfig returns a copy of the global config.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return cloneConfig(config), nil
}

// GetProjectDir returns the directory passed to LoadConfig.
func GetProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return projectDir
}

// SetConfigForTesting sets the global config. Pass nil to reset.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	if cfg == nil {
		projectDir = ""
	}
}

// LoadConfig loads <projectDir>/.rlm/config.json into the global singleton.
//
// A missing file is created with defaults. A file that exists but cannot be
// parsed is an error so user edits are never overwritten.
func LoadConfig(inputProjectDir string) error {
	mu.Lock()
	defer mu.Unlock()

	projectDir = inputProjectDir
	path := ConfigPath(projectDir)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		getLogger().Info("📝 Config file not found, creating %s", path)
		cfg := DefaultConfig()
		resolvePaths(cfg, projectDir)
		if err := validateConfig(cfg); err != nil {
			return fmt.Errorf("default config validation failed: %w", err)
		}
		if err := SaveConfig(cfg, projectDir); err != nil {
			return fmt.Errorf("failed to save initial config: %w", err)
		}
		config = cfg
		return nil
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return fmt.Errorf("fatal: config file exists but cannot be parsed: %w", err)
	}
	applyDefaults(cfg)
	resolvePaths(cfg, projectDir)
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	config = cfg
	getLogger().Info("✅ Config loaded from %s", path)
	return nil
}

// UpdateConfig validates and installs cfg as the global config without writing it.
func UpdateConfig(cfg *Config) error {
	c := cloneConfig(cfg)
	applyDefaults(&c)
	if err := validateConfig(&c); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	config = &c
	return nil
}

// ConfigPath returns the config file location for a project.
func ConfigPath(dir string) string {
	return filepath.Join(dir, ProjectConfigDir, ConfigFileName)
}

// SaveConfig writes cfg to <projectDir>/.rlm/config.json.
func SaveConfig(cfg *Config, dir string) error {
	path := ConfigPath(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// resolvePaths anchors relative storage paths at the project directory.
func resolvePaths(cfg *Config, dir string) {
	if dir == "" {
		return
	}
	if !filepath.IsAbs(cfg.Checkpoint.Dir) {
		cfg.Checkpoint.Dir = filepath.Join(dir, cfg.Checkpoint.Dir)
	}
	if cfg.Session.DatabasePath != "" && cfg.Session.DatabasePath != ":memory:" && !filepath.IsAbs(cfg.Session.DatabasePath) {
		cfg.Session.DatabasePath = filepath.Join(dir, cfg.Session.DatabasePath)
	}
	if cfg.Tools.CatalogPath != "" && !filepath.IsAbs(cfg.Tools.CatalogPath) {
		cfg.Tools.CatalogPath = filepath.Join(dir, cfg.Tools.CatalogPath)
	}
}

func cloneConfig(c *Config) Config {
	out := *c
	out.Workflow.PhaseLimits = make(map[string]int, len(c.Workflow.PhaseLimits))
	for k, v := range c.Workflow.PhaseLimits {
		out.Workflow.PhaseLimits[k] = v
	}
	out.Workflow.ExplorationTasks = append([]ExplorationTask(nil), c.Workflow.ExplorationTasks...)
	out.Tools.Deny = append([]string(nil), c.Tools.Deny...)
	return out
}

// GetAPIKey returns the credential for provider: secrets file first, then environment.
// For Ollama it returns the host URL.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		if cfg, err := GetConfig(); err == nil && cfg.Runner.OllamaHost != "" {
			return cfg.Runner.OllamaHost, nil
		}
		if host := os.Getenv(EnvOllamaHost); host != "" {
			return host, nil
		}
		return "http://localhost:11434", nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	key, err := GetSecret(envVar)
	if err == nil && key != "" {
		return key, nil
	}
	return "", fmt.Errorf("API key not found: %s not found in secrets file or environment variables", envVar)
}
