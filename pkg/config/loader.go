package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"rlm/pkg/proto"
)

// DefaultPhaseLimits are the per-phase safety limits in turns, keyed by phase name.
var DefaultPhaseLimits = map[string]int{
	string(proto.PhaseAnalyzeCode): 5,
	string(proto.PhaseResearch):    100,
	string(proto.PhaseDesign):      100,
	string(proto.PhaseImplement):   50,
	string(proto.PhaseValidate):    100,
}

// DefaultExplorationTasks fan out during plan.analyze_code.
var DefaultExplorationTasks = []ExplorationTask{
	{Name: "structure", Prompt: "Map the repository layout: packages, entry points, and where the code relevant to the goal lives."},
	{Name: "dependencies", Prompt: "Identify the libraries, build tooling, and external services the relevant code depends on."},
	{Name: "conventions", Prompt: "Summarize coding conventions: error handling, logging, testing style, and naming."},
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// DefaultConfig returns a config with every field set to its default.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero-valued fields.
func applyDefaults(cfg *Config) {
	if cfg.Workflow.PhaseLimits == nil {
		cfg.Workflow.PhaseLimits = make(map[string]int, len(DefaultPhaseLimits))
	}
	for phase, limit := range DefaultPhaseLimits {
		if cfg.Workflow.PhaseLimits[phase] <= 0 {
			cfg.Workflow.PhaseLimits[phase] = limit
		}
	}
	if len(cfg.Workflow.ExplorationTasks) == 0 {
		cfg.Workflow.ExplorationTasks = append([]ExplorationTask(nil), DefaultExplorationTasks...)
	}
	if cfg.Workflow.MaxRecentStates <= 0 {
		cfg.Workflow.MaxRecentStates = 20
	}

	if cfg.DoomLoop.OscillationThreshold <= 0 {
		cfg.DoomLoop.OscillationThreshold = 5
	}
	if cfg.DoomLoop.TimeLimit <= 0 {
		cfg.DoomLoop.TimeLimit = Duration(10 * time.Minute)
	}
	if cfg.DoomLoop.StagnationIterations <= 0 {
		cfg.DoomLoop.StagnationIterations = 5
	}
	if cfg.DoomLoop.ProgressErrorThreshold <= 0 {
		cfg.DoomLoop.ProgressErrorThreshold = 10
	}

	if cfg.Checkpoint.Dir == "" {
		cfg.Checkpoint.Dir = ProjectConfigDir + "/checkpoints"
	}
	if cfg.Checkpoint.SaveTimeout <= 0 {
		cfg.Checkpoint.SaveTimeout = Duration(5 * time.Second)
	}

	if cfg.Session.ShutdownTimeout <= 0 {
		cfg.Session.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Session.DatabasePath == "" {
		cfg.Session.DatabasePath = ProjectConfigDir + "/sessions.db"
	}

	if cfg.Events.BufferSize <= 0 {
		cfg.Events.BufferSize = 256
	}
	if cfg.Events.NATSSubjectPrefix == "" {
		cfg.Events.NATSSubjectPrefix = "rlm.sessions"
	}

	if cfg.Runner.Provider == "" {
		cfg.Runner.Provider = ProviderAnthropic
	}
	if cfg.Runner.Model == "" {
		cfg.Runner.Model = defaultModels[cfg.Runner.Provider]
	}
	if cfg.Runner.MaxTokens <= 0 {
		cfg.Runner.MaxTokens = 8192
	}
	if cfg.Runner.Temperature == 0 {
		cfg.Runner.Temperature = 0.2
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8787"
	}
}

var defaultModels = map[string]string{
	ProviderAnthropic: "claude-sonnet-4-5",
	ProviderOpenAI:    "gpt-5",
	ProviderOllama:    "qwen2.5-coder:14b",
	ProviderGoogle:    "gemini-2.5-pro",
}

// validateConfig rejects settings the engine cannot run with.
func validateConfig(cfg *Config) error {
	for phase, limit := range cfg.Workflow.PhaseLimits {
		if _, known := DefaultPhaseLimits[phase]; !known {
			return fmt.Errorf("workflow.phase_limits: unknown phase %q", phase)
		}
		if limit <= 0 {
			return fmt.Errorf("workflow.phase_limits[%s] must be positive, got %d", phase, limit)
		}
	}
	for i, task := range cfg.Workflow.ExplorationTasks {
		if task.Name == "" || task.Prompt == "" {
			return fmt.Errorf("workflow.exploration_tasks[%d] needs both name and prompt", i)
		}
	}
	switch cfg.Runner.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderOllama, ProviderGoogle:
	default:
		return fmt.Errorf("runner.provider %q is not supported", cfg.Runner.Provider)
	}
	if cfg.Runner.Temperature < 0 || cfg.Runner.Temperature > 2 {
		return fmt.Errorf("runner.temperature must be between 0.0 and 2.0")
	}
	if cfg.Events.BufferSize < 1 {
		return fmt.Errorf("events.buffer_size must be at least 1")
	}
	return nil
}

// loadConfigFromFile reads path, substitutes ${ENV} placeholders, and parses JSON.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		if value := os.Getenv(match[2 : len(match)-1]); value != "" {
			return value
		}
		return match
	})

	var cfg Config
	if err := json.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON %s: %w", path, err)
	}
	return &cfg, nil
}

// ReloadConfig re-reads the config file for the current project into the singleton.
// On any error the previous config stays active.
func ReloadConfig() error {
	dir := GetProjectDir()
	cfg, err := loadConfigFromFile(ConfigPath(dir))
	if err != nil {
		return err
	}
	applyDefaults(cfg)
	resolvePaths(cfg, dir)
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	mu.Lock()
	config = cfg
	mu.Unlock()
	return nil
}
