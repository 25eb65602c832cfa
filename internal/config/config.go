// Package config loads and persists foreman configuration from
// .foreman/config.json. Every option is optional; absent files and
// absent fields fall back to component defaults. Environment variables
// prefixed FOREMAN_ override the file.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"foreman/internal/audit"
	"foreman/internal/checkpoint"
	"foreman/internal/embedding"
	"foreman/internal/execution"
	"foreman/internal/failures"
	"foreman/internal/faults"
	"foreman/internal/proptest"
	"foreman/internal/wave"
)

// DirName is the workspace dot-directory all foreman state lives under.
const DirName = ".foreman"

// FileName is the config file name inside DirName.
const FileName = "config.json"

// Config holds all foreman configuration, one section per component.
type Config struct {
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Machine    MachineConfig    `json:"machine"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Proptest   ProptestConfig   `json:"proptest"`
	Failures   FailuresConfig   `json:"failures"`
	Audit      AuditConfig      `json:"audit"`
	Embedding  embedding.Config `json:"embedding"`
	Logging    LoggingConfig    `json:"logging"`
}

// CheckpointConfig configures the checkpoint store.
type CheckpointConfig struct {
	CheckpointsDir string `json:"checkpointsDir"`
	RetentionDays  int    `json:"retentionDays"`
	MaxBytes       int64  `json:"maxBytes"`
}

// MachineConfig configures the execution state machine.
type MachineConfig struct {
	MaxRetries          int  `json:"maxRetries"`
	AllowFailFromAny    bool `json:"allowFailFromAny"`
	TransitionTimeoutMs int  `json:"transitionTimeoutMs"`
}

// SchedulerConfig configures the wave scheduler.
type SchedulerConfig struct {
	GlobalAgentBudget       int    `json:"globalAgentBudget"`
	AdmissionPollIntervalMs int    `json:"admissionPollIntervalMs"`
	FailurePolicy           string `json:"failurePolicy"`
	RetryFailed             bool   `json:"retryFailed"`
}

// ProptestConfig configures the property tester.
type ProptestConfig struct {
	NumRuns    int   `json:"numRuns"`
	MaxShrinks int   `json:"maxShrinks"`
	Seed       int64 `json:"seed"`
	CollectAll bool  `json:"collectAll"`
}

// FailuresConfig configures the failure index.
type FailuresConfig struct {
	MaxRecords          int     `json:"maxRecords"`
	SimilarityThreshold float64 `json:"similarityThreshold"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	Dir               string `json:"dir"`
	MaxFileSize       int64  `json:"maxFileSize"`
	MaxFiles          int    `json:"maxFiles"`
	EnableMemoryStore bool   `json:"enableMemoryStore"`
	MaxMemoryEntries  int    `json:"maxMemoryEntries"`
}

// LoggingConfig configures the category file loggers. Field names match
// what internal/logging reads from the same file.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// Default returns the full default configuration rooted at workspace.
func Default(workspace string) *Config {
	return &Config{
		Checkpoint: CheckpointConfig{
			CheckpointsDir: filepath.Join(workspace, DirName, "checkpoints"),
			RetentionDays:  checkpoint.DefaultRetentionDays,
			MaxBytes:       checkpoint.DefaultMaxBytes,
		},
		Machine: MachineConfig{
			MaxRetries:          execution.DefaultMaxRetries,
			AllowFailFromAny:    true,
			TransitionTimeoutMs: int(execution.DefaultTransitionTimeout / time.Millisecond),
		},
		Scheduler: SchedulerConfig{
			GlobalAgentBudget:       wave.DefaultGlobalAgentBudget,
			AdmissionPollIntervalMs: int(wave.DefaultAdmissionPollInterval / time.Millisecond),
			FailurePolicy:           string(wave.FailurePolicyStop),
		},
		Proptest: ProptestConfig{
			NumRuns:    proptest.DefaultNumRuns,
			MaxShrinks: proptest.DefaultMaxShrinks,
		},
		Failures: FailuresConfig{
			MaxRecords:          failures.DefaultMaxRecords,
			SimilarityThreshold: failures.DefaultSimilarityThreshold,
		},
		Audit: AuditConfig{
			Dir:               filepath.Join(workspace, DirName, "audit"),
			MaxFileSize:       audit.DefaultMaxFileSize,
			MaxFiles:          audit.DefaultMaxFiles,
			EnableMemoryStore: true,
			MaxMemoryEntries:  audit.DefaultMaxMemoryEntries,
		},
		Embedding: embedding.DefaultConfig(),
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, DirName, FileName)
}

// Load reads configuration for a workspace. A missing file yields the
// defaults; a malformed file is an error.
func Load(workspace string) (*Config, error) {
	cfg := Default(workspace)

	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, faults.Wrap(faults.CodeLoadFailed, err, "read config").With("path", Path(workspace))
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, faults.Wrap(faults.CodeLoadFailed, err, "parse config").With("path", Path(workspace))
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the workspace config file.
func (c *Config) Save(workspace string) error {
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return faults.Wrap(faults.CodeSaveFailed, err, "create config directory").With("path", path)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return faults.Wrap(faults.CodeSaveFailed, err, "marshal config")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return faults.Wrap(faults.CodeSaveFailed, err, "write config").With("path", path)
	}
	return nil
}

// applyEnvOverrides applies FOREMAN_* environment variables on top of
// the loaded values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FOREMAN_CHECKPOINTS_DIR"); v != "" {
		c.Checkpoint.CheckpointsDir = v
	}
	if v := os.Getenv("FOREMAN_AUDIT_DIR"); v != "" {
		c.Audit.Dir = v
	}
	if v := os.Getenv("FOREMAN_GLOBAL_AGENT_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.GlobalAgentBudget = n
		}
	}
	if v := os.Getenv("FOREMAN_FAILURE_POLICY"); v != "" {
		c.Scheduler.FailurePolicy = v
	}
	if v := os.Getenv("FOREMAN_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Machine.MaxRetries = n
		}
	}
	if v := os.Getenv("FOREMAN_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("FOREMAN_OLLAMA_ENDPOINT"); v != "" {
		c.Embedding.OllamaEndpoint = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("FOREMAN_DEBUG"); v != "" {
		c.Logging.DebugMode = v == "1" || v == "true"
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch c.Scheduler.FailurePolicy {
	case string(wave.FailurePolicyStop), string(wave.FailurePolicyContinue), "":
	default:
		return faults.Newf(faults.CodeLoadFailed, "unknown failure policy %q", c.Scheduler.FailurePolicy)
	}
	switch c.Embedding.Provider {
	case "local", "ollama", "genai", "":
	default:
		return faults.Newf(faults.CodeLoadFailed, "unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Failures.SimilarityThreshold < 0 || c.Failures.SimilarityThreshold > 1 {
		return faults.Newf(faults.CodeLoadFailed, "similarity threshold %v outside [0,1]", c.Failures.SimilarityThreshold)
	}
	if c.Checkpoint.RetentionDays < 0 || c.Machine.MaxRetries < 0 {
		return faults.New(faults.CodeLoadFailed, "negative retention or retry values")
	}
	return nil
}

// CheckpointOptions converts the checkpoint section.
func (c *Config) CheckpointOptions() checkpoint.Options {
	return checkpoint.Options{
		Dir:           c.Checkpoint.CheckpointsDir,
		RetentionDays: c.Checkpoint.RetentionDays,
		MaxBytes:      c.Checkpoint.MaxBytes,
	}
}

// MachineConfig converts the machine section.
func (c *Config) MachineConfig() execution.Config {
	return execution.Config{
		MaxRetries:        c.Machine.MaxRetries,
		AllowFailFromAny:  c.Machine.AllowFailFromAny,
		TransitionTimeout: time.Duration(c.Machine.TransitionTimeoutMs) * time.Millisecond,
	}
}

// SchedulerConfig converts the scheduler section.
func (c *Config) SchedulerConfig() wave.Config {
	return wave.Config{
		GlobalAgentBudget:     c.Scheduler.GlobalAgentBudget,
		AdmissionPollInterval: time.Duration(c.Scheduler.AdmissionPollIntervalMs) * time.Millisecond,
		FailurePolicy:         wave.FailurePolicy(c.Scheduler.FailurePolicy),
		RetryFailed:           c.Scheduler.RetryFailed,
		Machine:               c.MachineConfig(),
	}
}

// ProptestOptions converts the proptest section.
func (c *Config) ProptestOptions() proptest.Options {
	return proptest.Options{
		NumRuns:    c.Proptest.NumRuns,
		MaxShrinks: c.Proptest.MaxShrinks,
		Seed:       c.Proptest.Seed,
		CollectAll: c.Proptest.CollectAll,
	}
}

// FailureOptions converts the failures section.
func (c *Config) FailureOptions() failures.Options {
	return failures.Options{
		MaxRecords:          c.Failures.MaxRecords,
		SimilarityThreshold: c.Failures.SimilarityThreshold,
	}
}

// AuditOptions converts the audit section.
func (c *Config) AuditOptions() audit.Options {
	return audit.Options{
		Dir:                c.Audit.Dir,
		MaxFileSize:        c.Audit.MaxFileSize,
		MaxFiles:           c.Audit.MaxFiles,
		MaxMemoryEntries:   c.Audit.MaxMemoryEntries,
		DisableMemoryStore: !c.Audit.EnableMemoryStore,
	}
}
