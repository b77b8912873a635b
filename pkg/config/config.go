// Package config provides configuration loading, validation, and defaults for the pipeline.
// It handles YAML or JSON config files, environment variable substitution, and CODEPIPE_*
// environment overrides.
package config

import (
	"fmt"
	"time"

	"codepipe/pkg/proto"
)

// SchemaVersion is the config file schema version written by Save.
const SchemaVersion = "1.0"

// Default values applied to zero-valued settings.
const (
	DefaultWorkerConcurrency  = 4
	DefaultRetryBound         = 2
	DefaultReworkBudget       = 1
	DefaultMaxToolRounds      = 8
	DefaultStageTimeout       = 2 * time.Minute
	DefaultSessionTTL         = 24 * time.Hour
	DefaultReapInterval       = 5 * time.Minute
	DefaultHopLimit           = 2
	DefaultResultLimit        = 20
	DefaultHopDecay           = 0.5
	DefaultStalenessThreshold = 25
	DefaultDamping            = 0.85
	DefaultEpsilon            = 1e-6
	DefaultMaxIterations      = 100
	DefaultPriorStrength      = 10.0
	DefaultUsefulRate         = 1.0
	DefaultUselessRate        = 1.0
	DefaultTokenBudget        = 4000
	DefaultCheckpointRetain   = 1
	DefaultDBPath             = ".codepipe/codepipe.db"
	DefaultEventLogDir        = ".codepipe/logs"
)

// Worker provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"
)

// Config is the root configuration.
type Config struct {
	SchemaVersion string                  `yaml:"schema_version" json:"schema_version"`
	Workers       map[string]WorkerConfig `yaml:"workers" json:"workers" validate:"dive"`
	Persistence   PersistenceConfig       `yaml:"persistence" json:"persistence"`
	Telemetry     TelemetryConfig         `yaml:"telemetry" json:"telemetry"`
	Session       SessionConfig           `yaml:"session" json:"session"`
	Pipeline      PipelineConfig          `yaml:"pipeline" json:"pipeline"`
	Memory        MemoryConfig            `yaml:"memory" json:"memory"`
	Checkpoint    CheckpointConfig        `yaml:"checkpoint" json:"checkpoint"`
}

// PipelineConfig bounds orchestrator behavior.
type PipelineConfig struct {
	StageTimeouts       map[string]time.Duration `yaml:"stage_timeouts" json:"stage_timeouts"`
	WorkerConcurrency   int                      `yaml:"worker_concurrency" json:"worker_concurrency" validate:"min=1"`
	RequestsPerSecond   float64                  `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`
	RetryBound          int                      `yaml:"retry_bound" json:"retry_bound" validate:"gte=0"`
	ReworkBudget        int                      `yaml:"rework_budget" json:"rework_budget" validate:"gte=0"`
	MaxToolRounds       int                      `yaml:"max_tool_rounds" json:"max_tool_rounds" validate:"min=1"`
	DefaultStageTimeout time.Duration            `yaml:"default_stage_timeout" json:"default_stage_timeout" validate:"gt=0"`
}

// StageTimeout returns the timeout for stage, falling back to the default.
func (p *PipelineConfig) StageTimeout(stage proto.Stage) time.Duration {
	if d, ok := p.StageTimeouts[string(stage)]; ok && d > 0 {
		return d
	}
	return p.DefaultStageTimeout
}

// SessionConfig controls session lifetime.
type SessionConfig struct {
	TTL          time.Duration `yaml:"ttl" json:"ttl" validate:"gt=0"`
	ReapInterval time.Duration `yaml:"reap_interval" json:"reap_interval" validate:"gt=0"`
}

// CentralityConfig bounds the fixed-point centrality computation.
type CentralityConfig struct {
	Damping       float64 `yaml:"damping" json:"damping" validate:"gt=0,lt=1"`
	Epsilon       float64 `yaml:"epsilon" json:"epsilon" validate:"gt=0"`
	MaxIterations int     `yaml:"max_iterations" json:"max_iterations" validate:"min=1"`
}

// FeedbackConfig sets the confidence posterior constants.
type FeedbackConfig struct {
	PriorStrength float64 `yaml:"prior_strength" json:"prior_strength" validate:"gt=0"`
	UsefulRate    float64 `yaml:"useful_rate" json:"useful_rate" validate:"gte=0"`
	UselessRate   float64 `yaml:"useless_rate" json:"useless_rate" validate:"gte=0"`
}

// WeightsConfig combines the ranking signals.
type WeightsConfig struct {
	Centrality float64 `yaml:"centrality" json:"centrality" validate:"gte=0"`
	Confidence float64 `yaml:"confidence" json:"confidence" validate:"gte=0"`
	Match      float64 `yaml:"match" json:"match" validate:"gte=0"`
}

// MemoryConfig controls the hierarchical memory network.
//
//nolint:govet // logical grouping preferred over alignment
type MemoryConfig struct {
	HopLimit           int              `yaml:"hop_limit" json:"hop_limit" validate:"gte=0"`
	ResultLimit        int              `yaml:"result_limit" json:"result_limit" validate:"min=1"`
	HopDecay           float64          `yaml:"hop_decay" json:"hop_decay" validate:"gt=0,lte=1"`
	StalenessThreshold int              `yaml:"staleness_threshold" json:"staleness_threshold" validate:"min=1"`
	TokenBudget        int              `yaml:"token_budget" json:"token_budget" validate:"min=1"`
	Watch              bool             `yaml:"watch" json:"watch"`
	Centrality         CentralityConfig `yaml:"centrality" json:"centrality"`
	Feedback           FeedbackConfig   `yaml:"feedback" json:"feedback"`
	Weights            WeightsConfig    `yaml:"weights" json:"weights"`
}

// CheckpointConfig controls checkpoint retention.
type CheckpointConfig struct {
	Retain int `yaml:"retain" json:"retain" validate:"min=1"`
}

// PersistenceConfig locates the sqlite database.
type PersistenceConfig struct {
	DBPath string `yaml:"db_path" json:"db_path" validate:"required"`
}

// WorkerConfig binds one stage to a model provider.
type WorkerConfig struct {
	Provider    string  `yaml:"provider" json:"provider" validate:"required,oneof=anthropic openai ollama gemini"`
	Model       string  `yaml:"model" json:"model" validate:"required"`
	APIKey      string  `yaml:"api_key" json:"api_key"`
	BaseURL     string  `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`
	Temperature float64 `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
}

// TelemetryConfig locates the event log and the metrics listener.
type TelemetryConfig struct {
	EventLogDir string `yaml:"event_log_dir" json:"event_log_dir"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// Default returns a configuration with every default applied. Settings whose zero value is
// meaningful (retry bound, rework budget, hop limit, feedback rates) are seeded here so an
// explicit 0 in a file survives applyDefaults.
func Default() *Config {
	cfg := &Config{
		Pipeline: PipelineConfig{RetryBound: DefaultRetryBound, ReworkBudget: DefaultReworkBudget},
		Memory: MemoryConfig{
			HopLimit: DefaultHopLimit,
			Feedback: FeedbackConfig{UsefulRate: DefaultUsefulRate, UselessRate: DefaultUselessRate},
		},
	}
	applyDefaults(cfg)
	return cfg
}

// Worker returns the worker binding for stage.
func (c *Config) Worker(stage proto.Stage) (WorkerConfig, bool) {
	w, ok := c.Workers[string(stage)]
	return w, ok
}

// String renders a one-line summary for startup logs. API keys are never included.
func (c *Config) String() string {
	return fmt.Sprintf("concurrency=%d retry_bound=%d rework=%d ttl=%s hop_limit=%d result_limit=%d retain=%d db=%s",
		c.Pipeline.WorkerConcurrency, c.Pipeline.RetryBound, c.Pipeline.ReworkBudget, c.Session.TTL,
		c.Memory.HopLimit, c.Memory.ResultLimit, c.Checkpoint.Retain, c.Persistence.DBPath)
}
