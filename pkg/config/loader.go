package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"codepipe/pkg/logx"
	"codepipe/pkg/proto"
)

// EnvPrefix prefixes every environment override, e.g. CODEPIPE_PIPELINE_RETRY_BOUND.
const EnvPrefix = "CODEPIPE_"

//nolint:gochecknoglobals // compiled once
var (
	envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)
	validate    = validator.New()
	logger      = logx.NewLogger("config")
)

// Load reads path (YAML or JSON), substitutes ${ENV} placeholders, applies CODEPIPE_* overrides
// and defaults, and validates the result. Settings absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Info("loaded config from %s (%s)", path, cfg)
	return cfg, nil
}

// Parse decodes config bytes with the same processing as Load.
func Parse(data []byte) (*Config, error) {
	expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1]
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and returns defaults (with env overrides) otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}
	cfg := Default()
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating parent directories.
func Save(cfg *Config, path string) error {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SchemaVersion
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	v := reflect.ValueOf(cfg).Elem()
	applyEnvOverridesRecursive(v, v.Type(), EnvPrefix)
}

func applyEnvOverridesRecursive(v reflect.Value, t reflect.Type, prefix string) {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		tag := fieldType.Tag.Get("yaml")
		if tag == "" || tag == "-" {
			continue
		}
		envKey := strings.ToUpper(prefix + strings.Split(tag, ",")[0])

		switch {
		case field.Kind() == reflect.Struct:
			applyEnvOverridesRecursive(field, field.Type(), envKey+"_")
		case field.Kind() == reflect.Map && field.Type().Key().Kind() == reflect.String:
			applyMapOverrides(field, envKey+"_")
		default:
			if envValue := os.Getenv(envKey); envValue != "" {
				setFieldFromEnv(field, envValue)
			}
		}
	}
}

// applyMapOverrides handles keyed sections such as workers.coding and stage_timeouts.coding.
// Struct entries are only overridden when the key already exists; scalar entries may be added.
func applyMapOverrides(field reflect.Value, prefix string) {
	elem := field.Type().Elem()
	if elem.Kind() == reflect.Struct {
		for _, key := range field.MapKeys() {
			entry := reflect.New(elem).Elem()
			entry.Set(field.MapIndex(key))
			applyEnvOverridesRecursive(entry, elem, prefix+strings.ToUpper(key.String())+"_")
			field.SetMapIndex(key, entry)
		}
		return
	}
	for _, stage := range proto.Stages {
		envValue := os.Getenv(prefix + strings.ToUpper(string(stage)))
		if envValue == "" {
			continue
		}
		if field.IsNil() {
			field.Set(reflect.MakeMap(field.Type()))
		}
		entry := reflect.New(elem).Elem()
		setFieldFromEnv(entry, envValue)
		field.SetMapIndex(reflect.ValueOf(string(stage)), entry)
	}
}

func setFieldFromEnv(field reflect.Value, envValue string) {
	if !field.CanSet() {
		return
	}

	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		if d, err := time.ParseDuration(envValue); err == nil {
			field.SetInt(int64(d))
		} else {
			logger.Warn("ignoring invalid duration %q: %v", envValue, err)
		}
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int64:
		if val, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			field.SetInt(val)
		} else {
			logger.Warn("ignoring invalid integer %q: %v", envValue, err)
		}
	case reflect.Float64:
		if val, err := strconv.ParseFloat(envValue, 64); err == nil {
			field.SetFloat(val)
		} else {
			logger.Warn("ignoring invalid float %q: %v", envValue, err)
		}
	case reflect.Bool:
		if val, err := strconv.ParseBool(envValue); err == nil {
			field.SetBool(val)
		}
	}
}

// applyDefaults fills settings whose zero value is never valid.
func applyDefaults(cfg *Config) {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SchemaVersion
	}

	p := &cfg.Pipeline
	if p.WorkerConcurrency == 0 {
		p.WorkerConcurrency = DefaultWorkerConcurrency
	}
	if p.MaxToolRounds == 0 {
		p.MaxToolRounds = DefaultMaxToolRounds
	}
	if p.DefaultStageTimeout == 0 {
		p.DefaultStageTimeout = DefaultStageTimeout
	}
	if p.StageTimeouts == nil {
		p.StageTimeouts = make(map[string]time.Duration)
	}

	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = DefaultSessionTTL
	}
	if cfg.Session.ReapInterval == 0 {
		cfg.Session.ReapInterval = DefaultReapInterval
	}

	m := &cfg.Memory
	if m.ResultLimit == 0 {
		m.ResultLimit = DefaultResultLimit
	}
	if m.HopDecay == 0 {
		m.HopDecay = DefaultHopDecay
	}
	if m.StalenessThreshold == 0 {
		m.StalenessThreshold = DefaultStalenessThreshold
	}
	if m.TokenBudget == 0 {
		m.TokenBudget = DefaultTokenBudget
	}
	if m.Centrality.Damping == 0 {
		m.Centrality.Damping = DefaultDamping
	}
	if m.Centrality.Epsilon == 0 {
		m.Centrality.Epsilon = DefaultEpsilon
	}
	if m.Centrality.MaxIterations == 0 {
		m.Centrality.MaxIterations = DefaultMaxIterations
	}
	if m.Feedback.PriorStrength == 0 {
		m.Feedback.PriorStrength = DefaultPriorStrength
	}
	if m.Weights == (WeightsConfig{}) {
		m.Weights = WeightsConfig{Centrality: 0.4, Confidence: 0.3, Match: 0.3}
	}

	if cfg.Checkpoint.Retain == 0 {
		cfg.Checkpoint.Retain = DefaultCheckpointRetain
	}
	if cfg.Persistence.DBPath == "" {
		cfg.Persistence.DBPath = DefaultDBPath
	}
	if cfg.Telemetry.EventLogDir == "" {
		cfg.Telemetry.EventLogDir = DefaultEventLogDir
	}
	if cfg.Workers == nil {
		cfg.Workers = make(map[string]WorkerConfig)
	}
}

// Validate checks struct constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("%s", strings.Join(msgs, "; "))
		}
		return err
	}

	for name := range cfg.Workers {
		if _, err := proto.ParseStage(name); err != nil {
			return fmt.Errorf("workers: %w", err)
		}
	}
	for name, d := range cfg.Pipeline.StageTimeouts {
		if _, err := proto.ParseStage(name); err != nil {
			return fmt.Errorf("pipeline.stage_timeouts: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("pipeline.stage_timeouts.%s must be positive", name)
		}
	}
	w := cfg.Memory.Weights
	if w.Centrality+w.Confidence+w.Match == 0 {
		return fmt.Errorf("memory.weights: at least one weight must be positive")
	}
	return nil
}
