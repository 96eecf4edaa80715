// Package config assembles the process configuration from environment
// variables and validates it before anything starts serving.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fraudguard/pkg/ensemble"
	"fraudguard/pkg/fraud"
)

// Config is the full process configuration.
type Config struct {
	HTTPAddr string
	LogLevel string

	// Registry storage
	StatePath string
	BlobRoot  string

	// Optional collaborators; empty disables them.
	RedisAddr   string
	DatabaseURL string
	S3Enabled   bool

	// Ensemble
	Ensemble ensemble.Config

	// Pipeline
	WindowLength   int
	AdapterTimeout time.Duration

	// A/B experiment, optional.
	ExperimentID     string
	CandidateModel   string
	CandidateVersion int
	CandidateShare   float64
	MinimumSamples   int
}

// FromEnv reads configuration from the environment, applying defaults.
func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:  envOr("FRAUDGUARD_HTTP_ADDR", ":8080"),
		LogLevel:  envOr("FRAUDGUARD_LOG_LEVEL", "info"),
		StatePath: envOr("FRAUDGUARD_REGISTRY_STATE", "data/registry/state.json"),
		BlobRoot:  envOr("FRAUDGUARD_BLOB_ROOT", "data/models"),

		RedisAddr:   os.Getenv("FRAUDGUARD_REDIS_ADDR"),
		DatabaseURL: os.Getenv("FRAUDGUARD_DATABASE_URL"),

		ExperimentID:   os.Getenv("FRAUDGUARD_EXPERIMENT_ID"),
		CandidateModel: os.Getenv("FRAUDGUARD_EXPERIMENT_CANDIDATE"),
	}

	var err error
	if cfg.S3Enabled, err = envBool("FRAUDGUARD_S3_ENABLED", false); err != nil {
		return Config{}, err
	}
	if cfg.WindowLength, err = envInt("FRAUDGUARD_WINDOW_LENGTH", 10); err != nil {
		return Config{}, err
	}
	if cfg.AdapterTimeout, err = envDuration("FRAUDGUARD_ADAPTER_TIMEOUT", 100*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.CandidateVersion, err = envInt("FRAUDGUARD_EXPERIMENT_CANDIDATE_VERSION", 0); err != nil {
		return Config{}, err
	}
	if cfg.CandidateShare, err = envFloat("FRAUDGUARD_EXPERIMENT_SHARE", 0.1); err != nil {
		return Config{}, err
	}
	if cfg.MinimumSamples, err = envInt("FRAUDGUARD_EXPERIMENT_MIN_SAMPLES", 1000); err != nil {
		return Config{}, err
	}

	low, err := envFloat("FRAUDGUARD_LOW_THRESHOLD", 0.4)
	if err != nil {
		return Config{}, err
	}
	high, err := envFloat("FRAUDGUARD_HIGH_THRESHOLD", 0.7)
	if err != nil {
		return Config{}, err
	}
	useRaw, err := envBool("FRAUDGUARD_STACKING_RAW_FEATURES", false)
	if err != nil {
		return Config{}, err
	}
	weights, err := ParseWeights(envOr("FRAUDGUARD_MODEL_WEIGHTS", "tree=0.4,sequence=0.3,feedforward=0.3"))
	if err != nil {
		return Config{}, err
	}
	cfg.Ensemble = ensemble.Config{
		Strategy:               ensemble.Strategy(envOr("FRAUDGUARD_ENSEMBLE_STRATEGY", string(ensemble.StrategySoftVoting))),
		Weights:                weights,
		LowThreshold:           low,
		HighThreshold:          high,
		StackingUseRawFeatures: useRaw,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseWeights parses "name=weight,name=weight" model weight lists.
func ParseWeights(raw string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: weight entry %q is not name=value", fraud.ErrInvalidConfig, part)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: weight for %q: %v", fraud.ErrInvalidConfig, name, err)
		}
		name = strings.TrimSpace(name)
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("%w: duplicate weight for %q", fraud.ErrInvalidConfig, name)
		}
		out[name] = w
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty weight list", fraud.ErrInvalidConfig)
	}
	return out, nil
}

// Validate checks the assembled configuration.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("%w: http address is empty", fraud.ErrInvalidConfig)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", fraud.ErrInvalidConfig, c.LogLevel)
	}
	if c.WindowLength <= 0 {
		return fmt.Errorf("%w: window length must be positive, got %d", fraud.ErrInvalidConfig, c.WindowLength)
	}
	if c.AdapterTimeout <= 0 {
		return fmt.Errorf("%w: adapter timeout must be positive, got %s", fraud.ErrInvalidConfig, c.AdapterTimeout)
	}
	if err := c.Ensemble.Validate(); err != nil {
		return err
	}
	if c.ExperimentID != "" {
		if c.CandidateModel == "" {
			return fmt.Errorf("%w: experiment %q has no candidate model", fraud.ErrInvalidConfig, c.ExperimentID)
		}
		if c.CandidateShare < 0 || c.CandidateShare > 1 {
			return fmt.Errorf("%w: candidate share must be in [0,1], got %g", fraud.ErrInvalidConfig, c.CandidateShare)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", fraud.ErrInvalidConfig, key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", fraud.ErrInvalidConfig, key, err)
	}
	return f, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", fraud.ErrInvalidConfig, key, err)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", fraud.ErrInvalidConfig, key, err)
	}
	return d, nil
}
