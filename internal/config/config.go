// Package config loads run parameters from an optional YAML file, then
// environment overrides. CLI flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// #region types
// Oracle providers.
const (
	ProviderOffline = "offline"
	ProviderGemini  = "gemini"
	ProviderGRPC    = "grpc"
)

// WindowConfig sizes the observation windows.
type WindowConfig struct {
	Fusion int `yaml:"fusion"`
	Safety int `yaml:"safety"`
}

// SafetyConfig tunes the adversarial detector.
type SafetyConfig struct {
	SpikeThreshold   float64 `yaml:"spike_threshold"`
	NoiseProbability float64 `yaml:"noise_probability"`
}

// PlannerConfig bounds candidate generation.
type PlannerConfig struct {
	MaxCandidates int `yaml:"max_candidates"`
	TopK          int `yaml:"top_k"`
}

// OracleConfig selects and tunes the text-completion backend.
type OracleConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	Addr              string        `yaml:"addr"`
	Timeout           time.Duration `yaml:"timeout"`
	SimulateOnFailure bool          `yaml:"simulate_on_failure"`
	MaxTokens         int32         `yaml:"max_tokens"`
	Temperature       float32       `yaml:"temperature"`
}

// Config is the full set of run parameters.
type Config struct {
	Iterations    int           `yaml:"iterations"`
	ManualApprove bool          `yaml:"manual_approve"`
	TickDelay     time.Duration `yaml:"tick_delay"`
	Seed          uint64        `yaml:"seed"` // 0 = pick one at startup

	StreamPath string `yaml:"stream_path"`
	LedgerPath string `yaml:"ledger_path"`
	DBPath     string `yaml:"db_path"`

	Windows WindowConfig  `yaml:"windows"`
	Safety  SafetyConfig  `yaml:"safety"`
	Planner PlannerConfig `yaml:"planner"`
	Oracle  OracleConfig  `yaml:"oracle"`
}

// #endregion types

// #region defaults
// Default returns the demo configuration.
func Default() Config {
	return Config{
		Iterations: 5,
		TickDelay:  300 * time.Millisecond,
		StreamPath: "data/simulated_sensors.csv",
		LedgerPath: "data/ledger.jsonl",
		DBPath:     "tidewatch.db",
		Windows:    WindowConfig{Fusion: 20, Safety: 50},
		Safety:     SafetyConfig{SpikeThreshold: 3.0, NoiseProbability: 0.02},
		Planner:    PlannerConfig{MaxCandidates: 3, TopK: 3},
		Oracle: OracleConfig{
			Provider:          ProviderOffline,
			Model:             "gemini-2.5-flash",
			Addr:              "localhost:50051",
			Timeout:           30 * time.Second,
			SimulateOnFailure: true,
			MaxTokens:         300,
		},
	}
}

// #endregion defaults

// #region load
// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LoadOptional is Load, but a missing file is not an error.
func LoadOptional(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Load("")
	}
	return Load(path)
}

// ApplyEnv overrides fields from TIDEWATCH_* variables and GEMINI_API_KEY.
func (c *Config) ApplyEnv() error {
	c.StreamPath = envOr("TIDEWATCH_STREAM", c.StreamPath)
	c.LedgerPath = envOr("TIDEWATCH_LEDGER", c.LedgerPath)
	c.DBPath = envOr("TIDEWATCH_DB", c.DBPath)
	c.Oracle.Provider = envOr("TIDEWATCH_ORACLE", c.Oracle.Provider)
	c.Oracle.Addr = envOr("TIDEWATCH_ORACLE_ADDR", c.Oracle.Addr)
	c.Oracle.APIKey = envOr("GEMINI_API_KEY", c.Oracle.APIKey)

	if v := os.Getenv("TIDEWATCH_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TIDEWATCH_ITERATIONS: %w", err)
		}
		c.Iterations = n
	}
	if v := os.Getenv("TIDEWATCH_MANUAL_APPROVE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TIDEWATCH_MANUAL_APPROVE: %w", err)
		}
		c.ManualApprove = b
	}
	if v := os.Getenv("TIDEWATCH_SEED"); v != "" {
		s, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TIDEWATCH_SEED: %w", err)
		}
		c.Seed = s
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	if c.TickDelay < 0 {
		return fmt.Errorf("tick_delay must not be negative")
	}
	if c.Windows.Fusion < 1 || c.Windows.Safety < 1 {
		return fmt.Errorf("windows must be positive, got fusion=%d safety=%d", c.Windows.Fusion, c.Windows.Safety)
	}
	if p := c.Safety.NoiseProbability; p < 0 || p > 1 {
		return fmt.Errorf("safety.noise_probability must be in [0,1], got %v", p)
	}
	if c.Safety.SpikeThreshold <= 0 {
		return fmt.Errorf("safety.spike_threshold must be positive")
	}
	switch c.Oracle.Provider {
	case ProviderOffline, ProviderGemini, ProviderGRPC:
	default:
		return fmt.Errorf("unknown oracle provider %q", c.Oracle.Provider)
	}
	return nil
}

// #endregion load

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
