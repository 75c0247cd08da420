package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/tidewatch/internal/gate"
	"github.com/danielpatrickdp/tidewatch/internal/sensor"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a scenario fixture.
type Fixture struct {
	Description  string               `json:"description"`
	Config       FixtureConfig        `json:"config"`
	Observations []sensor.Observation `json:"observations"`
	ManualInject *sensor.Observation  `json:"manual_inject,omitempty"`
	Approvals    []FixtureApproval    `json:"approvals"`
	Expected     []ExpectedTick       `json:"expected"`
}

// FixtureConfig holds the run parameters for a scenario.
type FixtureConfig struct {
	Iterations       int      `json:"iterations"`
	ManualApprove    bool     `json:"manual_approve"`
	Seed             uint64   `json:"seed"`
	SpikeThreshold   *float64 `json:"spike_threshold,omitempty"`
	NoiseProbability float64  `json:"noise_probability"`
}

// FixtureApproval queues a manual approval before the given tick runs.
type FixtureApproval struct {
	Tick   int    `json:"tick"`
	PlanID string `json:"plan_id"`
}

// ExpectedTick is the reference outcome of one tick.
type ExpectedTick struct {
	Tick         int    `json:"tick"`
	Verified     bool   `json:"verified"`
	Incidents    int    `json:"incidents"`
	Plans        int    `json:"plans"`
	ApprovedPlan string `json:"approved_plan"`
	Executions   int    `json:"executions"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if f.Config.Iterations < 1 {
		return nil, fmt.Errorf("fixture %s: iterations must be positive", path)
	}
	return &f, nil
}

// ToGateConfig converts the fixture thresholds to a gate configuration.
func (fc *FixtureConfig) ToGateConfig() gate.GateConfig {
	cfg := gate.DefaultGateConfig()
	if fc.SpikeThreshold != nil {
		cfg.SpikeFactor = *fc.SpikeThreshold
	}
	cfg.NoiseProbability = fc.NoiseProbability
	return cfg
}

// #endregion fixture-loader
