package gate

import "github.com/danielpatrickdp/tidewatch/internal/world"

// #region flag-reason
// FlagReason enumerates why a sensor was flagged.
type FlagReason string

const (
	ReasonSuddenSpike FlagReason = "sudden_spike"
	ReasonRandomNoise FlagReason = "random_noise"
)

// NoiseSensorID is the pseudo sensor attached to injected noise flags.
const NoiseSensorID = "sim_random"

// #endregion flag-reason

// #region flag
// Flag marks a sensor as suspicious for the current window.
type Flag struct {
	SensorID string     `json:"sensor_id"`
	Reason   FlagReason `json:"reason"`
}

// #endregion flag

// #region gate-config
// GateConfig holds detector thresholds.
type GateConfig struct {
	SpikeFactor      float64 // relative jump between consecutive readings that counts as a spike
	Epsilon          float64 // floor for the previous value in the relative-jump denominator
	NoiseProbability float64 // chance per window of an unconditional random_noise flag
}

// DefaultGateConfig returns the stock thresholds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		SpikeFactor:      3.0,
		Epsilon:          1e-6,
		NoiseProbability: 0.02,
	}
}

// #endregion gate-config

// #region safety-report
// SafetyReport is the gate verdict for one tick. Verified is false whenever
// Flags is non-empty.
type SafetyReport struct {
	Verified bool   `json:"verified"`
	Flags    []Flag `json:"flags"`
}

// Verdict bundles the report with the world state downstream stages should trust.
type Verdict struct {
	Report        SafetyReport
	VerifiedWorld world.State
}

// #endregion safety-report
