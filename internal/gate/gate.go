package gate

import (
	"math"
	"math/rand/v2"

	"github.com/danielpatrickdp/tidewatch/internal/sensor"
	"github.com/danielpatrickdp/tidewatch/internal/world"
)

// #region gate
// Gate screens recent observations for tampering before the world state is trusted.
type Gate struct {
	config GateConfig
	rng    *rand.Rand
}

// NewGate creates a gate with the given configuration. rng drives the noise
// path; pass a seeded source for reproducible runs. A nil rng disables noise.
func NewGate(config GateConfig, rng *rand.Rand) *Gate {
	return &Gate{config: config, rng: rng}
}

// Detect compares consecutive readings per sensor in arrival order and flags
// relative jumps above the spike factor. It may also append a random_noise
// flag that is unrelated to any sensor.
func (g *Gate) Detect(window []sensor.Observation) []Flag {
	var flags []Flag
	last := make(map[string]float64)

	for _, o := range window {
		if prev, ok := last[o.SensorID]; ok {
			jump := math.Abs(o.Value-prev) / math.Max(g.config.Epsilon, prev)
			if jump > g.config.SpikeFactor {
				flags = append(flags, Flag{SensorID: o.SensorID, Reason: ReasonSuddenSpike})
			}
		}
		last[o.SensorID] = o.Value
	}

	if g.rng != nil && g.config.NoiseProbability > 0 && g.rng.Float64() < g.config.NoiseProbability {
		flags = append(flags, Flag{SensorID: NoiseSensorID, Reason: ReasonRandomNoise})
	}
	return flags
}

// Evaluate runs Detect and derives the safety report. Flagged zones are not
// excluded; the whole report is simply marked unverified.
func (g *Gate) Evaluate(fused world.State, window []sensor.Observation) Verdict {
	flags := g.Detect(window)
	if len(flags) > 0 {
		return Verdict{
			Report:        SafetyReport{Verified: false, Flags: flags},
			VerifiedWorld: fused.Clone(),
		}
	}
	return Verdict{
		Report:        SafetyReport{Verified: true, Flags: []Flag{}},
		VerifiedWorld: fused,
	}
}

// #endregion gate
