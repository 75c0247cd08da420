package gate

import (
	"math/rand/v2"
	"testing"

	"github.com/danielpatrickdp/tidewatch/internal/sensor"
	"github.com/danielpatrickdp/tidewatch/internal/world"
)

func reading(id string, v float64) sensor.Observation {
	return sensor.Observation{SensorID: id, SensorType: "water", Location: "zoneA", Value: v}
}

func quietGate() *Gate {
	return NewGate(DefaultGateConfig(), nil)
}

func TestGateVerifiedOnStableReadings(t *testing.T) {
	g := quietGate()
	fused := world.State{"zoneA": {AvgWater: world.Float(1.5)}}

	v := g.Evaluate(fused, []sensor.Observation{reading("w1", 1), reading("w1", 2), reading("w1", 2.2)})

	if !v.Report.Verified {
		t.Fatalf("expected verified, got flags %v", v.Report.Flags)
	}
	if len(v.Report.Flags) != 0 {
		t.Fatalf("expected no flags, got %d", len(v.Report.Flags))
	}
	if *v.VerifiedWorld["zoneA"].AvgWater != 1.5 {
		t.Error("verified world should match fused world")
	}
}

func TestGateFlagsSuddenSpike(t *testing.T) {
	g := quietGate()
	// |10 - 2| / 2 = 4 > 3
	flags := g.Detect([]sensor.Observation{reading("w1", 2), reading("w1", 10)})

	if len(flags) != 1 {
		t.Fatalf("expected 1 flag, got %d", len(flags))
	}
	if flags[0].SensorID != "w1" || flags[0].Reason != ReasonSuddenSpike {
		t.Fatalf("unexpected flag %+v", flags[0])
	}
}

func TestGateSpikeAtThresholdNotFlagged(t *testing.T) {
	g := quietGate()
	// |8 - 2| / 2 = 3, not strictly greater
	flags := g.Detect([]sensor.Observation{reading("w1", 2), reading("w1", 8)})
	if len(flags) != 0 {
		t.Fatalf("expected no flags at threshold, got %v", flags)
	}
}

func TestGateSpikesTrackedPerSensor(t *testing.T) {
	g := quietGate()
	// Interleaved sensors: each compared only against its own previous value.
	flags := g.Detect([]sensor.Observation{
		reading("a", 1), reading("b", 100), reading("a", 1.5), reading("b", 101),
	})
	if len(flags) != 0 {
		t.Fatalf("expected no cross-sensor comparison, got %v", flags)
	}
}

func TestGateZeroPreviousUsesEpsilon(t *testing.T) {
	g := quietGate()
	flags := g.Detect([]sensor.Observation{reading("w1", 0), reading("w1", 0.01)})
	if len(flags) != 1 {
		t.Fatalf("expected spike from zero baseline, got %v", flags)
	}
}

func TestGateUnverifiedCopiesWorld(t *testing.T) {
	g := quietGate()
	fused := world.State{"zoneA": {AvgWater: world.Float(3)}}

	v := g.Evaluate(fused, []sensor.Observation{reading("w1", 1), reading("w1", 50)})

	if v.Report.Verified {
		t.Fatal("expected unverified report")
	}
	if _, ok := v.VerifiedWorld["zoneA"]; !ok {
		t.Fatal("flagged zones are kept in the verified world")
	}
	*v.VerifiedWorld["zoneA"].AvgWater = 0
	if *fused["zoneA"].AvgWater != 3 {
		t.Error("verified world must be a copy when flags exist")
	}
}

func TestGateNoiseAlwaysWithCertainProbability(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.NoiseProbability = 1
	g := NewGate(cfg, rand.New(rand.NewPCG(1, 2)))

	flags := g.Detect(nil)
	if len(flags) != 1 || flags[0].Reason != ReasonRandomNoise || flags[0].SensorID != NoiseSensorID {
		t.Fatalf("expected one random_noise flag, got %v", flags)
	}
}

func TestGateNoiseReproducibleWithSeed(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.NoiseProbability = 0.5

	run := func() []int {
		g := NewGate(cfg, rand.New(rand.NewPCG(42, 7)))
		var hits []int
		for i := 0; i < 50; i++ {
			if len(g.Detect(nil)) > 0 {
				hits = append(hits, i)
			}
		}
		return hits
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("seeded runs diverged: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("seeded runs diverged at %d", i)
		}
	}
}

func TestGateZeroProbabilityNeverNoisy(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.NoiseProbability = 0
	g := NewGate(cfg, rand.New(rand.NewPCG(1, 1)))
	for i := 0; i < 100; i++ {
		if len(g.Detect(nil)) != 0 {
			t.Fatal("noise injected with zero probability")
		}
	}
}
