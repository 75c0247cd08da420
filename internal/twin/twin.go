// Package twin is the digital twin: a fast heuristic that estimates what a
// response plan would achieve before anything is executed.
package twin

import (
	"strings"

	"github.com/danielpatrickdp/tidewatch/internal/world"
)

// Plan is the part of a candidate the simulator looks at.
type Plan interface {
	PlanName() string
}

// Outcome is the estimated effect of a plan.
type Outcome struct {
	TimeSavedMin     float64 `json:"time_saved_min"`
	DamageReducedPct float64 `json:"damage_reduced_pct"`
	Cost             float64 `json:"cost"`
}

// SevereWater is the avg_water level above which every plan is credited extra.
const SevereWater = 3.0

// Simulate scores a plan by keyword: dispatch/alert plans save more time and
// damage at higher cost than monitoring. A monitor keyword wins when both
// appear. Any zone with avg_water above SevereWater adds 10 to time and damage.
func Simulate(p Plan, w world.State) Outcome {
	var out Outcome
	name := strings.ToLower(p.PlanName())

	if strings.Contains(name, "dispatch") || strings.Contains(name, "alert") {
		out = Outcome{TimeSavedMin: 20, DamageReducedPct: 40, Cost: 100}
	}
	if strings.Contains(name, "monitor") {
		out = Outcome{TimeSavedMin: 5, DamageReducedPct: 5, Cost: 10}
	}

	for _, z := range w {
		if z.AvgWater != nil && *z.AvgWater > SevereWater {
			out.DamageReducedPct += 10
			out.TimeSavedMin += 10
			break
		}
	}
	return out
}
