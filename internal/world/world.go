package world

import (
	"math"
	"sort"
	"strings"

	"github.com/danielpatrickdp/tidewatch/internal/sensor"
)

// #region types
// ZoneSummary holds per-category means for one zone. A nil field means no
// samples of that category were seen in the window.
type ZoneSummary struct {
	AvgWater   *float64 `json:"avg_water"`
	AvgGarbage *float64 `json:"avg_garbage"`
}

// State maps zone name to its fused summary. Rebuilt every tick.
type State map[string]ZoneSummary

// Zones returns the zone names in lexicographic order.
func (s State) Zones() []string {
	zones := make([]string, 0, len(s))
	for z := range s {
		zones = append(zones, z)
	}
	sort.Strings(zones)
	return zones
}

// Clone returns a copy that does not share pointers with s.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for z, v := range s {
		out[z] = ZoneSummary{AvgWater: copyPtr(v.AvgWater), AvgGarbage: copyPtr(v.AvgGarbage)}
	}
	return out
}

// #endregion types

// #region fuse
// Fuse groups observations by location and averages the water and garbage
// readings. Sensor type matching is a case-insensitive substring check; water
// wins when a type mentions both.
func Fuse(window []sensor.Observation) State {
	type bucket struct {
		water, garbage []float64
	}
	buckets := make(map[string]*bucket)

	for _, o := range window {
		stype := strings.ToLower(o.SensorType)
		b, ok := buckets[o.Location]
		switch {
		case strings.Contains(stype, "water"):
			if !ok {
				b = &bucket{}
				buckets[o.Location] = b
			}
			b.water = append(b.water, o.Value)
		case strings.Contains(stype, "garbage"):
			if !ok {
				b = &bucket{}
				buckets[o.Location] = b
			}
			b.garbage = append(b.garbage, o.Value)
		}
	}

	out := make(State, len(buckets))
	for zone, b := range buckets {
		out[zone] = ZoneSummary{
			AvgWater:   mean(b.water),
			AvgGarbage: mean(b.garbage),
		}
	}
	return out
}

// Window returns the last n observations of log, or all of them if fewer exist.
func Window(log []sensor.Observation, n int) []sensor.Observation {
	if n <= 0 || len(log) <= n {
		return log
	}
	return log[len(log)-n:]
}

// #endregion fuse

// #region helpers
func mean(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	m := Round2(sum / float64(len(vals)))
	return &m
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func copyPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Float returns a pointer to v. Handy for building states in tests and fixtures.
func Float(v float64) *float64 {
	return &v
}

// #endregion helpers
