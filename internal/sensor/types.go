package sensor

import "context"

// #region observation
// Observation is a single sensor reading. Values are never mutated after creation.
type Observation struct {
	Timestamp  string  `json:"timestamp"`
	SensorID   string  `json:"sensor_id"`
	SensorType string  `json:"sensor_type"`
	Location   string  `json:"location"`
	Value      float64 `json:"value"`
	Source     string  `json:"source"`
}

// #endregion observation

// #region stream-interface
// Stream yields observations one at a time. ok=false means the stream is
// exhausted; exhaustion is not an error.
type Stream interface {
	Next(ctx context.Context) (obs Observation, ok bool, err error)
}

// #endregion stream-interface
