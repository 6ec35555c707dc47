// Package policy centralizes telemetry knobs. The engine takes one
// normalized copy of Default() at construction; there is no package-level
// state and no runtime update path.
package policy

import "time"

// TelemetryPolicy is a plain value. All durations are expected to be
// positive; Normalize replaces zero values with the defaults in Default().
type TelemetryPolicy struct {
	Health  HealthPolicy
	Tracing TracingPolicy
	Events  EventBusPolicy
}

// HealthPolicy holds health-evaluation knobs. The engine reads only
// ProbeTTL; none of its registered probes reads the Executor* or
// Persistence* thresholds.
type HealthPolicy struct {
	ProbeTTL time.Duration
	// ExecutorMinSamples is the minimum number of apply_policy outcomes
	// observed before the executor probe reports anything but healthy.
	ExecutorMinSamples int
	// ExecutorDegradedRatio/UnhealthyRatio are failure-rate thresholds over
	// the recent apply_policy outcome window.
	ExecutorDegradedRatio  float64
	ExecutorUnhealthyRatio float64
	// PersistenceDegradedBacklog/UnhealthyBacklog bound the number of
	// unflushed writes the persistence layer may hold before the health
	// probe downgrades.
	PersistenceDegradedBacklog  int
	PersistenceUnhealthyBacklog int
}

type TracingPolicy struct {
	SamplePercent           float64
	ErrorBoostPercent       float64
	LatencyBoostThresholdMs int64
	LatencyBoostPercent     float64
}

type EventBusPolicy struct {
	MaxSubscriberBuffer int
}

// Default returns the telemetry policy defaults.
func Default() TelemetryPolicy {
	return TelemetryPolicy{
		Health: HealthPolicy{
			ProbeTTL:                    2 * time.Second,
			ExecutorMinSamples:          10,
			ExecutorDegradedRatio:       0.20,
			ExecutorUnhealthyRatio:      0.50,
			PersistenceDegradedBacklog:  50,
			PersistenceUnhealthyBacklog: 200,
		},
		Tracing: TracingPolicy{SamplePercent: 20},
		Events:  EventBusPolicy{MaxSubscriberBuffer: 1024},
	}
}

// Normalize returns a cleaned copy with sane bounds; the original is untouched.
func (p TelemetryPolicy) Normalize() TelemetryPolicy {
	c := p
	if c.Health.ProbeTTL <= 0 {
		c.Health.ProbeTTL = 2 * time.Second
	}
	if c.Health.ExecutorMinSamples <= 0 {
		c.Health.ExecutorMinSamples = 10
	}
	if c.Health.ExecutorDegradedRatio <= 0 {
		c.Health.ExecutorDegradedRatio = 0.20
	}
	if c.Health.ExecutorUnhealthyRatio <= 0 {
		c.Health.ExecutorUnhealthyRatio = 0.50
	}
	if c.Health.PersistenceDegradedBacklog <= 0 {
		c.Health.PersistenceDegradedBacklog = 50
	}
	if c.Health.PersistenceUnhealthyBacklog <= 0 {
		c.Health.PersistenceUnhealthyBacklog = 200
	}
	if c.Tracing.SamplePercent < 0 {
		c.Tracing.SamplePercent = 0
	}
	if c.Tracing.SamplePercent > 100 {
		c.Tracing.SamplePercent = 100
	}
	if c.Events.MaxSubscriberBuffer <= 0 {
		c.Events.MaxSubscriberBuffer = 1024
	}
	return c
}
