package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvaluateCachesWithinTTL(t *testing.T) {
	var calls int
	probe := ProbeFunc(func(ctx context.Context) ProbeResult {
		calls++
		return Healthy("persistence")
	})
	ev := NewEvaluator(200*time.Millisecond, probe)

	first := ev.Evaluate(context.Background())
	second := ev.Evaluate(context.Background())
	require.Equal(t, 1, calls, "second evaluation within ttl should hit the cache")
	require.Equal(t, StatusHealthy, first.Overall)
	require.Equal(t, first.EvaluatedAt, second.EvaluatedAt)

	time.Sleep(220 * time.Millisecond)
	_ = ev.Evaluate(context.Background())
	require.Equal(t, 2, calls, "expired ttl should re-run probes")
}

func TestOverallIsWorstProbe(t *testing.T) {
	cases := []struct {
		name   string
		second ProbeResult
		want   Status
	}{
		{"all healthy", Healthy("persistence"), StatusHealthy},
		{"one degraded", Degraded("scheduler", "tick lag"), StatusDegraded},
		{"one unhealthy", Unhealthy("node_api", "unreachable"), StatusUnhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := NewEvaluator(0,
				ProbeFunc(func(ctx context.Context) ProbeResult { return Healthy("node_api") }),
				ProbeFunc(func(ctx context.Context) ProbeResult { return tc.second }),
			)
			snap := ev.Evaluate(context.Background())
			require.Equal(t, tc.want, snap.Overall)
			require.Len(t, snap.Probes, 2)
		})
	}
}
