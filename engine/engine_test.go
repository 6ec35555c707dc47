package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lnautopilot/engine/internal/nodeapi"
	"lnautopilot/engine/models"
)

func testConfigManager(t *testing.T, mode models.OperatingMode) *ConfigManager {
	t.Helper()
	path := t.TempDir() + "/lnautopilot.yaml"
	cm, err := NewConfigManager(path)
	require.NoError(t, err)
	cfg := cm.Current()
	cfg.Envelope.Mode = mode
	cfg.Envelope.MaxChannelsPerTick = 10
	cfg.Envelope.CooldownMinutes = 60
	cfg.Envelope.FeeRatePPMMax = 5000
	cfg.Envelope.BaseFeeMsatMax = 10000
	cfg.Envelope.MaxFeeChangePct = 50
	require.NoError(t, cm.Update(cfg, "test setup"))
	return cm
}

// TestTickShadowModeRecordsWithoutMutating drives one Tick against a
// channel with a heavily local-skewed balance and confirms shadow mode
// records an INCREASE_FEES decision without calling ApplyPolicy.
func TestTickShadowModeRecordsWithoutMutating(t *testing.T) {
	cm := testConfigManager(t, models.ModeShadow)
	api := nodeapi.NewFakeAdapter()
	api.SeedChannel(nodeapi.Channel{
		ChannelID:   "ch1",
		PeerNodeID:  "peer1",
		CapacitySat: 5_000_000,
		LocalSat:    4_500_000,
		RemoteSat:   500_000,
		Status:      models.StatusActive,
		OpenedAt:    time.Now().Add(-60 * 24 * time.Hour),
	}, models.ChannelPolicy{ChannelID: "ch1", FeeRatePPM: 1000, Version: 1})
	api.SeedForwards(nodeapi.Forward{ChannelID: "ch1", AmountSat: 100_000, FeeMsat: 50_000, Settled: true, OccurredAt: time.Now().Add(-time.Hour)})

	store := persistenceMemoryStore(t)
	eng, err := New(cm, api, store)
	require.NoError(t, err)
	defer eng.Close()

	// Seed the metric fields the Node API cannot supply (response time,
	// uptime, liquidity scan) via the external ingestion path before the
	// tick refreshes node-derived fields on top.
	_, err = eng.IngestMetrics(models.ChannelMetrics{
		ChannelID:           "ch1",
		CapacitySat:         5_000_000,
		LocalBalanceSat:     4_500_000,
		RemoteBalanceSat:    500_000,
		Status:              models.StatusActive,
		SuccessRate7d:       0.95,
		Uptime7d:            0.99,
		HasHTLCResponseTime: true,
		HTLCResponseTimeMs:  500,
		HasLiquidityScan:    false,
		ObservedAt:          time.Now(),
	})
	require.NoError(t, err)

	eng.Tick(context.Background())

	decisions, err := store.ListDecisionsByChannel(context.Background(), "ch1")
	require.NoError(t, err)
	require.NotEmpty(t, decisions)

	var found models.Decision
	for _, d := range decisions {
		if d.Kind == models.IncreaseFees {
			found = d
		}
	}
	require.Equal(t, models.IncreaseFees, found.Kind)
	require.Equal(t, models.StatusShadowed, found.Status)
	require.NotNil(t, found.ProposedPolicy.FeeRatePPM)
	require.Equal(t, int64(1300), *found.ProposedPolicy.FeeRatePPM)

	// Shadow mode must never mutate the node's live policy.
	policy, err := api.GetPolicy(context.Background(), "ch1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), policy.FeeRatePPM)
}

// TestTickActiveModeExecutesAndRollsBack drives active mode end to end: the
// same underperforming channel gets its fee mutated on the node, and an
// operator rollback restores the prior policy.
func TestTickActiveModeExecutesAndRollsBack(t *testing.T) {
	cm := testConfigManager(t, models.ModeActive)
	api := nodeapi.NewFakeAdapter()
	api.SeedChannel(nodeapi.Channel{
		ChannelID:   "ch1",
		CapacitySat: 5_000_000,
		LocalSat:    4_500_000,
		RemoteSat:   500_000,
		Status:      models.StatusActive,
	}, models.ChannelPolicy{ChannelID: "ch1", FeeRatePPM: 1000, Version: 1})

	store := persistenceMemoryStore(t)
	eng, err := New(cm, api, store)
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.IngestMetrics(models.ChannelMetrics{
		ChannelID:           "ch1",
		CapacitySat:         5_000_000,
		LocalBalanceSat:     4_500_000,
		RemoteBalanceSat:    500_000,
		Status:              models.StatusActive,
		SuccessRate7d:       0.95,
		Uptime7d:            0.99,
		HasHTLCResponseTime: true,
		HTLCResponseTimeMs:  500,
		ObservedAt:          time.Now(),
	})
	require.NoError(t, err)

	eng.Tick(context.Background())

	policy, err := api.GetPolicy(context.Background(), "ch1")
	require.NoError(t, err)
	require.Equal(t, int64(1300), policy.FeeRatePPM)

	decisions, err := store.ListDecisionsByStatus(context.Background(), models.StatusExecuted)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	txID := decisions[0].TransactionID
	require.NotEmpty(t, txID)

	rolledBack, err := eng.Rollback(context.Background(), txID)
	require.NoError(t, err)
	require.Equal(t, models.ChannelID("ch1"), rolledBack.ChannelID)

	policy, err = api.GetPolicy(context.Background(), "ch1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), policy.FeeRatePPM)

	_, err = eng.Rollback(context.Background(), txID)
	require.ErrorIs(t, err, models.ErrAlreadyRolledBack)
}

// TestTickCloseChannelAlwaysShadowed confirms CLOSE_CHANNEL decisions are
// never auto-executed even in active mode, per the operator-confirmation
// requirement.
func TestTickCloseChannelAlwaysShadowed(t *testing.T) {
	cm := testConfigManager(t, models.ModeActive)
	api := nodeapi.NewFakeAdapter()
	api.SeedChannel(nodeapi.Channel{
		ChannelID:   "ch1",
		CapacitySat: 1_000_000,
		LocalSat:    500_000,
		RemoteSat:   500_000,
		Status:      models.StatusActive,
		OpenedAt:    time.Now().Add(-90 * 24 * time.Hour),
	}, models.ChannelPolicy{ChannelID: "ch1", FeeRatePPM: 1000, Version: 1})

	store := persistenceMemoryStore(t)
	eng, err := New(cm, api, store)
	require.NoError(t, err)
	defer eng.Close()

	// A near-zero score, no forwards in the trailing window, and an aged
	// channel together satisfy the close rule's three conditions.
	_, err = eng.IngestMetrics(models.ChannelMetrics{
		ChannelID:           "ch1",
		CapacitySat:         1_000_000,
		LocalBalanceSat:     500_000,
		RemoteBalanceSat:    500_000,
		Status:              models.StatusActive,
		SuccessRate7d:       0.0,
		Uptime7d:            0.1,
		HasHTLCResponseTime: true,
		HTLCResponseTimeMs:  2500,
		ObservedAt:          time.Now(),
	})
	require.NoError(t, err)

	eng.Tick(context.Background())

	decisions, err := store.ListDecisionsByChannel(context.Background(), "ch1")
	require.NoError(t, err)
	for _, d := range decisions {
		if d.Kind == models.CloseChannel {
			require.Equal(t, models.StatusShadowed, d.Status)
		}
	}
}

// TestTickStaleMetricsForceNoAction stalls the metric pipeline (the node
// cannot list channels, and the only stored observation is hours old) and
// confirms the aged-out metrics never drive a mutation in active mode: the
// channel's decision is NO_ACTION and its live policy is untouched, even
// though the stale balance numbers would otherwise fire the fee-increase
// rule.
func TestTickStaleMetricsForceNoAction(t *testing.T) {
	cm := testConfigManager(t, models.ModeActive)
	api := nodeapi.NewFakeAdapter()
	api.SeedChannel(nodeapi.Channel{
		ChannelID:   "ch1",
		CapacitySat: 5_000_000,
		LocalSat:    4_500_000,
		RemoteSat:   500_000,
		Status:      models.StatusActive,
	}, models.ChannelPolicy{ChannelID: "ch1", FeeRatePPM: 1000, Version: 1})
	api.ListChannelsHook = func() ([]nodeapi.Channel, error) {
		return nil, models.ErrIoFailure
	}

	store := persistenceMemoryStore(t)
	eng, err := New(cm, api, store)
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.IngestMetrics(models.ChannelMetrics{
		ChannelID:           "ch1",
		CapacitySat:         5_000_000,
		LocalBalanceSat:     4_500_000,
		RemoteBalanceSat:    500_000,
		Status:              models.StatusActive,
		SuccessRate7d:       0.95,
		Uptime7d:            0.99,
		HasHTLCResponseTime: true,
		HTLCResponseTimeMs:  500,
		ObservedAt:          time.Now().Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	eng.Tick(context.Background())

	decisions, err := store.ListDecisionsByChannel(context.Background(), "ch1")
	require.NoError(t, err)
	require.NotEmpty(t, decisions)
	for _, d := range decisions {
		require.Equal(t, models.NoAction, d.Kind)
	}

	policy, err := api.GetPolicy(context.Background(), "ch1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), policy.FeeRatePPM)
}

func persistenceMemoryStore(t *testing.T) Store {
	t.Helper()
	return NewMemoryStore()
}
