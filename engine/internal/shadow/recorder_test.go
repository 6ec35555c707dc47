package shadow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lnautopilot/engine/internal/persistence"
	"lnautopilot/engine/models"
)

func TestShouldShadowInShadowMode(t *testing.T) {
	env := models.SafetyEnvelope{Mode: models.ModeShadow}
	require.True(t, ShouldShadow(env, "ch1"))
}

func TestShouldShadowCanaryExemptsWhitelist(t *testing.T) {
	env := models.SafetyEnvelope{Mode: models.ModeCanary, CanaryChannelWhitelist: []models.ChannelID{"ch1"}}
	require.False(t, ShouldShadow(env, "ch1"))
	require.True(t, ShouldShadow(env, "ch2"))
}

func TestShouldShadowActiveModeNeverShadows(t *testing.T) {
	env := models.SafetyEnvelope{Mode: models.ModeActive}
	require.False(t, ShouldShadow(env, "ch1"))
}

func TestShouldShadowDryRunOverrideForcesShadowEvenInActive(t *testing.T) {
	env := models.SafetyEnvelope{Mode: models.ModeActive, DryRunOverride: true}
	require.True(t, ShouldShadow(env, "ch1"))
}

func TestRecordPersistsShadowedStatus(t *testing.T) {
	store := persistence.NewMemoryStore()
	r := New(store, nil)

	d := models.Decision{DecisionID: "d1", ChannelID: "ch1", Kind: models.IncreaseFees, CreatedAt: time.Now()}
	got := r.Record(context.Background(), d)
	require.Equal(t, models.StatusShadowed, got.Status)

	stored, found, err := store.GetDecision(context.Background(), "d1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, models.StatusShadowed, stored.Status)
}

func TestBuildReportTalliesByKind(t *testing.T) {
	store := persistence.NewMemoryStore()
	r := New(store, nil)
	now := time.Now()

	r.Record(context.Background(), models.Decision{DecisionID: "d1", ChannelID: "ch1", Kind: models.IncreaseFees, CreatedAt: now})
	r.Record(context.Background(), models.Decision{DecisionID: "d2", ChannelID: "ch2", Kind: models.IncreaseFees, CreatedAt: now})
	r.Record(context.Background(), models.Decision{DecisionID: "d3", ChannelID: "ch3", Kind: models.NoAction, CreatedAt: now})
	require.NoError(t, store.SaveDecision(context.Background(), models.Decision{
		DecisionID: "d4", ChannelID: "ch4", Status: models.StatusExecuted, Kind: models.DecreaseFees, CreatedAt: now,
	}))

	rep, err := BuildReport(context.Background(), store, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, rep.ByKind[models.IncreaseFees])
	require.Equal(t, 1, rep.ByKind[models.NoAction])
	require.Len(t, rep.Decisions, 3)
}
