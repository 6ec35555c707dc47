package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lnautopilot/engine/models"
)

func envelope() models.SafetyEnvelope {
	return models.SafetyEnvelope{
		BaseFeeMsatMin: 0, BaseFeeMsatMax: 5000,
		FeeRatePPMMin: 0, FeeRatePPMMax: 5000,
		MaxFeeChangePct: 50,
	}
}

func TestScenarioA_ShadowUnderperformingChannelIncreaseFees(t *testing.T) {
	in := Input{
		Score:         models.ChannelScore{ChannelID: "ch1", Total: 70},
		Metrics:       models.ChannelMetrics{ChannelID: "ch1", Status: models.StatusActive, LocalBalanceSat: 4_500_000, RemoteBalanceSat: 500_000, CapacitySat: 5_000_000},
		CurrentPolicy: models.ChannelPolicy{ChannelID: "ch1", FeeRatePPM: 1000, Version: 1},
	}
	d := Evaluate("tick1", in, envelope(), DefaultThresholds(), time.Now())
	require.Equal(t, models.IncreaseFees, d.Kind)
	require.NotNil(t, d.ProposedPolicy.FeeRatePPM)
	require.Equal(t, int64(1300), *d.ProposedPolicy.FeeRatePPM)
}

func TestScenarioB_CooldownBlocksMutation(t *testing.T) {
	in := Input{
		Score:             models.ChannelScore{ChannelID: "ch1", Total: 70},
		Metrics:           models.ChannelMetrics{ChannelID: "ch1", Status: models.StatusActive, LocalBalanceSat: 4_500_000, RemoteBalanceSat: 500_000, CapacitySat: 5_000_000},
		CurrentPolicy:     models.ChannelPolicy{ChannelID: "ch1", FeeRatePPM: 1000, Version: 1},
		CooldownRemaining: 30 * time.Minute,
	}
	d := Evaluate("tick2", in, envelope(), DefaultThresholds(), time.Now())
	require.Equal(t, models.NoAction, d.Kind)
	require.Equal(t, codeCooldown, d.Reason.Code)
	require.InDelta(t, 0.3, d.Confidence, 1e-9)
}

func TestScenarioD_SafetyClampToIdentity(t *testing.T) {
	env := envelope()
	env.FeeRatePPMMax = 5000
	env.MaxFeeChangePct = 50
	in := Input{
		Score:         models.ChannelScore{ChannelID: "ch1", Total: 70},
		Metrics:       models.ChannelMetrics{ChannelID: "ch1", Status: models.StatusActive, LocalBalanceSat: 4_500_000, RemoteBalanceSat: 500_000, CapacitySat: 5_000_000},
		CurrentPolicy: models.ChannelPolicy{ChannelID: "ch1", FeeRatePPM: 5000, Version: 1},
	}
	d := Evaluate("tick3", in, env, DefaultThresholds(), time.Now())
	require.Equal(t, models.NoAction, d.Kind)
	require.Equal(t, codeClampedToIdentity, d.Reason.Code)
}

func TestClampRespectsMaxFeeChangePct(t *testing.T) {
	env := envelope()
	env.FeeRatePPMMax = 10000
	env.MaxFeeChangePct = 50
	current := models.ChannelPolicy{ChannelID: "ch1", FeeRatePPM: 200}
	proposed := models.PartialPolicy{FeeRatePPM: int64Ptr(350)}
	clamped, code := clampToEnvelope(current, proposed, env)
	require.Equal(t, codeClampedToBoundary, code)
	require.Equal(t, int64(300), *clamped.FeeRatePPM)
}

func TestLocalRatioExactlyPointEightDoesNotFireRule4(t *testing.T) {
	in := Input{
		Score:         models.ChannelScore{ChannelID: "ch1", Total: 70},
		Metrics:       models.ChannelMetrics{ChannelID: "ch1", Status: models.StatusActive, LocalBalanceSat: 800_000, RemoteBalanceSat: 200_000, CapacitySat: 1_000_000},
		CurrentPolicy: models.ChannelPolicy{ChannelID: "ch1", FeeRatePPM: 1000, Version: 1},
	}
	d := Evaluate("tick4", in, envelope(), DefaultThresholds(), time.Now())
	require.NotEqual(t, models.IncreaseFees, d.Kind)
}

func TestOscillationPenaltyHalvesConfidence(t *testing.T) {
	now := time.Now()
	recent := []models.Decision{
		{Kind: models.IncreaseFees, CreatedAt: now.Add(-2 * time.Hour)},
		{Kind: models.DecreaseFees, CreatedAt: now.Add(-1 * time.Hour)},
	}
	require.InDelta(t, 0.5, oscillationMultiplier(recent, now), 1e-9)
}

func TestStaleInputsForcesNoAction(t *testing.T) {
	in := Input{
		Score:   models.ChannelScore{ChannelID: "ch1", Total: 90, StaleInputs: true},
		Metrics: models.ChannelMetrics{ChannelID: "ch1", Status: models.StatusActive},
	}
	d := Evaluate("tick5", in, envelope(), DefaultThresholds(), time.Now())
	require.Equal(t, models.NoAction, d.Kind)
	require.Equal(t, codeStaleOrInactive, d.Reason.Code)
}

func int64Ptr(v int64) *int64 { return &v }
