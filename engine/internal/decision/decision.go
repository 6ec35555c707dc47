// Package decision implements the Decision Engine (C5): it turns one
// channel's score, current policy, safety envelope, and recent history into
// a single Decision by evaluating an ordered rule list, applying an
// oscillation-penalized confidence, and clamping any proposed fee change to
// the configured safety envelope.
package decision

import (
	"time"

	"github.com/google/uuid"

	"lnautopilot/engine/models"
)

// Thresholds are the tunable rule constants named in the rule list.
type Thresholds struct {
	CloseScore               float64
	LowPerfScore             float64
	LowPerfSustainedDuration time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{CloseScore: 20, LowPerfScore: 40, LowPerfSustainedDuration: 48 * time.Hour}
}

// Input is everything Evaluate needs for one channel at one tick.
type Input struct {
	Score             models.ChannelScore
	Metrics           models.ChannelMetrics
	CurrentPolicy     models.ChannelPolicy
	CooldownRemaining time.Duration
	// RecentDecisions is this channel's decision history, used for
	// oscillation detection; only entries from the last 24h are counted.
	RecentDecisions []models.Decision
	// LowPerfSince is when total_score most recently dropped (and has
	// stayed) below LowPerfScore; zero unless it has stayed low for at least
	// LowPerfSustainedDuration. Evaluate does not check the duration itself:
	// any non-zero value lets rule 6 fire.
	LowPerfSince time.Time
}

// Evaluate runs the ordered rule list for one channel and returns a pending
// Decision. Safety clamping is applied here; budget selection is applied by
// the caller (SelectWithinBudget) once every channel's Decision for the tick
// has been produced.
func Evaluate(tickID string, in Input, envelope models.SafetyEnvelope, th Thresholds, now time.Time) models.Decision {
	base := models.Decision{
		DecisionID: uuid.NewString(),
		TickID:     tickID,
		ChannelID:  in.Score.ChannelID,
		CreatedAt:  now,
		Status:     models.StatusPending,
	}

	kind, confidence, reason, proposed := applyRules(in, th)
	base.Kind = kind
	base.Reason = reason
	base.ProposedPolicy = proposed
	base.PriorPolicyVersion = in.CurrentPolicy.Version
	base.Confidence = confidence * oscillationMultiplier(in.RecentDecisions, now)

	if kind != models.NoAction {
		clamped, code := clampToEnvelope(in.CurrentPolicy, proposed, envelope)
		base.ProposedPolicy = clamped
		if code == codeClampedToIdentity {
			base.Kind = models.NoAction
			base.Reason.Code = code
		} else if code != "" {
			base.Reason.Code = code
		}
	}

	return base
}

const (
	codeStaleOrInactive    = "stale_or_inactive"
	codeCooldown           = "cooldown"
	codeClosePerf          = "close_low_performance"
	codeHighLocalRatio     = "high_local_ratio"
	codeLowLocalRatio      = "low_local_ratio"
	codeSustainedLowPerf   = "sustained_low_performance"
	codeNoRuleMatched      = "no_rule_matched"
	codeClampedToIdentity  = "clamped_to_identity"
	codeClampedToBoundary  = "clamped_to_boundary"
)

func applyRules(in Input, th Thresholds) (models.DecisionKind, float64, models.DecisionReason, models.PartialPolicy) {
	reason := func(code string) models.DecisionReason {
		return models.DecisionReason{RuleID: code, Code: code, ContributingSub: in.Score.SubScores}
	}

	// Rule 1: stale inputs or non-active channel.
	if in.Score.StaleInputs || in.Metrics.Status != models.StatusActive {
		return models.NoAction, 0.2, reason(codeStaleOrInactive), models.PartialPolicy{}
	}

	// Rule 2: cooldown still in effect.
	if in.CooldownRemaining > 0 {
		return models.NoAction, 0.3, reason(codeCooldown), models.PartialPolicy{}
	}

	// Rule 3: close a dead, underperforming, aged channel.
	if in.Score.Total < th.CloseScore && in.Metrics.AgeDays > 30 && in.Metrics.Forwards7dCount == 0 {
		confidence := clamp01((th.CloseScore - in.Score.Total) / th.CloseScore)
		return models.CloseChannel, confidence, reason(codeClosePerf), models.PartialPolicy{}
	}

	localRatio := localBalanceRatio(in.Metrics)

	// Rule 4: starved remote side, push fees up.
	if localRatio > 0.8 {
		newRate := in.CurrentPolicy.FeeRatePPM + in.CurrentPolicy.FeeRatePPM*30/100
		return models.IncreaseFees, 0.7, reason(codeHighLocalRatio), feeRatePolicy(newRate)
	}

	// Rule 5: starved local side, pull fees down to attract inbound routing.
	if localRatio < 0.2 {
		newRate := in.CurrentPolicy.FeeRatePPM - in.CurrentPolicy.FeeRatePPM*20/100
		return models.DecreaseFees, 0.7, reason(codeLowLocalRatio), feeRatePolicy(newRate)
	}

	// Rule 6: sustained low performer, nudge fees up modestly.
	if in.Score.Total < th.LowPerfScore && !in.LowPerfSince.IsZero() {
		newRate := in.CurrentPolicy.FeeRatePPM + in.CurrentPolicy.FeeRatePPM*20/100
		return models.IncreaseFees, 0.6, reason(codeSustainedLowPerf), feeRatePolicy(newRate)
	}

	// Rule 7: nothing to do.
	return models.NoAction, 1.0, reason(codeNoRuleMatched), models.PartialPolicy{}
}

func feeRatePolicy(newRate int64) models.PartialPolicy {
	if newRate < 0 {
		newRate = 0
	}
	return models.PartialPolicy{FeeRatePPM: &newRate}
}

func localBalanceRatio(m models.ChannelMetrics) float64 {
	total := m.LocalBalanceSat + m.RemoteBalanceSat
	if total <= 0 {
		return 0
	}
	return float64(m.LocalBalanceSat) / float64(total)
}

// oscillationMultiplier returns (1 - 0.5*pairs), floored at 0, where pairs is
// the number of opposing INCREASE_FEES/DECREASE_FEES mutation pairs on this
// channel within the last 24h.
func oscillationMultiplier(recent []models.Decision, now time.Time) float64 {
	var kinds []models.DecisionKind
	for _, d := range recent {
		if now.Sub(d.CreatedAt) > 24*time.Hour {
			continue
		}
		if d.Kind == models.IncreaseFees || d.Kind == models.DecreaseFees {
			kinds = append(kinds, d.Kind)
		}
	}
	pairs := 0
	for i := 1; i < len(kinds); i++ {
		if kinds[i] != kinds[i-1] {
			pairs++
		}
	}
	mult := 1 - 0.5*float64(pairs)
	if mult < 0 {
		mult = 0
	}
	return mult
}

// WasClamped reports whether the safety envelope altered (or neutralized)
// the decision's proposed fee values, so callers can emit a clamp event.
func WasClamped(d models.Decision) bool {
	return d.Reason.Code == codeClampedToIdentity || d.Reason.Code == codeClampedToBoundary
}

// clampToEnvelope projects a proposed partial policy onto the safety
// envelope. If the projected values equal the current policy, the caller
// downgrades the Decision to NO_ACTION via codeClampedToIdentity.
func clampToEnvelope(current models.ChannelPolicy, proposed models.PartialPolicy, env models.SafetyEnvelope) (models.PartialPolicy, string) {
	out := proposed
	clamped := false

	if out.BaseFeeMsat != nil {
		v := clampInt64(*out.BaseFeeMsat, env.BaseFeeMsatMin, env.BaseFeeMsatMax)
		v, c := applyMaxChangePct(current.BaseFeeMsat, v, env.MaxFeeChangePct)
		clamped = clamped || c || v != *out.BaseFeeMsat
		out.BaseFeeMsat = &v
	}
	if out.FeeRatePPM != nil {
		v := clampInt64(*out.FeeRatePPM, env.FeeRatePPMMin, env.FeeRatePPMMax)
		v, c := applyMaxChangePct(current.FeeRatePPM, v, env.MaxFeeChangePct)
		clamped = clamped || c || v != *out.FeeRatePPM
		out.FeeRatePPM = &v
	}

	if !clamped {
		return out, ""
	}
	if partialEqualsCurrent(out, current) {
		return out, codeClampedToIdentity
	}
	return out, codeClampedToBoundary
}

func applyMaxChangePct(prior, proposed int64, maxPct float64) (int64, bool) {
	if maxPct <= 0 {
		return proposed, false
	}
	denom := prior
	if denom < 1 {
		denom = 1
	}
	changePct := float64(abs64(proposed-prior)) / float64(denom) * 100
	if changePct <= maxPct {
		return proposed, false
	}
	maxDelta := int64(float64(denom) * maxPct / 100)
	if proposed > prior {
		return prior + maxDelta, true
	}
	return prior - maxDelta, true
}

func clampInt64(v, lo, hi int64) int64 {
	if hi > 0 && v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func partialEqualsCurrent(p models.PartialPolicy, current models.ChannelPolicy) bool {
	if p.BaseFeeMsat != nil && *p.BaseFeeMsat != current.BaseFeeMsat {
		return false
	}
	if p.FeeRatePPM != nil && *p.FeeRatePPM != current.FeeRatePPM {
		return false
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
