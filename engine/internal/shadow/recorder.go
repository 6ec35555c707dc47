// Package shadow implements the Shadow Recorder (C7). In shadow and canary
// modes it intercepts a would-be mutation before it reaches the Policy
// Executor, persisting exactly the Decision the executor would have
// produced but without a backup, apply call, or cooldown update — so an
// operator can compare what the system would have done against what it
// actually did.
package shadow

import (
	"context"
	"time"

	"lnautopilot/engine/internal/persistence"
	"lnautopilot/engine/internal/telemetry/logging"
	"lnautopilot/engine/models"
)

// Recorder decides, for one Decision, whether it should be shadowed instead
// of handed to the Policy Executor, and persists shadowed Decisions.
type Recorder struct {
	store persistence.Store
	log   logging.Logger
}

func New(store persistence.Store, log logging.Logger) *Recorder {
	return &Recorder{store: store, log: log}
}

// ShouldShadow reports whether d must be recorded instead of executed,
// given the safety envelope's effective mode. Canary mode only exempts
// channels on the whitelist; every other mode but active shadows everything.
func ShouldShadow(env models.SafetyEnvelope, channelID models.ChannelID) bool {
	switch env.EffectiveMode() {
	case models.ModeActive:
		return false
	case models.ModeCanary:
		return !env.InCanaryWhitelist(channelID)
	default: // shadow
		return true
	}
}

// Record persists d as shadowed without touching the node or the cooldown
// clock. NO_ACTION decisions are recorded too, so shadow reports reflect
// every channel the control loop considered, not only the ones it would
// have mutated.
func (r *Recorder) Record(ctx context.Context, d models.Decision) models.Decision {
	d.Status = models.StatusShadowed
	d.ExecutionResult = "shadowed: would have " + string(d.Kind)

	writeCtx, cancel := context.WithTimeout(ctx, persistence.WriteTimeout)
	defer cancel()
	if err := r.store.SaveDecision(writeCtx, d); err != nil && r.log != nil {
		r.log.ErrorCtx(ctx, "failed to persist shadowed decision", "decision_id", d.DecisionID, "error", err)
	}
	return d
}

// Report summarizes shadowed decisions since a point in time, the shape the
// shadow-report CLI operation reads back.
type Report struct {
	Since     time.Time
	Generated time.Time
	ByKind    map[models.DecisionKind]int
	Decisions []models.Decision
}

// BuildReport loads every shadowed decision created at or after since and
// tallies them by kind.
func BuildReport(ctx context.Context, store persistence.Store, since time.Time) (Report, error) {
	all, err := store.ListDecisionsSince(ctx, since)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Since: since, Generated: time.Now(), ByKind: make(map[models.DecisionKind]int)}
	for _, d := range all {
		if d.Status != models.StatusShadowed {
			continue
		}
		rep.Decisions = append(rep.Decisions, d)
		rep.ByKind[d.Kind]++
	}
	return rep, nil
}
