// Package executor implements the Policy Executor (C6), the sole mutator of
// ChannelPolicy. It enforces per-channel advisory locking, write-ahead
// backup persistence, optimistic-concurrency re-verification, and a single
// rollback attempt on apply failure, per the concurrency and error-handling
// design.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"lnautopilot/engine/internal/nodeapi"
	"lnautopilot/engine/internal/persistence"
	"lnautopilot/engine/internal/telemetry/events"
	"lnautopilot/engine/internal/telemetry/logging"
	"lnautopilot/engine/models"
)

// BackupTTL is the default PolicyBackup retention used to compute ExpiresAt.
const BackupTTL = 30 * 24 * time.Hour

// AuthFailureCode marks a decision failed by a node credential rejection.
// The tick's dispatcher treats it as fatal for the remainder of the
// Execution phase: with bad credentials, every further mutation would fail
// the same way.
const AuthFailureCode = "auth_failure"

// Executor applies approved Decisions to the node and persists their
// outcome. It holds no ChannelPolicy state of its own; the node and the
// persistence layer are the sources of truth.
type Executor struct {
	api      nodeapi.NodeAPI
	store    persistence.Store
	bus      events.Bus
	log      logging.Logger
	cooldown time.Duration

	mu         sync.Mutex
	locks      map[models.ChannelID]*sync.Mutex
	doNotTouch map[models.ChannelID]bool
}

func New(api nodeapi.NodeAPI, store persistence.Store, bus events.Bus, log logging.Logger, cooldown time.Duration) *Executor {
	if cooldown <= 0 {
		cooldown = 60 * time.Minute
	}
	return &Executor{
		api: api, store: store, bus: bus, log: log, cooldown: cooldown,
		locks:      make(map[models.ChannelID]*sync.Mutex),
		doNotTouch: make(map[models.ChannelID]bool),
	}
}

// IsQuarantined reports whether a channel has been marked do-not-touch after
// a failed rollback; only an operator clearing it (ClearQuarantine) lifts it.
func (e *Executor) IsQuarantined(id models.ChannelID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doNotTouch[id]
}

func (e *Executor) ClearQuarantine(id models.ChannelID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.doNotTouch, id)
}

func (e *Executor) channelLock(id models.ChannelID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Execute applies one approved Decision. It never panics and never returns a
// raw transport error: every outcome is materialized onto the returned
// Decision's Status/ExecutionResult, matching the "never propagate a raw
// error past the tick boundary" rule.
func (e *Executor) Execute(ctx context.Context, d models.Decision) models.Decision {
	lock := e.channelLock(d.ChannelID)
	if !lock.TryLock() {
		return e.reject(d, "concurrent", "channel mutation already in progress")
	}
	defer lock.Unlock()

	if e.IsQuarantined(d.ChannelID) {
		return e.reject(d, "do_not_touch", "channel is quarantined pending operator review")
	}

	current, err := e.api.GetPolicy(ctx, d.ChannelID)
	if err != nil {
		if errors.Is(err, models.ErrAuthFailure) {
			return e.fail(d, AuthFailureCode, err)
		}
		return e.fail(d, "node_api_read_failed", err)
	}
	if current.Version != d.PriorPolicyVersion {
		return e.reject(d, "version_stale", fmt.Sprintf("expected version %d, node has %d", d.PriorPolicyVersion, current.Version))
	}

	d.TransactionID = uuid.NewString()
	d.Status = models.StatusPending
	// Write-ahead: the decision is durable before the backup exists, so a
	// crash here leaves a recoverable pending decision with no backup yet.
	e.persistDecision(ctx, d)

	backup := models.PolicyBackup{
		BackupID:      uuid.NewString(),
		ChannelID:     d.ChannelID,
		Policy:        current,
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(BackupTTL),
		TransactionID: d.TransactionID,
	}

	writeCtx, cancel := context.WithTimeout(ctx, persistence.WriteTimeout)
	err = e.store.SaveBackup(writeCtx, backup)
	cancel()
	if err != nil {
		return e.fail(d, "backup_write_failed", err)
	}
	// Decision stays pending here: Backup now exists but apply has not been
	// attempted. A crash in this window is exactly Recover's pending+backup
	// reconciliation case.

	proposed := applyPartial(current, d.ProposedPolicy)
	result, applyErr := e.api.ApplyPolicy(ctx, d.ChannelID, proposed, d.PriorPolicyVersion)
	if applyErr == nil {
		d.Status = models.StatusExecuted
		d.ExecutionResult = fmt.Sprintf("applied, new_version=%d", result.NewVersion)
		e.setLastMutation(d.ChannelID, time.Now())
		e.persistDecision(ctx, d)
		e.emit(ctx, events.CategoryExecution, "decision_executed", events.SeverityInfo, d)
		return d
	}

	e.emit(ctx, events.CategoryExecution, "apply_failed", events.SeverityWarning, d)
	return e.attemptRollback(ctx, d, backup, current)
}

// attemptRollback restores the backed-up policy once. Success marks the
// Decision rolled_back (a successful recovery, not a failure); a second
// failure quarantines the channel.
func (e *Executor) attemptRollback(ctx context.Context, d models.Decision, backup models.PolicyBackup, current models.ChannelPolicy) models.Decision {
	_, err := e.api.ApplyPolicy(ctx, d.ChannelID, backup.Policy, current.Version+0)
	if err == nil {
		d.Status = models.StatusRolledBack
		d.ExecutionResult = "rolled back to prior policy after apply failure"
		e.persistDecision(ctx, d)
		e.emit(ctx, events.CategoryExecution, "decision_rolled_back", events.SeverityWarning, d)
		return d
	}

	d.Status = models.StatusFailed
	d.ExecutionResult = fmt.Sprintf("apply and rollback both failed: %v", err)
	e.mu.Lock()
	e.doNotTouch[d.ChannelID] = true
	e.mu.Unlock()
	e.persistDecision(ctx, d)
	e.emit(ctx, events.CategoryExecution, "decision_failed_quarantined", events.SeverityCritical, d)
	return d
}

// Rollback is the external rollback(transaction_id) operation: it loads the
// backup and re-applies the prior policy over the node's live version,
// whatever that version is; it does not check that the live version is the
// one the transaction produced. A transaction whose live policy already
// equals the backup returns ErrAlreadyRolledBack; an error from the apply
// call is returned wrapped in ErrVersionStale (conflict).
func (e *Executor) Rollback(ctx context.Context, transactionID string) (models.Decision, error) {
	backup, found, err := e.store.GetBackupByTransaction(ctx, transactionID)
	if err != nil {
		return models.Decision{}, fmt.Errorf("%w: %v", models.ErrPersistenceFailure, err)
	}
	if !found {
		return models.Decision{}, fmt.Errorf("%w: no backup for transaction %s", models.ErrMalformedArgument, transactionID)
	}

	lock := e.channelLock(backup.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	current, err := e.api.GetPolicy(ctx, backup.ChannelID)
	if err != nil {
		return models.Decision{}, err
	}
	if current.Equal(backup.Policy) {
		return models.Decision{}, fmt.Errorf("%w: transaction %s", models.ErrAlreadyRolledBack, transactionID)
	}

	_, err = e.api.ApplyPolicy(ctx, backup.ChannelID, backup.Policy, current.Version)
	if err != nil {
		return models.Decision{}, fmt.Errorf("%w: rollback conflict: %v", models.ErrVersionStale, err)
	}

	d := models.Decision{
		DecisionID:      uuid.NewString(),
		ChannelID:       backup.ChannelID,
		TransactionID:   transactionID,
		Status:          models.StatusRolledBack,
		ExecutionResult: "manual rollback via operator request",
		CreatedAt:       time.Now(),
	}
	e.persistDecision(ctx, d)
	return d, nil
}

// CooldownRemaining returns how long the channel must still wait before its
// next mutation, based on the most recent executed decision.
func (e *Executor) CooldownRemaining(ctx context.Context, id models.ChannelID, now time.Time) time.Duration {
	decisions, err := e.store.ListDecisionsByChannel(ctx, id)
	if err != nil || len(decisions) == 0 {
		return 0
	}
	var last time.Time
	for _, d := range decisions {
		if d.Status == models.StatusExecuted && d.CreatedAt.After(last) {
			last = d.CreatedAt
		}
	}
	if last.IsZero() {
		return 0
	}
	elapsed := now.Sub(last)
	if elapsed >= e.cooldown {
		return 0
	}
	return e.cooldown - elapsed
}

func (e *Executor) setLastMutation(id models.ChannelID, t time.Time) {
	// Persisted implicitly via the executed Decision's CreatedAt;
	// CooldownRemaining derives it from store history so no separate
	// in-memory map is required here.
	_ = id
	_ = t
}

// Recover runs the startup-reconciliation pass for Decisions left pending by
// a crash between the write-ahead persist in Execute and the apply attempt.
// For each pending Decision it re-reads the node's live policy and resolves
// the ambiguity: if the live policy still matches the backed-up prior policy,
// apply never took effect and the Decision is rejected(recovered_pre_apply);
// if it matches the proposed policy, apply succeeded before the crash and the
// Decision is marked executed; anything else is an unrecognized state and the
// channel is quarantined for operator review.
func (e *Executor) Recover(ctx context.Context) error {
	pending, err := e.store.ListDecisionsByStatus(ctx, models.StatusPending)
	if err != nil {
		return fmt.Errorf("%w: list pending decisions: %v", models.ErrPersistenceFailure, err)
	}

	for _, d := range pending {
		// NO_ACTION decisions are persisted for the one-per-(channel,tick)
		// record and never move past pending; there is nothing to recover.
		if d.Kind == models.NoAction {
			continue
		}
		if d.TransactionID == "" {
			e.reject(d, "recovered_no_backup", "pending decision has no transaction id")
			continue
		}

		backup, found, err := e.store.GetBackupByTransaction(ctx, d.TransactionID)
		if err != nil || !found {
			e.reject(d, "recovered_no_backup", "no backup found for pending decision's transaction")
			continue
		}

		current, err := e.api.GetPolicy(ctx, d.ChannelID)
		if err != nil {
			if e.log != nil {
				e.log.ErrorCtx(ctx, "recovery could not reach node, leaving decision pending", "channel_id", d.ChannelID, "error", err)
			}
			continue
		}

		switch {
		case current.Equal(backup.Policy):
			e.reject(d, "recovered_pre_apply", "node policy still matches pre-apply backup; apply never took effect")
		case current.Equal(applyPartial(backup.Policy, d.ProposedPolicy)):
			d.Status = models.StatusExecuted
			d.ExecutionResult = "recovered: apply had already taken effect before the crash"
			e.setLastMutation(d.ChannelID, time.Now())
			e.persistDecision(ctx, d)
			e.emit(ctx, events.CategoryExecution, "decision_recovered_executed", events.SeverityWarning, d)
		default:
			d.Status = models.StatusFailed
			d.Reason.Code = "recovered_ambiguous_state"
			d.ExecutionResult = "node policy matches neither the backup nor the proposed policy"
			e.mu.Lock()
			e.doNotTouch[d.ChannelID] = true
			e.mu.Unlock()
			e.persistDecision(ctx, d)
			e.emit(ctx, events.CategoryExecution, "decision_recovery_quarantined", events.SeverityCritical, d)
		}
	}
	return nil
}

func (e *Executor) reject(d models.Decision, code, detail string) models.Decision {
	d.Status = models.StatusRejected
	d.Reason.Code = code
	d.ExecutionResult = detail
	e.persistDecision(context.Background(), d)
	return d
}

func (e *Executor) fail(d models.Decision, code string, err error) models.Decision {
	d.Status = models.StatusFailed
	d.Reason.Code = code
	d.ExecutionResult = err.Error()
	e.persistDecision(context.Background(), d)
	return d
}

func (e *Executor) persistDecision(ctx context.Context, d models.Decision) {
	writeCtx, cancel := context.WithTimeout(ctx, persistence.WriteTimeout)
	defer cancel()
	if err := e.store.SaveDecision(writeCtx, d); err != nil && e.log != nil {
		e.log.ErrorCtx(ctx, "failed to persist decision", "decision_id", d.DecisionID, "error", err)
	}
}

func (e *Executor) emit(ctx context.Context, category, typ, severity string, d models.Decision) {
	if e.bus == nil {
		return
	}
	_ = e.bus.PublishCtx(ctx, events.Event{
		Category: category,
		Type:     typ,
		Severity: severity,
		Fields: map[string]interface{}{
			"decision_id":    d.DecisionID,
			"transaction_id": d.TransactionID,
			"channel_id":     string(d.ChannelID),
		},
	})
}

func applyPartial(current models.ChannelPolicy, p models.PartialPolicy) models.ChannelPolicy {
	out := current
	if p.BaseFeeMsat != nil {
		out.BaseFeeMsat = *p.BaseFeeMsat
	}
	if p.FeeRatePPM != nil {
		out.FeeRatePPM = *p.FeeRatePPM
	}
	if p.MinHTLCMsat != nil {
		out.MinHTLCMsat = *p.MinHTLCMsat
	}
	if p.MaxHTLCMsat != nil {
		out.MaxHTLCMsat = *p.MaxHTLCMsat
	}
	if p.TimeLockDelta != nil {
		out.TimeLockDelta = *p.TimeLockDelta
	}
	if p.Disabled != nil {
		out.Disabled = *p.Disabled
	}
	return out
}
