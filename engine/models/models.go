// Package models holds the shared data model consumed by every engine
// subsystem: metrics as observed on the node, the mutable policy surface,
// the backups that make mutations reversible, and the scores and decisions
// produced by the control loop.
package models

import (
	"fmt"
	"time"
)

// ChannelID is an opaque identifier, unique across the controlled node.
type ChannelID string

// NodeID is an opaque public-key identifier for a peer.
type NodeID string

// ChannelStatus is the lifecycle state of a channel as last observed.
type ChannelStatus string

const (
	StatusActive   ChannelStatus = "active"
	StatusInactive ChannelStatus = "inactive"
	StatusClosing  ChannelStatus = "closing"
	StatusClosed   ChannelStatus = "closed"
)

// ChannelMetrics is the most recent observed state for one channel.
type ChannelMetrics struct {
	ChannelID             ChannelID
	PeerNodeID            NodeID
	CapacitySat           int64
	LocalBalanceSat       int64
	RemoteBalanceSat      int64
	Status                ChannelStatus
	AgeDays               int
	Forwards7dCount       int64
	Forwards7dVolumeSat   int64
	SuccessRate7d         float64
	Revenue7dMsat         int64
	HTLCResponseTimeMs    int64
	HasHTLCResponseTime   bool
	Uptime7d              float64
	LiquidityScan         float64 // external score, [0,100]; HasLiquidityScan false => missing
	HasLiquidityScan      bool
	BidirectionalRatio    float64 // bidirectional_channels_ratio for the node, [0,1]
	LiquidChannelsRatio   float64 // liquid_channels_ratio for the node, [0,1]
	AvgFeeEarnedPerFwdSat float64
	ObservedAt            time.Time
	SourceSet             []string
}

// Validate enforces the metric invariants (balances within capacity,
// rates in [0,1]). Violating metrics must never be admitted to the Metric Store;
// callers should drop them and mark the channel stale_inputs instead of
// panicking.
func (m ChannelMetrics) Validate() error {
	if m.LocalBalanceSat+m.RemoteBalanceSat > m.CapacitySat {
		return fmt.Errorf("%w: local+remote (%d) exceeds capacity (%d) for %s",
			ErrInvariantViolation, m.LocalBalanceSat+m.RemoteBalanceSat, m.CapacitySat, m.ChannelID)
	}
	if m.SuccessRate7d < 0 || m.SuccessRate7d > 1 {
		return fmt.Errorf("%w: success_rate_7d %f out of [0,1] for %s", ErrInvariantViolation, m.SuccessRate7d, m.ChannelID)
	}
	if m.Uptime7d < 0 || m.Uptime7d > 1 {
		return fmt.Errorf("%w: uptime_7d %f out of [0,1] for %s", ErrInvariantViolation, m.Uptime7d, m.ChannelID)
	}
	return nil
}

// ChannelDirection identifies which side of a channel a policy governs.
type ChannelDirection string

const (
	DirectionOutgoing ChannelDirection = "outgoing"
	DirectionIncoming ChannelDirection = "incoming"
)

// ChannelPolicy is the mutable surface the system controls. It is owned
// exclusively by the Policy Executor; every other component treats it as
// read-only.
type ChannelPolicy struct {
	ChannelID     ChannelID
	Direction     ChannelDirection
	BaseFeeMsat   int64
	FeeRatePPM    int64
	MinHTLCMsat   int64
	MaxHTLCMsat   int64
	TimeLockDelta uint32
	Disabled      bool
	Version       int64
}

// Equal compares the mutable fields of two policies, ignoring Version.
func (p ChannelPolicy) Equal(o ChannelPolicy) bool {
	return p.ChannelID == o.ChannelID &&
		p.Direction == o.Direction &&
		p.BaseFeeMsat == o.BaseFeeMsat &&
		p.FeeRatePPM == o.FeeRatePPM &&
		p.MinHTLCMsat == o.MinHTLCMsat &&
		p.MaxHTLCMsat == o.MaxHTLCMsat &&
		p.TimeLockDelta == o.TimeLockDelta &&
		p.Disabled == o.Disabled
}

// PolicyBackup is the pre-mutation ChannelPolicy, retained to enable rollback.
type PolicyBackup struct {
	BackupID      string
	ChannelID     ChannelID
	Policy        ChannelPolicy
	CreatedAt     time.Time
	ExpiresAt     time.Time
	TransactionID string
}

// SubScores holds the five normalized [0,100] sub-scores for one channel.
type SubScores struct {
	ResponseTime      float64
	LiquidityBalance  float64
	RoutingSuccess    float64
	RevenueEfficiency float64
	LiquidityScan     float64
}

// ChannelScore is the output of Scoring for one channel at one tick.
type ChannelScore struct {
	ChannelID   ChannelID
	TickID      string
	SubScores   SubScores
	Total       float64
	WeightsUsed Weights
	ComputedAt  time.Time
	StaleInputs bool
}

// DecisionKind enumerates the actions the Decision Engine can produce.
type DecisionKind string

const (
	NoAction     DecisionKind = "NO_ACTION"
	IncreaseFees DecisionKind = "INCREASE_FEES"
	DecreaseFees DecisionKind = "DECREASE_FEES"
	CloseChannel DecisionKind = "CLOSE_CHANNEL"
	Rebalance    DecisionKind = "REBALANCE"
)

// DecisionStatus is the Decision's position in its state machine:
//
//	pending -> (shadowed | approved -> (executed | failed -> rolled_back | rejected))
//
// The executor moves a Decision straight from pending to executed,
// rolled_back, failed or rejected; StatusApproved is defined but never
// assigned.
type DecisionStatus string

const (
	StatusPending    DecisionStatus = "pending"
	StatusApproved   DecisionStatus = "approved"
	StatusExecuted   DecisionStatus = "executed"
	StatusFailed     DecisionStatus = "failed"
	StatusRolledBack DecisionStatus = "rolled_back"
	StatusRejected   DecisionStatus = "rejected"
	StatusShadowed   DecisionStatus = "shadowed"
)

// DecisionReason captures the rule that fired and the sub-scores that drove it.
type DecisionReason struct {
	RuleID          string
	Code            string // e.g. "cooldown", "clamped_to_identity", "recovered_pre_apply"
	ContributingSub SubScores
	Detail          string
}

// PartialPolicy carries only the ChannelPolicy fields a Decision proposes to
// change; nil fields mean "leave unchanged".
type PartialPolicy struct {
	BaseFeeMsat   *int64
	FeeRatePPM    *int64
	MinHTLCMsat   *int64
	MaxHTLCMsat   *int64
	TimeLockDelta *uint32
	Disabled      *bool
}

// Decision is the unit of account for one channel at one tick.
type Decision struct {
	DecisionID         string
	TickID             string
	ChannelID          ChannelID
	Kind               DecisionKind
	Confidence         float64
	ProposedPolicy     PartialPolicy
	PriorPolicyVersion int64
	Reason             DecisionReason
	CreatedAt          time.Time
	Status             DecisionStatus
	ExecutionResult    string
	TransactionID      string
}

// Weights are the active scoring weights. Each must lie in [0.1, 0.5] and
// sum to 1.0 within 1e-6.
type Weights struct {
	ResponseTime      float64
	LiquidityBalance  float64
	RoutingSuccess    float64
	RevenueEfficiency float64
	LiquidityScan     float64
	Version           int64
	ActivatedAt       time.Time
}

// DefaultWeights is the 30/30/20/10/10 starting split; see DESIGN.md for
// why this default was chosen over the four-term alternative.
func DefaultWeights() Weights {
	return Weights{
		ResponseTime:      0.30,
		LiquidityBalance:  0.30,
		RoutingSuccess:    0.20,
		RevenueEfficiency: 0.10,
		LiquidityScan:     0.10,
		Version:           1,
		ActivatedAt:       time.Now(),
	}
}

// Sum returns the total of the five weight components.
func (w Weights) Sum() float64 {
	return w.ResponseTime + w.LiquidityBalance + w.RoutingSuccess + w.RevenueEfficiency + w.LiquidityScan
}

// Validate checks the [0.1,0.5] per-component bound and the sum-to-1 invariant.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"response_time": w.ResponseTime, "liquidity_balance": w.LiquidityBalance,
		"routing_success": w.RoutingSuccess, "revenue_efficiency": w.RevenueEfficiency,
		"liquidity_scan": w.LiquidityScan,
	} {
		if v < 0.1 || v > 0.5 {
			return fmt.Errorf("%w: weight %s=%f out of [0.1,0.5]", ErrInvalidWeights, name, v)
		}
	}
	if d := w.Sum() - 1.0; d > 1e-6 || d < -1e-6 {
		return fmt.Errorf("%w: weights sum to %f, want 1.0±1e-6", ErrInvalidWeights, w.Sum())
	}
	return nil
}

// VariantResult summarizes one weight vector's correlation performance over
// a shared sample set in the Adaptive Weight Updater's rolling control-vs-
// candidate comparison.
type VariantResult struct {
	Name               string
	Weights            Weights
	SampleSize         int
	CorrelationWithFwd float64
}

// Comparison is a rolling control-vs-candidate verdict: which weight vector's
// implied total score correlates more strongly with realized forwarding
// volume over the same window.
type Comparison struct {
	Control        VariantResult
	Candidate      VariantResult
	Recommendation string // "promote" or "hold"
	AnalyzedAt     time.Time
}

// OperatingMode is the operator-controlled activation lifecycle stage.
type OperatingMode string

const (
	ModeShadow OperatingMode = "shadow"
	ModeCanary OperatingMode = "canary"
	ModeActive OperatingMode = "active"
)

// SafetyEnvelope bounds every mutation the Policy Executor is allowed to make.
type SafetyEnvelope struct {
	BaseFeeMsatMin         int64         `yaml:"base_fee_msat_min"`
	BaseFeeMsatMax         int64         `yaml:"base_fee_msat_max"`
	FeeRatePPMMin          int64         `yaml:"fee_rate_ppm_min"`
	FeeRatePPMMax          int64         `yaml:"fee_rate_ppm_max"`
	MaxFeeChangePct        float64       `yaml:"max_fee_change_pct"`
	CooldownMinutes        int           `yaml:"cooldown_minutes"`
	MaxChannelsPerTick     int           `yaml:"max_channels_per_tick"`
	Mode                   OperatingMode `yaml:"mode"`
	CanaryChannelWhitelist []ChannelID   `yaml:"canary_channel_whitelist,omitempty"`
	DryRunOverride         bool          `yaml:"dry_run_override,omitempty"`
}

// InCanaryWhitelist reports whether a channel is exempted from shadowing in
// canary mode.
func (s SafetyEnvelope) InCanaryWhitelist(id ChannelID) bool {
	for _, c := range s.CanaryChannelWhitelist {
		if c == id {
			return true
		}
	}
	return false
}

// EffectiveMode folds dry_run_override into the configured mode: a true
// override always behaves like shadow regardless of the configured mode.
func (s SafetyEnvelope) EffectiveMode() OperatingMode {
	if s.DryRunOverride {
		return ModeShadow
	}
	return s.Mode
}
