// Package nodeapi abstracts the remote Lightning node: the only capabilities
// the control loop needs are channel listing, policy read/apply, channel
// close, and forwarding history. Every blocking call takes a context so the
// Scheduler and Policy Executor can cancel cleanly.
package nodeapi

import (
	"context"
	"time"

	"lnautopilot/engine/models"
)

// Channel is the node's view of one channel, as returned by ListChannels.
type Channel struct {
	ChannelID   models.ChannelID
	PeerNodeID  models.NodeID
	CapacitySat int64
	LocalSat    int64
	RemoteSat   int64
	Status      models.ChannelStatus
	OpenedAt    time.Time
}

// PolicyApplyResult is returned by ApplyPolicy on success.
type PolicyApplyResult struct {
	NewVersion int64
	AppliedAt  time.Time
}

// CloseResult is returned by CloseChannel on success.
type CloseResult struct {
	ClosingTxID string
	RequestedAt time.Time
}

// Forward is one historical forwarding event, used to derive success rate
// and revenue over a trailing window.
type Forward struct {
	ChannelID  models.ChannelID
	AmountSat  int64
	FeeMsat    int64
	Settled    bool
	OccurredAt time.Time
}

// NodeAPI is the adapter surface the rest of the engine depends on. In the
// real transport (LndAdapter) every method is bounded by a latency budget
// and translates transport errors through classify; RetryingAdapter adds the
// retry/backoff policy on top. Callers never see a raw transport error, only
// the wrapped sentinel kinds in lnautopilot/engine/models.
type NodeAPI interface {
	ListChannels(ctx context.Context) ([]Channel, error)
	GetPolicy(ctx context.Context, id models.ChannelID) (models.ChannelPolicy, error)
	ApplyPolicy(ctx context.Context, id models.ChannelID, policy models.ChannelPolicy, expectedVersion int64) (PolicyApplyResult, error)
	CloseChannel(ctx context.Context, id models.ChannelID, force bool) (CloseResult, error)
	GetForwardsSince(ctx context.Context, since time.Time) ([]Forward, error)
}

// Default latency budgets: 10s for most calls, 30s for channel close.
const (
	DefaultCallBudget  = 10 * time.Second
	DefaultCloseBudget = 30 * time.Second
)
