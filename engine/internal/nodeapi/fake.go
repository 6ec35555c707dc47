package nodeapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lnautopilot/engine/models"
)

// FakeAdapter is an in-memory NodeAPI test double. Injectable hooks let
// tests simulate transient failures, version conflicts, and close behavior
// without a real lnd node.
type FakeAdapter struct {
	mu       sync.Mutex
	channels map[models.ChannelID]Channel
	policies map[models.ChannelID]models.ChannelPolicy
	forwards []Forward

	// ApplyPolicyHook, when set, is consulted before the default apply
	// logic; returning handled=true overrides it with the hook's result and
	// error, handled=false falls through to the default logic.
	ApplyPolicyHook func(id models.ChannelID, policy models.ChannelPolicy, expectedVersion int64) (PolicyApplyResult, error, bool)

	// ListChannelsHook, when set, replaces the default listing, letting
	// tests simulate a node that cannot enumerate its channels.
	ListChannelsHook func() ([]Channel, error)
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		channels: make(map[models.ChannelID]Channel),
		policies: make(map[models.ChannelID]models.ChannelPolicy),
	}
}

func (f *FakeAdapter) SeedChannel(ch Channel, policy models.ChannelPolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[ch.ChannelID] = ch
	f.policies[ch.ChannelID] = policy
}

func (f *FakeAdapter) SeedForwards(fwds ...Forward) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, fwds...)
}

func (f *FakeAdapter) ListChannels(ctx context.Context) ([]Channel, error) {
	if f.ListChannelsHook != nil {
		return f.ListChannelsHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Channel, 0, len(f.channels))
	for _, c := range f.channels {
		out = append(out, c)
	}
	return out, nil
}

func (f *FakeAdapter) GetPolicy(ctx context.Context, id models.ChannelID) (models.ChannelPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[id]
	if !ok {
		return models.ChannelPolicy{}, fmt.Errorf("%w: unknown channel %s", models.ErrMalformedArgument, id)
	}
	return p, nil
}

func (f *FakeAdapter) ApplyPolicy(ctx context.Context, id models.ChannelID, policy models.ChannelPolicy, expectedVersion int64) (PolicyApplyResult, error) {
	if f.ApplyPolicyHook != nil {
		if res, err, handled := f.ApplyPolicyHook(id, policy, expectedVersion); handled {
			if err == nil {
				f.mu.Lock()
				policy.Version = res.NewVersion
				f.policies[id] = policy
				f.mu.Unlock()
			}
			return res, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.policies[id]
	if !ok {
		return PolicyApplyResult{}, fmt.Errorf("%w: unknown channel %s", models.ErrMalformedArgument, id)
	}
	if current.Version != expectedVersion {
		return PolicyApplyResult{}, fmt.Errorf("%w: channel %s has version %d, expected %d", models.ErrVersionStale, id, current.Version, expectedVersion)
	}
	policy.Version = expectedVersion + 1
	f.policies[id] = policy
	return PolicyApplyResult{NewVersion: policy.Version, AppliedAt: time.Now()}, nil
}

func (f *FakeAdapter) CloseChannel(ctx context.Context, id models.ChannelID, force bool) (CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return CloseResult{}, fmt.Errorf("%w: unknown channel %s", models.ErrMalformedArgument, id)
	}
	ch.Status = models.StatusClosing
	f.channels[id] = ch
	return CloseResult{ClosingTxID: "fake-txid-" + string(id), RequestedAt: time.Now()}, nil
}

func (f *FakeAdapter) GetForwardsSince(ctx context.Context, since time.Time) ([]Forward, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Forward, 0, len(f.forwards))
	for _, fwd := range f.forwards {
		if !fwd.OccurredAt.Before(since) {
			out = append(out, fwd)
		}
	}
	return out, nil
}
