package nodeapi

import (
	"context"
	"errors"
	"time"

	"lnautopilot/engine/models"
)

// maxAttempts is the first call plus up to three retries.
const maxAttempts = 4

// backoffSchedule is the 250ms -> 2s exponential backoff; index i is the
// delay before attempt i+2.
var backoffSchedule = []time.Duration{250 * time.Millisecond, 1 * time.Second, 2 * time.Second}

// withRetry calls fn up to maxAttempts times. Only errors wrapping
// models.ErrIoFailure are retried; version-mismatch, auth, and
// malformed-argument errors return immediately on the first attempt.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, models.ErrIoFailure) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffSchedule[attempt]):
		}
	}
	return lastErr
}

// RetryingAdapter wraps a NodeAPI with the retry/backoff policy, so the real
// transport implementation (LndAdapter) stays free of retry concerns.
type RetryingAdapter struct {
	inner NodeAPI
}

func NewRetryingAdapter(inner NodeAPI) *RetryingAdapter {
	return &RetryingAdapter{inner: inner}
}

func (a *RetryingAdapter) ListChannels(ctx context.Context) ([]Channel, error) {
	var out []Channel
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.inner.ListChannels(ctx)
		return err
	})
	return out, err
}

func (a *RetryingAdapter) GetPolicy(ctx context.Context, id models.ChannelID) (models.ChannelPolicy, error) {
	var out models.ChannelPolicy
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.inner.GetPolicy(ctx, id)
		return err
	})
	return out, err
}

func (a *RetryingAdapter) ApplyPolicy(ctx context.Context, id models.ChannelID, policy models.ChannelPolicy, expectedVersion int64) (PolicyApplyResult, error) {
	var out PolicyApplyResult
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.inner.ApplyPolicy(ctx, id, policy, expectedVersion)
		return err
	})
	return out, err
}

func (a *RetryingAdapter) CloseChannel(ctx context.Context, id models.ChannelID, force bool) (CloseResult, error) {
	var out CloseResult
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.inner.CloseChannel(ctx, id, force)
		return err
	})
	return out, err
}

func (a *RetryingAdapter) GetForwardsSince(ctx context.Context, since time.Time) ([]Forward, error) {
	var out []Forward
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.inner.GetForwardsSince(ctx, since)
		return err
	})
	return out, err
}
