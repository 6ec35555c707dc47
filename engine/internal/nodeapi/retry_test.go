package nodeapi

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"lnautopilot/engine/models"
)

func TestWithRetryRetriesIoFailureOnly(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: transient", models.ErrIoFailure)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestWithRetryNoRetryOnVersionStale(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("%w", models.ErrVersionStale)
	})
	require.Error(t, err)
	require.ErrorIs(t, err, models.ErrVersionStale)
	require.Equal(t, 1, calls)
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("%w: always fails", models.ErrIoFailure)
	})
	require.ErrorIs(t, err, models.ErrIoFailure)
	require.Equal(t, maxAttempts, calls)
}

func TestRetryingAdapterApplyPolicyRejectsVersionStaleImmediately(t *testing.T) {
	fake := NewFakeAdapter()
	fake.SeedChannel(Channel{ChannelID: "ch1"}, models.ChannelPolicy{ChannelID: "ch1", Version: 5})
	adapter := NewRetryingAdapter(fake)

	_, err := adapter.ApplyPolicy(context.Background(), "ch1", models.ChannelPolicy{ChannelID: "ch1"}, 4)
	require.ErrorIs(t, err, models.ErrVersionStale)
}
