// Package persistence is the durable store (C9): decisions, policy backups,
// the latest metrics snapshot, and weight versions. Writes are per-document
// atomic; the executor relies on that to implement write-ahead semantics —
// Decision and Backup are written as one logical unit identified by a shared
// transaction_id before any node mutation is attempted.
package persistence

import (
	"context"
	"time"

	"lnautopilot/engine/models"
)

// Store is the persistence contract every durable backend implements.
type Store interface {
	SaveDecision(ctx context.Context, d models.Decision) error
	GetDecision(ctx context.Context, decisionID string) (models.Decision, bool, error)
	ListDecisionsByChannel(ctx context.Context, id models.ChannelID) ([]models.Decision, error)
	ListDecisionsSince(ctx context.Context, since time.Time) ([]models.Decision, error)
	ListDecisionsByStatus(ctx context.Context, status models.DecisionStatus) ([]models.Decision, error)

	SaveBackup(ctx context.Context, b models.PolicyBackup) error
	GetBackupByTransaction(ctx context.Context, transactionID string) (models.PolicyBackup, bool, error)
	ListBackupsByChannel(ctx context.Context, id models.ChannelID) ([]models.PolicyBackup, error)
	PurgeExpiredBackups(ctx context.Context, now time.Time) (int, error)

	SaveWeights(ctx context.Context, w models.Weights) error
	LatestWeights(ctx context.Context) (models.Weights, bool, error)

	SaveComparison(ctx context.Context, c models.Comparison) error
	LatestComparison(ctx context.Context) (models.Comparison, bool, error)

	SaveMetricsLatest(ctx context.Context, m models.ChannelMetrics) error
	LoadMetricsLatest(ctx context.Context) ([]models.ChannelMetrics, error)

	Close() error
}

// WriteTimeout bounds a persistence write per the concurrency model: on
// timeout the calling mutation must not be attempted.
const WriteTimeout = 5 * time.Second
