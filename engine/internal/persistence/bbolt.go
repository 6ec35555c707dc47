package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"lnautopilot/engine/models"
)

var (
	bucketDecisions   = []byte("decisions")
	bucketBackups     = []byte("policy_backups")
	bucketWeights     = []byte("weights_versions")
	bucketComparisons = []byte("weight_comparisons")
	bucketMetrics     = []byte("metrics_latest")
)

// BoltStore is the durable Store backend: one bbolt file, five buckets
// (decisions, policy backups, weight versions, weight comparisons, latest
// metrics). bbolt's
// single-writer transaction gives per-document atomicity for free, which is
// exactly what write-ahead Decision+Backup pairs need.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) a bbolt file at path and ensures
// every required bucket exists.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: WriteTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: open bbolt store: %v", models.ErrPersistenceFailure, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDecisions, bucketBackups, bucketWeights, bucketComparisons, bucketMetrics} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init buckets: %v", models.ErrPersistenceFailure, err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) SaveDecision(ctx context.Context, d models.Decision) error {
	return put(s.db, bucketDecisions, d.DecisionID, d)
}

func (s *BoltStore) GetDecision(ctx context.Context, decisionID string) (models.Decision, bool, error) {
	var d models.Decision
	found, err := get(s.db, bucketDecisions, decisionID, &d)
	return d, found, err
}

func (s *BoltStore) ListDecisionsByChannel(ctx context.Context, id models.ChannelID) ([]models.Decision, error) {
	var out []models.Decision
	err := scan(s.db, bucketDecisions, func(d models.Decision) {
		if d.ChannelID == id {
			out = append(out, d)
		}
	})
	sortDecisionsByCreatedAt(out)
	return out, err
}

func (s *BoltStore) ListDecisionsSince(ctx context.Context, since time.Time) ([]models.Decision, error) {
	var out []models.Decision
	err := scan(s.db, bucketDecisions, func(d models.Decision) {
		if !d.CreatedAt.Before(since) {
			out = append(out, d)
		}
	})
	sortDecisionsByCreatedAt(out)
	return out, err
}

func (s *BoltStore) ListDecisionsByStatus(ctx context.Context, status models.DecisionStatus) ([]models.Decision, error) {
	var out []models.Decision
	err := scan(s.db, bucketDecisions, func(d models.Decision) {
		if d.Status == status {
			out = append(out, d)
		}
	})
	sortDecisionsByCreatedAt(out)
	return out, err
}

func (s *BoltStore) SaveBackup(ctx context.Context, b models.PolicyBackup) error {
	return put(s.db, bucketBackups, b.TransactionID, b)
}

func (s *BoltStore) GetBackupByTransaction(ctx context.Context, transactionID string) (models.PolicyBackup, bool, error) {
	var b models.PolicyBackup
	found, err := get(s.db, bucketBackups, transactionID, &b)
	return b, found, err
}

func (s *BoltStore) ListBackupsByChannel(ctx context.Context, id models.ChannelID) ([]models.PolicyBackup, error) {
	var out []models.PolicyBackup
	err := scan(s.db, bucketBackups, func(b models.PolicyBackup) {
		if b.ChannelID == id {
			out = append(out, b)
		}
	})
	return out, err
}

func (s *BoltStore) PurgeExpiredBackups(ctx context.Context, now time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketBackups)
		c := bkt.Cursor()
		var expired [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var b models.PolicyBackup
			if err := json.Unmarshal(v, &b); err != nil {
				continue
			}
			if now.After(b.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		for _, k := range expired {
			if err := bkt.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrPersistenceFailure, err)
	}
	return n, nil
}

func (s *BoltStore) SaveWeights(ctx context.Context, w models.Weights) error {
	return put(s.db, bucketWeights, fmt.Sprintf("%020d", w.Version), w)
}

func (s *BoltStore) LatestWeights(ctx context.Context) (models.Weights, bool, error) {
	var latest models.Weights
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketWeights).Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &latest)
	})
	if err != nil {
		return models.Weights{}, false, fmt.Errorf("%w: %v", models.ErrPersistenceFailure, err)
	}
	return latest, found, nil
}

func (s *BoltStore) SaveComparison(ctx context.Context, c models.Comparison) error {
	return put(s.db, bucketComparisons, fmt.Sprintf("%020d", c.AnalyzedAt.UnixNano()), c)
}

func (s *BoltStore) LatestComparison(ctx context.Context) (models.Comparison, bool, error) {
	var latest models.Comparison
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketComparisons).Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &latest)
	})
	if err != nil {
		return models.Comparison{}, false, fmt.Errorf("%w: %v", models.ErrPersistenceFailure, err)
	}
	return latest, found, nil
}

func (s *BoltStore) SaveMetricsLatest(ctx context.Context, m models.ChannelMetrics) error {
	return put(s.db, bucketMetrics, string(m.ChannelID), m)
}

func (s *BoltStore) LoadMetricsLatest(ctx context.Context) ([]models.ChannelMetrics, error) {
	var out []models.ChannelMetrics
	err := scan(s.db, bucketMetrics, func(m models.ChannelMetrics) {
		out = append(out, m)
	})
	return out, err
}

func put(db *bolt.DB, bucket []byte, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", models.ErrPersistenceFailure, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceFailure, err)
	}
	return nil
}

func get[T any](db *bolt.DB, bucket []byte, key string, out *T) (bool, error) {
	found := false
	err := db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, out)
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrPersistenceFailure, err)
	}
	return found, nil
}

func scan[T any](db *bolt.DB, bucket []byte, fn func(T)) error {
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			fn(item)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceFailure, err)
	}
	return nil
}
