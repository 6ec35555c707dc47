package models

import "errors"

// Error taxonomy (kinds, not types). Components wrap these
// sentinels with fmt.Errorf("...: %w", ...) so callers can classify a
// failure with errors.Is without the Decision Engine or anything below it
// ever propagating a raw error past the tick boundary.
var (
	// ErrIoFailure marks a transient I/O error surfaced only after the
	// Node API Adapter's retry budget is exhausted.
	ErrIoFailure = errors.New("io failure")
	// ErrVersionStale marks an optimistic-concurrency mismatch; never retried.
	ErrVersionStale = errors.New("version stale")
	// ErrAuthFailure marks a fatal credential/authorization failure.
	ErrAuthFailure = errors.New("authorization failure")
	// ErrMalformedArgument marks a caller-side argument error; never retried.
	ErrMalformedArgument = errors.New("malformed argument")
	// ErrSafetyViolation marks a proposal outside the configured envelope.
	ErrSafetyViolation = errors.New("safety violation")
	// ErrInvariantViolation marks a data-model invariant breach (e.g. local+remote>capacity).
	ErrInvariantViolation = errors.New("data invariant violation")
	// ErrPersistenceFailure marks a durable-store write/read failure.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrInvalidWeights marks a Weights value failing its bounds/sum invariant.
	ErrInvalidWeights = errors.New("invalid weights")
	// ErrUnrecoverable marks loss of the durable store; the process must exit(2).
	ErrUnrecoverable = errors.New("unrecoverable storage loss")
	// ErrConcurrentMutation marks a failed per-channel advisory lock acquisition.
	ErrConcurrentMutation = errors.New("concurrent mutation in progress")
	// ErrAlreadyRolledBack marks a rollback retried on an already-rolled-back transaction.
	ErrAlreadyRolledBack = errors.New("already rolled back")
	// ErrDoNotTouch marks a channel the executor has quarantined after a failed rollback.
	ErrDoNotTouch = errors.New("channel marked do-not-touch")
)
