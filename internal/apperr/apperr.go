// Package apperr defines the error taxonomy shared across the pipeline.
package apperr

import "errors"

var (
	// ErrRetrievalUnavailable means a store backing candidate retrieval was
	// unreachable. The mention is marked failed-for-retry, never treated as
	// "no candidates found".
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrOracleFailure covers oracle timeouts, transport errors and responses
	// that violate the decision schema.
	ErrOracleFailure = errors.New("oracle failure")

	// ErrCommitFailure is a partial write to a staged partition. Staging
	// entries are kept so the promotion can be retried.
	ErrCommitFailure = errors.New("commit failure")

	// ErrBackupFailure aborts any pending sync.
	ErrBackupFailure = errors.New("backup failure")

	// ErrSyncConflict means a staged concept id collides with an
	// authoritative concept created out-of-band; resolution is manual.
	ErrSyncConflict = errors.New("sync conflict")

	// ErrLocked means another ingestion or sync run holds the store lock.
	ErrLocked = errors.New("store locked")

	ErrNotFound = errors.New("not found")
)
