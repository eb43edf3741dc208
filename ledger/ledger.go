// Package ledger deduplicates edit submissions by (docId, clientId, seq).
//
// A submission first reserves its key; the reservation is provisional until
// the version authority confirms it with the assigned version. A writer that
// crashes mid-submission leaves a provisional reservation behind, which
// expires after ProvisionalTTL so a retry is never wedged. Confirmed records
// live for RecordTTL, a fixed window from first confirmation; a replay
// arriving after that window is re-accepted as a new edit, which is the
// documented tradeoff.
package ledger

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultProvisionalTTL = 30 * time.Second
	DefaultRecordTTL      = 24 * time.Hour
)

// ErrReserved means the same key is mid-flight in another submission.
// Callers treat it as retryable: either the other submission confirms (the
// retry then dedups) or its reservation expires.
var ErrReserved = errors.New("submission already in flight for this key")

// Result of a CheckAndReserve call.
type Result struct {
	// AlreadyAccepted reports that this exact submission was accepted
	// before; AssignedVersion is the version it got then.
	AlreadyAccepted bool
	AssignedVersion int64
}

type Ledger interface {
	// CheckAndReserve either reports a previous acceptance, reserves the
	// key for this caller, or fails with ErrReserved. Atomic across
	// concurrent callers for the same key.
	CheckAndReserve(ctx context.Context, docID, clientID string, seq int64) (Result, error)

	// Confirm upgrades the caller's reservation to a confirmed record
	// carrying the assigned version.
	Confirm(ctx context.Context, docID, clientID string, seq, version int64) error

	// Release drops the caller's provisional reservation after a failed
	// submission, so an immediate retry does not wait out the TTL.
	Release(ctx context.Context, docID, clientID string, seq int64) error
}
