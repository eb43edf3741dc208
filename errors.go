package syncpad

import (
	"errors"

	"github.com/syncpad/syncpad/ledger"
)

var (
	// ErrStaleBaseVersion: the submission's base version cannot be
	// reconciled; the client must refetch current state and resubmit.
	ErrStaleBaseVersion = errors.New("stale base version")

	// ErrMergeFailure: the op cannot be transformed. Terminal for this
	// submission; never retried automatically.
	ErrMergeFailure = errors.New("merge failure")

	// ErrTransientStorage: the append did not go through. Retrying with the
	// same (clientId, seq) is safe, the ledger dedups.
	ErrTransientStorage = errors.New("transient storage failure")

	// ErrSessionOverflow: a slow consumer exceeded its outbound queue
	// bound; the session is closed and the client must reconnect and
	// resume. Not a data-loss event for the document.
	ErrSessionOverflow = errors.New("session outbound queue overflowed")

	// ErrSubmitInFlight: the same idempotency key is mid-submission on
	// another connection. Retryable.
	ErrSubmitInFlight = ledger.ErrReserved

	ErrClosed = errors.New("core is closed")
)
