// Package syncpad is the real-time collaborative edit distribution core: it
// accepts document edits and presence updates from many concurrent clients,
// assigns a total order per document, fans accepted edits out to all
// subscribers with at-most-once delivery, and lets a disconnected client
// resume without gaps or duplicates.
package syncpad

import (
	"time"

	"github.com/syncpad/syncpad/editlog"
)

// EditEvent is one accepted, persisted edit. See editlog.EditEvent.
type EditEvent = editlog.EditEvent

// Snapshot is full document state as of a version. See editlog.Snapshot.
type Snapshot = editlog.Snapshot

type PresenceType string

const (
	PresenceJoin      PresenceType = "JOIN"
	PresenceHeartbeat PresenceType = "HEARTBEAT"
	PresenceCursor    PresenceType = "CURSOR"
	PresenceLeave     PresenceType = "LEAVE"
)

// PresenceEvent is an ephemeral notification about a client viewing a
// document. Presence carries no version and has no ordering guarantee
// relative to edits, even for the same document.
type PresenceEvent struct {
	Type      PresenceType
	DocID     string
	ClientID  string
	UserID    string
	Cursor    []byte
	Timestamp time.Time
}

// Event is what a subscription session delivers: exactly one of the two
// fields is set.
type Event struct {
	Edit     *EditEvent
	Presence *PresenceEvent
}

// SubmitRequest carries one edit submission. The caller has already
// authenticated UserID and authorized it for DocID.
type SubmitRequest struct {
	DocID    string
	UserID   string
	ClientID string

	// Seq is the client's local submission counter; (DocID, ClientID, Seq)
	// is the idempotency key a retry must reuse.
	Seq int64

	// BaseVersion is the document version the op was computed against.
	BaseVersion int64

	Op []byte
}
