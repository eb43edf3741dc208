package ledger

import (
	"context"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type memState byte

const (
	stateProvisional memState = iota
	stateConfirmed
)

type memEntry struct {
	state     memState
	version   int64
	expiresAt time.Time
}

// Mem is the in-process Ledger. Entries expire lazily on access; Sweep
// reclaims the rest.
type Mem struct {
	ProvisionalTTL time.Duration
	RecordTTL      time.Duration
	Now            func() time.Time

	entries *xsync.MapOf[string, memEntry]
}

func NewMem() *Mem {
	return &Mem{
		ProvisionalTTL: DefaultProvisionalTTL,
		RecordTTL:      DefaultRecordTTL,
		Now:            time.Now,
		entries:        xsync.NewMapOf[string, memEntry](),
	}
}

func key(docID, clientID string, seq int64) string {
	return docID + "/" + clientID + "/" + strconv.FormatInt(seq, 10)
}

func (m *Mem) CheckAndReserve(ctx context.Context, docID, clientID string, seq int64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	now := m.Now()
	var res Result
	var reserved bool
	m.entries.Compute(key(docID, clientID, seq), func(old memEntry, loaded bool) (memEntry, bool) {
		if loaded && now.Before(old.expiresAt) {
			if old.state == stateConfirmed {
				res = Result{AlreadyAccepted: true, AssignedVersion: old.version}
			} else {
				reserved = true
			}
			return old, false
		}
		// absent or expired: take a fresh provisional reservation
		return memEntry{state: stateProvisional, expiresAt: now.Add(m.ProvisionalTTL)}, false
	})
	if reserved {
		return Result{}, ErrReserved
	}
	return res, nil
}

func (m *Mem) Confirm(ctx context.Context, docID, clientID string, seq, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.entries.Store(key(docID, clientID, seq), memEntry{
		state:     stateConfirmed,
		version:   version,
		expiresAt: m.Now().Add(m.RecordTTL),
	})
	return nil
}

func (m *Mem) Release(ctx context.Context, docID, clientID string, seq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.entries.Compute(key(docID, clientID, seq), func(old memEntry, loaded bool) (memEntry, bool) {
		// only a provisional reservation may be dropped
		return old, loaded && old.state == stateProvisional
	})
	return nil
}

// Sweep removes expired entries. The core runs it periodically; correctness
// does not depend on it because reads check expiry themselves.
func (m *Mem) Sweep() (removed int) {
	now := m.Now()
	m.entries.Range(func(k string, e memEntry) bool {
		if !now.Before(e.expiresAt) {
			m.entries.Compute(k, func(old memEntry, loaded bool) (memEntry, bool) {
				if loaded && !now.Before(old.expiresAt) {
					removed++
					return old, true
				}
				return old, false
			})
		}
		return true
	})
	return
}

func (m *Mem) Len() int {
	return m.entries.Size()
}
