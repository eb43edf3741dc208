package ledger

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// Pebble is the Ledger for single-node deployments that want idempotency to
// survive a restart. It shares the edit log's database under the 'L' key
// prefix. Pebble has no native TTL, so the expiry instant is part of the
// value and expired records read as absent; Sweep deletes them in bulk.
type Pebble struct {
	ProvisionalTTL time.Duration
	RecordTTL      time.Duration
	Now            func() time.Time

	db *pebble.DB
	// serializes the read-check-write; per-key granularity is not worth it
	// for a path that only runs once per submission
	lock sync.Mutex
}

func NewPebble(db *pebble.DB) *Pebble {
	return &Pebble{
		ProvisionalTTL: DefaultProvisionalTTL,
		RecordTTL:      DefaultRecordTTL,
		Now:            time.Now,
		db:             db,
	}
}

var pebbleWrites = pebble.WriteOptions{Sync: false}

func pebbleKey(docID, clientID string, seq int64) []byte {
	k := make([]byte, 0, 1+len(docID)+len(clientID)+binary.MaxVarintLen32*2+binary.MaxVarintLen64)
	k = append(k, 'L')
	k = binary.AppendUvarint(k, uint64(len(docID)))
	k = append(k, docID...)
	k = binary.AppendUvarint(k, uint64(len(clientID)))
	k = append(k, clientID...)
	return binary.AppendUvarint(k, uint64(seq))
}

// value: [state byte][8 expiresAt unixmilli][8 version]
func encodeEntry(state memState, expiresAt time.Time, version int64) []byte {
	val := make([]byte, 17)
	val[0] = byte(state)
	binary.BigEndian.PutUint64(val[1:9], uint64(expiresAt.UnixMilli()))
	binary.BigEndian.PutUint64(val[9:17], uint64(version))
	return val
}

func decodeEntry(val []byte) (state memState, expiresAt time.Time, version int64, ok bool) {
	if len(val) != 17 {
		return 0, time.Time{}, 0, false
	}
	state = memState(val[0])
	expiresAt = time.UnixMilli(int64(binary.BigEndian.Uint64(val[1:9])))
	version = int64(binary.BigEndian.Uint64(val[9:17]))
	return state, expiresAt, version, true
}

func (p *Pebble) get(key []byte) (state memState, expiresAt time.Time, version int64, ok bool, err error) {
	val, clo, gerr := p.db.Get(key)
	if gerr == pebble.ErrNotFound {
		return 0, time.Time{}, 0, false, nil
	}
	if gerr != nil {
		return 0, time.Time{}, 0, false, gerr
	}
	state, expiresAt, version, ok = decodeEntry(val)
	_ = clo.Close()
	return state, expiresAt, version, ok, nil
}

func (p *Pebble) CheckAndReserve(ctx context.Context, docID, clientID string, seq int64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	now := p.Now()
	k := pebbleKey(docID, clientID, seq)
	state, expiresAt, version, ok, err := p.get(k)
	if err != nil {
		return Result{}, err
	}
	if ok && now.Before(expiresAt) {
		if state == stateConfirmed {
			return Result{AlreadyAccepted: true, AssignedVersion: version}, nil
		}
		return Result{}, ErrReserved
	}
	err = p.db.Set(k, encodeEntry(stateProvisional, now.Add(p.ProvisionalTTL), 0), &pebbleWrites)
	return Result{}, err
}

func (p *Pebble) Confirm(ctx context.Context, docID, clientID string, seq, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	k := pebbleKey(docID, clientID, seq)
	return p.db.Set(k, encodeEntry(stateConfirmed, p.Now().Add(p.RecordTTL), version), &pebbleWrites)
}

func (p *Pebble) Release(ctx context.Context, docID, clientID string, seq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	k := pebbleKey(docID, clientID, seq)
	state, _, _, ok, err := p.get(k)
	if err != nil || !ok || state != stateProvisional {
		return err
	}
	return p.db.Delete(k, &pebbleWrites)
}

// Sweep deletes expired records. Safe to run concurrently with submissions.
func (p *Pebble) Sweep() (removed int, err error) {
	now := p.Now()
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'L'},
		UpperBound: []byte{'L' + 1},
	})
	if err != nil {
		return 0, err
	}
	var expired [][]byte
	for it.First(); it.Valid(); it.Next() {
		if _, expiresAt, _, ok := decodeEntry(it.Value()); ok && !now.Before(expiresAt) {
			expired = append(expired, append([]byte(nil), it.Key()...))
		}
	}
	if err = it.Close(); err != nil {
		return 0, err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, k := range expired {
		// recheck under the lock, the key may have been re-reserved
		_, expiresAt, _, ok, gerr := p.get(k)
		if gerr != nil {
			return removed, gerr
		}
		if ok && now.Before(expiresAt) {
			continue
		}
		if derr := p.db.Delete(k, &pebbleWrites); derr != nil {
			return removed, derr
		}
		removed++
	}
	return removed, nil
}
