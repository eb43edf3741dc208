// Package editlog is the durable, ordered, append-only store of edits and
// snapshots, one log per document, on a pebble keyspace.
package editlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/syncpad/syncpad/protocol"
)

var (
	ErrClosed      = errors.New("edit log is closed")
	ErrOutOfOrder  = errors.New("append out of order: version gap or duplicate")
	ErrBadEvent    = errors.New("bad event record")
	ErrBadSnapshot = errors.New("bad snapshot record")
)

// EditEvent is one accepted edit. Immutable once persisted.
type EditEvent struct {
	DocID     string
	Version   int64
	ClientID  string
	UserID    string
	Seq       int64
	Op        []byte
	Timestamp time.Time
}

// IdempotencyKey identifies the submission that produced this event.
func (ev *EditEvent) IdempotencyKey() string {
	return ev.DocID + "/" + ev.ClientID + "/" + strconv.FormatInt(ev.Seq, 10)
}

// Snapshot is the full document state as of Version.
type Snapshot struct {
	DocID   string
	Version int64
	Content string
}

var WriteOptions = pebble.WriteOptions{Sync: true}

const snapshotCacheSize = 1024

// Log stores edit events, snapshots and per-document version counters.
// Multiple goroutines may read concurrently; Append is serialized per
// document by the caller (the version authority), which is what makes the
// read-check-write in Append safe.
type Log struct {
	db    *pebble.DB
	owned bool

	// newest snapshot per doc; avoids a key scan on the hot resume path
	snaps *lru.Cache[string, Snapshot]

	lock   sync.Mutex
	closed bool
}

// Open opens (or creates) a log under dir.
func Open(dir string) (*Log, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return newLog(db, true)
}

// OpenMem opens an in-memory log, used by tests and the demo config.
func OpenMem() (*Log, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return newLog(db, true)
}

// New wraps an existing pebble database; Close leaves it open.
func New(db *pebble.DB) (*Log, error) {
	return newLog(db, false)
}

func newLog(db *pebble.DB, owned bool) (*Log, error) {
	snaps, err := lru.New[string, Snapshot](snapshotCacheSize)
	if err != nil {
		return nil, err
	}
	return &Log{db: db, owned: owned, snaps: snaps}, nil
}

// DB exposes the underlying pebble handle for collaborators sharing the
// keyspace (metrics collector, pebble-backed ledger).
func (l *Log) DB() *pebble.DB {
	return l.db
}

func (l *Log) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	if l.owned {
		return l.db.Close()
	}
	return nil
}

// CurrentVersion returns the version of the last appended event, 0 for a
// document with no history.
func (l *Log) CurrentVersion(docID string) (int64, error) {
	val, clo, err := l.db.Get(versionKey(docID))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v := int64(protocol.UnUint64(val))
	_ = clo.Close()
	return v, nil
}

// Append persists the event and advances the document's version counter in
// one atomic batch. The event's version must be exactly CurrentVersion+1.
func (l *Log) Append(ctx context.Context, ev EditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cur, err := l.CurrentVersion(ev.DocID)
	if err != nil {
		return err
	}
	if ev.Version != cur+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrOutOfOrder, cur, ev.Version)
	}
	batch := l.db.NewBatch()
	if err = batch.Set(eventKey(ev.DocID, ev.Version), appendEvent(nil, &ev), nil); err != nil {
		return err
	}
	if err = batch.Set(versionKey(ev.DocID), protocol.Uint64(uint64(ev.Version)), nil); err != nil {
		return err
	}
	return l.db.Apply(batch, &WriteOptions)
}

// Get returns a single persisted event by version.
func (l *Log) Get(docID string, version int64) (EditEvent, bool, error) {
	val, clo, err := l.db.Get(eventKey(docID, version))
	if err == pebble.ErrNotFound {
		return EditEvent{}, false, nil
	}
	if err != nil {
		return EditEvent{}, false, err
	}
	ev, err := parseEvent(docID, val)
	_ = clo.Close()
	if err != nil {
		return EditEvent{}, false, err
	}
	return ev, true, nil
}

// ReadRange returns a lazy cursor over events with version in
// (fromExcl, toIncl]. toIncl <= 0 means "to the end of the log". Re-issuing
// the call with the same bounds is safe and repeatable.
func (l *Log) ReadRange(ctx context.Context, docID string, fromExcl, toIncl int64) *Cursor {
	lower := eventKey(docID, fromExcl+1)
	var upper []byte
	if toIncl > 0 {
		upper = eventKey(docID, toIncl+1)
	} else {
		upper = eventKey(docID, int64(^uint64(0)>>1))
	}
	it, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	return &Cursor{ctx: ctx, docID: docID, it: it, err: err}
}

// WriteSnapshot persists a snapshot. Snapshots are written out of band by
// the authority's compactor; a lost write only raises backfill cost.
func (l *Log) WriteSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := l.db.Set(snapshotKey(snap.DocID, snap.Version), appendSnapshot(nil, &snap), &WriteOptions)
	if err != nil {
		return err
	}
	if cached, ok := l.snaps.Get(snap.DocID); !ok || cached.Version < snap.Version {
		l.snaps.Add(snap.DocID, snap)
	}
	return nil
}

// LatestSnapshotAtOrBefore returns the newest snapshot with version <= max,
// or ok=false if the document has none that old. max <= 0 asks for the
// zero baseline outright.
func (l *Log) LatestSnapshotAtOrBefore(ctx context.Context, docID string, max int64) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	if max <= 0 {
		return Snapshot{}, false, nil
	}
	if cached, ok := l.snaps.Get(docID); ok && cached.Version <= max {
		return cached, true, nil
	}
	lower := snapshotKey(docID, 1)
	upper := snapshotKey(docID, max+1)
	it, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return Snapshot{}, false, err
	}
	defer it.Close()
	if !it.Last() {
		return Snapshot{}, false, it.Error()
	}
	snap, err := parseSnapshot(docID, it.Value())
	if err != nil {
		return Snapshot{}, false, err
	}
	snap.Version = keyVersion(it.Key())
	return snap, true, nil
}

// event record: E( V(version) T(unixmilli) Q(seq) C(clientId) U(userId) O(op) )
func appendEvent(into []byte, ev *EditEvent) []byte {
	body := protocol.Record('V', protocol.Uint64(uint64(ev.Version)))
	body = protocol.Append(body, 'T', protocol.Uint64(uint64(ev.Timestamp.UnixMilli())))
	body = protocol.Append(body, 'Q', protocol.Uint64(uint64(ev.Seq)))
	body = protocol.Append(body, 'C', []byte(ev.ClientID))
	body = protocol.Append(body, 'U', []byte(ev.UserID))
	body = protocol.Append(body, 'O', ev.Op)
	return protocol.Append(into, 'E', body)
}

func parseEvent(docID string, rec []byte) (ev EditEvent, err error) {
	body, _ := protocol.Take('E', rec)
	if body == nil {
		return ev, ErrBadEvent
	}
	ev.DocID = docID
	var v []byte
	if v, body = protocol.Take('V', body); v == nil {
		return ev, ErrBadEvent
	}
	ev.Version = int64(protocol.UnUint64(v))
	if v, body = protocol.Take('T', body); v == nil {
		return ev, ErrBadEvent
	}
	ev.Timestamp = time.UnixMilli(int64(protocol.UnUint64(v))).UTC()
	if v, body = protocol.Take('Q', body); v == nil {
		return ev, ErrBadEvent
	}
	ev.Seq = int64(protocol.UnUint64(v))
	if v, body = protocol.Take('C', body); v == nil {
		return ev, ErrBadEvent
	}
	ev.ClientID = string(v)
	if v, body = protocol.Take('U', body); v == nil {
		return ev, ErrBadEvent
	}
	ev.UserID = string(v)
	if v, _ = protocol.Take('O', body); v == nil {
		return ev, ErrBadEvent
	}
	ev.Op = append([]byte(nil), v...)
	return ev, nil
}

// snapshot record: S( C(content) ); the version lives in the key
func appendSnapshot(into []byte, snap *Snapshot) []byte {
	return protocol.Append(into, 'S', protocol.Record('C', []byte(snap.Content)))
}

func parseSnapshot(docID string, rec []byte) (snap Snapshot, err error) {
	body, _ := protocol.Take('S', rec)
	if body == nil {
		return snap, ErrBadSnapshot
	}
	c, _ := protocol.Take('C', body)
	if c == nil {
		return snap, ErrBadSnapshot
	}
	snap.DocID = docID
	snap.Content = string(c)
	return snap, nil
}
