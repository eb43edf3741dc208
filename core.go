package syncpad

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/syncpad/syncpad/editlog"
	"github.com/syncpad/syncpad/ledger"
	"github.com/syncpad/syncpad/ot"
	"github.com/syncpad/syncpad/utils"
)

type Options struct {
	// SnapshotEvery triggers a snapshot build after that many accepted
	// edits per document. Zero disables snapshots.
	SnapshotEvery int

	// SessionQueueLimit bounds each subscriber's outbound queue. A session
	// that falls this far behind is closed.
	SessionQueueLimit int

	// PresenceTTL is how long a client stays visible without a heartbeat.
	PresenceTTL time.Duration

	// Merger reconciles a submitted op with the concurrent accepted ops it
	// did not see. Defaults to the plain-text transformer.
	Merger ot.Transformer

	// Ledger overrides the idempotency store. By default the ledger shares
	// the log's pebble instance; pass ledger.NewRedis to share dedup state
	// across processes.
	Ledger ledger.Ledger

	// Dispatcher, when set, mirrors accepted edits onto Kafka for
	// downstream consumers. Best-effort; the log stays the source of truth.
	Dispatcher *KafkaDispatcher

	Logger   utils.Logger
	Registry prometheus.Registerer
}

func (o *Options) SetDefaults() {
	if o.SnapshotEvery == 0 {
		o.SnapshotEvery = 100
	}
	if o.SessionQueueLimit == 0 {
		o.SessionQueueLimit = 256
	}
	if o.PresenceTTL == 0 {
		o.PresenceTTL = 30 * time.Second
	}
	if o.Merger == nil {
		o.Merger = ot.Text{}
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// Core ties the pieces together: the durable edit log, the idempotency
// ledger, the per-document authority, the fan-out broker and the presence
// tracker. One Core instance serves many documents.
type Core struct {
	log       *editlog.Log
	ledger    ledger.Ledger
	authority *authority
	broker    *Broker
	presence  *presenceTracker
	metrics   *Metrics
	logg      utils.Logger

	queueLimit int

	closeOnce sync.Once
	closed    chan struct{}
}

// Open opens or creates a core over a pebble store at dir.
func Open(dir string, opts Options) (*Core, error) {
	opts.SetDefaults()
	log, err := editlog.Open(dir)
	if err != nil {
		return nil, err
	}
	return assemble(log, opts), nil
}

// OpenMem runs the core on an in-memory store. For tests.
func OpenMem(opts Options) (*Core, error) {
	opts.SetDefaults()
	log, err := editlog.OpenMem()
	if err != nil {
		return nil, err
	}
	return assemble(log, opts), nil
}

// OpenWith runs the core over a pebble database the caller owns; Close
// leaves the database open.
func OpenWith(db *pebble.DB, opts Options) (*Core, error) {
	opts.SetDefaults()
	log, err := editlog.New(db)
	if err != nil {
		return nil, err
	}
	return assemble(log, opts), nil
}

func assemble(log *editlog.Log, opts Options) *Core {
	metrics := newMetrics(opts.Registry)
	if opts.Registry != nil {
		opts.Registry.MustRegister(NewStorageCollector(log.DB()))
	}
	led := opts.Ledger
	if led == nil {
		led = ledger.NewPebble(log.DB())
	}
	broker := newBroker(metrics, opts.Logger)
	c := &Core{
		log:        log,
		ledger:     led,
		broker:     broker,
		metrics:    metrics,
		logg:       opts.Logger,
		queueLimit: opts.SessionQueueLimit,
		closed:     make(chan struct{}),
		authority:  newAuthority(log, led, opts.Merger, broker, metrics, opts.Logger, opts.SnapshotEvery, opts.Dispatcher),
		presence:   newPresenceTracker(opts.PresenceTTL, broker, metrics, opts.Logger),
	}
	go c.presence.run()
	return c
}

// SubmitEdit accepts one edit: dedups by (docId, clientId, seq), merges it
// against concurrent accepted edits, assigns the next version, persists it
// and fans it out. A retry of an accepted submission returns the original
// event.
func (c *Core) SubmitEdit(ctx context.Context, req SubmitRequest) (EditEvent, error) {
	select {
	case <-c.closed:
		return EditEvent{}, ErrClosed
	default:
	}
	return c.authority.SubmitEdit(ctx, req)
}

// Subscribe attaches a session to a document and returns it together with
// the resume baseline. The session is registered before the backfill cursor
// is opened, and edits published meanwhile are buffered and flushed through
// the session's version gate, so the switch from backfill to live delivery
// is gap-free and duplicate-free. The backfill itself is drained lazily by
// Session.Feed, batch by batch: the live queue bound limits how far a
// consumer may fall behind live publishes, never how much history a resume
// may cover. lastAcked is the newest version the client has already
// applied; pass 0 for a fresh subscriber. The cursor reads under ctx, so
// ctx must outlive the backfill phase.
func (c *Core) Subscribe(ctx context.Context, docID, userID string, lastAcked int64) (*Session, Baseline, error) {
	select {
	case <-c.closed:
		return nil, Baseline{}, ErrClosed
	default:
	}
	s := c.broker.attach(docID, userID, c.queueLimit)
	base, cur, err := c.Resume(ctx, docID, lastAcked)
	if err != nil {
		_ = s.Close()
		return nil, Baseline{}, err
	}
	s.seed(base.Version)
	s.startBackfill(cur)
	s.Ack(lastAcked)
	return s, base, nil
}

// Heartbeat refreshes presence for a client viewing a document.
func (c *Core) Heartbeat(docID, clientID, userID string, cursor []byte) {
	c.presence.Heartbeat(docID, clientID, userID, cursor)
}

// Leave removes a client from a document's presence.
func (c *Core) Leave(docID, clientID string) {
	c.presence.Leave(docID, clientID)
}

// Presence lists the clients currently live on a document.
func (c *Core) Presence(docID string) []PresenceEntry {
	return c.presence.Snapshot(docID)
}

// Resume computes the baseline for a client that has applied everything up
// to lastAcked and returns a cursor over the remaining deltas. Subscribe
// uses the same computation internally; Resume on its own serves one-shot
// catch-up reads without a live session.
func (c *Core) Resume(ctx context.Context, docID string, lastAcked int64) (Baseline, *editlog.Cursor, error) {
	base := Baseline{DocID: docID}
	if lastAcked > 0 {
		snap, ok, err := c.log.LatestSnapshotAtOrBefore(ctx, docID, lastAcked)
		if err != nil {
			return Baseline{}, nil, fmt.Errorf("%w: %v", ErrTransientStorage, err)
		}
		if ok {
			base.Version, base.Content = snap.Version, snap.Content
		}
	}
	cur, err := c.authority.currentVersion(docID)
	if err != nil {
		return Baseline{}, nil, fmt.Errorf("%w: %v", ErrTransientStorage, err)
	}
	return base, c.log.ReadRange(ctx, docID, base.Version, cur), nil
}

// Content materializes the document at its current version.
func (c *Core) Content(ctx context.Context, docID string) (string, int64, error) {
	return c.authority.content(ctx, docID)
}

// CurrentVersion reports the newest accepted version of a document.
func (c *Core) CurrentVersion(docID string) (int64, error) {
	return c.authority.currentVersion(docID)
}

// Subscribers reports the number of live sessions on a document.
func (c *Core) Subscribers(docID string) int {
	return c.broker.Subscribers(docID)
}

// Close shuts the core down: sessions are closed, background loops stop,
// the store is closed. In-flight submissions may still complete.
func (c *Core) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.presence.close()
		c.authority.close()
		c.broker.closeAll()
		err = c.log.Close()
	})
	return err
}
