package syncpad

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/syncpad/syncpad/editlog"
	"github.com/syncpad/syncpad/ledger"
	"github.com/syncpad/syncpad/ot"
	"github.com/syncpad/syncpad/utils"
)

// authority is the per-document sequencer. The single most important
// invariant of the whole core lives here: one in-flight submission per
// document at a time, full parallelism across documents. The per-doc slot
// is a one-permit channel so waiting for it honors the caller's context.
type authority struct {
	log        *editlog.Log
	ledger     ledger.Ledger
	merge      ot.Transformer
	broker     *Broker
	metrics    *Metrics
	logg       utils.Logger
	dispatcher *KafkaDispatcher

	snapshotEvery int

	docs *xsync.MapOf[string, *docState]

	// snapshot jobs are routed to a fixed worker by docId hash, so at most
	// one snapshot build runs per document and builds stay in order
	compactors []chan snapshotJob
	done       chan struct{}
}

type docState struct {
	slot chan struct{} // one permit: the per-doc serialization slot

	// the fields below are only touched while holding the slot
	loaded    bool
	version   int64
	sinceSnap int
}

type snapshotJob struct {
	docID   string
	version int64
}

const snapshotWorkers = 4

func newAuthority(log *editlog.Log, led ledger.Ledger, merge ot.Transformer,
	broker *Broker, metrics *Metrics, logg utils.Logger, snapshotEvery int,
	dispatcher *KafkaDispatcher) *authority {

	a := &authority{
		log:           log,
		ledger:        led,
		merge:         merge,
		broker:        broker,
		metrics:       metrics,
		logg:          logg,
		dispatcher:    dispatcher,
		snapshotEvery: snapshotEvery,
		docs:          xsync.NewMapOf[string, *docState](),
		compactors:    make([]chan snapshotJob, snapshotWorkers),
		done:          make(chan struct{}),
	}
	for i := range a.compactors {
		a.compactors[i] = make(chan snapshotJob, 64)
		go a.compactorLoop(a.compactors[i])
	}
	return a
}

func (a *authority) close() {
	close(a.done)
}

func (a *authority) doc(docID string) *docState {
	ds, _ := a.docs.LoadOrCompute(docID, func() *docState {
		return &docState{slot: make(chan struct{}, 1)}
	})
	return ds
}

// SubmitEdit runs the full acceptance pipeline: dedup, order, merge,
// persist, confirm, publish.
func (a *authority) SubmitEdit(ctx context.Context, req SubmitRequest) (EditEvent, error) {
	res, err := a.ledger.CheckAndReserve(ctx, req.DocID, req.ClientID, req.Seq)
	if err != nil {
		return EditEvent{}, err
	}
	if res.AlreadyAccepted {
		// a retry of an accepted submission gets the original event back
		ev, ok, err := a.log.Get(req.DocID, res.AssignedVersion)
		if err != nil {
			return EditEvent{}, fmt.Errorf("%w: %v", ErrTransientStorage, err)
		}
		if !ok {
			return EditEvent{}, fmt.Errorf("%w: confirmed version %d missing from log",
				ErrTransientStorage, res.AssignedVersion)
		}
		a.metrics.dedupHits.Inc()
		return ev, nil
	}

	ds := a.doc(req.DocID)
	select {
	case ds.slot <- struct{}{}:
	case <-ctx.Done():
		// the reservation resolves deterministically on retry
		_ = a.ledger.Release(context.WithoutCancel(ctx), req.DocID, req.ClientID, req.Seq)
		return EditEvent{}, ctx.Err()
	}
	defer func() { <-ds.slot }()

	ev, err := a.acceptLocked(ctx, ds, req)
	if err != nil {
		_ = a.ledger.Release(context.WithoutCancel(ctx), req.DocID, req.ClientID, req.Seq)
		return EditEvent{}, err
	}

	if err := a.ledger.Confirm(ctx, req.DocID, req.ClientID, req.Seq, ev.Version); err != nil {
		// the event is persisted; the provisional reservation covers the
		// retry window until it expires
		a.logg.Warn("ledger confirm failed", "doc", req.DocID, "err", err)
	}

	a.metrics.editsAccepted.Inc()
	a.broker.PublishEdit(ev)
	if a.dispatcher != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		if err := a.dispatcher.Enqueue(dctx, ev); err != nil {
			a.logg.Debug("kafka enqueue skipped", "doc", ev.DocID, "version", ev.Version, "err", err)
		}
		cancel()
	}
	return ev, nil
}

// acceptLocked holds the document's serialization slot.
func (a *authority) acceptLocked(ctx context.Context, ds *docState, req SubmitRequest) (EditEvent, error) {
	if !ds.loaded {
		cur, err := a.log.CurrentVersion(req.DocID)
		if err != nil {
			return EditEvent{}, fmt.Errorf("%w: %v", ErrTransientStorage, err)
		}
		ds.version = cur
		ds.loaded = true
	}
	if req.BaseVersion > ds.version || req.BaseVersion < 0 {
		return EditEvent{}, fmt.Errorf("%w: base %d, current %d",
			ErrStaleBaseVersion, req.BaseVersion, ds.version)
	}

	var conflicting [][]byte
	if req.BaseVersion < ds.version {
		cur := a.log.ReadRange(ctx, req.DocID, req.BaseVersion, ds.version)
		defer cur.Close()
		for cur.Next() {
			conflicting = append(conflicting, cur.Event().Op)
		}
		if err := cur.Err(); err != nil {
			return EditEvent{}, fmt.Errorf("%w: %v", ErrTransientStorage, err)
		}
	}

	op, err := a.merge.Transform(req.Op, conflicting)
	if err != nil {
		a.metrics.mergeFailures.Inc()
		return EditEvent{}, fmt.Errorf("%w: %v", ErrMergeFailure, err)
	}

	ev := EditEvent{
		DocID:     req.DocID,
		Version:   ds.version + 1,
		ClientID:  req.ClientID,
		UserID:    req.UserID,
		Seq:       req.Seq,
		Op:        op,
		Timestamp: time.Now().UTC(),
	}
	if err := a.log.Append(ctx, ev); err != nil {
		return EditEvent{}, fmt.Errorf("%w: %v", ErrTransientStorage, err)
	}
	ds.version = ev.Version

	ds.sinceSnap++
	if a.snapshotEvery > 0 && ds.sinceSnap >= a.snapshotEvery {
		ds.sinceSnap = 0
		a.scheduleSnapshot(req.DocID, ev.Version)
	}
	return ev, nil
}

func (a *authority) scheduleSnapshot(docID string, version int64) {
	worker := a.compactors[xxhash.Sum64String(docID)%snapshotWorkers]
	select {
	case worker <- snapshotJob{docID: docID, version: version}:
	default:
		// compactor is behind; the next trigger covers this version too
		a.logg.Debug("snapshot skipped, compactor busy", "doc", docID, "version", version)
	}
}

func (a *authority) compactorLoop(jobs <-chan snapshotJob) {
	for {
		select {
		case job := <-jobs:
			if err := a.buildSnapshot(job); err != nil {
				a.logg.Warn("snapshot build failed", "doc", job.docID,
					"version", job.version, "err", err)
			}
		case <-a.done:
			return
		}
	}
}

// buildSnapshot reconstructs content at job.version from the newest older
// snapshot plus log deltas. It runs off the write path; a failure only
// raises future backfill cost.
func (a *authority) buildSnapshot(job snapshotJob) error {
	ctx := context.Background()
	content := ""
	from := int64(0)
	if snap, ok, err := a.log.LatestSnapshotAtOrBefore(ctx, job.docID, job.version); err != nil {
		return err
	} else if ok {
		content, from = snap.Content, snap.Version
	}
	if from == job.version {
		return nil
	}
	cur := a.log.ReadRange(ctx, job.docID, from, job.version)
	defer cur.Close()
	for cur.Next() {
		var err error
		if content, err = a.merge.Apply(content, cur.Event().Op); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return err
	}
	err := a.log.WriteSnapshot(ctx, Snapshot{DocID: job.docID, Version: job.version, Content: content})
	if err == nil {
		a.metrics.snapshotsWritten.Inc()
	}
	return err
}

// currentVersion reports the document's version as the log has it.
func (a *authority) currentVersion(docID string) (int64, error) {
	return a.log.CurrentVersion(docID)
}
