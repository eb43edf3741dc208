package syncpad

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/syncpad/syncpad/editlog"
	"github.com/syncpad/syncpad/utils"
)

// backfillBatch bounds one Feed call's worth of backfill deltas. The walk
// itself is bounded only by the log, never by the live queue.
const backfillBatch = 64

// Session is one live subscription of one connection to one document. The
// broker is the only producer into its queue; the owning connection's
// delivery loop is the only consumer. Nothing else touches the queue.
//
// A session starts in the buffering state, holding a lazy cursor over its
// backfill deltas. Feed drains the cursor batch by batch, so a resume can
// span arbitrarily more history than the live queue bound; live edits
// published meanwhile are parked in a bounded side buffer. Once the cursor
// is exhausted, the buffer is flushed through the version gate and the
// session goes live. The gate drops any edit at or below the last delivered
// version, which is what makes the backfill/live handoff duplicate-free.
type Session struct {
	ID     string
	DocID  string
	UserID string

	queue    *utils.FeedQueue[Event]
	backfill *editlog.Cursor // drained by Feed, then nil

	lock         sync.Mutex
	delivered    int64 // version of the last edit handed to the consumer
	buffering    bool
	pending      []EditEvent
	pendingLimit int

	lastAcked atomic.Int64

	closeOnce sync.Once
	reason    atomic.Value // error
	detach    func(*Session)
}

func newSession(docID, userID string, queueLimit int, detach func(*Session)) *Session {
	return &Session{
		ID:           uuid.NewString(),
		DocID:        docID,
		UserID:       userID,
		queue:        utils.NewFeedQueue[Event](queueLimit),
		buffering:    true,
		pendingLimit: queueLimit,
		detach:       detach,
	}
}

// startBackfill hands Feed the cursor over the resume deltas. Called once,
// before the consumer's first Feed.
func (s *Session) startBackfill(cur *editlog.Cursor) {
	s.backfill = cur
}

// Feed blocks until events are available and returns all of them, in
// publication order for this document. While the resume cursor has deltas
// left, Feed serves those. Returns ErrSessionOverflow when the session was
// closed for slowness, ErrClosed after a normal close.
func (s *Session) Feed(ctx context.Context) ([]Event, error) {
	for s.backfill != nil {
		if err := s.Err(); err != nil {
			_ = s.backfill.Close()
			s.backfill = nil
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		evs := s.drainBackfill()
		if len(evs) > 0 {
			return evs, nil
		}
		err := s.backfill.Err()
		_ = s.backfill.Close()
		s.backfill = nil
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrTransientStorage, err)
			s.close(err)
			return nil, err
		}
		// backfill exhausted; flush edits buffered meanwhile and go live
		if err := s.goLive(); err != nil {
			return nil, err
		}
	}

	evs, err := s.queue.Feed(ctx)
	switch err {
	case nil:
		return evs, nil
	case utils.ErrOverflow:
		s.close(ErrSessionOverflow)
		return nil, ErrSessionOverflow
	case utils.ErrClosed:
		if r := s.reason.Load(); r != nil {
			return nil, r.(error)
		}
		return nil, ErrClosed
	default:
		return nil, err
	}
}

// drainBackfill reads up to one batch of deltas from the cursor, advancing
// the version gate.
func (s *Session) drainBackfill() []Event {
	var out []Event
	for len(out) < backfillBatch && s.backfill.Next() {
		ev := s.backfill.Event()
		if !s.gateAdmit(ev.Version) {
			continue
		}
		e := ev
		out = append(out, Event{Edit: &e})
	}
	return out
}

// Ack records the newest version the client has durably applied; resume
// after a disconnect starts from here.
func (s *Session) Ack(version int64) {
	for {
		cur := s.lastAcked.Load()
		if version <= cur || s.lastAcked.CompareAndSwap(cur, version) {
			return
		}
	}
}

func (s *Session) LastAcked() int64 {
	return s.lastAcked.Load()
}

// Err returns the close reason, if the session is closed.
func (s *Session) Err() error {
	if r := s.reason.Load(); r != nil {
		return r.(error)
	}
	return nil
}

func (s *Session) Close() error {
	s.close(ErrClosed)
	return nil
}

func (s *Session) close(reason error) {
	s.closeOnce.Do(func() {
		s.reason.Store(reason)
		if s.detach != nil {
			s.detach(s)
		}
		_ = s.queue.Close()
	})
}

// enqueueEdit is called by the broker, in version order per document.
func (s *Session) enqueueEdit(ev EditEvent) error {
	s.lock.Lock()
	if s.buffering {
		// the backfill side buffer gets the same bound as the live queue
		if len(s.pending) >= s.pendingLimit {
			s.lock.Unlock()
			s.close(ErrSessionOverflow)
			return ErrSessionOverflow
		}
		s.pending = append(s.pending, ev)
		s.lock.Unlock()
		return nil
	}
	err := s.gatedPush(ev)
	s.lock.Unlock()
	if err != nil {
		s.close(ErrSessionOverflow)
		return ErrSessionOverflow
	}
	return nil
}

// gateAdmit reports whether version is new to this session and advances the
// gate. Everything delivered, backfill or live, passes through here once.
func (s *Session) gateAdmit(version int64) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if version <= s.delivered {
		return false
	}
	s.delivered = version
	return true
}

// gatedPush enqueues the edit unless it was already delivered. Called with
// s.lock held.
func (s *Session) gatedPush(ev EditEvent) error {
	if ev.Version <= s.delivered {
		return nil // duplicate across the backfill/live boundary
	}
	e := ev
	if err := s.queue.Push(Event{Edit: &e}); err != nil {
		return err
	}
	s.delivered = ev.Version
	return nil
}

// enqueuePresence is loss-tolerant: under pressure the oldest presence
// entry in the queue gives way.
func (s *Session) enqueuePresence(pe PresenceEvent) {
	p := pe
	_ = s.queue.PushSoft(Event{Presence: &p})
}

// seed raises the version gate to the resume baseline. Monotonic, so it
// can never rewind past deltas already delivered.
func (s *Session) seed(baselineVersion int64) {
	s.lock.Lock()
	if baselineVersion > s.delivered {
		s.delivered = baselineVersion
	}
	s.lock.Unlock()
}

// goLive flushes edits buffered during backfill and leaves the buffering
// state. Buffered edits that the backfill already covered fall to the gate.
func (s *Session) goLive() error {
	s.lock.Lock()
	pending := s.pending
	s.pending = nil
	s.buffering = false
	var err error
	for _, ev := range pending {
		if err = s.gatedPush(ev); err != nil {
			break
		}
	}
	s.lock.Unlock()
	if err != nil {
		s.close(ErrSessionOverflow)
		return ErrSessionOverflow
	}
	return nil
}
