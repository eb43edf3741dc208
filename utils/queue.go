package utils

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("[syncpad] feed queue is closed")
var ErrOverflow = errors.New("[syncpad] feed queue is overflowed")

type entry[T any] struct {
	val  T
	soft bool
}

// FeedQueue is a bounded producer/consumer queue. The producer side never
// blocks: a push that would exceed the bound first evicts the oldest soft
// entries; if none remain, the queue transitions to overflowed and stays
// there. Consumers drain everything buffered in one Feed call.
//
// Soft entries are loss-tolerant (presence updates); hard entries are edits
// and must never be silently dropped, hence overflow is terminal and the
// owner is expected to close the session.
type FeedQueue[T any] struct {
	limit int

	lock       sync.Mutex
	buf        []entry[T]
	signal     chan struct{}
	closed     bool
	overflowed bool
}

func NewFeedQueue[T any](limit int) *FeedQueue[T] {
	if limit <= 0 {
		limit = 1
	}
	return &FeedQueue[T]{
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

func (q *FeedQueue[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.buf)
}

func (q *FeedQueue[T]) Overflowed() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.overflowed
}

// Push enqueues a hard entry. Returns ErrOverflow if the bound is hit after
// evicting all soft entries, ErrClosed after Close.
func (q *FeedQueue[T]) Push(v T) error {
	return q.push(v, false)
}

// PushSoft enqueues a loss-tolerant entry. It never overflows the queue:
// when full, the oldest soft entry (possibly this one) gives way.
func (q *FeedQueue[T]) PushSoft(v T) error {
	return q.push(v, true)
}

func (q *FeedQueue[T]) push(v T, soft bool) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.overflowed {
		return ErrOverflow
	}
	if len(q.buf) >= q.limit {
		q.evictSoft()
	}
	if len(q.buf) >= q.limit {
		if soft {
			return nil // full of hard entries, drop the newcomer
		}
		q.overflowed = true
		q.wake()
		return ErrOverflow
	}
	q.buf = append(q.buf, entry[T]{val: v, soft: soft})
	q.wake()
	return nil
}

func (q *FeedQueue[T]) evictSoft() {
	kept := q.buf[:0]
	evicted := false
	for _, e := range q.buf {
		if e.soft && !evicted {
			evicted = true
			continue
		}
		kept = append(kept, e)
	}
	q.buf = kept
}

func (q *FeedQueue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Feed blocks until entries are buffered, then returns all of them. Returns
// ErrClosed once the queue is closed and drained, ErrOverflow once the
// queue overflowed and is drained.
func (q *FeedQueue[T]) Feed(ctx context.Context) ([]T, error) {
	for {
		q.lock.Lock()
		if len(q.buf) > 0 {
			out := make([]T, 0, len(q.buf))
			for _, e := range q.buf {
				out = append(out, e.val)
			}
			q.buf = nil
			q.lock.Unlock()
			return out, nil
		}
		if q.closed {
			q.lock.Unlock()
			return nil, ErrClosed
		}
		if q.overflowed {
			q.lock.Unlock()
			return nil, ErrOverflow
		}
		q.lock.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *FeedQueue[T]) Close() error {
	q.lock.Lock()
	q.closed = true
	q.wake()
	q.lock.Unlock()
	return nil
}
