package syncpad

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncpad/syncpad/utils"
)

func testLogger() utils.Logger {
	return utils.NewDefaultLogger(slog.LevelError)
}

func testCore(t *testing.T, opts Options) *Core {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	c, err := OpenMem(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func submit(t *testing.T, c *Core, doc, client string, seq, base int64, op string) EditEvent {
	t.Helper()
	ev, err := c.SubmitEdit(context.Background(), SubmitRequest{
		DocID: doc, UserID: "u-" + client, ClientID: client,
		Seq: seq, BaseVersion: base, Op: []byte(op),
	})
	require.NoError(t, err)
	return ev
}

func TestSubmitAssignsSequentialVersions(t *testing.T) {
	c := testCore(t, Options{})

	ev1 := submit(t, c, "doc", "alice", 1, 0, "i,0,hello")
	assert.Equal(t, int64(1), ev1.Version)

	ev2 := submit(t, c, "doc", "alice", 2, 1, "i,5, world")
	assert.Equal(t, int64(2), ev2.Version)

	content, version, err := c.Content(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, "hello world", content)
}

func TestSubmitRetryIsIdempotent(t *testing.T) {
	c := testCore(t, Options{})

	first := submit(t, c, "doc", "alice", 7, 0, "i,0,hi")
	again := submit(t, c, "doc", "alice", 7, 0, "i,0,hi")

	assert.Equal(t, first.Version, again.Version)
	assert.Equal(t, first.Op, again.Op)

	version, err := c.CurrentVersion("doc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version, "retry must not create a second event")
}

func TestConcurrentInsertsAtSamePosition(t *testing.T) {
	c := testCore(t, Options{})

	a := submit(t, c, "doc", "alice", 1, 0, "i,0,hi")
	b := submit(t, c, "doc", "bob", 1, 0, "i,0,yo")

	assert.Equal(t, int64(1), a.Version)
	assert.Equal(t, int64(2), b.Version)
	assert.Equal(t, "i,2,yo", string(b.Op), "concurrent insert shifts past the accepted one")

	content, _, err := c.Content(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, "hiyo", content)
}

func TestConcurrentSubmitsAreGapless(t *testing.T) {
	c := testCore(t, Options{})
	const writers = 16

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.SubmitEdit(context.Background(), SubmitRequest{
				DocID: "doc", UserID: "u", ClientID: fmt.Sprintf("c%d", i),
				Seq: 1, BaseVersion: 0, Op: []byte("i,0,x"),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	cur, err := c.CurrentVersion("doc")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), cur)

	seen := map[int64]bool{}
	it := c.log.ReadRange(context.Background(), "doc", 0, cur)
	defer it.Close()
	for it.Next() {
		seen[it.Event().Version] = true
	}
	require.NoError(t, it.Err())
	for v := int64(1); v <= writers; v++ {
		assert.True(t, seen[v], "version %d missing", v)
	}
}

func TestCrossDocumentIndependence(t *testing.T) {
	c := testCore(t, Options{})

	a := submit(t, c, "doc-a", "alice", 1, 0, "i,0,a")
	b := submit(t, c, "doc-b", "alice", 2, 0, "i,0,b")

	assert.Equal(t, int64(1), a.Version)
	assert.Equal(t, int64(1), b.Version, "version sequences are per document")
}

func TestStaleBaseVersionRejected(t *testing.T) {
	c := testCore(t, Options{})
	submit(t, c, "doc", "alice", 1, 0, "i,0,hi")

	_, err := c.SubmitEdit(context.Background(), SubmitRequest{
		DocID: "doc", UserID: "u", ClientID: "bob", Seq: 1,
		BaseVersion: 9, Op: []byte("i,0,yo"),
	})
	assert.ErrorIs(t, err, ErrStaleBaseVersion)
}

func TestMergeFailureReleasesReservation(t *testing.T) {
	c := testCore(t, Options{})

	_, err := c.SubmitEdit(context.Background(), SubmitRequest{
		DocID: "doc", UserID: "u", ClientID: "alice", Seq: 1,
		BaseVersion: 0, Op: []byte("garbage"),
	})
	require.ErrorIs(t, err, ErrMergeFailure)

	// the failed submission's key is free again for an immediate retry
	ev := submit(t, c, "doc", "alice", 1, 0, "i,0,ok")
	assert.Equal(t, int64(1), ev.Version)
}

func TestSubscribeDeliversLiveEdits(t *testing.T) {
	c := testCore(t, Options{})
	ctx := context.Background()

	s, base, err := c.Subscribe(ctx, "doc", "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), base.Version)
	assert.Equal(t, "", base.Content)

	submit(t, c, "doc", "alice", 1, 0, "i,0,hi")

	evs, err := s.Feed(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.NotNil(t, evs[0].Edit)
	assert.Equal(t, int64(1), evs[0].Edit.Version)
	assert.Equal(t, "i,0,hi", string(evs[0].Edit.Op))
}

func TestResumeDeliversBackfillThenLive(t *testing.T) {
	c := testCore(t, Options{})
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		submit(t, c, "doc", "alice", i, i-1, "i,0,x")
	}

	// the client saw up to version 2 before disconnecting
	s, base, err := c.Subscribe(ctx, "doc", "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), base.Version, "no snapshot yet, baseline is empty")

	submit(t, c, "doc", "alice", 6, 5, "i,0,x")

	var got []int64
	deadline := time.After(2 * time.Second)
	for len(got) < 6 {
		select {
		case <-deadline:
			t.Fatalf("timed out, got versions %v", got)
		default:
		}
		fctx, cancel := context.WithTimeout(ctx, time.Second)
		evs, err := s.Feed(fctx)
		cancel()
		require.NoError(t, err)
		for _, ev := range evs {
			if ev.Edit != nil {
				got = append(got, ev.Edit.Version)
			}
		}
	}

	// backfill above the baseline plus the live edit: contiguous, no
	// duplicates across the handoff
	require.Len(t, got, 6)
	for i, v := range got {
		assert.Equal(t, int64(i+1), v)
	}
}

func TestResumeSpansHistoryBeyondQueueBound(t *testing.T) {
	c := testCore(t, Options{SessionQueueLimit: 16})
	ctx := context.Background()

	const history = 40 // well past the queue bound
	for i := int64(1); i <= history; i++ {
		submit(t, c, "doc", "alice", i, i-1, "i,0,x")
	}

	s, base, err := c.Subscribe(ctx, "doc", "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), base.Version)

	var got []int64
	for len(got) < history {
		evs, err := s.Feed(ctx)
		require.NoError(t, err)
		for _, ev := range evs {
			require.NotNil(t, ev.Edit)
			got = append(got, ev.Edit.Version)
		}
	}
	require.Len(t, got, history)
	for i, v := range got {
		assert.Equal(t, int64(i+1), v, "backfill in order, no gaps")
	}

	// a second laggard resumes just as well
	s2, _, err := c.Subscribe(ctx, "doc", "u2", 3)
	require.NoError(t, err)
	defer s2.Close()
	evs, err := s2.Feed(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, int64(1), evs[0].Edit.Version)
}

func TestResumeFromSnapshotBaseline(t *testing.T) {
	c := testCore(t, Options{SnapshotEvery: 2})
	ctx := context.Background()

	submit(t, c, "doc", "alice", 1, 0, "i,0,ab")
	submit(t, c, "doc", "alice", 2, 1, "i,2,cd")

	// the compactor runs off the write path
	require.Eventually(t, func() bool {
		_, ok, err := c.log.LatestSnapshotAtOrBefore(ctx, "doc", 2)
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	submit(t, c, "doc", "alice", 3, 2, "i,4,ef")

	s, base, err := c.Subscribe(ctx, "doc", "u1", 2)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, int64(2), base.Version)
	assert.Equal(t, "abcd", base.Content)

	evs, err := s.Feed(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.NotNil(t, evs[0].Edit)
	assert.Equal(t, int64(3), evs[0].Edit.Version, "only the delta past the baseline")
}

func TestSnapshotMatchesReplay(t *testing.T) {
	c := testCore(t, Options{SnapshotEvery: 3})
	ctx := context.Background()

	submit(t, c, "doc", "alice", 1, 0, "i,0,hello")
	submit(t, c, "doc", "alice", 2, 1, "i,5, world")
	submit(t, c, "doc", "alice", 3, 2, "d,0,6")

	require.Eventually(t, func() bool {
		snap, ok, err := c.log.LatestSnapshotAtOrBefore(ctx, "doc", 3)
		return err == nil && ok && snap.Content == "world"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSlowSubscriberIsClosedOthersSurvive(t *testing.T) {
	c := testCore(t, Options{SessionQueueLimit: 2})
	ctx := context.Background()

	slow, _, err := c.Subscribe(ctx, "doc", "slow", 0)
	require.NoError(t, err)
	fast, _, err := c.Subscribe(ctx, "doc", "fast", 0)
	require.NoError(t, err)

	for i := int64(1); i <= 4; i++ {
		submit(t, c, "doc", "alice", i, i-1, "i,0,x")
		evs, err := fast.Feed(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, evs)
	}

	// the slow session never drained and blew its bound; edits buffered
	// before the overflow still come out, then the close reason
	var ferr error
	for ferr == nil {
		_, ferr = slow.Feed(ctx)
	}
	assert.ErrorIs(t, ferr, ErrSessionOverflow)
	assert.ErrorIs(t, slow.Err(), ErrSessionOverflow)

	assert.Equal(t, 1, c.Subscribers("doc"), "overflowing session is detached")

	submit(t, c, "doc", "alice", 5, 4, "i,0,x")
	evs, err := fast.Feed(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, int64(5), evs[0].Edit.Version)
}

func TestPresenceReachesSubscribers(t *testing.T) {
	c := testCore(t, Options{})
	ctx := context.Background()

	s, _, err := c.Subscribe(ctx, "doc", "u1", 0)
	require.NoError(t, err)

	c.Heartbeat("doc", "bob-conn", "bob", []byte("5"))

	evs, err := s.Feed(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.NotNil(t, evs[0].Presence)
	assert.Equal(t, PresenceJoin, evs[0].Presence.Type)
	assert.Equal(t, "bob", evs[0].Presence.UserID)

	entries := c.Presence("doc")
	require.Len(t, entries, 1)
	assert.Equal(t, "bob-conn", entries[0].ClientID)

	c.Leave("doc", "bob-conn")
	assert.Empty(t, c.Presence("doc"))
}

func TestResumeStandaloneCursor(t *testing.T) {
	c := testCore(t, Options{})
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		submit(t, c, "doc", "alice", i, i-1, "i,0,x")
	}

	base, cur, err := c.Resume(ctx, "doc", 1)
	require.NoError(t, err)
	defer cur.Close()
	assert.Equal(t, int64(0), base.Version)

	evs, err := cur.Collect()
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, int64(1), evs[0].Version)
	assert.Equal(t, int64(3), evs[2].Version)
}

func TestSubmitAfterCloseFails(t *testing.T) {
	c, err := OpenMem(Options{})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.SubmitEdit(context.Background(), SubmitRequest{
		DocID: "doc", ClientID: "a", Seq: 1, Op: []byte("i,0,x"),
	})
	assert.ErrorIs(t, err, ErrClosed)

	_, _, err = c.Subscribe(context.Background(), "doc", "u", 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAckIsMonotonic(t *testing.T) {
	s := newSession("doc", "u", 8, nil)
	s.Ack(5)
	s.Ack(3)
	assert.Equal(t, int64(5), s.LastAcked())
	s.Ack(9)
	assert.Equal(t, int64(9), s.LastAcked())
}
