package editlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func ev(doc string, version int64, op string) EditEvent {
	return EditEvent{
		DocID:     doc,
		Version:   version,
		ClientID:  "c1",
		UserID:    "u1",
		Seq:       version,
		Op:        []byte(op),
		Timestamp: time.UnixMilli(1700000000000 + version).UTC(),
	}
}

func TestAppendAndReadRange(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for v := int64(1); v <= 5; v++ {
		require.NoError(t, l.Append(ctx, ev("d1", v, fmt.Sprintf("i,0,v%d", v))))
	}
	cur, err := l.CurrentVersion("d1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), cur)

	evs, err := l.ReadRange(ctx, "d1", 2, 4).Collect()
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(3), evs[0].Version)
	assert.Equal(t, int64(4), evs[1].Version)
	assert.Equal(t, "i,0,v3", string(evs[0].Op))
	assert.Equal(t, "c1", evs[0].ClientID)
	assert.Equal(t, "u1", evs[0].UserID)

	// open-ended range
	evs, err = l.ReadRange(ctx, "d1", 0, 0).Collect()
	require.NoError(t, err)
	assert.Len(t, evs, 5)
}

func TestAppendRejectsGapsAndDuplicates(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, ev("d1", 1, "i,0,a")))
	assert.ErrorIs(t, l.Append(ctx, ev("d1", 1, "i,0,b")), ErrOutOfOrder)
	assert.ErrorIs(t, l.Append(ctx, ev("d1", 3, "i,0,c")), ErrOutOfOrder)
	// other documents are unaffected
	require.NoError(t, l.Append(ctx, ev("d2", 1, "i,0,x")))
}

func TestReadRangeRestartable(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	for v := int64(1); v <= 3; v++ {
		require.NoError(t, l.Append(ctx, ev("d1", v, "i,0,x")))
	}
	for i := 0; i < 2; i++ {
		evs, err := l.ReadRange(ctx, "d1", 0, 3).Collect()
		require.NoError(t, err)
		assert.Len(t, evs, 3)
	}
}

func TestReadRangeCancellation(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	for v := int64(1); v <= 3; v++ {
		require.NoError(t, l.Append(ctx, ev("d1", v, "i,0,x")))
	}
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	cur := l.ReadRange(canceled, "d1", 0, 0)
	defer cur.Close()
	assert.False(t, cur.Next())
	assert.ErrorIs(t, cur.Err(), context.Canceled)
}

func TestGet(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, ev("d1", 1, "i,0,a")))

	got, ok, err := l.Get("d1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "i,0,a", string(got.Op))

	_, ok, err = l.Get("d1", 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshots(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	_, ok, err := l.LatestSnapshotAtOrBefore(ctx, "d1", 100)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.WriteSnapshot(ctx, Snapshot{DocID: "d1", Version: 100, Content: "at100"}))
	require.NoError(t, l.WriteSnapshot(ctx, Snapshot{DocID: "d1", Version: 200, Content: "at200"}))

	snap, ok, err := l.LatestSnapshotAtOrBefore(ctx, "d1", 250)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(200), snap.Version)
	assert.Equal(t, "at200", snap.Content)

	// cache miss path: the cached newest (200) is too new for max=150
	snap, ok, err = l.LatestSnapshotAtOrBefore(ctx, "d1", 150)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), snap.Version)
	assert.Equal(t, "at100", snap.Content)

	_, ok, err = l.LatestSnapshotAtOrBefore(ctx, "d1", 50)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDocIDsDoNotCollide(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	// "ab"+"c" vs "a"+"bc" style prefix confusion
	require.NoError(t, l.Append(ctx, ev("ab", 1, "i,0,1")))
	require.NoError(t, l.Append(ctx, ev("a", 1, "i,0,2")))

	evs, err := l.ReadRange(ctx, "a", 0, 0).Collect()
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "i,0,2", string(evs[0].Op))
}

func TestEventCodecRoundtrip(t *testing.T) {
	in := EditEvent{
		DocID:     "d1",
		Version:   7,
		ClientID:  "client-a",
		UserID:    "user-1",
		Seq:       3,
		Op:        []byte("d,2,5"),
		Timestamp: time.UnixMilli(1700000000123).UTC(),
	}
	out, err := parseEvent("d1", appendEvent(nil, &in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "d1/client-a/3", out.IdempotencyKey())
}
