package utils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedQueueBasic(t *testing.T) {
	q := NewFeedQueue[int](8)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))

	got, err := q.Feed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)
}

func TestFeedQueueBlocksUntilPush(t *testing.T) {
	q := NewFeedQueue[int](8)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, err := q.Feed(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, []int{7}, got)
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Push(7))
	wg.Wait()
}

func TestFeedQueueOverflow(t *testing.T) {
	q := NewFeedQueue[int](2)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	err := q.Push(3)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.True(t, q.Overflowed())

	// buffered entries still drain, then the overflow surfaces
	got, err := q.Feed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)
	_, err = q.Feed(context.Background())
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestFeedQueueSoftEviction(t *testing.T) {
	q := NewFeedQueue[int](3)
	require.NoError(t, q.PushSoft(100))
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	// full: the soft entry gives way to the new hard one
	require.NoError(t, q.Push(3))

	got, err := q.Feed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.False(t, q.Overflowed())
}

func TestFeedQueueSoftNeverOverflows(t *testing.T) {
	q := NewFeedQueue[int](2)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	assert.NoError(t, q.PushSoft(3)) // dropped, not an overflow
	assert.False(t, q.Overflowed())
}

func TestFeedQueueClose(t *testing.T) {
	q := NewFeedQueue[int](2)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Close())

	got, err := q.Feed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, got)

	_, err = q.Feed(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Push(2), ErrClosed)
}

func TestFeedQueueFeedCancel(t *testing.T) {
	q := NewFeedQueue[int](2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Feed(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
