// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxbowsec/cti-updater/internal/queue"
)

func TestPushPopFIFO(t *testing.T) {
	q := queue.New[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)

	ctx := context.Background()
	for _, want := range []int{1, 2, 3} {
		v, ok := q.Pop(ctx)
		require.True(t, ok)
		require.Equal(t, want, v)
	}
	require.True(t, q.Empty())
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := queue.New[string]()
	result := make(chan string, 1)
	go func() {
		v, ok := q.Pop(context.Background())
		require.True(t, ok)
		result <- v
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push("hello")

	select {
	case v := <-result:
		require.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
}

func TestCancelWakesBlockedPop(t *testing.T) {
	q := queue.New[int]()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(context.Background())
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Cancel()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Cancel")
	}
}

func TestPushAfterCancelIsDropped(t *testing.T) {
	q := queue.New[int]()
	q.Cancel()
	q.Push(1)
	require.True(t, q.Empty())
	require.Equal(t, 0, q.Size())
}

func TestPopContextCancellation(t *testing.T) {
	q := queue.New[int]()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not respect context cancellation")
	}
	// The queue itself remains usable for other callers.
	require.False(t, q.Cancelled())
}

func TestPopBulkDrainsUpToN(t *testing.T) {
	q := queue.New[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}

	got := q.PopBulk(3, time.Second)
	require.Equal(t, []int{0, 1, 2}, got)
	require.Equal(t, 2, q.Size())
}

func TestPopBulkTimesOutWithPartialDrain(t *testing.T) {
	q := queue.New[int]()
	q.Push(1)

	start := time.Now()
	got := q.PopBulk(5, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Equal(t, []int{1}, got)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestPopBulkNeverBlocksWhenCancelled(t *testing.T) {
	q := queue.New[int]()
	q.Push(1)
	q.Cancel()

	start := time.Now()
	got := q.PopBulk(10, time.Hour)
	elapsed := time.Since(start)

	require.Equal(t, []int{1}, got)
	require.Less(t, elapsed, time.Second)
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := queue.New[int]()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			q.Push(v)
		}(i)
	}

	seen := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok := q.Pop(context.Background())
			require.True(t, ok)
			seen <- v
		}()
	}
	wg.Wait()
	close(seen)

	count := 0
	for range seen {
		count++
	}
	require.Equal(t, n, count)
	require.True(t, q.Empty())
}
