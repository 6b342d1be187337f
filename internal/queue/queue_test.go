package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hitsmaxft/nanoclaw/internal/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(logging.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

func TestEnqueueSerialisesPerChat(t *testing.T) {
	q := New(Config{RetryLimit: 3}, testLogger(t))

	var running int32
	var maxConcurrent int32
	var calls int32
	q.SetProcessFunc(func(ctx context.Context, chatID string) Outcome {
		n := atomic.AddInt32(&running, 1)
		for {
			cur := atomic.LoadInt32(&maxConcurrent)
			if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&calls, 1)
		atomic.AddInt32(&running, -1)
		return OutcomeOK
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue("chat-1"))
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, time.Millisecond)
	q.Shutdown(time.Second)

	require.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent), "a single chat must never run two batches concurrently")
}

func TestEnqueueAllowsCrossChatParallelism(t *testing.T) {
	q := New(Config{RetryLimit: 3, MaxConcurrentChats: 8}, testLogger(t))

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	q.SetProcessFunc(func(ctx context.Context, chatID string) Outcome {
		defer wg.Done()
		<-start
		return OutcomeOK
	})

	require.NoError(t, q.Enqueue("chat-a"))
	require.NoError(t, q.Enqueue("chat-b"))
	close(start)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("both chats should have run concurrently")
	}
	q.Shutdown(time.Second)
}

func TestDirtyBitReprocessesWithoutDroppingWork(t *testing.T) {
	q := New(Config{RetryLimit: 3}, testLogger(t))

	var calls int32
	first := make(chan struct{})
	q.SetProcessFunc(func(ctx context.Context, chatID string) Outcome {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			<-first // hold the first run open so the second Enqueue lands mid-flight
		}
		return OutcomeOK
	})

	require.NoError(t, q.Enqueue("chat-1"))
	require.NoError(t, q.Enqueue("chat-1")) // should set the dirty bit, not spawn a second worker
	close(first)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, time.Second, time.Millisecond)
	q.Shutdown(time.Second)
}

func TestRetryGivesUpAfterLimit(t *testing.T) {
	q := New(Config{RetryLimit: 2, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, testLogger(t))

	var calls int32
	q.SetProcessFunc(func(ctx context.Context, chatID string) Outcome {
		atomic.AddInt32(&calls, 1)
		return OutcomeRetry
	})

	require.NoError(t, q.Enqueue("chat-1"))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, time.Second, time.Millisecond)
	require.False(t, q.IsScheduled("chat-1"))
	q.Shutdown(time.Second)
}

func TestEnqueueAfterShutdownFails(t *testing.T) {
	q := New(Config{}, testLogger(t))
	q.SetProcessFunc(func(ctx context.Context, chatID string) Outcome { return OutcomeOK })
	q.Shutdown(time.Second)
	require.ErrorIs(t, q.Enqueue("chat-1"), ErrQueueClosed)
}
