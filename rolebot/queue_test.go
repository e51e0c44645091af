package rolebot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForDrain(t testing.TB, q *ChannelTaskQueue, channelID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, q.WaitForDrain(ctx, channelID))
}

func TestChannelTaskQueueOrdering(t *testing.T) {
	t.Parallel()
	q := NewChannelTaskQueue(testLogger(t))
	ctx := context.Background()

	var mu sync.Mutex
	var order []int

	for i := 0; i < 50; i++ {
		i := i
		q.Enqueue(
			ctx, testChannelID, func(context.Context) error {
				mu.Lock()
				defer mu.Unlock()
				order = append(order, i)
				return nil
			},
		)
	}
	waitForDrain(t, q, testChannelID)

	require.Equal(t, 50, len(order))
	for i, got := range order {
		assert.Equal(t, i, got)
	}
}

func TestChannelTaskQueueFailureDoesNotStopQueue(t *testing.T) {
	t.Parallel()
	q := NewChannelTaskQueue(testLogger(t))
	ctx := context.Background()

	var ran []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, name)
	}

	q.Enqueue(
		ctx, testChannelID, func(context.Context) error {
			record("first")
			return errors.New("boom")
		},
	)
	q.Enqueue(
		ctx, testChannelID, func(context.Context) error {
			record("second")
			panic("kaboom")
		},
	)
	q.Enqueue(
		ctx, testChannelID, func(context.Context) error {
			record("third")
			return nil
		},
	)
	waitForDrain(t, q, testChannelID)

	assert.Equal(t, []string{"first", "second", "third"}, ran)
}

func TestChannelTaskQueueChannelsRunIndependently(t *testing.T) {
	t.Parallel()
	q := NewChannelTaskQueue(testLogger(t))
	ctx := context.Background()

	blockerStarted := make(chan struct{})
	release := make(chan struct{})
	q.Enqueue(
		ctx, "slow-channel", func(context.Context) error {
			close(blockerStarted)
			<-release
			return nil
		},
	)
	<-blockerStarted

	done := make(chan struct{})
	q.Enqueue(
		ctx, "fast-channel", func(context.Context) error {
			close(done)
			return nil
		},
	)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fast channel blocked behind slow channel")
	}

	assert.Equal(t, 1, q.Pending("slow-channel"))
	close(release)
	waitForDrain(t, q, "slow-channel")
}

func TestChannelTaskQueueCleansUpIdleChannels(t *testing.T) {
	t.Parallel()
	q := NewChannelTaskQueue(testLogger(t))
	ctx := context.Background()

	for _, channelID := range []string{"a", "b", "c"} {
		channelID := channelID
		for i := 0; i < 3; i++ {
			q.Enqueue(
				ctx, channelID, func(context.Context) error {
					return nil
				},
			)
		}
	}
	for _, channelID := range []string{"a", "b", "c"} {
		waitForDrain(t, q, channelID)
	}

	// tail bookkeeping is removed before the drain signal fires
	assert.Equal(t, 0, q.ActiveChannels())
	assert.Equal(t, 0, q.Pending("a"))
}

func TestChannelTaskQueueWaitForDrainContext(t *testing.T) {
	t.Parallel()
	q := NewChannelTaskQueue(testLogger(t))

	release := make(chan struct{})
	q.Enqueue(
		context.Background(), testChannelID, func(context.Context) error {
			<-release
			return nil
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.WaitForDrain(ctx, testChannelID)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	waitForDrain(t, q, testChannelID)

	// no queue state, WaitForDrain returns immediately
	require.NoError(t, q.WaitForDrain(context.Background(), "unknown-channel"))
}
