package rolebot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lmittmann/tint"
)

// ChannelTask is one unit of work scheduled on a channel's queue. A
// returned error is logged and swallowed at the queue boundary; it never
// prevents subsequent tasks from running.
type ChannelTask func(ctx context.Context) error

// ChannelTaskQueue serializes all mutating operations on a channel into a
// single ordered pipeline, while channels with different IDs proceed
// fully in parallel.
//
// Enqueue is fire-and-forget: the caller never blocks on the task.
// Within one channel, tasks run strictly in enqueue order, at most one in
// flight; a task's failure (error or panic) does not stop the tasks
// queued behind it.
//
// The per-channel tail bookkeeping is removed as soon as a channel's
// queue empties, so idle channels hold no queue state.
type ChannelTaskQueue struct {
	mu     sync.Mutex
	tails  map[string]*channelQueueTail
	logger *slog.Logger
}

// channelQueueTail tracks the most recently enqueued task for a channel.
// done is closed when that task (and, transitively, everything enqueued
// before it) has settled. pending counts tasks enqueued but not settled.
type channelQueueTail struct {
	done    chan struct{}
	pending int
}

func NewChannelTaskQueue(logger *slog.Logger) *ChannelTaskQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelTaskQueue{
		tails:  map[string]*channelQueueTail{},
		logger: logger.With(loggerNameKey, "channel_queue"),
	}
}

// Enqueue schedules task to run after every task previously enqueued for
// channelID has completed (successfully or not). It returns immediately.
func (q *ChannelTaskQueue) Enqueue(
	ctx context.Context,
	channelID string,
	task ChannelTask,
) {
	q.mu.Lock()

	var prev chan struct{}
	tail, ok := q.tails[channelID]
	if ok {
		prev = tail.done
		tail.pending++
	} else {
		tail = &channelQueueTail{pending: 1}
		q.tails[channelID] = tail
	}
	done := make(chan struct{})
	tail.done = done

	q.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		q.runTask(ctx, channelID, task)

		q.mu.Lock()
		defer q.mu.Unlock()
		tail.pending--
		if tail.pending == 0 && q.tails[channelID] == tail {
			delete(q.tails, channelID)
		}
	}()
}

// runTask executes the task, recovering panics and logging failures.
// Errors stop here: one channel's failing task must never surface to
// another channel's queue or to the process.
func (q *ChannelTaskQueue) runTask(
	ctx context.Context,
	channelID string,
	task ChannelTask,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = q.logger
	}
	logger = logger.With("channel_id", channelID)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(
				ctx,
				"panic in channel task",
				tint.Err(fmt.Errorf("%v", r)),
			)
		}
	}()

	if err := task(WithLogger(ctx, logger)); err != nil {
		logger.ErrorContext(ctx, "channel task failed", tint.Err(err))
	}
}

// WaitForDrain blocks until every task enqueued for channelID up to the
// moment of the call has settled, or until ctx is done. Task failures are
// invisible here: the only possible error is the context's.
func (q *ChannelTaskQueue) WaitForDrain(
	ctx context.Context,
	channelID string,
) error {
	q.mu.Lock()
	tail, ok := q.tails[channelID]
	var done chan struct{}
	if ok {
		done = tail.done
	}
	q.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports the number of tasks enqueued but not yet settled for
// the given channel.
func (q *ChannelTaskQueue) Pending(channelID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if tail, ok := q.tails[channelID]; ok {
		return tail.pending
	}
	return 0
}

// ActiveChannels reports how many channels currently have queue state.
// Zero means every queue has emptied and been cleaned up.
func (q *ChannelTaskQueue) ActiveChannels() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}
