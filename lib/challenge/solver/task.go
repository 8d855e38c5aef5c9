package solver

import (
	"context"
	"sync"
)

// progressBuffer is how many progress events a Task holds for a slow reader
// before it starts dropping them.
const progressBuffer = 16

// Task is a Search running on its own goroutine.
type Task struct {
	cancel   context.CancelFunc
	progress chan Progress
	done     chan struct{}

	once  sync.Once
	nonce uint64
	err   error
}

// Start begins searching in the background. Cancel the Task (or ctx) to stop
// it; to restart, Cancel and Start again with a new challenge.
func Start(ctx context.Context, in Input, opts ...Option) *Task {
	ctx, cancel := context.WithCancel(ctx)

	t := &Task{
		cancel:   cancel,
		progress: make(chan Progress, progressBuffer),
		done:     make(chan struct{}),
	}

	opts = append(opts, WithProgress(t.report))

	go func() {
		defer close(t.done)
		defer close(t.progress)
		defer cancel()

		t.nonce, t.err = Search(ctx, in, opts...)
	}()

	return t
}

// report never blocks the search. A consumer that falls behind misses
// events, not results.
func (t *Task) report(p Progress) {
	select {
	case t.progress <- p:
	default:
	}
}

// Progress returns the progress events channel. It is closed when the search
// ends.
func (t *Task) Progress() <-chan Progress {
	return t.progress
}

// Done is closed when the search ends for any reason.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel stops the search. It is safe to call more than once and after the
// search is over.
func (t *Task) Cancel() {
	t.once.Do(t.cancel)
}

// Result waits for the search to end and returns the nonce or the reason it
// stopped.
func (t *Task) Result() (uint64, error) {
	<-t.done
	return t.nonce, t.err
}
