// Package stopper implements the process-wide cancellation broadcast used by
// every long-lived task (registration server, per-Configuration operators,
// per-Instance device-plugin services, reconciler queues). SIGTERM triggers
// Stop(); every task selects on Done() alongside its own request-scoped
// context.
package stopper

import (
	"context"
	"sync"
	"sync/atomic"
)

// Stopper broadcasts a single, idempotent stop signal to any number of
// subscribers. The zero value is not usable; construct with New.
type Stopper struct {
	stopped atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// New returns a ready-to-use Stopper.
func New() *Stopper {
	return &Stopper{done: make(chan struct{})}
}

// Stop broadcasts the stop signal. Safe to call more than once and from
// multiple goroutines; only the first call has an effect.
func (s *Stopper) Stop() {
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.done)
	})
}

// IsStopped reports whether Stop has been called.
func (s *Stopper) IsStopped() bool {
	return s.stopped.Load()
}

// Done returns a channel that is closed once Stop has been called, suitable
// for use in a select alongside a context's Done() channel.
func (s *Stopper) Done() <-chan struct{} {
	return s.done
}

// Abortable runs task with a context that is cancelled the moment either ctx
// is cancelled or Stop is called, whichever happens first. It blocks until
// task returns.
func (s *Stopper) Abortable(ctx context.Context, task func(context.Context) error) error {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-taskCtx.Done():
		}
	}()

	return task(taskCtx)
}
