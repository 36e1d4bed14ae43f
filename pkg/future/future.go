package future

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Executor runs tasks asynchronously, usually on a task loop.
type Executor interface {
	Dispatch(task func()) error
}

// Future is a one-shot result that is settled exactly once, either by
// Resolve or by Reject. Continuations registered with Then are always
// dispatched to an Executor and never run inline, so a caller settling
// a future cannot re-enter its own continuations.
type Future[T any] struct {
	mu      sync.Mutex
	settled bool
	value   T
	err     error
	thens   []func()

	doneCh chan struct{}
}

// New creates a pending Future.
func New[T any]() *Future[T] {
	return &Future[T]{
		doneCh: make(chan struct{}),
	}
}

// Resolved creates a Future already resolved with value.
func Resolved[T any](value T) *Future[T] {
	f := New[T]()
	f.Resolve(value)
	return f
}

// Rejected creates a Future already rejected with err.
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future with value. It returns false if the
// future has already been settled.
func (f *Future[T]) Resolve(value T) bool {
	return f.settle(value, nil)
}

// Reject settles the future with err. It returns false if the future
// has already been settled.
func (f *Future[T]) Reject(err error) bool {
	if err == nil {
		log.L().Panic("future rejected with nil error")
	}
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(value T, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value = value
	f.err = err
	thens := f.thens
	f.thens = nil
	close(f.doneCh)
	f.mu.Unlock()

	for _, then := range thens {
		then()
	}
	return true
}

// Then dispatches fn to exec once the future is settled.
func (f *Future[T]) Then(exec Executor, fn func(value T, err error)) {
	dispatch := func() {
		value, err := f.result()
		if dispatchErr := exec.Dispatch(func() { fn(value, err) }); dispatchErr != nil {
			log.L().Warn("continuation dropped", zap.Error(dispatchErr))
		}
	}

	f.mu.Lock()
	if !f.settled {
		f.thens = append(f.thens, dispatch)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	dispatch()
}

// Done returns a channel closed when the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.doneCh
}

// Wait blocks until the future is settled or ctx is done. It must not
// be called on a task loop that is expected to settle the future.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, errors.Trace(ctx.Err())
	case <-f.doneCh:
	}
	return f.result()
}

func (f *Future[T]) result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}
