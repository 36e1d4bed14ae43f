package loop

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/hanfei1991/workerplacement/pkg/containers"
	derror "github.com/hanfei1991/workerplacement/pkg/errors"
)

// Loop is a single goroutine executing posted tasks one at a time, in
// the order they were posted. State confined to a Loop needs no locking
// as long as it is only touched from tasks running on that Loop.
type Loop struct {
	name  string
	queue *containers.DequeQueue[func()]

	closed atomic.Bool

	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// New creates a Loop and starts its goroutine.
func New(name string) *Loop {
	l := &Loop{
		name:    name,
		queue:   containers.NewDequeQueue[func()](),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go l.run()
	return l
}

// Name returns the name of the loop.
func (l *Loop) Name() string {
	return l.name
}

// Dispatch posts task to the loop. It never runs task inline.
func (l *Loop) Dispatch(task func()) error {
	if l.closed.Load() {
		return derror.ErrLoopClosed.GenWithStackByArgs(l.name)
	}
	l.queue.Add(task)
	return nil
}

// Sync runs fn on the loop and waits for it to return. It must not be
// called from a task running on the same loop.
func (l *Loop) Sync(ctx context.Context, fn func()) error {
	doneCh := make(chan struct{})
	err := l.Dispatch(func() {
		defer close(doneCh)
		fn()
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-doneCh:
	}
	return nil
}

// Flush waits until every task posted before the call has run.
func (l *Loop) Flush(ctx context.Context) error {
	return l.Sync(ctx, func() {})
}

// Close stops accepting tasks, runs the ones already queued and waits
// for the loop goroutine to exit. It must not be called from the loop.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.closeCh)
	})
	<-l.doneCh
}

func (l *Loop) run() {
	defer close(l.doneCh)

	for {
		select {
		case <-l.closeCh:
			l.drain()
			log.L().Debug("loop exited", zap.String("loop", l.name))
			return
		case <-l.queue.C:
			l.drain()
		}
	}
}

func (l *Loop) drain() {
	for {
		task, ok := l.queue.Pop()
		if !ok {
			return
		}
		task()
	}
}
