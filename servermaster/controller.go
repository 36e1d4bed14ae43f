package servermaster

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/workerplacement/lib/remoteworker"
	"github.com/hanfei1991/workerplacement/model"
	derror "github.com/hanfei1991/workerplacement/pkg/errors"
	"github.com/hanfei1991/workerplacement/pkg/future"
	"github.com/hanfei1991/workerplacement/pkg/loop"
)

// WorkerStatus is the lifecycle status of a launched worker as seen by
// its controller.
type WorkerStatus string

const (
	WorkerPending    = WorkerStatus("pending")
	WorkerRunning    = WorkerStatus("running")
	WorkerFailed     = WorkerStatus("failed")
	WorkerTerminated = WorkerStatus("terminated")
	WorkerHostDead   = WorkerStatus("host-dead")
)

// WorkerController is the controller the server attaches to every
// worker it launches. Its callbacks run on the coordination loop; the
// accessors may be called from anywhere.
type WorkerController struct {
	workerID model.WorkerID
	coord    *loop.Loop

	created  *future.Future[model.ProcessID]
	finished *future.Future[WorkerStatus]

	mu           sync.Mutex
	status       WorkerStatus
	pid          model.ProcessID
	err          error
	lastError    *model.ErrorValue
	lockHeld     bool
	webTransport bool
	skipWaiting  bool

	// channel is only touched on the coordination loop.
	channel *remoteworker.WorkerHostChannel
}

var _ remoteworker.Controller = (*WorkerController)(nil)

func newWorkerController(workerID model.WorkerID, coord *loop.Loop) *WorkerController {
	return &WorkerController{
		workerID: workerID,
		coord:    coord,
		created:  future.New[model.ProcessID](),
		finished: future.New[WorkerStatus](),
		status:   WorkerPending,
	}
}

// WorkerID returns the id of the worker.
func (c *WorkerController) WorkerID() model.WorkerID {
	return c.workerID
}

// Status returns the current status.
func (c *WorkerController) Status() WorkerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ProcessID returns the process the worker was sent to.
func (c *WorkerController) ProcessID() model.ProcessID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// Err returns the placement failure, if any.
func (c *WorkerController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// LastError returns the last error reported by the worker.
func (c *WorkerController) LastError() *model.ErrorValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// LockHeld returns whether the worker reported holding a lock.
func (c *WorkerController) LockHeld() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockHeld
}

// WebTransportHeld returns whether the worker reported a WebTransport session.
func (c *WorkerController) WebTransportHeld() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.webTransport
}

// SkipWaiting returns whether the host asked to skip waiting.
func (c *WorkerController) SkipWaiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipWaiting
}

// WaitCreated waits until the worker runs and returns its process.
func (c *WorkerController) WaitCreated(ctx context.Context) (model.ProcessID, error) {
	return c.created.Wait(ctx)
}

// Finished resolves with the terminal status of the worker.
func (c *WorkerController) Finished() *future.Future[WorkerStatus] {
	return c.finished
}

// Terminate stops the worker. No further callbacks reach the controller.
func (c *WorkerController) Terminate(ctx context.Context) error {
	return errors.Trace(c.coord.Sync(ctx, func() {
		if c.channel != nil {
			c.channel.Terminate()
			c.channel = nil
		}
		c.finish(WorkerTerminated, nil)
	}))
}

// SetWorkerChannel implements remoteworker.Controller.
func (c *WorkerController) SetWorkerChannel(ch *remoteworker.WorkerHostChannel) {
	c.channel = ch
	c.mu.Lock()
	c.pid = ch.Host().ProcessID()
	c.mu.Unlock()
}

// CreationSucceeded implements remoteworker.Controller.
func (c *WorkerController) CreationSucceeded() {
	c.mu.Lock()
	c.status = WorkerRunning
	pid := c.pid
	c.mu.Unlock()
	c.created.Resolve(pid)
	log.L().Info("worker running",
		zap.String("worker-id", c.workerID),
		zap.Int64("pid", int64(pid)))
}

// PlacementFailed implements remoteworker.Controller.
func (c *WorkerController) PlacementFailed(err error) {
	c.channel = nil
	c.finish(WorkerFailed, err)
}

// ErrorPropagation implements remoteworker.Controller.
func (c *WorkerController) ErrorPropagation(value model.ErrorValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = &value
}

// WorkerTerminated implements remoteworker.Controller.
func (c *WorkerController) WorkerTerminated() {
	c.channel = nil
	c.finish(WorkerTerminated, nil)
}

// NoteHostDead implements remoteworker.Controller.
func (c *WorkerController) NoteHostDead() {
	c.channel = nil
	c.finish(WorkerHostDead, nil)
}

// NotifyLock implements remoteworker.Controller.
func (c *WorkerController) NotifyLock(held bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockHeld = held
}

// NotifyWebTransport implements remoteworker.Controller.
func (c *WorkerController) NotifyWebTransport(held bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.webTransport = held
}

// SetServiceWorkerSkipWaitingFlag implements remoteworker.Controller.
func (c *WorkerController) SetServiceWorkerSkipWaitingFlag() *future.Future[bool] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipWaiting = true
	return future.Resolved(true)
}

func (c *WorkerController) finish(status WorkerStatus, err error) {
	c.mu.Lock()
	if c.status != WorkerPending && c.status != WorkerRunning {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.err = err
	c.mu.Unlock()

	switch {
	case err != nil:
	case status == WorkerHostDead:
		err = derror.ErrHostDiedBeforeCreated.GenWithStackByArgs(c.workerID)
	default:
		err = derror.ErrChannelClosed.GenWithStackByArgs(c.workerID)
	}
	// Only rejects a worker that never ran.
	c.created.Reject(err)
	c.finished.Resolve(status)
	log.L().Info("worker finished",
		zap.String("worker-id", c.workerID),
		zap.String("status", string(status)))
}
