package remoteworker

import (
	"fmt"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/workerplacement/model"
	derror "github.com/hanfei1991/workerplacement/pkg/errors"
	"github.com/hanfei1991/workerplacement/pkg/future"
	"github.com/hanfei1991/workerplacement/pkg/process"
)

// ChannelState is the state of a WorkerHostChannel.
type ChannelState int

const (
	StateAwaitingCreated = ChannelState(iota + 1)
	StateRunning
	StateClosed
	StateErrored
	StateDead
)

func (s ChannelState) String() string {
	switch s {
	case StateAwaitingCreated:
		return "AwaitingCreated"
	case StateRunning:
		return "Running"
	case StateClosed:
		return "Closed"
	case StateErrored:
		return "Errored"
	case StateDead:
		return "Dead"
	}
	return fmt.Sprintf("ChannelState(%d)", int(s))
}

// IsTerminal returns true for Closed, Errored and Dead.
func (s ChannelState) IsTerminal() bool {
	return s == StateClosed || s == StateErrored || s == StateDead
}

// WorkerHostChannel bridges one placed worker to its Controller. It owns
// the keep-alive of the host process until it is destroyed, and it never
// owns the Controller: once the reference is cleared every further host
// event is dropped. It lives on the coordination loop.
type WorkerHostChannel struct {
	id         string
	host       *HostRegistry
	req        *model.PlacementRequest
	keepAlive  *process.KeepAlive
	controller Controller

	state        ChannelState
	teardownSent bool
	destroyed    bool
}

func newWorkerHostChannel(
	id string,
	host *HostRegistry,
	keepAlive *process.KeepAlive,
	controller Controller,
	req *model.PlacementRequest,
) *WorkerHostChannel {
	return &WorkerHostChannel{
		id:         id,
		host:       host,
		req:        req,
		keepAlive:  keepAlive,
		controller: controller,
		state:      StateAwaitingCreated,
	}
}

// ID returns the channel id, which is unique per placement.
func (c *WorkerHostChannel) ID() string {
	return c.id
}

// Host returns the host the worker was sent to.
func (c *WorkerHostChannel) Host() *HostRegistry {
	return c.host
}

// Request returns the placement request of the worker.
func (c *WorkerHostChannel) Request() *model.PlacementRequest {
	return c.req
}

// State returns the current state.
func (c *WorkerHostChannel) State() ChannelState {
	return c.state
}

// TeardownSent returns true once the channel is torn down or about to be.
func (c *WorkerHostChannel) TeardownSent() bool {
	return c.teardownSent
}

// OnCreated handles the creation outcome reported by the host.
func (c *WorkerHostChannel) OnCreated(success bool) {
	if c.controller == nil {
		return
	}
	if c.state != StateAwaitingCreated {
		log.L().Warn("unexpected creation report",
			zap.String("channel-id", c.id),
			zap.Stringer("state", c.state))
		return
	}

	if success {
		c.state = StateRunning
		c.controller.CreationSucceeded()
		return
	}

	c.state = StateDead
	controller := c.controller
	c.controller = nil
	controller.PlacementFailed(derror.ErrCreationRejected.GenWithStackByArgs(c.req.WorkerID))
	c.EnsureTeardownSent()
}

// OnError forwards an error reported by the worker. A running worker
// moves to Errored.
func (c *WorkerHostChannel) OnError(value model.ErrorValue) {
	if c.controller == nil {
		return
	}
	if c.state == StateRunning {
		c.state = StateErrored
	}
	c.controller.ErrorPropagation(value)
}

// OnLockChanged forwards the lock state of the worker.
func (c *WorkerHostChannel) OnLockChanged(held bool) {
	if c.controller != nil {
		c.controller.NotifyLock(held)
	}
}

// OnWebTransportChanged forwards the WebTransport state of the worker.
func (c *WorkerHostChannel) OnWebTransportChanged(held bool) {
	if c.controller != nil {
		c.controller.NotifyWebTransport(held)
	}
}

// OnSetServiceWorkerSkipWaitingFlag asks the controller to set the skip
// waiting flag. It resolves to false when no controller is attached.
func (c *WorkerHostChannel) OnSetServiceWorkerSkipWaitingFlag() *future.Future[bool] {
	if c.controller == nil {
		return future.Resolved(false)
	}
	return c.controller.SetServiceWorkerSkipWaitingFlag()
}

// RequestClose handles the host's intent to stop the worker.
func (c *WorkerHostChannel) RequestClose() {
	if c.controller != nil {
		if !c.state.IsTerminal() {
			c.state = StateClosed
		}
		controller := c.controller
		c.controller = nil
		controller.WorkerTerminated()
	}
	c.EnsureTeardownSent()
}

// EnsureTeardownSent sends the delete message to the host at most once
// and destroys the channel.
func (c *WorkerHostChannel) EnsureTeardownSent() {
	if c.teardownSent {
		return
	}
	c.teardownSent = true
	if err := c.host.sendDeleteWorker(c); err != nil {
		log.L().Debug("delete message not sent",
			zap.String("channel-id", c.id), zap.Error(err))
	}
	c.OnDestroyed()
}

// OnDestroyed releases the keep-alive and tells a still attached
// controller that the host is gone. Only the first call has an effect.
func (c *WorkerHostChannel) OnDestroyed() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.teardownSent = true
	c.keepAlive.Release()
	c.keepAlive = nil
	c.host.forgetWorker(c)

	switch c.state {
	case StateAwaitingCreated:
		log.L().Warn("worker channel destroyed",
			zap.String("channel-id", c.id),
			zap.Error(derror.ErrHostDiedBeforeCreated.GenWithStackByArgs(c.req.WorkerID)))
		c.state = StateDead
	case StateRunning:
		c.state = StateDead
	}

	controller := c.controller
	c.controller = nil
	if controller != nil {
		controller.NoteHostDead()
	}
}

// DetachController clears the controller reference. A controller that
// shuts down before its worker calls it so that no further callbacks
// reach it.
func (c *WorkerHostChannel) DetachController() {
	c.controller = nil
}

// Terminate detaches the controller and tears the worker down.
func (c *WorkerHostChannel) Terminate() {
	c.DetachController()
	c.EnsureTeardownSent()
}

// abandon releases a channel whose constructor could not be sent.
func (c *WorkerHostChannel) abandon() {
	c.controller = nil
	c.state = StateDead
	c.teardownSent = true
	c.destroyed = true
	c.keepAlive.Release()
	c.keepAlive = nil
}
