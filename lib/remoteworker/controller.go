package remoteworker

import (
	"github.com/hanfei1991/workerplacement/model"
	"github.com/hanfei1991/workerplacement/pkg/future"
)

// Controller owns the semantic lifecycle of one worker. The scheduler and
// the worker channel report placement outcomes and host events to it.
// Every method is called on the coordination loop. A controller that is
// no longer interested in a worker simply ignores further calls.
type Controller interface {
	// SetWorkerChannel hands the controller its live channel once the
	// worker has been sent to a host.
	SetWorkerChannel(ch *WorkerHostChannel)
	// CreationSucceeded is called when the host has created the worker.
	CreationSucceeded()
	// PlacementFailed is the terminal callback of a placement that never
	// produced a running worker.
	PlacementFailed(err error)
	// ErrorPropagation forwards an error reported by the worker.
	ErrorPropagation(value model.ErrorValue)
	// WorkerTerminated is called when the host closed the worker.
	WorkerTerminated()
	// NoteHostDead is called when the host channel went away while the
	// controller was still attached.
	NoteHostDead()
	// NotifyLock reports whether the worker holds a lock.
	NotifyLock(held bool)
	// NotifyWebTransport reports whether the worker has a WebTransport
	// session open.
	NotifyWebTransport(held bool)
	// SetServiceWorkerSkipWaitingFlag handles the host's skip-waiting request.
	SetServiceWorkerSkipWaitingFlag() *future.Future[bool]
}
