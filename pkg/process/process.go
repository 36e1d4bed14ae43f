package process

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/hanfei1991/workerplacement/model"
	"github.com/hanfei1991/workerplacement/pkg/future"
)

// Handle represents one OS process able to host workers.
type Handle interface {
	ID() model.ProcessID
	// RemoteType returns the isolation bucket the process was launched for.
	RemoteType() string
	// TryAcquireKeepAlive atomically checks that the process is not shutting
	// down and takes a keep-alive on it. It fails once shutdown has begun.
	TryAcquireKeepAlive() (*KeepAlive, bool)
}

// Service hands out processes for a remote type. It must only be used
// from the main loop.
type Service interface {
	// GetOrSpawnProcess resolves with a live process of remoteType. When
	// preferReused is set, an already running process of the same remote
	// type is returned instead of spawning a new one.
	GetOrSpawnProcess(remoteType string, preferReused bool) *future.Future[Handle]
}

// shutdownBit marks a process whose shutdown has begun. The remaining
// bits of the state word count the keep-alives held on the process, so a
// single compare-and-swap both checks for shutdown and takes a keep-alive.
const shutdownBit = int64(1) << 62

// Process is an in-memory process handle managed by a Pool.
type Process struct {
	id         model.ProcessID
	remoteType string
	pool       *Pool

	state atomic.Int64

	// guarded by pool.mu
	idleTimer *clock.Timer
	exited    bool
}

var _ Handle = (*Process)(nil)

func newProcess(id model.ProcessID, remoteType string, pool *Pool) *Process {
	return &Process{
		id:         id,
		remoteType: remoteType,
		pool:       pool,
	}
}

// ID implements Handle.
func (p *Process) ID() model.ProcessID {
	return p.id
}

// RemoteType implements Handle.
func (p *Process) RemoteType() string {
	return p.remoteType
}

// TryAcquireKeepAlive implements Handle.
func (p *Process) TryAcquireKeepAlive() (*KeepAlive, bool) {
	for {
		old := p.state.Load()
		if old&shutdownBit != 0 {
			return nil, false
		}
		if p.state.CAS(old, old+1) {
			return NewKeepAlive(p.id, p.releaseKeepAlive), true
		}
	}
}

func (p *Process) releaseKeepAlive() {
	// A process that is shutting down never reads as idle.
	if p.state.Dec() == 0 && p.pool != nil {
		p.pool.onProcessIdle(p)
	}
}

// KeepAliveCount returns the number of keep-alives currently held.
func (p *Process) KeepAliveCount() int64 {
	return p.state.Load() &^ shutdownBit
}

// IsShuttingDown returns true once shutdown has begun.
func (p *Process) IsShuttingDown() bool {
	return p.state.Load()&shutdownBit != 0
}

func (p *Process) isIdle() bool {
	return p.state.Load() == 0
}

// tryBeginShutdown starts a graceful shutdown. It fails if any keep-alive
// is held or if shutdown has already begun.
func (p *Process) tryBeginShutdown() bool {
	return p.state.CAS(0, shutdownBit)
}

// forceShutdown starts shutdown regardless of outstanding keep-alives,
// as a crash would. It returns false if shutdown had already begun.
func (p *Process) forceShutdown() bool {
	for {
		old := p.state.Load()
		if old&shutdownBit != 0 {
			return false
		}
		if p.state.CAS(old, old|shutdownBit) {
			return true
		}
	}
}

func (p *Process) String() string {
	return fmt.Sprintf("process(%d, %q)", p.id, p.remoteType)
}
