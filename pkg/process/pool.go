package process

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hanfei1991/workerplacement/model"
	derror "github.com/hanfei1991/workerplacement/pkg/errors"
	"github.com/hanfei1991/workerplacement/pkg/future"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// MaxProcesses bounds the number of live processes. Zero means unbounded.
	MaxProcesses int
	// SpawnRate is the number of spawns allowed per second. Zero disables throttling.
	SpawnRate  float64
	SpawnBurst int
	// IdleTimeout is how long a process without keep-alives survives.
	// Zero disables reaping.
	IdleTimeout time.Duration
	// KeepIdle is the number of idle processes per remote type that are
	// never reaped.
	KeepIdle int
}

// Launcher starts and stops the runtime living in a process.
type Launcher interface {
	// Launch is called on the main loop right after a process is spawned.
	Launch(p *Process) error
	// Terminate is called once the process has begun shutting down.
	Terminate(p *Process)
}

// Pool is an in-memory Service. It reuses running processes when asked
// to, reaps idle ones, and bounds both the number of processes and the
// rate at which they are spawned.
type Pool struct {
	cfg      PoolConfig
	launcher Launcher
	clock    clock.Clock
	limiter  *rate.Limiter

	mu        sync.Mutex
	processes map[model.ProcessID]*Process
	lastID    model.ProcessID
	closed    bool
}

var _ Service = (*Pool)(nil)

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithClock replaces the clock used for idle timeouts and throttling.
func WithClock(c clock.Clock) PoolOption {
	return func(p *Pool) {
		p.clock = c
	}
}

// WithFirstProcessID makes spawned process ids start after id.
func WithFirstProcessID(id model.ProcessID) PoolOption {
	return func(p *Pool) {
		p.lastID = id
	}
}

// NewPool creates a Pool.
func NewPool(cfg PoolConfig, launcher Launcher, opts ...PoolOption) *Pool {
	p := &Pool{
		cfg:       cfg,
		launcher:  launcher,
		clock:     clock.New(),
		processes: make(map[model.ProcessID]*Process),
	}
	for _, opt := range opts {
		opt(p)
	}
	if cfg.SpawnRate > 0 {
		burst := cfg.SpawnBurst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.SpawnRate), burst)
	}
	return p
}

// GetOrSpawnProcess implements Service.
func (p *Pool) GetOrSpawnProcess(remoteType string, preferReused bool) *future.Future[Handle] {
	proc, reused, reclaimed, err := p.getOrSpawn(remoteType, preferReused)
	if reclaimed != nil {
		p.terminate(reclaimed, "reclaimed")
	}
	if err != nil {
		log.L().Warn("failed to get process",
			zap.String("remote-type", remoteType),
			zap.Error(err))
		return future.Rejected[Handle](err)
	}

	if reused {
		processReusedCounter.WithLabelValues(remoteType).Inc()
		return future.Resolved[Handle](proc)
	}

	if err := p.launcher.Launch(proc); err != nil {
		log.L().Warn("failed to launch process",
			zap.Int64("pid", int64(proc.id)),
			zap.String("remote-type", remoteType),
			zap.Error(err))
		p.mu.Lock()
		proc.forceShutdown()
		proc.exited = true
		delete(p.processes, proc.id)
		p.mu.Unlock()
		return future.Rejected[Handle](errors.Trace(err))
	}

	processSpawnedCounter.WithLabelValues(remoteType).Inc()
	log.L().Info("process spawned",
		zap.Int64("pid", int64(proc.id)),
		zap.String("remote-type", remoteType))
	return future.Resolved[Handle](proc)
}

func (p *Pool) getOrSpawn(
	remoteType string, preferReused bool,
) (proc *Process, reused bool, reclaimed *Process, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, nil, derror.ErrProcessServiceClosed.GenWithStackByArgs()
	}

	if preferReused {
		var best *Process
		for _, candidate := range p.processes {
			if candidate.remoteType != remoteType || candidate.IsShuttingDown() {
				continue
			}
			if best == nil ||
				candidate.KeepAliveCount() < best.KeepAliveCount() ||
				(candidate.KeepAliveCount() == best.KeepAliveCount() && candidate.id < best.id) {
				best = candidate
			}
		}
		if best != nil {
			return best, true, nil, nil
		}
	}

	if p.cfg.MaxProcesses > 0 && len(p.processes) >= p.cfg.MaxProcesses {
		reclaimed = p.reclaimIdleLocked()
		if reclaimed == nil {
			return nil, false, nil, derror.ErrProcessLimitReached.GenWithStackByArgs(p.cfg.MaxProcesses)
		}
	}

	if p.limiter != nil && !p.limiter.AllowN(p.clock.Now(), 1) {
		return nil, false, reclaimed, derror.ErrProcessSpawnThrottled.GenWithStackByArgs(remoteType)
	}

	p.lastID++
	proc = newProcess(p.lastID, remoteType, p)
	p.processes[proc.id] = proc
	return proc, false, reclaimed, nil
}

// reclaimIdleLocked shuts down the oldest idle process to make room.
func (p *Pool) reclaimIdleLocked() *Process {
	for _, candidate := range p.sortedLocked() {
		if candidate.tryBeginShutdown() {
			p.removeLocked(candidate)
			return candidate
		}
	}
	return nil
}

func (p *Pool) onProcessIdle(proc *Process) {
	if p.cfg.IdleTimeout <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || proc.exited {
		return
	}
	if proc.idleTimer != nil {
		proc.idleTimer.Stop()
	}
	proc.idleTimer = p.clock.AfterFunc(p.cfg.IdleTimeout, func() {
		p.reapIfIdle(proc)
	})
}

func (p *Pool) reapIfIdle(proc *Process) {
	p.mu.Lock()
	if p.closed || proc.exited || !proc.isIdle() {
		p.mu.Unlock()
		return
	}

	idle := 0
	for _, candidate := range p.processes {
		if candidate.remoteType == proc.remoteType && candidate.isIdle() {
			idle++
		}
	}
	if idle <= p.cfg.KeepIdle || !proc.tryBeginShutdown() {
		p.mu.Unlock()
		return
	}
	p.removeLocked(proc)
	p.mu.Unlock()

	p.terminate(proc, "idle")
}

// Kill shuts a process down regardless of the keep-alives held on it,
// the way a crash would.
func (p *Pool) Kill(id model.ProcessID) bool {
	p.mu.Lock()
	proc, ok := p.processes[id]
	if !ok || !proc.forceShutdown() {
		p.mu.Unlock()
		return false
	}
	p.removeLocked(proc)
	p.mu.Unlock()

	p.terminate(proc, "killed")
	return true
}

// Lookup returns a live process by id.
func (p *Pool) Lookup(id model.ProcessID) (*Process, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	proc, ok := p.processes[id]
	return proc, ok
}

// Processes returns the live processes ordered by id.
func (p *Pool) Processes() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.sortedLocked()
}

// Close shuts every process down. The pool refuses requests afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	procs := p.sortedLocked()
	for _, proc := range procs {
		proc.forceShutdown()
		p.removeLocked(proc)
	}
	p.mu.Unlock()

	for _, proc := range procs {
		p.terminate(proc, "closed")
	}
}

func (p *Pool) removeLocked(proc *Process) {
	proc.exited = true
	if proc.idleTimer != nil {
		proc.idleTimer.Stop()
		proc.idleTimer = nil
	}
	delete(p.processes, proc.id)
}

func (p *Pool) sortedLocked() []*Process {
	ret := make([]*Process, 0, len(p.processes))
	for _, proc := range p.processes {
		ret = append(ret, proc)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].id < ret[j].id
	})
	return ret
}

func (p *Pool) terminate(proc *Process, reason string) {
	processExitedCounter.WithLabelValues(reason).Inc()
	log.L().Info("process shutting down",
		zap.Int64("pid", int64(proc.id)),
		zap.String("remote-type", proc.remoteType),
		zap.String("reason", reason))
	p.launcher.Terminate(proc)
}
