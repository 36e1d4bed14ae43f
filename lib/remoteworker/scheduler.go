package remoteworker

import (
	"time"

	"github.com/gavv/monotime"
	"github.com/google/uuid"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/workerplacement/model"
	derror "github.com/hanfei1991/workerplacement/pkg/errors"
	"github.com/hanfei1991/workerplacement/pkg/future"
	"github.com/hanfei1991/workerplacement/pkg/permission"
	"github.com/hanfei1991/workerplacement/pkg/process"
)

// SelectionResult is a host chosen by SelectHost. KeepAlive is nil for
// the local host.
type SelectionResult struct {
	Host      *HostRegistry
	KeepAlive *process.KeepAlive
}

type placement struct {
	req        *model.PlacementRequest
	controller Controller
	originPID  model.ProcessID
	startedAt  time.Duration
	acquired   bool
}

type pendingPlacement struct {
	placement *placement
	keepAlive *process.KeepAlive
}

// Scheduler places workers on host processes. It keeps the registry of
// announced hosts and is confined to the coordination loop, so none of
// its methods may be called from anywhere else.
type Scheduler struct {
	provider    *Provider
	policy      IsolationPolicy
	coord       future.Executor
	main        future.Executor
	processes   process.Service
	permissions permission.Service
	randIntn    func(n int) int

	localHost *HostRegistry
	hosts     []*HostRegistry
	// pending holds placements whose process was acquired before it
	// announced itself, keyed by process id.
	pending  map[model.ProcessID][]*pendingPlacement
	inFlight int
	closed   bool
}

func newScheduler(p *Provider) *Scheduler {
	return &Scheduler{
		provider:    p,
		policy:      p.params.Policy,
		coord:       p.params.Coordination,
		main:        p.params.Main,
		processes:   p.params.Processes,
		permissions: p.params.Permissions,
		randIntn:    p.randIntn,
		pending:     make(map[model.ProcessID][]*pendingPlacement),
	}
}

// RegisterHost adds host to the registry and completes the placements
// that were waiting for its process.
func (s *Scheduler) RegisterHost(host *HostRegistry) {
	if host.IsLocal() {
		if s.localHost != nil {
			log.L().Panic("local host registered twice")
		}
		s.localHost = host
		log.L().Info("local host registered", zap.String("remote-type", host.RemoteType()))
		return
	}

	pid := host.ProcessID()
	for _, h := range s.hosts {
		if h.ProcessID() == pid {
			log.L().Panic("host registered twice", zap.Int64("pid", int64(pid)))
		}
	}
	s.hosts = append(s.hosts, host)
	registeredHostsGauge.Set(float64(len(s.hosts)))
	log.L().Info("host registered",
		zap.Int64("pid", int64(pid)),
		zap.String("remote-type", host.RemoteType()))

	waiting := s.pending[pid]
	delete(s.pending, pid)
	for _, w := range waiting {
		if !MatchRemoteType(host.RemoteType(), w.placement.req.RemoteType) {
			w.keepAlive.Release()
			s.fail(w.placement, derror.ErrPlacementNotAllowed.GenWithStackByArgs(
				w.placement.req.WorkerID, host.RemoteType()))
			continue
		}
		s.bindAndStart(host, w.keepAlive, w.placement)
	}
}

// UnregisterHost removes host from the registry.
func (s *Scheduler) UnregisterHost(host *HostRegistry) {
	if host.IsLocal() {
		if s.localHost == host {
			s.localHost = nil
			log.L().Info("local host unregistered")
		}
	} else {
		for i, h := range s.hosts {
			if h == host {
				s.hosts = append(s.hosts[:i], s.hosts[i+1:]...)
				break
			}
		}
		registeredHostsGauge.Set(float64(len(s.hosts)))
		log.L().Info("host unregistered", zap.Int64("pid", int64(host.ProcessID())))
	}
	s.checkIdle()
}

// HostCount returns the number of registered hosts, the local one included.
func (s *Scheduler) HostCount() int {
	if s.localHost != nil {
		return len(s.hosts) + 1
	}
	return len(s.hosts)
}

// LocalHost returns the local host, nil before it has announced itself.
func (s *Scheduler) LocalHost() *HostRegistry {
	return s.localHost
}

// Hosts returns the registered non-local hosts in registration order.
func (s *Scheduler) Hosts() []*HostRegistry {
	return append([]*HostRegistry(nil), s.hosts...)
}

// InFlight returns the number of placements not yet bound or failed.
func (s *Scheduler) InFlight() int {
	return s.inFlight
}

// ResolveRemoteType computes the remote type of a worker with the
// scheduler's isolation policy.
func (s *Scheduler) ResolveRemoteType(principal model.PrincipalInfo, kind model.WorkerKind) (string, error) {
	return ResolveRemoteType(s.policy, principal, kind)
}

// IsPlacementAllowed checks req against the scheduler's isolation policy.
func (s *Scheduler) IsPlacementAllowed(req *model.PlacementRequest) bool {
	return IsPlacementAllowed(s.policy, req)
}

func (s *Scheduler) requiresLocalHost(req *model.PlacementRequest) bool {
	if req.PrincipalInfo.IsSystem() || !s.policy.MultiprocessEnabled() {
		return true
	}
	return req.WorkerKind == model.WorkerKindShared &&
		req.RemoteType == model.NotRemoteType &&
		s.policy.AllowLocalExtensionWorkers(req.PrincipalInfo)
}

// SelectHost picks a registered host able to run req. Non-local hosts
// are scanned once, starting at a random index, or at originPID for
// workers other than service workers, and the first matching host whose
// keep-alive can be acquired wins.
func (s *Scheduler) SelectHost(req *model.PlacementRequest, originPID model.ProcessID) (*SelectionResult, bool) {
	if s.requiresLocalHost(req) {
		if s.localHost == nil {
			return nil, false
		}
		return &SelectionResult{Host: s.localHost}, true
	}

	n := len(s.hosts)
	if n == 0 {
		return nil, false
	}
	start := s.randIntn(n)
	if !req.IsServiceWorker() && originPID != model.NoProcessID {
		for i, h := range s.hosts {
			if h.ProcessID() == originPID {
				start = i
				break
			}
		}
	}

	for i := 0; i < n; i++ {
		host := s.hosts[(start+i)%n]
		if !MatchRemoteType(host.RemoteType(), req.RemoteType) {
			continue
		}
		keepAlive, ok := host.Process().TryAcquireKeepAlive()
		if !ok {
			keepAliveRejectedCounter.Inc()
			log.L().Debug("host is shutting down, skipped",
				zap.Int64("pid", int64(host.ProcessID())))
			continue
		}
		return &SelectionResult{Host: host, KeepAlive: keepAlive}, true
	}
	return nil, false
}

// Launch places the worker described by req and reports the outcome to
// controller. Failures are always reported asynchronously.
func (s *Scheduler) Launch(req *model.PlacementRequest, controller Controller, originPID model.ProcessID) {
	p := &placement{
		req:        req,
		controller: controller,
		originPID:  originPID,
		startedAt:  monotime.Now(),
	}
	s.inFlight++

	if s.closed {
		s.asyncFail(p, derror.ErrSchedulerClosed.GenWithStackByArgs())
		return
	}

	if result, ok := s.SelectHost(req, originPID); ok {
		s.bindAndStart(result.Host, result.KeepAlive, p)
		return
	}
	if s.requiresLocalHost(req) {
		s.asyncFail(p, derror.ErrHostNotFound.GenWithStackByArgs(model.NotRemoteType))
		return
	}
	s.launchNewProcess(p)
}

func (s *Scheduler) launchNewProcess(p *placement) {
	remoteType := p.req.RemoteType
	log.L().Info("no host available, acquiring process",
		zap.String("worker-id", p.req.WorkerID),
		zap.String("remote-type", remoteType))

	err := s.main.Dispatch(func() {
		s.processes.GetOrSpawnProcess(remoteType, true).Then(s.coord, func(handle process.Handle, err error) {
			s.onProcessAcquired(p, handle, err)
		})
	})
	if err != nil {
		s.asyncFail(p, derror.Wrap(derror.ErrProcessAcquisitionFailed, err, remoteType))
	}
}

func (s *Scheduler) onProcessAcquired(p *placement, handle process.Handle, err error) {
	remoteType := p.req.RemoteType
	if err != nil {
		s.fail(p, derror.Wrap(derror.ErrProcessAcquisitionFailed, err, remoteType))
		return
	}
	if s.closed {
		s.fail(p, derror.ErrSchedulerClosed.GenWithStackByArgs())
		return
	}

	p.acquired = true
	keepAlive, ok := handle.TryAcquireKeepAlive()
	if !ok {
		s.fail(p, derror.ErrProcessAcquisitionFailed.GenWithStackByArgs(remoteType))
		return
	}

	pid := handle.ID()
	for _, host := range s.hosts {
		if host.ProcessID() != pid {
			continue
		}
		if !MatchRemoteType(host.RemoteType(), p.req.RemoteType) {
			keepAlive.Release()
			s.fail(p, derror.ErrPlacementNotAllowed.GenWithStackByArgs(p.req.WorkerID, host.RemoteType()))
			return
		}
		s.bindAndStart(host, keepAlive, p)
		return
	}
	log.L().Info("process not announced yet, placement pending",
		zap.String("worker-id", p.req.WorkerID),
		zap.Int64("pid", int64(pid)))
	s.pending[pid] = append(s.pending[pid], &pendingPlacement{
		placement: p,
		keepAlive: keepAlive,
	})
}

// bindAndStart sends the worker to host. The keep-alive is handed over
// to the new worker channel.
func (s *Scheduler) bindAndStart(host *HostRegistry, keepAlive *process.KeepAlive, p *placement) {
	if !host.IsLocal() {
		proc, principal := host.Process(), p.req.PrincipalInfo
		err := s.main.Dispatch(func() {
			s.permissions.Transmit(proc, principal)
		})
		if err != nil {
			log.L().Warn("failed to transmit permissions",
				zap.Int64("pid", int64(host.ProcessID())),
				zap.Error(err))
		}
	}

	ch := newWorkerHostChannel(uuid.New().String(), host, keepAlive, p.controller, p.req)
	if err := host.constructWorker(ch); err != nil {
		log.L().Warn("failed to send worker constructor",
			zap.String("worker-id", p.req.WorkerID),
			zap.Int64("pid", int64(host.ProcessID())),
			zap.Error(err))
		ch.abandon()
		s.asyncFail(p, derror.ErrConstructorSendFailed.GenWithStackByArgs(int64(host.ProcessID())))
		return
	}

	p.controller.SetWorkerChannel(ch)
	result := placementRemote
	switch {
	case host.IsLocal():
		result = placementLocal
	case p.acquired:
		result = placementAcquired
	}
	s.endPlacement(p, result)
	log.L().Info("worker placed",
		zap.String("worker-id", p.req.WorkerID),
		zap.String("channel-id", ch.ID()),
		zap.Int64("pid", int64(host.ProcessID())),
		zap.String("remote-type", host.RemoteType()))
}

// asyncFail reports err to the controller from a later task of the
// coordination loop, so that it never re-enters the caller.
func (s *Scheduler) asyncFail(p *placement, err error) {
	dispatchErr := s.coord.Dispatch(func() {
		s.fail(p, err)
	})
	if dispatchErr != nil {
		log.L().Warn("placement failure dropped",
			zap.String("worker-id", p.req.WorkerID),
			zap.Error(err))
		s.endPlacement(p, placementFailed)
	}
}

func (s *Scheduler) fail(p *placement, err error) {
	log.L().Warn("placement failed",
		zap.String("worker-id", p.req.WorkerID),
		zap.String("remote-type", p.req.RemoteType),
		zap.Error(err))
	s.endPlacement(p, placementFailed)
	p.controller.PlacementFailed(err)
}

func (s *Scheduler) endPlacement(p *placement, result string) {
	s.inFlight--
	placementCounter.WithLabelValues(result).Inc()
	placementDuration.Observe(monotime.Since(p.startedAt).Seconds())
	s.checkIdle()
}

func (s *Scheduler) checkIdle() {
	if s.closed || s.localHost != nil || len(s.hosts) > 0 || s.inFlight > 0 {
		return
	}
	s.provider.dropIdle(s)
}

// failPending fails the placements waiting for pid to announce itself.
func (s *Scheduler) failPending(pid model.ProcessID, err error) {
	waiting := s.pending[pid]
	delete(s.pending, pid)
	for _, w := range waiting {
		w.keepAlive.Release()
		s.asyncFail(w.placement, err)
	}
}

// Close fails every pending placement. Hosts stay registered until
// their channels tear down.
func (s *Scheduler) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for pid := range s.pending {
		s.failPending(pid, derror.ErrSchedulerClosed.GenWithStackByArgs())
	}
	log.L().Info("scheduler closed")
}
