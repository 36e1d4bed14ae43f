package servermaster

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hanfei1991/workerplacement/executor"
	"github.com/hanfei1991/workerplacement/lib/config"
	"github.com/hanfei1991/workerplacement/lib/remoteworker"
	"github.com/hanfei1991/workerplacement/model"
	"github.com/hanfei1991/workerplacement/pkg/deps"
	"github.com/hanfei1991/workerplacement/pkg/future"
	"github.com/hanfei1991/workerplacement/pkg/ipc"
	"github.com/hanfei1991/workerplacement/pkg/loop"
	"github.com/hanfei1991/workerplacement/pkg/permission"
	"github.com/hanfei1991/workerplacement/pkg/process"
	"github.com/hanfei1991/workerplacement/pkg/promutil"
)

const (
	metricsOwnerPool      = "process-pool"
	metricsOwnerScheduler = "scheduler"
)

// Server is the placement server. It owns the coordination and main
// loops, the in-memory process service and the scheduler provider, and
// runs the local host as well as one WorkerHost per spawned process.
type Server struct {
	cfg *config.Config

	coord    *loop.Loop
	main     *loop.Loop
	hostLoop *loop.Loop
	launcher *hostLauncher
	registry *promutil.Registry

	provider    *remoteworker.Provider
	policy      remoteworker.IsolationPolicy
	pool        *process.Pool
	permissions *permission.Store

	localHost      *executor.WorkerHost
	registrationID atomic.Int64

	startOnce sync.Once
	startErr  error
	closeOnce sync.Once
}

type serverParams struct {
	dig.In

	Provider    *remoteworker.Provider
	Policy      remoteworker.IsolationPolicy
	Pool        *process.Pool
	Permissions *permission.Store
}

// NewServer builds a Server from an adjusted config.
func NewServer(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		coord:    loop.New("coordination"),
		main:     loop.New("main"),
		hostLoop: loop.New("host"),
		registry: promutil.NewRegistry(),
	}
	s.launcher = newHostLauncher(s.coord, s.hostLoop)

	params, err := s.buildDeps()
	if err != nil {
		s.closeLoops()
		return nil, err
	}
	s.provider = params.Provider
	s.policy = params.Policy
	s.pool = params.Pool
	s.permissions = params.Permissions
	s.launcher.provider = s.provider
	s.launcher.policy = s.policy

	process.InitMetrics(s.registry.Registerer(metricsOwnerPool))
	remoteworker.InitMetrics(s.registry.Registerer(metricsOwnerScheduler))
	return s, nil
}

func (s *Server) buildDeps() (*serverParams, error) {
	d := deps.NewDeps()
	providers := []struct {
		constructor interface{}
		opts        []dig.ProvideOption
	}{
		{constructor: func() *config.Config { return s.cfg }},
		{constructor: func() *loop.Loop { return s.coord }, opts: []dig.ProvideOption{dig.Name("coordination")}},
		{constructor: func() *loop.Loop { return s.main }, opts: []dig.ProvideOption{dig.Name("main")}},
		{constructor: func(cfg *config.Config) remoteworker.IsolationPolicy {
			return remoteworker.NewConfigPolicy(cfg.ProcessModel)
		}},
		{constructor: permission.NewStore},
		{constructor: func(store *permission.Store) permission.Service { return store }},
		{constructor: func(cfg *config.Config) *process.Pool {
			return process.NewPool(process.PoolConfig{
				MaxProcesses: cfg.ProcessPool.MaxProcesses,
				SpawnRate:    cfg.ProcessPool.SpawnRate,
				SpawnBurst:   cfg.ProcessPool.SpawnBurst,
				IdleTimeout:  cfg.ProcessPool.IdleTimeout.Duration,
				KeepIdle:     cfg.ProcessPool.KeepIdle,
			}, s.launcher)
		}},
		{constructor: func(pool *process.Pool) process.Service { return pool }},
		{constructor: remoteworker.NewProvider},
	}
	for _, p := range providers {
		if err := d.Provide(p.constructor, p.opts...); err != nil {
			return nil, err
		}
	}

	var params serverParams
	if err := d.Fill(&params); err != nil {
		return nil, err
	}
	return &params, nil
}

// Start registers the local host and spawns the configured hosts.
func (s *Server) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.start(ctx)
	})
	return s.startErr
}

func (s *Server) start(ctx context.Context) error {
	coordPort, hostPort := ipc.NewPipe("local", s.coord, s.hostLoop)
	if err := s.coord.Sync(ctx, func() {
		remoteworker.NewLocalHostRegistry(s.provider, coordPort)
	}); err != nil {
		return err
	}
	s.localHost = executor.NewWorkerHost(model.NoProcessID, model.NotRemoteType, s.policy, hostPort)
	if err := s.localHost.Start(); err != nil {
		return err
	}

	for _, remoteType := range s.cfg.Hosts {
		remoteType := remoteType
		var spawned *future.Future[process.Handle]
		if err := s.main.Sync(ctx, func() {
			spawned = s.pool.GetOrSpawnProcess(remoteType, false)
		}); err != nil {
			return err
		}
		handle, err := spawned.Wait(ctx)
		if err != nil {
			return errors.Annotatef(err, "spawn host %q", remoteType)
		}
		log.L().Info("host spawned at start-up",
			zap.Int64("pid", int64(handle.ID())),
			zap.String("remote-type", remoteType))
	}
	log.L().Info("placement server started",
		zap.Int("hosts", len(s.cfg.Hosts)),
		zap.String("status-addr", s.cfg.StatusAddr))
	return nil
}

// Run starts the server and serves the status endpoint until ctx is
// canceled, then closes the server.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()
	if err := s.Start(ctx); err != nil {
		return err
	}

	wg, ctx := errgroup.WithContext(ctx)
	if s.cfg.StatusAddr != "" {
		srv := &http.Server{
			Addr:    s.cfg.StatusAddr,
			Handler: s.statusMux(),
		}
		wg.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Trace(err)
			}
			return nil
		})
		wg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.ShutdownGrace.Duration)
			defer cancel()
			return errors.Trace(srv.Shutdown(shutdownCtx))
		})
	}
	wg.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return wg.Wait()
}

// LaunchWorker places a new worker. The returned controller reports the
// outcome.
func (s *Server) LaunchWorker(spec WorkerSpec) (*WorkerController, error) {
	var swData *model.ServiceWorkerData
	if spec.Kind == model.WorkerKindService {
		swData = &model.ServiceWorkerData{
			Scope:          spec.Principal.Origin + "/",
			RegistrationID: s.registrationID.Add(1),
		}
	}
	req, err := remoteworker.NewPlacementRequest(s.policy, uuid.New().String(), spec.Principal, spec.Kind, swData)
	if err != nil {
		return nil, err
	}
	req.ScriptURL = spec.ScriptURL

	ctrl := newWorkerController(req.WorkerID, s.coord)
	err = s.coord.Dispatch(func() {
		scheduler, err := s.provider.GetOrCreate()
		if err != nil {
			ctrl.PlacementFailed(err)
			return
		}
		scheduler.Launch(req, ctrl, spec.OriginPID)
	})
	if err != nil {
		return nil, err
	}
	log.L().Info("worker launch requested",
		zap.String("worker-id", req.WorkerID),
		zap.String("remote-type", req.RemoteType),
		zap.Stringer("worker-kind", req.WorkerKind))
	return ctrl, nil
}

// Host returns the runtime of a spawned process. The local host has
// process id NoProcessID.
func (s *Server) Host(pid model.ProcessID) (*executor.WorkerHost, bool) {
	if pid == model.NoProcessID {
		return s.localHost, s.localHost != nil
	}
	return s.launcher.host(pid)
}

// Pool returns the process service of the server.
func (s *Server) Pool() *process.Pool {
	return s.pool
}

// Permissions returns the permission service of the server.
func (s *Server) Permissions() *permission.Store {
	return s.permissions
}

// Close fails pending placements, shuts every host down and stops the
// loops.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.ShutdownGrace.Duration)
		defer cancel()
		if err := s.coord.Sync(ctx, s.provider.Close); err != nil {
			log.L().Warn("failed to close scheduler", zap.Error(err))
		}
		s.pool.Close()
		if s.localHost != nil {
			s.localHost.Shutdown()
		}
		s.closeLoops()
		s.registry.Unregister(metricsOwnerPool)
		s.registry.Unregister(metricsOwnerScheduler)
		log.L().Info("placement server closed")
	})
}

func (s *Server) closeLoops() {
	s.coord.Close()
	s.main.Close()
	s.hostLoop.Close()
}
