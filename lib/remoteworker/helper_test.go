package remoteworker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/hanfei1991/workerplacement/lib/config"
	"github.com/hanfei1991/workerplacement/model"
	"github.com/hanfei1991/workerplacement/pkg/future"
	"github.com/hanfei1991/workerplacement/pkg/ipc"
	"github.com/hanfei1991/workerplacement/pkg/loop"
	"github.com/hanfei1991/workerplacement/pkg/permission"
	"github.com/hanfei1991/workerplacement/pkg/process"
)

type recordingController struct {
	mu          sync.Mutex
	events      []string
	channel     *WorkerHostChannel
	err         error
	skipWaiting bool
}

var _ Controller = (*recordingController)(nil)

func (c *recordingController) record(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *recordingController) SetWorkerChannel(ch *WorkerHostChannel) {
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
	c.record("channel")
}

func (c *recordingController) CreationSucceeded() {
	c.record("created")
}

func (c *recordingController) PlacementFailed(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.record("failed")
}

func (c *recordingController) ErrorPropagation(value model.ErrorValue) {
	c.record("error:" + value.Message)
}

func (c *recordingController) WorkerTerminated() {
	c.record("terminated")
}

func (c *recordingController) NoteHostDead() {
	c.record("host-dead")
}

func (c *recordingController) NotifyLock(held bool) {
	c.record(fmt.Sprintf("lock:%t", held))
}

func (c *recordingController) NotifyWebTransport(held bool) {
	c.record(fmt.Sprintf("webtransport:%t", held))
}

func (c *recordingController) SetServiceWorkerSkipWaitingFlag() *future.Future[bool] {
	c.record("skip-waiting")
	c.mu.Lock()
	defer c.mu.Unlock()
	return future.Resolved(c.skipWaiting)
}

func (c *recordingController) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *recordingController) Count(event string) int {
	n := 0
	for _, e := range c.Events() {
		if e == event {
			n++
		}
	}
	return n
}

func (c *recordingController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *recordingController) Channel() *WorkerHostChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

type fakeHandle struct {
	id           model.ProcessID
	remoteType   string
	shuttingDown atomic.Bool
	acquireCalls atomic.Int64
	live         atomic.Int64
}

func (h *fakeHandle) ID() model.ProcessID {
	return h.id
}

func (h *fakeHandle) RemoteType() string {
	return h.remoteType
}

func (h *fakeHandle) TryAcquireKeepAlive() (*process.KeepAlive, bool) {
	h.acquireCalls.Inc()
	if h.shuttingDown.Load() {
		return nil, false
	}
	h.live.Inc()
	return process.NewKeepAlive(h.id, func() { h.live.Dec() }), true
}

type mockProcesses struct {
	mock.Mock
}

func (m *mockProcesses) GetOrSpawnProcess(remoteType string, preferReused bool) *future.Future[process.Handle] {
	args := m.Called(remoteType, preferReused)
	return args.Get(0).(*future.Future[process.Handle])
}

// fakeHost plays the host side of an announcement channel.
type fakeHost struct {
	port       *ipc.Port
	autoCreate atomic.Bool
	closed     atomic.Bool

	mu       sync.Mutex
	received []*ipc.Message
}

func newFakeHost(port *ipc.Port) *fakeHost {
	h := &fakeHost{port: port}
	h.autoCreate.Store(true)
	port.SetHandler(h)
	return h
}

func (h *fakeHost) Receive(msg *ipc.Message, respond func(*ipc.Message)) {
	h.mu.Lock()
	h.received = append(h.received, msg)
	h.mu.Unlock()

	if msg.Type == ipc.MsgConstructWorker && h.autoCreate.Load() {
		_ = h.port.Send(&ipc.Message{Type: ipc.MsgCreated, ChannelID: msg.ChannelID, Flag: true})
	}
}

func (h *fakeHost) ChannelClosed() {
	h.closed.Store(true)
}

func (h *fakeHost) count(tp ipc.MessageType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, msg := range h.received {
		if msg.Type == tp {
			n++
		}
	}
	return n
}

func (h *fakeHost) constructed() []*ipc.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var msgs []*ipc.Message
	for _, msg := range h.received {
		if msg.Type == ipc.MsgConstructWorker {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (h *fakeHost) send(t *testing.T, msg *ipc.Message) {
	require.NoError(t, h.port.Send(msg))
}

type testEnv struct {
	t           *testing.T
	coord       *loop.Loop
	main        *loop.Loop
	hostLoop    *loop.Loop
	policy      *ConfigPolicy
	processes   *mockProcesses
	permissions *permission.Store
	provider    *Provider
}

func defaultProcessModel() config.ProcessModelConfig {
	return config.ProcessModelConfig{
		Multiprocess:     true,
		SiteIsolation:    true,
		RemoteExtensions: true,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithConfig(t, defaultProcessModel())
}

func newTestEnvWithConfig(t *testing.T, cfg config.ProcessModelConfig) *testEnv {
	e := &testEnv{
		t:           t,
		coord:       loop.New("coordination"),
		main:        loop.New("main"),
		hostLoop:    loop.New("host"),
		policy:      NewConfigPolicy(cfg),
		processes:   &mockProcesses{},
		permissions: permission.NewStore(),
	}
	e.provider = NewProvider(ProviderParams{
		Coordination: e.coord,
		Main:         e.main,
		Policy:       e.policy,
		Processes:    e.processes,
		Permissions:  e.permissions,
	})
	e.provider.randIntn = func(int) int { return 0 }
	t.Cleanup(func() {
		e.hostLoop.Close()
		e.main.Close()
		e.coord.Close()
	})
	return e
}

// sync runs fn on the coordination loop.
func (e *testEnv) sync(fn func()) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(e.t, e.coord.Sync(ctx, fn))
}

// settle lets the message chains between the loops run to completion.
func (e *testEnv) settle() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		for _, l := range []*loop.Loop{e.coord, e.main, e.hostLoop} {
			require.NoError(e.t, l.Flush(ctx))
		}
	}
}

func (e *testEnv) scheduler() *Scheduler {
	var s *Scheduler
	e.sync(func() {
		s = e.provider.Current()
	})
	return s
}

// connect creates the registry of handle without announcing it.
func (e *testEnv) connect(handle *fakeHandle) (*HostRegistry, *fakeHost) {
	coordPort, hostPort := ipc.NewPipe(fmt.Sprintf("host-%d", handle.id), e.coord, e.hostLoop)
	host := newFakeHost(hostPort)
	var reg *HostRegistry
	e.sync(func() {
		reg = NewHostRegistry(e.provider, handle, coordPort)
	})
	return reg, host
}

func (e *testEnv) announce(host *fakeHost, handle *fakeHandle) {
	host.send(e.t, &ipc.Message{Type: ipc.MsgAnnounce, ProcessID: handle.id, RemoteType: handle.remoteType})
	e.settle()
}

func (e *testEnv) addHost(pid model.ProcessID, remoteType string) (*HostRegistry, *fakeHost, *fakeHandle) {
	handle := &fakeHandle{id: pid, remoteType: remoteType}
	reg, host := e.connect(handle)
	e.announce(host, handle)
	return reg, host, handle
}

func (e *testEnv) addLocalHost() (*HostRegistry, *fakeHost) {
	coordPort, hostPort := ipc.NewPipe("local", e.coord, e.hostLoop)
	host := newFakeHost(hostPort)
	var reg *HostRegistry
	e.sync(func() {
		reg = NewLocalHostRegistry(e.provider, coordPort)
	})
	host.send(e.t, &ipc.Message{Type: ipc.MsgAnnounce, RemoteType: model.NotRemoteType})
	e.settle()
	return reg, host
}

// launch starts a placement and returns once Launch has returned. Any
// error getting the scheduler is returned instead.
func (e *testEnv) launch(req *model.PlacementRequest, ctrl Controller, originPID model.ProcessID) error {
	var err error
	e.sync(func() {
		var s *Scheduler
		s, err = e.provider.GetOrCreate()
		if err == nil {
			s.Launch(req, ctrl, originPID)
		}
	})
	return err
}

func contentPrincipal(origin string) model.PrincipalInfo {
	return model.PrincipalInfo{
		Kind:       model.PrincipalContent,
		Origin:     origin,
		SiteOrigin: origin,
		Scheme:     "https",
	}
}

func newRequest(t *testing.T, policy IsolationPolicy, principal model.PrincipalInfo, kind model.WorkerKind) *model.PlacementRequest {
	var swData *model.ServiceWorkerData
	if kind == model.WorkerKindService {
		swData = &model.ServiceWorkerData{Scope: principal.Origin + "/", RegistrationID: 1}
	}
	req, err := NewPlacementRequest(policy, uuid.New().String(), principal, kind, swData)
	require.NoError(t, err)
	return req
}
