package servermaster

import (
	"fmt"
	"sync"

	"github.com/pingcap/errors"

	"github.com/hanfei1991/workerplacement/executor"
	"github.com/hanfei1991/workerplacement/lib/remoteworker"
	"github.com/hanfei1991/workerplacement/model"
	"github.com/hanfei1991/workerplacement/pkg/ipc"
	"github.com/hanfei1991/workerplacement/pkg/loop"
	"github.com/hanfei1991/workerplacement/pkg/process"
)

// hostLauncher starts a WorkerHost for every process the pool spawns and
// connects it to the scheduler through a fresh announcement channel.
type hostLauncher struct {
	coord    *loop.Loop
	hostLoop *loop.Loop

	// Set once the composition root has been built.
	provider *remoteworker.Provider
	policy   remoteworker.IsolationPolicy

	mu    sync.Mutex
	hosts map[model.ProcessID]*executor.WorkerHost
}

var _ process.Launcher = (*hostLauncher)(nil)

func newHostLauncher(coord, hostLoop *loop.Loop) *hostLauncher {
	return &hostLauncher{
		coord:    coord,
		hostLoop: hostLoop,
		hosts:    make(map[model.ProcessID]*executor.WorkerHost),
	}
}

// Launch implements process.Launcher.
func (l *hostLauncher) Launch(p *process.Process) error {
	if l.provider == nil {
		return errors.New("host launcher is not wired")
	}
	coordPort, hostPort := ipc.NewPipe(fmt.Sprintf("process-%d", p.ID()), l.coord, l.hostLoop)
	remoteworker.NewHostRegistry(l.provider, p, coordPort)
	host := executor.NewWorkerHost(p.ID(), p.RemoteType(), l.policy, hostPort)

	l.mu.Lock()
	l.hosts[p.ID()] = host
	l.mu.Unlock()
	return host.Start()
}

// Terminate implements process.Launcher.
func (l *hostLauncher) Terminate(p *process.Process) {
	l.mu.Lock()
	host, ok := l.hosts[p.ID()]
	delete(l.hosts, p.ID())
	l.mu.Unlock()
	if ok {
		host.Shutdown()
	}
}

func (l *hostLauncher) host(pid model.ProcessID) (*executor.WorkerHost, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	host, ok := l.hosts[pid]
	return host, ok
}
