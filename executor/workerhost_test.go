package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hanfei1991/workerplacement/lib/config"
	"github.com/hanfei1991/workerplacement/lib/remoteworker"
	"github.com/hanfei1991/workerplacement/model"
	"github.com/hanfei1991/workerplacement/pkg/ipc"
	"github.com/hanfei1991/workerplacement/pkg/loop"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingPeer struct {
	mu       sync.Mutex
	received []*ipc.Message
	reply    bool
}

func (p *recordingPeer) Receive(msg *ipc.Message, respond func(*ipc.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, msg)
	if respond != nil {
		respond(&ipc.Message{ChannelID: msg.ChannelID, Flag: p.reply})
	}
}

func (p *recordingPeer) ChannelClosed() {}

func (p *recordingPeer) messages() []*ipc.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ipc.Message(nil), p.received...)
}

type hostEnv struct {
	coord    *loop.Loop
	hostLoop *loop.Loop
	policy   remoteworker.IsolationPolicy
	peerPort *ipc.Port
	peer     *recordingPeer
	host     *WorkerHost
}

func newHostEnv(t *testing.T, remoteType string) *hostEnv {
	e := &hostEnv{
		coord:    loop.New("coordination"),
		hostLoop: loop.New("host"),
		policy: remoteworker.NewConfigPolicy(config.ProcessModelConfig{
			Multiprocess:  true,
			SiteIsolation: true,
		}),
		peer: &recordingPeer{reply: true},
	}
	var hostPort *ipc.Port
	e.peerPort, hostPort = ipc.NewPipe("host-3", e.coord, e.hostLoop)
	e.peerPort.SetHandler(e.peer)
	e.host = NewWorkerHost(3, remoteType, e.policy, hostPort)
	t.Cleanup(func() {
		e.hostLoop.Close()
		e.coord.Close()
	})
	return e
}

func (e *hostEnv) settle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, e.hostLoop.Flush(ctx))
		require.NoError(t, e.coord.Flush(ctx))
	}
}

func (e *hostEnv) request(t *testing.T, origin string) *model.PlacementRequest {
	req, err := remoteworker.NewPlacementRequest(e.policy, "worker-"+origin, model.PrincipalInfo{
		Kind:       model.PrincipalContent,
		Origin:     origin,
		SiteOrigin: origin,
		Scheme:     "https",
	}, model.WorkerKindShared, nil)
	require.NoError(t, err)
	return req
}

func TestWorkerHostAnnounces(t *testing.T) {
	t.Parallel()

	e := newHostEnv(t, "webIsolated=https://a.example")
	require.NoError(t, e.host.Start())
	e.settle(t)

	msgs := e.peer.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, ipc.MsgAnnounce, msgs[0].Type)
	require.Equal(t, model.ProcessID(3), msgs[0].ProcessID)
	require.Equal(t, "webIsolated=https://a.example", msgs[0].RemoteType)
}

func TestWorkerHostChecksPlacement(t *testing.T) {
	t.Parallel()

	e := newHostEnv(t, "webIsolated=https://a.example")
	good := e.request(t, "https://a.example")
	forged := *e.request(t, "https://b.example")
	forged.RemoteType = good.RemoteType

	require.NoError(t, e.peerPort.Send(&ipc.Message{Type: ipc.MsgConstructWorker, ChannelID: "good", Request: good}))
	require.NoError(t, e.peerPort.Send(&ipc.Message{Type: ipc.MsgConstructWorker, ChannelID: "forged", Request: &forged}))
	e.settle(t)

	msgs := e.peer.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, ipc.MsgCreated, msgs[0].Type)
	require.Equal(t, "good", msgs[0].ChannelID)
	require.True(t, msgs[0].Flag)
	require.Equal(t, "forged", msgs[1].ChannelID)
	require.False(t, msgs[1].Flag)
	require.Equal(t, []string{"good"}, e.host.Workers())

	worker, ok := e.host.Worker("good")
	require.True(t, ok)
	require.Equal(t, good.WorkerID, worker.WorkerID)
}

func TestWorkerHostReportsWorkerEvents(t *testing.T) {
	t.Parallel()

	e := newHostEnv(t, "webIsolated=https://a.example")
	req := e.request(t, "https://a.example")
	require.NoError(t, e.peerPort.Send(&ipc.Message{Type: ipc.MsgConstructWorker, ChannelID: "w", Request: req}))
	e.settle(t)

	require.NoError(t, e.host.NotifyLock("w", true))
	require.NoError(t, e.host.NotifyWebTransport("w", true))
	require.NoError(t, e.host.ReportError("w", model.ErrorValue{Message: "boom"}))
	require.NoError(t, e.host.CloseWorker("w"))
	require.Error(t, e.host.CloseWorker("unknown"))
	e.settle(t)

	var types []ipc.MessageType
	for _, msg := range e.peer.messages() {
		types = append(types, msg.Type)
	}
	require.Equal(t, []ipc.MessageType{
		ipc.MsgCreated, ipc.MsgNotifyLock, ipc.MsgNotifyWebTransport, ipc.MsgError, ipc.MsgClose,
	}, types)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := e.host.RequestSkipWaiting(ctx, "w")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, e.peerPort.Send(&ipc.Message{Type: ipc.MsgDeleteWorker, ChannelID: "w"}))
	e.settle(t)
	require.Empty(t, e.host.Workers())
}

func TestWorkerHostShutdown(t *testing.T) {
	t.Parallel()

	e := newHostEnv(t, "web")
	e.host.Shutdown()
	select {
	case <-e.host.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "host not closed")
	}
	require.Error(t, e.host.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.host.RequestSkipWaiting(ctx, "w")
	require.Error(t, err)
}
