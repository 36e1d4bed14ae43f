package executor

import (
	"context"
	"sort"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/workerplacement/lib/remoteworker"
	"github.com/hanfei1991/workerplacement/model"
	derror "github.com/hanfei1991/workerplacement/pkg/errors"
	"github.com/hanfei1991/workerplacement/pkg/ipc"
)

// WorkerHost is the runtime of a host process. It announces the process
// over its channel, accepts the workers sent to it after checking them
// against the isolation policy, and reports worker events back.
type WorkerHost struct {
	pid        model.ProcessID
	remoteType string
	policy     remoteworker.IsolationPolicy
	port       *ipc.Port

	mu      sync.Mutex
	workers map[string]*model.PlacementRequest
	closed  bool
	doneCh  chan struct{}
}

var _ ipc.Handler = (*WorkerHost)(nil)

// NewWorkerHost creates the runtime of process pid. Messages arriving at
// port are handled on the executor the port was created with.
func NewWorkerHost(
	pid model.ProcessID,
	remoteType string,
	policy remoteworker.IsolationPolicy,
	port *ipc.Port,
) *WorkerHost {
	h := &WorkerHost{
		pid:        pid,
		remoteType: remoteType,
		policy:     policy,
		port:       port,
		workers:    make(map[string]*model.PlacementRequest),
		doneCh:     make(chan struct{}),
	}
	port.SetHandler(h)
	return h
}

// ProcessID returns the id of the process the host runs in.
func (h *WorkerHost) ProcessID() model.ProcessID {
	return h.pid
}

// Start announces the host.
func (h *WorkerHost) Start() error {
	err := h.port.Send(&ipc.Message{
		Type:       ipc.MsgAnnounce,
		ProcessID:  h.pid,
		RemoteType: h.remoteType,
	})
	if err != nil {
		return errors.Trace(err)
	}
	log.L().Info("worker host announced",
		zap.Int64("pid", int64(h.pid)),
		zap.String("remote-type", h.remoteType))
	return nil
}

// Receive implements ipc.Handler.
func (h *WorkerHost) Receive(msg *ipc.Message, respond func(*ipc.Message)) {
	switch msg.Type {
	case ipc.MsgConstructWorker:
		h.onConstruct(msg)
	case ipc.MsgDeleteWorker:
		h.mu.Lock()
		_, ok := h.workers[msg.ChannelID]
		delete(h.workers, msg.ChannelID)
		h.mu.Unlock()
		if ok {
			log.L().Info("worker deleted",
				zap.Int64("pid", int64(h.pid)),
				zap.String("channel-id", msg.ChannelID))
		}
	default:
		log.L().Warn("unexpected message from scheduler",
			zap.Int64("pid", int64(h.pid)),
			zap.Error(derror.ErrUnknownMessage.GenWithStackByArgs(msg.Type)))
		if respond != nil {
			respond(&ipc.Message{ChannelID: msg.ChannelID})
		}
	}
}

func (h *WorkerHost) onConstruct(msg *ipc.Message) {
	req := msg.Request
	allowed := req != nil && remoteworker.IsPlacementAllowed(h.policy, req)
	if allowed {
		h.mu.Lock()
		h.workers[msg.ChannelID] = req
		h.mu.Unlock()
		log.L().Info("worker created",
			zap.Int64("pid", int64(h.pid)),
			zap.String("channel-id", msg.ChannelID),
			zap.String("worker-id", req.WorkerID),
			zap.Stringer("worker-kind", req.WorkerKind))
	} else {
		remoteType := ""
		workerID := ""
		if req != nil {
			remoteType, workerID = req.RemoteType, req.WorkerID
		}
		log.L().Warn("worker rejected",
			zap.Int64("pid", int64(h.pid)),
			zap.String("channel-id", msg.ChannelID),
			zap.Error(derror.ErrPlacementNotAllowed.GenWithStackByArgs(workerID, remoteType)))
	}

	err := h.port.Send(&ipc.Message{
		Type:      ipc.MsgCreated,
		ChannelID: msg.ChannelID,
		Flag:      allowed,
	})
	if err != nil {
		log.L().Warn("failed to report worker creation",
			zap.String("channel-id", msg.ChannelID), zap.Error(err))
	}
}

// ChannelClosed implements ipc.Handler.
func (h *WorkerHost) ChannelClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.workers = make(map[string]*model.PlacementRequest)
	close(h.doneCh)
	log.L().Info("worker host channel closed", zap.Int64("pid", int64(h.pid)))
}

// Workers returns the channel ids of the live workers, sorted.
func (h *WorkerHost) Workers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.workers))
	for id := range h.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Worker returns the request a live worker was created with.
func (h *WorkerHost) Worker(channelID string) (*model.PlacementRequest, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	req, ok := h.workers[channelID]
	return req, ok
}

// CloseWorker tells the scheduler that the worker wants to stop. The
// worker is removed once the scheduler deletes it.
func (h *WorkerHost) CloseWorker(channelID string) error {
	return h.sendWorkerMessage(&ipc.Message{Type: ipc.MsgClose, ChannelID: channelID})
}

// ReportError reports an error raised by the worker.
func (h *WorkerHost) ReportError(channelID string, value model.ErrorValue) error {
	return h.sendWorkerMessage(&ipc.Message{Type: ipc.MsgError, ChannelID: channelID, Error: &value})
}

// NotifyLock reports whether the worker holds a lock.
func (h *WorkerHost) NotifyLock(channelID string, held bool) error {
	return h.sendWorkerMessage(&ipc.Message{Type: ipc.MsgNotifyLock, ChannelID: channelID, Flag: held})
}

// NotifyWebTransport reports whether the worker has a WebTransport session.
func (h *WorkerHost) NotifyWebTransport(channelID string, held bool) error {
	return h.sendWorkerMessage(&ipc.Message{Type: ipc.MsgNotifyWebTransport, ChannelID: channelID, Flag: held})
}

// RequestSkipWaiting asks the controller of a service worker to set its
// skip waiting flag and returns the answer.
func (h *WorkerHost) RequestSkipWaiting(ctx context.Context, channelID string) (bool, error) {
	reply, err := h.port.Request(&ipc.Message{
		Type:      ipc.MsgSetSkipWaitingFlag,
		ChannelID: channelID,
	}).Wait(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	return reply.Flag, nil
}

func (h *WorkerHost) sendWorkerMessage(msg *ipc.Message) error {
	if _, ok := h.Worker(msg.ChannelID); !ok {
		return errors.Errorf("unknown worker channel %s", msg.ChannelID)
	}
	return errors.Trace(h.port.Send(msg))
}

// Shutdown closes the channel, which unregisters the host.
func (h *WorkerHost) Shutdown() {
	h.port.Close()
}

// Done is closed once the channel is closed.
func (h *WorkerHost) Done() <-chan struct{} {
	return h.doneCh
}
