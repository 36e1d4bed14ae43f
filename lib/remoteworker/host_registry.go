package remoteworker

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/workerplacement/model"
	derror "github.com/hanfei1991/workerplacement/pkg/errors"
	"github.com/hanfei1991/workerplacement/pkg/ipc"
	"github.com/hanfei1991/workerplacement/pkg/process"
)

// HostRegistry is the coordination side of a host's announcement
// channel. It registers the host with the Scheduler when the host
// announces itself and unregisters it, exactly once, when the channel
// tears down. It also routes the per-worker messages of the host to the
// worker channels living on it.
type HostRegistry struct {
	provider *Provider
	port     *ipc.Port
	local    bool
	handle   process.Handle

	scheduler  *Scheduler
	remoteType string
	workers    map[string]*WorkerHostChannel
	destroyed  bool
}

var _ ipc.Handler = (*HostRegistry)(nil)

// NewLocalHostRegistry creates the registry of the local process, which
// has no process handle and is never torn down from outside.
func NewLocalHostRegistry(provider *Provider, port *ipc.Port) *HostRegistry {
	return newHostRegistry(provider, nil, port)
}

// NewHostRegistry creates the registry of the process behind handle.
// Messages arriving at port must be handled on the coordination loop.
func NewHostRegistry(provider *Provider, handle process.Handle, port *ipc.Port) *HostRegistry {
	return newHostRegistry(provider, handle, port)
}

func newHostRegistry(provider *Provider, handle process.Handle, port *ipc.Port) *HostRegistry {
	h := &HostRegistry{
		provider: provider,
		port:     port,
		local:    handle == nil,
		handle:   handle,
		workers:  make(map[string]*WorkerHostChannel),
	}
	if handle != nil {
		h.remoteType = handle.RemoteType()
	}
	port.SetHandler(h)
	return h
}

// IsLocal returns true for the local process.
func (h *HostRegistry) IsLocal() bool {
	return h.local
}

// ProcessID returns the process id of the host, NoProcessID for the
// local process.
func (h *HostRegistry) ProcessID() model.ProcessID {
	if h.local {
		return model.NoProcessID
	}
	return h.handle.ID()
}

// Process returns the process handle, nil for the local process.
func (h *HostRegistry) Process() process.Handle {
	return h.handle
}

// RemoteType returns the remote type the host announced.
func (h *HostRegistry) RemoteType() string {
	return h.remoteType
}

// Registered returns true while the host is in a Scheduler's registry.
func (h *HostRegistry) Registered() bool {
	return h.scheduler != nil
}

// WorkerCount returns the number of live worker channels on the host.
func (h *HostRegistry) WorkerCount() int {
	return len(h.workers)
}

// Receive implements ipc.Handler.
func (h *HostRegistry) Receive(msg *ipc.Message, respond func(*ipc.Message)) {
	if msg.Type == ipc.MsgAnnounce {
		h.announce(msg)
		return
	}

	ch, ok := h.workers[msg.ChannelID]
	if !ok {
		log.L().Debug("message for unknown worker channel dropped",
			zap.Int64("pid", int64(h.ProcessID())),
			zap.String("channel-id", msg.ChannelID),
			zap.Stringer("type", msg.Type))
		if respond != nil {
			respond(&ipc.Message{ChannelID: msg.ChannelID})
		}
		return
	}

	switch msg.Type {
	case ipc.MsgCreated:
		ch.OnCreated(msg.Flag)
	case ipc.MsgError:
		if msg.Error != nil {
			ch.OnError(*msg.Error)
		}
	case ipc.MsgClose:
		ch.RequestClose()
	case ipc.MsgNotifyLock:
		ch.OnLockChanged(msg.Flag)
	case ipc.MsgNotifyWebTransport:
		ch.OnWebTransportChanged(msg.Flag)
	case ipc.MsgSetSkipWaitingFlag:
		channelID := msg.ChannelID
		ch.OnSetServiceWorkerSkipWaitingFlag().Then(h.provider.Coordination(), func(ok bool, err error) {
			if err != nil {
				log.L().Warn("failed to set skip waiting flag",
					zap.String("channel-id", channelID), zap.Error(err))
			}
			// Sent without a request, nobody waits for the answer.
			if respond == nil {
				return
			}
			respond(&ipc.Message{ChannelID: channelID, Flag: err == nil && ok})
		})
	default:
		log.L().Warn("unexpected message from host",
			zap.Int64("pid", int64(h.ProcessID())),
			zap.Error(derror.ErrUnknownMessage.GenWithStackByArgs(msg.Type)))
	}
}

func (h *HostRegistry) announce(msg *ipc.Message) {
	if h.scheduler != nil || h.destroyed {
		log.L().Warn("duplicate host announcement ignored",
			zap.Int64("pid", int64(msg.ProcessID)))
		return
	}
	if !h.local && msg.ProcessID != h.handle.ID() {
		log.L().Warn("host announced a foreign process id, closing",
			zap.Int64("pid", int64(h.handle.ID())),
			zap.Int64("announced-pid", int64(msg.ProcessID)))
		h.port.Close()
		return
	}

	s, err := h.provider.GetOrCreate()
	if err != nil {
		log.L().Warn("host announced after shutdown, closing",
			zap.Int64("pid", int64(msg.ProcessID)), zap.Error(err))
		h.port.Close()
		return
	}
	h.remoteType = msg.RemoteType
	h.scheduler = s
	s.RegisterHost(h)
}

// ChannelClosed implements ipc.Handler. The host is unregistered before
// its worker channels are destroyed so that none of their callbacks can
// select it again.
func (h *HostRegistry) ChannelClosed() {
	if h.destroyed {
		return
	}
	h.destroyed = true
	if h.scheduler != nil {
		s := h.scheduler
		h.scheduler = nil
		s.UnregisterHost(h)
	} else if !h.local {
		// The process went away before announcing itself.
		if s := h.provider.Current(); s != nil {
			s.failPending(h.handle.ID(), derror.ErrProcessAcquisitionFailed.GenWithStackByArgs(h.remoteType))
		}
	}

	workers := h.workers
	h.workers = make(map[string]*WorkerHostChannel)
	for _, ch := range workers {
		ch.OnDestroyed()
	}
}

// Close tears the announcement channel down.
func (h *HostRegistry) Close() {
	h.port.Close()
}

func (h *HostRegistry) constructWorker(ch *WorkerHostChannel) error {
	if h.destroyed {
		return derror.ErrChannelClosed.GenWithStackByArgs(h.port.Name())
	}
	h.workers[ch.ID()] = ch
	err := h.port.Send(&ipc.Message{
		Type:      ipc.MsgConstructWorker,
		ChannelID: ch.ID(),
		Request:   ch.Request(),
	})
	if err != nil {
		delete(h.workers, ch.ID())
		return err
	}
	return nil
}

func (h *HostRegistry) sendDeleteWorker(ch *WorkerHostChannel) error {
	return h.port.Send(&ipc.Message{
		Type:      ipc.MsgDeleteWorker,
		ChannelID: ch.ID(),
	})
}

func (h *HostRegistry) forgetWorker(ch *WorkerHostChannel) {
	delete(h.workers, ch.ID())
}
