package ipc

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	derror "github.com/hanfei1991/workerplacement/pkg/errors"
	"github.com/hanfei1991/workerplacement/pkg/future"
)

// Handler consumes the messages arriving at a Port. Its methods run on
// the executor of the Port.
type Handler interface {
	// Receive handles one message. For a request, respond must be called
	// once with the reply; for other messages respond is nil.
	Receive(msg *Message, respond func(reply *Message))
	// ChannelClosed is called once after the channel has been closed by
	// either side. Messages sent before the close are delivered first.
	ChannelClosed()
}

// Port is one end of a bidirectional in-process message channel.
// Messages are delivered to the peer's Handler on the peer's executor in
// the order they were sent.
type Port struct {
	name    string
	exec    future.Executor
	peer    *Port
	closed  *atomic.Bool
	handler atomic.Value // handlerBox

	mu      sync.Mutex
	lastSeq uint64
	pending map[uint64]*future.Future[*Message]
}

// NewPipe creates a connected pair of ports. Messages arriving at a are
// handled on aExec, those arriving at b on bExec.
func NewPipe(name string, aExec, bExec future.Executor) (a, b *Port) {
	closed := atomic.NewBool(false)
	a = &Port{
		name:    name + "/a",
		exec:    aExec,
		closed:  closed,
		pending: make(map[uint64]*future.Future[*Message]),
	}
	b = &Port{
		name:    name + "/b",
		exec:    bExec,
		closed:  closed,
		pending: make(map[uint64]*future.Future[*Message]),
	}
	a.peer, b.peer = b, a
	return a, b
}

// Name returns the name of the port.
func (p *Port) Name() string {
	return p.name
}

// SetHandler installs the handler. It must be called before the peer
// starts sending.
func (p *Port) SetHandler(h Handler) {
	p.handler.Store(handlerBox{h: h})
}

// IsClosed returns true once either side has closed the channel.
func (p *Port) IsClosed() bool {
	return p.closed.Load()
}

// Send delivers a one-way message to the peer.
func (p *Port) Send(msg *Message) error {
	if p.closed.Load() {
		return derror.ErrChannelClosed.GenWithStackByArgs(p.name)
	}
	return p.peer.deliver(msg, nil)
}

// Request sends msg and resolves with the peer's reply. The future is
// rejected if the channel closes before the reply arrives.
func (p *Port) Request(msg *Message) *future.Future[*Message] {
	if p.closed.Load() {
		return future.Rejected[*Message](derror.ErrChannelClosed.GenWithStackByArgs(p.name))
	}

	reply := future.New[*Message]()
	p.mu.Lock()
	p.lastSeq++
	seq := p.lastSeq
	p.pending[seq] = reply
	p.mu.Unlock()

	msg.Seq = seq
	err := p.peer.deliver(msg, func(resp *Message) {
		resp.Type = MsgReply
		resp.Seq = seq
		p.resolve(resp)
	})
	if err != nil {
		p.mu.Lock()
		delete(p.pending, seq)
		p.mu.Unlock()
		reply.Reject(err)
	}
	return reply
}

// Close closes the channel for both sides. It is idempotent.
func (p *Port) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.closeLocal()
	p.peer.closeLocal()
}

func (p *Port) closeLocal() {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[uint64]*future.Future[*Message])
	p.mu.Unlock()

	for _, reply := range pending {
		reply.Reject(derror.ErrChannelClosed.GenWithStackByArgs(p.name))
	}

	err := p.exec.Dispatch(func() {
		if h := p.loadHandler(); h != nil {
			h.ChannelClosed()
		}
	})
	if err != nil {
		log.L().Warn("close notification dropped", zap.String("port", p.name), zap.Error(err))
	}
}

func (p *Port) deliver(msg *Message, respond func(*Message)) error {
	return p.exec.Dispatch(func() {
		h := p.loadHandler()
		if h == nil {
			log.L().Warn("message dropped, no handler",
				zap.String("port", p.name),
				zap.Stringer("type", msg.Type))
			return
		}
		h.Receive(msg, respond)
	})
}

func (p *Port) resolve(resp *Message) {
	p.mu.Lock()
	reply, ok := p.pending[resp.Seq]
	delete(p.pending, resp.Seq)
	p.mu.Unlock()

	if !ok {
		log.L().Debug("reply for unknown request dropped",
			zap.String("port", p.name),
			zap.Uint64("seq", resp.Seq))
		return
	}
	reply.Resolve(resp)
}

type handlerBox struct {
	h Handler
}

func (p *Port) loadHandler() Handler {
	box, _ := p.handler.Load().(handlerBox)
	return box.h
}
