package ipc

import (
	"fmt"

	"github.com/hanfei1991/workerplacement/model"
)

// MessageType tags a Message.
type MessageType int

const (
	// MsgAnnounce is the one-time registration of a host process:
	// ProcessID and RemoteType are set.
	MsgAnnounce = MessageType(iota + 1)
	// MsgConstructWorker asks a host to construct a worker; Request is set.
	MsgConstructWorker
	// MsgDeleteWorker tears a worker channel down.
	MsgDeleteWorker

	// MsgCreated reports the creation outcome in Flag.
	MsgCreated
	// MsgError carries an error reported by the worker in Error.
	MsgError
	// MsgClose is the host's intent to stop the worker.
	MsgClose
	// MsgNotifyLock reports in Flag whether the worker holds a lock.
	MsgNotifyLock
	// MsgNotifyWebTransport reports in Flag whether the worker has a WebTransport session.
	MsgNotifyWebTransport
	// MsgSetSkipWaitingFlag is a request answered with MsgReply, result in Flag.
	MsgSetSkipWaitingFlag

	// MsgReply answers a request.
	MsgReply
)

func (t MessageType) String() string {
	switch t {
	case MsgAnnounce:
		return "Announce"
	case MsgConstructWorker:
		return "ConstructWorker"
	case MsgDeleteWorker:
		return "DeleteWorker"
	case MsgCreated:
		return "Created"
	case MsgError:
		return "Error"
	case MsgClose:
		return "Close"
	case MsgNotifyLock:
		return "NotifyLock"
	case MsgNotifyWebTransport:
		return "NotifyWebTransport"
	case MsgSetSkipWaitingFlag:
		return "SetSkipWaitingFlag"
	case MsgReply:
		return "Reply"
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// Message is the unit exchanged over a Port.
type Message struct {
	Type MessageType `json:"type"`
	// Seq is set on requests and on their replies.
	Seq uint64 `json:"seq,omitempty"`
	// ChannelID identifies the worker channel the message belongs to.
	ChannelID string `json:"channelId,omitempty"`

	ProcessID  model.ProcessID         `json:"processId,omitempty"`
	RemoteType string                  `json:"remoteType,omitempty"`
	Request    *model.PlacementRequest `json:"request,omitempty"`
	Flag       bool                    `json:"flag,omitempty"`
	Error      *model.ErrorValue       `json:"error,omitempty"`
}
