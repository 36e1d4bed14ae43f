package process

import (
	"go.uber.org/atomic"

	"github.com/hanfei1991/workerplacement/model"
)

// KeepAlive prevents its process from being torn down while it is held.
// A KeepAlive has exactly one owner. Ownership moves by handing the
// pointer over and dropping the old reference; the owner calls Release
// when done. Release is idempotent and a nil *KeepAlive is valid.
type KeepAlive struct {
	processID model.ProcessID
	released  atomic.Bool
	release   func()
}

// NewKeepAlive returns a token calling release exactly once.
func NewKeepAlive(processID model.ProcessID, release func()) *KeepAlive {
	return &KeepAlive{
		processID: processID,
		release:   release,
	}
}

// ProcessID returns the process kept alive by the token.
func (k *KeepAlive) ProcessID() model.ProcessID {
	if k == nil {
		return model.NoProcessID
	}
	return k.processID
}

// Release gives the capability back to the process.
func (k *KeepAlive) Release() {
	if k == nil {
		return
	}
	if k.released.Swap(true) {
		return
	}
	if k.release != nil {
		k.release()
	}
}

// Released returns true once Release has been called.
func (k *KeepAlive) Released() bool {
	return k == nil || k.released.Load()
}
