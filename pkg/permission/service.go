package permission

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/workerplacement/model"
	"github.com/hanfei1991/workerplacement/pkg/process"
)

// Service transmits the permissions and blob URL grants of a principal
// to a process before a worker of that principal runs there.
type Service interface {
	// Transmit must be called on the main loop.
	Transmit(proc process.Handle, principal model.PrincipalInfo)
}

// Store is an in-memory Service remembering which origins each process
// has received grants for.
type Store struct {
	mu           sync.Mutex
	granted      map[model.ProcessID]map[string]struct{}
	transmission int
}

var _ Service = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		granted: make(map[model.ProcessID]map[string]struct{}),
	}
}

// Transmit implements Service.
func (s *Store) Transmit(proc process.Handle, principal model.PrincipalInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transmission++
	origins, ok := s.granted[proc.ID()]
	if !ok {
		origins = make(map[string]struct{})
		s.granted[proc.ID()] = origins
	}
	if _, exists := origins[principal.Origin]; exists {
		return
	}
	origins[principal.Origin] = struct{}{}
	log.L().Debug("permissions transmitted",
		zap.Int64("pid", int64(proc.ID())),
		zap.String("origin", principal.Origin))
}

// HasGrants reports whether grants for origin were sent to the process.
func (s *Store) HasGrants(id model.ProcessID, origin string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.granted[id][origin]
	return ok
}

// TransmissionCount returns how many times Transmit has been called.
func (s *Store) TransmissionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transmission
}

// Forget drops the grants of an exited process.
func (s *Store) Forget(id model.ProcessID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.granted, id)
}
