package remoteworker

import (
	"math/rand"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/dig"

	derror "github.com/hanfei1991/workerplacement/pkg/errors"
	"github.com/hanfei1991/workerplacement/pkg/loop"
	"github.com/hanfei1991/workerplacement/pkg/permission"
	"github.com/hanfei1991/workerplacement/pkg/process"
)

// ProviderParams are the dependencies of a Provider.
type ProviderParams struct {
	dig.In

	Coordination *loop.Loop `name:"coordination"`
	Main         *loop.Loop `name:"main"`
	Policy       IsolationPolicy
	Processes    process.Service
	Permissions  permission.Service
}

// Provider owns the Scheduler of one coordination loop. The Scheduler is
// created on first use and dropped once it has neither hosts nor
// placements in flight. All methods must be called on the coordination
// loop.
type Provider struct {
	params   ProviderParams
	randIntn func(n int) int

	scheduler *Scheduler
	created   int
	closed    bool
}

// NewProvider creates a Provider.
func NewProvider(params ProviderParams) *Provider {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Provider{
		params:   params,
		randIntn: r.Intn,
	}
}

// GetOrCreate returns the live Scheduler, creating it if necessary.
func (p *Provider) GetOrCreate() (*Scheduler, error) {
	if p.closed {
		return nil, derror.ErrSchedulerClosed.GenWithStackByArgs()
	}
	if p.scheduler == nil {
		p.scheduler = newScheduler(p)
		p.created++
		log.L().Info("scheduler created")
	}
	return p.scheduler, nil
}

// Current returns the live Scheduler or nil.
func (p *Provider) Current() *Scheduler {
	return p.scheduler
}

// Coordination returns the loop the Provider and its Scheduler live on.
func (p *Provider) Coordination() *loop.Loop {
	return p.params.Coordination
}

// Close closes the live Scheduler and refuses to create new ones.
func (p *Provider) Close() {
	if p.closed {
		return
	}
	p.closed = true
	if p.scheduler != nil {
		p.scheduler.Close()
		p.scheduler = nil
	}
}

func (p *Provider) dropIdle(s *Scheduler) {
	if p.scheduler != s {
		return
	}
	p.scheduler = nil
	s.closed = true
	log.L().Info("scheduler idle, dropped")
}
