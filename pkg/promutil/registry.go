package promutil

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

const systemOwner = "system"

// Registry is a prometheus registry that remembers which component
// registered each collector, so that a component can drop all of its
// collectors at once.
type Registry struct {
	sync.Mutex
	*prometheus.Registry

	collectorsByOwner map[string][]prometheus.Collector
}

// NewRegistry creates a Registry carrying the process and Go runtime
// collectors.
func NewRegistry() *Registry {
	r := &Registry{
		Registry:          prometheus.NewRegistry(),
		collectorsByOwner: make(map[string][]prometheus.Collector),
	}
	r.MustRegister(systemOwner, collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(systemOwner, collectors.NewGoCollector())
	return r
}

// MustRegister registers c on behalf of owner.
func (r *Registry) MustRegister(owner string, c prometheus.Collector) {
	if err := r.register(owner, c); err != nil {
		panic(err)
	}
}

func (r *Registry) register(owner string, c prometheus.Collector) error {
	if c == nil {
		return nil
	}
	r.Lock()
	defer r.Unlock()

	if err := r.Registry.Register(c); err != nil {
		return err
	}
	r.collectorsByOwner[owner] = append(r.collectorsByOwner[owner], c)
	return nil
}

// Unregister unregisters every collector of owner.
func (r *Registry) Unregister(owner string) {
	r.Lock()
	defer r.Unlock()

	for _, c := range r.collectorsByOwner[owner] {
		r.Registry.Unregister(c)
	}
	delete(r.collectorsByOwner, owner)
}

// Registerer returns a prometheus.Registerer registering on behalf of owner.
func (r *Registry) Registerer(owner string) prometheus.Registerer {
	return &ownedRegisterer{r: r, owner: owner}
}

// Gather implements prometheus.Gatherer.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	r.Lock()
	defer r.Unlock()

	return r.Registry.Gather()
}

type ownedRegisterer struct {
	r     *Registry
	owner string
}

func (o *ownedRegisterer) Register(c prometheus.Collector) error {
	return o.r.register(o.owner, c)
}

func (o *ownedRegisterer) MustRegister(cs ...prometheus.Collector) {
	for _, c := range cs {
		o.r.MustRegister(o.owner, c)
	}
}

func (o *ownedRegisterer) Unregister(c prometheus.Collector) bool {
	o.r.Lock()
	defer o.r.Unlock()

	if !o.r.Registry.Unregister(c) {
		return false
	}
	owned := o.r.collectorsByOwner[o.owner]
	for i, oc := range owned {
		if oc == c {
			o.r.collectorsByOwner[o.owner] = append(owned[:i], owned[i+1:]...)
			break
		}
	}
	return true
}
