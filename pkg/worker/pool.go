package worker

import (
	"sync"

	"github.com/Dicklesworthstone/rchd/pkg/circuitbreaker"
	"github.com/Dicklesworthstone/rchd/pkg/events"
	"github.com/Dicklesworthstone/rchd/pkg/types"
)

// Pool owns every registered worker. The pool holds a short lock only to
// look up or insert a worker; all further mutation happens under the
// per-worker State lock.
type Pool struct {
	mu      sync.RWMutex
	workers map[types.WorkerID]*State
	bus     *events.Broker
}

// NewPool creates an empty worker pool. bus may be nil in tests.
func NewPool(bus *events.Broker) *Pool {
	return &Pool{
		workers: make(map[types.WorkerID]*State),
		bus:     bus,
	}
}

// AddWorker registers a new worker and returns its runtime state.
func (p *Pool) AddWorker(cfg types.WorkerConfig) *State {
	st := New(cfg, func(from, to circuitbreaker.State) {
		if p.bus == nil {
			return
		}
		p.bus.Emit(events.NameCircuitStateChanged, "circuit state changed", map[string]any{
			"worker_id": string(cfg.ID),
			"from":      string(from),
			"to":        string(to),
		})
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[cfg.ID] = st
	return st
}

// RemoveWorker deregisters a worker.
func (p *Pool) RemoveWorker(id types.WorkerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, id)
}

// Get returns a worker's runtime state, or nil if not registered.
func (p *Pool) Get(id types.WorkerID) *State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.workers[id]
}

// AllWorkers returns a snapshot slice of every registered worker's state.
func (p *Pool) AllWorkers() []*State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*State, 0, len(p.workers))
	for _, st := range p.workers {
		out = append(out, st)
	}
	return out
}
