package jobs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"backtest/services/engine"
	"backtest/services/metrics"
	"backtest/services/montecarlo"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is a snapshot of one run. Result, MonteCarlo and Metrics are shared
// read-only once set.
type Job struct {
	ID         string             `json:"run_id"`
	Status     Status             `json:"status"`
	Symbols    []string           `json:"symbols"`
	Start      time.Time          `json:"start"`
	End        time.Time          `json:"end"`
	Progress   engine.Progress    `json:"progress"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  time.Time          `json:"started_at,omitempty"`
	FinishedAt time.Time          `json:"finished_at,omitempty"`
	Result     *engine.Result     `json:"-"`
	MonteCarlo *montecarlo.Result `json:"-"`
	Metrics    *metrics.Record    `json:"-"`
}

// Registry is an in-memory job table safe for concurrent use
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

func (r *Registry) create(id string, symbols []string, start, end time.Time) Job {
	j := &Job{
		ID:        id,
		Status:    StatusQueued,
		Symbols:   symbols,
		Start:     start,
		End:       end,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.jobs[id] = j
	r.mu.Unlock()
	return *j
}

func (r *Registry) update(id string, fn func(*Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		fn(j)
	}
}

func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return *j, nil
}

// List returns every job, newest first
func (r *Registry) List() []Job {
	r.mu.RLock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out
}
