package jobs

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the live set of jobs running in this process.
type Registry struct {
	mu     sync.RWMutex
	byId   map[uint64]*Job
	byName map[string]*Job
}

func NewRegistry() *Registry {
	return &Registry{
		byId:   make(map[uint64]*Job),
		byName: make(map[string]*Job),
	}
}

func (r *Registry) Register(j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.JobId == 0 {
		return fmt.Errorf("registering job %q: missing JobId", j.Job)
	}
	if _, ok := r.byId[j.JobId]; ok {
		return fmt.Errorf("job %d already running", j.JobId)
	}
	r.byId[j.JobId] = j
	if j.Job != "" {
		r.byName[j.Job] = j
	}
	return nil
}

func (r *Registry) Unregister(jobId uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.byId[jobId]; ok {
		delete(r.byName, j.Job)
		delete(r.byId, jobId)
	}
}

func (r *Registry) Lookup(jobId uint64) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.byId[jobId]
	return j, ok
}

func (r *Registry) LookupByName(name string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.byName[name]
	return j, ok
}

func (r *Registry) IsRunning(jobId uint64) bool {
	_, ok := r.Lookup(jobId)
	return ok
}

// RunningJobIDs returns the ids of all registered jobs, ascending.
func (r *Registry) RunningJobIDs() []uint64 {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.byId))
	for id := range r.byId {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })
	return ids
}

func (r *Registry) List() []*Job {
	r.mu.RLock()
	out := make([]*Job, 0, len(r.byId))
	for _, j := range r.byId {
		out = append(out, j)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].JobId < out[k].JobId })
	return out
}
