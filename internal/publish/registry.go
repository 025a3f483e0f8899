package publish

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onexay/notepub/internal/storage"
	"github.com/onexay/notepub/internal/types"
)

// Callback receives a snapshot of a job after every state change.
type Callback func(types.PublishJob)

type subscriber struct {
	id string
	cb Callback

	mu   sync.Mutex
	seen int
}

// deliver hands a snapshot to the callback unless a newer one already went out.
func (s *subscriber) deliver(version int, job types.PublishJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version <= s.seen {
		return
	}
	s.seen = version
	s.cb(job)
}

type entry struct {
	job     types.PublishJob
	version int
	subs    []*subscriber
	expires time.Time
}

// Registry owns the in-memory jobs and their subscribers. Terminal jobs are
// dropped once nobody is subscribed, after an optional retention period.
type Registry struct {
	mu        sync.Mutex
	jobs      map[string]*entry
	retention time.Duration
	clock     func() time.Time
}

// NewRegistry creates an empty registry. A zero retention drops terminal
// jobs as soon as their last subscriber detaches.
func NewRegistry(retention time.Duration) *Registry {
	return &Registry{
		jobs:      make(map[string]*entry),
		retention: retention,
		clock:     time.Now,
	}
}

func (r *Registry) add(job types.PublishJob, cbs []Callback) {
	r.mu.Lock()
	r.sweepLocked()
	e := &entry{job: job.Clone(), version: 1}
	for _, cb := range cbs {
		e.subs = append(e.subs, &subscriber{id: uuid.NewString(), cb: cb})
	}
	r.jobs[job.ID] = e
	snapshot, subs := e.job.Clone(), append([]*subscriber(nil), e.subs...)
	r.mu.Unlock()

	notify(1, snapshot, subs)
}

// update applies fn to the job and notifies subscribers outside the lock.
// Only the goroutine running the job calls update, so deliveries keep order.
func (r *Registry) update(id string, fn func(*types.PublishJob)) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	fn(&e.job)
	e.job.UpdatedAt = r.clock().UTC()
	e.version++
	version, snapshot, subs := e.version, e.job.Clone(), append([]*subscriber(nil), e.subs...)
	if e.job.Status.Terminal() && len(e.subs) == 0 {
		r.releaseLocked(id, e)
	}
	r.mu.Unlock()

	notify(version, snapshot, subs)
}

// Get returns a snapshot of a job.
func (r *Registry) Get(id string) (types.PublishJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	e, ok := r.jobs[id]
	if !ok {
		return types.PublishJob{}, false
	}
	return e.job.Clone(), true
}

// Subscribe attaches cb to a job and immediately delivers its current state.
// The returned handle detaches just this callback.
func (r *Registry) Subscribe(jobID string, cb Callback) (string, error) {
	r.mu.Lock()
	r.sweepLocked()
	e, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return "", &storage.NotFoundError{Resource: "job", Key: jobID}
	}
	sub := &subscriber{id: uuid.NewString(), cb: cb}
	e.subs = append(e.subs, sub)
	e.expires = time.Time{}
	version, snapshot := e.version, e.job.Clone()
	r.mu.Unlock()

	sub.deliver(version, snapshot)
	return sub.id, nil
}

// Unsubscribe detaches the given handles from a job, or every subscriber
// when no handle is given. It never affects the running job.
func (r *Registry) Unsubscribe(jobID string, handles ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[jobID]
	if !ok {
		return
	}
	if len(handles) == 0 {
		e.subs = nil
	} else {
		kept := e.subs[:0]
		for _, s := range e.subs {
			drop := false
			for _, h := range handles {
				if s.id == h {
					drop = true
					break
				}
			}
			if !drop {
				kept = append(kept, s)
			}
		}
		e.subs = kept
	}
	if e.job.Status.Terminal() && len(e.subs) == 0 {
		r.releaseLocked(jobID, e)
	}
}

// Len reports how many jobs are held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	return len(r.jobs)
}

func (r *Registry) releaseLocked(id string, e *entry) {
	if r.retention <= 0 {
		delete(r.jobs, id)
		return
	}
	e.expires = r.clock().Add(r.retention)
}

func (r *Registry) sweepLocked() {
	now := r.clock()
	for id, e := range r.jobs {
		if !e.expires.IsZero() && len(e.subs) == 0 && now.After(e.expires) {
			delete(r.jobs, id)
		}
	}
}

func notify(version int, job types.PublishJob, subs []*subscriber) {
	for _, s := range subs {
		s.deliver(version, job.Clone())
	}
}
