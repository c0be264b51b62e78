// Package jobtracker is the in-memory map of jobs this enclave owns
// (is the elected gateway for), per spec.md section 4.6. Jobs this
// enclave only watches with a slash timer are not stored here.
package jobtracker

import (
	"sync"

	"github.com/marlinprotocol/serverless-gateway/internal/gwtypes"
)

// Tracker holds Active Jobs under single-writer/many-reader discipline.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[gwtypes.JobID]gwtypes.Job
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{jobs: map[gwtypes.JobID]gwtypes.Job{}}
}

// Insert adds or overwrites job. Precondition (enforced by the caller,
// the coordinator): this enclave is the elected gateway for job.
func (t *Tracker) Insert(job gwtypes.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[job.ID] = job
}

// RemoveIfSeq removes the job only if its stored sequence number
// equals seq, preventing a race against an in-flight retry that
// reused the job id with a higher sequence number.
func (t *Tracker) RemoveIfSeq(id gwtypes.JobID, seq uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok || job.SequenceNumber != seq {
		return false
	}
	delete(t.jobs, id)
	return true
}

// Remove unconditionally removes id.
func (t *Tracker) Remove(id gwtypes.JobID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
}

// Get returns a snapshot of the job stored for id.
func (t *Tracker) Get(id gwtypes.JobID) (gwtypes.Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	return job, ok
}

// Len reports the number of active jobs, exposed for metrics.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

// FindByJobID scans for a tracked job whose numeric id matches jobID,
// regardless of request chain, for common-chain events
// (JobResponded/JobResourceUnavailable/GatewayReassigned) whose topics
// carry only the numeric job id.
func (t *Tracker) FindByJobID(jobID uint64) (gwtypes.Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, job := range t.jobs {
		if id.JobID == jobID {
			return job, true
		}
	}
	return gwtypes.Job{}, false
}

// All returns a snapshot of every active job.
func (t *Tracker) All() []gwtypes.Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]gwtypes.Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j)
	}
	return out
}
