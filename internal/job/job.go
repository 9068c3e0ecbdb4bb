// Package job tracks the lifecycle of side-effecting agent actions:
// queued, optionally waiting for human confirmation, running, and finally
// completed or failed. Confirmation only delays entry into running, it
// never substitutes for it.
package job

import (
	"sync"
	"time"

	"trustcore.org/internal/policy"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusQueued              Status = "queued"
	StatusWaitingConfirmation Status = "waiting_confirmation"
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
)

// Risk levels attached to jobs.
const (
	RiskNormal = "normal"
	RiskHigh   = "high"
)

// SubmitRequest is the action payload as submitted. Exactly one of Tx and
// Bet is set for policy-governed integrations; generic tool calls carry
// only Params.
type SubmitRequest struct {
	IntegrationID string             `json:"integration_id"`
	Action        string             `json:"action"`
	Tx            *policy.TxRequest  `json:"tx,omitempty"`
	Bet           *policy.BetRequest `json:"bet,omitempty"`
	Params        map[string]any     `json:"params,omitempty"`
}

// Job is one tracked execution.
type Job struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	SessionID     string         `json:"session_id,omitempty"`
	IntegrationID string         `json:"integration_id"`
	Action        string         `json:"action"`
	Status        Status         `json:"status"`
	RiskLevel     string         `json:"risk_level"`
	Input         SubmitRequest  `json:"input"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Confirmation is the pending gate for one high-risk job. Only the hash of
// the one-time code is kept; the original request payload is executed on
// success, never the confirming call's payload.
type Confirmation struct {
	JobID     string        `json:"job_id"`
	TenantID  string        `json:"tenant_id"`
	CodeHash  string        `json:"code_hash"`
	ExpiresAt time.Time     `json:"expires_at"`
	Attempts  int           `json:"attempts"`
	Request   SubmitRequest `json:"request"`
}

// Store keeps jobs and pending confirmations in memory with snapshot
// support. Confirmations are keyed by job id.
type Store struct {
	mu            sync.RWMutex
	jobs          map[string]*Job
	confirmations map[string]*Confirmation
}

// NewStore creates an empty job store.
func NewStore() *Store {
	return &Store{
		jobs:          make(map[string]*Job),
		confirmations: make(map[string]*Confirmation),
	}
}

// PutJob inserts or replaces a job record.
func (s *Store) PutJob(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *j
	s.jobs[j.ID] = &copied
}

// Job returns a copy of the job by id.
func (s *Store) Job(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	copied := *j
	return &copied, true
}

// UpdateJob applies a mutation to the stored job under the lock.
func (s *Store) UpdateJob(id string, mutate func(*Job)) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	mutate(j)
	copied := *j
	return &copied, true
}

// PutConfirmation stores the pending confirmation for a job.
func (s *Store) PutConfirmation(c *Confirmation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *c
	s.confirmations[c.JobID] = &copied
}

// Confirmation returns a copy of the pending confirmation for a job.
func (s *Store) Confirmation(jobID string) (*Confirmation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.confirmations[jobID]
	if !ok {
		return nil, false
	}
	copied := *c
	return &copied, true
}

// BumpAttempts increments the failure counter and returns the new value.
func (s *Store) BumpAttempts(jobID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.confirmations[jobID]
	if !ok {
		return 0, false
	}
	c.Attempts++
	return c.Attempts, true
}

// DeleteConfirmation removes the pending confirmation for a job.
func (s *Store) DeleteConfirmation(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.confirmations, jobID)
}

// ExpiredConfirmations lists the job ids of confirmations past their expiry.
func (s *Store) ExpiredConfirmations(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, c := range s.confirmations {
		if !now.Before(c.ExpiresAt) {
			out = append(out, id)
		}
	}
	return out
}

// JobsSnapshot copies all jobs for persistence.
func (s *Store) JobsSnapshot() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// ConfirmationsSnapshot copies all pending confirmations for persistence.
func (s *Store) ConfirmationsSnapshot() []Confirmation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Confirmation, 0, len(s.confirmations))
	for _, c := range s.confirmations {
		out = append(out, *c)
	}
	return out
}

// Restore replaces store contents from a persisted snapshot.
func (s *Store) Restore(jobs []Job, confirmations []Confirmation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*Job, len(jobs))
	s.confirmations = make(map[string]*Confirmation, len(confirmations))
	for i := range jobs {
		j := jobs[i]
		s.jobs[j.ID] = &j
	}
	for i := range confirmations {
		c := confirmations[i]
		s.confirmations[c.JobID] = &c
	}
}
