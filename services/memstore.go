package services

import (
	"context"
	"sync"
	"time"

	"gigovert/models"
)

// MemoryStore is an in-process job store with the same lease semantics as
// the Postgres store. It backs tests and single-node runs without a
// database; records do not survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]models.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]models.Job)}
}

func (m *MemoryStore) Create(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = *job
	return nil
}

func (m *MemoryStore) Get(_ context.Context, jobID string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return &job, nil
}

func (m *MemoryStore) Claim(_ context.Context, jobID, owner string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	if job.Owner != "" || job.Status != models.StatusQueued {
		return nil, models.ErrJobClaimed
	}
	job.Owner = owner
	job.UpdatedAt = time.Now().UTC()
	m.jobs[jobID] = job
	claimed := job
	return &claimed, nil
}

func (m *MemoryStore) Update(_ context.Context, job *models.Job, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[job.JobID]
	if !ok {
		return models.ErrJobNotFound
	}
	if stored.Owner != owner {
		return models.ErrNotOwner
	}
	updated := *job
	updated.Owner = owner
	if updated.Status.IsTerminal() {
		updated.Owner = ""
	}
	m.jobs[job.JobID] = updated
	return nil
}

func (m *MemoryStore) ForceFail(_ context.Context, jobID, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.Status = models.StatusFailed
	job.ErrorMessage = detail
	job.Owner = ""
	job.UpdatedAt = time.Now().UTC()
	m.jobs[jobID] = job
	return nil
}

func (m *MemoryStore) CountByStatus(_ context.Context, status models.Status) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, job := range m.jobs {
		if job.Status == status {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) RecentStats(_ context.Context, since time.Time) (models.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := models.Stats{ByConversion: make(map[string]models.ConversionStats)}
	for _, job := range m.jobs {
		if job.CreatedAt.Before(since) {
			continue
		}
		tallyJob(&stats, job.FromFormat, job.ToFormat, job.Status)
	}
	return stats, nil
}
