package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/repository"
)

// ---- work items ----

func (s *Store) CreateWorkItem(_ context.Context, w *domain.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = now
	}
	c := *w
	s.work[w.ID] = &c
	return nil
}

func (s *Store) GetWorkItem(_ context.Context, id string) (*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.work[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *w
	return &c, nil
}

func (s *Store) FindOutstandingWork(_ context.Context, vmID int64, state domain.State) (*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *domain.WorkItem
	for _, w := range s.work {
		if w.VMID != vmID || w.State != state || w.Step == domain.StepDone {
			continue
		}
		if found == nil || w.CreatedAt.After(found.CreatedAt) {
			found = w
		}
	}
	if found == nil {
		return nil, nil
	}
	c := *found
	return &c, nil
}

func (s *Store) UpdateWorkStep(_ context.Context, id string, step domain.Step, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.work[id]
	if !ok {
		return repository.ErrNotFound
	}
	w.Step = step
	w.UpdatedAt = at
	return nil
}

func (s *Store) DeleteWorkItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.work, id)
	return nil
}

func (s *Store) ListOutstandingWorkByNode(_ context.Context, nodeID int64) ([]*domain.WorkItem, error) {
	return s.listWork(func(w *domain.WorkItem) bool {
		return w.NodeID == nodeID && w.Step != domain.StepDone
	}), nil
}

func (s *Store) ListOutstandingWorkInactiveSince(_ context.Context, cutoff time.Time) ([]*domain.WorkItem, error) {
	return s.listWork(func(w *domain.WorkItem) bool {
		return w.Step != domain.StepDone && w.UpdatedAt.Before(cutoff)
	}), nil
}

func (s *Store) DeleteDoneWorkBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, w := range s.work {
		if w.Step == domain.StepDone && w.UpdatedAt.Before(cutoff) {
			delete(s.work, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) listWork(match func(w *domain.WorkItem) bool) []*domain.WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WorkItem
	for _, w := range s.work {
		if match(w) {
			c := *w
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ---- work jobs ----

func (s *Store) CreateJob(_ context.Context, job *domain.WorkJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !job.Placeholder {
		for _, j := range s.jobs {
			if j.VMID == job.VMID && j.Kind == job.Kind && !j.Placeholder && j.Status.Pending() {
				return repository.ErrDuplicatePendingJob
			}
		}
	}
	if job.ID == "" {
		job.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*domain.WorkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *Store) FindPendingJob(_ context.Context, vmID int64, kind domain.OperationKind) (*domain.WorkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.VMID == vmID && j.Kind == kind && !j.Placeholder && j.Status.Pending() {
			return cloneJob(j), nil
		}
	}
	return nil, nil
}

func (s *Store) ListPendingJobs(_ context.Context, vmID int64) ([]*domain.WorkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WorkJob
	for _, j := range s.jobs {
		if j.VMID == vmID && j.Status.Pending() {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return jobBefore(out[i], out[k]) })
	return out, nil
}

func (s *Store) EarlierPendingJobExists(_ context.Context, job *domain.WorkJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == job.ID || j.VMID != job.VMID || j.Placeholder || !j.Status.Pending() {
			continue
		}
		if jobBefore(j, job) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SetRiverJobID(_ context.Context, id string, riverJobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	j.RiverJobID = &riverJobID
	return nil
}

func (s *Store) MarkJobInProgress(_ context.Context, id string, nodeID int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if j.Status != domain.JobQueued {
		return false, nil
	}
	j.Status = domain.JobInProgress
	j.NodeID = nodeID
	j.UpdatedAt = at
	return true, nil
}

func (s *Store) CompleteJob(_ context.Context, id string, status domain.JobStatus, result, errPayload []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	j.Status = status
	j.Result = append([]byte(nil), result...)
	j.Error = append([]byte(nil), errPayload...)
	j.UpdatedAt = at
	t := at
	j.CompletedAt = &t
	return nil
}

func (s *Store) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *Store) FailInProgressJobsByNode(_ context.Context, nodeID int64, errPayload []byte, at time.Time) ([]*domain.WorkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WorkJob
	for _, j := range s.jobs {
		if j.NodeID != nodeID || j.Status != domain.JobInProgress {
			continue
		}
		j.Status = domain.JobFailed
		j.Error = append([]byte(nil), errPayload...)
		j.UpdatedAt = at
		t := at
		j.CompletedAt = &t
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (s *Store) ListPendingJobsUpdatedBefore(_ context.Context, cutoff time.Time) ([]*domain.WorkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WorkJob
	for _, j := range s.jobs {
		if j.Status.Pending() && j.UpdatedAt.Before(cutoff) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return jobBefore(out[i], out[k]) })
	return out, nil
}

func (s *Store) FailPendingJob(_ context.Context, id string, errPayload []byte, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !j.Status.Pending() {
		return false, nil
	}
	j.Status = domain.JobFailed
	j.Result = nil
	j.Error = append([]byte(nil), errPayload...)
	j.UpdatedAt = at
	t := at
	j.CompletedAt = &t
	return true, nil
}

func (s *Store) DeleteCompletedJobsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func jobBefore(a, b *domain.WorkJob) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func cloneJob(j *domain.WorkJob) *domain.WorkJob {
	c := *j
	c.Command = append([]byte(nil), j.Command...)
	c.Result = append([]byte(nil), j.Result...)
	c.Error = append([]byte(nil), j.Error...)
	if j.RiverJobID != nil {
		id := *j.RiverJobID
		c.RiverJobID = &id
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
