package postgres

import (
	"context"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/repository"
)

const (
	workTable = "op_it_work"
	jobTable  = "vm_work_jobs"
)

// ---- work items ----

var workColumns = []string{
	"id", "vm_id", "vm_type", "node_id", "state", "step", "resource_type", "resource_id", "created_at", "updated_at",
}

func scanWork(row pgx.CollectableRow) (*domain.WorkItem, error) {
	var w domain.WorkItem
	err := row.Scan(&w.ID, &w.VMID, &w.VMType, &w.NodeID, &w.State, &w.Step,
		&w.ResourceType, &w.ResourceID, &w.CreatedAt, &w.UpdatedAt)
	return &w, err
}

func selectWork() *entsql.Selector {
	return psql.Select(workColumns...).From(entsql.Table(workTable))
}

func (s *Store) CreateWorkItem(ctx context.Context, w *domain.WorkItem) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := stamp(time.Now())
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = now
	}
	_, err := exec(ctx, s.pool, psql.Insert(workTable).Columns(workColumns...).Values(
		w.ID, w.VMID, w.VMType, w.NodeID, w.State, w.Step, w.ResourceType, w.ResourceID, w.CreatedAt, w.UpdatedAt,
	))
	if pgCode(err) == pgUniqueViolation {
		return repository.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	return nil
}

func (s *Store) GetWorkItem(ctx context.Context, id string) (*domain.WorkItem, error) {
	return one(ctx, s.pool, selectWork().Where(entsql.EQ("id", id)), scanWork)
}

func (s *Store) FindOutstandingWork(ctx context.Context, vmID int64, state domain.State) (*domain.WorkItem, error) {
	items, err := collect(ctx, s.pool, selectWork().
		Where(entsql.And(
			entsql.EQ("vm_id", vmID),
			entsql.EQ("state", state),
			entsql.NEQ("step", domain.StepDone),
		)).
		OrderBy(entsql.Desc("created_at")).
		Limit(1), scanWork)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

func (s *Store) UpdateWorkStep(ctx context.Context, id string, step domain.Step, at time.Time) error {
	return affectedOrNotFound(exec(ctx, s.pool, psql.Update(workTable).
		Set("step", step).
		Set("updated_at", stamp(at)).
		Where(entsql.EQ("id", id))))
}

func (s *Store) DeleteWorkItem(ctx context.Context, id string) error {
	_, err := exec(ctx, s.pool, psql.Delete(workTable).Where(entsql.EQ("id", id)))
	return err
}

func (s *Store) ListOutstandingWorkByNode(ctx context.Context, nodeID int64) ([]*domain.WorkItem, error) {
	return collect(ctx, s.pool, selectWork().
		Where(entsql.And(entsql.EQ("node_id", nodeID), entsql.NEQ("step", domain.StepDone))).
		OrderBy("created_at"), scanWork)
}

func (s *Store) ListOutstandingWorkInactiveSince(ctx context.Context, cutoff time.Time) ([]*domain.WorkItem, error) {
	return collect(ctx, s.pool, selectWork().
		Where(entsql.And(entsql.NEQ("step", domain.StepDone), entsql.LT("updated_at", cutoff))).
		OrderBy("created_at"), scanWork)
}

func (s *Store) DeleteDoneWorkBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return exec(ctx, s.pool, psql.Delete(workTable).
		Where(entsql.And(entsql.EQ("step", domain.StepDone), entsql.LT("updated_at", cutoff))))
}

// ---- work jobs ----

var jobColumns = []string{
	"id", "vm_id", "kind", "command", "status", "result", "error", "river_job_id",
	"node_id", "user_id", "account_id", "placeholder", "created_at", "updated_at", "completed_at",
}

var pendingStatuses = []any{domain.JobQueued, domain.JobInProgress}

func scanJob(row pgx.CollectableRow) (*domain.WorkJob, error) {
	var j domain.WorkJob
	err := row.Scan(&j.ID, &j.VMID, &j.Kind, &j.Command, &j.Status, &j.Result, &j.Error, &j.RiverJobID,
		&j.NodeID, &j.UserID, &j.AccountID, &j.Placeholder, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	return &j, err
}

func selectJobs() *entsql.Selector {
	return psql.Select(jobColumns...).From(entsql.Table(jobTable))
}

// CreateJob relies on the partial unique index over pending
// non-placeholder jobs to reject a duplicate.
func (s *Store) CreateJob(ctx context.Context, job *domain.WorkJob) error {
	if job.ID == "" {
		job.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := stamp(time.Now())
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.CreatedAt = stamp(job.CreatedAt)
	job.UpdatedAt = now

	_, err := exec(ctx, s.pool, psql.Insert(jobTable).Columns(jobColumns...).Values(
		job.ID, job.VMID, job.Kind, job.Command, job.Status, nullIfEmpty(job.Result), nullIfEmpty(job.Error),
		job.RiverJobID, job.NodeID, job.UserID, job.AccountID, job.Placeholder,
		job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	))
	if pgCode(err) == pgUniqueViolation {
		return repository.ErrDuplicatePendingJob
	}
	if err != nil {
		return fmt.Errorf("insert work job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.WorkJob, error) {
	return one(ctx, s.pool, selectJobs().Where(entsql.EQ("id", id)), scanJob)
}

func (s *Store) FindPendingJob(ctx context.Context, vmID int64, kind domain.OperationKind) (*domain.WorkJob, error) {
	jobs, err := collect(ctx, s.pool, selectJobs().
		Where(entsql.And(
			entsql.EQ("vm_id", vmID),
			entsql.EQ("kind", kind),
			entsql.EQ("placeholder", false),
			entsql.In("status", pendingStatuses...),
		)).
		Limit(1), scanJob)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

func (s *Store) ListPendingJobs(ctx context.Context, vmID int64) ([]*domain.WorkJob, error) {
	return collect(ctx, s.pool, selectJobs().
		Where(entsql.And(entsql.EQ("vm_id", vmID), entsql.In("status", pendingStatuses...))).
		OrderBy("created_at", "id"), scanJob)
}

func (s *Store) EarlierPendingJobExists(ctx context.Context, job *domain.WorkJob) (bool, error) {
	created := stamp(job.CreatedAt)
	n, err := one(ctx, s.pool, psql.Select(entsql.Count("*")).From(entsql.Table(jobTable)).
		Where(entsql.And(
			entsql.EQ("vm_id", job.VMID),
			entsql.NEQ("id", job.ID),
			entsql.EQ("placeholder", false),
			entsql.In("status", pendingStatuses...),
			entsql.Or(
				entsql.LT("created_at", created),
				entsql.And(entsql.EQ("created_at", created), entsql.LT("id", job.ID)),
			),
		)), pgx.RowTo[int64])
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) SetRiverJobID(ctx context.Context, id string, riverJobID int64) error {
	return affectedOrNotFound(exec(ctx, s.pool,
		psql.Update(jobTable).Set("river_job_id", riverJobID).Where(entsql.EQ("id", id))))
}

func (s *Store) MarkJobInProgress(ctx context.Context, id string, nodeID int64, at time.Time) (bool, error) {
	n, err := exec(ctx, s.pool, psql.Update(jobTable).
		Set("status", domain.JobInProgress).
		Set("node_id", nodeID).
		Set("updated_at", stamp(at)).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("status", domain.JobQueued))))
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	ok, err := exists(ctx, s.pool, jobTable, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, repository.ErrNotFound
	}
	return false, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, status domain.JobStatus, result, errPayload []byte, at time.Time) error {
	at = stamp(at)
	return affectedOrNotFound(exec(ctx, s.pool, psql.Update(jobTable).
		Set("status", status).
		Set("result", nullIfEmpty(result)).
		Set("error", nullIfEmpty(errPayload)).
		Set("updated_at", at).
		Set("completed_at", at).
		Where(entsql.EQ("id", id))))
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := exec(ctx, s.pool, psql.Delete(jobTable).Where(entsql.EQ("id", id)))
	return err
}

func (s *Store) FailInProgressJobsByNode(ctx context.Context, nodeID int64, errPayload []byte, at time.Time) ([]*domain.WorkJob, error) {
	at = stamp(at)
	return collect(ctx, s.pool, psql.Update(jobTable).
		Set("status", domain.JobFailed).
		Set("error", nullIfEmpty(errPayload)).
		Set("updated_at", at).
		Set("completed_at", at).
		Where(entsql.And(entsql.EQ("node_id", nodeID), entsql.EQ("status", domain.JobInProgress))).
		Returning(jobColumns...), scanJob)
}

func (s *Store) ListPendingJobsUpdatedBefore(ctx context.Context, cutoff time.Time) ([]*domain.WorkJob, error) {
	return collect(ctx, s.pool, selectJobs().
		Where(entsql.And(entsql.In("status", pendingStatuses...), entsql.LT("updated_at", stamp(cutoff)))).
		OrderBy("created_at", "id"), scanJob)
}

func (s *Store) FailPendingJob(ctx context.Context, id string, errPayload []byte, at time.Time) (bool, error) {
	at = stamp(at)
	n, err := exec(ctx, s.pool, psql.Update(jobTable).
		Set("status", domain.JobFailed).
		Set("result", nil).
		Set("error", nullIfEmpty(errPayload)).
		Set("updated_at", at).
		Set("completed_at", at).
		Where(entsql.And(entsql.EQ("id", id), entsql.In("status", pendingStatuses...))))
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	ok, err := exists(ctx, s.pool, jobTable, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, repository.ErrNotFound
	}
	return false, nil
}

func (s *Store) DeleteCompletedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return exec(ctx, s.pool, psql.Delete(jobTable).
		Where(entsql.And(entsql.NotNull("completed_at"), entsql.LT("completed_at", cutoff))))
}
