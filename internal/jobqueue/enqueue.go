package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/pkg/worker"
)

// QueueVMWork is the River queue carrying work jobs.
const QueueVMWork = "vm_work"

// VMWorkArgs is the River payload of a work job. It carries ids only; the
// command is read from the work job record (claim-check).
type VMWorkArgs struct {
	WorkJobID string `json:"work_job_id"`
	VMID      int64  `json:"vm_id"`
}

// Kind returns the River job kind.
func (VMWorkArgs) Kind() string { return "vm_work" }

// InsertOpts routes work jobs to the vm_work queue. Attempts only cover
// infrastructure errors; handler failures complete the work job instead.
func (VMWorkArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueVMWork,
		MaxAttempts: 5,
	}
}

// RiverEnqueuer inserts work jobs into River.
type RiverEnqueuer struct {
	client *river.Client[pgx.Tx]
}

// NewRiverEnqueuer creates an enqueuer. SetClient must be called before
// the first Enqueue.
func NewRiverEnqueuer() *RiverEnqueuer {
	return &RiverEnqueuer{}
}

// SetClient wires the River client, which is built only after every
// worker (including the dispatcher that enqueues through e) is registered.
func (e *RiverEnqueuer) SetClient(client *river.Client[pgx.Tx]) {
	e.client = client
}

// Enqueue implements Enqueuer.
func (e *RiverEnqueuer) Enqueue(ctx context.Context, job *domain.WorkJob) (int64, error) {
	if e.client == nil {
		return 0, errors.New("river enqueuer has no client")
	}
	res, err := e.client.Insert(ctx, VMWorkArgs{WorkJobID: job.ID, VMID: job.VMID}, nil)
	if err != nil {
		return 0, fmt.Errorf("insert river vm_work job: %w", err)
	}
	return res.Job.ID, nil
}

// Alive implements Inspector. Finished, cancelled, discarded and deleted
// River jobs will never run the work job again.
func (e *RiverEnqueuer) Alive(ctx context.Context, backendID int64) (bool, error) {
	if e.client == nil {
		return false, errors.New("river enqueuer has no client")
	}
	row, err := e.client.JobGet(ctx, backendID)
	if errors.Is(err, rivertype.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get river job %d: %w", backendID, err)
	}
	switch row.State {
	case rivertype.JobStateCompleted, rivertype.JobStateCancelled, rivertype.JobStateDiscarded:
		return false, nil
	}
	return true, nil
}

// LocalEnqueuer executes work jobs on an in-process pool. It backs
// single-node runs without River and the orchestration tests.
type LocalEnqueuer struct {
	pool       *worker.Pool
	dispatcher *Dispatcher
	snooze     time.Duration
	nextID     atomic.Int64
	live       sync.Map
}

// NewLocalEnqueuer creates a local enqueuer. SetDispatcher must be called
// before the first Enqueue.
func NewLocalEnqueuer(pool *worker.Pool, snooze time.Duration) *LocalEnqueuer {
	return &LocalEnqueuer{pool: pool, snooze: snooze}
}

// SetDispatcher wires the dispatcher, which itself depends on the
// orchestrator that submits through this enqueuer.
func (e *LocalEnqueuer) SetDispatcher(d *Dispatcher) {
	e.dispatcher = d
}

// Enqueue implements Enqueuer.
func (e *LocalEnqueuer) Enqueue(ctx context.Context, job *domain.WorkJob) (int64, error) {
	if e.dispatcher == nil {
		return 0, errors.New("local enqueuer has no dispatcher")
	}
	id := e.nextID.Add(1)
	jobID, vmID := job.ID, job.VMID
	e.live.Store(id, jobID)
	err := e.pool.Submit(context.WithoutCancel(ctx), func(ctx context.Context) {
		defer e.live.Delete(id)
		for {
			err := e.dispatcher.Execute(ctx, jobID, vmID)
			if !errors.Is(err, ErrLaneBusy) {
				if err != nil {
					logger.Warn("Local work job ended with error", zap.String("job_id", jobID), zap.Error(err))
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.snooze):
			}
		}
	})
	if err != nil {
		e.live.Delete(id)
		return 0, err
	}
	return id, nil
}

// Alive implements Inspector.
func (e *LocalEnqueuer) Alive(_ context.Context, backendID int64) (bool, error) {
	_, ok := e.live.Load(backendID)
	return ok, nil
}
