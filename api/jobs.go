package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/access-review/review"
)

// =============================================================================
// BACKGROUND JOBS
// =============================================================================
//
// Distribute and ingest can take minutes on a large cycle. The handler
// queues them here and returns 202 with a job id; a single worker runs
// them in submission order and records progress the client can poll.
// Finished jobs stay pollable for Retention and are dropped by the next
// Submit after that.

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// JobFunc runs one job. report may be called any number of times.
type JobFunc func(ctx context.Context, report func(done, total int, message string)) (any, error)

// JobDTO is the pollable state of a job.
type JobDTO struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	CycleID    review.CycleID `json:"cycle_id"`
	Status     JobStatus      `json:"status"`
	Done       int            `json:"done"`
	Total      int            `json:"total"`
	Message    string         `json:"message,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      *ErrorResponse `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

type job struct {
	dto JobDTO
	run JobFunc
}

// DefaultJobRetention is how long a finished job stays pollable.
const DefaultJobRetention = time.Hour

// Jobs is a FIFO queue drained by one worker goroutine.
type Jobs struct {
	// Retention bounds how long finished jobs are kept. Set it before
	// the first Submit.
	Retention time.Duration

	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*job

	queue  chan *job
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// ErrQueueFull is returned by Submit when the backlog is at capacity.
var ErrQueueFull = errors.New("job queue is full")

// NewJobs starts the worker. Stop must be called to release it.
func NewJobs(logger *zap.Logger, backlog int) *Jobs {
	if backlog < 1 {
		backlog = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &Jobs{
		Retention: DefaultJobRetention,
		logger:    logger,
		now:    time.Now,
		jobs:   make(map[string]*job),
		queue:  make(chan *job, backlog),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go j.work()
	return j
}

// Submit queues fn and returns its initial state.
func (j *Jobs) Submit(kind string, id review.CycleID, fn JobFunc) (JobDTO, error) {
	jb := &job{
		dto: JobDTO{
			ID:        uuid.NewString(),
			Kind:      kind,
			CycleID:   id,
			Status:    JobQueued,
			CreatedAt: j.now().UTC(),
		},
		run: fn,
	}

	queued := jb.dto

	j.mu.Lock()
	j.pruneLocked(jb.dto.CreatedAt)
	j.jobs[queued.ID] = jb
	j.mu.Unlock()

	select {
	case j.queue <- jb:
	default:
		j.mu.Lock()
		delete(j.jobs, queued.ID)
		j.mu.Unlock()
		return JobDTO{}, ErrQueueFull
	}
	j.logger.Info("job queued", zap.String("job_id", queued.ID), zap.String("kind", kind), zap.Stringer("cycle_id", id))
	return queued, nil
}

// Get returns a snapshot of the job.
func (j *Jobs) Get(id string) (JobDTO, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	jb, ok := j.jobs[id]
	if !ok {
		return JobDTO{}, false
	}
	return jb.dto, true
}

// pruneLocked forgets jobs that finished more than Retention before now.
func (j *Jobs) pruneLocked(now time.Time) {
	for id, jb := range j.jobs {
		if f := jb.dto.FinishedAt; f != nil && now.Sub(*f) > j.Retention {
			delete(j.jobs, id)
		}
	}
}

// Stop cancels the running job and waits for the worker to exit. Jobs
// still queued are marked failed.
func (j *Jobs) Stop() {
	j.cancel()
	<-j.done
}

func (j *Jobs) work() {
	defer close(j.done)
	for {
		select {
		case <-j.ctx.Done():
			j.drain()
			return
		case jb := <-j.queue:
			j.execute(jb)
		}
	}
}

func (j *Jobs) drain() {
	for {
		select {
		case jb := <-j.queue:
			j.finish(jb, nil, context.Canceled)
		default:
			return
		}
	}
}

func (j *Jobs) execute(jb *job) {
	j.update(jb, func(d *JobDTO) { d.Status = JobRunning })

	report := func(done, total int, message string) {
		j.update(jb, func(d *JobDTO) {
			d.Done, d.Total, d.Message = done, total, message
		})
	}
	result, err := jb.run(j.ctx, report)
	j.finish(jb, result, err)
}

func (j *Jobs) finish(jb *job, result any, err error) {
	now := j.now().UTC()
	j.update(jb, func(d *JobDTO) {
		d.FinishedAt = &now
		if err != nil {
			d.Status = JobFailed
			d.Error = errorBody(err)
			return
		}
		d.Status = JobSucceeded
		d.Result = result
	})
	if err != nil {
		j.logger.Warn("job failed", zap.String("job_id", jb.dto.ID), zap.String("kind", jb.dto.Kind), zap.Error(err))
		return
	}
	j.logger.Info("job finished", zap.String("job_id", jb.dto.ID), zap.String("kind", jb.dto.Kind))
}

func (j *Jobs) update(jb *job, fn func(*JobDTO)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&jb.dto)
}
