package pollqueue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/domonda/go-errs"
	"github.com/domonda/go-types/uu"
	"golang.org/x/sync/errgroup"
)

const cancelConcurrency = 8

// maxConditionalWrites limits how often a write conditioned
// on a previously read status is attempted again
// after the job changed in between.
const maxConditionalWrites = 3

// Cancel sets all jobs matching filter to StatusCancelled
// and returns the cancelled jobs.
// If filter.Statuses is empty, then only waiting jobs are cancelled.
// Jobs that are cancelled while processing keep running,
// but their outcome will be discarded.
func (q *Queue) Cancel(ctx context.Context, filter Filter) (cancelled []*Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, filter)

	if len(filter.Statuses) == 0 {
		filter.Statuses = []Status{StatusWaiting}
	}
	return q.cancelJobs(ctx, filter)
}

// CancelID cancels the waiting job with id.
// Returns nil without error if there is no waiting job with id.
func (q *Queue) CancelID(ctx context.Context, id uu.ID) (cancelled *Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, id)

	jobs, err := q.cancelJobs(ctx, FilterID(id, StatusWaiting))
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// Clear cancels all waiting and processing jobs
// and returns how many jobs were cancelled.
func (q *Queue) Clear(ctx context.Context) (numCancelled int, err error) {
	defer errs.WrapWithFuncParams(&err, ctx)

	cancelled, err := q.cancelJobs(ctx, Filter{Statuses: OutstandingStatuses})
	return len(cancelled), err
}

// cancelJobs cancels every job found with filter.
// Jobs that changed to a status not in filter.Statuses
// in between are skipped.
func (q *Queue) cancelJobs(ctx context.Context, filter Filter) ([]*Job, error) {
	jobs, err := q.store.Find(ctx, filter)
	if err != nil {
		return nil, err
	}

	var (
		cancelled    []*Job
		cancelledMtx sync.Mutex
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(cancelConcurrency)
	for _, job := range jobs {
		group.Go(func() error {
			stored, err := q.cancelJob(groupCtx, job, filter.Statuses)
			if err != nil || stored == nil {
				return err
			}
			cancelledMtx.Lock()
			cancelled = append(cancelled, stored)
			cancelledMtx.Unlock()
			return nil
		})
	}
	err = group.Wait()

	// Emit in queue order, also for the jobs
	// cancelled before an error
	slices.SortFunc(cancelled, CompareJobs)
	for _, job := range cancelled {
		log.Debug("Cancelled job").
			UUID("jobID", job.ID).
			Str("job", job.Name).
			Log()
		q.listeners.jobCancelled(ctx, job)
		q.checkGroupFinished(ctx, job)
	}
	return cancelled, err
}

// cancelJob writes StatusCancelled conditioned on the read status of job
// and reads the job again if its status changed to another of statuses.
// Returns nil if the job has none of statuses anymore.
func (q *Queue) cancelJob(ctx context.Context, job *Job, statuses []Status) (*Job, error) {
	for range maxConditionalWrites {
		stored, err := q.store.UpdateOne(ctx, FilterID(job.ID, job.Status), Update{Status: StatusCancelled})
		if err != nil {
			return nil, err
		}
		if stored != nil {
			q.metrics.move(ctx, stored.Name, job.Status, StatusCancelled)
			return stored, nil
		}
		jobs, err := q.store.Find(ctx, FilterID(job.ID, statuses...))
		if err != nil || len(jobs) == 0 {
			return nil, err
		}
		job = jobs[0]
	}
	return nil, errs.Errorf("job %s changed its status %d times while cancelling", job.ID, maxConditionalWrites)
}

// Retry resets the job with id to StatusWaiting so it will be
// claimed again, regardless of its current status.
// StartTime, EndTime, Duration, Error and Result are cleared
// and RetryCount is incremented.
// Returns ErrNotFound if there is no job with id.
func (q *Queue) Retry(ctx context.Context, id uu.ID) (job *Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, id)

	for range maxConditionalWrites {
		prev, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		job, err = q.store.UpdateOne(ctx, FilterID(id, prev.Status), Update{
			Status:        StatusWaiting,
			Reset:         true,
			IncRetryCount: true,
			RunAfter:      time.Now(),
		})
		if err != nil {
			return nil, err
		}
		if job == nil {
			// Changed or deleted since Get
			continue
		}
		q.metrics.move(ctx, job.Name, prev.Status, StatusWaiting)
		log.Debug("Retrying job").
			UUID("jobID", job.ID).
			Str("job", job.Name).
			Int("retryCount", job.RetryCount).
			Log()
		q.jobAvailable(ctx)
		return job, nil
	}
	return nil, errs.Errorf("job %s changed its status %d times while retrying", id, maxConditionalWrites)
}

// Get returns the job with id or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id uu.ID) (job *Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, id)

	jobs, err := q.store.Find(ctx, FilterID(id))
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

// FindMatching returns all jobs matching filter
// ordered by priority and creation time.
func (q *Queue) FindMatching(ctx context.Context, filter Filter) (jobs []*Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, filter)

	return q.store.Find(ctx, filter)
}

// ListByStatus returns all jobs with status
// ordered by priority and creation time.
func (q *Queue) ListByStatus(ctx context.Context, status Status) (jobs []*Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, status)

	return q.store.Find(ctx, Filter{Statuses: []Status{status}})
}
