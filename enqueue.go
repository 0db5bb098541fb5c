package pollqueue

import (
	"context"
	"time"

	"github.com/domonda/go-errs"
	"github.com/domonda/go-types/nullable"
	"github.com/domonda/go-types/uu"
	"github.com/domonda/golog"
)

// Request to enqueue a job of a registered Definition.
type Request struct {
	// Name of the registered Definition.
	Name string

	// Payload will be marshalled to JSON or directly
	// interpreted as JSON if it is a string or []byte type.
	Payload any

	// Key deduplicates waiting jobs: enqueueing with the Key
	// of a waiting job updates that job instead of adding a new one.
	Key string

	GroupKey string

	// RunAfter is the earliest time to claim the job,
	// the job is due immediately if zero.
	RunAfter time.Time
}

// Enqueue validates the payload of req, persists a new waiting job
// and returns its ID.
//
// If a waiting job with the same Key exists, then its payload
// and RunAfter are replaced and its ID is returned.
//
// Enqueue respects ContextWithSynchronousJobs and ContextWithIgnoreJob.
func (q *Queue) Enqueue(ctx context.Context, req Request) (id uu.ID, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, req)

	def, job, err := q.newJob(req, time.Now())
	if err != nil {
		return uu.IDNil, err
	}

	if IgnoreJob(ctx, job) {
		log.Debug("Ignoring job").
			Str("job", job.Name).
			Log()
		return uu.IDNil, nil
	}

	if SynchronousJobs(ctx) {
		job.ID = uu.IDv4()
		log.Debug("Synchronous job").
			UUID("jobID", job.ID).
			Str("job", job.Name).
			Log()
		return job.ID, q.doJobSynchronously(ctx, def, job)
	}

	var stored *Job
	if job.Key.IsNotNull() {
		var inserted bool
		stored, inserted, err = q.store.Upsert(ctx, Filter{Key: string(job.Key), Statuses: []Status{StatusWaiting}}, job)
		if err != nil {
			return uu.IDNil, err
		}
		if inserted {
			q.metrics.move(ctx, stored.Name, "", StatusWaiting)
		}
	} else {
		stored, err = q.store.Insert(ctx, job)
		if err != nil {
			return uu.IDNil, err
		}
		q.metrics.move(ctx, stored.Name, "", StatusWaiting)
	}

	q.listeners.jobQueued(ctx, stored)
	q.jobAvailable(ctx)
	return stored.ID, nil
}

// newJob returns a waiting Job for req
// with a validated payload and without an ID.
func (q *Queue) newJob(req Request, now time.Time) (*Definition, *Job, error) {
	def, ok := q.registry.get(req.Name)
	if !ok {
		return nil, nil, errs.Errorf("%w: %q", ErrUnknownJob, req.Name)
	}

	payload, err := marshalPayload(req.Payload)
	if err != nil {
		return nil, nil, err
	}
	if def.Schema != nil {
		validated, err := def.Schema.Validate(payload)
		if err != nil {
			return nil, nil, &PayloadError{JobName: def.Name, Err: err}
		}
		payload = validated
	}

	runAfter := req.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}
	job := &Job{
		Name:      def.Name,
		Payload:   payload,
		Priority:  def.Priority,
		Key:       nullable.NonEmptyString(req.Key),
		GroupKey:  nullable.NonEmptyString(req.GroupKey),
		RunAfter:  runAfter,
		CreatedOn: now,
		Status:    StatusWaiting,
	}
	return def, job, nil
}

// doJobSynchronously calls the handler of def with job
// without persisting anything.
func (q *Queue) doJobSynchronously(ctx context.Context, def *Definition, job *Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errs.Errorf("job handler panic: %w", errs.AsErrorWithDebugStack(p))
		}
	}()

	ctx = golog.ContextWithAttribs(ctx, golog.UUID{Key: "jobID", Val: job.ID})
	ctx = contextWithDeps(ctx, q.config.Deps)
	job.Status = StatusProcessing
	job.StartTime = nullable.TimeNow()
	_, err = def.Handler.Handle(ctx, job.Payload, q, job)
	return err
}
