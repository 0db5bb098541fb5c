package pollqueue

import (
	"context"
	"errors"
	"time"

	"github.com/domonda/go-errs"
	"github.com/domonda/go-types/nullable"
	"github.com/domonda/golog"
)

type handlerResult struct {
	result   any
	err      error
	timedOut bool
}

// execute a claimed job and persist its outcome.
func (q *Queue) execute(ctx context.Context, job *Job) {
	ctx = golog.ContextWithAttribs(ctx, golog.UUID{Key: "jobID", Val: job.ID})

	def, ok := q.registry.get(job.Name)
	if !ok {
		// Unregistered between claim and execution
		q.finish(ctx, nil, job, handlerResult{err: errs.Errorf("%w: %s", ErrUnknownJob, job.Name)})
		return
	}

	q.listeners.jobProcess(ctx, job)

	res, stopped := q.runHandler(ctx, def, job)
	if stopped {
		log.Debug("Discarding job outcome because the queue was stopped").
			UUID("jobID", job.ID).
			Str("job", job.Name).
			Log()
		return
	}
	q.finish(ctx, def, job, res)
}

// runHandler calls the handler of def in its own goroutine
// and waits for its result, the handler timeout, or ctx.
// A handler that does not return in time is abandoned.
// Returns stopped == true if ctx was cancelled.
func (q *Queue) runHandler(ctx context.Context, def *Definition, job *Job) (res handlerResult, stopped bool) {
	timeout := def.Timeout
	if timeout == 0 {
		timeout = q.config.JobTimeout
	}
	var (
		handlerCtx context.Context
		cancel     context.CancelFunc
	)
	if timeout > 0 {
		handlerCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		handlerCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	handlerCtx = contextWithDeps(handlerCtx, q.config.Deps)

	done := make(chan handlerResult, 1)
	go func(job *Job) {
		var res handlerResult
		defer func() {
			if p := recover(); p != nil {
				res = handlerResult{err: errs.Errorf("job handler panic: %w", errs.AsErrorWithDebugStack(p))}
			}
			done <- res
		}()
		res.result, res.err = def.Handler.Handle(handlerCtx, job.Payload, q, job)
	}(job.Clone())

	select {
	case res = <-done:
		if ctx.Err() != nil {
			return handlerResult{}, true
		}
		if res.err != nil && errors.Is(handlerCtx.Err(), context.DeadlineExceeded) && errors.Is(res.err, context.DeadlineExceeded) {
			res.err = errs.Errorf("%w after %s: %w", ErrHandlerTimeout, timeout, res.err)
			res.timedOut = true
		}
		return res, false

	case <-handlerCtx.Done():
		if ctx.Err() != nil {
			return handlerResult{}, true
		}
		log.Warn("Abandoning job handler after timeout").
			UUID("jobID", job.ID).
			Str("job", job.Name).
			Str("timeout", timeout.String()).
			Log()
		return handlerResult{err: errs.Errorf("%w after %s", ErrHandlerTimeout, timeout), timedOut: true}, false
	}
}

// finish writes the terminal status of a processing job,
// emits the finish or failed event, autoretries
// and checks if the group of the job has finished.
func (q *Queue) finish(ctx context.Context, def *Definition, job *Job, res handlerResult) {
	now := time.Now()
	update := Update{
		Status:   StatusCompleted,
		EndTime:  now,
		Duration: now.Sub(job.StartTime.Get()),
	}
	if res.err == nil {
		var err error
		update.Result, err = nullable.MarshalJSON(res.result)
		if err != nil {
			res.err = errs.Errorf("can't marshal job result as JSON: %w", err)
		}
	}
	switch {
	case res.timedOut:
		update.Status = StatusTimeout
		update.Error = newErrorInfo(res.err, true)
		update.Result = nil
	case res.err != nil:
		update.Status = StatusFailed
		update.Error = newErrorInfo(res.err, false)
		update.Result = nil
	}

	stored, err := q.store.UpdateOne(ctx, FilterID(job.ID, StatusProcessing), update)
	if err != nil {
		q.onError(err)
		log.ErrorCtx(ctx, "Error while saving the job outcome").
			Err(err).
			UUID("jobID", job.ID).
			Str("status", string(update.Status)).
			Log()
		return
	}
	if stored == nil {
		log.Info("Job was no longer processing, discarding its outcome").
			UUID("jobID", job.ID).
			Str("job", job.Name).
			Log()
		return
	}
	q.metrics.move(ctx, stored.Name, StatusProcessing, stored.Status)
	q.metrics.recordDuration(ctx, stored)

	if res.err == nil {
		log.Debug("Job completed").
			UUID("jobID", stored.ID).
			Str("job", stored.Name).
			Str("duration", stored.Duration.String()).
			Log()
		q.listeners.jobFinished(ctx, stored, res.result)
		q.checkGroupFinished(ctx, stored)
		return
	}

	q.onError(res.err)
	log.ErrorCtx(ctx, "Job failed").
		Err(res.err).
		UUID("jobID", stored.ID).
		Str("job", stored.Name).
		Str("status", string(stored.Status)).
		Log()
	q.listeners.jobFailed(ctx, stored, res.err)

	if def != nil && def.Autoretry && (q.config.MaxRetries == 0 || stored.RetryCount < q.config.MaxRetries) {
		retried, err := q.autoretry(ctx, def, stored)
		if err != nil {
			q.onError(err)
			log.ErrorCtx(ctx, "Error while autoretrying the job").
				Err(err).
				UUID("jobID", stored.ID).
				Log()
		}
		if retried != nil {
			return
		}
	}
	q.checkGroupFinished(ctx, stored)
}

// autoretry resets a failed job to StatusWaiting
// with RunAfter delayed by the retry policy.
func (q *Queue) autoretry(ctx context.Context, def *Definition, job *Job) (retried *Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, def, job)

	delay := q.retryPolicy(def).RetryDelay(job)
	retried, err = q.store.UpdateOne(ctx, FilterID(job.ID, job.Status), Update{
		Status:        StatusWaiting,
		Reset:         true,
		IncRetryCount: true,
		RunAfter:      time.Now().Add(delay),
	})
	if err != nil || retried == nil {
		return nil, err
	}
	q.metrics.move(ctx, retried.Name, job.Status, StatusWaiting)
	log.Info("Autoretrying job").
		UUID("jobID", retried.ID).
		Str("job", retried.Name).
		Int("retryCount", retried.RetryCount).
		Str("delay", delay.String()).
		Log()
	q.jobAvailable(ctx)
	return retried, nil
}
