package pollqueue

import (
	"context"
	"sync"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
)

// worker is the poll loop of one worker of the pool.
// It claims and executes one job at a time
// until ctx is cancelled by Stop.
func (q *Queue) worker(ctx context.Context, wg *sync.WaitGroup, index int) {
	defer wg.Done()

	log, ctx := log.With().
		Int("worker", index).
		SubLoggerContext(ctx)

	log.Debug("Starting the worker loop").Log()

	defer log.Debug("Worker loop ended").Log()

	// nextErrorDelay is nil as long as claiming works
	var nextErrorDelay func() time.Duration

	for {
		if q.exiting.Load() || ctx.Err() != nil {
			return
		}

		if q.State() == StatePaused {
			if !q.sleep(ctx, q.config.PauseInterval, false) {
				return
			}
			continue
		}

		if q.limiter != nil {
			err := q.limiter.Wait(ctx)
			if err != nil {
				return
			}
		}

		job, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if nextErrorDelay == nil {
				nextErrorDelay = q.newErrorBackoff()
			}
			delay := nextErrorDelay()
			q.onError(err)
			log.ErrorCtx(ctx, "Error while claiming the next job").
				Err(err).
				Str("backoff", delay.String()).
				Log()
			if !q.sleep(ctx, delay, false) {
				return
			}
			continue
		}
		nextErrorDelay = nil

		if job == nil {
			q.listeners.queueEmpty(ctx)
			if !q.sleep(ctx, q.config.PollInterval, true) {
				return
			}
			continue
		}

		q.execute(ctx, job)
	}
}

// claim the next due job with a registered name or return nil.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	names := q.registry.names()
	if len(names) == 0 {
		return nil, nil
	}
	job, err := q.store.ClaimNext(ctx, time.Now(), names)
	if err != nil || job == nil {
		return nil, err
	}
	q.metrics.move(ctx, job.Name, StatusWaiting, StatusProcessing)
	return job, nil
}

// sleep for d or until ctx is done.
// If wakeable, then a job available signal ends the sleep early.
// Returns false if ctx is done.
func (q *Queue) sleep(ctx context.Context, d time.Duration, wakeable bool) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var wake <-chan struct{}
	if wakeable {
		wake = q.wake
	}
	select {
	case <-timer.C:
		return true
	case <-wake:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) newErrorBackoff() func() time.Duration {
	bo := boff.New(q.config.ErrorBackoffInitial, q.config.ErrorBackoffMax, time.Now().UnixNano())
	return bo.Next
}
