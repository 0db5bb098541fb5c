package pollqueue

import (
	"math"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
)

// RetryPolicy computes how long an autoretried job
// has to wait before it can be claimed again.
type RetryPolicy interface {
	// RetryDelay is called with the failed job,
	// job.RetryCount is the number of retries before this one.
	RetryDelay(job *Job) time.Duration
}

// RetryPolicyFunc implements RetryPolicy with a function.
type RetryPolicyFunc func(job *Job) time.Duration

func (f RetryPolicyFunc) RetryDelay(job *Job) time.Duration {
	return f(job)
}

// ImmediateRetry makes autoretried jobs claimable right away.
var ImmediateRetry RetryPolicy = RetryPolicyFunc(func(*Job) time.Duration { return 0 })

// ConstantRetry waits the same delay before every retry.
func ConstantRetry(delay time.Duration) RetryPolicy {
	return RetryPolicyFunc(func(*Job) time.Duration { return delay })
}

// ExponentialRetry doubles the delay with every retry:
// initial * 2^RetryCount capped at maxDelay.
func ExponentialRetry(initial, maxDelay time.Duration) RetryPolicy {
	return RetryPolicyFunc(func(job *Job) time.Duration {
		d := float64(initial) * math.Pow(2, float64(job.RetryCount))
		if d >= float64(maxDelay) {
			return maxDelay
		}
		return time.Duration(d)
	})
}

// BackoffRetry uses a jittered exponential backoff
// between initial and maxDelay.
func BackoffRetry(initial, maxDelay time.Duration) RetryPolicy {
	return RetryPolicyFunc(func(job *Job) time.Duration {
		bo := boff.New(initial, maxDelay, time.Now().UnixNano())
		d := bo.Next()
		for range min(job.RetryCount, 64) {
			d = bo.Next()
		}
		return d
	})
}

func (q *Queue) retryPolicy(def *Definition) RetryPolicy {
	if def != nil && def.RetryPolicy != nil {
		return def.RetryPolicy
	}
	if q.config.RetryPolicy != nil {
		return q.config.RetryPolicy
	}
	return ImmediateRetry
}
