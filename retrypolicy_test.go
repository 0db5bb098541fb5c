package pollqueue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/domonda/go-pollqueue"
)

func TestRetryPolicies(t *testing.T) {
	job := func(retryCount int) *pollqueue.Job {
		return &pollqueue.Job{RetryCount: retryCount}
	}

	assert.Zero(t, pollqueue.ImmediateRetry.RetryDelay(job(5)))
	assert.Equal(t, time.Second, pollqueue.ConstantRetry(time.Second).RetryDelay(job(5)))

	exp := pollqueue.ExponentialRetry(100*time.Millisecond, time.Second)
	assert.Equal(t, 100*time.Millisecond, exp.RetryDelay(job(0)))
	assert.Equal(t, 200*time.Millisecond, exp.RetryDelay(job(1)))
	assert.Equal(t, 800*time.Millisecond, exp.RetryDelay(job(3)))
	assert.Equal(t, time.Second, exp.RetryDelay(job(4)))
	assert.Equal(t, time.Second, exp.RetryDelay(job(10000)))

	backoff := pollqueue.BackoffRetry(10*time.Millisecond, time.Second)
	for retryCount := range 100 {
		d := backoff.RetryDelay(job(retryCount))
		assert.LessOrEqual(t, d, time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}
