package pollqueue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/domonda/go-types/notnull"
	"github.com/domonda/go-types/uu"
	"github.com/stretchr/testify/require"

	"github.com/domonda/go-pollqueue"
	"github.com/domonda/go-pollqueue/memstore"
)

type Waiter struct {
	Check         func() bool
	Timeout       time.Duration
	PollFrequency time.Duration
}

func (w *Waiter) Wait() error {
	start := time.Now()
	for {
		if time.Since(start) > w.Timeout {
			return errors.New("TIMEOUT")
		}

		if w.Check() {
			return nil
		}
		time.Sleep(w.PollFrequency)
	}
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	waiter := &Waiter{
		Check:         check,
		Timeout:       timeout,
		PollFrequency: 5 * time.Millisecond,
	}
	require.NoError(t, waiter.Wait())
}

// newQueue returns a connected Queue on a memstore
// that polls every 10ms and is stopped at the end of the test.
func newQueue(t *testing.T, opts ...pollqueue.Option) (*pollqueue.Queue, *memstore.Store) {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	opts = append(
		[]pollqueue.Option{
			pollqueue.WithPollInterval(10 * time.Millisecond),
			pollqueue.WithPauseInterval(5 * time.Millisecond),
			pollqueue.WithErrorBackoff(5*time.Millisecond, 20*time.Millisecond),
		},
		opts...,
	)
	q, err := pollqueue.New(store, opts...)
	require.NoError(t, err)
	require.NoError(t, q.Connect(ctx))
	t.Cleanup(func() {
		_ = q.Stop(ctx)
		_ = q.Close()
	})
	return q, store
}

func registerFunc(t *testing.T, q *pollqueue.Queue, name string, f pollqueue.HandlerFunc) {
	t.Helper()
	require.NoError(t, q.Register(&pollqueue.Definition{Name: name, Handler: f}))
}

func enqueue(t *testing.T, q *pollqueue.Queue, req pollqueue.Request) uu.ID {
	t.Helper()
	id, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	require.False(t, id.IsNil())
	return id
}

func getJob(t *testing.T, q *pollqueue.Queue, id uu.ID) *pollqueue.Job {
	t.Helper()
	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func waitForStatus(t *testing.T, q *pollqueue.Queue, id uu.ID, status pollqueue.Status) *pollqueue.Job {
	t.Helper()
	var job *pollqueue.Job
	waitFor(t, 2*time.Second, func() bool {
		job = getJob(t, q, id)
		return job.Status == status
	})
	return job
}

func okHandler(ctx context.Context, payload notnull.JSON, q *pollqueue.Queue, job *pollqueue.Job) (any, error) {
	return "OK", nil
}

// recorder records the events of a queue.
type recorder struct {
	mtx       sync.Mutex
	queued    []*pollqueue.Job
	processed []*pollqueue.Job
	finished  []*pollqueue.Job
	failed    []*pollqueue.Job
	failErrs  []error
	cancelled []*pollqueue.Job
	groups    []string
	empty     int
}

func newRecorder(q *pollqueue.Queue) *recorder {
	r := new(recorder)
	q.AddListener(&pollqueue.ListenerFuncs{
		JobQueued: func(ctx context.Context, job *pollqueue.Job) {
			r.mtx.Lock()
			defer r.mtx.Unlock()
			r.queued = append(r.queued, job)
		},
		JobProcess: func(ctx context.Context, job *pollqueue.Job) {
			r.mtx.Lock()
			defer r.mtx.Unlock()
			r.processed = append(r.processed, job)
		},
		QueueEmpty: func(ctx context.Context) {
			r.mtx.Lock()
			defer r.mtx.Unlock()
			r.empty++
		},
		JobFinished: func(ctx context.Context, job *pollqueue.Job, result any) {
			r.mtx.Lock()
			defer r.mtx.Unlock()
			r.finished = append(r.finished, job)
		},
		JobFailed: func(ctx context.Context, job *pollqueue.Job, err error) {
			r.mtx.Lock()
			defer r.mtx.Unlock()
			r.failed = append(r.failed, job)
			r.failErrs = append(r.failErrs, err)
		},
		JobCancelled: func(ctx context.Context, job *pollqueue.Job) {
			r.mtx.Lock()
			defer r.mtx.Unlock()
			r.cancelled = append(r.cancelled, job)
		},
		GroupFinished: func(ctx context.Context, groupKey string) {
			r.mtx.Lock()
			defer r.mtx.Unlock()
			r.groups = append(r.groups, groupKey)
		},
	})
	return r
}

func (r *recorder) numFinished() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.finished)
}

func (r *recorder) numFailed() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.failed)
}

func (r *recorder) numCancelled() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.cancelled)
}

func (r *recorder) finishedGroups() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]string(nil), r.groups...)
}

func (r *recorder) numEmpty() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.empty
}
