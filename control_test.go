package pollqueue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/domonda/go-types/notnull"
	"github.com/domonda/go-types/uu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/domonda/go-pollqueue"
	"github.com/domonda/go-pollqueue/memstore"
)

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel waiting jobs by key", func(t *testing.T) {
		q, _ := newQueue(t)
		events := newRecorder(q)
		registerFunc(t, q, "a", okHandler)
		id := enqueue(t, q, pollqueue.Request{Name: "a", Key: "k"})
		other := enqueue(t, q, pollqueue.Request{Name: "a"})

		cancelled, err := q.Cancel(ctx, pollqueue.Filter{Key: "k"})
		require.NoError(t, err)
		require.Len(t, cancelled, 1)
		assert.Equal(t, id, cancelled[0].ID)
		assert.Equal(t, pollqueue.StatusCancelled, getJob(t, q, id).Status)
		assert.Equal(t, pollqueue.StatusWaiting, getJob(t, q, other).Status)
		assert.Equal(t, 1, events.numCancelled())
	})

	t.Run("cancelled jobs are not claimed", func(t *testing.T) {
		q, _ := newQueue(t)
		registerFunc(t, q, "a", okHandler)
		id := enqueue(t, q, pollqueue.Request{Name: "a"})

		job, err := q.CancelID(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, job)

		require.NoError(t, q.Start(ctx))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, pollqueue.StatusCancelled, getJob(t, q, id).Status)

		job, err = q.CancelID(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, job, "already cancelled")
	})

	t.Run("processing jobs are not cancelled by default", func(t *testing.T) {
		q, _ := newQueue(t)
		release := make(chan struct{})
		registerFunc(t, q, "block", func(context.Context, notnull.JSON, *pollqueue.Queue, *pollqueue.Job) (any, error) {
			<-release
			return nil, nil
		})
		id := enqueue(t, q, pollqueue.Request{Name: "block", Key: "k"})
		require.NoError(t, q.Start(ctx))
		waitForStatus(t, q, id, pollqueue.StatusProcessing)

		cancelled, err := q.Cancel(ctx, pollqueue.Filter{Key: "k"})
		require.NoError(t, err)
		assert.Empty(t, cancelled)

		close(release)
		waitForStatus(t, q, id, pollqueue.StatusCompleted)
	})

	t.Run("outcome of a job cancelled while processing is discarded", func(t *testing.T) {
		q, _ := newQueue(t)
		events := newRecorder(q)
		release := make(chan struct{})
		registerFunc(t, q, "block", func(context.Context, notnull.JSON, *pollqueue.Queue, *pollqueue.Job) (any, error) {
			<-release
			return "result", nil
		})
		id := enqueue(t, q, pollqueue.Request{Name: "block"})
		require.NoError(t, q.Start(ctx))
		waitForStatus(t, q, id, pollqueue.StatusProcessing)

		cancelled, err := q.Cancel(ctx, pollqueue.Filter{IDs: []uu.ID{id}, Statuses: []pollqueue.Status{pollqueue.StatusProcessing}})
		require.NoError(t, err)
		require.Len(t, cancelled, 1)

		close(release)
		time.Sleep(50 * time.Millisecond)
		job := getJob(t, q, id)
		assert.Equal(t, pollqueue.StatusCancelled, job.Status)
		assert.True(t, job.Result.IsNull())
		assert.Equal(t, 0, events.numFinished())
	})
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	registerFunc(t, q, "a", okHandler)
	for range 3 {
		enqueue(t, q, pollqueue.Request{Name: "a"})
	}

	n, err := q.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = q.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	jobs, err := q.ListByStatus(ctx, pollqueue.StatusCancelled)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	events := newRecorder(q)
	registerFunc(t, q, "a", okHandler)

	id := enqueue(t, q, pollqueue.Request{Name: "a"})
	require.NoError(t, q.Start(ctx))
	waitForStatus(t, q, id, pollqueue.StatusCompleted)
	q.Pause()
	time.Sleep(30 * time.Millisecond)

	job, err := q.Retry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pollqueue.StatusWaiting, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.False(t, job.IsStarted())
	assert.True(t, job.EndTime.IsNull())
	assert.Zero(t, job.Duration)
	assert.True(t, job.Result.IsNull())
	assert.False(t, job.HasError())

	require.NoError(t, q.Start(ctx))
	waitFor(t, time.Second, func() bool { return events.numFinished() == 2 })
	job = waitForStatus(t, q, id, pollqueue.StatusCompleted)
	assert.Equal(t, 1, job.RetryCount)

	_, err = q.Retry(ctx, uu.IDv4())
	assert.ErrorIs(t, err, pollqueue.ErrNotFound)
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	registerFunc(t, q, "a", okHandler)
	registerFunc(t, q, "b", okHandler)
	idA := enqueue(t, q, pollqueue.Request{Name: "a", GroupKey: "g"})
	idB := enqueue(t, q, pollqueue.Request{Name: "b", GroupKey: "g"})
	enqueue(t, q, pollqueue.Request{Name: "b"})

	jobs, err := q.FindMatching(ctx, pollqueue.Filter{GroupKey: "g"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, idA, jobs[0].ID)
	assert.Equal(t, idB, jobs[1].ID)

	jobs, err = q.FindMatching(ctx, pollqueue.Filter{Names: []string{"b"}})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = q.ListByStatus(ctx, pollqueue.StatusWaiting)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	_, err = q.Get(ctx, uu.IDv4())
	assert.ErrorIs(t, err, pollqueue.ErrNotFound)
}

// changingStore runs changeAfterFind once after the next Find
// to change a job between reading and writing it.
type changingStore struct {
	pollqueue.Store

	mtx             sync.Mutex
	changeAfterFind func()
}

func (s *changingStore) Find(ctx context.Context, filter pollqueue.Filter) ([]*pollqueue.Job, error) {
	jobs, err := s.Store.Find(ctx, filter)
	s.mtx.Lock()
	change := s.changeAfterFind
	s.changeAfterFind = nil
	s.mtx.Unlock()
	if change != nil {
		change()
	}
	return jobs, err
}

func (s *changingStore) setChangeAfterFind(change func()) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.changeAfterFind = change
}

func newChangingQueue(t *testing.T) (*pollqueue.Queue, *changingStore, sdkmetric.Reader) {
	t.Helper()
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	store := &changingStore{Store: memstore.New()}
	q, err := pollqueue.New(store, pollqueue.WithMeter(provider.Meter("test")))
	require.NoError(t, err)
	require.NoError(t, q.Connect(ctx))
	t.Cleanup(func() {
		_ = q.Close()
		_ = provider.Shutdown(ctx)
	})
	return q, store, reader
}

func TestStatusChangedBeforeWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("clear cancels a job claimed after it was read", func(t *testing.T) {
		q, store, reader := newChangingQueue(t)
		events := newRecorder(q)
		registerFunc(t, q, "a", okHandler)
		id := enqueue(t, q, pollqueue.Request{Name: "a"})

		// Claimed by another process after Clear read the job as waiting
		store.setChangeAfterFind(func() {
			claimed, err := store.Store.ClaimNext(ctx, time.Now(), []string{"a"})
			require.NoError(t, err)
			require.NotNil(t, claimed)
		})

		n, err := q.Clear(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, pollqueue.StatusCancelled, getJob(t, q, id).Status)
		assert.Equal(t, 1, events.numCancelled())

		_, statusCounts := collectMetrics(t, reader)
		assert.Equal(t, int64(1), statusCounts[string(pollqueue.StatusCancelled)])
		assert.Equal(t, int64(1), statusCounts[string(pollqueue.StatusWaiting)], "enqueued here, claimed elsewhere")
		assert.Equal(t, int64(-1), statusCounts[string(pollqueue.StatusProcessing)], "cancelled from processing")
	})

	t.Run("retry resets from the status at the time of the write", func(t *testing.T) {
		q, store, reader := newChangingQueue(t)
		registerFunc(t, q, "a", okHandler)
		id := enqueue(t, q, pollqueue.Request{Name: "a"})

		// Cancelled by another process after Retry read the job as waiting
		store.setChangeAfterFind(func() {
			cancelled, err := store.Store.UpdateOne(ctx, pollqueue.FilterID(id), pollqueue.Update{Status: pollqueue.StatusCancelled})
			require.NoError(t, err)
			require.NotNil(t, cancelled)
		})

		job, err := q.Retry(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, pollqueue.StatusWaiting, job.Status)
		assert.Equal(t, 1, job.RetryCount)

		_, statusCounts := collectMetrics(t, reader)
		assert.Equal(t, int64(2), statusCounts[string(pollqueue.StatusWaiting)])
		assert.Equal(t, int64(-1), statusCounts[string(pollqueue.StatusCancelled)], "reset from cancelled")
	})
}
