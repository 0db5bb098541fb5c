package pgstore_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/domonda/go-sqldb"
	"github.com/domonda/go-sqldb/db"
	"github.com/domonda/go-types/notnull"
	"github.com/domonda/go-types/nullable"
	"github.com/domonda/go-types/uu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/domonda/go-pollqueue"
	"github.com/domonda/go-pollqueue/pgstore"
)

// newStore connects to the database configured by the POSTGRES_*
// environment variables or to a new Postgres container if POSTGRES_DB
// is not set, and deletes all jobs before and after the test.
func newStore(t *testing.T) *pgstore.Store {
	t.Helper()
	ctx := context.Background()
	var config *sqldb.Config
	if os.Getenv("POSTGRES_DB") != "" {
		var err error
		config, err = pgstore.ConfigFromEnv()
		require.NoError(t, err)
	} else {
		config = startContainer(t)
	}
	store := pgstore.New(config)
	require.NoError(t, store.Connect(ctx))
	deleteAll := func() error {
		return db.Conn(ctx).Exec(`delete from pollqueue.job`)
	}
	require.NoError(t, deleteAll())
	t.Cleanup(func() {
		_ = deleteAll()
		_ = store.Close()
	})
	return store
}

func startContainer(t *testing.T) *sqldb.Config {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("pollqueue_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	e := pgstore.EnvConfig{
		Host:     host,
		Port:     uint16(port.Int()),
		User:     "test",
		Password: "test",
		Database: "pollqueue_test",
		SSLMode:  "disable",
	}
	return e.SQLConfig()
}

func newJob(name string, priority int64, createdOn time.Time) *pollqueue.Job {
	createdOn = createdOn.Truncate(time.Microsecond)
	return &pollqueue.Job{
		ID:        uu.IDv4(),
		Name:      name,
		Payload:   notnull.JSON(`{"x":1}`),
		Priority:  priority,
		RunAfter:  createdOn,
		CreatedOn: createdOn,
		Status:    pollqueue.StatusWaiting,
	}
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	now := time.Now()

	t.Run("claim order", func(t *testing.T) {
		for _, job := range []*pollqueue.Job{
			newJob("a", 11, now.Add(-3*time.Second)),
			newJob("a", 1, now.Add(-2*time.Second)),
			newJob("a", 5, now.Add(-time.Second)),
			newJob("b", 0, now.Add(-time.Second)),
		} {
			_, err := store.Insert(ctx, job)
			require.NoError(t, err)
		}

		var priorities []int64
		for {
			job, err := store.ClaimNext(ctx, now, []string{"a"})
			require.NoError(t, err)
			if job == nil {
				break
			}
			assert.Equal(t, pollqueue.StatusProcessing, job.Status)
			assert.True(t, job.StartTime.IsNotNull())
			priorities = append(priorities, job.Priority)
		}
		assert.Equal(t, []int64{1, 5, 11}, priorities)

		counts, err := store.CountByStatus(ctx, pollqueue.Filter{})
		require.NoError(t, err)
		assert.Equal(t, 3, counts[pollqueue.StatusProcessing])
		assert.Equal(t, 1, counts[pollqueue.StatusWaiting])
	})

	t.Run("update one", func(t *testing.T) {
		job, err := store.Insert(ctx, newJob("c", 0, now))
		require.NoError(t, err)

		updated, err := store.UpdateOne(ctx, pollqueue.FilterID(job.ID, pollqueue.StatusProcessing), pollqueue.Update{Status: pollqueue.StatusCompleted})
		require.NoError(t, err)
		assert.Nil(t, updated, "job is not processing")

		end := now.Add(time.Second)
		updated, err = store.UpdateOne(ctx, pollqueue.FilterID(job.ID, pollqueue.StatusWaiting), pollqueue.Update{
			Status:   pollqueue.StatusFailed,
			EndTime:  end,
			Duration: time.Second,
			Error:    nullable.JSON(`{"message":"failed"}`),
		})
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.Equal(t, pollqueue.StatusFailed, updated.Status)
		assert.Equal(t, time.Second, updated.Duration)
		assert.True(t, updated.HasError())

		updated, err = store.UpdateOne(ctx, pollqueue.FilterID(job.ID), pollqueue.Update{
			Status:        pollqueue.StatusWaiting,
			Reset:         true,
			IncRetryCount: true,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, updated.RetryCount)
		assert.True(t, updated.EndTime.IsNull())
		assert.False(t, updated.HasError())
	})

	t.Run("upsert by key", func(t *testing.T) {
		job := newJob("d", 0, now)
		job.Key = "k"
		stored, inserted, err := store.Upsert(ctx, pollqueue.Filter{Key: "k", Statuses: []pollqueue.Status{pollqueue.StatusWaiting}}, job)
		require.NoError(t, err)
		assert.True(t, inserted)

		again := newJob("d", 0, now)
		again.Key = "k"
		again.Payload = notnull.JSON(`{"x":2}`)
		updated, inserted, err := store.Upsert(ctx, pollqueue.Filter{Key: "k", Statuses: []pollqueue.Status{pollqueue.StatusWaiting}}, again)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, stored.ID, updated.ID)
		assert.JSONEq(t, `{"x":2}`, string(updated.Payload))

		n, err := store.Count(ctx, pollqueue.Filter{Key: "k"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestDeleteFinished(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	now := time.Now()

	var ids []uu.ID
	for i, status := range []pollqueue.Status{pollqueue.StatusCompleted, pollqueue.StatusCancelled, pollqueue.StatusFailed, pollqueue.StatusWaiting} {
		job, err := store.Insert(ctx, newJob("a", 0, now.Add(-time.Hour+time.Duration(i)*time.Second)))
		require.NoError(t, err)
		_, err = store.UpdateOne(ctx, pollqueue.FilterID(job.ID), pollqueue.Update{Status: status})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	n, err := store.DeleteFinished(ctx, now.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = store.DeleteFinished(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs, err := store.Find(ctx, pollqueue.Filter{IDs: ids})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, pollqueue.StatusFailed, jobs[0].Status)
	assert.Equal(t, pollqueue.StatusWaiting, jobs[1].Status)
}

func TestConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	now := time.Now()

	const numJobs = 50
	for i := range numJobs {
		_, err := store.Insert(ctx, newJob("a", int64(i%3), now.Add(-time.Duration(i)*time.Millisecond)))
		require.NoError(t, err)
	}

	var (
		mtx     sync.Mutex
		claimed = make(map[uu.ID]int)
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := store.ClaimNext(ctx, now, []string{"a"})
				if err != nil || job == nil {
					return
				}
				mtx.Lock()
				claimed[job.ID]++
				mtx.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, numJobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestQueue(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	q, err := pollqueue.New(store, pollqueue.WithPoolSize(2), pollqueue.WithPollInterval(time.Second))
	require.NoError(t, err)
	require.NoError(t, q.Register(&pollqueue.Definition{
		Name: "echo",
		Handler: pollqueue.HandlerFunc(func(ctx context.Context, payload notnull.JSON, q *pollqueue.Queue, job *pollqueue.Job) (any, error) {
			return payload, nil
		}),
	}))
	require.NoError(t, q.Start(ctx))
	t.Cleanup(func() { _ = q.Stop(ctx) })

	id, err := q.Enqueue(ctx, pollqueue.Request{Name: "echo", Payload: map[string]int{"x": 1}})
	require.NoError(t, err)

	var job *pollqueue.Job
	require.Eventually(t, func() bool {
		job, err = q.Get(ctx, id)
		return err == nil && job.Status == pollqueue.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"x":1}`, string(job.Result))
}

func TestDriverErrorsAreStoreUnavailable(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Find(ctx, pollqueue.Filter{})
	assert.ErrorIs(t, err, pollqueue.ErrStoreUnavailable)
	_, err = store.Count(ctx, pollqueue.Filter{})
	assert.ErrorIs(t, err, pollqueue.ErrStoreUnavailable)
	_, err = store.Insert(ctx, newJob("a", 0, time.Now()))
	assert.ErrorIs(t, err, pollqueue.ErrStoreUnavailable)
	_, err = store.ClaimNext(ctx, time.Now(), []string{"a"})
	assert.ErrorIs(t, err, pollqueue.ErrStoreUnavailable)
}
