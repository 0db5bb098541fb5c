package pollqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/domonda/go-errs"
	"golang.org/x/time/rate"
)

// State of the worker loops of a Queue.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	}
	return "invalid"
}

// Queue schedules the jobs of a Store to a pool of worker loops.
//
// Multiple Queue instances, also in different processes,
// can share the same Store. A job is only ever claimed once
// because the Store claims with a single atomic conditional update.
type Queue struct {
	store     Store
	config    Config
	notifier  Notifier
	registry  registry
	listeners listeners
	metrics   *metrics
	limiter   *rate.Limiter

	// wake is signalled when jobs became available
	wake chan struct{}

	// state is read without mtx so that State and Pause
	// can be called from handlers and listeners while Stop
	// waits for the worker loops
	state   atomic.Int32
	exiting atomic.Bool

	// mtx guards the fields below
	// and serializes the state changes of Start and Stop
	mtx           sync.Mutex
	connected     bool
	cancelRun     context.CancelFunc
	workers       *sync.WaitGroup
	stopListening func() error
}

// New returns a stopped Queue using store.
// The store is connected by Connect or Start.
func New(store Store, opts ...Option) (q *Queue, err error) {
	defer errs.WrapWithFuncParams(&err, store)

	if store == nil {
		return nil, errs.Errorf("%w: nil store", ErrConfiguration)
	}
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	err = config.validate()
	if err != nil {
		return nil, err
	}

	q = &Queue{
		store:    store,
		config:   config,
		notifier: config.Notifier,
		metrics:  newMetrics(config.Meter),
		wake:     make(chan struct{}, config.PoolSize),
	}
	if q.notifier == nil {
		q.notifier, _ = store.(Notifier)
	}
	if config.ClaimRate > 0 {
		q.limiter = rate.NewLimiter(config.ClaimRate, max(config.ClaimBurst, 1))
	}
	return q, nil
}

// Store returns the Store of the queue.
func (q *Queue) Store() Store {
	return q.store
}

// Config returns a copy of the Config of the queue.
func (q *Queue) Config() Config {
	return q.config
}

// Deps returns Config.Deps.
func (q *Queue) Deps() any {
	return q.config.Deps
}

// State returns the State of the worker loops.
func (q *Queue) State() State {
	return State(q.state.Load())
}

func (q *Queue) setState(s State) {
	q.state.Store(int32(s))
}

// Connect the store without starting workers,
// so jobs can be enqueued and queried.
func (q *Queue) Connect(ctx context.Context) (err error) {
	defer errs.WrapWithFuncParams(&err, ctx)

	q.mtx.Lock()
	defer q.mtx.Unlock()

	return q.connectLocked(ctx)
}

func (q *Queue) connectLocked(ctx context.Context) error {
	if q.connected {
		return nil
	}
	err := q.store.Connect(ctx)
	if err != nil {
		return err
	}
	q.connected = true
	return nil
}

// Close stops the queue if it is running
// and releases the store connection.
func (q *Queue) Close() (err error) {
	defer errs.WrapWithFuncParams(&err)

	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.State() != StateStopped {
		return q.stopLocked(context.Background())
	}
	if !q.connected {
		return nil
	}
	q.connected = false
	return q.store.Close()
}

// Start connects the store and starts Config.PoolSize worker loops.
// Start resumes a paused queue and does nothing
// if the queue is already running.
// The passed context does not cancel the started workers.
func (q *Queue) Start(ctx context.Context) (err error) {
	defer errs.WrapWithFuncParams(&err, ctx)

	q.mtx.Lock()
	defer q.mtx.Unlock()

	switch q.State() {
	case StateRunning:
		return nil
	case StatePaused:
		if q.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
			log.Info("Resumed queue").Log()
		}
		return nil
	}

	err = q.connectLocked(ctx)
	if err != nil {
		return err
	}

	q.exiting.Store(false)

	if q.notifier != nil {
		q.stopListening, err = q.notifier.ListenJobAvailable(ctx, q.signalWorkers)
		if err != nil {
			// Workers still poll without notifications
			q.onError(err)
			log.ErrorCtx(ctx, "Error while listening for available jobs").Err(err).Log()
		}
	}

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	q.cancelRun = cancelRun
	q.workers = new(sync.WaitGroup)
	q.workers.Add(q.config.PoolSize)
	for i := range q.config.PoolSize {
		go q.worker(runCtx, q.workers, i)
	}
	q.setState(StateRunning)

	log.Info("Started queue").
		Int("poolSize", q.config.PoolSize).
		Strs("jobs", q.registry.names()).
		Log()
	return nil
}

// Pause stops the workers from claiming new jobs,
// jobs already claimed continue to run.
// Call Start to resume.
// Pause does nothing if the queue is not running.
func (q *Queue) Pause() {
	if q.state.CompareAndSwap(int32(StateRunning), int32(StatePaused)) {
		log.Info("Paused queue").Log()
	}
}

// Stop the worker loops, cancel every job in StatusProcessing
// and close the store.
//
// Stop does not wait for running handlers, their results are discarded.
// Stop returns the first error of cancelling jobs or closing the store.
//
// Listeners are called from the worker loops, so a listener
// calling Stop or Close blocks until Config.StopTimeout.
func (q *Queue) Stop(ctx context.Context) (err error) {
	defer errs.WrapWithFuncParams(&err, ctx)

	q.mtx.Lock()
	defer q.mtx.Unlock()

	return q.stopLocked(ctx)
}

func (q *Queue) stopLocked(ctx context.Context) error {
	if q.State() == StateStopped {
		return nil
	}
	log.Debug("Stopping queue").Log()

	q.exiting.Store(true)
	q.cancelRun()

	if q.stopListening != nil {
		err := q.stopListening()
		if err != nil {
			q.onError(err)
			log.ErrorCtx(ctx, "Error while stopping to listen for available jobs").Err(err).Log()
		}
		q.stopListening = nil
	}

	workersDone := make(chan struct{})
	go func(workers *sync.WaitGroup) {
		workers.Wait()
		close(workersDone)
	}(q.workers)
	select {
	case <-workersDone:
	case <-time.After(q.config.StopTimeout):
		log.Warn("Worker loops did not return within StopTimeout").
			Str("stopTimeout", q.config.StopTimeout.String()).
			Log()
	}
	q.workers = nil
	q.setState(StateStopped)

	cancelled, cancelErr := q.cancelJobs(ctx, Filter{Statuses: []Status{StatusProcessing}})
	if len(cancelled) > 0 {
		log.Info("Cancelled processing jobs of stopped queue").Int("numCancelled", len(cancelled)).Log()
	}

	q.connected = false
	closeErr := q.store.Close()

	log.Info("Stopped queue").Log()
	return errors.Join(cancelErr, closeErr)
}

// signalWorkers wakes up idle workers without blocking.
func (q *Queue) signalWorkers() {
	for range cap(q.wake) {
		select {
		case q.wake <- struct{}{}:
		default:
			return
		}
	}
}

// jobAvailable wakes up local workers and
// notifies other processes via the Notifier.
func (q *Queue) jobAvailable(ctx context.Context) {
	q.signalWorkers()
	if q.notifier == nil {
		return
	}
	err := q.notifier.NotifyJobAvailable(ctx)
	if err != nil {
		q.onError(err)
		log.ErrorCtx(ctx, "Error while notifying available job").Err(err).Log()
	}
}

func (q *Queue) onError(err error) {
	if q.config.OnError != nil {
		q.config.OnError(err)
	}
}
