package pollqueue

import (
	"context"
	"sync"

	"github.com/domonda/go-errs"
)

// Listener receives the lifecycle events of a Queue.
//
// Events are delivered synchronously from the goroutine
// that caused them, so listeners should return quickly.
// Jobs passed to listeners are copies owned by the listener.
type Listener interface {
	// OnJobRegistered is called after a Definition was registered.
	OnJobRegistered(ctx context.Context, def *Definition)

	// OnJobQueued is called with the persisted job after an enqueue.
	OnJobQueued(ctx context.Context, job *Job)

	// OnJobProcess is called after a worker claimed a job
	// and before its handler is called.
	OnJobProcess(ctx context.Context, job *Job)

	// OnQueueEmpty is called when a worker found no due job.
	OnQueueEmpty(ctx context.Context)

	// OnJobFinished is called after a job completed.
	OnJobFinished(ctx context.Context, job *Job, result any)

	// OnJobFailed is called after a job failed or timed out.
	// A timeout is signalled with an err wrapping ErrHandlerTimeout.
	OnJobFailed(ctx context.Context, job *Job, err error)

	OnJobCancelled(ctx context.Context, job *Job)

	// OnGroupFinished is called when no waiting or processing
	// job with groupKey remains after a job of the group ended.
	OnGroupFinished(ctx context.Context, groupKey string)
}

// ListenerFuncs implements Listener with optional functions.
// Use a pointer to ListenerFuncs so it can be removed again
// with Queue.RemoveListener.
type ListenerFuncs struct {
	JobRegistered func(ctx context.Context, def *Definition)
	JobQueued     func(ctx context.Context, job *Job)
	JobProcess    func(ctx context.Context, job *Job)
	QueueEmpty    func(ctx context.Context)
	JobFinished   func(ctx context.Context, job *Job, result any)
	JobFailed     func(ctx context.Context, job *Job, err error)
	JobCancelled  func(ctx context.Context, job *Job)
	GroupFinished func(ctx context.Context, groupKey string)
}

var _ Listener = new(ListenerFuncs)

func (l *ListenerFuncs) OnJobRegistered(ctx context.Context, def *Definition) {
	if l.JobRegistered != nil {
		l.JobRegistered(ctx, def)
	}
}

func (l *ListenerFuncs) OnJobQueued(ctx context.Context, job *Job) {
	if l.JobQueued != nil {
		l.JobQueued(ctx, job)
	}
}

func (l *ListenerFuncs) OnJobProcess(ctx context.Context, job *Job) {
	if l.JobProcess != nil {
		l.JobProcess(ctx, job)
	}
}

func (l *ListenerFuncs) OnQueueEmpty(ctx context.Context) {
	if l.QueueEmpty != nil {
		l.QueueEmpty(ctx)
	}
}

func (l *ListenerFuncs) OnJobFinished(ctx context.Context, job *Job, result any) {
	if l.JobFinished != nil {
		l.JobFinished(ctx, job, result)
	}
}

func (l *ListenerFuncs) OnJobFailed(ctx context.Context, job *Job, err error) {
	if l.JobFailed != nil {
		l.JobFailed(ctx, job, err)
	}
}

func (l *ListenerFuncs) OnJobCancelled(ctx context.Context, job *Job) {
	if l.JobCancelled != nil {
		l.JobCancelled(ctx, job)
	}
}

func (l *ListenerFuncs) OnGroupFinished(ctx context.Context, groupKey string) {
	if l.GroupFinished != nil {
		l.GroupFinished(ctx, groupKey)
	}
}

// AddListener adds a Listener for the events of the queue.
func (q *Queue) AddListener(listener Listener) {
	q.listeners.add(listener)
}

// RemoveListener removes a Listener added with AddListener.
// The listener has to be comparable, like a pointer.
func (q *Queue) RemoveListener(listener Listener) {
	q.listeners.remove(listener)
}

type listeners struct {
	mtx  sync.RWMutex
	list []Listener
}

func (l *listeners) add(listener Listener) {
	if listener == nil {
		return
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.list = append(l.list, listener)
}

func (l *listeners) remove(listener Listener) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	for i := range l.list {
		if l.list[i] == listener {
			l.list = append(l.list[:i:i], l.list[i+1:]...)
			return
		}
	}
}

func (l *listeners) each(ctx context.Context, event string, call func(Listener)) {
	l.mtx.RLock()
	list := l.list
	l.mtx.RUnlock()

	for _, listener := range list {
		func() {
			defer errs.RecoverAndLogPanicWithFuncParams(log.ErrorWriter(), ctx, event)
			call(listener)
		}()
	}
}

func (l *listeners) jobRegistered(ctx context.Context, def *Definition) {
	l.each(ctx, "registered", func(listener Listener) {
		c := *def
		listener.OnJobRegistered(ctx, &c)
	})
}

func (l *listeners) jobQueued(ctx context.Context, job *Job) {
	l.each(ctx, "queued", func(listener Listener) { listener.OnJobQueued(ctx, job.Clone()) })
}

func (l *listeners) jobProcess(ctx context.Context, job *Job) {
	l.each(ctx, "process", func(listener Listener) { listener.OnJobProcess(ctx, job.Clone()) })
}

func (l *listeners) queueEmpty(ctx context.Context) {
	l.each(ctx, "empty", func(listener Listener) { listener.OnQueueEmpty(ctx) })
}

func (l *listeners) jobFinished(ctx context.Context, job *Job, result any) {
	l.each(ctx, "finish", func(listener Listener) { listener.OnJobFinished(ctx, job.Clone(), result) })
}

func (l *listeners) jobFailed(ctx context.Context, job *Job, err error) {
	l.each(ctx, "failed", func(listener Listener) { listener.OnJobFailed(ctx, job.Clone(), err) })
}

func (l *listeners) jobCancelled(ctx context.Context, job *Job) {
	l.each(ctx, "cancel", func(listener Listener) { listener.OnJobCancelled(ctx, job.Clone()) })
}

func (l *listeners) groupFinished(ctx context.Context, groupKey string) {
	l.each(ctx, "group.finish", func(listener Listener) { listener.OnGroupFinished(ctx, groupKey) })
}
