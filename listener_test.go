package pollqueue_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/domonda/go-pollqueue"
)

func TestListeners(t *testing.T) {
	q, _ := newQueue(t)
	registerFunc(t, q, "a", okHandler)

	var queued atomic.Int32
	counting := &pollqueue.ListenerFuncs{
		JobQueued: func(ctx context.Context, job *pollqueue.Job) {
			queued.Add(1)
			job.Name = "changed by listener"
		},
	}
	panicking := &pollqueue.ListenerFuncs{
		JobQueued: func(context.Context, *pollqueue.Job) { panic("listener panic") },
	}
	q.AddListener(panicking)
	q.AddListener(counting)

	id := enqueue(t, q, pollqueue.Request{Name: "a"})
	assert.Equal(t, int32(1), queued.Load(), "called after a panicking listener")
	assert.Equal(t, "a", getJob(t, q, id).Name, "listeners get a copy of the job")

	q.RemoveListener(counting)
	enqueue(t, q, pollqueue.Request{Name: "a"})
	assert.Equal(t, int32(1), queued.Load())
}
