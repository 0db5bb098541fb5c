package pollqueue

import (
	"context"

	"github.com/domonda/go-errs"
	"github.com/domonda/go-types/uu"
)

// EnqueueGroup enqueues all requests with groupKey as their GroupKey.
// Listeners get an OnGroupFinished call with groupKey
// after the last job of the group ended.
// A new random groupKey is used if it is empty.
//
// The IDs of the already enqueued jobs are returned in case of an error.
func (q *Queue) EnqueueGroup(ctx context.Context, groupKey string, reqs ...Request) (key string, ids []uu.ID, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, groupKey, reqs)

	if groupKey == "" {
		groupKey = uu.IDv4().String()
	}
	ids = make([]uu.ID, 0, len(reqs))
	for _, req := range reqs {
		req.GroupKey = groupKey
		id, err := q.Enqueue(ctx, req)
		if err != nil {
			return groupKey, ids, err
		}
		ids = append(ids, id)
	}
	return groupKey, ids, nil
}

// checkGroupFinished emits OnGroupFinished if job belongs to a group
// that has no more waiting or processing jobs.
// Counting after every terminal write of a member makes sure
// that at least one check happens after the last member ended.
func (q *Queue) checkGroupFinished(ctx context.Context, job *Job) {
	if job.GroupKey.IsNull() {
		return
	}
	groupKey := string(job.GroupKey)
	outstanding, err := q.store.Count(ctx, Filter{GroupKey: groupKey, Statuses: OutstandingStatuses})
	if err != nil {
		q.onError(err)
		log.ErrorCtx(ctx, "Error while counting the outstanding jobs of a group").
			Err(err).
			Str("groupKey", groupKey).
			Log()
		return
	}
	if outstanding > 0 {
		return
	}
	log.Debug("Job group finished").Str("groupKey", groupKey).Log()
	q.listeners.groupFinished(ctx, groupKey)
}
