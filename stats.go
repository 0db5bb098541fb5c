package pollqueue

import (
	"context"
	"time"

	"github.com/domonda/go-errs"
	"github.com/domonda/go-types/uu"
)

// StatsAllTime passed as since to Queue.Stats counts jobs of all time.
var StatsAllTime time.Time

// StatsOption narrows the jobs counted by Queue.Stats.
type StatsOption func(*Filter)

func StatsGroupKey(groupKey string) StatsOption {
	return func(f *Filter) { f.GroupKey = groupKey }
}

func StatsJobID(id uu.ID) StatsOption {
	return func(f *Filter) { f.IDs = []uu.ID{id} }
}

func StatsJobName(name string) StatsOption {
	return func(f *Filter) { f.Names = []string{name} }
}

// Stats counts the jobs created since the passed time per Status.
// Statuses without jobs are not in the result.
func (q *Queue) Stats(ctx context.Context, since time.Time, opts ...StatsOption) (counts map[Status]int, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, since)

	filter := Filter{CreatedSince: since}
	for _, opt := range opts {
		opt(&filter)
	}
	all, err := q.store.CountByStatus(ctx, filter)
	if err != nil {
		return nil, err
	}
	counts = make(map[Status]int, len(all))
	for status, n := range all {
		if n > 0 {
			counts[status] = n
		}
	}
	return counts, nil
}
