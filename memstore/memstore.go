// Package memstore implements an in-memory pollqueue.Store.
//
// All operations are serialized by one mutex,
// which makes every claim and update atomic.
// Jobs are lost when the process ends.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/domonda/go-errs"
	"github.com/domonda/go-types/uu"

	"github.com/domonda/go-pollqueue"
)

var _ pollqueue.Store = new(Store)

type entry struct {
	job *pollqueue.Job
	seq uint64
}

type Store struct {
	mtx       sync.Mutex
	jobs      map[uu.ID]*entry
	seq       uint64
	connected bool
}

// New returns a disconnected Store.
func New() *Store {
	return &Store{jobs: make(map[uu.ID]*entry)}
}

func (s *Store) Connect(ctx context.Context) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.connected = true
	return nil
}

// Close disconnects the store, the jobs are kept
// and available again after Connect.
func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.connected = false
	return nil
}

func (s *Store) Insert(ctx context.Context, job *pollqueue.Job) (stored *pollqueue.Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, job)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.connected {
		return nil, pollqueue.ErrStoreUnavailable
	}
	return s.insertLocked(job)
}

func (s *Store) insertLocked(job *pollqueue.Job) (*pollqueue.Job, error) {
	job = job.Clone()
	if job.ID.IsNil() {
		job.ID = uu.IDv4()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return nil, errs.Errorf("job %s already exists", job.ID)
	}
	s.seq++
	s.jobs[job.ID] = &entry{job: job, seq: s.seq}
	return job.Clone(), nil
}

func (s *Store) Upsert(ctx context.Context, match pollqueue.Filter, job *pollqueue.Job) (stored *pollqueue.Job, inserted bool, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, match, job)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.connected {
		return nil, false, pollqueue.ErrStoreUnavailable
	}
	matches := s.findLocked(func(j *pollqueue.Job) bool { return match.Match(j) })
	if len(matches) == 0 {
		stored, err = s.insertLocked(job)
		return stored, err == nil, err
	}
	existing := matches[0].job
	existing.Name = job.Name
	existing.Payload = append(existing.Payload[:0:0], job.Payload...)
	existing.Priority = job.Priority
	existing.GroupKey = job.GroupKey
	existing.RunAfter = job.RunAfter
	return existing.Clone(), false, nil
}

func (s *Store) ClaimNext(ctx context.Context, now time.Time, names []string) (job *pollqueue.Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, now, names)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.connected {
		return nil, pollqueue.ErrStoreUnavailable
	}
	due := s.findLocked(func(j *pollqueue.Job) bool {
		return pollqueue.IsDue(j, now) && slices.Contains(names, j.Name)
	})
	if len(due) == 0 {
		return nil, nil
	}
	job = due[0].job
	job.Status = pollqueue.StatusProcessing
	job.StartTime.Set(now)
	return job.Clone(), nil
}

func (s *Store) UpdateOne(ctx context.Context, filter pollqueue.Filter, update pollqueue.Update) (job *pollqueue.Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, filter, update)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.connected {
		return nil, pollqueue.ErrStoreUnavailable
	}
	matches := s.findLocked(func(j *pollqueue.Job) bool { return filter.Match(j) })
	if len(matches) == 0 {
		return nil, nil
	}
	job = matches[0].job
	update.Apply(job)
	return job.Clone(), nil
}

func (s *Store) Find(ctx context.Context, filter pollqueue.Filter) (jobs []*pollqueue.Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, filter)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.connected {
		return nil, pollqueue.ErrStoreUnavailable
	}
	matches := s.findLocked(func(j *pollqueue.Job) bool { return filter.Match(j) })
	jobs = make([]*pollqueue.Job, len(matches))
	for i, e := range matches {
		jobs[i] = e.job.Clone()
	}
	return jobs, nil
}

func (s *Store) Count(ctx context.Context, filter pollqueue.Filter) (count int, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, filter)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.connected {
		return 0, pollqueue.ErrStoreUnavailable
	}
	for _, e := range s.jobs {
		if filter.Match(e.job) {
			count++
		}
	}
	return count, nil
}

func (s *Store) CountByStatus(ctx context.Context, filter pollqueue.Filter) (counts map[pollqueue.Status]int, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, filter)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.connected {
		return nil, pollqueue.ErrStoreUnavailable
	}
	counts = make(map[pollqueue.Status]int)
	for _, e := range s.jobs {
		if filter.Match(e.job) {
			counts[e.job.Status]++
		}
	}
	return counts, nil
}

// Len returns the number of stored jobs.
func (s *Store) Len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return len(s.jobs)
}

// findLocked returns the entries matching match
// ordered by priority, creation time and insertion.
func (s *Store) findLocked(match func(*pollqueue.Job) bool) []*entry {
	var found []*entry
	for _, e := range s.jobs {
		if match(e.job) {
			found = append(found, e)
		}
	}
	slices.SortFunc(found, func(a, b *entry) int {
		if c := pollqueue.CompareJobs(a.job, b.job); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return found
}
