package pollqueue

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/domonda/go-types/nullable"
	"github.com/domonda/go-types/uu"
)

// Store persists jobs.
//
// All methods except Connect and Close return an error wrapping
// ErrStoreUnavailable when the store is not connected
// or the underlying database failed.
// Returned jobs are never shared with the store.
//
// Lists of jobs are ordered by Priority ascending,
// then by CreatedOn ascending.
type Store interface {
	// Connect opens the store connection.
	// Connecting a connected store is a no-op.
	Connect(ctx context.Context) error

	// Close releases the store connection.
	Close() error

	// Insert a new job and return the stored instance.
	// A nil job.ID will be replaced by a new ID.
	Insert(ctx context.Context, job *Job) (*Job, error)

	// Upsert replaces Name, Payload, Priority, GroupKey and RunAfter
	// of the first job matching match or inserts job if none matches.
	// The stored instance is returned together
	// with true if the job was inserted.
	Upsert(ctx context.Context, match Filter, job *Job) (stored *Job, inserted bool, err error)

	// ClaimNext atomically moves the first due waiting job
	// with one of the passed names to StatusProcessing,
	// setting its StartTime to now.
	// A due job has a null StartTime and a RunAfter <= now.
	// Returns nil without error if there is no due job.
	// No job is ever returned by two ClaimNext calls.
	ClaimNext(ctx context.Context, now time.Time, names []string) (*Job, error)

	// UpdateOne applies update to the first job matching filter
	// as a single atomic conditional write and returns
	// the updated job or nil if no job matched.
	UpdateOne(ctx context.Context, filter Filter, update Update) (*Job, error)

	Find(ctx context.Context, filter Filter) ([]*Job, error)

	Count(ctx context.Context, filter Filter) (int, error)

	// CountByStatus counts the jobs matching filter per Status.
	// Statuses without jobs may be omitted.
	CountByStatus(ctx context.Context, filter Filter) (map[Status]int, error)
}

// Notifier signals between processes that new jobs are available,
// so idle workers can claim them before their next poll.
type Notifier interface {
	NotifyJobAvailable(ctx context.Context) error

	// ListenJobAvailable calls callback for every notification
	// until the returned stop function is called.
	ListenJobAvailable(ctx context.Context, callback func()) (stop func() error, err error)
}

// Filter selects jobs, empty fields don't filter.
// All non empty fields have to match.
type Filter struct {
	IDs      []uu.ID
	Names    []string
	Key      string
	GroupKey string
	Statuses []Status

	// CreatedSince matches jobs with CreatedOn >= CreatedSince if not zero.
	CreatedSince time.Time
}

// FilterID returns a Filter for the job with id
// and optionally one of statuses.
func FilterID(id uu.ID, statuses ...Status) Filter {
	return Filter{IDs: []uu.ID{id}, Statuses: statuses}
}

// Match returns if job matches all non empty fields of the filter.
// Stores that filter in memory use Match.
func (f *Filter) Match(job *Job) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, job.ID) {
		return false
	}
	if len(f.Names) > 0 && !slices.Contains(f.Names, job.Name) {
		return false
	}
	if f.Key != "" && string(job.Key) != f.Key {
		return false
	}
	if f.GroupKey != "" && string(job.GroupKey) != f.GroupKey {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, job.Status) {
		return false
	}
	if !f.CreatedSince.IsZero() && job.CreatedOn.Before(f.CreatedSince) {
		return false
	}
	return true
}

// Update describes the state change of a job.
type Update struct {
	// Status is always written.
	Status Status

	// Reset clears StartTime, EndTime, Duration, Error and Result.
	Reset bool

	// IncRetryCount increments RetryCount by one.
	IncRetryCount bool

	// RunAfter is written if not zero.
	RunAfter time.Time

	// If EndTime is not zero, then EndTime, Duration,
	// Error, and Result are written.
	EndTime  time.Time
	Duration time.Duration
	Error    nullable.JSON
	Result   nullable.JSON
}

// Apply the update to job.
// Stores that update in memory use Apply.
func (u *Update) Apply(job *Job) {
	job.Status = u.Status
	if u.Reset {
		job.StartTime.SetNull()
		job.EndTime.SetNull()
		job.Duration = 0
		job.Error = nil
		job.Result = nil
	}
	if u.IncRetryCount {
		job.RetryCount++
	}
	if !u.RunAfter.IsZero() {
		job.RunAfter = u.RunAfter
	}
	if !u.EndTime.IsZero() {
		job.EndTime.Set(u.EndTime)
		job.Duration = u.Duration
		job.Error = cloneBytes(u.Error)
		job.Result = cloneBytes(u.Result)
	}
}

// CompareJobs orders jobs by Priority, then by CreatedOn.
func CompareJobs(a, b *Job) int {
	if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
		return c
	}
	return a.CreatedOn.Compare(b.CreatedOn)
}

// IsDue returns if a waiting job can be claimed at now.
func IsDue(job *Job, now time.Time) bool {
	return job.Status == StatusWaiting && job.StartTime.IsNull() && !job.RunAfter.After(now)
}
