package pollqueue

import (
	"slices"

	"github.com/domonda/go-errs"
)

// Status of a Job in its lifecycle.
//
// A job is enqueued as StatusWaiting, claimed as StatusProcessing
// and finished as StatusCompleted, StatusFailed or StatusTimeout.
// Waiting jobs can be cancelled, and any job can be reset
// to StatusWaiting by a retry.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every valid Status.
var AllStatuses = []Status{
	StatusWaiting,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusTimeout,
	StatusCancelled,
}

// OutstandingStatuses are the statuses of jobs that still have to run.
var OutstandingStatuses = []Status{StatusWaiting, StatusProcessing}

func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.Valid() {
		return "", errs.Errorf("invalid job status %q", s)
	}
	return status, nil
}

func (s Status) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// IsTerminal returns true for statuses that the
// execution engine writes after running a handler
// and for StatusCancelled.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// IsOutstanding returns true for StatusWaiting and StatusProcessing.
func (s Status) IsOutstanding() bool {
	return s == StatusWaiting || s == StatusProcessing
}

func (s Status) String() string {
	return string(s)
}
