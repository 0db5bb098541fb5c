package pollqueue

import (
	"fmt"

	"github.com/domonda/go-errs"
)

const (
	// ErrConfiguration is returned for invalid queue or store setup,
	// like a missing store or store location.
	ErrConfiguration errs.Sentinel = "pollqueue configuration error"

	// ErrInvalidDefinition is returned when registering a malformed Definition.
	ErrInvalidDefinition errs.Sentinel = "invalid job definition"

	// ErrUnknownJob is returned when enqueueing a job name
	// that has no registered Definition.
	ErrUnknownJob errs.Sentinel = "unknown job"

	// ErrPayloadInvalid is returned when a payload can't be
	// marshalled to JSON or is rejected by the Definition's schema.
	ErrPayloadInvalid errs.Sentinel = "invalid job payload"

	// ErrHandlerTimeout is the error passed to listeners
	// when a handler exceeded its timeout.
	ErrHandlerTimeout errs.Sentinel = "job handler timeout"

	// ErrStoreUnavailable is returned by stores that are not connected
	// and wraps connection or IO failures.
	ErrStoreUnavailable errs.Sentinel = "pollqueue store unavailable"

	ErrPathNotFound errs.Sentinel = "path not found"
	ErrNotFound     errs.Sentinel = "job not found"
)

// PayloadError is returned by Queue.Enqueue when a
// payload was rejected by the schema of the job's Definition.
// Err is the structured error of the Validator.
//
// errors.Is(err, ErrPayloadInvalid) is true for a *PayloadError.
type PayloadError struct {
	JobName string
	Err     error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%s for job %q: %s", ErrPayloadInvalid, e.JobName, e.Err)
}

func (e *PayloadError) Unwrap() []error {
	return []error{ErrPayloadInvalid, e.Err}
}
