package pollqueue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/domonda/go-errs"
	"github.com/domonda/go-types/notnull"
	"github.com/domonda/go-types/nullable"
	"github.com/domonda/go-types/uu"
)

// Job is a persisted instance of a registered Definition.
type Job struct {
	ID       uu.ID                   `db:"id"        json:"id"`
	Name     string                  `db:"name"      json:"name"` // CHECK(length(name) > 0)
	Payload  notnull.JSON            `db:"payload"   json:"payload"`
	Priority int64                   `db:"priority"  json:"priority"` // Lower values are claimed first
	Key      nullable.NonEmptyString `db:"key"       json:"key"`      // At most one waiting job per key
	GroupKey nullable.NonEmptyString `db:"group_key" json:"groupKey"`
	RunAfter time.Time               `db:"run_after" json:"runAfter"` // Earliest time to claim the job

	CreatedOn time.Time `db:"created_on" json:"createdOn"`
	Status    Status    `db:"status"     json:"status"`

	StartTime  nullable.Time `db:"start_time"  json:"startTime"` // Set by the claim, cleared by a retry
	EndTime    nullable.Time `db:"end_time"    json:"endTime"`
	Duration   time.Duration `db:"duration"    json:"duration"` // EndTime - StartTime
	RetryCount int           `db:"retry_count" json:"retryCount"`

	Error  nullable.JSON `db:"error"  json:"error"`  // ErrorInfo of a failed or timed out job
	Result nullable.JSON `db:"result" json:"result"` // Result if the handler returned one
}

// Clone returns a copy of the job that shares no
// mutable memory with the receiver.
// Valid to call on a nil receiver.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = cloneBytes(j.Payload)
	c.Error = cloneBytes(j.Error)
	c.Result = cloneBytes(j.Result)
	return &c
}

// IsStarted returns if StartTime is not null.
// Valid to call on a nil receiver.
func (j *Job) IsStarted() bool {
	return j != nil && j.StartTime.IsNotNull()
}

// IsFinished returns if the job completed without an error.
// Valid to call on a nil receiver.
func (j *Job) IsFinished() bool {
	return j != nil && j.Status == StatusCompleted
}

// HasError returns true if the receiver is not nil
// and has an Error.
// Valid to call on a nil receiver.
func (j *Job) HasError() bool {
	return j != nil && !j.Error.IsNull()
}

// ErrorInfo unmarshals the Error of the job
// or returns nil if there is none.
func (j *Job) ErrorInfo() (*ErrorInfo, error) {
	if !j.HasError() {
		return nil, nil
	}
	var info ErrorInfo
	err := j.Error.UnmarshalTo(&info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// String implements the fmt.Stringer interface.
// Valid to call on a nil receiver.
func (j *Job) String() string {
	if j == nil {
		return "nil Job"
	}
	return fmt.Sprintf("Job %s, name %s, priority %d, status %s, created on %s", j.ID, j.Name, j.Priority, j.Status, j.CreatedOn)
}

// ErrorInfo is persisted as Job.Error.
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Timeout bool   `json:"timeout,omitempty"`
}

func newErrorInfo(err error, timeout bool) nullable.JSON {
	message := errs.Root(err).Error()
	if nl := strings.IndexByte(message, '\n'); nl > 0 {
		// Only use first line of the root error
		message = message[:nl]
	}
	info := ErrorInfo{
		Message: strings.TrimSpace(message),
		Stack:   fmt.Sprintf("%+v", err),
		Timeout: timeout,
	}
	data, e := json.Marshal(info)
	if e != nil {
		// ErrorInfo only contains strings and a bool
		panic(e)
	}
	return data
}

// marshalPayload interprets payload as JSON if possible
// or marshals it to JSON.
func marshalPayload(payload any) (notnull.JSON, error) {
	if payload == nil {
		return notnull.JSON("{}"), nil
	}
	var (
		payloadJSON notnull.JSON
		err         error
	)
	switch x := payload.(type) {
	case notnull.JSON:
		payloadJSON = x
	case nullable.JSON:
		payloadJSON = notnull.JSON(x)
	case json.RawMessage:
		payloadJSON = notnull.JSON(x)
	case []byte:
		payloadJSON = notnull.JSON(x)
	case string:
		payloadJSON = notnull.JSON(x)
	default:
		payloadJSON, err = notnull.MarshalJSON(x)
		if err != nil {
			return nil, errs.Errorf("%w: %#v, error: %w", ErrPayloadInvalid, x, err)
		}
		return payloadJSON, nil
	}
	if !json.Valid(payloadJSON) {
		return nil, errs.Errorf("%w: not valid JSON: %#v", ErrPayloadInvalid, string(payloadJSON))
	}
	return cloneBytes(payloadJSON), nil
}

func cloneBytes[T ~[]byte](b T) T {
	if b == nil {
		return nil
	}
	return append(T(nil), b...)
}
