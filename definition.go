package pollqueue

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/domonda/go-errs"
	"github.com/domonda/go-types/notnull"
)

// Handler does the work of a job.
//
// The returned result is marshalled to JSON and persisted as Job.Result.
// A returned error marks the job as failed.
// The ctx passed to Handle is cancelled when the handler timeout
// expires or the queue is stopped, the handler is expected to
// return when ctx is done but the queue does not wait for it.
type Handler interface {
	Handle(ctx context.Context, payload notnull.JSON, q *Queue, job *Job) (result any, err error)
}

// HandlerFunc implements Handler with a function.
type HandlerFunc func(ctx context.Context, payload notnull.JSON, q *Queue, job *Job) (result any, err error)

func (f HandlerFunc) Handle(ctx context.Context, payload notnull.JSON, q *Queue, job *Job) (result any, err error) {
	return f(ctx, payload, q, job)
}

// Validator checks a job payload at enqueue time
// and returns the payload that will be persisted.
// See the validate package for implementations.
type Validator interface {
	Validate(payload []byte) (validated []byte, err error)
}

// ValidatorFunc implements Validator with a function.
type ValidatorFunc func(payload []byte) ([]byte, error)

func (f ValidatorFunc) Validate(payload []byte) ([]byte, error) {
	return f(payload)
}

// Definition describes a kind of job that can be enqueued.
type Definition struct {
	Name string

	// Priority is copied to every enqueued Job,
	// lower values are claimed first.
	Priority int64

	// Schema validates payloads at enqueue time if not nil.
	Schema Validator

	// Autoretry re-enqueues failed or timed out jobs.
	Autoretry bool

	// RetryPolicy overrides the queue's retry policy for this definition if not nil.
	RetryPolicy RetryPolicy

	// Timeout for the handler, the queue's JobTimeout is used if zero.
	Timeout time.Duration

	Handler Handler
}

func (def *Definition) validate() error {
	if def == nil {
		return errs.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if def.Name == "" {
		return errs.Errorf("%w: empty job name", ErrInvalidDefinition)
	}
	if def.Handler == nil {
		return errs.Errorf("%w: nil handler for job %q", ErrInvalidDefinition, def.Name)
	}
	if def.Timeout < 0 {
		return errs.Errorf("%w: negative timeout %s for job %q", ErrInvalidDefinition, def.Timeout, def.Name)
	}
	return nil
}

func (def *Definition) String() string {
	return fmt.Sprintf("Definition %s, priority %d, autoretry %t, timeout %s", def.Name, def.Priority, def.Autoretry, def.Timeout)
}

// JobNameOfPayloadType creates a job name for a given payload reflect.Type.
// The job name starts with the package import path of the type
// followed by a point and the type name.
// Pointer types will be dereferenced.
func JobNameOfPayloadType(payloadType reflect.Type) string {
	for payloadType.Kind() == reflect.Ptr {
		payloadType = payloadType.Elem()
	}
	return payloadType.PkgPath() + "." + payloadType.Name()
}

// ReflectJobName creates a job name by using reflection on payload.
// See JobNameOfPayloadType
func ReflectJobName(payload any) string {
	return JobNameOfPayloadType(reflect.TypeOf(payload))
}

var (
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// HandlerFromFunc uses reflection to wrap a function with a custom
// payload argument type as Handler.
// The payload JSON of the job will be unmarshalled to the type of the argument.
//
// Supported function signatures are:
//
//	func([context.Context,] P)
//	func([context.Context,] P) error
//	func([context.Context,] P) R
//	func([context.Context,] P) (R, error)
//
// The returned payloadType is P with pointers dereferenced.
func HandlerFromFunc(fn any) (h Handler, payloadType reflect.Type, err error) {
	fnVal := reflect.ValueOf(fn)
	if fnVal.Kind() != reflect.Func {
		return nil, nil, errs.Errorf("%w: handler is not a function but %T", ErrInvalidDefinition, fn)
	}
	fnType := fnVal.Type()

	hasContextArg := fnType.NumIn() == 2 && fnType.In(0) == typeOfContext
	if fnType.NumIn() != 1 && !hasContextArg {
		return nil, nil, errs.Errorf("%w: handler function must have a payload argument and an optional leading context.Context, but has signature %s", ErrInvalidDefinition, fnType)
	}
	argType := fnType.In(fnType.NumIn() - 1)
	payloadType = argType
	for payloadType.Kind() == reflect.Ptr {
		payloadType = payloadType.Elem()
	}

	resultIsError := false
	switch fnType.NumOut() {
	case 0:
		// OK
	case 1:
		resultIsError = fnType.Out(0) == typeOfError
	case 2:
		if fnType.Out(1) != typeOfError {
			return nil, nil, errs.Errorf("%w: second handler function result must be of type error, but is %s", ErrInvalidDefinition, fnType.Out(1))
		}
	default:
		return nil, nil, errs.Errorf("%w: handler function must have at most 2 results, but has %d", ErrInvalidDefinition, fnType.NumOut())
	}

	h = HandlerFunc(func(ctx context.Context, payload notnull.JSON, q *Queue, job *Job) (result any, err error) {
		payloadPtr := reflect.New(payloadType)
		err = payload.UnmarshalTo(payloadPtr.Interface())
		if err != nil {
			return nil, errs.Errorf("error while unmarshalling job payload '%s': %w", payload, err)
		}
		arg := payloadPtr.Elem()
		if argType.Kind() == reflect.Ptr {
			arg = payloadPtr
		}
		args := []reflect.Value{arg}
		if hasContextArg {
			args = []reflect.Value{reflect.ValueOf(ctx), arg}
		}
		results := fnVal.Call(args)
		switch len(results) {
		case 0:
			return nil, nil
		case 1:
			if resultIsError {
				return nil, errs.AsError(results[0].Interface())
			}
			return results[0].Interface(), nil
		default:
			return results[0].Interface(), errs.AsError(results[1].Interface())
		}
	})
	return h, payloadType, nil
}
