package pollqueue

import (
	"context"
)

var synchronousJobsKey int

// ContextWithSynchronousJobs returns a context that makes
// Queue.Enqueue call the handler of the job directly
// instead of persisting the job.
func ContextWithSynchronousJobs(ctx context.Context) context.Context {
	return context.WithValue(ctx, &synchronousJobsKey, struct{}{})
}

func SynchronousJobs(ctx context.Context) bool {
	return ctx.Value(&synchronousJobsKey) != nil
}

var ignoreJobKey int

type IgnoreJobFunc func(*Job) bool

func IgnoreAllJobs(*Job) bool { return true }

// ContextWithIgnoreJob returns a context that makes
// Queue.Enqueue drop jobs for which ignoreJob returns true.
func ContextWithIgnoreJob(ctx context.Context, ignoreJob IgnoreJobFunc) context.Context {
	return context.WithValue(ctx, &ignoreJobKey, ignoreJob)
}

func IgnoreJob(ctx context.Context, job *Job) bool {
	if ignoreJob, ok := ctx.Value(&ignoreJobKey).(IgnoreJobFunc); ok {
		return ignoreJob(job)
	}
	return false
}

var depsKey int

func contextWithDeps(ctx context.Context, deps any) context.Context {
	if deps == nil {
		return ctx
	}
	return context.WithValue(ctx, &depsKey, deps)
}

// DepsFromContext returns the Config.Deps of the queue
// that called the handler with ctx or nil.
func DepsFromContext(ctx context.Context) any {
	return ctx.Value(&depsKey)
}
