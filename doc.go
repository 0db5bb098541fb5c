/*
Package pollqueue provides a persistent, priority ordered job queue
whose workers poll a shared store and claim due jobs with a single
atomic conditional update.

# Overview

Jobs are persisted by a Store, so any number of Queue instances in any
number of processes can work off the same jobs. A job is never claimed
twice because the claim is one atomic store operation.
Stores are provided by the packages memstore, pgstore (PostgreSQL),
and mongostore (MongoDB).

# Basic Usage

	store, err := pgstore.New(pgstore.ConfigFromEnv())
	...
	q, err := pollqueue.New(store, pollqueue.WithPoolSize(4))
	...
	err = q.Register(&pollqueue.Definition{
		Name:     "send-mail",
		Priority: 10,
		Schema:   validate.MustJSONSchema(mailSchema),
		Handler:  pollqueue.HandlerFunc(sendMail),
	})
	...
	err = q.Start(ctx)
	defer q.Stop(ctx)

	id, err := q.Enqueue(ctx, pollqueue.Request{
		Name:    "send-mail",
		Payload: mail,
	})

# Job Lifecycle

 1. Waiting - Enqueue persisted the job
 2. Processing - A worker claimed the job and set its StartTime
 3. Completed, Failed, or Timeout - The outcome of the handler was persisted
 4. Cancelled - Cancel, Clear, or Stop cancelled the job

Retry moves a job of any status back to waiting.
Definitions with Autoretry are retried automatically
after the delay of the RetryPolicy.

# Job Priorities

Jobs with lower priority values are claimed first,
jobs with the same priority in the order of their creation.

# Scheduled Jobs

Jobs are not claimed before Request.RunAfter.

# Keys and Groups

Enqueueing a job with the Key of a waiting job updates the
waiting job instead of adding a new one.
Jobs enqueued with the same GroupKey form a group,
listeners are notified when the last job of a group ended.

# Testing

Jobs can be executed synchronously without persistence using
ContextWithSynchronousJobs, or ignored entirely using ContextWithIgnoreJob.
The memstore package provides an in-memory Store.

# Error Handling

All errors are wrapped using github.com/domonda/go-errs for stack traces.
Handler errors are logged and persisted as ErrorInfo in Job.Error.
*/
package pollqueue
