/*
Package pgstore implements pollqueue.Store and pollqueue.Notifier with PostgreSQL.

Jobs are stored in the table pollqueue.job which is created by
Store.Connect if it does not exist, see schema.sql.

Claims use `select ... for update skip locked` so that any number of
processes can share the same table without claiming a job twice.
Job availability is signalled between processes with
`pg_notify` on the channel "pollqueue_job_available".

The store uses the connection of the github.com/domonda/go-sqldb/db package.
If a *sqldb.Config is passed to New, then Connect opens a new connection
and sets it with db.SetConn, otherwise the connection has to be set
by the application before Connect.

Example:

	config, err := pgstore.ConfigFromEnv()
	if err != nil {
		return err
	}
	queue, err := pollqueue.New(pgstore.New(config), pollqueue.WithPoolSize(4))
	if err != nil {
		return err
	}
	err = queue.Start(ctx)
*/
package pgstore
