package pgstore

import (
	"context"

	"github.com/domonda/go-errs"
	"github.com/domonda/go-sqldb/db"
)

// Channel is the LISTEN/NOTIFY channel signalling available jobs.
const Channel = "pollqueue_job_available"

func (s *Store) NotifyJobAvailable(ctx context.Context) (err error) {
	defer errs.WrapWithFuncParams(&err, ctx)

	if err = s.checkConnected(); err != nil {
		return err
	}
	return db.Conn(ctx).Exec(`select pg_notify($1, '')`, Channel)
}

func (s *Store) ListenJobAvailable(ctx context.Context, callback func()) (stop func() error, err error) {
	defer errs.WrapWithFuncParams(&err, ctx)

	if err = s.checkConnected(); err != nil {
		return nil, err
	}
	err = db.Conn(ctx).ListenOnChannel(
		Channel,
		func(channel, payload string) {
			defer errs.RecoverAndLogPanicWithFuncParams(log.ErrorWriter(), channel, payload)
			callback()
		},
		nil,
	)
	if err != nil {
		return nil, err
	}
	stop = func() error {
		// Don't use ctx of ListenJobAvailable
		return db.Conn(context.Background()).UnlistenChannel(Channel)
	}
	return stop, nil
}
