package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"sync"
	"time"

	"github.com/domonda/go-errs"
	"github.com/domonda/go-sqldb"
	"github.com/domonda/go-sqldb/db"
	"github.com/domonda/go-sqldb/pqconn"
	"github.com/domonda/go-types/notnull"
	"github.com/domonda/go-types/uu"

	"github.com/domonda/go-pollqueue"
)

//go:embed schema.sql
var schema string

const columns = `id, name, payload, priority, "key", group_key, run_after, created_on, status, start_time, end_time, duration, retry_count, error, result`

var (
	_ pollqueue.Store    = new(Store)
	_ pollqueue.Notifier = new(Store)

	errKeyConflict = errors.New("concurrent insert of a waiting job with the same key")
)

// Store implements pollqueue.Store with PostgreSQL.
type Store struct {
	config *sqldb.Config

	mtx       sync.Mutex
	conn      sqldb.Connection // Opened by Connect if config is not nil
	connected bool
}

// New returns a disconnected Store.
// If config is nil, then the connection set
// with db.SetConn is used.
func New(config *sqldb.Config) *Store {
	return &Store{config: config}
}

// Connect opens the connection if the Store has a config
// and creates the pollqueue schema if it does not exist.
func (s *Store) Connect(ctx context.Context) (err error) {
	defer errs.WrapWithFuncParams(&err, ctx)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.connected {
		return nil
	}
	if s.config != nil {
		conn, err := pqconn.New(ctx, s.config)
		if err != nil {
			return errs.Errorf("%w: %w", pollqueue.ErrStoreUnavailable, err)
		}
		db.SetConn(conn)
		s.conn = conn
	}
	err = db.Conn(ctx).Exec(schema)
	if err != nil {
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		return errs.Errorf("%w: %w", pollqueue.ErrStoreUnavailable, err)
	}
	s.connected = true
	log.Info("Connected job store").Log()
	return nil
}

// Close closes the connection if it was opened by Connect.
func (s *Store) Close() (err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	return err
}

func (s *Store) checkConnected() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.connected {
		return pollqueue.ErrStoreUnavailable
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, job *pollqueue.Job) (stored *pollqueue.Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, job)

	if err = s.checkConnected(); err != nil {
		return nil, err
	}
	stored, err = insert(ctx, job, false)
	if err != nil {
		return nil, storeError(err)
	}
	return stored, nil
}

// insert job and return the stored row.
// With onConflictDoNothing a violation of the
// waiting key index returns errKeyConflict.
func insert(ctx context.Context, job *pollqueue.Job, onConflictDoNothing bool) (stored *pollqueue.Job, err error) {
	id := job.ID
	if id.IsNil() {
		id = uu.IDv4()
	}
	query := `
		insert into pollqueue.job (` + columns + `)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	if onConflictDoNothing {
		query += `
		on conflict do nothing`
	}
	query += `
		returning *`
	err = db.Conn(ctx).QueryRow(query,
		id,                  // $1
		job.Name,            // $2
		job.Payload,         // $3
		job.Priority,        // $4
		job.Key,             // $5
		job.GroupKey,        // $6
		job.RunAfter,        // $7
		job.CreatedOn,       // $8
		string(job.Status),  // $9
		job.StartTime,       // $10
		job.EndTime,         // $11
		int64(job.Duration), // $12
		job.RetryCount,      // $13
		job.Error,           // $14
		job.Result,          // $15
	).ScanStruct(&stored)
	if err != nil {
		if onConflictDoNothing && sqldb.ReplaceErrNoRows(err, nil) == nil {
			return nil, errKeyConflict
		}
		return nil, err
	}
	return stored, nil
}

// Upsert locks the first job matching match with `for update`
// and updates it, or inserts job if there is none.
// A concurrent insert for the same waiting key is retried once,
// the retry will find and update the concurrently inserted job.
func (s *Store) Upsert(ctx context.Context, match pollqueue.Filter, job *pollqueue.Job) (stored *pollqueue.Job, inserted bool, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, match, job)

	if err = s.checkConnected(); err != nil {
		return nil, false, err
	}
	for attempt := 0; ; attempt++ {
		stored, inserted, err = upsert(ctx, match, job)
		if errors.Is(err, errKeyConflict) && attempt == 0 {
			log.Debug("Retrying job upsert after key conflict").
				Str("job", job.Name).
				Str("key", string(job.Key)).
				Log()
			continue
		}
		if err != nil {
			return nil, false, storeError(err)
		}
		return stored, inserted, nil
	}
}

func upsert(ctx context.Context, match pollqueue.Filter, job *pollqueue.Job) (stored *pollqueue.Job, inserted bool, err error) {
	err = db.Transaction(ctx, func(ctx context.Context) error {
		conn := db.Conn(ctx)

		var q query
		var existing *pollqueue.Job
		err := conn.QueryRow(
			`select * from pollqueue.job
				where `+q.where(match)+`
				order by priority, created_on
				limit 1
				for update`,
			q.args...,
		).ScanStruct(&existing)
		if err = sqldb.ReplaceErrNoRows(err, nil); err != nil {
			return err
		}

		if existing == nil {
			stored, err = insert(ctx, job, true)
			inserted = err == nil
			return err
		}

		return conn.QueryRow(
			`update pollqueue.job
				set name=$1, payload=$2, priority=$3, group_key=$4, run_after=$5
				where id = $6
				returning *`,
			job.Name,     // $1
			job.Payload,  // $2
			job.Priority, // $3
			job.GroupKey, // $4
			job.RunAfter, // $5
			existing.ID,  // $6
		).ScanStruct(&stored)
	})
	if err != nil {
		return nil, false, err
	}
	return stored, inserted, nil
}

func (s *Store) ClaimNext(ctx context.Context, now time.Time, names []string) (job *pollqueue.Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, now, names)

	if err = s.checkConnected(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	err = db.Conn(ctx).QueryRow(
		`update pollqueue.job
			set status='processing', start_time=$1
			where id = (
				select id
					from pollqueue.job
					where status = 'waiting'
						and start_time is null
						and run_after <= $1
						and name = any($2::text[])
					order by
						priority,
						created_on
					limit 1
					for update skip locked
			)
			returning *`,
		now,                        // $1
		notnull.StringArray(names), // $2
	).ScanStruct(&job)
	if err != nil {
		return nil, storeError(sqldb.ReplaceErrNoRows(err, nil))
	}
	return job, nil
}

func (s *Store) UpdateOne(ctx context.Context, filter pollqueue.Filter, update pollqueue.Update) (job *pollqueue.Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, filter, update)

	if err = s.checkConnected(); err != nil {
		return nil, err
	}

	var q query
	set := q.set(update)
	err = db.Conn(ctx).QueryRow(
		`update pollqueue.job
			set `+set+`
			where id = (
				select id
					from pollqueue.job
					where `+q.where(filter)+`
					order by
						priority,
						created_on
					limit 1
					for update
			)
			returning *`,
		q.args...,
	).ScanStruct(&job)
	if err != nil {
		return nil, storeError(sqldb.ReplaceErrNoRows(err, nil))
	}
	return job, nil
}

func (s *Store) Find(ctx context.Context, filter pollqueue.Filter) (jobs []*pollqueue.Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, filter)

	if err = s.checkConnected(); err != nil {
		return nil, err
	}

	var q query
	err = db.Conn(ctx).QueryRows(
		`select * from pollqueue.job
			where `+q.where(filter)+`
			order by priority, created_on`,
		q.args...,
	).ScanStructSlice(&jobs)
	if err != nil {
		return nil, storeError(err)
	}
	return jobs, nil
}

func (s *Store) Count(ctx context.Context, filter pollqueue.Filter) (count int, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, filter)

	if err = s.checkConnected(); err != nil {
		return 0, err
	}

	var q query
	count, err = db.QueryValue[int](ctx,
		`select count(*) from pollqueue.job where `+q.where(filter),
		q.args...,
	)
	if err != nil {
		return 0, storeError(err)
	}
	return count, nil
}

type statusCount struct {
	Status pollqueue.Status `db:"status"`
	Count  int              `db:"count"`
}

func (s *Store) CountByStatus(ctx context.Context, filter pollqueue.Filter) (counts map[pollqueue.Status]int, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, filter)

	if err = s.checkConnected(); err != nil {
		return nil, err
	}

	var (
		q    query
		rows []statusCount
	)
	err = db.Conn(ctx).QueryRows(
		`select status, count(*) as count
			from pollqueue.job
			where `+q.where(filter)+`
			group by status`,
		q.args...,
	).ScanStructSlice(&rows)
	if err != nil {
		return nil, storeError(err)
	}
	counts = make(map[pollqueue.Status]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// DeleteFinished deletes completed and cancelled jobs
// that ended before the passed time and returns their number.
// Failed and timed out jobs are kept for inspection.
func (s *Store) DeleteFinished(ctx context.Context, before time.Time) (numDeleted int, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, before)

	if err = s.checkConnected(); err != nil {
		return 0, err
	}
	numDeleted, err = db.QueryValue[int](ctx,
		/*sql*/ `
			with deleted as (
				delete from pollqueue.job
				where status in ('completed', 'cancelled')
					and coalesce(end_time, created_on) < $1
				returning id
			)
			select count(*) from deleted
		`,
		before,
	)
	if err != nil {
		return 0, storeError(err)
	}
	return numDeleted, nil
}

// storeError marks a database error as pollqueue.ErrStoreUnavailable.
func storeError(err error) error {
	if err == nil || errors.Is(err, pollqueue.ErrStoreUnavailable) {
		return err
	}
	return errs.Errorf("%w: %w", pollqueue.ErrStoreUnavailable, err)
}
