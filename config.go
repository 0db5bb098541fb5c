package pollqueue

import (
	"time"

	"github.com/domonda/go-errs"
	"github.com/domonda/golog"
	rootlog "github.com/domonda/golog/log"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

var log = rootlog.NewPackageLogger()

// OverrideLogger replaces the package logger.
func OverrideLogger(logger *golog.Logger) {
	log = logger
}

// Config of a Queue, see DefaultConfig for the defaults.
type Config struct {
	// PoolSize is the number of concurrent worker loops.
	PoolSize int

	// PollInterval is the time an idle worker waits
	// before trying to claim again.
	PollInterval time.Duration

	// PauseInterval is the time a paused worker waits
	// before checking the pause flag again.
	PauseInterval time.Duration

	// JobTimeout is the handler timeout for definitions without their own.
	// Zero disables the timeout.
	JobTimeout time.Duration

	// StopTimeout limits how long Stop waits for the worker loops to return.
	StopTimeout time.Duration

	// ClaimRate limits the claims per second of all workers.
	// Zero means unlimited.
	ClaimRate  rate.Limit
	ClaimBurst int

	// RetryPolicy computes the RunAfter delay of autoretried jobs.
	RetryPolicy RetryPolicy

	// MaxRetries caps autoretries per job, zero means unlimited.
	MaxRetries int

	// Poll loop backoff after store errors.
	ErrorBackoffInitial time.Duration
	ErrorBackoffMax     time.Duration

	// Notifier wakes idle workers when jobs become available.
	// If nil and the Store implements Notifier, the Store is used.
	Notifier Notifier

	// Meter for the queue metrics, otel.Meter is used if nil.
	Meter metric.Meter

	// Deps is passed to handlers with the context,
	// see DepsFromContext and Queue.Deps.
	Deps any

	// OnError will be called for every error that
	// would also be logged.
	OnError func(error)
}

func DefaultConfig() Config {
	return Config{
		PoolSize:            1,
		PollInterval:        500 * time.Millisecond,
		PauseInterval:       100 * time.Millisecond,
		JobTimeout:          30 * time.Second,
		StopTimeout:         10 * time.Second,
		RetryPolicy:         ImmediateRetry,
		ErrorBackoffInitial: 100 * time.Millisecond,
		ErrorBackoffMax:     5 * time.Second,
	}
}

// Option modifies the Config of a new Queue.
type Option func(*Config)

func WithConfig(config Config) Option {
	return func(c *Config) { *c = config }
}

func WithPoolSize(n int) Option {
	return func(c *Config) { c.PoolSize = n }
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Config) { c.PollInterval = d }
}

func WithPauseInterval(d time.Duration) Option {
	return func(c *Config) { c.PauseInterval = d }
}

func WithJobTimeout(d time.Duration) Option {
	return func(c *Config) { c.JobTimeout = d }
}

func WithStopTimeout(d time.Duration) Option {
	return func(c *Config) { c.StopTimeout = d }
}

// WithClaimRate limits all workers of the queue
// to claimsPerSecond with burst.
func WithClaimRate(claimsPerSecond float64, burst int) Option {
	return func(c *Config) {
		c.ClaimRate = rate.Limit(claimsPerSecond)
		c.ClaimBurst = burst
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Config) { c.RetryPolicy = policy }
}

func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

func WithErrorBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Config) {
		c.ErrorBackoffInitial = initial
		c.ErrorBackoffMax = maxDelay
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Config) { c.Notifier = n }
}

func WithMeter(meter metric.Meter) Option {
	return func(c *Config) { c.Meter = meter }
}

func WithDeps(deps any) Option {
	return func(c *Config) { c.Deps = deps }
}

func WithOnError(onError func(error)) Option {
	return func(c *Config) { c.OnError = onError }
}

func (c *Config) validate() error {
	switch {
	case c.PoolSize < 1:
		return errs.Errorf("%w: PoolSize must be at least 1, but is %d", ErrConfiguration, c.PoolSize)
	case c.PollInterval <= 0:
		return errs.Errorf("%w: PollInterval must be positive, but is %s", ErrConfiguration, c.PollInterval)
	case c.PauseInterval <= 0:
		return errs.Errorf("%w: PauseInterval must be positive, but is %s", ErrConfiguration, c.PauseInterval)
	case c.JobTimeout < 0:
		return errs.Errorf("%w: negative JobTimeout %s", ErrConfiguration, c.JobTimeout)
	case c.MaxRetries < 0:
		return errs.Errorf("%w: negative MaxRetries %d", ErrConfiguration, c.MaxRetries)
	case c.ClaimRate < 0:
		return errs.Errorf("%w: negative ClaimRate %v", ErrConfiguration, c.ClaimRate)
	}
	return nil
}
