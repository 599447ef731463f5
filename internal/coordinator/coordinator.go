// Package coordinator runs lock-sensitive DDL without stalling a busy
// database: short statements run under a bounded lock-retry loop and
// indexes and constraints are built with PostgreSQL's lock-minimizing forms.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/aqasim81/schema-migration-runner/internal/database"
	"github.com/aqasim81/schema-migration-runner/internal/logging"
)

// Default lock-retry settings.
const (
	DefaultAttempts       = 10
	DefaultLockTimeout    = 100 * time.Millisecond
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
)

// Config controls the lock-retry loop.
type Config struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// LockTimeout is applied with SET LOCAL lock_timeout on every attempt.
	LockTimeout time.Duration
	// InitialBackoff is the wait after the first failed attempt. Each
	// later wait doubles, capped at MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the default lock-retry settings.
func DefaultConfig() Config {
	return Config{
		Attempts:       DefaultAttempts,
		LockTimeout:    DefaultLockTimeout,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}
}

// Delays returns the waits between attempts, in order. There is one fewer
// delay than attempts.
func (c Config) Delays() []time.Duration {
	if c.Attempts <= 1 {
		return nil
	}

	b := c.newBackOff()
	delays := make([]time.Duration, 0, c.Attempts-1)

	for range c.Attempts - 1 {
		delays = append(delays, b.NextBackOff())
	}

	return delays
}

func (c Config) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialBackoff
	b.MaxInterval = c.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// Coordinator applies Config to lock-sensitive operations.
type Coordinator struct {
	cfg    Config
	logger *logrus.Entry
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for retry and skip warnings.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a Coordinator. Zero fields of cfg take their defaults.
func New(cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()

	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}

	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}

	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}

	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}

	c := &Coordinator{cfg: cfg, logger: logging.Discard()}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Config returns the effective settings.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Retry calls fn until it succeeds, fails with an error that is not a lock
// error, or the attempts run out. Waits between attempts follow Config and
// are the only points where ctx cancellation is observed.
func (c *Coordinator) Retry(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempt := 0

	op := func() error {
		attempt++

		err := fn(context.WithoutCancel(ctx), attempt)
		if err == nil {
			return nil
		}

		if !database.IsLockNotAvailable(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait.String(),
		}).Warnf("lock not available, retrying: %v", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(c.cfg.newBackOff(), uint64(c.cfg.Attempts-1)), //nolint:gosec // Attempts >= 1 after New
		ctx,
	)

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("lock retries cancelled after %d attempts: %w", attempt, err)
	}

	if database.IsLockNotAvailable(err) && attempt >= c.cfg.Attempts {
		return &LockTimeoutExceededError{Attempts: attempt, Last: err}
	}

	return err
}

// WithLockRetries runs fn in its own transaction (a savepoint when conn is
// already a transaction) with lock_timeout set, retrying the whole
// transaction when a lock cannot be acquired in time. Inside a savepoint the
// enclosing transaction's lock_timeout is put back once fn succeeds.
func (c *Coordinator) WithLockRetries(ctx context.Context, conn database.Conn, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var outer string

	_, nested := conn.(pgx.Tx)
	if nested {
		v, err := database.LockTimeout(ctx, conn)
		if err != nil {
			return err
		}

		outer = v
	}

	return c.Retry(ctx, func(ctx context.Context, attempt int) error {
		return database.ExecInTransaction(ctx, conn, func(tx pgx.Tx) error {
			if err := database.SetLockTimeout(ctx, tx, c.cfg.LockTimeout); err != nil {
				return err
			}

			if attempt > 1 {
				c.logger.WithField("attempt", attempt).Debug("retrying statement under lock_timeout")
			}

			if err := fn(ctx, tx); err != nil {
				return err
			}

			if nested {
				return database.RestoreLockTimeout(ctx, tx, outer)
			}

			return nil
		})
	})
}
