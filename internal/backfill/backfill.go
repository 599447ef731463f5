// Package backfill drives row-level data migrations in bounded key windows,
// each in its own short transaction, pausing between windows to limit lock
// pressure and replication lag.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/aqasim81/schema-migration-runner/internal/database"
	"github.com/aqasim81/schema-migration-runner/internal/logging"
)

// Default window settings.
const (
	DefaultBatchSize = 1000
	DefaultPause     = 100 * time.Millisecond
)

// Window is an inclusive key range.
type Window struct {
	Start int64
	End   int64
}

func (w Window) String() string {
	return fmt.Sprintf("[%d, %d]", w.Start, w.End)
}

// Params identifies a backfill and sizes its windows. KeyColumn must be a
// unique integer column.
type Params struct {
	// Job names the backfill for cursor persistence.
	Job       string
	Table     string
	KeyColumn string
	BatchSize int
	Pause     time.Duration
}

func (p Params) validate() error {
	switch {
	case p.Job == "":
		return fmt.Errorf("%w: job name is required", ErrInvalidParams)
	case p.Table == "":
		return fmt.Errorf("%w: table is required", ErrInvalidParams)
	case p.KeyColumn == "":
		return fmt.Errorf("%w: key column is required", ErrInvalidParams)
	case p.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidParams, p.BatchSize)
	case p.Pause < 0:
		return fmt.Errorf("%w: pause must not be negative", ErrInvalidParams)
	}

	return nil
}

// State is the driver's lifecycle state.
type State int

// Driver states. Paused only follows an external cancellation.
const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StatePaused
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result summarises a Run.
type Result struct {
	State State
	// Windows is the number of windows committed by this run.
	Windows int
	// Failed holds the failing window's bounds when State is StateFailed.
	Failed *Window
	// ResumeAfter is the last committed key when State is StatePaused or StateFailed.
	ResumeAfter *int64
}

// BatchFunc processes one window inside tx. It must be idempotent per
// window: a crash between the statement and the cursor commit re-runs it.
type BatchFunc func(ctx context.Context, tx pgx.Tx, w Window) error

// Driver runs backfills over one database session.
type Driver struct {
	conn      database.Conn
	keys      KeySource
	cursors   CursorStore
	batchSize int
	pause     time.Duration
	logger    *logrus.Entry
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Driver.
type Option func(*Driver)

// WithKeySource replaces the PostgreSQL key source.
func WithKeySource(k KeySource) Option {
	return func(d *Driver) { d.keys = k }
}

// WithCursorStore replaces the PostgreSQL cursor store.
func WithCursorStore(c CursorStore) Option {
	return func(d *Driver) { d.cursors = c }
}

// WithDefaults sets the batch size and pause used when Params leaves them zero.
func WithDefaults(batchSize int, pause time.Duration) Option {
	return func(d *Driver) {
		if batchSize > 0 {
			d.batchSize = batchSize
		}

		if pause >= 0 {
			d.pause = pause
		}
	}
}

// WithLogger sets the logger for window progress.
func WithLogger(l *logrus.Entry) Option {
	return func(d *Driver) { d.logger = l }
}

// New creates a Driver that runs windows on conn.
func New(conn database.Conn, opts ...Option) *Driver {
	d := &Driver{
		conn:      conn,
		batchSize: DefaultBatchSize,
		pause:     DefaultPause,
		logger:    logging.Discard(),
		sleep:     sleepContext,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.keys == nil {
		d.keys = NewPGKeys(conn)
	}

	if d.cursors == nil {
		d.cursors = NewPGCursors(conn)
	}

	return d
}

// Run processes the table in consecutive windows of p.BatchSize keys,
// starting after the job's persisted cursor. Each window commits together
// with the cursor advance. Cancellation of ctx is observed before each
// window and during the pause between windows; a window already running
// is allowed to finish. A failing window aborts the run.
func (d *Driver) Run(ctx context.Context, p Params, fn BatchFunc) (Result, error) {
	if p.BatchSize == 0 {
		p.BatchSize = d.batchSize
	}

	if p.Pause == 0 {
		p.Pause = d.pause
	}

	if err := p.validate(); err != nil {
		return Result{State: StatePending}, err
	}

	log := d.logger.WithFields(logrus.Fields{"job": p.Job, "table": p.Table})

	after, err := d.cursors.Load(ctx, p.Job)
	if err != nil {
		return Result{State: StatePending}, err
	}

	if after != nil {
		log.WithField("resume_after", *after).Info("resuming backfill")
	}

	res := Result{State: StateRunning, ResumeAfter: after}

	for {
		if err := ctx.Err(); err != nil {
			return d.paused(res, p, err)
		}

		start, ok, err := d.keys.Start(ctx, p, res.ResumeAfter)
		if err != nil {
			res.State = StateFailed

			return res, err
		}

		if !ok {
			break
		}

		if res.Windows > 0 && p.Pause > 0 {
			if err := d.sleep(ctx, p.Pause); err != nil {
				return d.paused(res, p, err)
			}
		}

		w, last, err := d.nextWindow(ctx, p, start)
		if err != nil {
			res.State = StateFailed

			return res, err
		}

		if err := d.runWindow(ctx, p, w, fn); err != nil {
			res.State = StateFailed
			res.Failed = &w

			return res, &WindowFailureError{Job: p.Job, Window: w, Cause: err}
		}

		end := w.End
		res.ResumeAfter = &end
		res.Windows++

		log.WithField("window", w.String()).Debug("backfill window committed")

		if last {
			break
		}
	}

	if err := d.cursors.Clear(context.WithoutCancel(ctx), p.Job); err != nil {
		res.State = StateFailed

		return res, err
	}

	res.State = StateCompleted
	log.WithField("windows", res.Windows).Info("backfill completed")

	return res, nil
}

// nextWindow computes the window beginning at start. last reports whether
// it reaches the end of the table.
func (d *Driver) nextWindow(ctx context.Context, p Params, start int64) (Window, bool, error) {
	stop, more, err := d.keys.Stop(ctx, p, start)
	if err != nil {
		return Window{}, false, err
	}

	if more {
		if stop <= start {
			return Window{}, false, fmt.Errorf("%w: key column %s.%s is not unique", ErrInvalidParams, p.Table, p.KeyColumn)
		}

		return Window{Start: start, End: stop - 1}, false, nil
	}

	maxKey, ok, err := d.keys.Max(ctx, p)
	if err != nil {
		return Window{}, false, err
	}

	// The rows from start on were deleted after Start saw them.
	if !ok {
		return Window{Start: start, End: start}, true, nil
	}

	return Window{Start: start, End: max(start, maxKey)}, true, nil
}

func (d *Driver) runWindow(ctx context.Context, p Params, w Window, fn BatchFunc) error {
	ctx = context.WithoutCancel(ctx)

	return database.ExecInTransaction(ctx, d.conn, func(tx pgx.Tx) error {
		if err := fn(ctx, tx, w); err != nil {
			return err
		}

		return d.cursors.Save(ctx, tx, p.Job, w.End)
	})
}

func (d *Driver) paused(res Result, p Params, cause error) (Result, error) {
	res.State = StatePaused

	d.logger.WithField("job", p.Job).Warn("backfill paused by cancellation")

	return res, &PausedError{Job: p.Job, ResumeAfter: res.ResumeAfter, Cause: cause}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
