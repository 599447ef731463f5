package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/aqasim81/schema-migration-runner/internal/backfill"
	"github.com/aqasim81/schema-migration-runner/internal/coordinator"
	"github.com/aqasim81/schema-migration-runner/internal/database"
	"github.com/aqasim81/schema-migration-runner/internal/ledger"
	"github.com/aqasim81/schema-migration-runner/internal/logging"
	"github.com/aqasim81/schema-migration-runner/internal/migration"
	"github.com/aqasim81/schema-migration-runner/internal/schema"
)

// Progress status constants reported via ProgressEvent.
const (
	StatusStarting  = "starting"
	StatusCompleted = "completed"
	// StatusSatisfied means every operation found its target state already
	// in place. The unit is recorded as applied.
	StatusSatisfied = "satisfied"
	// StatusSkippedSchema means the unit targets a schema this database
	// does not serve. It is recorded without running.
	StatusSkippedSchema = "skipped_schema"
	StatusFailed        = "failed"
	StatusDryRun        = "dry_run"
	StatusReverting     = "reverting"
	StatusReverted      = "reverted"

	// Warnings. The run continues.
	StatusOrphaned      = "orphaned"
	StatusOutOfOrder    = "out_of_order"
	StatusChecksumDrift = "checksum_drift"
)

// ProgressEvent is emitted by the executor for each unit processed and for
// each warning found while planning. Unit is nil for orphaned versions.
type ProgressEvent struct {
	Unit     *migration.Unit
	Version  string
	Status   string
	Duration time.Duration
	Error    error
}

// Ledger abstracts the version ledger for testability. Writes go through
// the Execer they are given so they commit with the unit.
type Ledger interface {
	Table() string
	EnsureTable(ctx context.Context) error
	Applied(ctx context.Context) ([]ledger.Entry, error)
	RecordApplied(ctx context.Context, conn database.Execer, r ledger.Record) error
	RecordReverted(ctx context.Context, conn database.Execer, version string) error
}

// lockReleaser is returned by lockFunc and must be released when done.
type lockReleaser interface {
	Release(ctx context.Context) error
}

// lockFunc acquires the run lock and returns a releaser.
type lockFunc func(ctx context.Context) (lockReleaser, error)

// sessionFunc returns a connection outside any transaction for
// non-transactional units, and a func returning it.
type sessionFunc func(ctx context.Context) (database.Conn, func(), error)

// recordFunc writes the ledger change for a unit through conn.
type recordFunc func(ctx context.Context, conn database.Execer) error

// unitFunc runs one direction of a unit and its ledger write.
type unitFunc func(ctx context.Context, u *migration.Unit, dir migration.Direction, record recordFunc) (migration.Outcome, error)

type noLock struct{}

func (noLock) Release(context.Context) error { return nil }

// Executor applies and reverts units one at a time under a run lock.
type Executor struct {
	db               database.Conn
	ledger           Ledger
	lockTimeout      time.Duration
	statementTimeout time.Duration
	dryRun           bool
	allowDestructive bool
	schemas          []string
	onProgress       func(ProgressEvent)
	logger           *logrus.Entry
	coordinator      migration.Coordinator
	background       migration.BackgroundMigrations
	backfillBatch    int
	backfillPause    time.Duration

	acquireLock  lockFunc
	session      sessionFunc
	runUnit      unitFunc
	newInspector func(database.RowQuerier) schema.Inspector
	newBackfills func(database.Conn) migration.BackfillRunner
}

// Option configures an Executor.
type Option func(*Executor)

// WithLockTimeout sets lock_timeout for transactional units.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Executor) { e.lockTimeout = d }
}

// WithStatementTimeout sets statement_timeout for transactional units.
func WithStatementTimeout(d time.Duration) Option {
	return func(e *Executor) { e.statementTimeout = d }
}

// WithDryRun enables dry-run mode where no SQL is executed.
func WithDryRun(b bool) Option {
	return func(e *Executor) { e.dryRun = b }
}

// WithAllowDestructive lets rollback run downs flagged destructive.
func WithAllowDestructive(b bool) Option {
	return func(e *Executor) { e.allowDestructive = b }
}

// WithSchemas names the logical schemas this database serves. Units for
// other schemas are recorded without running. Empty serves every schema.
func WithSchemas(schemas ...string) Option {
	return func(e *Executor) { e.schemas = schemas }
}

// WithProgressCallback sets a function called for each unit processed.
func WithProgressCallback(fn func(ProgressEvent)) Option {
	return func(e *Executor) { e.onProgress = fn }
}

// WithLogger sets the logger. Each run adds a run_id field.
func WithLogger(l *logrus.Entry) Option {
	return func(e *Executor) { e.logger = l }
}

// WithCoordinator replaces the lock and concurrency coordinator.
func WithCoordinator(c migration.Coordinator) Option {
	return func(e *Executor) { e.coordinator = c }
}

// WithBackgroundMigrations sets the handler for
// finalize_background_migration operations.
func WithBackgroundMigrations(b migration.BackgroundMigrations) Option {
	return func(e *Executor) { e.background = b }
}

// WithBackfillDefaults sets the batch size and pause used by backfills
// that do not set their own.
func WithBackfillDefaults(batchSize int, pause time.Duration) Option {
	return func(e *Executor) {
		e.backfillBatch = batchSize
		e.backfillPause = pause
	}
}

// New creates an Executor. When db is a *pgxpool.Pool the run holds a
// session-level advisory lock keyed by the ledger table, and
// non-transactional units get a dedicated pooled connection. Any other
// Conn is used as is without a run lock.
func New(db database.Conn, l Ledger, opts ...Option) *Executor {
	e := &Executor{
		db:     db,
		ledger: l,
	}

	for _, opt := range opts {
		opt(e)
	}

	// Set defaults for injectable functions after options are applied,
	// so tests can override them.
	if e.logger == nil {
		e.logger = logging.Discard()
	}

	if e.coordinator == nil {
		e.coordinator = coordinator.New(coordinator.DefaultConfig(), coordinator.WithLogger(e.logger))
	}

	e.setConnDefaults()

	if e.runUnit == nil {
		e.runUnit = e.executeUnit
	}

	if e.newInspector == nil {
		e.newInspector = func(q database.RowQuerier) schema.Inspector { return schema.NewPG(q) }
	}

	if e.newBackfills == nil {
		e.newBackfills = func(conn database.Conn) migration.BackfillRunner {
			opts := []backfill.Option{backfill.WithLogger(e.logger)}
			if e.backfillBatch > 0 || e.backfillPause > 0 {
				opts = append(opts, backfill.WithDefaults(e.backfillBatch, e.backfillPause))
			}

			return backfill.New(conn, opts...)
		}
	}

	return e
}

func (e *Executor) setConnDefaults() {
	pool, isPool := e.db.(*pgxpool.Pool)

	if e.acquireLock == nil {
		e.acquireLock = func(ctx context.Context) (lockReleaser, error) {
			if !isPool {
				return noLock{}, nil
			}

			return database.TryAcquireLock(ctx, pool, database.LockID(e.ledger.Table()))
		}
	}

	if e.session == nil {
		e.session = func(ctx context.Context) (database.Conn, func(), error) {
			if !isPool {
				return e.db, func() {}, nil
			}

			conn, err := pool.Acquire(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("acquiring session: %w", err)
			}

			return conn, conn.Release, nil
		}
	}
}

// Plan reads the ledger and resolves units against it. It takes no lock
// and creates nothing.
func (e *Executor) Plan(ctx context.Context, units []*migration.Unit) (*migration.Plan, error) {
	entries, err := e.ledger.Applied(ctx)
	if err != nil {
		return nil, err
	}

	applied := make([]migration.AppliedVersion, len(entries))
	for i, en := range entries {
		applied[i] = migration.AppliedVersion{Version: en.Version, Checksum: en.Checksum}
	}

	return migration.Resolve(units, applied)
}

// Apply runs every pending unit in version order under the run lock.
// Orphaned ledger versions, out-of-order units and checksum drift are
// reported as warnings. The run stops at the first failing unit; units
// after it are not attempted. Cancellation is checked between units.
func (e *Executor) Apply(ctx context.Context, units []*migration.Unit) error {
	if err := migration.CheckDuplicates(units); err != nil {
		return err
	}

	lock, err := e.acquireLock(ctx)
	if err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer lock.Release(context.WithoutCancel(ctx)) //nolint:errcheck // best-effort release on return

	log := e.logger.WithField("run_id", uuid.NewString())

	if !e.dryRun {
		if err := e.ledger.EnsureTable(ctx); err != nil {
			return err
		}
	}

	plan, err := e.Plan(ctx, units)
	if err != nil {
		return err
	}

	e.warn(log, plan)

	log.WithField("pending", len(plan.Pending)).Info("applying migrations")

	for _, u := range plan.Pending {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled before %s: %w", u.ID(), err)
		}

		if err := e.applyOne(ctx, log, u); err != nil {
			return err
		}
	}

	return nil
}

// warn reports plan conditions that do not stop a run.
func (e *Executor) warn(log *logrus.Entry, plan *migration.Plan) {
	for _, v := range plan.Orphans {
		log.WithField("version", v).Warn("ledger version has no migration unit")
		e.fireProgress(ProgressEvent{Version: v, Status: StatusOrphaned})
	}

	for _, u := range plan.Gaps {
		log.WithField("version", u.Version).Warn("applying unit older than the newest applied version")
		e.fireProgress(ProgressEvent{Unit: u, Version: u.Version, Status: StatusOutOfOrder})
	}

	for _, u := range plan.Drifted {
		log.WithField("version", u.Version).Warn("applied unit changed since it ran")
		e.fireProgress(ProgressEvent{Unit: u, Version: u.Version, Status: StatusChecksumDrift})
	}
}

// applyOne handles a single pending unit: schema filter, dry-run check,
// execute with the ledger write, and progress.
func (e *Executor) applyOne(ctx context.Context, log *logrus.Entry, u *migration.Unit) error {
	log = log.WithFields(logrus.Fields{"version": u.Version, "unit": u.Name})

	if e.dryRun {
		e.fireProgress(ProgressEvent{Unit: u, Version: u.Version, Status: StatusDryRun})

		return nil
	}

	start := time.Now()
	record := func(ctx context.Context, conn database.Execer) error {
		return e.ledger.RecordApplied(ctx, conn, ledger.Record{
			Version:    u.Version,
			Name:       u.Name,
			Checksum:   u.Checksum,
			DurationMs: time.Since(start).Milliseconds(),
		})
	}

	if !e.serves(u) {
		log.WithField("schema", u.TargetSchema).Info("recording unit for a schema this database does not serve")

		if err := record(context.WithoutCancel(ctx), e.db); err != nil {
			return fmt.Errorf("recording %s: %w", u.ID(), err)
		}

		e.fireProgress(ProgressEvent{Unit: u, Version: u.Version, Status: StatusSkippedSchema})

		return nil
	}

	e.fireProgress(ProgressEvent{Unit: u, Version: u.Version, Status: StatusStarting})
	log.Info("applying")

	outcome, err := e.runUnit(ctx, u, migration.Up, record)
	duration := time.Since(start)

	if err != nil {
		log.WithError(err).Error("migration failed")
		e.fireProgress(ProgressEvent{Unit: u, Version: u.Version, Status: StatusFailed, Duration: duration, Error: err})

		return err
	}

	status := StatusCompleted
	if outcome == migration.Satisfied {
		status = StatusSatisfied
	}

	log.WithField("duration_ms", duration.Milliseconds()).Info(status)
	e.fireProgress(ProgressEvent{Unit: u, Version: u.Version, Status: status, Duration: duration})

	return nil
}

// Rollback reverts the most recent steps applied versions, newest first.
// It stops at the first version it cannot revert, leaving every version
// below it applied.
func (e *Executor) Rollback(ctx context.Context, units []*migration.Unit, steps int) error {
	if steps < 1 {
		return fmt.Errorf("%w: steps must be at least 1, got %d", ErrInvalidTarget, steps)
	}

	return e.rollback(ctx, units, func(entries []ledger.Entry) []ledger.Entry {
		return entries[:min(steps, len(entries))]
	})
}

// RollbackToVersion reverts every applied version above target, newest
// first, with the same stopping rule as Rollback.
func (e *Executor) RollbackToVersion(ctx context.Context, units []*migration.Unit, target string) error {
	if target == "" || !isDigits(target) {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}

	return e.rollback(ctx, units, func(entries []ledger.Entry) []ledger.Entry {
		var out []ledger.Entry

		for _, en := range entries {
			if migration.CompareVersions(en.Version, target) > 0 && !migration.SameVersion(en.Version, target) {
				out = append(out, en)
			}
		}

		return out
	})
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}

func (e *Executor) rollback(ctx context.Context, units []*migration.Unit, pick func([]ledger.Entry) []ledger.Entry) error {
	if err := migration.CheckDuplicates(units); err != nil {
		return err
	}

	lock, err := e.acquireLock(ctx)
	if err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer lock.Release(context.WithoutCancel(ctx)) //nolint:errcheck // best-effort release on return

	log := e.logger.WithField("run_id", uuid.NewString())

	entries, err := e.ledger.Applied(ctx)
	if err != nil {
		return err
	}

	slices.SortStableFunc(entries, func(a, b ledger.Entry) int {
		return migration.CompareVersions(b.Version, a.Version)
	})

	targets := pick(entries)
	log.WithField("versions", len(targets)).Info("rolling back migrations")

	for _, en := range targets {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled before reverting %s: %w", en.Version, err)
		}

		if err := e.revertOne(ctx, log, en.Version, findUnit(units, en.Version)); err != nil {
			return err
		}
	}

	return nil
}

func findUnit(units []*migration.Unit, version string) *migration.Unit {
	for _, u := range units {
		if migration.SameVersion(u.Version, version) {
			return u
		}
	}

	return nil
}

// revertOne reverts a single applied version. version is the ledger's
// spelling, used for the ledger delete.
func (e *Executor) revertOne(ctx context.Context, log *logrus.Entry, version string, u *migration.Unit) error {
	log = log.WithField("version", version)

	var stop error

	switch {
	case u == nil:
		stop = &IrreversibleError{Version: version, Reason: "unit not found"}
	case !u.Reversible():
		stop = &IrreversibleError{Version: version, Reason: "no down operations"}
	case u.DestructiveDown && !e.allowDestructive:
		stop = &DestructiveRollbackError{Version: version}
	}

	if stop != nil {
		log.WithError(stop).Error("rollback stopped")
		e.fireProgress(ProgressEvent{Unit: u, Version: version, Status: StatusFailed, Error: stop})

		return stop
	}

	if e.dryRun {
		e.fireProgress(ProgressEvent{Unit: u, Version: version, Status: StatusDryRun})

		return nil
	}

	record := func(ctx context.Context, conn database.Execer) error {
		return e.ledger.RecordReverted(ctx, conn, version)
	}

	if !e.serves(u) {
		if err := record(context.WithoutCancel(ctx), e.db); err != nil {
			return fmt.Errorf("recording %s: %w", u.ID(), err)
		}

		e.fireProgress(ProgressEvent{Unit: u, Version: version, Status: StatusSkippedSchema})

		return nil
	}

	e.fireProgress(ProgressEvent{Unit: u, Version: version, Status: StatusReverting})
	log.Info("reverting")

	start := time.Now()
	_, err := e.runUnit(ctx, u, migration.Down, record)
	duration := time.Since(start)

	if err != nil {
		log.WithError(err).Error("rollback failed")
		e.fireProgress(ProgressEvent{Unit: u, Version: version, Status: StatusFailed, Duration: duration, Error: err})

		return err
	}

	e.fireProgress(ProgressEvent{Unit: u, Version: version, Status: StatusReverted, Duration: duration})

	return nil
}

// serves reports whether this database runs units for u's target schema.
func (e *Executor) serves(u *migration.Unit) bool {
	return u.TargetSchema == "" || len(e.schemas) == 0 || slices.Contains(e.schemas, u.TargetSchema)
}

// executeUnit runs one direction of a unit, choosing between one
// transaction and a dedicated session by the unit's mode.
func (e *Executor) executeUnit(ctx context.Context, u *migration.Unit, dir migration.Direction, record recordFunc) (migration.Outcome, error) {
	if u.Transactional() {
		return e.executeTransactional(ctx, u, dir, record)
	}

	return e.executeNonTransactional(ctx, u, dir, record)
}

func (e *Executor) env(conn database.Conn, u *migration.Unit, inTx bool) *migration.Env {
	return &migration.Env{
		Conn:          conn,
		Inspector:     e.newInspector(conn),
		Coordinator:   e.coordinator,
		Backfills:     e.newBackfills(conn),
		Background:    e.background,
		Logger:        e.logger.WithFields(logrus.Fields{"version": u.Version, "unit": u.Name}),
		InTransaction: inTx,
		Version:       u.Version,
	}
}

// executeTransactional runs the unit and its ledger write in one
// transaction. Begin and commit are not tied to ctx so cancellation takes
// effect between operations only.
func (e *Executor) executeTransactional(ctx context.Context, u *migration.Unit, dir migration.Direction, record recordFunc) (migration.Outcome, error) {
	var outcome migration.Outcome

	err := database.ExecInTransaction(context.WithoutCancel(ctx), e.db, func(tx pgx.Tx) error {
		quiet := context.WithoutCancel(ctx)

		if e.lockTimeout > 0 {
			if err := database.SetLockTimeout(quiet, tx, e.lockTimeout); err != nil {
				return err
			}
		}

		if e.statementTimeout > 0 {
			if err := database.SetStatementTimeout(quiet, tx, e.statementTimeout); err != nil {
				return err
			}
		}

		var err error

		outcome, err = migration.Run(ctx, e.env(tx, u, true), u.Operations(dir))
		if err != nil {
			return err
		}

		return record(quiet, tx)
	})
	if err != nil {
		return migration.Applied, &ExecutionError{Version: u.Version, Name: u.Name, Direction: dir, Cause: err}
	}

	return outcome, nil
}

// executeNonTransactional runs the unit on a dedicated session. Whatever
// the result, the schema is inspected for half-built objects before the
// ledger is trusted: a unit that leaves any is a PartialFailureError and
// is not recorded.
func (e *Executor) executeNonTransactional(ctx context.Context, u *migration.Unit, dir migration.Direction, record recordFunc) (migration.Outcome, error) {
	conn, release, err := e.session(ctx)
	if err != nil {
		return migration.Applied, &ExecutionError{Version: u.Version, Name: u.Name, Direction: dir, Cause: err}
	}
	defer release()

	env := e.env(conn, u, false)
	ops := u.Operations(dir)

	outcome, runErr := migration.Run(ctx, env, ops)

	quiet := context.WithoutCancel(ctx)

	leftovers, inspectErr := migration.Leftovers(quiet, env.Inspector, ops)
	leftovers = mergeLeftovers(leftovers, runErr)

	if len(leftovers) > 0 {
		cause := runErr
		if cause == nil {
			cause = coordinator.ErrLeftBehind
		}

		return migration.Applied, &PartialFailureError{
			Version: u.Version, Name: u.Name, Direction: dir, Leftovers: leftovers, Cause: cause,
		}
	}

	if err := errors.Join(runErr, inspectErr); err != nil {
		return migration.Applied, &ExecutionError{Version: u.Version, Name: u.Name, Direction: dir, Cause: err}
	}

	if err := record(quiet, conn); err != nil {
		return migration.Applied, &ExecutionError{Version: u.Version, Name: u.Name, Direction: dir, Cause: err}
	}

	return outcome, nil
}

// mergeLeftovers adds the object named by a coordinator error to those
// found by inspection, without duplicates.
func mergeLeftovers(found []string, err error) []string {
	var lo coordinator.Leftover
	if errors.As(err, &lo) && !slices.Contains(found, lo.Object()) {
		found = append(found, lo.Object())
	}

	return found
}

func (e *Executor) fireProgress(event ProgressEvent) {
	if e.onProgress != nil {
		e.onProgress(event)
	}
}
