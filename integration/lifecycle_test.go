//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqasim81/schema-migration-runner/internal/coordinator"
	"github.com/aqasim81/schema-migration-runner/internal/database"
	"github.com/aqasim81/schema-migration-runner/internal/executor"
	"github.com/aqasim81/schema-migration-runner/internal/ledger"
	"github.com/aqasim81/schema-migration-runner/internal/migration"
)

const exampleMigrations = "../testdata/migrations"

func threeTables(t *testing.T) []*migration.Unit {
	t.Helper()

	return LoadUnits(t, map[string]string{
		"V001_create_users.up.sql":   "CREATE TABLE users (id SERIAL PRIMARY KEY, name TEXT NOT NULL);",
		"V001_create_users.down.sql": "DROP TABLE users;",
		"V002_create_posts.up.sql":   "CREATE TABLE posts (id SERIAL PRIMARY KEY, user_id INTEGER REFERENCES users(id), title TEXT);",
		"V002_create_posts.down.sql": "DROP TABLE posts;",
		"V003_add_email.yml": `up:
  - add_column: {table: users, column: {name: email, type: text}}
down:
  - remove_column: {table: users, column: email}
`,
	})
}

func recordEvents(events *[]executor.ProgressEvent) executor.Option {
	var mu sync.Mutex

	return executor.WithProgressCallback(func(e executor.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()

		*events = append(*events, e)
	})
}

func TestApply_exampleUnits_fullLifecycle(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)
	ctx := context.Background()

	units, err := migration.LoadFromDir(exampleMigrations)
	require.NoError(t, err)

	exec, l := NewExecutor(t, pool, executor.WithAllowDestructive(true))

	require.NoError(t, exec.Apply(ctx, units))
	assert.Equal(t, []string{"001", "002", "003", "004", "005", "006", "007"}, AppliedVersions(t, l))

	var valid bool
	err = pool.QueryRow(ctx,
		`SELECT indisvalid FROM pg_index WHERE indexrelid = 'index_users_on_email'::regclass`,
	).Scan(&valid)
	require.NoError(t, err)
	assert.True(t, valid)

	var fkCount int
	err = pool.QueryRow(ctx,
		`SELECT count(*) FROM pg_constraint WHERE conrelid = 'projects'::regclass AND contype = 'f' AND convalidated`,
	).Scan(&fkCount)
	require.NoError(t, err)
	assert.Equal(t, 1, fkCount)

	// A second run finds nothing pending.
	var events []executor.ProgressEvent
	again, _ := NewExecutor(t, pool, recordEvents(&events))
	require.NoError(t, again.Apply(ctx, units))
	assert.Empty(t, events)

	// Roll back the two newest, then stop at the irreversible backfill.
	require.NoError(t, exec.Rollback(ctx, units, 2))
	assert.False(t, TableExists(t, pool, "audit_events"))
	assert.False(t, TableExists(t, pool, "ci_builds"))
	assert.Equal(t, []string{"001", "002", "003", "004", "005"}, AppliedVersions(t, l))

	err = exec.Rollback(ctx, units, 1)
	require.ErrorIs(t, err, executor.ErrIrreversible)
	assert.Equal(t, "005", executor.FailedVersion(err))
	assert.Len(t, AppliedVersions(t, l), 5)
}

func TestApply_safeUnits_allRecorded(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)
	ctx := context.Background()

	var events []executor.ProgressEvent
	exec, l := NewExecutor(t, pool, recordEvents(&events))

	require.NoError(t, exec.Apply(ctx, threeTables(t)))

	entries, err := l.Applied(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for _, e := range entries {
		assert.NotEmpty(t, e.Checksum)
		assert.GreaterOrEqual(t, e.DurationMs, int64(0))
	}

	// 3 starting + 3 completed.
	require.Len(t, events, 6)

	for i := range 3 {
		assert.Equal(t, executor.StatusStarting, events[i*2].Status)
		assert.Equal(t, executor.StatusCompleted, events[i*2+1].Status)
	}
}

func TestApply_failedUnit_stopsAndKeepsEarlierUnits(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)
	ctx := context.Background()

	units := LoadUnits(t, map[string]string{
		"V001_good.up.sql":  "CREATE TABLE widgets (id SERIAL PRIMARY KEY);",
		"V002_bad.up.sql":   "CREATE TABLE half (id int);\nCREATE TABLE bad (id SERIAL, fk INTEGER REFERENCES nonexistent(id));",
		"V003_later.up.sql": "CREATE TABLE later (id int);",
	})

	var events []executor.ProgressEvent
	exec, l := NewExecutor(t, pool, recordEvents(&events))

	err := exec.Apply(ctx, units)
	require.ErrorIs(t, err, executor.ErrExecutionFailed)
	assert.Equal(t, executor.KindExecutionFailed, executor.Describe(err))
	assert.Equal(t, "002", executor.FailedVersion(err))

	assert.Equal(t, []string{"001"}, AppliedVersions(t, l))
	assert.True(t, TableExists(t, pool, "widgets"))
	assert.False(t, TableExists(t, pool, "half"), "failed unit is rolled back as a whole")
	assert.False(t, TableExists(t, pool, "later"))

	last := events[len(events)-1]
	assert.Equal(t, executor.StatusFailed, last.Status)
	assert.Error(t, last.Error)
}

func TestApply_failedConcurrentIndex_reportsLeftover(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)
	ctx := context.Background()

	units := LoadUnits(t, map[string]string{
		"V001_items.up.sql": "CREATE TABLE items (id int, code text);\nINSERT INTO items VALUES (1, 'a'), (2, 'a');",
		"V002_unique_code.up.sql": "CREATE UNIQUE INDEX CONCURRENTLY items_code_key ON items (code);",
	})

	exec, l := NewExecutor(t, pool)

	err := exec.Apply(ctx, units)
	require.ErrorIs(t, err, executor.ErrPartialFailure)
	assert.Equal(t, []string{"index items_code_key"}, executor.Leftovers(err))
	assert.Equal(t, []string{"001"}, AppliedVersions(t, l))

	// Rerunning refuses to build over the invalid index.
	err = exec.Apply(ctx, units)
	require.Error(t, err)
	assert.Equal(t, []string{"001"}, AppliedVersions(t, l))

	_, err = pool.Exec(ctx, "DROP INDEX items_code_key; DELETE FROM items WHERE id = 2")
	require.NoError(t, err)

	require.NoError(t, exec.Apply(ctx, units))
	assert.Equal(t, []string{"001", "002"}, AppliedVersions(t, l))
}

func TestApply_concurrentIndex_existingIndexIsSatisfied(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, "CREATE TABLE items (id int, name text); CREATE INDEX idx_items_name ON items (name)")
	require.NoError(t, err)

	units := LoadUnits(t, map[string]string{
		"V001_index.up.sql": "CREATE INDEX CONCURRENTLY idx_items_name ON items (name);",
	})

	var events []executor.ProgressEvent
	exec, l := NewExecutor(t, pool, recordEvents(&events))

	require.NoError(t, exec.Apply(ctx, units))
	assert.Equal(t, []string{"001"}, AppliedVersions(t, l))
	assert.Equal(t, executor.StatusSatisfied, events[len(events)-1].Status)
}

func TestApply_backfill_updatesEveryRowInBatches(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)
	ctx := context.Background()

	units := LoadUnits(t, map[string]string{
		"V001_accounts.up.sql": `CREATE TABLE accounts (id BIGSERIAL PRIMARY KEY, email TEXT NOT NULL);
INSERT INTO accounts (email) SELECT 'User' || g || '@Example.com' FROM generate_series(1, 2500) g;`,
		"V002_lower_emails.yml": `up:
  - backfill:
      table: accounts
      batch_size: 1000
      sql: UPDATE accounts SET email = lower(email) WHERE id BETWEEN $1 AND $2
`,
	})

	exec, l := NewExecutor(t, pool)

	require.NoError(t, exec.Apply(ctx, units))
	assert.Equal(t, []string{"001", "002"}, AppliedVersions(t, l))

	var mixed int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM accounts WHERE email <> lower(email)").Scan(&mixed))
	assert.Zero(t, mixed)
}

func TestApply_lockRetries_waitsOutConflictingLock(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, "CREATE TABLE items (id int)")
	require.NoError(t, err)

	units := LoadUnits(t, map[string]string{
		"V001_add_note.yml": `up:
  - lock_retries:
      - add_column: {table: items, column: {name: note, type: text}}
`,
	})

	holder, err := pool.Begin(ctx)
	require.NoError(t, err)

	_, err = holder.Exec(ctx, "LOCK TABLE items IN ACCESS SHARE MODE")
	require.NoError(t, err)

	go func() {
		time.Sleep(500 * time.Millisecond)
		_ = holder.Rollback(context.Background())
	}()

	exec, l := NewExecutor(t, pool, executor.WithCoordinator(coordinator.New(coordinator.Config{
		Attempts:       40,
		LockTimeout:    50 * time.Millisecond,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	})))

	require.NoError(t, exec.Apply(ctx, units))
	assert.Equal(t, []string{"001"}, AppliedVersions(t, l))
}

func TestApply_lockRetries_exhausted(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, "CREATE TABLE items (id int)")
	require.NoError(t, err)

	units := LoadUnits(t, map[string]string{
		"V001_add_note.yml": `up:
  - lock_retries:
      - add_column: {table: items, column: {name: note, type: text}}
`,
	})

	holder, err := pool.Begin(ctx)
	require.NoError(t, err)

	t.Cleanup(func() { _ = holder.Rollback(context.Background()) })

	_, err = holder.Exec(ctx, "LOCK TABLE items IN ACCESS SHARE MODE")
	require.NoError(t, err)

	exec, l := NewExecutor(t, pool, executor.WithCoordinator(coordinator.New(coordinator.Config{
		Attempts:       3,
		LockTimeout:    20 * time.Millisecond,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})))

	err = exec.Apply(ctx, units)
	require.ErrorIs(t, err, coordinator.ErrLockTimeoutExceeded)
	assert.Equal(t, executor.KindLockTimeoutExceeded, executor.Describe(err))
	assert.Empty(t, AppliedVersions(t, l))
}

func TestApply_dryRun_noChanges(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)
	ctx := context.Background()

	var events []executor.ProgressEvent
	exec, l := NewExecutor(t, pool, executor.WithDryRun(true), recordEvents(&events))

	require.NoError(t, exec.Apply(ctx, threeTables(t)))

	require.Len(t, events, 3)

	for _, e := range events {
		assert.Equal(t, executor.StatusDryRun, e.Status)
	}

	assert.Empty(t, AppliedVersions(t, l))
	assert.False(t, TableExists(t, pool, l.Table()), "dry run does not create the ledger")
}

func TestApply_unservedSchema_recordedWithoutRunning(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)
	ctx := context.Background()

	units := LoadUnits(t, map[string]string{
		"V001_builds.up.sql": "-- migrate:schema ci\nCREATE TABLE builds (id int);",
		"V002_users.up.sql":  "-- migrate:schema main\nCREATE TABLE users (id int);",
	})

	exec, l := NewExecutor(t, pool, executor.WithSchemas("main"))

	require.NoError(t, exec.Apply(ctx, units))
	assert.Equal(t, []string{"001", "002"}, AppliedVersions(t, l))
	assert.False(t, TableExists(t, pool, "builds"))
	assert.True(t, TableExists(t, pool, "users"))
}

func TestApply_outOfOrderUnit_isAppliedWithWarning(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)
	ctx := context.Background()

	all := threeTables(t)
	exec, l := NewExecutor(t, pool)

	require.NoError(t, exec.Apply(ctx, []*migration.Unit{all[0], all[2]}))

	var events []executor.ProgressEvent
	late, _ := NewExecutor(t, pool, recordEvents(&events))

	require.NoError(t, late.Apply(ctx, all))
	assert.Equal(t, []string{"001", "002", "003"}, AppliedVersions(t, l))
	assert.Equal(t, executor.StatusOutOfOrder, events[0].Status)
	assert.Equal(t, "002", events[0].Version)
}

func TestApply_advisoryLock_preventsConcurrentRuns(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)
	ctx := context.Background()

	lock, err := database.TryAcquireLock(ctx, pool, database.LockID(ledger.DefaultTable))
	require.NoError(t, err)
	defer lock.Release(ctx) //nolint:errcheck // test cleanup

	exec, _ := NewExecutor(t, pool)

	err = exec.Apply(ctx, threeTables(t))
	require.ErrorIs(t, err, database.ErrLockNotAcquired)
}

func TestApply_withTimeouts_succeeds(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)
	ctx := context.Background()

	exec, l := NewExecutor(t, pool,
		executor.WithLockTimeout(10*time.Second),
		executor.WithStatementTimeout(30*time.Second),
	)

	require.NoError(t, exec.Apply(ctx, threeTables(t)[:1]))
	assert.Len(t, AppliedVersions(t, l), 1)
}

func TestApply_emptyList_succeeds(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)

	exec, _ := NewExecutor(t, pool)

	require.NoError(t, exec.Apply(context.Background(), nil))
}

func TestApply_concurrentApply_eachVersionAppliedOnce(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)
	ctx := context.Background()
	units := threeTables(t)

	var wg sync.WaitGroup

	errs := make([]error, 2)

	for i := range 2 {
		wg.Add(1)

		go func(idx int) {
			defer wg.Done()

			exec, _ := NewExecutor(t, pool)
			errs[idx] = exec.Apply(ctx, units)
		}(i)
	}

	wg.Wait()

	successes := 0

	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			require.ErrorIs(t, err, database.ErrLockNotAcquired)
		}
	}

	assert.GreaterOrEqual(t, successes, 1)

	l, err := ledger.New(pool)
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002", "003"}, AppliedVersions(t, l))
}

func TestRollbackToVersion_revertsAboveTarget(t *testing.T) {
	t.Parallel()

	pool := SetupPostgres(t)
	ctx := context.Background()
	units := threeTables(t)

	exec, l := NewExecutor(t, pool)
	require.NoError(t, exec.Apply(ctx, units))

	require.NoError(t, exec.RollbackToVersion(ctx, units, "1"))
	assert.Equal(t, []string{"001"}, AppliedVersions(t, l))
	assert.False(t, TableExists(t, pool, "posts"))

	var hasEmail bool
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.columns WHERE table_name = 'users' AND column_name = 'email')`,
	).Scan(&hasEmail))
	assert.False(t, hasEmail)

	// The reverted units apply again.
	require.NoError(t, exec.Apply(ctx, units))
	assert.Len(t, AppliedVersions(t, l), 3)
}
