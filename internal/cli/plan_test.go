package cli

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/logrusorgru/aurora/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqasim81/schema-migration-runner/internal/ledger"
	"github.com/aqasim81/schema-migration-runner/internal/migration"
)

func TestOperationKinds(t *testing.T) {
	t.Parallel()

	u := &migration.Unit{Up: []migration.Operation{
		&migration.ExecuteRaw{SQL: "SELECT 1"},
		&migration.LockRetries{},
	}}

	assert.Equal(t, []string{"execute", "lock_retries"}, operationKinds(u))
}

func TestPrintPlan(t *testing.T) {
	t.Parallel()

	gap := &migration.Unit{Version: "002", Name: "late", Up: []migration.Operation{&migration.ExecuteRaw{SQL: "SELECT 1"}}}
	drifted := &migration.Unit{Version: "001", Name: "edited"}

	buf := new(bytes.Buffer)
	printPlan(buf, aurora.NewAurora(false), &migration.Plan{
		Pending: []*migration.Unit{gap},
		Orphans: []string{"009"},
		Gaps:    []*migration.Unit{gap},
		Drifted: []*migration.Unit{drifted},
	}, nil)

	output := buf.String()
	assert.Contains(t, output, "warning: version 009 is in the ledger but has no migration file")
	assert.Contains(t, output, "warning: 001_edited changed after it was applied")
	assert.Contains(t, output, "warning: 002_late is older than the newest applied version")
	assert.Contains(t, output, "Pending migrations (1):")
	assert.Contains(t, output, "1. 002_late  [execute]")
	assert.Contains(t, output, "irreversible")
}

func TestPrintPlan_upToDate(t *testing.T) {
	t.Parallel()

	buf := new(bytes.Buffer)
	printPlan(buf, aurora.NewAurora(false), &migration.Plan{}, nil)
	assert.Equal(t, "Database is up to date.\n", buf.String())
}

func TestBuildPlanJSON_emptyPlanUsesEmptyLists(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(buildPlanJSON(&migration.Plan{}, nil, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"pending":[],"orphans":[],"out_of_order":[],"checksum_drift":[],"analysis":[]}`, string(data))
}

// Tests below write the global AppConfig and connect, so they are not parallel.

func TestRunPlan_text(t *testing.T) { //nolint:paralleltest // writes global AppConfig
	useConfig(t, safeAndIndexUnits(t))
	conn := useFakeDB(t, ledger.Entry{Version: "001", Name: "create_a", AppliedAt: time.Now()})

	cmd, out, _ := newTestCmd(runPlan)
	cmd.Flags().String("format", "text", "")

	require.NoError(t, runPlan(cmd, nil))

	output := out.String()
	assert.Contains(t, output, "Pending migrations (1):")
	assert.Contains(t, output, "1. 002_index_a  [execute]")
	assert.Contains(t, output, "create-index-not-concurrent")
	assert.Empty(t, conn.Committed())
}

func TestRunPlan_upToDate(t *testing.T) { //nolint:paralleltest // writes global AppConfig
	useConfig(t, writeUnits(t, map[string]string{
		"V001_create_a.up.sql": "CREATE TABLE a (id int);",
	}))
	useFakeDB(t, ledger.Entry{Version: "001", Name: "create_a", AppliedAt: time.Now()})

	cmd, out, _ := newTestCmd(runPlan)
	cmd.Flags().String("format", "text", "")

	require.NoError(t, runPlan(cmd, nil))
	assert.Contains(t, out.String(), "Database is up to date.")
	assert.NotContains(t, out.String(), "No dangerous operations")
}

func TestRunPlan_json(t *testing.T) { //nolint:paralleltest // writes global AppConfig
	useConfig(t, safeAndIndexUnits(t))
	useFakeDB(t,
		ledger.Entry{Version: "001", Name: "create_a", AppliedAt: time.Now()},
		ledger.Entry{Version: "004", Name: "pruned", AppliedAt: time.Now()},
	)

	cmd, out, _ := newTestCmd(runPlan)
	cmd.Flags().String("format", "text", "")
	setFlag(t, cmd, "format", "json")

	require.NoError(t, runPlan(cmd, nil))

	var plan planJSON
	require.NoError(t, json.Unmarshal(out.Bytes(), &plan))
	require.Len(t, plan.Pending, 1)
	assert.Equal(t, "002", plan.Pending[0].Version)
	assert.True(t, plan.Pending[0].Transactional)
	assert.Equal(t, []string{"execute"}, plan.Pending[0].Operations)
	assert.Equal(t, []string{"004"}, plan.Orphans)
	assert.Equal(t, []string{"002"}, plan.OutOfOrder)
	require.Len(t, plan.Analysis, 1)
	assert.Equal(t, "create-index-not-concurrent", plan.Analysis[0].Findings[0].Rule)
}
