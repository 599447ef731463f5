package migration_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqasim81/schema-migration-runner/internal/migration"
)

func unit(version string) *migration.Unit {
	return &migration.Unit{
		Version:  version,
		Name:     "unit_" + version,
		Up:       []migration.Operation{&migration.ExecuteRaw{SQL: "SELECT " + version}},
		Checksum: migration.ComputeChecksum("SELECT " + version),
	}
}

func versions(units []*migration.Unit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Version
	}

	return out
}

func appliedRows(units ...*migration.Unit) []migration.AppliedVersion {
	out := make([]migration.AppliedVersion, len(units))
	for i, u := range units {
		out[i] = migration.AppliedVersion{Version: u.Version, Checksum: u.Checksum}
	}

	return out
}

func TestResolve(t *testing.T) {
	t.Parallel()

	u1, u2, u3, u4 := unit("1"), unit("2"), unit("3"), unit("4")

	tests := []struct {
		name        string
		units       []*migration.Unit
		applied     []migration.AppliedVersion
		wantPending []string
		wantApplied []string
		wantOrphans []string
		wantGaps    []string
	}{
		{
			name:        "fresh database",
			units:       []*migration.Unit{u3, u1, u2},
			wantPending: []string{"1", "2", "3"},
		},
		{
			name:        "everything applied",
			units:       []*migration.Unit{u1, u2},
			applied:     appliedRows(u1, u2),
			wantApplied: []string{"1", "2"},
		},
		{
			name:        "out-of-order unit is pending and reported as a gap",
			units:       []*migration.Unit{u1, u2, u3, u4},
			applied:     appliedRows(u1, u2, u4),
			wantPending: []string{"3"},
			wantApplied: []string{"1", "2", "4"},
			wantGaps:    []string{"3"},
		},
		{
			name:        "orphaned ledger rows are reported",
			units:       []*migration.Unit{u3},
			applied:     appliedRows(u1, u2),
			wantPending: []string{"3"},
			wantOrphans: []string{"1", "2"},
		},
		{
			name:        "numeric ordering",
			units:       []*migration.Unit{unit("10"), unit("9"), unit("100")},
			wantPending: []string{"9", "10", "100"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			plan, err := migration.Resolve(tt.units, tt.applied)
			require.NoError(t, err)

			assert.Equal(t, tt.wantPending, nilIfEmpty(versions(plan.Pending)))
			assert.Equal(t, tt.wantApplied, nilIfEmpty(versions(plan.Applied)))
			assert.Equal(t, tt.wantOrphans, plan.Orphans)
			assert.Equal(t, tt.wantGaps, nilIfEmpty(versions(plan.Gaps)))
		})
	}
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}

	return s
}

func TestResolve_PendingIsExactlyUnappliedInOrder(t *testing.T) {
	t.Parallel()

	var units []*migration.Unit
	for _, v := range []string{"7", "3", "11", "1", "5", "2"} {
		units = append(units, unit(v))
	}

	applied := appliedRows(units[1], units[4]) // 3 and 5

	plan, err := migration.Resolve(units, applied)
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2", "7", "11"}, versions(plan.Pending))
	assert.Len(t, plan.Pending, len(units)-len(applied))
}

func TestResolve_ChecksumDrift(t *testing.T) {
	t.Parallel()

	u1 := unit("1")

	plan, err := migration.Resolve([]*migration.Unit{u1}, []migration.AppliedVersion{
		{Version: "1", Checksum: "stale"},
	})
	require.NoError(t, err)

	assert.Empty(t, plan.Pending)
	require.Len(t, plan.Drifted, 1)
	assert.Equal(t, "1", plan.Drifted[0].Version)
}

func TestResolve_EmptyLedgerChecksumIsNotDrift(t *testing.T) {
	t.Parallel()

	plan, err := migration.Resolve([]*migration.Unit{unit("1")}, []migration.AppliedVersion{{Version: "1"}})
	require.NoError(t, err)
	assert.Empty(t, plan.Drifted)
}

func TestResolve_DuplicateVersion(t *testing.T) {
	t.Parallel()

	a := unit("2")
	b := unit("2")
	b.Name = "other"

	_, err := migration.Resolve([]*migration.Unit{unit("1"), a, b}, nil)
	require.ErrorIs(t, err, migration.ErrDuplicateVersion)

	var dupErr *migration.DuplicateVersionError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, "2", dupErr.Version)
	assert.Equal(t, []string{"2_unit_2", "2_other"}, dupErr.Units)
}

func TestCompareVersions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
	}{
		{"1", "2", -1},
		{"9", "10", -1},
		{"10", "9", 1},
		{"001", "002", -1},
		{"20240101120000", "20240101120001", -1},
		{"5", "5", 0},
		{"001", "1", -1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, migration.CompareVersions(tt.a, tt.b))
		})
	}
}

func TestSort_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	input := []*migration.Unit{unit("3"), unit("1"), unit("2")}
	sorted := migration.Sort(input)

	assert.Equal(t, []string{"1", "2", "3"}, versions(sorted))
	assert.Equal(t, []string{"3", "1", "2"}, versions(input))
}
