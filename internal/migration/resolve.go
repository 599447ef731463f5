package migration

import "strings"

// AppliedVersion is what the resolver needs from a ledger row.
type AppliedVersion struct {
	Version  string
	Checksum string
}

// Plan is the resolver's view of units against the ledger.
type Plan struct {
	// Pending lists unapplied units ascending by version.
	Pending []*Unit
	// Applied lists units with a ledger row, ascending by version.
	Applied []*Unit
	// Orphans lists ledger versions with no unit, ascending. They are
	// expected once old units are pruned and are reported as warnings.
	Orphans []string
	// Gaps lists pending units older than the newest applied version.
	// They are applied in version order like any other pending unit.
	Gaps []*Unit
	// Drifted lists applied units whose definition changed since they ran.
	Drifted []*Unit
}

// Resolve computes which units are pending. It fails only when two units
// share a version.
func Resolve(units []*Unit, applied []AppliedVersion) (*Plan, error) {
	if err := CheckDuplicates(units); err != nil {
		return nil, err
	}

	ledger := make(map[string]AppliedVersion, len(applied))
	highest := ""

	for _, a := range applied {
		ledger[a.Version] = a

		if highest == "" || CompareVersions(a.Version, highest) > 0 {
			highest = a.Version
		}
	}

	plan := &Plan{}
	known := make(map[string]bool, len(units))

	for _, u := range Sort(units) {
		known[u.Version] = true

		row, ok := ledger[u.Version]
		if !ok {
			plan.Pending = append(plan.Pending, u)

			if highest != "" && CompareVersions(u.Version, highest) < 0 {
				plan.Gaps = append(plan.Gaps, u)
			}

			continue
		}

		plan.Applied = append(plan.Applied, u)

		if row.Checksum != "" && u.Checksum != "" && row.Checksum != u.Checksum {
			plan.Drifted = append(plan.Drifted, u)
		}
	}

	for v := range ledger {
		if !known[v] {
			plan.Orphans = append(plan.Orphans, v)
		}
	}

	SortVersions(plan.Orphans)

	return plan, nil
}

// CheckDuplicates returns a DuplicateVersionError for the lowest version
// claimed by more than one unit. Versions equal in numeric value ("01" and
// "1") are duplicates.
func CheckDuplicates(units []*Unit) error {
	byVersion := make(map[string][]string, len(units))

	var dupes []string

	for _, u := range units {
		key := strings.TrimLeft(u.Version, "0")
		byVersion[key] = append(byVersion[key], u.ID())

		if len(byVersion[key]) == 2 {
			dupes = append(dupes, key)
		}
	}

	if len(dupes) == 0 {
		return nil
	}

	SortVersions(dupes)

	claimants := byVersion[dupes[0]]
	version := dupes[0]

	for _, u := range units {
		if SameVersion(u.Version, dupes[0]) {
			version = u.Version

			break
		}
	}

	return &DuplicateVersionError{Version: version, Units: claimants}
}
