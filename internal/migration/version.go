package migration

import (
	"sort"
	"strings"
)

// CompareVersions orders digit-string versions by numeric value, so "9"
// sorts before "10" and "001" equals "1" in rank. Ties on value fall back
// to the raw strings to keep the order total.
func CompareVersions(a, b string) int {
	ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")

	if len(ta) != len(tb) {
		if len(ta) < len(tb) {
			return -1
		}

		return 1
	}

	if c := strings.Compare(ta, tb); c != 0 {
		return c
	}

	return strings.Compare(a, b)
}

// Sort returns a new slice of units sorted ascending by version.
func Sort(units []*Unit) []*Unit {
	sorted := make([]*Unit, len(units))
	copy(sorted, units)

	sort.SliceStable(sorted, func(i, j int) bool {
		return CompareVersions(sorted[i].Version, sorted[j].Version) < 0
	})

	return sorted
}

// SortVersions sorts version strings ascending in place.
func SortVersions(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return CompareVersions(versions[i], versions[j]) < 0
	})
}

// SameVersion reports whether a and b have the same numeric value.
func SameVersion(a, b string) bool {
	return strings.TrimLeft(a, "0") == strings.TrimLeft(b, "0")
}
