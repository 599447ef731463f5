package rules

import (
	"errors"
	"fmt"
	"slices"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer"
)

// ErrUnknownRule indicates a disabled rule ID that no built-in rule carries.
var ErrUnknownRule = errors.New("unknown analyzer rule")

// All returns one instance of every built-in rule, ordered roughly from
// lock impact (index builds, constraints, rewrites) to data loss.
func All() []analyzer.Rule {
	return []analyzer.Rule{
		NewCreateIndexRule(),
		NewAddConstraintRule(),
		NewSetNotNullRule(),
		NewAddColumnRule(),
		NewAlterColumnTypeRule(),
		NewLockRetriesRule(),
		NewLockTableRule(),
		NewVacuumFullRule(),
		NewRenameRule(),
		NewDropTableRule(),
	}
}

// NewDefaultRegistry returns a Registry with every built-in rule except
// the disabled ones. A disabled ID matching no rule is an error, so a
// typo in configuration does not silently keep a rule switched on.
func NewDefaultRegistry(disabled ...string) (*analyzer.Registry, error) {
	all := All()

	for _, id := range disabled {
		known := slices.ContainsFunc(all, func(r analyzer.Rule) bool { return r.ID() == id })
		if !known {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRule, id)
		}
	}

	r := analyzer.NewRegistry()

	for _, rule := range all {
		if !slices.Contains(disabled, rule.ID()) {
			r.Register(rule)
		}
	}

	return r, nil
}
