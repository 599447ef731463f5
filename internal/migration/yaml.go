package migration

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// yamlUnit is the on-disk form of a structured unit. Version and name come
// from the filename.
type yamlUnit struct {
	Schema          string    `yaml:"schema"`
	Transaction     *bool     `yaml:"transaction"`
	Milestone       string    `yaml:"milestone"`
	Downtime        bool      `yaml:"downtime"`
	DowntimeReason  string    `yaml:"downtime_reason"`
	DestructiveDown bool      `yaml:"destructive_down"`
	Up              []yamlOp  `yaml:"up"`
	Down            *[]yamlOp `yaml:"down"` // absent or null: irreversible
}

// yamlOp holds exactly one operation keyed by its kind.
type yamlOp struct {
	CreateTable                 *CreateTable                 `yaml:"create_table"`
	DropTable                   *DropTable                   `yaml:"drop_table"`
	AddColumn                   *AddColumn                   `yaml:"add_column"`
	RemoveColumn                *RemoveColumn                `yaml:"remove_column"`
	RenameColumn                *RenameColumn                `yaml:"rename_column"`
	ChangeColumnNull            *ChangeColumnNull            `yaml:"change_column_null"`
	CreateIndex                 *CreateIndex                 `yaml:"create_index"`
	DropIndex                   *DropIndex                   `yaml:"drop_index"`
	AddForeignKey               *AddForeignKey               `yaml:"add_foreign_key"`
	RemoveForeignKey            *RemoveForeignKey            `yaml:"remove_foreign_key"`
	AddCheckConstraint          *AddCheckConstraint          `yaml:"add_check_constraint"`
	ValidateConstraint          *ValidateConstraint          `yaml:"validate_constraint"`
	Execute                     *string                      `yaml:"execute"`
	Backfill                    *Backfill                    `yaml:"backfill"`
	LockRetries                 *[]yamlOp                    `yaml:"lock_retries"`
	FinalizeBackgroundMigration *FinalizeBackgroundMigration `yaml:"finalize_background_migration"`
}

var errOneKind = errors.New("each operation needs exactly one kind")

func (y yamlOp) operation() (Operation, error) {
	var ops []Operation

	add := func(set bool, op Operation) {
		if set {
			ops = append(ops, op)
		}
	}

	add(y.CreateTable != nil, y.CreateTable)
	add(y.DropTable != nil, y.DropTable)
	add(y.AddColumn != nil, y.AddColumn)
	add(y.RemoveColumn != nil, y.RemoveColumn)
	add(y.RenameColumn != nil, y.RenameColumn)
	add(y.ChangeColumnNull != nil, y.ChangeColumnNull)
	add(y.CreateIndex != nil, y.CreateIndex)
	add(y.DropIndex != nil, y.DropIndex)
	add(y.AddForeignKey != nil, y.AddForeignKey)
	add(y.RemoveForeignKey != nil, y.RemoveForeignKey)
	add(y.AddCheckConstraint != nil, y.AddCheckConstraint)
	add(y.ValidateConstraint != nil, y.ValidateConstraint)
	add(y.Backfill != nil, y.Backfill)
	add(y.FinalizeBackgroundMigration != nil, y.FinalizeBackgroundMigration)

	if y.Execute != nil {
		ops = append(ops, &ExecuteRaw{SQL: *y.Execute})
	}

	if y.LockRetries != nil {
		nested, err := yamlOperations(*y.LockRetries)
		if err != nil {
			return nil, fmt.Errorf("lock_retries: %w", err)
		}

		ops = append(ops, &LockRetries{Ops: nested})
	}

	if len(ops) != 1 {
		return nil, fmt.Errorf("%w: %w, found %d", ErrInvalidOperation, errOneKind, len(ops))
	}

	return ops[0], nil
}

func yamlOperations(raw []yamlOp) ([]Operation, error) {
	ops := make([]Operation, 0, len(raw))

	for i, y := range raw {
		op, err := y.operation()
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}

		ops = append(ops, op)
	}

	return ops, nil
}

// ParseYAML decodes a structured unit. Unknown keys are rejected.
func ParseYAML(data []byte, version, name string) (*Unit, error) {
	var raw yamlUnit

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidUnit, err)
	}

	up, err := yamlOperations(raw.Up)
	if err != nil {
		return nil, fmt.Errorf("up: %w", err)
	}

	u := &Unit{
		Version:         version,
		Name:            name,
		TargetSchema:    raw.Schema,
		Up:              up,
		Milestone:       raw.Milestone,
		Downtime:        raw.Downtime,
		DowntimeReason:  raw.DowntimeReason,
		DestructiveDown: raw.DestructiveDown,
		Checksum:        ComputeChecksum(string(data)),
	}

	if raw.Down != nil {
		down, err := yamlOperations(*raw.Down)
		if err != nil {
			return nil, fmt.Errorf("down: %w", err)
		}

		u.Down = down
	}

	needsNoTx := NeedsNoTransaction(u.Up) || NeedsNoTransaction(u.Down)

	switch {
	case raw.Transaction == nil:
		u.DisableTransaction = needsNoTx
	case *raw.Transaction && needsNoTx:
		return nil, ErrConcurrentInTransaction
	default:
		u.DisableTransaction = !*raw.Transaction
	}

	return u, nil
}

func readYAMLUnit(uf *unitFiles, dir string) (*Unit, error) {
	path := filepath.Join(dir, uf.yamlFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading migration file %s: %w", path, err)
	}

	u, err := ParseYAML(data, uf.version, uf.name)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	u.FilePath = path

	return u, nil
}
