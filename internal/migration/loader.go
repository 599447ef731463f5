package migration

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// sqlFilePattern matches SQL migration files in two formats:
//
//	V{version}_{name}.up.sql   (e.g., V001_create_users.up.sql)
//	{timestamp}_{name}.up.sql  (e.g., 20240101120000_create_users.up.sql)
var sqlFilePattern = regexp.MustCompile( //nolint:gochecknoglobals // compiled once, used by LoadFromDir
	`^(?:V(\d+)|(\d{14}))_(.+)\.(up|down)\.sql$`,
)

// yamlFilePattern matches structured units: {version}_{name}.yml or .yaml.
var yamlFilePattern = regexp.MustCompile( //nolint:gochecknoglobals // compiled once, used by LoadFromDir
	`^(?:V(\d+)|(\d{14}))_(.+)\.ya?ml$`,
)

// LoadFromDir scans a directory for migration files and returns them as
// validated, unsorted units. Files that do not match a naming pattern are
// skipped. Two files claiming one version fail with DuplicateVersionError.
func LoadFromDir(dir string) ([]*Unit, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory %s: %w", dir, err)
	}

	grouped, err := scanEntries(entries)
	if err != nil {
		return nil, err
	}

	return buildUnits(grouped, dir)
}

// unitFiles pairs the files of one version.
type unitFiles struct {
	version  string
	name     string
	upFile   string // filename only (not full path)
	downFile string
	yamlFile string
}

// scanEntries groups directory entries by version.
func scanEntries(entries []os.DirEntry) (map[string]*unitFiles, error) {
	grouped := make(map[string]*unitFiles)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		version, name, kind, ok := matchFile(entry.Name())
		if !ok {
			continue
		}

		uf, exists := grouped[version]
		if !exists {
			uf = &unitFiles{version: version, name: name}
			grouped[version] = uf
		}

		if uf.name != name || (kind == "yaml" && uf.upFile+uf.downFile != "") ||
			(kind != "yaml" && uf.yamlFile != "") {
			return nil, &DuplicateVersionError{
				Version: version,
				Units:   []string{version + "_" + uf.name, version + "_" + name},
			}
		}

		switch kind {
		case "up":
			uf.upFile = entry.Name()
		case "down":
			uf.downFile = entry.Name()
		default:
			uf.yamlFile = entry.Name()
		}
	}

	return grouped, nil
}

// matchFile extracts version, name and kind ("up", "down" or "yaml").
func matchFile(filename string) (version, name, kind string, ok bool) {
	if m := sqlFilePattern.FindStringSubmatch(filename); m != nil {
		version = m[1] // V-prefixed version
		if version == "" {
			version = m[2] // timestamp version
		}

		return version, m[3], m[4], true
	}

	if m := yamlFilePattern.FindStringSubmatch(filename); m != nil {
		version = m[1]
		if version == "" {
			version = m[2]
		}

		return version, m[3], "yaml", true
	}

	return "", "", "", false
}

// buildUnits reads file contents and constructs units from grouped files.
func buildUnits(grouped map[string]*unitFiles, dir string) ([]*Unit, error) {
	units := make([]*Unit, 0, len(grouped))

	for _, uf := range grouped {
		var (
			u   *Unit
			err error
		)

		switch {
		case uf.yamlFile != "":
			u, err = readYAMLUnit(uf, dir)
		case uf.upFile != "":
			u, err = readSQLUnit(uf, dir)
		default:
			continue // orphan .down.sql
		}

		if err != nil {
			return nil, err
		}

		if err := u.Validate(); err != nil {
			return nil, fmt.Errorf("loading %s: %w", u.FilePath, err)
		}

		units = append(units, u)
	}

	if err := CheckDuplicates(units); err != nil {
		return nil, err
	}

	return units, nil
}

// readSQLUnit reads up/down SQL files and builds a Unit of raw SQL.
// Statements that cannot run in a transaction make the unit
// non-transactional unless it explicitly asks for a transaction, which is
// then an error.
func readSQLUnit(uf *unitFiles, dir string) (*Unit, error) {
	upPath := filepath.Join(dir, uf.upFile)

	upData, err := os.ReadFile(upPath)
	if err != nil {
		return nil, fmt.Errorf("reading migration file %s: %w", upPath, err)
	}

	upSQL := strings.TrimSpace(string(upData))

	hdr, err := parseHeader(upSQL)
	if err != nil {
		return nil, fmt.Errorf("reading directives of %s: %w", upPath, err)
	}

	u := &Unit{
		Version:         uf.version,
		Name:            uf.name,
		TargetSchema:    hdr.schema,
		Up:              []Operation{&ExecuteRaw{SQL: upSQL}},
		Milestone:       hdr.milestone,
		Downtime:        hdr.downtime,
		DowntimeReason:  hdr.downtimeReason,
		DestructiveDown: hdr.destructiveDown,
		Checksum:        ComputeChecksum(upSQL),
		FilePath:        upPath,
	}

	if uf.downFile != "" {
		downPath := filepath.Join(dir, uf.downFile)

		downData, err := os.ReadFile(downPath)
		if err != nil {
			return nil, fmt.Errorf("reading migration file %s: %w", downPath, err)
		}

		u.Down = []Operation{}
		if downSQL := strings.TrimSpace(string(downData)); downSQL != "" {
			u.Down = append(u.Down, &ExecuteRaw{SQL: downSQL})
		}
	}

	needsNoTx := NeedsNoTransaction(u.Up) || NeedsNoTransaction(u.Down)

	if hdr.transaction && needsNoTx {
		return nil, fmt.Errorf("loading %s: %w", upPath, ErrConcurrentInTransaction)
	}

	u.DisableTransaction = hdr.noTransaction || needsNoTx

	return u, nil
}
