package migration

import (
	"bufio"
	"fmt"
	"strings"
)

const directivePrefix = "-- migrate:"

// header holds the directives found in the leading comment block of an
// .up.sql file:
//
//	-- migrate:no-transaction
//	-- migrate:transaction
//	-- migrate:schema ci
//	-- migrate:milestone 16.5
//	-- migrate:downtime rewrites the builds table
//	-- migrate:destructive-down
type header struct {
	noTransaction   bool
	transaction     bool
	schema          string
	milestone       string
	downtime        bool
	downtimeReason  string
	destructiveDown bool
}

// parseHeader reads directives until the first line that is neither blank
// nor a comment.
func parseHeader(sql string) (header, error) {
	var h header

	sc := bufio.NewScanner(strings.NewReader(sql))
	sc.Buffer(nil, len(sql)+1)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "--") {
			break
		}

		if !strings.HasPrefix(line, directivePrefix) {
			continue
		}

		key, value, _ := strings.Cut(strings.TrimPrefix(line, directivePrefix), " ")
		value = strings.TrimSpace(value)

		switch key {
		case "no-transaction":
			h.noTransaction = true
		case "transaction":
			h.transaction = true
		case "schema", "milestone":
			if value == "" {
				return header{}, fmt.Errorf("%w: %s directive needs a value", ErrInvalidUnit, key)
			}

			if key == "schema" {
				h.schema = value
			} else {
				h.milestone = value
			}
		case "downtime":
			h.downtime = true
			h.downtimeReason = value
		case "destructive-down":
			h.destructiveDown = true
		default:
			return header{}, fmt.Errorf("%w: unknown directive %q", ErrInvalidUnit, key)
		}
	}

	if err := sc.Err(); err != nil {
		return header{}, fmt.Errorf("scanning directives: %w", err)
	}

	if h.noTransaction && h.transaction {
		return header{}, fmt.Errorf("%w: both transaction and no-transaction declared", ErrInvalidUnit)
	}

	return h, nil
}
