package sqlite

import (
	"database/sql"
	"time"

	"github.com/steveyegge/keel/internal/timeutil"
)

// stamp converts a time to its canonical TEXT representation.
func stamp(t time.Time) string {
	return timeutil.Stamp(t)
}

// nullStamp converts an optional time to a TEXT value or NULL.
func nullStamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeutil.Stamp(*t)
}

// parseStamp parses a required TEXT timestamp.
func parseStamp(s string) (time.Time, error) {
	return timeutil.ParseStamp(s)
}

// parseNullStamp parses an optional TEXT timestamp.
func parseNullStamp(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := timeutil.ParseStamp(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// boolToInt converts a Go bool to sqlite's 0/1 convention.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
