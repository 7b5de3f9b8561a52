// Package timeutil provides canonical timestamp handling and deterministic
// key hashing for the keel engine.
//
// All persisted timestamps use a fixed-width UTC format so that string
// comparison in SQL matches chronological comparison. Keys (aggregation,
// suppression) are stable hashes over canonical component strings, so the
// same finding always maps to the same key regardless of which detector
// or process submitted it.
package timeutil

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// StampFormat is the canonical persisted timestamp layout. Fixed width
// (millisecond precision, trailing Z) so lexicographic order equals
// chronological order in TEXT columns.
const StampFormat = "2006-01-02T15:04:05.000Z"

// Stamp formats t as a canonical UTC timestamp string.
func Stamp(t time.Time) string {
	return t.UTC().Format(StampFormat)
}

// ParseStamp parses a canonical timestamp string.
func ParseStamp(s string) (time.Time, error) {
	t, err := time.Parse(StampFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// ValidateOrdering returns an error unless each timestamp in the sequence
// is >= its predecessor. Zero times are skipped. Used to sanity-check
// marker fields (created <= updated <= closed) before a row is written.
func ValidateOrdering(stamps ...time.Time) error {
	var prev time.Time
	for _, t := range stamps {
		if t.IsZero() {
			continue
		}
		if !prev.IsZero() && t.Before(prev) {
			return fmt.Errorf("timestamp ordering violated: %s before %s", Stamp(t), Stamp(prev))
		}
		prev = t
	}
	return nil
}

// KeyHash computes a deterministic key over the given components:
// prefix + "_" + first 16 hex chars of SHA-256 over the colon-joined
// components. Components are joined, not NUL-separated, so callers must
// canonicalize empty fields explicitly (an absent brand still contributes
// its colon; "financial:C1::I1" and "financial:C1:I1:" hash differently).
func KeyHash(prefix string, components ...string) string {
	h := sha256.Sum256([]byte(strings.Join(components, ":")))
	return fmt.Sprintf("%s_%x", prefix, h[:8])
}
