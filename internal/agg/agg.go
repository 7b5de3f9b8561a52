// Package agg computes deterministic aggregation keys and the
// severity/surfacing rules applied on detector upsert. The key makes
// repeated detector findings for the same (category, scope) tuple
// upsert one durable issue instead of creating duplicates; a partial
// unique index on the issues table backs the guarantee.
package agg

import (
	"github.com/steveyegge/keel/internal/timeutil"
	"github.com/steveyegge/keel/internal/types"
)

// Scope identifies what slice of the org a finding is about. The
// discriminator separates distinct problems within the same client and
// brand (an invoice number, a milestone id); it is part of the key, so
// detectors must emit it stably.
type Scope struct {
	ClientID      string
	BrandID       string
	Discriminator string
}

// Key returns the aggregation key for a (category, scope) tuple:
// "agg_" + hash of "category:client:brand:discriminator". Empty fields
// keep their separator so positions never collapse.
func Key(category types.Category, scope Scope) string {
	return timeutil.KeyHash("agg", string(category), scope.ClientID, scope.BrandID, scope.Discriminator)
}

// NextSeverity re-evaluates severity when new evidence arrives.
// Severity is monotonic: it escalates or holds. The one exception is
// recovery evidence, an authoritative re-read of the source system,
// which recomputes from scratch and may lower it. Mere absence of new
// bad evidence never lowers severity.
func NextSeverity(current, incoming types.Severity, recovery bool) types.Severity {
	if recovery {
		return incoming
	}
	return types.MaxSeverity(current, incoming)
}

// ShouldSurface reports whether a detected issue has crossed its
// surfacing threshold: severity at or above the configured minimum, or
// enough accumulated evidence below it.
func ShouldSurface(severity types.Severity, evidenceCount int, minSeverity types.Severity, minEvidence int) bool {
	if severity.Rank() >= minSeverity.Rank() {
		return true
	}
	return minEvidence > 0 && evidenceCount >= minEvidence
}
