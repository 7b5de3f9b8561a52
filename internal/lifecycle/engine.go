// Package lifecycle implements the three cooperating state machines of
// the keel engine: issues, inbox items, and engagements. Every mutation
// runs inside one attributed storage transaction; the transition tables
// live here, the write-safety substrate lives in storage/sqlite.
package lifecycle

import (
	"time"

	"github.com/steveyegge/keel/internal/configfile"
	"github.com/steveyegge/keel/internal/storage"
	"github.com/steveyegge/keel/internal/telemetry"
	"github.com/steveyegge/keel/internal/types"
	"go.opentelemetry.io/otel/metric"
)

// Engine drives lifecycle transitions over a storage backend.
type Engine struct {
	store    storage.Storage
	cfg      *configfile.Config
	triggers []Trigger

	// clock is swapped in tests to drive expiry windows.
	clock func() time.Time

	sweepExpired       metric.Int64Counter
	sweepNoop          metric.Int64Counter
	suppressionHits    metric.Int64Counter
	heuristicAmbiguous metric.Int64Counter
}

// New builds an engine with the default heuristic trigger chain.
func New(store storage.Storage, cfg *configfile.Config) *Engine {
	if cfg == nil {
		cfg = configfile.Default()
	}
	return &Engine{
		store:              store,
		cfg:                cfg,
		triggers:           defaultTriggers(cfg),
		clock:              time.Now,
		sweepExpired:       telemetry.SweepExpired(),
		sweepNoop:          telemetry.SweepNoop(),
		suppressionHits:    telemetry.SuppressionHits(),
		heuristicAmbiguous: telemetry.HeuristicAmbiguous(),
	}
}

// Store exposes the underlying storage for read projections.
func (e *Engine) Store() storage.Storage {
	return e.store
}

// surfaceSeverityMin resolves the configured surfacing threshold,
// falling back to medium on an unknown value rather than surfacing
// everything.
func (e *Engine) surfaceSeverityMin() types.Severity {
	s := types.Severity(e.cfg.SurfaceSeverityMin)
	if !s.IsValid() {
		return types.SeverityMedium
	}
	return s
}
