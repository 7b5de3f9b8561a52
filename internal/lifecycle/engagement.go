package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/keel/internal/configfile"
	"github.com/steveyegge/keel/internal/debug"
	"github.com/steveyegge/keel/internal/idgen"
	"github.com/steveyegge/keel/internal/storage"
	"github.com/steveyegge/keel/internal/types"
	"github.com/steveyegge/keel/internal/writectx"
)

// Verdict is a trigger's conclusion about an engagement.
type Verdict int

const (
	// VerdictHold means the trigger saw nothing actionable.
	VerdictHold Verdict = iota
	// VerdictAdvance means the trigger wants a state transition.
	VerdictAdvance
	// VerdictAmbiguous means the data was too thin or contradictory to
	// decide; the engagement holds and the ambiguity counter ticks.
	VerdictAmbiguous
)

// Decision is one trigger's output. Evidence is free-form reasoning
// recorded on the engagement for heuristic tuning.
type Decision struct {
	Verdict  Verdict
	To       types.EngagementState
	Evidence string
}

// Trigger inspects an engagement plus its caller-supplied task stats
// and proposes at most one transition. Engagement state never moves by
// direct user command; the trigger chain is the only mover.
type Trigger interface {
	Name() string
	Evaluate(eng *types.Engagement, stats types.TaskStats, now time.Time) Decision
}

type triggerFunc struct {
	name string
	fn   func(eng *types.Engagement, stats types.TaskStats, now time.Time) Decision
}

func (t triggerFunc) Name() string { return t.name }
func (t triggerFunc) Evaluate(eng *types.Engagement, stats types.TaskStats, now time.Time) Decision {
	return t.fn(eng, stats, now)
}

func hold() Decision { return Decision{Verdict: VerdictHold} }

func advance(to types.EngagementState, evidence string) Decision {
	return Decision{Verdict: VerdictAdvance, To: to, Evidence: evidence}
}

func ambiguous(evidence string) Decision {
	return Decision{Verdict: VerdictAmbiguous, Evidence: evidence}
}

func hasActivitySince(stats types.TaskStats, cutoff time.Time) bool {
	return stats.LastActivityAt != nil && stats.LastActivityAt.After(cutoff)
}

// defaultTriggers builds the standard chain. Order matters: the first
// advance wins, so pause and block checks run before the forward-motion
// heuristics they would otherwise mask.
func defaultTriggers(cfg *configfile.Config) []Trigger {
	idle := time.Duration(cfg.BlockedAfterIdleDays) * 24 * time.Hour
	settle := time.Duration(cfg.CompletedAfterDeliveredDays) * 24 * time.Hour

	return []Trigger{
		triggerFunc{"pause_requested", func(eng *types.Engagement, stats types.TaskStats, now time.Time) Decision {
			if eng.State == types.EngagementActive && stats.PauseRequested {
				return advance(types.EngagementPaused, "pause requested in source system")
			}
			return hold()
		}},
		triggerFunc{"idle_blocked", func(eng *types.Engagement, stats types.TaskStats, now time.Time) Decision {
			if eng.State != types.EngagementActive {
				return hold()
			}
			if stats.TasksTotal > stats.TasksDone && stats.LastActivityAt != nil &&
				now.Sub(*stats.LastActivityAt) >= idle {
				return advance(types.EngagementBlocked,
					fmt.Sprintf("open tasks idle since %s", stats.LastActivityAt.Format("2006-01-02")))
			}
			return hold()
		}},
		triggerFunc{"resume", func(eng *types.Engagement, stats types.TaskStats, now time.Time) Decision {
			if eng.State != types.EngagementBlocked && eng.State != types.EngagementPaused {
				return hold()
			}
			if eng.State == types.EngagementPaused && stats.PauseRequested {
				return hold()
			}
			if hasActivitySince(stats, now.Add(-idle)) {
				return advance(types.EngagementActive, "activity resumed")
			}
			return hold()
		}},
		triggerFunc{"kickoff", func(eng *types.Engagement, stats types.TaskStats, now time.Time) Decision {
			if eng.State != types.EngagementPlanned {
				return hold()
			}
			if stats.TasksDone > 0 || stats.LastActivityAt != nil {
				return advance(types.EngagementActive, "first task activity observed")
			}
			return hold()
		}},
		triggerFunc{"delivering", func(eng *types.Engagement, stats types.TaskStats, now time.Time) Decision {
			if eng.State != types.EngagementActive {
				return hold()
			}
			completion := stats.Completion()
			if completion < 0 {
				return ambiguous("no linked tasks to measure completion")
			}
			if completion < cfg.DeliveringCompletionPct {
				return hold()
			}
			if !eng.LinkingCoverageOK {
				return ambiguous(fmt.Sprintf("completion %.0f%% but task linking coverage below threshold", completion*100))
			}
			return advance(types.EngagementDelivering,
				fmt.Sprintf("%d/%d tasks done", stats.TasksDone, stats.TasksTotal))
		}},
		triggerFunc{"delivered", func(eng *types.Engagement, stats types.TaskStats, now time.Time) Decision {
			if eng.State != types.EngagementDelivering {
				return hold()
			}
			completion := stats.Completion()
			if completion < 0 {
				return ambiguous("no linked tasks to measure completion")
			}
			if completion >= 1 {
				return advance(types.EngagementDelivered, "all tasks done")
			}
			return hold()
		}},
		triggerFunc{"completed", func(eng *types.Engagement, stats types.TaskStats, now time.Time) Decision {
			if eng.State != types.EngagementDelivered {
				return hold()
			}
			if stats.PaidAt != nil {
				return advance(types.EngagementCompleted, "final payment observed")
			}
			if eng.DeliveredAt != nil && now.Sub(*eng.DeliveredAt) >= settle {
				return advance(types.EngagementCompleted,
					fmt.Sprintf("delivered %d+ days with no disputes", cfg.CompletedAfterDeliveredDays))
			}
			return hold()
		}},
	}
}

// CreateEngagement records a newly detected engagement in planned
// state.
func (e *Engine) CreateEngagement(ctx context.Context, wc writectx.Context, name string, etype types.EngagementType, clientID, brandID string) (*types.Engagement, error) {
	now := e.clock()
	eng := &types.Engagement{
		ID:        idgen.New("eng", clientID+"|"+name, now),
		Name:      name,
		Type:      etype,
		State:     types.EngagementPlanned,
		ClientID:  clientID,
		BrandID:   brandID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := eng.Validate(); err != nil {
		return nil, err
	}
	err := e.store.WithContext(ctx, wc, func(tx storage.Tx) error {
		return tx.CreateEngagement(ctx, eng)
	})
	if err != nil {
		return nil, err
	}
	return eng, nil
}

// SetLinkingCoverage flips the gating flag for delivery heuristics,
// fed by whatever process measures task-linking completeness.
func (e *Engine) SetLinkingCoverage(ctx context.Context, wc writectx.Context, id string, ok bool) (*types.Engagement, error) {
	var result *types.Engagement
	err := e.store.WithContext(ctx, wc, func(tx storage.Tx) error {
		eng, err := tx.GetEngagement(ctx, id)
		if err != nil {
			return err
		}
		eng.LinkingCoverageOK = ok
		eng.UpdatedAt = e.clock()
		if err := tx.UpdateEngagement(ctx, eng, "linking_coverage"); err != nil {
			return err
		}
		result = eng
		return nil
	})
	return result, err
}

// EvaluateEngagement runs the trigger chain against fresh task stats.
// The first advance wins and is applied with a transition-trail row in
// the same transaction; an all-hold pass writes nothing. Ambiguity
// holds state and is counted for tuning.
func (e *Engine) EvaluateEngagement(ctx context.Context, wc writectx.Context, id string, stats types.TaskStats) (*types.Engagement, error) {
	now := e.clock()
	var result *types.Engagement
	err := e.store.WithContext(ctx, wc, func(tx storage.Tx) error {
		eng, err := tx.GetEngagement(ctx, id)
		if err != nil {
			return err
		}
		if eng.State.Terminal() {
			return fmt.Errorf("engagement %s is completed: %w", eng.ID, storage.ErrTerminal)
		}

		for _, trig := range e.triggers {
			d := trig.Evaluate(eng, stats, now)
			switch d.Verdict {
			case VerdictHold:
				continue
			case VerdictAmbiguous:
				e.heuristicAmbiguous.Add(ctx, 1)
				debug.Logf("engagement %s: trigger %s ambiguous: %s", eng.ID, trig.Name(), d.Evidence)
				continue
			case VerdictAdvance:
				from := eng.State
				eng.State = d.To
				eng.TriggerEvidence = d.Evidence
				eng.UpdatedAt = now
				switch d.To {
				case types.EngagementDelivered:
					eng.DeliveredAt = &now
				case types.EngagementCompleted:
					eng.CompletedAt = &now
				}
				if err := tx.UpdateEngagement(ctx, eng, trig.Name()); err != nil {
					return err
				}
				if err := tx.AppendEngagementTransition(ctx, &types.EngagementTransition{
					EngagementID: eng.ID,
					FromState:    from,
					ToState:      d.To,
					Trigger:      trig.Name(),
					At:           now,
				}); err != nil {
					return err
				}
				result = eng
				return nil
			}
		}
		result = eng
		return nil
	})
	return result, err
}
