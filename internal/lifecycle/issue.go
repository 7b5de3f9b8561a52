package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/keel/internal/debug"
	"github.com/steveyegge/keel/internal/storage"
	"github.com/steveyegge/keel/internal/types"
	"github.com/steveyegge/keel/internal/writectx"
)

// Action is a lifecycle action name as exposed to callers and the
// presentation layer.
type Action string

const (
	ActionTag          Action = "tag"
	ActionAssign       Action = "assign"
	ActionMarkAwaiting Action = "mark_awaiting"
	ActionResolve      Action = "resolve"
	ActionSnooze       Action = "snooze"
	ActionSuppress     Action = "suppress"
	ActionUnsuppress   Action = "unsuppress"
	ActionEscalate     Action = "escalate"

	ActionLink    Action = "link"
	ActionCreate  Action = "create"
	ActionSelect  Action = "select"
	ActionDismiss Action = "dismiss"
)

// AvailableIssueActions is the single source of truth for issue action
// eligibility, exposed so the presentation layer never re-derives it.
// A suppressed issue admits only unsuppress, whatever its state.
func AvailableIssueActions(state types.IssueState, suppressed bool) []Action {
	if suppressed {
		return []Action{ActionUnsuppress}
	}
	switch state {
	case types.IssueDetected:
		return []Action{ActionSuppress}
	case types.IssueSurfaced, types.IssueRegressed:
		return []Action{ActionTag, ActionSnooze, ActionSuppress, ActionEscalate}
	case types.IssueAcknowledged:
		return []Action{ActionAssign, ActionSuppress, ActionEscalate}
	case types.IssueAddressing:
		return []Action{ActionMarkAwaiting, ActionSuppress, ActionEscalate}
	case types.IssueAwaitingResolution:
		return []Action{ActionResolve, ActionSuppress, ActionEscalate}
	case types.IssueRegressionWatch:
		return []Action{ActionSuppress}
	default: // closed, or unknown
		return nil
	}
}

func issueAllows(issue *types.Issue, action Action) bool {
	for _, a := range AvailableIssueActions(issue.State, issue.Suppressed) {
		if a == action {
			return true
		}
	}
	return false
}

func issueRejection(issue *types.Issue, action Action) error {
	return &storage.TransitionError{
		Entity: "issue",
		ID:     issue.ID,
		State:  string(issue.State),
		Action: string(action),
	}
}

// mutateIssue loads an issue, applies fn, and persists the result with
// the given audit detail, all in one attributed transaction.
func (e *Engine) mutateIssue(ctx context.Context, wc writectx.Context, id, detail string, fn func(issue *types.Issue) error) (*types.Issue, error) {
	var result *types.Issue
	err := e.store.WithContext(ctx, wc, func(tx storage.Tx) error {
		issue, err := tx.GetIssue(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(issue); err != nil {
			return err
		}
		issue.UpdatedAt = e.clock()
		if err := tx.UpdateIssue(ctx, issue, detail); err != nil {
			return err
		}
		result = issue
		return nil
	})
	return result, err
}

// TagIssue acknowledges a surfaced issue. The first tagger is recorded
// permanently; a re-tag after regression keeps the original.
func (e *Engine) TagIssue(ctx context.Context, wc writectx.Context, id string) (*types.Issue, error) {
	return e.mutateIssue(ctx, wc, id, "tag", func(issue *types.Issue) error {
		if !issueAllows(issue, ActionTag) {
			return issueRejection(issue, ActionTag)
		}
		issue.State = types.IssueAcknowledged
		if issue.TaggedBy == "" {
			issue.TaggedBy = wc.Actor
		}
		return nil
	})
}

// AssignIssue moves an acknowledged issue to addressing with an
// assignee, preserving the original tagger.
func (e *Engine) AssignIssue(ctx context.Context, wc writectx.Context, id, assignee string) (*types.Issue, error) {
	if assignee == "" {
		return nil, fmt.Errorf("assignee is required")
	}
	return e.mutateIssue(ctx, wc, id, "assign", func(issue *types.Issue) error {
		if !issueAllows(issue, ActionAssign) {
			return issueRejection(issue, ActionAssign)
		}
		issue.State = types.IssueAddressing
		issue.Assignee = assignee
		return nil
	})
}

// MarkAwaitingResolution signals that the fix is in flight and the
// issue waits on external confirmation.
func (e *Engine) MarkAwaitingResolution(ctx context.Context, wc writectx.Context, id string) (*types.Issue, error) {
	return e.mutateIssue(ctx, wc, id, "mark_awaiting", func(issue *types.Issue) error {
		if !issueAllows(issue, ActionMarkAwaiting) {
			return issueRejection(issue, ActionMarkAwaiting)
		}
		issue.State = types.IssueAwaitingResolution
		return nil
	})
}

// ResolveIssue completes the issue. The persisted state lands directly
// on regression_watch — the conceptual "resolved" step exists only in
// the audit detail — and the watch window starts now.
func (e *Engine) ResolveIssue(ctx context.Context, wc writectx.Context, id string) (*types.Issue, error) {
	return e.mutateIssue(ctx, wc, id, "resolved", func(issue *types.Issue) error {
		if !issueAllows(issue, ActionResolve) {
			return issueRejection(issue, ActionResolve)
		}
		until := e.clock().Add(time.Duration(e.cfg.RegressionWatchDays) * 24 * time.Hour)
		issue.State = types.IssueRegressionWatch
		issue.RegressionWatchUntil = &until
		// Snooze does not survive resolution.
		issue.SnoozedUntil = nil
		issue.SnoozedBy = ""
		return nil
	})
}

// SnoozeIssue hides a surfaced issue until the given time. Snooze is a
// flag, not a state: the issue stays surfaced and the sweep clears the
// flag on expiry.
func (e *Engine) SnoozeIssue(ctx context.Context, wc writectx.Context, id string, until time.Time, reason string) (*types.Issue, error) {
	now := e.clock()
	if !until.After(now) {
		return nil, fmt.Errorf("snooze_until must be in the future")
	}
	detail := "snooze"
	if reason != "" {
		detail = "snooze: " + reason
	}
	return e.mutateIssue(ctx, wc, id, detail, func(issue *types.Issue) error {
		if !issueAllows(issue, ActionSnooze) {
			return issueRejection(issue, ActionSnooze)
		}
		issue.SnoozedUntil = &until
		issue.SnoozedBy = wc.Actor
		return nil
	})
}

// SuppressIssue flags the issue out of health-score visibility and
// frees its aggregation key for a future live issue.
func (e *Engine) SuppressIssue(ctx context.Context, wc writectx.Context, id string) (*types.Issue, error) {
	return e.mutateIssue(ctx, wc, id, "suppress", func(issue *types.Issue) error {
		if !issueAllows(issue, ActionSuppress) {
			return issueRejection(issue, ActionSuppress)
		}
		now := e.clock()
		issue.Suppressed = true
		issue.SuppressedAt = &now
		return nil
	})
}

// UnsuppressIssue lifts suppression; the issue re-enters its previous
// state's action set.
func (e *Engine) UnsuppressIssue(ctx context.Context, wc writectx.Context, id string) (*types.Issue, error) {
	return e.mutateIssue(ctx, wc, id, "unsuppress", func(issue *types.Issue) error {
		if !issue.Suppressed {
			return issueRejection(issue, ActionUnsuppress)
		}
		issue.Suppressed = false
		issue.SuppressedAt = nil
		return nil
	})
}

// EscalateIssue marks the issue escalated. Escalation is orthogonal to
// state and does not change it.
func (e *Engine) EscalateIssue(ctx context.Context, wc writectx.Context, id string) (*types.Issue, error) {
	return e.mutateIssue(ctx, wc, id, "escalate", func(issue *types.Issue) error {
		if !issueAllows(issue, ActionEscalate) {
			return issueRejection(issue, ActionEscalate)
		}
		if issue.Escalated {
			debug.Logf("issue %s already escalated", issue.ID)
			return nil
		}
		now := e.clock()
		issue.Escalated = true
		issue.EscalatedAt = &now
		return nil
	})
}
