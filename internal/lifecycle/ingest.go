package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/keel/internal/agg"
	"github.com/steveyegge/keel/internal/debug"
	"github.com/steveyegge/keel/internal/idgen"
	"github.com/steveyegge/keel/internal/storage"
	"github.com/steveyegge/keel/internal/suppress"
	"github.com/steveyegge/keel/internal/types"
	"github.com/steveyegge/keel/internal/writectx"
)

// Finding is one detector observation submitted for upsert. Scope plus
// category determine the aggregation key, so detectors must emit the
// discriminator stably across runs.
type Finding struct {
	Category types.Category
	Scope    agg.Scope
	Severity types.Severity
	Title    string
	Summary  string
	Evidence types.Evidence
}

func (f *Finding) validate() error {
	if !f.Category.IsValid() {
		return fmt.Errorf("invalid finding category: %s", f.Category)
	}
	if !f.Severity.IsValid() {
		return fmt.Errorf("invalid finding severity: %s", f.Severity)
	}
	if f.Scope.ClientID == "" {
		return fmt.Errorf("finding client_id is required")
	}
	if f.Evidence.Source == "" {
		return fmt.Errorf("finding evidence source is required")
	}
	return nil
}

// UpsertFinding applies a detector finding: it either creates a new
// issue for the (category, scope) tuple or folds the evidence into the
// existing live one. Severity only escalates unless the evidence is a
// recovery read. Returns the issue and whether it was created.
//
// A regression_watch issue hit by non-recovery evidence regresses and
// re-enters triage; a closed one is reopened, since the aggregation key
// still points at it.
func (e *Engine) UpsertFinding(ctx context.Context, wc writectx.Context, f Finding) (*types.Issue, bool, error) {
	if err := f.validate(); err != nil {
		return nil, false, err
	}
	now := e.clock()
	ev := f.Evidence
	if ev.At.IsZero() {
		ev.At = now
	}
	key := agg.Key(f.Category, f.Scope)

	var (
		result  *types.Issue
		created bool
	)
	err := e.store.WithContext(ctx, wc, func(tx storage.Tx) error {
		existing, err := tx.FindIssueByAggregationKey(ctx, f.Category, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if existing == nil {
			issue := &types.Issue{
				ID:             idgen.New("op", key, now),
				Category:       f.Category,
				Severity:       f.Severity,
				State:          types.IssueDetected,
				ClientID:       f.Scope.ClientID,
				BrandID:        f.Scope.BrandID,
				AggregationKey: key,
				Evidence:       []types.Evidence{ev},
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			surfaced := agg.ShouldSurface(issue.Severity, len(issue.Evidence),
				e.surfaceSeverityMin(), e.cfg.SurfaceEvidenceCount)
			if surfaced {
				issue.State = types.IssueSurfaced
			}
			if err := tx.CreateIssue(ctx, issue); err != nil {
				return err
			}
			if surfaced {
				if err := e.proposeForIssue(ctx, tx, issue, f.Title, f.Summary, now); err != nil {
					return err
				}
			}
			result, created = issue, true
			return nil
		}

		detail := "upsert"
		issue := existing
		issue.Evidence = append(issue.Evidence, ev)
		issue.Severity = agg.NextSeverity(issue.Severity, f.Severity, ev.Recovery)
		if ev.Recovery {
			issue.RecoverySeenAt = &now
		}

		switch {
		case issue.State == types.IssueRegressionWatch && !ev.Recovery:
			// Recurrence inside the watch window.
			issue.State = types.IssueRegressed
			issue.RegressionWatchUntil = nil
			detail = "regressed"
		case issue.State == types.IssueClosed && !ev.Recovery:
			// The key still maps here, so the closed issue is reopened
			// rather than shadowed by a duplicate.
			issue.State = types.IssueSurfaced
			issue.ClosedAt = nil
			detail = "reopened"
		case issue.State == types.IssueDetected:
			if agg.ShouldSurface(issue.Severity, len(issue.Evidence),
				e.surfaceSeverityMin(), e.cfg.SurfaceEvidenceCount) {
				issue.State = types.IssueSurfaced
				detail = "surfaced"
			}
		}
		issue.UpdatedAt = now
		if err := tx.UpdateIssue(ctx, issue, detail); err != nil {
			return err
		}
		if detail == "surfaced" || detail == "regressed" || detail == "reopened" {
			if err := e.proposeForIssue(ctx, tx, issue, f.Title, f.Summary, now); err != nil {
				return err
			}
		}
		result = issue
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// proposeForIssue creates the inbox proposal for a freshly surfaced
// issue unless a live suppression rule blocks it. A suppression hit is
// not an error: the issue stays surfaced, only the inbox entry is
// skipped.
func (e *Engine) proposeForIssue(ctx context.Context, tx storage.Tx, issue *types.Issue, title, summary string, now time.Time) error {
	key := suppress.Key(types.InboxTypeIssue, issue.ClientID, issue.BrandID, issue.AggregationKey)
	rule, err := tx.LiveSuppressionRule(ctx, key, now)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if rule != nil {
		e.suppressionHits.Add(ctx, 1)
		debug.Logf("proposal for issue %s suppressed by rule %d until %s",
			issue.ID, rule.ID, rule.ExpiresAt.Format(time.RFC3339))
		return nil
	}
	if title == "" {
		title = fmt.Sprintf("%s issue for %s", issue.Category, issue.ClientID)
	}
	item := &types.InboxItem{
		ID:                idgen.New("inb", issue.ID, now),
		Type:              types.InboxTypeIssue,
		State:             types.InboxProposed,
		Severity:          issue.Severity,
		Title:             title,
		Summary:           summary,
		UnderlyingIssueID: issue.ID,
		ClientID:          issue.ClientID,
		BrandID:           issue.BrandID,
		ProposedAt:        now,
		SuppressionKey:    key,
	}
	return tx.CreateInboxItem(ctx, item)
}

// Proposal describes a non-issue inbox candidate: a flagged raw signal,
// an orphan reference, or an ambiguous match.
type Proposal struct {
	SignalID string
	ClientID string
	BrandID  string
	Severity types.Severity
	Title    string
	Summary  string
}

func (p *Proposal) validate() error {
	if p.SignalID == "" {
		return fmt.Errorf("proposal signal_id is required")
	}
	if p.ClientID == "" {
		return fmt.Errorf("proposal client_id is required")
	}
	if !p.Severity.IsValid() {
		return fmt.Errorf("invalid proposal severity: %s", p.Severity)
	}
	if p.Title == "" {
		return fmt.Errorf("proposal title is required")
	}
	return nil
}

// ProposeSignal files a flagged raw signal for triage.
func (e *Engine) ProposeSignal(ctx context.Context, wc writectx.Context, p Proposal) (*types.InboxItem, error) {
	return e.propose(ctx, wc, types.InboxTypeFlaggedSignal, p)
}

// ProposeOrphan files a reference that matched no known entity.
func (e *Engine) ProposeOrphan(ctx context.Context, wc writectx.Context, p Proposal) (*types.InboxItem, error) {
	return e.propose(ctx, wc, types.InboxTypeOrphan, p)
}

// ProposeAmbiguous files a reference with multiple plausible matches.
func (e *Engine) ProposeAmbiguous(ctx context.Context, wc writectx.Context, p Proposal) (*types.InboxItem, error) {
	return e.propose(ctx, wc, types.InboxTypeAmbiguous, p)
}

// propose creates a signal-backed inbox item. Unlike issue proposals a
// suppression hit here is surfaced as ErrSuppressed so the detector can
// tell "filed" from "blocked".
func (e *Engine) propose(ctx context.Context, wc writectx.Context, itemType types.InboxType, p Proposal) (*types.InboxItem, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	now := e.clock()
	key := suppress.Key(itemType, p.ClientID, p.BrandID, p.SignalID)

	var result *types.InboxItem
	err := e.store.WithContext(ctx, wc, func(tx storage.Tx) error {
		rule, err := tx.LiveSuppressionRule(ctx, key, now)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if rule != nil {
			e.suppressionHits.Add(ctx, 1)
			return fmt.Errorf("signal %s: %w", p.SignalID, storage.ErrSuppressed)
		}
		item := &types.InboxItem{
			ID:                 idgen.New("inb", string(itemType)+"|"+p.SignalID, now),
			Type:               itemType,
			State:              types.InboxProposed,
			Severity:           p.Severity,
			Title:              p.Title,
			Summary:            p.Summary,
			UnderlyingSignalID: p.SignalID,
			ClientID:           p.ClientID,
			BrandID:            p.BrandID,
			ProposedAt:         now,
			SuppressionKey:     key,
		}
		if err := tx.CreateInboxItem(ctx, item); err != nil {
			return err
		}
		result = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
