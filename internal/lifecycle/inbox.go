package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/keel/internal/agg"
	"github.com/steveyegge/keel/internal/idgen"
	"github.com/steveyegge/keel/internal/storage"
	"github.com/steveyegge/keel/internal/suppress"
	"github.com/steveyegge/keel/internal/types"
	"github.com/steveyegge/keel/internal/writectx"
)

// AvailableInboxActions returns the triage actions admitted by an
// item's type and state. Terminal items admit nothing; snoozed items
// keep their triage actions (snoozing again requires resurfacing
// first). Only issue and flagged-signal items can be snoozed; orphans
// and ambiguous references must be resolved or dismissed outright.
func AvailableInboxActions(itemType types.InboxType, state types.InboxState) []Action {
	if state.Terminal() {
		return nil
	}
	switch itemType {
	case types.InboxTypeIssue, types.InboxTypeFlaggedSignal:
		actions := []Action{ActionTag, ActionAssign, ActionDismiss}
		if state == types.InboxProposed {
			actions = append(actions, ActionSnooze)
		}
		return actions
	case types.InboxTypeOrphan:
		return []Action{ActionLink, ActionCreate, ActionDismiss}
	case types.InboxTypeAmbiguous:
		return []Action{ActionSelect, ActionDismiss}
	default:
		return nil
	}
}

func inboxAllows(item *types.InboxItem, action Action) bool {
	for _, a := range AvailableInboxActions(item.Type, item.State) {
		if a == action {
			return true
		}
	}
	return false
}

func inboxRejection(item *types.InboxItem, action Action) error {
	if item.State.Terminal() {
		return fmt.Errorf("inbox item %s is %s: %w", item.ID, item.State, storage.ErrTerminal)
	}
	return &storage.TransitionError{
		Entity: "inbox_item",
		ID:     item.ID,
		State:  string(item.State),
		Action: string(action),
	}
}

// resolveItem marks the item terminal linked_to_issue with its
// resolution bookkeeping filled in.
func resolveItem(item *types.InboxItem, issueID string, reason types.ResolutionReason, now time.Time) {
	item.State = types.InboxLinkedToIssue
	item.ResolvedIssueID = issueID
	item.ResolutionReason = reason
	item.ResolvedAt = &now
}

// TagInboxItem acknowledges the item's finding. For issue-backed items
// the underlying issue advances to acknowledged; for flagged signals a
// communication issue is minted around the signal. Either way the item
// lands terminal on linked_to_issue.
func (e *Engine) TagInboxItem(ctx context.Context, wc writectx.Context, id string) (*types.InboxItem, error) {
	return e.triageToIssue(ctx, wc, id, ActionTag, types.ResolutionTagged, "")
}

// AssignInboxItem acknowledges the finding and hands it to an assignee
// in one step; the underlying or minted issue lands on addressing.
func (e *Engine) AssignInboxItem(ctx context.Context, wc writectx.Context, id, assignee string) (*types.InboxItem, error) {
	if assignee == "" {
		return nil, fmt.Errorf("assignee is required")
	}
	return e.triageToIssue(ctx, wc, id, ActionAssign, types.ResolutionAssigned, assignee)
}

func (e *Engine) triageToIssue(ctx context.Context, wc writectx.Context, id string, action Action, reason types.ResolutionReason, assignee string) (*types.InboxItem, error) {
	now := e.clock()
	var result *types.InboxItem
	err := e.store.WithContext(ctx, wc, func(tx storage.Tx) error {
		item, err := tx.GetInboxItem(ctx, id)
		if err != nil {
			return err
		}
		if !inboxAllows(item, action) {
			return inboxRejection(item, action)
		}

		var issueID string
		if item.UnderlyingIssueID != "" {
			issue, err := tx.GetIssue(ctx, item.UnderlyingIssueID)
			if err != nil {
				return err
			}
			if issue.State == types.IssueSurfaced || issue.State == types.IssueRegressed {
				issue.State = types.IssueAcknowledged
				if issue.TaggedBy == "" {
					issue.TaggedBy = wc.Actor
				}
			}
			if assignee != "" {
				if issue.State != types.IssueAcknowledged {
					return issueRejection(issue, ActionAssign)
				}
				issue.State = types.IssueAddressing
				issue.Assignee = assignee
			}
			issue.UpdatedAt = now
			if err := tx.UpdateIssue(ctx, issue, string(action)); err != nil {
				return err
			}
			issueID = issue.ID
		} else {
			// A flagged signal has no durable issue yet; triaging it is
			// the act that creates one, in the communication category.
			issue := e.issueFromItem(item, types.CategoryCommunication, wc.Actor, assignee, now)
			if err := tx.CreateIssue(ctx, issue); err != nil {
				return err
			}
			issueID = issue.ID
		}

		resolveItem(item, issueID, reason, now)
		if err := tx.UpdateInboxItem(ctx, item, string(action)); err != nil {
			return err
		}
		result = item
		return nil
	})
	return result, err
}

// issueFromItem mints an issue out of a signal-backed inbox item. The
// signal id discriminates the aggregation key so re-flagging the same
// signal upserts rather than duplicates.
func (e *Engine) issueFromItem(item *types.InboxItem, category types.Category, actor, assignee string, now time.Time) *types.Issue {
	key := agg.Key(category, agg.Scope{
		ClientID:      item.ClientID,
		BrandID:       item.BrandID,
		Discriminator: item.UnderlyingSignalID,
	})
	issue := &types.Issue{
		ID:             idgen.New("op", key, now),
		Category:       category,
		Severity:       item.Severity,
		State:          types.IssueAcknowledged,
		ClientID:       item.ClientID,
		BrandID:        item.BrandID,
		AggregationKey: key,
		TaggedBy:       actor,
		Evidence: []types.Evidence{{
			At:     now,
			Source: "triage",
			Detail: item.Title,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if assignee != "" {
		issue.State = types.IssueAddressing
		issue.Assignee = assignee
	}
	return issue
}

// LinkInboxItem resolves an orphan item by attaching its reference to
// an existing issue.
func (e *Engine) LinkInboxItem(ctx context.Context, wc writectx.Context, id, issueID string) (*types.InboxItem, error) {
	now := e.clock()
	var result *types.InboxItem
	err := e.store.WithContext(ctx, wc, func(tx storage.Tx) error {
		item, err := tx.GetInboxItem(ctx, id)
		if err != nil {
			return err
		}
		if !inboxAllows(item, ActionLink) {
			return inboxRejection(item, ActionLink)
		}
		if _, err := tx.GetIssue(ctx, issueID); err != nil {
			return fmt.Errorf("link target: %w", err)
		}
		resolveItem(item, issueID, types.ResolutionLinked, now)
		if err := tx.UpdateInboxItem(ctx, item, "link"); err != nil {
			return err
		}
		result = item
		return nil
	})
	return result, err
}

// CreateIssueFromInboxItem resolves an orphan by minting a fresh issue
// in the chosen category. The creator is recorded as the tagger since
// the triage decision is itself an acknowledgment.
func (e *Engine) CreateIssueFromInboxItem(ctx context.Context, wc writectx.Context, id string, category types.Category) (*types.InboxItem, error) {
	if !category.IsValid() {
		return nil, fmt.Errorf("invalid category: %s", category)
	}
	now := e.clock()
	var result *types.InboxItem
	err := e.store.WithContext(ctx, wc, func(tx storage.Tx) error {
		item, err := tx.GetInboxItem(ctx, id)
		if err != nil {
			return err
		}
		if !inboxAllows(item, ActionCreate) {
			return inboxRejection(item, ActionCreate)
		}
		issue := e.issueFromItem(item, category, wc.Actor, "", now)
		if err := tx.CreateIssue(ctx, issue); err != nil {
			return err
		}
		resolveItem(item, issue.ID, types.ResolutionCreated, now)
		if err := tx.UpdateInboxItem(ctx, item, "create"); err != nil {
			return err
		}
		result = item
		return nil
	})
	return result, err
}

// SelectInboxItem resolves an ambiguous item by picking one of its
// candidate issues.
func (e *Engine) SelectInboxItem(ctx context.Context, wc writectx.Context, id, issueID string) (*types.InboxItem, error) {
	now := e.clock()
	var result *types.InboxItem
	err := e.store.WithContext(ctx, wc, func(tx storage.Tx) error {
		item, err := tx.GetInboxItem(ctx, id)
		if err != nil {
			return err
		}
		if !inboxAllows(item, ActionSelect) {
			return inboxRejection(item, ActionSelect)
		}
		if _, err := tx.GetIssue(ctx, issueID); err != nil {
			return fmt.Errorf("select target: %w", err)
		}
		resolveItem(item, issueID, types.ResolutionSelected, now)
		if err := tx.UpdateInboxItem(ctx, item, "select"); err != nil {
			return err
		}
		result = item
		return nil
	})
	return result, err
}

// DismissInboxItem rejects the finding. One transaction covers the full
// consequence set: the item records the who/when/why quad, the
// underlying issue is suppressed, and a suppression rule blocks
// re-proposal for the type's window. Partial dismissal cannot be
// observed.
func (e *Engine) DismissInboxItem(ctx context.Context, wc writectx.Context, id, reason string) (*types.InboxItem, error) {
	if reason == "" {
		return nil, fmt.Errorf("dismissal reason is required")
	}
	now := e.clock()
	var result *types.InboxItem
	err := e.store.WithContext(ctx, wc, func(tx storage.Tx) error {
		item, err := tx.GetInboxItem(ctx, id)
		if err != nil {
			return err
		}
		if !inboxAllows(item, ActionDismiss) {
			return inboxRejection(item, ActionDismiss)
		}

		if item.UnderlyingIssueID != "" {
			issue, err := tx.GetIssue(ctx, item.UnderlyingIssueID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if issue != nil && !issue.Suppressed {
				issue.Suppressed = true
				issue.SuppressedAt = &now
				issue.UpdatedAt = now
				if err := tx.UpdateIssue(ctx, issue, "dismissed from inbox"); err != nil {
					return err
				}
			}
		}

		item.State = types.InboxDismissed
		item.DismissedAt = &now
		item.DismissedBy = wc.Actor
		item.ResolvedAt = &now
		item.ResolutionReason = types.ResolutionDismissed
		if item.SuppressionKey == "" {
			item.SuppressionKey = suppress.Key(item.Type, item.ClientID, item.BrandID, item.UnderlyingSignalID)
		}
		if err := tx.UpdateInboxItem(ctx, item, "dismiss: "+reason); err != nil {
			return err
		}

		if err := tx.CreateSuppressionRule(ctx, suppress.NewRule(item, reason, wc.Actor, now, e.cfg)); err != nil {
			return err
		}
		result = item
		return nil
	})
	return result, err
}

// MarkInboxItemRead records first view of the item. Reading is not a
// state change; terminal items can still be marked, and a second read
// keeps the first timestamp.
func (e *Engine) MarkInboxItemRead(ctx context.Context, wc writectx.Context, id string) (*types.InboxItem, error) {
	now := e.clock()
	var result *types.InboxItem
	err := e.store.WithContext(ctx, wc, func(tx storage.Tx) error {
		item, err := tx.GetInboxItem(ctx, id)
		if err != nil {
			return err
		}
		if item.ReadAt != nil {
			result = item
			return nil
		}
		item.ReadAt = &now
		if err := tx.UpdateInboxItem(ctx, item, "read"); err != nil {
			return err
		}
		result = item
		return nil
	})
	return result, err
}

// SnoozeInboxItem parks a proposed item until the given time; the timer
// sweep resurfaces it with a fresh attention age.
func (e *Engine) SnoozeInboxItem(ctx context.Context, wc writectx.Context, id string, until time.Time, reason string) (*types.InboxItem, error) {
	now := e.clock()
	if !until.After(now) {
		return nil, fmt.Errorf("snooze_until must be in the future")
	}
	var result *types.InboxItem
	err := e.store.WithContext(ctx, wc, func(tx storage.Tx) error {
		item, err := tx.GetInboxItem(ctx, id)
		if err != nil {
			return err
		}
		if !inboxAllows(item, ActionSnooze) {
			return inboxRejection(item, ActionSnooze)
		}
		item.State = types.InboxSnoozed
		item.SnoozeUntil = &until
		item.SnoozedBy = wc.Actor
		item.SnoozeReason = reason
		if err := tx.UpdateInboxItem(ctx, item, "snooze"); err != nil {
			return err
		}
		result = item
		return nil
	})
	return result, err
}
