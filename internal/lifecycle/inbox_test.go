package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/keel/internal/storage"
	"github.com/steveyegge/keel/internal/types"
	"github.com/steveyegge/keel/internal/writectx"
)

func testProposal(signalID string) Proposal {
	return Proposal{
		SignalID: signalID,
		ClientID: "C1",
		Severity: types.SeverityMedium,
		Title:    "Unmatched payment " + signalID,
	}
}

// surfacedItem upserts a finding and returns its inbox proposal.
func surfacedItem(t *testing.T, e *Engine, wc writectx.Context) *types.InboxItem {
	t.Helper()
	ctx := context.Background()
	_, _, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)
	items, err := e.Store().ListInboxItems(ctx, types.InboxFilter{Types: []types.InboxType{types.InboxTypeIssue}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func TestTagInboxItemAdvancesUnderlyingIssue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()
	item := surfacedItem(t, e, wc)

	item, err := e.TagInboxItem(ctx, wc, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InboxLinkedToIssue, item.State)
	assert.Equal(t, types.ResolutionTagged, item.ResolutionReason)
	assert.Equal(t, item.UnderlyingIssueID, item.ResolvedIssueID)

	issue, err := e.Store().GetIssue(ctx, item.UnderlyingIssueID)
	require.NoError(t, err)
	assert.Equal(t, types.IssueAcknowledged, issue.State)
	assert.Equal(t, "tester", issue.TaggedBy)

	// Terminal: no second triage.
	_, err = e.TagInboxItem(ctx, wc, item.ID)
	assert.ErrorIs(t, err, storage.ErrTerminal)
}

func TestAssignInboxItemLandsOnAddressing(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()
	item := surfacedItem(t, e, wc)

	item, err := e.AssignInboxItem(ctx, wc, item.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.ResolutionAssigned, item.ResolutionReason)

	issue, err := e.Store().GetIssue(ctx, item.UnderlyingIssueID)
	require.NoError(t, err)
	assert.Equal(t, types.IssueAddressing, issue.State)
	assert.Equal(t, "alice", issue.Assignee)
	assert.Equal(t, "tester", issue.TaggedBy, "assign from the inbox tags implicitly")
}

func TestTagFlaggedSignalMintsCommunicationIssue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	item, err := e.ProposeSignal(ctx, wc, testProposal("sig-42"))
	require.NoError(t, err)

	item, err = e.TagInboxItem(ctx, wc, item.ID)
	require.NoError(t, err)
	require.NotEmpty(t, item.ResolvedIssueID)

	issue, err := e.Store().GetIssue(ctx, item.ResolvedIssueID)
	require.NoError(t, err)
	assert.Equal(t, types.CategoryCommunication, issue.Category)
	assert.Equal(t, types.IssueAcknowledged, issue.State)
	assert.Equal(t, "tester", issue.TaggedBy)
}

func TestLinkAndSelectResolveToExistingIssue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	target, _, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)

	orphan, err := e.ProposeOrphan(ctx, wc, testProposal("ref-1"))
	require.NoError(t, err)
	orphan, err = e.LinkInboxItem(ctx, wc, orphan.ID, target.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ResolutionLinked, orphan.ResolutionReason)
	assert.Equal(t, target.ID, orphan.ResolvedIssueID)

	amb, err := e.ProposeAmbiguous(ctx, wc, testProposal("ref-2"))
	require.NoError(t, err)
	amb, err = e.SelectInboxItem(ctx, wc, amb.ID, target.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ResolutionSelected, amb.ResolutionReason)

	// Linking to a missing issue fails and leaves the item untouched.
	o2, err := e.ProposeOrphan(ctx, wc, testProposal("ref-3"))
	require.NoError(t, err)
	_, err = e.LinkInboxItem(ctx, wc, o2.ID, "op-missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	o2, err = e.Store().GetInboxItem(ctx, o2.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InboxProposed, o2.State)
}

func TestCreateIssueFromOrphan(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	item, err := e.ProposeOrphan(ctx, wc, testProposal("ref-9"))
	require.NoError(t, err)
	item, err = e.CreateIssueFromInboxItem(ctx, wc, item.ID, types.CategoryRisk)
	require.NoError(t, err)
	assert.Equal(t, types.ResolutionCreated, item.ResolutionReason)

	issue, err := e.Store().GetIssue(ctx, item.ResolvedIssueID)
	require.NoError(t, err)
	assert.Equal(t, types.CategoryRisk, issue.Category)
	assert.Equal(t, types.IssueAcknowledged, issue.State)
}

func TestTypeActionsEnforced(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	// Orphans cannot be tagged; issue items cannot be linked.
	orphan, err := e.ProposeOrphan(ctx, wc, testProposal("ref-5"))
	require.NoError(t, err)
	_, err = e.TagInboxItem(ctx, wc, orphan.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	issueItem := surfacedItem(t, e, wc)
	_, err = e.LinkInboxItem(ctx, wc, issueItem.ID, "op-whatever")
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestOnlySignalBackedItemsSnooze(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()
	until := e.clock().Add(48 * time.Hour)

	// Orphans and ambiguous references must be resolved or dismissed,
	// never parked.
	orphan, err := e.ProposeOrphan(ctx, wc, testProposal("ref-7"))
	require.NoError(t, err)
	_, err = e.SnoozeInboxItem(ctx, wc, orphan.ID, until, "later")
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	amb, err := e.ProposeAmbiguous(ctx, wc, testProposal("ref-8"))
	require.NoError(t, err)
	_, err = e.SnoozeInboxItem(ctx, wc, amb.ID, until, "later")
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	sig, err := e.ProposeSignal(ctx, wc, testProposal("sig-9"))
	require.NoError(t, err)
	sig, err = e.SnoozeInboxItem(ctx, wc, sig.ID, until, "later")
	require.NoError(t, err)
	assert.Equal(t, types.InboxSnoozed, sig.State)
}

func TestDismissIsAtomic(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()
	item := surfacedItem(t, e, wc)

	item, err := e.DismissInboxItem(ctx, wc, item.ID, "vendor noise")
	require.NoError(t, err)

	// Full dismissal quad.
	assert.Equal(t, types.InboxDismissed, item.State)
	assert.NotNil(t, item.DismissedAt)
	assert.Equal(t, "tester", item.DismissedBy)
	assert.NotEmpty(t, item.SuppressionKey)
	assert.NotNil(t, item.ResolvedAt)

	// Underlying issue suppressed in the same stroke.
	issue, err := e.Store().GetIssue(ctx, item.UnderlyingIssueID)
	require.NoError(t, err)
	assert.True(t, issue.Suppressed)

	// Dismissal without a reason never starts.
	other, err := e.ProposeOrphan(ctx, wc, testProposal("ref-6"))
	require.NoError(t, err)
	_, err = e.DismissInboxItem(ctx, wc, other.ID, "")
	assert.Error(t, err)
	other, err = e.Store().GetInboxItem(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InboxProposed, other.State)
}

func TestDismissedSignalSuppressedForWindow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()
	advance := setClock(e, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	item, err := e.ProposeSignal(ctx, wc, testProposal("sig-7"))
	require.NoError(t, err)
	_, err = e.DismissInboxItem(ctx, wc, item.ID, "known false positive")
	require.NoError(t, err)

	// Ten days later the same signal is still blocked.
	advance(10 * 24 * time.Hour)
	_, err = e.ProposeSignal(ctx, wc, testProposal("sig-7"))
	assert.ErrorIs(t, err, storage.ErrSuppressed)

	// A different signal is unaffected.
	_, err = e.ProposeSignal(ctx, wc, testProposal("sig-8"))
	assert.NoError(t, err)

	// Past the 30-day window the rule has lapsed.
	advance(25 * 24 * time.Hour)
	_, err = e.ProposeSignal(ctx, wc, testProposal("sig-7"))
	assert.NoError(t, err)
}

func TestDismissedIssueFindingNotReproposed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()
	advance := setClock(e, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	item := surfacedItem(t, e, wc)
	_, err := e.DismissInboxItem(ctx, wc, item.ID, "not actionable")
	require.NoError(t, err)

	// The detector fires again ten days later. Dismissal suppressed the
	// issue, so a fresh one is created, but its proposal is blocked by
	// the 30-day rule.
	advance(10 * 24 * time.Hour)
	issue, created, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.IssueSurfaced, issue.State)

	items, err := e.Store().ListInboxItems(ctx, types.InboxFilter{})
	require.NoError(t, err)
	assert.Empty(t, items, "live suppression rule blocks re-proposal")

	// Well past the window, the next surfacing proposes again.
	advance(180 * 24 * time.Hour)
	_, err = e.SuppressIssue(ctx, wc, issue.ID)
	require.NoError(t, err)
	_, _, err = e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)
	items, err = e.Store().ListInboxItems(ctx, types.InboxFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestInboxSnoozeAndResurface(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()
	advance := setClock(e, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	item := surfacedItem(t, e, wc)
	proposedAt := item.ProposedAt

	item, err := e.SnoozeInboxItem(ctx, wc, item.ID, e.clock().Add(48*time.Hour), "next sprint")
	require.NoError(t, err)
	assert.Equal(t, types.InboxSnoozed, item.State)
	assert.Equal(t, "next sprint", item.SnoozeReason)

	advance(72 * time.Hour)
	n, err := e.ExpireSnoozes(ctx, wc, e.clock())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err = e.Store().GetInboxItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InboxProposed, item.State)
	require.NotNil(t, item.ResurfacedAt)
	assert.Nil(t, item.SnoozeUntil)

	// Attention age restarts at resurface; proposed_at is untouched.
	assert.Equal(t, proposedAt.UTC(), item.ProposedAt.UTC())
	assert.Equal(t, *item.ResurfacedAt, item.AttentionAgeStart())
}

func TestMarkReadKeepsFirstTimestamp(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()
	item := surfacedItem(t, e, wc)

	item, err := e.MarkInboxItemRead(ctx, wc, item.ID)
	require.NoError(t, err)
	require.NotNil(t, item.ReadAt)

	item, err = e.Store().GetInboxItem(ctx, item.ID)
	require.NoError(t, err)
	first := item.ReadAt

	_, err = e.MarkInboxItemRead(ctx, wc, item.ID)
	require.NoError(t, err)
	item, err = e.Store().GetInboxItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, first, item.ReadAt)
}

func TestAvailableInboxActionsTable(t *testing.T) {
	cases := []struct {
		itemType types.InboxType
		state    types.InboxState
		want     []Action
	}{
		{types.InboxTypeIssue, types.InboxProposed, []Action{ActionTag, ActionAssign, ActionDismiss, ActionSnooze}},
		{types.InboxTypeFlaggedSignal, types.InboxProposed, []Action{ActionTag, ActionAssign, ActionDismiss, ActionSnooze}},
		{types.InboxTypeOrphan, types.InboxProposed, []Action{ActionLink, ActionCreate, ActionDismiss}},
		{types.InboxTypeAmbiguous, types.InboxProposed, []Action{ActionSelect, ActionDismiss}},
		{types.InboxTypeIssue, types.InboxSnoozed, []Action{ActionTag, ActionAssign, ActionDismiss}},
		{types.InboxTypeIssue, types.InboxDismissed, nil},
		{types.InboxTypeOrphan, types.InboxLinkedToIssue, nil},
	}
	for _, tc := range cases {
		got := AvailableInboxActions(tc.itemType, tc.state)
		assert.Equal(t, tc.want, got, "type=%s state=%s", tc.itemType, tc.state)
	}
}
