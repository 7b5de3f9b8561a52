package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/keel/internal/agg"
	"github.com/steveyegge/keel/internal/storage"
	"github.com/steveyegge/keel/internal/storage/sqlite"
	"github.com/steveyegge/keel/internal/types"
	"github.com/steveyegge/keel/internal/writectx"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := sqlite.New(context.Background(), t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, nil)
}

func testWC() writectx.Context {
	return writectx.New("tester", "unit-test", "abc123")
}

// setClock pins the engine clock and returns a function to advance it.
func setClock(e *Engine, start time.Time) func(d time.Duration) {
	now := start
	e.clock = func() time.Time { return now }
	return func(d time.Duration) { now = now.Add(d) }
}

func testFinding() Finding {
	return Finding{
		Category: types.CategoryFinancial,
		Scope:    agg.Scope{ClientID: "C1", Discriminator: "I1"},
		Severity: types.SeverityMedium,
		Title:    "Invoice I1 overdue",
		Evidence: types.Evidence{Source: "invoice-detector", Detail: "30 days overdue"},
	}
}

func TestUpsertFindingCreatesAndDedupes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	issue, created, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.IssueSurfaced, issue.State, "medium severity crosses the surfacing threshold")
	assert.Len(t, issue.Evidence, 1)

	again, created, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, issue.ID, again.ID)
	assert.Len(t, again.Evidence, 2)

	// A different discriminator is a different problem.
	other := testFinding()
	other.Scope.Discriminator = "I2"
	third, created, err := e.UpsertFinding(ctx, wc, other)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, issue.ID, third.ID)
}

func TestUpsertFindingSeverityMonotonic(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	f := testFinding()
	f.Severity = types.SeverityHigh
	issue, _, err := e.UpsertFinding(ctx, wc, f)
	require.NoError(t, err)
	require.Equal(t, types.SeverityHigh, issue.Severity)

	// Lower severity holds.
	f.Severity = types.SeverityLow
	issue, _, err = e.UpsertFinding(ctx, wc, f)
	require.NoError(t, err)
	assert.Equal(t, types.SeverityHigh, issue.Severity)

	// Recovery evidence recomputes and may lower it.
	f.Severity = types.SeverityLow
	f.Evidence.Recovery = true
	issue, _, err = e.UpsertFinding(ctx, wc, f)
	require.NoError(t, err)
	assert.Equal(t, types.SeverityLow, issue.Severity)
	assert.NotNil(t, issue.RecoverySeenAt)
}

func TestUpsertFindingLowSeverityStaysDetected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	f := testFinding()
	f.Severity = types.SeverityInfo
	issue, _, err := e.UpsertFinding(ctx, wc, f)
	require.NoError(t, err)
	assert.Equal(t, types.IssueDetected, issue.State)

	// The third piece of evidence crosses the count threshold even
	// below the severity floor.
	_, _, err = e.UpsertFinding(ctx, wc, f)
	require.NoError(t, err)
	issue, _, err = e.UpsertFinding(ctx, wc, f)
	require.NoError(t, err)
	assert.Equal(t, types.IssueSurfaced, issue.State)
}

func TestUpsertFindingProposesInboxItem(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	issue, _, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)

	items, err := e.Store().ListInboxItems(ctx, types.InboxFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.InboxTypeIssue, items[0].Type)
	assert.Equal(t, issue.ID, items[0].UnderlyingIssueID)
	assert.Equal(t, "Invoice I1 overdue", items[0].Title)
	assert.NotEmpty(t, items[0].SuppressionKey)

	// Re-upserting an already-surfaced issue does not re-propose.
	_, _, err = e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)
	items, err = e.Store().ListInboxItems(ctx, types.InboxFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestIssueLifecycleFullWalk(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()
	advance := setClock(e, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	issue, _, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)
	require.Equal(t, types.IssueSurfaced, issue.State)

	issue, err = e.TagIssue(ctx, wc, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IssueAcknowledged, issue.State)
	assert.Equal(t, "tester", issue.TaggedBy)

	issue, err = e.AssignIssue(ctx, wc, issue.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.IssueAddressing, issue.State)
	assert.Equal(t, "alice", issue.Assignee)

	issue, err = e.MarkAwaitingResolution(ctx, wc, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IssueAwaitingResolution, issue.State)

	issue, err = e.ResolveIssue(ctx, wc, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IssueRegressionWatch, issue.State)
	require.NotNil(t, issue.RegressionWatchUntil)

	// The audit trail carries the conceptual resolved step even though
	// no persisted row ever held it.
	records, err := e.Store().AuditForRow(ctx, "issues", issue.ID)
	require.NoError(t, err)
	var sawResolved bool
	for _, r := range records {
		if r.Detail == "resolved" {
			sawResolved = true
		}
	}
	assert.True(t, sawResolved)

	// Quiet window elapses; the watch closes the issue.
	advance(91 * 24 * time.Hour)
	n, err := e.ExpireRegressionWatch(ctx, wc, e.clock())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	issue, err = e.Store().GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IssueClosed, issue.State)
	assert.NotNil(t, issue.ClosedAt)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	issue, _, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)

	// Assign before tag is out of order.
	_, err = e.AssignIssue(ctx, wc, issue.ID, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	// Resolve straight from surfaced is out of order.
	_, err = e.ResolveIssue(ctx, wc, issue.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	// The rejected attempts left no audit trace beyond the insert.
	records, err := e.Store().AuditForRow(ctx, "issues", issue.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestResolveRequiresAwaitingResolution(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	issue, _, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)
	_, err = e.TagIssue(ctx, wc, issue.ID)
	require.NoError(t, err)
	_, err = e.AssignIssue(ctx, wc, issue.ID, "alice")
	require.NoError(t, err)

	// Addressing must pass through awaiting_resolution before resolve.
	_, err = e.ResolveIssue(ctx, wc, issue.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	assert.NotContains(t, AvailableIssueActions(types.IssueAddressing, false), ActionResolve)

	_, err = e.MarkAwaitingResolution(ctx, wc, issue.ID)
	require.NoError(t, err)
	issue, err = e.ResolveIssue(ctx, wc, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IssueRegressionWatch, issue.State)
}

func TestRegressionReentersTriage(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	issue, _, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)
	_, err = e.TagIssue(ctx, wc, issue.ID)
	require.NoError(t, err)
	_, err = e.AssignIssue(ctx, wc, issue.ID, "alice")
	require.NoError(t, err)
	_, err = e.ResolveIssue(ctx, wc, issue.ID)
	require.NoError(t, err)

	// The detector fires again inside the watch window.
	issue, created, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)
	assert.False(t, created, "recurrence folds into the watched issue")
	assert.Equal(t, types.IssueRegressed, issue.State)
	assert.Nil(t, issue.RegressionWatchUntil)

	// Tagger survives regression: the original is kept.
	issue, err = e.TagIssue(ctx, wc, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "tester", issue.TaggedBy)
}

func TestRecoveryEvidenceDoesNotRegress(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	issue, _, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)
	_, err = e.TagIssue(ctx, wc, issue.ID)
	require.NoError(t, err)
	_, err = e.AssignIssue(ctx, wc, issue.ID, "alice")
	require.NoError(t, err)
	_, err = e.ResolveIssue(ctx, wc, issue.ID)
	require.NoError(t, err)

	f := testFinding()
	f.Severity = types.SeverityInfo
	f.Evidence.Recovery = true
	issue, _, err = e.UpsertFinding(ctx, wc, f)
	require.NoError(t, err)
	assert.Equal(t, types.IssueRegressionWatch, issue.State, "recovery reads confirm the fix, not a regression")
}

func TestSnoozeAndSweep(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()
	advance := setClock(e, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	issue, _, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)

	until := e.clock().Add(48 * time.Hour)
	issue, err = e.SnoozeIssue(ctx, wc, issue.ID, until, "waiting on client call")
	require.NoError(t, err)
	assert.Equal(t, types.IssueSurfaced, issue.State, "snooze is a flag, not a state")
	require.NotNil(t, issue.SnoozedUntil)
	assert.Equal(t, "tester", issue.SnoozedBy)

	// Sweep before expiry touches nothing.
	n, err := e.ExpireSnoozes(ctx, wc, e.clock())
	require.NoError(t, err)
	assert.Zero(t, n)

	advance(72 * time.Hour)
	n, err = e.ExpireSnoozes(ctx, wc, e.clock())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	issue, err = e.Store().GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Nil(t, issue.SnoozedUntil)
	assert.Empty(t, issue.SnoozedBy)

	// Re-running the sweep is a no-op.
	n, err = e.ExpireSnoozes(ctx, wc, e.clock())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSnoozeRequiresFutureTime(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	issue, _, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)

	_, err = e.SnoozeIssue(ctx, wc, issue.ID, e.clock().Add(-time.Hour), "")
	assert.Error(t, err)
}

func TestSuppressedIssueAdmitsOnlyUnsuppress(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	issue, _, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)

	issue, err = e.SuppressIssue(ctx, wc, issue.ID)
	require.NoError(t, err)
	assert.True(t, issue.Suppressed)
	assert.Equal(t, []Action{ActionUnsuppress}, AvailableIssueActions(issue.State, issue.Suppressed))

	_, err = e.TagIssue(ctx, wc, issue.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	issue, err = e.UnsuppressIssue(ctx, wc, issue.ID)
	require.NoError(t, err)
	assert.False(t, issue.Suppressed)

	_, err = e.TagIssue(ctx, wc, issue.ID)
	assert.NoError(t, err)
}

func TestSuppressFreesAggregationKey(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	issue, _, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)
	_, err = e.SuppressIssue(ctx, wc, issue.ID)
	require.NoError(t, err)

	// The same finding now creates a fresh issue.
	fresh, created, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, issue.ID, fresh.ID)
}

func TestEscalateIsOrthogonalAndSticky(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wc := testWC()

	issue, _, err := e.UpsertFinding(ctx, wc, testFinding())
	require.NoError(t, err)

	issue, err = e.EscalateIssue(ctx, wc, issue.ID)
	require.NoError(t, err)
	assert.True(t, issue.Escalated)
	assert.Equal(t, types.IssueSurfaced, issue.State)

	issue, err = e.Store().GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	first := issue.EscalatedAt

	_, err = e.EscalateIssue(ctx, wc, issue.ID)
	require.NoError(t, err)
	issue, err = e.Store().GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, first, issue.EscalatedAt)
}

func TestAvailableIssueActionsTable(t *testing.T) {
	cases := []struct {
		state      types.IssueState
		suppressed bool
		want       []Action
	}{
		{types.IssueDetected, false, []Action{ActionSuppress}},
		{types.IssueSurfaced, false, []Action{ActionTag, ActionSnooze, ActionSuppress, ActionEscalate}},
		{types.IssueAcknowledged, false, []Action{ActionAssign, ActionSuppress, ActionEscalate}},
		{types.IssueAddressing, false, []Action{ActionMarkAwaiting, ActionSuppress, ActionEscalate}},
		{types.IssueAwaitingResolution, false, []Action{ActionResolve, ActionSuppress, ActionEscalate}},
		{types.IssueRegressionWatch, false, []Action{ActionSuppress}},
		{types.IssueRegressed, false, []Action{ActionTag, ActionSnooze, ActionSuppress, ActionEscalate}},
		{types.IssueClosed, false, nil},
		{types.IssueAddressing, true, []Action{ActionUnsuppress}},
	}
	for _, tc := range cases {
		got := AvailableIssueActions(tc.state, tc.suppressed)
		assert.Equal(t, tc.want, got, "state=%s suppressed=%v", tc.state, tc.suppressed)
	}
}
