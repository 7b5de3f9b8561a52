package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/steveyegge/keel/internal/types"
	"github.com/steveyegge/keel/internal/writectx"
)

// newTestStore creates a Store backed by a temp-dir database. File-based
// databases are more reliable than in-memory for connection pool
// scenarios, and t.TempDir gives each test its own isolated file.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()
	store, err := New(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})

	return store
}

func testContext() writectx.Context {
	return writectx.Context{
		Actor:     "tester@example.com",
		RequestID: writectx.NewRequestID(),
		Source:    "test",
		Revision:  "dev",
	}
}

func testIssue(id string) *types.Issue {
	now := time.Now()
	return &types.Issue{
		ID:             id,
		Category:       types.CategoryFinancial,
		Severity:       types.SeverityMedium,
		State:          types.IssueSurfaced,
		ClientID:       "C1",
		AggregationKey: "agg_" + id,
		Evidence: []types.Evidence{
			{At: now, Source: "detector", Detail: "overdue invoice"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testInboxItem(id string) *types.InboxItem {
	return &types.InboxItem{
		ID:                id,
		Type:              types.InboxTypeIssue,
		State:             types.InboxProposed,
		Severity:          types.SeverityMedium,
		Title:             "Overdue invoice",
		UnderlyingIssueID: "op-underlying",
		ClientID:          "C1",
		ProposedAt:        time.Now(),
	}
}
