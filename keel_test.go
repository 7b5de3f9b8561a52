package keel_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/steveyegge/keel"
)

func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "keel.db")

	ctx := context.Background()
	store, err := keel.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if store == nil {
		t.Error("expected non-nil storage")
	}
}

func TestEndToEndThroughFacade(t *testing.T) {
	ctx := context.Background()
	store, err := keel.Open(ctx, filepath.Join(t.TempDir(), "keel.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	engine := keel.NewEngine(store, nil)
	wc := keel.NewWriteContext("tester", "facade-test", "abc123")

	issue, created, err := engine.UpsertFinding(ctx, wc, keel.Finding{
		Category: keel.CategoryFinancial,
		Scope:    keel.Scope{ClientID: "C1", Discriminator: "I1"},
		Severity: keel.SeverityHigh,
		Title:    "Invoice I1 overdue",
		Evidence: keel.Evidence{Source: "invoice-detector"},
	})
	if err != nil {
		t.Fatalf("UpsertFinding failed: %v", err)
	}
	if !created {
		t.Error("expected a fresh issue")
	}

	issue, err = engine.TagIssue(ctx, wc, issue.ID)
	if err != nil {
		t.Fatalf("TagIssue failed: %v", err)
	}
	if issue.State != keel.IssueAcknowledged {
		t.Errorf("state = %q, want %q", issue.State, keel.IssueAcknowledged)
	}

	records, err := store.AuditForRow(ctx, "issues", issue.ID)
	if err != nil {
		t.Fatalf("AuditForRow failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("audit records = %d, want 2", len(records))
	}
}

func TestConstants(t *testing.T) {
	if keel.IssueSurfaced != "surfaced" {
		t.Errorf("IssueSurfaced = %q, want %q", keel.IssueSurfaced, "surfaced")
	}
	if keel.IssueAwaitingResolution != "awaiting_resolution" {
		t.Errorf("IssueAwaitingResolution = %q, want %q", keel.IssueAwaitingResolution, "awaiting_resolution")
	}
	if keel.CategoryScheduleDelivery != "schedule_delivery" {
		t.Errorf("CategoryScheduleDelivery = %q, want %q", keel.CategoryScheduleDelivery, "schedule_delivery")
	}
	if keel.SeverityCritical != "critical" {
		t.Errorf("SeverityCritical = %q, want %q", keel.SeverityCritical, "critical")
	}
}

func TestAvailableActionsExposed(t *testing.T) {
	actions := keel.AvailableIssueActions(keel.IssueSurfaced, false)
	if len(actions) == 0 {
		t.Error("surfaced issues should admit actions")
	}
	if got := keel.AvailableIssueActions(keel.IssueSurfaced, true); len(got) != 1 {
		t.Errorf("suppressed issues should admit exactly unsuppress, got %v", got)
	}
	if got := keel.AvailableInboxActions("ambiguous", "dismissed"); got != nil {
		t.Errorf("terminal inbox items should admit nothing, got %v", got)
	}
}
