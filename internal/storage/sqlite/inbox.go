package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/keel/internal/storage"
	"github.com/steveyegge/keel/internal/timeutil"
	"github.com/steveyegge/keel/internal/types"
)

const inboxColumns = `id, type, state, severity, title, summary,
	underlying_issue_id, underlying_signal_id, client_id, brand_id,
	proposed_at, resurfaced_at, read_at, resolved_at, resolved_issue_id,
	resolution_reason, dismissed_at, dismissed_by, suppression_key,
	snooze_until, snoozed_by, snooze_reason`

func scanInboxItem(row issueScanner) (*types.InboxItem, error) {
	var item types.InboxItem
	var underlyingIssue, underlyingSignal sql.NullString
	var proposedAt string
	var resurfacedAt, readAt, resolvedAt, dismissedAt, snoozeUntil sql.NullString

	err := row.Scan(&item.ID, &item.Type, &item.State, &item.Severity,
		&item.Title, &item.Summary, &underlyingIssue, &underlyingSignal,
		&item.ClientID, &item.BrandID, &proposedAt, &resurfacedAt, &readAt,
		&resolvedAt, &item.ResolvedIssueID, &item.ResolutionReason,
		&dismissedAt, &item.DismissedBy, &item.SuppressionKey,
		&snoozeUntil, &item.SnoozedBy, &item.SnoozeReason)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan inbox item: %w", err)
	}

	item.UnderlyingIssueID = underlyingIssue.String
	item.UnderlyingSignalID = underlyingSignal.String

	if item.ProposedAt, err = parseStamp(proposedAt); err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{resurfacedAt, &item.ResurfacedAt},
		{readAt, &item.ReadAt},
		{resolvedAt, &item.ResolvedAt},
		{dismissedAt, &item.DismissedAt},
		{snoozeUntil, &item.SnoozeUntil},
	} {
		t, err := parseNullStamp(pair.src)
		if err != nil {
			return nil, err
		}
		*pair.dst = t
	}
	return &item, nil
}

func getInboxItem(ctx context.Context, q querier, id string) (*types.InboxItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+inboxColumns+` FROM inbox_items WHERE id = ?`, id)
	return scanInboxItem(row)
}

func queryInboxItems(ctx context.Context, q querier, where string, args ...any) ([]*types.InboxItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+inboxColumns+` FROM inbox_items `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query inbox items: %w", err)
	}
	defer rows.Close()

	var items []*types.InboxItem
	for rows.Next() {
		item, err := scanInboxItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func listInboxItems(ctx context.Context, q querier, filter types.InboxFilter) ([]*types.InboxItem, error) {
	var conds []string
	var args []any

	if len(filter.Types) > 0 {
		placeholders := strings.Repeat("?,", len(filter.Types))
		conds = append(conds, fmt.Sprintf("type IN (%s)", placeholders[:len(placeholders)-1]))
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if len(filter.States) > 0 {
		placeholders := strings.Repeat("?,", len(filter.States))
		conds = append(conds, fmt.Sprintf("state IN (%s)", placeholders[:len(placeholders)-1]))
		for _, s := range filter.States {
			args = append(args, s)
		}
	} else if !filter.Recent {
		// Default listings exclude terminal items; the recent view keeps
		// them queryable.
		conds = append(conds, "state NOT IN ('linked_to_issue','dismissed')")
	}
	if filter.ClientID != "" {
		conds = append(conds, "client_id = ?")
		args = append(args, filter.ClientID)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	// attention_age_start_at ordering: resurfaced_at ?? proposed_at,
	// oldest first — longest-waiting items surface at the top. Canonical
	// stamps make COALESCE + string comparison chronological.
	where += " ORDER BY COALESCE(resurfaced_at, proposed_at)"
	if filter.Limit > 0 {
		where += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return queryInboxItems(ctx, q, where, args...)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateInboxItem inserts a new proposal and audits the insert. Callers
// are expected to have checked suppression first; the engine does.
func (t *tx) CreateInboxItem(ctx context.Context, item *types.InboxItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO inbox_items (`+inboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Type, item.State, item.Severity, item.Title, item.Summary,
		nullIfEmpty(item.UnderlyingIssueID), nullIfEmpty(item.UnderlyingSignalID),
		item.ClientID, item.BrandID,
		stamp(item.ProposedAt), nullStamp(item.ResurfacedAt), nullStamp(item.ReadAt),
		nullStamp(item.ResolvedAt), item.ResolvedIssueID, string(item.ResolutionReason),
		nullStamp(item.DismissedAt), item.DismissedBy, item.SuppressionKey,
		nullStamp(item.SnoozeUntil), item.SnoozedBy, item.SnoozeReason)
	if err != nil {
		return fmt.Errorf("failed to create inbox item: %w", noContextErr(err))
	}

	return t.auditEntity(ctx, "inbox_items", item.ID, "insert", nil, item, "")
}

// UpdateInboxItem persists the full item row and audits the change.
// proposed_at is immutable: the stored value always wins over whatever
// the caller passed.
func (t *tx) UpdateInboxItem(ctx context.Context, item *types.InboxItem, detail string) error {
	before, err := getInboxItem(ctx, t.conn, item.ID)
	if err != nil {
		return err
	}
	item.ProposedAt = before.ProposedAt

	if err := item.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := timeutil.ValidateOrdering(before.ProposedAt); err != nil {
		return err
	}

	_, err = t.conn.ExecContext(ctx, `
		UPDATE inbox_items SET type = ?, state = ?, severity = ?, title = ?, summary = ?,
			underlying_issue_id = ?, underlying_signal_id = ?, client_id = ?, brand_id = ?,
			resurfaced_at = ?, read_at = ?, resolved_at = ?, resolved_issue_id = ?,
			resolution_reason = ?, dismissed_at = ?, dismissed_by = ?, suppression_key = ?,
			snooze_until = ?, snoozed_by = ?, snooze_reason = ?
		WHERE id = ?`,
		item.Type, item.State, item.Severity, item.Title, item.Summary,
		nullIfEmpty(item.UnderlyingIssueID), nullIfEmpty(item.UnderlyingSignalID),
		item.ClientID, item.BrandID,
		nullStamp(item.ResurfacedAt), nullStamp(item.ReadAt),
		nullStamp(item.ResolvedAt), item.ResolvedIssueID, string(item.ResolutionReason),
		nullStamp(item.DismissedAt), item.DismissedBy, item.SuppressionKey,
		nullStamp(item.SnoozeUntil), item.SnoozedBy, item.SnoozeReason, item.ID)
	if err != nil {
		return fmt.Errorf("failed to update inbox item %s: %w", item.ID, noContextErr(err))
	}

	return t.auditEntity(ctx, "inbox_items", item.ID, "update", before, item, detail)
}

// GetInboxItem reads an inbox item within the transaction.
func (t *tx) GetInboxItem(ctx context.Context, id string) (*types.InboxItem, error) {
	return getInboxItem(ctx, t.conn, id)
}

// InboxItemsWithExpiredSnooze returns snoozed items whose timer has
// elapsed.
func (t *tx) InboxItemsWithExpiredSnooze(ctx context.Context, now time.Time) ([]*types.InboxItem, error) {
	return queryInboxItems(ctx, t.conn,
		`WHERE state = 'snoozed' AND snooze_until <= ? ORDER BY id`, stamp(now))
}
