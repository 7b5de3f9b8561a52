package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/keel/internal/storage"
	"github.com/steveyegge/keel/internal/timeutil"
	"github.com/steveyegge/keel/internal/types"
)

const issueColumns = `id, category, severity, state, client_id, brand_id, engagement_id,
	aggregation_key, evidence, suppressed, escalated, tagged_by, assignee, snoozed_by,
	created_at, updated_at, snoozed_until, suppressed_at, escalated_at,
	regression_watch_until, recovery_seen_at, closed_at`

type issueScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row issueScanner) (*types.Issue, error) {
	var issue types.Issue
	var evidence string
	var suppressed, escalated int
	var createdAt, updatedAt string
	var snoozedUntil, suppressedAt, escalatedAt, watchUntil, recoverySeenAt, closedAt sql.NullString

	err := row.Scan(&issue.ID, &issue.Category, &issue.Severity, &issue.State,
		&issue.ClientID, &issue.BrandID, &issue.EngagementID,
		&issue.AggregationKey, &evidence, &suppressed, &escalated,
		&issue.TaggedBy, &issue.Assignee, &issue.SnoozedBy,
		&createdAt, &updatedAt, &snoozedUntil, &suppressedAt, &escalatedAt,
		&watchUntil, &recoverySeenAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan issue: %w", err)
	}

	if err := json.Unmarshal([]byte(evidence), &issue.Evidence); err != nil {
		return nil, fmt.Errorf("failed to decode evidence for issue %s: %w", issue.ID, err)
	}
	issue.Suppressed = suppressed != 0
	issue.Escalated = escalated != 0

	if issue.CreatedAt, err = parseStamp(createdAt); err != nil {
		return nil, err
	}
	if issue.UpdatedAt, err = parseStamp(updatedAt); err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{snoozedUntil, &issue.SnoozedUntil},
		{suppressedAt, &issue.SuppressedAt},
		{escalatedAt, &issue.EscalatedAt},
		{watchUntil, &issue.RegressionWatchUntil},
		{recoverySeenAt, &issue.RecoverySeenAt},
		{closedAt, &issue.ClosedAt},
	} {
		t, err := parseNullStamp(pair.src)
		if err != nil {
			return nil, err
		}
		*pair.dst = t
	}
	return &issue, nil
}

func getIssue(ctx context.Context, q querier, id string) (*types.Issue, error) {
	row := q.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	return scanIssue(row)
}

func findIssueByAggregationKey(ctx context.Context, q querier, category types.Category, key string) (*types.Issue, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE category = ? AND aggregation_key = ? AND suppressed = 0`, category, key)
	return scanIssue(row)
}

func queryIssues(ctx context.Context, q querier, where string, args ...any) ([]*types.Issue, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var issues []*types.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

var severityOrder = `CASE severity
	WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2
	WHEN 'low' THEN 3 ELSE 4 END`

func listIssues(ctx context.Context, q querier, filter types.IssueFilter) ([]*types.Issue, error) {
	var conds []string
	var args []any

	if len(filter.States) > 0 {
		placeholders := strings.Repeat("?,", len(filter.States))
		conds = append(conds, fmt.Sprintf("state IN (%s)", placeholders[:len(placeholders)-1]))
		for _, s := range filter.States {
			args = append(args, s)
		}
	}
	if filter.Category != nil {
		conds = append(conds, "category = ?")
		args = append(args, *filter.Category)
	}
	if filter.SeverityMin != nil {
		// Severity is ordinal; compare via the CASE rank.
		conds = append(conds, severityOrder+" <= ?")
		args = append(args, 5-filter.SeverityMin.Rank())
	}
	if filter.ClientID != "" {
		conds = append(conds, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.BrandID != "" {
		conds = append(conds, "brand_id = ?")
		args = append(args, filter.BrandID)
	}
	if filter.EngagementID != "" {
		conds = append(conds, "engagement_id = ?")
		args = append(args, filter.EngagementID)
	}
	if !filter.IncludeSuppressed {
		conds = append(conds, "suppressed = 0")
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	where += " ORDER BY " + severityOrder + ", updated_at DESC"
	if filter.Limit > 0 {
		where += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return queryIssues(ctx, q, where, args...)
}

// CreateIssue inserts a new issue and audits the insert.
func (t *tx) CreateIssue(ctx context.Context, issue *types.Issue) error {
	if err := issue.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := timeutil.ValidateOrdering(issue.CreatedAt, issue.UpdatedAt); err != nil {
		return err
	}

	evidence, err := json.Marshal(issue.Evidence)
	if err != nil {
		return fmt.Errorf("failed to encode evidence: %w", err)
	}

	_, err = t.conn.ExecContext(ctx, `
		INSERT INTO issues (`+issueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.Category, issue.Severity, issue.State,
		issue.ClientID, issue.BrandID, issue.EngagementID,
		issue.AggregationKey, string(evidence),
		boolToInt(issue.Suppressed), boolToInt(issue.Escalated),
		issue.TaggedBy, issue.Assignee, issue.SnoozedBy,
		stamp(issue.CreatedAt), stamp(issue.UpdatedAt),
		nullStamp(issue.SnoozedUntil), nullStamp(issue.SuppressedAt),
		nullStamp(issue.EscalatedAt), nullStamp(issue.RegressionWatchUntil),
		nullStamp(issue.RecoverySeenAt), nullStamp(issue.ClosedAt))
	if err != nil {
		return fmt.Errorf("failed to create issue: %w", noContextErr(err))
	}

	return t.auditEntity(ctx, "issues", issue.ID, "insert", nil, issue, "")
}

// UpdateIssue persists the full issue row and audits the change with
// before/after snapshots. detail carries transition context (for
// example the conceptual "resolved" step).
func (t *tx) UpdateIssue(ctx context.Context, issue *types.Issue, detail string) error {
	if err := issue.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	before, err := getIssue(ctx, t.conn, issue.ID)
	if err != nil {
		return err
	}
	if err := timeutil.ValidateOrdering(before.CreatedAt, issue.UpdatedAt); err != nil {
		return err
	}

	evidence, err := json.Marshal(issue.Evidence)
	if err != nil {
		return fmt.Errorf("failed to encode evidence: %w", err)
	}

	_, err = t.conn.ExecContext(ctx, `
		UPDATE issues SET category = ?, severity = ?, state = ?, client_id = ?,
			brand_id = ?, engagement_id = ?, aggregation_key = ?, evidence = ?,
			suppressed = ?, escalated = ?, tagged_by = ?, assignee = ?, snoozed_by = ?,
			updated_at = ?, snoozed_until = ?, suppressed_at = ?, escalated_at = ?,
			regression_watch_until = ?, recovery_seen_at = ?, closed_at = ?
		WHERE id = ?`,
		issue.Category, issue.Severity, issue.State, issue.ClientID,
		issue.BrandID, issue.EngagementID, issue.AggregationKey, string(evidence),
		boolToInt(issue.Suppressed), boolToInt(issue.Escalated),
		issue.TaggedBy, issue.Assignee, issue.SnoozedBy,
		stamp(issue.UpdatedAt), nullStamp(issue.SnoozedUntil),
		nullStamp(issue.SuppressedAt), nullStamp(issue.EscalatedAt),
		nullStamp(issue.RegressionWatchUntil), nullStamp(issue.RecoverySeenAt),
		nullStamp(issue.ClosedAt), issue.ID)
	if err != nil {
		return fmt.Errorf("failed to update issue %s: %w", issue.ID, noContextErr(err))
	}

	return t.auditEntity(ctx, "issues", issue.ID, "update", before, issue, detail)
}

// GetIssue reads an issue within the transaction (read-your-writes).
func (t *tx) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	return getIssue(ctx, t.conn, id)
}

// FindIssueByAggregationKey looks up the live (non-suppressed) issue for
// a (category, aggregation key) pair.
func (t *tx) FindIssueByAggregationKey(ctx context.Context, category types.Category, key string) (*types.Issue, error) {
	issue, err := findIssueByAggregationKey(ctx, t.conn, category, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	return issue, err
}

// IssuesWithExpiredSnooze returns snoozed issues whose timer has
// elapsed. Comparison is done on canonical stamps, so string comparison
// is chronological.
func (t *tx) IssuesWithExpiredSnooze(ctx context.Context, now time.Time) ([]*types.Issue, error) {
	return queryIssues(ctx, t.conn,
		`WHERE snoozed_until IS NOT NULL AND snoozed_until <= ? ORDER BY id`, stamp(now))
}

// IssuesWithExpiredWatch returns regression-watch issues whose window
// has elapsed without recurrence.
func (t *tx) IssuesWithExpiredWatch(ctx context.Context, now time.Time) ([]*types.Issue, error) {
	return queryIssues(ctx, t.conn,
		`WHERE state = 'regression_watch' AND regression_watch_until <= ? ORDER BY id`, stamp(now))
}
