package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/steveyegge/keel/internal/storage"
	"github.com/steveyegge/keel/internal/types"
)

const engagementColumns = `id, name, type, state, client_id, brand_id,
	linking_coverage_ok, trigger_evidence, created_at, updated_at,
	delivered_at, completed_at`

func scanEngagement(row issueScanner) (*types.Engagement, error) {
	var eng types.Engagement
	var coverageOK int
	var createdAt, updatedAt string
	var deliveredAt, completedAt sql.NullString

	err := row.Scan(&eng.ID, &eng.Name, &eng.Type, &eng.State,
		&eng.ClientID, &eng.BrandID, &coverageOK, &eng.TriggerEvidence,
		&createdAt, &updatedAt, &deliveredAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan engagement: %w", err)
	}

	eng.LinkingCoverageOK = coverageOK != 0
	if eng.CreatedAt, err = parseStamp(createdAt); err != nil {
		return nil, err
	}
	if eng.UpdatedAt, err = parseStamp(updatedAt); err != nil {
		return nil, err
	}
	if eng.DeliveredAt, err = parseNullStamp(deliveredAt); err != nil {
		return nil, err
	}
	if eng.CompletedAt, err = parseNullStamp(completedAt); err != nil {
		return nil, err
	}
	return &eng, nil
}

func getEngagement(ctx context.Context, q querier, id string) (*types.Engagement, error) {
	row := q.QueryRowContext(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE id = ?`, id)
	return scanEngagement(row)
}

func listEngagements(ctx context.Context, q querier, filter types.EngagementFilter) ([]*types.Engagement, error) {
	var conds []string
	var args []any

	if len(filter.States) > 0 {
		placeholders := strings.Repeat("?,", len(filter.States))
		conds = append(conds, fmt.Sprintf("state IN (%s)", placeholders[:len(placeholders)-1]))
		for _, s := range filter.States {
			args = append(args, s)
		}
	}
	if filter.ClientID != "" {
		conds = append(conds, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.Type != nil {
		conds = append(conds, "type = ?")
		args = append(args, *filter.Type)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	where += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		where += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, `SELECT `+engagementColumns+` FROM engagements `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query engagements: %w", err)
	}
	defer rows.Close()

	var engs []*types.Engagement
	for rows.Next() {
		eng, err := scanEngagement(rows)
		if err != nil {
			return nil, err
		}
		engs = append(engs, eng)
	}
	return engs, rows.Err()
}

func engagementTrail(ctx context.Context, q querier, engagementID string) ([]*types.EngagementTransition, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, engagement_id, from_state, to_state, trigger_name, at
		FROM engagement_transitions WHERE engagement_id = ? ORDER BY id`, engagementID)
	if err != nil {
		return nil, fmt.Errorf("failed to query engagement trail: %w", err)
	}
	defer rows.Close()

	var trail []*types.EngagementTransition
	for rows.Next() {
		var tr types.EngagementTransition
		var at string
		if err := rows.Scan(&tr.ID, &tr.EngagementID, &tr.FromState, &tr.ToState, &tr.Trigger, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		if tr.At, err = parseStamp(at); err != nil {
			return nil, err
		}
		trail = append(trail, &tr)
	}
	return trail, rows.Err()
}

// CreateEngagement inserts a new engagement and audits the insert.
func (t *tx) CreateEngagement(ctx context.Context, eng *types.Engagement) error {
	if err := eng.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO engagements (`+engagementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		eng.ID, eng.Name, eng.Type, eng.State, eng.ClientID, eng.BrandID,
		boolToInt(eng.LinkingCoverageOK), eng.TriggerEvidence,
		stamp(eng.CreatedAt), stamp(eng.UpdatedAt),
		nullStamp(eng.DeliveredAt), nullStamp(eng.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create engagement: %w", noContextErr(err))
	}

	return t.auditEntity(ctx, "engagements", eng.ID, "insert", nil, eng, "")
}

// UpdateEngagement persists the full engagement row and audits the
// change.
func (t *tx) UpdateEngagement(ctx context.Context, eng *types.Engagement, detail string) error {
	if err := eng.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	before, err := getEngagement(ctx, t.conn, eng.ID)
	if err != nil {
		return err
	}

	_, err = t.conn.ExecContext(ctx, `
		UPDATE engagements SET name = ?, type = ?, state = ?, client_id = ?, brand_id = ?,
			linking_coverage_ok = ?, trigger_evidence = ?, updated_at = ?,
			delivered_at = ?, completed_at = ?
		WHERE id = ?`,
		eng.Name, eng.Type, eng.State, eng.ClientID, eng.BrandID,
		boolToInt(eng.LinkingCoverageOK), eng.TriggerEvidence, stamp(eng.UpdatedAt),
		nullStamp(eng.DeliveredAt), nullStamp(eng.CompletedAt), eng.ID)
	if err != nil {
		return fmt.Errorf("failed to update engagement %s: %w", eng.ID, noContextErr(err))
	}

	return t.auditEntity(ctx, "engagements", eng.ID, "update", before, eng, detail)
}

// GetEngagement reads an engagement within the transaction.
func (t *tx) GetEngagement(ctx context.Context, id string) (*types.Engagement, error) {
	return getEngagement(ctx, t.conn, id)
}

// AppendEngagementTransition appends one row to the engagement's own
// transition trail. The trail is separate from the audit log so
// heuristic tuning can be analyzed without attribution noise.
func (t *tx) AppendEngagementTransition(ctx context.Context, tr *types.EngagementTransition) error {
	res, err := t.conn.ExecContext(ctx, `
		INSERT INTO engagement_transitions (engagement_id, from_state, to_state, trigger_name, at)
		VALUES (?, ?, ?, ?, ?)`,
		tr.EngagementID, tr.FromState, tr.ToState, tr.Trigger, stamp(tr.At))
	if err != nil {
		return fmt.Errorf("failed to append engagement transition: %w", noContextErr(err))
	}
	if id, err := res.LastInsertId(); err == nil {
		tr.ID = id
	}
	return nil
}
