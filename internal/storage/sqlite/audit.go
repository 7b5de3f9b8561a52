package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/keel/internal/types"
)

// audit appends one audit record attributed to the transaction's write
// context. Runs on the transaction connection, so the record commits or
// rolls back together with the write it describes.
func (t *tx) audit(ctx context.Context, table, rowID, op, beforeJSON, afterJSON, detail string) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO audit_log (table_name, row_id, op, actor, request_id, source, revision, before_json, after_json, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		table, rowID, op, t.wc.Actor, t.wc.RequestID, t.wc.Source, t.wc.Revision,
		beforeJSON, afterJSON, detail, stamp(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", noContextErr(err))
	}
	return nil
}

// auditEntity marshals before/after snapshots and appends the record.
// A nil before means insert; a nil after means delete.
func (t *tx) auditEntity(ctx context.Context, table, rowID, op string, before, after any, detail string) error {
	beforeJSON, err := marshalSnapshot(before)
	if err != nil {
		return err
	}
	afterJSON, err := marshalSnapshot(after)
	if err != nil {
		return err
	}
	return t.audit(ctx, table, rowID, op, beforeJSON, afterJSON, detail)
}

func marshalSnapshot(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit snapshot: %w", err)
	}
	return string(data), nil
}

const auditColumns = `id, table_name, row_id, op, actor, request_id, source, revision, before_json, after_json, detail, created_at`

func scanAuditRecord(rows *sql.Rows) (*types.AuditRecord, error) {
	var rec types.AuditRecord
	var createdAt string
	if err := rows.Scan(&rec.ID, &rec.TableName, &rec.RowID, &rec.Op, &rec.Actor,
		&rec.RequestID, &rec.Source, &rec.Revision, &rec.Before, &rec.After,
		&rec.Detail, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan audit record: %w", err)
	}
	t, err := parseStamp(createdAt)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = t
	return &rec, nil
}

func queryAudit(ctx context.Context, q querier, where string, args ...any) ([]*types.AuditRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_log `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var records []*types.AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AuditForRow returns every audit record for a specific row, oldest
// first.
func (s *Store) AuditForRow(ctx context.Context, table, rowID string) ([]*types.AuditRecord, error) {
	return queryAudit(ctx, s.db, `WHERE table_name = ? AND row_id = ? ORDER BY id`, table, rowID)
}

// AuditByActor returns the most recent writes by an actor.
func (s *Store) AuditByActor(ctx context.Context, actor string, limit int) ([]*types.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryAudit(ctx, s.db, `WHERE actor = ? ORDER BY id DESC LIMIT ?`, actor, limit)
}

// AuditByRequest returns all writes performed under one request id,
// oldest first — the full footprint of a unit of work.
func (s *Store) AuditByRequest(ctx context.Context, requestID string) ([]*types.AuditRecord, error) {
	return queryAudit(ctx, s.db, `WHERE request_id = ? ORDER BY id`, requestID)
}
