package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steveyegge/keel/internal/storage"
	"github.com/steveyegge/keel/internal/types"
)

// CreateSuppressionRule inserts a suppression rule and audits the
// insert. Always called inside the same transaction as the dismissal it
// belongs to.
func (t *tx) CreateSuppressionRule(ctx context.Context, rule *types.SuppressionRule) error {
	if rule.SuppressionKey == "" {
		return fmt.Errorf("suppression rule requires a key")
	}
	if !rule.ItemType.IsValid() {
		return fmt.Errorf("invalid suppression item type: %s", rule.ItemType)
	}
	if !rule.ExpiresAt.After(rule.CreatedAt) {
		return fmt.Errorf("suppression rule must expire after creation")
	}

	res, err := t.conn.ExecContext(ctx, `
		INSERT INTO suppression_rules (suppression_key, item_type, client_id, brand_id, reason, created_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.SuppressionKey, rule.ItemType, rule.ClientID, rule.BrandID,
		rule.Reason, rule.CreatedBy, stamp(rule.CreatedAt), stamp(rule.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to create suppression rule: %w", noContextErr(err))
	}
	if id, err := res.LastInsertId(); err == nil {
		rule.ID = id
	}

	return t.auditEntity(ctx, "suppression_rules", fmt.Sprintf("%d", rule.ID), "insert", nil, rule, "")
}

// LiveSuppressionRule returns the newest non-expired rule for the key.
// Expiry is lazy: expired rows are simply not matched, never deleted by
// the engine.
func (t *tx) LiveSuppressionRule(ctx context.Context, key string, now time.Time) (*types.SuppressionRule, error) {
	row := t.conn.QueryRowContext(ctx, `
		SELECT id, suppression_key, item_type, client_id, brand_id, reason, created_by, created_at, expires_at
		FROM suppression_rules
		WHERE suppression_key = ? AND expires_at > ?
		ORDER BY expires_at DESC LIMIT 1`, key, stamp(now))

	var rule types.SuppressionRule
	var createdAt, expiresAt string
	err := row.Scan(&rule.ID, &rule.SuppressionKey, &rule.ItemType,
		&rule.ClientID, &rule.BrandID, &rule.Reason, &rule.CreatedBy,
		&createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan suppression rule: %w", err)
	}
	if rule.CreatedAt, err = parseStamp(createdAt); err != nil {
		return nil, err
	}
	if rule.ExpiresAt, err = parseStamp(expiresAt); err != nil {
		return nil, err
	}
	return &rule, nil
}
