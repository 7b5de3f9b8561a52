package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/steveyegge/keel/internal/debug"
	"github.com/steveyegge/keel/internal/storage"
	"github.com/steveyegge/keel/internal/timeutil"
	"github.com/steveyegge/keel/internal/writectx"
)

// Verify tx implements storage.Tx at compile time.
var _ storage.Tx = (*tx)(nil)

// tx is the write surface handed to WithContext callbacks. It wraps a
// dedicated connection holding an open IMMEDIATE transaction with the
// write context registered in the guard table.
type tx struct {
	conn *sql.Conn
	wc   writectx.Context
}

// WithContext runs fn inside a single database transaction attributed
// to wc.
//
// Lifecycle:
//  1. Validate wc (fail-closed before touching the database).
//  2. Acquire a dedicated connection, BEGIN IMMEDIATE with retry on
//     SQLITE_BUSY.
//  3. Register wc in the write_guard table so the guard triggers accept
//     writes from this transaction.
//  4. Run fn; every mutation through the Tx appends its audit record.
//  5. Clear the guard row and COMMIT; on error or panic, ROLLBACK
//     discards everything including the guard row.
func (s *Store) WithContext(ctx context.Context, wc writectx.Context, fn func(tx storage.Tx) error) error {
	if err := wc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrNoWriteContext, err)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediate(ctx, conn); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback runs even if ctx is done.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	_, err = conn.ExecContext(ctx, `
		INSERT INTO write_guard (slot, actor, request_id, source, revision, acquired_at)
		VALUES (1, ?, ?, ?, ?, ?)`,
		wc.Actor, wc.RequestID, wc.Source, wc.Revision, stamp(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to register write context: %w", err)
	}
	debug.Logf("write context %s registered (actor=%s source=%s)", wc.RequestID, wc.Actor, wc.Source)

	if err := fn(&tx{conn: conn, wc: wc}); err != nil {
		return err // rollback happens in defer
	}

	// The guard row is transaction-scoped; remove it before commit so no
	// context lingers for the next writer.
	if _, err := conn.ExecContext(ctx, `DELETE FROM write_guard WHERE slot = 1`); err != nil {
		return fmt.Errorf("failed to clear write context: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// SetMaintenanceMode toggles the guard suspension flag. The flip itself
// is audited with the acting context, so bulk-maintenance windows are
// traceable end to end.
func (s *Store) SetMaintenanceMode(ctx context.Context, wc writectx.Context, on bool) error {
	return s.WithContext(ctx, wc, func(t storage.Tx) error {
		tt := t.(*tx)
		now := time.Now()
		var before int
		if err := tt.conn.QueryRowContext(ctx, `SELECT enabled FROM maintenance_mode WHERE slot = 1`).Scan(&before); err != nil {
			return fmt.Errorf("failed to read maintenance mode: %w", err)
		}
		_, err := tt.conn.ExecContext(ctx, `
			UPDATE maintenance_mode SET enabled = ?, changed_by = ?, changed_at = ? WHERE slot = 1`,
			boolToInt(on), wc.Actor, stamp(now))
		if err != nil {
			return fmt.Errorf("failed to set maintenance mode: %w", err)
		}
		return tt.audit(ctx, "maintenance_mode", "1", "flag",
			fmt.Sprintf(`{"enabled":%d}`, before),
			fmt.Sprintf(`{"enabled":%d}`, boolToInt(on)),
			fmt.Sprintf("maintenance mode %v", on))
	})
}

// beginImmediate starts an IMMEDIATE transaction, retrying with
// exponential backoff while another writer holds the lock.
func beginImmediate(ctx context.Context, conn *sql.Conn) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "busy") || strings.Contains(msg, "locked") {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// noContextErr maps a guard-trigger abort to the typed sentinel.
func noContextErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "no active write context") {
		return fmt.Errorf("%w: %v", storage.ErrNoWriteContext, err)
	}
	return err
}

// nowStamp returns the current canonical timestamp. Split out for
// readability at call sites writing several marker fields at once.
func nowStamp() string {
	return timeutil.Stamp(time.Now())
}
