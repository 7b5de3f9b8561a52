package lifecycle

import (
	"context"
	"time"

	"github.com/steveyegge/keel/internal/debug"
	"github.com/steveyegge/keel/internal/storage"
	"github.com/steveyegge/keel/internal/types"
	"github.com/steveyegge/keel/internal/writectx"
)

// ExpireSnoozes clears expired issue snoozes and resurfaces expired
// inbox snoozes, resetting the item's attention age to now. Re-running
// with the same clock is a no-op: expiry queries only match rows still
// carrying a past-due snooze. Returns the number of rows transitioned.
func (e *Engine) ExpireSnoozes(ctx context.Context, wc writectx.Context, now time.Time) (int, error) {
	var applied int
	err := e.store.WithContext(ctx, wc, func(tx storage.Tx) error {
		issues, err := tx.IssuesWithExpiredSnooze(ctx, now)
		if err != nil {
			return err
		}
		for _, issue := range issues {
			issue.SnoozedUntil = nil
			issue.SnoozedBy = ""
			issue.UpdatedAt = now
			if err := tx.UpdateIssue(ctx, issue, "snooze_expired"); err != nil {
				return err
			}
			applied++
		}

		items, err := tx.InboxItemsWithExpiredSnooze(ctx, now)
		if err != nil {
			return err
		}
		for _, item := range items {
			resurfaced := now
			item.State = types.InboxProposed
			item.ResurfacedAt = &resurfaced
			item.SnoozeUntil = nil
			item.SnoozedBy = ""
			item.SnoozeReason = ""
			if err := tx.UpdateInboxItem(ctx, item, "resurfaced"); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.countSweep(ctx, applied)
	return applied, nil
}

// ExpireRegressionWatch closes issues whose watch window has elapsed
// without recurrence. Recurrence inside the window never reaches here;
// UpsertFinding regresses the issue first, which removes it from the
// expiry query. Returns the number of issues closed.
func (e *Engine) ExpireRegressionWatch(ctx context.Context, wc writectx.Context, now time.Time) (int, error) {
	var applied int
	err := e.store.WithContext(ctx, wc, func(tx storage.Tx) error {
		issues, err := tx.IssuesWithExpiredWatch(ctx, now)
		if err != nil {
			return err
		}
		for _, issue := range issues {
			closed := now
			issue.State = types.IssueClosed
			issue.ClosedAt = &closed
			issue.UpdatedAt = now
			if err := tx.UpdateIssue(ctx, issue, "watch_expired"); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.countSweep(ctx, applied)
	return applied, nil
}

func (e *Engine) countSweep(ctx context.Context, applied int) {
	if applied == 0 {
		e.sweepNoop.Add(ctx, 1)
		return
	}
	e.sweepExpired.Add(ctx, int64(applied))
	debug.Logf("sweep applied %d transitions", applied)
}
