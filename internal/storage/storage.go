// Package storage defines the storage interface for the keel engine.
//
// The concrete implementation lives in the sqlite sub-package. Consumers
// depend on these interfaces so alternative implementations (mocks,
// proxies) can be substituted.
//
// Every mutation goes through WithContext: the store opens one database
// transaction, registers the supplied write context so storage-level
// guards accept writes, runs the callback, and appends one audit record
// per accepted write in the same transaction. There is no mutation path
// that bypasses this.
package storage

import (
	"context"
	"time"

	"github.com/steveyegge/keel/internal/types"
	"github.com/steveyegge/keel/internal/writectx"
)

// Storage is the interface satisfied by *sqlite.Store.
type Storage interface {
	// WithContext runs fn inside a single transaction attributed to wc.
	// All writes performed through tx are audited; if fn returns an
	// error or panics, nothing is applied.
	WithContext(ctx context.Context, wc writectx.Context, fn func(tx Tx) error) error

	// SetMaintenanceMode toggles the flag that suspends the
	// write-context guard for bulk operations. The toggle itself is an
	// audited write attributed to wc.
	SetMaintenanceMode(ctx context.Context, wc writectx.Context, on bool) error

	// Read projections (no write context required).
	GetIssue(ctx context.Context, id string) (*types.Issue, error)
	ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error)
	GetInboxItem(ctx context.Context, id string) (*types.InboxItem, error)
	ListInboxItems(ctx context.Context, filter types.InboxFilter) ([]*types.InboxItem, error)
	GetEngagement(ctx context.Context, id string) (*types.Engagement, error)
	ListEngagements(ctx context.Context, filter types.EngagementFilter) ([]*types.Engagement, error)
	EngagementTrail(ctx context.Context, engagementID string) ([]*types.EngagementTransition, error)

	// Audit queries.
	AuditForRow(ctx context.Context, table, rowID string) ([]*types.AuditRecord, error)
	AuditByActor(ctx context.Context, actor string, limit int) ([]*types.AuditRecord, error)
	AuditByRequest(ctx context.Context, requestID string) ([]*types.AuditRecord, error)

	Close() error
}

// Tx is the write surface available inside WithContext. Update methods
// persist the full entity and append an audit record with before/after
// snapshots; detail carries transition context for the audit trail (for
// example the conceptual "resolved" step that never reaches the issues
// table).
type Tx interface {
	CreateIssue(ctx context.Context, issue *types.Issue) error
	UpdateIssue(ctx context.Context, issue *types.Issue, detail string) error
	GetIssue(ctx context.Context, id string) (*types.Issue, error)
	FindIssueByAggregationKey(ctx context.Context, category types.Category, key string) (*types.Issue, error)
	IssuesWithExpiredSnooze(ctx context.Context, now time.Time) ([]*types.Issue, error)
	IssuesWithExpiredWatch(ctx context.Context, now time.Time) ([]*types.Issue, error)

	CreateInboxItem(ctx context.Context, item *types.InboxItem) error
	UpdateInboxItem(ctx context.Context, item *types.InboxItem, detail string) error
	GetInboxItem(ctx context.Context, id string) (*types.InboxItem, error)
	InboxItemsWithExpiredSnooze(ctx context.Context, now time.Time) ([]*types.InboxItem, error)

	CreateEngagement(ctx context.Context, eng *types.Engagement) error
	UpdateEngagement(ctx context.Context, eng *types.Engagement, detail string) error
	GetEngagement(ctx context.Context, id string) (*types.Engagement, error)
	AppendEngagementTransition(ctx context.Context, tr *types.EngagementTransition) error

	CreateSuppressionRule(ctx context.Context, rule *types.SuppressionRule) error
	// LiveSuppressionRule returns the newest non-expired rule for the
	// key, or ErrNotFound. Expiry is evaluated lazily here; expired rows
	// stay in place.
	LiveSuppressionRule(ctx context.Context, key string, now time.Time) (*types.SuppressionRule, error)
}
