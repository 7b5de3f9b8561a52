// Package sqlite implements the storage interface using SQLite.
//
// File layout:
//   - store.go: Store struct, New() constructor, read-side queries
//   - schema.go: schema, constraints, and write-guard triggers
//   - transaction.go: WithContext unit-of-work wrapper and guard registration
//   - issues.go / inbox.go / engagements.go / suppression.go: per-table
//     row mapping and mutation methods
//   - audit.go: audit append and audit queries
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/steveyegge/keel/internal/storage"
	"github.com/steveyegge/keel/internal/types"
)

// Verify Store implements storage.Storage at compile time.
var _ storage.Storage = (*Store)(nil)

// Store implements the storage.Storage interface using SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

// querier is satisfied by *sql.DB and *sql.Conn so read helpers can be
// shared between the store and an open transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func init() {
	// Cache compiled WASM so the embedded SQLite engine doesn't pay JIT
	// compilation cost on every process start.
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "keel", "wasm")
		if cache, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
		}
	}
}

// New opens (creating if necessary) a keel database at path and applies
// the schema and write-guard triggers.
func New(ctx context.Context, path string) (*Store, error) {
	var connStr string
	switch {
	case path == ":memory:":
		// Shared cache so multiple pooled connections see the same data.
		// WAL doesn't apply to in-memory databases.
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
		}
	default:
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// In-memory databases are isolated per connection; force a single
	// connection so pooled readers see committed writes.
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	if isInMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, guardTriggers()); err != nil {
		return nil, fmt.Errorf("failed to install write-guard triggers: %w", err)
	}
	if _, err := db.ExecContext(ctx, maintenanceAuditTriggers()); err != nil {
		return nil, fmt.Errorf("failed to install maintenance audit triggers: %w", err)
	}

	absPath := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		absPath, err = filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
	}

	return &Store{db: db, dbPath: absPath}, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	s.closed.Store(true)
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.dbPath
}

// IsClosed reports whether Close has been called.
func (s *Store) IsClosed() bool {
	return s.closed.Load()
}

// GetIssue returns the issue with the given id.
func (s *Store) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	return getIssue(ctx, s.db, id)
}

// ListIssues returns issues matching the filter, most severe first,
// newest first within a severity.
func (s *Store) ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error) {
	return listIssues(ctx, s.db, filter)
}

// GetInboxItem returns the inbox item with the given id.
func (s *Store) GetInboxItem(ctx context.Context, id string) (*types.InboxItem, error) {
	return getInboxItem(ctx, s.db, id)
}

// ListInboxItems returns inbox items matching the filter, ordered by
// attention age (resurfaced_at falling back to proposed_at), oldest
// first.
func (s *Store) ListInboxItems(ctx context.Context, filter types.InboxFilter) ([]*types.InboxItem, error) {
	return listInboxItems(ctx, s.db, filter)
}

// GetEngagement returns the engagement with the given id.
func (s *Store) GetEngagement(ctx context.Context, id string) (*types.Engagement, error) {
	return getEngagement(ctx, s.db, id)
}

// ListEngagements returns engagements matching the filter.
func (s *Store) ListEngagements(ctx context.Context, filter types.EngagementFilter) ([]*types.Engagement, error) {
	return listEngagements(ctx, s.db, filter)
}

// EngagementTrail returns the append-only transition history for an
// engagement, oldest first.
func (s *Store) EngagementTrail(ctx context.Context, engagementID string) ([]*types.EngagementTransition, error) {
	return engagementTrail(ctx, s.db, engagementID)
}
