package sqlite

import (
	"fmt"
	"strings"
)

const schema = `
-- Issues: one row per live (category, scope) pair, deduplicated by
-- aggregation key. The state column must never hold the conceptual
-- 'resolved' value; resolve lands directly on regression_watch.
CREATE TABLE IF NOT EXISTS issues (
    id TEXT PRIMARY KEY,
    category TEXT NOT NULL CHECK(category IN ('financial','schedule_delivery','communication','risk')),
    severity TEXT NOT NULL CHECK(severity IN ('critical','high','medium','low','info')),
    state TEXT NOT NULL CHECK(state <> 'resolved'),
    client_id TEXT NOT NULL CHECK(client_id <> ''),
    brand_id TEXT NOT NULL DEFAULT '',
    engagement_id TEXT NOT NULL DEFAULT '',
    aggregation_key TEXT NOT NULL CHECK(aggregation_key <> ''),
    evidence TEXT NOT NULL DEFAULT '[]',
    suppressed INTEGER NOT NULL DEFAULT 0,
    escalated INTEGER NOT NULL DEFAULT 0,
    tagged_by TEXT NOT NULL DEFAULT '',
    assignee TEXT NOT NULL DEFAULT '',
    snoozed_by TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    snoozed_until TEXT,
    suppressed_at TEXT,
    escalated_at TEXT,
    regression_watch_until TEXT,
    recovery_seen_at TEXT,
    closed_at TEXT,
    CHECK ((state = 'closed') = (closed_at IS NOT NULL)),
    CHECK (state <> 'regression_watch' OR regression_watch_until IS NOT NULL),
    CHECK (suppressed = 0 OR suppressed_at IS NOT NULL)
);

-- At most one live (non-suppressed) issue per (category, scope).
CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_aggregation
    ON issues(category, aggregation_key) WHERE suppressed = 0;
CREATE INDEX IF NOT EXISTS idx_issues_state ON issues(state);
CREATE INDEX IF NOT EXISTS idx_issues_client ON issues(client_id);
CREATE INDEX IF NOT EXISTS idx_issues_snoozed_until ON issues(snoozed_until) WHERE snoozed_until IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_issues_watch_until ON issues(regression_watch_until) WHERE regression_watch_until IS NOT NULL;

-- Inbox items: proposals awaiting triage. Exactly one underlying
-- pointer; dismissal requires the full audit quad in the same write.
CREATE TABLE IF NOT EXISTS inbox_items (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL CHECK(type IN ('issue','flagged_signal','orphan','ambiguous')),
    state TEXT NOT NULL CHECK(state IN ('proposed','snoozed','linked_to_issue','dismissed')),
    severity TEXT NOT NULL CHECK(severity IN ('critical','high','medium','low','info')),
    title TEXT NOT NULL CHECK(title <> ''),
    summary TEXT NOT NULL DEFAULT '',
    underlying_issue_id TEXT,
    underlying_signal_id TEXT,
    client_id TEXT NOT NULL CHECK(client_id <> ''),
    brand_id TEXT NOT NULL DEFAULT '',
    proposed_at TEXT NOT NULL,
    resurfaced_at TEXT,
    read_at TEXT,
    resolved_at TEXT,
    resolved_issue_id TEXT NOT NULL DEFAULT '',
    resolution_reason TEXT NOT NULL DEFAULT '',
    dismissed_at TEXT,
    dismissed_by TEXT NOT NULL DEFAULT '',
    suppression_key TEXT NOT NULL DEFAULT '',
    snooze_until TEXT,
    snoozed_by TEXT NOT NULL DEFAULT '',
    snooze_reason TEXT NOT NULL DEFAULT '',
    CHECK ((underlying_issue_id IS NULL) <> (underlying_signal_id IS NULL)),
    CHECK (state <> 'dismissed' OR (dismissed_at IS NOT NULL AND dismissed_by <> '' AND suppression_key <> '' AND resolved_at IS NOT NULL)),
    CHECK (state <> 'linked_to_issue' OR resolved_issue_id <> ''),
    CHECK (state <> 'snoozed' OR snooze_until IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_inbox_state ON inbox_items(state);
CREATE INDEX IF NOT EXISTS idx_inbox_client ON inbox_items(client_id);
CREATE INDEX IF NOT EXISTS idx_inbox_snooze_until ON inbox_items(snooze_until) WHERE snooze_until IS NOT NULL;

-- Engagements: delivery work advanced by heuristic triggers only.
CREATE TABLE IF NOT EXISTS engagements (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL CHECK(name <> ''),
    type TEXT NOT NULL CHECK(type IN ('project','retainer')),
    state TEXT NOT NULL CHECK(state IN ('planned','active','blocked','paused','delivering','delivered','completed')),
    client_id TEXT NOT NULL CHECK(client_id <> ''),
    brand_id TEXT NOT NULL DEFAULT '',
    linking_coverage_ok INTEGER NOT NULL DEFAULT 0,
    trigger_evidence TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    delivered_at TEXT,
    completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_engagements_state ON engagements(state);
CREATE INDEX IF NOT EXISTS idx_engagements_client ON engagements(client_id);

-- Append-only transition trail for heuristic tuning, separate from the
-- general audit log.
CREATE TABLE IF NOT EXISTS engagement_transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    engagement_id TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    trigger_name TEXT NOT NULL,
    at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_eng_transitions_eng ON engagement_transitions(engagement_id);

-- Suppression rules: consulted lazily before every proposal; expired
-- rows stay in place (no background sweep).
CREATE TABLE IF NOT EXISTS suppression_rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    suppression_key TEXT NOT NULL CHECK(suppression_key <> ''),
    item_type TEXT NOT NULL CHECK(item_type IN ('issue','flagged_signal','orphan','ambiguous')),
    client_id TEXT NOT NULL DEFAULT '',
    brand_id TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    created_by TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    expires_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_suppression_key ON suppression_rules(suppression_key, expires_at);

-- Audit log: one row per accepted write to a protected table, appended
-- in the same transaction as the write itself.
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name TEXT NOT NULL,
    row_id TEXT NOT NULL,
    op TEXT NOT NULL CHECK(op IN ('insert','update','delete','flag')),
    actor TEXT NOT NULL CHECK(actor <> ''),
    request_id TEXT NOT NULL CHECK(request_id <> ''),
    source TEXT NOT NULL,
    revision TEXT NOT NULL,
    before_json TEXT NOT NULL DEFAULT '',
    after_json TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_row ON audit_log(table_name, row_id);
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_log(request_id);

-- Write guard: the transaction-scoped context registry. A row exists
-- only while a unit of work holds the write lock; guard triggers below
-- reject protected writes when it is empty. All columns are NOT NULL so
-- even an ad-hoc writer registering a row must supply full attribution.
CREATE TABLE IF NOT EXISTS write_guard (
    slot INTEGER PRIMARY KEY CHECK(slot = 1),
    actor TEXT NOT NULL CHECK(actor <> ''),
    request_id TEXT NOT NULL CHECK(request_id <> ''),
    source TEXT NOT NULL CHECK(source <> ''),
    revision TEXT NOT NULL CHECK(revision <> ''),
    acquired_at TEXT NOT NULL
);

-- Maintenance mode: suspends the guard check for bulk operations.
-- Flipping it is itself an audited write.
CREATE TABLE IF NOT EXISTS maintenance_mode (
    slot INTEGER PRIMARY KEY CHECK(slot = 1),
    enabled INTEGER NOT NULL DEFAULT 0,
    changed_by TEXT NOT NULL DEFAULT '',
    changed_at TEXT
);

-- Seed via INSERT..SELECT rather than OR IGNORE: when the row already
-- exists no insert is attempted, so reopening an existing database
-- never fires the guard trigger below (RAISE(ABORT) in a trigger is
-- not suppressed by OR IGNORE).
INSERT INTO maintenance_mode (slot, enabled)
    SELECT 1, 0 WHERE NOT EXISTS (SELECT 1 FROM maintenance_mode);

-- The flag table is itself guard-protected, with no maintenance-mode
-- escape: flipping it always requires an attributed write context, so
-- the suspension window cannot be opened anonymously. The insert
-- trigger lets the seed row land on an empty table but blocks any
-- unattributed insert once the row exists.
CREATE TRIGGER IF NOT EXISTS maintenance_mode_wg_insert BEFORE INSERT ON maintenance_mode
WHEN NOT EXISTS (SELECT 1 FROM write_guard)
 AND EXISTS (SELECT 1 FROM maintenance_mode)
BEGIN
    SELECT RAISE(ABORT, 'no active write context');
END;

CREATE TRIGGER IF NOT EXISTS maintenance_mode_wg_update BEFORE UPDATE ON maintenance_mode
WHEN NOT EXISTS (SELECT 1 FROM write_guard)
BEGIN
    SELECT RAISE(ABORT, 'no active write context');
END;

CREATE TRIGGER IF NOT EXISTS maintenance_mode_wg_delete BEFORE DELETE ON maintenance_mode
WHEN NOT EXISTS (SELECT 1 FROM write_guard)
BEGIN
    SELECT RAISE(ABORT, 'no active write context');
END;

-- The audit log is append-only at the storage layer, maintenance mode
-- or not.
CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
BEGIN
    SELECT RAISE(ABORT, 'audit log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
BEGIN
    SELECT RAISE(ABORT, 'audit log is append-only');
END;
`

// protectedTables are the tables whose writes require an active write
// context (or maintenance mode). The audit log is included so nothing
// can append fabricated audit rows outside a unit of work. The
// maintenance_mode table is protected separately in the schema with
// stricter triggers that admit no maintenance-mode escape.
var protectedTables = []string{
	"issues",
	"inbox_items",
	"engagements",
	"engagement_transitions",
	"suppression_rules",
	"audit_log",
}

// guardTriggers builds the BEFORE INSERT/UPDATE/DELETE triggers that
// enforce the write-context requirement at the storage layer. Keeping
// the check in triggers (not just application code) means ad-hoc and
// maintenance writes hit the same wall.
func guardTriggers() string {
	var b strings.Builder
	for _, table := range protectedTables {
		for _, op := range []string{"INSERT", "UPDATE", "DELETE"} {
			fmt.Fprintf(&b, `
CREATE TRIGGER IF NOT EXISTS %s_wg_%s BEFORE %s ON %s
WHEN NOT EXISTS (SELECT 1 FROM write_guard)
 AND NOT EXISTS (SELECT 1 FROM maintenance_mode WHERE enabled = 1)
BEGIN
    SELECT RAISE(ABORT, 'no active write context');
END;
`, table, strings.ToLower(op), op, table)
		}
	}
	return b.String()
}

// maintenanceAuditTriggers builds AFTER triggers that append an audit
// row for writes accepted under maintenance mode with no write context
// registered. Guarded transactions skip these (their write_guard row
// makes the WHEN false) and append full before/after audits in
// application code instead; these triggers exist so a raw bulk writer
// under the suspended guard still leaves a per-row trail. The audit
// log itself is excluded to avoid recursion.
func maintenanceAuditTriggers() string {
	var b strings.Builder
	for _, table := range protectedTables {
		if table == "audit_log" {
			continue
		}
		for _, op := range []string{"INSERT", "UPDATE", "DELETE"} {
			row := "NEW.id"
			if op == "DELETE" {
				row = "OLD.id"
			}
			fmt.Fprintf(&b, `
CREATE TRIGGER IF NOT EXISTS %s_mm_audit_%s AFTER %s ON %s
WHEN NOT EXISTS (SELECT 1 FROM write_guard)
 AND EXISTS (SELECT 1 FROM maintenance_mode WHERE enabled = 1)
BEGIN
    INSERT INTO audit_log (table_name, row_id, op, actor, request_id, source, revision, detail, created_at)
    VALUES ('%s', %s, '%s', 'maintenance', 'maintenance', 'maintenance', '', 'write under maintenance mode', strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'));
END;
`, table, strings.ToLower(op), op, table, table, row, strings.ToLower(op))
		}
	}
	return b.String()
}
