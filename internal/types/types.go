// Package types defines the core data structures for the keel engine:
// issues, inbox items, engagements, suppression rules, and audit records.
package types

import (
	"fmt"
	"time"
)

// Issue represents a tracked operational problem, deduplicated by
// aggregation key so that at most one live issue exists per
// (category, scope) pair.
type Issue struct {
	ID             string        `json:"id"`
	Category       Category      `json:"category"`
	Severity       Severity      `json:"severity"` // derived; never set directly by callers
	State          IssueState    `json:"state"`
	ClientID       string        `json:"client_id"`
	BrandID        string        `json:"brand_id,omitempty"`
	EngagementID   string        `json:"engagement_id,omitempty"`
	AggregationKey string        `json:"aggregation_key"`
	Evidence       []Evidence    `json:"evidence,omitempty"`

	Suppressed bool   `json:"suppressed,omitempty"`
	Escalated  bool   `json:"escalated,omitempty"`
	TaggedBy   string `json:"tagged_by,omitempty"` // set exactly once, never overwritten
	Assignee   string `json:"assignee,omitempty"`
	SnoozedBy  string `json:"snoozed_by,omitempty"`

	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	SnoozedUntil         *time.Time `json:"snoozed_until,omitempty"`
	SuppressedAt         *time.Time `json:"suppressed_at,omitempty"`
	EscalatedAt          *time.Time `json:"escalated_at,omitempty"`
	RegressionWatchUntil *time.Time `json:"regression_watch_until,omitempty"`
	RecoverySeenAt       *time.Time `json:"recovery_seen_at,omitempty"`
	ClosedAt             *time.Time `json:"closed_at,omitempty"`
}

// Evidence is one detector observation attached to an issue. Recovery
// evidence is the explicit signal that permits severity to decrease on
// re-evaluation; ordinary evidence can only escalate or hold it.
type Evidence struct {
	At       time.Time `json:"at"`
	Source   string    `json:"source"`
	Detail   string    `json:"detail"`
	Recovery bool      `json:"recovery,omitempty"`
}

// Validate checks issue field invariants before a write.
func (i *Issue) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("issue id is required")
	}
	if !i.Category.IsValid() {
		return fmt.Errorf("invalid category: %s", i.Category)
	}
	if !i.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", i.Severity)
	}
	if !i.State.IsValid() {
		return fmt.Errorf("invalid issue state: %s", i.State)
	}
	if i.State == issueStateResolved {
		// The resolve action lands directly on regression_watch; the
		// conceptual "resolved" value must never reach a persisted row.
		return fmt.Errorf("issue state %q must not be persisted", issueStateResolved)
	}
	if i.ClientID == "" {
		return fmt.Errorf("issue client_id is required")
	}
	if i.AggregationKey == "" {
		return fmt.Errorf("issue aggregation_key is required")
	}
	if i.State == IssueClosed && i.ClosedAt == nil {
		return fmt.Errorf("closed issues must have closed_at")
	}
	if i.State != IssueClosed && i.ClosedAt != nil {
		return fmt.Errorf("non-closed issues cannot have closed_at")
	}
	if i.State == IssueRegressionWatch && i.RegressionWatchUntil == nil {
		return fmt.Errorf("regression_watch issues must have regression_watch_until")
	}
	if i.Suppressed && i.SuppressedAt == nil {
		return fmt.Errorf("suppressed issues must have suppressed_at")
	}
	return nil
}

// IssueState is the lifecycle state of an issue.
type IssueState string

const (
	IssueDetected           IssueState = "detected"
	IssueSurfaced           IssueState = "surfaced"
	IssueAcknowledged       IssueState = "acknowledged"
	IssueAddressing         IssueState = "addressing"
	IssueAwaitingResolution IssueState = "awaiting_resolution"
	IssueRegressionWatch    IssueState = "regression_watch"
	IssueRegressed          IssueState = "regressed"
	IssueClosed             IssueState = "closed"

	// issueStateResolved is the conceptual post-resolve value. It appears
	// in audit trails for traceability but is rejected by Validate and by
	// a CHECK constraint on the issues table.
	issueStateResolved IssueState = "resolved"
)

// IsValid checks if the state value is one the engine knows. The
// conceptual resolved value is "valid" here so audit readers can parse
// it; Validate and the schema forbid persisting it.
func (s IssueState) IsValid() bool {
	switch s {
	case IssueDetected, IssueSurfaced, IssueAcknowledged, IssueAddressing,
		IssueAwaitingResolution, IssueRegressionWatch, IssueRegressed,
		IssueClosed, issueStateResolved:
		return true
	}
	return false
}

// SeverityCounted reports whether issues in this state contribute to
// health-score severity counts. Suppression and snooze flags do not
// change membership; the set is purely state-based.
func (s IssueState) SeverityCounted() bool {
	switch s {
	case IssueSurfaced, IssueAcknowledged, IssueAddressing,
		IssueAwaitingResolution, IssueRegressed:
		return true
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s IssueState) Terminal() bool {
	return s == IssueClosed
}

// Category classifies what kind of operational problem an issue tracks.
type Category string

const (
	CategoryFinancial        Category = "financial"
	CategoryScheduleDelivery Category = "schedule_delivery"
	CategoryCommunication    Category = "communication"
	CategoryRisk             Category = "risk"
)

func (c Category) IsValid() bool {
	switch c {
	case CategoryFinancial, CategoryScheduleDelivery, CategoryCommunication, CategoryRisk:
		return true
	}
	return false
}

// Severity is the derived urgency of an issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityCritical: 5,
	SeverityHigh:     4,
	SeverityMedium:   3,
	SeverityLow:      2,
	SeverityInfo:     1,
}

func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns a comparable weight (higher = more severe).
func (s Severity) Rank() int {
	return severityRank[s]
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// InboxItem is a proposal awaiting human triage. It wraps exactly one
// underlying pointer: an issue, or a raw signal reference (orphan and
// ambiguous items carry their reference payload on the signal side).
type InboxItem struct {
	ID       string     `json:"id"`
	Type     InboxType  `json:"type"`
	State    InboxState `json:"state"`
	Severity Severity   `json:"severity"`
	Title    string     `json:"title"`
	Summary  string     `json:"summary,omitempty"`

	UnderlyingIssueID  string `json:"underlying_issue_id,omitempty"`
	UnderlyingSignalID string `json:"underlying_signal_id,omitempty"`

	ClientID string `json:"client_id"`
	BrandID  string `json:"brand_id,omitempty"`

	ProposedAt   time.Time  `json:"proposed_at"` // immutable after creation
	ResurfacedAt *time.Time `json:"resurfaced_at,omitempty"`
	ReadAt       *time.Time `json:"read_at,omitempty"`

	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	ResolvedIssueID  string           `json:"resolved_issue_id,omitempty"`
	ResolutionReason ResolutionReason `json:"resolution_reason,omitempty"`

	DismissedAt    *time.Time `json:"dismissed_at,omitempty"`
	DismissedBy    string     `json:"dismissed_by,omitempty"`
	SuppressionKey string     `json:"suppression_key,omitempty"`

	SnoozeUntil  *time.Time `json:"snooze_until,omitempty"`
	SnoozedBy    string     `json:"snoozed_by,omitempty"`
	SnoozeReason string     `json:"snooze_reason,omitempty"`
}

// AttentionAgeStart is the canonical "waiting since" timestamp: the last
// resurface if one happened, else the original proposal. Never zero for
// a valid item.
func (it *InboxItem) AttentionAgeStart() time.Time {
	if it.ResurfacedAt != nil {
		return *it.ResurfacedAt
	}
	return it.ProposedAt
}

// Validate checks inbox item field invariants before a write.
func (it *InboxItem) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("inbox item id is required")
	}
	if !it.Type.IsValid() {
		return fmt.Errorf("invalid inbox item type: %s", it.Type)
	}
	if !it.State.IsValid() {
		return fmt.Errorf("invalid inbox item state: %s", it.State)
	}
	if !it.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", it.Severity)
	}
	if it.ProposedAt.IsZero() {
		return fmt.Errorf("proposed_at is required")
	}
	hasIssue := it.UnderlyingIssueID != ""
	hasSignal := it.UnderlyingSignalID != ""
	if hasIssue == hasSignal {
		return fmt.Errorf("exactly one of underlying_issue_id/underlying_signal_id must be set")
	}
	if it.State == InboxDismissed {
		if it.DismissedAt == nil || it.DismissedBy == "" || it.SuppressionKey == "" || it.ResolvedAt == nil {
			return fmt.Errorf("dismissed items require dismissed_at, dismissed_by, suppression_key and resolved_at")
		}
	}
	if it.State == InboxLinkedToIssue && it.ResolvedIssueID == "" {
		return fmt.Errorf("linked_to_issue items require resolved_issue_id")
	}
	if it.State == InboxSnoozed && it.SnoozeUntil == nil {
		return fmt.Errorf("snoozed items require snooze_until")
	}
	return nil
}

// InboxType distinguishes what kind of finding the item proposes.
type InboxType string

const (
	InboxTypeIssue         InboxType = "issue"
	InboxTypeFlaggedSignal InboxType = "flagged_signal"
	InboxTypeOrphan        InboxType = "orphan"
	InboxTypeAmbiguous     InboxType = "ambiguous"
)

func (t InboxType) IsValid() bool {
	switch t {
	case InboxTypeIssue, InboxTypeFlaggedSignal, InboxTypeOrphan, InboxTypeAmbiguous:
		return true
	}
	return false
}

// InboxState is the triage state of an inbox item.
type InboxState string

const (
	InboxProposed      InboxState = "proposed"
	InboxSnoozed       InboxState = "snoozed"
	InboxLinkedToIssue InboxState = "linked_to_issue"
	InboxDismissed     InboxState = "dismissed"
)

func (s InboxState) IsValid() bool {
	switch s {
	case InboxProposed, InboxSnoozed, InboxLinkedToIssue, InboxDismissed:
		return true
	}
	return false
}

// Terminal states are immutable thereafter except for audit fields.
func (s InboxState) Terminal() bool {
	return s == InboxLinkedToIssue || s == InboxDismissed
}

// ResolutionReason records how a triaged item left the inbox.
type ResolutionReason string

const (
	ResolutionTagged       ResolutionReason = "tagged"
	ResolutionAssigned     ResolutionReason = "assigned"
	ResolutionLinked       ResolutionReason = "linked"
	ResolutionCreated      ResolutionReason = "created"
	ResolutionSelected     ResolutionReason = "selected"
	ResolutionAutoResolved ResolutionReason = "auto_resolved"
	ResolutionDismissed    ResolutionReason = "dismissed"
)

func (r ResolutionReason) IsValid() bool {
	switch r {
	case ResolutionTagged, ResolutionAssigned, ResolutionLinked,
		ResolutionCreated, ResolutionSelected, ResolutionAutoResolved,
		ResolutionDismissed:
		return true
	}
	return false
}

// Engagement is a unit of client-facing delivery work, advanced only by
// heuristic triggers evaluated against linked task data.
type Engagement struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Type     EngagementType  `json:"type"`
	State    EngagementState `json:"state"`
	ClientID string          `json:"client_id"`
	BrandID  string          `json:"brand_id,omitempty"`

	// LinkingCoverageOK gates delivery-detection heuristics: when the
	// share of tasks linked to this engagement is below threshold, task
	// stats are too unreliable to advance on.
	LinkingCoverageOK bool `json:"linking_coverage_ok"`

	TriggerEvidence string `json:"trigger_evidence,omitempty"` // last trigger's reasoning, for tuning

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks engagement field invariants before a write.
func (e *Engagement) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("engagement id is required")
	}
	if e.Name == "" {
		return fmt.Errorf("engagement name is required")
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid engagement type: %s", e.Type)
	}
	if !e.State.IsValid() {
		return fmt.Errorf("invalid engagement state: %s", e.State)
	}
	if e.ClientID == "" {
		return fmt.Errorf("engagement client_id is required")
	}
	return nil
}

// EngagementType distinguishes billing/delivery models.
type EngagementType string

const (
	EngagementProject  EngagementType = "project"
	EngagementRetainer EngagementType = "retainer"
)

func (t EngagementType) IsValid() bool {
	return t == EngagementProject || t == EngagementRetainer
}

// EngagementState is the delivery state of an engagement.
type EngagementState string

const (
	EngagementPlanned    EngagementState = "planned"
	EngagementActive     EngagementState = "active"
	EngagementBlocked    EngagementState = "blocked"
	EngagementPaused     EngagementState = "paused"
	EngagementDelivering EngagementState = "delivering"
	EngagementDelivered  EngagementState = "delivered"
	EngagementCompleted  EngagementState = "completed"
)

func (s EngagementState) IsValid() bool {
	switch s {
	case EngagementPlanned, EngagementActive, EngagementBlocked,
		EngagementPaused, EngagementDelivering, EngagementDelivered,
		EngagementCompleted:
		return true
	}
	return false
}

func (s EngagementState) Terminal() bool {
	return s == EngagementCompleted
}

// EngagementTransition is one row of the engagement's append-only
// transition trail, kept separate from the general audit log so
// heuristic tuning can analyze trigger behavior in isolation.
type EngagementTransition struct {
	ID           int64           `json:"id"`
	EngagementID string          `json:"engagement_id"`
	FromState    EngagementState `json:"from_state"`
	ToState      EngagementState `json:"to_state"`
	Trigger      string          `json:"trigger"`
	At           time.Time       `json:"at"`
}

// TaskStats is the linked task/activity snapshot a caller supplies when
// asking the engine to evaluate an engagement's heuristic triggers.
type TaskStats struct {
	TasksTotal     int        `json:"tasks_total"`
	TasksDone      int        `json:"tasks_done"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	PauseRequested bool       `json:"pause_requested,omitempty"`
}

// Completion returns the fraction of tasks done, or -1 when there are no
// tasks to measure (heuristics treat that as ambiguous, not as zero).
func (ts TaskStats) Completion() float64 {
	if ts.TasksTotal <= 0 {
		return -1
	}
	return float64(ts.TasksDone) / float64(ts.TasksTotal)
}

// SuppressionRule blocks re-proposal of a previously-dismissed finding
// until it expires. Expiry is evaluated lazily at query time.
type SuppressionRule struct {
	ID             int64     `json:"id"`
	SuppressionKey string    `json:"suppression_key"`
	ItemType       InboxType `json:"item_type"`
	ClientID       string    `json:"client_id"`
	BrandID        string    `json:"brand_id,omitempty"`
	Reason         string    `json:"reason"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Live reports whether the rule still blocks proposals at the given time.
func (r *SuppressionRule) Live(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// AuditOp is the kind of write an audit record captures.
type AuditOp string

const (
	AuditInsert AuditOp = "insert"
	AuditUpdate AuditOp = "update"
	AuditDelete AuditOp = "delete"
	AuditFlag   AuditOp = "flag" // maintenance-mode toggles and similar meta-writes
)

// AuditRecord is one append-only entry in the write-safety audit log.
type AuditRecord struct {
	ID        int64     `json:"id"`
	TableName string    `json:"table_name"`
	RowID     string    `json:"row_id"`
	Op        AuditOp   `json:"op"`
	Actor     string    `json:"actor"`
	RequestID string    `json:"request_id"`
	Source    string    `json:"source"`
	Revision  string    `json:"revision"`
	Before    string    `json:"before,omitempty"` // JSON snapshot, empty for inserts
	After     string    `json:"after,omitempty"`  // JSON snapshot, empty for deletes
	Detail    string    `json:"detail,omitempty"` // e.g. conceptual transition "resolved"
	CreatedAt time.Time `json:"created_at"`
}

// IssueFilter narrows issue list queries.
type IssueFilter struct {
	States            []IssueState
	Category          *Category
	SeverityMin       *Severity
	ClientID          string
	BrandID           string
	EngagementID      string
	IncludeSuppressed bool
	Limit             int
}

// InboxFilter narrows inbox list queries. Default listings exclude
// terminal items; Recent includes them.
type InboxFilter struct {
	Types    []InboxType
	States   []InboxState
	ClientID string
	Recent   bool
	Limit    int
}

// EngagementFilter narrows engagement list queries.
type EngagementFilter struct {
	States   []EngagementState
	ClientID string
	Type     *EngagementType
	Limit    int
}
