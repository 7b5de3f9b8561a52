// Package keel provides the public API of the keel lifecycle engine.
//
// The engine tracks operational issues, triage inbox items, and
// engagement delivery state over an embedded SQLite store. Every write
// runs inside an attributed, audited transaction; see internal/storage
// for the write-safety contract.
//
// Typical embedding:
//
//	store, err := keel.Open(ctx, "ops.db")
//	engine := keel.NewEngine(store, nil)
//	wc := keel.NewWriteContext("detector/invoices", "invoice-scan", version)
package keel

import (
	"context"

	"github.com/steveyegge/keel/internal/agg"
	"github.com/steveyegge/keel/internal/configfile"
	"github.com/steveyegge/keel/internal/lifecycle"
	"github.com/steveyegge/keel/internal/storage"
	"github.com/steveyegge/keel/internal/storage/sqlite"
	"github.com/steveyegge/keel/internal/types"
	"github.com/steveyegge/keel/internal/writectx"
)

// Core entity types
type (
	Issue                = types.Issue
	Evidence             = types.Evidence
	InboxItem            = types.InboxItem
	Engagement           = types.Engagement
	EngagementTransition = types.EngagementTransition
	TaskStats            = types.TaskStats
	SuppressionRule      = types.SuppressionRule
	AuditRecord          = types.AuditRecord

	IssueState      = types.IssueState
	Category        = types.Category
	Severity        = types.Severity
	InboxType       = types.InboxType
	InboxState      = types.InboxState
	EngagementState = types.EngagementState
	EngagementType  = types.EngagementType

	IssueFilter      = types.IssueFilter
	InboxFilter      = types.InboxFilter
	EngagementFilter = types.EngagementFilter
)

// Issue state constants
const (
	IssueDetected           = types.IssueDetected
	IssueSurfaced           = types.IssueSurfaced
	IssueAcknowledged       = types.IssueAcknowledged
	IssueAddressing         = types.IssueAddressing
	IssueAwaitingResolution = types.IssueAwaitingResolution
	IssueRegressionWatch    = types.IssueRegressionWatch
	IssueRegressed          = types.IssueRegressed
	IssueClosed             = types.IssueClosed
)

// Category constants
const (
	CategoryFinancial        = types.CategoryFinancial
	CategoryScheduleDelivery = types.CategoryScheduleDelivery
	CategoryCommunication    = types.CategoryCommunication
	CategoryRisk             = types.CategoryRisk
)

// Severity constants, most severe first
const (
	SeverityCritical = types.SeverityCritical
	SeverityHigh     = types.SeverityHigh
	SeverityMedium   = types.SeverityMedium
	SeverityLow      = types.SeverityLow
	SeverityInfo     = types.SeverityInfo
)

// Engine, finding, and configuration types
type (
	Engine   = lifecycle.Engine
	Finding  = lifecycle.Finding
	Proposal = lifecycle.Proposal
	Action   = lifecycle.Action
	Scope    = agg.Scope
	Config   = configfile.Config
)

// WriteContext attributes a transaction; all four fields are required.
type WriteContext = writectx.Context

// Storage is the interface satisfied by the SQLite store.
type Storage = storage.Storage

// Open opens (creating if needed) a keel SQLite database.
func Open(ctx context.Context, dbPath string) (Storage, error) {
	return sqlite.New(ctx, dbPath)
}

// NewEngine builds a lifecycle engine over an open store. A nil config
// uses the built-in defaults; see LoadConfig.
func NewEngine(store Storage, cfg *Config) *Engine {
	return lifecycle.New(store, cfg)
}

// NewWriteContext builds an attributed write context with a fresh
// request id.
func NewWriteContext(actor, source, revision string) WriteContext {
	return writectx.New(actor, source, revision)
}

// LoadConfig reads keel.yaml from dir, applying KEEL_* environment
// overrides. A missing file yields the defaults.
func LoadConfig(dir string) (*Config, error) {
	return configfile.Load(dir)
}

// AvailableIssueActions reports the actions an issue in the given state
// admits. Suppressed issues admit only unsuppress.
func AvailableIssueActions(state IssueState, suppressed bool) []Action {
	return lifecycle.AvailableIssueActions(state, suppressed)
}

// AvailableInboxActions reports the triage actions an inbox item admits.
func AvailableInboxActions(itemType InboxType, state InboxState) []Action {
	return lifecycle.AvailableInboxActions(itemType, state)
}
