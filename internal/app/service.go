package app

import (
	"context"
	"time"

	"github.com/google/uuid"

	"autoledger/internal/core"
	"autoledger/internal/rules"
)

// StartRunRequest registers a new pipeline run over externally produced
// extraction and intent documents.
type StartRunRequest struct {
	CompanyID       uuid.UUID
	Actor           string
	Country         string
	TransactionDate time.Time
	ExtractionRef   string
	IntentRef       string
}

// RunResult is a run together with its journal entry, when one was booked.
type RunResult struct {
	Run   *core.PipelineRun
	Entry *core.JournalEntry
}

// Page selects a window of a listing. Zero values use the configured
// defaults.
type Page struct {
	Limit  int
	Offset int
}

// ApplicationService is the single interface all adapters (CLI, worker,
// future HTTP surface) call. Implementations contain no display logic.
type ApplicationService interface {
	// StartRun registers a PENDING pipeline run for a worker to pick up.
	StartRun(ctx context.Context, req StartRunRequest) (*core.PipelineRun, error)

	// GetRun returns a run with its booked entry, if any.
	GetRun(ctx context.Context, runID uuid.UUID) (*RunResult, error)

	// ListRuns returns a company's runs, newest first.
	ListRuns(ctx context.Context, companyID uuid.UUID, page Page) ([]core.PipelineRun, error)

	// ProvideClarification answers the pending question on a run in
	// AWAITING_CLARIFICATION and re-queues it from policy selection.
	ProvideClarification(ctx context.Context, runID uuid.UUID, slots map[string]any) (*core.PipelineRun, error)

	// CancelRun requests cooperative cancellation of a non-terminal run.
	CancelRun(ctx context.Context, runID uuid.UUID) error

	// AuditTrail returns the append-only step trace for a run.
	AuditTrail(ctx context.Context, runID uuid.UUID) ([]core.AuditRecord, error)

	// GetEntry returns a journal entry with its lines.
	GetEntry(ctx context.Context, entryID uuid.UUID) (*core.JournalEntry, error)

	// EntryForRun returns the journal entry booked by a run.
	EntryForRun(ctx context.Context, runID uuid.UUID) (*core.JournalEntry, error)

	// ListEntries returns a company's journal entries ordered by series
	// and number.
	ListEntries(ctx context.Context, companyID uuid.UUID, page Page) ([]core.JournalEntry, error)

	// ReverseEntry books a correcting entry with all sides flipped.
	ReverseEntry(ctx context.Context, entryID uuid.UUID, actor string) (*core.JournalEntry, error)

	// GetPolicy returns the newest loaded version of a policy.
	GetPolicy(ctx context.Context, id string) (*rules.Policy, error)

	// ListPolicies returns every valid loaded policy.
	ListPolicies(ctx context.Context) ([]*rules.Policy, error)

	// MigratePolicy rewrites a policy onto the target catalog version and
	// returns the migrated document without registering it.
	MigratePolicy(ctx context.Context, policyID, targetVersion string) (*rules.Policy, error)

	// CatalogVersions lists the loaded chart-of-accounts versions, newest
	// first.
	CatalogVersions(ctx context.Context) ([]string, error)
}
