// Package repo defines the transactional persistence port used by the
// catalog, policy store, booking service and orchestrator, together with
// a Postgres implementation (pgx) and an in-memory one for tests.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"autoledger/internal/core"
	"autoledger/internal/rules"
)

// Page bounds a listing. Zero values fall back to the configured default
// limit at the call site.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize(defaultLimit, maxLimit int) Page {
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Repository is the single persistence port. All writes for one pipeline
// step happen in a single transaction; CompleteRunWithEntry is the only
// method spanning run state and journal state, and it is atomic.
type Repository interface {
	// Runs.
	SaveRun(ctx context.Context, run *core.PipelineRun) error
	LoadRun(ctx context.Context, id uuid.UUID) (*core.PipelineRun, error)
	ListRuns(ctx context.Context, companyID uuid.UUID, page Page) ([]core.PipelineRun, error)

	// Claims. ClaimRun compare-and-swaps a specific run into RUNNING under
	// a lease token; ClaimNextRun claims the oldest PENDING run or an
	// expired RUNNING lease, returning nil when there is nothing to do.
	ClaimRun(ctx context.Context, id uuid.UUID, token string, ttl time.Duration) (*core.PipelineRun, error)
	ClaimNextRun(ctx context.Context, token string, ttl time.Duration) (*core.PipelineRun, error)
	ReleaseRun(ctx context.Context, id uuid.UUID, token string) error
	RequestCancel(ctx context.Context, id uuid.UUID) error

	// Audit trail, append-only.
	AppendAudit(ctx context.Context, rec *core.AuditRecord) error
	AuditForRun(ctx context.Context, runID uuid.UUID) ([]core.AuditRecord, error)

	// Journal.
	AllocateNumber(ctx context.Context, companyID uuid.UUID, series string) (int64, error)
	CreateEntry(ctx context.Context, entry *core.JournalEntry) error
	CompleteRunWithEntry(ctx context.Context, run *core.PipelineRun, entry *core.JournalEntry, audit *core.AuditRecord) error
	LoadEntry(ctx context.Context, id uuid.UUID) (*core.JournalEntry, error)
	ByPipeline(ctx context.Context, runID uuid.UUID) (*core.JournalEntry, error)
	ListEntries(ctx context.Context, companyID uuid.UUID, page Page) ([]core.JournalEntry, error)

	// Policy and catalog documents.
	SavePolicy(ctx context.Context, p *rules.Policy) error
	GetPolicy(ctx context.Context, id string) (*rules.Policy, error)
	ListPolicies(ctx context.Context, country string, date time.Time) ([]*rules.Policy, error)
	SaveCatalog(ctx context.Context, c *rules.AccountCatalog) error
	GetCatalog(ctx context.Context, version string) (*rules.AccountCatalog, error)
}
