package app

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autoledger/internal/booking"
	"autoledger/internal/core"
	"autoledger/internal/pipeline"
	"autoledger/internal/repo"
	"autoledger/internal/rules"
)

// Service wires the orchestrator, policy store and booking service behind
// ApplicationService.
type Service struct {
	orch     *pipeline.Orchestrator
	store    *rules.PolicyStore
	migrator *rules.Migrator
	booker   booking.Booker
	repo     repo.Repository
	log      *zap.Logger

	defaultPage int
	maxPage     int
}

var _ ApplicationService = (*Service)(nil)

func NewService(
	orch *pipeline.Orchestrator,
	store *rules.PolicyStore,
	migrator *rules.Migrator,
	booker booking.Booker,
	r repo.Repository,
	log *zap.Logger,
	defaultPage int,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if defaultPage <= 0 {
		defaultPage = 50
	}
	return &Service{
		orch:        orch,
		store:       store,
		migrator:    migrator,
		booker:      booker,
		repo:        r,
		log:         log,
		defaultPage: defaultPage,
		maxPage:     200,
	}
}

func (s *Service) StartRun(ctx context.Context, req StartRunRequest) (*core.PipelineRun, error) {
	return s.orch.StartRun(ctx, pipeline.StartRequest{
		CompanyID:       req.CompanyID,
		Actor:           req.Actor,
		Country:         req.Country,
		TransactionDate: req.TransactionDate,
		ExtractionRef:   req.ExtractionRef,
		IntentRef:       req.IntentRef,
	})
}

func (s *Service) GetRun(ctx context.Context, runID uuid.UUID) (*RunResult, error) {
	run, err := s.orch.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	res := &RunResult{Run: run}
	if run.JournalEntryID != nil {
		entry, err := s.booker.Get(ctx, *run.JournalEntryID)
		if err != nil {
			return nil, err
		}
		res.Entry = entry
	}
	return res, nil
}

func (s *Service) ListRuns(ctx context.Context, companyID uuid.UUID, page Page) ([]core.PipelineRun, error) {
	return s.repo.ListRuns(ctx, companyID, s.page(page))
}

func (s *Service) ProvideClarification(ctx context.Context, runID uuid.UUID, slots map[string]any) (*core.PipelineRun, error) {
	return s.orch.ProvideClarification(ctx, runID, slots)
}

func (s *Service) CancelRun(ctx context.Context, runID uuid.UUID) error {
	return s.orch.CancelRun(ctx, runID)
}

func (s *Service) AuditTrail(ctx context.Context, runID uuid.UUID) ([]core.AuditRecord, error) {
	return s.orch.AuditTrail(ctx, runID)
}

func (s *Service) GetEntry(ctx context.Context, entryID uuid.UUID) (*core.JournalEntry, error) {
	return s.booker.Get(ctx, entryID)
}

func (s *Service) EntryForRun(ctx context.Context, runID uuid.UUID) (*core.JournalEntry, error) {
	return s.booker.ByPipeline(ctx, runID)
}

func (s *Service) ListEntries(ctx context.Context, companyID uuid.UUID, page Page) ([]core.JournalEntry, error) {
	return s.booker.List(ctx, companyID, s.page(page))
}

func (s *Service) ReverseEntry(ctx context.Context, entryID uuid.UUID, actor string) (*core.JournalEntry, error) {
	return s.booker.Reverse(ctx, entryID, actor)
}

func (s *Service) GetPolicy(_ context.Context, id string) (*rules.Policy, error) {
	return s.store.Get(id)
}

func (s *Service) ListPolicies(_ context.Context) ([]*rules.Policy, error) {
	return s.store.All(), nil
}

func (s *Service) MigratePolicy(_ context.Context, policyID, targetVersion string) (*rules.Policy, error) {
	policy, err := s.store.Get(policyID)
	if err != nil {
		return nil, err
	}
	return s.migrator.Migrate(policy, targetVersion)
}

func (s *Service) CatalogVersions(_ context.Context) ([]string, error) {
	return s.store.Catalogs().Versions(), nil
}

func (s *Service) page(p Page) repo.Page {
	return repo.Page{Limit: p.Limit, Offset: p.Offset}.Normalize(s.defaultPage, s.maxPage)
}
