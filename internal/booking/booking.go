// Package booking turns approved posting proposals into immutable journal
// entries with gapless per-series numbering.
package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autoledger/internal/core"
	"autoledger/internal/repo"
)

// Booker posts proposals to the journal and reads entries back.
type Booker interface {
	Create(ctx context.Context, req CreateRequest) (*core.JournalEntry, error)
	Reverse(ctx context.Context, entryID uuid.UUID, actor string) (*core.JournalEntry, error)
	ByPipeline(ctx context.Context, runID uuid.UUID) (*core.JournalEntry, error)
	Get(ctx context.Context, id uuid.UUID) (*core.JournalEntry, error)
	List(ctx context.Context, companyID uuid.UUID, page repo.Page) ([]core.JournalEntry, error)
}

// CreateRequest carries everything needed to book one proposal.
type CreateRequest struct {
	CompanyID uuid.UUID
	EntryDate time.Time
	Series    string
	Actor     string
	Proposal  *core.PostingProposal
	RunID     uuid.UUID
	Notes     string
}

// Service is the Booker backed by the repository. Numbering happens inside
// the insert transaction, so failed bookings leave no gap.
type Service struct {
	repo        repo.Repository
	log         *zap.Logger
	defaultPage int
	maxPage     int
}

func NewService(r repo.Repository, log *zap.Logger, defaultPage, maxPage int) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if defaultPage <= 0 {
		defaultPage = 50
	}
	if maxPage <= 0 {
		maxPage = 200
	}
	return &Service{repo: r, log: log, defaultPage: defaultPage, maxPage: maxPage}
}

var _ Booker = (*Service)(nil)

// EntryFromProposal materializes the journal entry for a proposal without
// persisting it. The booking defense check runs here: an unbalanced
// proposal never reaches the journal, whatever the engine said.
func EntryFromProposal(req CreateRequest) (*core.JournalEntry, error) {
	if req.Proposal == nil {
		return nil, core.E(core.TagInputInvalid, "booking request has no proposal")
	}
	if err := req.Proposal.Validate(); err != nil {
		return nil, err
	}
	if req.Series == "" {
		return nil, core.E(core.TagInputInvalid, "booking request has no series")
	}
	entry := &core.JournalEntry{
		ID:                uuid.New(),
		CompanyID:         req.CompanyID,
		EntryDate:         req.EntryDate,
		Series:            req.Series,
		CreatedBy:         req.Actor,
		Notes:             req.Notes,
		SourcePipelineRun: req.RunID,
	}
	if entry.Notes == "" {
		entry.Notes = fmt.Sprintf("policy %s [%s]", req.Proposal.PolicyID,
			strings.Join(req.Proposal.ReasonCodes, "; "))
	}
	for i, line := range req.Proposal.Lines {
		entry.Lines = append(entry.Lines, core.JournalLine{
			ID:          uuid.New(),
			EntryID:     entry.ID,
			Ordinal:     i,
			Account:     line.Account,
			Side:        line.Side,
			Amount:      line.Amount,
			Description: line.Description,
			Dimensions:  line.Dimensions,
		})
	}
	return entry, nil
}

// Create books the proposal as a new journal entry.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*core.JournalEntry, error) {
	entry, err := EntryFromProposal(req)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateEntry(ctx, entry); err != nil {
		return nil, err
	}
	s.log.Info("journal entry booked",
		zap.String("entry_id", entry.ID.String()),
		zap.String("series", entry.Series),
		zap.Int64("number", entry.Number),
		zap.String("policy_id", req.Proposal.PolicyID))
	return entry, nil
}

// Reverse books a correcting entry with every side flipped. The original
// stays untouched; the reversal references it in the notes and gets its
// own number in the same series. Reversing a reversal is rejected.
func (s *Service) Reverse(ctx context.Context, entryID uuid.UUID, actor string) (*core.JournalEntry, error) {
	original, err := s.repo.LoadEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(original.Notes, "reversal of ") {
		return nil, core.E(core.TagConflict, "entry %s is itself a reversal", entryID)
	}
	rev := &core.JournalEntry{
		ID:        uuid.New(),
		CompanyID: original.CompanyID,
		EntryDate: original.EntryDate,
		Series:    original.Series,
		CreatedBy: actor,
		Notes:     fmt.Sprintf("reversal of %s %d", original.Series, original.Number),
	}
	for i, line := range original.Lines {
		side := core.Debit
		if line.Side == core.Debit {
			side = core.Credit
		}
		rev.Lines = append(rev.Lines, core.JournalLine{
			ID:          uuid.New(),
			EntryID:     rev.ID,
			Ordinal:     i,
			Account:     line.Account,
			Side:        side,
			Amount:      line.Amount,
			Description: line.Description,
			Dimensions:  line.Dimensions,
		})
	}
	if err := s.repo.CreateEntry(ctx, rev); err != nil {
		return nil, err
	}
	s.log.Info("journal entry reversed",
		zap.String("original_id", original.ID.String()),
		zap.String("reversal_id", rev.ID.String()),
		zap.Int64("number", rev.Number))
	return rev, nil
}

func (s *Service) ByPipeline(ctx context.Context, runID uuid.UUID) (*core.JournalEntry, error) {
	return s.repo.ByPipeline(ctx, runID)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*core.JournalEntry, error) {
	return s.repo.LoadEntry(ctx, id)
}

func (s *Service) List(ctx context.Context, companyID uuid.UUID, page repo.Page) ([]core.JournalEntry, error) {
	return s.repo.ListEntries(ctx, companyID, page.Normalize(s.defaultPage, s.maxPage))
}
