// Package pipeline drives pipeline runs through the fixed step sequence
// LOAD .. COMPLETE, persisting state and an audit record after every step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autoledger/internal/booking"
	"autoledger/internal/core"
	"autoledger/internal/repo"
	"autoledger/internal/rules"
)

// Options bound a single orchestrator's behavior. Zero values fall back
// to the documented defaults.
type Options struct {
	StepTimeout     time.Duration // per-step budget, default 15s
	MaxStepAttempts int           // infrastructure retries per step, default 3
	ClaimTTL        time.Duration // lease length when claiming, default 60s
	JournalSeries   string        // series for auto-booked entries, default "A"
}

func (o Options) withDefaults() Options {
	if o.StepTimeout <= 0 {
		o.StepTimeout = 15 * time.Second
	}
	if o.MaxStepAttempts <= 0 {
		o.MaxStepAttempts = 3
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = time.Minute
	}
	if o.JournalSeries == "" {
		o.JournalSeries = "A"
	}
	return o
}

// Orchestrator owns the run state machine. The rule engine stays pure;
// every effect (persistence, audit, booking) happens here or in the
// repository.
type Orchestrator struct {
	repo     repo.Repository
	store    *rules.PolicyStore
	migrator *rules.Migrator
	engine   rules.Engine
	inputs   InputResolver
	log      *zap.Logger
	opts     Options

	now   func() time.Time
	sleep func(time.Duration)
}

func NewOrchestrator(r repo.Repository, store *rules.PolicyStore, migrator *rules.Migrator, inputs InputResolver, log *zap.Logger, opts Options) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		repo:     r,
		store:    store,
		migrator: migrator,
		inputs:   inputs,
		log:      log,
		opts:     opts.withDefaults(),
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// StartRequest registers a new run over externally produced inputs.
type StartRequest struct {
	CompanyID       uuid.UUID
	Actor           string
	Country         string
	TransactionDate time.Time
	ExtractionRef   string
	IntentRef       string
}

// StartRun persists a PENDING run at the LOAD step. Processing happens when
// a worker claims it.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRequest) (*core.PipelineRun, error) {
	if req.Country == "" {
		return nil, core.E(core.TagInputInvalid, "country is required")
	}
	if req.ExtractionRef == "" || req.IntentRef == "" {
		return nil, core.E(core.TagInputInvalid, "extraction and intent refs are required")
	}
	run := &core.PipelineRun{
		ID:              uuid.New(),
		CompanyID:       req.CompanyID,
		Actor:           req.Actor,
		Country:         req.Country,
		TransactionDate: req.TransactionDate,
		InputRefs:       core.InputRefs{ExtractionRef: req.ExtractionRef, IntentRef: req.IntentRef},
		State:           core.StatePending,
		CurrentStep:     core.StepLoad,
		StartedAt:       o.now(),
	}
	if err := o.repo.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	o.log.Info("run started",
		zap.String("run_id", run.ID.String()),
		zap.String("country", run.Country))
	return run, nil
}

// ProcessRun claims a specific run and drives it as far as it can go.
func (o *Orchestrator) ProcessRun(ctx context.Context, id uuid.UUID, token string) (*core.PipelineRun, error) {
	run, err := o.repo.ClaimRun(ctx, id, token, o.opts.ClaimTTL)
	if err != nil {
		return nil, err
	}
	return o.Process(ctx, run)
}

// Process drives an already-claimed run step by step until it books,
// waits, parks, fails, or the context gives out. The returned run reflects
// the last persisted state.
func (o *Orchestrator) Process(ctx context.Context, run *core.PipelineRun) (*core.PipelineRun, error) {
	for {
		if run.Terminal() || run.State == core.StateAwaitingClarification {
			return run, nil
		}
		cancelled, err := o.cancelRequested(ctx, run)
		if err != nil {
			return run, err
		}
		if cancelled {
			return o.fail(ctx, run, core.KindCancelled, "cancel requested")
		}

		step := run.CurrentStep
		halt, err := o.runStep(ctx, run)
		if err != nil {
			return o.route(ctx, run, step, err)
		}
		if halt {
			return run, nil
		}
		if step != core.StepBook {
			// BOOK persists run, entry and audit atomically in the
			// repository; every other step is saved here.
			run.CurrentStep = core.NextStep(step)
			if err := o.repo.SaveRun(ctx, run); err != nil {
				return run, err
			}
		}
		if err := o.audit(ctx, run, step); err != nil {
			return run, err
		}
	}
}

func (o *Orchestrator) cancelRequested(ctx context.Context, run *core.PipelineRun) (bool, error) {
	if run.CancelRequested {
		return true, nil
	}
	fresh, err := o.repo.LoadRun(ctx, run.ID)
	if err != nil {
		return false, err
	}
	run.CancelRequested = fresh.CancelRequested
	return run.CancelRequested, nil
}

// runStep executes the current step with the per-step timeout, retrying
// infrastructure failures with exponential backoff. Domain failures
// surface immediately.
func (o *Orchestrator) runStep(ctx context.Context, run *core.PipelineRun) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= o.opts.MaxStepAttempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, o.opts.StepTimeout)
		halt, err := o.executeStep(stepCtx, run)
		cancel()
		if err == nil {
			return halt, nil
		}
		lastErr = err
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return false, err
		}
		if core.KindForTag(core.TagOf(err)) != core.KindInfrastructure {
			return false, err
		}
		if attempt < o.opts.MaxStepAttempts {
			backoff := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
			o.log.Warn("step failed, retrying",
				zap.String("run_id", run.ID.String()),
				zap.String("step", string(run.CurrentStep)),
				zap.Int("attempt", attempt),
				zap.Error(err))
			o.sleep(backoff)
		}
	}
	return false, lastErr
}

func (o *Orchestrator) executeStep(ctx context.Context, run *core.PipelineRun) (bool, error) {
	switch run.CurrentStep {
	case core.StepLoad:
		return false, o.stepLoad(run)
	case core.StepExtractConsume:
		return false, o.stepExtract(ctx, run)
	case core.StepIntentConsume:
		return false, o.stepIntent(ctx, run)
	case core.StepPolicySelect:
		return false, o.stepPolicySelect(run)
	case core.StepMigrate:
		return false, o.stepMigrate(run)
	case core.StepPropose:
		return false, o.stepPropose(run)
	case core.StepGate:
		return o.stepGate(ctx, run)
	case core.StepBook:
		return true, o.stepBook(ctx, run)
	case core.StepComplete:
		return true, nil
	default:
		return false, fmt.Errorf("unknown step %q", run.CurrentStep)
	}
}

func (o *Orchestrator) stepLoad(run *core.PipelineRun) error {
	if run.InputRefs.ExtractionRef == "" || run.InputRefs.IntentRef == "" {
		return core.E(core.TagInputInvalid, "run %s has no input refs", run.ID)
	}
	return nil
}

func (o *Orchestrator) stepExtract(ctx context.Context, run *core.PipelineRun) error {
	rec, err := o.inputs.ResolveExtraction(ctx, run.InputRefs.ExtractionRef)
	if err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	run.Payload.Extraction = rec
	return nil
}

func (o *Orchestrator) stepIntent(ctx context.Context, run *core.PipelineRun) error {
	rec, err := o.inputs.ResolveIntent(ctx, run.InputRefs.IntentRef)
	if err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	run.Payload.Intent = rec
	return nil
}

func (o *Orchestrator) stepPolicySelect(run *core.PipelineRun) error {
	intent := run.Payload.EffectiveIntent()
	if intent == nil {
		return core.E(core.TagInputInvalid, "run %s has no intent", run.ID)
	}
	candidates := o.store.Select(run.Country, intent.Name, run.TransactionDate)
	if len(candidates) == 0 {
		return core.E(core.TagPolicyNotApplicable,
			"no policy for intent %s in %s effective %s",
			intent.Name, run.Country, run.TransactionDate.Format("2006-01-02"))
	}
	p := candidates[0]
	run.Payload.PolicyID = p.ID
	run.Payload.CatalogVersion = p.CatalogVersion
	return nil
}

// stepMigrate retargets the selected policy onto the catalog in force on
// the transaction date. With versions already aligned it is a no-op.
func (o *Orchestrator) stepMigrate(run *core.PipelineRun) error {
	current, err := o.store.Catalogs().ResolveForDate(run.Country, run.TransactionDate)
	if err != nil {
		return err
	}
	policy, err := o.store.Get(run.Payload.PolicyID)
	if err != nil {
		return err
	}
	if policy.CatalogVersion == current.Version {
		run.Payload.CatalogVersion = current.Version
		run.Payload.MigratedFrom = ""
		return nil
	}
	migrated, err := o.migrator.Migrate(policy, current.Version)
	if err != nil {
		return err
	}
	run.Payload.CatalogVersion = current.Version
	run.Payload.MigratedFrom = migrated.MigratedFrom
	return nil
}

// effectivePolicy re-derives the policy the PROPOSE step evaluates.
// Migration is deterministic, so re-running it on resume yields the same
// document the MIGRATE step recorded.
func (o *Orchestrator) effectivePolicy(run *core.PipelineRun) (*rules.Policy, error) {
	policy, err := o.store.Get(run.Payload.PolicyID)
	if err != nil {
		return nil, err
	}
	if run.Payload.CatalogVersion != "" && policy.CatalogVersion != run.Payload.CatalogVersion {
		return o.migrator.Migrate(policy, run.Payload.CatalogVersion)
	}
	return policy, nil
}

func (o *Orchestrator) stepPropose(run *core.PipelineRun) error {
	policy, err := o.effectivePolicy(run)
	if err != nil {
		return err
	}
	catalog, err := o.store.Catalogs().Get(run.Payload.CatalogVersion)
	if err != nil {
		return err
	}
	proposal, err := o.engine.Evaluate(run.Payload.Extraction, run.Payload.EffectiveIntent(), policy, catalog)
	if proposal != nil {
		run.Payload.Proposal = proposal
	}
	return err
}

func (o *Orchestrator) stepGate(ctx context.Context, run *core.PipelineRun) (bool, error) {
	proposal := run.Payload.Proposal
	if proposal == nil {
		return false, core.E(core.TagInputInvalid, "run %s reached GATE without a proposal", run.ID)
	}
	switch proposal.Gate {
	case core.GateAuto:
		return false, nil
	case core.GateClarify:
		intent := run.Payload.EffectiveIntent()
		run.Payload.Question = rules.ClarifyQuestionFor(intent.Name, proposal.MissingRequired)
		run.State = core.StateAwaitingClarification
		run.ClaimedBy = ""
		run.ClaimExpiresAt = nil
		if err := o.repo.SaveRun(ctx, run); err != nil {
			return false, err
		}
		if err := o.audit(ctx, run, core.StepGate); err != nil {
			return false, err
		}
		o.log.Info("run awaiting clarification",
			zap.String("run_id", run.ID.String()),
			zap.String("slot", run.Payload.Question.Slot))
		return true, nil
	case core.GatePark:
		if len(proposal.MissingRequired) > 0 {
			return false, core.E(core.TagInputInvalid, "proposal parked: missing required slots %s",
				strings.Join(proposal.MissingRequired, ", "))
		}
		return false, core.E(core.TagProposalUnbalanced, "proposal parked: %v", proposal.ReasonCodes)
	default:
		return false, fmt.Errorf("unknown gate %q", proposal.Gate)
	}
}

func (o *Orchestrator) stepBook(ctx context.Context, run *core.PipelineRun) error {
	entry, err := booking.EntryFromProposal(booking.CreateRequest{
		CompanyID: run.CompanyID,
		EntryDate: run.TransactionDate,
		Series:    o.opts.JournalSeries,
		Actor:     run.Actor,
		Proposal:  run.Payload.Proposal,
		RunID:     run.ID,
	})
	if err != nil {
		return err
	}
	now := o.now()
	run.State = core.StateCompleted
	run.CurrentStep = core.StepComplete
	run.CompletedAt = &now
	audit := &core.AuditRecord{
		ID:            uuid.New(),
		RunID:         run.ID,
		Step:          core.StepBook,
		Timestamp:     now,
		Actor:         run.Actor,
		PayloadDigest: core.Digest(entry),
	}
	if err := o.repo.CompleteRunWithEntry(ctx, run, entry, audit); err != nil {
		run.State = core.StateRunning
		run.CurrentStep = core.StepBook
		run.CompletedAt = nil
		return err
	}
	o.log.Info("run completed",
		zap.String("run_id", run.ID.String()),
		zap.String("entry_id", entry.ID.String()),
		zap.Int64("number", entry.Number))
	return nil
}

// route maps a step failure onto the run's terminal or held state.
func (o *Orchestrator) route(ctx context.Context, run *core.PipelineRun, step core.Step, err error) (*core.PipelineRun, error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return o.failWith(ctx, run, core.RunError{Kind: core.KindTimeout, Step: step, Message: err.Error()})
	case errors.Is(err, context.Canceled):
		return o.failWith(ctx, run, core.RunError{Kind: core.KindCancelled, Step: step, Message: err.Error()})
	}
	kind := core.KindForTag(core.TagOf(err))
	switch kind {
	case core.KindEngineRejection:
		run.State = core.StateParked
		run.Error = &core.RunError{Kind: kind, Step: step, Message: err.Error()}
		if saveErr := o.repo.SaveRun(ctx, run); saveErr != nil {
			return run, saveErr
		}
		o.log.Warn("run parked",
			zap.String("run_id", run.ID.String()),
			zap.String("step", string(step)),
			zap.Error(err))
		return run, nil
	case core.KindConfigError:
		return o.failWith(ctx, run, core.RunError{Kind: kind, Step: step, Message: err.Error()})
	default:
		return o.failWith(ctx, run, core.RunError{Kind: core.KindInfrastructure, Step: step, Message: err.Error()})
	}
}

func (o *Orchestrator) fail(ctx context.Context, run *core.PipelineRun, kind core.ErrorKind, msg string) (*core.PipelineRun, error) {
	return o.failWith(ctx, run, core.RunError{Kind: kind, Step: run.CurrentStep, Message: msg})
}

func (o *Orchestrator) failWith(ctx context.Context, run *core.PipelineRun, runErr core.RunError) (*core.PipelineRun, error) {
	run.State = core.StateFailed
	run.Error = &runErr
	now := o.now()
	run.CompletedAt = &now
	if err := o.repo.SaveRun(ctx, run); err != nil {
		return run, err
	}
	o.log.Error("run failed",
		zap.String("run_id", run.ID.String()),
		zap.String("step", string(runErr.Step)),
		zap.String("kind", string(runErr.Kind)),
		zap.String("message", runErr.Message))
	return run, nil
}

func (o *Orchestrator) audit(ctx context.Context, run *core.PipelineRun, step core.Step) error {
	return o.repo.AppendAudit(ctx, &core.AuditRecord{
		ID:            uuid.New(),
		RunID:         run.ID,
		Step:          step,
		Timestamp:     o.now(),
		Actor:         run.Actor,
		PayloadDigest: core.Digest(run.Payload),
	})
}

// ProvideClarification answers the pending question on a run in
// AWAITING_CLARIFICATION. Slot updates overlay the consumed intent and the
// run resumes from POLICY_SELECT, since new slots can change which policy
// matches.
func (o *Orchestrator) ProvideClarification(ctx context.Context, runID uuid.UUID, updates map[string]any) (*core.PipelineRun, error) {
	run, err := o.repo.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State != core.StateAwaitingClarification {
		return nil, core.E(core.TagConflict,
			"run %s is %s, clarification needs AWAITING_CLARIFICATION", runID, run.State)
	}
	if len(updates) == 0 {
		return nil, core.E(core.TagInputInvalid, "clarification carries no slot updates")
	}
	if run.Payload.SlotUpdates == nil {
		run.Payload.SlotUpdates = make(map[string]any, len(updates))
	}
	for k, v := range updates {
		run.Payload.SlotUpdates[k] = v
	}
	run.Payload.Question = nil
	run.State = core.StatePending
	run.CurrentStep = core.StepPolicySelect
	if err := o.repo.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	o.log.Info("clarification received",
		zap.String("run_id", runID.String()),
		zap.Int("slots", len(updates)))
	return run, nil
}

// CancelRun flags the run; the owning worker observes the flag between
// steps. Terminal runs reject cancellation.
func (o *Orchestrator) CancelRun(ctx context.Context, runID uuid.UUID) error {
	run, err := o.repo.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return core.E(core.TagConflict, "run %s already %s", runID, run.State)
	}
	return o.repo.RequestCancel(ctx, runID)
}

func (o *Orchestrator) GetRun(ctx context.Context, runID uuid.UUID) (*core.PipelineRun, error) {
	return o.repo.LoadRun(ctx, runID)
}

func (o *Orchestrator) AuditTrail(ctx context.Context, runID uuid.UUID) ([]core.AuditRecord, error) {
	return o.repo.AuditForRun(ctx, runID)
}
