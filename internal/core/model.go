package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountType string

const (
	Asset     AccountType = "asset"
	Liability AccountType = "liability"
	Equity    AccountType = "equity"
	Income    AccountType = "income"
	Expense   AccountType = "expense"
)

type Side string

const (
	Debit  Side = "D"
	Credit Side = "K"
)

type VATMode string

const (
	VATStandard        VATMode = "STANDARD"
	VATReverseCharge   VATMode = "REVERSE_CHARGE"
	VATSplitDeductible VATMode = "SPLIT_DEDUCTIBLE"
	VATCapped          VATMode = "CAPPED"
)

// Gate is the tri-state stoplight decision: auto-post, hold for one
// clarifying question, or park for manual review.
type Gate string

const (
	GateAuto    Gate = "AUTO"
	GateClarify Gate = "CLARIFY"
	GatePark    Gate = "PARK"
)

// VATLine is one rate bucket from the extracted receipt.
type VATLine struct {
	Rate   decimal.Decimal `json:"rate"`
	Base   decimal.Decimal `json:"base"`
	Amount decimal.Decimal `json:"amount"`
}

// ExtractionRecord is the normalized receipt produced by the external
// extractor. The engine consumes it and never mutates it.
type ExtractionRecord struct {
	TotalGross   decimal.Decimal `json:"total_gross"`
	Currency     string          `json:"currency"`
	VATLines     []VATLine       `json:"vat_lines,omitempty"`
	Vendor       string          `json:"vendor,omitempty"`
	DocumentDate time.Time       `json:"document_date"`
	RawText      string          `json:"raw_text,omitempty"`
}

// Validate enforces the extraction invariants: non-negative gross, ISO
// currency shape, and sum(base)+sum(amount) <= total_gross across VAT lines.
func (e *ExtractionRecord) Validate() error {
	if e.TotalGross.IsNegative() {
		return E(TagInputInvalid, "total_gross must not be negative, got %s", e.TotalGross)
	}
	if len(e.Currency) != 3 {
		return E(TagInputInvalid, "currency must be an ISO-4217 code, got %q", e.Currency)
	}
	sum := decimal.Zero
	for _, vl := range e.VATLines {
		if vl.Base.IsNegative() || vl.Amount.IsNegative() {
			return E(TagInputInvalid, "vat line for rate %s has negative base or amount", vl.Rate)
		}
		sum = sum.Add(vl.Base).Add(vl.Amount)
	}
	if sum.GreaterThan(e.TotalGross) {
		return E(TagInputInvalid, "vat lines sum to %s which exceeds total_gross %s", sum, e.TotalGross)
	}
	return nil
}

// IntentRecord is the classified transaction kind produced by the external
// intent detector. Slots hold primitive values keyed by slot name.
type IntentRecord struct {
	Name       string         `json:"name"`
	Confidence float64        `json:"confidence"`
	Slots      map[string]any `json:"slots,omitempty"`
}

func (in *IntentRecord) Validate() error {
	if in.Name == "" {
		return E(TagInputInvalid, "intent name is empty")
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return E(TagInputInvalid, "intent confidence %v outside [0,1]", in.Confidence)
	}
	return nil
}

// Slot returns the raw slot value and whether it is present.
func (in *IntentRecord) Slot(name string) (any, bool) {
	v, ok := in.Slots[name]
	return v, ok
}

// SlotInt reads a slot as an integer. JSON round-trips turn numbers into
// float64, so both forms are accepted.
func (in *IntentRecord) SlotInt(name string) (int64, bool) {
	switch v := in.Slots[name].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// SlotString reads a slot as a string.
func (in *IntentRecord) SlotString(name string) (string, bool) {
	s, ok := in.Slots[name].(string)
	return s, ok
}

// ProposalLine is one debit or credit line of a posting proposal.
type ProposalLine struct {
	Account     string            `json:"account"`
	Side        Side              `json:"side"`
	Amount      decimal.Decimal   `json:"amount"`
	Description string            `json:"description,omitempty"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
}

// PostingProposal is the rule engine output: a balanced set of lines plus
// the decisions that produced them.
type PostingProposal struct {
	Lines           []ProposalLine    `json:"lines"`
	VATCode         string            `json:"vat_code,omitempty"`
	VATMode         VATMode           `json:"vat_mode"`
	ReportBoxes     map[string]string `json:"report_boxes,omitempty"`
	Confidence      float64           `json:"confidence"`
	ReasonCodes     []string          `json:"reason_codes"`
	Gate            Gate              `json:"gate"`
	PolicyID        string            `json:"policy_id"`
	MissingRequired []string          `json:"missing_required,omitempty"`
}

// JournalLine is one persisted line of a journal entry. Ordinal preserves
// the proposal's line order.
type JournalLine struct {
	ID          uuid.UUID         `json:"id"`
	EntryID     uuid.UUID         `json:"entry_id"`
	Ordinal     int               `json:"ordinal"`
	Account     string            `json:"account"`
	Side        Side              `json:"side"`
	Amount      decimal.Decimal   `json:"amount"`
	Description string            `json:"description,omitempty"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
}

// JournalEntry is an immutable double-entry posting. Corrections are new
// entries referencing the original; there is no in-place mutation.
type JournalEntry struct {
	ID                uuid.UUID     `json:"id"`
	CompanyID         uuid.UUID     `json:"company_id"`
	EntryDate         time.Time     `json:"entry_date"`
	Series            string        `json:"series"`
	Number            int64         `json:"number"`
	Notes             string        `json:"notes,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	CreatedBy         string        `json:"created_by,omitempty"`
	Lines             []JournalLine `json:"lines"`
	SourcePipelineRun uuid.UUID     `json:"source_pipeline_run"`
}

type RunState string

const (
	StatePending               RunState = "PENDING"
	StateRunning               RunState = "RUNNING"
	StateAwaitingClarification RunState = "AWAITING_CLARIFICATION"
	StateParked                RunState = "PARKED"
	StateCompleted             RunState = "COMPLETED"
	StateFailed                RunState = "FAILED"
)

type Step string

const (
	StepLoad           Step = "LOAD"
	StepExtractConsume Step = "EXTRACT_CONSUME"
	StepIntentConsume  Step = "INTENT_CONSUME"
	StepPolicySelect   Step = "POLICY_SELECT"
	StepMigrate        Step = "MIGRATE"
	StepPropose        Step = "PROPOSE"
	StepGate           Step = "GATE"
	StepBook           Step = "BOOK"
	StepComplete       Step = "COMPLETE"
)

var stepOrder = []Step{
	StepLoad, StepExtractConsume, StepIntentConsume, StepPolicySelect,
	StepMigrate, StepPropose, StepGate, StepBook, StepComplete,
}

// StepIndex returns the position of s in the pipeline, or -1.
func StepIndex(s Step) int {
	for i, o := range stepOrder {
		if o == s {
			return i
		}
	}
	return -1
}

// NextStep returns the step after s, or COMPLETE when s is last.
func NextStep(s Step) Step {
	i := StepIndex(s)
	if i < 0 || i+1 >= len(stepOrder) {
		return StepComplete
	}
	return stepOrder[i+1]
}

// RunError records a terminal failure on a run.
type RunError struct {
	Kind    ErrorKind `json:"kind"`
	Step    Step      `json:"step"`
	Message string    `json:"message"`
}

// InputRefs are opaque handles to the externally produced extraction and
// intent records; the orchestrator resolves them through the input port.
type InputRefs struct {
	ExtractionRef string `json:"extraction_ref"`
	IntentRef     string `json:"intent_ref"`
}

// ClarifyQuestion is the single structured question carried by a run in
// AWAITING_CLARIFICATION. Derived deterministically from the first missing
// slot, so identical inputs always yield the same question.
type ClarifyQuestion struct {
	Slot   string `json:"slot,omitempty"`
	Prompt string `json:"prompt"`
}

// RunPayload is the step-keyed bag persisted with the run. Each step writes
// its output under its own field; re-running a step overwrites it with the
// same value (the engine is pure over its inputs).
type RunPayload struct {
	Extraction     *ExtractionRecord `json:"extraction,omitempty"`
	Intent         *IntentRecord     `json:"intent,omitempty"`
	SlotUpdates    map[string]any    `json:"slot_updates,omitempty"`
	PolicyID       string            `json:"policy_id,omitempty"`
	CatalogVersion string            `json:"catalog_version,omitempty"`
	MigratedFrom   string            `json:"migrated_from,omitempty"`
	Proposal       *PostingProposal  `json:"proposal,omitempty"`
	Question       *ClarifyQuestion  `json:"question,omitempty"`
}

// EffectiveIntent merges clarification slot updates over the consumed
// intent without mutating the original record.
func (p *RunPayload) EffectiveIntent() *IntentRecord {
	if p.Intent == nil {
		return nil
	}
	merged := IntentRecord{
		Name:       p.Intent.Name,
		Confidence: p.Intent.Confidence,
		Slots:      make(map[string]any, len(p.Intent.Slots)+len(p.SlotUpdates)),
	}
	for k, v := range p.Intent.Slots {
		merged.Slots[k] = v
	}
	for k, v := range p.SlotUpdates {
		merged.Slots[k] = v
	}
	return &merged
}

// PipelineRun is the persistent record of one end-to-end processing attempt.
type PipelineRun struct {
	ID              uuid.UUID  `json:"id"`
	CompanyID       uuid.UUID  `json:"company_id"`
	Actor           string     `json:"actor"`
	Country         string     `json:"country"`
	TransactionDate time.Time  `json:"transaction_date"`
	InputRefs       InputRefs  `json:"input_refs"`
	State           RunState   `json:"state"`
	CurrentStep     Step       `json:"current_step"`
	Payload         RunPayload `json:"payload"`
	Error           *RunError  `json:"error,omitempty"`
	JournalEntryID  *uuid.UUID `json:"journal_entry_id,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	ClaimedBy       string     `json:"claimed_by,omitempty"`
	ClaimExpiresAt  *time.Time `json:"claim_expires_at,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the run can make no further progress without
// corrective input.
func (r *PipelineRun) Terminal() bool {
	switch r.State {
	case StateCompleted, StateFailed, StateParked:
		return true
	}
	return false
}

// AuditRecord is an append-only trace of one step's output, identified by a
// content-addressed digest of the step payload.
type AuditRecord struct {
	ID            uuid.UUID `json:"id"`
	RunID         uuid.UUID `json:"run_id"`
	Step          Step      `json:"step"`
	Timestamp     time.Time `json:"ts"`
	Actor         string    `json:"actor"`
	PayloadDigest string    `json:"digest"`
}
