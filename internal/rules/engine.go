package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"autoledger/internal/core"
)

// dimensionSlots are the slot names a posting template may copy onto a
// line as dimensions.
var dimensionSlots = map[string]bool{
	"project":     true,
	"cost_center": true,
	"employee_id": true,
	"supplier_id": true,
}

// Engine computes a balanced posting proposal in one pass. It is pure:
// no I/O, no clocks, and identical inputs always yield identical output,
// reason codes included.
type Engine struct{}

// Evaluate runs the policy over the extraction and intent against the
// resolved catalog. It returns a proposal or a tagged failure; recoverable
// policy outcomes (missing slots, parked proposals) come back as proposals
// with the corresponding gate, not as errors.
func (Engine) Evaluate(
	extraction *core.ExtractionRecord,
	intent *core.IntentRecord,
	policy *Policy,
	catalog *AccountCatalog,
) (*core.PostingProposal, error) {
	if err := extraction.Validate(); err != nil {
		return nil, err
	}
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	if !matchesAmounts(&policy.Rules.Match, extraction) {
		return nil, core.E(core.TagPolicyNotApplicable,
			"policy %s match rules exclude vendor %q gross %s", policy.ID, extraction.Vendor, extraction.TotalGross)
	}

	// Step 1: requirement check.
	missing := missingRequirements(policy.Rules.Requires, intent)
	if len(missing) > 0 {
		gate := DecideGate(policy.Rules.Stoplight, missing, false, intent.Confidence)
		if gate == core.GatePark {
			return parkedProposal(policy, intent, missing), nil
		}
		// CLARIFY proceeds: compute what we can so the caller has a
		// tentative proposal to show alongside the question.
	}

	// Step 2: VAT computation.
	amounts, err := ComputeAmounts(extraction.TotalGross, policy.Rules.VAT, intent)
	if err != nil {
		return nil, err
	}

	// Step 3: line generation.
	lines, err := generateLines(policy, catalog, amounts, intent)
	if err != nil {
		return nil, err
	}

	proposal := &core.PostingProposal{
		Lines:           lines,
		VATMode:         amounts.Mode,
		Confidence:      intent.Confidence,
		PolicyID:        policy.ID,
		MissingRequired: missing,
	}
	if policy.Rules.VAT != nil {
		proposal.VATCode = policy.Rules.VAT.Code
		if amounts.Mode == core.VATReverseCharge {
			proposal.ReportBoxes = policy.Rules.VAT.ReportBoxes
		}
	}

	// Step 4: balance check with a single rounding-difference line.
	roundingAdjusted, err := balance(proposal, catalog)
	if err != nil {
		proposal.Gate = core.GatePark
		proposal.ReasonCodes = reasonCodes(policy, intent, amounts, false)
		return proposal, err
	}

	// Step 5: reason codes, then the gate.
	proposal.ReasonCodes = reasonCodes(policy, intent, amounts, roundingAdjusted)
	proposal.Gate = DecideGate(policy.Rules.Stoplight, missing, false, intent.Confidence)
	return proposal, nil
}

func matchesAmounts(m *MatchRule, extraction *core.ExtractionRecord) bool {
	if m.AmountMin != nil && extraction.TotalGross.LessThan(*m.AmountMin) {
		return false
	}
	if m.AmountMax != nil && extraction.TotalGross.GreaterThan(*m.AmountMax) {
		return false
	}
	if len(m.VendorPatterns) > 0 && extraction.Vendor != "" {
		vendor := strings.ToLower(extraction.Vendor)
		for _, pat := range m.VendorPatterns {
			if strings.Contains(vendor, strings.ToLower(pat)) {
				return true
			}
		}
		return false
	}
	return true
}

// missingRequirements evaluates each requires predicate over the intent
// slots, preserving document order.
func missingRequirements(reqs []Requirement, intent *core.IntentRecord) []string {
	var missing []string
	for _, req := range reqs {
		if !requirementHolds(req, intent) {
			missing = append(missing, req.Field)
		}
	}
	return missing
}

func requirementHolds(req Requirement, intent *core.IntentRecord) bool {
	actual, present := intent.Slot(req.Field)
	if req.Op == OpExists {
		return present
	}
	if !present {
		return false
	}
	var expected any
	if err := json.Unmarshal(req.Value, &expected); err != nil {
		return false
	}
	switch req.Op {
	case OpEQ:
		return looseEqual(actual, expected)
	case OpNEQ:
		return !looseEqual(actual, expected)
	case OpGTE, OpGT, OpLTE:
		a, aok := asNumber(actual)
		b, bok := asNumber(expected)
		if !aok || !bok {
			return false
		}
		switch req.Op {
		case OpGTE:
			return a >= b
		case OpGT:
			return a > b
		default:
			return a <= b
		}
	case OpIn, OpNotIn:
		list, ok := expected.([]any)
		if !ok {
			return false
		}
		found := false
		for _, item := range list {
			if looseEqual(actual, item) {
				found = true
				break
			}
		}
		if req.Op == OpIn {
			return found
		}
		return !found
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func looseEqual(a, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func generateLines(policy *Policy, catalog *AccountCatalog, amounts *Amounts, intent *core.IntentRecord) ([]core.ProposalLine, error) {
	var lines []core.ProposalLine
	for i, tpl := range policy.Rules.Posting {
		number := tpl.Account
		if number == "" {
			resolved, err := catalog.ResolveRef(tpl.AccountRef)
			if err != nil {
				return nil, err
			}
			number = resolved
		}
		if err := catalog.ValidateNumber(number, policy.Country); err != nil {
			return nil, err
		}
		amount, err := amounts.Resolve(tpl.Amount)
		if err != nil {
			return nil, core.E(core.TagVATComputation, "posting[%d]: %v", i, err)
		}
		// A formula that evaluates to zero (an uncapped split, a zero-rate
		// VAT) produces no line.
		if amount.IsZero() {
			continue
		}
		if amount.IsNegative() {
			return nil, core.E(core.TagVATComputation, "posting[%d]: formula %s is negative (%s)", i, tpl.Amount, amount)
		}
		line := core.ProposalLine{
			Account:     number,
			Side:        tpl.Side,
			Amount:      amount,
			Description: tpl.Description,
		}
		for _, dim := range tpl.Dimensions {
			if !dimensionSlots[dim] {
				continue
			}
			if v, ok := intent.SlotString(dim); ok {
				if line.Dimensions == nil {
					line.Dimensions = make(map[string]string)
				}
				line.Dimensions[dim] = v
			}
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// roundingRef is the semantic tag of the designated rounding-difference
// account.
const roundingRef = "rounding"

// balance verifies sum(D) == sum(K), absorbing a discrepancy within the
// rounding tolerance with one line against the rounding account. Returns
// whether an adjustment line was added.
func balance(proposal *core.PostingProposal, catalog *AccountCatalog) (bool, error) {
	debit, credit := proposal.Totals()
	diff := debit.Sub(credit)
	if diff.IsZero() {
		return false, nil
	}
	if diff.Abs().GreaterThan(roundingTolerance) {
		return false, core.E(core.TagProposalUnbalanced,
			"debits %s != credits %s, discrepancy %s exceeds rounding tolerance",
			debit.StringFixed(2), credit.StringFixed(2), diff.Abs().StringFixed(2))
	}
	account, err := catalog.ResolveRef(roundingRef)
	if err != nil {
		return false, core.E(core.TagProposalUnbalanced,
			"discrepancy %s needs a rounding account and catalog %s defines none",
			diff.Abs().StringFixed(2), catalog.Version)
	}
	side := core.Debit
	if diff.IsPositive() {
		side = core.Credit
	}
	proposal.Lines = append(proposal.Lines, core.ProposalLine{
		Account:     account,
		Side:        side,
		Amount:      diff.Abs(),
		Description: "rounding difference",
	})
	return true, nil
}

// reasonCodes emits the ordered decision trace. Order is part of the
// contract: policy, intent, vat, then one code per material decision.
func reasonCodes(policy *Policy, intent *core.IntentRecord, amounts *Amounts, roundingAdjusted bool) []string {
	codes := []string{
		fmt.Sprintf("policy:%s", policy.ID),
		fmt.Sprintf("intent:%s(conf=%.2f)", intent.Name, intent.Confidence),
	}
	if vat := policy.Rules.VAT; vat != nil {
		if vat.Code != "" {
			codes = append(codes, fmt.Sprintf("vat:%s", vat.Code))
		} else {
			codes = append(codes, fmt.Sprintf("vat:%s", vat.Rate.String()))
		}
	}
	if amounts.CapApplied {
		codes = append(codes, "cap-applied")
	}
	if amounts.Mode == core.VATReverseCharge {
		codes = append(codes, "reverse-charge")
	}
	if amounts.Mode == core.VATSplitDeductible {
		codes = append(codes, "split-deductible")
	}
	if policy.MigratedFrom != "" {
		codes = append(codes, fmt.Sprintf("migrated-from:%s", policy.MigratedFrom))
	}
	if roundingAdjusted {
		codes = append(codes, "rounding-adjusted")
	}
	return codes
}

func parkedProposal(policy *Policy, intent *core.IntentRecord, missing []string) *core.PostingProposal {
	return &core.PostingProposal{
		PolicyID:        policy.ID,
		Confidence:      intent.Confidence,
		Gate:            core.GatePark,
		MissingRequired: missing,
		VATMode:         core.VATStandard,
		ReasonCodes: []string{
			fmt.Sprintf("policy:%s", policy.ID),
			fmt.Sprintf("intent:%s(conf=%.2f)", intent.Name, intent.Confidence),
			fmt.Sprintf("missing:%s", strings.Join(missing, ",")),
		},
	}
}

// RoundingTolerance exposes the absorption limit for tests and booking
// defense checks.
func RoundingTolerance() decimal.Decimal {
	return roundingTolerance
}
