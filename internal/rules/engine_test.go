package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoledger/internal/core"
)

func reprExtraction(t *testing.T) *core.ExtractionRecord {
	return &core.ExtractionRecord{
		TotalGross:   dec(t, "1176.00"),
		Currency:     "SEK",
		Vendor:       "Restaurang Prinsen",
		DocumentDate: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		VATLines: []core.VATLine{
			{Rate: dec(t, "12"), Base: dec(t, "1050.00"), Amount: dec(t, "126.00")},
		},
	}
}

func reprIntent() *core.IntentRecord {
	return &core.IntentRecord{
		Name:       "representation_meal",
		Confidence: 0.93,
		Slots:      map[string]any{"attendees_count": 3, "purpose": "customer lunch"},
	}
}

func TestEvaluateCappedRepresentationMeal(t *testing.T) {
	catalog := mustCatalog(t, catalogV1JSON)
	policy := mustPolicy(t, reprPolicyJSON)
	var engine Engine

	proposal, err := engine.Evaluate(reprExtraction(t), reprIntent(), policy, catalog)
	require.NoError(t, err)
	require.NotNil(t, proposal)

	require.Len(t, proposal.Lines, 5)
	type line struct{ account, side, amount string }
	var got []line
	for _, l := range proposal.Lines {
		got = append(got, line{l.Account, string(l.Side), l.Amount.StringFixed(2)})
	}
	assert.Equal(t, []line{
		{"6071", "D", "900.00"},
		{"6072", "D", "150.00"},
		{"2641", "D", "108.00"},
		{"6072", "D", "18.00"},
		{"1930", "K", "1176.00"},
	}, got)

	assert.True(t, proposal.Balanced())
	assert.Equal(t, core.GateAuto, proposal.Gate)
	assert.Equal(t, core.VATSplitDeductible, proposal.VATMode)
	assert.Equal(t, []string{
		"policy:SE_REPR_MEAL_V1",
		"intent:representation_meal(conf=0.93)",
		"vat:SE12",
		"cap-applied",
		"split-deductible",
	}, proposal.ReasonCodes)
}

func TestEvaluateCapWithTwoAttendees(t *testing.T) {
	catalog := mustCatalog(t, catalogV1JSON)
	policy := mustPolicy(t, reprPolicyJSON)
	var engine Engine

	// 1176 gross at 12% is 1050 net; two attendees cap the deductible net
	// at 600 and the remaining 450 plus its VAT share is expensed.
	intent := &core.IntentRecord{
		Name:       "representation_meal",
		Confidence: 0.96,
		Slots:      map[string]any{"attendees_count": 2, "purpose": "client lunch"},
	}

	proposal, err := engine.Evaluate(reprExtraction(t), intent, policy, catalog)
	require.NoError(t, err)
	require.NotNil(t, proposal)

	require.Len(t, proposal.Lines, 5)
	type line struct{ account, side, amount string }
	var got []line
	for _, l := range proposal.Lines {
		got = append(got, line{l.Account, string(l.Side), l.Amount.StringFixed(2)})
	}
	assert.Equal(t, []line{
		{"6071", "D", "600.00"},
		{"6072", "D", "450.00"},
		{"2641", "D", "72.00"},
		{"6072", "D", "54.00"},
		{"1930", "K", "1176.00"},
	}, got)

	assert.True(t, proposal.Balanced())
	assert.Equal(t, core.GateAuto, proposal.Gate)
	assert.Contains(t, proposal.ReasonCodes, "cap-applied")
}

func TestEvaluateDeterministic(t *testing.T) {
	catalog := mustCatalog(t, catalogV1JSON)
	policy := mustPolicy(t, reprPolicyJSON)
	var engine Engine

	first, err := engine.Evaluate(reprExtraction(t), reprIntent(), policy, catalog)
	require.NoError(t, err)
	second, err := engine.Evaluate(reprExtraction(t), reprIntent(), policy, catalog)
	require.NoError(t, err)
	assert.Equal(t, core.Digest(first), core.Digest(second))
}

func TestEvaluateReverseCharge(t *testing.T) {
	catalog := mustCatalog(t, catalogV1JSON)
	policy := mustPolicy(t, saasPolicyJSON)
	var engine Engine

	extraction := &core.ExtractionRecord{
		TotalGross:   dec(t, "1000.00"),
		Currency:     "EUR",
		Vendor:       "CloudHost Inc",
		DocumentDate: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	intent := &core.IntentRecord{
		Name:       "saas_subscription",
		Confidence: 0.95,
		Slots:      map[string]any{"supplier_id": "V-1044"},
	}

	proposal, err := engine.Evaluate(extraction, intent, policy, catalog)
	require.NoError(t, err)

	require.Len(t, proposal.Lines, 4)
	assert.Equal(t, "6540", proposal.Lines[0].Account)
	assert.Equal(t, "1000.00", proposal.Lines[0].Amount.StringFixed(2))
	assert.Equal(t, map[string]string{"supplier_id": "V-1044"}, proposal.Lines[0].Dimensions)
	assert.Equal(t, "2645", proposal.Lines[1].Account)
	assert.Equal(t, "250.00", proposal.Lines[1].Amount.StringFixed(2))
	assert.Equal(t, "2614", proposal.Lines[2].Account)
	assert.Equal(t, core.Credit, proposal.Lines[2].Side)
	assert.True(t, proposal.Balanced())

	assert.Equal(t, core.VATReverseCharge, proposal.VATMode)
	assert.Equal(t, map[string]string{"21": "net", "30": "vat_output", "48": "vat_input"}, proposal.ReportBoxes)
	assert.Contains(t, proposal.ReasonCodes, "reverse-charge")
	assert.Equal(t, core.GateAuto, proposal.Gate)
}

func TestEvaluateVendorPatternMismatch(t *testing.T) {
	catalog := mustCatalog(t, catalogV1JSON)
	policy := mustPolicy(t, saasPolicyJSON)
	var engine Engine

	extraction := &core.ExtractionRecord{
		TotalGross:   dec(t, "1000.00"),
		Currency:     "EUR",
		Vendor:       "Some Other Vendor",
		DocumentDate: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	intent := &core.IntentRecord{Name: "saas_subscription", Confidence: 0.95}

	_, err := engine.Evaluate(extraction, intent, policy, catalog)
	require.Error(t, err)
	assert.Equal(t, core.TagPolicyNotApplicable, core.TagOf(err))
}

func TestEvaluateMissingSlotClarifies(t *testing.T) {
	catalog := mustCatalog(t, catalogV1JSON)
	policy := mustPolicy(t, reprPolicyJSON)
	var engine Engine

	intent := &core.IntentRecord{
		Name:       "representation_meal",
		Confidence: 0.93,
		Slots:      map[string]any{"purpose": "customer lunch"},
	}
	proposal, err := engine.Evaluate(reprExtraction(t), intent, policy, catalog)
	require.NoError(t, err)

	assert.Equal(t, core.GateClarify, proposal.Gate)
	assert.Equal(t, []string{"attendees_count"}, proposal.MissingRequired)
	// The cap cannot apply without an attendee count, so the tentative
	// proposal books the full net as deductible.
	assert.True(t, proposal.Balanced())
	for _, l := range proposal.Lines {
		assert.True(t, l.Amount.IsPositive(), "zero-amount lines are skipped")
	}
}

func TestEvaluateLowConfidenceClarifies(t *testing.T) {
	catalog := mustCatalog(t, catalogV1JSON)
	policy := mustPolicy(t, reprPolicyJSON)
	var engine Engine

	intent := reprIntent()
	intent.Confidence = 0.79
	proposal, err := engine.Evaluate(reprExtraction(t), intent, policy, catalog)
	require.NoError(t, err)
	assert.Equal(t, core.GateClarify, proposal.Gate)
}

func TestEvaluateConfidenceAtThresholdAutoPosts(t *testing.T) {
	catalog := mustCatalog(t, catalogV1JSON)
	policy := mustPolicy(t, reprPolicyJSON)
	var engine Engine

	intent := reprIntent()
	intent.Confidence = 0.8
	proposal, err := engine.Evaluate(reprExtraction(t), intent, policy, catalog)
	require.NoError(t, err)
	assert.Equal(t, core.GateAuto, proposal.Gate, "comparison against the threshold is non-strict")
}

const lopsidedPolicyJSON = `{
  "id": "SE_LOPSIDED_V1",
  "version": "V1",
  "country": "SE",
  "effective_from": "2025-01-01T00:00:00Z",
  "bas_version": "2025_v1.0",
  "rules": {
    "match": {"intent": "misc_expense"},
    "vat": {"rate": "1"},
    "posting": [
      {"account": "6540", "side": "D", "amount": "net"},
      {"account_ref": "bank", "side": "K", "amount": "gross"}
    ]
  }
}`

func TestEvaluateRoundingLineAbsorbsSmallDiff(t *testing.T) {
	catalog := mustCatalog(t, catalogV1JSON)
	policy := mustPolicy(t, lopsidedPolicyJSON)
	var engine Engine

	// 1.00 at 1%: net 0.99, the 0.01 VAT never posts, leaving a 0.01 gap
	// inside the tolerance.
	extraction := &core.ExtractionRecord{
		TotalGross:   dec(t, "1.00"),
		Currency:     "SEK",
		DocumentDate: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	intent := &core.IntentRecord{Name: "misc_expense", Confidence: 0.9}

	proposal, err := engine.Evaluate(extraction, intent, policy, catalog)
	require.NoError(t, err)
	require.Len(t, proposal.Lines, 3)
	last := proposal.Lines[2]
	assert.Equal(t, "3740", last.Account)
	assert.Equal(t, core.Debit, last.Side)
	assert.Equal(t, "0.01", last.Amount.StringFixed(2))
	assert.True(t, proposal.Balanced())
	assert.Contains(t, proposal.ReasonCodes, "rounding-adjusted")
}

func TestEvaluateLargeImbalanceRejected(t *testing.T) {
	catalog := mustCatalog(t, catalogV1JSON)
	policy := mustPolicy(t, lopsidedPolicyJSON)
	policy.Rules.VAT.Rate = dec(t, "12")
	var engine Engine

	extraction := &core.ExtractionRecord{
		TotalGross:   dec(t, "100.00"),
		Currency:     "SEK",
		DocumentDate: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	intent := &core.IntentRecord{Name: "misc_expense", Confidence: 0.9}

	proposal, err := engine.Evaluate(extraction, intent, policy, catalog)
	require.Error(t, err)
	assert.Equal(t, core.TagProposalUnbalanced, core.TagOf(err))
	require.NotNil(t, proposal, "the failed proposal comes back for diagnostics")
	assert.Equal(t, core.GatePark, proposal.Gate)
}

func TestEvaluateUnknownAccountRejected(t *testing.T) {
	catalog := mustCatalog(t, catalogV1JSON)
	policy := mustPolicy(t, reprPolicyJSON)
	policy.Rules.Posting[0].Account = "9999"
	var engine Engine

	_, err := engine.Evaluate(reprExtraction(t), reprIntent(), policy, catalog)
	require.Error(t, err)
	assert.Equal(t, core.TagUnknownAccount, core.TagOf(err))
}

func TestRequirementOperators(t *testing.T) {
	intent := &core.IntentRecord{
		Name:       "x",
		Confidence: 1,
		Slots: map[string]any{
			"attendees_count": 3,
			"category":  "travel",
		},
	}
	tests := []struct {
		name string
		req  Requirement
		want bool
	}{
		{"gte holds", Requirement{Field: "attendees_count", Op: OpGTE, Value: []byte(`3`)}, true},
		{"gte fails", Requirement{Field: "attendees_count", Op: OpGTE, Value: []byte(`4`)}, false},
		{"gt", Requirement{Field: "attendees_count", Op: OpGT, Value: []byte(`2`)}, true},
		{"lte", Requirement{Field: "attendees_count", Op: OpLTE, Value: []byte(`3`)}, true},
		{"eq string", Requirement{Field: "category", Op: OpEQ, Value: []byte(`"travel"`)}, true},
		{"neq", Requirement{Field: "category", Op: OpNEQ, Value: []byte(`"meals"`)}, true},
		{"exists", Requirement{Field: "category", Op: OpExists}, true},
		{"exists missing", Requirement{Field: "project", Op: OpExists}, false},
		{"in", Requirement{Field: "category", Op: OpIn, Value: []byte(`["travel","meals"]`)}, true},
		{"not_in", Requirement{Field: "category", Op: OpNotIn, Value: []byte(`["meals"]`)}, true},
		{"absent field fails op", Requirement{Field: "project", Op: OpEQ, Value: []byte(`"p1"`)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, requirementHolds(tt.req, intent))
		})
	}
}
