package rules

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"autoledger/internal/core"
)

// Op is the closed set of requirement operators. Extending this set is
// an engine change, not a data change.
type Op string

const (
	OpGTE    Op = ">="
	OpGT     Op = ">"
	OpLTE    Op = "<="
	OpEQ     Op = "=="
	OpNEQ    Op = "!="
	OpExists Op = "exists"
	OpIn     Op = "in"
	OpNotIn  Op = "not_in"
)

func (o Op) Valid() bool {
	switch o {
	case OpGTE, OpGT, OpLTE, OpEQ, OpNEQ, OpExists, OpIn, OpNotIn:
		return true
	}
	return false
}

// AmountRef is the closed set of named amount formulas a posting template
// line may reference.
type AmountRef string

const (
	AmtGross            AmountRef = "gross"
	AmtNet              AmountRef = "net"
	AmtVAT              AmountRef = "vat"
	AmtDeductibleNet    AmountRef = "deductible_net"
	AmtNonDeductibleNet AmountRef = "non_deductible_net"
	AmtVATDeductible    AmountRef = "vat_deductible"
	AmtVATNonDeductible AmountRef = "vat_non_deductible"
	AmtVATOutput        AmountRef = "vat_output"
	AmtVATInput         AmountRef = "vat_input"
	AmtNetAfterCap      AmountRef = "net_after_cap" // alias for deductible_net
)

func (a AmountRef) Valid() bool {
	switch a {
	case AmtGross, AmtNet, AmtVAT, AmtDeductibleNet, AmtNonDeductibleNet,
		AmtVATDeductible, AmtVATNonDeductible, AmtVATOutput, AmtVATInput, AmtNetAfterCap:
		return true
	}
	return false
}

// MatchRule is the intent predicate of a policy.
type MatchRule struct {
	Intent         string           `json:"intent" validate:"required"`
	VendorPatterns []string         `json:"vendor_patterns,omitempty"`
	AmountMin      *decimal.Decimal `json:"amount_min,omitempty"`
	AmountMax      *decimal.Decimal `json:"amount_max,omitempty"`
}

// Specificity counts the match constraints; narrower predicates rank first
// in selection.
func (m *MatchRule) Specificity() int {
	n := 1 // intent is always present
	if len(m.VendorPatterns) > 0 {
		n++
	}
	if m.AmountMin != nil {
		n++
	}
	if m.AmountMax != nil {
		n++
	}
	return n
}

// Requirement is one required-slot predicate.
type Requirement struct {
	Field string          `json:"field" validate:"required"`
	Op    Op              `json:"op" validate:"required"`
	Value json.RawMessage `json:"value,omitempty"`
}

// VATRule configures the VAT computation for a policy.
type VATRule struct {
	Rate            decimal.Decimal   `json:"rate"`
	CapPerPerson    *decimal.Decimal  `json:"cap_per_person,omitempty"`
	Code            string            `json:"code,omitempty"`
	Mode            core.VATMode      `json:"mode,omitempty"`
	DeductibleSplit bool              `json:"deductible_split,omitempty"`
	ReportBoxes     map[string]string `json:"report_boxes,omitempty"`
}

// PostingTemplate is one template line. Exactly one of Account (literal
// number) or AccountRef (semantic tag) must be set.
type PostingTemplate struct {
	Account     string    `json:"account,omitempty"`
	AccountRef  string    `json:"account_ref,omitempty"`
	Side        core.Side `json:"side" validate:"required,oneof=D K"`
	Amount      AmountRef `json:"amount" validate:"required"`
	Description string    `json:"description,omitempty"`
	Dimensions  []string  `json:"dimensions,omitempty"`
}

// StoplightRule configures the gate.
type StoplightRule struct {
	OnMissingRequired   core.Gate `json:"on_missing_required,omitempty"`
	OnFail              core.Gate `json:"on_fail,omitempty"`
	ConfidenceThreshold float64   `json:"confidence_threshold,omitempty" validate:"gte=0,lte=1"`
}

// RuleSet is the rules block of a policy document.
type RuleSet struct {
	Match     MatchRule         `json:"match" validate:"required"`
	Requires  []Requirement     `json:"requires,omitempty" validate:"dive"`
	VAT       *VATRule          `json:"vat,omitempty"`
	Posting   []PostingTemplate `json:"posting" validate:"required,min=1,dive"`
	Stoplight StoplightRule     `json:"stoplight,omitempty"`
}

// Policy is a versioned rule document bound to a catalog version.
type Policy struct {
	ID             string     `json:"id" validate:"required"`
	Version        string     `json:"version" validate:"required"`
	Country        string     `json:"country" validate:"required,len=2"`
	EffectiveFrom  time.Time  `json:"effective_from" validate:"required"`
	EffectiveTo    *time.Time `json:"effective_to,omitempty"`
	Name           string     `json:"name,omitempty"`
	Description    string     `json:"description,omitempty"`
	CatalogVersion string     `json:"bas_version" validate:"required"`
	Rules          RuleSet    `json:"rules" validate:"required"`

	// MigratedFrom carries the source catalog version after a migration.
	// Not part of the document schema.
	MigratedFrom string `json:"-"`
}

// EffectiveOn reports whether the policy's effective interval contains d.
// Both endpoints are inclusive.
func (p *Policy) EffectiveOn(d time.Time) bool {
	if d.Before(p.EffectiveFrom) {
		return false
	}
	return p.EffectiveTo == nil || !d.After(*p.EffectiveTo)
}

// VersionOrdinal parses versions of the form "V3" for ordering and bumping.
func (p *Policy) VersionOrdinal() int {
	n, err := strconv.Atoi(strings.TrimPrefix(p.Version, "V"))
	if err != nil {
		return 0
	}
	return n
}

// DecodePolicy reads a policy document, rejecting unknown fields, and
// checks the schema-level constraints that do not need a catalog.
func DecodePolicy(r io.Reader) (*Policy, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var p Policy
	if err := dec.Decode(&p); err != nil {
		return nil, core.E(core.TagPolicyInvalid, "decode policy: %v", err)
	}
	if err := p.CheckSchema(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPolicyFile decodes a policy document from disk.
func LoadPolicyFile(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy %s: %w", path, err)
	}
	defer f.Close()
	return DecodePolicy(f)
}

// CheckSchema validates the document against the published schema rules:
// field constraints, closed operator and amount sets, and template shape.
func (p *Policy) CheckSchema() error {
	if err := docValidate.Struct(p); err != nil {
		return core.E(core.TagPolicyInvalid, "policy %s: %v", p.ID, err)
	}
	if p.Rules.VAT != nil {
		rate := p.Rules.VAT.Rate
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
			return core.E(core.TagPolicyInvalid, "policy %s: vat rate %s outside [0,100]", p.ID, rate)
		}
		switch p.Rules.VAT.Mode {
		case "", core.VATStandard, core.VATReverseCharge:
		default:
			return core.E(core.TagPolicyInvalid, "policy %s: vat mode %q is not settable from a document", p.ID, p.Rules.VAT.Mode)
		}
	}
	for i, req := range p.Rules.Requires {
		if !req.Op.Valid() {
			return core.E(core.TagPolicyInvalid, "policy %s: requires[%d] has unknown op %q", p.ID, i, req.Op)
		}
		if req.Op != OpExists && len(req.Value) == 0 {
			return core.E(core.TagPolicyInvalid, "policy %s: requires[%d] op %q needs a value", p.ID, i, req.Op)
		}
	}
	for i, tpl := range p.Rules.Posting {
		if (tpl.Account == "") == (tpl.AccountRef == "") {
			return core.E(core.TagPolicyInvalid, "policy %s: posting[%d] must set exactly one of account or account_ref", p.ID, i)
		}
		if !tpl.Amount.Valid() {
			return core.E(core.TagPolicyInvalid, "policy %s: posting[%d] has unknown amount formula %q", p.ID, i, tpl.Amount)
		}
	}
	for field, g := range map[string]core.Gate{
		"on_missing_required": p.Rules.Stoplight.OnMissingRequired,
		"on_fail":             p.Rules.Stoplight.OnFail,
	} {
		switch g {
		case "", core.GateAuto, core.GateClarify, core.GatePark:
		default:
			return core.E(core.TagPolicyInvalid, "policy %s: stoplight.%s has unknown gate %q", p.ID, field, g)
		}
	}
	return nil
}

// ValidateAgainst checks every posting account of the policy against the
// catalog named by its catalog version, for the policy's country.
func (p *Policy) ValidateAgainst(catalog *AccountCatalog) error {
	if catalog.Version != p.CatalogVersion {
		return core.E(core.TagPolicyInvalid, "policy %s names catalog %s, got %s", p.ID, p.CatalogVersion, catalog.Version)
	}
	for i, tpl := range p.Rules.Posting {
		number := tpl.Account
		if number == "" {
			resolved, err := catalog.ResolveRef(tpl.AccountRef)
			if err != nil {
				return core.E(core.TagPolicyInvalid, "policy %s: posting[%d]: %v", p.ID, i, err)
			}
			number = resolved
		}
		if err := catalog.ValidateNumber(number, p.Country); err != nil {
			return core.E(core.TagPolicyInvalid, "policy %s: posting[%d]: %v", p.ID, i, err)
		}
	}
	return nil
}

// Clone deep-copies the policy so migration can rewrite it without
// touching the loaded original.
func (p *Policy) Clone() *Policy {
	cp := *p
	cp.Rules.Requires = append([]Requirement(nil), p.Rules.Requires...)
	cp.Rules.Posting = append([]PostingTemplate(nil), p.Rules.Posting...)
	cp.Rules.Match.VendorPatterns = append([]string(nil), p.Rules.Match.VendorPatterns...)
	if p.Rules.VAT != nil {
		vat := *p.Rules.VAT
		if p.Rules.VAT.ReportBoxes != nil {
			vat.ReportBoxes = make(map[string]string, len(p.Rules.VAT.ReportBoxes))
			for k, v := range p.Rules.VAT.ReportBoxes {
				vat.ReportBoxes[k] = v
			}
		}
		cp.Rules.VAT = &vat
	}
	return &cp
}
