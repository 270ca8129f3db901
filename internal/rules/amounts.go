package rules

import (
	"github.com/shopspring/decimal"

	"autoledger/internal/core"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
	// tolerance absorbed by a single rounding-difference line. Anything
	// larger is a genuine imbalance, not öresavrundning.
	roundingTolerance = decimal.NewFromFloat(0.02)
)

// Amounts holds every named formula a posting template may reference,
// computed once per proposal. All values carry banker's rounding to two
// places applied at the final step only.
type Amounts struct {
	Gross            decimal.Decimal
	Net              decimal.Decimal
	VAT              decimal.Decimal
	DeductibleNet    decimal.Decimal
	NonDeductibleNet decimal.Decimal
	VATDeductible    decimal.Decimal
	VATNonDeductible decimal.Decimal
	VATOutput        decimal.Decimal
	VATInput         decimal.Decimal

	Mode       core.VATMode
	CapApplied bool
}

// Resolve maps an amount formula name to its computed value.
func (a *Amounts) Resolve(ref AmountRef) (decimal.Decimal, error) {
	switch ref {
	case AmtGross:
		return a.Gross, nil
	case AmtNet:
		return a.Net, nil
	case AmtVAT:
		return a.VAT, nil
	case AmtDeductibleNet, AmtNetAfterCap:
		return a.DeductibleNet, nil
	case AmtNonDeductibleNet:
		return a.NonDeductibleNet, nil
	case AmtVATDeductible:
		return a.VATDeductible, nil
	case AmtVATNonDeductible:
		return a.VATNonDeductible, nil
	case AmtVATOutput:
		return a.VATOutput, nil
	case AmtVATInput:
		return a.VATInput, nil
	default:
		return decimal.Zero, core.E(core.TagVATComputation, "unknown amount formula %q", ref)
	}
}

// ComputeAmounts evaluates the VAT rules of a policy over a gross total.
//
// Standard mode treats gross as VAT-inclusive and splits it into net and
// VAT. Reverse charge treats gross as net and computes offsetting output
// and input VAT on top. A per-person cap limits the deductible net to
// cap_per_person x attendees_count; the remainder is non-deductible, and
// its VAT follows it.
func ComputeAmounts(gross decimal.Decimal, vat *VATRule, intent *core.IntentRecord) (*Amounts, error) {
	if gross.IsNegative() {
		return nil, core.E(core.TagVATComputation, "gross %s is negative", gross)
	}
	a := &Amounts{Gross: gross.RoundBank(2), Mode: core.VATStandard}
	if vat == nil {
		a.Net = a.Gross
		a.DeductibleNet = a.Net
		return a, nil
	}
	rate := vat.Rate
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return nil, core.E(core.TagVATComputation, "vat rate %s outside [0,100]", rate)
	}
	rateFraction := rate.Div(hundred)

	if vat.Mode == core.VATReverseCharge {
		// Gross carries no VAT; it is the net, and VAT is self-assessed.
		a.Mode = core.VATReverseCharge
		a.Net = a.Gross
		a.DeductibleNet = a.Net
		a.VATOutput = a.Net.Mul(rateFraction).RoundBank(2)
		a.VATInput = a.VATOutput
		return a, nil
	}

	a.Net = a.Gross.Div(one.Add(rateFraction)).RoundBank(2)
	a.VAT = a.Gross.Sub(a.Net)
	if a.Net.IsNegative() {
		return nil, core.E(core.TagVATComputation, "net %s is negative", a.Net)
	}
	a.DeductibleNet = a.Net
	a.VATDeductible = a.VAT

	if vat.CapPerPerson != nil {
		attendees, ok := intent.SlotInt("attendees_count")
		// An absent or zero attendee count means the cap cannot bite; the
		// full amount stays deductible.
		if ok && attendees >= 1 {
			capNet := vat.CapPerPerson.Mul(decimal.NewFromInt(attendees))
			if a.Net.GreaterThan(capNet) {
				a.CapApplied = true
				a.Mode = core.VATCapped
				if vat.DeductibleSplit {
					a.Mode = core.VATSplitDeductible
				}
				a.DeductibleNet = capNet.RoundBank(2)
				a.NonDeductibleNet = a.Net.Sub(a.DeductibleNet)
				a.VATDeductible = a.DeductibleNet.Mul(rateFraction).RoundBank(2)
				a.VATNonDeductible = a.VAT.Sub(a.VATDeductible)
			}
		}
	}
	return a, nil
}
