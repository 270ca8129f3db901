package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Totals returns the debit and credit sums of the proposal lines.
func (p *PostingProposal) Totals() (debit, credit decimal.Decimal) {
	debit, credit = decimal.Zero, decimal.Zero
	for _, l := range p.Lines {
		if l.Side == Debit {
			debit = debit.Add(l.Amount)
		} else {
			credit = credit.Add(l.Amount)
		}
	}
	return debit, credit
}

// Balanced reports exact decimal equality of debit and credit totals.
func (p *PostingProposal) Balanced() bool {
	d, k := p.Totals()
	return d.Equal(k)
}

// Validate enforces the structural posting rules before booking: at least
// two lines, strictly positive amounts, known sides, and exact balance.
func (p *PostingProposal) Validate() error {
	if len(p.Lines) < 2 {
		return E(TagNotBalancedOnBook, "entry must have at least 2 lines, got %d", len(p.Lines))
	}
	for _, l := range p.Lines {
		if l.Account == "" {
			return E(TagNotBalancedOnBook, "line has empty account")
		}
		if l.Side != Debit && l.Side != Credit {
			return E(TagNotBalancedOnBook, "line for account %s has invalid side %q", l.Account, l.Side)
		}
		if !l.Amount.IsPositive() {
			return E(TagNotBalancedOnBook, "amount must be > 0 for account %s, got %s", l.Account, l.Amount)
		}
	}
	if d, k := p.Totals(); !d.Equal(k) {
		return E(TagNotBalancedOnBook, "debits %s != credits %s", d.StringFixed(2), k.StringFixed(2))
	}
	return nil
}

// Digest returns the content-addressed hash of v's canonical JSON form,
// used for audit records. Map keys are sorted by encoding/json, so the
// digest is stable for identical values.
func Digest(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
