package rules

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

const catalogV1JSON = `{
  "bas_version": "2025_v1.0",
  "effective_from": "2025-01-01T00:00:00Z",
  "effective_to": "2025-06-30T00:00:00Z",
  "accounts": [
    {"number": "1930", "name": "Bank", "class": "19", "type": "asset"},
    {"number": "2614", "name": "Output VAT RC", "class": "26", "type": "liability"},
    {"number": "2641", "name": "Input VAT", "class": "26", "type": "asset"},
    {"number": "2645", "name": "Input VAT RC", "class": "26", "type": "asset"},
    {"number": "3740", "name": "Rounding", "class": "37", "type": "income"},
    {"number": "6071", "name": "Representation deductible", "class": "60", "type": "expense", "allowed_regions": ["SE"]},
    {"number": "6072", "name": "Representation non-deductible", "class": "60", "type": "expense", "allowed_regions": ["SE"]},
    {"number": "6540", "name": "IT services", "class": "65", "type": "expense"}
  ],
  "refs": {"bank": "1930", "rounding": "3740"}
}`

const catalogV2JSON = `{
  "bas_version": "2025_v2.0",
  "effective_from": "2025-07-01T00:00:00Z",
  "accounts": [
    {"number": "1930", "name": "Bank", "class": "19", "type": "asset"},
    {"number": "2614", "name": "Output VAT RC", "class": "26", "type": "liability"},
    {"number": "2641", "name": "Input VAT", "class": "26", "type": "asset"},
    {"number": "2645", "name": "Input VAT RC", "class": "26", "type": "asset"},
    {"number": "3740", "name": "Rounding", "class": "37", "type": "income"},
    {"number": "6071", "name": "Representation deductible", "class": "60", "type": "expense", "allowed_regions": ["SE"]},
    {"number": "6072", "name": "Representation non-deductible", "class": "60", "type": "expense", "allowed_regions": ["SE"]},
    {"number": "6073", "name": "Representation external", "class": "60", "type": "expense", "allowed_regions": ["SE"]},
    {"number": "6542", "name": "Cloud services", "class": "65", "type": "expense"}
  ],
  "refs": {"bank": "1930", "rounding": "3740"}
}`

const reprPolicyJSON = `{
  "id": "SE_REPR_MEAL_V1",
  "version": "V1",
  "country": "SE",
  "effective_from": "2025-01-01T00:00:00Z",
  "bas_version": "2025_v1.0",
  "rules": {
    "match": {"intent": "representation_meal"},
    "requires": [
      {"field": "attendees_count", "op": ">=", "value": 1},
      {"field": "purpose", "op": "exists"}
    ],
    "vat": {"rate": "12", "cap_per_person": "300", "code": "SE12", "deductible_split": true},
    "posting": [
      {"account": "6071", "side": "D", "amount": "deductible_net"},
      {"account": "6072", "side": "D", "amount": "non_deductible_net"},
      {"account": "2641", "side": "D", "amount": "vat_deductible"},
      {"account": "6072", "side": "D", "amount": "vat_non_deductible"},
      {"account_ref": "bank", "side": "K", "amount": "gross"}
    ],
    "stoplight": {"on_missing_required": "CLARIFY", "on_fail": "PARK", "confidence_threshold": 0.8}
  }
}`

const saasPolicyJSON = `{
  "id": "SE_SAAS_REVERSE_V1",
  "version": "V1",
  "country": "SE",
  "effective_from": "2025-01-01T00:00:00Z",
  "bas_version": "2025_v1.0",
  "rules": {
    "match": {"intent": "saas_subscription", "vendor_patterns": ["cloudhost"]},
    "vat": {"rate": "25", "code": "RC25", "mode": "REVERSE_CHARGE",
            "report_boxes": {"21": "net", "30": "vat_output", "48": "vat_input"}},
    "posting": [
      {"account": "6540", "side": "D", "amount": "net", "dimensions": ["supplier_id"]},
      {"account": "2645", "side": "D", "amount": "vat_input"},
      {"account": "2614", "side": "K", "amount": "vat_output"},
      {"account_ref": "bank", "side": "K", "amount": "gross"}
    ]
  }
}`

func mustCatalog(t *testing.T, doc string) *AccountCatalog {
	t.Helper()
	c, err := DecodeCatalog(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("decode catalog: %v", err)
	}
	return c
}

func mustPolicy(t *testing.T, doc string) *Policy {
	t.Helper()
	p, err := DecodePolicy(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("decode policy: %v", err)
	}
	return p
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return v
}
