package rules

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"

	"autoledger/internal/core"
)

// MigrationRule translates policies between two named catalog versions.
// Migration is always pairwise; multi-hop migrations are explicit
// sequences of rules.
type MigrationRule struct {
	FromVersion        string                     `json:"from_version" validate:"required"`
	ToVersion          string                     `json:"to_version" validate:"required"`
	AccountMappings    map[string]string          `json:"account_mappings,omitempty"`
	NewAccounts        []string                   `json:"new_accounts,omitempty"`
	DeprecatedAccounts []string                   `json:"deprecated_accounts,omitempty"`
	VATRateChanges     map[string]decimal.Decimal `json:"vat_rate_changes,omitempty"`
}

func (r *MigrationRule) key() string {
	return r.FromVersion + "->" + r.ToVersion
}

// Inverse returns the reverse rule when every mapping is invertible, for
// round-trip validation. Deprecations are not invertible.
func (r *MigrationRule) Inverse() (*MigrationRule, bool) {
	if len(r.DeprecatedAccounts) > 0 {
		return nil, false
	}
	inv := &MigrationRule{
		FromVersion:     r.ToVersion,
		ToVersion:       r.FromVersion,
		AccountMappings: make(map[string]string, len(r.AccountMappings)),
	}
	for old, new_ := range r.AccountMappings {
		if _, dup := inv.AccountMappings[new_]; dup {
			return nil, false
		}
		inv.AccountMappings[new_] = old
	}
	return inv, true
}

// Migrator rewrites policies from one catalog version to another and
// validates the result against the target catalog.
type Migrator struct {
	catalogs *CatalogSet
	rules    map[string]*MigrationRule
}

func NewMigrator(catalogs *CatalogSet, rules ...*MigrationRule) *Migrator {
	m := &Migrator{catalogs: catalogs, rules: make(map[string]*MigrationRule, len(rules))}
	for _, r := range rules {
		m.rules[r.key()] = r
	}
	return m
}

// AddRule registers a pairwise migration rule.
func (m *Migrator) AddRule(r *MigrationRule) {
	m.rules[r.key()] = r
}

// DecodeMigrationRule reads a migration rule document, rejecting unknown
// fields.
func DecodeMigrationRule(r io.Reader) (*MigrationRule, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var rule MigrationRule
	if err := dec.Decode(&rule); err != nil {
		return nil, core.E(core.TagMigrationBlocked, "decode migration rule: %v", err)
	}
	if err := docValidate.Struct(&rule); err != nil {
		return nil, core.E(core.TagMigrationBlocked, "migration rule invalid: %v", err)
	}
	return &rule, nil
}

// LoadMigrationRuleFile decodes a migration rule document from disk.
func LoadMigrationRuleFile(path string) (*MigrationRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open migration rule %s: %w", path, err)
	}
	defer f.Close()
	return DecodeMigrationRule(f)
}

// Migrate rewrites policy onto targetVersion. The id is preserved, the
// version bumped, and MigratedFrom records the source catalog version. A
// posting account listed as deprecated with no mapping blocks migration.
func (m *Migrator) Migrate(policy *Policy, targetVersion string) (*Policy, error) {
	if policy.CatalogVersion == targetVersion {
		return policy, nil
	}
	rule, ok := m.rules[policy.CatalogVersion+"->"+targetVersion]
	if !ok {
		return nil, core.E(core.TagMigrationBlocked,
			"no migration rule from %s to %s", policy.CatalogVersion, targetVersion)
	}
	target, err := m.catalogs.Get(targetVersion)
	if err != nil {
		return nil, err
	}

	deprecated := make(map[string]bool, len(rule.DeprecatedAccounts))
	for _, number := range rule.DeprecatedAccounts {
		deprecated[number] = true
	}

	migrated := policy.Clone()
	migrated.MigratedFrom = policy.CatalogVersion
	migrated.CatalogVersion = targetVersion
	migrated.Version = fmt.Sprintf("V%d", policy.VersionOrdinal()+1)

	for i := range migrated.Rules.Posting {
		tpl := &migrated.Rules.Posting[i]
		if tpl.Account == "" {
			continue // semantic refs re-resolve against the target catalog
		}
		if mapped, ok := rule.AccountMappings[tpl.Account]; ok {
			tpl.Account = mapped
			continue
		}
		if deprecated[tpl.Account] {
			return nil, core.E(core.TagMigrationBlocked,
				"policy %s uses account %s, deprecated in %s with no mapping",
				policy.ID, tpl.Account, targetVersion)
		}
	}

	if migrated.Rules.VAT != nil {
		for _, tpl := range migrated.Rules.Posting {
			if newRate, ok := rule.VATRateChanges[tpl.Account]; ok {
				migrated.Rules.VAT.Rate = newRate
				break
			}
		}
	}

	if err := migrated.ValidateAgainst(target); err != nil {
		return nil, err
	}
	return migrated, nil
}
