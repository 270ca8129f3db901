package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoledger/internal/core"
)

const migrationRuleJSON = `{
  "from_version": "2025_v1.0",
  "to_version": "2025_v2.0",
  "account_mappings": {"6540": "6542"},
  "new_accounts": ["6073", "6542"],
  "deprecated_accounts": ["6540"]
}`

func testMigrator(t *testing.T) *Migrator {
	t.Helper()
	set, err := NewCatalogSet(mustCatalog(t, catalogV1JSON), mustCatalog(t, catalogV2JSON))
	require.NoError(t, err)
	rule, err := DecodeMigrationRule(strings.NewReader(migrationRuleJSON))
	require.NoError(t, err)
	return NewMigrator(set, rule)
}

func TestMigratePolicyRemapsAccounts(t *testing.T) {
	m := testMigrator(t)
	policy := mustPolicy(t, saasPolicyJSON)

	migrated, err := m.Migrate(policy, "2025_v2.0")
	require.NoError(t, err)

	assert.Equal(t, "SE_SAAS_REVERSE_V1", migrated.ID, "id survives migration")
	assert.Equal(t, "V2", migrated.Version, "version bumps")
	assert.Equal(t, "2025_v2.0", migrated.CatalogVersion)
	assert.Equal(t, "2025_v1.0", migrated.MigratedFrom)
	assert.Equal(t, "6542", migrated.Rules.Posting[0].Account, "deprecated 6540 remapped")

	// The loaded original is untouched.
	assert.Equal(t, "6540", policy.Rules.Posting[0].Account)
	assert.Equal(t, "V1", policy.Version)
}

func TestMigrateSameVersionNoOp(t *testing.T) {
	m := testMigrator(t)
	policy := mustPolicy(t, reprPolicyJSON)

	got, err := m.Migrate(policy, "2025_v1.0")
	require.NoError(t, err)
	assert.Same(t, policy, got)
}

func TestMigrateWithoutRuleBlocked(t *testing.T) {
	m := testMigrator(t)
	policy := mustPolicy(t, reprPolicyJSON)

	_, err := m.Migrate(policy, "2025_v3.0")
	require.Error(t, err)
	assert.Equal(t, core.TagMigrationBlocked, core.TagOf(err))
}

func TestMigrateDeprecatedWithoutMappingBlocked(t *testing.T) {
	set, err := NewCatalogSet(mustCatalog(t, catalogV1JSON), mustCatalog(t, catalogV2JSON))
	require.NoError(t, err)
	rule := &MigrationRule{
		FromVersion:        "2025_v1.0",
		ToVersion:          "2025_v2.0",
		DeprecatedAccounts: []string{"6540"},
	}
	m := NewMigrator(set, rule)

	policy := mustPolicy(t, saasPolicyJSON)
	_, err = m.Migrate(policy, "2025_v2.0")
	require.Error(t, err)
	assert.Equal(t, core.TagMigrationBlocked, core.TagOf(err))
	assert.Contains(t, err.Error(), "6540")
}

func TestMigrateSemanticRefsSurvive(t *testing.T) {
	m := testMigrator(t)
	policy := mustPolicy(t, reprPolicyJSON)

	migrated, err := m.Migrate(policy, "2025_v2.0")
	require.NoError(t, err)
	// The bank line keeps its semantic ref and re-resolves in the target.
	last := migrated.Rules.Posting[len(migrated.Rules.Posting)-1]
	assert.Equal(t, "bank", last.AccountRef)
	assert.Empty(t, last.Account)
}

func TestMigrationRuleInverse(t *testing.T) {
	rule := &MigrationRule{
		FromVersion:     "2025_v1.0",
		ToVersion:       "2025_v2.0",
		AccountMappings: map[string]string{"6540": "6542"},
	}
	inv, ok := rule.Inverse()
	require.True(t, ok)
	assert.Equal(t, "2025_v2.0", inv.FromVersion)
	assert.Equal(t, map[string]string{"6542": "6540"}, inv.AccountMappings)

	// Deprecations are not invertible.
	rule.DeprecatedAccounts = []string{"6540"}
	_, ok = rule.Inverse()
	assert.False(t, ok)

	// Neither is a many-to-one mapping.
	merge := &MigrationRule{
		FromVersion:     "a",
		ToVersion:       "b",
		AccountMappings: map[string]string{"6540": "6542", "6541": "6542"},
	}
	_, ok = merge.Inverse()
	assert.False(t, ok)
}

func TestDecodeMigrationRuleStrict(t *testing.T) {
	_, err := DecodeMigrationRule(strings.NewReader(`{"from_version": "a", "to_version": "b", "bogus": 1}`))
	require.Error(t, err)
	assert.Equal(t, core.TagMigrationBlocked, core.TagOf(err))
}
