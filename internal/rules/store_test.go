package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoledger/internal/core"
)

func testStore(t *testing.T) *PolicyStore {
	t.Helper()
	set, err := NewCatalogSet(mustCatalog(t, catalogV1JSON), mustCatalog(t, catalogV2JSON))
	require.NoError(t, err)
	return NewPolicyStore(set, nil)
}

func TestStoreAddAndSelect(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Add(mustPolicy(t, reprPolicyJSON)))
	require.NoError(t, store.Add(mustPolicy(t, saasPolicyJSON)))

	date := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	got := store.Select("SE", "representation_meal", date)
	require.Len(t, got, 1)
	assert.Equal(t, "SE_REPR_MEAL_V1", got[0].ID)

	assert.Empty(t, store.Select("SE", "unknown_intent", date))
	assert.Empty(t, store.Select("NO", "representation_meal", date))
}

func TestStoreSelectPrefersSpecificity(t *testing.T) {
	store := testStore(t)
	broad := mustPolicy(t, reprPolicyJSON)
	require.NoError(t, store.Add(broad))

	narrow := mustPolicy(t, reprPolicyJSON)
	narrow.ID = "SE_REPR_MEAL_NARROW"
	narrow.Rules.Match.VendorPatterns = []string{"prinsen"}
	require.NoError(t, store.Add(narrow))

	got := store.Select("SE", "representation_meal", time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC))
	require.Len(t, got, 2)
	assert.Equal(t, "SE_REPR_MEAL_NARROW", got[0].ID, "narrower match ranks first")
}

func TestStoreSelectPrefersNewerVersion(t *testing.T) {
	store := testStore(t)
	v1 := mustPolicy(t, reprPolicyJSON)
	require.NoError(t, store.Add(v1))

	v2 := mustPolicy(t, reprPolicyJSON)
	v2.Version = "V2"
	require.NoError(t, store.Add(v2))

	got := store.Select("SE", "representation_meal", time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC))
	require.Len(t, got, 2)
	assert.Equal(t, "V2", got[0].Version)
}

func TestStoreInvalidPolicyExcludedButQueryable(t *testing.T) {
	store := testStore(t)
	bad := mustPolicy(t, reprPolicyJSON)
	bad.Rules.Posting[0].Account = "9999"
	require.Error(t, store.Add(bad))

	assert.Empty(t, store.Select("SE", "representation_meal", time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)))

	_, err := store.Get("SE_REPR_MEAL_V1")
	require.Error(t, err, "invalid policy reports its validation error")
	assert.Equal(t, core.TagPolicyInvalid, core.TagOf(err))
}

func TestStoreRejectsDuplicateVersion(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Add(mustPolicy(t, reprPolicyJSON)))
	err := store.Add(mustPolicy(t, reprPolicyJSON))
	require.Error(t, err)
	assert.Equal(t, core.TagConflict, core.TagOf(err))
}

func TestStoreGetNewestVersion(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Add(mustPolicy(t, reprPolicyJSON)))
	v2 := mustPolicy(t, reprPolicyJSON)
	v2.Version = "V2"
	require.NoError(t, store.Add(v2))

	got, err := store.Get("SE_REPR_MEAL_V1")
	require.NoError(t, err)
	assert.Equal(t, "V2", got.Version)

	_, err = store.Get("NO_SUCH_POLICY")
	require.Error(t, err)
	assert.Equal(t, core.TagNotFound, core.TagOf(err))
}

func TestStoreEffectiveWindow(t *testing.T) {
	store := testStore(t)
	p := mustPolicy(t, reprPolicyJSON)
	until := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	p.EffectiveTo = &until
	require.NoError(t, store.Add(p))

	assert.Len(t, store.Select("SE", "representation_meal", until), 1, "effective_to is inclusive")
	assert.Empty(t, store.Select("SE", "representation_meal", until.AddDate(0, 0, 1)))
}
