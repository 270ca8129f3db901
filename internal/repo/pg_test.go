package repo

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoledger/internal/core"
	"autoledger/internal/db"
	"autoledger/internal/rules"
)

// Integration tests run against a disposable database:
//
//	TEST_DATABASE_URL=postgres://... go test ./internal/repo/
//
// The schema from migrations/ must be applied first.
func testPG(t *testing.T) *PG {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE pipeline_runs, journal_sequences, journal_entries,
		journal_lines, audit, policies, account_catalogs`)
	require.NoError(t, err)
	return NewPG(pool)
}

func TestPGRunRoundTrip(t *testing.T) {
	pg := testPG(t)
	ctx := context.Background()

	run := pendingRun(uuid.New(), time.Now().UTC().Truncate(time.Microsecond))
	run.Payload.Intent = &core.IntentRecord{Name: "representation_meal", Confidence: 0.9,
		Slots: map[string]any{"attendees_count": float64(3)}}
	require.NoError(t, pg.SaveRun(ctx, run))

	got, err := pg.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, core.StatePending, got.State)
	require.NotNil(t, got.Payload.Intent)
	assert.Equal(t, "representation_meal", got.Payload.Intent.Name)

	_, err = pg.LoadRun(ctx, uuid.New())
	require.Error(t, err)
	assert.Equal(t, core.TagNotFound, core.TagOf(err))
}

func TestPGClaimLifecycle(t *testing.T) {
	pg := testPG(t)
	ctx := context.Background()

	run := pendingRun(uuid.New(), time.Now().UTC())
	require.NoError(t, pg.SaveRun(ctx, run))

	claimed, err := pg.ClaimNextRun(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, run.ID, claimed.ID)
	assert.Equal(t, core.StateRunning, claimed.State)

	// Live lease blocks other claimants.
	_, err = pg.ClaimRun(ctx, run.ID, "w2", time.Minute)
	require.Error(t, err)
	assert.Equal(t, core.TagConflict, core.TagOf(err))

	second, err := pg.ClaimNextRun(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, pg.ReleaseRun(ctx, run.ID, "w1"))
	err = pg.ReleaseRun(ctx, run.ID, "w1")
	require.Error(t, err, "double release fails the token check")
}

func TestPGCompleteRunWithEntryGaplessNumbering(t *testing.T) {
	pg := testPG(t)
	ctx := context.Background()
	company := uuid.New()
	amount := decimal.RequireFromString("1176.00")

	for want := int64(1); want <= 3; want++ {
		run := pendingRun(company, time.Now().UTC())
		require.NoError(t, pg.SaveRun(ctx, run))
		run.State = core.StateCompleted
		run.CurrentStep = core.StepComplete

		entry := &core.JournalEntry{
			ID:                uuid.New(),
			CompanyID:         company,
			EntryDate:         time.Now().UTC(),
			Series:            "A",
			CreatedBy:         "worker",
			SourcePipelineRun: run.ID,
			Lines: []core.JournalLine{
				{ID: uuid.New(), Account: "6071", Side: core.Debit, Amount: amount,
					Dimensions: map[string]string{"cost_center": "SALES"}},
				{ID: uuid.New(), Account: "1930", Side: core.Credit, Amount: amount},
			},
		}
		audit := &core.AuditRecord{
			ID: uuid.New(), RunID: run.ID, Step: core.StepBook,
			Timestamp: time.Now().UTC(), Actor: "worker",
			PayloadDigest: core.Digest(entry),
		}
		require.NoError(t, pg.CompleteRunWithEntry(ctx, run, entry, audit))
		assert.Equal(t, want, entry.Number)

		got, err := pg.ByPipeline(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, got.Lines, 2)
		assert.Equal(t, "1176.00", got.Lines[0].Amount.StringFixed(2))
		assert.Equal(t, map[string]string{"cost_center": "SALES"}, got.Lines[0].Dimensions)

		trail, err := pg.AuditForRun(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, trail, 1)
		assert.Equal(t, core.StepBook, trail[0].Step)
	}
}

func TestPGGetPolicyPrefersHighestVersionOrdinal(t *testing.T) {
	pg := testPG(t)
	ctx := context.Background()

	const policyDoc = `{
	  "id": "SE_REPR_MEAL_V1",
	  "version": "%s",
	  "country": "SE",
	  "effective_from": "2025-01-01T00:00:00Z",
	  "bas_version": "2025_v1.0",
	  "rules": {
	    "match": {"intent": "representation_meal"},
	    "posting": [
	      {"account": "6071", "side": "D", "amount": "net"},
	      {"account_ref": "bank", "side": "K", "amount": "gross"}
	    ]
	  }
	}`
	// V10 must win over V2 despite sorting before it lexicographically.
	for _, version := range []string{"V2", "V10"} {
		p, err := rules.DecodePolicy(strings.NewReader(fmt.Sprintf(policyDoc, version)))
		require.NoError(t, err)
		require.NoError(t, pg.SavePolicy(ctx, p))
	}

	got, err := pg.GetPolicy(ctx, "SE_REPR_MEAL_V1")
	require.NoError(t, err)
	assert.Equal(t, "V10", got.Version)
}

func TestPGCancelFlag(t *testing.T) {
	pg := testPG(t)
	ctx := context.Background()

	run := pendingRun(uuid.New(), time.Now().UTC())
	require.NoError(t, pg.SaveRun(ctx, run))
	require.NoError(t, pg.RequestCancel(ctx, run.ID))

	got, err := pg.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)

	err = pg.RequestCancel(ctx, uuid.New())
	require.Error(t, err)
	assert.Equal(t, core.TagNotFound, core.TagOf(err))
}
