package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"autoledger/internal/core"
	"autoledger/internal/rules"
)

var _ Repository = (*Memory)(nil)
var _ Repository = (*PG)(nil)

// PG is the Postgres repository. All money columns are NUMERIC and move
// through shopspring/decimal; run payloads, errors and policy documents
// are JSONB.
type PG struct {
	pool *pgxpool.Pool
}

func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

func (r *PG) SaveRun(ctx context.Context, run *core.PipelineRun) error {
	payload, err := json.Marshal(run.Payload)
	if err != nil {
		return fmt.Errorf("marshal run payload: %w", err)
	}
	var errJSON []byte
	if run.Error != nil {
		errJSON, err = json.Marshal(run.Error)
		if err != nil {
			return fmt.Errorf("marshal run error: %w", err)
		}
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (id, company_id, actor, country, transaction_date,
			extraction_ref, intent_ref, state, current_step, payload, error,
			journal_entry_id, cancel_requested, claimed_by, claim_expires_at,
			started_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), $17)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			current_step = EXCLUDED.current_step,
			payload = EXCLUDED.payload,
			error = EXCLUDED.error,
			journal_entry_id = EXCLUDED.journal_entry_id,
			cancel_requested = EXCLUDED.cancel_requested,
			claimed_by = EXCLUDED.claimed_by,
			claim_expires_at = EXCLUDED.claim_expires_at,
			updated_at = NOW(),
			completed_at = EXCLUDED.completed_at
	`, run.ID, run.CompanyID, run.Actor, run.Country, run.TransactionDate,
		run.InputRefs.ExtractionRef, run.InputRefs.IntentRef,
		string(run.State), string(run.CurrentStep), payload, errJSON,
		run.JournalEntryID, run.CancelRequested, nullIfEmpty(run.ClaimedBy), run.ClaimExpiresAt,
		run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const runColumns = `id, company_id, actor, country, transaction_date,
	extraction_ref, intent_ref, state, current_step, payload, error,
	journal_entry_id, cancel_requested, claimed_by, claim_expires_at,
	started_at, updated_at, completed_at`

func scanRun(row pgx.Row) (*core.PipelineRun, error) {
	var (
		run       core.PipelineRun
		state     string
		step      string
		payload   []byte
		errJSON   []byte
		claimedBy *string
	)
	err := row.Scan(&run.ID, &run.CompanyID, &run.Actor, &run.Country, &run.TransactionDate,
		&run.InputRefs.ExtractionRef, &run.InputRefs.IntentRef, &state, &step, &payload, &errJSON,
		&run.JournalEntryID, &run.CancelRequested, &claimedBy, &run.ClaimExpiresAt,
		&run.StartedAt, &run.UpdatedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	run.State = core.RunState(state)
	run.CurrentStep = core.Step(step)
	if claimedBy != nil {
		run.ClaimedBy = *claimedBy
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &run.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal run payload: %w", err)
		}
	}
	if len(errJSON) > 0 {
		run.Error = &core.RunError{}
		if err := json.Unmarshal(errJSON, run.Error); err != nil {
			return nil, fmt.Errorf("unmarshal run error: %w", err)
		}
	}
	return &run, nil
}

func (r *PG) LoadRun(ctx context.Context, id uuid.UUID) (*core.PipelineRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.E(core.TagNotFound, "run %s not found", id)
		}
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	return run, nil
}

func (r *PG) ListRuns(ctx context.Context, companyID uuid.UUID, page Page) ([]core.PipelineRun, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE company_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		companyID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []core.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func (r *PG) ClaimRun(ctx context.Context, id uuid.UUID, token string, ttl time.Duration) (*core.PipelineRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `
		UPDATE pipeline_runs
		SET state = 'RUNNING', claimed_by = $2, claim_expires_at = NOW() + $3, updated_at = NOW()
		WHERE id = $1
		  AND (state = 'PENDING' OR (state = 'RUNNING' AND claim_expires_at < NOW()))
		RETURNING `+runColumns, id, token, ttl))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.E(core.TagConflict, "run %s not claimable", id)
		}
		return nil, fmt.Errorf("claim run %s: %w", id, err)
	}
	return run, nil
}

func (r *PG) ClaimNextRun(ctx context.Context, token string, ttl time.Duration) (*core.PipelineRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `
		UPDATE pipeline_runs
		SET state = 'RUNNING', claimed_by = $1, claim_expires_at = NOW() + $2, updated_at = NOW()
		WHERE id = (
			SELECT id FROM pipeline_runs
			WHERE state = 'PENDING' OR (state = 'RUNNING' AND claim_expires_at < NOW())
			ORDER BY started_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+runColumns, token, ttl))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next run: %w", err)
	}
	return run, nil
}

func (r *PG) ReleaseRun(ctx context.Context, id uuid.UUID, token string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE pipeline_runs SET claimed_by = NULL, claim_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2`, id, token)
	if err != nil {
		return fmt.Errorf("release run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return core.E(core.TagConflict, "run %s not held by %s", id, token)
	}
	return nil
}

func (r *PG) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE pipeline_runs SET cancel_requested = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("request cancel %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return core.E(core.TagNotFound, "run %s not found", id)
	}
	return nil
}

func (r *PG) AppendAudit(ctx context.Context, rec *core.AuditRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit (id, run_id, step, ts, actor, digest)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.RunID, string(rec.Step), rec.Timestamp, rec.Actor, rec.PayloadDigest)
	if err != nil {
		return fmt.Errorf("append audit for run %s: %w", rec.RunID, err)
	}
	return nil
}

func (r *PG) AuditForRun(ctx context.Context, runID uuid.UUID) ([]core.AuditRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, step, ts, actor, digest FROM audit
		WHERE run_id = $1 ORDER BY ts, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("audit for run %s: %w", runID, err)
	}
	defer rows.Close()
	var out []core.AuditRecord
	for rows.Next() {
		var rec core.AuditRecord
		var step string
		if err := rows.Scan(&rec.ID, &rec.RunID, &step, &rec.Timestamp, &rec.Actor, &rec.PayloadDigest); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		rec.Step = core.Step(step)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// allocateNumberTx bumps the gapless per-(company, series) sequence inside
// the caller's transaction, so a failed booking rolls the number back.
func allocateNumberTx(ctx context.Context, tx pgx.Tx, companyID uuid.UUID, series string) (int64, error) {
	var number int64
	err := tx.QueryRow(ctx, `
		INSERT INTO journal_sequences (company_id, series, last_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (company_id, series)
		DO UPDATE SET last_number = journal_sequences.last_number + 1
		RETURNING last_number`, companyID, series).Scan(&number)
	if err != nil {
		return 0, fmt.Errorf("allocate number (%s, %s): %w", companyID, series, err)
	}
	return number, nil
}

func (r *PG) AllocateNumber(ctx context.Context, companyID uuid.UUID, series string) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin allocate: %w", err)
	}
	defer tx.Rollback(ctx)
	number, err := allocateNumberTx(ctx, tx, companyID, series)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit allocate: %w", err)
	}
	return number, nil
}

func insertEntryTx(ctx context.Context, tx pgx.Tx, entry *core.JournalEntry) error {
	if entry.Number == 0 {
		number, err := allocateNumberTx(ctx, tx, entry.CompanyID, entry.Series)
		if err != nil {
			return err
		}
		entry.Number = number
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO journal_entries (id, company_id, entry_date, series, number,
			notes, created_at, created_by, source_pipeline_run)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.CompanyID, entry.EntryDate, entry.Series, entry.Number,
		entry.Notes, entry.CreatedAt, entry.CreatedBy, entry.SourcePipelineRun)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	for i := range entry.Lines {
		line := &entry.Lines[i]
		line.EntryID = entry.ID
		line.Ordinal = i
		var dims []byte
		if line.Dimensions != nil {
			dims, err = json.Marshal(line.Dimensions)
			if err != nil {
				return fmt.Errorf("marshal line dimensions: %w", err)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO journal_lines (id, entry_id, ordinal, account, side, amount, description, dimensions)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			line.ID, line.EntryID, line.Ordinal, line.Account, string(line.Side),
			line.Amount.StringFixed(2), line.Description, dims)
		if err != nil {
			return fmt.Errorf("insert journal line %d: %w", i, err)
		}
	}
	return nil
}

func (r *PG) CreateEntry(ctx context.Context, entry *core.JournalEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create entry: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := insertEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create entry: %w", err)
	}
	return nil
}

// CompleteRunWithEntry books the entry, flips the run to its final state
// and appends the BOOK audit record in one transaction. Booking is the
// only externalizing pipeline step, so this is the only method that
// couples run state to journal state.
func (r *PG) CompleteRunWithEntry(ctx context.Context, run *core.PipelineRun, entry *core.JournalEntry, audit *core.AuditRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin booking: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	run.JournalEntryID = &entry.ID

	payload, err := json.Marshal(run.Payload)
	if err != nil {
		return fmt.Errorf("marshal run payload: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE pipeline_runs
		SET state = $2, current_step = $3, payload = $4, journal_entry_id = $5,
		    updated_at = NOW(), completed_at = $6
		WHERE id = $1`,
		run.ID, string(run.State), string(run.CurrentStep), payload, entry.ID, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}

	if audit != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO audit (id, run_id, step, ts, actor, digest)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			audit.ID, audit.RunID, string(audit.Step), audit.Timestamp, audit.Actor, audit.PayloadDigest)
		if err != nil {
			return fmt.Errorf("append booking audit: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit booking: %w", err)
	}
	return nil
}

func (r *PG) LoadEntry(ctx context.Context, id uuid.UUID) (*core.JournalEntry, error) {
	return r.loadEntryWhere(ctx, "id = $1", id)
}

func (r *PG) ByPipeline(ctx context.Context, runID uuid.UUID) (*core.JournalEntry, error) {
	return r.loadEntryWhere(ctx, "source_pipeline_run = $1", runID)
}

func (r *PG) loadEntryWhere(ctx context.Context, where string, arg any) (*core.JournalEntry, error) {
	var e core.JournalEntry
	err := r.pool.QueryRow(ctx, `
		SELECT id, company_id, entry_date, series, number, notes, created_at, created_by, source_pipeline_run
		FROM journal_entries WHERE `+where, arg).Scan(
		&e.ID, &e.CompanyID, &e.EntryDate, &e.Series, &e.Number,
		&e.Notes, &e.CreatedAt, &e.CreatedBy, &e.SourcePipelineRun)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.E(core.TagNotFound, "journal entry not found (%s)", where)
		}
		return nil, fmt.Errorf("load journal entry: %w", err)
	}
	if err := r.loadLines(ctx, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *PG) loadLines(ctx context.Context, e *core.JournalEntry) error {
	rows, err := r.pool.Query(ctx, `
		SELECT id, entry_id, ordinal, account, side, amount, description, dimensions
		FROM journal_lines WHERE entry_id = $1 ORDER BY ordinal`, e.ID)
	if err != nil {
		return fmt.Errorf("load lines for entry %s: %w", e.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var line core.JournalLine
		var side string
		var dims []byte
		if err := rows.Scan(&line.ID, &line.EntryID, &line.Ordinal, &line.Account,
			&side, &line.Amount, &line.Description, &dims); err != nil {
			return fmt.Errorf("scan line: %w", err)
		}
		line.Side = core.Side(side)
		if len(dims) > 0 {
			if err := json.Unmarshal(dims, &line.Dimensions); err != nil {
				return fmt.Errorf("unmarshal line dimensions: %w", err)
			}
		}
		e.Lines = append(e.Lines, line)
	}
	return rows.Err()
}

func (r *PG) ListEntries(ctx context.Context, companyID uuid.UUID, page Page) ([]core.JournalEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM journal_entries
		WHERE company_id = $1 ORDER BY series, number LIMIT $2 OFFSET $3`,
		companyID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entry id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]core.JournalEntry, 0, len(ids))
	for _, id := range ids {
		e, err := r.LoadEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

func (r *PG) SavePolicy(ctx context.Context, p *rules.Policy) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy %s: %w", p.ID, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO policies (id, version, country, effective_from, effective_to, catalog_version, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id, version) DO NOTHING`,
		p.ID, p.Version, p.Country, p.EffectiveFrom, p.EffectiveTo, p.CatalogVersion, doc)
	if err != nil {
		return fmt.Errorf("save policy %s: %w", p.ID, err)
	}
	return nil
}

// GetPolicy returns the newest version of a policy. Version strings
// compare by their numeric ordinal, not lexicographically, so the pick
// happens after decoding rather than in SQL.
func (r *PG) GetPolicy(ctx context.Context, id string) (*rules.Policy, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT document FROM policies WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", id, err)
	}
	defer rows.Close()
	var newest *rules.Policy
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p, err := rules.DecodePolicy(strings.NewReader(string(doc)))
		if err != nil {
			return nil, err
		}
		if newest == nil || p.VersionOrdinal() > newest.VersionOrdinal() {
			newest = p
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get policy %s: %w", id, err)
	}
	if newest == nil {
		return nil, core.E(core.TagNotFound, "policy %s not found", id)
	}
	return newest, nil
}

func (r *PG) ListPolicies(ctx context.Context, country string, date time.Time) ([]*rules.Policy, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT document FROM policies
		WHERE country = $1 AND effective_from <= $2
		  AND (effective_to IS NULL OR effective_to >= $2)
		ORDER BY id, version`, country, date)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()
	var out []*rules.Policy
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p, err := rules.DecodePolicy(strings.NewReader(string(doc)))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PG) SaveCatalog(ctx context.Context, c *rules.AccountCatalog) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal catalog %s: %w", c.Version, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO account_catalogs (version, effective_from, effective_to, accounts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (version) DO NOTHING`,
		c.Version, c.EffectiveFrom, c.EffectiveTo, doc)
	if err != nil {
		return fmt.Errorf("save catalog %s: %w", c.Version, err)
	}
	return nil
}

func (r *PG) GetCatalog(ctx context.Context, version string) (*rules.AccountCatalog, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx,
		`SELECT accounts FROM account_catalogs WHERE version = $1`, version).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.E(core.TagCatalogMissing, "catalog %s not found", version)
		}
		return nil, fmt.Errorf("get catalog %s: %w", version, err)
	}
	return rules.DecodeCatalog(strings.NewReader(string(doc)))
}
