package repo

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"autoledger/internal/core"
	"autoledger/internal/rules"
)

// Memory is an in-memory Repository used by unit tests and the demo
// wiring. It honors the same claim, numbering and atomicity semantics as
// the Postgres implementation.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	runs      map[uuid.UUID]*core.PipelineRun
	entries   map[uuid.UUID]*core.JournalEntry
	byRun     map[uuid.UUID]uuid.UUID
	audits    []core.AuditRecord
	sequences map[string]int64
	policies  map[string]*rules.Policy
	catalogs  map[string]*rules.AccountCatalog
}

// NewMemory builds an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		runs:      make(map[uuid.UUID]*core.PipelineRun),
		entries:   make(map[uuid.UUID]*core.JournalEntry),
		byRun:     make(map[uuid.UUID]uuid.UUID),
		sequences: make(map[string]int64),
		policies:  make(map[string]*rules.Policy),
		catalogs:  make(map[string]*rules.AccountCatalog),
	}
}

// SetClock overrides the clock, for lease-expiry tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func cloneRun(run *core.PipelineRun) *core.PipelineRun {
	b, _ := json.Marshal(run)
	var cp core.PipelineRun
	_ = json.Unmarshal(b, &cp)
	return &cp
}

func cloneEntry(e *core.JournalEntry) *core.JournalEntry {
	b, _ := json.Marshal(e)
	var cp core.JournalEntry
	_ = json.Unmarshal(b, &cp)
	return &cp
}

func (m *Memory) SaveRun(_ context.Context, run *core.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.UpdatedAt = m.now()
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *Memory) LoadRun(_ context.Context, id uuid.UUID) (*core.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, core.E(core.TagNotFound, "run %s not found", id)
	}
	return cloneRun(run), nil
}

func (m *Memory) ListRuns(_ context.Context, companyID uuid.UUID, page Page) ([]core.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.PipelineRun
	for _, run := range m.runs {
		if run.CompanyID == companyID {
			out = append(out, *cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return paginate(out, page), nil
}

func paginate[T any](items []T, page Page) []T {
	if page.Offset >= len(items) {
		return nil
	}
	items = items[page.Offset:]
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return items
}

func (m *Memory) claimable(run *core.PipelineRun) bool {
	if run.State == core.StatePending {
		return true
	}
	return run.State == core.StateRunning &&
		run.ClaimExpiresAt != nil && run.ClaimExpiresAt.Before(m.now())
}

func (m *Memory) claim(run *core.PipelineRun, token string, ttl time.Duration) *core.PipelineRun {
	expires := m.now().Add(ttl)
	run.State = core.StateRunning
	run.ClaimedBy = token
	run.ClaimExpiresAt = &expires
	run.UpdatedAt = m.now()
	return cloneRun(run)
}

func (m *Memory) ClaimRun(_ context.Context, id uuid.UUID, token string, ttl time.Duration) (*core.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, core.E(core.TagNotFound, "run %s not found", id)
	}
	if !m.claimable(run) {
		return nil, core.E(core.TagConflict, "run %s not claimable in state %s", id, run.State)
	}
	return m.claim(run, token, ttl), nil
}

func (m *Memory) ClaimNextRun(_ context.Context, token string, ttl time.Duration) (*core.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *core.PipelineRun
	for _, run := range m.runs {
		if !m.claimable(run) {
			continue
		}
		if oldest == nil || run.StartedAt.Before(oldest.StartedAt) {
			oldest = run
		}
	}
	if oldest == nil {
		return nil, nil
	}
	return m.claim(oldest, token, ttl), nil
}

func (m *Memory) ReleaseRun(_ context.Context, id uuid.UUID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return core.E(core.TagNotFound, "run %s not found", id)
	}
	if run.ClaimedBy != token {
		return core.E(core.TagConflict, "run %s claimed by %s, not %s", id, run.ClaimedBy, token)
	}
	run.ClaimedBy = ""
	run.ClaimExpiresAt = nil
	return nil
}

func (m *Memory) RequestCancel(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return core.E(core.TagNotFound, "run %s not found", id)
	}
	run.CancelRequested = true
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, rec *core.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, *rec)
	return nil
}

func (m *Memory) AuditForRun(_ context.Context, runID uuid.UUID) ([]core.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.AuditRecord
	for _, rec := range m.audits {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) AllocateNumber(_ context.Context, companyID uuid.UUID, series string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked(companyID, series), nil
}

func (m *Memory) allocateLocked(companyID uuid.UUID, series string) int64 {
	key := companyID.String() + "/" + series
	m.sequences[key]++
	return m.sequences[key]
}

func (m *Memory) CreateEntry(_ context.Context, entry *core.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertEntryLocked(entry)
}

func (m *Memory) insertEntryLocked(entry *core.JournalEntry) error {
	if entry.Number == 0 {
		entry.Number = m.allocateLocked(entry.CompanyID, entry.Series)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	m.entries[entry.ID] = cloneEntry(entry)
	if entry.SourcePipelineRun != uuid.Nil {
		m.byRun[entry.SourcePipelineRun] = entry.ID
	}
	return nil
}

func (m *Memory) CompleteRunWithEntry(_ context.Context, run *core.PipelineRun, entry *core.JournalEntry, audit *core.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.insertEntryLocked(entry); err != nil {
		return err
	}
	run.JournalEntryID = &entry.ID
	run.UpdatedAt = m.now()
	m.runs[run.ID] = cloneRun(run)
	if audit != nil {
		m.audits = append(m.audits, *audit)
	}
	return nil
}

func (m *Memory) LoadEntry(_ context.Context, id uuid.UUID) (*core.JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, core.E(core.TagNotFound, "journal entry %s not found", id)
	}
	return cloneEntry(e), nil
}

func (m *Memory) ByPipeline(_ context.Context, runID uuid.UUID) (*core.JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRun[runID]
	if !ok {
		return nil, core.E(core.TagNotFound, "no journal entry for run %s", runID)
	}
	return cloneEntry(m.entries[id]), nil
}

func (m *Memory) ListEntries(_ context.Context, companyID uuid.UUID, page Page) ([]core.JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.JournalEntry
	for _, e := range m.entries {
		if e.CompanyID == companyID {
			out = append(out, *cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Series != out[j].Series {
			return out[i].Series < out[j].Series
		}
		return out[i].Number < out[j].Number
	})
	return paginate(out, page), nil
}

func (m *Memory) SavePolicy(_ context.Context, p *rules.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.ID+"@"+p.Version] = p.Clone()
	return nil
}

func (m *Memory) GetPolicy(_ context.Context, id string) (*rules.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *rules.Policy
	for _, p := range m.policies {
		if p.ID == id && (found == nil || p.VersionOrdinal() > found.VersionOrdinal()) {
			found = p
		}
	}
	if found == nil {
		return nil, core.E(core.TagNotFound, "policy %s not found", id)
	}
	return found.Clone(), nil
}

func (m *Memory) ListPolicies(_ context.Context, country string, date time.Time) ([]*rules.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*rules.Policy
	for _, p := range m.policies {
		if p.Country == country && p.EffectiveOn(date) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveCatalog(_ context.Context, c *rules.AccountCatalog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalogs[c.Version] = c
	return nil
}

func (m *Memory) GetCatalog(_ context.Context, version string) (*rules.AccountCatalog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.catalogs[version]
	if !ok {
		return nil, core.E(core.TagCatalogMissing, "catalog %s not found", version)
	}
	return c, nil
}
