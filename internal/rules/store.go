package rules

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"autoledger/internal/core"
)

// PolicyStore indexes loaded policy documents by country, intent and
// effective date. Policies are immutable once added; a failed catalog
// validation keeps the document out of selection but queryable by id.
type PolicyStore struct {
	catalogs *CatalogSet
	log      *zap.Logger

	policies []*Policy
	byID     map[string]*Policy
	invalid  map[string]error
}

// NewPolicyStore builds a store over the given catalog set.
func NewPolicyStore(catalogs *CatalogSet, log *zap.Logger) *PolicyStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &PolicyStore{
		catalogs: catalogs,
		log:      log,
		byID:     make(map[string]*Policy),
		invalid:  make(map[string]error),
	}
}

// Add validates and registers a policy. Schema violations reject the
// document outright; a reference to an unknown account records the policy
// as invalid and keeps it from participating in selection.
func (s *PolicyStore) Add(p *Policy) error {
	if err := p.CheckSchema(); err != nil {
		return err
	}
	if _, dup := s.byID[s.key(p)]; dup {
		return core.E(core.TagConflict, "policy %s version %s already loaded", p.ID, p.Version)
	}
	catalog, err := s.catalogs.Get(p.CatalogVersion)
	if err == nil {
		err = p.ValidateAgainst(catalog)
	}
	if err != nil {
		s.invalid[s.key(p)] = err
		s.log.Warn("policy excluded from selection",
			zap.String("policy_id", p.ID),
			zap.String("version", p.Version),
			zap.Error(err))
		return err
	}
	s.flagOverlaps(p)
	s.policies = append(s.policies, p)
	s.byID[s.key(p)] = p
	return nil
}

func (s *PolicyStore) key(p *Policy) string {
	return p.ID + "@" + p.Version
}

// flagOverlaps warns about ambiguous effective windows: same country,
// intent and specificity with overlapping intervals and equal versions.
func (s *PolicyStore) flagOverlaps(p *Policy) {
	for _, other := range s.policies {
		if other.Country != p.Country || other.Rules.Match.Intent != p.Rules.Match.Intent {
			continue
		}
		if other.Rules.Match.Specificity() != p.Rules.Match.Specificity() {
			continue
		}
		if other.VersionOrdinal() != p.VersionOrdinal() {
			continue
		}
		if intervalsOverlap(p.EffectiveFrom, p.EffectiveTo, other.EffectiveFrom, other.EffectiveTo) {
			s.log.Warn("ambiguous policy overlap",
				zap.String("policy_id", p.ID),
				zap.String("other_id", other.ID),
				zap.String("intent", p.Rules.Match.Intent))
		}
	}
}

func intervalsOverlap(aFrom time.Time, aTo *time.Time, bFrom time.Time, bTo *time.Time) bool {
	if aTo != nil && aTo.Before(bFrom) {
		return false
	}
	if bTo != nil && bTo.Before(aFrom) {
		return false
	}
	return true
}

// Get returns a policy by id, preferring the newest version. Invalid
// policies are reported with their validation error.
func (s *PolicyStore) Get(id string) (*Policy, error) {
	var found *Policy
	for _, p := range s.policies {
		if p.ID != id {
			continue
		}
		if found == nil || p.VersionOrdinal() > found.VersionOrdinal() {
			found = p
		}
	}
	if found != nil {
		return found, nil
	}
	for key, err := range s.invalid {
		if keyID(key) == id {
			return nil, err
		}
	}
	return nil, core.E(core.TagNotFound, "policy %s not found", id)
}

func keyID(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '@' {
			return key[:i]
		}
	}
	return key
}

// Select returns the policies applicable to (country, intent, date),
// ordered by specificity (narrower match first) then newer version.
func (s *PolicyStore) Select(country, intent string, date time.Time) []*Policy {
	var out []*Policy
	for _, p := range s.policies {
		if p.Country != country || p.Rules.Match.Intent != intent {
			continue
		}
		if !p.EffectiveOn(date) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Rules.Match.Specificity(), out[j].Rules.Match.Specificity()
		if si != sj {
			return si > sj
		}
		return out[i].VersionOrdinal() > out[j].VersionOrdinal()
	})
	return out
}

// All returns every valid policy in load order.
func (s *PolicyStore) All() []*Policy {
	return append([]*Policy(nil), s.policies...)
}

// Catalogs exposes the catalog set the store validates against.
func (s *PolicyStore) Catalogs() *CatalogSet {
	return s.catalogs
}
