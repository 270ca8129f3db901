package rules

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"autoledger/internal/core"
)

// Account is one row of a chart-of-accounts version.
type Account struct {
	Number         string           `json:"number" validate:"required"`
	Name           string           `json:"name" validate:"required"`
	Class          string           `json:"class" validate:"required"`
	Type           core.AccountType `json:"type" validate:"required,oneof=asset liability equity income expense"`
	DefaultVATRate *decimal.Decimal `json:"default_vat_rate,omitempty"`
	AllowedRegions []string         `json:"allowed_regions,omitempty" validate:"dive,len=2"`
	Description    string           `json:"description,omitempty"`
}

// AccountCatalog is a dated, immutable chart-of-accounts version. Refs map
// semantic tags (e.g. "bank", "rounding") to exactly one account number.
type AccountCatalog struct {
	Version       string            `json:"bas_version" validate:"required"`
	EffectiveFrom time.Time         `json:"effective_from" validate:"required"`
	EffectiveTo   *time.Time        `json:"effective_to,omitempty"`
	Accounts      []Account         `json:"accounts" validate:"required,min=1,dive"`
	Refs          map[string]string `json:"refs,omitempty"`

	byNumber map[string]*Account
}

var docValidate = validator.New(validator.WithRequiredStructEnabled())

// DecodeCatalog reads a catalog document, rejecting unknown fields, and
// freezes its account index. Load failures are fatal at startup.
func DecodeCatalog(r io.Reader) (*AccountCatalog, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var c AccountCatalog
	if err := dec.Decode(&c); err != nil {
		return nil, core.E(core.TagCatalogMissing, "decode catalog: %v", err)
	}
	if err := docValidate.Struct(&c); err != nil {
		return nil, core.E(core.TagCatalogMissing, "catalog %s invalid: %v", c.Version, err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalogFile decodes a catalog document from disk.
func LoadCatalogFile(path string) (*AccountCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer f.Close()
	return DecodeCatalog(f)
}

func (c *AccountCatalog) index() error {
	c.byNumber = make(map[string]*Account, len(c.Accounts))
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if _, dup := c.byNumber[a.Number]; dup {
			return core.E(core.TagCatalogMissing, "catalog %s: duplicate account number %s", c.Version, a.Number)
		}
		c.byNumber[a.Number] = a
	}
	for tag, number := range c.Refs {
		if _, ok := c.byNumber[number]; !ok {
			return core.E(core.TagCatalogMissing, "catalog %s: ref %q points at unknown account %s", c.Version, tag, number)
		}
	}
	return nil
}

// Account returns the account with the given number, or nil.
func (c *AccountCatalog) Account(number string) *Account {
	return c.byNumber[number]
}

// ValidateNumber checks that number exists and is permitted for country.
func (c *AccountCatalog) ValidateNumber(number, country string) error {
	a := c.byNumber[number]
	if a == nil {
		return core.E(core.TagUnknownAccount, "account %s not in catalog %s", number, c.Version)
	}
	if len(a.AllowedRegions) > 0 {
		for _, r := range a.AllowedRegions {
			if r == country {
				return nil
			}
		}
		return core.E(core.TagUnknownAccount, "account %s not permitted for region %s in catalog %s", number, country, c.Version)
	}
	return nil
}

// ResolveRef maps a semantic tag to its account number.
func (c *AccountCatalog) ResolveRef(tag string) (string, error) {
	number, ok := c.Refs[tag]
	if !ok {
		return "", core.E(core.TagPolicyInvalid, "catalog %s has no account for ref %q", c.Version, tag)
	}
	return number, nil
}

// Covers reports whether date d falls inside the catalog's effective
// interval. Both endpoints are inclusive.
func (c *AccountCatalog) Covers(d time.Time) bool {
	if d.Before(c.EffectiveFrom) {
		return false
	}
	return c.EffectiveTo == nil || !d.After(*c.EffectiveTo)
}

// CatalogSet holds all loaded catalog versions. Catalogs are loaded once at
// startup and read concurrently without locking thereafter.
type CatalogSet struct {
	byVersion map[string]*AccountCatalog
	ordered   []*AccountCatalog // newest effective_from first
}

// NewCatalogSet indexes the given catalogs. Duplicate versions are fatal.
func NewCatalogSet(catalogs ...*AccountCatalog) (*CatalogSet, error) {
	s := &CatalogSet{byVersion: make(map[string]*AccountCatalog, len(catalogs))}
	for _, c := range catalogs {
		if _, dup := s.byVersion[c.Version]; dup {
			return nil, core.E(core.TagCatalogMissing, "duplicate catalog version %s", c.Version)
		}
		s.byVersion[c.Version] = c
		s.ordered = append(s.ordered, c)
	}
	sort.Slice(s.ordered, func(i, j int) bool {
		return s.ordered[i].EffectiveFrom.After(s.ordered[j].EffectiveFrom)
	})
	return s, nil
}

// Get returns the catalog with the given version.
func (s *CatalogSet) Get(version string) (*AccountCatalog, error) {
	c, ok := s.byVersion[version]
	if !ok {
		return nil, core.E(core.TagCatalogMissing, "catalog version %s not loaded", version)
	}
	return c, nil
}

// Versions lists the loaded versions, newest effective_from first.
func (s *CatalogSet) Versions() []string {
	out := make([]string, len(s.ordered))
	for i, c := range s.ordered {
		out[i] = c.Version
	}
	return out
}

// ResolveForDate picks the catalog whose effective interval contains d for
// the given country. When a same-day cutover makes two catalogs cover d,
// the newer one wins.
func (s *CatalogSet) ResolveForDate(country string, d time.Time) (*AccountCatalog, error) {
	for _, c := range s.ordered {
		if c.Covers(d) {
			return c, nil
		}
	}
	return nil, core.E(core.TagCatalogMissing, "no catalog for country %s on %s", country, d.Format("2006-01-02"))
}
