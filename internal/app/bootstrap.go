package app

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"autoledger/internal/rules"
)

// LoadRuleData reads every catalog, policy and migration rule document
// under dir and assembles the policy store and migrator. Layout:
//
//	dir/catalogs/*.json
//	dir/policies/*.json
//	dir/migrations/*.json
//
// A catalog that fails to decode is fatal; an invalid policy is logged and
// excluded from selection, matching the store's load semantics.
func LoadRuleData(dir string, log *zap.Logger) (*rules.PolicyStore, *rules.Migrator, error) {
	if log == nil {
		log = zap.NewNop()
	}

	catalogPaths, err := filepath.Glob(filepath.Join(dir, "catalogs", "*.json"))
	if err != nil {
		return nil, nil, err
	}
	if len(catalogPaths) == 0 {
		return nil, nil, fmt.Errorf("no catalog documents under %s", filepath.Join(dir, "catalogs"))
	}
	var catalogs []*rules.AccountCatalog
	for _, path := range catalogPaths {
		c, err := rules.LoadCatalogFile(path)
		if err != nil {
			return nil, nil, err
		}
		catalogs = append(catalogs, c)
		log.Info("catalog loaded", zap.String("version", c.Version), zap.String("path", path))
	}
	set, err := rules.NewCatalogSet(catalogs...)
	if err != nil {
		return nil, nil, err
	}

	store := rules.NewPolicyStore(set, log)
	policyPaths, err := filepath.Glob(filepath.Join(dir, "policies", "*.json"))
	if err != nil {
		return nil, nil, err
	}
	for _, path := range policyPaths {
		p, err := rules.LoadPolicyFile(path)
		if err != nil {
			log.Warn("policy document rejected", zap.String("path", path), zap.Error(err))
			continue
		}
		if err := store.Add(p); err != nil {
			// Already logged by the store; the document stays out of
			// selection but the process keeps running.
			continue
		}
		log.Info("policy loaded", zap.String("id", p.ID), zap.String("version", p.Version))
	}

	migrator := rules.NewMigrator(set)
	migrationPaths, err := filepath.Glob(filepath.Join(dir, "migrations", "*.json"))
	if err != nil {
		return nil, nil, err
	}
	for _, path := range migrationPaths {
		rule, err := rules.LoadMigrationRuleFile(path)
		if err != nil {
			return nil, nil, err
		}
		migrator.AddRule(rule)
		log.Info("migration rule loaded",
			zap.String("from", rule.FromVersion),
			zap.String("to", rule.ToVersion))
	}

	return store, migrator, nil
}
