package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"autoledger/internal/app"
	"autoledger/internal/config"
	"autoledger/internal/db"
	"autoledger/internal/repo"
	"autoledger/internal/rules"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "autoledger",
		Short:         "Operations tooling for the automated bookkeeping pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCmd(),
		newLoadCmd(),
		newValidatePoliciesCmd(),
		newMigratePolicyCmd(),
		newSchemaCmd(),
		newStartRunCmd(),
		newShowRunCmd(),
		newClarifyCmd(),
		newEntriesCmd(),
	)
	return root
}

func openRepo(ctx context.Context) (*repo.PG, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return repo.NewPG(pool), pool.Close, nil
}

// newMigrateCmd applies every .sql file under migrations/ in name order.
func newMigrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := db.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			paths, err := filepath.Glob(filepath.Join(dir, "*.sql"))
			if err != nil {
				return err
			}
			sort.Strings(paths)
			for _, path := range paths {
				sql, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if _, err := pool.Exec(ctx, string(sql)); err != nil {
					return fmt.Errorf("apply %s: %w", filepath.Base(path), err)
				}
				fmt.Printf("applied %s\n", filepath.Base(path))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "migrations", "directory holding .sql migration files")
	return cmd
}

// newLoadCmd persists the catalog and policy documents from the data
// directory into the database.
func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Load catalog and policy documents into the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			r, closeFn, err := openRepo(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			catalogPaths, _ := filepath.Glob(filepath.Join(cfg.DataDir, "catalogs", "*.json"))
			for _, path := range catalogPaths {
				c, err := rules.LoadCatalogFile(path)
				if err != nil {
					return err
				}
				if err := r.SaveCatalog(ctx, c); err != nil {
					return err
				}
				fmt.Printf("catalog %s loaded\n", c.Version)
			}
			policyPaths, _ := filepath.Glob(filepath.Join(cfg.DataDir, "policies", "*.json"))
			for _, path := range policyPaths {
				p, err := rules.LoadPolicyFile(path)
				if err != nil {
					return err
				}
				if err := r.SavePolicy(ctx, p); err != nil {
					return err
				}
				fmt.Printf("policy %s %s loaded\n", p.ID, p.Version)
			}
			return nil
		},
	}
}

func newValidatePoliciesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-policies",
		Short: "Validate every policy document against its catalog",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, _, err := app.LoadRuleData(cfg.DataDir, zap.NewNop())
			if err != nil {
				return err
			}
			for _, p := range store.All() {
				fmt.Printf("ok  %s %s (%s, catalog %s)\n", p.ID, p.Version, p.Country, p.CatalogVersion)
			}
			return nil
		},
	}
}

func newMigratePolicyCmd() *cobra.Command {
	var policyID, target string
	cmd := &cobra.Command{
		Use:   "migrate-policy",
		Short: "Rewrite a policy onto a target catalog version and print it",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, migrator, err := app.LoadRuleData(cfg.DataDir, zap.NewNop())
			if err != nil {
				return err
			}
			policy, err := store.Get(policyID)
			if err != nil {
				return err
			}
			migrated, err := migrator.Migrate(policy, target)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(migrated, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&policyID, "id", "", "policy id")
	cmd.Flags().StringVar(&target, "to", "", "target catalog version")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// newSchemaCmd prints the published JSON schema of a document kind.
func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "schema [policy|catalog]",
		Short:     "Print the JSON schema for a document kind",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"policy", "catalog"},
		RunE: func(_ *cobra.Command, args []string) error {
			var schema any
			switch args[0] {
			case "policy":
				schema = rules.PolicySchema()
			case "catalog":
				schema = rules.CatalogSchema()
			default:
				return fmt.Errorf("unknown document kind %q", args[0])
			}
			out, err := json.MarshalIndent(schema, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newStartRunCmd() *cobra.Command {
	var (
		companyID, country, actor string
		date                      string
		extractionRef, intentRef  string
	)
	cmd := &cobra.Command{
		Use:   "start-run",
		Short: "Register a pipeline run for the workers to process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			company, err := uuid.Parse(companyID)
			if err != nil {
				return fmt.Errorf("invalid company id: %w", err)
			}
			txDate, err := time.Parse("2006-01-02", date)
			if err != nil {
				return fmt.Errorf("invalid date: %w", err)
			}
			svc, closeFn, err := openService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			run, err := svc.StartRun(ctx, app.StartRunRequest{
				CompanyID:       company,
				Actor:           actor,
				Country:         country,
				TransactionDate: txDate,
				ExtractionRef:   extractionRef,
				IntentRef:       intentRef,
			})
			if err != nil {
				return err
			}
			fmt.Printf("run %s started (%s)\n", run.ID, run.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&companyID, "company", "", "company uuid")
	cmd.Flags().StringVar(&country, "country", "SE", "country code")
	cmd.Flags().StringVar(&actor, "actor", "cli", "acting user")
	cmd.Flags().StringVar(&date, "date", "", "transaction date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&extractionRef, "extraction", "", "extraction document ref")
	cmd.Flags().StringVar(&intentRef, "intent", "", "intent document ref")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("extraction")
	_ = cmd.MarkFlagRequired("intent")
	return cmd
}

func newShowRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show-run <run-id>",
		Short: "Print a run, its audit trail and its entry if booked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}
			svc, closeFn, err := openService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			res, err := svc.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			trail, err := svc.AuditTrail(ctx, runID)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(map[string]any{
				"run": res.Run, "entry": res.Entry, "audit": trail,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	return cmd
}

func newClarifyCmd() *cobra.Command {
	var slotsJSON string
	cmd := &cobra.Command{
		Use:   "clarify <run-id>",
		Short: "Answer the pending clarification question on a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}
			var slots map[string]any
			if err := json.Unmarshal([]byte(slotsJSON), &slots); err != nil {
				return fmt.Errorf("invalid slots json: %w", err)
			}
			svc, closeFn, err := openService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			run, err := svc.ProvideClarification(ctx, runID, slots)
			if err != nil {
				return err
			}
			fmt.Printf("run %s re-queued (%s at %s)\n", run.ID, run.State, run.CurrentStep)
			return nil
		},
	}
	cmd.Flags().StringVar(&slotsJSON, "slots", "{}", `slot updates as JSON, e.g. '{"attendees_count": 4}'`)
	return cmd
}

func newEntriesCmd() *cobra.Command {
	var companyID string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List a company's journal entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			company, err := uuid.Parse(companyID)
			if err != nil {
				return fmt.Errorf("invalid company id: %w", err)
			}
			svc, closeFn, err := openService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			entries, err := svc.ListEntries(ctx, company, app.Page{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s %d  %s  %s\n", e.Series, e.Number, e.EntryDate.Format("2006-01-02"), e.Notes)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&companyID, "company", "", "company uuid")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}
