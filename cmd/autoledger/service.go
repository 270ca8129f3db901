package main

import (
	"context"

	"go.uber.org/zap"

	"autoledger/internal/app"
	"autoledger/internal/booking"
	"autoledger/internal/config"
	"autoledger/internal/db"
	"autoledger/internal/pipeline"
	"autoledger/internal/repo"
)

// openService assembles the full application service over a database
// connection. The caller owns the returned close function.
func openService(ctx context.Context) (app.ApplicationService, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store, migrator, err := app.LoadRuleData(cfg.DataDir, zap.NewNop())
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	repository := repo.NewPG(pool)
	resolver := pipeline.FileResolver{Dir: cfg.DataDir + "/inputs"}
	orch := pipeline.NewOrchestrator(repository, store, migrator, resolver, zap.NewNop(), pipeline.Options{
		StepTimeout:     cfg.StepTimeout,
		MaxStepAttempts: cfg.MaxStepAttempts,
		ClaimTTL:        cfg.ClaimTTL,
		JournalSeries:   cfg.JournalSeries,
	})
	booker := booking.NewService(repository, zap.NewNop(), cfg.PageSize, 200)
	svc := app.NewService(orch, store, migrator, booker, repository, zap.NewNop(), cfg.PageSize)
	return svc, pool.Close, nil
}
