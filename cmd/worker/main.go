package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"autoledger/internal/app"
	"autoledger/internal/config"
	"autoledger/internal/db"
	"autoledger/internal/pipeline"
	"autoledger/internal/repo"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	store, migrator, err := app.LoadRuleData(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("rule data", zap.Error(err))
	}

	repository := repo.NewPG(pool)
	resolver := pipeline.FileResolver{Dir: cfg.DataDir + "/inputs"}
	orch := pipeline.NewOrchestrator(repository, store, migrator, resolver, logger, pipeline.Options{
		StepTimeout:     cfg.StepTimeout,
		MaxStepAttempts: cfg.MaxStepAttempts,
		ClaimTTL:        cfg.ClaimTTL,
		JournalSeries:   cfg.JournalSeries,
	})

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		w := pipeline.NewWorker(orch, repository, logger, cfg.ClaimTTL, 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}

	logger.Info("workers running", zap.Int("count", cfg.WorkerCount))
	<-ctx.Done()
	wg.Wait()
	logger.Info("shutdown complete")
}
