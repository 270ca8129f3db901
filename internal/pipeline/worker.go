package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autoledger/internal/repo"
)

// Worker claims pending runs and processes them until its context ends.
// Several workers can share one repository; the claim lease keeps them off
// each other's runs and reclaims work from a crashed peer once the lease
// lapses.
type Worker struct {
	orch  *Orchestrator
	repo  repo.Repository
	log   *zap.Logger
	token string
	ttl   time.Duration
	poll  time.Duration
}

func NewWorker(orch *Orchestrator, r repo.Repository, log *zap.Logger, ttl, poll time.Duration) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		orch:  orch,
		repo:  r,
		log:   log,
		token: fmt.Sprintf("worker-%s", uuid.New()),
		ttl:   ttl,
		poll:  poll,
	}
}

// Token identifies this worker's claims.
func (w *Worker) Token() string {
	return w.token
}

// Run polls for claimable runs and drives each one to a stable state.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", zap.String("token", w.token))
	for {
		if err := ctx.Err(); err != nil {
			w.log.Info("worker stopping", zap.String("token", w.token))
			return err
		}
		run, err := w.repo.ClaimNextRun(ctx, w.token, w.ttl)
		if err != nil {
			w.log.Error("claim failed", zap.Error(err))
			w.idle(ctx)
			continue
		}
		if run == nil {
			w.idle(ctx)
			continue
		}
		if _, err := w.orch.Process(ctx, run); err != nil {
			w.log.Error("run processing error",
				zap.String("run_id", run.ID.String()),
				zap.Error(err))
		}
	}
}

func (w *Worker) idle(ctx context.Context) {
	t := time.NewTimer(w.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
