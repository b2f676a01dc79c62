// Package worker runs the stateless prover worker: it leases transition
// proving tasks from the coordinator, keeps them alive with heartbeats, runs
// the external transition prover, and submits the proofs.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/intmax-network/validity-prover/pkg/config"
	"github.com/intmax-network/validity-prover/pkg/coordinator"
	"github.com/intmax-network/validity-prover/pkg/logging"
	"github.com/intmax-network/validity-prover/pkg/prover"
	"go.uber.org/zap"
)

// App is one worker process with a bounded number of concurrent task slots.
type App struct {
	Config      *config.WorkerConfig
	Logger      *zap.Logger
	Coordinator *prover.CoordinatorClient
	Prover      *prover.TransitionClient
}

// Initialize builds the worker app.
func Initialize(_ context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	cfg := config.LoadWorker()
	return &App{
		Config:      cfg,
		Logger:      logger,
		Coordinator: prover.NewCoordinatorClient(cfg.CoordinatorURL, logger),
		Prover:      prover.NewTransitionClient(cfg.TransitionURL, cfg.ProverCallTimeout, logger),
	}
}

// Start runs Concurrency task loops until ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	pool := pond.NewPool(a.Config.Concurrency)
	for i := 0; i < a.Config.Concurrency; i++ {
		slot := i
		pool.Submit(func() {
			a.runSlot(ctx, slot)
		})
	}
	<-ctx.Done()
	pool.StopAndWait()
	a.Logger.Info("Prover worker stopped")
}

// runSlot is one assign→prove→submit loop.
func (a *App) runSlot(ctx context.Context, slot int) {
	logger := a.Logger.With(zap.Int("slot", slot))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := a.Coordinator.Assign(ctx)
		if err != nil {
			logger.Warn("Assign failed, backing off", zap.Error(err))
			sleep(ctx, a.Config.IdleWait)
			continue
		}
		if task == nil {
			sleep(ctx, a.Config.IdleWait)
			continue
		}

		a.processTask(ctx, logger, task)
	}
}

// processTask proves one assigned block under a heartbeat lease.
func (a *App) processTask(ctx context.Context, logger *zap.Logger, task *coordinator.AssignedTask) {
	logger = logger.With(zap.Uint32("block_number", task.BlockNumber))
	logger.Info("Proving transition")

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Keep the lease alive while proving. A lost lease aborts the attempt;
	// the sweeper has already requeued the task for another worker.
	go func() {
		ticker := time.NewTicker(a.Config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
			}
			if err := a.Coordinator.Heartbeat(taskCtx, task.BlockNumber); err != nil {
				if errors.Is(err, prover.ErrLeaseExpired) {
					logger.Warn("Lease expired, abandoning task")
					cancel()
					return
				}
				logger.Warn("Heartbeat failed", zap.Error(err))
			}
		}
	}()

	proof, err := a.Prover.Prove(taskCtx, prover.TransitionRequest{
		BlockNumber:     task.BlockNumber,
		ValidityWitness: task.ValidityWitness,
		PrevValidityPis: task.PrevValidityPis,
	})
	if err != nil {
		logger.Error("Transition proving failed", zap.Error(err))
		return
	}

	if err := a.Coordinator.Submit(ctx, task.BlockNumber, proof); err != nil {
		if errors.Is(err, prover.ErrLeaseExpired) {
			logger.Warn("Submission rejected: lease expired, proof discarded")
			return
		}
		logger.Error("Submission failed", zap.Error(err))
		return
	}
	logger.Info("Transition proof submitted")
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
