// Package prover assembles and runs the validity prover service: the two
// chain observers, the witness generator, the prover task coordinator with
// its sweeper and chaining loops, the backup scheduler, and the HTTP API.
package prover

import (
	"context"
	"time"

	"github.com/intmax-network/validity-prover/app/prover/types"
	"github.com/intmax-network/validity-prover/pkg/cache"
	"github.com/intmax-network/validity-prover/pkg/config"
	"github.com/intmax-network/validity-prover/pkg/coordinator"
	"github.com/intmax-network/validity-prover/pkg/db/postgres"
	"github.com/intmax-network/validity-prover/pkg/forest"
	"github.com/intmax-network/validity-prover/pkg/logging"
	"github.com/intmax-network/validity-prover/pkg/merkle/store"
	"github.com/intmax-network/validity-prover/pkg/observer"
	proverclient "github.com/intmax-network/validity-prover/pkg/prover"
	"github.com/intmax-network/validity-prover/pkg/witness"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Initialize builds the fully wired App or dies trying.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	db, err := postgres.New(ctx, logger, "", postgres.DefaultPoolConfig("validity_prover"))
	if err != nil {
		logger.Fatal("Unable to connect to database", zap.Error(err))
	}

	merkleStore := store.New(db, logger)
	if err := merkleStore.InitializeDB(ctx); err != nil {
		logger.Fatal("Unable to initialize merkle store", zap.Error(err))
	}

	f := forest.New(merkleStore, logger)
	if err := f.Initialize(ctx); err != nil {
		logger.Fatal("Unable to initialize merkle forest", zap.Error(err))
	}

	timeline := observer.NewTimelineStore(db, logger)
	if err := timeline.InitializeDB(ctx); err != nil {
		logger.Fatal("Unable to initialize timeline store", zap.Error(err))
	}

	wrapper := proverclient.NewWrapClient(cfg.WrapProverURL, cfg.ProverCallTimeout, logger)
	coord := coordinator.New(db, wrapper, cfg.TaskLeaseTTL, cfg.SweepInterval, cfg.ProofChainInterval, logger)
	if err := coord.InitializeDB(ctx); err != nil {
		logger.Fatal("Unable to initialize coordinator", zap.Error(err))
	}

	generator := witness.NewGenerator(db, timeline, f, cfg.WitnessSyncInterval, logger)
	if err := generator.InitializeDB(ctx); err != nil {
		logger.Fatal("Unable to initialize witness generator", zap.Error(err))
	}

	l1Node, err := observer.Dial(ctx, logger, cfg.L1RPCURL)
	if err != nil {
		logger.Fatal("Unable to dial L1 node", zap.Error(err))
	}
	if err := observer.VerifyChainID(ctx, l1Node, cfg.L1ChainID); err != nil {
		logger.Fatal("L1 chain id check failed", zap.Error(err))
	}
	l2Node, err := observer.Dial(ctx, logger, cfg.L2RPCURL)
	if err != nil {
		logger.Fatal("Unable to dial L2 node", zap.Error(err))
	}
	if err := observer.VerifyChainID(ctx, l2Node, cfg.L2ChainID); err != nil {
		logger.Fatal("L2 chain id check failed", zap.Error(err))
	}

	l1Observer := observer.NewL1Observer(observer.L1Config{
		LiquidityContract:   cfg.LiquidityContractAddress,
		DeployedBlock:       cfg.LiquidityDeployedBlock,
		SafetyConfirmations: cfg.L1SafetyConfirmations,
		MaxScanSpan:         cfg.ObserverMaxScanSpan,
		SyncInterval:        cfg.ObserverSyncInterval,
	}, l1Node, timeline, logger)

	l2Observer := observer.NewL2Observer(observer.L2Config{
		RollupContract:      cfg.RollupContractAddress,
		DeployedBlock:       cfg.RollupDeployedBlock,
		SafetyConfirmations: cfg.L2SafetyConfirmations,
		MaxScanSpan:         cfg.ObserverMaxScanSpan,
		SyncInterval:        cfg.ObserverSyncInterval,
	}, l2Node, timeline, logger)

	var cacheClient *cache.Client
	if cfg.RedisEnabled {
		cacheClient, err = cache.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Redis unavailable, proof caching disabled", zap.Error(err))
			cacheClient = nil
		}
	}

	app := &types.App{
		Config:      cfg,
		Logger:      logger,
		DB:          db,
		MerkleStore: merkleStore,
		Forest:      f,
		Timeline:    timeline,
		Generator:   generator,
		Coordinator: coord,
		L1Observer:  l1Observer,
		L2Observer:  l2Observer,
		Cache:       cacheClient,
	}

	setupScheduler(app)
	if err := NewServer(app); err != nil {
		logger.Fatal("Unable to set up HTTP server", zap.Error(err))
	}

	return app
}

// setupScheduler registers the backup+prune retention job.
func setupScheduler(app *types.App) {
	app.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := app.Cron.AddFunc(app.Config.BackupCron, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		latest, err := app.Generator.LastBlockNumber(runCtx)
		if err != nil {
			app.Logger.Error("Backup skipped: cannot read frontier", zap.Error(err))
			return
		}
		if _, err := app.MerkleStore.Backup(runCtx, uint64(latest), app.Config.BackupOffset); err != nil {
			app.Logger.Error("Backup failed", zap.Error(err))
			return
		}
		if err := app.MerkleStore.Prune(runCtx); err != nil {
			app.Logger.Error("Prune failed", zap.Error(err))
		}
	})
	if err != nil {
		app.Logger.Fatal("Invalid BACKUP_CRON expression", zap.Error(err))
	}
}

// Start runs every loop until ctx is cancelled, then shuts down in order.
func Start(ctx context.Context, app *types.App) {
	app.Cron.Start()
	app.Logger.Info("Backup scheduler started", zap.String("cron", app.Config.BackupCron))

	go func() { _ = app.Server.ListenAndServe() }()
	app.Logger.Info("HTTP server started", zap.String("addr", app.Config.Addr))

	runLoop(ctx, app.Logger, "l1_observer", app.L1Observer.Run)
	runLoop(ctx, app.Logger, "l2_observer", app.L2Observer.Run)
	runLoop(ctx, app.Logger, "witness_generator", app.Generator.Run)
	runLoop(ctx, app.Logger, "lease_sweeper", app.Coordinator.RunSweeper)
	runLoop(ctx, app.Logger, "proof_chainer", app.Coordinator.RunChainer)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = app.Server.Shutdown(shutdownCtx)
	<-app.Cron.Stop().Done()
	_ = app.Cache.Close()
	app.DB.Close()
	app.Logger.Info("Validity prover stopped")
}

// runLoop supervises one component loop: a loop that halts (reorg beyond
// safety depth, persistent gaps) stays down until an operator intervenes.
func runLoop(ctx context.Context, logger *zap.Logger, name string, fn func(context.Context) error) {
	go func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Loop halted, operator action required",
				zap.String("loop", name), zap.Error(err))
		}
	}()
}
