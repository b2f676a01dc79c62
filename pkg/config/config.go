// Package config gathers the validity prover's environment configuration into
// one typed struct, read once at startup.
package config

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/intmax-network/validity-prover/pkg/utils"
)

// Config is the full service configuration.
type Config struct {
	// HTTP
	Addr string

	// Chain upstreams
	L1RPCURL                 string
	L1ChainID                uint64
	L2RPCURL                 string
	L2ChainID                uint64
	RollupContractAddress    common.Address
	RollupDeployedBlock      uint64
	LiquidityContractAddress common.Address
	LiquidityDeployedBlock   uint64
	L1SafetyConfirmations    uint64
	L2SafetyConfirmations    uint64
	ObserverMaxScanSpan      uint64
	ObserverSyncInterval     time.Duration

	// Reconstruction and proving
	WitnessSyncInterval time.Duration
	ProofChainInterval  time.Duration
	TaskLeaseTTL        time.Duration
	SweepInterval       time.Duration
	WrapProverURL       string
	ProverCallTimeout   time.Duration

	// Retention
	BackupOffset uint64
	BackupCron   string

	// Cache
	RedisEnabled bool
}

// Load reads the configuration from the environment. Contract addresses are
// required; everything else has a default.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:                 utils.Env("ADDR", ":9100"),
		L1RPCURL:             utils.Env("L1_RPC_URL", "http://localhost:8545"),
		L1ChainID:            utils.EnvUint64("L1_CHAIN_ID", 1),
		L2RPCURL:             utils.Env("L2_RPC_URL", "http://localhost:8545"),
		L2ChainID:            utils.EnvUint64("L2_CHAIN_ID", 1),
		RollupDeployedBlock:  utils.EnvUint64("ROLLUP_CONTRACT_DEPLOYED_BLOCK", 0),
		LiquidityDeployedBlock: utils.EnvUint64("LIQUIDITY_CONTRACT_DEPLOYED_BLOCK", 0),
		L1SafetyConfirmations: utils.EnvUint64("L1_SAFETY_CONFIRMATIONS", 12),
		L2SafetyConfirmations: utils.EnvUint64("L2_SAFETY_CONFIRMATIONS", 1),
		ObserverMaxScanSpan:   utils.EnvUint64("OBSERVER_EVENT_BLOCK_INTERVAL", 10000),
		ObserverSyncInterval:  utils.EnvDuration("OBSERVER_SYNC_INTERVAL", 10*time.Second),
		WitnessSyncInterval:   utils.EnvDuration("WITNESS_SYNC_INTERVAL", 10*time.Second),
		ProofChainInterval:    utils.EnvDuration("PROOF_CHAIN_INTERVAL", 5*time.Second),
		TaskLeaseTTL:          utils.EnvDuration("TASK_LEASE_TTL", 2*time.Minute),
		SweepInterval:         utils.EnvDuration("SWEEP_INTERVAL", 10*time.Second),
		WrapProverURL:         utils.Env("WRAP_PROVER_URL", "http://localhost:9101"),
		ProverCallTimeout:     utils.EnvDuration("PROVER_CALL_TIMEOUT", 10*time.Minute),
		BackupOffset:          utils.EnvUint64("BACKUP_OFFSET", 100),
		BackupCron:            utils.Env("BACKUP_CRON", "0 0 3 * * *"),
		RedisEnabled:          utils.EnvBool("REDIS_ENABLED", false),
	}

	rollupAddr := utils.Env("ROLLUP_CONTRACT_ADDRESS", "")
	if !common.IsHexAddress(rollupAddr) {
		return nil, fmt.Errorf("ROLLUP_CONTRACT_ADDRESS is missing or invalid")
	}
	cfg.RollupContractAddress = common.HexToAddress(rollupAddr)

	liquidityAddr := utils.Env("LIQUIDITY_CONTRACT_ADDRESS", "")
	if !common.IsHexAddress(liquidityAddr) {
		return nil, fmt.Errorf("LIQUIDITY_CONTRACT_ADDRESS is missing or invalid")
	}
	cfg.LiquidityContractAddress = common.HexToAddress(liquidityAddr)

	return cfg, nil
}

// WorkerConfig is the prover-worker process configuration.
type WorkerConfig struct {
	CoordinatorURL    string
	TransitionURL     string
	Concurrency       int
	HeartbeatInterval time.Duration
	IdleWait          time.Duration
	ProverCallTimeout time.Duration
}

// LoadWorker reads the worker configuration from the environment.
func LoadWorker() *WorkerConfig {
	return &WorkerConfig{
		CoordinatorURL:    utils.Env("COORDINATOR_URL", "http://localhost:9100"),
		TransitionURL:     utils.Env("TRANSITION_PROVER_URL", "http://localhost:9102"),
		Concurrency:       utils.EnvInt("WORKER_CONCURRENCY", 1),
		HeartbeatInterval: utils.EnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		IdleWait:          utils.EnvDuration("WORKER_IDLE_WAIT", 5*time.Second),
		ProverCallTimeout: utils.EnvDuration("PROVER_CALL_TIMEOUT", 10*time.Minute),
	}
}
