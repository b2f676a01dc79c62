// Package witness reconstructs the rollup state block by block: it consumes
// the observers' timelines, advances the merkle forest, and persists one
// validity witness per block together with the tx-tree-root reverse index.
package witness

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/intmax-network/validity-prover/pkg/coordinator"
	"github.com/intmax-network/validity-prover/pkg/db/postgres"
	"github.com/intmax-network/validity-prover/pkg/forest"
	"github.com/intmax-network/validity-prover/pkg/merkle/store"
	"github.com/intmax-network/validity-prover/pkg/metrics"
	"github.com/intmax-network/validity-prover/pkg/observer"
	"github.com/jackc/pgx/v5"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// ErrWitnessNotFound is returned for blocks that have not been reconstructed.
var ErrWitnessNotFound = errors.New("validity witness not found")

// Generator is the single writer of validity_state and tx_tree_roots.
type Generator struct {
	Client   postgres.Client
	Timeline *observer.TimelineStore
	Forest   *forest.Forest
	Logger   *zap.Logger

	syncInterval time.Duration
	syncing      atomic.Bool

	// txRootCache is read-through only; the database stays authoritative.
	txRootCache *xsync.Map[common.Hash, uint32]
}

func NewGenerator(client postgres.Client, timeline *observer.TimelineStore, f *forest.Forest, syncInterval time.Duration, logger *zap.Logger) *Generator {
	return &Generator{
		Client:       client,
		Timeline:     timeline,
		Forest:       f,
		Logger:       logger.With(zap.String("component", "witness_generator")),
		syncInterval: syncInterval,
		txRootCache:  xsync.NewMap[common.Hash, uint32](),
	}
}

// InitializeDB creates the validity tables and seeds the genesis witness so
// the proof chain has a block-0 anchor.
func (g *Generator) InitializeDB(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS validity_state (
			block_number INTEGER PRIMARY KEY,
			validity_witness BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tx_tree_roots (
			tx_tree_root BYTEA PRIMARY KEY,
			block_number INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if err := g.Client.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create validity table: %w", err)
		}
	}

	var count int64
	if err := g.Client.QueryRow(ctx, `SELECT COUNT(*) FROM validity_state`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	genesisWitness, err := g.Forest.GenesisWitness(ctx)
	if err != nil {
		return fmt.Errorf("build genesis witness: %w", err)
	}
	encoded, err := genesisWitness.Encode()
	if err != nil {
		return err
	}
	return g.Client.BeginFunc(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO validity_state (block_number, validity_witness)
			VALUES (0, $1)
			ON CONFLICT (block_number) DO NOTHING`, encoded)
		if err != nil {
			return err
		}
		return coordinator.EnqueueTask(ctx, tx, 0)
	})
}

// Run loops Sync until the context ends.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !g.syncing.CompareAndSwap(false, true) {
			g.Logger.Warn("Previous sync still running, skipping tick")
			continue
		}
		err := g.Sync(ctx)
		g.syncing.Store(false)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Missing prerequisites and root mismatches stall, not fail.
			g.Logger.Error("Witness sync failed, will retry", zap.Error(err))
		}
	}
}

// Sync advances validity_state to the observers' block frontier, one block
// and one transaction at a time.
func (g *Generator) Sync(ctx context.Context) error {
	lastBlock, err := g.LastBlockNumber(ctx)
	if err != nil {
		return err
	}
	nextBlock, err := g.Timeline.NextBlockNumber(ctx)
	if err != nil {
		return err
	}

	for blockNumber := lastBlock + 1; blockNumber < nextBlock; blockNumber++ {
		if err := g.applyBlock(ctx, blockNumber); err != nil {
			return fmt.Errorf("apply block %d: %w", blockNumber, err)
		}
		metrics.BlocksReconstructed.Inc()
		metrics.LastReconstructedBlock.Set(float64(blockNumber))
		g.Logger.Info("Reconstructed block", zap.Uint32("block_number", blockNumber))
	}
	return nil
}

func (g *Generator) applyBlock(ctx context.Context, blockNumber uint32) error {
	block, err := g.Timeline.FullBlock(ctx, blockNumber)
	if err != nil {
		return err
	}
	deposits, err := g.Timeline.DepositsBetweenBlocks(ctx, blockNumber)
	if err != nil {
		return err
	}

	err = g.Client.BeginFunc(ctx, func(tx pgx.Tx) error {
		validityWitness, err := g.Forest.ApplyBlock(ctx, tx, block, deposits)
		if err != nil {
			return err
		}
		encoded, err := validityWitness.Encode()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO validity_state (block_number, validity_witness)
			VALUES ($1, $2)`, int32(blockNumber), encoded); err != nil {
			return fmt.Errorf("insert validity state: %w", err)
		}

		if block.TxTreeRoot != (common.Hash{}) && validityWitness.IsValidBlock {
			if _, err := tx.Exec(ctx, `
				INSERT INTO tx_tree_roots (tx_tree_root, block_number)
				VALUES ($1, $2)
				ON CONFLICT (tx_tree_root) DO UPDATE SET block_number = $2`,
				block.TxTreeRoot[:], int32(blockNumber)); err != nil {
				return fmt.Errorf("insert tx tree root: %w", err)
			}
		}

		return coordinator.EnqueueTask(ctx, tx, blockNumber)
	})
	if errors.Is(err, forest.ErrDepositRootMismatch) {
		// The forest rows from the failed transaction rolled back, but clear
		// any partial state from an earlier crash at this height too.
		if resetErr := g.Forest.Reset(ctx, uint64(blockNumber)); resetErr != nil {
			return resetErr
		}
		return err
	}
	return err
}

// LastBlockNumber is the highest reconstructed block.
func (g *Generator) LastBlockNumber(ctx context.Context) (uint32, error) {
	var last *int64
	if err := g.Client.QueryRow(ctx, `SELECT MAX(block_number) FROM validity_state`).Scan(&last); err != nil {
		return 0, fmt.Errorf("last reconstructed block: %w", err)
	}
	if last == nil {
		return 0, nil
	}
	return uint32(*last), nil
}

// ValidityWitness loads the stored witness for a block.
func (g *Generator) ValidityWitness(ctx context.Context, blockNumber uint32) (*forest.ValidityWitness, error) {
	var encoded []byte
	err := g.Client.QueryRow(ctx,
		`SELECT validity_witness FROM validity_state WHERE block_number = $1`,
		int32(blockNumber)).Scan(&encoded)
	if postgres.IsNoRows(err) {
		return nil, fmt.Errorf("%w: block %d", ErrWitnessNotFound, blockNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("get validity witness: %w", err)
	}
	return forest.DecodeValidityWitness(encoded)
}

// PublicInputs projects the stored witness for a block.
func (g *Generator) PublicInputs(ctx context.Context, blockNumber uint32) (*forest.ValidityPublicInputs, error) {
	w, err := g.ValidityWitness(ctx, blockNumber)
	if err != nil {
		return nil, err
	}
	pis := w.PublicInputs()
	return &pis, nil
}

// SenderLeaves returns the sender slots of a reconstructed block.
func (g *Generator) SenderLeaves(ctx context.Context, blockNumber uint32) ([]forest.SenderLeaf, error) {
	w, err := g.ValidityWitness(ctx, blockNumber)
	if err != nil {
		return nil, err
	}
	return w.TransitionWitness.SenderLeaves, nil
}

// BlockNumberByTxTreeRoot resolves the reverse index; ok is false for unknown
// roots.
func (g *Generator) BlockNumberByTxTreeRoot(ctx context.Context, root common.Hash) (uint32, bool, error) {
	if cached, ok := g.txRootCache.Load(root); ok {
		return cached, true, nil
	}
	var blockNumber int32
	err := g.Client.QueryRow(ctx,
		`SELECT block_number FROM tx_tree_roots WHERE tx_tree_root = $1`, root[:]).Scan(&blockNumber)
	if postgres.IsNoRows(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup tx tree root: %w", err)
	}
	g.txRootCache.Store(root, uint32(blockNumber))
	return uint32(blockNumber), true, nil
}

// BlockMerkleProof proves leafBlockNumber's hash under rootBlockNumber's
// block tree root.
func (g *Generator) BlockMerkleProof(ctx context.Context, rootBlockNumber, leafBlockNumber uint32) (*store.MerkleProof, error) {
	if leafBlockNumber > rootBlockNumber {
		return nil, fmt.Errorf("leaf block %d is newer than root block %d", leafBlockNumber, rootBlockNumber)
	}
	proof, err := g.Forest.BlockTree.Prove(ctx, uint64(rootBlockNumber), uint64(leafBlockNumber))
	if err != nil {
		return nil, err
	}
	return &proof, nil
}

// DepositMerkleProof proves a deposit leaf under the deposit tree root as of
// the given block.
func (g *Generator) DepositMerkleProof(ctx context.Context, blockNumber uint32, depositIndex uint32) (*store.MerkleProof, error) {
	proof, err := g.Forest.DepositTree.Prove(ctx, uint64(blockNumber), uint64(depositIndex))
	if err != nil {
		return nil, err
	}
	return &proof, nil
}

// AccountMembershipProof proves presence or absence of a pubkey in the
// account tree as of the given block.
func (g *Generator) AccountMembershipProof(ctx context.Context, blockNumber uint32, pubkey *uint256.Int) (*store.MembershipProof, error) {
	var proof store.MembershipProof
	err := g.Forest.Store.BeginFunc(ctx, func(tx pgx.Tx) error {
		var err error
		proof, err = g.Forest.AccountTree.ProveMembership(ctx, tx, uint64(blockNumber), pubkey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &proof, nil
}

// AccountInfo reports a sender's account id and last activity as of the
// newest reconstructed block.
type AccountInfo struct {
	BlockNumber     uint32  `json:"blockNumber"`
	AccountID       *uint64 `json:"accountId"`
	LastBlockNumber uint32  `json:"lastBlockNumber"`
}

func (g *Generator) AccountInfo(ctx context.Context, pubkey *uint256.Int) (*AccountInfo, error) {
	blockNumber, err := g.LastBlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	info := &AccountInfo{BlockNumber: blockNumber}
	err = g.Forest.Store.BeginFunc(ctx, func(tx pgx.Tx) error {
		index, ok, err := g.Forest.AccountTree.Index(ctx, tx, uint64(blockNumber), pubkey)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		leaf, err := g.Forest.AccountTree.GetLeaf(ctx, tx, uint64(blockNumber), index)
		if err != nil {
			return err
		}
		info.AccountID = &index
		info.LastBlockNumber = uint32(leaf.Value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}
