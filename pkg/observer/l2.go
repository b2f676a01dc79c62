package observer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/intmax-network/validity-prover/pkg/chain"
	"github.com/intmax-network/validity-prover/pkg/metrics"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// L2Config carries the rollup-contract scan settings.
type L2Config struct {
	RollupContract      common.Address
	DeployedBlock       uint64
	SafetyConfirmations uint64
	MaxScanSpan         uint64
	SyncInterval        time.Duration
}

// L2Observer follows the rollup contract's BlockPosted and
// DepositLeafInserted events under two independent watermarks.
type L2Observer struct {
	config L2Config
	node   NodeClient
	store  *TimelineStore
	logger *zap.Logger
}

func NewL2Observer(config L2Config, node NodeClient, store *TimelineStore, logger *zap.Logger) *L2Observer {
	return &L2Observer{
		config: config,
		node:   node,
		store:  store,
		logger: logger.With(zap.String("observer", "l2_rollup")),
	}
}

// Run loops Sync until the context ends.
func (o *L2Observer) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.config.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := o.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("l2 observer halted: %w", err)
		}
	}
}

// Sync ingests blocks first so deposit lookups always see a block frontier at
// or ahead of the leaf frontier.
func (o *L2Observer) Sync(ctx context.Context) error {
	if err := o.syncBlocks(ctx); err != nil {
		return err
	}
	return o.syncDepositLeaves(ctx)
}

func (o *L2Observer) syncBlocks(ctx context.Context) error {
	for tries := 0; ; tries++ {
		if tries >= maxSyncTries {
			return fmt.Errorf("block sync: gap persisted after %d rewinds", maxSyncTries)
		}

		watermark, err := o.store.Watermark(ctx, "l2_block_sync_eth_block_num", o.config.DeployedBlock)
		if err != nil {
			return err
		}
		head, err := o.node.LatestBlockNumber(ctx)
		if err != nil {
			o.logger.Warn("L2 head lookup failed, will retry", zap.Error(err))
			return nil
		}
		from, to, ok := scanRange(watermark, head, o.config.SafetyConfirmations, o.config.MaxScanSpan)
		if !ok {
			return nil
		}

		logs, err := o.node.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{o.config.RollupContract},
			Topics:    [][]common.Hash{{chain.BlockPostedTopic}},
		})
		if err != nil {
			o.logger.Warn("L2 block scan failed, will retry", zap.Error(err))
			return nil
		}

		blocks := make([]chain.FullBlockWithMeta, 0, len(logs))
		for _, log := range logs {
			block, err := chain.ParseBlockPosted(log)
			if err != nil {
				return fmt.Errorf("parse BlockPosted log: %w", err)
			}
			blocks = append(blocks, block)
		}

		nextBlockNumber, err := o.store.NextBlockNumber(ctx)
		if err != nil {
			return err
		}
		fresh := blocks[:0]
		for _, block := range blocks {
			if block.FullBlock.Block.BlockNumber >= nextBlockNumber {
				fresh = append(fresh, block)
			}
		}
		if len(fresh) > 0 && fresh[0].FullBlock.Block.BlockNumber != nextBlockNumber {
			o.logger.Error("Block number gap detected",
				zap.Uint32("expected", nextBlockNumber),
				zap.Uint32("got", fresh[0].FullBlock.Block.BlockNumber))
			if err := o.rewind(ctx, "l2_block_sync_eth_block_num"); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(gapRetrySleep):
			}
			continue
		}

		err = o.store.Client.BeginFunc(ctx, func(tx pgx.Tx) error {
			for _, block := range fresh {
				if err := InsertFullBlock(ctx, tx, block); err != nil {
					return err
				}
			}
			return SetWatermark(ctx, tx, "l2_block_sync_eth_block_num", to+1)
		})
		if err != nil {
			return fmt.Errorf("persist full blocks: %w", err)
		}

		metrics.BlocksIngested.Add(float64(len(fresh)))
		if len(fresh) > 0 {
			o.logger.Info("Synced L2 blocks",
				zap.Int("blocks", len(fresh)),
				zap.Uint64("to_eth_block", to))
		}
		return nil
	}
}

func (o *L2Observer) syncDepositLeaves(ctx context.Context) error {
	for tries := 0; ; tries++ {
		if tries >= maxSyncTries {
			return fmt.Errorf("deposit leaf sync: gap persisted after %d rewinds", maxSyncTries)
		}

		watermark, err := o.store.Watermark(ctx, "l2_deposit_sync_eth_block_num", o.config.DeployedBlock)
		if err != nil {
			return err
		}
		head, err := o.node.LatestBlockNumber(ctx)
		if err != nil {
			o.logger.Warn("L2 head lookup failed, will retry", zap.Error(err))
			return nil
		}
		from, to, ok := scanRange(watermark, head, o.config.SafetyConfirmations, o.config.MaxScanSpan)
		if !ok {
			return nil
		}

		logs, err := o.node.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{o.config.RollupContract},
			Topics:    [][]common.Hash{{chain.DepositLeafInsertedTopic}},
		})
		if err != nil {
			o.logger.Warn("L2 deposit leaf scan failed, will retry", zap.Error(err))
			return nil
		}

		events := make([]chain.DepositLeafInserted, 0, len(logs))
		for _, log := range logs {
			event, err := chain.ParseDepositLeafInserted(log)
			if err != nil {
				return fmt.Errorf("parse DepositLeafInserted log: %w", err)
			}
			events = append(events, event)
		}

		nextIndex, err := o.store.NextDepositIndex(ctx)
		if err != nil {
			return err
		}
		fresh := events[:0]
		for _, event := range events {
			if event.DepositIndex >= nextIndex {
				fresh = append(fresh, event)
			}
		}
		if len(fresh) > 0 && fresh[0].DepositIndex != nextIndex {
			o.logger.Error("Deposit index gap detected",
				zap.Uint32("expected", nextIndex),
				zap.Uint32("got", fresh[0].DepositIndex))
			if err := o.rewind(ctx, "l2_deposit_sync_eth_block_num"); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(gapRetrySleep):
			}
			continue
		}

		err = o.store.Client.BeginFunc(ctx, func(tx pgx.Tx) error {
			for _, event := range fresh {
				if err := InsertDepositLeafEvent(ctx, tx, event); err != nil {
					return err
				}
			}
			return SetWatermark(ctx, tx, "l2_deposit_sync_eth_block_num", to+1)
		})
		if err != nil {
			return fmt.Errorf("persist deposit leaf events: %w", err)
		}

		metrics.DepositLeavesIngested.Add(float64(len(fresh)))
		if len(fresh) > 0 {
			o.logger.Info("Synced L2 deposit leaves",
				zap.Int("events", len(fresh)),
				zap.Uint64("to_eth_block", to))
		}
		return nil
	}
}

func (o *L2Observer) rewind(ctx context.Context, table string) error {
	watermark, err := o.store.Watermark(ctx, table, o.config.DeployedBlock)
	if err != nil {
		return err
	}
	rewound := watermark
	if rewound > backwardSyncBlocks {
		rewound -= backwardSyncBlocks
	} else {
		rewound = o.config.DeployedBlock
	}
	o.logger.Warn("Rewinding L2 watermark",
		zap.String("watermark", table),
		zap.Uint64("from", watermark), zap.Uint64("to", rewound))
	return o.store.Client.BeginFunc(ctx, func(tx pgx.Tx) error {
		return SetWatermark(ctx, tx, table, rewound)
	})
}
