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

const (
	// backwardSyncBlocks is how far the watermark rewinds when a gap in the
	// event stream is detected.
	backwardSyncBlocks = 1000
	maxSyncTries       = 3
	gapRetrySleep      = 10 * time.Second
)

// L1Config carries the liquidity-contract scan settings.
type L1Config struct {
	LiquidityContract   common.Address
	DeployedBlock       uint64
	SafetyConfirmations uint64
	MaxScanSpan         uint64
	SyncInterval        time.Duration
}

// L1Observer follows the liquidity contract's Deposited events and persists
// the canonical deposit log keyed by deposit id.
type L1Observer struct {
	config L1Config
	node   NodeClient
	store  *TimelineStore
	logger *zap.Logger
}

func NewL1Observer(config L1Config, node NodeClient, store *TimelineStore, logger *zap.Logger) *L1Observer {
	return &L1Observer{
		config: config,
		node:   node,
		store:  store,
		logger: logger.With(zap.String("observer", "l1_deposit")),
	}
}

// Run loops Sync until the context ends. Failed chain scans are logged inside
// Sync and retried on the next tick; any error Sync returns, such as a gap
// that survives every rewind, halts the loop.
func (o *L1Observer) Run(ctx context.Context) error {
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
			return fmt.Errorf("l1 observer halted: %w", err)
		}
	}
}

// Sync ingests one watermark window of Deposited events. Re-ingesting an
// already-stored range leaves the tables byte-identical.
func (o *L1Observer) Sync(ctx context.Context) error {
	for tries := 0; ; tries++ {
		if tries >= maxSyncTries {
			return fmt.Errorf("deposit sync: gap persisted after %d rewinds", maxSyncTries)
		}

		events, to, ok, err := o.scanWindow(ctx)
		if err != nil {
			o.logger.Warn("L1 scan failed, will retry", zap.Error(err))
			return nil
		}
		if !ok {
			return nil
		}

		gap, err := o.dropStaleAndCheckGap(ctx, &events)
		if err != nil {
			return err
		}
		if gap {
			if err := o.rewind(ctx); err != nil {
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
			for _, event := range events {
				if err := InsertDepositedEvent(ctx, tx, event); err != nil {
					return err
				}
			}
			return SetWatermark(ctx, tx, "l1_deposit_sync_eth_block_num", to+1)
		})
		if err != nil {
			return fmt.Errorf("persist deposited events: %w", err)
		}

		metrics.DepositedEventsIngested.Add(float64(len(events)))
		if len(events) > 0 {
			o.logger.Info("Synced L1 deposits",
				zap.Int("events", len(events)),
				zap.Uint64("to_eth_block", to))
		}
		return nil
	}
}

// scanWindow queries the next inclusive [watermark, head-confirmations] window.
func (o *L1Observer) scanWindow(ctx context.Context) ([]chain.DepositedEvent, uint64, bool, error) {
	watermark, err := o.store.Watermark(ctx, "l1_deposit_sync_eth_block_num", o.config.DeployedBlock)
	if err != nil {
		return nil, 0, false, err
	}
	head, err := o.node.LatestBlockNumber(ctx)
	if err != nil {
		return nil, 0, false, err
	}
	from, to, ok := scanRange(watermark, head, o.config.SafetyConfirmations, o.config.MaxScanSpan)
	if !ok {
		return nil, 0, false, nil
	}

	logs, err := o.node.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{o.config.LiquidityContract},
		Topics:    [][]common.Hash{{chain.DepositedTopic}},
	})
	if err != nil {
		return nil, 0, false, err
	}

	events := make([]chain.DepositedEvent, 0, len(logs))
	for _, log := range logs {
		event, err := chain.ParseDeposited(log)
		if err != nil {
			return nil, 0, false, fmt.Errorf("parse Deposited log: %w", err)
		}
		events = append(events, event)
	}
	return events, to, true, nil
}

// dropStaleAndCheckGap removes already-ingested events and reports whether
// the first fresh event skips an id.
func (o *L1Observer) dropStaleAndCheckGap(ctx context.Context, events *[]chain.DepositedEvent) (bool, error) {
	nextID, err := o.store.NextDepositID(ctx)
	if err != nil {
		return false, err
	}
	fresh := (*events)[:0]
	for _, event := range *events {
		if event.DepositID >= nextID {
			fresh = append(fresh, event)
		}
	}
	*events = fresh
	if len(fresh) > 0 && fresh[0].DepositID != nextID {
		o.logger.Error("Deposit id gap detected",
			zap.Uint64("expected", nextID),
			zap.Uint64("got", fresh[0].DepositID))
		return true, nil
	}
	return false, nil
}

// rewind pulls the watermark back to rescan a wider window after a gap.
func (o *L1Observer) rewind(ctx context.Context) error {
	watermark, err := o.store.Watermark(ctx, "l1_deposit_sync_eth_block_num", o.config.DeployedBlock)
	if err != nil {
		return err
	}
	rewound := watermark
	if rewound > backwardSyncBlocks {
		rewound -= backwardSyncBlocks
	} else {
		rewound = o.config.DeployedBlock
	}
	o.logger.Warn("Rewinding L1 deposit watermark",
		zap.Uint64("from", watermark), zap.Uint64("to", rewound))
	return o.store.Client.BeginFunc(ctx, func(tx pgx.Tx) error {
		return SetWatermark(ctx, tx, "l1_deposit_sync_eth_block_num", rewound)
	})
}
