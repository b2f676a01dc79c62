// Package observer follows the L1 liquidity contract and the L2 rollup
// contract, persisting the canonical deposit and block timelines behind
// reorg-tolerant watermarks.
package observer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/intmax-network/validity-prover/pkg/retry"
	"go.uber.org/zap"
)

// rpcCallTimeout bounds every single chain-node call.
const rpcCallTimeout = 30 * time.Second

// NodeClient is the thin chain-RPC surface the observers need.
type NodeClient interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// EthNode wraps an ethclient with per-call deadlines and retry.
type EthNode struct {
	client *ethclient.Client
	logger *zap.Logger
}

func Dial(ctx context.Context, logger *zap.Logger, rawURL string) (*EthNode, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain node: %w", err)
	}
	return &EthNode{client: client, logger: logger}, nil
}

func (n *EthNode) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var number uint64
	err := retry.WithBackoff(ctx, retry.RPCConfig(), n.logger, "block_number", func() error {
		callCtx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
		defer cancel()
		var err error
		number, err = n.client.BlockNumber(callCtx)
		return err
	})
	return number, err
}

func (n *EthNode) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := retry.WithBackoff(ctx, retry.RPCConfig(), n.logger, "filter_logs", func() error {
		callCtx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
		defer cancel()
		var err error
		logs, err = n.client.FilterLogs(callCtx, query)
		return err
	})
	return logs, err
}

func (n *EthNode) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := retry.WithBackoff(ctx, retry.RPCConfig(), n.logger, "chain_id", func() error {
		callCtx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
		defer cancel()
		var err error
		id, err = n.client.ChainID(callCtx)
		return err
	})
	return id, err
}

func (n *EthNode) Close() {
	n.client.Close()
}

// VerifyChainID fails fast on a misconfigured RPC endpoint.
func VerifyChainID(ctx context.Context, node NodeClient, want uint64) error {
	id, err := node.ChainID(ctx)
	if err != nil {
		return err
	}
	if id.Uint64() != want {
		return fmt.Errorf("chain id mismatch: node reports %d, configured %d", id.Uint64(), want)
	}
	return nil
}

// scanRange computes the next inclusive [from, to] window behind the
// confirmation depth, starting at the watermark.
// ok is false when there is nothing new to scan.
func scanRange(watermark, head, confirmations, maxSpan uint64) (from, to uint64, ok bool) {
	if head < confirmations {
		return 0, 0, false
	}
	safe := head - confirmations
	if safe < watermark {
		return 0, 0, false
	}
	from = watermark
	to = safe
	if maxSpan > 0 && to-from+1 > maxSpan {
		to = from + maxSpan - 1
	}
	return from, to, true
}
