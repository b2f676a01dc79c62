package observer

import (
	"context"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/intmax-network/validity-prover/pkg/chain"
	"github.com/intmax-network/validity-prover/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTimeline(t *testing.T) (*TimelineStore, context.Context) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	client, err := postgres.New(ctx, zap.NewNop(), url)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	s := NewTimelineStore(client, zap.NewNop())
	require.NoError(t, s.InitializeDB(ctx))
	tables := []string{
		"deposited_events", "deposit_leaf_events", "full_blocks",
		"l1_deposit_sync_eth_block_num", "l2_deposit_sync_eth_block_num", "l2_block_sync_eth_block_num",
	}
	for _, table := range tables {
		require.NoError(t, client.Exec(ctx, "TRUNCATE "+table))
	}
	// Re-seed genesis after the truncate.
	require.NoError(t, s.seedGenesis(ctx))
	return s, ctx
}

func TestGenesisBlockIsSeeded(t *testing.T) {
	s, ctx := setupTimeline(t)

	next, err := s.NextBlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), next)

	block, err := s.FullBlock(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, block.Block.BlockNumber)
}

func TestEventInsertionIsIdempotent(t *testing.T) {
	s, ctx := setupTimeline(t)

	event := chain.DepositedEvent{
		DepositID:         7,
		Depositor:         common.HexToAddress("0x01"),
		RecipientSaltHash: common.HexToHash("0x02"),
		TokenIndex:        1,
		Amount:            uint256.NewInt(500),
		IsEligible:        true,
		DepositedAt:       1700000000,
		EthBlockNumber:    100,
		EthTxIndex:        3,
	}
	leaf := chain.DepositLeafInserted{
		DepositIndex:   3,
		DepositHash:    event.Deposit().Hash(),
		EthBlockNumber: 200,
		EthTxIndex:     0,
	}

	insert := func() {
		require.NoError(t, s.Client.BeginFunc(ctx, func(tx pgx.Tx) error {
			if err := InsertDepositedEvent(ctx, tx, event); err != nil {
				return err
			}
			return InsertDepositLeafEvent(ctx, tx, leaf)
		}))
	}
	insert()
	insert() // replay is a no-op

	var depositCount, leafCount int64
	require.NoError(t, s.Client.QueryRow(ctx, `SELECT COUNT(*) FROM deposited_events`).Scan(&depositCount))
	require.NoError(t, s.Client.QueryRow(ctx, `SELECT COUNT(*) FROM deposit_leaf_events`).Scan(&leafCount))
	assert.Equal(t, int64(1), depositCount)
	assert.Equal(t, int64(1), leafCount)

	stored, err := s.DepositedEvent(ctx, event.Deposit().Hash())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, event.DepositID, stored.DepositID)
	assert.Equal(t, event.Amount, stored.Amount)
}

func TestDepositInfoJoinsLeafToContainingBlock(t *testing.T) {
	s, ctx := setupTimeline(t)

	depositHash := common.HexToHash("0x44")
	require.NoError(t, s.Client.BeginFunc(ctx, func(tx pgx.Tx) error {
		return InsertDepositLeafEvent(ctx, tx, chain.DepositLeafInserted{
			DepositIndex:   0,
			DepositHash:    depositHash,
			EthBlockNumber: 10,
			EthTxIndex:     0,
		})
	}))

	// No block at or after the leaf yet.
	info, err := s.DepositInfo(ctx, depositHash)
	require.NoError(t, err)
	assert.Nil(t, info)

	block := &chain.FullBlock{
		Block:       chain.Block{BlockNumber: 1},
		SenderFlags: make([]byte, chain.NumSendersInBlock/8),
	}
	require.NoError(t, s.Client.BeginFunc(ctx, func(tx pgx.Tx) error {
		return InsertFullBlock(ctx, tx, chain.FullBlockWithMeta{
			FullBlock:      block,
			EthBlockNumber: 11,
			EthTxIndex:     0,
		})
	}))

	info, err = s.DepositInfo(ctx, depositHash)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, uint32(1), info.BlockNumber)
	assert.Equal(t, uint32(0), info.DepositIndex)

	// Unknown hashes stay unresolved.
	info, err = s.DepositInfo(ctx, common.HexToHash("0x99"))
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestDepositsBetweenBlocks(t *testing.T) {
	s, ctx := setupTimeline(t)

	require.NoError(t, s.Client.BeginFunc(ctx, func(tx pgx.Tx) error {
		for i, ethBlock := range []uint64{5, 10, 15} {
			err := InsertDepositLeafEvent(ctx, tx, chain.DepositLeafInserted{
				DepositIndex:   uint32(i),
				DepositHash:    common.BytesToHash([]byte{byte(i + 1)}),
				EthBlockNumber: ethBlock,
				EthTxIndex:     0,
			})
			if err != nil {
				return err
			}
		}
		return InsertFullBlock(ctx, tx, chain.FullBlockWithMeta{
			FullBlock: &chain.FullBlock{
				Block:       chain.Block{BlockNumber: 1},
				SenderFlags: make([]byte, chain.NumSendersInBlock/8),
			},
			EthBlockNumber: 12,
			EthTxIndex:     0,
		})
	}))

	// Block 1's interval starts after genesis (0,0) and ends at (12,0):
	// it contains the leaves at eth blocks 5 and 10 but not 15.
	deposits, err := s.DepositsBetweenBlocks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deposits, 2)
	assert.Equal(t, uint32(0), deposits[0].DepositIndex)
	assert.Equal(t, uint32(1), deposits[1].DepositIndex)

	included, ok, err := s.LatestIncludedDepositIndex(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1), included)
}

func TestWatermarkRoundTrip(t *testing.T) {
	s, ctx := setupTimeline(t)

	// Unset watermark falls back to the deployed block.
	mark, err := s.Watermark(ctx, "l1_deposit_sync_eth_block_num", 1234)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), mark)

	require.NoError(t, s.Client.BeginFunc(ctx, func(tx pgx.Tx) error {
		return SetWatermark(ctx, tx, "l1_deposit_sync_eth_block_num", 5000)
	}))
	mark, err = s.Watermark(ctx, "l1_deposit_sync_eth_block_num", 1234)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), mark)
}
