package witness

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/intmax-network/validity-prover/pkg/chain"
	"github.com/intmax-network/validity-prover/pkg/coordinator"
	"github.com/intmax-network/validity-prover/pkg/db/postgres"
	"github.com/intmax-network/validity-prover/pkg/forest"
	"github.com/intmax-network/validity-prover/pkg/merkle/store"
	"github.com/intmax-network/validity-prover/pkg/observer"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	Client    postgres.Client
	Store     *store.Store
	Forest    *forest.Forest
	Timeline  *observer.TimelineStore
	Generator *Generator
	Coord     *coordinator.Coordinator
}

type nopWrapper struct{}

func (nopWrapper) Wrap(_ context.Context, prevProof, transitionProof []byte) ([]byte, error) {
	out := append([]byte(nil), prevProof...)
	return append(out, transitionProof...), nil
}

func setupFixture(t *testing.T) (*fixture, context.Context) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	client, err := postgres.New(ctx, zap.NewNop(), url)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	logger := zap.NewNop()
	s := store.New(client, logger)
	require.NoError(t, s.InitializeDB(ctx))
	timeline := observer.NewTimelineStore(client, logger)
	coord := coordinator.New(client, nopWrapper{}, time.Minute, time.Second, time.Second, logger)
	require.NoError(t, coord.InitializeDB(ctx))

	tables := []string{
		"hash_nodes", "leaves", "leaves_len", "indexed_leaves", "backup_cutoff",
		"deposited_events", "deposit_leaf_events", "full_blocks",
		"l1_deposit_sync_eth_block_num", "l2_deposit_sync_eth_block_num", "l2_block_sync_eth_block_num",
		"prover_tasks", "validity_proofs",
	}
	require.NoError(t, client.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS validity_state (
			block_number INTEGER PRIMARY KEY, validity_witness BYTEA NOT NULL)`))
	require.NoError(t, client.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tx_tree_roots (
			tx_tree_root BYTEA PRIMARY KEY, block_number INTEGER NOT NULL)`))
	tables = append(tables, "validity_state", "tx_tree_roots")
	for _, table := range tables {
		require.NoError(t, client.Exec(ctx, "TRUNCATE "+table))
	}

	require.NoError(t, timeline.InitializeDB(ctx))
	f := forest.New(s, logger)
	require.NoError(t, f.Initialize(ctx))

	generator := NewGenerator(client, timeline, f, time.Second, logger)
	require.NoError(t, generator.InitializeDB(ctx))

	return &fixture{
		Client:    client,
		Store:     s,
		Forest:    f,
		Timeline:  timeline,
		Generator: generator,
		Coord:     coord,
	}, ctx
}

// depositRoot computes the height-32 deposit tree root over the given leaf
// hashes, independently of the store.
func depositRoot(leafHashes []common.Hash) common.Hash {
	level := make([]common.Hash, len(leafHashes))
	for i, h := range leafHashes {
		level[i] = store.HashStandardLeaf(h[:])
	}
	zero := store.HashStandardLeaf(make([]byte, 32))
	for depth := 0; depth < 32; depth++ {
		next := make([]common.Hash, (len(level)+1)/2)
		for i := range next {
			left := zero
			right := zero
			if 2*i < len(level) {
				left = level[2*i]
			}
			if 2*i+1 < len(level) {
				right = level[2*i+1]
			}
			next[i] = store.TwoToOne(left, right)
		}
		if len(next) == 0 {
			next = []common.Hash{store.TwoToOne(zero, zero)}
		}
		level = next
		zero = store.TwoToOne(zero, zero)
	}
	return level[0]
}

// postBlock stores a synthetic L2 block and its deposit leaves the way the
// observers would.
func postBlock(t *testing.T, ctx context.Context, fx *fixture, block *chain.FullBlock, deposits []chain.DepositLeafInserted, ethBlock uint64) {
	t.Helper()
	require.NoError(t, fx.Client.BeginFunc(ctx, func(tx pgx.Tx) error {
		for _, deposit := range deposits {
			if err := observer.InsertDepositLeafEvent(ctx, tx, deposit); err != nil {
				return err
			}
		}
		return observer.InsertFullBlock(ctx, tx, chain.FullBlockWithMeta{
			FullBlock:      block,
			EthBlockNumber: ethBlock,
			EthTxIndex:     0,
		})
	}))
}

func TestGenesisStateExistsBeforeAnyEvents(t *testing.T) {
	fx, ctx := setupFixture(t)

	last, err := fx.Generator.LastBlockNumber(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)

	witness, err := fx.Generator.ValidityWitness(ctx, 0)
	require.NoError(t, err)
	assert.True(t, witness.IsValidBlock)
	assert.Zero(t, witness.BlockWitness.Block.BlockNumber)

	// The genesis task is queued; no proof exists yet.
	task, err := fx.Coord.Assign(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Zero(t, task.BlockNumber)

	proof, err := fx.Coord.ValidityProof(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, proof)
}

func TestGenesisProofChain(t *testing.T) {
	fx, ctx := setupFixture(t)

	task, err := fx.Coord.Assign(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, fx.Coord.Submit(ctx, 0, []byte{0xDE, 0xAD, 0xBE, 0xEF}))
	require.NoError(t, fx.Coord.Chain(ctx))

	proof, err := fx.Coord.ValidityProof(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, proof, "wrap(∅, transition) for the nop wrapper")
}

func TestReconstructionWithDepositAndTxRoot(t *testing.T) {
	fx, ctx := setupFixture(t)

	depositHash := common.HexToHash("0x4444444444444444444444444444444444444444444444444444444444444444")
	txTreeRoot := common.HexToHash("0x5555555555555555555555555555555555555555555555555555555555555555")

	block := &chain.FullBlock{
		Block: chain.Block{
			BlockNumber:     1,
			DepositTreeRoot: depositRoot([]common.Hash{depositHash}),
			Timestamp:       1000,
		},
		TxTreeRoot:          txTreeRoot,
		SenderFlags:         make([]byte, chain.NumSendersInBlock/8),
		IsRegistrationBlock: true,
		Pubkeys:             []*uint256.Int{uint256.NewInt(12345)},
	}
	block.SenderFlags[0] = 1

	postBlock(t, ctx, fx, block, []chain.DepositLeafInserted{{
		DepositIndex:   0,
		DepositHash:    depositHash,
		EthBlockNumber: 10,
		EthTxIndex:     0,
	}}, 11)

	require.NoError(t, fx.Generator.Sync(ctx))

	last, err := fx.Generator.LastBlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), last)

	witness, err := fx.Generator.ValidityWitness(ctx, 1)
	require.NoError(t, err)
	assert.True(t, witness.IsValidBlock)
	assert.Equal(t, block.Block.DepositTreeRoot, witness.PostDepositRoot)

	// The deposit tree snapshot at block 1 carries the leaf.
	require.NoError(t, fx.Store.BeginFunc(ctx, func(tx pgx.Tx) error {
		leaf, err := fx.Forest.DepositTree.GetLeaf(ctx, tx, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, depositHash[:], leaf)
		return nil
	}))

	// Reverse index answers; unknown roots are not found.
	blockNumber, found, err := fx.Generator.BlockNumberByTxTreeRoot(ctx, txTreeRoot)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint32(1), blockNumber)

	_, found, err = fx.Generator.BlockNumberByTxTreeRoot(ctx, common.HexToHash("0x99"))
	require.NoError(t, err)
	assert.False(t, found)

	// The registered sender is resolvable with a membership proof.
	info, err := fx.Generator.AccountInfo(ctx, uint256.NewInt(12345))
	require.NoError(t, err)
	require.NotNil(t, info.AccountID)
	assert.Equal(t, uint32(1), info.LastBlockNumber)

	proof, err := fx.Generator.AccountMembershipProof(ctx, 1, uint256.NewInt(12345))
	require.NoError(t, err)
	assert.True(t, proof.IsIncluded)

	// Re-running Sync over already-processed state is a no-op.
	require.NoError(t, fx.Generator.Sync(ctx))
	var count int64
	require.NoError(t, fx.Client.QueryRow(ctx, `SELECT COUNT(*) FROM validity_state`).Scan(&count))
	assert.Equal(t, int64(2), count)
}

func TestReconstructionStallsOnDepositRootMismatch(t *testing.T) {
	fx, ctx := setupFixture(t)

	block := &chain.FullBlock{
		Block: chain.Block{
			BlockNumber:     1,
			DepositTreeRoot: common.HexToHash("0xbad"),
		},
		SenderFlags:         make([]byte, chain.NumSendersInBlock/8),
		IsRegistrationBlock: true,
		Pubkeys:             []*uint256.Int{uint256.NewInt(1111)},
	}
	postBlock(t, ctx, fx, block, nil, 11)

	err := fx.Generator.Sync(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, forest.ErrDepositRootMismatch)

	// Nothing was committed; block 1 stays unreconstructed and retriable.
	last, err := fx.Generator.LastBlockNumber(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)
}
