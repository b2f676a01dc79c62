package coordinator

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/intmax-network/validity-prover/pkg/chain"
	"github.com/intmax-network/validity-prover/pkg/db/postgres"
	"github.com/intmax-network/validity-prover/pkg/forest"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// concatWrapper is a deterministic stand-in for the wrap prover: the
// cumulative proof is the concatenation of all transition proofs so far.
type concatWrapper struct{}

func (concatWrapper) Wrap(_ context.Context, prevProof, transitionProof []byte) ([]byte, error) {
	out := append([]byte(nil), prevProof...)
	return append(out, transitionProof...), nil
}

func setupCoordinator(t *testing.T) (*Coordinator, context.Context) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	client, err := postgres.New(ctx, zap.NewNop(), url)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	c := New(client, concatWrapper{}, time.Minute, time.Second, time.Second, zap.NewNop())
	require.NoError(t, c.InitializeDB(ctx))
	require.NoError(t, client.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS validity_state (
			block_number INTEGER PRIMARY KEY,
			validity_witness BYTEA NOT NULL
		)`))
	for _, table := range []string{"prover_tasks", "validity_proofs", "validity_state"} {
		require.NoError(t, client.Exec(ctx, "TRUNCATE "+table))
	}
	return c, ctx
}

// seedTask stores a minimal witness and its NEW task row.
func seedTask(t *testing.T, ctx context.Context, c *Coordinator, blockNumber uint32) {
	t.Helper()
	witness := &forest.ValidityWitness{
		BlockWitness: forest.BlockWitness{
			Block:       chain.Block{BlockNumber: blockNumber},
			SenderFlags: make([]byte, chain.NumSendersInBlock/8),
		},
		IsValidBlock: true,
	}
	encoded, err := witness.Encode()
	require.NoError(t, err)
	require.NoError(t, c.Client.BeginFunc(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO validity_state (block_number, validity_witness)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`, int32(blockNumber), encoded); err != nil {
			return err
		}
		return EnqueueTask(ctx, tx, blockNumber)
	}))
}

func TestAssignHandsOutLowestTaskFirst(t *testing.T) {
	c, ctx := setupCoordinator(t)
	seedTask(t, ctx, c, 2)
	seedTask(t, ctx, c, 0)
	seedTask(t, ctx, c, 1)

	task, err := c.Assign(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, uint32(0), task.BlockNumber)
	assert.NotEmpty(t, task.ValidityWitness)
	assert.Nil(t, task.PrevValidityPis)
	assert.Nil(t, task.PrevProof)

	task, err = c.Assign(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, uint32(1), task.BlockNumber)
	assert.NotEmpty(t, task.PrevValidityPis)
}

func TestAssignReturnsNilWhenQueueEmpty(t *testing.T) {
	c, ctx := setupCoordinator(t)
	task, err := c.Assign(ctx)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestAssignUnderContentionHandsEachTaskOnce(t *testing.T) {
	c, ctx := setupCoordinator(t)
	for n := uint32(0); n < 8; n++ {
		seedTask(t, ctx, c, n)
	}

	var mu sync.Mutex
	seen := map[uint32]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := c.Assign(ctx)
			assert.NoError(t, err)
			if task != nil {
				mu.Lock()
				seen[task.BlockNumber]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for blockNumber, count := range seen {
		assert.Equal(t, 1, count, "task %d assigned more than once", blockNumber)
	}
}

func TestHeartbeatAndSubmitRequireLiveLease(t *testing.T) {
	c, ctx := setupCoordinator(t)
	seedTask(t, ctx, c, 0)

	// No lease yet.
	assert.ErrorIs(t, c.Heartbeat(ctx, 0), ErrLeaseExpired)
	assert.ErrorIs(t, c.Submit(ctx, 0, []byte{1}), ErrLeaseExpired)

	task, err := c.Assign(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)

	require.NoError(t, c.Heartbeat(ctx, 0))
	require.NoError(t, c.Submit(ctx, 0, []byte{0xDE, 0xAD, 0xBE, 0xEF}))

	// Completed tasks accept no further heartbeats or submissions.
	assert.ErrorIs(t, c.Heartbeat(ctx, 0), ErrLeaseExpired)
	assert.ErrorIs(t, c.Submit(ctx, 0, []byte{9}), ErrLeaseExpired)
}

func TestLeaseExpiryHandsTaskToSecondWorker(t *testing.T) {
	c, ctx := setupCoordinator(t)
	seedTask(t, ctx, c, 42)

	// Worker A assigns and goes silent.
	task, err := c.Assign(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(42), task.BlockNumber)

	// Age the lease past the TTL and sweep.
	require.NoError(t, c.Client.Exec(ctx,
		`UPDATE prover_tasks SET last_heartbeat = NOW() - interval '1 hour' WHERE block_number = 42`))
	reset, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)

	// Worker B takes it over and submits.
	task, err = c.Assign(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, uint32(42), task.BlockNumber)
	require.NoError(t, c.Submit(ctx, 42, []byte{2}))

	// Worker A's late submission is rejected and the stored proof stays.
	assert.ErrorIs(t, c.Submit(ctx, 42, []byte{1}), ErrLeaseExpired)
	var proof []byte
	require.NoError(t, c.Client.QueryRow(ctx,
		`SELECT transition_proof FROM prover_tasks WHERE block_number = 42`).Scan(&proof))
	assert.Equal(t, []byte{2}, proof)
}

func TestChainEmitsProofsInStrictOrder(t *testing.T) {
	c, ctx := setupCoordinator(t)
	for n := uint32(0); n <= 7; n++ {
		seedTask(t, ctx, c, n)
	}

	// complete leases one specific task and submits its proof, standing in
	// for a worker that happened to draw that block.
	complete := func(blockNumber uint32, proof byte) {
		require.NoError(t, c.Client.Exec(ctx, `
			UPDATE prover_tasks SET assigned = TRUE, assigned_at = NOW(), last_heartbeat = NOW()
			WHERE block_number = $1`, int32(blockNumber)))
		require.NoError(t, c.Submit(ctx, blockNumber, []byte{proof}))
	}

	// Blocks 0..4 complete in order, then 5, 7, 6 out of order.
	for n := uint32(0); n <= 4; n++ {
		complete(n, byte(n))
	}
	complete(5, 5)
	complete(7, 7)

	require.NoError(t, c.Chain(ctx))
	latest, ok, err := c.LatestProofBlockNumber(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(5), latest, "chaining must stop at the gap before 6")

	proofAt7, err := c.ValidityProof(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, proofAt7)

	complete(6, 6)
	require.NoError(t, c.Chain(ctx))
	latest, ok, err = c.LatestProofBlockNumber(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(7), latest)

	// The concatenating wrapper proves the chain folded strictly 0..7.
	proof, err := c.ValidityProof(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7}, proof)
}
