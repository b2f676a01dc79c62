package chain_test

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/intmax-network/validity-prover/pkg/chain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockHashCommitsToHeaderFields(t *testing.T) {
	base := chain.Block{BlockNumber: 5, Timestamp: 1000}
	baseHash := base.Hash()

	mutated := base
	mutated.BlockNumber = 6
	assert.NotEqual(t, baseHash, mutated.Hash())

	mutated = base
	mutated.Timestamp = 1001
	assert.NotEqual(t, baseHash, mutated.Hash())

	mutated = base
	mutated.PrevBlockHash[0] = 1
	assert.NotEqual(t, baseHash, mutated.Hash())

	assert.Equal(t, baseHash, base.Hash())
}

func TestGenesisIsStable(t *testing.T) {
	g1 := chain.Genesis()
	g2 := chain.Genesis()
	assert.Equal(t, g1.Block.Hash(), g2.Block.Hash())
	assert.Zero(t, g1.Block.BlockNumber)
	assert.Len(t, g1.SenderFlags, chain.NumSendersInBlock/8)
}

func TestFullBlockEncodeDecodeRoundTrip(t *testing.T) {
	block := &chain.FullBlock{
		Block: chain.Block{
			BlockNumber: 3,
			Timestamp:   42,
		},
		TxTreeRoot:          [32]byte{9},
		SenderFlags:         make([]byte, chain.NumSendersInBlock/8),
		IsRegistrationBlock: true,
		Pubkeys:             []*uint256.Int{uint256.NewInt(123), uint256.NewInt(456)},
	}
	block.SenderFlags[0] = 0b0000_0011

	encoded, err := block.Encode()
	require.NoError(t, err)

	// Canonical encoding: re-encoding yields identical bytes.
	again, err := block.Encode()
	require.NoError(t, err)
	assert.Equal(t, encoded, again)

	decoded, err := chain.DecodeFullBlock(encoded)
	require.NoError(t, err)
	assert.Equal(t, block, decoded)
}

func TestSenderFlagBits(t *testing.T) {
	block := chain.Genesis()
	block.SenderFlags[0] = 0b0000_0101
	block.SenderFlags[15] = 0b1000_0000

	assert.True(t, block.SenderFlag(0))
	assert.False(t, block.SenderFlag(1))
	assert.True(t, block.SenderFlag(2))
	assert.True(t, block.SenderFlag(127))
	assert.False(t, block.SenderFlag(128))
	assert.False(t, block.SenderFlag(-1))
}

func TestDepositHashCommitsToEveryField(t *testing.T) {
	base := chain.Deposit{
		TokenIndex: 1,
		Amount:     uint256.NewInt(1000),
		IsEligible: true,
	}
	baseHash := base.Hash()

	mutated := base
	mutated.TokenIndex = 2
	assert.NotEqual(t, baseHash, mutated.Hash())

	mutated = base
	mutated.Amount = uint256.NewInt(1001)
	assert.NotEqual(t, baseHash, mutated.Hash())

	mutated = base
	mutated.IsEligible = false
	assert.NotEqual(t, baseHash, mutated.Hash())

	mutated = base
	mutated.Depositor[19] = 1
	assert.NotEqual(t, baseHash, mutated.Hash())

	assert.Equal(t, baseHash, base.Hash())
}
