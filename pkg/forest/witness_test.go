package forest_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/intmax-network/validity-prover/pkg/chain"
	"github.com/intmax-network/validity-prover/pkg/forest"
	"github.com/intmax-network/validity-prover/pkg/merkle/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleWitness() *forest.ValidityWitness {
	return &forest.ValidityWitness{
		BlockWitness: forest.BlockWitness{
			Block: chain.Block{
				BlockNumber: 4,
				Timestamp:   99,
			},
			TxTreeRoot:          common.HexToHash("0x0a"),
			SenderFlags:         make([]byte, chain.NumSendersInBlock/8),
			IsRegistrationBlock: true,
			Pubkeys:             []*uint256.Int{uint256.NewInt(11), uint256.NewInt(22)},
			PrevAccountTreeRoot: common.HexToHash("0x0b"),
			PrevBlockTreeRoot:   common.HexToHash("0x0c"),
		},
		TransitionWitness: forest.ValidityTransitionWitness{
			SenderLeaves: []forest.SenderLeaf{
				{Sender: uint256.NewInt(11), DidReturnSig: true},
				{Sender: uint256.NewInt(22), DidReturnSig: false},
			},
			BlockMerkleProof: store.MerkleProof{
				Siblings: []common.Hash{common.HexToHash("0x0d")},
			},
		},
		PostAccountRoot:   common.HexToHash("0x0e"),
		PostBlockTreeRoot: common.HexToHash("0x0f"),
		PostDepositRoot:   common.HexToHash("0x10"),
		IsValidBlock:      true,
	}
}

func TestWitnessEncodingIsByteIdentical(t *testing.T) {
	first, err := sampleWitness().Encode()
	require.NoError(t, err)
	second, err := sampleWitness().Encode()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestWitnessEncodeDecodeRoundTrip(t *testing.T) {
	witness := sampleWitness()
	encoded, err := witness.Encode()
	require.NoError(t, err)

	decoded, err := forest.DecodeValidityWitness(encoded)
	require.NoError(t, err)
	assert.Equal(t, witness, decoded)

	// Decode then re-encode reproduces the stored bytes.
	again, err := decoded.Encode()
	require.NoError(t, err)
	assert.Equal(t, encoded, again)
}

func TestPublicInputsProjection(t *testing.T) {
	witness := sampleWitness()
	pis := witness.PublicInputs()

	assert.Equal(t, uint32(4), pis.BlockNumber)
	assert.Equal(t, witness.BlockWitness.Block.Hash(), pis.BlockHash)
	assert.Equal(t, witness.PostAccountRoot, pis.AccountTreeRoot)
	assert.Equal(t, witness.PostBlockTreeRoot, pis.BlockTreeRoot)
	assert.Equal(t, witness.PostDepositRoot, pis.DepositTreeRoot)
	assert.True(t, pis.IsValidBlock)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := forest.DecodeValidityWitness([]byte("not json"))
	assert.Error(t, err)
}
