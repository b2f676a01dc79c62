package chain_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/intmax-network/validity-prover/pkg/chain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustType(t *testing.T, typ string) abi.Type {
	t.Helper()
	parsed, err := abi.NewType(typ, "", nil)
	require.NoError(t, err)
	return parsed
}

func TestParseDeposited(t *testing.T) {
	saltHash := common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
	args := abi.Arguments{
		{Type: mustType(t, "bytes32")},
		{Type: mustType(t, "uint32")},
		{Type: mustType(t, "uint256")},
		{Type: mustType(t, "bool")},
		{Type: mustType(t, "uint64")},
	}
	data, err := args.Pack(saltHash, uint32(3), big.NewInt(5_000), true, uint64(1700000000))
	require.NoError(t, err)

	depositor := common.HexToAddress("0xabcdef0123456789abcdef0123456789abcdef01")
	log := types.Log{
		Topics: []common.Hash{
			chain.DepositedTopic,
			common.BigToHash(big.NewInt(7)),
			common.BytesToHash(depositor.Bytes()),
		},
		Data:        data,
		TxHash:      common.HexToHash("0x22"),
		BlockNumber: 100,
		TxIndex:     4,
	}

	event, err := chain.ParseDeposited(log)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), event.DepositID)
	assert.Equal(t, depositor, event.Depositor)
	assert.Equal(t, saltHash, event.RecipientSaltHash)
	assert.Equal(t, uint32(3), event.TokenIndex)
	assert.Equal(t, uint256.NewInt(5_000), event.Amount)
	assert.True(t, event.IsEligible)
	assert.Equal(t, uint64(1700000000), event.DepositedAt)
	assert.Equal(t, uint64(100), event.EthBlockNumber)
	assert.Equal(t, uint64(4), event.EthTxIndex)
}

func TestParseDepositedRejectsWrongTopic(t *testing.T) {
	log := types.Log{Topics: []common.Hash{chain.BlockPostedTopic, {}, {}}}
	_, err := chain.ParseDeposited(log)
	assert.Error(t, err)
}

func TestParseDepositLeafInserted(t *testing.T) {
	depositHash := common.HexToHash("0x33")
	args := abi.Arguments{{Type: mustType(t, "bytes32")}}
	data, err := args.Pack(depositHash)
	require.NoError(t, err)

	log := types.Log{
		Topics: []common.Hash{
			chain.DepositLeafInsertedTopic,
			common.BigToHash(big.NewInt(12)),
		},
		Data:        data,
		BlockNumber: 55,
		TxIndex:     1,
	}

	event, err := chain.ParseDepositLeafInserted(log)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), event.DepositIndex)
	assert.Equal(t, depositHash, event.DepositHash)
	assert.Equal(t, uint64(55), event.EthBlockNumber)
}

func TestParseBlockPosted(t *testing.T) {
	block := &chain.FullBlock{
		Block:       chain.Block{BlockNumber: 9, Timestamp: 1},
		SenderFlags: make([]byte, chain.NumSendersInBlock/8),
	}
	payload, err := block.Encode()
	require.NoError(t, err)

	args := abi.Arguments{{Type: mustType(t, "bytes")}}
	data, err := args.Pack(payload)
	require.NoError(t, err)

	log := types.Log{
		Topics: []common.Hash{
			chain.BlockPostedTopic,
			common.BigToHash(big.NewInt(9)),
		},
		Data:        data,
		BlockNumber: 77,
		TxIndex:     2,
	}

	posted, err := chain.ParseBlockPosted(log)
	require.NoError(t, err)
	assert.Equal(t, block, posted.FullBlock)
	assert.Equal(t, uint64(77), posted.EthBlockNumber)

	// A payload that disagrees with the indexed block number is rejected.
	log.Topics[1] = common.BigToHash(big.NewInt(10))
	_, err = chain.ParseBlockPosted(log)
	assert.Error(t, err)
}
