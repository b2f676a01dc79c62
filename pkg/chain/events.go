package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Event topics for the three log shapes the observers consume.
var (
	DepositedTopic           = crypto.Keccak256Hash([]byte("Deposited(uint256,address,bytes32,uint32,uint256,bool,uint64)"))
	DepositLeafInsertedTopic = crypto.Keccak256Hash([]byte("DepositLeafInserted(uint32,bytes32)"))
	BlockPostedTopic         = crypto.Keccak256Hash([]byte("BlockPosted(uint256,bytes)"))
)

var (
	depositedDataArgs   abi.Arguments
	depositLeafDataArgs abi.Arguments
	blockPostedDataArgs abi.Arguments
)

func init() {
	mustType := func(t string) abi.Type {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		return typ
	}
	depositedDataArgs = abi.Arguments{
		{Name: "recipientSaltHash", Type: mustType("bytes32")},
		{Name: "tokenIndex", Type: mustType("uint32")},
		{Name: "amount", Type: mustType("uint256")},
		{Name: "isEligible", Type: mustType("bool")},
		{Name: "depositedAt", Type: mustType("uint64")},
	}
	depositLeafDataArgs = abi.Arguments{
		{Name: "depositHash", Type: mustType("bytes32")},
	}
	blockPostedDataArgs = abi.Arguments{
		{Name: "fullBlock", Type: mustType("bytes")},
	}
}

// ParseDeposited decodes one L1 Deposited log.
// Indexed: depositId, depositor. Data: saltHash, tokenIndex, amount,
// isEligible, depositedAt.
func ParseDeposited(log types.Log) (DepositedEvent, error) {
	if len(log.Topics) != 3 || log.Topics[0] != DepositedTopic {
		return DepositedEvent{}, fmt.Errorf("not a Deposited log")
	}
	values, err := depositedDataArgs.Unpack(log.Data)
	if err != nil {
		return DepositedEvent{}, fmt.Errorf("unpack Deposited: %w", err)
	}
	amount, overflow := uint256.FromBig(values[2].(*big.Int))
	if overflow {
		return DepositedEvent{}, fmt.Errorf("deposit amount overflows 256 bits")
	}
	return DepositedEvent{
		DepositID:         new(uint256.Int).SetBytes(log.Topics[1][:]).Uint64(),
		Depositor:         common.BytesToAddress(log.Topics[2][12:]),
		RecipientSaltHash: values[0].([32]byte),
		TokenIndex:        values[1].(uint32),
		Amount:            amount,
		IsEligible:        values[3].(bool),
		DepositedAt:       values[4].(uint64),
		TxHash:            log.TxHash,
		EthBlockNumber:    log.BlockNumber,
		EthTxIndex:        uint64(log.TxIndex),
	}, nil
}

// ParseDepositLeafInserted decodes one L2 DepositLeafInserted log.
// Indexed: depositIndex. Data: depositHash.
func ParseDepositLeafInserted(log types.Log) (DepositLeafInserted, error) {
	if len(log.Topics) != 2 || log.Topics[0] != DepositLeafInsertedTopic {
		return DepositLeafInserted{}, fmt.Errorf("not a DepositLeafInserted log")
	}
	values, err := depositLeafDataArgs.Unpack(log.Data)
	if err != nil {
		return DepositLeafInserted{}, fmt.Errorf("unpack DepositLeafInserted: %w", err)
	}
	return DepositLeafInserted{
		DepositIndex:   uint32(new(uint256.Int).SetBytes(log.Topics[1][:]).Uint64()),
		DepositHash:    values[0].([32]byte),
		EthBlockNumber: log.BlockNumber,
		EthTxIndex:     uint64(log.TxIndex),
	}, nil
}

// ParseBlockPosted decodes one L2 BlockPosted log.
// Indexed: blockNumber. Data: the serialized full block.
func ParseBlockPosted(log types.Log) (FullBlockWithMeta, error) {
	if len(log.Topics) != 2 || log.Topics[0] != BlockPostedTopic {
		return FullBlockWithMeta{}, fmt.Errorf("not a BlockPosted log")
	}
	values, err := blockPostedDataArgs.Unpack(log.Data)
	if err != nil {
		return FullBlockWithMeta{}, fmt.Errorf("unpack BlockPosted: %w", err)
	}
	block, err := DecodeFullBlock(values[0].([]byte))
	if err != nil {
		return FullBlockWithMeta{}, err
	}
	posted := uint32(new(uint256.Int).SetBytes(log.Topics[1][:]).Uint64())
	if block.Block.BlockNumber != posted {
		return FullBlockWithMeta{}, fmt.Errorf("block number mismatch: payload %d, topic %d",
			block.Block.BlockNumber, posted)
	}
	return FullBlockWithMeta{
		FullBlock:      block,
		EthBlockNumber: log.BlockNumber,
		EthTxIndex:     uint64(log.TxIndex),
	}, nil
}
