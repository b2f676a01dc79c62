package chain

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Deposit is the canonical L1 deposit record committed into the deposit tree.
type Deposit struct {
	Depositor         common.Address `json:"depositor"`
	RecipientSaltHash common.Hash    `json:"recipientSaltHash"`
	TokenIndex        uint32         `json:"tokenIndex"`
	Amount            *uint256.Int   `json:"amount"`
	IsEligible        bool           `json:"isEligible"`
}

// Hash is the leaf value inserted into the deposit tree.
func (d Deposit) Hash() common.Hash {
	var buf [89]byte
	copy(buf[0:20], d.Depositor[:])
	copy(buf[20:52], d.RecipientSaltHash[:])
	binary.BigEndian.PutUint32(buf[52:56], d.TokenIndex)
	amount := d.Amount.Bytes32()
	copy(buf[56:88], amount[:])
	if d.IsEligible {
		buf[88] = 1
	}
	return crypto.Keccak256Hash(buf[:])
}

// DepositedEvent is one L1 Deposited log with its locator.
type DepositedEvent struct {
	DepositID         uint64         `json:"depositId"`
	Depositor         common.Address `json:"depositor"`
	RecipientSaltHash common.Hash    `json:"recipientSaltHash"`
	TokenIndex        uint32         `json:"tokenIndex"`
	Amount            *uint256.Int   `json:"amount"`
	IsEligible        bool           `json:"isEligible"`
	DepositedAt       uint64         `json:"depositedAt"`
	TxHash            common.Hash    `json:"txHash"`
	EthBlockNumber    uint64         `json:"ethBlockNumber"`
	EthTxIndex        uint64         `json:"ethTxIndex"`
}

// Deposit projects the event onto the canonical deposit record.
func (e DepositedEvent) Deposit() Deposit {
	return Deposit{
		Depositor:         e.Depositor,
		RecipientSaltHash: e.RecipientSaltHash,
		TokenIndex:        e.TokenIndex,
		Amount:            e.Amount,
		IsEligible:        e.IsEligible,
	}
}

// DepositLeafInserted is one L2 deposit-tree insertion with its locator.
type DepositLeafInserted struct {
	DepositIndex   uint32      `json:"depositIndex"`
	DepositHash    common.Hash `json:"depositHash"`
	EthBlockNumber uint64      `json:"ethBlockNumber"`
	EthTxIndex     uint64      `json:"ethTxIndex"`
}

// DepositInfo answers the deposit-info query: where a deposit landed on L2.
type DepositInfo struct {
	DepositHash  common.Hash `json:"depositHash"`
	BlockNumber  uint32      `json:"blockNumber"`
	DepositIndex uint32      `json:"depositIndex"`
}

// FullBlockWithMeta pairs a block with its L2 locator.
type FullBlockWithMeta struct {
	FullBlock      *FullBlock `json:"fullBlock"`
	EthBlockNumber uint64     `json:"ethBlockNumber"`
	EthTxIndex     uint64     `json:"ethTxIndex"`
}
