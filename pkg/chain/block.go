// Package chain holds the rollup data model shared by the observers, the
// witness generator and the query API: full blocks as posted on L2 and the
// two deposit event streams.
package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// NumSendersInBlock is the fixed sender-slot count of one rollup block.
const NumSendersInBlock = 128

// Block is the posted block header.
type Block struct {
	BlockNumber     uint32      `json:"blockNumber"`
	PrevBlockHash   common.Hash `json:"prevBlockHash"`
	DepositTreeRoot common.Hash `json:"depositTreeRoot"`
	SignatureHash   common.Hash `json:"signatureHash"`
	Timestamp       uint64      `json:"timestamp"`
}

// Hash commits to every header field with fixed-width encoding.
func (b Block) Hash() common.Hash {
	var buf [108]byte
	binary.BigEndian.PutUint32(buf[0:4], b.BlockNumber)
	copy(buf[4:36], b.PrevBlockHash[:])
	copy(buf[36:68], b.DepositTreeRoot[:])
	copy(buf[68:100], b.SignatureHash[:])
	binary.BigEndian.PutUint64(buf[100:108], b.Timestamp)
	return crypto.Keccak256Hash(buf[:])
}

// FullBlock is the complete posted payload: the header plus the aggregated
// signature context needed to replay the block against the forest.
type FullBlock struct {
	Block               Block          `json:"block"`
	TxTreeRoot          common.Hash    `json:"txTreeRoot"`
	SenderFlags         []byte         `json:"senderFlags"`
	IsRegistrationBlock bool           `json:"isRegistrationBlock"`
	Pubkeys             []*uint256.Int `json:"pubkeys,omitempty"`
	AccountIDs          []uint64       `json:"accountIds,omitempty"`
}

// Genesis returns the synthetic block at height 0. It is never observed
// on-chain; the observer seeds it at initialization.
func Genesis() FullBlock {
	return FullBlock{
		Block:       Block{BlockNumber: 0},
		SenderFlags: make([]byte, NumSendersInBlock/8),
	}
}

// SenderFlag reports whether sender slot i contributed a signature.
func (b *FullBlock) SenderFlag(i int) bool {
	if i < 0 || i >= NumSendersInBlock || len(b.SenderFlags) != NumSendersInBlock/8 {
		return false
	}
	return b.SenderFlags[i/8]&(1<<(i%8)) != 0
}

// Encode serializes the block canonically. Field order is fixed by the struct
// declaration, so identical blocks yield identical bytes.
func (b *FullBlock) Encode() ([]byte, error) {
	return json.Marshal(b)
}

// DecodeFullBlock parses the Encode form.
func DecodeFullBlock(data []byte) (*FullBlock, error) {
	var b FullBlock
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode full block: %w", err)
	}
	return &b, nil
}
