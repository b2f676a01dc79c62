// Package forest coordinates the account, block-hash and deposit trees over
// the versioned Merkle store and produces the per-block validity witness
// consumed by the transition circuit.
package forest

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/intmax-network/validity-prover/pkg/chain"
	"github.com/intmax-network/validity-prover/pkg/merkle/store"
)

// SenderLeaf is one sender slot of a block: who it was and whether the slot
// contributed a signature.
type SenderLeaf struct {
	Sender       *uint256.Int `json:"sender"`
	DidReturnSig bool         `json:"didReturnSig"`
}

// AccountMerkleProof witnesses an existing account leaf for a
// non-registration block.
type AccountMerkleProof struct {
	MerkleProof store.MerkleProof `json:"merkleProof"`
	Leaf        store.IndexedLeaf `json:"leaf"`
	Index       uint64            `json:"index"`
}

// AccountRegistrationProof is the insertion witness for one sender of a
// registration block. Dummy sender slots carry no insertion.
type AccountRegistrationProof struct {
	IsDummy bool                 `json:"isDummy"`
	Proof   store.InsertionProof `json:"proof"`
}

// BlockWitness is the pre-state view of one block: everything the circuit
// needs before the trees advance.
type BlockWitness struct {
	Block                   chain.Block              `json:"block"`
	TxTreeRoot              common.Hash              `json:"txTreeRoot"`
	SenderFlags             []byte                   `json:"senderFlags"`
	IsRegistrationBlock     bool                     `json:"isRegistrationBlock"`
	Pubkeys                 []*uint256.Int           `json:"pubkeys"`
	AccountIDs              []uint64                 `json:"accountIds,omitempty"`
	PrevAccountTreeRoot     common.Hash              `json:"prevAccountTreeRoot"`
	PrevBlockTreeRoot       common.Hash              `json:"prevBlockTreeRoot"`
	AccountMerkleProofs     []AccountMerkleProof     `json:"accountMerkleProofs,omitempty"`
	AccountMembershipProofs []store.MembershipProof  `json:"accountMembershipProofs,omitempty"`
}

// ValidityTransitionWitness records how the trees advanced.
type ValidityTransitionWitness struct {
	SenderLeaves              []SenderLeaf               `json:"senderLeaves"`
	BlockMerkleProof          store.MerkleProof          `json:"blockMerkleProof"`
	AccountRegistrationProofs []AccountRegistrationProof `json:"accountRegistrationProofs,omitempty"`
	AccountUpdateProofs       []store.UpdateProof        `json:"accountUpdateProofs,omitempty"`
	DepositLeaves             []chain.DepositLeafInserted `json:"depositLeaves,omitempty"`
}

// ValidityWitness is the full per-block artifact persisted in validity_state.
// Serialization is canonical: the same block applied to the same pre-state
// yields byte-identical witnesses.
type ValidityWitness struct {
	BlockWitness       BlockWitness              `json:"blockWitness"`
	TransitionWitness  ValidityTransitionWitness `json:"transitionWitness"`
	PostAccountRoot    common.Hash               `json:"postAccountRoot"`
	PostBlockTreeRoot  common.Hash               `json:"postBlockTreeRoot"`
	PostDepositRoot    common.Hash               `json:"postDepositRoot"`
	IsValidBlock       bool                      `json:"isValidBlock"`
}

// ValidityPublicInputs is the public-state summary exposed by the query API
// and handed to workers as the previous block's context.
type ValidityPublicInputs struct {
	BlockNumber     uint32      `json:"blockNumber"`
	BlockHash       common.Hash `json:"blockHash"`
	AccountTreeRoot common.Hash `json:"accountTreeRoot"`
	BlockTreeRoot   common.Hash `json:"blockTreeRoot"`
	DepositTreeRoot common.Hash `json:"depositTreeRoot"`
	IsValidBlock    bool        `json:"isValidBlock"`
}

// PublicInputs projects the witness onto its public state.
func (w *ValidityWitness) PublicInputs() ValidityPublicInputs {
	return ValidityPublicInputs{
		BlockNumber:     w.BlockWitness.Block.BlockNumber,
		BlockHash:       w.BlockWitness.Block.Hash(),
		AccountTreeRoot: w.PostAccountRoot,
		BlockTreeRoot:   w.PostBlockTreeRoot,
		DepositTreeRoot: w.PostDepositRoot,
		IsValidBlock:    w.IsValidBlock,
	}
}

// Encode serializes the witness canonically.
func (w *ValidityWitness) Encode() ([]byte, error) {
	return json.Marshal(w)
}

// DecodeValidityWitness parses the Encode form.
func DecodeValidityWitness(data []byte) (*ValidityWitness, error) {
	var w ValidityWitness
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode validity witness: %w", err)
	}
	return &w, nil
}
