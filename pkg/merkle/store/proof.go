package store

import (
	"github.com/ethereum/go-ethereum/common"
)

// MerkleProof is the sibling hash at each level from the leaf up to the root.
type MerkleProof struct {
	Siblings []common.Hash `json:"siblings"`
}

// Verify recomputes the root from a leaf hash and position.
func (p MerkleProof) Verify(leafHash common.Hash, position uint64) common.Hash {
	h := leafHash
	index := position
	for _, sibling := range p.Siblings {
		if index&1 == 1 {
			h = TwoToOne(sibling, h)
		} else {
			h = TwoToOne(h, sibling)
		}
		index >>= 1
	}
	return h
}

// MembershipProof proves that a key is present in the indexed tree, or that it
// is absent by exhibiting the low leaf whose range covers it.
type MembershipProof struct {
	IsIncluded bool        `json:"isIncluded"`
	LeafIndex  uint64      `json:"leafIndex"`
	Leaf       IndexedLeaf `json:"leaf"`
	LeafProof  MerkleProof `json:"leafProof"`
}

// InsertionProof witnesses one indexed-tree insertion: the low leaf before
// rewiring and the paths of both touched positions.
type InsertionProof struct {
	Index        uint64      `json:"index"`
	LowLeafProof MerkleProof `json:"lowLeafProof"`
	LeafProof    MerkleProof `json:"leafProof"`
	LowLeafIndex uint64      `json:"lowLeafIndex"`
	PrevLowLeaf  IndexedLeaf `json:"prevLowLeaf"`
}

// UpdateProof witnesses one indexed-tree value update.
type UpdateProof struct {
	LeafProof MerkleProof `json:"leafProof"`
	LeafIndex uint64      `json:"leafIndex"`
	PrevLeaf  IndexedLeaf `json:"prevLeaf"`
}
