package store

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroHashChain(t *testing.T) {
	emptyLeaf := HashStandardLeaf(make([]byte, 32))
	zeros := zeroHashes(3, emptyLeaf)

	require.Len(t, zeros, 4)
	assert.Equal(t, emptyLeaf, zeros[3])
	assert.Equal(t, TwoToOne(zeros[3], zeros[3]), zeros[2])
	assert.Equal(t, TwoToOne(zeros[2], zeros[2]), zeros[1])
	assert.Equal(t, TwoToOne(zeros[1], zeros[1]), zeros[0])
}

func TestMerkleProofVerifyRebuildsRoot(t *testing.T) {
	// Hand-built height-2 tree over leaves a,b,c,d.
	leaves := [][]byte{{1}, {2}, {3}, {4}}
	hashes := make([]common.Hash, 4)
	for i, leaf := range leaves {
		hashes[i] = HashStandardLeaf(leaf)
	}
	left := TwoToOne(hashes[0], hashes[1])
	right := TwoToOne(hashes[2], hashes[3])
	root := TwoToOne(left, right)

	// Path for position 2: sibling leaf 3, then the left pair node.
	proof := MerkleProof{Siblings: []common.Hash{hashes[3], left}}
	assert.Equal(t, root, proof.Verify(hashes[2], 2))

	// The same proof at the wrong position misses the root.
	assert.NotEqual(t, root, proof.Verify(hashes[2], 0))
}

func TestIndexedLeafHashCommitsToEveryField(t *testing.T) {
	leaf := IndexedLeaf{
		NextIndex: 7,
		Key:       uint256.NewInt(100),
		NextKey:   uint256.NewInt(200),
		Value:     42,
	}
	base := leaf.Hash()

	mutated := leaf
	mutated.NextIndex = 8
	assert.NotEqual(t, base, mutated.Hash())

	mutated = leaf
	mutated.Key = uint256.NewInt(101)
	assert.NotEqual(t, base, mutated.Hash())

	mutated = leaf
	mutated.NextKey = uint256.NewInt(201)
	assert.NotEqual(t, base, mutated.Hash())

	mutated = leaf
	mutated.Value = 43
	assert.NotEqual(t, base, mutated.Hash())

	// Hashing is deterministic.
	assert.Equal(t, base, leaf.Hash())
}

func TestEmptyIndexedLeafIsZeroRange(t *testing.T) {
	leaf := EmptyIndexedLeaf()
	assert.True(t, leaf.Key.IsZero())
	assert.True(t, leaf.NextKey.IsZero())
	assert.Zero(t, leaf.NextIndex)
	assert.Zero(t, leaf.Value)
}
