package store

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/intmax-network/validity-prover/pkg/db/postgres"
	"github.com/intmax-network/validity-prover/pkg/merkle/bitpath"
	"github.com/jackc/pgx/v5"
)

// nodeHashes is the interior-node store shared by the standard and indexed
// tree roles. All methods run on the caller's transaction so that one block's
// writes commit atomically.
type nodeHashes struct {
	store  *Store
	tag    Tag
	height uint8
	zeros  []common.Hash
}

func newNodeHashes(s *Store, tag Tag, height uint8, emptyLeafHash common.Hash) nodeHashes {
	return nodeHashes{store: s, tag: tag, height: height, zeros: zeroHashes(height, emptyLeafHash)}
}

func (n nodeHashes) saveNode(ctx context.Context, tx pgx.Tx, ts uint64, path bitpath.BitPath, hash common.Hash) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO hash_nodes (tag, timestamp_value, bit_path, hash_value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tag, timestamp_value, bit_path)
		DO UPDATE SET hash_value = $4`,
		n.tag, int64(ts), path.Encode(), hash[:])
	if err != nil {
		return fmt.Errorf("save node: %w", err)
	}
	return nil
}

// nodeHash returns the snapshot value of the node at path as of ts, falling
// back to the empty-subtree hash for the path's depth.
func (n nodeHashes) nodeHash(ctx context.Context, tx pgx.Tx, ts uint64, path bitpath.BitPath) (common.Hash, error) {
	var raw []byte
	err := tx.QueryRow(ctx, `
		SELECT hash_value
		FROM hash_nodes
		WHERE tag = $1 AND bit_path = $2 AND timestamp_value <= $3
		ORDER BY timestamp_value DESC
		LIMIT 1`,
		n.tag, path.Encode(), int64(ts)).Scan(&raw)
	if postgres.IsNoRows(err) {
		return n.zeros[path.Len()], nil
	}
	if err != nil {
		return common.Hash{}, fmt.Errorf("get node hash: %w", err)
	}
	return common.BytesToHash(raw), nil
}

func (n nodeHashes) siblingHash(ctx context.Context, tx pgx.Tx, ts uint64, path bitpath.BitPath) (common.Hash, error) {
	if path.IsEmpty() {
		return common.Hash{}, fmt.Errorf("sibling of root path")
	}
	return n.nodeHash(ctx, tx, ts, path.Sibling())
}

func (n nodeHashes) root(ctx context.Context, tx pgx.Tx, ts uint64) (common.Hash, error) {
	return n.nodeHash(ctx, tx, ts, bitpath.Root)
}

// propagate writes the leaf hash at the given position and recomputes every
// ancestor up to the root at timestamp ts.
func (n nodeHashes) propagate(ctx context.Context, tx pgx.Tx, ts uint64, position uint64, leafHash common.Hash) error {
	path := bitpath.FromIndex(n.height, position)
	if err := n.saveNode(ctx, tx, ts, path, leafHash); err != nil {
		return err
	}
	h := leafHash
	for !path.IsEmpty() {
		sibling, err := n.siblingHash(ctx, tx, ts, path)
		if err != nil {
			return err
		}
		var bit bool
		path, bit = path.Pop()
		if bit {
			h = TwoToOne(sibling, h)
		} else {
			h = TwoToOne(h, sibling)
		}
		if err := n.saveNode(ctx, tx, ts, path, h); err != nil {
			return err
		}
	}
	return nil
}

// prove collects the sibling hash at each level from the leaf up to the root.
func (n nodeHashes) prove(ctx context.Context, tx pgx.Tx, ts uint64, position uint64) (MerkleProof, error) {
	path := bitpath.FromIndex(n.height, position)
	siblings := make([]common.Hash, 0, n.height)
	for !path.IsEmpty() {
		sibling, err := n.siblingHash(ctx, tx, ts, path)
		if err != nil {
			return MerkleProof{}, err
		}
		siblings = append(siblings, sibling)
		path, _ = path.Pop()
	}
	return MerkleProof{Siblings: siblings}, nil
}

// reset deletes node rows with timestamp >= ts, rewinding the tree for reorg
// recovery.
func (n nodeHashes) reset(ctx context.Context, tx pgx.Tx, ts uint64) error {
	_, err := tx.Exec(ctx,
		`DELETE FROM hash_nodes WHERE tag = $1 AND timestamp_value >= $2`,
		n.tag, int64(ts))
	if err != nil {
		return fmt.Errorf("reset hash nodes: %w", err)
	}
	return nil
}
