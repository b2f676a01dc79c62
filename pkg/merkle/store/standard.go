package store

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/intmax-network/validity-prover/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
)

// StandardTree is the append/update role over the versioned store: leaves are
// addressed by position and hashed with keccak256 over their payload. The
// block-hash and deposit trees are both standard trees.
type StandardTree struct {
	nodes nodeHashes
	store *Store
	tag   Tag
}

// emptyStandardLeaf is the canonical absent payload: 32 zero bytes.
var emptyStandardLeaf = make([]byte, 32)

// HashStandardLeaf hashes a leaf payload.
func HashStandardLeaf(payload []byte) common.Hash {
	return crypto.Keccak256Hash(payload)
}

func NewStandardTree(s *Store, tag Tag, height uint8) *StandardTree {
	return &StandardTree{
		nodes: newNodeHashes(s, tag, height, HashStandardLeaf(emptyStandardLeaf)),
		store: s,
		tag:   tag,
	}
}

func (t *StandardTree) Tag() Tag      { return t.tag }
func (t *StandardTree) Height() uint8 { return t.nodes.height }
func (t *StandardTree) Store() *Store { return t.store }

func (t *StandardTree) saveLeaf(ctx context.Context, tx pgx.Tx, ts uint64, position uint64, payload []byte) error {
	currentLen, err := t.LenTx(ctx, tx, ts)
	if err != nil {
		return err
	}
	nextLen := position + 1
	if currentLen > nextLen {
		nextLen = currentLen
	}

	leafHash := HashStandardLeaf(payload)
	_, err = tx.Exec(ctx, `
		INSERT INTO leaves (tag, timestamp_value, position, leaf_hash, leaf)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tag, timestamp_value, position)
		DO UPDATE SET leaf_hash = $4, leaf = $5`,
		t.tag, int64(ts), int64(position), leafHash[:], payload)
	if err != nil {
		return fmt.Errorf("save leaf: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO leaves_len (tag, timestamp_value, len)
		VALUES ($1, $2, $3)
		ON CONFLICT (tag, timestamp_value)
		DO UPDATE SET len = $3`,
		t.tag, int64(ts), int64(nextLen))
	if err != nil {
		return fmt.Errorf("save leaves len: %w", err)
	}
	return nil
}

// UpdateLeaf writes the leaf at position and recomputes its path at ts.
func (t *StandardTree) UpdateLeaf(ctx context.Context, tx pgx.Tx, ts uint64, position uint64, payload []byte) error {
	if err := t.saveLeaf(ctx, tx, ts, position, payload); err != nil {
		return err
	}
	return t.nodes.propagate(ctx, tx, ts, position, HashStandardLeaf(payload))
}

// Push appends a leaf at the current length.
func (t *StandardTree) Push(ctx context.Context, tx pgx.Tx, ts uint64, payload []byte) error {
	length, err := t.LenTx(ctx, tx, ts)
	if err != nil {
		return err
	}
	return t.UpdateLeaf(ctx, tx, ts, length, payload)
}

// GetLeaf returns the snapshot payload at position as of ts.
func (t *StandardTree) GetLeaf(ctx context.Context, tx pgx.Tx, ts uint64, position uint64) ([]byte, error) {
	var payload []byte
	err := tx.QueryRow(ctx, `
		SELECT leaf
		FROM leaves
		WHERE tag = $1 AND position = $2 AND timestamp_value <= $3
		ORDER BY timestamp_value DESC
		LIMIT 1`,
		t.tag, int64(position), int64(ts)).Scan(&payload)
	if postgres.IsNoRows(err) {
		return append([]byte(nil), emptyStandardLeaf...), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get leaf: %w", err)
	}
	return payload, nil
}

// GetLeaves returns the latest payload per position as of ts, dense up to Len.
func (t *StandardTree) GetLeaves(ctx context.Context, tx pgx.Tx, ts uint64) ([][]byte, error) {
	length, err := t.LenTx(ctx, tx, ts)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT ON (position) position, leaf
		FROM leaves
		WHERE tag = $1 AND timestamp_value <= $2
		ORDER BY position, timestamp_value DESC`,
		t.tag, int64(ts))
	if err != nil {
		return nil, fmt.Errorf("get leaves: %w", err)
	}
	defer rows.Close()

	out := make([][]byte, length)
	for i := range out {
		out[i] = append([]byte(nil), emptyStandardLeaf...)
	}
	for rows.Next() {
		var position int64
		var payload []byte
		if err := rows.Scan(&position, &payload); err != nil {
			return nil, err
		}
		if position >= 0 && uint64(position) < length {
			out[position] = payload
		}
	}
	return out, rows.Err()
}

// LenTx returns the number of leaves as of ts.
func (t *StandardTree) LenTx(ctx context.Context, tx pgx.Tx, ts uint64) (uint64, error) {
	var length int64
	err := tx.QueryRow(ctx, `
		SELECT len
		FROM leaves_len
		WHERE tag = $1 AND timestamp_value <= $2
		ORDER BY timestamp_value DESC
		LIMIT 1`,
		t.tag, int64(ts)).Scan(&length)
	if postgres.IsNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get leaves len: %w", err)
	}
	return uint64(length), nil
}

// Len is LenTx in its own transaction.
func (t *StandardTree) Len(ctx context.Context, ts uint64) (uint64, error) {
	var length uint64
	err := t.store.BeginFunc(ctx, func(tx pgx.Tx) error {
		var err error
		length, err = t.LenTx(ctx, tx, ts)
		return err
	})
	return length, err
}

// RootTx returns the root hash as of ts.
func (t *StandardTree) RootTx(ctx context.Context, tx pgx.Tx, ts uint64) (common.Hash, error) {
	return t.nodes.root(ctx, tx, ts)
}

// Root is RootTx in its own transaction.
func (t *StandardTree) Root(ctx context.Context, ts uint64) (common.Hash, error) {
	var root common.Hash
	err := t.store.BeginFunc(ctx, func(tx pgx.Tx) error {
		var err error
		root, err = t.nodes.root(ctx, tx, ts)
		return err
	})
	return root, err
}

// ProveTx returns the Merkle path for position as of ts.
func (t *StandardTree) ProveTx(ctx context.Context, tx pgx.Tx, ts uint64, position uint64) (MerkleProof, error) {
	return t.nodes.prove(ctx, tx, ts, position)
}

// Prove is ProveTx in its own transaction.
func (t *StandardTree) Prove(ctx context.Context, ts uint64, position uint64) (MerkleProof, error) {
	var proof MerkleProof
	err := t.store.BeginFunc(ctx, func(tx pgx.Tx) error {
		var err error
		proof, err = t.nodes.prove(ctx, tx, ts, position)
		return err
	})
	return proof, err
}

// Reset deletes every row with timestamp >= ts so the tree can be rebuilt
// from an earlier snapshot after a mismatch.
func (t *StandardTree) Reset(ctx context.Context, tx pgx.Tx, ts uint64) error {
	if err := t.nodes.reset(ctx, tx, ts); err != nil {
		return err
	}
	for _, table := range []string{"leaves", "leaves_len"} {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE tag = $1 AND timestamp_value >= $2`, table),
			t.tag, int64(ts)); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// LastTimestamp returns the greatest write timestamp, or 0 for a fresh tree.
func (t *StandardTree) LastTimestamp(ctx context.Context) (uint64, error) {
	var ts int64
	err := t.store.Client.QueryRow(ctx, `
		SELECT timestamp_value
		FROM leaves
		WHERE tag = $1
		ORDER BY timestamp_value DESC
		LIMIT 1`, t.tag).Scan(&ts)
	if postgres.IsNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get last timestamp: %w", err)
	}
	return uint64(ts), nil
}
