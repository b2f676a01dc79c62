package store

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/intmax-network/validity-prover/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
)

// IndexedLeaf is one node of the sorted linked list stored in the indexed
// tree: Key's successor in key order lives at position NextIndex and holds
// NextKey. A zero NextKey marks the end of the list.
type IndexedLeaf struct {
	NextIndex uint64       `json:"nextIndex"`
	Key       *uint256.Int `json:"key"`
	NextKey   *uint256.Int `json:"nextKey"`
	Value     uint64       `json:"value"`
}

func EmptyIndexedLeaf() IndexedLeaf {
	return IndexedLeaf{Key: uint256.NewInt(0), NextKey: uint256.NewInt(0)}
}

// Hash commits to every field with fixed-width encoding.
func (l IndexedLeaf) Hash() common.Hash {
	var buf [80]byte
	key := l.Key.Bytes32()
	nextKey := l.NextKey.Bytes32()
	copy(buf[0:32], key[:])
	copy(buf[32:64], nextKey[:])
	binary.BigEndian.PutUint64(buf[64:72], l.NextIndex)
	binary.BigEndian.PutUint64(buf[72:80], l.Value)
	return crypto.Keccak256Hash(buf[:])
}

// DefaultAccountKey occupies the list right after the zero guard leaf so that
// every real key has a well-defined low leaf.
var DefaultAccountKey = uint256.NewInt(1)

// IndexedTree is the sorted-key role over the versioned store, used by the
// account tree. Keys are stored as 32-byte big-endian values so that bytea
// ordering coincides with numeric ordering.
type IndexedTree struct {
	nodes nodeHashes
	store *Store
	tag   Tag
}

func NewIndexedTree(s *Store, tag Tag, height uint8) *IndexedTree {
	return &IndexedTree{
		nodes: newNodeHashes(s, tag, height, EmptyIndexedLeaf().Hash()),
		store: s,
		tag:   tag,
	}
}

func (t *IndexedTree) Tag() Tag      { return t.tag }
func (t *IndexedTree) Height() uint8 { return t.nodes.height }
func (t *IndexedTree) Store() *Store { return t.store }

// Initialize seeds a fresh tree with the zero guard leaf and the default
// account so that low-leaf location always succeeds.
func (t *IndexedTree) Initialize(ctx context.Context) error {
	return t.store.BeginFunc(ctx, func(tx pgx.Tx) error {
		lastTS, err := t.lastTimestamp(ctx, tx)
		if err != nil {
			return err
		}
		if lastTS != 0 {
			return nil
		}
		length, err := t.LenTx(ctx, tx, lastTS)
		if err != nil {
			return err
		}
		if length != 0 {
			return nil
		}
		if err := t.push(ctx, tx, 0, EmptyIndexedLeaf()); err != nil {
			return err
		}
		return t.Insert(ctx, tx, 0, DefaultAccountKey, 0)
	})
}

func keyBytes(k *uint256.Int) []byte {
	b := k.Bytes32()
	return b[:]
}

func (t *IndexedTree) saveLeaf(ctx context.Context, tx pgx.Tx, ts uint64, position uint64, leaf IndexedLeaf) error {
	currentLen, err := t.LenTx(ctx, tx, ts)
	if err != nil {
		return err
	}
	nextLen := position + 1
	if currentLen > nextLen {
		nextLen = currentLen
	}

	leafHash := leaf.Hash()
	_, err = tx.Exec(ctx, `
		INSERT INTO indexed_leaves (tag, timestamp_value, position, leaf_hash, next_index, key, next_key, value)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tag, timestamp_value, position)
		DO UPDATE SET leaf_hash = $4, next_index = $5, key = $6, next_key = $7, value = $8`,
		t.tag, int64(ts), int64(position), leafHash[:],
		int64(leaf.NextIndex), keyBytes(leaf.Key), keyBytes(leaf.NextKey), int64(leaf.Value))
	if err != nil {
		return fmt.Errorf("save indexed leaf: %w", err)
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

// GetLeaf returns the snapshot leaf at position as of ts.
func (t *IndexedTree) GetLeaf(ctx context.Context, tx pgx.Tx, ts uint64, position uint64) (IndexedLeaf, error) {
	var nextIndex, value int64
	var key, nextKey []byte
	err := tx.QueryRow(ctx, `
		SELECT next_index, key, next_key, value
		FROM indexed_leaves
		WHERE tag = $1 AND position = $2 AND timestamp_value <= $3
		ORDER BY timestamp_value DESC
		LIMIT 1`,
		t.tag, int64(position), int64(ts)).Scan(&nextIndex, &key, &nextKey, &value)
	if postgres.IsNoRows(err) {
		return EmptyIndexedLeaf(), nil
	}
	if err != nil {
		return IndexedLeaf{}, fmt.Errorf("get indexed leaf: %w", err)
	}
	return IndexedLeaf{
		NextIndex: uint64(nextIndex),
		Key:       new(uint256.Int).SetBytes(key),
		NextKey:   new(uint256.Int).SetBytes(nextKey),
		Value:     uint64(value),
	}, nil
}

func (t *IndexedTree) updateLeaf(ctx context.Context, tx pgx.Tx, ts uint64, position uint64, leaf IndexedLeaf) error {
	if err := t.saveLeaf(ctx, tx, ts, position, leaf); err != nil {
		return err
	}
	return t.nodes.propagate(ctx, tx, ts, position, leaf.Hash())
}

func (t *IndexedTree) push(ctx context.Context, tx pgx.Tx, ts uint64, leaf IndexedLeaf) error {
	length, err := t.LenTx(ctx, tx, ts)
	if err != nil {
		return err
	}
	return t.updateLeaf(ctx, tx, ts, length, leaf)
}

// LenTx returns the number of leaves as of ts.
func (t *IndexedTree) LenTx(ctx context.Context, tx pgx.Tx, ts uint64) (uint64, error) {
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

// Index returns the position of key as of ts, or false when absent.
func (t *IndexedTree) Index(ctx context.Context, tx pgx.Tx, ts uint64, key *uint256.Int) (uint64, bool, error) {
	rows, err := tx.Query(ctx, `
		WITH latest_leaves AS (
			SELECT DISTINCT ON (position) position, key
			FROM indexed_leaves
			WHERE tag = $1 AND timestamp_value <= $2
			ORDER BY position, timestamp_value DESC
		)
		SELECT position FROM latest_leaves WHERE key = $3`,
		t.tag, int64(ts), keyBytes(key))
	if err != nil {
		return 0, false, fmt.Errorf("find index: %w", err)
	}
	defer rows.Close()

	positions := make([]int64, 0, 1)
	for rows.Next() {
		var p int64
		if err := rows.Scan(&p); err != nil {
			return 0, false, err
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}
	switch len(positions) {
	case 0:
		return 0, false, nil
	case 1:
		return uint64(positions[0]), true, nil
	default:
		return 0, false, fmt.Errorf("find index: %d candidates for one key", len(positions))
	}
}

// LowIndex locates the leaf whose open key range (key, nextKey) contains the
// given key; a zero nextKey leaves the range open above. A key that is already
// present matches no leaf and yields an error.
func (t *IndexedTree) LowIndex(ctx context.Context, tx pgx.Tx, ts uint64, key *uint256.Int) (uint64, error) {
	zero := make([]byte, 32)
	rows, err := tx.Query(ctx, `
		WITH latest_leaves AS (
			SELECT DISTINCT ON (position) position, key, next_key
			FROM indexed_leaves
			WHERE tag = $1 AND timestamp_value <= $2
			ORDER BY position, timestamp_value DESC
		)
		SELECT position FROM latest_leaves
		WHERE key < $3 AND ($3 < next_key OR next_key = $4)`,
		t.tag, int64(ts), keyBytes(key), zero)
	if err != nil {
		return 0, fmt.Errorf("find low index: %w", err)
	}
	defer rows.Close()

	positions := make([]int64, 0, 1)
	for rows.Next() {
		var p int64
		if err := rows.Scan(&p); err != nil {
			return 0, err
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	switch len(positions) {
	case 0:
		return 0, fmt.Errorf("low index: key already exists")
	case 1:
		return uint64(positions[0]), nil
	default:
		return 0, fmt.Errorf("low index: %d candidates", len(positions))
	}
}

// Key returns the key stored at position, or zero when absent.
func (t *IndexedTree) Key(ctx context.Context, tx pgx.Tx, ts uint64, position uint64) (*uint256.Int, error) {
	var key []byte
	err := tx.QueryRow(ctx, `
		WITH latest_leaves AS (
			SELECT DISTINCT ON (position) position, key
			FROM indexed_leaves
			WHERE tag = $1 AND timestamp_value <= $2
			ORDER BY position, timestamp_value DESC
		)
		SELECT key FROM latest_leaves WHERE position = $3`,
		t.tag, int64(ts), int64(position)).Scan(&key)
	if postgres.IsNoRows(err) {
		return uint256.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	return new(uint256.Int).SetBytes(key), nil
}

// Insert links a new key into the list: the low leaf is rewired to point at
// the appended position.
func (t *IndexedTree) Insert(ctx context.Context, tx pgx.Tx, ts uint64, key *uint256.Int, value uint64) error {
	_, err := t.insert(ctx, tx, ts, key, value)
	return err
}

func (t *IndexedTree) insert(ctx context.Context, tx pgx.Tx, ts uint64, key *uint256.Int, value uint64) (uint64, error) {
	length, err := t.LenTx(ctx, tx, ts)
	if err != nil {
		return 0, err
	}
	index := length
	lowIndex, err := t.LowIndex(ctx, tx, ts, key)
	if err != nil {
		return 0, err
	}
	prevLowLeaf, err := t.GetLeaf(ctx, tx, ts, lowIndex)
	if err != nil {
		return 0, err
	}
	newLowLeaf := IndexedLeaf{
		NextIndex: index,
		Key:       prevLowLeaf.Key,
		NextKey:   key,
		Value:     prevLowLeaf.Value,
	}
	leaf := IndexedLeaf{
		NextIndex: prevLowLeaf.NextIndex,
		Key:       key,
		NextKey:   prevLowLeaf.NextKey,
		Value:     value,
	}
	if err := t.updateLeaf(ctx, tx, ts, lowIndex, newLowLeaf); err != nil {
		return 0, err
	}
	if err := t.push(ctx, tx, ts, leaf); err != nil {
		return 0, err
	}
	return index, nil
}

// ProveAndInsert inserts key and witnesses both touched paths.
func (t *IndexedTree) ProveAndInsert(ctx context.Context, tx pgx.Tx, ts uint64, key *uint256.Int, value uint64) (InsertionProof, error) {
	length, err := t.LenTx(ctx, tx, ts)
	if err != nil {
		return InsertionProof{}, err
	}
	index := length
	lowIndex, err := t.LowIndex(ctx, tx, ts, key)
	if err != nil {
		return InsertionProof{}, err
	}
	prevLowLeaf, err := t.GetLeaf(ctx, tx, ts, lowIndex)
	if err != nil {
		return InsertionProof{}, err
	}
	lowLeafProof, err := t.nodes.prove(ctx, tx, ts, lowIndex)
	if err != nil {
		return InsertionProof{}, err
	}
	newLowLeaf := IndexedLeaf{
		NextIndex: index,
		Key:       prevLowLeaf.Key,
		NextKey:   key,
		Value:     prevLowLeaf.Value,
	}
	leaf := IndexedLeaf{
		NextIndex: prevLowLeaf.NextIndex,
		Key:       key,
		NextKey:   prevLowLeaf.NextKey,
		Value:     value,
	}
	if err := t.updateLeaf(ctx, tx, ts, lowIndex, newLowLeaf); err != nil {
		return InsertionProof{}, err
	}
	if err := t.push(ctx, tx, ts, leaf); err != nil {
		return InsertionProof{}, err
	}
	leafProof, err := t.nodes.prove(ctx, tx, ts, index)
	if err != nil {
		return InsertionProof{}, err
	}
	return InsertionProof{
		Index:        index,
		LowLeafProof: lowLeafProof,
		LeafProof:    leafProof,
		LowLeafIndex: lowIndex,
		PrevLowLeaf:  prevLowLeaf,
	}, nil
}

// ProveAndUpdate rewrites the value of an existing key and witnesses the path.
func (t *IndexedTree) ProveAndUpdate(ctx context.Context, tx pgx.Tx, ts uint64, key *uint256.Int, newValue uint64) (UpdateProof, error) {
	index, ok, err := t.Index(ctx, tx, ts, key)
	if err != nil {
		return UpdateProof{}, err
	}
	if !ok {
		return UpdateProof{}, fmt.Errorf("prove and update: key not found")
	}
	prevLeaf, err := t.GetLeaf(ctx, tx, ts, index)
	if err != nil {
		return UpdateProof{}, err
	}
	newLeaf := prevLeaf
	newLeaf.Value = newValue
	if err := t.updateLeaf(ctx, tx, ts, index, newLeaf); err != nil {
		return UpdateProof{}, err
	}
	leafProof, err := t.nodes.prove(ctx, tx, ts, index)
	if err != nil {
		return UpdateProof{}, err
	}
	return UpdateProof{LeafProof: leafProof, LeafIndex: index, PrevLeaf: prevLeaf}, nil
}

// ProveMembership returns an inclusion proof for a present key or an
// exclusion proof through its low leaf for an absent one.
func (t *IndexedTree) ProveMembership(ctx context.Context, tx pgx.Tx, ts uint64, key *uint256.Int) (MembershipProof, error) {
	index, ok, err := t.Index(ctx, tx, ts, key)
	if err != nil {
		return MembershipProof{}, err
	}
	if !ok {
		index, err = t.LowIndex(ctx, tx, ts, key)
		if err != nil {
			return MembershipProof{}, err
		}
	}
	leaf, err := t.GetLeaf(ctx, tx, ts, index)
	if err != nil {
		return MembershipProof{}, err
	}
	leafProof, err := t.nodes.prove(ctx, tx, ts, index)
	if err != nil {
		return MembershipProof{}, err
	}
	return MembershipProof{
		IsIncluded: ok,
		LeafIndex:  index,
		Leaf:       leaf,
		LeafProof:  leafProof,
	}, nil
}

// ProveInclusion witnesses the leaf at a known position.
func (t *IndexedTree) ProveInclusion(ctx context.Context, tx pgx.Tx, ts uint64, position uint64) (IndexedLeaf, MerkleProof, error) {
	leaf, err := t.GetLeaf(ctx, tx, ts, position)
	if err != nil {
		return IndexedLeaf{}, MerkleProof{}, err
	}
	proof, err := t.nodes.prove(ctx, tx, ts, position)
	if err != nil {
		return IndexedLeaf{}, MerkleProof{}, err
	}
	return leaf, proof, nil
}

// RootTx returns the root hash as of ts.
func (t *IndexedTree) RootTx(ctx context.Context, tx pgx.Tx, ts uint64) (common.Hash, error) {
	return t.nodes.root(ctx, tx, ts)
}

// Root is RootTx in its own transaction.
func (t *IndexedTree) Root(ctx context.Context, ts uint64) (common.Hash, error) {
	var root common.Hash
	err := t.store.BeginFunc(ctx, func(tx pgx.Tx) error {
		var err error
		root, err = t.nodes.root(ctx, tx, ts)
		return err
	})
	return root, err
}

// Reset deletes every row with timestamp >= ts.
func (t *IndexedTree) Reset(ctx context.Context, tx pgx.Tx, ts uint64) error {
	if err := t.nodes.reset(ctx, tx, ts); err != nil {
		return err
	}
	for _, table := range []string{"indexed_leaves", "leaves_len"} {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE tag = $1 AND timestamp_value >= $2`, table),
			t.tag, int64(ts)); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

func (t *IndexedTree) lastTimestamp(ctx context.Context, tx pgx.Tx) (uint64, error) {
	var ts int64
	err := tx.QueryRow(ctx, `
		SELECT timestamp_value
		FROM indexed_leaves
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

// LastTimestamp returns the greatest write timestamp, or 0 for a fresh tree.
func (t *IndexedTree) LastTimestamp(ctx context.Context) (uint64, error) {
	var ts uint64
	err := t.store.BeginFunc(ctx, func(tx pgx.Tx) error {
		var err error
		ts, err = t.lastTimestamp(ctx, tx)
		return err
	})
	return ts, err
}
