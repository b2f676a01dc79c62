// Package store implements the versioned Merkle node and leaf storage shared
// by every tree in the forest. All rows carry a monotonic logical timestamp;
// reading the row with the greatest timestamp <= T yields the authoritative
// value of a cell as of T, so any historical state can be reopened without
// per-version copies.
package store

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/intmax-network/validity-prover/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Tag identifies one tree's rows inside the shared tables. Backup twins live
// at tag+BackupTagOffset.
type Tag int32

const (
	AccountTreeTag Tag = 1
	BlockTreeTag   Tag = 2
	DepositTreeTag Tag = 3

	BackupTagOffset Tag = 10
)

// advisoryLockID serializes backup and prune against tree writers.
const advisoryLockID int64 = 0x564d53544f5245 // "VMSTORE"

// Store owns the hash_nodes, leaves, leaves_len and indexed_leaves tables.
type Store struct {
	Client postgres.Client
	Logger *zap.Logger
}

func New(client postgres.Client, logger *zap.Logger) *Store {
	return &Store{Client: client, Logger: logger.With(zap.String("component", "merkle_store"))}
}

// InitializeDB ensures the partitioned tables and their snapshot-read indices exist.
func (s *Store) InitializeDB(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hash_nodes (
			tag INTEGER NOT NULL,
			timestamp_value BIGINT NOT NULL,
			bit_path BYTEA NOT NULL,
			hash_value BYTEA NOT NULL,
			PRIMARY KEY (tag, timestamp_value, bit_path)
		) PARTITION BY LIST (tag)`,
		`CREATE TABLE IF NOT EXISTS leaves (
			tag INTEGER NOT NULL,
			timestamp_value BIGINT NOT NULL,
			position BIGINT NOT NULL,
			leaf_hash BYTEA NOT NULL,
			leaf BYTEA NOT NULL,
			PRIMARY KEY (tag, timestamp_value, position)
		) PARTITION BY LIST (tag)`,
		`CREATE TABLE IF NOT EXISTS leaves_len (
			tag INTEGER NOT NULL,
			timestamp_value BIGINT NOT NULL,
			len INTEGER NOT NULL,
			PRIMARY KEY (tag, timestamp_value)
		) PARTITION BY LIST (tag)`,
		`CREATE TABLE IF NOT EXISTS indexed_leaves (
			tag INTEGER NOT NULL,
			timestamp_value BIGINT NOT NULL,
			position BIGINT NOT NULL,
			leaf_hash BYTEA NOT NULL,
			next_index BIGINT NOT NULL,
			key BYTEA NOT NULL,
			next_key BYTEA NOT NULL,
			value BIGINT NOT NULL,
			PRIMARY KEY (tag, timestamp_value, position)
		) PARTITION BY LIST (tag)`,
	}
	for _, stmt := range stmts {
		if err := s.Client.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create merkle store table: %w", err)
		}
	}

	// One list partition per live tag plus its backup twin.
	for _, table := range []string{"hash_nodes", "leaves", "leaves_len", "indexed_leaves"} {
		for _, tag := range []Tag{AccountTreeTag, BlockTreeTag, DepositTreeTag} {
			for _, t := range []Tag{tag, tag + BackupTagOffset} {
				stmt := fmt.Sprintf(
					`CREATE TABLE IF NOT EXISTS %s_tag_%d PARTITION OF %s FOR VALUES IN (%d)`,
					table, t, table, t)
				if err := s.Client.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("create partition %s_tag_%d: %w", table, t, err)
				}
			}
		}
	}

	indices := []string{
		`CREATE INDEX IF NOT EXISTS idx_hash_nodes_lookup ON hash_nodes (tag, bit_path, timestamp_value DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_leaves_lookup ON leaves (tag, position, timestamp_value DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_leaves_len_lookup ON leaves_len (tag, timestamp_value DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_indexed_leaves_lookup ON indexed_leaves (tag, position, timestamp_value DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_indexed_leaves_key ON indexed_leaves (tag, key, timestamp_value DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_indexed_leaves_next_key ON indexed_leaves (tag, next_key, key, timestamp_value DESC)`,
	}
	for _, stmt := range indices {
		if err := s.Client.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create merkle store index: %w", err)
		}
	}

	return s.initCutoff(ctx)
}

// Begin starts a transaction on the underlying pool.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.Client.Begin(ctx)
}

// BeginFunc runs fn inside a transaction.
func (s *Store) BeginFunc(ctx context.Context, fn func(pgx.Tx) error) error {
	return s.Client.BeginFunc(ctx, fn)
}

// TwoToOne is the interior-node hash.
func TwoToOne(left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash(left[:], right[:])
}

// zeroHashes[d] is the hash of an empty subtree rooted at depth d, so
// zeroHashes[height] is the empty-leaf hash and zeroHashes[0] the empty root.
func zeroHashes(height uint8, emptyLeafHash common.Hash) []common.Hash {
	hashes := make([]common.Hash, height+1)
	h := emptyLeafHash
	hashes[height] = h
	for d := int(height) - 1; d >= 0; d-- {
		h = TwoToOne(h, h)
		hashes[d] = h
	}
	return hashes
}
