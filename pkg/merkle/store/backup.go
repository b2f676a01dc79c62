package store

import (
	"context"
	"fmt"

	"github.com/intmax-network/validity-prover/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// The cutoff is the highest block whose older tree history may be collapsed.
// Backup copies rows at or below it into the backup tags; prune then keeps
// only the newest row per cell at or below it, which preserves every snapshot
// read above the cutoff.

func (s *Store) initCutoff(ctx context.Context) error {
	err := s.Client.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS backup_cutoff (
			singleton_key BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton_key),
			block_number BIGINT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create backup_cutoff: %w", err)
	}
	return nil
}

// Cutoff returns the persisted cutoff, 0 when none has been set yet.
func (s *Store) Cutoff(ctx context.Context) (uint64, error) {
	var cutoff int64
	err := s.Client.QueryRow(ctx,
		`SELECT block_number FROM backup_cutoff WHERE singleton_key = TRUE`).Scan(&cutoff)
	if postgres.IsNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cutoff: %w", err)
	}
	return uint64(cutoff), nil
}

func setCutoff(ctx context.Context, tx pgx.Tx, cutoff uint64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO backup_cutoff (singleton_key, block_number)
		VALUES (TRUE, $1)
		ON CONFLICT (singleton_key) DO UPDATE SET block_number = $1`,
		int64(cutoff))
	return err
}

// Backup advances the cutoff to max(current, latestBlock-offset) and copies
// every row at or below it into the tag's backup twin. Idempotent: replays
// hit ON CONFLICT DO NOTHING.
func (s *Store) Backup(ctx context.Context, latestBlock, offset uint64) (uint64, error) {
	current, err := s.Cutoff(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := current
	if latestBlock > offset && latestBlock-offset > cutoff {
		cutoff = latestBlock - offset
	}
	if cutoff == current && current == 0 {
		return 0, nil
	}

	err = s.BeginFunc(ctx, func(tx pgx.Tx) error {
		if err := postgres.AdvisoryLock(ctx, tx, advisoryLockID); err != nil {
			return fmt.Errorf("acquire store lock: %w", err)
		}
		copies := []string{
			`INSERT INTO hash_nodes (tag, timestamp_value, bit_path, hash_value)
			 SELECT tag + $2, timestamp_value, bit_path, hash_value
			 FROM hash_nodes WHERE tag = $1 AND timestamp_value <= $3
			 ON CONFLICT DO NOTHING`,
			`INSERT INTO leaves (tag, timestamp_value, position, leaf_hash, leaf)
			 SELECT tag + $2, timestamp_value, position, leaf_hash, leaf
			 FROM leaves WHERE tag = $1 AND timestamp_value <= $3
			 ON CONFLICT DO NOTHING`,
			`INSERT INTO leaves_len (tag, timestamp_value, len)
			 SELECT tag + $2, timestamp_value, len
			 FROM leaves_len WHERE tag = $1 AND timestamp_value <= $3
			 ON CONFLICT DO NOTHING`,
			`INSERT INTO indexed_leaves (tag, timestamp_value, position, leaf_hash, next_index, key, next_key, value)
			 SELECT tag + $2, timestamp_value, position, leaf_hash, next_index, key, next_key, value
			 FROM indexed_leaves WHERE tag = $1 AND timestamp_value <= $3
			 ON CONFLICT DO NOTHING`,
		}
		for _, tag := range []Tag{AccountTreeTag, BlockTreeTag, DepositTreeTag} {
			for _, stmt := range copies {
				if _, err := tx.Exec(ctx, stmt, tag, BackupTagOffset, int64(cutoff)); err != nil {
					return fmt.Errorf("backup tag %d: %w", tag, err)
				}
			}
		}
		return setCutoff(ctx, tx, cutoff)
	})
	if err != nil {
		return 0, err
	}

	s.Logger.Info("Merkle store backup complete", zap.Uint64("cutoff", cutoff))
	return cutoff, nil
}

// Prune collapses history at or below the cutoff: for each cell only the row
// with the greatest timestamp <= cutoff survives as its baseline. Rows above
// the cutoff are never touched, so snapshot reads at T > cutoff are
// unchanged.
func (s *Store) Prune(ctx context.Context) error {
	cutoff, err := s.Cutoff(ctx)
	if err != nil {
		return err
	}
	if cutoff == 0 {
		return nil
	}

	err = s.BeginFunc(ctx, func(tx pgx.Tx) error {
		if err := postgres.AdvisoryLock(ctx, tx, advisoryLockID); err != nil {
			return fmt.Errorf("acquire store lock: %w", err)
		}
		prunes := []string{
			`DELETE FROM hash_nodes h
			 WHERE h.tag = $1 AND h.timestamp_value <= $2
			   AND h.timestamp_value < (
				SELECT MAX(timestamp_value) FROM hash_nodes
				WHERE tag = h.tag AND bit_path = h.bit_path AND timestamp_value <= $2)`,
			`DELETE FROM leaves l
			 WHERE l.tag = $1 AND l.timestamp_value <= $2
			   AND l.timestamp_value < (
				SELECT MAX(timestamp_value) FROM leaves
				WHERE tag = l.tag AND position = l.position AND timestamp_value <= $2)`,
			`DELETE FROM leaves_len ll
			 WHERE ll.tag = $1 AND ll.timestamp_value <= $2
			   AND ll.timestamp_value < (
				SELECT MAX(timestamp_value) FROM leaves_len
				WHERE tag = ll.tag AND timestamp_value <= $2)`,
			`DELETE FROM indexed_leaves il
			 WHERE il.tag = $1 AND il.timestamp_value <= $2
			   AND il.timestamp_value < (
				SELECT MAX(timestamp_value) FROM indexed_leaves
				WHERE tag = il.tag AND position = il.position AND timestamp_value <= $2)`,
		}
		for _, tag := range []Tag{AccountTreeTag, BlockTreeTag, DepositTreeTag} {
			for _, stmt := range prunes {
				if _, err := tx.Exec(ctx, stmt, tag, int64(cutoff)); err != nil {
					return fmt.Errorf("prune tag %d: %w", tag, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.Logger.Info("Merkle store prune complete", zap.Uint64("cutoff", cutoff))
	return nil
}
