package observer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/intmax-network/validity-prover/pkg/chain"
	"github.com/intmax-network/validity-prover/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// TimelineStore owns the deposit and block timeline tables plus the three
// sync watermarks.
type TimelineStore struct {
	Client postgres.Client
	Logger *zap.Logger
}

func NewTimelineStore(client postgres.Client, logger *zap.Logger) *TimelineStore {
	return &TimelineStore{Client: client, Logger: logger.With(zap.String("component", "timeline_store"))}
}

// InitializeDB creates the timeline tables and seeds the genesis block.
func (s *TimelineStore) InitializeDB(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deposited_events (
			deposit_id BIGINT PRIMARY KEY,
			depositor BYTEA NOT NULL,
			pubkey_salt_hash BYTEA NOT NULL,
			token_index BIGINT NOT NULL,
			amount BYTEA NOT NULL,
			is_eligible BOOLEAN NOT NULL,
			deposited_at BIGINT NOT NULL,
			deposit_hash BYTEA NOT NULL,
			tx_hash BYTEA NOT NULL,
			eth_block_number BIGINT NOT NULL,
			eth_tx_index BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deposited_events_hash ON deposited_events (deposit_hash)`,
		`CREATE TABLE IF NOT EXISTS deposit_leaf_events (
			deposit_index INTEGER PRIMARY KEY,
			deposit_hash BYTEA NOT NULL,
			eth_block_number BIGINT NOT NULL,
			eth_tx_index BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deposit_leaf_events_hash ON deposit_leaf_events (deposit_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_deposit_leaf_events_locator ON deposit_leaf_events (eth_block_number, eth_tx_index)`,
		`CREATE TABLE IF NOT EXISTS full_blocks (
			block_number INTEGER PRIMARY KEY,
			eth_block_number BIGINT NOT NULL,
			eth_tx_index BIGINT NOT NULL,
			full_block JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_full_blocks_locator ON full_blocks (eth_block_number, eth_tx_index)`,
		`CREATE TABLE IF NOT EXISTS l1_deposit_sync_eth_block_num (
			singleton_key BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton_key),
			eth_block_num BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS l2_deposit_sync_eth_block_num (
			singleton_key BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton_key),
			eth_block_num BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS l2_block_sync_eth_block_num (
			singleton_key BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton_key),
			eth_block_num BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if err := s.Client.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create timeline table: %w", err)
		}
	}
	return s.seedGenesis(ctx)
}

// seedGenesis inserts the synthetic block 0 once.
func (s *TimelineStore) seedGenesis(ctx context.Context) error {
	genesis := chain.Genesis()
	payload, err := genesis.Encode()
	if err != nil {
		return err
	}
	err = s.Client.Exec(ctx, `
		INSERT INTO full_blocks (block_number, eth_block_number, eth_tx_index, full_block)
		VALUES (0, 0, 0, $1)
		ON CONFLICT (block_number) DO NOTHING`, payload)
	if err != nil {
		return fmt.Errorf("seed genesis block: %w", err)
	}
	return nil
}

// Watermark reads a sync watermark singleton, defaulting to deployedBlock.
func (s *TimelineStore) Watermark(ctx context.Context, table string, deployedBlock uint64) (uint64, error) {
	var num int64
	err := s.Client.QueryRow(ctx,
		fmt.Sprintf(`SELECT eth_block_num FROM %s WHERE singleton_key = TRUE`, table)).Scan(&num)
	if postgres.IsNoRows(err) {
		return deployedBlock, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get watermark %s: %w", table, err)
	}
	return uint64(num), nil
}

// SetWatermark writes a sync watermark inside the caller's transaction.
func SetWatermark(ctx context.Context, tx pgx.Tx, table string, num uint64) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (singleton_key, eth_block_num)
		VALUES (TRUE, $1)
		ON CONFLICT (singleton_key) DO UPDATE SET eth_block_num = $1`, table), int64(num))
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", table, err)
	}
	return nil
}

// InsertDepositedEvent upserts one L1 deposit log; replays are no-ops.
func InsertDepositedEvent(ctx context.Context, tx pgx.Tx, e chain.DepositedEvent) error {
	amount := e.Amount.Bytes32()
	depositHash := e.Deposit().Hash()
	_, err := tx.Exec(ctx, `
		INSERT INTO deposited_events
			(deposit_id, depositor, pubkey_salt_hash, token_index, amount, is_eligible, deposited_at, deposit_hash, tx_hash, eth_block_number, eth_tx_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (deposit_id) DO NOTHING`,
		int64(e.DepositID), e.Depositor[:], e.RecipientSaltHash[:], int64(e.TokenIndex),
		amount[:], e.IsEligible, int64(e.DepositedAt), depositHash[:], e.TxHash[:],
		int64(e.EthBlockNumber), int64(e.EthTxIndex))
	if err != nil {
		return fmt.Errorf("insert deposited event: %w", err)
	}
	return nil
}

// InsertDepositLeafEvent upserts one L2 deposit-leaf log; replays are no-ops.
func InsertDepositLeafEvent(ctx context.Context, tx pgx.Tx, e chain.DepositLeafInserted) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO deposit_leaf_events (deposit_index, deposit_hash, eth_block_number, eth_tx_index)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (deposit_index) DO NOTHING`,
		int32(e.DepositIndex), e.DepositHash[:], int64(e.EthBlockNumber), int64(e.EthTxIndex))
	if err != nil {
		return fmt.Errorf("insert deposit leaf event: %w", err)
	}
	return nil
}

// InsertFullBlock upserts one posted block; replays are no-ops.
func InsertFullBlock(ctx context.Context, tx pgx.Tx, b chain.FullBlockWithMeta) error {
	payload, err := b.FullBlock.Encode()
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO full_blocks (block_number, eth_block_number, eth_tx_index, full_block)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (block_number) DO NOTHING`,
		int32(b.FullBlock.Block.BlockNumber), int64(b.EthBlockNumber), int64(b.EthTxIndex), payload)
	if err != nil {
		return fmt.Errorf("insert full block: %w", err)
	}
	return nil
}

// NextBlockNumber is one past the highest stored block.
func (s *TimelineStore) NextBlockNumber(ctx context.Context) (uint32, error) {
	var count int64
	if err := s.Client.QueryRow(ctx, `SELECT COUNT(*) FROM full_blocks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count full blocks: %w", err)
	}
	return uint32(count), nil
}

// NextDepositIndex is one past the highest stored deposit leaf.
func (s *TimelineStore) NextDepositIndex(ctx context.Context) (uint32, error) {
	var count int64
	if err := s.Client.QueryRow(ctx, `SELECT COUNT(*) FROM deposit_leaf_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count deposit leaves: %w", err)
	}
	return uint32(count), nil
}

// NextDepositID is one past the highest ingested L1 deposit id.
func (s *TimelineStore) NextDepositID(ctx context.Context) (uint64, error) {
	var maxID *int64
	if err := s.Client.QueryRow(ctx, `SELECT MAX(deposit_id) FROM deposited_events`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max deposit id: %w", err)
	}
	if maxID == nil {
		return 0, nil
	}
	return uint64(*maxID) + 1, nil
}

// FullBlock loads block n, failing when absent or corrupt.
func (s *TimelineStore) FullBlock(ctx context.Context, blockNumber uint32) (*chain.FullBlock, error) {
	var payload []byte
	err := s.Client.QueryRow(ctx,
		`SELECT full_block FROM full_blocks WHERE block_number = $1`, int32(blockNumber)).Scan(&payload)
	if postgres.IsNoRows(err) {
		return nil, fmt.Errorf("block %d not found", blockNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("get full block: %w", err)
	}
	block, err := chain.DecodeFullBlock(payload)
	if err != nil {
		return nil, err
	}
	if block.Block.BlockNumber != blockNumber {
		return nil, fmt.Errorf("block number mismatch: stored %d under key %d",
			block.Block.BlockNumber, blockNumber)
	}
	return block, nil
}

// FullBlockWithMeta loads block n with its L2 locator; nil when absent.
func (s *TimelineStore) FullBlockWithMeta(ctx context.Context, blockNumber uint32) (*chain.FullBlockWithMeta, error) {
	var payload []byte
	var ethBlockNumber, ethTxIndex int64
	err := s.Client.QueryRow(ctx, `
		SELECT eth_block_number, eth_tx_index, full_block
		FROM full_blocks WHERE block_number = $1`, int32(blockNumber)).
		Scan(&ethBlockNumber, &ethTxIndex, &payload)
	if postgres.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get full block with meta: %w", err)
	}
	block, err := chain.DecodeFullBlock(payload)
	if err != nil {
		return nil, err
	}
	return &chain.FullBlockWithMeta{
		FullBlock:      block,
		EthBlockNumber: uint64(ethBlockNumber),
		EthTxIndex:     uint64(ethTxIndex),
	}, nil
}

// DepositInfo resolves where a deposit landed: its leaf index and the first
// L2 block at or after the insertion. Nil when unknown or not yet blocked.
func (s *TimelineStore) DepositInfo(ctx context.Context, depositHash common.Hash) (*chain.DepositInfo, error) {
	var depositIndex int32
	var ethBlockNumber, ethTxIndex int64
	err := s.Client.QueryRow(ctx, `
		SELECT deposit_index, eth_block_number, eth_tx_index
		FROM deposit_leaf_events WHERE deposit_hash = $1`, depositHash[:]).
		Scan(&depositIndex, &ethBlockNumber, &ethTxIndex)
	if postgres.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deposit leaf: %w", err)
	}

	var blockNumber int32
	err = s.Client.QueryRow(ctx, `
		SELECT block_number
		FROM full_blocks
		WHERE (eth_block_number, eth_tx_index) >= ($1, $2)
		ORDER BY eth_block_number, eth_tx_index
		LIMIT 1`, ethBlockNumber, ethTxIndex).Scan(&blockNumber)
	if postgres.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deposit block: %w", err)
	}

	return &chain.DepositInfo{
		DepositHash:  depositHash,
		BlockNumber:  uint32(blockNumber),
		DepositIndex: uint32(depositIndex),
	}, nil
}

// DepositedEvent returns the L1 deposit record with the given hash, nil when
// the deposit has not been observed.
func (s *TimelineStore) DepositedEvent(ctx context.Context, depositHash common.Hash) (*chain.DepositedEvent, error) {
	var e chain.DepositedEvent
	var depositID, tokenIndex, depositedAt, ethBlockNumber, ethTxIndex int64
	var depositor, saltHash, amount, txHash []byte
	err := s.Client.QueryRow(ctx, `
		SELECT deposit_id, depositor, pubkey_salt_hash, token_index, amount, is_eligible, deposited_at, tx_hash, eth_block_number, eth_tx_index
		FROM deposited_events WHERE deposit_hash = $1`, depositHash[:]).
		Scan(&depositID, &depositor, &saltHash, &tokenIndex, &amount, &e.IsEligible, &depositedAt, &txHash, &ethBlockNumber, &ethTxIndex)
	if postgres.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deposited event: %w", err)
	}
	e.DepositID = uint64(depositID)
	e.Depositor = common.BytesToAddress(depositor)
	e.RecipientSaltHash = common.BytesToHash(saltHash)
	e.TokenIndex = uint32(tokenIndex)
	e.Amount = new(uint256.Int).SetBytes(amount)
	e.DepositedAt = uint64(depositedAt)
	e.TxHash = common.BytesToHash(txHash)
	e.EthBlockNumber = uint64(ethBlockNumber)
	e.EthTxIndex = uint64(ethTxIndex)
	return &e, nil
}

// DepositsBetweenBlocks returns the leaf events inserted after block n-1 and
// at or before block n, in deposit-index order.
func (s *TimelineStore) DepositsBetweenBlocks(ctx context.Context, blockNumber uint32) ([]chain.DepositLeafInserted, error) {
	if blockNumber == 0 {
		return nil, nil
	}
	current, err := s.FullBlockWithMeta(ctx, blockNumber)
	if err != nil {
		return nil, err
	}
	prev, err := s.FullBlockWithMeta(ctx, blockNumber-1)
	if err != nil {
		return nil, err
	}
	if current == nil || prev == nil {
		return nil, nil
	}

	rows, err := s.Client.Query(ctx, `
		SELECT deposit_index, deposit_hash, eth_block_number, eth_tx_index
		FROM deposit_leaf_events
		WHERE (eth_block_number, eth_tx_index) > ($1, $2)
		  AND (eth_block_number, eth_tx_index) <= ($3, $4)
		ORDER BY deposit_index`,
		int64(prev.EthBlockNumber), int64(prev.EthTxIndex),
		int64(current.EthBlockNumber), int64(current.EthTxIndex))
	if err != nil {
		return nil, fmt.Errorf("get deposits between blocks: %w", err)
	}
	defer rows.Close()

	var deposits []chain.DepositLeafInserted
	for rows.Next() {
		var depositIndex int32
		var depositHash []byte
		var ethBlockNumber, ethTxIndex int64
		if err := rows.Scan(&depositIndex, &depositHash, &ethBlockNumber, &ethTxIndex); err != nil {
			return nil, err
		}
		deposits = append(deposits, chain.DepositLeafInserted{
			DepositIndex:   uint32(depositIndex),
			DepositHash:    common.BytesToHash(depositHash),
			EthBlockNumber: uint64(ethBlockNumber),
			EthTxIndex:     uint64(ethTxIndex),
		})
	}
	return deposits, rows.Err()
}

// LatestIncludedDepositIndex is the highest deposit leaf at or before the
// newest block's locator, or false when none is included yet.
func (s *TimelineStore) LatestIncludedDepositIndex(ctx context.Context) (uint32, bool, error) {
	next, err := s.NextBlockNumber(ctx)
	if err != nil {
		return 0, false, err
	}
	if next == 0 {
		return 0, false, nil
	}
	latest, err := s.FullBlockWithMeta(ctx, next-1)
	if err != nil {
		return 0, false, err
	}
	if latest == nil {
		return 0, false, nil
	}
	var index int32
	err = s.Client.QueryRow(ctx, `
		SELECT deposit_index
		FROM deposit_leaf_events
		WHERE (eth_block_number, eth_tx_index) <= ($1, $2)
		ORDER BY deposit_index DESC
		LIMIT 1`, int64(latest.EthBlockNumber), int64(latest.EthTxIndex)).Scan(&index)
	if postgres.IsNoRows(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest included deposit index: %w", err)
	}
	return uint32(index), true, nil
}
