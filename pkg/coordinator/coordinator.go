// Package coordinator owns the prover task queue and the validity proof
// chain: it leases block-transition proving work to stateless workers,
// collects their proofs, and wraps completed transitions into the strictly
// ordered cumulative proof sequence.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/intmax-network/validity-prover/pkg/db/postgres"
	"github.com/intmax-network/validity-prover/pkg/forest"
	"github.com/intmax-network/validity-prover/pkg/metrics"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrLeaseExpired rejects heartbeats and submissions for tasks the caller no
// longer owns.
var ErrLeaseExpired = errors.New("task lease expired")

// chainAdvisoryLockID serializes proof-chain advancement across instances.
const chainAdvisoryLockID int64 = 0x50524f4f46434841 // "PROOFCHA"

// Task mirrors one prover_tasks row.
type Task struct {
	BlockNumber     uint32     `json:"blockNumber"`
	Assigned        bool       `json:"assigned"`
	AssignedAt      *time.Time `json:"assignedAt,omitempty"`
	LastHeartbeat   *time.Time `json:"lastHeartbeat,omitempty"`
	Completed       bool       `json:"completed"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	TransitionProof []byte     `json:"transitionProof,omitempty"`
}

// AssignedTask is handed to a worker: the block's witness, the previous
// block's public state, and the previous cumulative proof when it already
// exists.
type AssignedTask struct {
	BlockNumber     uint32          `json:"blockNumber"`
	ValidityWitness json.RawMessage `json:"validityWitness"`
	PrevValidityPis json.RawMessage `json:"prevValidityPis,omitempty"`
	PrevProof       []byte          `json:"prevProof,omitempty"`
}

// WrapProver is the external aggregation prover: it folds a transition proof
// into the previous cumulative proof. prevProof is nil for block 0.
type WrapProver interface {
	Wrap(ctx context.Context, prevProof, transitionProof []byte) ([]byte, error)
}

// Coordinator owns prover_tasks and validity_proofs.
type Coordinator struct {
	Client   postgres.Client
	Logger   *zap.Logger
	LeaseTTL time.Duration

	SweepInterval time.Duration
	ChainInterval time.Duration
	Wrapper       WrapProver
}

func New(client postgres.Client, wrapper WrapProver, leaseTTL, sweepInterval, chainInterval time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		Client:        client,
		Logger:        logger.With(zap.String("component", "coordinator")),
		LeaseTTL:      leaseTTL,
		SweepInterval: sweepInterval,
		ChainInterval: chainInterval,
		Wrapper:       wrapper,
	}
}

// InitializeDB creates the task queue and proof chain tables.
func (c *Coordinator) InitializeDB(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS prover_tasks (
			block_number INTEGER PRIMARY KEY,
			assigned BOOLEAN NOT NULL DEFAULT FALSE,
			assigned_at TIMESTAMPTZ,
			last_heartbeat TIMESTAMPTZ,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			completed_at TIMESTAMPTZ,
			transition_proof BYTEA
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prover_tasks_queue ON prover_tasks (block_number) WHERE NOT assigned AND NOT completed`,
		`CREATE TABLE IF NOT EXISTS validity_proofs (
			block_number INTEGER PRIMARY KEY,
			proof BYTEA NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if err := c.Client.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create coordinator table: %w", err)
		}
	}
	return nil
}

// EnqueueTask inserts the NEW task row for a reconstructed block. It runs on
// the witness generator's transaction so task and witness appear together.
func EnqueueTask(ctx context.Context, tx pgx.Tx, blockNumber uint32) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO prover_tasks (block_number)
		VALUES ($1)
		ON CONFLICT (block_number) DO NOTHING`, int32(blockNumber))
	if err != nil {
		return fmt.Errorf("enqueue prover task: %w", err)
	}
	return nil
}

// Assign leases the lowest-numbered NEW task to the caller. Exactly one of
// two racing workers wins a given row; the loser sees the next task or none.
func (c *Coordinator) Assign(ctx context.Context) (*AssignedTask, error) {
	var blockNumber int32
	err := c.Client.QueryRow(ctx, `
		UPDATE prover_tasks
		SET assigned = TRUE, assigned_at = NOW(), last_heartbeat = NOW()
		WHERE block_number = (
			SELECT block_number
			FROM prover_tasks
			WHERE assigned = FALSE AND completed = FALSE
			ORDER BY block_number
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING block_number`).Scan(&blockNumber)
	if postgres.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("assign task: %w", err)
	}

	task := &AssignedTask{BlockNumber: uint32(blockNumber)}
	if err := c.Client.QueryRow(ctx,
		`SELECT validity_witness FROM validity_state WHERE block_number = $1`,
		blockNumber).Scan((*[]byte)(&task.ValidityWitness)); err != nil {
		return nil, fmt.Errorf("load witness for task %d: %w", blockNumber, err)
	}
	if blockNumber > 0 {
		var prevWitnessRaw []byte
		if err := c.Client.QueryRow(ctx,
			`SELECT validity_witness FROM validity_state WHERE block_number = $1`,
			blockNumber-1).Scan(&prevWitnessRaw); err != nil {
			return nil, fmt.Errorf("load prev witness for task %d: %w", blockNumber, err)
		}
		prevWitness, err := forest.DecodeValidityWitness(prevWitnessRaw)
		if err != nil {
			return nil, err
		}
		prevPis, err := json.Marshal(prevWitness.PublicInputs())
		if err != nil {
			return nil, err
		}
		task.PrevValidityPis = prevPis

		var prevProof []byte
		err = c.Client.QueryRow(ctx,
			`SELECT proof FROM validity_proofs WHERE block_number = $1`,
			blockNumber-1).Scan(&prevProof)
		if err != nil && !postgres.IsNoRows(err) {
			return nil, fmt.Errorf("load prev proof for task %d: %w", blockNumber, err)
		}
		task.PrevProof = prevProof
	}

	metrics.TasksAssigned.Inc()
	c.Logger.Info("Assigned prover task", zap.Int32("block_number", blockNumber))
	return task, nil
}

// Heartbeat refreshes the caller's lease.
func (c *Coordinator) Heartbeat(ctx context.Context, blockNumber uint32) error {
	tag, err := c.Client.Pool.Exec(ctx, `
		UPDATE prover_tasks
		SET last_heartbeat = NOW()
		WHERE block_number = $1 AND assigned = TRUE AND completed = FALSE`,
		int32(blockNumber))
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseExpired
	}
	return nil
}

// Submit stores a completed transition proof. A submission for a task the
// worker no longer holds is rejected without touching stored state.
func (c *Coordinator) Submit(ctx context.Context, blockNumber uint32, transitionProof []byte) error {
	if len(transitionProof) == 0 {
		return fmt.Errorf("submit: empty transition proof")
	}
	tag, err := c.Client.Pool.Exec(ctx, `
		UPDATE prover_tasks
		SET transition_proof = $2, completed = TRUE, completed_at = NOW(), assigned = FALSE
		WHERE block_number = $1 AND assigned = TRUE AND completed = FALSE`,
		int32(blockNumber), transitionProof)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseExpired
	}
	metrics.TasksCompleted.Inc()
	c.Logger.Info("Prover task completed", zap.Uint32("block_number", blockNumber))
	return nil
}

// Sweep resets every assigned task whose lease expired back to NEW.
// Completed work for a reset task is discarded on submit.
func (c *Coordinator) Sweep(ctx context.Context) (int64, error) {
	tag, err := c.Client.Pool.Exec(ctx, `
		UPDATE prover_tasks
		SET assigned = FALSE, assigned_at = NULL, last_heartbeat = NULL
		WHERE assigned = TRUE AND completed = FALSE
		  AND last_heartbeat < NOW() - make_interval(secs => $1)`,
		c.LeaseTTL.Seconds())
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		metrics.TasksReset.Add(float64(n))
		c.Logger.Warn("Reset expired prover tasks", zap.Int64("count", n))
		return n, nil
	}
	return 0, nil
}

// RunSweeper loops Sweep until the context ends.
func (c *Coordinator) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(c.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := c.Sweep(ctx); err != nil {
			c.Logger.Error("Sweep failed, will retry", zap.Error(err))
		}
	}
}

// LatestProofBlockNumber is the newest chained block; ok is false before the
// first proof.
func (c *Coordinator) LatestProofBlockNumber(ctx context.Context) (uint32, bool, error) {
	var blockNumber int32
	err := c.Client.QueryRow(ctx,
		`SELECT block_number FROM validity_proofs ORDER BY block_number DESC LIMIT 1`).Scan(&blockNumber)
	if postgres.IsNoRows(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest proof block: %w", err)
	}
	return uint32(blockNumber), true, nil
}

// ValidityProof loads the cumulative proof for a block; nil when not proven.
func (c *Coordinator) ValidityProof(ctx context.Context, blockNumber uint32) ([]byte, error) {
	var proof []byte
	err := c.Client.QueryRow(ctx,
		`SELECT proof FROM validity_proofs WHERE block_number = $1`, int32(blockNumber)).Scan(&proof)
	if postgres.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get validity proof: %w", err)
	}
	return proof, nil
}

// Chain advances validity_proofs while the next transition proof is ready.
// Chaining is strictly sequential: a completed task waits until its
// predecessor is chained.
func (c *Coordinator) Chain(ctx context.Context) error {
	for {
		advanced, err := c.chainOne(ctx)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
	}
}

func (c *Coordinator) chainOne(ctx context.Context) (bool, error) {
	var advanced bool
	err := c.Client.BeginFunc(ctx, func(tx pgx.Tx) error {
		if err := postgres.AdvisoryLock(ctx, tx, chainAdvisoryLockID); err != nil {
			return fmt.Errorf("acquire chain lock: %w", err)
		}

		var next uint32
		var prevProof []byte
		var last int32
		err := tx.QueryRow(ctx,
			`SELECT block_number, proof FROM validity_proofs ORDER BY block_number DESC LIMIT 1 FOR UPDATE`).
			Scan(&last, &prevProof)
		switch {
		case postgres.IsNoRows(err):
			next = 0
			prevProof = nil
		case err != nil:
			return fmt.Errorf("load chain frontier: %w", err)
		default:
			next = uint32(last) + 1
		}

		var transitionProof []byte
		err = tx.QueryRow(ctx, `
			SELECT transition_proof
			FROM prover_tasks
			WHERE block_number = $1 AND completed = TRUE`, int32(next)).Scan(&transitionProof)
		if postgres.IsNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load transition proof: %w", err)
		}

		proof, err := c.Wrapper.Wrap(ctx, prevProof, transitionProof)
		if err != nil {
			return fmt.Errorf("wrap proof for block %d: %w", next, err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO validity_proofs (block_number, proof)
			VALUES ($1, $2)
			ON CONFLICT (block_number) DO NOTHING`, int32(next), proof); err != nil {
			return fmt.Errorf("append validity proof: %w", err)
		}

		advanced = true
		metrics.ProofsChained.Inc()
		metrics.LastProvenBlock.Set(float64(next))
		c.Logger.Info("Chained validity proof", zap.Uint32("block_number", next))
		return nil
	})
	return advanced, err
}

// RunChainer loops Chain until the context ends.
func (c *Coordinator) RunChainer(ctx context.Context) error {
	ticker := time.NewTicker(c.ChainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := c.Chain(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Logger.Error("Proof chaining failed, will retry", zap.Error(err))
		}
	}
}
