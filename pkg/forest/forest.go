package forest

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/intmax-network/validity-prover/pkg/chain"
	"github.com/intmax-network/validity-prover/pkg/merkle/store"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Tree heights.
const (
	AccountTreeHeight = 40
	BlockTreeHeight   = 32
	DepositTreeHeight = 32
)

// ErrDepositRootMismatch reports that replaying the pending deposit leaves did
// not reproduce the posted block's deposit tree root. The caller resets the
// trees and retries once the observers catch up.
var ErrDepositRootMismatch = errors.New("deposit tree root mismatch")

// Forest is the three-tree state of the rollup. Every mutation of a block N
// is stamped with timestamp N, so the post-state of block N is the snapshot
// view at N and the pre-state is the view at N-1.
type Forest struct {
	Store       *store.Store
	AccountTree *store.IndexedTree
	BlockTree   *store.StandardTree
	DepositTree *store.StandardTree
	Logger      *zap.Logger
}

func New(s *store.Store, logger *zap.Logger) *Forest {
	return &Forest{
		Store:       s,
		AccountTree: store.NewIndexedTree(s, store.AccountTreeTag, AccountTreeHeight),
		BlockTree:   store.NewStandardTree(s, store.BlockTreeTag, BlockTreeHeight),
		DepositTree: store.NewStandardTree(s, store.DepositTreeTag, DepositTreeHeight),
		Logger:      logger.With(zap.String("component", "forest")),
	}
}

// Initialize seeds a fresh forest: the account tree's guard leaves and the
// genesis block hash at timestamp 0.
func (f *Forest) Initialize(ctx context.Context) error {
	if err := f.AccountTree.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize account tree: %w", err)
	}
	lastTS, err := f.BlockTree.LastTimestamp(ctx)
	if err != nil {
		return err
	}
	if lastTS == 0 {
		err = f.Store.BeginFunc(ctx, func(tx pgx.Tx) error {
			length, err := f.BlockTree.LenTx(ctx, tx, 0)
			if err != nil {
				return err
			}
			if length != 0 {
				return nil
			}
			genesisHash := chain.Genesis().Block.Hash()
			return f.BlockTree.Push(ctx, tx, 0, genesisHash[:])
		})
		if err != nil {
			return fmt.Errorf("initialize block tree: %w", err)
		}
	}
	return nil
}

// GenesisWitness is the synthetic witness for block 0, computed from the
// initialized trees' state at timestamp 0.
func (f *Forest) GenesisWitness(ctx context.Context) (*ValidityWitness, error) {
	var accountRoot, blockRoot, depositRoot common.Hash
	err := f.Store.BeginFunc(ctx, func(tx pgx.Tx) error {
		var err error
		if accountRoot, err = f.AccountTree.RootTx(ctx, tx, 0); err != nil {
			return err
		}
		if blockRoot, err = f.BlockTree.RootTx(ctx, tx, 0); err != nil {
			return err
		}
		depositRoot, err = f.DepositTree.RootTx(ctx, tx, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	genesis := chain.Genesis()
	return &ValidityWitness{
		BlockWitness: BlockWitness{
			Block:       genesis.Block,
			SenderFlags: genesis.SenderFlags,
		},
		TransitionWitness: ValidityTransitionWitness{SenderLeaves: []SenderLeaf{}},
		PostAccountRoot:   accountRoot,
		PostBlockTreeRoot: blockRoot,
		PostDepositRoot:   depositRoot,
		IsValidBlock:      true,
	}, nil
}

// senderLeaves pairs each sender with its signature flag.
func senderLeaves(pubkeys []*uint256.Int, block *chain.FullBlock) []SenderLeaf {
	leaves := make([]SenderLeaf, 0, len(pubkeys))
	for i, pubkey := range pubkeys {
		leaves = append(leaves, SenderLeaf{Sender: pubkey, DidReturnSig: block.SenderFlag(i)})
	}
	return leaves
}

func isDummyPubkey(pubkey *uint256.Int) bool {
	return pubkey.Eq(store.DefaultAccountKey)
}

// ApplyBlock advances all three trees to block N's post-state inside the
// caller's transaction and returns the validity witness. Every write is
// stamped with timestamp N.
func (f *Forest) ApplyBlock(ctx context.Context, tx pgx.Tx, block *chain.FullBlock, deposits []chain.DepositLeafInserted) (*ValidityWitness, error) {
	if block.Block.BlockNumber == 0 {
		return nil, fmt.Errorf("apply block: genesis block is not applied")
	}
	ts := uint64(block.Block.BlockNumber)

	// Deposit tree first: the posted root commits to the deposits included
	// up to this block.
	for _, deposit := range deposits {
		if err := f.DepositTree.UpdateLeaf(ctx, tx, ts, uint64(deposit.DepositIndex), deposit.DepositHash[:]); err != nil {
			return nil, fmt.Errorf("append deposit %d: %w", deposit.DepositIndex, err)
		}
	}
	depositRoot, err := f.DepositTree.RootTx(ctx, tx, ts)
	if err != nil {
		return nil, err
	}
	if depositRoot != block.Block.DepositTreeRoot {
		return nil, fmt.Errorf("%w: posted %s, computed %s",
			ErrDepositRootMismatch, block.Block.DepositTreeRoot, depositRoot)
	}

	prevTS := ts - 1
	blockWitness, isValid, err := f.buildBlockWitness(ctx, tx, block, prevTS)
	if err != nil {
		return nil, err
	}

	// Block tree: witness the slot, then append.
	blockLen, err := f.BlockTree.LenTx(ctx, tx, prevTS)
	if err != nil {
		return nil, err
	}
	if blockLen != uint64(block.Block.BlockNumber) {
		return nil, fmt.Errorf("apply block: block tree has %d leaves, expected %d",
			blockLen, block.Block.BlockNumber)
	}
	blockProof, err := f.BlockTree.ProveTx(ctx, tx, prevTS, uint64(block.Block.BlockNumber))
	if err != nil {
		return nil, err
	}
	blockHash := block.Block.Hash()
	if err := f.BlockTree.Push(ctx, tx, ts, blockHash[:]); err != nil {
		return nil, fmt.Errorf("append block hash: %w", err)
	}

	transition := ValidityTransitionWitness{
		SenderLeaves:     senderLeaves(blockWitness.Pubkeys, block),
		BlockMerkleProof: blockProof,
		DepositLeaves:    deposits,
	}

	// Account tree advances only for valid blocks.
	if isValid {
		if block.IsRegistrationBlock {
			proofs, err := f.registerSenders(ctx, tx, ts, block, transition.SenderLeaves)
			if err != nil {
				return nil, err
			}
			transition.AccountRegistrationProofs = proofs
		} else {
			proofs, err := f.updateSenders(ctx, tx, ts, block, transition.SenderLeaves)
			if err != nil {
				return nil, err
			}
			transition.AccountUpdateProofs = proofs
		}
	}

	postAccountRoot, err := f.AccountTree.RootTx(ctx, tx, ts)
	if err != nil {
		return nil, err
	}
	postBlockRoot, err := f.BlockTree.RootTx(ctx, tx, ts)
	if err != nil {
		return nil, err
	}

	return &ValidityWitness{
		BlockWitness:      *blockWitness,
		TransitionWitness: transition,
		PostAccountRoot:   postAccountRoot,
		PostBlockTreeRoot: postBlockRoot,
		PostDepositRoot:   depositRoot,
		IsValidBlock:      isValid,
	}, nil
}

// buildBlockWitness assembles the pre-state witness and decides block
// validity: a registration block is invalid when a sender is already
// registered, a non-registration block when an account id is unknown.
func (f *Forest) buildBlockWitness(ctx context.Context, tx pgx.Tx, block *chain.FullBlock, prevTS uint64) (*BlockWitness, bool, error) {
	witness := &BlockWitness{
		Block:               block.Block,
		TxTreeRoot:          block.TxTreeRoot,
		SenderFlags:         block.SenderFlags,
		IsRegistrationBlock: block.IsRegistrationBlock,
	}

	prevAccountRoot, err := f.AccountTree.RootTx(ctx, tx, prevTS)
	if err != nil {
		return nil, false, err
	}
	prevBlockRoot, err := f.BlockTree.RootTx(ctx, tx, prevTS)
	if err != nil {
		return nil, false, err
	}
	witness.PrevAccountTreeRoot = prevAccountRoot
	witness.PrevBlockTreeRoot = prevBlockRoot

	isValid := true
	if block.IsRegistrationBlock {
		pubkeys := make([]*uint256.Int, 0, chain.NumSendersInBlock)
		pubkeys = append(pubkeys, block.Pubkeys...)
		for len(pubkeys) < chain.NumSendersInBlock {
			pubkeys = append(pubkeys, store.DefaultAccountKey)
		}
		proofs := make([]store.MembershipProof, 0, len(pubkeys))
		for _, pubkey := range pubkeys {
			proof, err := f.AccountTree.ProveMembership(ctx, tx, prevTS, pubkey)
			if err != nil {
				return nil, false, fmt.Errorf("prove membership: %w", err)
			}
			if proof.IsIncluded && !isDummyPubkey(pubkey) {
				isValid = false
			}
			proofs = append(proofs, proof)
		}
		witness.Pubkeys = pubkeys
		witness.AccountMembershipProofs = proofs
	} else {
		pubkeys := make([]*uint256.Int, 0, len(block.AccountIDs))
		proofs := make([]AccountMerkleProof, 0, len(block.AccountIDs))
		for _, accountID := range block.AccountIDs {
			key, err := f.AccountTree.Key(ctx, tx, prevTS, accountID)
			if err != nil {
				return nil, false, err
			}
			if key.IsZero() {
				isValid = false
			}
			leaf, proof, err := f.AccountTree.ProveInclusion(ctx, tx, prevTS, accountID)
			if err != nil {
				return nil, false, fmt.Errorf("prove inclusion: %w", err)
			}
			pubkeys = append(pubkeys, key)
			proofs = append(proofs, AccountMerkleProof{MerkleProof: proof, Leaf: leaf, Index: accountID})
		}
		witness.Pubkeys = pubkeys
		witness.AccountIDs = block.AccountIDs
		witness.AccountMerkleProofs = proofs
	}

	return witness, isValid, nil
}

func (f *Forest) registerSenders(ctx context.Context, tx pgx.Tx, ts uint64, block *chain.FullBlock, leaves []SenderLeaf) ([]AccountRegistrationProof, error) {
	proofs := make([]AccountRegistrationProof, 0, len(leaves))
	for _, leaf := range leaves {
		if isDummyPubkey(leaf.Sender) {
			proofs = append(proofs, AccountRegistrationProof{IsDummy: true})
			continue
		}
		lastBlockNumber := uint64(0)
		if leaf.DidReturnSig {
			lastBlockNumber = uint64(block.Block.BlockNumber)
		}
		proof, err := f.AccountTree.ProveAndInsert(ctx, tx, ts, leaf.Sender, lastBlockNumber)
		if err != nil {
			return nil, fmt.Errorf("register sender: %w", err)
		}
		proofs = append(proofs, AccountRegistrationProof{Proof: proof})
	}
	return proofs, nil
}

func (f *Forest) updateSenders(ctx context.Context, tx pgx.Tx, ts uint64, block *chain.FullBlock, leaves []SenderLeaf) ([]store.UpdateProof, error) {
	proofs := make([]store.UpdateProof, 0, len(leaves))
	for _, leaf := range leaves {
		index, ok, err := f.AccountTree.Index(ctx, tx, ts, leaf.Sender)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("update sender: account not found")
		}
		prevLeaf, err := f.AccountTree.GetLeaf(ctx, tx, ts, index)
		if err != nil {
			return nil, err
		}
		lastBlockNumber := prevLeaf.Value
		if leaf.DidReturnSig {
			lastBlockNumber = uint64(block.Block.BlockNumber)
		}
		proof, err := f.AccountTree.ProveAndUpdate(ctx, tx, ts, leaf.Sender, lastBlockNumber)
		if err != nil {
			return nil, fmt.Errorf("update sender: %w", err)
		}
		proofs = append(proofs, proof)
	}
	return proofs, nil
}

// Reset rewinds all three trees to the state before timestamp ts.
func (f *Forest) Reset(ctx context.Context, ts uint64) error {
	f.Logger.Warn("Resetting merkle forest", zap.Uint64("from_timestamp", ts))
	return f.Store.BeginFunc(ctx, func(tx pgx.Tx) error {
		if err := f.AccountTree.Reset(ctx, tx, ts); err != nil {
			return err
		}
		if err := f.BlockTree.Reset(ctx, tx, ts); err != nil {
			return err
		}
		return f.DepositTree.Reset(ctx, tx, ts)
	})
}
