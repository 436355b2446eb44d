package consensus

import (
	"fmt"
	"time"

	"github.com/lvenc/node/core"
	"github.com/lvenc/node/crypto"
	"github.com/lvenc/node/finality"
	"github.com/lvenc/node/staking"
	"github.com/lvenc/node/vm"
)

// ClockSkewBudget is the maximum a block's timestamp may sit in the future
// of the validating node's wall clock, per SPEC_FULL.md §4.7 step 2.
const ClockSkewBudget = 120 * time.Second

// Validator runs the ordered block-validation checks from SPEC_FULL.md §4.7
// against blocks received from peers, before they are ever added to the
// local chain log. It generalizes the single ProduceBlock/ValidateBlock loop
// the round-robin PoA predecessor used into the separate producer/validator
// split this PoS design needs: Producer (producer.go) assembles and signs
// blocks locally; Validator checks blocks assembled by someone else.
type Validator struct {
	chainID string
	state   core.State
	exec    *vm.Executor
	staking *staking.Engine
}

// NewValidator returns a Validator bound to state and an executor sharing
// the same state, configured with chainID's fee and network parameters.
// stakingEngine must use the same Params as the local block producer, so an
// epoch-boundary block runs the identical epoch transition on both sides
// before its transactions are applied.
func NewValidator(chainID string, state core.State, exec *vm.Executor, stakingEngine *staking.Engine) *Validator {
	return &Validator{chainID: chainID, state: state, exec: exec, staking: stakingEngine}
}

// ValidateBlock runs checks 1-7 against block given its accepted parent,
// applying block's transactions to v.state along the way. On success the
// write buffer holds the resulting state (uncommitted — the caller commits
// after also passing FinalitySafe for checks 8-9). On any failure the write
// buffer is rolled back to its pre-call contents and an error naming the
// failing step is returned.
func (v *Validator) ValidateBlock(block, parent *core.Block) error {
	if err := checkLinkage(block, parent); err != nil {
		return err
	}
	if err := checkTimestamp(block, parent, time.Now()); err != nil {
		return err
	}
	if err := checkHash(block); err != nil {
		return err
	}

	snapID, err := v.state.Snapshot()
	if err != nil {
		return core.NewError(core.KindInternal, fmt.Errorf("snapshot before block validation: %w", err))
	}

	if err := v.checkProducer(block, parent); err != nil {
		v.revert(snapID)
		return err
	}
	if v.staking.IsEpochBoundary(block.Index) {
		if err := v.staking.RunEpoch(v.state, block.Index); err != nil {
			v.revert(snapID)
			return core.NewError(core.KindConsensus, fmt.Errorf("run epoch at height %d: %w", block.Index, err))
		}
	}
	if err := v.exec.ExecuteBlock(block); err != nil {
		v.revert(snapID)
		return core.NewError(core.KindConsensus, fmt.Errorf("apply block %d: %w", block.Index, err))
	}
	return nil
}

func (v *Validator) revert(snapID int) {
	if err := v.state.RevertToSnapshot(snapID); err != nil {
		// A failed rollback leaves the write buffer in an inconsistent state;
		// the caller must treat this node's state as untrustworthy.
		panic(fmt.Sprintf("consensus: rollback after rejected block failed: %v", err))
	}
}

// checkLinkage is step 1: previousHash and index chain correctly to parent.
func checkLinkage(block, parent *core.Block) error {
	if block.PreviousHash != parent.Hash {
		return core.NewError(core.KindConsensus, fmt.Errorf("block %d previousHash %s does not match parent hash %s", block.Index, block.PreviousHash, parent.Hash))
	}
	if block.Index != parent.Index+1 {
		return core.NewError(core.KindConsensus, fmt.Errorf("block index %d does not follow parent index %d", block.Index, parent.Index))
	}
	return nil
}

// checkTimestamp is step 2: strictly after the parent, and not further in
// the future than ClockSkewBudget.
func checkTimestamp(block, parent *core.Block, now time.Time) error {
	if block.Timestamp <= parent.Timestamp {
		return core.NewError(core.KindConsensus, fmt.Errorf("block %d timestamp %d does not exceed parent timestamp %d", block.Index, block.Timestamp, parent.Timestamp))
	}
	limit := now.Add(ClockSkewBudget).UnixMilli()
	if block.Timestamp > limit {
		return core.NewError(core.KindConsensus, fmt.Errorf("block %d timestamp %d exceeds clock-skew budget (limit %d)", block.Index, block.Timestamp, limit))
	}
	return nil
}

// checkHash is step 3: the stored hash recomputes correctly from the block's
// own fields.
func checkHash(block *core.Block) error {
	if computed := block.ComputeHash(); block.Hash != computed {
		return core.NewError(core.KindConsensus, fmt.Errorf("block %d hash mismatch: stored %s computed %s", block.Index, block.Hash, computed))
	}
	return nil
}

// checkProducer is steps 4-5: the producer matches the VRF-selected
// validator for (parent.Hash, block.SlotNumber), and the producer signature
// verifies under that validator's registered consensus key. Transaction
// signature/nonce/balance checks (step 6) and deterministic application
// (step 7) happen in vm.Executor.ExecuteBlock, called right after this by
// ValidateBlock.
func (v *Validator) checkProducer(block, parent *core.Block) error {
	validators, err := v.state.ListValidators()
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	expected := SelectProducer(SlotSeed(parent.Hash, int64(block.SlotNumber)), validators)
	if expected == "" || expected != block.Producer {
		return core.NewError(core.KindConsensus, fmt.Errorf("block %d producer %s does not match expected producer %s for slot %d", block.Index, block.Producer, expected, block.SlotNumber))
	}

	rec, err := v.state.GetValidator(block.Producer)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	pub, err := crypto.PubKeyFromHex(rec.ConsensusPubKey)
	if err != nil {
		return core.NewError(core.KindConsensus, fmt.Errorf("producer %s has no usable consensus pubkey: %w", block.Producer, err))
	}
	if err := block.Verify(v.chainID, pub); err != nil {
		return err
	}
	return nil
}

// FinalitySafe runs steps 8-9: accepting block as the new tip must not
// discard any already-finalized ancestor and must not cross a recorded
// checkpoint with a conflicting hash. forkPoint is the height of the last
// block block's candidate chain shares with the currently accepted chain
// (block.Index-1 for a simple linear append).
func FinalitySafe(state core.State, forkPoint int64) error {
	rejects, err := finality.RejectsReorg(state, forkPoint)
	if err != nil {
		return err
	}
	if rejects {
		return core.NewError(core.KindConsensus, fmt.Errorf("reorg at fork point %d would cross a recorded checkpoint", forkPoint))
	}
	finalized, err := finality.IsFinalized(state, forkPoint+1)
	if err != nil {
		return err
	}
	if finalized {
		return core.NewError(core.KindConsensus, fmt.Errorf("reorg at fork point %d would discard a finalized block", forkPoint))
	}
	return nil
}

// ChainSummary is the minimal shape fork choice compares: total height and
// the tip hash.
type ChainSummary struct {
	Height  int64
	TipHash string
}

// PreferCandidate implements the fork-choice rule from SPEC_FULL.md §4.7:
// longest chain wins; ties are broken by the lexicographically lower block
// hash, so all honest nodes converge on the same choice without needing to
// exchange anything beyond the two chains' own tips.
func PreferCandidate(candidate, current ChainSummary) bool {
	if candidate.Height != current.Height {
		return candidate.Height > current.Height
	}
	return candidate.TipHash < current.TipHash
}
