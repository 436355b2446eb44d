package vm

import (
	"fmt"
	"math"

	"github.com/lvenc/node/core"
	"github.com/lvenc/node/events"
	"github.com/lvenc/node/staking"
)

// Context is passed to every Handler and provides access to the chain state,
// the current block, the triggering transaction, and the event emitter.
// MaxBurnPerEpochBps and StakingParams are threaded through from the
// Executor's Params so handlers never fall back to package defaults that
// could silently diverge from the node's configured genesis parameters.
type Context struct {
	State              core.State
	Block              *core.Block
	Tx                 *core.Transaction
	Emitter            *events.Emitter
	ChainID            string
	MaxBurnPerEpochBps uint64
	StakingParams      staking.Params
}

// DefaultTxFeeBurnBps is the canonical tx-fee burn rate from
// SPEC_FULL.md §4.3's burn-rate table (txFee: 50%).
const DefaultTxFeeBurnBps = 5000

// Params are the fee-handling parameters every node must apply identically.
type Params struct {
	ChainID            string
	Network            core.Network
	TxFeeBurnBps       uint64 // fraction of every tx fee burned; remainder goes to the block producer
	MaxBurnPerEpochBps uint64 // chain-wide cap on burns per epoch, shared across txFee/swapFee/slash
	StakingParams      staking.Params
}

// Executor applies transactions to the state using the global Handler
// registry, per the tagged-dispatch design in SPEC_FULL.md §9.
type Executor struct {
	state   core.State
	emitter *events.Emitter
	params  Params
}

// NewExecutor creates an Executor with the given state, event emitter, and
// fee parameters.
func NewExecutor(state core.State, emitter *events.Emitter, params Params) *Executor {
	return &Executor{state: state, emitter: emitter, params: params}
}

// ExecuteBlock applies all transactions in block sequentially, in their
// declared order. A failing transaction causes the whole block to be
// rejected (step 7 of the chain validator's block validation order).
func (e *Executor) ExecuteBlock(block *core.Block) error {
	for _, tx := range block.Transactions {
		if err := e.ExecuteTx(block, tx); err != nil {
			return fmt.Errorf("tx %s failed: %w", tx.ID, err)
		}
	}
	return nil
}

// ExecuteTx verifies and executes a single transaction with snapshot/rollback.
func (e *Executor) ExecuteTx(block *core.Block, tx *core.Transaction) error {
	if err := tx.Verify(e.params.Network); err != nil {
		return err
	}

	snapID, err := e.state.Snapshot()
	if err != nil {
		return core.NewError(core.KindInternal, fmt.Errorf("snapshot: %w", err))
	}

	if err := e.applyTx(block, tx); err != nil {
		if revertErr := e.state.RevertToSnapshot(snapID); revertErr != nil {
			return core.NewError(core.KindInternal, fmt.Errorf("revert snapshot after tx failure: %w (revert: %v)", err, revertErr))
		}
		return err
	}

	if e.emitter != nil {
		e.emitter.Emit(events.Event{
			Type:        events.EventTxExecuted,
			TxID:        tx.ID,
			BlockHeight: block.Index,
			Data:        map[string]any{"type": string(tx.Type), "from": tx.From},
		})
	}
	return nil
}

// applyTx charges the fee (burning a fixed fraction, crediting the rest to
// the block producer), advances the nonce, then dispatches to the
// type-specific handler for the remainder of the transaction's effect.
func (e *Executor) applyTx(block *core.Block, tx *core.Transaction) error {
	if tx.IsSystem() {
		return globalRegistry.Execute(tx.Type, e.newContext(block, tx), tx.Data)
	}

	acc, err := e.state.GetAccount(tx.From)
	if err != nil {
		return core.NewError(core.KindStorage, fmt.Errorf("get account: %w", err))
	}
	if tx.Nonce != acc.Nonce+1 {
		return core.NewError(core.KindValidation, fmt.Errorf("invalid nonce: expected %d got %d", acc.Nonce+1, tx.Nonce))
	}
	if acc.Balance < tx.Fee {
		return core.NewError(core.KindBalance, fmt.Errorf("insufficient balance for fee: have %d need %d", acc.Balance, tx.Fee))
	}
	if acc.Nonce == math.MaxUint64 {
		return core.NewError(core.KindInternal, fmt.Errorf("nonce overflow for account %s", tx.From))
	}

	acc.Balance -= tx.Fee
	acc.Nonce = tx.Nonce
	if err := e.state.SetAccount(acc); err != nil {
		return core.NewError(core.KindStorage, err)
	}

	if err := e.settleFee(block, tx.Fee); err != nil {
		return err
	}

	return globalRegistry.Execute(tx.Type, e.newContext(block, tx), tx.Data)
}

// newContext builds the per-transaction Context, threading through the
// node's configured fee/staking parameters so handlers never reach for a
// package-level default instead.
func (e *Executor) newContext(block *core.Block, tx *core.Transaction) *Context {
	return &Context{
		State:              e.state,
		Block:              block,
		Tx:                 tx,
		Emitter:            e.emitter,
		ChainID:            e.params.ChainID,
		MaxBurnPerEpochBps: e.params.MaxBurnPerEpochBps,
		StakingParams:      e.params.StakingParams,
	}
}

// settleFee burns TxFeeBurnBps/10000 of fee and credits the remainder to the
// block's producer, per the E2 scenario in SPEC_FULL.md §8.
func (e *Executor) settleFee(block *core.Block, fee uint64) error {
	if fee == 0 {
		return nil
	}
	burned := fee * e.params.TxFeeBurnBps / 10_000
	credited := fee - burned

	if credited > 0 {
		producer, err := e.state.GetAccount(block.Producer)
		if err != nil {
			return core.NewError(core.KindStorage, err)
		}
		producer.Balance += credited
		if err := e.state.SetAccount(producer); err != nil {
			return core.NewError(core.KindStorage, err)
		}
	}
	if burned > 0 {
		if err := core.BurnWithEpochCap(e.state, "txFee", burned, e.params.MaxBurnPerEpochBps); err != nil {
			return err
		}
	}
	return nil
}
