// Package staking registers the STAKE/UNSTAKE/DELEGATE/UNDELEGATE handlers,
// dispatching onto the staking engine. Epoch processing (RunEpoch) is
// invoked directly by the block producer and the chain validator at epoch
// boundaries, not through this transaction-handler path.
package staking

import (
	"encoding/json"
	"fmt"

	"github.com/lvenc/node/core"
	stakingengine "github.com/lvenc/node/staking"
	"github.com/lvenc/node/vm"
)

func init() {
	vm.Register(core.TxStake, handleStake)
	vm.Register(core.TxUnstake, handleUnstake)
	vm.Register(core.TxDelegate, handleDelegate)
	vm.Register(core.TxUndelegate, handleUndelegate)
}

func engine(ctx *vm.Context) *stakingengine.Engine {
	return stakingengine.NewEngine(ctx.StakingParams, ctx.Emitter)
}

func handleStake(ctx *vm.Context, payload json.RawMessage) error {
	var p core.StakePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return core.NewError(core.KindValidation, fmt.Errorf("decode stake payload: %w", err))
		}
	}
	return engine(ctx).Stake(ctx.State, ctx.Tx.From, ctx.Tx.Amount, p.ConsensusPubKey)
}

func handleUnstake(ctx *vm.Context, _ json.RawMessage) error {
	return engine(ctx).Unstake(ctx.State, ctx.Tx.From, ctx.Tx.Amount, ctx.Block.Index)
}

func handleDelegate(ctx *vm.Context, payload json.RawMessage) error {
	var p core.DelegatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return core.NewError(core.KindValidation, fmt.Errorf("decode delegate payload: %w", err))
	}
	return engine(ctx).Delegate(ctx.State, ctx.Tx.From, p.Validator, ctx.Tx.Amount)
}

func handleUndelegate(ctx *vm.Context, payload json.RawMessage) error {
	var p core.DelegatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return core.NewError(core.KindValidation, fmt.Errorf("decode delegate payload: %w", err))
	}
	return engine(ctx).Undelegate(ctx.State, ctx.Tx.From, p.Validator, ctx.Tx.Amount, ctx.Block.Index)
}
