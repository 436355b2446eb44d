// Package pool registers the POOL_OP handler, dispatching the four AMM
// opcodes onto the amm engine.
package pool

import (
	"encoding/json"
	"fmt"

	"github.com/lvenc/node/amm"
	"github.com/lvenc/node/core"
	"github.com/lvenc/node/vm"
)

func init() {
	vm.Register(core.TxPoolOp, handlePoolOp)
}

func handlePoolOp(ctx *vm.Context, payload json.RawMessage) error {
	engine := amm.NewEngine(ctx.Emitter, ctx.MaxBurnPerEpochBps)

	var p core.PoolOpPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return core.NewError(core.KindValidation, fmt.Errorf("decode pool op payload: %w", err))
	}
	tx := ctx.Tx

	switch p.Op {
	case core.PoolOpInitialize:
		return engine.Initialize(ctx.State, tx.From, tx.Amount, p.AmountB)
	case core.PoolOpAddLiquidity:
		return engine.AddLiquidity(ctx.State, tx.From, tx.Amount, p.AmountB)
	case core.PoolOpRemoveLiquidity:
		return engine.RemoveLiquidity(ctx.State, tx.From, tx.Amount)
	case core.PoolOpSwap:
		_, err := engine.Swap(ctx.State, tx.From, p.TokenIn, tx.Amount, p.MinOut)
		return err
	default:
		return core.NewError(core.KindValidation, fmt.Errorf("unknown pool op %q", p.Op))
	}
}
