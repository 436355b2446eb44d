// Package slashing registers the DOUBLE_SIGN/LIVENESS_FAULT handlers,
// dispatching onto the slashing engine. Both arrive as system transactions
// a producer packaged after observing the fault; the evidence itself is
// re-verified here so replay never trusts an unchecked claim.
package slashing

import (
	"encoding/json"

	"github.com/lvenc/node/core"
	slashingengine "github.com/lvenc/node/slashing"
	"github.com/lvenc/node/vm"
)

func init() {
	vm.Register(core.TxDoubleSign, handleDoubleSign)
	vm.Register(core.TxLivenessFault, handleLivenessFault)
}

func engine(ctx *vm.Context) *slashingengine.Engine {
	return slashingengine.NewEngine(ctx.Emitter, ctx.MaxBurnPerEpochBps)
}

func handleDoubleSign(ctx *vm.Context, payload json.RawMessage) error {
	return engine(ctx).ApplyDoubleSign(ctx.State, payload)
}

func handleLivenessFault(ctx *vm.Context, payload json.RawMessage) error {
	return engine(ctx).ApplyLivenessFault(ctx.State, payload)
}
