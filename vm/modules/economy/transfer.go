// Package economy registers the TRANSFER handler: the simplest
// balance-moving transaction type on the chain.
package economy

import (
	"encoding/json"
	"fmt"

	"github.com/lvenc/node/core"
	"github.com/lvenc/node/events"
	"github.com/lvenc/node/vm"
)

func init() {
	vm.Register(core.TxTransfer, handleTransfer)
}

func handleTransfer(ctx *vm.Context, _ json.RawMessage) error {
	tx := ctx.Tx
	if tx.To == "" {
		return core.NewError(core.KindValidation, fmt.Errorf("transfer requires a recipient"))
	}
	if tx.Amount == 0 {
		return core.NewError(core.KindValidation, fmt.Errorf("transfer amount must be positive"))
	}

	sender, err := ctx.State.GetAccount(tx.From)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if sender.Balance < tx.Amount {
		return core.NewError(core.KindBalance, fmt.Errorf("insufficient balance: have %d need %d", sender.Balance, tx.Amount))
	}
	sender.Balance -= tx.Amount
	if err := ctx.State.SetAccount(sender); err != nil {
		return core.NewError(core.KindStorage, err)
	}

	receiver, err := ctx.State.GetAccount(tx.To)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	receiver.Balance += tx.Amount
	if err := ctx.State.SetAccount(receiver); err != nil {
		return core.NewError(core.KindStorage, err)
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventTokenTransfer,
			TxID:        tx.ID,
			BlockHeight: ctx.Block.Index,
			Data:        map[string]any{"from": tx.From, "to": tx.To, "amount": tx.Amount},
		})
	}
	return nil
}
