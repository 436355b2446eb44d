package core

import (
	"fmt"
	"log"
)

// Mint increases an account's balance and total supply together, keeping
// invariant 3 (conservation) true by construction.
func Mint(state State, to string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	acc, err := state.GetAccount(to)
	if err != nil {
		return NewError(KindStorage, err)
	}
	acc.Balance += amount
	if err := state.SetAccount(acc); err != nil {
		return NewError(KindStorage, err)
	}
	supply, err := state.TotalSupply()
	if err != nil {
		return NewError(KindStorage, err)
	}
	return state.SetTotalSupply(supply + amount)
}

// Burn records a burn against burnTotals for reason and decreases total
// supply by the same amount, keeping the conservation invariant intact.
func Burn(state State, reason string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	totals, err := state.GetBurnTotals()
	if err != nil {
		return NewError(KindStorage, err)
	}
	totals.ByReason[reason] += amount
	if err := state.SetBurnTotals(totals); err != nil {
		return NewError(KindStorage, err)
	}
	supply, err := state.TotalSupply()
	if err != nil {
		return NewError(KindStorage, err)
	}
	if amount > supply {
		return NewError(KindInternal, fmt.Errorf("burn %d exceeds total supply %d", amount, supply))
	}
	return state.SetTotalSupply(supply - amount)
}

// BurnCapped is like Burn but enforces the epoch burn cap from
// SPEC_FULL.md §4.3: if amount would push EpochBurned over cap, only the
// room remaining under the cap is burnt, and the excess is reported back
// rather than silently burnt, per the Economics error-kind propagation rule
// in §7 ("NEVER causes silent divergence").
func BurnCapped(state State, reason string, amount, epochCap uint64) (burnt, excess uint64, err error) {
	totals, err := state.GetBurnTotals()
	if err != nil {
		return 0, 0, NewError(KindStorage, err)
	}
	room := uint64(0)
	if epochCap > totals.EpochBurned {
		room = epochCap - totals.EpochBurned
	}
	burnt = amount
	if burnt > room {
		burnt = room
		excess = amount - burnt
	}
	if burnt == 0 {
		return 0, excess, nil
	}
	if err := Burn(state, reason, burnt); err != nil {
		return 0, excess, err
	}
	totals, err = state.GetBurnTotals()
	if err != nil {
		return burnt, excess, NewError(KindStorage, err)
	}
	totals.EpochBurned += burnt
	if err := state.SetBurnTotals(totals); err != nil {
		return burnt, excess, NewError(KindStorage, err)
	}
	return burnt, excess, nil
}

// BurnWithEpochCap burns amount for reason against the epoch cap derived as
// maxBurnPerEpochBps/10000 of current total supply, per SPEC_FULL.md §4.3's
// maxBurnPerEpochPercent parameter. Per the Economics propagation rule in
// §9, an excess is never silently dropped: it is logged and never burnt,
// but the call itself still succeeds so the triggering transaction is not
// rejected outright for a chain-wide cap hit.
func BurnWithEpochCap(state State, reason string, amount, maxBurnPerEpochBps uint64) error {
	if amount == 0 {
		return nil
	}
	supply, err := state.TotalSupply()
	if err != nil {
		return NewError(KindStorage, err)
	}
	cap := supply * maxBurnPerEpochBps / 10_000
	burnt, excess, err := BurnCapped(state, reason, amount, cap)
	if err != nil {
		return err
	}
	if excess > 0 {
		log.Printf("[economics] epoch burn cap reached for reason %q: burnt %d, %d not burnt", reason, burnt, excess)
	}
	return nil
}
