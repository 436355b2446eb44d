// Package slashing implements the two observable offences from
// SPEC_FULL.md §4.4: double-signing and liveness faults. Both are applied
// as effects of DOUBLE_SIGN/LIVENESS_FAULT system transactions, so every
// node that replays such a transaction reaches the same penalty. The block
// producer does not detect offences and does not emit these transactions.
package slashing

import (
	"encoding/json"
	"fmt"

	"github.com/lvenc/node/core"
	"github.com/lvenc/node/crypto"
	"github.com/lvenc/node/events"
)

const (
	doubleSignSlashBps  = 5000 // 50%
	livenessSlashPerBps = 10   // 0.1% per missed slot, applied as missedCount * 10bps
	maxMissedSlots       = 100
)

// DoubleSignEvidence names two conflicting signed block headers at the same
// slot by the same validator. The caller (the block producer including this
// evidence) is responsible for having already verified both signatures
// cryptographically before packaging it into a system transaction; Apply
// re-verifies here so replay never trusts an unchecked claim.
type DoubleSignEvidence struct {
	Validator  string `json:"validator"`
	Slot       int64  `json:"slot"`
	HashA      string `json:"hashA"`
	SigA       string `json:"sigA"`
	HashB      string `json:"hashB"`
	SigB       string `json:"sigB"`
}

// LivenessEvidence names a validator whose consecutive missed-slot counter
// has crossed maxMissedSlots.
type LivenessEvidence struct {
	Validator string `json:"validator"`
}

// Engine applies slashing penalties against a core.State.
type Engine struct {
	emitter *events.Emitter
	maxBurnPerEpochBps uint64
}

// NewEngine returns an Engine.
func NewEngine(emitter *events.Emitter, maxBurnPerEpochBps uint64) *Engine {
	return &Engine{emitter: emitter, maxBurnPerEpochBps: maxBurnPerEpochBps}
}

// VerifyDoubleSign checks that hashA != hashB and that both signatures
// verify under the validator's registered consensus key, i.e. that this is
// a genuine double-sign and not two identical or forged headers.
func VerifyDoubleSign(ev DoubleSignEvidence, consensusPubKeyHex string) error {
	if ev.HashA == ev.HashB {
		return core.NewError(core.KindValidation, fmt.Errorf("evidence hashes are identical, not a double-sign"))
	}
	pub, err := crypto.PubKeyFromHex(consensusPubKeyHex)
	if err != nil {
		return core.NewError(core.KindValidation, fmt.Errorf("invalid consensus pubkey: %w", err))
	}
	if err := crypto.Verify(pub, []byte(ev.HashA), ev.SigA); err != nil {
		return core.NewError(core.KindConsensus, fmt.Errorf("evidence signature A invalid: %w", err))
	}
	if err := crypto.Verify(pub, []byte(ev.HashB), ev.SigB); err != nil {
		return core.NewError(core.KindConsensus, fmt.Errorf("evidence signature B invalid: %w", err))
	}
	return nil
}

// ApplyDoubleSign slashes 50% of (selfStake+delegatedStake), burns the
// slashed amount in full, and jails the validator. Delegators and the
// operator absorb the slash proportionally to their share of
// effectiveStake, so no single party is wiped out by another's fault.
func (e *Engine) ApplyDoubleSign(state core.State, evidencePayload json.RawMessage) error {
	var ev DoubleSignEvidence
	if err := json.Unmarshal(evidencePayload, &ev); err != nil {
		return core.NewError(core.KindValidation, fmt.Errorf("decode double-sign evidence: %w", err))
	}

	v, err := state.GetValidator(ev.Validator)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if err := VerifyDoubleSign(ev, v.ConsensusPubKey); err != nil {
		return err
	}

	effective := v.EffectiveStake()
	if effective == 0 {
		return nil
	}
	slashTotal := effective * doubleSignSlashBps / 10_000
	if slashTotal == 0 {
		return nil
	}

	fromSelf := slashTotal * v.SelfStake / effective
	fromDelegated := slashTotal - fromSelf

	v.SelfStake -= fromSelf
	if fromDelegated > v.DelegatedStake {
		fromDelegated = v.DelegatedStake
	}
	remaining := fromDelegated
	if len(v.Delegations) > 0 && fromDelegated > 0 {
		for delegator, stake := range v.Delegations {
			share := fromDelegated * stake / v.DelegatedStake
			if share > v.Delegations[delegator] {
				share = v.Delegations[delegator]
			}
			v.Delegations[delegator] -= share
			if v.Delegations[delegator] == 0 {
				delete(v.Delegations, delegator)
			}
			remaining -= share
		}
	}
	v.DelegatedStake -= (fromDelegated - remaining)
	v.Active = false
	v.Jailed = true
	if err := state.SetValidator(v); err != nil {
		return core.NewError(core.KindStorage, err)
	}

	if err := core.BurnWithEpochCap(state, "slash", slashTotal-remaining, e.maxBurnPerEpochBps); err != nil {
		return err
	}
	e.emit(ev.Validator, slashTotal-remaining, true)
	return nil
}

// ApplyLivenessFault slashes 0.1%*missedCount of effectiveStake, resets the
// missed-slot counter, and does not jail the validator.
func (e *Engine) ApplyLivenessFault(state core.State, evidencePayload json.RawMessage) error {
	var ev LivenessEvidence
	if err := json.Unmarshal(evidencePayload, &ev); err != nil {
		return core.NewError(core.KindValidation, fmt.Errorf("decode liveness evidence: %w", err))
	}

	v, err := state.GetValidator(ev.Validator)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if v.MissedSlotCount < maxMissedSlots {
		return core.NewError(core.KindPolicy, fmt.Errorf("validator %s has not crossed the missed-slot threshold", ev.Validator))
	}

	effective := v.EffectiveStake()
	slashBps := v.MissedSlotCount * livenessSlashPerBps
	slashTotal := effective * slashBps / 10_000

	if slashTotal > 0 && effective > 0 {
		fromSelf := slashTotal * v.SelfStake / effective
		if fromSelf > v.SelfStake {
			fromSelf = v.SelfStake
		}
		v.SelfStake -= fromSelf
		fromDelegated := slashTotal - fromSelf
		if fromDelegated > v.DelegatedStake {
			fromDelegated = v.DelegatedStake
		}
		var taken uint64
		if fromDelegated > 0 {
			for delegator, stake := range v.Delegations {
				share := fromDelegated * stake / v.DelegatedStake
				v.Delegations[delegator] -= share
				if v.Delegations[delegator] == 0 {
					delete(v.Delegations, delegator)
				}
				taken += share
			}
		}
		v.DelegatedStake -= taken
		slashTotal = fromSelf + taken
	}
	v.MissedSlotCount = 0
	if err := state.SetValidator(v); err != nil {
		return core.NewError(core.KindStorage, err)
	}

	if slashTotal > 0 {
		if err := core.BurnWithEpochCap(state, "slash", slashTotal, e.maxBurnPerEpochBps); err != nil {
			return err
		}
	}
	e.emit(ev.Validator, slashTotal, false)
	return nil
}

// RecordMissedSlot increments a validator's consecutive missed-slot counter.
// The block producer calls this for every expected slot nobody filled.
func RecordMissedSlot(state core.State, validator string) error {
	v, err := state.GetValidator(validator)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	v.MissedSlotCount++
	return core.NewError(core.KindStorage, state.SetValidator(v))
}

// ResetMissedSlot clears a validator's missed-slot counter after it
// successfully produces a block.
func ResetMissedSlot(state core.State, validator string) error {
	v, err := state.GetValidator(validator)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if v.MissedSlotCount == 0 {
		return nil
	}
	v.MissedSlotCount = 0
	return core.NewError(core.KindStorage, state.SetValidator(v))
}

func (e *Engine) emit(validator string, amount uint64, jailed bool) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(events.Event{
		Type: events.EventSlash,
		Data: map[string]any{"validator": validator, "amount": amount, "jailed": jailed},
	})
}
