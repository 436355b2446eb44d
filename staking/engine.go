// Package staking implements the stake lifecycle and epoch-boundary
// economics described in SPEC_FULL.md §4.3: staking, delegation, unbonding,
// deterministic inflation, and proportional reward distribution.
package staking

import (
	"fmt"
	"sort"

	"github.com/lvenc/node/core"
	"github.com/lvenc/node/events"
)

// RewardsPoolAddress is a reserved pseudo-account epoch inflation is minted
// into before being distributed to validators and delegators, matching
// steps 4 and 5 of the epoch boundary procedure as two distinct ledger
// operations rather than one combined mint-and-scatter.
const RewardsPoolAddress = "REWARDS"

// Params are the canonical economic parameters from SPEC_FULL.md §4.3. All
// nodes on one network must agree on these values.
type Params struct {
	BlocksPerEpoch     int64
	UnbondingBlocks    int64
	MinValidatorStake  uint64
	MinDelegation      uint64
	BlocksPerYear      int64
	YearlyRateBps      uint64 // base inflation rate, basis points of total supply per year
	MaxBurnPerEpochBps uint64 // 100 = 1%, per SPEC_FULL.md maxBurnPerEpochPercent
}

// DefaultParams returns the canonical values named in SPEC_FULL.md §4.3.
func DefaultParams() Params {
	return Params{
		BlocksPerEpoch:     100,
		UnbondingBlocks:    100, // >= 1 epoch
		MinValidatorStake:  100,
		MinDelegation:      10,
		BlocksPerYear:      365 * 24 * 60 * 2, // ~30s slots
		YearlyRateBps:      700,               // 7%/yr base rate
		MaxBurnPerEpochBps: 100,               // 1%
	}
}

// Engine applies stake lifecycle transactions and epoch-boundary economics
// against a core.State. It holds no state of its own; everything persists
// through the State it is given, so a restart can rebuild it from replay.
type Engine struct {
	params  Params
	emitter *events.Emitter
}

// NewEngine returns an Engine configured with params.
func NewEngine(params Params, emitter *events.Emitter) *Engine {
	return &Engine{params: params, emitter: emitter}
}

// IsEpochBoundary reports whether blockIndex is the boundary at which the
// epoch engine must run before the block producer proceeds.
func (e *Engine) IsEpochBoundary(blockIndex int64) bool {
	return blockIndex > 0 && blockIndex%e.params.BlocksPerEpoch == 0
}

// Stake debits sender and credits staking[sender].selfStake. If
// consensusPubKey is non-empty it registers the validator's consensus key;
// activation itself only happens at the next epoch boundary.
func (e *Engine) Stake(state core.State, sender string, amount uint64, consensusPubKey string) error {
	if amount == 0 {
		return core.NewError(core.KindValidation, fmt.Errorf("stake amount must be positive"))
	}
	acc, err := state.GetAccount(sender)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if acc.Balance < amount {
		return core.NewError(core.KindBalance, fmt.Errorf("insufficient balance to stake: have %d need %d", acc.Balance, amount))
	}
	acc.Balance -= amount
	if err := state.SetAccount(acc); err != nil {
		return core.NewError(core.KindStorage, err)
	}

	v, err := state.GetValidator(sender)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	v.SelfStake += amount
	if consensusPubKey != "" {
		v.ConsensusPubKey = consensusPubKey
	}
	if err := state.SetValidator(v); err != nil {
		return core.NewError(core.KindStorage, err)
	}
	e.emit(events.EventStake, sender, amount)
	return nil
}

// Unstake immediately moves amount from selfStake into the unbonding queue;
// it matures UnbondingBlocks after currentBlock.
func (e *Engine) Unstake(state core.State, sender string, amount uint64, currentBlock int64) error {
	if amount == 0 {
		return core.NewError(core.KindValidation, fmt.Errorf("unstake amount must be positive"))
	}
	v, err := state.GetValidator(sender)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if v.SelfStake < amount {
		return core.NewError(core.KindBalance, fmt.Errorf("insufficient self-stake: have %d need %d", v.SelfStake, amount))
	}
	v.SelfStake -= amount
	if v.SelfStake+v.DelegatedStake < e.params.MinValidatorStake {
		v.Active = false
	}
	if err := state.SetValidator(v); err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if err := state.AppendUnbonding(&core.UnbondingEntry{
		Owner:          sender,
		Amount:         amount,
		MaturesAtBlock: currentBlock + e.params.UnbondingBlocks,
	}); err != nil {
		return core.NewError(core.KindStorage, err)
	}
	e.emit(events.EventUnstake, sender, amount)
	return nil
}

// Delegate debits sender and credits staking[validator].delegations[sender]
// and delegatedStake.
func (e *Engine) Delegate(state core.State, sender, validator string, amount uint64) error {
	if amount < e.params.MinDelegation {
		return core.NewError(core.KindPolicy, fmt.Errorf("delegation %d below minimum %d", amount, e.params.MinDelegation))
	}
	acc, err := state.GetAccount(sender)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if acc.Balance < amount {
		return core.NewError(core.KindBalance, fmt.Errorf("insufficient balance to delegate: have %d need %d", acc.Balance, amount))
	}
	acc.Balance -= amount
	if err := state.SetAccount(acc); err != nil {
		return core.NewError(core.KindStorage, err)
	}

	v, err := state.GetValidator(validator)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if v.Delegations == nil {
		v.Delegations = map[string]uint64{}
	}
	v.Delegations[sender] += amount
	v.DelegatedStake += amount
	if err := state.SetValidator(v); err != nil {
		return core.NewError(core.KindStorage, err)
	}
	e.emit(events.EventDelegate, sender, amount)
	return nil
}

// Undelegate mirrors Unstake for a delegator's stake to validator.
func (e *Engine) Undelegate(state core.State, sender, validator string, amount uint64, currentBlock int64) error {
	v, err := state.GetValidator(validator)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if v.Delegations[sender] < amount {
		return core.NewError(core.KindBalance, fmt.Errorf("insufficient delegation: have %d need %d", v.Delegations[sender], amount))
	}
	v.Delegations[sender] -= amount
	v.DelegatedStake -= amount
	if v.Delegations[sender] == 0 {
		delete(v.Delegations, sender)
	}
	if err := state.SetValidator(v); err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if err := state.AppendUnbonding(&core.UnbondingEntry{
		Owner:          sender,
		Amount:         amount,
		MaturesAtBlock: currentBlock + e.params.UnbondingBlocks,
	}); err != nil {
		return core.NewError(core.KindStorage, err)
	}
	e.emit(events.EventUndelegate, sender, amount)
	return nil
}

func (e *Engine) emit(typ events.EventType, addr string, amount uint64) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(events.Event{Type: typ, Data: map[string]any{"address": addr, "amount": amount}})
}

// RunEpoch performs the epoch boundary procedure from SPEC_FULL.md §4.3, in
// order: matured unbonds, validator activation/deactivation, inflation
// computation and minting, proportional reward distribution, and burn-cap
// reset. blockIndex is the block crossing the boundary. Inflation is applied
// exactly once per epoch height: AppliedEpochHeight guards against
// re-minting on replay or restart.
func (e *Engine) RunEpoch(state core.State, blockIndex int64) error {
	applied, err := state.AppliedEpochHeight()
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if applied >= blockIndex {
		return core.NewError(core.KindEconomics, fmt.Errorf("epoch at height %d already applied", blockIndex))
	}

	if err := e.processMaturedUnbonds(state, blockIndex); err != nil {
		return err
	}
	validators, err := e.activateDeactivate(state)
	if err != nil {
		return err
	}
	if err := e.mintAndDistribute(state, validators); err != nil {
		return err
	}
	if err := e.resetBurnCap(state); err != nil {
		return err
	}
	if err := state.SetAppliedEpochHeight(blockIndex); err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if e.emitter != nil {
		e.emitter.Emit(events.Event{Type: events.EventEpochProcessed, BlockHeight: blockIndex})
	}
	return nil
}

func (e *Engine) processMaturedUnbonds(state core.State, blockIndex int64) error {
	matured, err := state.MaturedUnbondings(blockIndex)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	for _, u := range matured {
		acc, err := state.GetAccount(u.Owner)
		if err != nil {
			return core.NewError(core.KindStorage, err)
		}
		acc.Balance += u.Amount
		if err := state.SetAccount(acc); err != nil {
			return core.NewError(core.KindStorage, err)
		}
	}
	if len(matured) > 0 {
		if err := state.RemoveUnbondings(matured); err != nil {
			return core.NewError(core.KindStorage, err)
		}
	}
	return nil
}

func (e *Engine) activateDeactivate(state core.State) ([]*core.ValidatorRecord, error) {
	validators, err := state.ListValidators()
	if err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	// Canonical ascending-operator-address order, per the generic-iteration
	// design note.
	sort.Slice(validators, func(i, j int) bool { return validators[i].Operator < validators[j].Operator })

	for _, v := range validators {
		if v.Jailed {
			continue
		}
		meetsMin := v.SelfStake >= e.params.MinValidatorStake && v.ConsensusPubKey != ""
		if meetsMin && !v.Active {
			v.Active = true
			if e.emitter != nil {
				e.emitter.Emit(events.Event{Type: events.EventValidatorJoin, Data: map[string]any{"operator": v.Operator}})
			}
		} else if !meetsMin && v.Active {
			v.Active = false
		}
		if err := state.SetValidator(v); err != nil {
			return nil, core.NewError(core.KindStorage, err)
		}
	}
	return validators, nil
}

func (e *Engine) mintAndDistribute(state core.State, validators []*core.ValidatorRecord) error {
	supply, err := state.TotalSupply()
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}

	var totalEffective uint64
	var active []*core.ValidatorRecord
	for _, v := range validators {
		if !v.Active || v.Jailed {
			continue
		}
		active = append(active, v)
		totalEffective += v.EffectiveStake()
	}
	if totalEffective == 0 {
		return nil // nothing to distribute; no active validator set yet
	}

	stakeRatioBps := totalEffective * 10_000 / supply
	if stakeRatioBps > 10_000 {
		stakeRatioBps = 10_000
	}
	delta := supply * e.params.YearlyRateBps / 10_000 *
		uint64(e.params.BlocksPerEpoch) / uint64(e.params.BlocksPerYear) *
		stakeRatioBps / 10_000
	if delta == 0 {
		return nil
	}

	if err := core.Mint(state, RewardsPoolAddress, delta); err != nil {
		return err
	}

	for _, v := range active {
		share := delta * v.EffectiveStake() / totalEffective
		if share == 0 {
			continue
		}
		commission := share * v.CommissionBps / 10_000
		remainder := share - commission

		if err := transferFromRewardsPool(state, v.Operator, commission); err != nil {
			return err
		}
		if v.DelegatedStake == 0 {
			if err := transferFromRewardsPool(state, v.Operator, remainder); err != nil {
				return err
			}
			continue
		}
		var distributed uint64
		delegators := make([]string, 0, len(v.Delegations))
		for d := range v.Delegations {
			delegators = append(delegators, d)
		}
		sort.Strings(delegators)
		for _, d := range delegators {
			stake := v.Delegations[d]
			portion := remainder * stake / v.EffectiveStake()
			if portion == 0 {
				continue
			}
			if err := transferFromRewardsPool(state, d, portion); err != nil {
				return err
			}
			distributed += portion
		}
		// Validator's own effective-stake share of the remainder (rounding
		// dust stays with the validator rather than vanishing).
		ownShare := remainder - distributed
		if ownShare > 0 {
			if err := transferFromRewardsPool(state, v.Operator, ownShare); err != nil {
				return err
			}
		}
	}
	return nil
}

func transferFromRewardsPool(state core.State, to string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	pool, err := state.GetAccount(RewardsPoolAddress)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if pool.Balance < amount {
		return core.NewError(core.KindInternal, fmt.Errorf("rewards pool underfunded: have %d need %d", pool.Balance, amount))
	}
	pool.Balance -= amount
	if err := state.SetAccount(pool); err != nil {
		return core.NewError(core.KindStorage, err)
	}
	recipient, err := state.GetAccount(to)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	recipient.Balance += amount
	return state.SetAccount(recipient)
}

func (e *Engine) resetBurnCap(state core.State) error {
	totals, err := state.GetBurnTotals()
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	totals.EpochBurned = 0
	return state.SetBurnTotals(totals)
}
