package staking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvenc/node/core"
	"github.com/lvenc/node/internal/testutil"
)

func testParams() Params {
	return Params{
		BlocksPerEpoch:     10,
		UnbondingBlocks:    5,
		MinValidatorStake:  100,
		MinDelegation:      10,
		BlocksPerYear:      10,
		YearlyRateBps:      10_000, // 100%/yr, chosen for round numbers in tests
		MaxBurnPerEpochBps: 100,
	}
}

func TestIsEpochBoundary(t *testing.T) {
	e := NewEngine(testParams(), nil)
	assert.False(t, e.IsEpochBoundary(0), "genesis height should never be an epoch boundary")
	assert.True(t, e.IsEpochBoundary(10), "height 10 should be an epoch boundary with BlocksPerEpoch=10")
	assert.False(t, e.IsEpochBoundary(15), "height 15 should not be an epoch boundary")
}

func TestStakeDebitsSenderAndCreditsSelfStake(t *testing.T) {
	state := testutil.NewStateDB()
	require.NoError(t, state.SetAccount(&core.Account{Address: "val1", Balance: 1000}))
	e := NewEngine(testParams(), nil)
	require.NoError(t, e.Stake(state, "val1", 100, "deadbeef"))

	acc, err := state.GetAccount("val1")
	require.NoError(t, err)
	assert.EqualValues(t, 900, acc.Balance)

	v, err := state.GetValidator("val1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, v.SelfStake)
	assert.Equal(t, "deadbeef", v.ConsensusPubKey)
}

func TestStakeRejectsInsufficientBalance(t *testing.T) {
	state := testutil.NewStateDB()
	require.NoError(t, state.SetAccount(&core.Account{Address: "val1", Balance: 10}))
	e := NewEngine(testParams(), nil)
	assert.Error(t, e.Stake(state, "val1", 100, "deadbeef"), "expected rejection of stake beyond balance")
}

func TestUnstakeQueuesUnbondingAndDeactivatesBelowMinimum(t *testing.T) {
	state := testutil.NewStateDB()
	require.NoError(t, state.SetAccount(&core.Account{Address: "val1", Balance: 1000}))
	e := NewEngine(testParams(), nil)
	require.NoError(t, e.Stake(state, "val1", 100, "deadbeef"))
	require.NoError(t, e.Unstake(state, "val1", 50, 20))

	v, err := state.GetValidator("val1")
	require.NoError(t, err)
	assert.EqualValues(t, 50, v.SelfStake, "selfStake after unstake")
	assert.False(t, v.Active, "validator below MinValidatorStake should be deactivated")

	matured, err := state.MaturedUnbondings(25)
	require.NoError(t, err)
	require.Len(t, matured, 1, "expected one matured unbonding of 50 by block 25")
	assert.EqualValues(t, 50, matured[0].Amount)
}

func TestDelegateRejectsBelowMinimum(t *testing.T) {
	state := testutil.NewStateDB()
	require.NoError(t, state.SetAccount(&core.Account{Address: "delegator1", Balance: 1000}))
	e := NewEngine(testParams(), nil)
	assert.Error(t, e.Delegate(state, "delegator1", "val1", 5), "expected rejection of delegation below MinDelegation")
}

func TestDelegateAndUndelegateRoundTrip(t *testing.T) {
	state := testutil.NewStateDB()
	require.NoError(t, state.SetAccount(&core.Account{Address: "delegator1", Balance: 1000}))
	e := NewEngine(testParams(), nil)
	require.NoError(t, e.Delegate(state, "delegator1", "val1", 200))

	v, err := state.GetValidator("val1")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.EqualValues(t, 200, v.DelegatedStake)
	assert.EqualValues(t, 200, v.Delegations["delegator1"])

	require.NoError(t, e.Undelegate(state, "delegator1", "val1", 200, 30))

	v, err = state.GetValidator("val1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, v.DelegatedStake, "delegatedStake after full undelegate")
	_, exists := v.Delegations["delegator1"]
	assert.False(t, exists, "fully undelegated delegator should be removed from the map")
}

func TestRunEpochMintsAndDistributesProportionalRewards(t *testing.T) {
	state := testutil.NewStateDB()
	require.NoError(t, state.SetTotalSupply(1_000_000))
	require.NoError(t, state.SetValidator(&core.ValidatorRecord{
		Operator:        "val1",
		ConsensusPubKey: "deadbeef",
		SelfStake:       100,
		Active:          true,
		Delegations:     map[string]uint64{},
	}))

	e := NewEngine(testParams(), nil)
	require.NoError(t, e.RunEpoch(state, 10))

	acc, err := state.GetAccount("val1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, acc.Balance, "val1 reward balance")

	applied, err := state.AppliedEpochHeight()
	require.NoError(t, err)
	assert.EqualValues(t, 10, applied)
}

func TestRunEpochGuardsAgainstReapplication(t *testing.T) {
	state := testutil.NewStateDB()
	require.NoError(t, state.SetTotalSupply(1_000_000))
	e := NewEngine(testParams(), nil)
	require.NoError(t, e.RunEpoch(state, 10))
	assert.Error(t, e.RunEpoch(state, 10), "expected rejection of re-applying an already-processed epoch height")
}

func TestRunEpochActivatesValidatorMeetingMinimum(t *testing.T) {
	state := testutil.NewStateDB()
	require.NoError(t, state.SetTotalSupply(1_000_000))
	require.NoError(t, state.SetValidator(&core.ValidatorRecord{
		Operator:        "val1",
		ConsensusPubKey: "deadbeef",
		SelfStake:       100,
		Active:          false,
		Delegations:     map[string]uint64{},
	}))
	e := NewEngine(testParams(), nil)
	require.NoError(t, e.RunEpoch(state, 10))

	v, err := state.GetValidator("val1")
	require.NoError(t, err)
	assert.True(t, v.Active, "validator meeting MinValidatorStake with a consensus key should be activated")
}
