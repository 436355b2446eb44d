package amm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvenc/node/core"
	"github.com/lvenc/node/internal/testutil"
)

func fundedAccounts(t *testing.T, state core.State, addr string, balanceA, balanceB uint64) {
	t.Helper()
	require.NoError(t, state.SetAccount(&core.Account{Address: addr, Balance: balanceA}))
	require.NoError(t, state.SetAccount(&core.Account{Address: addr + ":usdt", Balance: balanceB}))
}

func TestInitializeMintsFloorSqrt(t *testing.T) {
	state := testutil.NewStateDB()
	fundedAccounts(t, state, "alice", 10_000, 10_000)
	engine := NewEngine(nil, 100)

	require.NoError(t, engine.Initialize(state, "alice", 1000, 4000))
	pool, err := state.GetPool()
	require.NoError(t, err)

	// floor(sqrt(1000*4000)) = floor(sqrt(4_000_000)) = 2000
	assert.EqualValues(t, 2000, pool.LPTotal)
	assert.EqualValues(t, 2000, pool.LPBalances["alice"])
	assert.EqualValues(t, 1000, pool.ReserveA)
	assert.EqualValues(t, 4000, pool.ReserveB)
}

func TestInitializeRejectsDoubleInit(t *testing.T) {
	state := testutil.NewStateDB()
	fundedAccounts(t, state, "alice", 10_000, 10_000)
	engine := NewEngine(nil, 100)
	require.NoError(t, engine.Initialize(state, "alice", 1000, 4000))
	assert.Error(t, engine.Initialize(state, "alice", 100, 400), "expected rejection of a second Initialize call")
}

func TestAddLiquidityRejectsImbalance(t *testing.T) {
	state := testutil.NewStateDB()
	fundedAccounts(t, state, "alice", 10_000, 10_000)
	engine := NewEngine(nil, 100)
	require.NoError(t, engine.Initialize(state, "alice", 1000, 4000))
	fundedAccounts(t, state, "bob", 10_000, 10_000)
	// ratio should be a:b == 1:4; 100:100 is wildly off.
	assert.Error(t, engine.AddLiquidity(state, "bob", 100, 100), "expected ImbalancedAdd rejection")
}

func TestAddLiquidityWithinToleranceMintsProportionalLP(t *testing.T) {
	state := testutil.NewStateDB()
	fundedAccounts(t, state, "alice", 10_000, 10_000)
	engine := NewEngine(nil, 100)
	require.NoError(t, engine.Initialize(state, "alice", 1000, 4000))
	fundedAccounts(t, state, "bob", 10_000, 10_000)
	require.NoError(t, engine.AddLiquidity(state, "bob", 500, 2000))

	pool, err := state.GetPool()
	require.NoError(t, err)
	// half the existing reserves added, so bob should receive half of 2000 = 1000 LP
	assert.EqualValues(t, 1000, pool.LPBalances["bob"])
}

func TestRemoveLiquidityReturnsProportionalReserves(t *testing.T) {
	state := testutil.NewStateDB()
	fundedAccounts(t, state, "alice", 10_000, 10_000)
	engine := NewEngine(nil, 100)
	require.NoError(t, engine.Initialize(state, "alice", 1000, 4000))
	require.NoError(t, engine.RemoveLiquidity(state, "alice", 1000))

	pool, err := state.GetPool()
	require.NoError(t, err)
	assert.EqualValues(t, 500, pool.ReserveA, "reserves after 50%% withdrawal")
	assert.EqualValues(t, 2000, pool.ReserveB, "reserves after 50%% withdrawal")

	acc, err := state.GetAccount("alice")
	require.NoError(t, err)
	// started with 10000-1000=9000, then credited 500 back
	assert.EqualValues(t, 9500, acc.Balance)
}

func TestRemoveLiquidityRejectsInsufficientShares(t *testing.T) {
	state := testutil.NewStateDB()
	fundedAccounts(t, state, "alice", 10_000, 10_000)
	engine := NewEngine(nil, 100)
	require.NoError(t, engine.Initialize(state, "alice", 1000, 4000))
	assert.Error(t, engine.RemoveLiquidity(state, "alice", 999_999), "expected InsufficientLiquidity rejection")
}

func TestSwapAppliesFeeAndRespectsInvariant(t *testing.T) {
	state := testutil.NewStateDB()
	fundedAccounts(t, state, "alice", 10_000, 10_000)
	engine := NewEngine(nil, 100)
	require.NoError(t, engine.Initialize(state, "alice", 1000, 4000))
	fundedAccounts(t, state, "trader", 1000, 0)

	poolBefore, err := state.GetPool()
	require.NoError(t, err)
	kBefore := poolBefore.ReserveA * poolBefore.ReserveB

	out, err := engine.Swap(state, "trader", "A", 100, 1)
	require.NoError(t, err)
	assert.NotZero(t, out, "expected non-zero output")

	poolAfter, err := state.GetPool()
	require.NoError(t, err)
	kAfter := poolAfter.ReserveA * poolAfter.ReserveB
	assert.GreaterOrEqual(t, kAfter, kBefore, "invariant k must not decrease")
}

func TestSwapRejectsSlippage(t *testing.T) {
	state := testutil.NewStateDB()
	fundedAccounts(t, state, "alice", 10_000, 10_000)
	engine := NewEngine(nil, 100)
	require.NoError(t, engine.Initialize(state, "alice", 1000, 4000))
	fundedAccounts(t, state, "trader", 1000, 0)
	_, err := engine.Swap(state, "trader", "A", 100, 1_000_000)
	assert.Error(t, err, "expected SlippageExceeded rejection")
}

func TestSwapBurnsPortionOfLVEFee(t *testing.T) {
	state := testutil.NewStateDB()
	fundedAccounts(t, state, "alice", 100_000, 400_000)
	engine := NewEngine(nil, 10_000) // no epoch cap limit for this test
	require.NoError(t, engine.Initialize(state, "alice", 100_000, 400_000))
	fundedAccounts(t, state, "trader", 10_000, 0)
	require.NoError(t, core.Mint(state, "seed", 1_000_000))

	supplyBefore, err := state.TotalSupply()
	require.NoError(t, err)

	_, err = engine.Swap(state, "trader", "A", 10_000, 1)
	require.NoError(t, err)

	supplyAfter, err := state.TotalSupply()
	require.NoError(t, err)
	assert.Less(t, supplyAfter, supplyBefore, "expected a fee burn to reduce supply")
}
