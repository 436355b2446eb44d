// Package amm implements the single two-asset constant-product market
// described in SPEC_FULL.md §4.2: reserveA (LVE), reserveB (USDT), and a
// pool of LP shares. All arithmetic is plain uint64 integer math; division
// always rounds toward zero, matching Go's native integer division.
package amm

import (
	"fmt"
	"math"
	"sort"

	"github.com/lvenc/node/core"
	"github.com/lvenc/node/events"
)

// swapFeeNumerator/swapFeeDenominator encode the 0.30% swap fee as the
// 997/1000 "amount after fee" factor from SPEC_FULL.md §4.2.
const (
	swapFeeNumerator   = 997
	swapFeeDenominator = 1000

	// imbalanceToleranceBps bounds how far a/reserveA deviates from
	// b/reserveB on AddLiquidity: within 1%.
	imbalanceToleranceBps = 100

	// lveFeeBurnBps is the fraction of the LVE-denominated portion of the
	// swap fee that gets burned rather than left in the reserve.
	lveFeeBurnBps = 3000
)

// Engine applies AMM operations against a core.State's single Pool.
type Engine struct {
	emitter            *events.Emitter
	maxBurnPerEpochBps uint64
}

// NewEngine returns an Engine. maxBurnPerEpochBps is the chain-wide burn
// cap shared with tx-fee and slash burns (SPEC_FULL.md §4.3).
func NewEngine(emitter *events.Emitter, maxBurnPerEpochBps uint64) *Engine {
	return &Engine{emitter: emitter, maxBurnPerEpochBps: maxBurnPerEpochBps}
}

func sqrtFloor(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	x := uint64(math.Sqrt(float64(n)))
	// math.Sqrt on a float64 can be off by one at the edges; correct by
	// direct integer comparison rather than trust the float result.
	for x > 0 && x*x > n {
		x--
	}
	for (x+1)*(x+1) <= n {
		x++
	}
	return x
}

// Initialize is the single-shot first liquidity deposit. provider receives
// lpTotal = floor(sqrt(a0*b0)) LP shares.
func (e *Engine) Initialize(state core.State, provider string, a0, b0 uint64) error {
	pool, err := state.GetPool()
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if pool.Initialized {
		return core.NewError(core.KindPolicy, fmt.Errorf("PoolAlreadyInitialized"))
	}
	if a0 == 0 || b0 == 0 {
		return core.NewError(core.KindValidation, fmt.Errorf("ZeroAmount"))
	}

	if err := debit(state, provider, "A", a0); err != nil {
		return err
	}
	if err := debit(state, provider, "B", b0); err != nil {
		return err
	}

	lpMint := sqrtFloor(a0 * b0)
	if lpMint == 0 {
		return core.NewError(core.KindValidation, fmt.Errorf("ZeroAmount: deposit too small to mint LP"))
	}

	pool.Initialized = true
	pool.ReserveA = a0
	pool.ReserveB = b0
	pool.LPTotal = lpMint
	if pool.LPBalances == nil {
		pool.LPBalances = map[string]uint64{}
	}
	pool.LPBalances[provider] = lpMint
	if err := state.SetPool(pool); err != nil {
		return core.NewError(core.KindStorage, err)
	}
	e.emitLiquidity(provider, a0, b0, lpMint)
	return nil
}

// AddLiquidity requires a/reserveA ≈ b/reserveB within 1% tolerance and
// mints LP proportional to min(a·lpTotal/reserveA, b·lpTotal/reserveB).
func (e *Engine) AddLiquidity(state core.State, provider string, a, b uint64) error {
	pool, err := state.GetPool()
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if !pool.Initialized {
		return core.NewError(core.KindPolicy, fmt.Errorf("PoolUninitialized"))
	}
	if a == 0 || b == 0 {
		return core.NewError(core.KindValidation, fmt.Errorf("ZeroAmount"))
	}
	if !withinTolerance(a, b, pool.ReserveA, pool.ReserveB) {
		return core.NewError(core.KindValidation, fmt.Errorf("ImbalancedAdd"))
	}

	if err := debit(state, provider, "A", a); err != nil {
		return err
	}
	if err := debit(state, provider, "B", b); err != nil {
		return err
	}

	mintFromA := a * pool.LPTotal / pool.ReserveA
	mintFromB := b * pool.LPTotal / pool.ReserveB
	lpMint := mintFromA
	if mintFromB < lpMint {
		lpMint = mintFromB
	}
	if lpMint == 0 {
		return core.NewError(core.KindValidation, fmt.Errorf("ZeroAmount: deposit too small to mint LP"))
	}

	kBefore := pool.ReserveA * pool.ReserveB
	pool.ReserveA += a
	pool.ReserveB += b
	if pool.ReserveA*pool.ReserveB < kBefore {
		return core.NewError(core.KindInternal, fmt.Errorf("add-liquidity decreased invariant k"))
	}
	pool.LPTotal += lpMint
	if pool.LPBalances == nil {
		pool.LPBalances = map[string]uint64{}
	}
	pool.LPBalances[provider] += lpMint
	if err := state.SetPool(pool); err != nil {
		return core.NewError(core.KindStorage, err)
	}
	e.emitLiquidity(provider, a, b, lpMint)
	return nil
}

// RemoveLiquidity burns lp LP shares and returns a, b proportionally.
func (e *Engine) RemoveLiquidity(state core.State, provider string, lp uint64) error {
	pool, err := state.GetPool()
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if !pool.Initialized {
		return core.NewError(core.KindPolicy, fmt.Errorf("PoolUninitialized"))
	}
	if lp == 0 {
		return core.NewError(core.KindValidation, fmt.Errorf("ZeroAmount"))
	}
	if pool.LPBalances[provider] < lp {
		return core.NewError(core.KindBalance, fmt.Errorf("InsufficientLiquidity: have %d need %d", pool.LPBalances[provider], lp))
	}

	a := lp * pool.ReserveA / pool.LPTotal
	b := lp * pool.ReserveB / pool.LPTotal
	if a == 0 && b == 0 {
		return core.NewError(core.KindValidation, fmt.Errorf("ZeroAmount: redemption too small"))
	}

	pool.LPBalances[provider] -= lp
	if pool.LPBalances[provider] == 0 {
		delete(pool.LPBalances, provider)
	}
	pool.LPTotal -= lp
	pool.ReserveA -= a
	pool.ReserveB -= b
	if err := state.SetPool(pool); err != nil {
		return core.NewError(core.KindStorage, err)
	}

	if err := credit(state, provider, "A", a); err != nil {
		return err
	}
	if err := credit(state, provider, "B", b); err != nil {
		return err
	}
	e.emitLiquidity(provider, a, b, lp)
	return nil
}

// Swap exchanges amountIn of tokenIn ("A" or "B") for the opposite token,
// failing with SlippageExceeded if the output would be below minOut.
func (e *Engine) Swap(state core.State, trader, tokenIn string, amountIn, minOut uint64) (uint64, error) {
	pool, err := state.GetPool()
	if err != nil {
		return 0, core.NewError(core.KindStorage, err)
	}
	if !pool.Initialized {
		return 0, core.NewError(core.KindPolicy, fmt.Errorf("PoolUninitialized"))
	}
	if amountIn == 0 {
		return 0, core.NewError(core.KindValidation, fmt.Errorf("ZeroAmount"))
	}
	if tokenIn != "A" && tokenIn != "B" {
		return 0, core.NewError(core.KindValidation, fmt.Errorf("unknown token %q", tokenIn))
	}

	reserveIn, reserveOut := pool.ReserveA, pool.ReserveB
	if tokenIn == "B" {
		reserveIn, reserveOut = pool.ReserveB, pool.ReserveA
	}
	if reserveIn == 0 || reserveOut == 0 {
		return 0, core.NewError(core.KindPolicy, fmt.Errorf("InsufficientLiquidity"))
	}

	amountInAfterFee := amountIn * swapFeeNumerator / swapFeeDenominator
	amountOut := reserveOut * amountInAfterFee / (reserveIn + amountInAfterFee)
	if amountOut == 0 || amountOut > reserveOut {
		return 0, core.NewError(core.KindPolicy, fmt.Errorf("InsufficientLiquidity"))
	}
	if amountOut < minOut {
		return 0, core.NewError(core.KindValidation, fmt.Errorf("SlippageExceeded: got %d want at least %d", amountOut, minOut))
	}

	if err := debit(state, trader, tokenIn, amountIn); err != nil {
		return 0, err
	}

	kBefore := pool.ReserveA * pool.ReserveB
	if tokenIn == "A" {
		pool.ReserveA += amountIn
		pool.ReserveB -= amountOut
	} else {
		pool.ReserveB += amountIn
		pool.ReserveA -= amountOut
	}
	if pool.ReserveA*pool.ReserveB < kBefore {
		return 0, core.NewError(core.KindInternal, fmt.Errorf("swap decreased invariant k"))
	}
	if err := state.SetPool(pool); err != nil {
		return 0, core.NewError(core.KindStorage, err)
	}

	outToken := "B"
	if tokenIn == "B" {
		outToken = "A"
	}
	if err := credit(state, trader, outToken, amountOut); err != nil {
		return 0, err
	}

	// Only the LVE ("A")-denominated portion of the fee is burned, per
	// SPEC_FULL.md §4.2.
	fee := amountIn - amountInAfterFee
	if tokenIn == "A" && fee > 0 {
		burn := fee * lveFeeBurnBps / 10_000
		if burn > 0 {
			if err := core.BurnWithEpochCap(state, "swapFee", burn, e.maxBurnPerEpochBps); err != nil {
				return 0, err
			}
		}
	}

	if e.emitter != nil {
		e.emitter.Emit(events.Event{
			Type: events.EventPoolSwap,
			Data: map[string]any{"trader": trader, "tokenIn": tokenIn, "amountIn": amountIn, "amountOut": amountOut},
		})
	}
	return amountOut, nil
}

// withinTolerance reports whether a/reserveA and b/reserveB differ by no
// more than imbalanceToleranceBps, checked via cross-multiplication to stay
// in integer arithmetic.
func withinTolerance(a, b, reserveA, reserveB uint64) bool {
	lhs := a * reserveB
	rhs := b * reserveA
	diff := lhs - rhs
	if rhs > lhs {
		diff = rhs - lhs
	}
	maxSide := lhs
	if rhs > maxSide {
		maxSide = rhs
	}
	if maxSide == 0 {
		return true
	}
	return diff*10_000/maxSide <= imbalanceToleranceBps
}

// debit moves amount of token ("A"=LVE balance, "B"=a pool-tracked USDT
// balance layered onto the same Account type) out of owner's holdings.
func debit(state core.State, owner, token string, amount uint64) error {
	acc, err := state.GetAccount(tokenAccount(owner, token))
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	if acc.Balance < amount {
		return core.NewError(core.KindBalance, fmt.Errorf("insufficient %s balance: have %d need %d", token, acc.Balance, amount))
	}
	acc.Balance -= amount
	return wrapStorage(state.SetAccount(acc))
}

func credit(state core.State, owner, token string, amount uint64) error {
	acc, err := state.GetAccount(tokenAccount(owner, token))
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	acc.Balance += amount
	return wrapStorage(state.SetAccount(acc))
}

// tokenAccount namespaces an owner's B-side (USDT) holdings under a
// distinct address so they never alias with the owner's native LVE
// Account, which is addressed directly.
func tokenAccount(owner, token string) string {
	if token == "A" {
		return owner
	}
	return owner + ":usdt"
}

func wrapStorage(err error) error {
	if err == nil {
		return nil
	}
	return core.NewError(core.KindStorage, err)
}

func (e *Engine) emitLiquidity(provider string, a, b, lp uint64) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(events.Event{
		Type: events.EventPoolLiquidity,
		Data: map[string]any{"provider": provider, "a": a, "b": b, "lp": lp},
	})
}

// sortedProviders returns the keys of balances in ascending order.
func sortedProviders(balances map[string]uint64) []string {
	out := make([]string, 0, len(balances))
	for k := range balances {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
