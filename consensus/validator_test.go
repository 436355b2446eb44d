package consensus

import (
	"testing"

	"github.com/lvenc/node/core"
	"github.com/lvenc/node/crypto"
	"github.com/lvenc/node/events"
	"github.com/lvenc/node/internal/testutil"
	"github.com/lvenc/node/staking"
	"github.com/lvenc/node/vm"
)

const testChainID = "test-chain"

func setupValidator(t *testing.T) (*Validator, core.State, crypto.PrivateKey, string) {
	t.Helper()
	state := testutil.NewStateDB()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	operator := "op1"
	if err := state.SetValidator(&core.ValidatorRecord{
		Operator:        operator,
		ConsensusPubKey: pub.Hex(),
		SelfStake:       1000,
		Active:          true,
		Delegations:     map[string]uint64{},
	}); err != nil {
		t.Fatal(err)
	}

	stakingParams := staking.DefaultParams()
	stakingParams.BlocksPerEpoch = 1_000_000 // avoid triggering an epoch boundary in these tests
	stakingEngine := staking.NewEngine(stakingParams, nil)

	exec := vm.NewExecutor(state, events.NewEmitter(), vm.Params{
		ChainID:            testChainID,
		Network:            core.Testnet,
		TxFeeBurnBps:       vm.DefaultTxFeeBurnBps,
		MaxBurnPerEpochBps: 100,
		StakingParams:      stakingParams,
	})

	v := NewValidator(testChainID, state, exec, stakingEngine)
	return v, state, priv, operator
}

func genesisBlock() *core.Block {
	b := core.NewBlock(0, "", "genesis", 0, nil)
	b.Timestamp = 1000
	b.Hash = b.ComputeHash()
	return b
}

func TestValidateBlockAcceptsWellFormedBlock(t *testing.T) {
	v, state, priv, operator := setupValidator(t)
	parent := genesisBlock()

	validators, err := state.ListValidators()
	if err != nil {
		t.Fatal(err)
	}
	slot := int64(1)
	expected := SelectProducer(SlotSeed(parent.Hash, slot), validators)
	if expected != operator {
		t.Fatalf("test setup: expected producer %s, SelectProducer picked %s", operator, expected)
	}

	block := core.NewBlock(1, parent.Hash, operator, uint64(slot), nil)
	block.Timestamp = parent.Timestamp + 1
	block.Sign(testChainID, priv)

	if err := v.ValidateBlock(block, parent); err != nil {
		t.Fatalf("ValidateBlock rejected a well-formed block: %v", err)
	}
}

func TestValidateBlockRejectsBadLinkage(t *testing.T) {
	v, _, priv, operator := setupValidator(t)
	parent := genesisBlock()

	block := core.NewBlock(1, "not-the-parent-hash", operator, 1, nil)
	block.Timestamp = parent.Timestamp + 1
	block.Sign(testChainID, priv)

	if err := v.ValidateBlock(block, parent); err == nil {
		t.Error("expected rejection of a block with a mismatched previousHash")
	}
}

func TestValidateBlockRejectsStaleTimestamp(t *testing.T) {
	v, _, priv, operator := setupValidator(t)
	parent := genesisBlock()

	block := core.NewBlock(1, parent.Hash, operator, 1, nil)
	block.Timestamp = parent.Timestamp // not strictly after parent
	block.Sign(testChainID, priv)

	if err := v.ValidateBlock(block, parent); err == nil {
		t.Error("expected rejection of a block whose timestamp does not exceed its parent's")
	}
}

func TestValidateBlockRejectsTamperedHash(t *testing.T) {
	v, _, priv, operator := setupValidator(t)
	parent := genesisBlock()

	block := core.NewBlock(1, parent.Hash, operator, 1, nil)
	block.Timestamp = parent.Timestamp + 1
	block.Sign(testChainID, priv)
	block.Hash = "tampered"

	if err := v.ValidateBlock(block, parent); err == nil {
		t.Error("expected rejection of a block with a tampered hash")
	}
}

func TestValidateBlockRejectsWrongProducer(t *testing.T) {
	v, _, _, _ := setupValidator(t)
	parent := genesisBlock()

	otherPriv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(1, parent.Hash, "imposter", 1, nil)
	block.Timestamp = parent.Timestamp + 1
	block.Sign(testChainID, otherPriv)

	if err := v.ValidateBlock(block, parent); err == nil {
		t.Error("expected rejection of a block produced by a non-selected validator")
	}
}

func TestSelectProducerIsDeterministic(t *testing.T) {
	validators := []*core.ValidatorRecord{
		{Operator: "a", SelfStake: 100, Active: true},
		{Operator: "b", SelfStake: 200, Active: true},
		{Operator: "c", SelfStake: 300, Active: true},
	}
	seed := SlotSeed("parenthash", 5)
	first := SelectProducer(seed, validators)
	second := SelectProducer(seed, validators)
	if first != second {
		t.Error("SelectProducer should be deterministic for the same seed and validator set")
	}
	if first == "" {
		t.Error("expected a non-empty producer selection")
	}
}

func TestSelectProducerSkipsJailedAndInactive(t *testing.T) {
	validators := []*core.ValidatorRecord{
		{Operator: "a", SelfStake: 100, Active: false},
		{Operator: "b", SelfStake: 100, Active: true, Jailed: true},
		{Operator: "c", SelfStake: 100, Active: true},
	}
	seed := SlotSeed("parenthash", 1)
	if got := SelectProducer(seed, validators); got != "c" {
		t.Errorf("SelectProducer: got %q want c (the only active, unjailed validator)", got)
	}
}

func TestSelectProducerReturnsEmptyWithNoStake(t *testing.T) {
	if got := SelectProducer(SlotSeed("x", 1), nil); got != "" {
		t.Errorf("SelectProducer with no validators: got %q want empty", got)
	}
}

func TestPreferCandidatePrefersLongerChain(t *testing.T) {
	candidate := ChainSummary{Height: 10, TipHash: "zzz"}
	current := ChainSummary{Height: 9, TipHash: "aaa"}
	if !PreferCandidate(candidate, current) {
		t.Error("a taller chain should be preferred regardless of hash")
	}
}

func TestPreferCandidateBreaksTiesByLowerHash(t *testing.T) {
	candidate := ChainSummary{Height: 10, TipHash: "aaa"}
	current := ChainSummary{Height: 10, TipHash: "zzz"}
	if !PreferCandidate(candidate, current) {
		t.Error("equal-height chains should prefer the lexicographically lower tip hash")
	}
	if PreferCandidate(current, candidate) {
		t.Error("the higher-hash chain should not be preferred over the lower one")
	}
}
