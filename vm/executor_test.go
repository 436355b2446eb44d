package vm_test

import (
	"testing"

	"github.com/lvenc/node/core"
	"github.com/lvenc/node/crypto"
	"github.com/lvenc/node/internal/testutil"
	"github.com/lvenc/node/vm"

	_ "github.com/lvenc/node/vm/modules/economy"
)

func newTransferBlock(t *testing.T, priv *crypto.WalletPrivateKey, to string, amount, fee, nonce uint64, producer string) *core.Block {
	t.Helper()
	from := core.DeriveAddress(core.Testnet, priv.Public().Hex())
	tx, err := core.NewTransaction(core.TxTransfer, from, to, amount, fee, nonce, "test-chain", nil)
	if err != nil {
		t.Fatal(err)
	}
	tx.FromPubKey = priv.Public().Hex()
	tx.Sign(priv)
	return core.NewBlock(1, "prevhash", producer, 1, []*core.Transaction{tx})
}

func TestExecuteBlockAppliesFeeBurnAndCredit(t *testing.T) {
	priv, pub, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	from := core.DeriveAddress(core.Testnet, pub.Hex())
	state := testutil.NewStateDB()
	if err := state.SetAccount(&core.Account{Address: from, Balance: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := state.SetTotalSupply(1_000_000); err != nil {
		t.Fatal(err)
	}

	exec := vm.NewExecutor(state, nil, vm.Params{
		ChainID:      "test-chain",
		Network:      core.Testnet,
		TxFeeBurnBps: vm.DefaultTxFeeBurnBps, // 50%
		MaxBurnPerEpochBps: 10_000, // no epoch cap limit for this test
	})

	block := newTransferBlock(t, priv, "tLVEbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", 100, 10, 1, "producer1")
	if err := exec.ExecuteBlock(block); err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}

	sender, err := state.GetAccount(from)
	if err != nil {
		t.Fatal(err)
	}
	// 1000 - fee(10) - amount(100) = 890
	if sender.Balance != 890 {
		t.Errorf("sender balance: got %d want 890", sender.Balance)
	}
	if sender.Nonce != 1 {
		t.Errorf("sender nonce: got %d want 1", sender.Nonce)
	}

	receiver, err := state.GetAccount("tLVEbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	if err != nil {
		t.Fatal(err)
	}
	if receiver.Balance != 100 {
		t.Errorf("receiver balance: got %d want 100", receiver.Balance)
	}

	producer, err := state.GetAccount("producer1")
	if err != nil {
		t.Fatal(err)
	}
	// half the 10-unit fee (5) credited to the producer
	if producer.Balance != 5 {
		t.Errorf("producer fee credit: got %d want 5", producer.Balance)
	}

	supply, err := state.TotalSupply()
	if err != nil {
		t.Fatal(err)
	}
	// the other half (5) burned from total supply
	if supply != 1_000_000-5 {
		t.Errorf("total supply after burn: got %d want %d", supply, 1_000_000-5)
	}
}

func TestExecuteBlockRejectsInvalidNonce(t *testing.T) {
	priv, pub, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	from := core.DeriveAddress(core.Testnet, pub.Hex())
	state := testutil.NewStateDB()
	if err := state.SetAccount(&core.Account{Address: from, Balance: 1000}); err != nil {
		t.Fatal(err)
	}
	exec := vm.NewExecutor(state, nil, vm.Params{ChainID: "test-chain", Network: core.Testnet})

	block := newTransferBlock(t, priv, "tLVEbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", 100, 0, 5, "producer1")
	if err := exec.ExecuteBlock(block); err == nil {
		t.Error("expected rejection of a transaction with a non-contiguous nonce")
	}
}

func TestExecuteBlockRejectsInsufficientBalanceAndRollsBack(t *testing.T) {
	priv, pub, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	from := core.DeriveAddress(core.Testnet, pub.Hex())
	state := testutil.NewStateDB()
	if err := state.SetAccount(&core.Account{Address: from, Balance: 50}); err != nil {
		t.Fatal(err)
	}
	exec := vm.NewExecutor(state, nil, vm.Params{ChainID: "test-chain", Network: core.Testnet})

	block := newTransferBlock(t, priv, "tLVEbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", 1000, 0, 1, "producer1")
	if err := exec.ExecuteBlock(block); err == nil {
		t.Fatal("expected rejection of a transfer exceeding balance")
	}

	acc, err := state.GetAccount(from)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Balance != 50 {
		t.Errorf("failed transaction must roll back: balance got %d want 50", acc.Balance)
	}
}
