package core

import (
	"testing"

	"github.com/lvenc/node/crypto"
	"github.com/lvenc/node/internal/testutil"
)

const testChainID = "test-chain"

func fundedMempool(t *testing.T, addr string, balance uint64) (*Mempool, State) {
	t.Helper()
	state := testutil.NewStateDB()
	if err := state.SetAccount(&Account{Address: addr, Balance: balance}); err != nil {
		t.Fatal(err)
	}
	params := DefaultMempoolParams(testChainID, Testnet)
	return NewMempool(params, state), state
}

func signedTransfer(t *testing.T, priv *crypto.WalletPrivateKey, amount, fee, nonce uint64) *Transaction {
	t.Helper()
	from := DeriveAddress(Testnet, priv.Public().Hex())
	tx, err := NewTransaction(TxTransfer, from, "tLVEbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", amount, fee, nonce, testChainID, nil)
	if err != nil {
		t.Fatal(err)
	}
	tx.FromPubKey = priv.Public().Hex()
	tx.Sign(priv)
	return tx
}

func TestMempoolAddAcceptsValidTransaction(t *testing.T) {
	priv, pub, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addr := DeriveAddress(Testnet, pub.Hex())
	mp, _ := fundedMempool(t, addr, 1000)
	tx := signedTransfer(t, priv, 100, 1, 1)
	if err := mp.Add(tx); err != nil {
		t.Fatalf("Add should accept a well-formed transaction: %v", err)
	}
	if mp.Size() != 1 {
		t.Errorf("Size: got %d want 1", mp.Size())
	}
}

func TestMempoolAddRejectsInsufficientBalance(t *testing.T) {
	priv, pub, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addr := DeriveAddress(Testnet, pub.Hex())
	mp, _ := fundedMempool(t, addr, 50)
	tx := signedTransfer(t, priv, 100, 1, 1)
	if err := mp.Add(tx); err == nil {
		t.Error("expected balance rejection")
	}
}

func TestMempoolAddRejectsWrongNonce(t *testing.T) {
	priv, pub, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addr := DeriveAddress(Testnet, pub.Hex())
	mp, _ := fundedMempool(t, addr, 1000)
	tx := signedTransfer(t, priv, 100, 1, 5) // expected nonce is 1
	if err := mp.Add(tx); err == nil {
		t.Error("expected nonce-gap rejection")
	}
}

func TestMempoolAddRejectsDuplicateID(t *testing.T) {
	priv, pub, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addr := DeriveAddress(Testnet, pub.Hex())
	mp, _ := fundedMempool(t, addr, 1000)
	tx := signedTransfer(t, priv, 100, 1, 1)
	if err := mp.Add(tx); err != nil {
		t.Fatal(err)
	}
	if err := mp.Add(tx); err == nil {
		t.Error("expected rejection of duplicate tx ID")
	}
}

func TestMempoolAddRejectsBlacklistedSender(t *testing.T) {
	priv, pub, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addr := DeriveAddress(Testnet, pub.Hex())
	mp, _ := fundedMempool(t, addr, 1000)
	mp.Blacklist(addr)
	tx := signedTransfer(t, priv, 100, 1, 1)
	if err := mp.Add(tx); err == nil {
		t.Error("expected rejection of blacklisted sender")
	}
}

func TestMempoolPendingSelectsHighestFeeFirst(t *testing.T) {
	privA, pubA, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	privB, pubB, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addrA := DeriveAddress(Testnet, pubA.Hex())
	addrB := DeriveAddress(Testnet, pubB.Hex())

	state := testutil.NewStateDB()
	if err := state.SetAccount(&Account{Address: addrA, Balance: 10000}); err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&Account{Address: addrB, Balance: 10000}); err != nil {
		t.Fatal(err)
	}
	params := DefaultMempoolParams(testChainID, Testnet)
	mp := NewMempool(params, state)

	txAHighFee := signedTransfer(t, privA, 100, 50, 1)
	txBLowFee := signedTransfer(t, privB, 100, 5, 1)
	if err := mp.Add(txAHighFee); err != nil {
		t.Fatal(err)
	}
	if err := mp.Add(txBLowFee); err != nil {
		t.Fatal(err)
	}

	pending := mp.Pending(10)
	if len(pending) != 2 {
		t.Fatalf("Pending: got %d txs want 2", len(pending))
	}
	if pending[0].ID != txAHighFee.ID {
		t.Errorf("highest-fee transaction should be selected first")
	}
}

func TestMempoolRemove(t *testing.T) {
	priv, pub, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addr := DeriveAddress(Testnet, pub.Hex())
	mp, _ := fundedMempool(t, addr, 1000)
	tx := signedTransfer(t, priv, 100, 1, 1)
	if err := mp.Add(tx); err != nil {
		t.Fatal(err)
	}
	mp.Remove([]string{tx.ID})
	if mp.Size() != 0 {
		t.Errorf("Remove should drop the transaction, Size: got %d want 0", mp.Size())
	}
	if _, ok := mp.Get(tx.ID); ok {
		t.Error("Get should not find a removed transaction")
	}
}
