package core

import (
	"testing"

	"github.com/lvenc/node/crypto"
)

func newWalletTx(t *testing.T, priv *crypto.WalletPrivateKey, chainID string, amount, fee, nonce uint64) *Transaction {
	t.Helper()
	from := DeriveAddress(Testnet, priv.Public().Hex())
	const to = "tLVEaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	tx, err := NewTransaction(TxTransfer, from, to, amount, fee, nonce, chainID, nil)
	if err != nil {
		t.Fatal(err)
	}
	tx.FromPubKey = priv.Public().Hex()
	tx.Sign(priv)
	return tx
}

func TestTransactionSignAndVerify(t *testing.T) {
	priv, _, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	tx := newWalletTx(t, priv, "test-chain", 100, 1, 1)
	if tx.ID == "" {
		t.Error("Sign should assign a fresh ID")
	}
	if err := tx.Verify(Testnet); err != nil {
		t.Errorf("Verify failed on a correctly signed tx: %v", err)
	}
}

func TestTransactionVerifyRejectsTamperedAmount(t *testing.T) {
	priv, _, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	tx := newWalletTx(t, priv, "test-chain", 100, 1, 1)
	tx.Amount = 999
	if err := tx.Verify(Testnet); err == nil {
		t.Error("expected verification failure after tampering with amount")
	}
}

func TestTransactionVerifyRejectsMismatchedFrom(t *testing.T) {
	priv, _, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	tx := newWalletTx(t, priv, "test-chain", 100, 1, 1)
	_, otherPub, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	tx.FromPubKey = otherPub.Hex()
	if err := tx.Verify(Testnet); err == nil {
		t.Error("expected verification failure when fromPubKey does not match From")
	}
}

func TestSystemTransactionBypassesVerify(t *testing.T) {
	tx, err := NewSystemTransaction(TxDoubleSign, "tLVEaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 10, "test-chain", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !tx.IsSystem() {
		t.Error("system transaction should report IsSystem true")
	}
	if err := tx.Verify(Testnet); err != nil {
		t.Errorf("system transactions must bypass signature verification: %v", err)
	}
}
