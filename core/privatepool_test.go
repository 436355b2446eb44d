package core

import (
	"testing"

	"github.com/lvenc/node/crypto"
)

func TestEncryptDecryptPrivateTxRoundTrip(t *testing.T) {
	priv, pub, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	from := DeriveAddress(Testnet, pub.Hex())
	tx := signedTransfer(t, priv, 42, 1, 1)
	tx.From = from

	const blockHash = "abc123blockhash"
	entry, err := EncryptPrivateTx(tx, 10, blockHash)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Sender != tx.From {
		t.Errorf("entry.Sender: got %s want %s", entry.Sender, tx.From)
	}

	decrypted, err := DecryptPrivateTx(entry, blockHash)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if decrypted.ID != tx.ID || decrypted.Amount != tx.Amount {
		t.Errorf("decrypted transaction does not match original")
	}
}

func TestDecryptPrivateTxFailsOnWrongBlockHash(t *testing.T) {
	priv, pub, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	from := DeriveAddress(Testnet, pub.Hex())
	tx := signedTransfer(t, priv, 42, 1, 1)
	tx.From = from

	entry, err := EncryptPrivateTx(tx, 10, "correct-hash")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptPrivateTx(entry, "wrong-hash"); err == nil {
		t.Error("expected decryption to fail under the wrong block hash")
	}
}

func TestPrivatePoolEligibleAndRemove(t *testing.T) {
	pool := NewPrivatePool()
	e := &EncryptedEntry{ID: "e1", SubmitBlock: 10}
	if err := pool.Submit(e); err != nil {
		t.Fatal(err)
	}
	if len(pool.Eligible(10)) != 0 {
		t.Error("entry should not be eligible at its own submit block")
	}
	if len(pool.Eligible(11)) != 1 {
		t.Error("entry should be eligible at submitBlock+1")
	}
	pool.Remove([]string{"e1"})
	if len(pool.Eligible(11)) != 0 {
		t.Error("Remove should drop the entry")
	}
}

func TestPrivatePoolPrune(t *testing.T) {
	pool := NewPrivatePool()
	e := &EncryptedEntry{ID: "e1", SubmitBlock: 10}
	if err := pool.Submit(e); err != nil {
		t.Fatal(err)
	}
	pool.Prune(10 + privateEntryMaxAge)
	if len(pool.Eligible(10+privateEntryMaxAge+1)) != 1 {
		t.Error("entry should survive until strictly past max age")
	}
	pool.Prune(10 + privateEntryMaxAge + 1)
	if len(pool.Eligible(10+privateEntryMaxAge+2)) != 0 {
		t.Error("Prune should drop entries past max age")
	}
}

func TestPrivatePoolSubmitRejectsDuplicateID(t *testing.T) {
	pool := NewPrivatePool()
	e := &EncryptedEntry{ID: "dup", SubmitBlock: 1}
	if err := pool.Submit(e); err != nil {
		t.Fatal(err)
	}
	if err := pool.Submit(e); err == nil {
		t.Error("expected rejection of duplicate entry ID")
	}
}
