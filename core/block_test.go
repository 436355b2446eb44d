package core

import (
	"testing"

	"github.com/lvenc/node/crypto"
)

func TestBlockSignAndVerify(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	b := NewBlock(1, "prevhash", "operator1", 1, nil)
	b.Sign("test-chain", priv)
	if b.Hash == "" {
		t.Fatal("Sign should set Hash")
	}
	if err := b.Verify("test-chain", pub); err != nil {
		t.Errorf("Verify failed on a correctly signed block: %v", err)
	}
}

func TestBlockVerifyRejectsWrongChainID(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	b := NewBlock(1, "prevhash", "operator1", 1, nil)
	b.Sign("test-chain", priv)
	if err := b.Verify("other-chain", pub); err == nil {
		t.Error("expected verification failure under a different chainId")
	}
}

func TestBlockVerifyRejectsTamperedHash(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	b := NewBlock(1, "prevhash", "operator1", 1, nil)
	b.Sign("test-chain", priv)
	b.Hash = "deadbeef"
	if err := b.Verify("test-chain", pub); err == nil {
		t.Error("expected verification failure when Hash does not match recomputed hash")
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	b1 := NewBlock(2, "prevhash", "operator1", 1, nil)
	b1.Timestamp = 1000
	b2 := NewBlock(2, "prevhash", "operator1", 1, nil)
	b2.Timestamp = 1000
	if b1.ComputeHash() != b2.ComputeHash() {
		t.Error("identical blocks should hash identically")
	}
	b2.Timestamp = 1001
	if b1.ComputeHash() == b2.ComputeHash() {
		t.Error("different timestamps should yield different hashes")
	}
}
