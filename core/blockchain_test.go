package core

import (
	"testing"

	"github.com/lvenc/node/internal/testutil"
)

func TestBlockchainAddBlockEnforcesLinkage(t *testing.T) {
	bc := NewBlockchain(testutil.NewMemBlockStore())
	if err := bc.Init(); err != nil {
		t.Fatal(err)
	}

	genesis := NewBlock(0, "", "genesis", 0, nil)
	genesis.Hash = genesis.ComputeHash()
	if err := bc.AddBlock(genesis); err != nil {
		t.Fatalf("AddBlock genesis: %v", err)
	}
	if bc.Height() != 0 {
		t.Errorf("Height: got %d want 0", bc.Height())
	}

	next := NewBlock(1, genesis.Hash, "op1", 1, nil)
	next.Hash = next.ComputeHash()
	if err := bc.AddBlock(next); err != nil {
		t.Fatalf("AddBlock next: %v", err)
	}
	if bc.Tip().Hash != next.Hash {
		t.Error("Tip should advance to the newly added block")
	}
}

func TestBlockchainAddBlockRejectsWrongIndex(t *testing.T) {
	bc := NewBlockchain(testutil.NewMemBlockStore())
	genesis := NewBlock(0, "", "genesis", 0, nil)
	genesis.Hash = genesis.ComputeHash()
	if err := bc.AddBlock(genesis); err != nil {
		t.Fatal(err)
	}
	skip := NewBlock(2, genesis.Hash, "op1", 1, nil)
	skip.Hash = skip.ComputeHash()
	if err := bc.AddBlock(skip); err == nil {
		t.Error("expected rejection of a non-contiguous block index")
	}
}

func TestBlockchainAddBlockRejectsWrongPreviousHash(t *testing.T) {
	bc := NewBlockchain(testutil.NewMemBlockStore())
	genesis := NewBlock(0, "", "genesis", 0, nil)
	genesis.Hash = genesis.ComputeHash()
	if err := bc.AddBlock(genesis); err != nil {
		t.Fatal(err)
	}
	bad := NewBlock(1, "not-the-real-hash", "op1", 1, nil)
	bad.Hash = bad.ComputeHash()
	if err := bc.AddBlock(bad); err == nil {
		t.Error("expected rejection of a mismatched previousHash")
	}
}

func TestBlockchainInitLoadsPersistedTip(t *testing.T) {
	store := testutil.NewMemBlockStore()
	bc := NewBlockchain(store)
	genesis := NewBlock(0, "", "genesis", 0, nil)
	genesis.Hash = genesis.ComputeHash()
	if err := bc.AddBlock(genesis); err != nil {
		t.Fatal(err)
	}

	reopened := NewBlockchain(store)
	if err := reopened.Init(); err != nil {
		t.Fatal(err)
	}
	if reopened.Height() != 0 || reopened.Tip() == nil || reopened.Tip().Hash != genesis.Hash {
		t.Error("Init should restore the persisted tip")
	}
}
