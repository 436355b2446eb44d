package core

import (
	"testing"

	"github.com/lvenc/node/internal/testutil"
)

func TestMintIncreasesBalanceAndSupplyTogether(t *testing.T) {
	state := testutil.NewStateDB()
	if err := Mint(state, "addr1", 500); err != nil {
		t.Fatal(err)
	}
	acc, err := state.GetAccount("addr1")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Balance != 500 {
		t.Errorf("balance: got %d want 500", acc.Balance)
	}
	supply, err := state.TotalSupply()
	if err != nil {
		t.Fatal(err)
	}
	if supply != 500 {
		t.Errorf("total supply: got %d want 500", supply)
	}
}

func TestBurnDecreasesSupplyAndRecordsReason(t *testing.T) {
	state := testutil.NewStateDB()
	if err := Mint(state, "addr1", 1000); err != nil {
		t.Fatal(err)
	}
	if err := Burn(state, "fee", 200); err != nil {
		t.Fatal(err)
	}
	supply, err := state.TotalSupply()
	if err != nil {
		t.Fatal(err)
	}
	if supply != 800 {
		t.Errorf("total supply: got %d want 800", supply)
	}
	totals, err := state.GetBurnTotals()
	if err != nil {
		t.Fatal(err)
	}
	if totals.ByReason["fee"] != 200 {
		t.Errorf("burn totals by reason: got %d want 200", totals.ByReason["fee"])
	}
}

func TestBurnRejectsExceedingSupply(t *testing.T) {
	state := testutil.NewStateDB()
	if err := Mint(state, "addr1", 100); err != nil {
		t.Fatal(err)
	}
	if err := Burn(state, "fee", 200); err == nil {
		t.Error("expected error burning more than total supply")
	}
}

func TestBurnCappedLimitsToRoomUnderCap(t *testing.T) {
	state := testutil.NewStateDB()
	if err := Mint(state, "addr1", 10_000); err != nil {
		t.Fatal(err)
	}
	burnt, excess, err := BurnCapped(state, "epochReward", 300, 200)
	if err != nil {
		t.Fatal(err)
	}
	if burnt != 200 {
		t.Errorf("burnt: got %d want 200", burnt)
	}
	if excess != 100 {
		t.Errorf("excess: got %d want 100", excess)
	}

	burnt2, _, err := BurnCapped(state, "epochReward", 50, 200)
	if err != nil {
		t.Fatal(err)
	}
	if burnt2 != 0 {
		t.Errorf("cap already exhausted, expected burnt 0, got %d", burnt2)
	}
}

func TestBurnWithEpochCapNeverFailsOnExcess(t *testing.T) {
	state := testutil.NewStateDB()
	if err := Mint(state, "addr1", 1_000_000); err != nil {
		t.Fatal(err)
	}
	if err := BurnWithEpochCap(state, "txFee", 1_000_000, 100); err != nil {
		t.Fatalf("excess over cap must not fail the call: %v", err)
	}
}

func TestErrorKindDefaultsToInternal(t *testing.T) {
	if kind := ErrorKind(nil); kind != KindInternal {
		t.Errorf("ErrorKind(nil): got %v want %v", kind, KindInternal)
	}
	wrapped := NewError(KindBalance, ErrNotFound)
	if kind := ErrorKind(wrapped); kind != KindBalance {
		t.Errorf("ErrorKind: got %v want %v", kind, KindBalance)
	}
}

func TestNewErrorReturnsNilForNilErr(t *testing.T) {
	if err := NewError(KindValidation, nil); err != nil {
		t.Errorf("NewError(kind, nil) should return nil, got %v", err)
	}
}
