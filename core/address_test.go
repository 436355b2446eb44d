package core

import (
	"strings"
	"testing"

	"github.com/lvenc/node/crypto"
)

func TestDeriveAddressPrefixAndLength(t *testing.T) {
	_, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addr := DeriveAddress(Mainnet, pub.Hex())
	if !strings.HasPrefix(addr, "LVE") {
		t.Errorf("mainnet address missing LVE prefix: %s", addr)
	}
	if len(addr) != len("LVE")+addressSuffixLen {
		t.Errorf("address length: got %d want %d", len(addr), len("LVE")+addressSuffixLen)
	}

	testAddr := DeriveAddress(Testnet, pub.Hex())
	if !strings.HasPrefix(testAddr, "tLVE") {
		t.Errorf("testnet address missing tLVE prefix: %s", testAddr)
	}
}

func TestParseAddressRoundTrip(t *testing.T) {
	_, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addr := DeriveAddress(Testnet, pub.Hex())
	net, err := ParseAddress(addr)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if net != Testnet {
		t.Errorf("parsed network: got %v want Testnet", net)
	}
}

func TestParseAddressRejectsUnknownPrefix(t *testing.T) {
	if _, err := ParseAddress("BTC" + strings.Repeat("a", 40)); err == nil {
		t.Error("expected error for unknown network prefix")
	}
}

func TestMatchesPubKey(t *testing.T) {
	_, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addr := DeriveAddress(Mainnet, pub.Hex())
	if !MatchesPubKey(addr, Mainnet, pub.Hex()) {
		t.Error("expected address to match its own pubkey")
	}
	_, other, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if MatchesPubKey(addr, Mainnet, other.Hex()) {
		t.Error("address should not match a different pubkey")
	}
}
