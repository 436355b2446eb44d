package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig must validate cleanly: %v", err)
	}
}

func TestValidateRejectsMissingNodeID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeID = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected rejection of an empty node_id")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.P2PPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("expected rejection of an out-of-range p2p_port")
	}
}

func TestValidateRejectsDuplicateValidator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Genesis.Validators = []GenesisValidator{
		{OperatorAddress: "val1", ConsensusPubKey: "a", Power: 100},
		{OperatorAddress: "val1", ConsensusPubKey: "b", Power: 200},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected rejection of a duplicate genesis validator operatorAddress")
	}
}

func TestValidateRejectsPartialTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLS = &TLSConfig{CACert: "ca.pem"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected rejection of a partially-configured TLS block")
	}
}

func TestNetworkValueParsesKnownNetworks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network = "mainnet"
	mainnet, err := cfg.NetworkValue()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Network = "testnet"
	testnet, err := cfg.NetworkValue()
	if err != nil {
		t.Fatal(err)
	}
	if mainnet == testnet {
		t.Error("mainnet and testnet must parse to distinct core.Network values")
	}

	cfg.Network = "bogus"
	if _, err := cfg.NetworkValue(); err == nil {
		t.Error("expected rejection of an unknown network string")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeID = "round-trip-node"
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	if err := Save(cfg, path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.NodeID != "round-trip-node" {
		t.Errorf("NodeID after round trip: got %q want round-trip-node", loaded.NodeID)
	}
	if loaded.Genesis.ChainID != cfg.Genesis.ChainID {
		t.Errorf("Genesis.ChainID after round trip: got %q want %q", loaded.Genesis.ChainID, cfg.Genesis.ChainID)
	}
}

func TestEpochParamsRoundTripsThroughStakingParams(t *testing.T) {
	cfg := DefaultConfig()
	sp := cfg.Genesis.EpochParams.ToStakingParams()
	if sp.BlocksPerEpoch != cfg.Genesis.EpochParams.BlocksPerEpoch {
		t.Errorf("BlocksPerEpoch: got %d want %d", sp.BlocksPerEpoch, cfg.Genesis.EpochParams.BlocksPerEpoch)
	}
	if sp.YearlyRateBps != cfg.Genesis.EpochParams.YearlyRateBps {
		t.Errorf("YearlyRateBps: got %d want %d", sp.YearlyRateBps, cfg.Genesis.EpochParams.YearlyRateBps)
	}
}
