package config

import (
	"strings"

	"github.com/lvenc/node/core"
)

// GenesisHash is the canonical all-zeros previous-hash fed into the genesis
// block itself (block #0 has no parent).
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"[:64]

// IsGenesisHash returns true if hash is the canonical genesis prev-hash.
func IsGenesisHash(hash string) bool {
	return len(hash) == 64 && strings.Count(hash, "0") == 64
}

// BuildGenesisBlock constructs block #0 deterministically from cfg.Genesis:
// index 0, the all-zeros previous hash, an empty transaction list and
// GenesisTimestamp as its timestamp, then computes the block hash. Two nodes
// configured with the same GenesisConfig always produce byte-identical
// output. The hash covers only the fields Block.ComputeHash reads, so the
// chain ID, faucet, balances and validator set do not change it. It writes
// no state; ApplyGenesisState credits balances and seeds the validator set.
//
// The caller is expected to persist the returned block as the chain's
// block #0 via Blockchain.AddBlock before starting the block producer.
func BuildGenesisBlock(cfg *Config) (*core.Block, error) {
	g := cfg.Genesis

	block := core.NewBlock(0, GenesisHash, "", 0, nil)
	block.Timestamp = g.GenesisTimestamp
	block.Hash = block.ComputeHash()
	return block, nil
}

// ApplyGenesisState credits genesis balances and seeds the validator set
// into state. It must run exactly once, against a State with no prior
// writes, before the genesis block's ComputeRoot/Commit.
func ApplyGenesisState(cfg *Config, state core.State) error {
	g := cfg.Genesis

	faucet := &core.Account{Address: g.FaucetAddress, Balance: g.InitialSupply}
	if err := state.SetAccount(faucet); err != nil {
		return err
	}
	totalSupply := g.InitialSupply

	for _, b := range g.InitialBalances {
		acc, err := state.GetAccount(b.Address)
		if err != nil {
			return err
		}
		acc.Balance += b.Balance
		if err := state.SetAccount(acc); err != nil {
			return err
		}
		totalSupply += b.Balance
	}
	if err := state.SetTotalSupply(totalSupply); err != nil {
		return err
	}

	for _, v := range g.Validators {
		rec := &core.ValidatorRecord{
			Operator:        v.OperatorAddress,
			ConsensusPubKey: v.ConsensusPubKey,
			SelfStake:       v.Power,
			Delegations:     map[string]uint64{},
			Active:          true,
		}
		if err := state.SetValidator(rec); err != nil {
			return err
		}
	}

	return nil
}
