package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/lvenc/node/core"
	"github.com/lvenc/node/staking"
)

// microUnit is the fixed-point scale named in SPEC_FULL.md §4.2: one whole
// token is 1e6 of the smallest balance unit tracked by core.Account.
const microUnit = 1_000_000

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// InitialBalance is one non-faucet account funded at genesis.
type InitialBalance struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

// GenesisValidator is one validator seeded directly into the active set at
// genesis, bypassing the normal stake-then-wait-for-epoch-boundary path.
type GenesisValidator struct {
	OperatorAddress string `json:"operatorAddress"`
	ConsensusPubKey string `json:"consensusPubKey"`
	Power           uint64 `json:"power"` // seeded as SelfStake
	Moniker         string `json:"moniker"`
}

// EpochParams mirrors staking.Params with JSON field names matching
// genesis.json's epochParams object.
type EpochParams struct {
	BlocksPerEpoch     int64  `json:"blocksPerEpoch"`
	UnbondingBlocks    int64  `json:"unbondingBlocks"`
	MinValidatorStake  uint64 `json:"minValidatorStake"`
	MinDelegation      uint64 `json:"minDelegation"`
	BlocksPerYear      int64  `json:"blocksPerYear"`
	YearlyRateBps      uint64 `json:"yearlyRateBps"`
	MaxBurnPerEpochBps uint64 `json:"maxBurnPerEpochBps"`
}

// ToStakingParams converts to the staking package's runtime type.
func (p EpochParams) ToStakingParams() staking.Params {
	return staking.Params{
		BlocksPerEpoch:     p.BlocksPerEpoch,
		UnbondingBlocks:    p.UnbondingBlocks,
		MinValidatorStake:  p.MinValidatorStake,
		MinDelegation:      p.MinDelegation,
		BlocksPerYear:      p.BlocksPerYear,
		YearlyRateBps:      p.YearlyRateBps,
		MaxBurnPerEpochBps: p.MaxBurnPerEpochBps,
	}
}

func epochParamsFromStaking(p staking.Params) EpochParams {
	return EpochParams{
		BlocksPerEpoch:     p.BlocksPerEpoch,
		UnbondingBlocks:    p.UnbondingBlocks,
		MinValidatorStake:  p.MinValidatorStake,
		MinDelegation:      p.MinDelegation,
		BlocksPerYear:      p.BlocksPerYear,
		YearlyRateBps:      p.YearlyRateBps,
		MaxBurnPerEpochBps: p.MaxBurnPerEpochBps,
	}
}

// GenesisConfig describes the chain's initial state, matching the
// genesis.json shape from SPEC_FULL.md §6.
type GenesisConfig struct {
	ChainID          string             `json:"chainId"`
	GenesisTimestamp int64              `json:"genesisTime"` // unix millis
	FaucetAddress    string             `json:"faucetAddress"`
	InitialSupply    uint64             `json:"initialSupply"` // credited to FaucetAddress
	InitialBalances  []InitialBalance   `json:"initialBalances,omitempty"`
	Validators       []GenesisValidator `json:"validators"`
	EpochParams      EpochParams        `json:"epochParams"`
}

// MempoolConfig holds the admission parameters from SPEC_FULL.md §4.1 in a
// JSON-friendly shape (TransferCapWindow as whole seconds).
type MempoolConfig struct {
	MinFee                uint64 `json:"minFee"`
	MinAmount             uint64 `json:"minAmount"`
	MaxPending            int    `json:"maxPending"`
	MaxTxPerBlock         int    `json:"maxTxPerBlock"`
	TransferCapWindowSecs int    `json:"transferCapWindowSecs"`
	TransferCapAmount     uint64 `json:"transferCapAmount"`
}

// ToMempoolParams converts to core.MempoolParams for the given network.
func (m MempoolConfig) ToMempoolParams(chainID string, network core.Network) core.MempoolParams {
	return core.MempoolParams{
		ChainID:           chainID,
		Network:           network,
		MinFee:            m.MinFee,
		MinAmount:         m.MinAmount,
		MaxPending:        m.MaxPending,
		MaxTxPerBlock:     m.MaxTxPerBlock,
		TransferCapWindow: time.Duration(m.TransferCapWindowSecs) * time.Second,
		TransferCapAmount: m.TransferCapAmount,
	}
}

// Config holds all node configuration.
type Config struct {
	NodeID  string `json:"node_id"`
	DataDir string `json:"data_dir"`
	Network string `json:"network"` // "mainnet" | "testnet"
	P2PPort int    `json:"p2p_port"`

	MaxBlockTxs int `json:"max_block_txs"` // max transactions per block; 0 → 500

	Genesis GenesisConfig `json:"genesis"`
	Mempool MempoolConfig `json:"mempool"`

	// LogFile, when non-empty, rotates log output through a lumberjack.Logger
	// instead of stderr; the three LogMax* fields mirror lumberjack.Logger's
	// MaxSize, MaxBackups and MaxAge and fall back to its defaults when zero
	// (rotate at 100 MB, keep every rotated file regardless of count or age).
	// Rotated files are never compressed.
	LogFile       string `json:"log_file,omitempty"`
	LogMaxSizeMB  int    `json:"log_max_size_mb,omitempty"`
	LogMaxBackups int    `json:"log_max_backups,omitempty"`
	LogMaxAgeDays int    `json:"log_max_age_days,omitempty"`

	SeedPeers []SeedPeer `json:"seed_peers,omitempty"` // initial peers to connect to
	TLS       *TLSConfig `json:"tls,omitempty"`        // nil → plain TCP

	// ValidatorKeyPath points at an encrypted ed25519 keystore (see
	// wallet.LoadKey) holding this node's consensus signing key. Empty means
	// this node runs sync-only, with no local block production.
	ValidatorKeyPath         string `json:"validator_key_path,omitempty"`
	ValidatorOperatorAddress string `json:"validator_operator_address,omitempty"`
}

// NetworkValue parses the Network field into a core.Network.
func (c *Config) NetworkValue() (core.Network, error) {
	switch c.Network {
	case "mainnet":
		return core.Mainnet, nil
	case "testnet", "":
		return core.Testnet, nil
	default:
		return 0, fmt.Errorf("network: unknown value %q", c.Network)
	}
}

// DefaultConfig returns the single-node development configuration that
// reproduces the genesis scenario from SPEC_FULL.md §8 (E1): chainId
// "lvenc-testnet-1", faucet balance and total supply of 1,000,000 whole
// tokens, genesis timestamp 1767225600000.
func DefaultConfig() *Config {
	return &Config{
		NodeID:      "node0",
		DataDir:     "./data",
		Network:     "testnet",
		P2PPort:     30303,
		MaxBlockTxs: 500,
		Genesis: GenesisConfig{
			ChainID:          "lvenc-testnet-1",
			GenesisTimestamp: 1767225600000,
			FaucetAddress:    "tLVE0000000000000000000000000000000000001",
			InitialSupply:    1_000_000 * microUnit,
			EpochParams:      epochParamsFromStaking(staking.DefaultParams()),
		},
		Mempool: MempoolConfig{
			MinFee:                0,
			MinAmount:             0,
			MaxPending:            10_000,
			MaxTxPerBlock:         1_000,
			TransferCapWindowSecs: 60,
			TransferCapAmount:     1_000_000_000 * microUnit,
		},
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if _, err := c.NetworkValue(); err != nil {
		return err
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chainId must not be empty")
	}
	if c.Genesis.FaucetAddress == "" {
		return fmt.Errorf("genesis.faucetAddress must not be empty")
	}
	if c.Genesis.GenesisTimestamp <= 0 {
		return fmt.Errorf("genesis.genesisTime must be positive")
	}
	if c.Genesis.InitialSupply == 0 {
		return fmt.Errorf("genesis.initialSupply must be positive")
	}
	seen := make(map[string]bool, len(c.Genesis.Validators))
	for i, v := range c.Genesis.Validators {
		if v.OperatorAddress == "" {
			return fmt.Errorf("genesis.validators[%d]: operatorAddress must not be empty", i)
		}
		if v.ConsensusPubKey == "" {
			return fmt.Errorf("genesis.validators[%d]: consensusPubKey must not be empty", i)
		}
		if v.Power == 0 {
			return fmt.Errorf("genesis.validators[%d]: power must be positive", i)
		}
		if seen[v.OperatorAddress] {
			return fmt.Errorf("genesis.validators[%d]: duplicate operatorAddress %s", i, v.OperatorAddress)
		}
		seen[v.OperatorAddress] = true
	}
	if c.Genesis.EpochParams.BlocksPerEpoch <= 0 {
		return fmt.Errorf("genesis.epochParams.blocksPerEpoch must be positive")
	}
	if c.Genesis.EpochParams.BlocksPerYear <= 0 {
		return fmt.Errorf("genesis.epochParams.blocksPerYear must be positive")
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
