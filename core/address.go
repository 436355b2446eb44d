package core

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/lvenc/node/crypto"
)

// Network selects which address prefix a node derives addresses with.
type Network int

const (
	Mainnet Network = iota
	Testnet
)

const (
	mainnetPrefix = "LVE"
	testnetPrefix = "tLVE"

	// addressSuffixLen is the number of hex chars kept from SHA-256 over the
	// hex-encoded public key, per the address format in SPEC_FULL.md.
	addressSuffixLen = 40
)

// Prefix returns the network's address prefix.
func (n Network) Prefix() string {
	if n == Testnet {
		return testnetPrefix
	}
	return mainnetPrefix
}

// DeriveAddress computes an address from a hex-encoded public key (either an
// ed25519 validator key or a secp256k1 wallet key — the address format does
// not distinguish the key kind). Addresses never embed balances.
func DeriveAddress(network Network, pubKeyHex string) string {
	sum := crypto.Hash([]byte(pubKeyHex))
	return network.Prefix() + sum[:addressSuffixLen]
}

// ParseAddress validates that addr carries a known network prefix and a
// well-formed hex suffix, returning the network it belongs to.
func ParseAddress(addr string) (Network, error) {
	switch {
	case strings.HasPrefix(addr, testnetPrefix):
		if err := validateSuffix(addr[len(testnetPrefix):]); err != nil {
			return 0, err
		}
		return Testnet, nil
	case strings.HasPrefix(addr, mainnetPrefix):
		if err := validateSuffix(addr[len(mainnetPrefix):]); err != nil {
			return 0, err
		}
		return Mainnet, nil
	default:
		return 0, fmt.Errorf("address %q: unknown network prefix", addr)
	}
}

func validateSuffix(suffix string) error {
	if len(suffix) != addressSuffixLen {
		return fmt.Errorf("address suffix length: got %d want %d", len(suffix), addressSuffixLen)
	}
	if _, err := hex.DecodeString(suffix); err != nil {
		return fmt.Errorf("address suffix not hex: %w", err)
	}
	return nil
}

// MatchesPubKey reports whether addr could have been derived from pubKeyHex
// under the given network, i.e. invariant (iii) of the transaction model:
// SHA256(publicKey) prefix == from suffix.
func MatchesPubKey(addr string, network Network, pubKeyHex string) bool {
	return addr == DeriveAddress(network, pubKeyHex)
}
