package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// WalletPrivateKey wraps a secp256k1 private key used by token holders to
// sign transactions. Validator/node identity keys stay on ed25519 (see
// keys.go); this split follows the crypto primitives table in SPEC_FULL.md.
type WalletPrivateKey struct {
	key *secp256k1.PrivateKey
}

// WalletPublicKey wraps a secp256k1 public key in compressed form.
type WalletPublicKey struct {
	key *secp256k1.PublicKey
}

// GenerateWalletKeyPair generates a new secp256k1 key pair.
func GenerateWalletKeyPair() (*WalletPrivateKey, *WalletPublicKey, error) {
	priv, err := secp256k1.GeneratePrivateKeyFromRand(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return &WalletPrivateKey{key: priv}, &WalletPublicKey{key: priv.PubKey()}, nil
}

// Hex returns the compressed, hex-encoded public key (33 bytes -> 66 chars).
func (pub *WalletPublicKey) Hex() string {
	return hex.EncodeToString(pub.key.SerializeCompressed())
}

// Bytes returns the compressed public key bytes.
func (pub *WalletPublicKey) Bytes() []byte {
	return pub.key.SerializeCompressed()
}

// Hex returns the hex-encoded private key scalar.
func (priv *WalletPrivateKey) Hex() string {
	return hex.EncodeToString(priv.key.Serialize())
}

// Public derives the public key from the private key.
func (priv *WalletPrivateKey) Public() *WalletPublicKey {
	return &WalletPublicKey{key: priv.key.PubKey()}
}

// WalletPubKeyFromHex decodes a hex-encoded compressed secp256k1 public key.
func WalletPubKeyFromHex(s string) (*WalletPublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet pubkey hex: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse wallet pubkey: %w", err)
	}
	return &WalletPublicKey{key: pub}, nil
}

// WalletPrivKeyFromHex decodes a hex-encoded secp256k1 private key scalar.
func WalletPrivKeyFromHex(s string) (*WalletPrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet privkey hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("wallet privkey must be 32 bytes, got %d", len(b))
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	return &WalletPrivateKey{key: priv}, nil
}

// SignWallet signs data with a secp256k1 key, returning a DER-encoded
// signature over SHA-256(data), hex-encoded.
func SignWallet(priv *WalletPrivateKey, data []byte) string {
	digest := HashBytes(data)
	sig := ecdsa.Sign(priv.key, digest)
	return hex.EncodeToString(sig.Serialize())
}

// VerifyWallet verifies a secp256k1 signature produced by SignWallet.
func VerifyWallet(pub *WalletPublicKey, data []byte, sigHex string) error {
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	digest := HashBytes(data)
	if !sig.Verify(digest, pub.key) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
