package wallet

import (
	"github.com/lvenc/node/core"
	"github.com/lvenc/node/crypto"
)

// Wallet holds a secp256k1 key pair and provides transaction-building
// helpers for a token holder. Validator consensus identity uses a separate
// ed25519 key (see keystore.go), per the crypto primitives split in
// SPEC_FULL.md §2.
type Wallet struct {
	priv *crypto.WalletPrivateKey
	pub  *crypto.WalletPublicKey
}

// New creates a Wallet from an existing secp256k1 private key.
func New(priv *crypto.WalletPrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated secp256k1 key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateWalletKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() *crypto.WalletPrivateKey {
	return w.priv
}

// PubKeyHex returns the hex-encoded compressed secp256k1 public key,
// carried on transactions as FromPubKey.
func (w *Wallet) PubKeyHex() string {
	return w.pub.Hex()
}

// Address derives this wallet's address under the given network, per the
// address format in SPEC_FULL.md §3.
func (w *Wallet) Address(network core.Network) string {
	return core.DeriveAddress(network, w.pub.Hex())
}

// NewTx builds and signs a transaction of the given type. The caller
// supplies the correct next nonce (account nonce + 1 + pending count).
func (w *Wallet) NewTx(chainID string, typ core.TxType, network core.Network, to string, amount, fee, nonce uint64, data any) (*core.Transaction, error) {
	tx, err := core.NewTransaction(typ, w.Address(network), to, amount, fee, nonce, chainID, data)
	if err != nil {
		return nil, err
	}
	tx.FromPubKey = w.pub.Hex()
	tx.Sign(w.priv)
	return tx, nil
}

// Transfer builds a signed TRANSFER transaction.
func (w *Wallet) Transfer(chainID string, network core.Network, to string, amount, fee, nonce uint64) (*core.Transaction, error) {
	return w.NewTx(chainID, core.TxTransfer, network, to, amount, fee, nonce, nil)
}

// Stake builds a signed STAKE transaction, registering consensusPubKey the
// first time the operator stakes (pass "" on subsequent top-ups).
func (w *Wallet) Stake(chainID string, network core.Network, amount, fee, nonce uint64, consensusPubKey string) (*core.Transaction, error) {
	return w.NewTx(chainID, core.TxStake, network, core.StakePoolAddress, amount, fee, nonce, core.StakePayload{ConsensusPubKey: consensusPubKey})
}

// Unstake builds a signed UNSTAKE transaction.
func (w *Wallet) Unstake(chainID string, network core.Network, amount, fee, nonce uint64) (*core.Transaction, error) {
	return w.NewTx(chainID, core.TxUnstake, network, core.StakePoolAddress, amount, fee, nonce, nil)
}

// Delegate builds a signed DELEGATE transaction targeting validator.
func (w *Wallet) Delegate(chainID string, network core.Network, validator string, amount, fee, nonce uint64) (*core.Transaction, error) {
	return w.NewTx(chainID, core.TxDelegate, network, core.StakePoolAddress, amount, fee, nonce, core.DelegatePayload{Validator: validator})
}

// Undelegate builds a signed UNDELEGATE transaction targeting validator.
func (w *Wallet) Undelegate(chainID string, network core.Network, validator string, amount, fee, nonce uint64) (*core.Transaction, error) {
	return w.NewTx(chainID, core.TxUndelegate, network, core.StakePoolAddress, amount, fee, nonce, core.DelegatePayload{Validator: validator})
}

// PoolOp builds a signed POOL_OP transaction. amount is the primary operand
// (a for liquidity ops, amountIn for swaps, lp for remove-liquidity);
// payload carries the opcode and any secondary operand.
func (w *Wallet) PoolOp(chainID string, network core.Network, amount, fee, nonce uint64, payload core.PoolOpPayload) (*core.Transaction, error) {
	return w.NewTx(chainID, core.TxPoolOp, network, core.PoolAddress, amount, fee, nonce, payload)
}
