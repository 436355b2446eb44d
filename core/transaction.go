package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lvenc/node/crypto"
)

// TxType identifies the kind of operation a transaction performs.
type TxType string

const (
	TxTransfer   TxType = "TRANSFER"
	TxStake      TxType = "STAKE"
	TxUnstake    TxType = "UNSTAKE"
	TxDelegate   TxType = "DELEGATE"
	TxUndelegate TxType = "UNDELEGATE"
	TxPoolOp     TxType = "POOL_OP"

	// TxDoubleSign and TxLivenessFault carry slashing evidence as system
	// transactions: the producer who observed the fault packages it, and
	// every node applies the identical penalty during ordinary block
	// execution instead of detecting the offence live.
	TxDoubleSign    TxType = "DOUBLE_SIGN"
	TxLivenessFault TxType = "LIVENESS_FAULT"
)

// StakePoolAddress and PoolAddress are reserved `to` values: staking
// operations target StakePoolAddress, AMM operations target PoolAddress.
const (
	StakePoolAddress = "STAKE_POOL"
	PoolAddress      = "POOL"
)

// Transaction is the atomic unit of work on the chain. From holds the
// sender's address, or "" for a system transaction (see IsSystem).
// Signature covers the concatenation From‖To‖Amount‖Fee‖Timestamp‖Nonce‖ChainID.
type Transaction struct {
	ID        string          `json:"id"`
	Type      TxType          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    uint64          `json:"amount"`
	Fee       uint64          `json:"fee"`
	Timestamp int64           `json:"timestamp"`
	Nonce     uint64          `json:"nonce"`
	ChainID   string          `json:"chainId"`
	Signature string          `json:"signature"`
	Data      json.RawMessage `json:"data,omitempty"`

	// FromPubKey carries the hex-encoded claimed public key so From's
	// address can be re-derived and checked against it (invariant iii).
	// It travels alongside the tx but is not itself part of the signing
	// pre-image -- the address already binds to a specific key.
	FromPubKey string `json:"fromPubKey,omitempty"`
}

// IsSystem reports whether tx bypasses signature checks per invariant (iv):
// system transactions have no From, and are only ever emitted by the
// protocol itself (epoch minting, slash evidence), never admitted from the
// wire into the mempool.
func (tx *Transaction) IsSystem() bool {
	return tx.From == ""
}

// signingPreimage builds the exact concatenation the spec mandates:
// from ‖ to ‖ amount ‖ fee ‖ timestamp ‖ nonce ‖ chainId.
func (tx *Transaction) signingPreimage() []byte {
	return []byte(fmt.Sprintf("%s%s%d%d%d%d%s",
		tx.From, tx.To, tx.Amount, tx.Fee, tx.Timestamp, tx.Nonce, tx.ChainID))
}

// Sign signs the transaction with a wallet (secp256k1) key and assigns a
// fresh UUID as ID; FromPubKey and From must already be set.
func (tx *Transaction) Sign(priv *crypto.WalletPrivateKey) {
	tx.Signature = crypto.SignWallet(priv, tx.signingPreimage())
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
}

// Verify checks invariants (ii) and (iii): From derives from FromPubKey
// under network, and the signature verifies against that key. System
// transactions (IsSystem) bypass this entirely, per invariant (iv); the
// caller is responsible for only ever constructing those internally.
func (tx *Transaction) Verify(network Network) error {
	if tx.IsSystem() {
		return nil
	}
	if tx.ChainID == "" {
		return NewError(KindValidation, fmt.Errorf("missing chainId"))
	}
	if tx.FromPubKey == "" {
		return NewError(KindValidation, fmt.Errorf("missing fromPubKey"))
	}
	if !MatchesPubKey(tx.From, network, tx.FromPubKey) {
		return NewError(KindValidation, fmt.Errorf("from %q does not match pubkey", tx.From))
	}
	pub, err := crypto.WalletPubKeyFromHex(tx.FromPubKey)
	if err != nil {
		return NewError(KindValidation, fmt.Errorf("invalid fromPubKey: %w", err))
	}
	if err := crypto.VerifyWallet(pub, tx.signingPreimage(), tx.Signature); err != nil {
		return NewError(KindValidation, fmt.Errorf("signature verification failed: %w", err))
	}
	return nil
}

// NewTransaction builds an unsigned transaction stamped with the current
// wall-clock time. Call Sign afterward (non-system transactions only).
func NewTransaction(typ TxType, from, to string, amount, fee, nonce uint64, chainID string, data any) (*Transaction, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal data: %w", err)
		}
		raw = b
	}
	return &Transaction{
		Type:      typ,
		From:      from,
		To:        to,
		Amount:    amount,
		Fee:       fee,
		Timestamp: time.Now().UnixMilli(),
		Nonce:     nonce,
		ChainID:   chainID,
		Data:      raw,
	}, nil
}

// NewSystemTransaction builds a protocol-emitted transaction (epoch mint,
// slash evidence) that bypasses signature verification per invariant (iv).
// It is never admitted from the mempool or the wire. No block-assembly path
// calls it: neither the producer nor the coordinator builds system
// transactions.
func NewSystemTransaction(typ TxType, to string, amount uint64, chainID string, data any) (*Transaction, error) {
	tx, err := NewTransaction(typ, "", to, amount, 0, 0, chainID, data)
	if err != nil {
		return nil, err
	}
	tx.ID = uuid.NewString()
	return tx, nil
}

// ---- Payload types (carried in Data) ----

// StakePayload is the Data for STAKE/UNSTAKE transactions. ConsensusPubKey
// is only required the first time an operator stakes above minValidatorStake.
type StakePayload struct {
	ConsensusPubKey string `json:"consensusPubKey,omitempty"`
}

// DelegatePayload is the Data for DELEGATE/UNDELEGATE transactions.
type DelegatePayload struct {
	Validator string `json:"validator"`
}

// PoolOpKind is the opcode for an AMM operation packed alongside Amount.
type PoolOpKind string

const (
	PoolOpInitialize      PoolOpKind = "INITIALIZE"
	PoolOpAddLiquidity    PoolOpKind = "ADD_LIQUIDITY"
	PoolOpRemoveLiquidity PoolOpKind = "REMOVE_LIQUIDITY"
	PoolOpSwap            PoolOpKind = "SWAP"
)

// PoolOpPayload is the Data for POOL_OP transactions. Per the Open Question
// resolution in DESIGN.md, the second amount for Initialize/AddLiquidity
// lives here (AmountB), never overloaded onto Fee. Amount on the enclosing
// Transaction carries the primary amount (a for liquidity ops, amountIn for
// swaps, lp for remove-liquidity).
type PoolOpPayload struct {
	Op        PoolOpKind `json:"op"`
	AmountB   uint64     `json:"amountB,omitempty"`   // second reserve amount for Initialize/AddLiquidity
	TokenIn   string     `json:"tokenIn,omitempty"`   // "A" or "B", for Swap
	MinOut    uint64     `json:"minOut,omitempty"`    // for Swap
}
