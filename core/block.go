package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lvenc/node/crypto"
)

// Block is a single entry in the chain log. Hash = SHA-256 over the
// concatenation Index‖Timestamp‖Σ JSON(tx)‖PreviousHash‖Nonce‖Difficulty.
// Difficulty is always 0: this chain is PoS, the field exists only so the
// wire format documents that explicitly rather than omitting it.
type Block struct {
	Index             int64          `json:"index"`
	Timestamp         int64          `json:"timestamp"`
	PreviousHash      string         `json:"previousHash"`
	Transactions      []*Transaction `json:"transactions"`
	Hash              string         `json:"hash"`
	Difficulty        uint64         `json:"difficulty"`
	Nonce             uint64         `json:"nonce"`
	Producer          string         `json:"producer"`   // validator operator address
	SlotNumber        uint64         `json:"slotNumber"`
	ProducerSignature string         `json:"producerSignature"`
}

// ComputeHash reproduces the block hash from its fields. Transaction JSON
// encodings are concatenated in transaction order; each transaction is
// marshalled independently (not as one array) to match the concatenation
// formula literally rather than JSON array framing.
func (b *Block) ComputeHash() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d%d", b.Index, b.Timestamp)
	for _, tx := range b.Transactions {
		data, err := json.Marshal(tx)
		if err != nil {
			return ""
		}
		buf.Write(data)
	}
	fmt.Fprintf(&buf, "%s%d%d", b.PreviousHash, b.Nonce, b.Difficulty)
	return crypto.Hash(buf.Bytes())
}

// signingPreimage returns the domain-separated signing data for
// ProducerSignature: "chainId:index:hash".
func (b *Block) signingPreimage(chainID string) []byte {
	return []byte(fmt.Sprintf("%s:%d:%s", chainID, b.Index, b.Hash))
}

// Sign sets Hash and signs it with the producer's Ed25519 validator key.
func (b *Block) Sign(chainID string, priv crypto.PrivateKey) {
	b.Hash = b.ComputeHash()
	b.ProducerSignature = crypto.Sign(priv, b.signingPreimage(chainID))
}

// Verify checks that Hash matches the recomputed hash and that
// ProducerSignature is valid under pub.
func (b *Block) Verify(chainID string, pub crypto.PublicKey) error {
	if computed := b.ComputeHash(); b.Hash != computed {
		return NewError(KindValidation, fmt.Errorf("block hash mismatch: stored %s computed %s", b.Hash, computed))
	}
	if err := crypto.Verify(pub, b.signingPreimage(chainID), b.ProducerSignature); err != nil {
		return NewError(KindValidation, fmt.Errorf("producer signature invalid: %w", err))
	}
	return nil
}

// NewBlock creates an unsigned block with the current wall-clock timestamp.
func NewBlock(index int64, prevHash, producer string, slotNumber uint64, txs []*Transaction) *Block {
	return &Block{
		Index:        index,
		Timestamp:    time.Now().UnixMilli(),
		PreviousHash: prevHash,
		Transactions: txs,
		Difficulty:   0,
		Producer:     producer,
		SlotNumber:   slotNumber,
	}
}
