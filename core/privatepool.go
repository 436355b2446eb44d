package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxPrivatePending  = 1000
	privateEntryMaxAge = 100 // blocks past target before pruning
	gcmIVSize          = 12
)

// EncryptedEntry is one submission to the encrypted ("private") mempool.
// The plaintext transaction is hidden until SubmitBlock+1, per the
// commit-reveal-style scheme in SPEC_FULL.md §4.1.
type EncryptedEntry struct {
	ID          string `json:"id"`
	Ciphertext  []byte `json:"ciphertext"`
	IV          []byte `json:"iv"`
	AuthTag     []byte `json:"authTag"`
	Sender      string `json:"sender"`
	SubmitBlock int64  `json:"submitBlock"`
	Timestamp   int64  `json:"timestamp"`
}

// PrivatePool holds pending encrypted transactions.
type PrivatePool struct {
	mu      sync.RWMutex
	entries map[string]*EncryptedEntry
}

// NewPrivatePool creates an empty private pool.
func NewPrivatePool() *PrivatePool {
	return &PrivatePool{entries: make(map[string]*EncryptedEntry)}
}

// Submit admits an encrypted entry, checking only the pool's capacity and
// that its ID is not already pending -- plaintext validity cannot be checked
// until decryption at SubmitBlock+1.
func (p *PrivatePool) Submit(e *EncryptedEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) >= maxPrivatePending {
		return NewError(KindPolicy, fmt.Errorf("private pool full"))
	}
	if _, exists := p.entries[e.ID]; exists {
		return NewError(KindValidation, fmt.Errorf("entry %s already submitted", e.ID))
	}
	p.entries[e.ID] = e
	return nil
}

// Eligible returns entries ready for decryption and inclusion at
// currentBlock, i.e. currentBlock >= SubmitBlock+1.
func (p *PrivatePool) Eligible(currentBlock int64) []*EncryptedEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*EncryptedEntry
	for _, e := range p.entries {
		if currentBlock >= e.SubmitBlock+1 {
			out = append(out, e)
		}
	}
	return out
}

// Remove deletes entries by ID, called once they have been decrypted and
// either admitted or dropped.
func (p *PrivatePool) Remove(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		delete(p.entries, id)
	}
}

// Prune drops entries more than privateEntryMaxAge blocks past their target,
// including ones that were never successfully decrypted.
func (p *PrivatePool) Prune(currentBlock int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		if currentBlock > e.SubmitBlock+privateEntryMaxAge {
			delete(p.entries, id)
		}
	}
}

// deriveBlockSecret derives the per-block secret from the target block's
// hash, which is only known once that block exists.
//
// This is NOT a true commit-reveal scheme: per the Open Question resolution
// in DESIGN.md, the block hash (and therefore this secret) is derivable in
// advance by anyone who can predict the slot's producer under the
// deterministic VRF-style selection in SPEC_FULL.md §4.6. A production
// deployment wanting real pre-inclusion secrecy needs a threshold-encryption
// scheme instead; this limitation is intentionally not silently "fixed"
// here.
func deriveBlockSecret(blockHash string) []byte {
	sum := sha256.Sum256([]byte(blockHash))
	return sum[:]
}

func derivePerTxKey(sender string, submitBlock int64, blockSecret []byte) []byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s%d", sender, submitBlock)
	h.Write(blockSecret)
	return h.Sum(nil) // 32 bytes, full AES-256 key
}

// EncryptPrivateTx seals tx for submission to the private pool. blockHash is
// the hash of the block at height submitBlock, which the sender must
// already know (or predict) to compute the same key the decrypting producer
// will later derive.
func EncryptPrivateTx(tx *Transaction, submitBlock int64, blockHash string) (*EncryptedEntry, error) {
	plaintext, err := json.Marshal(tx)
	if err != nil {
		return nil, NewError(KindValidation, fmt.Errorf("marshal tx: %w", err))
	}
	key := derivePerTxKey(tx.From, submitBlock, deriveBlockSecret(blockHash))
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewError(KindInternal, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmIVSize)
	if err != nil {
		return nil, NewError(KindInternal, err)
	}
	iv := make([]byte, gcmIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, NewError(KindInternal, err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	return &EncryptedEntry{
		ID:          uuid.NewString(),
		Ciphertext:  sealed[:tagStart],
		IV:          iv,
		AuthTag:     sealed[tagStart:],
		Sender:      tx.From,
		SubmitBlock: submitBlock,
		Timestamp:   time.Now().UnixMilli(),
	}, nil
}

// DecryptPrivateTx attempts to recover the plaintext transaction now that
// blockHash (the hash of the block at e.SubmitBlock) is known. Authentication
// failures are the caller's signal to drop the entry silently, per
// SPEC_FULL.md §4.1.
func DecryptPrivateTx(e *EncryptedEntry, blockHash string) (*Transaction, error) {
	key := derivePerTxKey(e.Sender, e.SubmitBlock, deriveBlockSecret(blockHash))
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewError(KindInternal, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmIVSize)
	if err != nil {
		return nil, NewError(KindInternal, err)
	}
	sealed := append(append([]byte{}, e.Ciphertext...), e.AuthTag...)
	plaintext, err := gcm.Open(nil, e.IV, sealed, nil)
	if err != nil {
		return nil, NewError(KindValidation, fmt.Errorf("decrypt private tx %s: %w", e.ID, err))
	}
	var tx Transaction
	if err := json.Unmarshal(plaintext, &tx); err != nil {
		return nil, NewError(KindValidation, fmt.Errorf("unmarshal decrypted tx: %w", err))
	}
	return &tx, nil
}
