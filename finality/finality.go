// Package finality implements BFT attestation accumulation and
// stake-weighted finalization from SPEC_FULL.md §4.5.
package finality

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lvenc/node/core"
	"github.com/lvenc/node/crypto"
	"github.com/lvenc/node/events"
)

// CheckpointInterval is the block spacing at which a (height, hash) anchor
// is recorded; reorgs may never cross a recorded checkpoint.
const CheckpointInterval = 100

// Attestation is a validator's signed acceptance of a block. Signature
// covers SHA256(index‖hash‖validator).
type Attestation struct {
	BlockIndex int64  `json:"blockIndex"`
	BlockHash  string `json:"blockHash"`
	Validator  string `json:"validator"`
	Signature  string `json:"signature"`
	Timestamp  int64  `json:"timestamp"`
}

func signingPreimage(a Attestation) []byte {
	return crypto.HashBytes([]byte(fmt.Sprintf("%d%s%s", a.BlockIndex, a.BlockHash, a.Validator)))
}

// Sign fills Signature using the validator's Ed25519 consensus key.
func (a *Attestation) Sign(priv crypto.PrivateKey) {
	a.Signature = crypto.Sign(priv, signingPreimage(*a))
}

// Verify checks Signature under the validator's consensus public key.
func (a *Attestation) Verify(pub crypto.PublicKey) error {
	return crypto.Verify(pub, signingPreimage(*a), a.Signature)
}

// Engine accumulates attestations in memory (they are re-derivable from the
// gossip log on restart, unlike ledger state) and tracks finalization.
type Engine struct {
	mu       sync.Mutex
	emitter  *events.Emitter
	votes    map[string]map[string]uint64 // "index:hash" -> validator -> stake
	finalized map[int64]string
	highest  int64
}

// NewEngine returns an empty Engine.
func NewEngine(emitter *events.Emitter) *Engine {
	return &Engine{
		emitter:   emitter,
		votes:     make(map[string]map[string]uint64),
		finalized: make(map[int64]string),
	}
}

func voteKey(index int64, hash string) string {
	return fmt.Sprintf("%d:%s", index, hash)
}

// Accumulate records att's stake-weight vote. validatorStake is the
// validator's effective stake at the time the attestation is processed.
// Conflicting attestations from one validator for the same height are not
// detected, here or by the coordinator: each is counted in the bucket of the
// hash it names.
//
// Returns true if this vote newly finalizes (blockIndex, blockHash).
func (e *Engine) Accumulate(state core.State, att Attestation, validatorStake, totalActiveStake uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	finalizedState, err := state.GetFinalized()
	if err != nil {
		return false, core.NewError(core.KindStorage, err)
	}
	if att.BlockIndex <= finalizedState.Highest {
		if existing, ok := finalizedState.Heights[att.BlockIndex]; ok && existing != att.BlockHash {
			return false, core.NewError(core.KindConsensus, fmt.Errorf("attestation for %d targets non-finalized hash at an already-finalized height", att.BlockIndex))
		}
	}

	key := voteKey(att.BlockIndex, att.BlockHash)
	if e.votes[key] == nil {
		e.votes[key] = make(map[string]uint64)
	}
	e.votes[key][att.Validator] = validatorStake

	var total uint64
	for _, stake := range e.votes[key] {
		total += stake
	}
	threshold := totalActiveStake * 2 / 3

	if total < threshold {
		return false, nil
	}
	if existing, ok := finalizedState.Heights[att.BlockIndex]; ok {
		if existing != att.BlockHash {
			return false, core.NewError(core.KindConsensus, fmt.Errorf("conflicting finalization at height %d", att.BlockIndex))
		}
		return false, nil // already finalized
	}

	if finalizedState.Heights == nil {
		finalizedState.Heights = map[int64]string{}
	}
	finalizedState.Heights[att.BlockIndex] = att.BlockHash
	if att.BlockIndex > finalizedState.Highest {
		finalizedState.Highest = att.BlockIndex
	}
	if err := state.SetFinalized(finalizedState); err != nil {
		return false, core.NewError(core.KindStorage, err)
	}

	if att.BlockIndex%CheckpointInterval == 0 {
		if err := state.AppendCheckpoint(&core.Checkpoint{Height: att.BlockIndex, Hash: att.BlockHash, Timestamp: att.Timestamp}); err != nil {
			return false, core.NewError(core.KindStorage, err)
		}
	}

	if e.emitter != nil {
		e.emitter.Emit(events.Event{Type: events.EventFinalized, BlockHeight: att.BlockIndex, Data: map[string]any{"hash": att.BlockHash}})
	}
	return true, nil
}

// IsFinalized reports whether height is at or below the last finalized
// index recorded in state.
func IsFinalized(state core.State, height int64) (bool, error) {
	f, err := state.GetFinalized()
	if err != nil {
		return false, core.NewError(core.KindStorage, err)
	}
	return height <= f.Highest, nil
}

// RejectsReorg reports whether a reorg from fork point forkPoint would cross
// the latest recorded checkpoint, i.e. whether forkPoint is below its height.
// It does not look at finalized heights; IsFinalized covers those.
func RejectsReorg(state core.State, forkPoint int64) (bool, error) {
	latest, err := state.LatestCheckpoint()
	if err != nil {
		return false, core.NewError(core.KindStorage, err)
	}
	if latest == nil {
		return false, nil
	}
	return forkPoint < latest.Height, nil
}

// sortedKeys returns the vote-bucket keys in ascending order.
func (e *Engine) sortedKeys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.votes))
	for k := range e.votes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
