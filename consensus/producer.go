// Package consensus implements slot-based Proof-of-Stake block production
// and validation: weighted validator selection seeded from the chain, block
// assembly, and the full validator-side check sequence.
package consensus

import (
	"encoding/binary"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/lvenc/node/config"
	"github.com/lvenc/node/core"
	"github.com/lvenc/node/crypto"
	"github.com/lvenc/node/events"
	"github.com/lvenc/node/slashing"
	"github.com/lvenc/node/staking"
	"github.com/lvenc/node/vm"
)

// SlotDuration is the fixed wall-clock length of one slot.
const SlotDuration = 30 * time.Second

// Producer runs the slot scheduler for one local validator identity.
type Producer struct {
	cfg       *config.Config
	bc        *core.Blockchain
	state     core.State
	mempool   *core.Mempool
	exec      *vm.Executor
	emitter   *events.Emitter
	staking     *staking.Engine
	privatePool *core.PrivatePool
	privKey     crypto.PrivateKey
	pubKey      crypto.PublicKey
	operator    string
	lastSlot    int64
}

// NewProducer builds a Producer for the validator identified by operator
// (its staking ledger address) and privKey (its consensus signing key).
// privatePool may be nil, in which case the encrypted submission path is
// simply never drained (the producer only ever assembles from the public
// mempool).
func NewProducer(
	cfg *config.Config,
	bc *core.Blockchain,
	state core.State,
	mempool *core.Mempool,
	exec *vm.Executor,
	emitter *events.Emitter,
	stakingEngine *staking.Engine,
	privatePool *core.PrivatePool,
	operator string,
	privKey crypto.PrivateKey,
) *Producer {
	return &Producer{
		cfg:         cfg,
		bc:          bc,
		state:       state,
		mempool:     mempool,
		exec:        exec,
		emitter:     emitter,
		staking:     stakingEngine,
		privatePool: privatePool,
		privKey:     privKey,
		pubKey:      privKey.Public(),
		operator:    operator,
		lastSlot:    -1,
	}
}

// CurrentSlot returns floor(now / SlotDuration).
func CurrentSlot(now time.Time) int64 {
	return now.UnixNano() / int64(SlotDuration)
}

// SelectProducer deterministically picks the validator for seed s among the
// active set, iterated in canonical ascending-operator-address order. It
// returns "" if no validator has any effective stake.
func SelectProducer(s []byte, validators []*core.ValidatorRecord) string {
	active := make([]*core.ValidatorRecord, 0, len(validators))
	var total uint64
	for _, v := range validators {
		if !v.Active || v.Jailed {
			continue
		}
		active = append(active, v)
		total += v.EffectiveStake()
	}
	if total == 0 {
		return ""
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Operator < active[j].Operator })

	seed := binary.BigEndian.Uint64(s[:8]) % total
	var cumulative uint64
	for _, v := range active {
		cumulative += v.EffectiveStake()
		if seed < cumulative {
			return v.Operator
		}
	}
	return active[len(active)-1].Operator
}

// SlotSeed computes SHA256(previousHash ‖ slot) as raw bytes.
func SlotSeed(previousHash string, slot int64) []byte {
	return crypto.HashBytes([]byte(fmt.Sprintf("%s%d", previousHash, slot)))
}

// ExpectedProducer returns who should produce the block following tipHash
// at the given slot.
func (p *Producer) ExpectedProducer(tipHash string, slot int64) (string, error) {
	validators, err := p.state.ListValidators()
	if err != nil {
		return "", core.NewError(core.KindStorage, err)
	}
	return SelectProducer(SlotSeed(tipHash, slot), validators), nil
}

// Tick performs one slot-scheduler iteration at wall-clock time now. It is a
// no-op if this slot was already handled, if this node is not the expected
// producer, or if the expected producer still has a chance to publish.
func (p *Producer) Tick(now time.Time) (*core.Block, error) {
	slot := CurrentSlot(now)
	if slot <= p.lastSlot {
		return nil, nil
	}

	tip := p.bc.Tip()
	var prevHash string
	var nextHeight int64
	if tip == nil {
		prevHash = config.GenesisHash
		nextHeight = 1
	} else {
		prevHash = tip.Hash
		nextHeight = tip.Index + 1
	}

	expected, err := p.ExpectedProducer(prevHash, slot)
	if err != nil {
		return nil, err
	}
	if expected == "" {
		return nil, nil // no active validator set yet
	}
	if expected != p.operator {
		if tip != nil {
			if err := slashing.RecordMissedSlot(p.state, expected); err != nil {
				log.Printf("[consensus] recording missed slot for %s: %v", expected, err)
			}
		}
		return nil, nil
	}

	p.lastSlot = slot

	if p.staking.IsEpochBoundary(nextHeight) {
		if err := p.staking.RunEpoch(p.state, nextHeight); err != nil {
			return nil, fmt.Errorf("run epoch at height %d: %w", nextHeight, err)
		}
	}

	currentHeight := nextHeight - 1
	p.drainPrivatePool(currentHeight)

	limit := p.cfg.MaxBlockTxs
	if limit <= 0 {
		limit = 500
	}
	txs := p.mempool.Pending(limit)

	block := core.NewBlock(nextHeight, prevHash, p.operator, uint64(slot), txs)
	if err := p.exec.ExecuteBlock(block); err != nil {
		return nil, fmt.Errorf("execute block: %w", err)
	}
	block.Sign(p.cfg.Genesis.ChainID, p.privKey)

	if err := p.bc.AddBlock(block); err != nil {
		return nil, fmt.Errorf("add block: %w", err)
	}
	if err := p.state.Commit(); err != nil {
		log.Fatalf("[consensus] FATAL: block %d stored but state commit failed: %v", block.Index, err)
	}
	if err := slashing.ResetMissedSlot(p.state, p.operator); err != nil {
		log.Printf("[consensus] resetting missed slot for self: %v", err)
	}

	if p.emitter != nil {
		p.emitter.Emit(events.Event{
			Type:        events.EventBlockCommit,
			BlockHeight: block.Index,
			Data:        map[string]any{"hash": block.Hash, "txs": len(txs), "slot": slot},
		})
	}

	txIDs := make([]string, len(txs))
	for i, tx := range txs {
		txIDs[i] = tx.ID
	}
	p.mempool.Remove(txIDs)

	return block, nil
}

// drainPrivatePool decrypts every entry of the encrypted mempool that has
// become eligible as of currentHeight (SubmitBlock+1 has been reached, so
// the target block's hash -- and therefore the per-block secret -- is now
// known) and admits each decrypted plaintext through the normal public-pool
// checks, per SPEC_FULL.md §4.1. Entries that fail to decrypt (bad
// authTag) or fail admission are dropped silently; they are removed from
// the private pool either way so they are never retried.
func (p *Producer) drainPrivatePool(currentHeight int64) {
	if p.privatePool == nil {
		return
	}
	eligible := p.privatePool.Eligible(currentHeight)
	if len(eligible) > 0 {
		done := make([]string, 0, len(eligible))
		for _, e := range eligible {
			done = append(done, e.ID)
			target, err := p.bc.GetBlockByHeight(e.SubmitBlock)
			if err != nil || target == nil {
				continue // target block not yet known locally; leave nothing to retry on
			}
			tx, err := core.DecryptPrivateTx(e, target.Hash)
			if err != nil {
				continue // bad authTag or malformed plaintext: dropped silently
			}
			if err := p.mempool.Add(tx); err != nil {
				continue // fails normal admission (nonce, balance, fee, ...): dropped silently
			}
		}
		p.privatePool.Remove(done)
	}
	p.privatePool.Prune(currentHeight)
}

// Run drives Tick on a fixed ticker until done is closed.
func (p *Producer) Run(done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			if _, err := p.Tick(now); err != nil {
				log.Printf("[consensus] tick error: %v", err)
			}
		}
	}
}
