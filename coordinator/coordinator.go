// Package coordinator wires together the ledger state, chain log, mempool,
// consensus, and network layers into the single-writer actor described in
// SPEC_FULL.md §5: every mutation — a submitted transaction, a produced
// block, a synced block, an incoming attestation — is serialized onto one
// goroutine, and the cached read view is refreshed only after a commit
// actually lands.
package coordinator

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lvenc/node/config"
	"github.com/lvenc/node/consensus"
	"github.com/lvenc/node/core"
	"github.com/lvenc/node/crypto"
	"github.com/lvenc/node/events"
	"github.com/lvenc/node/finality"
	"github.com/lvenc/node/network"
	"github.com/lvenc/node/staking"
	"github.com/lvenc/node/vm"
)

// commandQueueDepth bounds how many pending commands (submitted
// transactions, inbound attestations) may queue before a caller blocks on
// Submit; generous enough that a burst of gossip never stalls peers, small
// enough that an actually-stuck writer goroutine is visible quickly.
const commandQueueDepth = 256

// View is the immutable snapshot of chain progress the rest of the node
// (RPC-equivalent callers, logging) reads without touching the write path.
// It is replaced wholesale, never mutated in place, so a reader holding an
// old View is never torn mid-read.
type View struct {
	Height          int64
	TipHash         string
	StateRoot       string
	FinalizedHeight int64
}

// Coordinator owns every mutable piece of node state and is the only thing
// in the process allowed to call bc.AddBlock, state.Commit, or mempool.Add.
// Everything else — the producer's slot ticker, the syncer's gossip
// handlers, RPC-equivalent callers — submits work through Submit instead of
// calling those methods directly.
type Coordinator struct {
	cfg         *config.Config
	bc          *core.Blockchain
	state       core.State
	mempool     *core.Mempool
	privatePool *core.PrivatePool
	exec        *vm.Executor

	stakingEngine  *staking.Engine
	finalityEngine *finality.Engine
	producer       *consensus.Producer
	validator      *consensus.Validator

	node   *network.Node
	syncer *network.Syncer

	emitter  *events.Emitter
	privKey  crypto.PrivateKey
	operator string

	cmds   chan func()
	stopCh chan struct{}

	viewMu sync.RWMutex
	view   View
}

// New builds a Coordinator. node and syncer must already be wired to the
// same bc/state/mempool passed here; Coordinator only adds the
// serialization and attestation-gossip layer on top of them.
func New(
	cfg *config.Config,
	bc *core.Blockchain,
	state core.State,
	mempool *core.Mempool,
	privatePool *core.PrivatePool,
	exec *vm.Executor,
	stakingEngine *staking.Engine,
	finalityEngine *finality.Engine,
	producer *consensus.Producer,
	validator *consensus.Validator,
	node *network.Node,
	syncer *network.Syncer,
	emitter *events.Emitter,
	privKey crypto.PrivateKey,
	operator string,
) *Coordinator {
	c := &Coordinator{
		cfg:            cfg,
		bc:             bc,
		state:          state,
		mempool:        mempool,
		privatePool:    privatePool,
		exec:           exec,
		stakingEngine:  stakingEngine,
		finalityEngine: finalityEngine,
		producer:       producer,
		validator:      validator,
		node:           node,
		syncer:         syncer,
		emitter:        emitter,
		privKey:        privKey,
		operator:       operator,
		cmds:           make(chan func(), commandQueueDepth),
		stopCh:         make(chan struct{}),
	}
	c.refreshView()

	if emitter != nil {
		emitter.Subscribe(events.EventBlockCommit, func(events.Event) {
			c.refreshView()
			c.Submit(c.attestLatest)
		})
	}
	if node != nil {
		node.Handle(network.MsgAttestation, c.handleAttestationMessage)
	}
	return c
}

// Submit enqueues fn to run on the coordinator's single writer goroutine.
// It blocks if the queue is full, applying backpressure to whatever is
// calling it (a peer's gossip handler, a local RPC-equivalent request)
// rather than ever running two mutations concurrently.
func (c *Coordinator) Submit(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.stopCh:
	}
}

// SubmitTransaction admits tx to the mempool and gossips it on acceptance.
// Runs on the writer goroutine so admission never races a concurrent block
// production or sync commit touching the same account's nonce.
func (c *Coordinator) SubmitTransaction(tx *core.Transaction) error {
	errCh := make(chan error, 1)
	c.Submit(func() {
		err := c.mempool.Add(tx)
		if err == nil && c.node != nil {
			c.node.BroadcastTx(tx)
		}
		errCh <- err
	})
	select {
	case err := <-errCh:
		return err
	case <-c.stopCh:
		return fmt.Errorf("coordinator stopped")
	}
}

// SubmitPrivateTransaction admits an already-encrypted entry to the private
// mempool. The plaintext stays hidden from this node until its target
// block's hash is known, per SPEC_FULL.md §4.1. SPEC_FULL.md's P2P message
// tag set has no entry for gossiping encrypted entries between peers, so
// (unlike SubmitTransaction) this is a purely local admission: each node's
// own private pool only ever sees submissions routed to it directly. Unlike
// the public path, admission here only checks pool capacity and duplicate
// IDs -- the normal per-transaction checks run later, on decryption, inside
// Producer.drainPrivatePool.
func (c *Coordinator) SubmitPrivateTransaction(e *core.EncryptedEntry) error {
	if c.privatePool == nil {
		return fmt.Errorf("private mempool not enabled on this node")
	}
	errCh := make(chan error, 1)
	c.Submit(func() {
		errCh <- c.privatePool.Submit(e)
	})
	select {
	case err := <-errCh:
		return err
	case <-c.stopCh:
		return fmt.Errorf("coordinator stopped")
	}
}

// Run drives the slot ticker and the command queue until done is closed.
// Both the periodic production tick and every externally submitted command
// execute on this one goroutine.
func (c *Coordinator) Run(done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			close(c.stopCh)
			return
		case fn := <-c.cmds:
			fn()
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

// tick runs one producer iteration on the writer goroutine. A locally
// produced block refreshes the view and triggers self-attestation the same
// way an EventBlockCommit from a synced block does, since Producer.Tick
// itself emits EventBlockCommit on success.
func (c *Coordinator) tick(now time.Time) {
	if c.producer == nil {
		return // sync-only node: no local validator key configured
	}
	block, err := c.producer.Tick(now)
	if err != nil {
		log.Printf("[coordinator] producer tick: %v", err)
		return
	}
	if block != nil && c.node != nil {
		c.node.BroadcastBlock(block)
	}
}

// refreshView recomputes the cached read snapshot from the current
// committed chain tip and state root.
func (c *Coordinator) refreshView() {
	tip := c.bc.Tip()
	v := View{Height: c.bc.Height(), StateRoot: c.state.ComputeRoot()}
	if tip != nil {
		v.TipHash = tip.Hash
	}
	if h, err := finalizedHeight(c.state); err == nil {
		v.FinalizedHeight = h
	}
	c.viewMu.Lock()
	c.view = v
	c.viewMu.Unlock()
}

func finalizedHeight(state core.State) (int64, error) {
	f, err := state.GetFinalized()
	if err != nil {
		return 0, err
	}
	return f.Highest, nil
}

// View returns the most recently refreshed read snapshot.
func (c *Coordinator) View() View {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view
}

// attestLatest signs and gossips an attestation for the current tip, and
// accumulates our own vote locally so a single-validator network (or the
// last vote needed for 2/3) finalizes without waiting on a gossip round
// trip back to ourselves.
func (c *Coordinator) attestLatest() {
	if c.operator == "" || c.finalityEngine == nil {
		return
	}
	tip := c.bc.Tip()
	if tip == nil {
		return
	}
	att := finality.Attestation{
		BlockIndex: tip.Index,
		BlockHash:  tip.Hash,
		Validator:  c.operator,
		Timestamp:  time.Now().UnixMilli(),
	}
	att.Sign(c.privKey)

	if err := c.accumulateAndCommit(att); err != nil {
		log.Printf("[coordinator] accumulate self-attestation: %v", err)
		return
	}
	if c.node != nil {
		payload, err := json.Marshal(att)
		if err != nil {
			log.Printf("[coordinator] marshal attestation: %v", err)
			return
		}
		c.node.Broadcast(network.Message{Type: network.MsgAttestation, Payload: payload})
	}
}

// handleAttestationMessage verifies and accumulates an attestation gossiped
// by peer, rewarding or penalizing its score accordingly. Runs on the
// writer goroutine via Submit so it never races a local block commit that
// changes the validator set or effective stakes it depends on.
func (c *Coordinator) handleAttestationMessage(peer *network.Peer, msg network.Message) {
	c.Submit(func() {
		var att finality.Attestation
		if err := json.Unmarshal(msg.Payload, &att); err != nil {
			log.Printf("[coordinator] decode attestation from %s: %v", peer.ID, err)
			return
		}
		rec, err := c.state.GetValidator(att.Validator)
		if err != nil {
			return
		}
		pub, err := crypto.PubKeyFromHex(rec.ConsensusPubKey)
		if err != nil {
			c.node.PenalizePeer(peer, network.PenaltyProtocolViolation)
			return
		}
		if err := att.Verify(pub); err != nil {
			c.node.PenalizePeer(peer, network.PenaltyInvalidTx)
			return
		}
		if err := c.accumulateAndCommit(att); err != nil {
			log.Printf("[coordinator] accumulate attestation from %s: %v", peer.ID, err)
			return
		}
		c.node.RewardPeer(peer, network.RewardValidTx)
	})
}

// accumulateAndCommit feeds att into the finality engine using the
// validator's current effective stake and the network's total active
// stake, committing and refreshing the cached view immediately if this
// attestation newly finalizes a block rather than waiting for the next
// produced or synced block to flush it.
func (c *Coordinator) accumulateAndCommit(att finality.Attestation) error {
	validators, err := c.state.ListValidators()
	if err != nil {
		return err
	}
	var validatorStake, totalActive uint64
	for _, v := range validators {
		if !v.Active || v.Jailed {
			continue
		}
		totalActive += v.EffectiveStake()
		if v.Operator == att.Validator {
			validatorStake = v.EffectiveStake()
		}
	}
	if totalActive == 0 {
		return nil
	}
	finalized, err := c.finalityEngine.Accumulate(c.state, att, validatorStake, totalActive)
	if err != nil {
		return err
	}
	if finalized {
		if err := c.state.Commit(); err != nil {
			return fmt.Errorf("commit finalization at height %d: %w", att.BlockIndex, err)
		}
		c.refreshView()
	}
	return nil
}
