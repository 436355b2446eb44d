package network

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/lvenc/node/consensus"
	"github.com/lvenc/node/core"
	"github.com/lvenc/node/events"
)

// SyncChunkSize is how many blocks a single QUERY_BLOCKS_FROM round asks
// for, per SPEC_FULL.md's chunked-sync section.
const SyncChunkSize = 500

// SyncMaxBlocks caps how many blocks of one RESPONSE_BLOCKS message are
// applied; blocks past it in that message are ignored. The count starts
// afresh with every message, so it does not bound a whole sync session: the
// next chunk is requested after every message that applied a block.
const SyncMaxBlocks = 1000

// QueryBlocksFromRequest is the payload of a QUERY_BLOCKS_FROM message.
type QueryBlocksFromRequest struct {
	FromHeight int64 `json:"fromHeight"`
	Limit      int   `json:"limit"`
}

// LatestBlockInfo is the payload of a QUERY_LATEST / part of
// RESPONSE_BLOCKCHAIN messages.
type LatestBlockInfo struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
}

// Syncer drives chain-sync against peers: it asks for blocks beyond our
// current tip, validates each one against the chain validator before ever
// persisting it, and stops on the first invalid block so a malicious or
// buggy peer can corrupt at most its own candidate chain, not ours.
type Syncer struct {
	node      *Node
	bc        *core.Blockchain
	state     core.State
	validator *consensus.Validator
	emitter   *events.Emitter
}

// NewSyncer returns a Syncer that applies accepted blocks to bc using
// validator, sharing the same state the validator itself writes through.
// emitter may be nil.
func NewSyncer(node *Node, bc *core.Blockchain, state core.State, validator *consensus.Validator, emitter *events.Emitter) *Syncer {
	s := &Syncer{node: node, bc: bc, state: state, validator: validator, emitter: emitter}
	node.Handle(MsgQueryLatest, s.handleQueryLatest)
	node.Handle(MsgQueryBlocksFrom, s.handleQueryBlocksFrom)
	node.Handle(MsgResponseBlockchain, s.handleResponseBlockchain)
	node.Handle(MsgResponseBlocks, s.handleResponseBlocks)
	node.Handle(MsgNewBlock, s.handleNewBlock)
	return s
}

// RequestLatest asks peer for its current tip so we can decide whether to
// start a sync.
func (s *Syncer) RequestLatest(peer *Peer) error {
	return peer.Send(Message{Type: MsgQueryLatest, Payload: json.RawMessage("null")})
}

func (s *Syncer) handleQueryLatest(peer *Peer, _ Message) {
	tip := s.bc.Tip()
	info := LatestBlockInfo{Height: s.bc.Height()}
	if tip != nil {
		info.Hash = tip.Hash
	}
	payload, err := json.Marshal(info)
	if err != nil {
		log.Printf("[network] marshal latest: %v", err)
		return
	}
	if err := peer.Send(Message{Type: MsgResponseBlockchain, Payload: payload}); err != nil {
		log.Printf("[network] send latest to %s: %v", peer.ID, err)
	}
}

// handleResponseBlockchain compares the peer's reported tip to ours and, if
// theirs is ahead, kicks off a chunked fetch starting after our own tip.
func (s *Syncer) handleResponseBlockchain(peer *Peer, msg Message) {
	var info LatestBlockInfo
	if err := json.Unmarshal(msg.Payload, &info); err != nil {
		log.Printf("[network] decode latest from %s: %v", peer.ID, err)
		return
	}
	ourHeight := s.bc.Height()
	if info.Height <= ourHeight {
		return
	}
	if err := s.requestChunk(peer, ourHeight+1); err != nil {
		log.Printf("[network] request chunk from %s: %v", peer.ID, err)
	}
}

func (s *Syncer) requestChunk(peer *Peer, fromHeight int64) error {
	req := QueryBlocksFromRequest{FromHeight: fromHeight, Limit: SyncChunkSize}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgQueryBlocksFrom, Payload: payload})
}

func (s *Syncer) handleQueryBlocksFrom(peer *Peer, msg Message) {
	var req QueryBlocksFromRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		log.Printf("[network] decode blocks-from request from %s: %v", peer.ID, err)
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > SyncChunkSize {
		limit = SyncChunkSize
	}
	blocks := make([]*core.Block, 0, limit)
	for h := req.FromHeight; h < req.FromHeight+int64(limit); h++ {
		b, err := s.bc.GetBlockByHeight(h)
		if err != nil || b == nil {
			break
		}
		blocks = append(blocks, b)
	}
	payload, err := json.Marshal(blocks)
	if err != nil {
		log.Printf("[network] marshal blocks response: %v", err)
		return
	}
	if err := peer.Send(Message{Type: MsgResponseBlocks, Payload: payload}); err != nil {
		log.Printf("[network] send blocks to %s: %v", peer.ID, err)
	}
}

// handleResponseBlocks validates and applies each block in order. A block
// that fails validation is rejected (the validator itself rolls back its
// write-buffer snapshot), sync from this peer stops there, and the peer is
// disconnected so a re-request naturally goes to someone else on the next
// QUERY_LATEST round rather than looping against the same bad source.
func (s *Syncer) handleResponseBlocks(peer *Peer, msg Message) {
	var blocks []*core.Block
	if err := json.Unmarshal(msg.Payload, &blocks); err != nil {
		log.Printf("[network] decode blocks from %s: %v", peer.ID, err)
		return
	}
	if len(blocks) == 0 {
		return
	}

	applied := 0
	for _, b := range blocks {
		if applied >= SyncMaxBlocks {
			break
		}
		parent := s.bc.Tip()
		if parent == nil || b.Index != parent.Index+1 {
			s.node.Disconnect(peer, fmt.Sprintf("out-of-order block %d from sync", b.Index))
			return
		}
		if err := s.applyOne(b, parent); err != nil {
			log.Printf("[network] rejecting block %d from %s: %v", b.Index, peer.ID, err)
			s.node.scorer.Penalize(peer.Addr, PenaltyBadBlock)
			s.node.Disconnect(peer, "invalid block during sync")
			return
		}
		s.node.scorer.Reward(peer.Addr, RewardValidBlock)
		applied++
	}

	if applied > 0 {
		if err := s.requestChunk(peer, s.bc.Height()+1); err != nil {
			log.Printf("[network] request next chunk from %s: %v", peer.ID, err)
		}
	}
}

// applyOne runs the full accept pipeline for a single block: steps 1-7 via
// the validator, steps 8-9 via FinalitySafe, then commits it to both the
// chain log and the ledger state. A failure at any stage leaves neither
// store mutated: ValidateBlock rolls back its own write buffer on error, a
// FinalitySafe or AddBlock failure reverts the write buffer to a snapshot
// taken before validation, and AddBlock only runs once FinalitySafe has
// already passed.
func (s *Syncer) applyOne(block, parent *core.Block) error {
	snapID, err := s.state.Snapshot()
	if err != nil {
		return err
	}
	if err := s.validator.ValidateBlock(block, parent); err != nil {
		return err
	}
	if err := consensus.FinalitySafe(s.state, parent.Index); err != nil {
		_ = s.state.RevertToSnapshot(snapID)
		return err
	}
	if err := s.bc.AddBlock(block); err != nil {
		_ = s.state.RevertToSnapshot(snapID)
		return err
	}
	if err := s.state.Commit(); err != nil {
		return fmt.Errorf("commit state after block %d: %w", block.Index, err)
	}
	if s.emitter != nil {
		s.emitter.Emit(events.Event{
			Type:        events.EventBlockCommit,
			BlockHeight: block.Index,
			Data:        map[string]any{"hash": block.Hash, "txs": len(block.Transactions), "synced": true},
		})
	}
	return nil
}

// handleNewBlock treats a gossiped NEW_BLOCK as a one-block sync chunk: if
// it extends our tip it is validated and applied the same way a synced
// block is; if it is further ahead, a full chunked sync is started instead.
func (s *Syncer) handleNewBlock(peer *Peer, msg Message) {
	var b core.Block
	if err := json.Unmarshal(msg.Payload, &b); err != nil {
		log.Printf("[network] decode new block from %s: %v", peer.ID, err)
		return
	}
	ourHeight := s.bc.Height()
	if b.Index <= ourHeight {
		return
	}
	if b.Index > ourHeight+1 {
		if err := s.requestChunk(peer, ourHeight+1); err != nil {
			log.Printf("[network] request chunk from %s: %v", peer.ID, err)
		}
		return
	}
	parent := s.bc.Tip()
	if parent == nil {
		return
	}
	if err := s.applyOne(&b, parent); err != nil {
		log.Printf("[network] rejecting gossiped block %d from %s: %v", b.Index, peer.ID, err)
		s.node.scorer.Penalize(peer.Addr, PenaltyBadBlock)
		s.node.Disconnect(peer, "invalid gossiped block")
		return
	}
	s.node.scorer.Reward(peer.Addr, RewardValidBlock)
	s.node.BroadcastBlock(&b)
}
