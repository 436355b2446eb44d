package network

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// MaxPeerExchangeResults bounds how many addresses a RESPONSE_PEERS message
// may carry.
const MaxPeerExchangeResults = 10

// PeerExchangeInterval is the minimum spacing enforced between two
// QUERY_PEERS requests from the same peer.
const PeerExchangeInterval = 10 * time.Second

// PeerListEntry is one address carried in a RESPONSE_PEERS message.
type PeerListEntry struct {
	Addr string `json:"addr"`
}

// pexLimiter rate-limits inbound QUERY_PEERS requests per peer.
type pexLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newPexLimiter() *pexLimiter {
	return &pexLimiter{last: make(map[string]time.Time)}
}

func (l *pexLimiter) allow(peerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if t, ok := l.last[peerID]; ok && now.Sub(t) < PeerExchangeInterval {
		return false
	}
	l.last[peerID] = now
	return true
}

// isPrivateOrLoopback reports whether addr should never be handed out over
// peer exchange, since it is only reachable from the local machine or a
// private network segment.
func isPrivateOrLoopback(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host == "localhost"
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// registerPEX wires QUERY_PEERS/RESPONSE_PEERS handling into n's dispatch
// table, generalizing the teacher's peer-exchange gossip to the rate-limited
// form SPEC_FULL.md calls for.
func (n *Node) registerPEX() {
	limiter := newPexLimiter()
	n.Handle(MsgQueryPeers, func(peer *Peer, _ Message) {
		if !limiter.allow(peer.ID) {
			return
		}
		entries := n.samplePeerAddrs(peer.ID)
		payload, err := json.Marshal(entries)
		if err != nil {
			log.Printf("[network] marshal peer list: %v", err)
			return
		}
		if err := peer.Send(Message{Type: MsgResponsePeers, Payload: payload}); err != nil {
			log.Printf("[network] send peer list to %s: %v", peer.ID, err)
		}
	})
	n.Handle(MsgResponsePeers, func(peer *Peer, msg Message) {
		var entries []PeerListEntry
		if err := json.Unmarshal(msg.Payload, &entries); err != nil {
			log.Printf("[network] decode peer list from %s: %v", peer.ID, err)
			return
		}
		n.onPeerListReceived(entries)
	})
}

// samplePeerAddrs returns up to MaxPeerExchangeResults known peer addresses,
// excluding excludeID, private/loopback hosts, and banned addresses.
func (n *Node) samplePeerAddrs(excludeID string) []PeerListEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]PeerListEntry, 0, MaxPeerExchangeResults)
	for _, p := range n.peers {
		if len(out) >= MaxPeerExchangeResults {
			break
		}
		if p.ID == excludeID || isPrivateOrLoopback(p.Addr) || n.scorer.IsBanned(p.Addr) {
			continue
		}
		out = append(out, PeerListEntry{Addr: p.Addr})
	}
	return out
}

// onPeerListReceived is invoked with addresses gossiped to us via
// RESPONSE_PEERS. It dials any address we are not already connected to and
// have capacity for, ignoring individual dial failures.
func (n *Node) onPeerListReceived(entries []PeerListEntry) {
	for _, e := range entries {
		if isPrivateOrLoopback(e.Addr) || n.scorer.IsBanned(e.Addr) {
			continue
		}
		n.mu.RLock()
		alreadyConnected := false
		for _, p := range n.peers {
			if p.Addr == e.Addr {
				alreadyConnected = true
				break
			}
		}
		full := len(n.peers) >= n.maxPeers
		n.mu.RUnlock()
		if alreadyConnected || full {
			continue
		}
		wsURL := fmt.Sprintf("ws://%s/ws", e.Addr)
		if _, err := n.Dial(wsURL); err != nil {
			log.Printf("[network] pex dial %s: %v", e.Addr, err)
		}
	}
}

// QueryPeers asks peer for its known peer addresses.
func (n *Node) QueryPeers(peer *Peer) error {
	return peer.Send(Message{Type: MsgQueryPeers, Payload: json.RawMessage("null")})
}
