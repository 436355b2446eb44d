package network

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/lvenc/node/core"
)

// MessageHandler is called for each received message.
type MessageHandler func(peer *Peer, msg Message)

// DefaultMaxPeers is the default limit on simultaneous peer connections.
const DefaultMaxPeers = 50

// PerIPConnectionCap and PerSubnetConnectionCap bound how many simultaneous
// connections one remote IP / IPv4 /24 subnet may hold, per SPEC_FULL.md's
// Sybil-resistance section.
const (
	PerIPConnectionCap     = 3
	PerSubnetConnectionCap = 5
)

// Identity is this node's self-description, exchanged during handshake.
type Identity struct {
	NodeID             string
	ChainID            string
	GenesisHash        string
	ProtocolVersion    int
	MinProtocolVersion int
	NodeVersion        string
}

// Node listens for incoming peers over websocket and manages outgoing
// connections, generalizing the teacher's raw-TCP Node/Peer/Handle shape
// onto the gorilla/websocket transport SPEC_FULL.md's "WebSocket-like"
// protocol calls for.
type Node struct {
	identity   Identity
	listenAddr string
	mempool    *core.Mempool
	bc         *core.Blockchain
	maxPeers   int
	scorer     *Scorer

	mu       sync.RWMutex
	peers    map[string]*Peer
	handlers map[MsgType]MessageHandler

	upgrader  websocket.Upgrader
	server    *http.Server
	tlsConfig *tls.Config
	stopCh    chan struct{}
}

// SetTLSConfig enables mTLS for incoming connections accepted by Start.
// Pass nil (the default) for plain-TCP websockets.
func (n *Node) SetTLSConfig(cfg *tls.Config) {
	n.tlsConfig = cfg
}

// NewNode creates a Node that will listen on listenAddr.
func NewNode(identity Identity, listenAddr string, mempool *core.Mempool, bc *core.Blockchain) *Node {
	n := &Node{
		identity:   identity,
		listenAddr: listenAddr,
		mempool:    mempool,
		bc:         bc,
		maxPeers:   DefaultMaxPeers,
		scorer:     NewScorer(),
		peers:      make(map[string]*Peer),
		handlers:   make(map[MsgType]MessageHandler),
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		stopCh:     make(chan struct{}),
	}
	n.Handle(MsgNewTransaction, n.handleNewTransaction)
	n.registerPEX()
	return n
}

// Handle registers a handler for msg type.
func (n *Node) Handle(typ MsgType, h MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[typ] = h
}

// Start begins accepting websocket connections on listenAddr.
func (n *Node) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", n.handleUpgrade)
	n.server = &http.Server{Addr: n.listenAddr, Handler: mux}

	ln, err := net.Listen("tcp", n.listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.listenAddr, err)
	}
	if n.tlsConfig != nil {
		ln = tls.NewListener(ln, n.tlsConfig)
	}
	go func() {
		if err := n.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[network] server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts down the node and closes every peer connection.
func (n *Node) Stop() {
	close(n.stopCh)
	if n.server != nil {
		_ = n.server.Shutdown(context.Background())
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.Close()
	}
}

func (n *Node) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	if host == "" {
		host = r.RemoteAddr
	}
	if n.scorer.IsBanned(host) {
		http.Error(w, "banned", http.StatusForbidden)
		return
	}
	if !n.admitConnection(host) {
		http.Error(w, "connection limit reached", http.StatusTooManyRequests)
		return
	}

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[network] upgrade from %s: %v", host, err)
		return
	}
	peer := NewPeer(host, host, conn)
	n.registerPeer(peer)
	go n.serve(peer, true)
}

// admitConnection enforces the per-IP and per-/24-subnet connection caps.
func (n *Node) admitConnection(host string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.peers) >= n.maxPeers {
		return false
	}
	var sameIP, sameSubnet int
	subnet := subnet24(host)
	for _, p := range n.peers {
		if p.Addr == host {
			sameIP++
		}
		if subnet24(p.Addr) == subnet {
			sameSubnet++
		}
	}
	return sameIP < PerIPConnectionCap && sameSubnet < PerSubnetConnectionCap
}

func subnet24(host string) string {
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return host
	}
	v4 := ip.To4()
	return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
}

// Dial connects to a remote peer and performs the handshake before the
// caller treats it as usable.
func (n *Node) Dial(wsURL string) (*Peer, error) {
	peer, err := dialWithTLS(wsURL, n.tlsConfig)
	if err != nil {
		return nil, err
	}
	if n.scorer.IsBanned(peer.Addr) {
		peer.Close()
		return nil, fmt.Errorf("peer %s is banned", peer.Addr)
	}
	n.registerPeer(peer)
	// The handshake runs synchronously on this goroutine, the only reader
	// of peer's connection so far; only once it succeeds does the ongoing
	// dispatch loop (serve) take over reading.
	if err := n.initiateHandshake(peer); err != nil {
		n.mu.Lock()
		delete(n.peers, peer.ID)
		n.mu.Unlock()
		peer.Close()
		return nil, err
	}
	// The accepting side may issue a PoW challenge right after handshake;
	// answer it synchronously before handing the connection to serve.
	if err := n.awaitAndSolveChallenge(peer); err != nil {
		n.mu.Lock()
		delete(n.peers, peer.ID)
		n.mu.Unlock()
		peer.Close()
		return nil, err
	}
	go n.serve(peer, false)
	return peer, nil
}

func (n *Node) registerPeer(peer *Peer) {
	n.mu.Lock()
	n.peers[peer.ID] = peer
	n.mu.Unlock()
	n.scorer.Track(peer.Addr)
}

// Disconnect closes peer and scores the disconnect reason negatively.
func (n *Node) Disconnect(peer *Peer, reason string) {
	log.Printf("[network] disconnecting %s: %s", peer.ID, reason)
	n.scorer.Penalize(peer.Addr, PenaltyProtocolViolation)
	peer.Close()
	n.mu.Lock()
	delete(n.peers, peer.ID)
	n.mu.Unlock()
}

// Ban disconnects peer and bans its address for BanDuration.
func (n *Node) Ban(peer *Peer, reason string) {
	log.Printf("[network] banning %s: %s", peer.ID, reason)
	n.scorer.Ban(peer.Addr)
	peer.Close()
	n.mu.Lock()
	delete(n.peers, peer.ID)
	n.mu.Unlock()
}

// RewardPeer increases peer's reputation score without touching its
// connection, for good behavior observed above the transport layer (a valid
// attestation, a valid gossiped transaction).
func (n *Node) RewardPeer(peer *Peer, amount int) {
	n.scorer.Reward(peer.Addr, amount)
}

// PenalizePeer decreases peer's reputation score without closing its
// connection; repeated penalties eventually cross the ban threshold on
// their own via Scorer.adjust.
func (n *Node) PenalizePeer(peer *Peer, amount int) {
	n.scorer.Penalize(peer.Addr, amount)
}

// Peer returns the connected peer with the given id, or nil if not found.
func (n *Node) Peer(id string) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[id]
}

// Peers returns a snapshot of currently connected peers.
func (n *Node) Peers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// Broadcast sends msg to all connected peers.
func (n *Node) Broadcast(msg Message) {
	for _, p := range n.Peers() {
		if err := p.Send(msg); err != nil {
			log.Printf("[network] broadcast to %s: %v", p.ID, err)
		}
	}
}

// BroadcastTx serialises tx and gossips it to all peers.
func (n *Node) BroadcastTx(tx *core.Transaction) {
	data, err := json.Marshal(tx)
	if err != nil {
		log.Printf("[network] marshal tx: %v", err)
		return
	}
	n.Broadcast(Message{Type: MsgNewTransaction, Payload: data})
}

// BroadcastBlock serialises block and gossips it to all peers.
func (n *Node) BroadcastBlock(block *core.Block) {
	data, err := json.Marshal(block)
	if err != nil {
		log.Printf("[network] marshal block: %v", err)
		return
	}
	n.Broadcast(Message{Type: MsgNewBlock, Payload: data})
}

// serve runs the read loop for peer until it disconnects. inbound marks
// whether this node accepted the connection (and so waits for the remote
// side to speak first) versus dialed it (and so already initiated).
func (n *Node) serve(peer *Peer, inbound bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[network] serve panic from %s: %v", peer.ID, r)
		}
		peer.Close()
		n.mu.Lock()
		delete(n.peers, peer.ID)
		n.mu.Unlock()
	}()
	if inbound {
		if err := n.awaitHandshake(peer); err != nil {
			log.Printf("[network] handshake with %s failed: %v", peer.ID, err)
			return
		}
		if err := n.issueChallenge(peer); err != nil {
			log.Printf("[network] challenge with %s failed: %v", peer.ID, err)
			return
		}
	}
	for {
		msg, err := peer.Receive()
		if err != nil {
			return
		}
		n.mu.RLock()
		h, ok := n.handlers[msg.Type]
		n.mu.RUnlock()
		if ok {
			h(peer, msg)
		}
	}
}

func (n *Node) handleNewTransaction(_ *Peer, msg Message) {
	var tx core.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		log.Printf("[network] unmarshal tx: %v", err)
		return
	}
	if err := n.mempool.Add(&tx); err != nil {
		log.Printf("[network] mempool add: %v", err)
	}
}
