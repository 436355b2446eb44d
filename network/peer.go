// Package network implements the P2P gossip and chain-sync protocol from
// SPEC_FULL.md §4.8 over gorilla/websocket connections.
package network

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MsgType labels a network message, per the tag list in SPEC_FULL.md §4.8.
type MsgType string

const (
	MsgHandshake         MsgType = "HANDSHAKE"
	MsgHandshakeAck      MsgType = "HANDSHAKE_ACK"
	MsgVersionReject      MsgType = "VERSION_REJECT"
	MsgQueryLatest        MsgType = "QUERY_LATEST"
	MsgQueryAll           MsgType = "QUERY_ALL"
	MsgResponseBlockchain MsgType = "RESPONSE_BLOCKCHAIN"
	MsgQueryBlocksFrom    MsgType = "QUERY_BLOCKS_FROM"
	MsgResponseBlocks     MsgType = "RESPONSE_BLOCKS"
	MsgQueryTxPool        MsgType = "QUERY_TX_POOL"
	MsgResponseTxPool     MsgType = "RESPONSE_TX_POOL"
	MsgNewBlock           MsgType = "NEW_BLOCK"
	MsgNewTransaction     MsgType = "NEW_TRANSACTION"
	MsgQueryPeers         MsgType = "QUERY_PEERS"
	MsgResponsePeers      MsgType = "RESPONSE_PEERS"
	MsgChallenge          MsgType = "CHALLENGE"
	MsgChallengeResponse  MsgType = "CHALLENGE_RESPONSE"
	MsgAttestation        MsgType = "ATTESTATION"
)

// Message is the envelope for all P2P communication.
type Message struct {
	Type    MsgType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// writeWait bounds how long a single Send may block on a slow peer.
const writeWait = 10 * time.Second

// readWait bounds how long Receive waits for the next frame. The deadline is
// set afresh before every read and no keepalive pings are sent, so a
// connection that carries no message for readWait fails its read.
const readWait = 60 * time.Second

// Peer represents a connected remote node over a websocket connection.
type Peer struct {
	ID   string
	Addr string // remote host (no port), used for scoring and ban enforcement

	conn      *websocket.Conn
	mu        sync.Mutex
	closed    bool
	connectedAt time.Time

	// Handshake carries the negotiated identity, filled in once the
	// handshake completes successfully; nil beforehand.
	Handshake *HandshakeInfo
}

// NewPeer wraps an established websocket connection as a Peer.
func NewPeer(id, addr string, conn *websocket.Conn) *Peer {
	return &Peer{ID: id, Addr: addr, conn: conn, connectedAt: time.Now()}
}

// Dial opens a websocket connection to a ws:// or wss:// URL and wraps it.
// The resulting Peer's ID and Addr are both the remote host, matching the
// identifier inbound connections are assigned in Node.handleUpgrade.
func Dial(wsURL string) (*Peer, error) {
	return dialWithTLS(wsURL, nil)
}

func dialWithTLS(wsURL string, tlsConfig *tls.Config) (*Peer, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse peer url %s: %w", wsURL, err)
	}
	dialer := websocket.DefaultDialer
	if tlsConfig != nil {
		dialer = &websocket.Dialer{TLSClientConfig: tlsConfig}
	}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if host == "" {
		host = conn.RemoteAddr().String()
	}
	return NewPeer(host, host, conn), nil
}

// Send writes msg as a JSON text frame.
func (p *Peer) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer %s closed", p.ID)
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive reads the next JSON text frame.
func (p *Peer) Receive() (Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message from %s: %w", p.ID, err)
	}
	return msg, nil
}

// Close terminates the peer connection. Safe to call more than once.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.conn.Close()
	}
}
