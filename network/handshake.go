package network

import (
	"encoding/json"
	"fmt"
)

// HandshakeInfo is the payload carried by HANDSHAKE and HANDSHAKE_ACK
// messages, per SPEC_FULL.md §4.8.
type HandshakeInfo struct {
	ProtocolVersion    int    `json:"protocolVersion"`
	MinProtocolVersion int    `json:"minProtocolVersion"`
	ChainID            string `json:"chainId"`
	GenesisHash        string `json:"genesisHash"`
	NodeVersion        string `json:"nodeVersion"`
	BlockHeight        int64  `json:"blockHeight"`
}

// VersionRejectInfo is the payload of a VERSION_REJECT message, sent when
// the remote peer's protocol version is below our MinProtocolVersion.
type VersionRejectInfo struct {
	MinProtocolVersion int    `json:"minProtocolVersion"`
	UpgradeHint        string `json:"upgradeHint"`
}

func (n *Node) localHandshake() HandshakeInfo {
	return HandshakeInfo{
		ProtocolVersion:    n.identity.ProtocolVersion,
		MinProtocolVersion: n.identity.MinProtocolVersion,
		ChainID:            n.identity.ChainID,
		GenesisHash:        n.identity.GenesisHash,
		NodeVersion:        n.identity.NodeVersion,
		BlockHeight:        n.bc.Height(),
	}
}

// initiateHandshake is run by the dialing side: send our HANDSHAKE, then
// read and validate exactly one response.
func (n *Node) initiateHandshake(peer *Peer) error {
	payload, err := json.Marshal(n.localHandshake())
	if err != nil {
		return err
	}
	if err := peer.Send(Message{Type: MsgHandshake, Payload: payload}); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	msg, err := peer.Receive()
	if err != nil {
		return fmt.Errorf("receive handshake response: %w", err)
	}
	return n.processHandshakeMessage(peer, msg, false)
}

// awaitHandshake is run by the accepting side: wait for the remote
// HANDSHAKE, validate it, and reply with HANDSHAKE_ACK or VERSION_REJECT.
func (n *Node) awaitHandshake(peer *Peer) error {
	msg, err := peer.Receive()
	if err != nil {
		return fmt.Errorf("receive handshake: %w", err)
	}
	if msg.Type != MsgHandshake {
		return fmt.Errorf("expected HANDSHAKE, got %s", msg.Type)
	}
	return n.processHandshakeMessage(peer, msg, true)
}

// processHandshakeMessage validates the remote HandshakeInfo and, when
// ackIfValid is true (we are the accepting side), replies.
func (n *Node) processHandshakeMessage(peer *Peer, msg Message, ackIfValid bool) error {
	if msg.Type == MsgVersionReject {
		var info VersionRejectInfo
		_ = json.Unmarshal(msg.Payload, &info)
		return fmt.Errorf("peer rejected our protocol version, requires >= %d (%s)", info.MinProtocolVersion, info.UpgradeHint)
	}

	var remote HandshakeInfo
	if err := json.Unmarshal(msg.Payload, &remote); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}

	if remote.ChainID != n.identity.ChainID || remote.GenesisHash != n.identity.GenesisHash {
		n.scorer.PermanentBan(peer.Addr)
		return fmt.Errorf("chainId/genesisHash mismatch: got %s/%s want %s/%s",
			remote.ChainID, remote.GenesisHash, n.identity.ChainID, n.identity.GenesisHash)
	}

	if remote.ProtocolVersion < n.identity.MinProtocolVersion {
		if ackIfValid {
			reject := VersionRejectInfo{
				MinProtocolVersion: n.identity.MinProtocolVersion,
				UpgradeHint:        fmt.Sprintf("upgrade to protocol version >= %d", n.identity.MinProtocolVersion),
			}
			payload, _ := json.Marshal(reject)
			_ = peer.Send(Message{Type: MsgVersionReject, Payload: payload})
		}
		return fmt.Errorf("peer protocol version %d below our minimum %d", remote.ProtocolVersion, n.identity.MinProtocolVersion)
	}

	peer.Handshake = &remote

	if ackIfValid {
		payload, err := json.Marshal(n.localHandshake())
		if err != nil {
			return err
		}
		if err := peer.Send(Message{Type: MsgHandshakeAck, Payload: payload}); err != nil {
			return fmt.Errorf("send handshake ack: %w", err)
		}
	} else if msg.Type != MsgHandshakeAck {
		return fmt.Errorf("expected HANDSHAKE_ACK, got %s", msg.Type)
	}
	return nil
}
