package network

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// ChallengeDifficulty is the number of leading zero bits a valid solution's
// hash must carry, per SPEC_FULL.md's Sybil-resistance section.
const ChallengeDifficulty = 16

// ChallengeTimeout bounds how long a peer has to answer a CHALLENGE before
// it is treated as a failure.
const ChallengeTimeout = 30 * time.Second

// ChallengeInfo is the payload of a CHALLENGE message: a server-chosen
// nonce the peer must combine with a solution such that
// SHA256(nonce || solution) has at least Difficulty leading zero bits.
type ChallengeInfo struct {
	Nonce      string `json:"nonce"`
	Difficulty int    `json:"difficulty"`
}

// ChallengeResponseInfo is the payload of a CHALLENGE_RESPONSE message.
type ChallengeResponseInfo struct {
	Solution string `json:"solution"`
}

func newChallengeNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// leadingZeroBits counts the number of leading zero bits in data.
func leadingZeroBits(data []byte) int {
	n := 0
	for _, b := range data {
		if b == 0 {
			n += 8
			continue
		}
		n += countLeadingZeroBitsByte(b)
		break
	}
	return n
}

func countLeadingZeroBitsByte(b byte) int {
	n := 0
	for mask := byte(0x80); mask != 0; mask >>= 1 {
		if b&mask != 0 {
			break
		}
		n++
	}
	return n
}

// solvesChallenge reports whether solution satisfies the proof-of-work
// difficulty target for nonce.
func solvesChallenge(nonce, solution string, difficulty int) bool {
	sum := sha256.Sum256([]byte(nonce + solution))
	return leadingZeroBits(sum[:]) >= difficulty
}

// solveChallenge brute-forces a solution to a PoW challenge. It is used by
// the dialing side to answer a CHALLENGE sent by the peer we connected to.
func solveChallenge(nonce string, difficulty int) string {
	counter := big.NewInt(0)
	one := big.NewInt(1)
	for {
		candidate := counter.String()
		if solvesChallenge(nonce, candidate, difficulty) {
			return candidate
		}
		counter.Add(counter, one)
	}
}

// issueChallenge sends a fresh PoW challenge to peer and blocks until the
// peer answers or ChallengeTimeout elapses. Called by the accepting side
// right after a successful handshake, before the peer is treated as fully
// admitted to gossip.
func (n *Node) issueChallenge(peer *Peer) error {
	nonce, err := newChallengeNonce()
	if err != nil {
		return err
	}
	challenge := ChallengeInfo{Nonce: nonce, Difficulty: ChallengeDifficulty}
	payload, err := json.Marshal(challenge)
	if err != nil {
		return err
	}
	if err := peer.Send(Message{Type: MsgChallenge, Payload: payload}); err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}

	type result struct {
		msg Message
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		msg, err := peer.Receive()
		resCh <- result{msg, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			n.scorer.Penalize(peer.Addr, PenaltyChallengeFailed)
			return fmt.Errorf("receive challenge response: %w", res.err)
		}
		if res.msg.Type != MsgChallengeResponse {
			n.scorer.Penalize(peer.Addr, PenaltyChallengeFailed)
			return fmt.Errorf("expected CHALLENGE_RESPONSE, got %s", res.msg.Type)
		}
		var resp ChallengeResponseInfo
		if err := json.Unmarshal(res.msg.Payload, &resp); err != nil {
			n.scorer.Penalize(peer.Addr, PenaltyChallengeFailed)
			return fmt.Errorf("decode challenge response: %w", err)
		}
		if !solvesChallenge(nonce, resp.Solution, ChallengeDifficulty) {
			n.scorer.Penalize(peer.Addr, PenaltyChallengeFailed)
			return fmt.Errorf("peer %s failed proof-of-work challenge", peer.ID)
		}
		return nil
	case <-time.After(ChallengeTimeout):
		n.scorer.Penalize(peer.Addr, PenaltyChallengeFailed)
		return fmt.Errorf("peer %s timed out answering challenge", peer.ID)
	}
}

// awaitAndSolveChallenge is run by the dialing side immediately after its
// own handshake succeeds: the peer we connected to may issue us a CHALLENGE
// before admitting us to gossip, and we must answer it synchronously.
func (n *Node) awaitAndSolveChallenge(peer *Peer) error {
	msg, err := peer.Receive()
	if err != nil {
		return fmt.Errorf("receive challenge: %w", err)
	}
	if msg.Type != MsgChallenge {
		return fmt.Errorf("expected CHALLENGE, got %s", msg.Type)
	}
	var challenge ChallengeInfo
	if err := json.Unmarshal(msg.Payload, &challenge); err != nil {
		return fmt.Errorf("decode challenge: %w", err)
	}
	solution := solveChallenge(challenge.Nonce, challenge.Difficulty)
	payload, err := json.Marshal(ChallengeResponseInfo{Solution: solution})
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgChallengeResponse, Payload: payload})
}
