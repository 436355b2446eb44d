package network

import (
	"sync"
	"time"
)

// StartingScore is the score assigned to a newly tracked peer address.
const StartingScore = 50

// BanDuration is how long a score-triggered ban lasts. Handshake failures
// (chainId/genesisHash mismatch) bypass this and ban permanently instead.
const BanDuration = time.Hour

// Point values applied on various peer behaviors. Rewards keep well-behaved
// long-lived peers from drifting down from accumulated small penalties;
// penalties are sized so a single serious fault (bad block, failed PoW
// challenge) can tip an otherwise-neutral peer below the ban threshold.
const (
	RewardValidBlock  = 1
	RewardValidTx     = 1
	PenaltyInvalidTx  = -2
	PenaltyBadBlock   = -10
	PenaltyChallengeFailed = -20
	PenaltyProtocolViolation = -5
)

type scoreEntry struct {
	score       int
	bannedUntil time.Time // zero means not temporarily banned
	permaBanned bool
}

// Scorer tracks a reputation score per remote address and enforces bans,
// per the peer-scoring section of SPEC_FULL.md §4.8.
type Scorer struct {
	mu      sync.Mutex
	entries map[string]*scoreEntry
}

// NewScorer returns an empty Scorer.
func NewScorer() *Scorer {
	return &Scorer{entries: make(map[string]*scoreEntry)}
}

// Track ensures addr has a score entry, initializing it at StartingScore.
func (s *Scorer) Track(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[addr]; !ok {
		s.entries[addr] = &scoreEntry{score: StartingScore}
	}
}

func (s *Scorer) entry(addr string) *scoreEntry {
	e, ok := s.entries[addr]
	if !ok {
		e = &scoreEntry{score: StartingScore}
		s.entries[addr] = e
	}
	return e
}

// adjust applies delta to addr's score and bans it for BanDuration if the
// result drops below zero. Caller must hold s.mu.
func (s *Scorer) adjust(addr string, delta int) {
	e := s.entry(addr)
	e.score += delta
	if e.score < 0 {
		e.bannedUntil = time.Now().Add(BanDuration)
	}
}

// Reward increases addr's score for good behavior (valid block, valid tx).
func (s *Scorer) Reward(addr string, amount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adjust(addr, amount)
}

// Penalize decreases addr's score for bad behavior.
func (s *Scorer) Penalize(addr string, amount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adjust(addr, amount)
}

// Ban immediately bans addr for BanDuration regardless of current score.
func (s *Scorer) Ban(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(addr)
	e.bannedUntil = time.Now().Add(BanDuration)
}

// PermanentBan bans addr with no expiry, for protocol-identity violations
// (chainId or genesisHash mismatch) that can never be resolved by waiting.
func (s *Scorer) PermanentBan(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(addr).permaBanned = true
}

// IsBanned reports whether addr is currently banned, permanently or
// temporarily.
func (s *Scorer) IsBanned(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[addr]
	if !ok {
		return false
	}
	if e.permaBanned {
		return true
	}
	return !e.bannedUntil.IsZero() && time.Now().Before(e.bannedUntil)
}

// Score returns addr's current score, or StartingScore if untracked.
func (s *Scorer) Score(addr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[addr]
	if !ok {
		return StartingScore
	}
	return e.score
}
