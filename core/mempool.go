package core

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MempoolParams are the canonical admission parameters; all honest nodes on
// one network must agree on these values.
type MempoolParams struct {
	ChainID           string
	Network           Network
	MinFee            uint64
	MinAmount         uint64
	MaxPending        int
	MaxTxPerBlock     int
	TransferCapWindow time.Duration
	TransferCapAmount uint64 // max total amount a sender may submit per window
}

// DefaultMempoolParams returns conservative defaults for a given chain.
func DefaultMempoolParams(chainID string, network Network) MempoolParams {
	return MempoolParams{
		ChainID:           chainID,
		Network:           network,
		MinFee:            0,
		MinAmount:         0,
		MaxPending:        10_000,
		MaxTxPerBlock:     1_000,
		TransferCapWindow: time.Minute,
		TransferCapAmount: 1_000_000_000,
	}
}

type senderWindow struct {
	amounts []uint64
	at      []time.Time
}

// Mempool is the thread-safe public pending-transaction pool described in
// SPEC_FULL.md §4.1. It admits only against a read-only view of ledger state
// (for balance/nonce checks); it never mutates state itself.
type Mempool struct {
	mu         sync.RWMutex
	params     MempoolParams
	state      State
	txs        map[string]*Transaction
	order      []string // arrival order, for eviction tie-breaks
	usedNonce  map[string]map[uint64]bool
	blacklist  map[string]bool
	rateWindow map[string]*senderWindow
}

// NewMempool creates an empty mempool backed by state for balance/nonce
// lookups.
func NewMempool(params MempoolParams, state State) *Mempool {
	return &Mempool{
		params:     params,
		state:      state,
		txs:        make(map[string]*Transaction),
		usedNonce:  make(map[string]map[uint64]bool),
		blacklist:  make(map[string]bool),
		rateWindow: make(map[string]*senderWindow),
	}
}

// Blacklist marks an address as disallowed from submitting transactions.
func (m *Mempool) Blacklist(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blacklist[address] = true
}

func (m *Mempool) pendingCount(sender string) int {
	n := 0
	for _, id := range m.order {
		if tx, ok := m.txs[id]; ok && tx.From == sender {
			n++
		}
	}
	return n
}

func (m *Mempool) pendingOutgoing(sender string) uint64 {
	var sum uint64
	for _, id := range m.order {
		if tx, ok := m.txs[id]; ok && tx.From == sender {
			sum += tx.Amount + tx.Fee
		}
	}
	return sum
}

// Add runs the full admission pipeline from SPEC_FULL.md §4.1, in order:
// well-formed encoding, chainId, signature/derivation, nonce contiguity,
// min fee/amount, anti-replay, blacklist, rate-limit, balance.
func (m *Mempool) Add(tx *Transaction) error {
	if tx.ID == "" || tx.From == "" {
		return NewError(KindValidation, fmt.Errorf("malformed transaction"))
	}
	if tx.ChainID != m.params.ChainID {
		return NewError(KindConsensus, fmt.Errorf("chainId mismatch: got %s want %s", tx.ChainID, m.params.ChainID))
	}
	if err := tx.Verify(m.params.Network); err != nil {
		return err // already a CoreError{KindValidation}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.state.GetAccount(tx.From)
	if err != nil {
		return NewError(KindStorage, err)
	}
	expectedNonce := acct.Nonce + 1 + uint64(m.pendingCount(tx.From))
	if tx.Nonce != expectedNonce {
		return NewError(KindValidation, fmt.Errorf("nonce %d does not follow expected %d", tx.Nonce, expectedNonce))
	}
	if tx.Fee < m.params.MinFee {
		return NewError(KindPolicy, fmt.Errorf("fee %d below minimum %d", tx.Fee, m.params.MinFee))
	}
	if tx.Amount < m.params.MinAmount && tx.Type == TxTransfer {
		return NewError(KindPolicy, fmt.Errorf("amount %d below minimum %d", tx.Amount, m.params.MinAmount))
	}
	if _, exists := m.txs[tx.ID]; exists {
		return NewError(KindValidation, fmt.Errorf("tx %s already in pool", tx.ID))
	}
	if m.usedNonce[tx.From][tx.Nonce] {
		return NewError(KindValidation, fmt.Errorf("nonce %d already used by %s", tx.Nonce, tx.From))
	}
	if m.blacklist[tx.From] {
		return NewError(KindPolicy, fmt.Errorf("sender %s is blacklisted", tx.From))
	}
	if !m.checkRateLimit(tx) {
		return NewError(KindPolicy, fmt.Errorf("sender %s exceeded transfer rate cap", tx.From))
	}
	outgoing := m.pendingOutgoing(tx.From) + tx.Amount + tx.Fee
	if acct.Balance < outgoing {
		return NewError(KindBalance, fmt.Errorf("insufficient balance: have %d need %d", acct.Balance, outgoing))
	}

	if len(m.txs) >= m.params.MaxPending {
		m.evictLowestFee()
	}

	m.txs[tx.ID] = tx
	m.order = append(m.order, tx.ID)
	if m.usedNonce[tx.From] == nil {
		m.usedNonce[tx.From] = make(map[uint64]bool)
	}
	m.usedNonce[tx.From][tx.Nonce] = true
	m.recordRateWindow(tx)
	return nil
}

func (m *Mempool) checkRateLimit(tx *Transaction) bool {
	w := m.rateWindow[tx.From]
	if w == nil {
		return tx.Amount <= m.params.TransferCapAmount
	}
	cutoff := time.Now().Add(-m.params.TransferCapWindow)
	var sum uint64
	for i, at := range w.at {
		if at.After(cutoff) {
			sum += w.amounts[i]
		}
	}
	return sum+tx.Amount <= m.params.TransferCapAmount
}

func (m *Mempool) recordRateWindow(tx *Transaction) {
	w := m.rateWindow[tx.From]
	if w == nil {
		w = &senderWindow{}
		m.rateWindow[tx.From] = w
	}
	cutoff := time.Now().Add(-m.params.TransferCapWindow)
	var amounts []uint64
	var at []time.Time
	for i, ts := range w.at {
		if ts.After(cutoff) {
			amounts = append(amounts, w.amounts[i])
			at = append(at, ts)
		}
	}
	w.amounts = append(amounts, tx.Amount)
	w.at = append(at, time.Now())
}

// evictLowestFee drops the lowest-fee pending tx, breaking ties by earliest
// arrival. Caller must hold m.mu.
func (m *Mempool) evictLowestFee() {
	if len(m.order) == 0 {
		return
	}
	victimIdx := 0
	victimID := m.order[0]
	for i, id := range m.order {
		tx := m.txs[id]
		victim := m.txs[victimID]
		if tx.Fee < victim.Fee {
			victimIdx, victimID = i, id
		}
	}
	victim := m.txs[victimID]
	delete(m.txs, victimID)
	if m.usedNonce[victim.From] != nil {
		delete(m.usedNonce[victim.From], victim.Nonce)
	}
	m.order = append(m.order[:victimIdx], m.order[victimIdx+1:]...)
}

// Get returns a transaction by ID.
func (m *Mempool) Get(id string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	return tx, ok
}

// txHeapItem is one sender's next-eligible transaction in the selection
// priority queue.
type txHeapItem struct {
	tx *Transaction
}

type txHeap []*txHeapItem

func (h txHeap) Len() int { return len(h) }
func (h txHeap) Less(i, j int) bool {
	a, b := h[i].tx, h[j].tx
	if a.Fee != b.Fee {
		return a.Fee > b.Fee // fee desc
	}
	if a.Nonce != b.Nonce {
		return a.Nonce < b.Nonce // nonce asc
	}
	return a.ID < b.ID // id asc
}
func (h txHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *txHeap) Push(x any)        { *h = append(*h, x.(*txHeapItem)) }
func (h *txHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Pending returns up to n transactions for block inclusion, selected per the
// deterministic policy in SPEC_FULL.md §4.1: overall (fee desc, nonce asc,
// id asc), while never including a sender's tx out of nonce order.
func (m *Mempool) Pending(n int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bySender := make(map[string][]*Transaction)
	for _, id := range m.order {
		tx := m.txs[id]
		bySender[tx.From] = append(bySender[tx.From], tx)
	}
	senders := make([]string, 0, len(bySender))
	for s, txs := range bySender {
		sort.Slice(txs, func(i, j int) bool { return txs[i].Nonce < txs[j].Nonce })
		bySender[s] = txs
		senders = append(senders, s)
	}
	sort.Strings(senders) // stable starting order; heap does the real ranking

	nextIdx := make(map[string]int, len(senders))
	h := &txHeap{}
	heap.Init(h)
	for _, s := range senders {
		if len(bySender[s]) > 0 {
			heap.Push(h, &txHeapItem{tx: bySender[s][0]})
			nextIdx[s] = 1
		}
	}

	result := make([]*Transaction, 0, n)
	for h.Len() > 0 && len(result) < n {
		item := heap.Pop(h).(*txHeapItem)
		result = append(result, item.tx)
		sender := item.tx.From
		if i := nextIdx[sender]; i < len(bySender[sender]) {
			heap.Push(h, &txHeapItem{tx: bySender[sender][i]})
			nextIdx[sender] = i + 1
		}
	}
	return result
}

// Remove deletes transactions by ID (called after block commit).
func (m *Mempool) Remove(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := make(map[string]bool, len(ids))
	for _, id := range ids {
		if tx, ok := m.txs[id]; ok {
			if m.usedNonce[tx.From] != nil {
				delete(m.usedNonce[tx.From], tx.Nonce)
			}
		}
		delete(m.txs, id)
		removed[id] = true
	}
	filtered := m.order[:0]
	for _, id := range m.order {
		if !removed[id] {
			filtered = append(filtered, id)
		}
	}
	m.order = filtered
}

// Size returns the current number of pending transactions.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}
