package core

// Account holds a participant's token balance and replay-protection nonce.
type Account struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// ValidatorRecord is the staking ledger entry for one validator operator.
// Delegations is owned by the record; delegators refer back to it only by
// address, never by shared ownership, per the cyclic-reference design note.
type ValidatorRecord struct {
	Operator        string            `json:"operator"`
	ConsensusPubKey string            `json:"consensusPubKey"` // hex ed25519 pubkey
	SelfStake       uint64            `json:"selfStake"`
	DelegatedStake  uint64            `json:"delegatedStake"` // sum of Delegations
	Delegations     map[string]uint64 `json:"delegations"`    // delegator address -> amount
	CommissionBps   uint64            `json:"commissionBps"`
	Active          bool              `json:"active"`
	Jailed          bool              `json:"jailed"`
	MissedSlotCount uint64            `json:"missedSlotCount"`
}

// EffectiveStake is selfStake + delegatedStake, per the glossary definition.
func (v *ValidatorRecord) EffectiveStake() uint64 {
	return v.SelfStake + v.DelegatedStake
}

// UnbondingEntry is one maturing withdrawal, for either a validator's own
// unstaked amount or a delegator's undelegated amount.
type UnbondingEntry struct {
	Owner          string `json:"owner"` // address that receives funds on maturity
	Amount         uint64 `json:"amount"`
	MaturesAtBlock int64  `json:"maturesAtBlock"`

	// Key is the backing store key this entry was read from; it is set by
	// State implementations on read and consumed by RemoveUnbondings, never
	// serialized or set by callers constructing a fresh entry.
	Key string `json:"-"`
}

// Pool is the single A/B constant-product AMM market.
type Pool struct {
	Initialized bool              `json:"initialized"`
	ReserveA    uint64            `json:"reserveA"`
	ReserveB    uint64            `json:"reserveB"`
	LPTotal     uint64            `json:"lpTotal"`
	LPBalances  map[string]uint64 `json:"lpBalances"`
}

// BurnTotals tracks cumulative burns by reason and the current epoch's cap
// usage, reset at each epoch boundary per SPEC_FULL.md §4.3 step 6.
type BurnTotals struct {
	ByReason      map[string]uint64 `json:"byReason"`
	EpochBurned   uint64            `json:"epochBurned"`
}

// Checkpoint is an immutable (height, hash) anchor bounding allowed reorg
// depth, recorded every CheckpointInterval blocks.
type Checkpoint struct {
	Height    int64  `json:"height"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
}

// FinalizedState tracks which heights have crossed the 2/3-stake attestation
// threshold and therefore can never be reverted.
type FinalizedState struct {
	Heights map[int64]string `json:"heights"` // height -> finalized hash
	Highest int64            `json:"highest"`
}

// State is the full ledger state interface. Implementations must be
// snapshot-able so the executor and mempool dry-runs can roll back cleanly.
// Keys are unique across the mapping namespaces listed in SPEC_FULL.md §5.
type State interface {
	// Accounts
	GetAccount(address string) (*Account, error)
	SetAccount(account *Account) error

	// Staking
	GetValidator(operator string) (*ValidatorRecord, error)
	SetValidator(v *ValidatorRecord) error
	ListValidators() ([]*ValidatorRecord, error)

	// Unbonding queue
	AppendUnbonding(e *UnbondingEntry) error
	MaturedUnbondings(atBlock int64) ([]*UnbondingEntry, error)
	RemoveUnbondings(matured []*UnbondingEntry) error

	// AMM pool
	GetPool() (*Pool, error)
	SetPool(p *Pool) error

	// Burn accounting
	GetBurnTotals() (*BurnTotals, error)
	SetBurnTotals(b *BurnTotals) error

	// Checkpoints
	AppendCheckpoint(c *Checkpoint) error
	LatestCheckpoint() (*Checkpoint, error)
	CheckpointAt(height int64) (*Checkpoint, error)

	// Finality
	GetFinalized() (*FinalizedState, error)
	SetFinalized(f *FinalizedState) error

	// Epoch bookkeeping: the height at which inflation was last applied,
	// consulted before every mint so a replay or restart never re-mints.
	AppliedEpochHeight() (int64, error)
	SetAppliedEpochHeight(height int64) error

	// TotalSupply is tracked explicitly rather than derived, so invariant 3
	// (conservation) can be checked cheaply after every block.
	TotalSupply() (uint64, error)
	SetTotalSupply(amount uint64) error

	// Snapshot / rollback / commit
	Snapshot() (int, error)
	RevertToSnapshot(id int) error
	// ComputeRoot returns the deterministic state root from the current write
	// buffer without flushing.
	ComputeRoot() string
	// Commit flushes the write buffer to the underlying DB and clears it.
	Commit() error
}
