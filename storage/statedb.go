package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lvenc/node/core"
	"github.com/lvenc/node/crypto"
)

// registerPrefix records a state-key prefix into statePrefixes so that
// ComputeRoot() always covers it. All prefix constants must be declared via
// this function; manually editing statePrefixes is not required.
func registerPrefix(p string) string {
	statePrefixes = append(statePrefixes, p)
	return p
}

// statePrefixes is populated automatically by registerPrefix() below.
// ComputeRoot() iterates these prefixes to build the full world-state view.
var statePrefixes []string

var (
	prefixAccount    = registerPrefix("acct:")
	prefixValidator  = registerPrefix("validator:")
	prefixUnbond     = registerPrefix("unbond:")
	prefixCheckpoint = registerPrefix("checkpoint:")
	prefixSingleton  = registerPrefix("singleton:") // pool, burn, finalized, epoch, supply

	keyUnbondSeq  = prefixSingleton + "unbond_seq"
	keyPool       = prefixSingleton + "pool"
	keyBurn       = prefixSingleton + "burn"
	keyFinalized  = prefixSingleton + "finalized"
	keyAppliedEp  = prefixSingleton + "applied_epoch"
	keyTotalSup   = prefixSingleton + "total_supply"
	keyLatestCkpt = prefixSingleton + "latest_checkpoint"
)

type stateSnapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// StateDB implements core.State on top of a DB with in-memory write buffer,
// snapshot/rollback, and deterministic state-root computation.
type StateDB struct {
	db        DB
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []stateSnapshot
}

// NewStateDB creates a StateDB backed by db.
func NewStateDB(db DB) *StateDB {
	return &StateDB{
		db:      db,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// ---- internal helpers ----

func (s *StateDB) get(key string) ([]byte, error) {
	if s.deleted[key] {
		return nil, core.ErrNotFound
	}
	if v, ok := s.dirty[key]; ok {
		return v, nil
	}
	return s.db.Get([]byte(key))
}

func (s *StateDB) set(key string, val []byte) {
	delete(s.deleted, key)
	s.dirty[key] = val
}

func (s *StateDB) del(key string) {
	delete(s.dirty, key)
	s.deleted[key] = true
}

// listPrefix returns every live (not deleted) key/value merging the dirty
// buffer over the persisted DB for the given prefix, sorted by key.
func (s *StateDB) listPrefix(prefix string) ([][2]string, error) {
	merged := make(map[string][]byte)
	it := s.db.NewIterator([]byte(prefix))
	for it.Next() {
		merged[string(it.Key())] = append([]byte(nil), it.Value()...)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, err
	}
	for k, v := range s.dirty {
		if strings.HasPrefix(k, prefix) {
			merged[k] = v
		}
	}
	for k := range s.deleted {
		if strings.HasPrefix(k, prefix) {
			delete(merged, k)
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, string(merged[k])})
	}
	return out, nil
}

// ---- Account ----

func (s *StateDB) GetAccount(address string) (*core.Account, error) {
	data, err := s.get(prefixAccount + address)
	if errors.Is(err, core.ErrNotFound) {
		return &core.Account{Address: address}, nil // zero-value account
	}
	if err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	var acc core.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	return &acc, nil
}

func (s *StateDB) SetAccount(acc *core.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	s.set(prefixAccount+acc.Address, data)
	return nil
}

// ---- Staking ----

func (s *StateDB) GetValidator(operator string) (*core.ValidatorRecord, error) {
	data, err := s.get(prefixValidator + operator)
	if errors.Is(err, core.ErrNotFound) {
		return &core.ValidatorRecord{Operator: operator, Delegations: map[string]uint64{}}, nil
	}
	if err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	var v core.ValidatorRecord
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	if v.Delegations == nil {
		v.Delegations = map[string]uint64{}
	}
	return &v, nil
}

func (s *StateDB) SetValidator(v *core.ValidatorRecord) error {
	data, err := json.Marshal(v)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	s.set(prefixValidator+v.Operator, data)
	return nil
}

// ListValidators returns every registered validator in ascending operator
// address order, the canonical iteration order SPEC_FULL.md requires for
// deterministic VRF-style selection.
func (s *StateDB) ListValidators() ([]*core.ValidatorRecord, error) {
	pairs, err := s.listPrefix(prefixValidator)
	if err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	out := make([]*core.ValidatorRecord, 0, len(pairs))
	for _, kv := range pairs {
		var v core.ValidatorRecord
		if err := json.Unmarshal([]byte(kv[1]), &v); err != nil {
			return nil, core.NewError(core.KindStorage, err)
		}
		if v.Delegations == nil {
			v.Delegations = map[string]uint64{}
		}
		out = append(out, &v)
	}
	return out, nil
}

// ---- Unbonding queue ----

func (s *StateDB) nextUnbondSeq() (uint64, error) {
	var seq uint64
	data, err := s.get(keyUnbondSeq)
	if err == nil {
		seq = binary.BigEndian.Uint64(data)
	} else if !errors.Is(err, core.ErrNotFound) {
		return 0, core.NewError(core.KindStorage, err)
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	s.set(keyUnbondSeq, buf)
	return seq, nil
}

func (s *StateDB) AppendUnbonding(e *core.UnbondingEntry) error {
	seq, err := s.nextUnbondSeq()
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d:%020d", prefixUnbond, e.MaturesAtBlock, seq)
	data, err := json.Marshal(e)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	s.set(key, data)
	return nil
}

// MaturedUnbondings returns, in ascending maturity order, every unbonding
// entry whose MaturesAtBlock <= atBlock. Each entry's Key field is populated
// so a subsequent RemoveUnbondings call can delete it precisely.
func (s *StateDB) MaturedUnbondings(atBlock int64) ([]*core.UnbondingEntry, error) {
	pairs, err := s.listPrefix(prefixUnbond)
	if err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	var out []*core.UnbondingEntry
	for _, kv := range pairs {
		var e core.UnbondingEntry
		if err := json.Unmarshal([]byte(kv[1]), &e); err != nil {
			return nil, core.NewError(core.KindStorage, err)
		}
		if e.MaturesAtBlock > atBlock {
			continue
		}
		e.Key = kv[0]
		out = append(out, &e)
	}
	return out, nil
}

func (s *StateDB) RemoveUnbondings(matured []*core.UnbondingEntry) error {
	for _, e := range matured {
		if e.Key == "" {
			return core.NewError(core.KindInternal, fmt.Errorf("unbonding entry missing key"))
		}
		s.del(e.Key)
	}
	return nil
}

// ---- AMM pool ----

func (s *StateDB) GetPool() (*core.Pool, error) {
	data, err := s.get(keyPool)
	if errors.Is(err, core.ErrNotFound) {
		return &core.Pool{LPBalances: map[string]uint64{}}, nil
	}
	if err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	var p core.Pool
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	if p.LPBalances == nil {
		p.LPBalances = map[string]uint64{}
	}
	return &p, nil
}

func (s *StateDB) SetPool(p *core.Pool) error {
	data, err := json.Marshal(p)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	s.set(keyPool, data)
	return nil
}

// ---- Burn totals ----

func (s *StateDB) GetBurnTotals() (*core.BurnTotals, error) {
	data, err := s.get(keyBurn)
	if errors.Is(err, core.ErrNotFound) {
		return &core.BurnTotals{ByReason: map[string]uint64{}}, nil
	}
	if err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	var b core.BurnTotals
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	if b.ByReason == nil {
		b.ByReason = map[string]uint64{}
	}
	return &b, nil
}

func (s *StateDB) SetBurnTotals(b *core.BurnTotals) error {
	data, err := json.Marshal(b)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	s.set(keyBurn, data)
	return nil
}

// ---- Checkpoints ----

func (s *StateDB) AppendCheckpoint(c *core.Checkpoint) error {
	data, err := json.Marshal(c)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	key := fmt.Sprintf("%s%020d", prefixCheckpoint, c.Height)
	s.set(key, data)
	s.set(keyLatestCkpt, data)
	return nil
}

func (s *StateDB) LatestCheckpoint() (*core.Checkpoint, error) {
	data, err := s.get(keyLatestCkpt)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	var c core.Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	return &c, nil
}

func (s *StateDB) CheckpointAt(height int64) (*core.Checkpoint, error) {
	key := fmt.Sprintf("%s%020d", prefixCheckpoint, height)
	data, err := s.get(key)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	var c core.Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	return &c, nil
}

// ---- Finality ----

func (s *StateDB) GetFinalized() (*core.FinalizedState, error) {
	data, err := s.get(keyFinalized)
	if errors.Is(err, core.ErrNotFound) {
		return &core.FinalizedState{Heights: map[int64]string{}}, nil
	}
	if err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	var f core.FinalizedState
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, core.NewError(core.KindStorage, err)
	}
	if f.Heights == nil {
		f.Heights = map[int64]string{}
	}
	return &f, nil
}

func (s *StateDB) SetFinalized(f *core.FinalizedState) error {
	data, err := json.Marshal(f)
	if err != nil {
		return core.NewError(core.KindStorage, err)
	}
	s.set(keyFinalized, data)
	return nil
}

// ---- Epoch / supply bookkeeping ----

func (s *StateDB) AppliedEpochHeight() (int64, error) {
	data, err := s.get(keyAppliedEp)
	if errors.Is(err, core.ErrNotFound) {
		return -1, nil
	}
	if err != nil {
		return 0, core.NewError(core.KindStorage, err)
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

func (s *StateDB) SetAppliedEpochHeight(height int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(height))
	s.set(keyAppliedEp, buf)
	return nil
}

func (s *StateDB) TotalSupply() (uint64, error) {
	data, err := s.get(keyTotalSup)
	if errors.Is(err, core.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, core.NewError(core.KindStorage, err)
	}
	return binary.BigEndian.Uint64(data), nil
}

func (s *StateDB) SetTotalSupply(amount uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, amount)
	s.set(keyTotalSup, buf)
	return nil
}

// ---- Snapshot / Rollback / Commit ----

// Snapshot saves the current write buffer and returns a snapshot ID.
func (s *StateDB) Snapshot() (int, error) {
	snap := stateSnapshot{
		dirty:   make(map[string][]byte, len(s.dirty)),
		deleted: make(map[string]bool, len(s.deleted)),
	}
	for k, v := range s.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		snap.dirty[k] = cp
	}
	for k, v := range s.deleted {
		snap.deleted[k] = v
	}
	s.snapshots = append(s.snapshots, snap)
	return len(s.snapshots) - 1, nil
}

// RevertToSnapshot restores the write buffer to a previously saved snapshot.
// The snapshot maps are deep-copied so that subsequent writes cannot corrupt
// them.
func (s *StateDB) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(s.snapshots) {
		return core.NewError(core.KindInternal, fmt.Errorf("invalid snapshot id %d", id))
	}
	snap := s.snapshots[id]

	dirty := make(map[string][]byte, len(snap.dirty))
	for k, v := range snap.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		dirty[k] = cp
	}
	deleted := make(map[string]bool, len(snap.deleted))
	for k, v := range snap.deleted {
		deleted[k] = v
	}

	s.dirty = dirty
	s.deleted = deleted
	s.snapshots = s.snapshots[:id]
	return nil
}

// ComputeRoot returns the deterministic hash of the complete world state. It
// merges all persisted state entries (scanned from DB by the known state
// prefixes) with the current write buffer, then hashes the sorted key-value
// pairs using length-prefix encoding. It does NOT flush or modify state, so
// it is safe to call before signing a block.
func (s *StateDB) ComputeRoot() string {
	merged := make(map[string][]byte)
	for _, prefix := range statePrefixes {
		it := s.db.NewIterator([]byte(prefix))
		for it.Next() {
			k := string(it.Key())
			v := make([]byte, len(it.Value()))
			copy(v, it.Value())
			merged[k] = v
		}
		it.Release()
	}

	for k, v := range s.dirty {
		merged[k] = v
	}
	for k := range s.deleted {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		kb := []byte(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kb)))
		buf.Write(lenBuf[:])
		buf.Write(kb)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return crypto.Hash(buf.Bytes())
}

// Commit atomically flushes the write buffer to the underlying DB via a
// WriteBatch and then clears it.
func (s *StateDB) Commit() error {
	batch := s.db.NewBatch()
	for k, v := range s.dirty {
		batch.Set([]byte(k), v)
	}
	for k := range s.deleted {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return core.NewError(core.KindStorage, err)
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
	return nil
}
