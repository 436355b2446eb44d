package slashing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvenc/node/core"
	"github.com/lvenc/node/crypto"
	"github.com/lvenc/node/internal/testutil"
)

func signedEvidence(t *testing.T, priv crypto.PrivateKey, validator string, slot int64) DoubleSignEvidence {
	t.Helper()
	ev := DoubleSignEvidence{Validator: validator, Slot: slot, HashA: "hashA", HashB: "hashB"}
	ev.SigA = crypto.Sign(priv, []byte(ev.HashA))
	ev.SigB = crypto.Sign(priv, []byte(ev.HashB))
	return ev
}

func TestVerifyDoubleSignRejectsIdenticalHashes(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ev := DoubleSignEvidence{Validator: "val1", HashA: "same", HashB: "same"}
	ev.SigA = crypto.Sign(priv, []byte(ev.HashA))
	ev.SigB = crypto.Sign(priv, []byte(ev.HashB))
	assert.Error(t, VerifyDoubleSign(ev, pub.Hex()), "expected rejection of identical-hash evidence")
}

func TestVerifyDoubleSignRejectsBadSignature(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ev := signedEvidence(t, priv, "val1", 5)
	ev.SigA = "not-a-real-signature"
	assert.Error(t, VerifyDoubleSign(ev, pub.Hex()), "expected rejection of a forged signature")
}

func TestApplyDoubleSignSlashesHalfJailsAndBurns(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	state := testutil.NewStateDB()
	require.NoError(t, state.SetValidator(&core.ValidatorRecord{
		Operator:        "val1",
		ConsensusPubKey: pub.Hex(),
		SelfStake:       1000,
		DelegatedStake:  0,
		Delegations:     map[string]uint64{},
	}))
	require.NoError(t, state.SetTotalSupply(1_000_000))

	ev := signedEvidence(t, priv, "val1", 5)
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	e := NewEngine(nil, 10_000) // no effective cap limit for this test
	require.NoError(t, e.ApplyDoubleSign(state, payload))

	v, err := state.GetValidator("val1")
	require.NoError(t, err)
	assert.EqualValues(t, 500, v.SelfStake, "selfStake after 50%% slash")
	assert.True(t, v.Jailed, "validator should be jailed")
	assert.False(t, v.Active, "validator should be deactivated")

	supply, err := state.TotalSupply()
	require.NoError(t, err)
	assert.EqualValues(t, 1_000_000-500, supply, "slashed amount should be burned in full")
}

func TestApplyDoubleSignSplitsSlashAcrossDelegators(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	state := testutil.NewStateDB()
	require.NoError(t, state.SetValidator(&core.ValidatorRecord{
		Operator:        "val1",
		ConsensusPubKey: pub.Hex(),
		SelfStake:       500,
		DelegatedStake:  500,
		Delegations:     map[string]uint64{"del1": 500},
	}))
	require.NoError(t, state.SetTotalSupply(1_000_000))

	ev := signedEvidence(t, priv, "val1", 5)
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	e := NewEngine(nil, 10_000)
	require.NoError(t, e.ApplyDoubleSign(state, payload))

	v, err := state.GetValidator("val1")
	require.NoError(t, err)
	// effective 1000, slash 500 split 50/50 self/delegated
	assert.EqualValues(t, 250, v.SelfStake)
	assert.EqualValues(t, 250, v.Delegations["del1"])
}

func TestApplyLivenessFaultRequiresThresholdCrossed(t *testing.T) {
	state := testutil.NewStateDB()
	require.NoError(t, state.SetValidator(&core.ValidatorRecord{
		Operator:        "val1",
		SelfStake:       1000,
		MissedSlotCount: 5,
		Delegations:     map[string]uint64{},
	}))
	payload, err := json.Marshal(LivenessEvidence{Validator: "val1"})
	require.NoError(t, err)
	e := NewEngine(nil, 10_000)
	assert.Error(t, e.ApplyLivenessFault(state, payload), "expected rejection before missed-slot threshold is crossed")
}

func TestApplyLivenessFaultSlashesProportionalToMissedCount(t *testing.T) {
	state := testutil.NewStateDB()
	require.NoError(t, state.SetValidator(&core.ValidatorRecord{
		Operator:        "val1",
		SelfStake:       1000,
		MissedSlotCount: 100,
		Delegations:     map[string]uint64{},
	}))
	require.NoError(t, state.SetTotalSupply(1_000_000))
	payload, err := json.Marshal(LivenessEvidence{Validator: "val1"})
	require.NoError(t, err)
	e := NewEngine(nil, 10_000)
	require.NoError(t, e.ApplyLivenessFault(state, payload))

	v, err := state.GetValidator("val1")
	require.NoError(t, err)
	// 100 missed slots * 10bps = 1000bps = 10% of effective stake 1000 = 100
	assert.EqualValues(t, 900, v.SelfStake, "selfStake after liveness slash")
	assert.False(t, v.Jailed, "liveness faults must not jail the validator")
	assert.EqualValues(t, 0, v.MissedSlotCount, "MissedSlotCount should reset to 0")
}

func TestRecordAndResetMissedSlot(t *testing.T) {
	state := testutil.NewStateDB()
	require.NoError(t, state.SetValidator(&core.ValidatorRecord{Operator: "val1", Delegations: map[string]uint64{}}))
	require.NoError(t, RecordMissedSlot(state, "val1"))
	require.NoError(t, RecordMissedSlot(state, "val1"))

	v, err := state.GetValidator("val1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, v.MissedSlotCount)

	require.NoError(t, ResetMissedSlot(state, "val1"))
	v, err = state.GetValidator("val1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, v.MissedSlotCount, "MissedSlotCount after reset")
}
