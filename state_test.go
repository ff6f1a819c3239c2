package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var stateTestGroupId = []byte{0x01, 0x02, 0x03, 0x04}
var stateTestSuite = X25519_SHA256_AES128GCM
var stateTestMessage = []byte("hello group")

// stateTestMember bundles everything NewState/JoinState need for one
// participant: the leaf secret that produced both the KeyPackage's init key
// and (for the creator) the bootstrap TreeKEMPrivateKey, per
// original_source/test/state_test.cpp's fixture shape.
type stateTestMember struct {
	initSecret []byte
	sigPriv    SignaturePrivateKey
	kp         *KeyPackage
}

func newStateTestMember(t *testing.T, seed byte) stateTestMember {
	initSecret, sigPriv, kp := newTestKeyPackage(t, []byte{seed})
	return stateTestMember{initSecret: initSecret, sigPriv: sigPriv, kp: kp}
}

func freshBytes(seed byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i)
	}
	return out
}

func TestStateTwoPersonCreateAndJoin(t *testing.T) {
	a := newStateTestMember(t, 0x01)
	b := newStateTestMember(t, 0x02)

	first0, err := NewState(stateTestGroupId, stateTestSuite, a.initSecret, a.sigPriv, *a.kp)
	require.Nil(t, err)
	require.Equal(t, LeafIndex(0), first0.Index())

	add, err := first0.Add(*b.kp)
	require.Nil(t, err)

	_, err = first0.Handle(add)
	require.Nil(t, err)

	_, welcome, first1, err := first0.Commit(freshBytes(0x10, 32))
	require.Nil(t, err)
	require.NotNil(t, welcome)
	require.Equal(t, Epoch(1), first1.Epoch)

	second0, err := JoinState(b.initSecret, b.sigPriv, *b.kp, *welcome)
	require.Nil(t, err)
	require.Equal(t, first1.Epoch, second0.Epoch)
	require.Equal(t, first1.Tree.RootHash(), second0.Tree.RootHash())
	require.Equal(t, LeafIndex(1), second0.Index())

	ct, err := first1.Protect(stateTestMessage)
	require.Nil(t, err)

	pt, err := second0.Unprotect(ct)
	require.Nil(t, err)
	require.Equal(t, stateTestMessage, pt)

	// And the reverse direction.
	ct2, err := second0.Protect([]byte("reply"))
	require.Nil(t, err)

	pt2, err := first1.Unprotect(ct2)
	require.Nil(t, err)
	require.Equal(t, []byte("reply"), pt2)
}

func TestStateGroupOfFiveSingleCommit(t *testing.T) {
	creator := newStateTestMember(t, 0x20)
	others := []stateTestMember{
		newStateTestMember(t, 0x21),
		newStateTestMember(t, 0x22),
		newStateTestMember(t, 0x23),
		newStateTestMember(t, 0x24),
	}

	state, err := NewState(stateTestGroupId, stateTestSuite, creator.initSecret, creator.sigPriv, *creator.kp)
	require.Nil(t, err)

	for _, m := range others {
		add, err := state.Add(*m.kp)
		require.Nil(t, err)
		_, err = state.Handle(add)
		require.Nil(t, err)
	}

	_, welcome, next, err := state.Commit(freshBytes(0x30, 32))
	require.Nil(t, err)
	require.NotNil(t, welcome)
	require.Equal(t, LeafCount(5), next.Tree.Size())

	joined := make([]*State, len(others))
	for i, m := range others {
		js, err := JoinState(m.initSecret, m.sigPriv, *m.kp, *welcome)
		require.Nil(t, err)
		require.Equal(t, next.Epoch, js.Epoch)
		require.Equal(t, next.Tree.RootHash(), js.Tree.RootHash())
		joined[i] = js
	}

	// Every joiner can read a message protected under the committer's state.
	ct, err := next.Protect(stateTestMessage)
	require.Nil(t, err)
	for _, js := range joined {
		pt, err := js.Unprotect(ct)
		require.Nil(t, err)
		require.Equal(t, stateTestMessage, pt)
	}
}

func TestStateSequentialJoinsThroughFiveMembers(t *testing.T) {
	creator := newStateTestMember(t, 0x40)
	state, err := NewState(stateTestGroupId, stateTestSuite, creator.initSecret, creator.sigPriv, *creator.kp)
	require.Nil(t, err)

	for i := byte(0); i < 4; i++ {
		joiner := newStateTestMember(t, 0x41+i)

		add, err := state.Add(*joiner.kp)
		require.Nil(t, err)
		_, err = state.Handle(add)
		require.Nil(t, err)

		_, welcome, next, err := state.Commit(freshBytes(0x50+i, 32))
		require.Nil(t, err)
		require.NotNil(t, welcome)

		js, err := JoinState(joiner.initSecret, joiner.sigPriv, *joiner.kp, *welcome)
		require.Nil(t, err)
		require.Equal(t, next.Tree.RootHash(), js.Tree.RootHash())

		state = next
	}

	require.Equal(t, LeafCount(5), state.Tree.Size())
}

func TestStateUpdateRotatesLeaf(t *testing.T) {
	a := newStateTestMember(t, 0x60)
	b := newStateTestMember(t, 0x61)

	first0, err := NewState(stateTestGroupId, stateTestSuite, a.initSecret, a.sigPriv, *a.kp)
	require.Nil(t, err)

	add, err := first0.Add(*b.kp)
	require.Nil(t, err)
	_, err = first0.Handle(add)
	require.Nil(t, err)

	_, welcome, first1, err := first0.Commit(freshBytes(0x62, 32))
	require.Nil(t, err)

	second0, err := JoinState(b.initSecret, b.sigPriv, *b.kp, *welcome)
	require.Nil(t, err)

	oldKey, ok := first1.Tree.KeyPackage(LeafIndex(0))
	require.True(t, ok)

	update, err := first1.Update(freshBytes(0x63, 32))
	require.Nil(t, err)

	_, err = first1.Handle(update)
	require.Nil(t, err)
	_, err = second0.Handle(update)
	require.Nil(t, err)

	_, _, first2, err := first1.Commit(freshBytes(0x64, 32))
	require.Nil(t, err)

	newKey, ok := first2.Tree.KeyPackage(LeafIndex(0))
	require.True(t, ok)
	require.False(t, oldKey.Equals(*newKey))

	commitPt := first2 // silence unused warning pattern below
	_ = commitPt
}

func TestStateRemoveTruncatesTree(t *testing.T) {
	a := newStateTestMember(t, 0x70)
	b := newStateTestMember(t, 0x71)
	c := newStateTestMember(t, 0x72)

	state, err := NewState(stateTestGroupId, stateTestSuite, a.initSecret, a.sigPriv, *a.kp)
	require.Nil(t, err)

	for _, m := range []stateTestMember{b, c} {
		add, err := state.Add(*m.kp)
		require.Nil(t, err)
		_, err = state.Handle(add)
		require.Nil(t, err)
	}
	_, _, state, err = state.Commit(freshBytes(0x73, 32))
	require.Nil(t, err)
	require.Equal(t, LeafCount(3), state.Tree.Size())

	remove, err := state.Remove(LeafIndex(2))
	require.Nil(t, err)
	_, err = state.Handle(remove)
	require.Nil(t, err)

	_, _, state, err = state.Commit(freshBytes(0x74, 32))
	require.Nil(t, err)
	require.Equal(t, LeafCount(2), state.Tree.Size())
}

func TestStateUnprotectOutOfOrderWithinWindow(t *testing.T) {
	a := newStateTestMember(t, 0x80)
	b := newStateTestMember(t, 0x81)

	first0, err := NewState(stateTestGroupId, stateTestSuite, a.initSecret, a.sigPriv, *a.kp)
	require.Nil(t, err)

	add, err := first0.Add(*b.kp)
	require.Nil(t, err)
	_, err = first0.Handle(add)
	require.Nil(t, err)

	_, welcome, first1, err := first0.Commit(freshBytes(0x82, 32))
	require.Nil(t, err)

	second0, err := JoinState(b.initSecret, b.sigPriv, *b.kp, *welcome)
	require.Nil(t, err)

	// Narrow the retention window on both ends of the conversation so the
	// boundary is easy to reach within a short test.
	first1.Keys.ApplicationKeys.Window = 3
	second0.Keys.ApplicationKeys.Window = 3

	var cts []*MLSCiphertext
	for i := 0; i < 3; i++ {
		ct, err := first1.Protect([]byte{byte(i)})
		require.Nil(t, err)
		cts = append(cts, ct)
	}

	// Deliver generation 2, then 0, then 1: all fall inside the window-3
	// retention, so every one should still open.
	order := []int{2, 0, 1}
	for _, i := range order {
		pt, err := second0.Unprotect(cts[i])
		require.Nil(t, err)
		require.Equal(t, []byte{byte(i)}, pt)
	}
}

func TestStateUnprotectStaleGenerationOutsideWindow(t *testing.T) {
	a := newStateTestMember(t, 0x90)
	b := newStateTestMember(t, 0x91)

	first0, err := NewState(stateTestGroupId, stateTestSuite, a.initSecret, a.sigPriv, *a.kp)
	require.Nil(t, err)

	add, err := first0.Add(*b.kp)
	require.Nil(t, err)
	_, err = first0.Handle(add)
	require.Nil(t, err)

	_, welcome, first1, err := first0.Commit(freshBytes(0x92, 32))
	require.Nil(t, err)

	second0, err := JoinState(b.initSecret, b.sigPriv, *b.kp, *welcome)
	require.Nil(t, err)

	first1.Keys.ApplicationKeys.Window = 2
	second0.Keys.ApplicationKeys.Window = 2

	ct0, err := first1.Protect([]byte("gen0"))
	require.Nil(t, err)

	// Advance three more generations so generation 0 falls outside a window
	// of 2 once the receiver has caught up.
	var ctLater *MLSCiphertext
	for i := 0; i < 3; i++ {
		ctLater, err = first1.Protect([]byte("filler"))
		require.Nil(t, err)
	}

	// The receiver's own ratchet only advances once it opens something: it
	// must first catch up to generation 3 (pruning generations 0 and 1
	// under a window of 2) before generation 0 can be seen as stale rather
	// than simply not yet derived.
	_, err = second0.Unprotect(ctLater)
	require.Nil(t, err)

	_, err = second0.Unprotect(ct0)
	require.NotNil(t, err)

	var mlsErr *Error
	require.ErrorAs(t, err, &mlsErr)
	require.Equal(t, StaleGeneration, mlsErr.Kind)
}

func TestStateHandleRejectsStaleEpoch(t *testing.T) {
	a := newStateTestMember(t, 0xA0)
	b := newStateTestMember(t, 0xA1)

	first0, err := NewState(stateTestGroupId, stateTestSuite, a.initSecret, a.sigPriv, *a.kp)
	require.Nil(t, err)

	add, err := first0.Add(*b.kp)
	require.Nil(t, err)

	_, _, first1, err := first0.Commit(freshBytes(0xA2, 32))
	require.Nil(t, err)

	// add was signed and addressed to epoch 0; first1 is now at epoch 1.
	_, err = first1.Handle(add)
	require.NotNil(t, err)

	var mlsErr *Error
	require.ErrorAs(t, err, &mlsErr)
	require.Equal(t, StaleEpoch, mlsErr.Kind)
}

func TestStateExportDeterministicPerLabelAndContext(t *testing.T) {
	a := newStateTestMember(t, 0xB0)
	state, err := NewState(stateTestGroupId, stateTestSuite, a.initSecret, a.sigPriv, *a.kp)
	require.Nil(t, err)

	e1 := state.Export("test", []byte("ctx"), 32)
	e2 := state.Export("test", []byte("ctx"), 32)
	e3 := state.Export("test", []byte("other"), 32)

	require.Equal(t, e1, e2)
	require.NotEqual(t, e1, e3)
	require.NotEmpty(t, state.ResumptionSecret())
}
