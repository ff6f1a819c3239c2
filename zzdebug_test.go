package mls

import (
	"fmt"
	"testing"

	syntax "github.com/cisco/go-tls-syntax"
)

func TestZZDebugCommit(t *testing.T) {
	a := newStateTestMember(t, 0x01)
	b := newStateTestMember(t, 0x02)

	first0, err := NewState(stateTestGroupId, stateTestSuite, a.initSecret, a.sigPriv, *a.kp)
	if err != nil {
		t.Fatal(err)
	}

	add, err := first0.Add(*b.kp)
	if err != nil {
		t.Fatal(err)
	}

	_, err = first0.Handle(add)
	if err != nil {
		t.Fatal(err)
	}

	byRef, err := first0.pendingByRef()
	if err != nil {
		t.Fatal(err)
	}
	var updates, removes, adds []ProposalRef
	for _, pt := range first0.PendingProposals {
		ref, _ := pt.ref(first0.Suite)
		adds = append(adds, ref)
		_ = ref
	}
	_ = updates
	_ = removes
	_ = byRef
	_ = adds

	tree := first0.Tree.Clone()
	commit := Commit{Adds: adds}
	addedAt, err := applyCommitProposals(&tree, byRef, commit)
	if err != nil {
		t.Fatal("applyCommitProposals", err)
	}
	fmt.Println("addedAt", addedAt)

	ownIndex := first0.Index()
	treePriv, path, err := tree.Encap(ownIndex, first0.GroupId, freshBytes(0x10, 32), first0.IdentityPriv)
	if err != nil {
		t.Fatal("Encap", err)
	}
	_ = treePriv
	commit.Path = *path

	commitPt := newCommitPlaintext(first0.GroupId, first0.Epoch, ownIndex, commit)

	confirmedHash, err := advanceTranscript(first0.Suite, first0.InterimTranscriptHash, commitPt)
	if err != nil {
		t.Fatal("advanceTranscript", err)
	}
	fmt.Println("confirmedHash ok")

	newContext := GroupContext{
		GroupId:                 first0.GroupId,
		Epoch:                   first0.Epoch + 1,
		TreeHash:                tree.RootHash(),
		ConfirmedTranscriptHash: confirmedHash,
		Extensions:              first0.Extensions,
	}
	_, err = syntax.Marshal(newContext)
	if err != nil {
		t.Fatal("marshal newContext", err)
	}
	fmt.Println("context ok")
}
