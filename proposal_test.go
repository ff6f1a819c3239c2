package mls

import (
	"testing"

	"github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

func TestProposalMarshalUnmarshal(t *testing.T) {
	_, _, kp := newTestKeyPackage(t, []byte{0x10})

	cases := []Proposal{
		{Add: &Add{KeyPackage: *kp}},
		{Update: &Update{KeyPackage: *kp}},
		{Remove: &Remove{Removed: LeafIndex(3)}},
	}

	for _, p := range cases {
		enc, err := syntax.Marshal(p)
		require.Nil(t, err)

		var out Proposal
		read, err := syntax.Unmarshal(enc, &out)
		require.Nil(t, err)
		require.Equal(t, len(enc), read)
		require.Equal(t, p.Type(), out.Type())
	}
}

func TestProposalRefRoundTrip(t *testing.T) {
	ref := ProposalRef([]byte{0x01, 0x02, 0x03, 0x04})

	enc, err := syntax.Marshal(ref)
	require.Nil(t, err)

	var out ProposalRef
	_, err = syntax.Unmarshal(enc, &out)
	require.Nil(t, err)
	require.Equal(t, ref, out)
}

func TestCommitMarshalUnmarshal(t *testing.T) {
	_, _, kp := newTestKeyPackage(t, []byte{0x20})

	commit := Commit{
		Updates: []ProposalRef{{0x01}, {0x02}},
		Removes: []ProposalRef{{0x03}},
		Adds:    []ProposalRef{{0x04}},
		Path: DirectPath{
			LeafKeyPackage: *kp,
			Nodes:          []DirectPathStep{},
		},
	}

	enc, err := syntax.Marshal(commit)
	require.Nil(t, err)

	var out Commit
	_, err = syntax.Unmarshal(enc, &out)
	require.Nil(t, err)
	require.Equal(t, commit.Updates, out.Updates)
	require.Equal(t, commit.Removes, out.Removes)
	require.Equal(t, commit.Adds, out.Adds)
}
