package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupInfoSignVerify(t *testing.T) {
	pub := NewTreeKEMPublicKey(treekemTestSuite)
	_, sigPrivA, kpA := newTestKeyPackage(t, []byte{0x50})
	indexA := pub.AddLeaf(*kpA)
	pub.setHashAll()

	info := &GroupInfo{
		GroupId:                 []byte("group"),
		Epoch:                   1,
		Tree:                    *pub,
		ConfirmedTranscriptHash: []byte("confirmed"),
		InterimTranscriptHash:   []byte("interim"),
		Confirmation:            []byte("conf"),
	}

	require.Nil(t, info.Sign(indexA, sigPrivA))
	require.True(t, info.Verify())

	info.Epoch = 2
	require.False(t, info.Verify())
}

func TestWelcomeAddFindDecrypt(t *testing.T) {
	pub := NewTreeKEMPublicKey(treekemTestSuite)
	_, sigPrivA, kpA := newTestKeyPackage(t, []byte{0x60})
	indexA := pub.AddLeaf(*kpA)

	secretB, _, kpB := newTestKeyPackage(t, []byte{0x61})
	pub.AddLeaf(*kpB)
	pub.setHashAll()

	info := &GroupInfo{
		GroupId:                 []byte("group"),
		Epoch:                   1,
		Tree:                    *pub,
		ConfirmedTranscriptHash: []byte("confirmed"),
		InterimTranscriptHash:   []byte("interim"),
	}
	require.Nil(t, info.Sign(indexA, sigPrivA))

	joinerSecret := []byte("joiner-secret-joiner-secret-abc")
	welcome, err := NewWelcome(treekemTestSuite, joinerSecret, *info)
	require.Nil(t, err)

	pathSecret := []byte("path-secret-for-b")
	require.Nil(t, welcome.Add(*kpB, joinerSecret, pathSecret))

	_, ok := welcome.Find(*kpB)
	require.True(t, ok)

	initPrivB, err := treekemTestSuite.hpke().Derive(secretB)
	require.Nil(t, err)

	secrets, err := welcome.DecryptSecrets(*kpB, initPrivB)
	require.Nil(t, err)
	require.Equal(t, joinerSecret, secrets.JoinerSecret)
	require.NotNil(t, secrets.PathSecret)
	require.Equal(t, pathSecret, secrets.PathSecret.Data)

	decrypted, err := welcome.DecryptGroupInfo(secrets.JoinerSecret)
	require.Nil(t, err)
	require.True(t, decrypted.Verify())
	require.Equal(t, info.Epoch, decrypted.Epoch)
}

func TestWelcomeFindMissing(t *testing.T) {
	pub := NewTreeKEMPublicKey(treekemTestSuite)
	_, sigPrivA, kpA := newTestKeyPackage(t, []byte{0x70})
	indexA := pub.AddLeaf(*kpA)
	pub.setHashAll()

	info := &GroupInfo{GroupId: []byte("g"), Epoch: 0, Tree: *pub}
	require.Nil(t, info.Sign(indexA, sigPrivA))

	welcome, err := NewWelcome(treekemTestSuite, []byte("secret"), *info)
	require.Nil(t, err)

	_, _, other := newTestKeyPackage(t, []byte{0x71})
	_, ok := welcome.Find(*other)
	require.False(t, ok)
}
