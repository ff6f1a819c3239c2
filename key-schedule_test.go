package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var ksTestSuite = X25519_SHA256_AES128GCM

func TestKeyScheduleEpochDerivation(t *testing.T) {
	secretSize := ksTestSuite.Constants().SecretSize
	keySize := ksTestSuite.Constants().KeySize
	nonceSize := ksTestSuite.Constants().NonceSize

	size := LeafCount(5)
	epochSecret := make([]byte, secretSize)
	for i := range epochSecret {
		epochSecret[i] = byte(i)
	}
	context := []byte("group-context")

	epoch := newKeyScheduleEpoch(ksTestSuite, size, epochSecret, context, DefaultGenerationWindow)
	require.Equal(t, secretSize, len(epoch.SenderDataSecret))
	require.Equal(t, keySize, len(epoch.SenderDataKey))
	require.Equal(t, secretSize, len(epoch.HandshakeSecret))
	require.Equal(t, secretSize, len(epoch.ApplicationSecret))
	require.Equal(t, secretSize, len(epoch.ExporterSecret))
	require.Equal(t, secretSize, len(epoch.ConfirmationKey))
	require.Equal(t, secretSize, len(epoch.ResumptionSecret))
	require.NotNil(t, epoch.HandshakeKeys)
	require.NotNil(t, epoch.ApplicationKeys)

	for i := LeafIndex(0); LeafCount(i) < size; i++ {
		hs, err := epoch.HandshakeKeys.Get(i, 3)
		require.Nil(t, err)
		require.Equal(t, keySize, len(hs.Key))
		require.Equal(t, nonceSize, len(hs.Nonce))

		app, err := epoch.ApplicationKeys.Get(i, 3)
		require.Nil(t, err)
		require.Equal(t, keySize, len(app.Key))
		require.Equal(t, nonceSize, len(app.Nonce))
	}
}

func TestKeyScheduleNextMatchesJoiner(t *testing.T) {
	size := LeafCount(3)
	secretSize := ksTestSuite.Constants().SecretSize
	epochSecret := make([]byte, secretSize)
	bootstrap := newKeyScheduleEpoch(ksTestSuite, size, epochSecret, []byte("ctx0"), DefaultGenerationWindow)

	commitSecret := make([]byte, secretSize)
	for i := range commitSecret {
		commitSecret[i] = byte(0xA0 + i%10)
	}
	context := []byte("ctx1")

	committerView, joinerSecret := bootstrap.Next(size, nil, commitSecret, context)
	joinerView := joinerKeyScheduleEpoch(ksTestSuite, size, joinerSecret, nil, context, DefaultGenerationWindow)

	require.Equal(t, committerView.EpochSecret, joinerView.EpochSecret)
	require.Equal(t, committerView.SenderDataSecret, joinerView.SenderDataSecret)
	require.Equal(t, committerView.ConfirmationKey, joinerView.ConfirmationKey)
	require.Equal(t, committerView.ApplicationSecret, joinerView.ApplicationSecret)
}

func TestHashRatchetWindowAllowsReorder(t *testing.T) {
	secretSize := ksTestSuite.Constants().SecretSize
	base := make([]byte, secretSize)
	hr := newHashRatchet(ksTestSuite, NodeIndex(0), base, 3)

	// Deliver generations out of order: 2, 0, 1. With window 3, all three are
	// still reachable once generation 2 has fast-forwarded the ratchet.
	kn2, err := hr.Get(2)
	require.Nil(t, err)

	kn0, err := hr.Get(0)
	require.Nil(t, err)

	kn1, err := hr.Get(1)
	require.Nil(t, err)

	require.NotEqual(t, kn0.Key, kn1.Key)
	require.NotEqual(t, kn1.Key, kn2.Key)
}

func TestHashRatchetWindowRejectsStaleGeneration(t *testing.T) {
	secretSize := ksTestSuite.Constants().SecretSize
	base := make([]byte, secretSize)
	hr := newHashRatchet(ksTestSuite, NodeIndex(0), base, 2)

	// Fast-forward past generation 0 by more than the window; it should have
	// been pruned and must come back as StaleGeneration.
	_, err := hr.Get(5)
	require.Nil(t, err)

	_, err = hr.Get(0)
	require.NotNil(t, err)

	var mlsErr *Error
	require.ErrorAs(t, err, &mlsErr)
	require.Equal(t, StaleGeneration, mlsErr.Kind)
}

func TestKeyScheduleExport(t *testing.T) {
	size := LeafCount(2)
	secretSize := ksTestSuite.Constants().SecretSize
	epochSecret := make([]byte, secretSize)
	for i := range epochSecret {
		epochSecret[i] = byte(i + 1)
	}
	epoch := newKeyScheduleEpoch(ksTestSuite, size, epochSecret, []byte("ctx"), DefaultGenerationWindow)

	a := epoch.Export("test-label", []byte("context-a"), 32)
	b := epoch.Export("test-label", []byte("context-b"), 32)
	c := epoch.Export("test-label", []byte("context-a"), 32)

	require.Len(t, a, 32)
	require.NotEqual(t, a, b)
	require.Equal(t, a, c)
}
