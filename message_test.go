package mls

import (
	"testing"

	"github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

func TestMLSPlaintextSignVerify(t *testing.T) {
	_, sigPriv, kp := newTestKeyPackage(t, []byte{0x30})

	ctx := GroupContext{
		GroupId: []byte("group"),
		Epoch:   0,
	}

	pt := newApplicationPlaintext([]byte("group"), 0, LeafIndex(0), nil, []byte("hello"))
	require.Nil(t, pt.Sign(ctx, sigPriv, kp.Credential.Scheme()))

	ok, err := pt.Verify(ctx, *kp.Credential.PublicKey(), kp.Credential.Scheme())
	require.Nil(t, err)
	require.True(t, ok)

	// A signature over the wrong context must not verify.
	otherCtx := ctx
	otherCtx.Epoch = 1
	ok, err = pt.Verify(otherCtx, *kp.Credential.PublicKey(), kp.Credential.Scheme())
	require.Nil(t, err)
	require.False(t, ok)
}

func TestMLSPlaintextWireRoundTrip(t *testing.T) {
	_, _, kp := newTestKeyPackage(t, []byte{0x31})
	pt := newCommitPlaintext([]byte("group"), 4, LeafIndex(1), Commit{Path: DirectPath{LeafKeyPackage: *kp}})
	pt.Content.Commit.Confirmation = []byte{0xAA, 0xBB}
	pt.Signature = []byte{0x01, 0x02, 0x03}

	enc, err := syntax.Marshal(pt)
	require.Nil(t, err)

	var out MLSPlaintext
	read, err := syntax.Unmarshal(enc, &out)
	require.Nil(t, err)
	require.Equal(t, len(enc), read)
	require.Equal(t, ContentTypeCommit, out.ContentType())
	require.Equal(t, pt.Content.Commit.Confirmation, out.Content.Commit.Confirmation)
}

func TestMLSCiphertextWireRoundTrip(t *testing.T) {
	ct := &MLSCiphertext{
		GroupId:             []byte("group"),
		Epoch:               7,
		ContentType:         ContentTypeApplication,
		AuthenticatedData:   []byte("aad"),
		EncryptedSenderData: []byte{0x01, 0x02, 0x03, 0x04},
		Ciphertext:          []byte{0x05, 0x06, 0x07, 0x08, 0x09},
	}

	enc, err := syntax.Marshal(ct)
	require.Nil(t, err)

	var out MLSCiphertext
	_, err = syntax.Unmarshal(enc, &out)
	require.Nil(t, err)
	require.Equal(t, ct.GroupId, out.GroupId)
	require.Equal(t, ct.Epoch, out.Epoch)
	require.Equal(t, ct.Ciphertext, out.Ciphertext)
}

func TestCommitContentAndAuthData(t *testing.T) {
	_, _, kp := newTestKeyPackage(t, []byte{0x32})
	pt := newCommitPlaintext([]byte("group"), 2, LeafIndex(0), Commit{Path: DirectPath{LeafKeyPackage: *kp}})
	pt.Content.Commit.Confirmation = []byte{0x01}
	pt.Signature = []byte{0x02}

	cc, err := pt.commitContent()
	require.Nil(t, err)
	require.NotEmpty(t, cc)

	ad, err := pt.commitAuthData()
	require.Nil(t, err)
	require.NotEmpty(t, ad)

	plain := newApplicationPlaintext([]byte("group"), 2, LeafIndex(0), nil, []byte("x"))
	_, err = plain.commitContent()
	require.NotNil(t, err)
}
