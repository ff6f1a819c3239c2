package mls

import "github.com/cisco/go-tls-syntax"

// KeyPackage binds an HPKE init key to a credential, self-signed by the
// credential's signature key. It is the leaf descriptor §3 names: a member
// advertises one before joining, and the tree stores one per occupied leaf.
//
//	struct {
//	    CipherSuite cipher_suite;
//	    HPKEPublicKey init_key;
//	    Credential credential;
//	    Extension extensions<0..2^16-1>;
//	    opaque signature<0..2^16-1>;
//	} KeyPackage;
type KeyPackage struct {
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	Credential  Credential
	Extensions  ExtensionList
	Signature   []byte `tls:"head=2"`
}

// NewKeyPackage builds and self-signs a KeyPackage: initKey is the HPKE
// public key members will encrypt path secrets and Welcome GroupSecrets to,
// cred carries the identity that vouches for it, and sigPriv must match
// cred's signature public key.
func NewKeyPackage(suite CipherSuite, initKey HPKEPublicKey, cred Credential, sigPriv SignaturePrivateKey) (*KeyPackage, error) {
	kp := &KeyPackage{
		CipherSuite: suite,
		InitKey:     initKey,
		Credential:  cred,
		Extensions:  ExtensionList{Entries: []Extension{}},
	}

	if err := kp.Sign(sigPriv); err != nil {
		return nil, err
	}
	return kp, nil
}

func (kp *KeyPackage) toBeSigned() ([]byte, error) {
	return syntax.Marshal(struct {
		CipherSuite CipherSuite
		InitKey     HPKEPublicKey
		Credential  Credential
		Extensions  ExtensionList
	}{kp.CipherSuite, kp.InitKey, kp.Credential, kp.Extensions})
}

func (kp *KeyPackage) Sign(sigPriv SignaturePrivateKey) error {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	sig, err := kp.Credential.Scheme().Sign(&sigPriv, tbs)
	if err != nil {
		return err
	}

	kp.Signature = sig
	return nil
}

// Verify checks the KeyPackage's self-signature against its own credential.
func (kp *KeyPackage) Verify() bool {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return false
	}

	return kp.Credential.Scheme().Verify(kp.Credential.PublicKey(), tbs, kp.Signature)
}

// SetExtensions replaces the KeyPackage's extension list; the caller must
// re-sign afterward. Used by DirectPath.Sign to bind a fresh parent-hash
// extension to the leaf's re-issued KeyPackage after an encap.
func (kp *KeyPackage) SetExtensions(exts []ExtensionBody) error {
	list := NewExtensionList()
	for _, e := range exts {
		if err := list.Add(e); err != nil {
			return err
		}
	}
	kp.Extensions = *list
	return nil
}

// Equals compares serialized form, per §3's definition of KeyPackage
// equality.
func (kp KeyPackage) Equals(other KeyPackage) bool {
	a, errA := syntax.Marshal(kp)
	b, errB := syntax.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// Hash returns the digest of the serialized KeyPackage, used to reference
// it from a Welcome's EncryptedGroupSecrets.
func (kp KeyPackage) Hash(suite CipherSuite) []byte {
	data, err := syntax.Marshal(kp)
	if err != nil {
		panic(err)
	}
	return suite.Digest(data)
}

// NegotiateKeyPackage picks the first cipher suite for which both the local
// and peer KeyPackage sets carry an entry, returning the local KeyPackage to
// Add and the peer's to be Added. This supplements §3's creator/joiner
// lifecycle with how a creator chooses which of a peer's several advertised
// KeyPackages to use.
func NegotiateKeyPackage(mine, theirs []KeyPackage) (*KeyPackage, *KeyPackage, error) {
	for _, local := range mine {
		for _, peer := range theirs {
			if local.CipherSuite == peer.CipherSuite {
				return &local, &peer, nil
			}
		}
	}
	return nil, nil, newErr(InvalidParameter, "no mutually supported cipher suite")
}
