package mls

import "github.com/cisco/go-tls-syntax"

// Epoch numbers an epoch, the position of a single inviolable GroupContext
// in a group's history: every Commit advances it by exactly one.
type Epoch uint64

// GroupInfo is the state a Commit's sender discloses to new joiners: enough
// of the GroupContext and tree to let a Welcome recipient reconstruct the
// epoch, signed by the sender's own leaf so joiners can authenticate it.
type GroupInfo struct {
	GroupId                 []byte `tls:"head=1"`
	Epoch                   Epoch
	Tree                    TreeKEMPublicKey
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`
	Confirmation            []byte `tls:"head=1"`
	SignerIndex             LeafIndex
	Signature               []byte `tls:"head=2"`
}

func (gi *GroupInfo) toBeSigned() ([]byte, error) {
	return syntax.Marshal(struct {
		GroupId                 []byte `tls:"head=1"`
		Epoch                   Epoch
		Tree                    TreeKEMPublicKey
		ConfirmedTranscriptHash []byte `tls:"head=1"`
		InterimTranscriptHash   []byte `tls:"head=1"`
		Confirmation            []byte `tls:"head=1"`
		SignerIndex             LeafIndex
	}{gi.GroupId, gi.Epoch, gi.Tree, gi.ConfirmedTranscriptHash, gi.InterimTranscriptHash, gi.Confirmation, gi.SignerIndex})
}

// Sign binds the GroupInfo to the signer's own leaf KeyPackage.
func (gi *GroupInfo) Sign(index LeafIndex, sigPriv SignaturePrivateKey) error {
	kp, ok := gi.Tree.KeyPackage(index)
	if !ok {
		return newErr(InvalidParameter, "cannot sign GroupInfo from a blank leaf")
	}

	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	sig, err := kp.Credential.Scheme().Sign(&sigPriv, tbs)
	if err != nil {
		return err
	}

	gi.SignerIndex = index
	gi.Signature = sig
	return nil
}

// Verify checks GroupInfo.Signature against the credential at SignerIndex.
func (gi *GroupInfo) Verify() bool {
	kp, ok := gi.Tree.KeyPackage(gi.SignerIndex)
	if !ok {
		return false
	}

	tbs, err := gi.toBeSigned()
	if err != nil {
		return false
	}

	return kp.Credential.Scheme().Verify(kp.Credential.PublicKey(), tbs, gi.Signature)
}

// pathSecretValue wraps a path secret so GroupSecrets can carry it as an
// optional field; go-tls-syntax's optional encoding requires a pointer.
type pathSecretValue struct {
	Data []byte `tls:"head=1"`
}

// GroupSecrets is the per-joiner payload a Welcome encrypts to each new
// member's init key: the epoch's joiner_secret, plus (for a joiner who
// intersects an Add sender's direct path) the path secret they need to
// implant their own TreeKEMPrivateKey.
type GroupSecrets struct {
	JoinerSecret []byte           `tls:"head=1"`
	PathSecret   *pathSecretValue `tls:"optional"`
}

// EncryptedGroupSecrets identifies a recipient by their KeyPackage hash and
// carries their GroupSecrets sealed under that KeyPackage's init key.
type EncryptedGroupSecrets struct {
	KeyPackageHash   []byte `tls:"head=1"`
	EncryptedSecrets HPKECiphertext
}

// Welcome carries a new epoch's GroupInfo (encrypted under a key derived
// from the epoch's joiner_secret) to every newly added member, each of whom
// unwraps their own GroupSecrets entry to recover the joiner_secret and any
// path secret they need.
type Welcome struct {
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`
}

// NewWelcome begins a Welcome for the given GroupInfo, encrypted under a
// key schedule key derived from the epoch's joiner_secret, per §4.G. Call
// Add once per joiner before sending it.
func NewWelcome(suite CipherSuite, joinerSecret []byte, info GroupInfo) (*Welcome, error) {
	kn := groupInfoKeyAndNonce(suite, joinerSecret)

	aead, err := suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	infoData, err := syntax.Marshal(info)
	if err != nil {
		return nil, err
	}

	w := &Welcome{
		CipherSuite:        suite,
		EncryptedGroupInfo: aead.Seal(nil, kn.Nonce, infoData, nil),
	}
	return w, nil
}

// Add seals a GroupSecrets entry for kp: joinerSecret is the current
// epoch's joiner_secret, and pathSecret, if non-nil, is carried as the
// optional path secret. State.Commit passes the committer's path secret at
// the lowest common ancestor of its own leaf and kp's leaf.
func (w *Welcome) Add(kp KeyPackage, joinerSecret, pathSecret []byte) error {
	gs := GroupSecrets{JoinerSecret: dup(joinerSecret)}
	if pathSecret != nil {
		gs.PathSecret = &pathSecretValue{Data: dup(pathSecret)}
	}

	gsData, err := syntax.Marshal(gs)
	if err != nil {
		return err
	}

	ct, err := w.CipherSuite.hpke().Encrypt(kp.InitKey, []byte{}, gsData)
	if err != nil {
		return err
	}

	w.Secrets = append(w.Secrets, EncryptedGroupSecrets{
		KeyPackageHash:   kp.Hash(w.CipherSuite),
		EncryptedSecrets: ct,
	})
	return nil
}

// Find locates kp's entry in the Welcome, if present.
func (w Welcome) Find(kp KeyPackage) (int, bool) {
	hash := kp.Hash(w.CipherSuite)
	for i, s := range w.Secrets {
		if string(s.KeyPackageHash) == string(hash) {
			return i, true
		}
	}
	return 0, false
}

// DecryptSecrets opens the GroupSecrets sealed for kp, decrypting with
// initPriv, kp's own HPKE private key.
func (w Welcome) DecryptSecrets(kp KeyPackage, initPriv HPKEPrivateKey) (*GroupSecrets, error) {
	i, ok := w.Find(kp)
	if !ok {
		return nil, newErr(ProtocolError, "welcome has no entry for this key package")
	}

	pt, err := w.CipherSuite.hpke().Decrypt(initPriv, []byte{}, w.Secrets[i].EncryptedSecrets)
	if err != nil {
		return nil, wrapErr(CryptoError, err, "failed to decrypt group secrets")
	}

	gs := new(GroupSecrets)
	if _, err := syntax.Unmarshal(pt, gs); err != nil {
		return nil, err
	}
	return gs, nil
}

// DecryptGroupInfo opens the Welcome's GroupInfo using the joiner_secret
// recovered from DecryptSecrets.
func (w Welcome) DecryptGroupInfo(joinerSecret []byte) (*GroupInfo, error) {
	kn := groupInfoKeyAndNonce(w.CipherSuite, joinerSecret)

	aead, err := w.CipherSuite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	infoData, err := aead.Open(nil, kn.Nonce, w.EncryptedGroupInfo, nil)
	if err != nil {
		return nil, wrapErr(CryptoError, err, "failed to decrypt group info")
	}

	info := new(GroupInfo)
	if _, err := syntax.Unmarshal(infoData, info); err != nil {
		return nil, err
	}
	return info, nil
}
