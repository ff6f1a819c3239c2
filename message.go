package mls

import "github.com/cisco/go-tls-syntax"

// GroupContext is bound into every signature over the transcript: the
// committer's and every verifier's view of it must agree bit-exactly.
type GroupContext struct {
	GroupId                 []byte `tls:"head=1"`
	Epoch                   Epoch
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	Extensions              ExtensionList
}

type ContentType uint8

const (
	ContentTypeInvalid     ContentType = 0
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

type ApplicationData struct {
	Data []byte `tls:"head=4"`
}

// CommitData is the content of an MLSPlaintext carrying a Commit: the
// commit itself, plus the confirmation HMAC binding it to the resulting
// confirmed transcript hash.
type CommitData struct {
	Commit       Commit
	Confirmation []byte `tls:"head=1"`
}

// mlsPlaintextContent is the closed sum type §3 calls
// {ApplicationData, Proposal, CommitData}.
type mlsPlaintextContent struct {
	Application *ApplicationData
	Proposal    *Proposal
	Commit      *CommitData
}

func (c mlsPlaintextContent) Type() ContentType {
	switch {
	case c.Application != nil:
		return ContentTypeApplication
	case c.Proposal != nil:
		return ContentTypeProposal
	case c.Commit != nil:
		return ContentTypeCommit
	default:
		panic("mls.message: malformed content")
	}
}

func (c mlsPlaintextContent) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	if err := s.Write(c.Type()); err != nil {
		return nil, err
	}

	var err error
	switch c.Type() {
	case ContentTypeApplication:
		err = s.Write(c.Application)
	case ContentTypeProposal:
		err = s.Write(c.Proposal)
	case ContentTypeCommit:
		err = s.Write(c.Commit)
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *mlsPlaintextContent) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var ct ContentType
	if _, err := s.Read(&ct); err != nil {
		return 0, err
	}

	var err error
	switch ct {
	case ContentTypeApplication:
		c.Application = new(ApplicationData)
		_, err = s.Read(c.Application)
	case ContentTypeProposal:
		c.Proposal = new(Proposal)
		_, err = s.Read(c.Proposal)
	case ContentTypeCommit:
		c.Commit = new(CommitData)
		_, err = s.Read(c.Commit)
	default:
		return 0, newErr(ProtocolError, "unknown content type %d", ct)
	}
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// MLSPlaintext is the unencrypted wire form of a handshake or application
// message, signed by its sender's leaf signature key.
type MLSPlaintext struct {
	GroupId           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            LeafIndex
	AuthenticatedData []byte `tls:"head=4"`
	Content           mlsPlaintextContent
	Signature         []byte `tls:"head=2"`
}

func newMLSPlaintext(groupId []byte, epoch Epoch, sender LeafIndex, aad []byte, content mlsPlaintextContent) *MLSPlaintext {
	return &MLSPlaintext{GroupId: dup(groupId), Epoch: epoch, Sender: sender, AuthenticatedData: dup(aad), Content: content}
}

func newApplicationPlaintext(groupId []byte, epoch Epoch, sender LeafIndex, aad, data []byte) *MLSPlaintext {
	return newMLSPlaintext(groupId, epoch, sender, aad, mlsPlaintextContent{Application: &ApplicationData{Data: data}})
}

func newProposalPlaintext(groupId []byte, epoch Epoch, sender LeafIndex, p Proposal) *MLSPlaintext {
	return newMLSPlaintext(groupId, epoch, sender, nil, mlsPlaintextContent{Proposal: &p})
}

func newCommitPlaintext(groupId []byte, epoch Epoch, sender LeafIndex, commit Commit) *MLSPlaintext {
	return newMLSPlaintext(groupId, epoch, sender, nil, mlsPlaintextContent{Commit: &CommitData{Commit: commit}})
}

func (pt MLSPlaintext) ContentType() ContentType {
	return pt.Content.Type()
}

// toBeSigned implements §4.H: signatures cover the verifier's own
// GroupContext concatenated with the plaintext's public fields and
// content.
func (pt *MLSPlaintext) toBeSigned(context GroupContext) ([]byte, error) {
	return syntax.Marshal(struct {
		Context           GroupContext
		GroupId           []byte `tls:"head=1"`
		Epoch             Epoch
		Sender            LeafIndex
		AuthenticatedData []byte `tls:"head=4"`
		Content           mlsPlaintextContent
	}{context, pt.GroupId, pt.Epoch, pt.Sender, pt.AuthenticatedData, pt.Content})
}

func (pt *MLSPlaintext) Sign(context GroupContext, sigPriv SignaturePrivateKey, scheme SignatureScheme) error {
	tbs, err := pt.toBeSigned(context)
	if err != nil {
		return err
	}

	sig, err := scheme.Sign(&sigPriv, tbs)
	if err != nil {
		return err
	}

	pt.Signature = sig
	return nil
}

func (pt *MLSPlaintext) Verify(context GroupContext, sigPub SignaturePublicKey, scheme SignatureScheme) (bool, error) {
	tbs, err := pt.toBeSigned(context)
	if err != nil {
		return false, err
	}
	return scheme.Verify(&sigPub, tbs, pt.Signature), nil
}

// commitContent implements §4.H's MLSPlaintextCommitContent: the bytes
// folded into the confirmed transcript hash.
func (pt *MLSPlaintext) commitContent() ([]byte, error) {
	if pt.Content.Commit == nil {
		return nil, newErr(InvalidParameter, "commitContent on a non-commit plaintext")
	}

	return syntax.Marshal(struct {
		GroupId []byte `tls:"head=1"`
		Epoch   Epoch
		Sender  LeafIndex
		Commit  Commit
	}{pt.GroupId, pt.Epoch, pt.Sender, pt.Content.Commit.Commit})
}

// commitAuthData implements §4.H's MLSPlaintextCommitAuthData: the bytes
// folded into the interim transcript hash.
func (pt *MLSPlaintext) commitAuthData() ([]byte, error) {
	if pt.Content.Commit == nil {
		return nil, newErr(InvalidParameter, "commitAuthData on a non-commit plaintext")
	}

	return syntax.Marshal(struct {
		Confirmation []byte `tls:"head=1"`
		Signature    []byte `tls:"head=2"`
	}{pt.Content.Commit.Confirmation, pt.Signature})
}

// ref returns the digest a Commit uses to reference this plaintext from
// ProposalRef.
func (pt *MLSPlaintext) ref(suite CipherSuite) (ProposalRef, error) {
	data, err := syntax.Marshal(pt)
	if err != nil {
		return nil, err
	}
	return ProposalRef(suite.Digest(data)), nil
}

///
/// MLSCiphertext
///

// mlsSenderData is the header a protected message's AEAD-sealed envelope
// carries, encrypted separately under the epoch's sender data key so a
// receiver can identify the sender and generation before attempting the
// content AEAD.
type mlsSenderData struct {
	Sender     LeafIndex
	Generation uint32
}

// MLSCiphertext is the wire form of a protected message: ContentType
// names the inner plaintext's kind, SenderData is sealed under a key/nonce
// derived from sender_data_secret and a sample of Ciphertext, and
// Ciphertext is the AEAD-sealed MLSPlaintext content and signature. No
// padding is applied, so the ciphertext length follows the content length.
type MLSCiphertext struct {
	GroupId             []byte `tls:"head=1"`
	Epoch               Epoch
	ContentType         ContentType
	AuthenticatedData   []byte `tls:"head=4"`
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext          []byte `tls:"head=4"`
}
