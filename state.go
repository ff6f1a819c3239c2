package mls

import (
	"crypto/rand"
	"io"

	"github.com/cisco/go-tls-syntax"
)

// State is one member's view of a group at a single epoch: the shared tree,
// that member's private half of it, the key schedule it implies, and the
// transcript hashes that bind every future Commit back to this point.
// Commit and Handle(commit) each return a freshly derived State for the
// next epoch rather than mutating the receiver into it, but per §9's
// exclusive-ownership design they do zeroize the receiver's own path
// secrets before returning: a State superseded by its own Commit is meant
// to become unusable, not retained as a second live copy of key material
// that a new epoch has already rotated away from.
type State struct {
	Suite        CipherSuite
	Scheme       SignatureScheme
	GroupId      []byte
	Epoch        Epoch
	Tree         TreeKEMPublicKey
	TreePriv     TreeKEMPrivateKey
	Extensions   ExtensionList
	IdentityPriv SignaturePrivateKey

	ConfirmedTranscriptHash []byte
	InterimTranscriptHash   []byte

	Keys keyScheduleEpoch

	PendingProposals []*MLSPlaintext

	// Window bounds how many past application-message generations are kept
	// decryptable per sender before Unprotect reports StaleGeneration for
	// out-of-order delivery. Carried from epoch to epoch.
	Window uint32
}

// NewState creates a brand-new group of one, per §3's creator lifecycle:
// groupId names it, kp is the creator's own KeyPackage (already installed
// at leaf 0), and initSecret is the same seed that produced kp.InitKey —
// the creator's own leaf secret, planted into TreePriv exactly as a
// joiner's is in JoinState.
func NewState(groupId []byte, suite CipherSuite, initSecret []byte, identityPriv SignaturePrivateKey, kp KeyPackage) (*State, error) {
	if !kp.Verify() {
		return nil, newErr(InvalidParameter, "creator key package does not self-verify")
	}

	tree := NewTreeKEMPublicKey(suite)
	tree.AddLeaf(kp)
	tree.setHashAll()

	treePriv, err := NewTreeKEMPrivateKey(suite, tree.Size(), 0, initSecret)
	if err != nil {
		return nil, err
	}

	s := &State{
		Suite:        suite,
		Scheme:       kp.Credential.Scheme(),
		GroupId:      dup(groupId),
		Epoch:        0,
		Tree:         *tree,
		TreePriv:     *treePriv,
		Extensions:   *NewExtensionList(),
		IdentityPriv: identityPriv,
		Window:       DefaultGenerationWindow,
	}

	groupInitSecret := make([]byte, suite.Constants().SecretSize)
	if _, err := io.ReadFull(rand.Reader, groupInitSecret); err != nil {
		return nil, err
	}

	bootstrap := keyScheduleEpoch{Suite: suite, InitSecret: groupInitSecret, Window: s.Window}
	context, err := syntax.Marshal(s.groupContext())
	if err != nil {
		return nil, err
	}
	s.Keys, _ = bootstrap.Next(tree.Size(), nil, suite.zero(), context)

	return s, nil
}

// JoinState implements §3's joiner lifecycle: initSecret/identityPriv/kp are
// the joiner's own, already-published KeyPackage material, and welcome is
// the message a committer addressed to it.
func JoinState(initSecret []byte, identityPriv SignaturePrivateKey, kp KeyPackage, welcome Welcome) (*State, error) {
	initPriv, err := welcome.CipherSuite.hpke().Derive(initSecret)
	if err != nil {
		return nil, err
	}

	secrets, err := welcome.DecryptSecrets(kp, initPriv)
	if err != nil {
		return nil, err
	}

	info, err := welcome.DecryptGroupInfo(secrets.JoinerSecret)
	if err != nil {
		return nil, err
	}

	if !info.Verify() {
		return nil, newErr(CryptoError, "group info signature does not verify")
	}

	tree := info.Tree.Clone()
	tree.Suite = welcome.CipherSuite
	tree.setHashAll()

	index, ok := tree.Find(kp)
	if !ok {
		return nil, newErr(ProtocolError, "welcome's tree does not contain our own key package")
	}

	var pathSecret []byte
	if secrets.PathSecret != nil {
		pathSecret = secrets.PathSecret.Data
	}
	intersect := ancestor(index, info.SignerIndex)

	treePriv, err := NewTreeKEMPrivateKeyForJoiner(welcome.CipherSuite, tree.Size(), index, initSecret, intersect, pathSecret)
	if err != nil {
		return nil, err
	}

	if !treePriv.Consistent(tree) {
		return nil, newErr(ProtocolError, "joiner's implanted secrets are inconsistent with the welcomed tree")
	}

	s := &State{
		Suite:                   welcome.CipherSuite,
		Scheme:                  kp.Credential.Scheme(),
		GroupId:                 dup(info.GroupId),
		Epoch:                   info.Epoch,
		Tree:                    tree,
		TreePriv:                *treePriv,
		Extensions:              *NewExtensionList(),
		IdentityPriv:            identityPriv,
		ConfirmedTranscriptHash: dup(info.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(info.InterimTranscriptHash),
		Window:                  DefaultGenerationWindow,
	}

	context, err := syntax.Marshal(s.groupContext())
	if err != nil {
		return nil, err
	}
	s.Keys = joinerKeyScheduleEpoch(welcome.CipherSuite, tree.Size(), secrets.JoinerSecret, nil, context, s.Window)

	return s, nil
}

func (s *State) Index() LeafIndex {
	return s.TreePriv.Index
}

// Export derives an application-specific secret from the current epoch,
// per §4.F's exporter_secret, for binding material outside the group's own
// wire protocol (e.g. a transport channel key) to this epoch.
func (s *State) Export(label string, context []byte, keyLength int) []byte {
	return s.Keys.Export(label, context, keyLength)
}

// ResumptionSecret returns the current epoch's resumption_secret, the
// keying material an external reinitialization flow branches a new group
// from.
func (s *State) ResumptionSecret() []byte {
	return dup(s.Keys.ResumptionSecret)
}

func (s *State) groupContext() GroupContext {
	return GroupContext{
		GroupId:                 s.GroupId,
		Epoch:                   s.Epoch,
		TreeHash:                s.Tree.RootHash(),
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		Extensions:              s.Extensions,
	}
}

func (s *State) sign(pt *MLSPlaintext) error {
	return pt.Sign(s.groupContext(), s.IdentityPriv, s.Scheme)
}

func (s *State) verify(pt *MLSPlaintext) (bool, error) {
	kp, ok := s.Tree.KeyPackage(pt.Sender)
	if !ok {
		return false, newErr(ProtocolError, "sender leaf is blank")
	}
	return pt.Verify(s.groupContext(), *kp.Credential.PublicKey(), kp.Credential.Scheme())
}

// Add proposes kp for membership. The sender is this State's own leaf; a
// committer installs kp at the leftmost free leaf (or appends one).
func (s *State) Add(kp KeyPackage) (*MLSPlaintext, error) {
	if !kp.Verify() {
		return nil, newErr(InvalidParameter, "key package does not self-verify")
	}
	pt := newProposalPlaintext(s.GroupId, s.Epoch, s.Index(), Proposal{Add: &Add{KeyPackage: kp}})
	return pt, s.sign(pt)
}

// Update proposes that this member's own leaf rotate to a fresh KeyPackage
// derived from leafSecret.
func (s *State) Update(leafSecret []byte) (*MLSPlaintext, error) {
	kp, ok := s.Tree.KeyPackage(s.Index())
	if !ok {
		return nil, newErr(InvalidParameter, "cannot update from a blank leaf")
	}

	nodePriv, err := s.Suite.hpke().Derive(leafSecret)
	if err != nil {
		return nil, err
	}

	next := *kp
	next.InitKey = nodePriv.PublicKey
	if err := next.Sign(s.IdentityPriv); err != nil {
		return nil, err
	}

	pt := newProposalPlaintext(s.GroupId, s.Epoch, s.Index(), Proposal{Update: &Update{KeyPackage: next}})
	return pt, s.sign(pt)
}

// Remove proposes that the member at removed be evicted.
func (s *State) Remove(removed LeafIndex) (*MLSPlaintext, error) {
	if LeafCount(removed) >= s.Tree.Size() || s.Tree.Nodes[toNodeIndex(removed)].Blank() {
		return nil, newErr(InvalidParameter, "cannot remove a blank or out-of-range leaf")
	}
	pt := newProposalPlaintext(s.GroupId, s.Epoch, s.Index(), Proposal{Remove: &Remove{Removed: removed}})
	return pt, s.sign(pt)
}

// Handle applies a received MLSPlaintext. A Proposal is appended to
// PendingProposals in place (the epoch does not advance); a Commit is
// replayed against a fresh clone of the tree and returns the resulting
// State. On success the receiver's path secrets are zeroized and its
// PendingProposals cleared, as for Commit.
func (s *State) Handle(pt *MLSPlaintext) (*State, error) {
	if pt.Epoch != s.Epoch {
		return nil, newErr(StaleEpoch, "message for epoch %d, we are at %d", pt.Epoch, s.Epoch)
	}

	ok, err := s.verify(pt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newErr(CryptoError, "plaintext signature does not verify")
	}

	switch pt.ContentType() {
	case ContentTypeProposal:
		s.PendingProposals = append(s.PendingProposals, pt)
		return s, nil

	case ContentTypeCommit:
		return s.handleCommit(pt)

	default:
		return nil, newErr(ProtocolError, "Handle does not accept application content; use Unprotect")
	}
}

// pendingByRef indexes PendingProposals by the digest a Commit references
// them by.
func (s *State) pendingByRef() (map[string]*MLSPlaintext, error) {
	byRef := map[string]*MLSPlaintext{}
	for _, pt := range s.PendingProposals {
		ref, err := pt.ref(s.Suite)
		if err != nil {
			return nil, err
		}
		byRef[string(ref)] = pt
	}
	return byRef, nil
}

// applyCommitProposals implements §4.G's Updates-then-Removes-then-Adds
// ordering, truncating once every Remove has landed. It returns, in
// commit.Adds order, the leaf index each Add was installed at — a
// committer needs these to address each new member's Welcome entry.
func applyCommitProposals(tree *TreeKEMPublicKey, byRef map[string]*MLSPlaintext, commit Commit) ([]LeafIndex, error) {
	lookup := func(ref ProposalRef, want ProposalType) (*Proposal, LeafIndex, error) {
		pt, ok := byRef[string(ref)]
		if !ok {
			return nil, 0, newErr(ProtocolError, "commit references an unknown proposal")
		}
		if pt.Content.Proposal == nil || pt.Content.Proposal.Type() != want {
			return nil, 0, newErr(ProtocolError, "commit reference names the wrong proposal type")
		}
		return pt.Content.Proposal, pt.Sender, nil
	}

	for _, ref := range commit.Updates {
		p, sender, err := lookup(ref, ProposalTypeUpdate)
		if err != nil {
			return nil, err
		}
		tree.UpdateLeaf(sender, p.Update.KeyPackage)
	}

	for _, ref := range commit.Removes {
		p, _, err := lookup(ref, ProposalTypeRemove)
		if err != nil {
			return nil, err
		}
		tree.BlankPath(p.Remove.Removed)
	}
	if len(commit.Removes) > 0 {
		tree.Truncate()
	}

	added := make([]LeafIndex, 0, len(commit.Adds))
	for _, ref := range commit.Adds {
		p, _, err := lookup(ref, ProposalTypeAdd)
		if err != nil {
			return nil, err
		}
		added = append(added, tree.AddLeaf(p.Add.KeyPackage))
	}

	return added, nil
}

// advanceTranscript implements the first half of §4.H's hash chaining: it
// returns the confirmed hash, which folds the commit's content into the
// prior interim hash. Callers compute the next interim hash themselves by
// folding in the (by-then-signed) confirmation and signature.
func advanceTranscript(suite CipherSuite, interim []byte, pt *MLSPlaintext) ([]byte, error) {
	cc, err := pt.commitContent()
	if err != nil {
		return nil, err
	}
	return suite.Digest(append(dup(interim), cc...)), nil
}

// Commit applies every PendingProposal (Updates, then Removes, then Adds,
// each group in the order received) together with a fresh encap seeded by
// freshSecret, advancing to the next epoch.
// It returns the Commit message to broadcast, a Welcome for any newly
// added members (nil if there were none), and the State's own next epoch.
func (s *State) Commit(freshSecret []byte) (*MLSPlaintext, *Welcome, *State, error) {
	byRef, err := s.pendingByRef()
	if err != nil {
		return nil, nil, nil, err
	}

	var updates, removes, adds []ProposalRef
	for _, pt := range s.PendingProposals {
		ref, err := pt.ref(s.Suite)
		if err != nil {
			return nil, nil, nil, err
		}
		switch pt.Content.Proposal.Type() {
		case ProposalTypeUpdate:
			updates = append(updates, ref)
		case ProposalTypeRemove:
			removes = append(removes, ref)
		case ProposalTypeAdd:
			adds = append(adds, ref)
		}
	}

	tree := s.Tree.Clone()
	commit := Commit{Updates: updates, Removes: removes, Adds: adds}

	addedAt, err := applyCommitProposals(&tree, byRef, commit)
	if err != nil {
		return nil, nil, nil, err
	}

	ownIndex := s.Index()
	treePriv, path, err := tree.Encap(ownIndex, s.GroupId, freshSecret, s.IdentityPriv)
	if err != nil {
		return nil, nil, nil, err
	}
	commit.Path = *path

	commitPt := newCommitPlaintext(s.GroupId, s.Epoch, ownIndex, commit)

	confirmedHash, err := advanceTranscript(s.Suite, s.InterimTranscriptHash, commitPt)
	if err != nil {
		return nil, nil, nil, err
	}

	newContext := GroupContext{
		GroupId:                 s.GroupId,
		Epoch:                   s.Epoch + 1,
		TreeHash:                tree.RootHash(),
		ConfirmedTranscriptHash: confirmedHash,
		Extensions:              s.Extensions,
	}
	contextData, err := syntax.Marshal(newContext)
	if err != nil {
		return nil, nil, nil, err
	}

	commitSecret := dup(treePriv.PathSecrets[root(tree.Size())])
	s.Keys.Window = s.Window
	nextKeys, joinerSecret := s.Keys.Next(tree.Size(), nil, commitSecret, contextData)

	confirmation := s.Suite.MAC(nextKeys.ConfirmationKey, confirmedHash)
	commitPt.Content.Commit.Confirmation = confirmation

	if err := s.sign(commitPt); err != nil {
		return nil, nil, nil, err
	}

	authData, err := commitPt.commitAuthData()
	if err != nil {
		return nil, nil, nil, err
	}
	interimHash := s.Suite.Digest(append(dup(confirmedHash), authData...))

	next := &State{
		Suite:                   s.Suite,
		Scheme:                  s.Scheme,
		GroupId:                 s.GroupId,
		Epoch:                   s.Epoch + 1,
		Tree:                    tree,
		TreePriv:                *treePriv,
		Extensions:              s.Extensions,
		IdentityPriv:            s.IdentityPriv,
		ConfirmedTranscriptHash: confirmedHash,
		InterimTranscriptHash:   interimHash,
		Keys:                    nextKeys,
		Window:                  s.Window,
	}

	var welcome *Welcome
	if len(addedAt) > 0 {
		info := &GroupInfo{
			GroupId:                 next.GroupId,
			Epoch:                   next.Epoch,
			Tree:                    next.Tree,
			ConfirmedTranscriptHash: next.ConfirmedTranscriptHash,
			InterimTranscriptHash:   next.InterimTranscriptHash,
			Confirmation:            confirmation,
		}
		if err := info.Sign(ownIndex, s.IdentityPriv); err != nil {
			return nil, nil, nil, err
		}

		welcome, err = NewWelcome(s.Suite, joinerSecret, *info)
		if err != nil {
			return nil, nil, nil, err
		}

		for _, addedIndex := range addedAt {
			kp, _ := next.Tree.KeyPackage(addedIndex)
			intersect := ancestor(ownIndex, addedIndex)
			pathSecret := treePriv.PathSecrets[intersect]
			if err := welcome.Add(*kp, joinerSecret, pathSecret); err != nil {
				return nil, nil, nil, err
			}
		}
	}

	zeroizeTreePriv(&s.TreePriv)
	s.PendingProposals = nil

	return commitPt, welcome, next, nil
}

// handleCommit implements the receiver's side of §4.G/§4.H: apply the same
// proposal batch the committer applied, decap the DirectPath to recover
// this member's view of the new epoch, and verify the confirmation tag
// before accepting the transition.
func (s *State) handleCommit(pt *MLSPlaintext) (*State, error) {
	byRef, err := s.pendingByRef()
	if err != nil {
		return nil, err
	}

	commit := pt.Content.Commit.Commit
	tree := s.Tree.Clone()

	if _, err := applyCommitProposals(&tree, byRef, commit); err != nil {
		return nil, err
	}

	treePriv := s.TreePriv.Clone()
	if err := treePriv.Decap(pt.Sender, tree, s.GroupId, commit.Path); err != nil {
		return nil, err
	}
	if err := tree.Merge(pt.Sender, commit.Path); err != nil {
		return nil, err
	}
	treePriv.Truncate(tree.Size())

	if !treePriv.Consistent(tree) {
		return nil, newErr(ProtocolError, "decapsulated secrets inconsistent with merged tree")
	}

	confirmedHash, err := advanceTranscript(s.Suite, s.InterimTranscriptHash, pt)
	if err != nil {
		return nil, err
	}

	newContext := GroupContext{
		GroupId:                 s.GroupId,
		Epoch:                   s.Epoch + 1,
		TreeHash:                tree.RootHash(),
		ConfirmedTranscriptHash: confirmedHash,
		Extensions:              s.Extensions,
	}
	contextData, err := syntax.Marshal(newContext)
	if err != nil {
		return nil, err
	}

	commitSecret := dup(treePriv.PathSecrets[root(tree.Size())])
	s.Keys.Window = s.Window
	nextKeys, _ := s.Keys.Next(tree.Size(), nil, commitSecret, contextData)

	expected := s.Suite.MAC(nextKeys.ConfirmationKey, confirmedHash)
	if string(expected) != string(pt.Content.Commit.Confirmation) {
		return nil, newErr(CryptoError, "confirmation does not match")
	}

	authData, err := pt.commitAuthData()
	if err != nil {
		return nil, err
	}
	interimHash := s.Suite.Digest(append(dup(confirmedHash), authData...))

	next := &State{
		Suite:                   s.Suite,
		Scheme:                  s.Scheme,
		GroupId:                 s.GroupId,
		Epoch:                   s.Epoch + 1,
		Tree:                    tree,
		TreePriv:                treePriv,
		Extensions:              s.Extensions,
		IdentityPriv:            s.IdentityPriv,
		ConfirmedTranscriptHash: confirmedHash,
		InterimTranscriptHash:   interimHash,
		Keys:                    nextKeys,
		Window:                  s.Window,
	}

	zeroizeTreePriv(&s.TreePriv)
	s.PendingProposals = nil

	return next, nil
}

func zeroizeTreePriv(priv *TreeKEMPrivateKey) {
	for _, secret := range priv.PathSecrets {
		zeroize(secret)
	}
	priv.PathSecrets = map[NodeIndex][]byte{}
	priv.PrivateKeys = map[NodeIndex]HPKEPrivateKey{}
	zeroize(priv.UpdateSecret)
}

// Protect seals data as an application message under the current epoch's
// key schedule, per §4.H/§6.
func (s *State) Protect(data []byte) (*MLSCiphertext, error) {
	pt := newApplicationPlaintext(s.GroupId, s.Epoch, s.Index(), nil, data)
	if err := s.sign(pt); err != nil {
		return nil, err
	}

	content, err := syntax.Marshal(struct {
		Content   mlsPlaintextContent
		Signature []byte `tls:"head=2"`
	}{pt.Content, pt.Signature})
	if err != nil {
		return nil, err
	}

	generation, kn := s.Keys.ApplicationKeys.Next(s.Index())
	aead, err := s.Suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	aad, err := syntax.Marshal(struct {
		GroupId           []byte `tls:"head=1"`
		Epoch             Epoch
		ContentType       ContentType
		AuthenticatedData []byte `tls:"head=4"`
	}{s.GroupId, s.Epoch, ContentTypeApplication, pt.AuthenticatedData})
	if err != nil {
		return nil, err
	}

	ciphertext := aead.Seal(nil, kn.Nonce, content, aad)

	senderData, err := syntax.Marshal(mlsSenderData{Sender: s.Index(), Generation: generation})
	if err != nil {
		return nil, err
	}

	sdNonce := s.Suite.hkdfExpandLabel(s.Keys.SenderDataSecret, "sd nonce", sample(ciphertext, s.Suite.Constants().NonceSize), s.Suite.Constants().NonceSize)
	sdAEAD, err := s.Suite.NewAEAD(s.Keys.SenderDataKey)
	if err != nil {
		return nil, err
	}

	return &MLSCiphertext{
		GroupId:             s.GroupId,
		Epoch:               s.Epoch,
		ContentType:         ContentTypeApplication,
		AuthenticatedData:   pt.AuthenticatedData,
		EncryptedSenderData: sdAEAD.Seal(nil, sdNonce, senderData, nil),
		Ciphertext:          ciphertext,
	}, nil
}

// Unprotect opens an application message sealed by Protect. Generations
// that fall outside the epoch's retention window report StaleGeneration
// rather than a bare decryption failure, so callers can treat reordering
// within the window and genuine staleness differently.
func (s *State) Unprotect(ct *MLSCiphertext) ([]byte, error) {
	if ct.Epoch != s.Epoch {
		return nil, newErr(StaleEpoch, "ciphertext for epoch %d, we are at %d", ct.Epoch, s.Epoch)
	}
	if ct.ContentType != ContentTypeApplication {
		return nil, newErr(ProtocolError, "Unprotect does not accept handshake content; use Handle")
	}

	sdNonce := s.Suite.hkdfExpandLabel(s.Keys.SenderDataSecret, "sd nonce", sample(ct.Ciphertext, s.Suite.Constants().NonceSize), s.Suite.Constants().NonceSize)
	sdAEAD, err := s.Suite.NewAEAD(s.Keys.SenderDataKey)
	if err != nil {
		return nil, err
	}

	senderDataBytes, err := sdAEAD.Open(nil, sdNonce, ct.EncryptedSenderData, nil)
	if err != nil {
		return nil, wrapErr(CryptoError, err, "failed to open sender data")
	}

	var senderData mlsSenderData
	if _, err := syntax.Unmarshal(senderDataBytes, &senderData); err != nil {
		return nil, err
	}

	kn, err := s.Keys.ApplicationKeys.Get(senderData.Sender, senderData.Generation)
	if err != nil {
		return nil, err
	}

	aead, err := s.Suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	aad, err := syntax.Marshal(struct {
		GroupId           []byte `tls:"head=1"`
		Epoch             Epoch
		ContentType       ContentType
		AuthenticatedData []byte `tls:"head=4"`
	}{ct.GroupId, ct.Epoch, ct.ContentType, ct.AuthenticatedData})
	if err != nil {
		return nil, err
	}

	content, err := aead.Open(nil, kn.Nonce, ct.Ciphertext, aad)
	if err != nil {
		return nil, wrapErr(CryptoError, err, "failed to open application content")
	}

	var inner struct {
		Content   mlsPlaintextContent
		Signature []byte `tls:"head=2"`
	}
	if _, err := syntax.Unmarshal(content, &inner); err != nil {
		return nil, err
	}
	if inner.Content.Application == nil {
		return nil, newErr(ProtocolError, "unprotected content is not application data")
	}

	pt := &MLSPlaintext{
		GroupId:           ct.GroupId,
		Epoch:             ct.Epoch,
		Sender:            senderData.Sender,
		AuthenticatedData: ct.AuthenticatedData,
		Content:           inner.Content,
		Signature:         inner.Signature,
	}
	ok, err := s.verify(pt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newErr(CryptoError, "application message signature does not verify")
	}

	return inner.Content.Application.Data, nil
}

// sample returns the leading window bytes of ciphertext (or all of it, if
// shorter), per §6's requirement that the sender-data nonce be derived from
// a fixed-size prefix of the content it accompanies.
func sample(ciphertext []byte, window int) []byte {
	if len(ciphertext) < window {
		return ciphertext
	}
	return ciphertext[:window]
}
