package mls

import "github.com/cisco/go-tls-syntax"

type ProposalType uint8

const (
	ProposalTypeInvalid ProposalType = 0
	ProposalTypeAdd     ProposalType = 1
	ProposalTypeUpdate  ProposalType = 2
	ProposalTypeRemove  ProposalType = 3
)

// Add proposes a new member, whose KeyPackage a committer will install at
// the leftmost free leaf (or a freshly appended one).
type Add struct {
	KeyPackage KeyPackage
}

func (a Add) Type() ProposalType { return ProposalTypeAdd }

// Update proposes that the sender's own leaf be rotated to a fresh
// KeyPackage, blanking its direct path.
type Update struct {
	KeyPackage KeyPackage
}

func (u Update) Type() ProposalType { return ProposalTypeUpdate }

// Remove proposes that the member at Removed be evicted: its leaf and
// direct path are blanked, and the tree is truncated once every Remove in
// a Commit has been applied.
type Remove struct {
	Removed LeafIndex
}

func (r Remove) Type() ProposalType { return ProposalTypeRemove }

// Proposal is the closed sum type {Add, Update, Remove}, dispatched by the
// wire tag ProposalType rather than by an open interface.
type Proposal struct {
	Add    *Add
	Update *Update
	Remove *Remove
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Update != nil:
		return ProposalTypeUpdate
	case p.Remove != nil:
		return ProposalTypeRemove
	default:
		panic("mls.proposal: malformed proposal")
	}
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	if err := s.Write(p.Type()); err != nil {
		return nil, err
	}

	var err error
	switch p.Type() {
	case ProposalTypeAdd:
		err = s.Write(p.Add)
	case ProposalTypeUpdate:
		err = s.Write(p.Update)
	case ProposalTypeRemove:
		err = s.Write(p.Remove)
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var pt ProposalType
	if _, err := s.Read(&pt); err != nil {
		return 0, err
	}

	var err error
	switch pt {
	case ProposalTypeAdd:
		p.Add = new(Add)
		_, err = s.Read(p.Add)
	case ProposalTypeUpdate:
		p.Update = new(Update)
		_, err = s.Read(p.Update)
	case ProposalTypeRemove:
		p.Remove = new(Remove)
		_, err = s.Read(p.Remove)
	default:
		return 0, newErr(ProtocolError, "unknown proposal type %d", pt)
	}
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// ProposalRef identifies a Proposal by the digest of the MLSPlaintext that
// carried it, per §4.G: a Commit references proposals by that hash rather
// than embedding them. It self-encodes as a length-prefixed opaque vector
// so a slice of ProposalRef can be a TLS vector of variable-length items.
type ProposalRef []byte

func (r ProposalRef) MarshalTLS() ([]byte, error) {
	return syntax.Marshal(struct {
		Data []byte `tls:"head=1"`
	}{r})
}

func (r *ProposalRef) UnmarshalTLS(data []byte) (int, error) {
	tmp := struct {
		Data []byte `tls:"head=1"`
	}{}
	read, err := syntax.Unmarshal(data, &tmp)
	if err != nil {
		return read, err
	}
	*r = dup(tmp.Data)
	return read, nil
}

// Commit applies a batch of previously-handled proposals (referenced by
// hash, grouped by category) together with the committer's fresh
// DirectPath.
type Commit struct {
	Updates []ProposalRef `tls:"head=4"`
	Removes []ProposalRef `tls:"head=4"`
	Adds    []ProposalRef `tls:"head=4"`
	Path    DirectPath
}
