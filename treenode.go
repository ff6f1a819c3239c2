package mls

import "github.com/cisco/go-tls-syntax"

// ParentNode is an internal TreeKEM node: an HPKE public key, the leaves
// added below it since its path was last updated (per §3, a subset of the
// leaves strictly below it), and a hash binding it to its own parent.
type ParentNode struct {
	PublicKey      HPKEPublicKey
	UnmergedLeaves []LeafIndex `tls:"head=4"`
	ParentHash     []byte      `tls:"head=1"`
}

func (p *ParentNode) AddUnmerged(l LeafIndex) {
	p.UnmergedLeaves = append(p.UnmergedLeaves, l)
}

func (p ParentNode) Clone() ParentNode {
	out := ParentNode{
		PublicKey:  p.PublicKey,
		ParentHash: dup(p.ParentHash),
	}
	out.UnmergedLeaves = make([]LeafIndex, len(p.UnmergedLeaves))
	copy(out.UnmergedLeaves, p.UnmergedLeaves)
	return out
}

// Node is the tagged union §3 calls {LeafNode(KeyPackage), ParentNode},
// dispatched on which pointer is set rather than on an open interface —
// there are exactly two variants and no cyclic reference between them.
type Node struct {
	Leaf   *KeyPackage
	Parent *ParentNode
}

func newLeafNode(kp KeyPackage) OptionalNode {
	return OptionalNode{Node: &Node{Leaf: &kp}}
}

func newParentNodeFromPublicKey(pub HPKEPublicKey) OptionalNode {
	return OptionalNode{Node: &Node{Parent: &ParentNode{PublicKey: pub}}}
}

func (n Node) PublicKey() HPKEPublicKey {
	if n.Leaf != nil {
		return n.Leaf.InitKey
	}
	return n.Parent.PublicKey
}

func (n Node) Equals(o *Node) bool {
	if o == nil {
		return false
	}
	switch {
	case n.Leaf != nil && o.Leaf != nil:
		return n.Leaf.Equals(*o.Leaf)
	case n.Parent != nil && o.Parent != nil:
		a, errA := syntax.Marshal(*n.Parent)
		b, errB := syntax.Marshal(*o.Parent)
		return errA == nil && errB == nil && string(a) == string(b)
	default:
		return false
	}
}

func (n Node) Clone() Node {
	out := Node{}
	if n.Leaf != nil {
		kp := *n.Leaf
		out.Leaf = &kp
	}
	if n.Parent != nil {
		p := n.Parent.Clone()
		out.Parent = &p
	}
	return out
}

// OptionalNode is a slot in the tree's dense node array: either blank, or
// holding a Node, plus a tree-hash cache invalidated by every mutating
// operation along the slot's path.
type OptionalNode struct {
	Node *Node `tls:"optional"`
	Hash []byte `tls:"omit"`
}

func (on OptionalNode) Blank() bool {
	return on.Node == nil
}

func (on *OptionalNode) SetToBlank() {
	on.Node = nil
	on.Hash = nil
}

func (on OptionalNode) Clone() OptionalNode {
	out := OptionalNode{Hash: dup(on.Hash)}
	if on.Node != nil {
		n := on.Node.Clone()
		out.Node = &n
	}
	return out
}

func (on OptionalNode) Equals(o *Node) bool {
	switch {
	case on.Node == nil && o == nil:
		return true
	case on.Node == nil || o == nil:
		return false
	default:
		return on.Node.Equals(o)
	}
}

// SetLeafNodeHash computes leaf_hash = H(NodeIndex || optional<KeyPackage>)
// per §4.D's root_hash definition.
func (on *OptionalNode) SetLeafNodeHash(suite CipherSuite, index NodeIndex) error {
	var leaf *KeyPackage
	if on.Node != nil {
		leaf = on.Node.Leaf
	}

	data, err := syntax.Marshal(struct {
		Index NodeIndex
		Leaf  *KeyPackage `tls:"optional"`
	}{index, leaf})
	if err != nil {
		return err
	}

	on.Hash = suite.Digest(data)
	return nil
}

// SetParentNodeHash computes
// parent_hash = H(NodeIndex || optional<ParentNode> || len(left) || left || len(right) || right).
func (on *OptionalNode) SetParentNodeHash(suite CipherSuite, index NodeIndex, left, right []byte) error {
	var parent *ParentNode
	if on.Node != nil {
		parent = on.Node.Parent
	}

	data, err := syntax.Marshal(struct {
		Index  NodeIndex
		Parent *ParentNode `tls:"optional"`
		Left   []byte      `tls:"head=1"`
		Right  []byte      `tls:"head=1"`
	}{index, parent, left, right})
	if err != nil {
		return err
	}

	on.Hash = suite.Digest(data)
	return nil
}
