package mls

import "github.com/wirelayer/cgka/treemath"

// Tree coordinates are treemath's index types, re-exported under the
// names the rest of this package uses. Keeping the arithmetic in its own
// package and only aliasing the types here means the tree itself stays a
// dense array with no parent/child pointers.
type LeafIndex = treemath.LeafIndex
type LeafCount = treemath.LeafCount
type NodeIndex = treemath.NodeIndex
type NodeCount = treemath.NodeCount

func toNodeIndex(l LeafIndex) NodeIndex { return treemath.ToNodeIndex(l) }
func nodeCount(n int) NodeCount         { return NodeCount(n) }
func leafWidth(n NodeCount) LeafCount   { return treemath.LeafWidth(n) }
func nodeWidth(n LeafCount) NodeCount   { return treemath.NodeWidth(n) }
func level(x NodeIndex) uint            { return treemath.Level(x) }
func root(n LeafCount) NodeIndex        { return treemath.Root(n) }

func left(x NodeIndex) NodeIndex {
	l := treemath.Left(x)
	if l == nil {
		panic("mls.tree: left of a leaf")
	}
	return *l
}

func right(x NodeIndex, n LeafCount) NodeIndex {
	r := treemath.Right(x, n)
	if r == nil {
		panic("mls.tree: right of a leaf")
	}
	return *r
}

func parent(x NodeIndex, n LeafCount) NodeIndex {
	p := treemath.Parent(x, n)
	if p == nil {
		panic("mls.tree: parent of the root")
	}
	return *p
}

func sibling(x NodeIndex, n LeafCount) NodeIndex {
	s := treemath.Sibling(x, n)
	if s == nil {
		panic("mls.tree: sibling of the root")
	}
	return *s
}

func dirpath(x NodeIndex, n LeafCount) []NodeIndex {
	return treemath.Dirpath(x, n)
}

func ancestor(i, j LeafIndex) NodeIndex {
	// treemath.Ancestor climbs with unclipped parent steps, so it needs no
	// real tree size as long as both leaves actually exist.
	return treemath.Ancestor(i, j, 0)
}

// ancestorIndex returns the lowest common ancestor of leaves own and from
// in a tree of the given size, plus that ancestor's position (0-based) in
// Dirpath(from, size) — the index a DirectPath step list uses. The third
// return is false if own has no overlap with from's direct path (e.g. own
// is outside the tree of this size).
func ancestorIndex(own, from LeafIndex, size LeafCount) (NodeIndex, int, bool) {
	anc := treemath.Ancestor(own, from, size)
	for i, n := range treemath.Dirpath(toNodeIndex(from), size) {
		if n == anc {
			return anc, i, true
		}
	}
	return 0, 0, false
}
