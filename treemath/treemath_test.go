package treemath

import "testing"

func mustNode(t *testing.T, got *NodeIndex, want NodeIndex) {
	t.Helper()
	if got == nil {
		t.Fatalf("want %d, got nil", want)
	}
	if *got != want {
		t.Fatalf("want %d, got %d", want, *got)
	}
}

func TestRoot(t *testing.T) {
	cases := []struct {
		n    LeafCount
		root NodeIndex
	}{
		{1, 0},
		{2, 1},
		{3, 3},
		{4, 3},
		{5, 7},
		{8, 7},
		{11, 15},
	}
	for _, c := range cases {
		if got := Root(c.n); got != c.root {
			t.Errorf("Root(%d) = %d, want %d", c.n, got, c.root)
		}
	}
}

func TestLeftRightParentSibling(t *testing.T) {
	n := LeafCount(11)

	mustNode(t, Left(3), 1)
	mustNode(t, Right(3, n), 5)
	mustNode(t, Parent(1, n), 3)
	mustNode(t, Parent(5, n), 3)
	mustNode(t, Sibling(1, n), 5)
	mustNode(t, Sibling(5, n), 1)

	if Left(0) != nil {
		t.Errorf("Left(leaf) should be nil")
	}
	if Parent(Root(n), n) != nil {
		t.Errorf("Parent(root) should be nil")
	}
	if Sibling(Root(n), n) != nil {
		t.Errorf("Sibling(root) should be nil")
	}
}

func TestDirpathInvariant(t *testing.T) {
	n := LeafCount(11)
	w := NodeWidth(n)
	for x := NodeIndex(0); x < NodeIndex(w); x++ {
		if x == Root(n) {
			continue
		}
		dp := Dirpath(x, n)
		if len(dp) == 0 {
			t.Fatalf("Dirpath(%d) empty", x)
		}
		if dp[len(dp)-1] != Root(n) {
			t.Errorf("Dirpath(%d) does not end at root: %v", x, dp)
		}

		p := Parent(x, n)
		found := false
		for _, d := range dp {
			if d == *p {
				found = true
			}
		}
		if !found {
			t.Errorf("Parent(%d) = %d not on its own Dirpath %v", x, *p, dp)
		}

		if s := Sibling(x, n); s != nil {
			if p2 := Parent(*s, n); p2 == nil || *p2 != *p {
				t.Errorf("Sibling(%d)=%d has mismatched parent", x, *s)
			}
		}
	}
}

func TestAncestor(t *testing.T) {
	n := LeafCount(11)

	if got := Ancestor(0, 0, n); got != ToNodeIndex(0) {
		t.Errorf("Ancestor(0,0) = %d, want leaf 0", got)
	}

	a := Ancestor(0, 1, n)
	if !InPath(a, ToNodeIndex(0), n) || !InPath(a, ToNodeIndex(1), n) {
		t.Errorf("Ancestor(0,1) = %d is not on both direct paths", a)
	}
}

func TestInPath(t *testing.T) {
	n := LeafCount(11)
	leaf := ToNodeIndex(3)
	for _, d := range Dirpath(leaf, n) {
		if !InPath(d, leaf, n) {
			t.Errorf("InPath(%d, leaf) should be true", d)
		}
	}
	if !InPath(leaf, leaf, n) {
		t.Errorf("InPath(leaf, leaf) should be true")
	}
}

func TestCopathMatchesDirpath(t *testing.T) {
	n := LeafCount(11)
	leaf := ToNodeIndex(4)
	cp := Copath(leaf, n)
	dp := Dirpath(leaf, n)
	// Copath has one entry per direct-path node including the leaf itself,
	// but excluding the root (which has no sibling).
	if len(cp) != len(dp) {
		t.Fatalf("len(copath)=%d, want %d", len(cp), len(dp))
	}
	for _, c := range cp {
		if Parent(c, n) == nil {
			t.Errorf("copath entry %d has no parent", c)
		}
	}
}
