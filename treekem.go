package mls

import "github.com/cisco/go-tls-syntax"

// DirectPathStep is one entry of a DirectPath: the HPKE public key installed
// at that ancestor, and the parent's path secret encrypted to every node in
// the resolution of its copath sibling, in resolution order.
type DirectPathStep struct {
	PublicKey   HPKEPublicKey
	NodeSecrets []HPKECiphertext `tls:"head=4"`
}

// DirectPath is produced by Encap and carried inside a Commit. Its length
// equals the sender leaf's direct-path length; NodeSecrets[i] has one entry
// per node in the resolution of the i-th copath node.
type DirectPath struct {
	LeafKeyPackage KeyPackage
	Nodes          []DirectPathStep `tls:"head=4"`
}

// ParentHashes computes, for each step, the hash binding it to its parent —
// position i's hash covers position i+1's public key and parent hash (the
// last position's covers neither), with position 0's hash destined for the
// leaf's own ParentHash extension.
func (path DirectPath) ParentHashes(suite CipherSuite) [][]byte {
	ph := make([][]byte, len(path.Nodes))

	var lastHash []byte
	for i := len(path.Nodes) - 1; i >= 0; i-- {
		parentNode := ParentNode{ParentHash: lastHash}
		if i+1 < len(path.Nodes) {
			parentNode.PublicKey = path.Nodes[i+1].PublicKey
		}

		data, err := syntax.Marshal(parentNode)
		if err != nil {
			panic(err)
		}

		lastHash = suite.Digest(data)
		ph[i] = lastHash
	}

	return ph
}

func (path *DirectPath) Sign(suite CipherSuite, initPub HPKEPublicKey, sigPriv SignaturePrivateKey) error {
	var leafParentHash []byte
	if len(path.Nodes) > 0 {
		leafParentHash = path.ParentHashes(suite)[0]
	}

	if err := path.LeafKeyPackage.SetExtensions([]ExtensionBody{ParentHashExtension{leafParentHash}}); err != nil {
		return err
	}

	path.LeafKeyPackage.InitKey = initPub
	return path.LeafKeyPackage.Sign(sigPriv)
}

////////////////////////////////////////////////////////////

// TreeKEMPrivateKey holds one member's half of the tree: the path secrets
// and derived HPKE keypairs along its own direct path, per §4.E.
type TreeKEMPrivateKey struct {
	Suite       CipherSuite
	Index       LeafIndex
	UpdateSecret []byte
	PathSecrets map[NodeIndex][]byte
	PrivateKeys map[NodeIndex]HPKEPrivateKey
}

func newTreeKEMPrivateKey(suite CipherSuite, index LeafIndex) *TreeKEMPrivateKey {
	return &TreeKEMPrivateKey{
		Suite:       suite,
		Index:       index,
		PathSecrets: map[NodeIndex][]byte{},
		PrivateKeys: map[NodeIndex]HPKEPrivateKey{},
	}
}

// NewTreeKEMPrivateKey implements §4.E's `create`: plant leafSecret at the
// caller's own leaf and implant upward to the root.
func NewTreeKEMPrivateKey(suite CipherSuite, size LeafCount, index LeafIndex, leafSecret []byte) (*TreeKEMPrivateKey, error) {
	priv := newTreeKEMPrivateKey(suite, index)
	if err := priv.implant(toNodeIndex(index), size, leafSecret); err != nil {
		return nil, err
	}
	return priv, nil
}

// NewTreeKEMPrivateKeyForJoiner implements §4.E's `joiner`: store the
// joiner's own leaf secret, then (if the Welcome carried one) implant the
// committer's path secret from the tree intersection point upward.
func NewTreeKEMPrivateKeyForJoiner(suite CipherSuite, size LeafCount, index LeafIndex, leafSecret []byte, intersect NodeIndex, pathSecret []byte) (*TreeKEMPrivateKey, error) {
	priv := newTreeKEMPrivateKey(suite, index)

	ni := toNodeIndex(index)
	priv.PathSecrets[ni] = dup(leafSecret)
	nodePriv, err := priv.Suite.hpke().Derive(leafSecret)
	if err != nil {
		return nil, err
	}
	priv.PrivateKeys[ni] = nodePriv

	if pathSecret != nil {
		if err := priv.implant(intersect, size, pathSecret); err != nil {
			return nil, err
		}
	}

	return priv, nil
}

func (priv TreeKEMPrivateKey) pathStep(pathSecret []byte) []byte {
	return priv.Suite.hkdfExpandLabel(pathSecret, "path", []byte{}, priv.Suite.Constants().SecretSize)
}

// implant walks from start to the root, writing `path_secrets[n] = secret`
// and deriving secret's keypair at each hop, per §4.E.
func (priv *TreeKEMPrivateKey) implant(start NodeIndex, size LeafCount, secret []byte) error {
	n := start
	r := root(size)
	pathSecret := dup(secret)

	for {
		nodePriv, err := priv.Suite.hpke().Derive(pathSecret)
		if err != nil {
			return err
		}
		priv.PathSecrets[n] = pathSecret
		priv.PrivateKeys[n] = nodePriv

		if n == r {
			break
		}
		pathSecret = priv.pathStep(pathSecret)
		n = parent(n, size)
	}

	priv.UpdateSecret = dup(pathSecret)
	return nil
}

// Clone deep-copies priv's secret maps so the original and the copy can be
// mutated (implanted, truncated, zeroized) independently.
func (priv TreeKEMPrivateKey) Clone() TreeKEMPrivateKey {
	next := TreeKEMPrivateKey{
		Suite:        priv.Suite,
		Index:        priv.Index,
		UpdateSecret: dup(priv.UpdateSecret),
		PathSecrets:  make(map[NodeIndex][]byte, len(priv.PathSecrets)),
		PrivateKeys:  make(map[NodeIndex]HPKEPrivateKey, len(priv.PrivateKeys)),
	}
	for n, secret := range priv.PathSecrets {
		next.PathSecrets[n] = dup(secret)
	}
	for n, k := range priv.PrivateKeys {
		next.PrivateKeys[n] = k
	}
	return next
}

// PrivateKey returns the HPKE private key for node n, deriving and
// memoizing it from a stored path secret if it is not already cached.
func (priv *TreeKEMPrivateKey) PrivateKey(n NodeIndex) (HPKEPrivateKey, bool) {
	if k, ok := priv.PrivateKeys[n]; ok {
		return k, true
	}

	secret, ok := priv.PathSecrets[n]
	if !ok {
		return HPKEPrivateKey{}, false
	}

	k, err := priv.Suite.hpke().Derive(secret)
	if err != nil {
		return HPKEPrivateKey{}, false
	}
	priv.PrivateKeys[n] = k
	return k, true
}

// SharedPathSecret returns the path secret at the lowest common ancestor of
// priv's own leaf and to, if priv has implanted that far.
func (priv TreeKEMPrivateKey) SharedPathSecret(to LeafIndex) (NodeIndex, []byte, bool) {
	n := ancestor(priv.Index, to)
	secret, ok := priv.PathSecrets[n]
	return n, secret, ok
}

// Decap applies a received DirectPath to priv's own secrets, following
// §4.E: locate the direct-path step that overlaps priv's own direct path,
// find the resolution entry priv holds a private key for, decrypt that
// step's path secret, and implant it from the overlap node upward.
func (priv *TreeKEMPrivateKey) Decap(from LeafIndex, pub TreeKEMPublicKey, context []byte, path DirectPath) error {
	size := pub.Size()
	dp := dirpath(toNodeIndex(from), size)
	if len(dp) != len(path.Nodes) {
		return newErr(ProtocolError, "direct path length mismatch: got %d want %d", len(path.Nodes), len(dp))
	}

	_, dpi, ok := ancestorIndex(priv.Index, from, size)
	if !ok {
		return newErr(ProtocolError, "no overlap between own leaf and sender's direct path")
	}

	last := toNodeIndex(from)
	if dpi > 0 {
		last = dp[dpi-1]
	}

	copathNode := sibling(last, size)
	res := pub.resolve(copathNode)
	if len(res) != len(path.Nodes[dpi].NodeSecrets) {
		return newErr(ProtocolError, "resolution size mismatch at step %d: got %d want %d", dpi, len(path.Nodes[dpi].NodeSecrets), len(res))
	}

	resi := -1
	for i, n := range res {
		if _, ok := priv.PrivateKey(n); ok {
			resi = i
			break
		}
	}
	if resi < 0 {
		return newErr(ProtocolError, "no private key available to decrypt path secret")
	}

	nodePriv, _ := priv.PrivateKey(res[resi])
	pathSecret, err := priv.Suite.hpke().Decrypt(nodePriv, context, path.Nodes[dpi].NodeSecrets[resi])
	if err != nil {
		return wrapErr(CryptoError, err, "failed to decrypt path secret")
	}

	return priv.implant(dp[dpi], size, pathSecret)
}

// Truncate drops every entry whose NodeIndex falls outside a tree of the
// new size, per §4.E.
func (priv *TreeKEMPrivateKey) Truncate(size LeafCount) {
	last := toNodeIndex(LeafIndex(size - 1))
	for n := range priv.PathSecrets {
		if n > last {
			delete(priv.PathSecrets, n)
			delete(priv.PrivateKeys, n)
		}
	}
}

// Consistent checks, per §4.E, that every path secret priv holds derives
// the HPKE public key the tree actually has at that node.
func (priv *TreeKEMPrivateKey) Consistent(pub TreeKEMPublicKey) bool {
	if priv.Suite != pub.Suite {
		return false
	}

	for n := range priv.PathSecrets {
		nodePriv, ok := priv.PrivateKey(n)
		if !ok {
			return false
		}

		if int(n) >= len(pub.Nodes) || pub.Nodes[n].Blank() {
			return false
		}

		if !nodePriv.PublicKey.Equals(pub.Nodes[n].Node.PublicKey()) {
			return false
		}
	}

	return true
}

////////////////////////////////////////////////////////////

// TreeKEMPublicKey is the shared, signature-verifiable half of the tree:
// a dense array of OptionalNode, per §3's TreeKEMPublicKey invariants.
type TreeKEMPublicKey struct {
	Suite CipherSuite    `tls:"omit"`
	Nodes []OptionalNode `tls:"head=4"`
}

func NewTreeKEMPublicKey(suite CipherSuite) *TreeKEMPublicKey {
	return &TreeKEMPublicKey{Suite: suite}
}

// AddLeaf implements §4.D's `add_leaf`.
func (pub *TreeKEMPublicKey) AddLeaf(kp KeyPackage) LeafIndex {
	index := LeafIndex(0)
	size := LeafIndex(pub.Size())
	for index < size && !pub.Nodes[toNodeIndex(index)].Blank() {
		index++
	}

	n := toNodeIndex(index)
	for len(pub.Nodes) <= int(n) {
		pub.Nodes = append(pub.Nodes, OptionalNode{})
	}

	pub.Nodes[n] = newLeafNode(kp)

	for _, v := range dirpath(n, pub.Size()) {
		if pub.Nodes[v].Blank() || pub.Nodes[v].Node.Parent == nil {
			continue
		}
		pub.Nodes[v].Node.Parent.AddUnmerged(index)
	}

	pub.clearHashPath(index)
	return index
}

// UpdateLeaf implements §4.D's `update_leaf`.
func (pub *TreeKEMPublicKey) UpdateLeaf(index LeafIndex, kp KeyPackage) {
	pub.BlankPath(index)
	pub.Nodes[toNodeIndex(index)] = newLeafNode(kp)
	pub.clearHashPath(index)
}

// BlankPath implements §4.D's `blank_path`.
func (pub *TreeKEMPublicKey) BlankPath(index LeafIndex) {
	if len(pub.Nodes) == 0 {
		return
	}

	ni := toNodeIndex(index)
	pub.Nodes[ni].SetToBlank()
	for _, n := range dirpath(ni, pub.Size()) {
		pub.Nodes[n].SetToBlank()
	}
}

// Encap implements §4.D's `encap`: derive a fresh path from leafSecret,
// encrypt each step's path secret to the resolution of its copath sibling,
// sign the resulting leaf KeyPackage, merge the path into pub, and return
// the private state alongside the wire DirectPath.
func (pub *TreeKEMPublicKey) Encap(from LeafIndex, context, leafSecret []byte, sigPriv SignaturePrivateKey) (*TreeKEMPrivateKey, *DirectPath, error) {
	ni := toNodeIndex(from)
	if pub.Nodes[ni].Blank() || pub.Nodes[ni].Node.Leaf == nil {
		return nil, nil, newErr(InvalidParameter, "cannot encap from a blank leaf")
	}

	priv, err := NewTreeKEMPrivateKey(pub.Suite, pub.Size(), from, leafSecret)
	if err != nil {
		return nil, nil, err
	}

	dp := dirpath(ni, pub.Size())
	path := &DirectPath{
		LeafKeyPackage: *pub.Nodes[ni].Node.Leaf,
		Nodes:          make([]DirectPathStep, len(dp)),
	}

	last := ni
	for i, n := range dp {
		nodePriv, _ := priv.PrivateKey(n)
		step := DirectPathStep{PublicKey: nodePriv.PublicKey}

		pathSecret := priv.PathSecrets[n]
		copath := sibling(last, pub.Size())
		for _, r := range pub.resolve(copath) {
			nodePub := pub.Nodes[r].Node.PublicKey()
			ct, err := pub.Suite.hpke().Encrypt(nodePub, context, pathSecret)
			if err != nil {
				return nil, nil, err
			}
			step.NodeSecrets = append(step.NodeSecrets, ct)
		}

		path.Nodes[i] = step
		last = n
	}

	leafPriv, _ := priv.PrivateKey(ni)
	if err := path.Sign(pub.Suite, leafPriv.PublicKey, sigPriv); err != nil {
		return nil, nil, err
	}

	if err := pub.Merge(from, *path); err != nil {
		return nil, nil, err
	}

	return priv, path, nil
}

// Merge implements §4.D's `merge`.
func (pub *TreeKEMPublicKey) Merge(from LeafIndex, path DirectPath) error {
	ni := toNodeIndex(from)
	pub.Nodes[ni] = newLeafNode(path.LeafKeyPackage)

	dp := dirpath(ni, pub.Size())
	if len(dp) != len(path.Nodes) {
		return newErr(ProtocolError, "malformed direct path: got %d steps, want %d", len(path.Nodes), len(dp))
	}

	for i, n := range dp {
		pub.Nodes[n] = newParentNodeFromPublicKey(path.Nodes[i].PublicKey)
	}

	pub.clearHashPath(from)
	pub.setHashAll()
	return nil
}

func (pub TreeKEMPublicKey) Size() LeafCount {
	return leafWidth(nodeCount(len(pub.Nodes)))
}

func (pub TreeKEMPublicKey) Clone() TreeKEMPublicKey {
	next := TreeKEMPublicKey{Suite: pub.Suite, Nodes: make([]OptionalNode, len(pub.Nodes))}
	for i, n := range pub.Nodes {
		next.Nodes[i] = n.Clone()
	}
	return next
}

func (pub TreeKEMPublicKey) Equals(o TreeKEMPublicKey) bool {
	if len(pub.Nodes) != len(o.Nodes) {
		return false
	}
	for i := range pub.Nodes {
		if !pub.Nodes[i].Equals(o.Nodes[i].Node) {
			return false
		}
	}
	return true
}

func (pub TreeKEMPublicKey) Find(kp KeyPackage) (LeafIndex, bool) {
	for i := LeafIndex(0); LeafCount(i) < pub.Size(); i++ {
		n := pub.Nodes[toNodeIndex(i)]
		if n.Blank() || n.Node.Leaf == nil {
			continue
		}
		if n.Node.Leaf.Equals(kp) {
			return i, true
		}
	}
	return 0, false
}

func (pub TreeKEMPublicKey) KeyPackage(index LeafIndex) (*KeyPackage, bool) {
	n := pub.Nodes[toNodeIndex(index)]
	if n.Blank() || n.Node.Leaf == nil {
		return nil, false
	}
	return n.Node.Leaf, true
}

// resolve implements §4.D's `resolve`.
func (pub TreeKEMPublicKey) resolve(index NodeIndex) []NodeIndex {
	if !pub.Nodes[index].Blank() {
		res := []NodeIndex{index}
		if pub.Nodes[index].Node.Parent != nil {
			for _, v := range pub.Nodes[index].Node.Parent.UnmergedLeaves {
				res = append(res, toNodeIndex(v))
			}
		}
		return res
	}

	if level(index) == 0 {
		return []NodeIndex{}
	}

	l := pub.resolve(left(index))
	r := pub.resolve(right(index, pub.Size()))
	return append(l, r...)
}

// Truncate implements §4.D's `truncate`.
func (pub *TreeKEMPublicKey) Truncate() {
	for len(pub.Nodes) > 0 && pub.Nodes[len(pub.Nodes)-1].Blank() {
		pub.Nodes = pub.Nodes[:len(pub.Nodes)-1]
	}
}

func (pub *TreeKEMPublicKey) clearHashPath(index LeafIndex) {
	ni := toNodeIndex(index)
	pub.Nodes[ni].Hash = nil
	for _, n := range dirpath(ni, pub.Size()) {
		pub.Nodes[n].Hash = nil
	}
}

func (pub *TreeKEMPublicKey) clearHashAll() {
	for i := range pub.Nodes {
		pub.Nodes[i].Hash = nil
	}
}

// RootHash implements §4.D's `root_hash`, cached per node.
func (pub TreeKEMPublicKey) RootHash() []byte {
	if len(pub.Nodes) == 0 {
		return nil
	}
	return pub.Nodes[root(pub.Size())].Hash
}

func (pub *TreeKEMPublicKey) setHashAll() {
	if len(pub.Nodes) == 0 {
		return
	}
	pub.getHash(root(pub.Size()))
}

func (pub *TreeKEMPublicKey) getHash(index NodeIndex) []byte {
	if pub.Nodes[index].Hash != nil {
		return pub.Nodes[index].Hash
	}

	if level(index) == 0 {
		pub.Nodes[index].SetLeafNodeHash(pub.Suite, index)
		return pub.Nodes[index].Hash
	}

	lh := pub.getHash(left(index))
	rh := pub.getHash(right(index, pub.Size()))
	pub.Nodes[index].SetParentNodeHash(pub.Suite, index, lh, rh)
	return pub.Nodes[index].Hash
}
