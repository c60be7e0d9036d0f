// Package trienode holds the Node/ChildrenTable/merkle data model shared by
// the node memory manager (C3), the CoW node handle (C5) and the delta MPT
// (C6) — spec.md §3.
package trienode

import (
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/dagchain/corestore/common"
	"github.com/dagchain/corestore/noderef"
)

// ChildrenTable is the fixed 16-ary child array plus a populated-count used
// to accelerate the structural decisions spec.md §3 calls out: zero
// children triggers deletion, one child (plus no value) triggers
// cow_merge_path.
type ChildrenTable struct {
	refs  [16]noderef.Ref
	count int
}

// Get returns the child ref at nibble index i (0..15).
func (c *ChildrenTable) Get(i int) noderef.Ref {
	return c.refs[i]
}

// Set installs ref as the child at nibble index i, maintaining Count.
func (c *ChildrenTable) Set(i int, ref noderef.Ref) {
	was := c.refs[i]
	switch {
	case was.IsNil() && !ref.IsNil():
		c.count++
	case !was.IsNil() && ref.IsNil():
		c.count--
	}
	c.refs[i] = ref
}

// Count returns the number of non-nil children.
func (c *ChildrenTable) Count() int { return c.count }

// IsEmpty reports whether every slot is nil.
func (c *ChildrenTable) IsEmpty() bool { return c.count == 0 }

// SoleChild returns the single populated child when Count()==1.
func (c *ChildrenTable) SoleChild() (idx int, ref noderef.Ref, ok bool) {
	if c.count != 1 {
		return 0, noderef.Nil, false
	}
	for i, r := range c.refs {
		if !r.IsNil() {
			return i, r, true
		}
	}
	return 0, noderef.Nil, false
}

// Each calls f for every populated child, in nibble-index order.
func (c *ChildrenTable) Each(f func(idx int, ref noderef.Ref)) {
	for i, r := range c.refs {
		if !r.IsNil() {
			f(i, r)
		}
	}
}

// Node is a single trie node: a compressed path, an optional value, a
// children table and a merkle hash. Invariants (i)/(ii) of spec.md §3
// (leaf-only has a value and no children; internal has ≥2 children, or
// exactly one child plus a value) are enforced by the callers that build
// nodes (cow package), not by Node itself.
type Node struct {
	Path     common.Nibbles
	HasValue bool
	Value    []byte
	Children ChildrenTable
	Merkle   common.Hash

	// MerkleStale mirrors invariant (iii): the merkle hash is only
	// meaningful once the node is committed. A freshly mutated node
	// leaves this set until get_or_compute_merkle runs.
	MerkleStale bool
}

// NewLeaf builds a value-bearing node with no children.
func NewLeaf(path common.Nibbles, value []byte) *Node {
	return &Node{Path: path, HasValue: true, Value: value, MerkleStale: true}
}

// NewBranch builds a childless, valueless node — the empty starting point
// for ChildrenTable population during splits.
func NewBranch(path common.Nibbles) *Node {
	return &Node{Path: path, MerkleStale: true}
}

// Clone deep-copies n. This is the CoW chokepoint's allocation: converting
// a handle to owned starts from an exact copy of the committed node it
// shadows, which the caller then mutates in place.
func Clone(n *Node) *Node {
	clone := &Node{
		Path:        append(common.Nibbles(nil), n.Path...),
		HasValue:    n.HasValue,
		Value:       append([]byte(nil), n.Value...),
		Children:    n.Children,
		Merkle:      n.Merkle,
		MerkleStale: true,
	}
	return clone
}

// ComputeMerkle implements invariant (iii):
// H(compressed_path, children_merkles, value). childMerkles must already
// reflect every child in Node.Children (committed children's stored
// hashes, recomputed hashes for dirty children) — see the cow package's
// get_or_compute_merkle for how those are assembled.
func ComputeMerkle(n *Node, childMerkles [16]common.Hash) common.Hash {
	pathEnc := common.EncodeCompressedPath(n.Path, n.HasValue)
	parts := make([]interface{}, 0, 2+len(childMerkles))
	parts = append(parts, pathEnc)
	for _, h := range childMerkles {
		parts = append(parts, h)
	}
	if n.HasValue {
		parts = append(parts, n.Value)
	}
	return common.HashConcat(parts...)
}

// wireNode is the RLP shape written to the DELTA_TRIE column (spec.md §6:
// "value = RLP(node)"). Children are stored as raw row-numbers; 0 means
// "no child" since row-number allocation starts at 1 (see storage
// package), matching the in-memory Nil-ref convention of an all-zero word.
type wireNode struct {
	Path     []byte
	HasValue bool
	Value    []byte
	Children [16]uint32
}

// Encode renders n as RLP for persistence. Every child must already be a
// committed ref — commit_dirty_recursively only calls this after every
// dirty child has itself been written in the same post-order pass, so no
// dirty slot index can leak onto the wire.
func Encode(n *Node) ([]byte, error) {
	w := wireNode{
		Path:     common.EncodeCompressedPath(n.Path, n.HasValue),
		HasValue: n.HasValue,
		Value:    n.Value,
	}
	for i := 0; i < 16; i++ {
		ref := n.Children.Get(i)
		if ref.IsNil() {
			continue
		}
		key, ok := ref.DBKey()
		if !ok {
			return nil, common.WrapStorageCorrupt(nil, "trienode.Encode: child %d is not committed: %s", i, ref)
		}
		w.Children[i] = key
	}
	return rlp.EncodeToBytes(&w)
}

// Decode reverses Encode, reconstructing committed child refs.
func Decode(data []byte) (*Node, error) {
	var w wireNode
	if err := rlp.DecodeBytes(data, &w); err != nil {
		return nil, common.WrapStorageCorrupt(err, "trienode.Decode: malformed node rlp")
	}
	path, isLeaf, err := common.DecodeCompressedPath(w.Path)
	if err != nil {
		return nil, err
	}
	if isLeaf != w.HasValue {
		return nil, common.WrapStorageCorrupt(nil, "trienode.Decode: compressed-path leaf flag disagrees with HasValue")
	}
	n := &Node{Path: path, HasValue: w.HasValue, Value: w.Value}
	for i := 0; i < 16; i++ {
		if w.Children[i] != 0 {
			n.Children.Set(i, noderef.PackCommitted(w.Children[i]))
		}
	}
	return n, nil
}

// ChildrenMerkleMap caches the 16-entry child-merkle array of committed
// parents, keyed by their db-key, so get_or_compute_merkle can reuse
// unchanged siblings' hashes instead of re-deriving them from disk
// (spec.md §3 "ChildrenMerkleMap").
type ChildrenMerkleMap struct {
	entries map[uint32][16]common.Hash
}

// NewChildrenMerkleMap returns an empty map.
func NewChildrenMerkleMap() *ChildrenMerkleMap {
	return &ChildrenMerkleMap{entries: make(map[uint32][16]common.Hash)}
}

// Get returns the cached array for dbKey, if present.
func (m *ChildrenMerkleMap) Get(dbKey uint32) ([16]common.Hash, bool) {
	v, ok := m.entries[dbKey]
	return v, ok
}

// Put installs the array for dbKey.
func (m *ChildrenMerkleMap) Put(dbKey uint32, merkles [16]common.Hash) {
	m.entries[dbKey] = merkles
}

// wireChildrenMerkles is the RLP shape of the CHILDREN_MERKLES column: an
// RLP-list of 16 32-byte hashes (spec.md §6).
type wireChildrenMerkles struct {
	Hashes [16]common.Hash
}

// EncodeChildrenMerkles renders the 16-entry array for persistence.
func EncodeChildrenMerkles(merkles [16]common.Hash) ([]byte, error) {
	return rlp.EncodeToBytes(&wireChildrenMerkles{Hashes: merkles})
}

// DecodeChildrenMerkles reverses EncodeChildrenMerkles.
func DecodeChildrenMerkles(data []byte) ([16]common.Hash, error) {
	var w wireChildrenMerkles
	if err := rlp.DecodeBytes(data, &w); err != nil {
		return [16]common.Hash{}, common.WrapStorageCorrupt(err, "trienode.DecodeChildrenMerkles: malformed rlp")
	}
	return w.Hashes, nil
}
