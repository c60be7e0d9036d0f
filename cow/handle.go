// Package cow implements C5: the copy-on-write node handle. A Handle
// wraps a single NodeRef for the duration of one traversal step; it
// clones into a fresh dirty slot on first mutation (ConvertToOwned) and
// must be consumed exactly once by one of IntoChild, DeleteNode,
// CommitDirtyRecursively or CowMergePath (spec.md §4.5's "owner-drop
// invariant").
//
// Go has no destructors, so the invariant is enforced at run time: each
// consuming method marks the Handle consumed, and any later consuming
// call on the same Handle panics via common.Assert. A Handle that is
// dropped while still owned, without being consumed, is not detected.
package cow

import (
	"github.com/dagchain/corestore/common"
	"github.com/dagchain/corestore/noderef"
	"github.com/dagchain/corestore/nodestore"
	"github.com/dagchain/corestore/ownedset"
	"github.com/dagchain/corestore/storage"
	"github.com/dagchain/corestore/trienode"
)

// Handle is a per-traversal wrapper around a NodeRef plus its ownership
// state.
type Handle struct {
	ref      noderef.Ref
	owned    bool
	consumed bool

	store *nodestore.Store
	owner *ownedset.Set
}

// New wraps ref, computing ownership from the current owner set.
func New(ref noderef.Ref, store *nodestore.Store, owner *ownedset.Set) *Handle {
	return &Handle{ref: ref, owned: owner.Contains(ref), store: store, owner: owner}
}

// NewUninitialized allocates a fresh dirty slot for n, registers it with
// owner, and returns an already-owned handle — spec.md §4.5's
// "new_uninitialized(allocator, &mut owner_set)".
func NewUninitialized(n *trienode.Node, store *nodestore.Store, owner *ownedset.Set) (*Handle, error) {
	ref, vacant, err := store.NewNode(0, false)
	if err != nil {
		return nil, err
	}
	vacant.Insert(n)
	owner.Insert(ref)
	return &Handle{ref: ref, owned: true, store: store, owner: owner}, nil
}

// Ref returns the handle's current node-ref without consuming it. Safe to
// call any number of times; it is read access only (peeking, not
// transferring ownership).
func (h *Handle) Ref() noderef.Ref { return h.ref }

// Owned reports whether this handle currently owns a dirty node.
func (h *Handle) Owned() bool { return h.owned }

func (h *Handle) assertLive(op string) {
	common.Assert(!h.consumed, "cow: %s called on an already-consumed handle", op)
}

// Node resolves the underlying node without affecting ownership.
func (h *Handle) Node() (*trienode.Node, error) {
	n, _, err := h.store.Resolve(h.ref)
	return n, err
}

// ConvertToOwned is the CoW chokepoint: if h is not yet owned, it clones
// the resolved node into a fresh dirty slot (inheriting the prior ref's
// db-key as the clone's original db-key), registers the new ref with the
// owner set, and returns the clone for in-place mutation. If already
// owned, it is a no-op returning the existing dirty node.
func (h *Handle) ConvertToOwned() (*trienode.Node, error) {
	h.assertLive("ConvertToOwned")
	if h.owned {
		return h.store.DirtyNodeMut(h.ref, h.owner), nil
	}

	orig, err := h.Node()
	if err != nil {
		return nil, err
	}
	clone := trienode.Clone(orig)

	var originalKey uint32
	var hasOriginal bool
	if key, ok := h.ref.DBKey(); ok {
		originalKey, hasOriginal = key, true
	}

	newRef, vacant, err := h.store.NewNode(originalKey, hasOriginal)
	if err != nil {
		return nil, err
	}
	vacant.Insert(clone)
	h.owner.Insert(newRef)
	h.ref = newRef
	h.owned = true
	return clone, nil
}

// CowModifyWithOperation runs fOwned against the node in place when h is
// already owned; otherwise it runs fRef against the current (read-only)
// node to produce the replacement node body, then installs that body via
// the same clone-into-fresh-slot path as ConvertToOwned. Either branch's
// return value is passed back to the caller as result (spec.md §4.5's
// "cow_modify_with_operation(f_owned, f_ref)").
func CowModifyWithOperation[T any](
	h *Handle,
	fOwned func(n *trienode.Node) (T, error),
	fRef func(n *trienode.Node) (*trienode.Node, T, error),
) (T, error) {
	h.assertLive("CowModifyWithOperation")
	if h.owned {
		n := h.store.DirtyNodeMut(h.ref, h.owner)
		return fOwned(n)
	}

	orig, err := h.Node()
	if err != nil {
		var zero T
		return zero, err
	}
	replacement, result, err := fRef(orig)
	if err != nil {
		var zero T
		return zero, err
	}

	var originalKey uint32
	var hasOriginal bool
	if key, ok := h.ref.DBKey(); ok {
		originalKey, hasOriginal = key, true
	}

	newRef, vacant, err := h.store.NewNode(originalKey, hasOriginal)
	if err != nil {
		var zero T
		return zero, err
	}
	vacant.Insert(replacement)
	h.owner.Insert(newRef)
	h.ref = newRef
	h.owned = true
	return result, nil
}

// IntoChild consumes h, clearing ownership tracking, and returns the
// compact ref the caller wires into its parent's children table.
func (h *Handle) IntoChild() noderef.Ref {
	h.assertLive("IntoChild")
	h.consumed = true
	h.owned = false
	return h.ref
}

// DeleteNode consumes h. If owned, the slot is freed and the ref dropped
// from the owner set; if not owned, this is a no-op on storage — the
// committed node is left as a dangling subtree for snapshot policy to
// eventually prune (spec.md §4.5).
func (h *Handle) DeleteNode() {
	h.assertLive("DeleteNode")
	h.consumed = true
	if h.owned {
		h.store.FreeOwnedNode(h.ref, h.owner)
	}
	h.owned = false
}

// CommitDirtyRecursively performs the post-order commit walk: every dirty
// child commits first (each assigned a row-number in allocation order, so
// parents always reference already-written children within txn), then h
// itself. Committed-but-untouched children's merkles come from the
// original parent's children-merkles row (nodestore.LoadChildrenMerkles),
// same as GetOrComputeMerkle, since a cold-resolved committed node never
// carries its own merkle; dirty children recurse. The result replaces h's
// ref with its new committed form and consumes h.
func (h *Handle) CommitDirtyRecursively(txn *storage.Batch, engine *storage.Engine) (noderef.Ref, error) {
	h.assertLive("CommitDirtyRecursively")
	if !h.owned {
		h.consumed = true
		return h.ref, nil
	}

	n := h.store.DirtyNodeMut(h.ref, h.owner)

	// Committed-but-untouched children carry no merkle on their decoded
	// node body (trienode.Decode never populates Merkle; merkles live
	// only in the parent's CHILDREN_MERKLES row), so — exactly like
	// GetOrComputeMerkle — their hash has to come from the original
	// parent's children-merkles row, not from the resolved child node.
	var loaded [16]common.Hash
	haveLoaded := false
	if origKey, ok := h.ref.OriginalDBKey(); ok {
		if arr, ok2 := h.store.LoadChildrenMerkles(origKey); ok2 {
			loaded = arr
			haveLoaded = true
		}
	}

	var childMerkles [16]common.Hash
	for i := 0; i < 16; i++ {
		ref := n.Children.Get(i)
		if ref.IsNil() {
			continue
		}
		if ref.IsCommitted() {
			if haveLoaded {
				childMerkles[i] = loaded[i]
				continue
			}
			childNode, _, err := h.store.Resolve(ref)
			if err != nil {
				return noderef.Nil, err
			}
			childMerkles[i] = childNode.Merkle
			continue
		}

		child := New(ref, h.store, h.owner)
		newChildRef, err := child.CommitDirtyRecursively(txn, engine)
		if err != nil {
			return noderef.Nil, err
		}
		n.Children.Set(i, newChildRef)

		childNode, _, err := h.store.Resolve(newChildRef)
		if err != nil {
			return noderef.Nil, err
		}
		childMerkles[i] = childNode.Merkle
	}

	n.Merkle = trienode.ComputeMerkle(n, childMerkles)
	n.MerkleStale = false

	dbKey := engine.AllocateRowNumbers(1)
	encoded, err := trienode.Encode(n)
	if err != nil {
		return noderef.Nil, err
	}
	txn.Column(storage.ColDeltaTrie).Set(common.PutUint32BE(dbKey), encoded)

	merkleBytes, err := trienode.EncodeChildrenMerkles(childMerkles)
	if err != nil {
		return noderef.Nil, err
	}
	txn.Column(storage.ColChildrenMerkles).Set(common.PutUint32BE(dbKey), merkleBytes)

	newRef := noderef.PackCommitted(dbKey)
	oldSlot, _ := h.ref.Slot()

	h.owner.Insert(newRef)
	h.store.RegisterCommitted(oldSlot, dbKey, n, len(encoded))
	h.owner.Remove(h.ref)

	h.ref = newRef
	h.owned = false
	h.consumed = true
	return newRef, nil
}

// GetOrComputeMerkle returns h's merkle hash, recomputing recursively
// when owned (dirty) and returning the stored value when not; a committed
// node decoded from KV carries no merkle, so its value is rebuilt from its
// own CHILDREN_MERKLES row, the array it was hashed with at commit. For an
// owned node shadowing a committed parent, it reuses
// nodestore.LoadChildrenMerkles for committed children's hashes and
// recomputes only the dirty ones (spec.md §4.5), which is why children
// merkles are persisted separately from node bodies.
func (h *Handle) GetOrComputeMerkle() (common.Hash, error) {
	n, err := h.Node()
	if err != nil {
		return common.ZeroHash, err
	}
	if !h.owned {
		if n.Merkle == common.ZeroHash {
			if key, ok := h.ref.DBKey(); ok {
				if arr, ok2 := h.store.LoadChildrenMerkles(key); ok2 {
					n.Merkle = trienode.ComputeMerkle(n, arr)
				}
			}
		}
		return n.Merkle, nil
	}

	var loaded [16]common.Hash
	haveLoaded := false
	if origKey, ok := h.ref.OriginalDBKey(); ok {
		if arr, ok2 := h.store.LoadChildrenMerkles(origKey); ok2 {
			loaded = arr
			haveLoaded = true
		}
	}

	var childMerkles [16]common.Hash
	for i := 0; i < 16; i++ {
		ref := n.Children.Get(i)
		if ref.IsNil() {
			continue
		}
		if ref.IsCommitted() {
			if haveLoaded {
				childMerkles[i] = loaded[i]
				continue
			}
			childNode, _, err := h.store.Resolve(ref)
			if err != nil {
				return common.ZeroHash, err
			}
			childMerkles[i] = childNode.Merkle
			continue
		}
		child := New(ref, h.store, h.owner)
		m, err := child.GetOrComputeMerkle()
		if err != nil {
			return common.ZeroHash, err
		}
		childMerkles[i] = m
	}

	n.Merkle = trienode.ComputeMerkle(n, childMerkles)
	n.MerkleStale = false
	return n.Merkle, nil
}

// CowMergePath fuses h — left with exactly one child and no value after a
// deletion — with that child: the child's compressed path is prepended
// with h's path plus the connecting nibble, then h is freed. Ownership of
// the returned handle transfers the merged child to the caller
// (spec.md §4.5's cow_merge_path).
func (h *Handle) CowMergePath() (*Handle, error) {
	h.assertLive("CowMergePath")
	n, err := h.Node()
	if err != nil {
		return nil, err
	}
	idx, childRef, ok := n.Children.SoleChild()
	common.Assert(ok, "cow: CowMergePath requires exactly one child")
	common.Assert(!n.HasValue, "cow: CowMergePath requires no value on the parent")

	child := New(childRef, h.store, h.owner)
	childNode, err := child.ConvertToOwned()
	if err != nil {
		return nil, err
	}

	merged := make(common.Nibbles, 0, len(n.Path)+1+len(childNode.Path))
	merged = append(merged, n.Path...)
	merged = append(merged, byte(idx))
	merged = append(merged, childNode.Path...)
	childNode.Path = merged
	childNode.MerkleStale = true

	h.DeleteNode()
	return child, nil
}
