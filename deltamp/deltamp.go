// Package deltamp implements C6: the Delta MPT, the public trie API over
// C3 (nodestore), C4 (cache), C5 (cow) and C2 (ownedset). It is the
// caller-facing surface: get/set/delete/compute_merkle/commit/iterate over
// a standard compressed-path 16-ary radix trie (spec.md §4.6).
package deltamp

import (
	"github.com/dagchain/corestore/common"
	"github.com/dagchain/corestore/cow"
	"github.com/dagchain/corestore/noderef"
	"github.com/dagchain/corestore/nodestore"
	"github.com/dagchain/corestore/ownedset"
	"github.com/dagchain/corestore/storage"
	"github.com/dagchain/corestore/trienode"
)

// Trie is a handle to the node memory manager shared across many roots —
// every root-ref a caller holds is a version of the same delta-db, so one
// Trie value is enough for a whole process.
type Trie struct {
	store *nodestore.Store
}

// New wraps store as a Delta MPT.
func New(store *nodestore.Store) *Trie {
	return &Trie{store: store}
}

// Get resolves key's value under root. Returns ErrKeyNotFound when absent.
func (t *Trie) Get(root noderef.Ref, key []byte) ([]byte, error) {
	target := common.KeyToNibbles(key)
	ref := root
	for {
		if ref.IsNil() {
			return nil, common.ErrKeyNotFound
		}
		n, _, err := t.store.Resolve(ref)
		if err != nil {
			return nil, err
		}
		if common.CommonPrefixLen(target, n.Path) != len(n.Path) {
			return nil, common.ErrKeyNotFound
		}
		target = target[len(n.Path):]
		if len(target) == 0 {
			if n.HasValue {
				return n.Value, nil
			}
			return nil, common.ErrKeyNotFound
		}
		idx := target[0]
		target = target[1:]
		ref = n.Children.Get(int(idx))
	}
}

// Set writes key→value under root within owner, returning the new root.
// owner accumulates every node this write session mutates — pass the same
// *ownedset.Set to chain multiple Set/Delete calls before a single Commit.
func (t *Trie) Set(owner *ownedset.Set, root noderef.Ref, key, value []byte) (noderef.Ref, error) {
	return setRecursive(root, t.store, owner, common.KeyToNibbles(key), value)
}

func setRecursive(ref noderef.Ref, store *nodestore.Store, owner *ownedset.Set, path common.Nibbles, value []byte) (noderef.Ref, error) {
	if ref.IsNil() {
		h, err := cow.NewUninitialized(trienode.NewLeaf(path, value), store, owner)
		if err != nil {
			return noderef.Nil, err
		}
		return h.IntoChild(), nil
	}

	h := cow.New(ref, store, owner)
	n, err := h.Node()
	if err != nil {
		return noderef.Nil, err
	}

	cp := common.CommonPrefixLen(path, n.Path)

	if cp == len(n.Path) {
		remaining := path[cp:]
		if len(remaining) == 0 {
			mutN, err := h.ConvertToOwned()
			if err != nil {
				return noderef.Nil, err
			}
			mutN.HasValue = true
			mutN.Value = value
			mutN.MerkleStale = true
			return h.IntoChild(), nil
		}

		idx := remaining[0]
		rest := remaining[1:]
		childRef := n.Children.Get(int(idx))
		newChildRef, err := setRecursive(childRef, store, owner, rest, value)
		if err != nil {
			return noderef.Nil, err
		}
		mutN, err := h.ConvertToOwned()
		if err != nil {
			return noderef.Nil, err
		}
		mutN.Children.Set(int(idx), newChildRef)
		mutN.MerkleStale = true
		return h.IntoChild(), nil
	}

	// The new key diverges from n's path at nibble cp: split n into a
	// shortened continuation under a fresh branch node.
	mutN, err := h.ConvertToOwned()
	if err != nil {
		return noderef.Nil, err
	}
	oldIdx := mutN.Path[cp]
	oldContinuation := append(common.Nibbles(nil), mutN.Path[cp+1:]...)
	mutN.Path = oldContinuation
	mutN.MerkleStale = true
	oldRef := h.IntoChild()

	branch := trienode.NewBranch(append(common.Nibbles(nil), path[:cp]...))
	branch.Children.Set(int(oldIdx), oldRef)

	remaining := path[cp:]
	if len(remaining) == 0 {
		branch.HasValue = true
		branch.Value = value
	} else {
		newIdx := remaining[0]
		newRest := remaining[1:]
		leafH, err := cow.NewUninitialized(trienode.NewLeaf(newRest, value), store, owner)
		if err != nil {
			return noderef.Nil, err
		}
		branch.Children.Set(int(newIdx), leafH.IntoChild())
	}

	branchH, err := cow.NewUninitialized(branch, store, owner)
	if err != nil {
		return noderef.Nil, err
	}
	return branchH.IntoChild(), nil
}

// Delete removes key under root within owner, returning the new root and
// the value that was removed. ErrKeyNotFound if key was absent.
func (t *Trie) Delete(owner *ownedset.Set, root noderef.Ref, key []byte) (noderef.Ref, []byte, error) {
	return deleteRecursive(root, t.store, owner, common.KeyToNibbles(key))
}

func deleteRecursive(ref noderef.Ref, store *nodestore.Store, owner *ownedset.Set, path common.Nibbles) (noderef.Ref, []byte, error) {
	if ref.IsNil() {
		return noderef.Nil, nil, common.ErrKeyNotFound
	}
	n, _, err := store.Resolve(ref)
	if err != nil {
		return noderef.Nil, nil, err
	}

	if common.CommonPrefixLen(path, n.Path) != len(n.Path) {
		return noderef.Nil, nil, common.ErrKeyNotFound
	}
	remaining := path[len(n.Path):]

	if len(remaining) == 0 {
		if !n.HasValue {
			return noderef.Nil, nil, common.ErrKeyNotFound
		}
		oldValue := n.Value

		switch n.Children.Count() {
		case 0:
			h := cow.New(ref, store, owner)
			h.DeleteNode()
			return noderef.Nil, oldValue, nil
		case 1:
			h := cow.New(ref, store, owner)
			mutN, err := h.ConvertToOwned()
			if err != nil {
				return noderef.Nil, nil, err
			}
			mutN.HasValue = false
			mutN.Value = nil
			mutN.MerkleStale = true
			merged, err := h.CowMergePath()
			if err != nil {
				return noderef.Nil, nil, err
			}
			return merged.IntoChild(), oldValue, nil
		default:
			h := cow.New(ref, store, owner)
			mutN, err := h.ConvertToOwned()
			if err != nil {
				return noderef.Nil, nil, err
			}
			mutN.HasValue = false
			mutN.Value = nil
			mutN.MerkleStale = true
			return h.IntoChild(), oldValue, nil
		}
	}

	idx := remaining[0]
	rest := remaining[1:]
	childRef := n.Children.Get(int(idx))
	newChildRef, oldValue, err := deleteRecursive(childRef, store, owner, rest)
	if err != nil {
		return noderef.Nil, nil, err
	}

	h := cow.New(ref, store, owner)
	mutN, err := h.ConvertToOwned()
	if err != nil {
		return noderef.Nil, nil, err
	}
	mutN.Children.Set(int(idx), newChildRef)
	mutN.MerkleStale = true

	switch {
	case mutN.Children.IsEmpty() && !mutN.HasValue:
		h.DeleteNode()
		return noderef.Nil, oldValue, nil
	case mutN.Children.Count() == 1 && !mutN.HasValue:
		merged, err := h.CowMergePath()
		if err != nil {
			return noderef.Nil, nil, err
		}
		return merged.IntoChild(), oldValue, nil
	default:
		return h.IntoChild(), oldValue, nil
	}
}

// ComputeMerkle returns root's merkle hash, recomputing any stale dirty
// descendants along the way.
func (t *Trie) ComputeMerkle(owner *ownedset.Set, root noderef.Ref) (common.Hash, error) {
	if root.IsNil() {
		return common.ZeroHash, nil
	}
	h := cow.New(root, t.store, owner)
	return h.GetOrComputeMerkle()
}

// Commit persists every dirty node reachable from root within owner inside
// batch, returning the new committed root. Committed (unowned-by-this-
// session) roots pass through unchanged. batch must still be committed by
// the caller — this only stages the writes.
func (t *Trie) Commit(owner *ownedset.Set, root noderef.Ref, batch *storage.Batch, engine *storage.Engine) (noderef.Ref, error) {
	if root.IsNil() {
		return noderef.Nil, nil
	}
	h := cow.New(root, t.store, owner)
	return h.CommitDirtyRecursively(batch, engine)
}

// KV is one key/value pair yielded by Iterate.
type KV struct {
	Key   []byte
	Value []byte
}

// Iterate returns every (key, value) pair reachable from root, in key
// order. Read-only: it needs no owner set.
func (t *Trie) Iterate(root noderef.Ref) ([]KV, error) {
	var out []KV
	var packErr error
	_, err := cow.IterateInternal(root, t.store, nil, func(key common.Nibbles, value []byte) bool {
		packed, perr := common.NibblesToKey(key)
		if perr != nil {
			packErr = perr
			return false
		}
		out = append(out, KV{Key: packed, Value: append([]byte(nil), value...)})
		return true
	})
	if err != nil {
		return nil, err
	}
	if packErr != nil {
		return nil, packErr
	}
	return out, nil
}
