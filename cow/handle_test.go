package cow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dagchain/corestore/cache"
	"github.com/dagchain/corestore/common"
	"github.com/dagchain/corestore/nodestore"
	"github.com/dagchain/corestore/ownedset"
	"github.com/dagchain/corestore/storage"
	"github.com/dagchain/corestore/trienode"
)

func newTestFixture(t *testing.T) (*nodestore.Store, *storage.Engine) {
	t.Helper()
	eng, err := storage.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	mgr := cache.NewManager(0, 1<<30, nil)
	return nodestore.New(eng, mgr, 0, nil), eng
}

func commitLeaf(t *testing.T, store *nodestore.Store, eng *storage.Engine, owner *ownedset.Set, path common.Nibbles, value []byte) *Handle {
	t.Helper()
	h, err := NewUninitialized(trienode.NewLeaf(path, value), store, owner)
	require.NoError(t, err)

	_, err = h.GetOrComputeMerkle()
	require.NoError(t, err)

	b := eng.NewBatch()
	_, err = h.CommitDirtyRecursively(b, eng)
	require.NoError(t, err)
	require.NoError(t, b.Commit())
	return h
}

func TestNewUninitializedIsOwned(t *testing.T) {
	store, _ := newTestFixture(t)
	owner := ownedset.New()
	h, err := NewUninitialized(trienode.NewLeaf(common.Nibbles{1}, []byte("a")), store, owner)
	require.NoError(t, err)
	require.True(t, h.Owned())
	require.True(t, h.Ref().IsDirty())
	require.True(t, owner.Contains(h.Ref()))
}

func TestConvertToOwnedClonesCommittedNode(t *testing.T) {
	store, eng := newTestFixture(t)
	owner := ownedset.New()
	committed := commitLeaf(t, store, eng, owner, common.Nibbles{1, 2}, []byte("v1"))
	require.True(t, committed.Ref().IsCommitted())

	h2 := New(committed.Ref(), store, ownedset.New())
	require.False(t, h2.Owned())

	n, err := h2.ConvertToOwned()
	require.NoError(t, err)
	require.True(t, h2.Owned())
	require.True(t, h2.Ref().IsDirty())
	require.Equal(t, []byte("v1"), n.Value)

	orig, ok := committed.ref.DBKey()
	require.True(t, ok)
	shadow, ok := h2.Ref().OriginalDBKey()
	require.True(t, ok)
	require.Equal(t, orig, shadow)
}

func TestConvertToOwnedIsNoopWhenAlreadyOwned(t *testing.T) {
	store, _ := newTestFixture(t)
	owner := ownedset.New()
	h, err := NewUninitialized(trienode.NewLeaf(common.Nibbles{1}, []byte("a")), store, owner)
	require.NoError(t, err)
	before := h.Ref()

	n, err := h.ConvertToOwned()
	require.NoError(t, err)
	require.Equal(t, before, h.Ref())
	require.Equal(t, []byte("a"), n.Value)
}

func TestIntoChildConsumesHandle(t *testing.T) {
	store, _ := newTestFixture(t)
	owner := ownedset.New()
	h, err := NewUninitialized(trienode.NewLeaf(common.Nibbles{1}, []byte("a")), store, owner)
	require.NoError(t, err)

	ref := h.IntoChild()
	require.True(t, ref.IsDirty())
	require.Panics(t, func() { h.IntoChild() })
}

func TestDeleteNodeFreesOwnedSlot(t *testing.T) {
	store, _ := newTestFixture(t)
	owner := ownedset.New()
	h, err := NewUninitialized(trienode.NewLeaf(common.Nibbles{1}, []byte("a")), store, owner)
	require.NoError(t, err)
	ref := h.Ref()

	h.DeleteNode()
	require.False(t, owner.Contains(ref))
	require.Panics(t, func() { h.DeleteNode() })
}

func TestDeleteNodeOnUnownedIsNoop(t *testing.T) {
	store, eng := newTestFixture(t)
	owner := ownedset.New()
	committed := commitLeaf(t, store, eng, owner, common.Nibbles{1}, []byte("a"))

	h2 := New(committed.Ref(), store, ownedset.New())
	require.NotPanics(t, func() { h2.DeleteNode() })
}

func TestCommitDirtyRecursivelyLeafBecomesCommitted(t *testing.T) {
	store, eng := newTestFixture(t)
	owner := ownedset.New()
	h, err := NewUninitialized(trienode.NewLeaf(common.Nibbles{0xa, 0xb}, []byte("value")), store, owner)
	require.NoError(t, err)

	merkleBefore, err := h.GetOrComputeMerkle()
	require.NoError(t, err)
	require.NotEqual(t, common.ZeroHash, merkleBefore)

	b := eng.NewBatch()
	newRef, err := h.CommitDirtyRecursively(b, eng)
	require.NoError(t, err)
	require.NoError(t, b.Commit())

	require.True(t, newRef.IsCommitted())
	require.True(t, h.consumed)

	reader := New(newRef, store, ownedset.New())
	n, err := reader.Node()
	require.NoError(t, err)
	require.Equal(t, []byte("value"), n.Value)
	require.Equal(t, merkleBefore, n.Merkle)
}

func TestCommitDirtyRecursivelyOnUnownedIsNoop(t *testing.T) {
	store, eng := newTestFixture(t)
	owner := ownedset.New()
	committed := commitLeaf(t, store, eng, owner, common.Nibbles{1}, []byte("a"))

	h2 := New(committed.Ref(), store, ownedset.New())
	b := eng.NewBatch()
	ref, err := h2.CommitDirtyRecursively(b, eng)
	b.Discard()
	require.NoError(t, err)
	require.Equal(t, committed.Ref(), ref)
}

func TestGetOrComputeMerkleStableAcrossCommit(t *testing.T) {
	store, eng := newTestFixture(t)
	owner := ownedset.New()
	h, err := NewUninitialized(trienode.NewLeaf(common.Nibbles{3}, []byte("x")), store, owner)
	require.NoError(t, err)

	dirtyMerkle, err := h.GetOrComputeMerkle()
	require.NoError(t, err)

	b := eng.NewBatch()
	newRef, err := h.CommitDirtyRecursively(b, eng)
	require.NoError(t, err)
	require.NoError(t, b.Commit())

	reader := New(newRef, store, ownedset.New())
	committedMerkle, err := reader.GetOrComputeMerkle()
	require.NoError(t, err)
	require.Equal(t, dirtyMerkle, committedMerkle)
}

func TestCowMergePathFusesParentAndSoleChild(t *testing.T) {
	store, _ := newTestFixture(t)
	owner := ownedset.New()

	child, err := NewUninitialized(trienode.NewLeaf(common.Nibbles{5, 6}, []byte("child-value")), store, owner)
	require.NoError(t, err)
	childRef := child.IntoChild()

	parentNode := trienode.NewBranch(common.Nibbles{1, 2})
	parentNode.Children.Set(7, childRef)
	parent, err := NewUninitialized(parentNode, store, owner)
	require.NoError(t, err)

	merged, err := parent.CowMergePath()
	require.NoError(t, err)
	require.True(t, merged.Owned())

	n, err := merged.Node()
	require.NoError(t, err)
	require.Equal(t, common.Nibbles{1, 2, 7, 5, 6}, n.Path)
	require.Equal(t, []byte("child-value"), n.Value)
}
