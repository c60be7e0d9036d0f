package deltamp

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dagchain/corestore/cache"
	"github.com/dagchain/corestore/common"
	"github.com/dagchain/corestore/noderef"
	"github.com/dagchain/corestore/nodestore"
	"github.com/dagchain/corestore/ownedset"
	"github.com/dagchain/corestore/storage"
)

func newTestTrie(t *testing.T) (*Trie, *nodestore.Store, *storage.Engine) {
	t.Helper()
	eng, err := storage.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	mgr := cache.NewManager(0, 1<<30, nil)
	store := nodestore.New(eng, mgr, 0, nil)
	return New(store), store, eng
}

func commitRoot(t *testing.T, trie *Trie, owner *ownedset.Set, root noderef.Ref, eng *storage.Engine) noderef.Ref {
	t.Helper()
	_, err := trie.ComputeMerkle(owner, root)
	require.NoError(t, err)
	b := eng.NewBatch()
	newRoot, err := trie.Commit(owner, root, b, eng)
	require.NoError(t, err)
	eng.PersistRowCounter(b)
	require.NoError(t, b.Commit())
	return newRoot
}

func sortKV(kvs []KV) {
	sort.Slice(kvs, func(i, j int) bool {
		return string(kvs[i].Key) < string(kvs[j].Key)
	})
}

// TestS1InsertIterateCommitReiterate is spec.md §8's S1 scenario.
func TestS1InsertIterateCommitReiterate(t *testing.T) {
	trie, _, eng := newTestTrie(t)
	owner := ownedset.New()

	root := noderef.Nil
	var err error
	root, err = trie.Set(owner, root, []byte("cat"), []byte{0x01})
	require.NoError(t, err)
	root, err = trie.Set(owner, root, []byte("car"), []byte{0x02})
	require.NoError(t, err)

	got, err := trie.Iterate(root)
	require.NoError(t, err)
	sortKV(got)
	require.Equal(t, []KV{
		{Key: []byte("car"), Value: []byte{0x02}},
		{Key: []byte("cat"), Value: []byte{0x01}},
	}, got)

	committedRoot := commitRoot(t, trie, owner, root, eng)
	require.True(t, committedRoot.IsCommitted())

	got2, err := trie.Iterate(committedRoot)
	require.NoError(t, err)
	sortKV(got2)
	require.Equal(t, got, got2)
}

// TestS2DeleteMergesPath is spec.md §8's S2 scenario.
func TestS2DeleteMergesPath(t *testing.T) {
	trie, _, eng := newTestTrie(t)
	owner := ownedset.New()

	root := noderef.Nil
	var err error
	root, err = trie.Set(owner, root, []byte("cat"), []byte{0x01})
	require.NoError(t, err)
	root, err = trie.Set(owner, root, []byte("car"), []byte{0x02})
	require.NoError(t, err)
	root = commitRoot(t, trie, owner, root, eng)

	owner2 := ownedset.New()
	root2, oldVal, err := trie.Delete(owner2, root, []byte("cat"))
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, oldVal)

	got, err := trie.Iterate(root2)
	require.NoError(t, err)
	require.Equal(t, []KV{{Key: []byte("car"), Value: []byte{0x02}}}, got)

	mergedMerkle, err := trie.ComputeMerkle(owner2, root2)
	require.NoError(t, err)

	freshTrie, _, freshEng := newTestTrie(t)
	freshOwner := ownedset.New()
	freshRoot, err := freshTrie.Set(freshOwner, noderef.Nil, []byte("car"), []byte{0x02})
	require.NoError(t, err)
	freshMerkle, err := freshTrie.ComputeMerkle(freshOwner, freshRoot)
	require.NoError(t, err)
	_ = freshEng

	require.Equal(t, freshMerkle, mergedMerkle)

	// Reading the original committed root must remain unaffected — snapshot
	// isolation (spec.md §8 invariant 1).
	stillThere, err := trie.Get(root, []byte("cat"))
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, stillThere)
}

// TestS3ForkedWritersProduceDisjointRoots is spec.md §8's S3 scenario,
// scaled down from 1000 keys for test speed.
func TestS3ForkedWritersProduceDisjointRoots(t *testing.T) {
	trie, _, eng := newTestTrie(t)
	owner := ownedset.New()

	const n = 64
	root := noderef.Nil
	var err error
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		val := common.HashData(key)
		root, err = trie.Set(owner, root, key, val[:])
		require.NoError(t, err)
	}
	root = commitRoot(t, trie, owner, root, eng)

	ownerW1 := ownedset.New()
	rootW1 := root
	for i := 0; i < n; i += 2 {
		key := []byte(fmt.Sprintf("key-%03d", i))
		rootW1, _, err = trie.Delete(ownerW1, rootW1, key)
		require.NoError(t, err)
	}

	ownerW2 := ownedset.New()
	rootW2 := root
	for i := 1; i < n; i += 2 {
		key := []byte(fmt.Sprintf("key-%03d", i))
		rootW2, err = trie.Set(ownerW2, rootW2, key, []byte{0xFF})
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		val := common.HashData(key)
		got, err := trie.Get(root, key)
		require.NoError(t, err)
		require.Equal(t, val[:], got)
	}

	for i := 0; i < n; i += 2 {
		key := []byte(fmt.Sprintf("key-%03d", i))
		_, err := trie.Get(rootW1, key)
		require.ErrorIs(t, err, common.ErrKeyNotFound)
	}
	for i := 1; i < n; i += 2 {
		key := []byte(fmt.Sprintf("key-%03d", i))
		got, err := trie.Get(rootW1, key)
		require.NoError(t, err)
		val := common.HashData(key)
		require.Equal(t, val[:], got)
	}

	for i := 1; i < n; i += 2 {
		key := []byte(fmt.Sprintf("key-%03d", i))
		got, err := trie.Get(rootW2, key)
		require.NoError(t, err)
		require.Equal(t, []byte{0xFF}, got)
	}
	for i := 0; i < n; i += 2 {
		key := []byte(fmt.Sprintf("key-%03d", i))
		got, err := trie.Get(rootW2, key)
		require.NoError(t, err)
		val := common.HashData(key)
		require.Equal(t, val[:], got)
	}
}

func TestGetKeyNotFoundOnEmptyRoot(t *testing.T) {
	trie, _, _ := newTestTrie(t)
	_, err := trie.Get(noderef.Nil, []byte("missing"))
	require.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestDeleteKeyNotFound(t *testing.T) {
	trie, _, _ := newTestTrie(t)
	owner := ownedset.New()
	root, err := trie.Set(owner, noderef.Nil, []byte("a"), []byte{1})
	require.NoError(t, err)
	_, _, err = trie.Delete(owner, root, []byte("b"))
	require.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestSetOverwritesExistingValue(t *testing.T) {
	trie, _, _ := newTestTrie(t)
	owner := ownedset.New()
	root, err := trie.Set(owner, noderef.Nil, []byte("a"), []byte{1})
	require.NoError(t, err)
	root, err = trie.Set(owner, root, []byte("a"), []byte{2})
	require.NoError(t, err)
	got, err := trie.Get(root, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte{2}, got)
}

// TestMerkleDeterminismIndependentOfInsertionOrder is spec.md §8 invariant 3:
// two tries with identical final contents must produce a bit-equal root,
// regardless of the order keys were inserted in.
func TestMerkleDeterminismIndependentOfInsertionOrder(t *testing.T) {
	kvs := map[string][]byte{
		"cat":    {0x01},
		"car":    {0x02},
		"carpet": {0x03},
		"dog":    {0x04},
	}
	orderA := []string{"cat", "car", "carpet", "dog"}
	orderB := []string{"dog", "carpet", "car", "cat"}

	buildAndRoot := func(order []string) common.Hash {
		trie, _, _ := newTestTrie(t)
		owner := ownedset.New()
		root := noderef.Nil
		var err error
		for _, k := range order {
			root, err = trie.Set(owner, root, []byte(k), kvs[k])
			require.NoError(t, err)
		}
		merkle, err := trie.ComputeMerkle(owner, root)
		require.NoError(t, err)
		return merkle
	}

	require.Equal(t, buildAndRoot(orderA), buildAndRoot(orderB))
}

// TestCoWAbortedWriteSessionLeavesCommittedRootUnaffected is spec.md §8
// invariant 4: a write session that is dropped without ever calling Commit
// must leave the committed root's on-disk state completely unchanged —
// nothing in the aborted session's owner set was ever written to KV.
func TestCoWAbortedWriteSessionLeavesCommittedRootUnaffected(t *testing.T) {
	trie, _, eng := newTestTrie(t)
	owner := ownedset.New()
	root, err := trie.Set(owner, noderef.Nil, []byte("cat"), []byte{0x01})
	require.NoError(t, err)
	root = commitRoot(t, trie, owner, root, eng)

	// Start (and abandon) a write session: no Commit is ever called for it.
	abortedOwner := ownedset.New()
	_, err = trie.Set(abortedOwner, root, []byte("dog"), []byte{0xFF})
	require.NoError(t, err)
	require.Greater(t, abortedOwner.Len(), 0)

	// The committed root must still only contain "cat"; the aborted
	// session's dirty nodes were never persisted.
	got, err := trie.Iterate(root)
	require.NoError(t, err)
	require.Equal(t, []KV{{Key: []byte("cat"), Value: []byte{0x01}}}, got)

	_, err = trie.Get(root, []byte("dog"))
	require.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestMonotonicRowNumbersAcrossCommits(t *testing.T) {
	trie, _, eng := newTestTrie(t)
	owner := ownedset.New()
	root, err := trie.Set(owner, noderef.Nil, []byte("a"), []byte{1})
	require.NoError(t, err)
	root = commitRoot(t, trie, owner, root, eng)
	firstKey, ok := root.DBKey()
	require.True(t, ok)

	owner2 := ownedset.New()
	root2, err := trie.Set(owner2, root, []byte("b"), []byte{2})
	require.NoError(t, err)
	root2 = commitRoot(t, trie, owner2, root2, eng)
	secondKey, ok := root2.DBKey()
	require.True(t, ok)

	require.Greater(t, secondKey, firstKey)
}
