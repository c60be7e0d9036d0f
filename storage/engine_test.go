package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dagchain/corestore/common"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestRowNumbersStartAtOneAndMonotonic(t *testing.T) {
	e := openTestEngine(t)
	first := e.AllocateRowNumbers(3)
	require.EqualValues(t, 1, first)
	second := e.AllocateRowNumbers(2)
	require.EqualValues(t, 4, second)
}

func TestBatchCommitIsAtomicAndVisible(t *testing.T) {
	e := openTestEngine(t)
	b := e.NewBatch()
	col := b.Column(ColDeltaTrie)
	col.Set(common.PutUint32BE(1), []byte("node-1"))
	col.Set(common.PutUint32BE(2), []byte("node-2"))
	require.NoError(t, b.Commit())

	snap := e.Snapshot()
	defer snap.Close()
	reader := snap.Column(ColDeltaTrie)
	require.Equal(t, []byte("node-1"), reader.Get(common.PutUint32BE(1)))
	require.Equal(t, []byte("node-2"), reader.Get(common.PutUint32BE(2)))
	require.Nil(t, reader.Get(common.PutUint32BE(3)))
}

func TestBatchDiscardLeavesNoTrace(t *testing.T) {
	e := openTestEngine(t)
	b := e.NewBatch()
	b.Column(ColDeltaTrie).Set(common.PutUint32BE(9), []byte("ghost"))
	b.Discard()

	snap := e.Snapshot()
	defer snap.Close()
	require.False(t, snap.Column(ColDeltaTrie).Has(common.PutUint32BE(9)))
}

func TestRowCounterSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, nil)
	require.NoError(t, err)
	e.AllocateRowNumbers(5)
	b := e.NewBatch()
	e.PersistRowCounter(b)
	require.NoError(t, b.Commit())
	require.NoError(t, e.Close())

	e2, err := Open(dir, nil)
	require.NoError(t, err)
	defer e2.Close()
	next := e2.AllocateRowNumbers(1)
	require.EqualValues(t, 6, next)
}

func TestIterateColumnStripsPrefix(t *testing.T) {
	e := openTestEngine(t)
	b := e.NewBatch()
	b.Column(ColBlocks).Set([]byte("h1"), []byte("header-1"))
	b.Column(ColBlockReceipts).Set([]byte("h1"), []byte("receipts-1"))
	require.NoError(t, b.Commit())

	snap := e.Snapshot()
	defer snap.Close()

	seen := map[string]string{}
	snap.IterateColumn(ColBlocks, func(k, v []byte) bool {
		seen[string(k)] = string(v)
		return true
	})
	require.Equal(t, map[string]string{"h1": "header-1"}, seen)
}

func TestBlockSubKeys(t *testing.T) {
	var h common.Hash
	h[0] = 0xAB
	require.Equal(t, h[:], HeaderKey(h))
	require.Equal(t, append(append([]byte{}, h[:]...), BlockSuffixStatus), StatusKey(h))
	require.Equal(t, append(append([]byte{}, h[:]...), BlockSuffixBody), BodyKey(h))
}
