package trienode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dagchain/corestore/common"
	"github.com/dagchain/corestore/noderef"
)

func TestChildrenTableCount(t *testing.T) {
	var c ChildrenTable
	require.True(t, c.IsEmpty())
	c.Set(3, noderef.PackCommitted(1))
	require.Equal(t, 1, c.Count())
	idx, ref, ok := c.SoleChild()
	require.True(t, ok)
	require.Equal(t, 3, idx)
	require.Equal(t, uint32(1), mustDBKey(t, ref))

	c.Set(5, noderef.PackCommitted(2))
	require.Equal(t, 2, c.Count())
	_, _, ok = c.SoleChild()
	require.False(t, ok)

	c.Set(3, noderef.Nil)
	require.Equal(t, 1, c.Count())
}

func mustDBKey(t *testing.T, ref noderef.Ref) uint32 {
	t.Helper()
	key, ok := ref.DBKey()
	require.True(t, ok)
	return key
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	n := NewLeaf(common.Nibbles{0xc, 0xa, 0x7}, []byte("meow"))
	n.Children.Set(4, noderef.PackCommitted(10))

	data, err := Encode(n)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, n.Path, got.Path)
	require.Equal(t, n.HasValue, got.HasValue)
	require.Equal(t, n.Value, got.Value)
	require.Equal(t, noderef.PackCommitted(10), got.Children.Get(4))
	require.True(t, got.Children.Get(0).IsNil())
}

func TestEncodeRejectsDirtyChild(t *testing.T) {
	n := NewBranch(common.Nibbles{})
	n.Children.Set(0, noderef.PackDirty(1, 0, false))
	_, err := Encode(n)
	require.Error(t, err)
}

func TestComputeMerkleDeterministic(t *testing.T) {
	n1 := NewLeaf(common.Nibbles{0x1, 0x2}, []byte("a"))
	n2 := NewLeaf(common.Nibbles{0x1, 0x2}, []byte("a"))
	var empty [16]common.Hash
	require.Equal(t, ComputeMerkle(n1, empty), ComputeMerkle(n2, empty))

	n3 := NewLeaf(common.Nibbles{0x1, 0x2}, []byte("b"))
	require.NotEqual(t, ComputeMerkle(n1, empty), ComputeMerkle(n3, empty))
}

func TestChildrenMerkleMap(t *testing.T) {
	m := NewChildrenMerkleMap()
	_, ok := m.Get(1)
	require.False(t, ok)

	var arr [16]common.Hash
	arr[0] = common.HashData([]byte("x"))
	m.Put(1, arr)

	got, ok := m.Get(1)
	require.True(t, ok)
	require.Equal(t, arr, got)
}

func TestChildrenMerklesWireRoundTrip(t *testing.T) {
	var arr [16]common.Hash
	arr[3] = common.HashData([]byte("hello"))
	data, err := EncodeChildrenMerkles(arr)
	require.NoError(t, err)

	got, err := DecodeChildrenMerkles(data)
	require.NoError(t, err)
	require.Equal(t, arr, got)
}
