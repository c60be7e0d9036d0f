package noderef

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackCommittedRoundTrip(t *testing.T) {
	r := PackCommitted(42)
	require.True(t, r.IsCommitted())
	require.False(t, r.IsDirty())
	key, ok := r.DBKey()
	require.True(t, ok)
	require.EqualValues(t, 42, key)
}

func TestPackDirtyRoundTrip(t *testing.T) {
	r := PackDirty(7, 99, true)
	require.True(t, r.IsDirty())
	slot, ok := r.Slot()
	require.True(t, ok)
	require.EqualValues(t, 7, slot)
	orig, ok := r.OriginalDBKey()
	require.True(t, ok)
	require.EqualValues(t, 99, orig)
}

func TestPackDirtyBrandNew(t *testing.T) {
	r := PackDirty(3, 0, false)
	_, ok := r.OriginalDBKey()
	require.False(t, ok)
}

func TestNilRef(t *testing.T) {
	require.True(t, Nil.IsNil())
	require.False(t, Nil.IsDirty())
	require.False(t, Nil.IsCommitted())
}

func TestWireRoundTrip(t *testing.T) {
	r := PackCommitted(0xDEADBEEF)
	wire, err := EncodeWire(r)
	require.NoError(t, err)
	decoded, err := DecodeWire(wire[:])
	require.NoError(t, err)
	require.Equal(t, r, decoded)
}

func TestWireRejectsDirty(t *testing.T) {
	r := PackDirty(1, 0, false)
	_, err := EncodeWire(r)
	require.Error(t, err)
}
