package cow

import (
	"github.com/dagchain/corestore/common"
	"github.com/dagchain/corestore/noderef"
	"github.com/dagchain/corestore/nodestore"
)

// IterateInternal walks the subtree rooted at ref in key order, calling
// emit(key, value) for every value-bearing node. emit returning false stops
// the walk early. Iteration is read-only and needs no owner set — spec.md
// §4.5 notes it "does not require ownership" — so this is a standalone
// function over Store rather than a Handle method.
func IterateInternal(ref noderef.Ref, store *nodestore.Store, prefix common.Nibbles, emit func(key common.Nibbles, value []byte) bool) (bool, error) {
	if ref.IsNil() {
		return true, nil
	}
	n, _, err := store.Resolve(ref)
	if err != nil {
		return false, err
	}

	full := append(append(common.Nibbles(nil), prefix...), n.Path...)
	if n.HasValue {
		if !emit(full, n.Value) {
			return false, nil
		}
	}

	cont := true
	n.Children.Each(func(idx int, childRef noderef.Ref) {
		if !cont {
			return
		}
		childPrefix := append(append(common.Nibbles(nil), full...), byte(idx))
		more, err2 := IterateInternal(childRef, store, childPrefix, emit)
		if err2 != nil {
			err = err2
			cont = false
			return
		}
		cont = more
	})
	return cont, err
}
