package common

// Nibbles is an unpacked path: one nibble (0..15) per element. Trie keys are
// always handled as nibble slices internally; they are only packed back to
// bytes at the KV boundary.
type Nibbles []byte

// KeyToNibbles unpacks a byte key into its nibble representation, high
// nibble first, matching the 16-ary ChildrenTable fixed by §3.
func KeyToNibbles(key []byte) Nibbles {
	out := make(Nibbles, 0, len(key)*2)
	for _, b := range key {
		out = append(out, b>>4, b&0x0F)
	}
	return out
}

// NibblesToKey packs a nibble slice of even length back into bytes.
func NibblesToKey(n Nibbles) ([]byte, error) {
	if len(n)%2 != 0 {
		return nil, WrapStorageCorrupt(nil, "odd nibble count %d cannot pack to bytes", len(n))
	}
	out := make([]byte, len(n)/2)
	for i := 0; i < len(out); i++ {
		out[i] = n[2*i]<<4 | n[2*i+1]
	}
	return out, nil
}

// CommonPrefixLen returns the number of leading nibbles shared by a and b.
func CommonPrefixLen(a, b Nibbles) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// hex-prefix (HP) compact encoding of a compressed path: the single
// high nibble of the first encoded byte carries two flags — bit 1 marks a
// leaf (value-bearing) node, bit 0 marks an odd nibble count — and an odd
// count folds its first nibble into that same byte. This is the same
// compact encoding every 16-ary Merkle-Patricia implementation in the
// corpus (go-ethereum's, erigon's) uses on disk; it is what §3's "head/tail
// masks" on the compressed path refer to.
const (
	hpOddFlag  = 0x1
	hpLeafFlag = 0x2
)

// EncodeCompressedPath packs a nibble path plus its leaf/extension flag into
// the on-disk compact form.
func EncodeCompressedPath(path Nibbles, isLeaf bool) []byte {
	flags := byte(0)
	if isLeaf {
		flags |= hpLeafFlag
	}
	odd := len(path)%2 == 1
	var out []byte
	if odd {
		flags |= hpOddFlag
		out = make([]byte, 1+(len(path)-1)/2+1)
		out[0] = flags<<4 | path[0]
		path = path[1:]
	} else {
		out = make([]byte, 1+len(path)/2)
		out[0] = flags << 4
	}
	for i := 0; i < len(path); i += 2 {
		out[1+i/2] = path[i]<<4 | path[i+1]
	}
	return out[:1+len(path)/2]
}

// DecodeCompressedPath reverses EncodeCompressedPath.
func DecodeCompressedPath(enc []byte) (path Nibbles, isLeaf bool, err error) {
	if len(enc) == 0 {
		return nil, false, WrapStorageCorrupt(nil, "empty compressed path")
	}
	flags := enc[0] >> 4
	isLeaf = flags&hpLeafFlag != 0
	odd := flags&hpOddFlag != 0
	path = make(Nibbles, 0, 2*len(enc))
	if odd {
		path = append(path, enc[0]&0x0F)
	}
	for _, b := range enc[1:] {
		path = append(path, b>>4, b&0x0F)
	}
	return path, isLeaf, nil
}
