package common

import (
	"github.com/cockroachdb/errors"
)

// Error kinds from the storage core's error taxonomy. Each is a sentinel
// that callers compare against with errors.Is; cockroachdb/errors preserves
// a stack trace across wrapping so a fatal KV failure can be reported with
// useful context before the process exits.
var (
	ErrStorageCorrupt   = errors.New("storage corrupt")
	ErrOutOfMemory       = errors.New("node slab out of memory")
	ErrKeyNotFound       = errors.New("key not found")
	ErrEpochMismatch     = errors.New("receipts stored under a different epoch")
	ErrInvalidBloom      = errors.New("bloom failed witness validation")
	ErrInvalidReceipts   = errors.New("receipts failed witness validation")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrRequestNotFound   = errors.New("request not found")
	ErrUnexpectedResponse = errors.New("unexpected response")
	ErrInternalError     = errors.New("internal error: missing witness")
)

// WrapStorageCorrupt marks err (or a freshly described condition when err is
// nil) as ErrStorageCorrupt so callers can distinguish "the bytes we read
// back are not a valid node/header/receipt" from other failure kinds.
func WrapStorageCorrupt(err error, format string, args ...interface{}) error {
	if err == nil {
		return errors.Wrapf(ErrStorageCorrupt, format, args...)
	}
	return errors.Wrapf(errors.Mark(err, ErrStorageCorrupt), format, args...)
}

// IsKind reports whether err (or any error it wraps) is the given sentinel.
func IsKind(err, kind error) bool {
	return errors.Is(err, kind)
}
