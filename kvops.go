package betree

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// TreeType tags the kind of keys and values a tree stores. It is persisted in
// every backlink and must agree with the KVOps a tree is opened with.
type TreeType uint32

const (
	TreeTypeInvalid TreeType = iota
	TreeTypeBytes
	TreeTypeUint64
	TreeTypeDict
)

func (t TreeType) String() string {
	switch t {
	case TreeTypeInvalid:
		return "invalid"
	case TreeTypeBytes:
		return "bytes"
	case TreeTypeUint64:
		return "uint64"
	case TreeTypeDict:
		return "dict"
	default:
		return fmt.Sprintf("tree-type(%d)", uint32(t))
	}
}

// KVOps gives the tree everything it knows about keys and values. The tree
// never interprets their contents.
type KVOps interface {
	Type() TreeType
	// KeySize returns the stored size of key, at most len(key).
	KeySize(key []byte) int
	// ValueSize returns the stored size of value, at most len(value).
	ValueSize(value []byte) int
	Compare(a, b []byte) int
}

// BytesOps orders keys lexicographically and stores buffers whole.
type BytesOps struct{}

func (BytesOps) Type() TreeType { return TreeTypeBytes }

func (BytesOps) KeySize(key []byte) int { return len(key) }

func (BytesOps) ValueSize(value []byte) int { return len(value) }

func (BytesOps) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// Uint64Ops stores 8-byte little-endian keys ordered numerically.
type Uint64Ops struct{}

func (Uint64Ops) Type() TreeType { return TreeTypeUint64 }

func (Uint64Ops) KeySize([]byte) int { return 8 }

func (Uint64Ops) ValueSize(value []byte) int { return len(value) }

func (Uint64Ops) Compare(a, b []byte) int {
	x, y := KeyUint64(a), KeyUint64(b)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// Uint64Key encodes k for a Uint64Ops tree.
func Uint64Key(k uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, k)
}

// KeyUint64 decodes a key of a Uint64Ops tree.
func KeyUint64(k []byte) uint64 {
	return binary.LittleEndian.Uint64(k)
}

// dictOps is BytesOps under the dictionary tree type.
type dictOps struct {
	BytesOps
}

func (dictOps) Type() TreeType { return TreeTypeDict }

// OpsFor returns the built-in KVOps for a tree type.
func OpsFor(t TreeType) (KVOps, bool) {
	switch t {
	case TreeTypeBytes:
		return BytesOps{}, true
	case TreeTypeUint64:
		return Uint64Ops{}, true
	case TreeTypeDict:
		return dictOps{}, true
	default:
		return nil, false
	}
}

func keySize(ops KVOps, key []byte) (int, error) {
	n := ops.KeySize(key)
	if n <= 0 || n > len(key) {
		return 0, fmt.Errorf("%w: size %d, buffer %d", ErrInvalidKey, n, len(key))
	}
	return n, nil
}

func valueSize(ops KVOps, value []byte) (int, error) {
	n := ops.ValueSize(value)
	if n < 0 || n > len(value) {
		return 0, fmt.Errorf("%w: size %d, buffer %d", ErrInvalidValue, n, len(value))
	}
	return n, nil
}
