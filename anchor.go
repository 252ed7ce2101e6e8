package betree

import "fmt"

// AnchorState is the lifecycle of an anchor.
type AnchorState int

const (
	AnchorUnused AnchorState = iota
	AnchorWrite
	AnchorRead
	AnchorReleased
)

func (s AnchorState) String() string {
	switch s {
	case AnchorUnused:
		return "unused"
	case AnchorWrite:
		return "write"
	case AnchorRead:
		return "read"
	case AnchorReleased:
		return "released"
	default:
		return fmt.Sprintf("anchor-state(%d)", int(s))
	}
}

// Anchor is a reservation of a value slot inside the tree. It holds the
// tree lock (write or read) from the call that returned it until Release,
// so the caller can read or fill the value without a copy.
//
// Release must always be reached, including on error paths, or the tree
// stays locked forever.
type Anchor struct {
	t     *Tree
	tx    *Tx
	state AnchorState
	key   []byte
	value []byte
	off   uint64 // value offset
}

// Key aliases the anchored key. Nil after release.
func (a *Anchor) Key() []byte {
	return a.key
}

// Value aliases the anchored value. A write anchor's value may be filled in
// place. Nil after release.
func (a *Anchor) Value() []byte {
	return a.value
}

func (a *Anchor) State() AnchorState {
	return a.state
}

// Release captures the value of a write anchor into its transaction and
// drops the lock. Releasing twice is a contract violation: it panics with
// invariant checks enabled and is ignored otherwise.
func (a *Anchor) Release() {
	if a == nil {
		return
	}
	switch a.state {
	case AnchorWrite:
		a.tx.Capture(a.off, uint64(len(a.value)))
		a.t.mu.Unlock()
	case AnchorRead:
		a.t.mu.RUnlock()
	default:
		if a.t.opts.invariants {
			panic(invariantViolation{err: ErrAnchorReleased})
		}
		return
	}
	a.state = AnchorReleased
	a.key = nil
	a.value = nil
}

// InsertInPlace inserts key with a zeroed value of vsize bytes and returns a
// write anchor on it.
func (t *Tree) InsertInPlace(tx *Tx, key []byte, vsize int) (*Anchor, error) {
	return t.reserve(OpInsert, tx, key, vsize, SaveInsert)
}

// SaveInPlace is InsertInPlace, or with overwrite set resizes the value of
// an existing key and anchors it. A resized value keeps its old bytes.
func (t *Tree) SaveInPlace(tx *Tx, key []byte, vsize int, overwrite bool) (*Anchor, error) {
	mode := SaveInsert
	if overwrite {
		mode = SaveOverwrite
	}
	return t.reserve(OpInsert, tx, key, vsize, mode)
}

// UpdateInPlace resizes the value of an existing key to vsize bytes and
// returns a write anchor on it. A value that outgrows its buffer moves to a
// new one; the anchor always points at the live value.
func (t *Tree) UpdateInPlace(tx *Tx, key []byte, vsize int) (*Anchor, error) {
	return t.reserve(OpUpdate, tx, key, vsize, SaveUpdate)
}

func (t *Tree) reserve(kind OpKind, tx *Tx, key []byte, vsize int, mode SaveMode) (*Anchor, error) {
	ks, err := keySize(t.ops, key)
	if err != nil {
		return nil, err
	}
	if vsize < 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidValue, vsize)
	}
	key = key[:ks]

	var a *Anchor
	err = t.runHeld(kind, tx, true, func() (bool, error) {
		v, err := t.put(tx, key, nil, vsize, mode)
		if err != nil {
			return false, err
		}
		a = &Anchor{
			t:     t,
			tx:    tx,
			state: AnchorWrite,
			value: t.seg.mem[v : v+uint64(vsize) : v+uint64(vsize)],
			off:   v,
		}
		n, i, _ := t.search(key)
		a.key, _ = t.kv(n, i)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// LookupInPlace returns a read anchor on the value of key.
func (t *Tree) LookupInPlace(key []byte) (*Anchor, error) {
	ks, err := keySize(t.ops, key)
	if err != nil {
		return nil, err
	}
	key = key[:ks]

	var a *Anchor
	err = t.runHeld(OpLookup, nil, false, func() (bool, error) {
		n, i, found := t.search(key)
		if !found {
			return false, ErrNotFound
		}
		k, v := t.kv(n, i)
		_, off := n.slot(i)
		a = &Anchor{t: t, state: AnchorRead, key: k, value: v, off: off}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}
