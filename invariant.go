package betree

import (
	"bytes"
	"fmt"

	"github.com/alexhholmes/betree/internal/format"
)

var errInvariant = fmt.Errorf("%w: tree invariant", ErrCorruption)

// invariants checks the whole tree: record and node footers, backlinks,
// segment bounds of every pointer, key order within and across nodes,
// occupancy and level consistency. Corrupted footers and pointers panic with
// corruption through load; structural violations are returned.
func (t *Tree) invariants() error {
	root := t.load(t.verifyRecord())
	if root.level()+1 > MaxHeight {
		return fmt.Errorf("%w: height %d exceeds %d", errInvariant, root.level()+1, MaxHeight)
	}
	return t.subtreeInvariant(root, true, nil, nil)
}

// subtreeInvariant checks n and everything below it. Every key must lie in
// the open interval (lo, hi); nil bounds are unbounded.
func (t *Tree) subtreeInvariant(n node, isRoot bool, lo, hi []byte) error {
	if err := t.nodeInvariant(n, isRoot); err != nil {
		return err
	}

	for i := 0; i < n.count(); i++ {
		k := t.key(n, i)
		if lo != nil && t.ops.Compare(lo, k) >= 0 {
			return fmt.Errorf("%w: node %d slot %d below its subtree bound", errInvariant, n.off, i)
		}
		if hi != nil && t.ops.Compare(k, hi) >= 0 {
			return fmt.Errorf("%w: node %d slot %d above its subtree bound", errInvariant, n.off, i)
		}
	}

	if n.isLeaf() {
		return nil
	}
	for i := 0; i <= n.count(); i++ {
		clo, chi := lo, hi
		if i > 0 {
			clo = t.key(n, i-1)
		}
		if i < n.count() {
			chi = t.key(n, i)
		}
		child := t.load(n.child(i))
		if child.level() != n.level()-1 {
			return fmt.Errorf("%w: node %d level %d under node %d level %d",
				errInvariant, child.off, child.level(), n.off, n.level())
		}
		if err := t.subtreeInvariant(child, false, clo, chi); err != nil {
			return err
		}
	}
	return nil
}

// nodeInvariant checks one node in isolation.
func (t *Tree) nodeInvariant(n node, isRoot bool) error {
	if err := format.Verify(n.b, format.TypeNode, NodeVersion); err != nil {
		return fmt.Errorf("%w: node %d: %w", errInvariant, n.off, err)
	}
	if !bytes.Equal(n.backlink(), t.link[:]) {
		return fmt.Errorf("%w: node %d: %w", errInvariant, n.off, errBacklink)
	}

	c := n.count()
	if c > n.maxKeys() {
		return fmt.Errorf("%w: node %d holds %d keys, max %d", errInvariant, n.off, c, n.maxKeys())
	}
	if !isRoot && c < n.minKeys() {
		return fmt.Errorf("%w: node %d holds %d keys, min %d", errInvariant, n.off, c, n.minKeys())
	}
	if n.isLeaf() != (n.level() == 0) {
		return fmt.Errorf("%w: node %d leaf=%v at level %d", errInvariant, n.off, n.isLeaf(), n.level())
	}

	for i := 0; i < c; i++ {
		k, v := n.slot(i)
		if k < kvHeaderSize || !t.seg.Contains(k-kvHeaderSize, kvHeaderSize) || !t.seg.Contains(v, 0) {
			return fmt.Errorf("%w: node %d slot %d: %w", errInvariant, n.off, i, errOffset)
		}
		t.kv(n, i)
		if i > 0 && t.ops.Compare(t.key(n, i-1), t.key(n, i)) >= 0 {
			return fmt.Errorf("%w: node %d keys %d and %d out of order", errInvariant, n.off, i-1, i)
		}
	}
	if !n.isLeaf() {
		for i := 0; i <= c; i++ {
			if !t.seg.Contains(n.child(i), t.nsize) {
				return fmt.Errorf("%w: node %d child %d: %w", errInvariant, n.off, i, errOffset)
			}
		}
	}
	return nil
}

// mustHoldInvariants is the debug form of invariants: any violation is fatal.
func (t *Tree) mustHoldInvariants() {
	if err := t.invariants(); err != nil {
		panic(invariantViolation{err: err})
	}
}
