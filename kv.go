package betree

import (
	"bytes"
	"fmt"
)

// SaveMode selects how a save treats an existing key.
type SaveMode int

const (
	// SaveInsert fails with ErrExists if the key is present.
	SaveInsert SaveMode = iota
	// SaveUpdate fails with ErrNotFound if the key is absent.
	SaveUpdate
	// SaveOverwrite inserts or replaces.
	SaveOverwrite
)

// Insert adds key with value val. It fails with ErrExists if key is present.
func (t *Tree) Insert(tx *Tx, key, val []byte) error {
	return t.saveOp(OpInsert, tx, key, val, SaveInsert)
}

// Update replaces the value of an existing key. It fails with ErrNotFound if
// key is absent.
func (t *Tree) Update(tx *Tx, key, val []byte) error {
	return t.saveOp(OpUpdate, tx, key, val, SaveUpdate)
}

// Save inserts key, or with overwrite set replaces the value of an existing
// key.
func (t *Tree) Save(tx *Tx, key, val []byte, overwrite bool) error {
	mode := SaveInsert
	if overwrite {
		mode = SaveOverwrite
	}
	return t.saveOp(OpInsert, tx, key, val, mode)
}

func (t *Tree) saveOp(kind OpKind, tx *Tx, key, val []byte, mode SaveMode) error {
	ks, err := keySize(t.ops, key)
	if err != nil {
		return err
	}
	vs, err := valueSize(t.ops, val)
	if err != nil {
		return err
	}
	return t.run(kind, tx, true, func() error {
		_, err := t.put(tx, key[:ks], val[:vs], vs, mode)
		return err
	})
}

// put is the save algorithm shared by copying and in-place callers. With a
// nil val the value is left for the caller to fill. It returns the value
// offset. Existing values that fit their buffer are rewritten in place;
// larger ones are deleted and inserted again.
func (t *Tree) put(tx *Tx, key, val []byte, vsize int, mode SaveMode) (uint64, error) {
	n, i, found := t.search(key)

	if mode == SaveInsert && !found && t.opts.faults != nil && t.opts.faults.ForceExists(key) {
		found = true
	}
	switch {
	case found && mode == SaveInsert:
		t.log.Info("duplicate key", "tree", t.off)
		return 0, ErrExists
	case !found && mode == SaveUpdate:
		return 0, ErrNotFound
	case !found:
		if err := tx.consume(CreditInsert, 1); err != nil {
			return 0, err
		}
		m := t.mutate(tx)
		defer m.seal()
		return m.insert(key, val, vsize), nil
	}

	m := t.mutate(tx)
	defer m.seal()

	k, v := n.slot(i)
	if uint64(vsize) <= m.kvCapacity(k) {
		if err := tx.consume(CreditUpdate, 1); err != nil {
			return 0, err
		}
		m.rewriteValue(k, v, val, vsize)
		return v, nil
	}

	if err := tx.consume(CreditDelete, 1); err != nil {
		return 0, err
	}
	if err := tx.consume(CreditInsert, 1); err != nil {
		return 0, err
	}
	if val == nil {
		// Keep the old bytes for an in-place caller
		val = make([]byte, vsize)
		copy(val, t.valueAt(k, v))
	}
	m.delete(key)
	return m.insert(key, val, vsize), nil
}

// Delete removes key. It fails with ErrNotFound, without touching the tree,
// if key is absent.
func (t *Tree) Delete(tx *Tx, key []byte) error {
	ks, err := keySize(t.ops, key)
	if err != nil {
		return err
	}
	key = key[:ks]
	return t.run(OpDelete, tx, true, func() error {
		if _, _, found := t.search(key); !found {
			return ErrNotFound
		}
		if err := tx.consume(CreditDelete, 1); err != nil {
			return err
		}
		m := t.mutate(tx)
		defer m.seal()
		m.delete(key)
		return nil
	})
}

// Lookup returns a copy of the value stored under key.
func (t *Tree) Lookup(key []byte) ([]byte, error) {
	var out []byte
	err := t.lookup(key, func(val []byte) {
		out = bytes.Clone(val)
		if out == nil {
			out = []byte{}
		}
	})
	return out, err
}

// LookupInto copies the value stored under key into buf and returns the
// stored size. A stored value longer than buf is silently truncated.
func (t *Tree) LookupInto(key, buf []byte) (int, error) {
	var size int
	err := t.lookup(key, func(val []byte) {
		size = len(val)
		copy(buf, val)
	})
	return size, err
}

func (t *Tree) lookup(key []byte, fn func(val []byte)) error {
	ks, err := keySize(t.ops, key)
	if err != nil {
		return err
	}
	key = key[:ks]
	return t.run(OpLookup, nil, false, func() error {
		n, i, found := t.search(key)
		if !found {
			return ErrNotFound
		}
		_, val := t.kv(n, i)
		fn(val)
		return nil
	})
}

// LookupSlant returns copies of the first key >= key and its value.
func (t *Tree) LookupSlant(key []byte) (k, v []byte, err error) {
	ks, err := keySize(t.ops, key)
	if err != nil {
		return nil, nil, err
	}
	key = key[:ks]
	err = t.run(OpLookup, nil, false, func() error {
		c := Cursor{t: t}
		if err := c.seek(key, true); err != nil {
			return err
		}
		k, v = c.copyKV()
		return nil
	})
	return k, v, err
}

// MinKey returns copies of the smallest key and its value, or ErrNotFound
// with nil slices on an empty tree.
func (t *Tree) MinKey() (key, val []byte, err error) {
	return t.edgeKey(OpMinKey, false)
}

// MaxKey returns copies of the largest key and its value, or ErrNotFound
// with nil slices on an empty tree.
func (t *Tree) MaxKey() (key, val []byte, err error) {
	return t.edgeKey(OpMaxKey, true)
}

func (t *Tree) edgeKey(kind OpKind, right bool) (key, val []byte, err error) {
	err = t.run(kind, nil, false, func() error {
		c := Cursor{t: t}
		if err := c.edge(right); err != nil {
			return err
		}
		key, val = c.copyKV()
		return nil
	})
	return key, val, err
}

// IsEmpty reports whether the tree holds no records.
func (t *Tree) IsEmpty() (bool, error) {
	var empty bool
	err := t.inspect(func() error {
		root := t.load(t.root())
		empty = root.count() == 0
		return nil
	})
	return empty, err
}

// Truncate removes up to limit records without rebalancing. Once called,
// the tree only accepts more Truncate calls, Destroy and read-only
// introspection (IsEmpty, Count). Calling it until IsEmpty reports true
// leaves a valid empty tree.
func (t *Tree) Truncate(tx *Tx, limit uint64) error {
	return t.run(OpTruncate, tx, true, func() error {
		if t.state == treeLive {
			t.log.Info("tree truncation started", "tree", t.off)
		}
		t.state = treeTruncating
		m := t.mutate(tx)
		defer m.seal()
		m.truncate(limit)
		return nil
	})
}

// Destroy frees every node, key/value buffer and the tree record. The handle
// is unusable afterwards. tx must be prepared with DestroyCredit.
func (t *Tree) Destroy(tx *Tx) error {
	err := t.run(OpDestroy, tx, true, func() error {
		func() {
			m := t.mutate(tx)
			defer m.seal()
			m.destroy()
		}()
		if err := t.seg.alloc.Free(tx, t.off); err != nil {
			corrupt(t.off, err)
		}
		t.state = treeDestroyed
		return nil
	})
	if err != nil {
		return err
	}
	t.seg.unregister(t)
	t.log.Info("tree destroyed", "offset", t.off, "fid", t.Fid().String())
	return nil
}

// TreeStats summarizes a traversal of the tree.
type TreeStats struct {
	Items        uint64
	Nodes        uint64
	Height       int
	MaxKeySize   int
	MaxValueSize int
}

// Count walks every node breadth first.
func (t *Tree) Count() (TreeStats, error) {
	var st TreeStats
	err := t.inspect(func() error {
		root := t.load(t.root())
		st.Height = root.level() + 1
		queue := []uint64{root.off}
		for len(queue) > 0 {
			n := t.load(queue[0])
			queue = queue[1:]
			st.Nodes++
			st.Items += uint64(n.count())
			for i := 0; i < n.count(); i++ {
				k, v := t.kv(n, i)
				st.MaxKeySize = max(st.MaxKeySize, len(k))
				st.MaxValueSize = max(st.MaxValueSize, len(v))
			}
			if !n.isLeaf() {
				for i := 0; i <= n.count(); i++ {
					queue = append(queue, n.child(i))
				}
			}
		}
		return nil
	})
	return st, err
}

// Check verifies every footer, backlink, pointer and ordering/occupancy
// invariant of the tree.
func (t *Tree) Check() error {
	return t.inspect(func() error {
		if t.state == treeTruncating {
			return fmt.Errorf("%w: invariants do not hold during truncation", ErrTruncated)
		}
		return t.invariants()
	})
}

// inspect runs a read-only walk under the read lock without op tracking.
func (t *Tree) inspect(fn func() error) (err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	defer t.recoverFault(&err)

	if t.state == treeDestroyed {
		return ErrTreeNotCreated
	}
	t.verifyRecord()
	return fn()
}
