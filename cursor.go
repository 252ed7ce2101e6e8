package betree

import "bytes"

// path represents one level in the cursor's navigation path from root to the
// current node: the node and the index of the child the cursor descended to.
type path struct {
	node       uint64
	childIndex int
}

// Cursor provides ordered iteration over a tree.
//
// Nodes have no parent pointers, so the cursor records the descent in a
// fixed stack and climbs by popping it. A cursor is not protected against
// concurrent writers: each call takes the read lock, but a mutation between
// calls invalidates the position and the cursor must be re-seeked.
type Cursor struct {
	t     *Tree
	stack [MaxHeight]path
	depth int
	node  uint64 // node holding the current record
	index int    // slot of the current record in node
	valid bool   // Is cursor positioned on valid key?
}

// Cursor returns an unpositioned cursor over t.
func (t *Tree) Cursor() *Cursor {
	return &Cursor{t: t}
}

// Get positions the cursor at key. With slant set a missing key positions
// at the first larger key instead of failing with ErrNotFound.
func (c *Cursor) Get(key []byte, slant bool) error {
	ks, err := keySize(c.t.ops, key)
	if err != nil {
		return err
	}
	key = key[:ks]
	return c.t.run(OpCursorGet, nil, false, func() error {
		return c.seek(key, slant)
	})
}

// First positions the cursor at the smallest key.
func (c *Cursor) First() error {
	return c.t.run(OpCursorGet, nil, false, func() error {
		return c.edge(false)
	})
}

// Last positions the cursor at the largest key.
func (c *Cursor) Last() error {
	return c.t.run(OpCursorGet, nil, false, func() error {
		return c.edge(true)
	})
}

// Next moves to the following key. ErrNotFound means the cursor ran off the
// end and is no longer positioned.
func (c *Cursor) Next() error {
	return c.t.run(OpCursorNext, nil, false, c.next)
}

// Prev moves to the preceding key. ErrNotFound means the cursor ran off the
// start and is no longer positioned.
func (c *Cursor) Prev() error {
	return c.t.run(OpCursorPrev, nil, false, c.prev)
}

// KV returns the current key and value. Both alias segment memory and are
// only valid until the tree is next modified. It fails with ErrCursorUnset if
// the cursor is not positioned.
func (c *Cursor) KV() (key, val []byte, err error) {
	if !c.valid {
		return nil, nil, ErrCursorUnset
	}
	err = c.t.inspect(func() error {
		key, val = c.t.kv(c.t.load(c.node), c.index)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return key, val, nil
}

// Valid reports whether the cursor is positioned on a record.
func (c *Cursor) Valid() bool {
	return c.valid
}

// Put releases the cursor position. The cursor can be positioned again.
func (c *Cursor) Put() {
	c.reset()
}

// Close finalizes the cursor.
func (c *Cursor) Close() {
	c.reset()
	c.t = nil
}

func (c *Cursor) reset() {
	c.depth = 0
	c.node = 0
	c.index = 0
	c.valid = false
}

func (c *Cursor) set(n node, i int) {
	c.node = n.off
	c.index = i
	c.valid = true
}

func (c *Cursor) push(n node, i int) {
	if c.depth >= MaxHeight {
		corrupt(n.off, errTooDeep)
	}
	c.stack[c.depth] = path{node: n.off, childIndex: i}
	c.depth++
}

func (c *Cursor) pop() path {
	c.depth--
	return c.stack[c.depth]
}

// seek descends from the root looking for key, recording the path.
func (c *Cursor) seek(key []byte, slant bool) error {
	c.reset()
	t := c.t
	n := t.load(t.root())
	for {
		i, found := t.findKey(n, key)
		if found {
			c.set(n, i)
			return nil
		}
		if n.isLeaf() {
			if !slant {
				return ErrNotFound
			}
			if i < n.count() {
				c.set(n, i)
				return nil
			}
			// Every key in this leaf is smaller: the answer is the
			// separator above the deepest ancestor not yet exhausted
			return c.climb(true)
		}
		c.push(n, i)
		n = t.load(n.child(i))
	}
}

// edge positions at the smallest or largest key.
func (c *Cursor) edge(right bool) error {
	c.reset()
	root := c.t.load(c.t.root())
	if root.count() == 0 {
		return ErrNotFound
	}
	leaf := c.descend(root, right)
	if leaf.count() == 0 {
		corrupt(leaf.off, errOffset)
	}
	if right {
		c.set(leaf, leaf.count()-1)
	} else {
		c.set(leaf, 0)
	}
	return nil
}

// descend walks from n to its leftmost or rightmost leaf, pushing the path.
func (c *Cursor) descend(n node, right bool) node {
	for !n.isLeaf() {
		i := 0
		if right {
			i = n.count()
		}
		c.push(n, i)
		n = c.t.load(n.child(i))
	}
	return n
}

// climb pops the stack until an ancestor has a record after (forward) or
// before (backward) the child the cursor came from.
func (c *Cursor) climb(forward bool) error {
	for c.depth > 0 {
		p := c.pop()
		n := c.t.load(p.node)
		if forward && p.childIndex < n.count() {
			c.set(n, p.childIndex)
			return nil
		}
		if !forward && p.childIndex > 0 {
			c.set(n, p.childIndex-1)
			return nil
		}
	}
	c.reset()
	return ErrNotFound
}

func (c *Cursor) next() error {
	if !c.valid {
		return ErrCursorUnset
	}
	n := c.t.load(c.node)
	i := c.index
	if !n.isLeaf() {
		// The successor is the smallest key right of slot i
		c.push(n, i+1)
		leaf := c.descend(c.t.load(n.child(i+1)), false)
		c.set(leaf, 0)
		return nil
	}
	if i+1 < n.count() {
		c.set(n, i+1)
		return nil
	}
	return c.climb(true)
}

func (c *Cursor) prev() error {
	if !c.valid {
		return ErrCursorUnset
	}
	n := c.t.load(c.node)
	i := c.index
	if !n.isLeaf() {
		// The predecessor is the largest key left of slot i
		c.push(n, i)
		leaf := c.descend(c.t.load(n.child(i)), true)
		c.set(leaf, leaf.count()-1)
		return nil
	}
	if i > 0 {
		c.set(n, i-1)
		return nil
	}
	return c.climb(false)
}

func (c *Cursor) copyKV() (key, val []byte) {
	k, v := c.t.kv(c.t.load(c.node), c.index)
	key = bytes.Clone(k)
	val = bytes.Clone(v)
	if val == nil {
		val = []byte{}
	}
	return key, val
}
