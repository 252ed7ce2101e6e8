package betree

import (
	"encoding/binary"

	"github.com/alexhholmes/betree/internal/format"
)

// mutation is the scope of one modifying operation. Every node the operation
// writes is touched first; seal then recomputes each touched node's footer
// exactly once and captures it into the transaction.
//
//	m := t.mutate(tx)
//	defer m.seal()
type mutation struct {
	t       *Tree
	tx      *Tx
	touched map[uint64]bool // false once the node is freed
	order   []uint64
	record  bool
}

func (t *Tree) mutate(tx *Tx) *mutation {
	return &mutation{t: t, tx: tx, touched: make(map[uint64]bool)}
}

// load verifies a node unless this mutation already rewrote it, in which case
// its footer is stale until seal.
func (m *mutation) load(off uint64) node {
	if m.touched[off] {
		return m.t.view(off)
	}
	return m.t.load(off)
}

// touch marks n as modified. Call before writing to n.
func (m *mutation) touch(n node) node {
	if _, seen := m.touched[n.off]; !seen {
		m.order = append(m.order, n.off)
	}
	m.touched[n.off] = true
	return n
}

// seal finalizes every touched node and the tree record. A panicking
// operation leaves footers stale so the damage stays detectable.
func (m *mutation) seal() {
	if r := recover(); r != nil {
		panic(r)
	}
	t := m.t
	for _, off := range m.order {
		if !m.touched[off] {
			continue
		}
		b := t.seg.mem[off : off+t.nsize]
		if !format.Live(b) {
			continue
		}
		format.UpdateFooter(b)
		m.tx.Capture(off, t.nsize)
	}
	if m.record {
		format.UpdateFooter(t.record())
		m.tx.Capture(t.off, treeRecordSize)
	}
}

func (m *mutation) setRoot(off uint64) {
	binary.LittleEndian.PutUint64(m.t.record()[recRootOff:], off)
	m.record = true
}

// allocNode allocates and formats an empty node. Credits guarantee the
// allocation; a failure means the caller's accounting was wrong.
func (m *mutation) allocNode(level int, leaf bool) node {
	t := m.t
	off, err := t.seg.alloc.Alloc(m.tx, t.nsize, 3)
	if err != nil {
		panic(exhausted{err: err})
	}
	b := t.seg.mem[off : off+t.nsize : off+t.nsize]
	clear(b)
	format.PackHeader(b, format.Tag{
		Version:      NodeVersion,
		Type:         format.TypeNode,
		FooterOffset: uint32(t.nsize - format.FooterSize),
	})
	n := node{off: off, b: b, order: t.order}
	copy(n.backlink(), t.link[:])
	n.setLevel(level)
	n.setLeaf(leaf)
	return m.touch(n)
}

// freeNode kills the header magic first, capturing only that field, so a
// recovery scan sees the node dead even if the free never completes.
func (m *mutation) freeNode(n node) {
	format.Invalidate(n.b)
	m.tx.Capture(n.off, format.MagicSize)
	if _, seen := m.touched[n.off]; seen {
		m.touched[n.off] = false
	}
	if err := m.t.seg.alloc.Free(m.tx, n.off); err != nil {
		corrupt(n.off, err)
	}
}

// allocKV allocates a key/value buffer holding key and a value of vsize
// bytes. The value is copied from val, or zeroed when val is nil.
func (m *mutation) allocKV(key, val []byte, vsize int) (k, v uint64) {
	mem := m.t.seg.mem
	ks, vs := uint64(len(key)), uint64(vsize)
	off, err := m.t.seg.alloc.Alloc(m.tx, kvHeaderSize+align8(ks)+vs, 3)
	if err != nil {
		panic(exhausted{err: err})
	}
	binary.LittleEndian.PutUint32(mem[off:], uint32(ks))
	binary.LittleEndian.PutUint32(mem[off+4:], uint32(vs))
	k = off + kvHeaderSize
	v = kvValueOff(k, ks)
	copy(mem[k:], key)
	clear(mem[k+ks : v])
	if val != nil {
		copy(mem[v:v+vs], val)
	} else {
		clear(mem[v : v+vs])
	}
	m.tx.Capture(off, kvHeaderSize+align8(ks))
	m.tx.Capture(v, vs)
	return k, v
}

func (m *mutation) freeKV(k uint64) {
	if err := m.t.seg.alloc.Free(m.tx, k-kvHeaderSize); err != nil {
		corrupt(k, err)
	}
}

// kvCapacity is the largest value the buffer at k can hold.
func (m *mutation) kvCapacity(k uint64) uint64 {
	usable, err := m.t.seg.alloc.UsableSize(k - kvHeaderSize)
	if err != nil {
		corrupt(k, err)
	}
	ks := uint64(len(m.t.keyAt(k)))
	return usable - kvHeaderSize - align8(ks)
}

// rewriteValue resizes the value at v in place. Without val the old bytes
// are kept and any growth is zeroed.
func (m *mutation) rewriteValue(k, v uint64, val []byte, vsize int) {
	mem := m.t.seg.mem
	hdr := mem[k-kvHeaderSize:]
	old := uint64(binary.LittleEndian.Uint32(hdr[4:]))
	vs := uint64(vsize)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(vs))
	if val != nil {
		copy(mem[v:v+vs], val)
	} else if vs > old {
		clear(mem[v+old : v+vs])
	}
	m.tx.Capture(k-kvHeaderSize, kvHeaderSize)
	m.tx.Capture(v, vs)
}

// edge descends to the leftmost or rightmost leaf below n.
func (m *mutation) edge(n node, right bool) node {
	for depth := 0; !n.isLeaf(); depth++ {
		if depth > MaxHeight {
			corrupt(n.off, errTooDeep)
		}
		i := 0
		if right {
			i = n.count()
		}
		n = m.load(n.child(i))
	}
	return n
}

// insert places key into the tree and returns the offset of its value. The
// key must not be present. Full nodes are split on the way down, so the leaf
// that receives the key always has room.
func (m *mutation) insert(key, val []byte, vsize int) uint64 {
	t := m.t
	root := m.load(t.root())
	if root.isFull() {
		// Grow: the old root becomes the only child of a new root
		nr := m.allocNode(root.level()+1, false)
		nr.setChild(0, root.off)
		m.splitChild(nr, 0)
		m.setRoot(nr.off)
		root = nr
	}
	return m.insertNonFull(root, key, val, vsize)
}

func (m *mutation) insertNonFull(n node, key, val []byte, vsize int) uint64 {
	t := m.t
	for depth := 0; ; depth++ {
		if depth > MaxHeight {
			corrupt(n.off, errTooDeep)
		}
		i, _ := t.findKey(n, key)
		if n.isLeaf() {
			m.touch(n)
			k, v := m.allocKV(key, val, vsize)
			c := n.count()
			n.openSlot(i, c)
			n.setSlot(i, k, v)
			n.setCount(c + 1)
			return v
		}

		child := m.load(n.child(i))
		if child.isFull() {
			m.splitChild(n, i)
			// The promoted middle key now sits at i
			if t.ops.Compare(key, t.key(n, i)) > 0 {
				i++
			}
			child = m.load(n.child(i))
		}
		n = child
	}
}

// splitChild splits the full child at index i of p. The upper order-1 slots
// (and order children) move to a new sibling, the middle slot moves up into
// p at i.
func (m *mutation) splitChild(p node, i int) {
	o := m.t.order
	y := m.touch(m.load(p.child(i)))
	m.touch(p)

	z := m.allocNode(y.level(), y.isLeaf())
	for j := 0; j < o-1; j++ {
		z.moveSlot(j, y, j+o)
	}
	if !y.isLeaf() {
		for j := 0; j < o; j++ {
			z.setChild(j, y.child(j+o))
		}
	}
	z.setCount(o - 1)

	pc := p.count()
	p.openSlot(i, pc)
	p.openChild(i+1, pc+1)
	p.moveSlot(i, y, o-1)
	p.setChild(i+1, z.off)
	p.setCount(pc + 1)

	y.setCount(o - 1)
	y.clearFrom(o - 1)
}

// delete removes key and reports whether it was present. Nodes on the path
// are topped up before the descent enters them, so the leaf finally reached
// can lose a key without underflowing.
func (m *mutation) delete(key []byte) bool {
	t := m.t
	n := m.load(t.root())
	for depth := 0; ; depth++ {
		if depth > 2*MaxHeight {
			corrupt(n.off, errTooDeep)
		}
		i, found := t.findKey(n, key)
		switch {
		case n.isLeaf():
			if !found {
				return false
			}
			m.deleteFromLeaf(n, i)
			return true
		case found:
			n = m.deleteFromNonLeaf(n, i)
		default:
			child := m.load(n.child(i))
			if child.isMinimal() {
				child = m.fixUnderflow(n, i, child)
			}
			n = child
		}
	}
}

func (m *mutation) deleteFromLeaf(n node, i int) {
	m.touch(n)
	k, _ := n.slot(i)
	m.freeKV(k)
	c := n.count()
	n.closeSlot(i, c)
	n.setCount(c - 1)
}

// deleteFromNonLeaf moves the key at slot i of internal node n down to a
// leaf and returns the node the deletion continues from. The key swaps slots
// with its predecessor or successor, whichever side has a spare key; with no
// spare on either side the two children merge around it.
func (m *mutation) deleteFromNonLeaf(n node, i int) node {
	left := m.load(n.child(i))
	if !left.isMinimal() {
		leaf := m.touch(m.edge(left, true))
		m.touch(n)
		n.swapSlot(i, leaf, leaf.count()-1)
		return left
	}

	right := m.load(n.child(i + 1))
	if !right.isMinimal() {
		leaf := m.touch(m.edge(right, false))
		m.touch(n)
		n.swapSlot(i, leaf, 0)
		return right
	}

	return m.mergeNodes(n, i)
}

// fixUnderflow gives the minimal child at index i of p a spare key, trying
// the right sibling, then the left sibling, then a merge. It returns the node
// now covering the child's key range.
func (m *mutation) fixUnderflow(p node, i int, child node) node {
	if i < p.count() {
		right := m.load(p.child(i + 1))
		if !right.isMinimal() {
			m.borrowFromRight(p, i, child, right)
			return child
		}
	}
	if i > 0 {
		left := m.load(p.child(i - 1))
		if !left.isMinimal() {
			m.borrowFromLeft(p, i, left, child)
			return child
		}
	}
	if i < p.count() {
		return m.mergeNodes(p, i)
	}
	return m.mergeNodes(p, i-1)
}

// borrowFromRight rotates left: the separator at i moves down to the end of
// child, the right sibling's first key moves up to replace it.
func (m *mutation) borrowFromRight(p node, i int, child, right node) {
	m.touch(p)
	m.touch(child)
	m.touch(right)

	cc, rc := child.count(), right.count()
	child.moveSlot(cc, p, i)
	if !child.isLeaf() {
		child.setChild(cc+1, right.child(0))
	}
	child.setCount(cc + 1)

	p.moveSlot(i, right, 0)

	right.closeSlot(0, rc)
	if !right.isLeaf() {
		right.closeChild(0, rc+1)
	}
	right.setCount(rc - 1)
}

// borrowFromLeft rotates right: the separator at i-1 moves down to the front
// of child, the left sibling's last key moves up to replace it.
func (m *mutation) borrowFromLeft(p node, i int, left, child node) {
	m.touch(p)
	m.touch(child)
	m.touch(left)

	cc, lc := child.count(), left.count()
	child.openSlot(0, cc)
	if !child.isLeaf() {
		child.openChild(0, cc+1)
		child.setChild(0, left.child(lc))
		left.setChild(lc, 0)
	}
	child.moveSlot(0, p, i-1)
	child.setCount(cc + 1)

	p.moveSlot(i-1, left, lc-1)

	left.setSlot(lc-1, 0, 0)
	left.setCount(lc - 1)
}

// mergeNodes folds the separator at i and the child at i+1 into the child at
// i, frees the right child and returns the merged node. An emptied root is
// replaced by the merged node, shrinking the tree by one level.
func (m *mutation) mergeNodes(p node, i int) node {
	left := m.touch(m.load(p.child(i)))
	right := m.load(p.child(i + 1))
	m.touch(p)

	lc, rc := left.count(), right.count()
	left.moveSlot(lc, p, i)
	for j := 0; j < rc; j++ {
		left.moveSlot(lc+1+j, right, j)
	}
	if !left.isLeaf() {
		for j := 0; j <= rc; j++ {
			left.setChild(lc+1+j, right.child(j))
		}
	}
	left.setCount(lc + 1 + rc)

	pc := p.count()
	p.closeSlot(i, pc)
	p.closeChild(i+1, pc+1)
	p.setCount(pc - 1)

	m.freeNode(right)

	if pc == 1 && p.off == m.t.root() {
		m.setRoot(left.off)
		m.freeNode(p)
	}
	return left
}

// truncate removes up to limit records without keeping the tree balanced.
// Records are drained from the rightmost leaf; an emptied leaf is freed and
// its parent gives up its last record, becoming a leaf itself when it loses
// its last child. An emptied leaf whose parent record would exceed limit is
// left for the next call. The walk restarts from the root after every
// structural change. It returns the number of records removed.
func (m *mutation) truncate(limit uint64) uint64 {
	t := m.t
	var removed uint64

	n := m.load(t.root())
	for limit > 0 {
		var parent node
		if !n.isLeaf() {
			parent = n
			n = m.load(n.child(n.count()))
		}
		if !n.isLeaf() {
			continue
		}

		m.touch(n)
		for n.count() > 0 && limit > 0 {
			limit--
			c := n.count() - 1
			k, _ := n.slot(c)
			m.freeKV(k)
			n.setSlot(c, 0, 0)
			n.setCount(c)
			removed++
		}
		if n.count() > 0 {
			continue
		}
		// Keep the empty root alive
		if n.off == t.root() {
			break
		}
		if limit == 0 && parent.b != nil && parent.count() > 0 {
			break
		}
		m.freeNode(n)

		if parent.b != nil {
			m.touch(parent)
			i := parent.count()
			parent.setChild(i, 0)
			if i > 0 {
				k, _ := parent.slot(i - 1)
				m.freeKV(k)
				parent.setSlot(i-1, 0, 0)
				parent.setCount(i - 1)
				removed++
				limit--
			} else {
				parent.setLeaf(true)
				parent.setLevel(0)
			}
			if parent.off == t.root() && parent.count() == 0 && !parent.isLeaf() {
				// Root lost its last record but keeps one child
				m.setRoot(parent.child(0))
				m.freeNode(parent)
			}
		}
		n = m.load(t.root())
	}
	return removed
}

// destroy frees every node and key/value buffer. Nodes are visited breadth
// first, using their next links as the work queue; children are queued before
// their parent is freed.
func (m *mutation) destroy() {
	t := m.t
	head := m.load(t.root())
	head.setNext(0)
	tail := head

	for n := head; ; {
		if !n.isLeaf() {
			for i := 0; i <= n.count(); i++ {
				child := m.load(n.child(i))
				child.setNext(0)
				tail.setNext(child.off)
				tail = child
			}
		}
		for i := 0; i < n.count(); i++ {
			k, _ := n.slot(i)
			m.freeKV(k)
		}
		next := n.next()
		m.freeNode(n)
		if next == 0 {
			break
		}
		n = t.view(next)
	}

	rec := t.record()
	binary.LittleEndian.PutUint32(rec[recBacklinkOff+16:], uint32(TreeTypeInvalid))
	m.setRoot(0)
}
