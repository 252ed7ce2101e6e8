package betree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/alexhholmes/betree/internal/format"
	"github.com/alexhholmes/betree/internal/freelist"
)

// TreeVersion is the on-segment version of the tree record.
const TreeVersion uint16 = 1

// Tree record layout.
//
// ┌────────────┬──────────┬──────────┬──────────┬───────────────┬───────────┬──────────┬─────────────┐
// │ Header(16) │ Root (8) │ Ops (8)  │ Seg (8)  │ Backlink (40) │ Order (8) │ Lock (8) │ Footer (16) │
// └────────────┴──────────┴──────────┴──────────┴───────────────┴───────────┴──────────┴─────────────┘
// Ops, Seg and Lock are in-memory bindings in the handle and stay zero on
// the segment.
const (
	recRootOff     = format.HeaderSize
	recOpsOff      = recRootOff + 8
	recSegOff      = recOpsOff + 8
	recBacklinkOff = recSegOff + 8
	recOrderOff    = recBacklinkOff + backlinkSize
	recLockOff     = recOrderOff + 8
	treeRecordSize = recLockOff + 8 + format.FooterSize
)

type treeState int

const (
	treeLive treeState = iota
	treeTruncating
	treeDestroyed
)

// Tree is a handle to a persistent B-tree living in a segment.
//
// CONCURRENCY: A tree is safe for concurrent use. Readers share a read lock,
// mutations take the write lock for the whole operation. There is one handle,
// and so one lock, per tree record in a segment.
type Tree struct {
	mu    sync.RWMutex
	seg   *Segment
	off   uint64 // tree record
	ops   KVOps
	opts  TreeOptions
	log   Logger
	order int
	nsize uint64
	link  [backlinkSize]byte
	state treeState
	stats opStats
}

// CreateTree allocates a tree record and an empty root leaf in tx's segment.
// tx must be open and prepared with CreateCredit.
func CreateTree(tx *Tx, ops KVOps, fid Fid, opts ...TreeOption) (*Tree, error) {
	if err := tx.writable(); err != nil {
		return nil, err
	}
	o := DefaultTreeOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.order < MinOrder {
		return nil, fmt.Errorf("%w: %d", ErrOrder, o.order)
	}
	// The record and the root leaf must both fit in an empty arena
	nodeChunk, ok := freelist.ChunkSize(nodeSize(o.order))
	recChunk, _ := freelist.ChunkSize(treeRecordSize)
	if !ok || nodeChunk+recChunk > tx.seg.Size()-segArenaOff {
		return nil, fmt.Errorf("%w: %d: node does not fit in segment", ErrOrder, o.order)
	}
	if !fid.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFid, fid)
	}
	if ops == nil || ops.Type() == TreeTypeInvalid {
		return nil, ErrTreeType
	}

	seg := tx.seg
	off, err := seg.alloc.Alloc(tx, treeRecordSize, 3)
	if err != nil {
		return nil, err
	}
	rec := seg.mem[off : off+treeRecordSize]
	clear(rec)
	format.PackHeader(rec, format.Tag{
		Version:      TreeVersion,
		Type:         format.TypeTree,
		FooterOffset: treeRecordSize - format.FooterSize,
	})
	Backlink{Cookie: off, Gen: seg.gen, Type: ops.Type(), Fid: fid}.pack(rec[recBacklinkOff:])
	binary.LittleEndian.PutUint64(rec[recOrderOff:], uint64(o.order))
	format.UpdateFooter(rec)
	tx.Capture(off, treeRecordSize)

	t := newTree(seg, off, ops, o)
	err = t.run(OpCreate, tx, true, func() error {
		m := t.mutate(tx)
		defer m.seal()

		root := m.allocNode(0, true)
		m.setRoot(root.off)
		return nil
	})
	if err != nil {
		_ = seg.alloc.Free(tx, off)
		return nil, err
	}

	seg.register(t)
	t.log.Info("tree created", "offset", off, "fid", fid.String(), "type", ops.Type().String(), "order", o.order)
	return t, nil
}

// OpenTree binds a handle to the tree record at off. ops must be of the type
// the tree was created with. Opening a tree that already has a handle returns
// that handle.
func OpenTree(seg *Segment, off uint64, ops KVOps, opts ...TreeOption) (*Tree, error) {
	if seg.isClosed() {
		return nil, ErrSegmentClosed
	}
	if t, ok := seg.lookupTree(off); ok {
		return openedTree(t, ops)
	}
	if !seg.Contains(off, treeRecordSize) {
		return nil, fmt.Errorf("%w: tree record %d: %w", ErrCorruption, off, errOffset)
	}
	rec := seg.mem[off : off+treeRecordSize]
	if err := format.Verify(rec, format.TypeTree, TreeVersion); err != nil {
		return nil, fmt.Errorf("%w: tree record %d: %w", ErrCorruption, off, err)
	}
	link := unpackBacklink(rec[recBacklinkOff:])
	if link.Type != ops.Type() {
		return nil, fmt.Errorf("%w: tree is %s", ErrTreeType, link.Type)
	}
	if link.Gen != seg.gen {
		return nil, fmt.Errorf("%w: tree record %d: %w", ErrCorruption, off, errStaleGen)
	}
	if binary.LittleEndian.Uint64(rec[recRootOff:]) == 0 {
		return nil, ErrTreeNotCreated
	}

	o := DefaultTreeOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.order = int(binary.LittleEndian.Uint64(rec[recOrderOff:]))
	if o.order < MinOrder {
		return nil, fmt.Errorf("%w: tree record %d: %w", ErrCorruption, off, ErrOrder)
	}

	t := newTree(seg, off, ops, o)
	if prev, loaded := seg.register(t); loaded {
		return openedTree(prev, ops)
	}
	return t, nil
}

// openedTree returns an existing handle if ops matches its type.
func openedTree(t *Tree, ops KVOps) (*Tree, error) {
	if t.ops.Type() != ops.Type() {
		return nil, fmt.Errorf("%w: tree is %s", ErrTreeType, t.ops.Type())
	}
	return t, nil
}

func newTree(seg *Segment, off uint64, ops KVOps, o TreeOptions) *Tree {
	t := &Tree{
		seg:   seg,
		off:   off,
		ops:   ops,
		opts:  o,
		log:   orDiscard(o.logger),
		order: o.order,
		nsize: nodeSize(o.order),
	}
	if _, discard := t.log.(DiscardLogger); discard {
		t.log = seg.log
	}
	copy(t.link[:], seg.mem[off+recBacklinkOff:off+recBacklinkOff+backlinkSize])
	return t
}

// Offset returns the segment offset of the tree record.
func (t *Tree) Offset() uint64 {
	return t.off
}

func (t *Tree) Fid() Fid {
	return unpackBacklink(t.link[:]).Fid
}

func (t *Tree) Order() int {
	return t.order
}

func (t *Tree) Type() TreeType {
	return t.ops.Type()
}

// Height returns the number of levels, 1 for a tree that is a single leaf,
// or 0 if the tree is destroyed or its root fails validation.
func (t *Tree) Height() (h int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.state == treeDestroyed {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(corruption); !ok {
				panic(r)
			}
			h = 0
		}
	}()
	return t.load(t.verifyRecord()).level() + 1
}

// Stats returns the counters of completed operations of kind.
func (t *Tree) Stats(kind OpKind) OpStats {
	return t.stats.get(kind)
}

// run executes fn under the operation protocol: the op becomes active, the
// tree lock is taken, fn runs, the result is stored, the lock is released and
// the op is signalled done.
func (t *Tree) run(kind OpKind, tx *Tx, write bool, fn func() error) error {
	return t.runHeld(kind, tx, write, func() (bool, error) {
		return false, fn()
	})
}

// runHeld is run for operations that may keep the lock past return. When fn
// reports hold on success the lock stays taken and ownership passes to the
// caller.
func (t *Tree) runHeld(kind OpKind, tx *Tx, write bool, fn func() (bool, error)) (err error) {
	op := newOp(kind, tx)
	op.active()
	defer func() {
		op.finish(err)
		t.stats.record(op)
		if t.opts.observer != nil {
			t.opts.observer(op)
		}
	}()

	t.lock(write)
	hold := false
	defer func() {
		if !hold {
			t.unlock(write)
		}
	}()
	defer t.recoverFault(&err)

	if err = t.admit(kind, tx, write); err != nil {
		return err
	}
	check := write && t.opts.invariants && t.state == treeLive && kind != OpCreate
	if check {
		t.mustHoldInvariants()
	}

	hold, err = fn()
	if err != nil {
		hold = false
		return err
	}

	if check && t.state == treeLive {
		t.mustHoldInvariants()
	}
	return nil
}

// admit rejects operations the tree's state or tx do not allow.
func (t *Tree) admit(kind OpKind, tx *Tx, write bool) error {
	if write {
		if err := tx.writable(); err != nil {
			return err
		}
	}
	switch t.state {
	case treeDestroyed:
		return ErrTreeNotCreated
	case treeTruncating:
		if kind != OpTruncate && kind != OpDestroy {
			return ErrTruncated
		}
	}
	if kind != OpCreate {
		t.verifyRecord()
	}
	return nil
}

func (t *Tree) lock(write bool) {
	if write {
		t.mu.Lock()
	} else {
		t.mu.RLock()
	}
}

func (t *Tree) unlock(write bool) {
	if write {
		t.mu.Unlock()
	} else {
		t.mu.RUnlock()
	}
}

func (t *Tree) recoverFault(err *error) {
	switch r := recover().(type) {
	case nil:
	case corruption:
		t.log.Error("tree corruption detected", "tree", t.off, "offset", r.off, "error", r.err)
		*err = fmt.Errorf("%w: offset %d: %w", ErrCorruption, r.off, r.err)
	case exhausted:
		t.log.Error("segment allocation failed", "tree", t.off, "error", r.err)
		*err = r.err
	default:
		panic(r)
	}
}

func (t *Tree) record() []byte {
	return t.seg.mem[t.off : t.off+treeRecordSize]
}

// verifyRecord validates the tree record and returns the root offset.
func (t *Tree) verifyRecord() uint64 {
	rec := t.record()
	if err := format.Verify(rec, format.TypeTree, TreeVersion); err != nil {
		corrupt(t.off, err)
	}
	if !bytes.Equal(rec[recBacklinkOff:recBacklinkOff+backlinkSize], t.link[:]) {
		corrupt(t.off, errBacklink)
	}
	if unpackBacklink(t.link[:]).Gen != t.seg.gen {
		corrupt(t.off, errStaleGen)
	}
	root := t.root()
	if root == 0 {
		corrupt(t.off, errOffset)
	}
	return root
}

func (t *Tree) root() uint64 {
	return binary.LittleEndian.Uint64(t.record()[recRootOff:])
}

// load returns a verified view of the node at off.
func (t *Tree) load(off uint64) node {
	if !t.seg.Contains(off, t.nsize) {
		corrupt(off, errOffset)
	}
	b := t.seg.mem[off : off+t.nsize : off+t.nsize]
	if err := format.Verify(b, format.TypeNode, NodeVersion); err != nil {
		corrupt(off, err)
	}
	n := node{off: off, b: b, order: t.order}
	if !bytes.Equal(n.backlink(), t.link[:]) {
		corrupt(off, errBacklink)
	}
	return n
}

// view returns an unverified view of the node at off.
func (t *Tree) view(off uint64) node {
	return node{off: off, b: t.seg.mem[off : off+t.nsize : off+t.nsize], order: t.order}
}

// keyAt returns the key stored in the buffer whose key starts at k. The
// slice aliases segment memory.
func (t *Tree) keyAt(k uint64) []byte {
	if k < kvHeaderSize || !t.seg.Contains(k-kvHeaderSize, kvHeaderSize) {
		corrupt(k, errOffset)
	}
	ks := uint64(binary.LittleEndian.Uint32(t.seg.mem[k-kvHeaderSize:]))
	if !t.seg.Contains(k, ks) {
		corrupt(k, errKVBuffer)
	}
	return t.seg.mem[k : k+ks : k+ks]
}

// valueAt returns the value of the buffer at k whose slot names v.
func (t *Tree) valueAt(k, v uint64) []byte {
	hdr := t.seg.mem[k-kvHeaderSize:]
	ks := uint64(binary.LittleEndian.Uint32(hdr))
	vs := uint64(binary.LittleEndian.Uint32(hdr[4:]))
	if v != kvValueOff(k, ks) || !t.seg.Contains(v, vs) {
		corrupt(v, errKVBuffer)
	}
	return t.seg.mem[v : v+vs : v+vs]
}

func (t *Tree) key(n node, i int) []byte {
	k, _ := n.slot(i)
	return t.keyAt(k)
}

func (t *Tree) kv(n node, i int) (key, val []byte) {
	k, v := n.slot(i)
	key = t.keyAt(k)
	return key, t.valueAt(k, v)
}

// findKey returns the first slot whose key is >= key, and whether it is equal.
func (t *Tree) findKey(n node, key []byte) (int, bool) {
	lo, hi := 0, n.count()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if t.ops.Compare(t.key(n, mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < n.count() && t.ops.Compare(t.key(n, lo), key) == 0
}

// search descends from the root to the slot holding key.
func (t *Tree) search(key []byte) (node, int, bool) {
	n := t.load(t.root())
	for depth := 0; ; depth++ {
		if depth > MaxHeight {
			corrupt(n.off, errTooDeep)
		}
		i, found := t.findKey(n, key)
		if found {
			return n, i, true
		}
		if n.isLeaf() {
			return n, i, false
		}
		n = t.load(n.child(i))
	}
}
