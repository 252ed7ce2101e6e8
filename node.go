package betree

import (
	"encoding/binary"

	"github.com/alexhholmes/betree/internal/format"
)

// NodeVersion is the on-segment version of the node layout.
const NodeVersion uint16 = 1

// Node layout. Offsets are relative to the node start and fixed for a given
// order.
//
// ┌──────────┬───────────┬──────────┬───────────┬───────────┬────────┬─────────┐
// │ Header   │ Backlink  │ Next (8) │ Count (8) │ Level (8) │ Leaf 1 │ Pad (7) │
// │ (16)     │ (40)      │          │           │           │        │         │
// ├──────────┴───────────┴──────────┴───────────┴───────────┴────────┴─────────┤
// │ Slots[2·order−1]: {key offset (8), value offset (8)}                        │
// ├─────────────────────────────────────────────────────────────────────────────┤
// │ Children[2·order]: node offset (8)                                          │
// ├─────────────────────────────────────────────────────────────────────────────┤
// │ Footer (16)                                                                 │
// └─────────────────────────────────────────────────────────────────────────────┘
const (
	nodeBacklinkOff = format.HeaderSize
	nodeNextOff     = nodeBacklinkOff + backlinkSize
	nodeCountOff    = nodeNextOff + 8
	nodeLevelOff    = nodeCountOff + 8
	nodeLeafOff     = nodeLevelOff + 8
	nodeSlotsOff    = nodeLeafOff + 8 // leaf flag plus 7 bytes of padding

	slotSize  = 16
	childSize = 8
)

// nodeSize is the size of a node of the given order.
func nodeSize(order int) uint64 {
	return nodeSlotsOff +
		uint64(2*order-1)*slotSize +
		uint64(2*order)*childSize +
		format.FooterSize
}

// node is a view of a node inside segment memory. Writes go straight to the
// segment; the caller is responsible for sealing the node afterwards.
type node struct {
	off   uint64
	b     []byte
	order int
}

func (n node) u64(at uint64) uint64 {
	return binary.LittleEndian.Uint64(n.b[at:])
}

func (n node) put(at, v uint64) {
	binary.LittleEndian.PutUint64(n.b[at:], v)
}

func (n node) backlink() []byte {
	return n.b[nodeBacklinkOff : nodeBacklinkOff+backlinkSize]
}

func (n node) next() uint64 {
	return n.u64(nodeNextOff)
}

func (n node) setNext(off uint64) {
	n.put(nodeNextOff, off)
}

func (n node) count() int {
	return int(n.u64(nodeCountOff))
}

func (n node) setCount(c int) {
	n.put(nodeCountOff, uint64(c))
}

func (n node) level() int {
	return int(n.u64(nodeLevelOff))
}

func (n node) setLevel(l int) {
	n.put(nodeLevelOff, uint64(l))
}

func (n node) isLeaf() bool {
	return n.b[nodeLeafOff] != 0
}

func (n node) setLeaf(leaf bool) {
	if leaf {
		n.b[nodeLeafOff] = 1
	} else {
		n.b[nodeLeafOff] = 0
	}
}

func (n node) maxKeys() int {
	return 2*n.order - 1
}

func (n node) minKeys() int {
	return n.order - 1
}

// isFull checks if a node is full
func (n node) isFull() bool {
	return n.count() >= n.maxKeys()
}

// isMinimal reports whether removing a key would underflow the node.
func (n node) isMinimal() bool {
	return n.count() <= n.minKeys()
}

func slotOff(i int) uint64 {
	return nodeSlotsOff + uint64(i)*slotSize
}

func (n node) childOff(i int) uint64 {
	return nodeSlotsOff + uint64(n.maxKeys())*slotSize + uint64(i)*childSize
}

// slot returns the key and value buffer offsets of slot i.
func (n node) slot(i int) (key, val uint64) {
	at := slotOff(i)
	return n.u64(at), n.u64(at + 8)
}

func (n node) setSlot(i int, key, val uint64) {
	at := slotOff(i)
	n.put(at, key)
	n.put(at+8, val)
}

// moveSlot copies slot si of src into slot i of n.
func (n node) moveSlot(i int, src node, si int) {
	copy(n.b[slotOff(i):slotOff(i+1)], src.b[slotOff(si):slotOff(si+1)])
}

// swapSlot exchanges slot i of n with slot si of other.
func (n node) swapSlot(i int, other node, si int) {
	k0, v0 := n.slot(i)
	k1, v1 := other.slot(si)
	n.setSlot(i, k1, v1)
	other.setSlot(si, k0, v0)
}

func (n node) child(i int) uint64 {
	return n.u64(n.childOff(i))
}

func (n node) setChild(i int, off uint64) {
	n.put(n.childOff(i), off)
}

// openSlot shifts slots [i, used) one to the right.
func (n node) openSlot(i, used int) {
	copy(n.b[slotOff(i+1):slotOff(used+1)], n.b[slotOff(i):slotOff(used)])
}

// closeSlot removes slot i of used slots, shifting the rest left and zeroing
// the vacated last slot.
func (n node) closeSlot(i, used int) {
	copy(n.b[slotOff(i):slotOff(used-1)], n.b[slotOff(i+1):slotOff(used)])
	clear(n.b[slotOff(used-1):slotOff(used)])
}

// openChild shifts children [i, used) one to the right.
func (n node) openChild(i, used int) {
	copy(n.b[n.childOff(i+1):n.childOff(used+1)], n.b[n.childOff(i):n.childOff(used)])
}

// closeChild removes child i of used children.
func (n node) closeChild(i, used int) {
	copy(n.b[n.childOff(i):n.childOff(used-1)], n.b[n.childOff(i+1):n.childOff(used)])
	clear(n.b[n.childOff(used-1):n.childOff(used)])
}

// clearFrom zeroes slots [keys, max) and, for internal nodes, children
// [keys+1, max+1).
func (n node) clearFrom(keys int) {
	clear(n.b[slotOff(keys):slotOff(n.maxKeys())])
	if !n.isLeaf() {
		clear(n.b[n.childOff(keys+1):n.childOff(n.maxKeys()+1)])
	}
}

// Key/value buffer layout. The slot's key offset points at the key, the
// value offset at the first 8-aligned byte after it.
//
// ┌────────────┬────────────┬─────────────────────┬────────────────┐
// │ KSize (4)  │ VSize (4)  │ Key (pad to 8)      │ Value          │
// └────────────┴────────────┴─────────────────────┴────────────────┘
const kvHeaderSize = 8

func kvValueOff(key, ksize uint64) uint64 {
	return key + align8(ksize)
}
