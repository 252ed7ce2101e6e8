package betree

import (
	"fmt"

	"github.com/alexhholmes/betree/internal/format"
	"github.com/alexhholmes/betree/internal/freelist"
)

// CreditKind names a per-operation balance carried by a credit.
type CreditKind int

const (
	CreditInsert CreditKind = iota
	CreditDelete
	CreditUpdate
	creditKinds
)

func (k CreditKind) String() string {
	switch k {
	case CreditInsert:
		return "insert"
	case CreditDelete:
		return "delete"
	case CreditUpdate:
		return "update"
	default:
		return fmt.Sprintf("credit-kind(%d)", int(k))
	}
}

// Credit is an upper bound on what a transaction captures: RegNr regions
// totalling RegSize bytes. Balance counts the tree operations the credit was
// computed for; operations consume it.
type Credit struct {
	RegNr   uint64
	RegSize uint64
	Balance [creditKinds]uint64
}

func NewCredit(nr, size uint64) Credit {
	return Credit{RegNr: nr, RegSize: size}
}

func (c Credit) Add(o Credit) Credit {
	c.RegNr += o.RegNr
	c.RegSize += o.RegSize
	for i := range c.Balance {
		c.Balance[i] += o.Balance[i]
	}
	return c
}

// Sub saturates at zero.
func (c Credit) Sub(o Credit) Credit {
	c.RegNr = subSat(c.RegNr, o.RegNr)
	c.RegSize = subSat(c.RegSize, o.RegSize)
	for i := range c.Balance {
		c.Balance[i] = subSat(c.Balance[i], o.Balance[i])
	}
	return c
}

func (c Credit) Mul(k uint64) Credit {
	c.RegNr *= k
	c.RegSize *= k
	for i := range c.Balance {
		c.Balance[i] *= k
	}
	return c
}

// Mac returns c + o*k.
func (c Credit) Mac(o Credit, k uint64) Credit {
	return c.Add(o.Mul(k))
}

func (c Credit) Max(o Credit) Credit {
	c.RegNr = max(c.RegNr, o.RegNr)
	c.RegSize = max(c.RegSize, o.RegSize)
	for i := range c.Balance {
		c.Balance[i] = max(c.Balance[i], o.Balance[i])
	}
	return c
}

// LE reports whether c fits inside o region-wise. Balances are not compared.
func (c Credit) LE(o Credit) bool {
	return c.RegNr <= o.RegNr && c.RegSize <= o.RegSize
}

func (c Credit) WithBalance(kind CreditKind, n uint64) Credit {
	c.Balance[kind] += n
	return c
}

func (c Credit) String() string {
	return fmt.Sprintf("(%d,%d)[i%d d%d u%d]", c.RegNr, c.RegSize,
		c.Balance[CreditInsert], c.Balance[CreditDelete], c.Balance[CreditUpdate])
}

func subSat(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// HeightMode selects the tree height used by height-scaled credits.
type HeightMode int

const (
	// HeightCurrent uses the tree's height when the credit is computed. It is
	// cheaper but concurrent growth before the transaction opens can
	// invalidate it.
	HeightCurrent HeightMode = iota
	// HeightMax uses MaxHeight. Always safe, usually pessimistic.
	HeightMax
)

// MaxHeight bounds tree height and the cursor stack depth.
const MaxHeight = 50

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}

func allocCredit() Credit {
	return NewCredit(freelist.AllocCaptureNr, freelist.AllocCaptureSize)
}

func freeCredit() Credit {
	return NewCredit(freelist.FreeCaptureNr, freelist.FreeCaptureSize)
}

// Credit calculators. They mirror what the algorithms capture: nodes are
// captured whole and at most once per operation, the allocator captures its
// own metadata.

func nodeAllocCredit(ns uint64) Credit {
	return allocCredit().Add(NewCredit(1, ns))
}

// nodeUpdateCredit covers nr node rewrites. Each counts twice because
// rebalancing touches a node and a sibling for every step down.
func nodeUpdateCredit(ns, nr uint64) Credit {
	return NewCredit(2*nr, 2*ns*nr)
}

func nodeFreeCredit(ns uint64) Credit {
	return freeCredit().Add(NewCredit(1, format.MagicSize)).Add(nodeUpdateCredit(ns, 1))
}

func kvInsertCredit(ksize, vsize uint64) Credit {
	return allocCredit().Add(NewCredit(2, kvHeaderSize+align8(ksize)+vsize))
}

func kvDeleteCredit() Credit {
	return freeCredit().Add(NewCredit(2, slotSize+format.FooterSize))
}

func kvUpdateCredit(ksize, vsize uint64) Credit {
	return NewCredit(2, kvHeaderSize+align8(ksize)+vsize)
}

func splitCredit(ns uint64) Credit {
	return nodeAllocCredit(ns).Add(nodeUpdateCredit(ns, 3))
}

func recordCredit() Credit {
	return NewCredit(1, treeRecordSize)
}

// rebalanceCredit covers a rotation or merge at each of 2h+1 steps.
func rebalanceCredit(ns, h uint64) Credit {
	return nodeAllocCredit(ns).Add(nodeUpdateCredit(ns, 1)).Mul(2*h + 1)
}

func (t *Tree) height(mode HeightMode) uint64 {
	if mode == HeightMax {
		return MaxHeight
	}
	return uint64(t.Height())
}

// InsertCredit covers nr insertions of keys and values of at most the given
// sizes.
func (t *Tree) InsertCredit(nr uint64, ksize, vsize int, mode HeightMode) Credit {
	ns := t.nsize
	h := t.height(mode)
	c := splitCredit(ns).Mul(h).
		Add(nodeUpdateCredit(ns, 1)).
		Add(nodeAllocCredit(ns)).
		Add(splitCredit(ns)).
		Add(recordCredit()).
		Add(kvInsertCredit(uint64(ksize), uint64(vsize)))
	return c.Mul(nr).WithBalance(CreditInsert, nr)
}

// DeleteCredit covers nr deletions of keys and values of at most the given
// sizes.
func (t *Tree) DeleteCredit(nr uint64, ksize, vsize int) Credit {
	ns := t.nsize
	c := kvDeleteCredit().
		Add(nodeUpdateCredit(ns, 1)).
		Add(nodeFreeCredit(ns)).
		Add(rebalanceCredit(ns, uint64(t.Height()))).
		Add(recordCredit())
	return c.Mul(nr).WithBalance(CreditDelete, nr)
}

// UpdateCredit covers nr value rewrites that fit in the existing buffers.
func (t *Tree) UpdateCredit(nr uint64, ksize, vsize int) Credit {
	return kvUpdateCredit(uint64(ksize), uint64(vsize)).Mul(nr).WithBalance(CreditUpdate, nr)
}

// ReplaceCredit covers nr value rewrites that may outgrow their buffers and
// turn into a deletion followed by an insertion.
func (t *Tree) ReplaceCredit(nr uint64, ksize, vsize int, mode HeightMode) Credit {
	return t.DeleteCredit(nr, ksize, vsize).Add(t.InsertCredit(nr, ksize, vsize, mode))
}

// SaveCredit covers nr saves in any SaveMode.
func (t *Tree) SaveCredit(nr uint64, ksize, vsize int, mode HeightMode) Credit {
	return t.ReplaceCredit(nr, ksize, vsize, mode).Add(t.UpdateCredit(nr, ksize, vsize))
}

// CreateCredit covers nr tree creations of the given order.
func CreateCredit(order int, nr uint64) Credit {
	ns := nodeSize(order)
	c := nodeAllocCredit(ns).
		Add(allocCredit()).
		Add(recordCredit())
	return c.Mul(nr)
}

// DestroyCredit covers destroying the whole tree in one transaction. It
// walks the tree to count nodes and records.
func (t *Tree) DestroyCredit() (Credit, error) {
	fixed, per, records, err := t.ClearCredit()
	if err != nil {
		return Credit{}, err
	}
	return fixed.Mac(per, records), nil
}

// ClearCredit splits the destruction cost into a fixed part for nodes and
// the tree record, and a per-record part. records is the number of key/value
// pairs in the tree, so a caller can size Truncate limits.
func (t *Tree) ClearCredit() (fixed, perRecord Credit, records uint64, err error) {
	st, err := t.Count()
	if err != nil {
		return Credit{}, Credit{}, 0, err
	}
	ns := t.nsize
	fixed = nodeFreeCredit(ns).Mul(st.Nodes).
		Add(recordCredit()).
		Add(freeCredit())
	perRecord = kvDeleteCredit()
	return fixed, perRecord, st.Items, nil
}

// TruncateCredit covers one Truncate call removing at most limit records.
func (t *Tree) TruncateCredit(limit uint64) Credit {
	ns := t.nsize
	// every removed record may empty a leaf and its parent
	return kvDeleteCredit().Add(nodeFreeCredit(ns).Mul(2)).Mul(limit).
		Add(nodeUpdateCredit(ns, 2)).
		Add(recordCredit())
}
