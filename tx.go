package betree

import (
	"fmt"

	"github.com/tidwall/btree"
)

// TxState is the lifecycle of a transaction.
type TxState int

const (
	TxPrepare TxState = iota
	TxOpen
	TxDone
)

func (s TxState) String() string {
	switch s {
	case TxPrepare:
		return "prepare"
	case TxOpen:
		return "open"
	case TxDone:
		return "done"
	default:
		return fmt.Sprintf("tx-state(%d)", int(s))
	}
}

// Tx collects the byte ranges a group of tree operations modified so they can
// be made durable together.
//
// A transaction is prepared with the credits of every operation it will run,
// then opened, used, and committed. Credits are upper bounds: capturing more
// regions or bytes than prepared, or running an operation whose balance was
// not declared, makes the transaction fail at Commit.
//
// CONCURRENCY: Transactions are NOT thread-safe and must only be used by a single
// goroutine at a time.
type Tx struct {
	seg      *Segment
	state    TxState
	prepared Credit
	used     Credit
	balance  [creditKinds]uint64
	regions  btree.Map[uint64, uint64] // start offset -> size
	err      error                     // sticky
}

// BeginTx starts a transaction in the prepare state.
func (s *Segment) BeginTx() *Tx {
	return &Tx{seg: s}
}

// Prep adds c to the transaction's credit. Only legal before Open.
func (tx *Tx) Prep(c Credit) {
	if tx.state != TxPrepare {
		tx.fail(fmt.Errorf("%w: prep in state %s", ErrTxState, tx.state))
		return
	}
	tx.prepared = tx.prepared.Add(c)
}

// Open moves the transaction to the open state. It fails if the prepared
// credit exceeds the segment's maximum transaction size.
func (tx *Tx) Open() error {
	if tx.state != TxPrepare {
		return fmt.Errorf("%w: open in state %s", ErrTxState, tx.state)
	}
	if tx.seg.isClosed() {
		return ErrSegmentClosed
	}
	if limit := tx.seg.opts.maxTxCredit; !tx.prepared.LE(limit) {
		return fmt.Errorf("%w: %s > %s", ErrTxTooLarge, tx.prepared, limit)
	}
	tx.balance = tx.prepared.Balance
	tx.state = TxOpen
	return nil
}

func (tx *Tx) State() TxState {
	return tx.state
}

// Prepared returns the credit the transaction was prepared with.
func (tx *Tx) Prepared() Credit {
	return tx.prepared
}

// Used returns the distinct regions captured so far.
func (tx *Tx) Used() Credit {
	return tx.used
}

// Err returns the sticky error, if any.
func (tx *Tx) Err() error {
	return tx.err
}

// Capture records that [off, off+n) changed. Captures of the same start
// offset are merged, keeping the larger size.
func (tx *Tx) Capture(off, n uint64) {
	if n == 0 {
		return
	}
	if tx.state != TxOpen {
		tx.fail(fmt.Errorf("%w: capture in state %s", ErrTxState, tx.state))
		return
	}
	if old, ok := tx.regions.Get(off); ok {
		if n <= old {
			return
		}
		tx.used.RegSize += n - old
	} else {
		tx.used.RegNr++
		tx.used.RegSize += n
	}
	tx.regions.Set(off, n)

	if !tx.used.LE(tx.prepared) && tx.err == nil {
		tx.seg.log.Error("transaction credit exceeded",
			"used", tx.used.String(), "prepared", tx.prepared.String())
		tx.fail(fmt.Errorf("%w: used %s, prepared %s", ErrCreditExceeded, tx.used, tx.prepared))
	}
}

// consume takes n operations of kind from the prepared balance.
func (tx *Tx) consume(kind CreditKind, n uint64) error {
	if tx.balance[kind] < n {
		tx.seg.log.Error("transaction balance underflow",
			"kind", kind.String(), "want", n, "have", tx.balance[kind])
		err := fmt.Errorf("%w: no %s balance left", ErrCreditExceeded, kind)
		tx.fail(err)
		return err
	}
	tx.balance[kind] -= n
	return nil
}

func (tx *Tx) writable() error {
	if tx == nil || tx.state != TxOpen {
		return ErrTxState
	}
	return nil
}

func (tx *Tx) fail(err error) {
	if tx.err == nil {
		tx.err = err
	}
}

// Commit flushes every captured region to the segment backing, coalescing
// regions that share pages, and closes the transaction.
func (tx *Tx) Commit() error {
	if tx.state != TxOpen {
		return fmt.Errorf("%w: commit in state %s", ErrTxState, tx.state)
	}
	tx.state = TxDone

	var (
		start, end uint64
		pending    bool
		flushErr   error
	)
	flush := func() {
		if pending && flushErr == nil {
			flushErr = tx.seg.back.Flush(start, end-start)
		}
	}
	tx.regions.Scan(func(off, n uint64) bool {
		if pending && off <= end {
			end = max(end, off+n)
			return true
		}
		flush()
		start, end, pending = off, off+n, true
		return flushErr == nil
	})
	flush()
	tx.regions = btree.Map[uint64, uint64]{}

	if tx.err != nil {
		return tx.err
	}
	return flushErr
}

// Abort closes the transaction without flushing. Segment memory already
// modified is not rolled back; the log that would undo it lives above this
// layer.
func (tx *Tx) Abort() {
	tx.state = TxDone
	tx.regions = btree.Map[uint64, uint64]{}
}
