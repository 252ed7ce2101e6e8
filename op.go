package betree

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// OpKind tags the public entry point an operation came from.
type OpKind int

const (
	OpCreate OpKind = iota
	OpDestroy
	OpTruncate
	OpInsert
	OpUpdate
	OpDelete
	OpLookup
	OpCursorGet
	OpCursorNext
	OpCursorPrev
	OpMinKey
	OpMaxKey
	opKinds
)

var opKindNames = [opKinds]string{
	OpCreate:     "create",
	OpDestroy:    "destroy",
	OpTruncate:   "truncate",
	OpInsert:     "insert",
	OpUpdate:     "update",
	OpDelete:     "delete",
	OpLookup:     "lookup",
	OpCursorGet:  "cursor-get",
	OpCursorNext: "cursor-next",
	OpCursorPrev: "cursor-prev",
	OpMinKey:     "min-key",
	OpMaxKey:     "max-key",
}

func (k OpKind) String() string {
	if k >= 0 && k < opKinds {
		return opKindNames[k]
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// OpState is the lifecycle of an operation.
type OpState int32

const (
	OpInit OpState = iota
	OpActive
	OpDone
)

// Op describes one call into a tree. Tree operations run synchronously, so
// an Op is always done by the time the call returns; it exists to give
// observers a uniform completion record with timing.
type Op struct {
	Kind  OpKind
	Tx    *Tx // nil for reads
	state atomic.Int32
	err   error
	start time.Time
	end   time.Time
	done  chan struct{}
}

func newOp(kind OpKind, tx *Tx) *Op {
	return &Op{Kind: kind, Tx: tx, done: make(chan struct{})}
}

func (o *Op) active() {
	o.start = time.Now()
	o.state.Store(int32(OpActive))
}

func (o *Op) finish(err error) {
	o.err = err
	o.end = time.Now()
	o.state.Store(int32(OpDone))
	close(o.done)
}

func (o *Op) State() OpState {
	return OpState(o.state.Load())
}

// Done is closed when the operation finishes.
func (o *Op) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the operation is done or ctx ends.
func (o *Op) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the result code. Valid once the operation is done.
func (o *Op) Err() error {
	if o.State() != OpDone {
		return nil
	}
	return o.err
}

// Duration is the time spent between active and done.
func (o *Op) Duration() time.Duration {
	if o.State() != OpDone {
		return 0
	}
	return o.end.Sub(o.start)
}

// OpStats aggregates completed operations of one kind.
type OpStats struct {
	Count  uint64
	Errors uint64
	Total  time.Duration
}

type opCounters struct {
	count  atomic.Uint64
	errors atomic.Uint64
	nanos  atomic.Int64
}

type opStats [opKinds]opCounters

func (s *opStats) record(o *Op) {
	c := &s[o.Kind]
	c.count.Add(1)
	if o.err != nil {
		c.errors.Add(1)
	}
	c.nanos.Add(int64(o.end.Sub(o.start)))
}

func (s *opStats) get(kind OpKind) OpStats {
	c := &s[kind]
	return OpStats{
		Count:  c.count.Load(),
		Errors: c.errors.Load(),
		Total:  time.Duration(c.nanos.Load()),
	}
}
