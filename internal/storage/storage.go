// Package storage provides the byte-addressable memory a segment lives in.
package storage

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// PageSize is the flush granularity of file-backed storage.
const PageSize = 4096

var (
	ErrClosed      = errors.New("storage closed")
	ErrOutOfBounds = errors.New("range beyond mapped region")
	ErrBadSize     = errors.New("segment size must be a positive multiple of the page size")
)

// Backing is a fixed-size region of memory. Bytes returns the same slice for
// the lifetime of the backing, so offsets into it stay valid.
type Backing interface {
	Bytes() []byte
	// Flush makes bytes [off, off+n) durable.
	Flush(off, n uint64) error
	Stats() Stats
	Close() error
}

// Stats holds flush counters.
type Stats struct {
	Flushes uint64
	Flushed uint64 // bytes
}

type counters struct {
	flushes atomic.Uint64
	flushed atomic.Uint64
}

func (c *counters) add(n uint64) {
	c.flushes.Add(1)
	c.flushed.Add(n)
}

func (c *counters) stats() Stats {
	return Stats{Flushes: c.flushes.Load(), Flushed: c.flushed.Load()}
}

// Memory is a heap-backed region. Nothing survives Close.
type Memory struct {
	data []byte
	counters
}

// NewMemory allocates a zeroed region of size bytes.
func NewMemory(size uint64) (*Memory, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, ErrBadSize
	}
	return &Memory{data: make([]byte, size)}, nil
}

func (m *Memory) Bytes() []byte {
	return m.data
}

func (m *Memory) Flush(off, n uint64) error {
	if m.data == nil {
		return ErrClosed
	}
	if off+n > uint64(len(m.data)) {
		return errors.Wrapf(ErrOutOfBounds, "flush [%d,+%d)", off, n)
	}
	m.add(n)
	return nil
}

func (m *Memory) Stats() Stats {
	return m.stats()
}

func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// pageRange widens [off, off+n) to page boundaries, clamped to size.
func pageRange(off, n, size uint64) (start, end uint64) {
	start = off &^ (PageSize - 1)
	end = (off + n + PageSize - 1) &^ (PageSize - 1)
	if end > size {
		end = size
	}
	return start, end
}
