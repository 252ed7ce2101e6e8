// Package freelist is the segment allocator: power-of-two size classes carved
// from a bump region, with one persistent free list per class.
//
// CHUNK LAYOUT
// ┌───────────────────────────────┬──────────────────┬──────────────────────┐
// │ Magic (4) | Class (4)         │ Requested (8)    │ Payload ...          │
// └───────────────────────────────┴──────────────────┴──────────────────────┘
// A free chunk carries freeMagic and stores the next free payload offset in
// the first 8 payload bytes.
//
// STATE LAYOUT (at stateOff)
// ┌────────────┬──────────────────────────────────────────────────────────┐
// │ Bump (8)   │ Heads[NumClasses] (8 each): payload offset or 0            │
// └────────────┴──────────────────────────────────────────────────────────┘
package freelist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	ChunkHeaderSize = 16
	MinChunkShift   = 5 // 32 bytes
	NumClasses      = 26
	MaxChunkSize    = 1 << (MinChunkShift + NumClasses - 1)
	// MaxAlignShift is the strongest alignment a payload is guaranteed.
	MaxAlignShift = 4

	StateSize = 8 + NumClasses*8

	// Regions captured by a single Alloc: chunk header, and either the bump
	// pointer or a free-list head.
	AllocCaptureNr   = 2
	AllocCaptureSize = ChunkHeaderSize + 8
	// Regions captured by a single Free: chunk header plus the next link,
	// and a free-list head.
	FreeCaptureNr   = 2
	FreeCaptureSize = ChunkHeaderSize + 8 + 8

	allocMagic uint32 = 0xa110c8ed
	freeMagic  uint32 = 0xf4eef4ee
)

var (
	ErrNoSpace   = errors.New("segment allocator out of space")
	ErrAlignment = errors.New("alignment not supported")
	ErrBadFree   = errors.New("free of unallocated chunk")
	ErrBadState  = errors.New("allocator state out of bounds")
)

// Capturer records a modified byte range so it reaches the log.
type Capturer interface {
	Capture(off, n uint64)
}

// Allocator hands out payload offsets inside mem[start:end]. Its state lives
// in mem itself so it survives remapping.
type Allocator struct {
	mu       sync.Mutex
	mem      []byte
	stateOff uint64
	start    uint64
	end      uint64
}

// Stats describes allocator occupancy.
type Stats struct {
	Arena      uint64 // bytes between start and end
	Carved     uint64 // bytes handed out by the bump pointer
	FreeChunks int
	FreeBytes  uint64
}

// Format writes a fresh state and binds an allocator to it.
func Format(mem []byte, stateOff, start, end uint64) (*Allocator, error) {
	if stateOff+StateSize > uint64(len(mem)) || start >= end || end > uint64(len(mem)) {
		return nil, ErrBadState
	}
	for i := uint64(0); i < StateSize; i++ {
		mem[stateOff+i] = 0
	}
	binary.LittleEndian.PutUint64(mem[stateOff:], start)
	return &Allocator{mem: mem, stateOff: stateOff, start: start, end: end}, nil
}

// Open binds an allocator to an existing state.
func Open(mem []byte, stateOff, start, end uint64) (*Allocator, error) {
	if stateOff+StateSize > uint64(len(mem)) || start >= end || end > uint64(len(mem)) {
		return nil, ErrBadState
	}
	a := &Allocator{mem: mem, stateOff: stateOff, start: start, end: end}
	if bump := a.bump(); bump < start || bump > end {
		return nil, fmt.Errorf("%w: bump %d", ErrBadState, bump)
	}
	return a, nil
}

// ClassOf returns the size class able to hold size payload bytes.
func ClassOf(size uint64) (int, bool) {
	need := size + ChunkHeaderSize
	for c := 0; c < NumClasses; c++ {
		if chunkSize(c) >= need {
			return c, true
		}
	}
	return 0, false
}

// ChunkSize returns the number of arena bytes an allocation of size payload
// bytes occupies, header included.
func ChunkSize(size uint64) (uint64, bool) {
	class, ok := ClassOf(size)
	if !ok {
		return 0, false
	}
	return chunkSize(class), true
}

func chunkSize(class int) uint64 {
	return 1 << (MinChunkShift + class)
}

// Alloc reserves size bytes aligned to 1<<shift and returns the payload offset.
func (a *Allocator) Alloc(c Capturer, size uint64, shift uint) (uint64, error) {
	if shift > MaxAlignShift {
		return 0, ErrAlignment
	}
	class, ok := ClassOf(size)
	if !ok {
		return 0, ErrNoSpace
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var chunk uint64
	headOff := a.headOff(class)
	if head := a.u64(headOff); head != 0 {
		chunk = head - ChunkHeaderSize
		a.putU64(headOff, a.u64(head))
		c.Capture(headOff, 8)
	} else {
		chunk = a.bump()
		if chunk+chunkSize(class) > a.end {
			return 0, ErrNoSpace
		}
		a.putU64(a.stateOff, chunk+chunkSize(class))
		c.Capture(a.stateOff, 8)
	}

	binary.LittleEndian.PutUint32(a.mem[chunk:], allocMagic)
	binary.LittleEndian.PutUint32(a.mem[chunk+4:], uint32(class))
	a.putU64(chunk+8, size)
	c.Capture(chunk, ChunkHeaderSize)

	return chunk + ChunkHeaderSize, nil
}

// Free returns the chunk owning payload off to its class free list.
func (a *Allocator) Free(c Capturer, off uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	class, err := a.allocated(off)
	if err != nil {
		return err
	}
	chunk := off - ChunkHeaderSize
	headOff := a.headOff(class)

	binary.LittleEndian.PutUint32(a.mem[chunk:], freeMagic)
	a.putU64(chunk+8, 0)
	a.putU64(off, a.u64(headOff))
	c.Capture(chunk, ChunkHeaderSize+8)

	a.putU64(headOff, off)
	c.Capture(headOff, 8)
	return nil
}

// UsableSize is the payload capacity of the chunk at off.
func (a *Allocator) UsableSize(off uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	class, err := a.allocated(off)
	if err != nil {
		return 0, err
	}
	return chunkSize(class) - ChunkHeaderSize, nil
}

// Contains reports whether [off, off+n) lies inside the carved arena.
func (a *Allocator) Contains(off, n uint64) bool {
	return off >= a.start+ChunkHeaderSize && off+n <= a.end && off+n >= off
}

// Stats walks the free lists.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{Arena: a.end - a.start, Carved: a.bump() - a.start}
	for class := 0; class < NumClasses; class++ {
		for off := a.u64(a.headOff(class)); off != 0; off = a.u64(off) {
			s.FreeChunks++
			s.FreeBytes += chunkSize(class)
		}
	}
	return s
}

func (a *Allocator) allocated(off uint64) (int, error) {
	if off < a.start+ChunkHeaderSize || off >= a.bump() {
		return 0, fmt.Errorf("%w: offset %d", ErrBadFree, off)
	}
	chunk := off - ChunkHeaderSize
	if binary.LittleEndian.Uint32(a.mem[chunk:]) != allocMagic {
		return 0, fmt.Errorf("%w: offset %d", ErrBadFree, off)
	}
	class := int(binary.LittleEndian.Uint32(a.mem[chunk+4:]))
	if class >= NumClasses {
		return 0, fmt.Errorf("%w: class %d", ErrBadFree, class)
	}
	return class, nil
}

func (a *Allocator) bump() uint64 {
	return a.u64(a.stateOff)
}

func (a *Allocator) headOff(class int) uint64 {
	return a.stateOff + 8 + uint64(class)*8
}

func (a *Allocator) u64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(a.mem[off:])
}

func (a *Allocator) putU64(off, v uint64) {
	binary.LittleEndian.PutUint64(a.mem[off:], v)
}
