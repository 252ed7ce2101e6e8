package betree

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/alexhholmes/betree/internal/format"
	"github.com/alexhholmes/betree/internal/freelist"
	"github.com/alexhholmes/betree/internal/storage"
)

// SegmentVersion is the on-segment version of the segment header.
const SegmentVersion uint16 = 1

// Segment layout. The header and allocator state share the first page; the
// arena the allocator carves nodes, records and key/value buffers from
// starts at the second page.
//
// ┌────────────┬─────────┬──────────┬──────────┬─────────────┬─────┬───────────────┬───────┐
// │ Header(16) │ Gen (8) │ Size (8) │ Dict (8) │ Footer (16) │ ... │ Alloc state   │ Arena │
// └────────────┴─────────┴──────────┴──────────┴─────────────┴─────┴───────────────┴───────┘
// 0                                                              64              4096
const (
	segGenOff     = format.HeaderSize
	segSizeOff    = segGenOff + 8
	segDictOff    = segSizeOff + 8
	segHeaderSize = segDictOff + 8 + format.FooterSize
	segAllocOff   = 64
	segArenaOff   = storage.PageSize

	// MinSegmentSize leaves room for the dictionary and a few trees.
	MinSegmentSize = 16 * storage.PageSize
)

// Segment is a fixed-size region of byte-addressable memory, heap or file
// backed, holding trees. All references inside a segment are offsets.
type Segment struct {
	mu     sync.Mutex
	back   storage.Backing
	mem    []byte
	alloc  *freelist.Allocator
	gen    uint64
	path   string
	opts   SegmentOptions
	log    Logger
	trees  map[uint64]*Tree
	dict   *Dict
	closed bool
}

// SegmentStats describes allocator and flush activity.
type SegmentStats struct {
	Alloc freelist.Stats
	Flush storage.Stats
}

// CreateSegment formats a new segment of size bytes. An empty path creates a
// heap segment that lives until Close; otherwise the file at path is created
// and mapped. An existing file must be empty.
func CreateSegment(path string, size uint64, opts ...SegmentOption) (*Segment, error) {
	o := DefaultSegmentOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if size < MinSegmentSize || size%storage.PageSize != 0 {
		return nil, fmt.Errorf("%w: %d", ErrSegmentSize, size)
	}

	back, err := openBacking(path, size)
	if err != nil {
		return nil, err
	}
	mem := back.Bytes()
	if uint64(len(mem)) != size {
		_ = back.Close()
		return nil, fmt.Errorf("%w: %s already holds %d bytes", ErrSegmentSize, path, len(mem))
	}

	alloc, err := freelist.Format(mem, segAllocOff, segArenaOff, size)
	if err != nil {
		_ = back.Close()
		return nil, err
	}

	s := newSegment(back, mem, alloc, path, o)
	s.gen = uint64(time.Now().UnixNano())

	hdr := s.header()
	clear(hdr)
	format.PackHeader(hdr, format.Tag{
		Version:      SegmentVersion,
		Type:         format.TypeSegment,
		FooterOffset: segHeaderSize - format.FooterSize,
	})
	binary.LittleEndian.PutUint64(hdr[segGenOff:], s.gen)
	binary.LittleEndian.PutUint64(hdr[segSizeOff:], size)
	format.UpdateFooter(hdr)
	if err := back.Flush(0, segArenaOff); err != nil {
		_ = back.Close()
		return nil, err
	}

	if err := s.createDict(); err != nil {
		_ = back.Close()
		return nil, err
	}

	s.log.Info("segment formatted", "path", path, "size", size, "gen", s.gen)
	return s, nil
}

// OpenSegment maps an existing file segment and verifies its header.
func OpenSegment(path string, opts ...SegmentOption) (*Segment, error) {
	o := DefaultSegmentOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if path == "" {
		return nil, errors.New("heap segments cannot be reopened")
	}

	back, err := openBacking(path, 0)
	if err != nil {
		return nil, err
	}
	mem := back.Bytes()
	fail := func(err error) (*Segment, error) {
		_ = back.Close()
		return nil, err
	}

	if uint64(len(mem)) < MinSegmentSize {
		return fail(fmt.Errorf("%w: %d", ErrSegmentSize, len(mem)))
	}
	hdr := mem[:segHeaderSize]
	if err := format.Verify(hdr, format.TypeSegment, SegmentVersion); err != nil {
		return fail(errors.Wrapf(err, "segment header %s", path))
	}
	size := binary.LittleEndian.Uint64(hdr[segSizeOff:])
	if size != uint64(len(mem)) {
		return fail(fmt.Errorf("%w: header says %d, file holds %d", ErrSegmentSize, size, len(mem)))
	}

	alloc, err := freelist.Open(mem, segAllocOff, segArenaOff, size)
	if err != nil {
		return fail(errors.Wrapf(err, "segment allocator %s", path))
	}

	s := newSegment(back, mem, alloc, path, o)
	s.gen = binary.LittleEndian.Uint64(hdr[segGenOff:])

	dictOff := binary.LittleEndian.Uint64(hdr[segDictOff:])
	t, err := OpenTree(s, dictOff, dictOps{}, WithLogger(o.logger))
	if err != nil {
		return fail(errors.Wrap(err, "segment dictionary"))
	}
	if s.dict, err = newDict(t, o.dictCacheSize); err != nil {
		return fail(err)
	}

	s.log.Info("segment opened", "path", path, "size", size, "gen", s.gen)
	return s, nil
}

func openBacking(path string, size uint64) (storage.Backing, error) {
	if path == "" {
		return storage.NewMemory(size)
	}
	return storage.OpenMMap(path, size)
}

func newSegment(back storage.Backing, mem []byte, alloc *freelist.Allocator, path string, o SegmentOptions) *Segment {
	return &Segment{
		back:  back,
		mem:   mem,
		alloc: alloc,
		path:  path,
		opts:  o,
		log:   orDiscard(o.logger),
		trees: make(map[uint64]*Tree),
	}
}

func (s *Segment) header() []byte {
	return s.mem[:segHeaderSize]
}

// createDict creates the dictionary tree and records it in the header.
func (s *Segment) createDict() error {
	tx := s.BeginTx()
	tx.Prep(CreateCredit(s.opts.dictOrder, 1).Add(NewCredit(1, segHeaderSize)))
	if err := tx.Open(); err != nil {
		return err
	}
	t, err := CreateTree(tx, dictOps{}, NewFid(0, 0), WithOrder(s.opts.dictOrder), WithLogger(s.log))
	if err != nil {
		tx.Abort()
		return err
	}

	hdr := s.header()
	binary.LittleEndian.PutUint64(hdr[segDictOff:], t.Offset())
	format.UpdateFooter(hdr)
	tx.Capture(0, segHeaderSize)
	if err := tx.Commit(); err != nil {
		return err
	}

	s.dict, err = newDict(t, s.opts.dictCacheSize)
	return err
}

// Gen is the generation stamp chosen when the segment was formatted.
func (s *Segment) Gen() uint64 {
	return s.gen
}

func (s *Segment) Size() uint64 {
	return uint64(len(s.mem))
}

func (s *Segment) Path() string {
	return s.path
}

// Contains reports whether [off, off+n) lies inside the segment arena.
func (s *Segment) Contains(off, n uint64) bool {
	end := off + n
	return off >= segArenaOff && end >= off && end <= uint64(len(s.mem))
}

// Dict returns the segment dictionary.
func (s *Segment) Dict() *Dict {
	return s.dict
}

func (s *Segment) Stats() SegmentStats {
	return SegmentStats{Alloc: s.alloc.Stats(), Flush: s.back.Stats()}
}

// OpenNamed opens the tree registered in the dictionary under name, using
// the built-in ops for its persisted type.
func (s *Segment) OpenNamed(name string, opts ...TreeOption) (*Tree, error) {
	off, err := s.dict.Lookup(name)
	if err != nil {
		return nil, errors.Wrapf(err, "tree %q", name)
	}
	typ, err := s.treeType(off)
	if err != nil {
		return nil, errors.Wrapf(err, "tree %q", name)
	}
	ops, ok := OpsFor(typ)
	if !ok {
		return nil, fmt.Errorf("tree %q: %w: %s", name, ErrTreeType, typ)
	}
	return OpenTree(s, off, ops, opts...)
}

// treeType reads the tree type from the record at off.
func (s *Segment) treeType(off uint64) (TreeType, error) {
	if !s.Contains(off, treeRecordSize) {
		return TreeTypeInvalid, fmt.Errorf("%w: tree record %d: %w", ErrCorruption, off, errOffset)
	}
	rec := s.mem[off : off+treeRecordSize]
	if err := format.Verify(rec, format.TypeTree, TreeVersion); err != nil {
		return TreeTypeInvalid, fmt.Errorf("%w: tree record %d: %w", ErrCorruption, off, err)
	}
	return unpackBacklink(rec[recBacklinkOff:]).Type, nil
}

// register records t as the handle for its tree record. If another handle
// got there first, that handle is returned with loaded set and t is dropped.
func (s *Segment) register(t *Tree) (actual *Tree, loaded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.trees[t.off]; ok {
		return prev, true
	}
	if s.trees != nil {
		s.trees[t.off] = t
	}
	return t, false
}

func (s *Segment) unregister(t *Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trees, t.off)
}

func (s *Segment) lookupTree(off uint64) (*Tree, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trees[off]
	return t, ok
}

func (s *Segment) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close flushes and releases the backing. Trees and transactions of the
// segment must not be used afterwards.
func (s *Segment) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSegmentClosed
	}
	s.closed = true
	s.trees = nil
	s.mu.Unlock()

	s.log.Info("segment closed", "path", s.path)
	return s.back.Close()
}
