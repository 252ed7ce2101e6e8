package freelist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type region struct{ off, n uint64 }

type recorder struct {
	regions []region
}

func (r *recorder) Capture(off, n uint64) {
	r.regions = append(r.regions, region{off, n})
}

func (r *recorder) total() (nr, size uint64) {
	for _, reg := range r.regions {
		nr++
		size += reg.n
	}
	return nr, size
}

const (
	testState = 64
	testStart = 1024
	testEnd   = 64 * 1024
)

func newAllocator(t *testing.T) (*Allocator, []byte) {
	t.Helper()
	mem := make([]byte, testEnd)
	a, err := Format(mem, testState, testStart, testEnd)
	require.NoError(t, err)
	return a, mem
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		size  uint64
		class int
	}{
		{0, 0},
		{16, 0},
		{17, 1},
		{48, 1},
		{49, 2},
		{4096 - ChunkHeaderSize, 7},
	}

	for _, tt := range tests {
		class, ok := ClassOf(tt.size)
		require.True(t, ok)
		assert.Equal(t, tt.class, class, "size %d", tt.size)
	}

	_, ok := ClassOf(MaxChunkSize)
	assert.False(t, ok)
}

func TestChunkSize(t *testing.T) {
	size, ok := ChunkSize(16)
	require.True(t, ok)
	assert.Equal(t, uint64(32), size)

	size, ok = ChunkSize(4096)
	require.True(t, ok)
	assert.Equal(t, uint64(8192), size)

	_, ok = ChunkSize(MaxChunkSize)
	assert.False(t, ok)
}

func TestAllocFreeReuse(t *testing.T) {
	a, _ := newAllocator(t)
	rec := &recorder{}

	off1, err := a.Alloc(rec, 100, 0)
	require.NoError(t, err)
	off2, err := a.Alloc(rec, 100, 3)
	require.NoError(t, err)
	assert.NotEqual(t, off1, off2)
	assert.Zero(t, off1%16, "payload must be 16-byte aligned")

	size, err := a.UsableSize(off1)
	require.NoError(t, err)
	assert.Equal(t, uint64(128-ChunkHeaderSize), size)

	require.NoError(t, a.Free(rec, off1))
	assert.ErrorIs(t, a.Free(rec, off1), ErrBadFree, "double free must be rejected")

	off3, err := a.Alloc(rec, 90, 0)
	require.NoError(t, err)
	assert.Equal(t, off1, off3, "freed chunk of the same class is reused")
}

func TestCaptureAccounting(t *testing.T) {
	a, _ := newAllocator(t)

	rec := &recorder{}
	off, err := a.Alloc(rec, 40, 0)
	require.NoError(t, err)
	nr, size := rec.total()
	assert.Equal(t, uint64(AllocCaptureNr), nr)
	assert.Equal(t, uint64(AllocCaptureSize), size)

	rec = &recorder{}
	require.NoError(t, a.Free(rec, off))
	nr, size = rec.total()
	assert.Equal(t, uint64(FreeCaptureNr), nr)
	assert.Equal(t, uint64(FreeCaptureSize), size)

	// Popping from a free list captures the same amount as bumping
	rec = &recorder{}
	_, err = a.Alloc(rec, 40, 0)
	require.NoError(t, err)
	nr, size = rec.total()
	assert.Equal(t, uint64(AllocCaptureNr), nr)
	assert.Equal(t, uint64(AllocCaptureSize), size)
}

func TestAllocErrors(t *testing.T) {
	a, _ := newAllocator(t)
	rec := &recorder{}

	_, err := a.Alloc(rec, 10, MaxAlignShift+1)
	assert.ErrorIs(t, err, ErrAlignment)

	_, err = a.Alloc(rec, testEnd, 0)
	assert.ErrorIs(t, err, ErrNoSpace)

	assert.ErrorIs(t, a.Free(rec, testStart+3), ErrBadFree)
}

func TestExhaustion(t *testing.T) {
	a, _ := newAllocator(t)
	rec := &recorder{}

	var n int
	for {
		_, err := a.Alloc(rec, 1000, 0)
		if err != nil {
			require.ErrorIs(t, err, ErrNoSpace)
			break
		}
		n++
	}
	assert.Equal(t, (testEnd-testStart)/1024, n)
}

func TestReopenKeepsState(t *testing.T) {
	a, mem := newAllocator(t)
	rec := &recorder{}

	off, err := a.Alloc(rec, 200, 0)
	require.NoError(t, err)
	keep, err := a.Alloc(rec, 200, 0)
	require.NoError(t, err)
	require.NoError(t, a.Free(rec, off))
	before := a.Stats()

	b, err := Open(mem, testState, testStart, testEnd)
	require.NoError(t, err)
	assert.Equal(t, before, b.Stats())
	assert.Equal(t, 1, before.FreeChunks)

	size, err := b.UsableSize(keep)
	require.NoError(t, err)
	assert.Equal(t, uint64(256-ChunkHeaderSize), size)
}
