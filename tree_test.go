package betree

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alexhholmes/betree/internal/format"
	"github.com/alexhholmes/betree/internal/freelist"
)

func TestCreateTreeErrors(t *testing.T) {
	t.Parallel()

	seg := setupSegment(t)

	tests := []struct {
		name    string
		ops     KVOps
		fid     Fid
		opts    []TreeOption
		wantErr error
	}{
		{"order_too_small", BytesOps{}, NewFid(1, 1), []TreeOption{WithOrder(1)}, ErrOrder},
		{"order_too_large", BytesOps{}, NewFid(1, 1), []TreeOption{WithOrder(1 << 22)}, ErrOrder},
		{"order_past_chunk_cap", BytesOps{}, NewFid(1, 1), []TreeOption{WithOrder(1 << 30)}, ErrOrder},
		{"node_larger_than_arena", BytesOps{}, NewFid(1, 1), []TreeOption{WithOrder(testSegmentSize / 32)}, ErrOrder},
		{"bad_fid", BytesOps{}, Fid{Container: 1, Key: 1}, nil, ErrInvalidFid},
		{"no_ops", nil, NewFid(1, 1), nil, ErrTreeType},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tx := seg.BeginTx()
			tx.Prep(CreateCredit(DefaultOrder, 1))
			require.NoError(t, tx.Open())
			defer tx.Abort()

			_, err := CreateTree(tx, tt.ops, tt.fid, tt.opts...)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.NotErrorIs(t, err, ErrNoSpace)
		})
	}
}

func TestCreateTreeLargestOrder(t *testing.T) {
	t.Parallel()

	seg, err := CreateSegment("", MinSegmentSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	arena := seg.Size() - segArenaOff
	recChunk, _ := freelist.ChunkSize(treeRecordSize)

	// First order whose root leaf no longer fits next to the record
	order := MinOrder
	for {
		chunk, ok := freelist.ChunkSize(nodeSize(order))
		if !ok || chunk+recChunk > arena {
			break
		}
		order++
	}

	tx := seg.BeginTx()
	tx.Prep(CreateCredit(MinOrder, 1))
	require.NoError(t, tx.Open())
	defer tx.Abort()

	_, err = CreateTree(tx, BytesOps{}, NewFid(1, 1), WithOrder(order))
	require.ErrorIs(t, err, ErrOrder)
}

func TestTreeAccessors(t *testing.T) {
	t.Parallel()

	seg := setupSegment(t)
	tx := seg.BeginTx()
	tx.Prep(CreateCredit(DefaultOrder, 1))
	require.NoError(t, tx.Open())
	tree, err := CreateTree(tx, Uint64Ops{}, NewFid(0xabc, 42))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, DefaultOrder, tree.Order())
	assert.Equal(t, TreeTypeUint64, tree.Type())
	assert.Equal(t, NewFid(0xabc, 42), tree.Fid())
	assert.True(t, tree.Fid().Valid())
	assert.Equal(t, 1, tree.Height())
	assert.True(t, seg.Contains(tree.Offset(), treeRecordSize))
}

type forceExists map[string]bool

func (f forceExists) ForceExists(key []byte) bool {
	return f[string(key)]
}

func TestFaultInjectorForceExists(t *testing.T) {
	t.Parallel()

	_, tree := setup(t, WithFaultInjector(forceExists{"doomed": true}))

	assert.ErrorIs(t, insert(t, tree, "doomed", "value"), ErrExists)
	mustInsert(t, tree, "fine", "value")

	_, err := tree.Lookup([]byte("doomed"))
	assert.ErrorIs(t, err, ErrNotFound)

	st, err := tree.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Items)

	// Overwrites are not insertions
	require.NoError(t, save(t, tree, "doomed", "value", true))
	assert.Equal(t, "value", mustLookup(t, tree, "doomed"))
}

// ============================================================================
// Corruption Detection Tests
// ============================================================================

func TestCorruptNodeDetected(t *testing.T) {
	t.Parallel()

	_, tree := setup(t, WithInvariantChecks(false))
	for i := 0; i < 50; i++ {
		mustInsert(t, tree, fmt.Sprintf("key%02d", i), "value")
	}

	root := tree.root()
	tree.seg.mem[root+nodeCountOff] ^= 0x01

	_, err := tree.Lookup([]byte("key10"))
	assert.ErrorIs(t, err, ErrCorruption)
	assert.ErrorIs(t, tree.Check(), ErrCorruption)
	assert.ErrorIs(t, insert(t, tree, "new", "value"), ErrCorruption)
	assert.Equal(t, 0, tree.Height())

	// Restoring the byte heals the tree
	tree.seg.mem[root+nodeCountOff] ^= 0x01
	require.NoError(t, tree.Check())
}

func TestCorruptRecordDetected(t *testing.T) {
	t.Parallel()

	_, tree := setup(t, WithInvariantChecks(false))
	mustInsert(t, tree, "key", "value")

	tree.seg.mem[tree.Offset()+recOrderOff] ^= 0xff

	_, err := tree.Lookup([]byte("key"))
	assert.ErrorIs(t, err, ErrCorruption)
	_, err = tree.IsEmpty()
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestForeignNodeDetected(t *testing.T) {
	t.Parallel()

	seg, tree := setup(t, WithInvariantChecks(false))
	other := createTree(t, seg, BytesOps{}, WithInvariantChecks(false))
	mustInsert(t, tree, "key", "value")

	// Point the tree at a node owned by another tree
	rec := tree.record()
	binary.LittleEndian.PutUint64(rec[recRootOff:], other.root())
	format.UpdateFooter(rec)

	_, err := tree.Lookup([]byte("key"))
	assert.ErrorIs(t, err, ErrCorruption)
}

// ============================================================================
// Operation Tracking Tests
// ============================================================================

func TestOpObserver(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		ops []*Op
	)
	_, tree := setup(t, WithOpObserver(func(op *Op) {
		mu.Lock()
		defer mu.Unlock()
		ops = append(ops, op)
	}))

	mustInsert(t, tree, "key", "value")
	_, err := tree.Lookup([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ops, 3)

	assert.Equal(t, OpCreate, ops[0].Kind)
	assert.Equal(t, OpInsert, ops[1].Kind)
	assert.NotNil(t, ops[1].Tx)
	assert.Equal(t, OpLookup, ops[2].Kind)
	assert.Nil(t, ops[2].Tx)

	for _, op := range ops {
		assert.Equal(t, OpDone, op.State())
		select {
		case <-op.Done():
		default:
			t.Fatalf("%s not signalled done", op.Kind)
		}
	}
	assert.NoError(t, ops[1].Wait(context.Background()))
	assert.ErrorIs(t, ops[2].Wait(context.Background()), ErrNotFound)
	assert.ErrorIs(t, ops[2].Err(), ErrNotFound)
}

func TestOpWaitContext(t *testing.T) {
	t.Parallel()

	op := newOp(OpLookup, nil)
	op.active()
	assert.Equal(t, OpActive, op.State())
	assert.Zero(t, op.Duration())
	assert.NoError(t, op.Err())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, op.Wait(ctx), context.Canceled)

	op.finish(nil)
	assert.NoError(t, op.Wait(context.Background()))
}

func TestTreeStats(t *testing.T) {
	t.Parallel()

	_, tree := setup(t)
	for i := 0; i < 10; i++ {
		mustInsert(t, tree, fmt.Sprintf("key%d", i), "value")
	}
	for i := 0; i < 5; i++ {
		_, _ = tree.Lookup([]byte(fmt.Sprintf("key%d", i*3)))
	}

	ins := tree.Stats(OpInsert)
	assert.Equal(t, uint64(10), ins.Count)
	assert.Zero(t, ins.Errors)

	look := tree.Stats(OpLookup)
	assert.Equal(t, uint64(5), look.Count)
	assert.Equal(t, uint64(1), look.Errors, "key12 is missing")
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentReaders(t *testing.T) {
	t.Parallel()

	_, tree := setup(t, WithOrder(8))
	const n = 500
	for i := 0; i < n; i++ {
		mustInsert(t, tree, fmt.Sprintf("key%03d", i), fmt.Sprintf("value%03d", i))
	}

	g, _ := errgroup.WithContext(context.Background())
	for r := 0; r < 8; r++ {
		r := r
		g.Go(func() error {
			for i := r; i < n; i += 8 {
				key := fmt.Sprintf("key%03d", i)
				val, err := tree.Lookup([]byte(key))
				if err != nil {
					return fmt.Errorf("lookup %s: %w", key, err)
				}
				if want := fmt.Sprintf("value%03d", i); string(val) != want {
					return fmt.Errorf("lookup %s: got %q, want %q", key, val, want)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestConcurrentWriters(t *testing.T) {
	t.Parallel()

	seg, tree := setup(t, WithOrder(4))

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				key := []byte(fmt.Sprintf("w%d-key%03d", w, i))
				tx := seg.BeginTx()
				tx.Prep(tree.InsertCredit(1, len(key), 8, HeightMax))
				if err := tx.Open(); err != nil {
					return err
				}
				if err := tree.Insert(tx, key, []byte("value123")); err != nil {
					tx.Abort()
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st, err := tree.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(400), st.Items)
	require.NoError(t, tree.Check())
}
