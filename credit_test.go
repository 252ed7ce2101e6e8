package betree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditArithmetic(t *testing.T) {
	t.Parallel()

	a := NewCredit(2, 100).WithBalance(CreditInsert, 1)
	b := NewCredit(3, 50).WithBalance(CreditDelete, 2)

	tests := []struct {
		name string
		got  Credit
		want Credit
	}{
		{"add", a.Add(b), Credit{RegNr: 5, RegSize: 150, Balance: [creditKinds]uint64{1, 2, 0}}},
		{"sub_saturates", a.Sub(b), Credit{RegNr: 0, RegSize: 50, Balance: [creditKinds]uint64{1, 0, 0}}},
		{"mul", a.Mul(3), Credit{RegNr: 6, RegSize: 300, Balance: [creditKinds]uint64{3, 0, 0}}},
		{"mac", a.Mac(b, 2), Credit{RegNr: 8, RegSize: 200, Balance: [creditKinds]uint64{1, 4, 0}}},
		{"max", a.Max(b), Credit{RegNr: 3, RegSize: 100, Balance: [creditKinds]uint64{1, 2, 0}}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.got, tt.name)
	}

	assert.True(t, NewCredit(1, 10).LE(NewCredit(1, 10)))
	assert.False(t, NewCredit(2, 10).LE(NewCredit(1, 100)))
	assert.False(t, NewCredit(1, 11).LE(NewCredit(5, 10)))
	assert.Equal(t, "(2,100)[i1 d0 u0]", a.String())
}

func TestCreditCoversOperation(t *testing.T) {
	t.Parallel()

	seg, tree := setup(t, WithOrder(2))
	for i := 0; i < 40; i++ {
		// Each insert runs in a transaction prepared with exactly its credit;
		// any capture beyond it would fail the commit
		mustInsert(t, tree, string(rune('a'+i%26))+string(rune('a'+i/26)), "value")
	}

	tx := seg.BeginTx()
	credit := tree.InsertCredit(1, 8, 8, HeightCurrent)
	tx.Prep(credit)
	require.NoError(t, tx.Open())
	require.NoError(t, tree.Insert(tx, []byte("zzzzzzzz"), []byte("12345678")))
	assert.True(t, tx.Used().LE(tx.Prepared()))
	assert.NotZero(t, tx.Used().RegNr)
	require.NoError(t, tx.Commit())
}

func TestCreateCredit(t *testing.T) {
	t.Parallel()

	seg := setupSegment(t)
	tx := seg.BeginTx()
	tx.Prep(CreateCredit(4, 1))
	require.NoError(t, tx.Open())
	_, err := CreateTree(tx, BytesOps{}, NewFid(7, 7), WithOrder(4))
	require.NoError(t, err)
	assert.True(t, tx.Used().LE(CreateCredit(4, 1)), "used %s", tx.Used())
	require.NoError(t, tx.Commit())
}

// ============================================================================
// Transaction Tests
// ============================================================================

func TestTxStates(t *testing.T) {
	t.Parallel()

	seg, tree := setup(t)

	tx := seg.BeginTx()
	assert.Equal(t, TxPrepare, tx.State())

	// Operations need an open transaction
	assert.ErrorIs(t, tree.Insert(tx, []byte("key"), []byte("value")), ErrTxState)
	assert.ErrorIs(t, tree.Insert(nil, []byte("key"), []byte("value")), ErrTxState)
	assert.ErrorIs(t, tx.Commit(), ErrTxState)

	tx.Prep(tree.InsertCredit(1, 3, 5, HeightCurrent))
	require.NoError(t, tx.Open())
	assert.Equal(t, TxOpen, tx.State())
	assert.ErrorIs(t, tx.Open(), ErrTxState)

	require.NoError(t, tree.Insert(tx, []byte("key"), []byte("value")))
	require.NoError(t, tx.Commit())
	assert.Equal(t, TxDone, tx.State())

	assert.ErrorIs(t, tx.Commit(), ErrTxState)
	assert.ErrorIs(t, tree.Insert(tx, []byte("other"), []byte("value")), ErrTxState)
}

func TestTxPrepAfterOpen(t *testing.T) {
	t.Parallel()

	seg := setupSegment(t)
	tx := seg.BeginTx()
	require.NoError(t, tx.Open())
	tx.Prep(NewCredit(1, 8))
	assert.ErrorIs(t, tx.Err(), ErrTxState)
	assert.ErrorIs(t, tx.Commit(), ErrTxState)
}

func TestTxTooLarge(t *testing.T) {
	t.Parallel()

	seg, err := CreateSegment("", MinSegmentSize, WithMaxTxCredit(NewCredit(64, 32<<10)))
	require.NoError(t, err)
	defer seg.Close()

	tx := seg.BeginTx()
	tx.Prep(NewCredit(1, 1<<20))
	assert.ErrorIs(t, tx.Open(), ErrTxTooLarge)
	assert.Equal(t, TxPrepare, tx.State())
}

func TestTxCreditExceeded(t *testing.T) {
	t.Parallel()

	seg, tree := setup(t)

	t.Run("no_balance", func(t *testing.T) {
		tx := seg.BeginTx()
		tx.Prep(NewCredit(100, 1<<16))
		require.NoError(t, tx.Open())

		err := tree.Insert(tx, []byte("key"), []byte("value"))
		assert.ErrorIs(t, err, ErrCreditExceeded)
		assert.ErrorIs(t, tx.Commit(), ErrCreditExceeded)

		_, err = tree.Lookup([]byte("key"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("regions", func(t *testing.T) {
		tx := seg.BeginTx()
		tx.Prep(NewCredit(1, 8).WithBalance(CreditInsert, 1))
		require.NoError(t, tx.Open())

		// The insert itself succeeds; the overrun fails the commit
		require.NoError(t, tree.Insert(tx, []byte("key"), []byte("value")))
		assert.ErrorIs(t, tx.Err(), ErrCreditExceeded)
		assert.ErrorIs(t, tx.Commit(), ErrCreditExceeded)
	})
}

func TestTxCaptureMerge(t *testing.T) {
	t.Parallel()

	seg := setupSegment(t)
	tx := seg.BeginTx()
	tx.Prep(NewCredit(2, 300))
	require.NoError(t, tx.Open())

	tx.Capture(segArenaOff, 100)
	tx.Capture(segArenaOff, 50)
	tx.Capture(segArenaOff, 200)
	tx.Capture(segArenaOff+1000, 100)
	tx.Capture(segArenaOff+2000, 0)

	assert.Equal(t, NewCredit(2, 300), tx.Used())
	require.NoError(t, tx.Commit())
}

func TestTxAbort(t *testing.T) {
	t.Parallel()

	seg := setupSegment(t)
	tx := seg.BeginTx()
	tx.Prep(NewCredit(1, 8))
	require.NoError(t, tx.Open())
	tx.Capture(segArenaOff, 8)
	flushes := seg.Stats().Flush.Flushes

	tx.Abort()
	assert.Equal(t, TxDone, tx.State())
	assert.Equal(t, flushes, seg.Stats().Flush.Flushes)
	assert.ErrorIs(t, tx.Commit(), ErrTxState)
}
