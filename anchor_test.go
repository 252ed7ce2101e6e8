package betree

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertInPlace(t *testing.T) {
	t.Parallel()

	seg, tree := setup(t)

	tx := seg.BeginTx()
	tx.Prep(tree.InsertCredit(1, 3, 8, HeightCurrent))
	require.NoError(t, tx.Open())

	a, err := tree.InsertInPlace(tx, []byte("key"), 8)
	require.NoError(t, err)
	assert.Equal(t, AnchorWrite, a.State())
	assert.Equal(t, []byte("key"), a.Key())
	assert.Equal(t, make([]byte, 8), a.Value(), "new values start zeroed")

	copy(a.Value(), "inplace!")
	a.Release()
	assert.Equal(t, AnchorReleased, a.State())
	assert.Nil(t, a.Value())
	require.NoError(t, tx.Commit())

	assert.Equal(t, "inplace!", mustLookup(t, tree, "key"))
}

func TestInsertInPlaceExists(t *testing.T) {
	t.Parallel()

	seg, tree := setup(t)
	mustInsert(t, tree, "key", "value")

	tx := seg.BeginTx()
	tx.Prep(tree.InsertCredit(1, 3, 8, HeightCurrent))
	require.NoError(t, tx.Open())

	a, err := tree.InsertInPlace(tx, []byte("key"), 8)
	assert.ErrorIs(t, err, ErrExists)
	assert.Nil(t, a)
	a.Release()
	tx.Abort()

	// The lock was not kept on failure
	assert.Equal(t, "value", mustLookup(t, tree, "key"))
}

func TestUpdateInPlace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		vsize int
		keep  string
	}{
		{"shrink", 3, "abc"},
		{"same", 6, "abcdef"},
		{"grow_past_buffer", 200, "abcdef"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			seg, tree := setup(t)
			mustInsert(t, tree, "key", "abcdef")

			tx := seg.BeginTx()
			tx.Prep(tree.SaveCredit(1, 3, tt.vsize, HeightCurrent))
			require.NoError(t, tx.Open())

			a, err := tree.UpdateInPlace(tx, []byte("key"), tt.vsize)
			require.NoError(t, err)
			require.Len(t, a.Value(), tt.vsize)
			assert.Equal(t, tt.keep, string(a.Value()[:len(tt.keep)]), "old bytes survive the resize")
			a.Value()[tt.vsize-1] = '!'
			a.Release()
			require.NoError(t, tx.Commit())

			val, err := tree.Lookup([]byte("key"))
			require.NoError(t, err)
			assert.Len(t, val, tt.vsize)
			assert.Equal(t, byte('!'), val[tt.vsize-1])
			require.NoError(t, tree.Check())
		})
	}
}

func TestUpdateInPlaceMissing(t *testing.T) {
	t.Parallel()

	seg, tree := setup(t)
	tx := seg.BeginTx()
	tx.Prep(tree.SaveCredit(1, 3, 8, HeightCurrent))
	require.NoError(t, tx.Open())
	defer tx.Abort()

	_, err := tree.UpdateInPlace(tx, []byte("key"), 8)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveInPlace(t *testing.T) {
	t.Parallel()

	seg, tree := setup(t)
	mustInsert(t, tree, "key", "old")

	tx := seg.BeginTx()
	tx.Prep(tree.SaveCredit(2, 5, 4, HeightCurrent))
	require.NoError(t, tx.Open())

	_, err := tree.SaveInPlace(tx, []byte("key"), 4, false)
	assert.ErrorIs(t, err, ErrExists)

	a, err := tree.SaveInPlace(tx, []byte("key"), 4, true)
	require.NoError(t, err)
	copy(a.Value(), "new!")
	a.Release()

	a, err = tree.SaveInPlace(tx, []byte("fresh"), 4, true)
	require.NoError(t, err)
	copy(a.Value(), "born")
	a.Release()
	require.NoError(t, tx.Commit())

	assert.Equal(t, "new!", mustLookup(t, tree, "key"))
	assert.Equal(t, "born", mustLookup(t, tree, "fresh"))
}

func TestLookupInPlace(t *testing.T) {
	t.Parallel()

	_, tree := setup(t)
	mustInsert(t, tree, "key", "value")

	a, err := tree.LookupInPlace([]byte("key"))
	require.NoError(t, err)
	assert.Equal(t, AnchorRead, a.State())
	assert.Equal(t, "value", string(a.Value()))

	// Readers share the lock with the anchor
	assert.Equal(t, "value", mustLookup(t, tree, "key"))
	a.Release()

	_, err = tree.LookupInPlace([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	// The write lock is free again
	mustInsert(t, tree, "other", "x")
}

func TestAnchorDoubleRelease(t *testing.T) {
	t.Parallel()

	t.Run("invariants", func(t *testing.T) {
		_, tree := setup(t)
		mustInsert(t, tree, "key", "value")

		a, err := tree.LookupInPlace([]byte("key"))
		require.NoError(t, err)
		a.Release()
		assert.Panics(t, a.Release)
	})

	t.Run("production", func(t *testing.T) {
		_, tree := setup(t, WithInvariantChecks(false))
		mustInsert(t, tree, "key", "value")

		a, err := tree.LookupInPlace([]byte("key"))
		require.NoError(t, err)
		a.Release()
		assert.NotPanics(t, a.Release)
		assert.Equal(t, AnchorReleased, a.State())
	})
}

func TestInPlaceInvalidSize(t *testing.T) {
	t.Parallel()

	seg, tree := setup(t)
	tx := seg.BeginTx()
	require.NoError(t, tx.Open())
	defer tx.Abort()

	_, err := tree.InsertInPlace(tx, []byte("key"), -1)
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = tree.InsertInPlace(tx, nil, 1)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestInsertInPlaceLarge(t *testing.T) {
	t.Parallel()

	seg, tree := setup(t)
	want := bytes.Repeat([]byte("0123456789"), 300)

	tx := seg.BeginTx()
	tx.Prep(tree.InsertCredit(1, 5, len(want), HeightCurrent))
	require.NoError(t, tx.Open())
	a, err := tree.InsertInPlace(tx, []byte("large"), len(want))
	require.NoError(t, err)
	copy(a.Value(), want)
	a.Release()
	require.NoError(t, tx.Commit())

	got, err := tree.Lookup([]byte("large"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
