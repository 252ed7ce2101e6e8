package betree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dictInsert(t *testing.T, d *Dict, name string, off uint64) error {
	t.Helper()
	return write(t, d.Tree().seg, d.InsertCredit(name), func(tx *Tx) error {
		return d.Insert(tx, name, off)
	})
}

func TestDictInsertLookup(t *testing.T) {
	t.Parallel()

	seg := setupSegment(t)
	d := seg.Dict()
	assert.Equal(t, TreeTypeDict, d.Tree().Type())

	require.NoError(t, dictInsert(t, d, "users", 4096))
	assert.ErrorIs(t, dictInsert(t, d, "users", 8192), ErrExists)

	off, err := d.Lookup("users")
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), off)

	_, err = d.Lookup("orders")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDictList(t *testing.T) {
	t.Parallel()

	seg := setupSegment(t)
	d := seg.Dict()

	names := []string{"app/users", "app/orders", "sys/log", "app/items", "zeta"}
	for i, name := range names {
		require.NoError(t, dictInsert(t, d, name, uint64(i+1)*4096))
	}

	all, err := d.List("")
	require.NoError(t, err)
	require.Len(t, all, len(names))
	assert.Equal(t, "app/items", all[0].Name)
	assert.Equal(t, "zeta", all[4].Name)

	app, err := d.List("app/")
	require.NoError(t, err)
	assert.Equal(t, []DictEntry{
		{Name: "app/items", Offset: 4 * 4096},
		{Name: "app/orders", Offset: 2 * 4096},
		{Name: "app/users", Offset: 1 * 4096},
	}, app)

	none, err := d.List("nothing/")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDictDelete(t *testing.T) {
	t.Parallel()

	seg := setupSegment(t)
	d := seg.Dict()
	require.NoError(t, dictInsert(t, d, "users", 4096))

	// Warm the cache so the delete must invalidate it
	_, err := d.Lookup("users")
	require.NoError(t, err)

	require.NoError(t, write(t, seg, d.DeleteCredit("users"), func(tx *Tx) error {
		return d.Delete(tx, "users")
	}))
	_, err = d.Lookup("users")
	assert.ErrorIs(t, err, ErrNotFound)

	err = write(t, seg, d.DeleteCredit("users"), func(tx *Tx) error {
		return d.Delete(tx, "users")
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDictCache(t *testing.T) {
	t.Parallel()

	seg, err := CreateSegment("", testSegmentSize, WithDictCacheSize(16))
	require.NoError(t, err)
	defer seg.Close()
	d := seg.Dict()

	for i := 0; i < 64; i++ {
		require.NoError(t, dictInsert(t, d, fmt.Sprintf("tree%02d", i), uint64(i)))
	}

	// Early names fell out of the cache and come back from the tree
	for i := 0; i < 64; i++ {
		off, err := d.Lookup(fmt.Sprintf("tree%02d", i))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), off)
	}
	_, err = d.Lookup("tree63")
	require.NoError(t, err)

	st := d.CacheStats()
	assert.NotZero(t, st.Hits)
	assert.NotZero(t, st.Misses)
	assert.NotZero(t, st.Evictions)
	require.NoError(t, d.Tree().Check())
}

func TestOpenNamed(t *testing.T) {
	t.Parallel()

	seg := setupSegment(t)
	tree := createTree(t, seg, Uint64Ops{})
	require.NoError(t, dictInsert(t, seg.Dict(), "counters", tree.Offset()))

	got, err := seg.OpenNamed("counters")
	require.NoError(t, err)
	assert.Same(t, tree, got)
	assert.Equal(t, TreeTypeUint64, got.Type())

	_, err = seg.OpenNamed("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
