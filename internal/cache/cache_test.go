package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheBasics(t *testing.T) {
	t.Parallel()

	c, err := NewCache(10)
	require.NoError(t, err)

	_, hit := c.Get("alpha")
	assert.False(t, hit, "Expected cache miss for alpha")

	c.Put("alpha", 4096)

	off, hit := c.Get("alpha")
	assert.True(t, hit, "Expected cache hit for alpha")
	assert.Equal(t, uint64(4096), off)
	assert.Equal(t, 1, c.Size())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)

	c.ClearStats()
	assert.Equal(t, Stats{}, c.Stats())
}

func TestCacheReplaceAndDelete(t *testing.T) {
	t.Parallel()

	c, err := NewCache(10)
	require.NoError(t, err)

	c.Put("alpha", 1)
	c.Put("alpha", 2)
	off, hit := c.Get("alpha")
	require.True(t, hit)
	assert.Equal(t, uint64(2), off)
	assert.Equal(t, 1, c.Size())

	c.Delete("alpha")
	_, hit = c.Get("alpha")
	assert.False(t, hit)
	assert.Equal(t, 0, c.Size())

	c.Put("beta", 3)
	c.Purge()
	assert.Equal(t, 0, c.Size())
}

func TestCacheEviction(t *testing.T) {
	t.Parallel()

	c, err := NewCache(MinCacheSize)
	require.NoError(t, err)

	for i := 0; i < MinCacheSize*4; i++ {
		c.Put(fmt.Sprintf("tree%03d", i), uint64(i))
	}

	assert.LessOrEqual(t, c.Size(), MinCacheSize)
	assert.NotZero(t, c.Stats().Evictions)

	// The most recent insert always survives
	off, hit := c.Get(fmt.Sprintf("tree%03d", MinCacheSize*4-1))
	require.True(t, hit)
	assert.Equal(t, uint64(MinCacheSize*4-1), off)
}
