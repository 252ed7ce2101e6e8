package betree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/alexhholmes/betree/internal/cache"
)

// Dict maps names to tree offsets inside a segment. It is itself a tree of
// the segment, so entries are as durable as any other record. Lookups go
// through a bounded in-memory cache.
type Dict struct {
	tree  *Tree
	cache *cache.Cache
}

// DictEntry is one name registered in a dictionary.
type DictEntry struct {
	Name   string
	Offset uint64
}

// DictCacheStats reports dictionary cache effectiveness.
type DictCacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

var errDictValue = errors.New("dictionary value is not an offset")

func newDict(t *Tree, cacheSize int) (*Dict, error) {
	c, err := cache.NewCache(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Dict{tree: t, cache: c}, nil
}

// Tree returns the tree backing the dictionary.
func (d *Dict) Tree() *Tree {
	return d.tree
}

// Insert registers off under name. It fails with ErrExists if name is taken.
func (d *Dict) Insert(tx *Tx, name string, off uint64) error {
	val := binary.LittleEndian.AppendUint64(nil, off)
	if err := d.tree.Insert(tx, []byte(name), val); err != nil {
		return err
	}
	d.cache.Put(name, off)
	return nil
}

// Lookup returns the offset registered under name.
func (d *Dict) Lookup(name string) (uint64, error) {
	if off, ok := d.cache.Get(name); ok {
		return off, nil
	}
	val, err := d.tree.Lookup([]byte(name))
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("%w: %q: %w", ErrCorruption, name, errDictValue)
	}
	off := binary.LittleEndian.Uint64(val)
	d.cache.Put(name, off)
	return off, nil
}

// Delete removes name.
func (d *Dict) Delete(tx *Tx, name string) error {
	d.cache.Delete(name)
	return d.tree.Delete(tx, []byte(name))
}

// List returns the entries whose names start with prefix, in name order.
func (d *Dict) List(prefix string) ([]DictEntry, error) {
	var entries []DictEntry

	c := d.tree.Cursor()
	defer c.Close()

	var err error
	if prefix == "" {
		err = c.First()
	} else {
		err = c.Get([]byte(prefix), true)
	}
	for ; err == nil; err = c.Next() {
		var k, v []byte
		if k, v, err = c.KV(); err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(k, []byte(prefix)) {
			break
		}
		if len(v) != 8 {
			return nil, fmt.Errorf("%w: %q: %w", ErrCorruption, k, errDictValue)
		}
		entries = append(entries, DictEntry{Name: string(k), Offset: binary.LittleEndian.Uint64(v)})
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return entries, nil
}

// InsertCredit covers one Insert of name.
func (d *Dict) InsertCredit(name string) Credit {
	return d.tree.InsertCredit(1, len(name), 8, HeightMax)
}

// DeleteCredit covers one Delete of name.
func (d *Dict) DeleteCredit(name string) Credit {
	return d.tree.DeleteCredit(1, len(name), 8)
}

func (d *Dict) CacheStats() DictCacheStats {
	st := d.cache.Stats()
	return DictCacheStats{Hits: st.Hits, Misses: st.Misses, Evictions: st.Evictions}
}
