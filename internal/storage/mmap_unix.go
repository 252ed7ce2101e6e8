//go:build linux || darwin

package storage

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MMap is a file mapped MAP_SHARED into memory. The mapping is never grown:
// a segment has a fixed size chosen when it is formatted.
type MMap struct {
	file *os.File
	data []byte
	counters
}

// OpenMMap maps path. A missing or empty file is created with size bytes;
// an existing file is mapped at its current size and size is ignored.
func OpenMMap(path string, size uint64) (*MMap, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}

	if info.Size() == 0 {
		if size == 0 || size%PageSize != 0 {
			file.Close()
			return nil, ErrBadSize
		}
		// Sparse until touched
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			return nil, errors.Wrapf(err, "truncate %s", path)
		}
	} else {
		size = uint64(info.Size())
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "mmap %s", path)
	}

	return &MMap{file: file, data: data}, nil
}

func (m *MMap) Bytes() []byte {
	return m.data
}

// Flush msyncs the pages covering [off, off+n).
func (m *MMap) Flush(off, n uint64) error {
	if m.data == nil {
		return ErrClosed
	}
	size := uint64(len(m.data))
	if off+n > size {
		return errors.Wrapf(ErrOutOfBounds, "flush [%d,+%d)", off, n)
	}
	start, end := pageRange(off, n, size)
	if err := unix.Msync(m.data[start:end], unix.MS_SYNC); err != nil {
		return errors.Wrap(err, "msync")
	}
	m.add(n)
	return nil
}

func (m *MMap) Stats() Stats {
	return m.stats()
}

// Close unmaps the region and closes the file.
func (m *MMap) Close() error {
	if m.data != nil {
		_ = unix.Msync(m.data, unix.MS_SYNC)
		if err := unix.Munmap(m.data); err != nil {
			return errors.Wrap(err, "munmap")
		}
		m.data = nil
	}
	return m.file.Close()
}
