//go:build !linux && !darwin

package storage

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// MMap falls back to a heap copy of the file on platforms without mmap.
// Flush writes the covered pages back with WriteAt.
type MMap struct {
	file *os.File
	data []byte
	counters
}

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
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			return nil, errors.Wrapf(err, "truncate %s", path)
		}
	} else {
		size = uint64(info.Size())
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(file, 0, int64(size)), data); err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return &MMap{file: file, data: data}, nil
}

func (m *MMap) Bytes() []byte {
	return m.data
}

func (m *MMap) Flush(off, n uint64) error {
	if m.data == nil {
		return ErrClosed
	}
	size := uint64(len(m.data))
	if off+n > size {
		return errors.Wrapf(ErrOutOfBounds, "flush [%d,+%d)", off, n)
	}
	start, end := pageRange(off, n, size)
	if _, err := m.file.WriteAt(m.data[start:end], int64(start)); err != nil {
		return errors.Wrap(err, "write back")
	}
	if err := m.file.Sync(); err != nil {
		return errors.Wrap(err, "fsync")
	}
	m.add(n)
	return nil
}

func (m *MMap) Stats() Stats {
	return m.stats()
}

func (m *MMap) Close() error {
	if m.data != nil {
		if _, err := m.file.WriteAt(m.data, 0); err != nil {
			return errors.Wrap(err, "write back")
		}
		m.data = nil
	}
	return m.file.Close()
}
