package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tysonmote/gommap"
)

// FileBackend stores each segment as a file in the log directory.
type FileBackend struct {
	// Sync flushes every append to stable storage before returning.
	Sync bool
}

var _ Backend = FileBackend{}

func (b FileBackend) OpenSegment(dir string, id uint64) (Segment, error) {
	return openStore(dir, id, b.Sync)
}

// SegmentIDs lists the ids of the segment files in dir. Files with other
// names are ignored. A missing directory has no segments.
func (b FileBackend) SegmentIDs(dir string) ([]uint64, error) {
	files, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []uint64
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if id, ok := ParseSegmentName(file.Name()); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// store is a file-backed segment.
//
// Appends go straight to an O_APPEND handle in a single write so a record is
// never split across calls, and reads use ReadAt so readers don't share a cursor.
// Once sealed the file is memory-mapped read-only and reads are served from the map.
type store struct {
	*os.File
	id     uint64
	size   uint64
	sync   bool
	sealed bool
	mmap   gommap.MMap
}

func openStore(dir string, id uint64, sync bool) (*store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(
		filepath.Join(dir, SegmentName(id)),
		os.O_RDWR|os.O_CREATE|os.O_APPEND,
		0o644,
	)
	if err != nil {
		return nil, err
	}

	// in case we're reopening a segment that already has data, which happens
	// every time the service restarts
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	adviseSequential(f)

	return &store{
		File: f,
		id:   id,
		size: uint64(fi.Size()),
		sync: sync,
	}, nil
}

func (s *store) ID() uint64 {
	return s.id
}

func (s *store) Size() uint64 {
	return s.size
}

// Append persists p and returns the new size of the segment. A failed write is
// rolled back so the tracked size always matches what is on disk.
func (s *store) Append(p []byte) (uint64, error) {
	if s.sealed {
		return 0, ErrSealed
	}

	n, err := s.File.Write(p)
	if err != nil {
		if n > 0 {
			if terr := s.File.Truncate(int64(s.size)); terr != nil {
				return 0, errors.Join(err, terr)
			}
		}
		return 0, err
	}
	if s.sync {
		if err := s.File.Sync(); err != nil {
			return 0, err
		}
	}

	s.size += uint64(n)
	return s.size, nil
}

func (s *store) Lookup(off, size uint64) ([]byte, error) {
	if !checkRange(off, size, s.size) {
		return nil, ErrEOF
	}

	b := make([]byte, size)
	if s.mmap != nil {
		copy(b, s.mmap[off:off+size])
		return b, nil
	}

	if _, err := s.File.ReadAt(b, int64(off)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEOF
		}
		return nil, err
	}
	return b, nil
}

func (s *store) ModTime() (time.Time, error) {
	fi, err := s.File.Stat()
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// Seal stops appends and maps the file for reads. Empty files can't be mapped
// and keep reading through the file handle.
func (s *store) Seal() error {
	if s.sealed {
		return nil
	}
	s.sealed = true
	if s.size == 0 {
		return nil
	}

	m, err := gommap.Map(s.File.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("map segment %d: %w", s.id, err)
	}
	s.mmap = m
	return nil
}

func (s *store) Truncate(size uint64) error {
	if s.sealed {
		return ErrSealed
	}
	if size > s.size {
		return fmt.Errorf("truncate segment %d to %d: larger than %d", s.id, size, s.size)
	}
	if err := s.File.Truncate(int64(size)); err != nil {
		return err
	}
	s.size = size
	return nil
}

// Remove closes the segment and deletes its file.
func (s *store) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.Remove(s.Name())
}

func (s *store) Close() error {
	if s.mmap != nil {
		if err := s.mmap.UnsafeUnmap(); err != nil {
			return err
		}
		s.mmap = nil
	}
	return s.File.Close()
}
