package log

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"
)

var errRemoved = errors.New("log: segment removed")

// MemFS is an in-memory Backend that behaves like a small file system: every
// segment opened on the same directory and id shares the same bytes, and data
// survives reopening a log for as long as the MemFS itself is alive.
//
// The zero value is ready to use. Each test should own its own MemFS.
type MemFS struct {
	// Now stamps modification times. Defaults to time.Now.
	Now func() time.Time

	mu    sync.Mutex
	files map[string]*memFile
}

type memFile struct {
	data    []byte
	modTime time.Time
}

var _ Backend = (*MemFS)(nil)

// We use this init() helper to lazily initialize the file map so the zero
// value is useful.
func (fs *MemFS) init() {
	if fs.files == nil {
		fs.files = make(map[string]*memFile)
	}
}

func (fs *MemFS) now() time.Time {
	if fs.Now != nil {
		return fs.Now()
	}
	return time.Now()
}

func (fs *MemFS) OpenSegment(dir string, id uint64) (Segment, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.init()

	p := path.Join(dir, SegmentName(id))
	if _, ok := fs.files[p]; !ok {
		fs.files[p] = &memFile{modTime: fs.now()}
	}
	return &memSegment{fs: fs, id: id, path: p}, nil
}

func (fs *MemFS) SegmentIDs(dir string) ([]uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir = path.Clean(dir)
	var ids []uint64
	for p := range fs.files {
		if path.Dir(p) != dir {
			continue
		}
		if id, ok := ParseSegmentName(path.Base(p)); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Chtimes sets the modification time of a segment, like os.Chtimes.
func (fs *MemFS) Chtimes(dir string, id uint64, mtime time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, ok := fs.files[path.Join(dir, SegmentName(id))]
	if !ok {
		return fmt.Errorf("segment %d in %s: %w", id, dir, errRemoved)
	}
	f.modTime = mtime
	return nil
}

// exists reports whether a segment is stored under dir.
func (fs *MemFS) exists(dir string, id uint64) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	_, ok := fs.files[path.Join(dir, SegmentName(id))]
	return ok
}

// memSegment is a handle onto a MemFS file. Handles don't synchronize with each
// other beyond the MemFS lock, same as two file descriptors on one file.
type memSegment struct {
	fs     *MemFS
	id     uint64
	path   string
	sealed bool
}

// file must be called with fs.mu held.
func (s *memSegment) file() (*memFile, error) {
	f, ok := s.fs.files[s.path]
	if !ok {
		return nil, fmt.Errorf("segment %d: %w", s.id, errRemoved)
	}
	return f, nil
}

func (s *memSegment) ID() uint64 {
	return s.id
}

func (s *memSegment) Append(p []byte) (uint64, error) {
	if s.sealed {
		return 0, ErrSealed
	}

	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	f, err := s.file()
	if err != nil {
		return 0, err
	}
	f.data = append(f.data, p...)
	f.modTime = s.fs.now()
	return uint64(len(f.data)), nil
}

func (s *memSegment) Lookup(off, size uint64) ([]byte, error) {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	f, err := s.file()
	if err != nil {
		return nil, err
	}
	if !checkRange(off, size, uint64(len(f.data))) {
		return nil, ErrEOF
	}

	b := make([]byte, size)
	copy(b, f.data[off:off+size])
	return b, nil
}

func (s *memSegment) Size() uint64 {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	f, err := s.file()
	if err != nil {
		return 0
	}
	return uint64(len(f.data))
}

func (s *memSegment) ModTime() (time.Time, error) {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	f, err := s.file()
	if err != nil {
		return time.Time{}, err
	}
	return f.modTime, nil
}

func (s *memSegment) Seal() error {
	s.sealed = true
	return nil
}

func (s *memSegment) Truncate(size uint64) error {
	if s.sealed {
		return ErrSealed
	}

	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	f, err := s.file()
	if err != nil {
		return err
	}
	if size > uint64(len(f.data)) {
		return fmt.Errorf("truncate segment %d to %d: larger than %d", s.id, size, len(f.data))
	}
	f.data = f.data[:size:size]
	f.modTime = s.fs.now()
	return nil
}

func (s *memSegment) Remove() error {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	if _, err := s.file(); err != nil {
		return err
	}
	delete(s.fs.files, s.path)
	return nil
}

func (s *memSegment) Close() error {
	return nil
}
