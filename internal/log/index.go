package log

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

/*
The offset store maps log-wide offsets to the segment that owns them. Each entry says
"segment id owns every offset from here until the next entry". Entries are persisted to a
reserved segment as fixed-width records: the offset followed by the segment id, both
big-endian uint64s. Knowing the width lets us replay the file by stepping entWidth bytes
at a time.
*/

var (
	enc = binary.BigEndian
)

const (
	offWidth uint64 = 8
	idWidth  uint64 = 8
	entWidth        = offWidth + idWidth
)

type offsetEntry struct {
	offset uint64
	id     uint64
}

type OffsetStore struct {
	seg     Segment
	entries []offsetEntry
}

// NewOffsetStore replays every entry persisted in seg. A short read means the
// end of valid data: a half-written trailing entry left by a crash is cut off
// rather than reported, so the next insert lands on an entry boundary.
func NewOffsetStore(seg Segment) (*OffsetStore, error) {
	s := &OffsetStore{seg: seg}

	var pos uint64
	for {
		b, err := seg.Lookup(pos, entWidth)
		if errors.Is(err, ErrEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("replay offset store at %d: %w", pos, err)
		}

		e := offsetEntry{
			offset: enc.Uint64(b[:offWidth]),
			id:     enc.Uint64(b[offWidth:entWidth]),
		}
		if n := len(s.entries); n > 0 && e.offset <= s.entries[n-1].offset {
			break
		}
		s.entries = append(s.entries, e)
		pos += entWidth
	}

	if pos < seg.Size() {
		if err := seg.Truncate(pos); err != nil {
			return nil, fmt.Errorf("truncate offset store to %d: %w", pos, err)
		}
	}
	return s, nil
}

// Insert records that segment id owns offsets starting at offset. The entry is
// written to the backing segment first and only then added in memory, so a
// failed write leaves the store unchanged.
func (s *OffsetStore) Insert(offset, id uint64) error {
	if n := len(s.entries); n > 0 && offset <= s.entries[n-1].offset {
		return fmt.Errorf("insert offset %d after %d: %w", offset, s.entries[n-1].offset, ErrOffsetOrder)
	}

	b := make([]byte, entWidth)
	enc.PutUint64(b[:offWidth], offset)
	enc.PutUint64(b[offWidth:], id)
	if _, err := s.seg.Append(b); err != nil {
		return err
	}

	s.entries = append(s.entries, offsetEntry{offset: offset, id: id})
	return nil
}

// Get returns the segment owning offset and that segment's first offset: the
// entry with the greatest offset not above the query.
func (s *OffsetStore) Get(offset uint64) (id, base uint64, ok bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].offset > offset
	})
	if i == 0 {
		return 0, 0, false
	}
	e := s.entries[i-1]
	return e.id, e.offset, true
}

// MaxOffset returns the greatest recorded offset, which is where the active
// segment starts. It is 0 for an empty store.
func (s *OffsetStore) MaxOffset() uint64 {
	off, _, _ := s.Last()
	return off
}

// Last returns the newest entry.
func (s *OffsetStore) Last() (offset, id uint64, ok bool) {
	if len(s.entries) == 0 {
		return 0, 0, false
	}
	e := s.entries[len(s.entries)-1]
	return e.offset, e.id, true
}

// Base returns the first offset owned by segment id.
func (s *OffsetStore) Base(id uint64) (uint64, bool) {
	for _, e := range s.entries {
		if e.id == id {
			return e.offset, true
		}
	}
	return 0, false
}

func (s *OffsetStore) Len() int {
	return len(s.entries)
}

func (s *OffsetStore) Close() error {
	return s.seg.Close()
}

// Remove deletes the backing segment.
func (s *OffsetStore) Remove() error {
	s.entries = nil
	return s.seg.Remove()
}
