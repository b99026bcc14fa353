package log

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Log is an append-only sequence of bytes split across segments.
//
// Offsets are byte positions in the whole log. The offset store records where each
// segment starts, so a lookup finds the owning segment and reads relative to it.
// Exactly one segment, the active one, takes appends.
type Log struct {
	mu sync.RWMutex

	// The directory the log will store its segments in.
	Dir    string
	Config Config

	logger  zerolog.Logger
	offsets *OffsetStore
	// id of the segment taking appends; always present in segments
	active   uint64
	segments map[uint64]Segment
}

/*
When a log opens, it's responsible for setting itself up from the segments that already
exist or, if the log is new, for bootstrapping segment 0 and the first offset store entry.

Every segment other than the highest id is sealed, and the highest id becomes active.
*/
func NewLog(dir string, c Config) (*Log, error) {
	if c.Segment.MaxBytes == 0 {
		c.Segment.MaxBytes = 1 << 30
	}
	if c.Backend == nil {
		c.Backend = FileBackend{}
	}

	l := &Log{
		Dir:    dir,
		Config: c,
	}
	if c.Logger != nil {
		l.logger = *c.Logger
	} else {
		l.logger = zerolog.New(os.Stderr).With().Str("service", "log").Logger()
	}

	return l, l.setup()
}

// setup loads the offset store and the segments and picks the active segment.
func (l *Log) setup() error {
	backend := l.Config.Backend

	seg, err := backend.OpenSegment(l.Dir, OffsetStoreID)
	if err != nil {
		return fmt.Errorf("open offset store: %w", err)
	}
	if l.offsets, err = NewOffsetStore(seg); err != nil {
		_ = seg.Close()
		return err
	}

	ids, err := backend.SegmentIDs(l.Dir)
	if err != nil {
		return err
	}
	ids = slices.DeleteFunc(ids, func(id uint64) bool { return id == OffsetStoreID })
	slices.Sort(ids)

	l.segments = make(map[uint64]Segment, len(ids))
	for _, id := range ids {
		s, err := backend.OpenSegment(l.Dir, id)
		if err != nil {
			return fmt.Errorf("open segment %d: %w", id, err)
		}
		l.segments[id] = s
	}

	if len(ids) == 0 {
		s, err := backend.OpenSegment(l.Dir, 0)
		if err != nil {
			return fmt.Errorf("open segment 0: %w", err)
		}
		l.segments[0] = s
		if l.offsets.Len() == 0 {
			if err := l.offsets.Insert(0, 0); err != nil {
				return err
			}
		}
		ids = []uint64{0}
	}

	l.active = ids[len(ids)-1]
	if err := l.reconcile(ids); err != nil {
		return err
	}

	for _, id := range ids[:len(ids)-1] {
		if err := l.segments[id].Seal(); err != nil {
			return err
		}
	}

	if m := l.Config.Metrics; m != nil {
		m.Segments.Add(float64(len(l.segments)))
	}
	l.logger.Debug().
		Str("dir", l.Dir).
		Uint64("active", l.active).
		Int("segments", len(l.segments)).
		Msg("log opened")
	return nil
}

// reconcile makes sure every loaded segment has an offset store entry. A
// segment can be missing one if the process died between creating it and
// recording it; its base is then the end of the segment before it.
func (l *Log) reconcile(ids []uint64) error {
	for i, id := range ids {
		if _, ok := l.offsets.Base(id); ok {
			continue
		}

		var base uint64
		switch {
		case i == 0 && id == 0 && l.offsets.Len() == 0:
			base = 0
		case i > 0 && ids[i-1] == id-1:
			prev := ids[i-1]
			prevBase, ok := l.offsets.Base(prev)
			if !ok {
				return fmt.Errorf("segment %d: %w", prev, ErrIndexMismatch)
			}
			base = prevBase + l.segments[prev].Size()
		default:
			return fmt.Errorf("segment %d: %w", id, ErrIndexMismatch)
		}

		if err := l.offsets.Insert(base, id); err != nil {
			return err
		}
		l.logger.Info().
			Uint64("segment", id).
			Uint64("base", base).
			Msg("recovered missing offset entry")
	}
	return nil
}

// Append writes p to the active segment and returns the log offset where p
// begins. Once the active segment has grown past the limit the log rolls
// over to a new segment; the check happens after the write, never before.
//
// If the write succeeds but the rollover fails, the offset is returned along
// with the error.
func (l *Log) Append(p []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	size, err := l.activeSegment().Append(p)
	if err != nil {
		return 0, err
	}

	base := l.offsets.MaxOffset()
	off := base + size - uint64(len(p))
	if m := l.Config.Metrics; m != nil {
		m.Appends.Inc()
		m.AppendedBytes.Add(float64(len(p)))
	}

	if size > l.Config.Segment.MaxBytes {
		if err := l.roll(base + size); err != nil {
			return off, err
		}
	}
	return off, nil
}

// roll seals the active segment and makes a new one, starting at offset, active.
func (l *Log) roll(offset uint64) error {
	id := l.active + 1
	s, err := l.Config.Backend.OpenSegment(l.Dir, id)
	if err != nil {
		return fmt.Errorf("open segment %d: %w", id, err)
	}
	if err := l.offsets.Insert(offset, id); err != nil {
		_ = s.Close()
		return err
	}

	prev := l.activeSegment()
	l.segments[id] = s
	l.active = id
	if err := prev.Seal(); err != nil {
		return err
	}

	if m := l.Config.Metrics; m != nil {
		m.Rollovers.Inc()
		m.Segments.Inc()
	}
	l.logger.Debug().
		Uint64("sealed", prev.ID()).
		Uint64("active", id).
		Uint64("base", offset).
		Msg("rolled over segment")
	return nil
}

// Lookup returns size bytes starting at log offset off.
//
// It fails with ErrSegmentExpired when the owning segment was removed by Expire,
// and with ErrEOF when the range runs past the end of the owning segment.
func (l *Log) Lookup(off, size uint64) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, base, ok := l.offsets.Get(off)
	if !ok {
		return nil, ErrOffsetNotFound
	}
	s, ok := l.segments[id]
	if !ok {
		return nil, ErrSegmentExpired
	}
	return s.Lookup(off-base, size)
}

// Expire removes every sealed segment last modified before before. The active
// segment is never removed. Offset store entries stay, so lookups into an
// expired range report ErrSegmentExpired rather than ErrEOF.
func (l *Log) Expire(before time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []uint64
	for id, s := range l.segments {
		if id == l.active {
			continue
		}
		mt, err := s.ModTime()
		if err != nil {
			return err
		}
		if mt.Before(before) {
			expired = append(expired, id)
		}
	}
	slices.Sort(expired)

	for _, id := range expired {
		if err := l.segments[id].Remove(); err != nil {
			return fmt.Errorf("remove segment %d: %w", id, err)
		}
		delete(l.segments, id)

		if m := l.Config.Metrics; m != nil {
			m.Expired.Inc()
			m.Segments.Dec()
		}
		l.logger.Info().Uint64("segment", id).Msg("segment expired")
	}
	return nil
}

// NextOffset returns the offset the next append will be written at.
func (l *Log) NextOffset() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.offsets.MaxOffset() + l.activeSegment().Size()
}

// Active returns the id of the segment taking appends.
func (l *Log) Active() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// SegmentIDs returns the ids of the loaded segments in ascending order.
func (l *Log) SegmentIDs() []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sortedIDs()
}

func (l *Log) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(l.segments))
	for id := range l.segments {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// activeSegment must be called with l.mu held. A missing active segment can only
// come from a bug, and carrying on would corrupt offset accounting.
func (l *Log) activeSegment() Segment {
	s, ok := l.segments[l.active]
	if !ok {
		panic(fmt.Sprintf("log: no active segment %d", l.active))
	}
	return s
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.sortedIDs() {
		if err := l.segments[id].Close(); err != nil {
			return err
		}
	}
	if m := l.Config.Metrics; m != nil {
		m.Segments.Sub(float64(len(l.segments)))
	}
	return l.offsets.Close()
}

// Remove deletes every segment and the offset store. For a FileBackend the
// log directory is removed as well.
func (l *Log) Remove() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.sortedIDs() {
		if err := l.segments[id].Remove(); err != nil {
			return err
		}
	}
	if m := l.Config.Metrics; m != nil {
		m.Segments.Sub(float64(len(l.segments)))
	}
	clear(l.segments)
	if err := l.offsets.Remove(); err != nil {
		return err
	}
	if _, ok := l.Config.Backend.(FileBackend); ok {
		return os.RemoveAll(l.Dir)
	}
	return nil
}

// Reader returns an io.Reader over every retained byte of the log, oldest
// segment first. Each read holds the log's read lock. Segments removed by
// Expire before the reader reaches them are skipped; one removed part way
// through fails the read with ErrSegmentExpired.
func (l *Log) Reader() io.Reader {
	l.mu.RLock()
	ids := l.sortedIDs()
	l.mu.RUnlock()

	readers := make([]io.Reader, len(ids))
	for i, id := range ids {
		readers[i] = &segmentReader{log: l, id: id}
	}
	return io.MultiReader(readers...)
}

// segmentReader reads one segment from its start, advancing after each read.
type segmentReader struct {
	log *Log
	id  uint64
	off uint64
}

func (r *segmentReader) Read(p []byte) (int, error) {
	r.log.mu.RLock()
	defer r.log.mu.RUnlock()

	s, ok := r.log.segments[r.id]
	if !ok {
		if r.off > 0 {
			return 0, fmt.Errorf("segment %d: %w", r.id, ErrSegmentExpired)
		}
		return 0, io.EOF
	}

	size := s.Size()
	if r.off >= size {
		return 0, io.EOF
	}
	n := min(uint64(len(p)), size-r.off)
	b, err := s.Lookup(r.off, n)
	if err != nil {
		return 0, err
	}
	r.off += uint64(copy(p, b))
	return len(b), nil
}
