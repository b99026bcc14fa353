package log

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

/*
A segment is a bounded, append-only run of bytes identified by an id. It knows nothing
about log-wide offsets: the offset store and the log own all of that arithmetic, so a
segment is just a byte array with random-access reads.

Segments move through three states. The active one takes appends. When the log rolls
over it seals the previous segment, after which the segment only serves reads. Expire
removes sealed segments for good.
*/
type Segment interface {
	ID() uint64
	// Append writes p at the end of the segment and returns the segment's new size.
	Append(p []byte) (uint64, error)
	// Lookup returns exactly size bytes starting at off, or ErrEOF when the range
	// runs past the current end.
	Lookup(off, size uint64) ([]byte, error)
	Size() uint64
	ModTime() (time.Time, error)
	// Seal marks the segment read-only.
	Seal() error
	// Truncate cuts the segment down to size bytes.
	Truncate(size uint64) error
	// Remove deletes the backing storage. It cannot be undone.
	Remove() error
	Close() error
}

// Backend creates and discovers segments. FileBackend stores them as files;
// MemFS keeps them in memory for tests.
type Backend interface {
	OpenSegment(dir string, id uint64) (Segment, error)
	SegmentIDs(dir string) ([]uint64, error)
}

const (
	// OffsetStoreID is the reserved segment id holding the offset store.
	OffsetStoreID uint64 = math.MaxUint64

	segmentExt = ".segment"
	nameWidth  = 20
)

// SegmentName returns the file name for a segment id. Ids are zero-padded to 20
// digits so lexical and numeric order agree.
func SegmentName(id uint64) string {
	return fmt.Sprintf("%0*d%s", nameWidth, id, segmentExt)
}

// ParseSegmentName is the inverse of SegmentName. It reports false for any
// name that SegmentName could not have produced.
func ParseSegmentName(name string) (uint64, bool) {
	if filepath.Ext(name) != segmentExt {
		return 0, false
	}
	digits := strings.TrimSuffix(name, segmentExt)
	if len(digits) != nameWidth {
		return 0, false
	}
	id, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// checkRange reports whether [off, off+size) fits inside a segment of the given length.
func checkRange(off, size, length uint64) bool {
	end := off + size
	if end < off {
		return false
	}
	return end <= length
}
