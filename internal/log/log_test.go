package log

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// harness opens logs on one backend and can backdate their segments.
type harness struct {
	backend Backend
	dir     string
	age     func(t *testing.T, id uint64, mtime time.Time)
}

func (h *harness) open(t *testing.T, maxBytes uint64) *Log {
	t.Helper()
	logger := zerolog.Nop()
	c := Config{Backend: h.backend, Logger: &logger}
	c.Segment.MaxBytes = maxBytes
	l, err := NewLog(h.dir, c)
	require.NoError(t, err)
	return l
}

func harnesses() map[string]func(t *testing.T) *harness {
	return map[string]func(t *testing.T) *harness{
		"file": func(t *testing.T) *harness {
			dir := t.TempDir()
			return &harness{
				backend: FileBackend{},
				dir:     dir,
				age: func(t *testing.T, id uint64, mtime time.Time) {
					require.NoError(t, os.Chtimes(filepath.Join(dir, SegmentName(id)), mtime, mtime))
				},
			}
		},
		"mem": func(t *testing.T) *harness {
			fs := &MemFS{}
			return &harness{
				backend: fs,
				dir:     "log",
				age: func(t *testing.T, id uint64, mtime time.Time) {
					require.NoError(t, fs.Chtimes("log", id, mtime))
				},
			}
		},
	}
}

func TestLog(t *testing.T) {
	for name, newHarness := range harnesses() {
		for scenario, fn := range map[string]func(t *testing.T, h *harness){
			"empty log round trip":              testEmptyLog,
			"read existing single segment":      testReadExisting,
			"write multiple segments":           testMultipleSegments,
			"reopen keeps offsets":              testLoadLog,
			"active segment never expires":      testExpireActive,
			"expire old segment":                testExpireOld,
			"reopen after expiry":               testLoadExpired,
			"lookup on empty log is eof":        testLookupEOF,
			"lookup past end of segment is eof": testLookupPastSegment,
			"reader":                            testReader,
			"reader skips expired segments":     testReaderSkipsExpired,
			"reader fails on mid-read expiry":   testReaderMidExpiry,
			"reopen with a different limit":     testReopenDifferentLimit,
			"next offset":                       testNextOffset,
			"concurrent appends":                testConcurrentAppends,
		} {
			t.Run(name+"/"+scenario, func(t *testing.T) {
				fn(t, newHarness(t))
			})
		}
	}
}

func testEmptyLog(t *testing.T, h *harness) {
	l := h.open(t, 10)
	defer l.Close()

	written := []byte{1, 2, 3, 4}
	off, err := l.Append(written)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)

	read, err := l.Lookup(0, 4)
	require.NoError(t, err)
	require.Equal(t, written, read)
}

func testReadExisting(t *testing.T, h *harness) {
	l := h.open(t, 10)
	written := []byte{1, 2, 3, 4}
	_, err := l.Append(written)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l = h.open(t, 10)
	defer l.Close()
	read, err := l.Lookup(0, 4)
	require.NoError(t, err)
	require.Equal(t, written, read)
}

// appendAll writes the same batches the multi-segment scenarios build on.
// With a limit of 3 they land in segments 0, 1, 2, 2, 2 and 3.
func appendAll(t *testing.T, l *Log) {
	t.Helper()
	for i, p := range [][]byte{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
		{7},
		{8},
		{9, 10},
		{11, 12},
	} {
		off, err := l.Append(p)
		require.NoError(t, err)
		require.Equal(t, []uint64{0, 4, 8, 9, 10, 12}[i], off)
	}
}

func testMultipleSegments(t *testing.T, h *harness) {
	l := h.open(t, 3)
	defer l.Close()
	appendAll(t, l)

	require.Equal(t, []uint64{0, 1, 2, 3}, l.SegmentIDs())
	require.Equal(t, uint64(3), l.Active())

	for id, want := range map[uint64][]byte{
		0: {1, 2, 3, 4},
		1: {5, 6, 7, 8},
		2: {7, 8, 9, 10},
		3: {11, 12},
	} {
		s, err := h.backend.OpenSegment(h.dir, id)
		require.NoError(t, err)
		got, err := s.Lookup(0, uint64(len(want)))
		require.NoError(t, err)
		require.Equal(t, want, got)
		require.NoError(t, s.Close())
	}

	for off, want := range map[uint64][]byte{
		0:  {1, 2, 3, 4},
		4:  {5, 6, 7, 8},
		8:  {7, 8},
		10: {9, 10},
		12: {11, 12},
	} {
		got, err := l.Lookup(off, uint64(len(want)))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func testLoadLog(t *testing.T, h *harness) {
	l := h.open(t, 3)
	appendAll(t, l)
	require.NoError(t, l.Close())

	l = h.open(t, 3)
	defer l.Close()
	require.Equal(t, uint64(3), l.Active())
	require.Equal(t, uint64(14), l.NextOffset())

	for off, want := range map[uint64][]byte{
		0:  {1, 2, 3, 4},
		4:  {5, 6, 7, 8},
		8:  {7, 8},
		10: {9, 10},
	} {
		got, err := l.Lookup(off, uint64(len(want)))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	off, err := l.Append([]byte{13})
	require.NoError(t, err)
	require.Equal(t, uint64(14), off)
}

func testExpireActive(t *testing.T, h *harness) {
	l := h.open(t, 10)
	defer l.Close()

	_, err := l.Append([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	h.age(t, 0, time.Now().Add(-time.Hour))

	require.NoError(t, l.Expire(time.Now()))
	got, err := l.Lookup(0, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, got)
}

// expireFirst fills segment 0, backdates it and expires it, leaving [5, 6]
// at offset 4 in the active segment.
func expireFirst(t *testing.T, h *harness, l *Log) {
	t.Helper()
	_, err := l.Append([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = l.Append([]byte{5, 6})
	require.NoError(t, err)

	h.age(t, 0, time.Now().Add(-time.Hour))
	require.NoError(t, l.Expire(time.Now().Add(-time.Minute)))
}

func testExpireOld(t *testing.T, h *harness) {
	l := h.open(t, 3)
	defer l.Close()
	expireFirst(t, h, l)

	_, err := l.Lookup(0, 4)
	require.ErrorIs(t, err, ErrSegmentExpired)
	require.Equal(t, []uint64{1}, l.SegmentIDs())

	got, err := l.Lookup(4, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 6}, got)

	ids, err := h.backend.SegmentIDs(h.dir)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{1, OffsetStoreID}, ids)
}

func testLoadExpired(t *testing.T, h *harness) {
	l := h.open(t, 3)
	expireFirst(t, h, l)
	require.NoError(t, l.Close())

	l = h.open(t, 3)
	defer l.Close()

	_, err := l.Lookup(0, 4)
	require.ErrorIs(t, err, ErrSegmentExpired)

	got, err := l.Lookup(4, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 6}, got)
}

func testLookupEOF(t *testing.T, h *harness) {
	l := h.open(t, 3)
	defer l.Close()

	require.Equal(t, []uint64{0}, l.SegmentIDs())
	require.Equal(t, 1, l.offsets.Len())

	_, err := l.Lookup(0, 4)
	require.ErrorIs(t, err, ErrEOF)
}

func testLookupPastSegment(t *testing.T, h *harness) {
	l := h.open(t, 3)
	defer l.Close()
	appendAll(t, l)

	// Ranges never span segments.
	_, err := l.Lookup(2, 4)
	require.ErrorIs(t, err, ErrEOF)
	_, err = l.Lookup(14, 1)
	require.ErrorIs(t, err, ErrEOF)
}

func testReader(t *testing.T, h *harness) {
	l := h.open(t, 3)
	defer l.Close()
	appendAll(t, l)

	b, err := io.ReadAll(l.Reader())
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 7, 8, 9, 10, 11, 12}, b)
}

func testReaderSkipsExpired(t *testing.T, h *harness) {
	l := h.open(t, 3)
	defer l.Close()
	_, err := l.Append([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = l.Append([]byte{5, 6})
	require.NoError(t, err)

	r := l.Reader()
	h.age(t, 0, time.Now().Add(-time.Hour))
	require.NoError(t, l.Expire(time.Now().Add(-time.Minute)))

	b, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 6}, b)
}

func testReaderMidExpiry(t *testing.T, h *harness) {
	l := h.open(t, 3)
	defer l.Close()
	_, err := l.Append([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = l.Append([]byte{5, 6})
	require.NoError(t, err)

	r := l.Reader()
	buf := make([]byte, 2)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, buf)

	h.age(t, 0, time.Now().Add(-time.Hour))
	require.NoError(t, l.Expire(time.Now().Add(-time.Minute)))

	_, err = io.ReadAll(r)
	require.ErrorIs(t, err, ErrSegmentExpired)
}

func testReopenDifferentLimit(t *testing.T, h *harness) {
	l := h.open(t, 3)
	appendAll(t, l)
	require.NoError(t, l.Close())

	// Existing boundaries stay put; only later rollovers use the new limit.
	l = h.open(t, 100)
	defer l.Close()
	require.Equal(t, []uint64{0, 1, 2, 3}, l.SegmentIDs())

	for off, want := range map[uint64][]byte{
		0:  {1, 2, 3, 4},
		4:  {5, 6, 7, 8},
		8:  {7, 8},
		12: {11, 12},
	} {
		got, err := l.Lookup(off, uint64(len(want)))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := l.Lookup(2, 4)
	require.ErrorIs(t, err, ErrEOF)

	off, err := l.Append([]byte{13, 14, 15, 16})
	require.NoError(t, err)
	require.Equal(t, uint64(14), off)
	require.Equal(t, uint64(3), l.Active())
	require.Equal(t, uint64(18), l.NextOffset())
}

func testNextOffset(t *testing.T, h *harness) {
	l := h.open(t, 3)
	defer l.Close()
	require.Equal(t, uint64(0), l.NextOffset())

	_, err := l.Append([]byte{1, 2})
	require.NoError(t, err)
	require.Equal(t, uint64(2), l.NextOffset())

	_, err = l.Append([]byte{3, 4})
	require.NoError(t, err)
	require.Equal(t, uint64(4), l.NextOffset())
	require.Equal(t, uint64(1), l.Active())
}

func testConcurrentAppends(t *testing.T, h *harness) {
	l := h.open(t, 64)
	defer l.Close()

	const writers, each = 8, 25
	record := []byte("abcd")
	offsets := make(chan uint64, writers*each)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				off, err := l.Append(record)
				if err != nil {
					t.Error(err)
					return
				}
				offsets <- off
			}
		}()
	}
	wg.Wait()
	close(offsets)

	seen := make(map[uint64]bool)
	for off := range offsets {
		require.Zero(t, off%uint64(len(record)))
		require.False(t, seen[off])
		seen[off] = true

		got, err := l.Lookup(off, uint64(len(record)))
		require.NoError(t, err)
		require.Equal(t, record, got)
	}
	require.Len(t, seen, writers*each)
	require.Equal(t, uint64(writers*each*len(record)), l.NextOffset())
}

func TestLogRecoversMissingOffsetEntry(t *testing.T) {
	fs := &MemFS{}
	h := &harness{backend: fs, dir: "log"}

	l := h.open(t, 3)
	_, err := l.Append([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = l.Append([]byte{5, 6})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Lose the entry for segment 1, as if the process died right after
	// creating the segment.
	seg, err := fs.OpenSegment("log", OffsetStoreID)
	require.NoError(t, err)
	require.NoError(t, seg.Truncate(entWidth))

	l = h.open(t, 3)
	defer l.Close()

	got, err := l.Lookup(4, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 6}, got)
	require.Equal(t, uint64(6), l.NextOffset())

	off, err := l.Append([]byte{7})
	require.NoError(t, err)
	require.Equal(t, uint64(6), off)
}

func TestLogRejectsUnreconcilableSegments(t *testing.T) {
	fs := &MemFS{}
	for _, id := range []uint64{0, 2} {
		_, err := fs.OpenSegment("log", id)
		require.NoError(t, err)
	}

	logger := zerolog.Nop()
	_, err := NewLog("log", Config{Backend: fs, Logger: &logger})
	require.ErrorIs(t, err, ErrIndexMismatch)
}

func TestLogDefaults(t *testing.T) {
	l, err := NewLog(t.TempDir(), Config{})
	require.NoError(t, err)
	defer l.Close()

	require.Equal(t, uint64(1<<30), l.Config.Segment.MaxBytes)
	require.Equal(t, FileBackend{}, l.Config.Backend)
}

func TestLogPanicsWithoutActiveSegment(t *testing.T) {
	h := &harness{backend: &MemFS{}, dir: "log"}
	l := h.open(t, 3)
	l.active = 42

	require.Panics(t, func() { _, _ = l.Append([]byte{1}) })
}

func TestLogMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	logger := zerolog.Nop()
	c := Config{Backend: &MemFS{}, Logger: &logger, Metrics: m}
	c.Segment.MaxBytes = 3
	l, err := NewLog("log", c)
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(m.Segments))

	appendAll(t, l)
	require.Equal(t, float64(6), testutil.ToFloat64(m.Appends))
	require.Equal(t, float64(14), testutil.ToFloat64(m.AppendedBytes))
	require.Equal(t, float64(3), testutil.ToFloat64(m.Rollovers))
	require.Equal(t, float64(4), testutil.ToFloat64(m.Segments))

	require.NoError(t, l.Expire(time.Now().Add(time.Hour)))
	require.Equal(t, float64(3), testutil.ToFloat64(m.Expired))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Segments))

	require.NoError(t, l.Close())
	require.Equal(t, float64(0), testutil.ToFloat64(m.Segments))
}

func TestLogLogsRollovers(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	c := Config{Backend: &MemFS{}, Logger: &logger}
	c.Segment.MaxBytes = 3
	l, err := NewLog("log", c)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"message":"rolled over segment"`)
	require.Contains(t, buf.String(), `"active":1`)
}

func TestLogRemove(t *testing.T) {
	for name, newHarness := range harnesses() {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			l := h.open(t, 3)
			appendAll(t, l)
			require.NoError(t, l.Remove())

			ids, err := h.backend.SegmentIDs(h.dir)
			require.NoError(t, err)
			require.Empty(t, ids)
		})
	}
}
