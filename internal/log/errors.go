package log

import "errors"

var (
	// ErrEOF is returned when a requested byte range runs past the end of a
	// segment or of the log. It means "no data here yet", not a failure.
	ErrEOF = errors.New("log: read past end of data")
	// ErrOffsetNotFound is returned when no offset store entry covers an offset.
	ErrOffsetNotFound = errors.New("log: offset not found")
	// ErrSegmentExpired is returned when an offset belongs to a segment that
	// existed but was removed by Expire.
	ErrSegmentExpired = errors.New("log: segment expired")
	// ErrSealed is returned when appending to a segment that is no longer active.
	ErrSealed = errors.New("log: segment is sealed")
	// ErrOffsetOrder is returned when an offset store entry would not be
	// strictly greater than the last one.
	ErrOffsetOrder = errors.New("log: offsets must be strictly increasing")
	// ErrIndexMismatch is returned on open when the offset store cannot be
	// reconciled with the segments found on disk.
	ErrIndexMismatch = errors.New("log: offset store does not match segments")
)
