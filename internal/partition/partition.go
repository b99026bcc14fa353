// Package partition stores whole records in a log and reads them back by
// offset alone.
package partition

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ttaaoo/wombatlog/internal/log"
	"github.com/ttaaoo/wombatlog/internal/record"
)

// CommitLog is the byte log a partition frames records into. *log.Log
// satisfies it.
type CommitLog interface {
	Append(p []byte) (uint64, error)
	Lookup(off, size uint64) ([]byte, error)
	Expire(before time.Time) error
	NextOffset() uint64
	Reader() io.Reader
	Close() error
}

var _ CommitLog = (*log.Log)(nil)

type Partition struct {
	log    CommitLog
	logger zerolog.Logger
}

// Open opens the log in dir and wraps it in a partition.
func Open(dir string, c log.Config) (*Partition, error) {
	l, err := log.NewLog(dir, c)
	if err != nil {
		return nil, err
	}
	logger := zerolog.New(os.Stderr).With().Str("service", "partition").Logger()
	if c.Logger != nil {
		logger = c.Logger.With().Str("service", "partition").Logger()
	}
	logger.Info().
		Str("dir", dir).
		Uint64("active", l.Active()).
		Uints64("segments", l.SegmentIDs()).
		Uint64("next_offset", l.NextOffset()).
		Msg("partition opened")
	return New(l, logger), nil
}

func New(l CommitLog, logger zerolog.Logger) *Partition {
	return &Partition{log: l, logger: logger}
}

// Append frames r and writes it with a single append, so concurrent writers
// can never interleave parts of two records. It returns the record's offset.
func (p *Partition) Append(r record.Record) (uint64, error) {
	return p.log.Append(record.Encode(r))
}

// AppendFrame writes an already encoded frame after checking it decodes.
func (p *Partition) AppendFrame(frame []byte) (uint64, error) {
	h, err := record.DecodeHeader(frame)
	if err != nil {
		return 0, err
	}
	if h.Size() != uint64(len(frame)) {
		return 0, fmt.Errorf("frame is %d bytes, header says %d: %w", len(frame), h.Size(), record.ErrShortBuffer)
	}
	if _, err := record.Decode(frame); err != nil {
		return 0, err
	}
	return p.log.Append(frame)
}

// ReadFrame returns the encoded frame stored at off after verifying its checksum.
func (p *Partition) ReadFrame(off uint64) ([]byte, error) {
	b, err := p.log.Lookup(off, record.HeaderSize)
	if err != nil {
		return nil, err
	}
	h, err := record.DecodeHeader(b)
	if err != nil {
		return nil, err
	}

	frame, err := p.log.Lookup(off, h.Size())
	if errors.Is(err, log.ErrEOF) {
		// The header promised more bytes than the segment holds.
		p.logger.Error().
			Uint64("offset", off).
			Uint64("size", h.Size()).
			Msg("record runs past end of segment")
		return nil, fmt.Errorf("record at %d: %w", off, record.ErrCorrupted)
	}
	if err != nil {
		return nil, err
	}

	if _, err := record.Decode(frame); err != nil {
		p.logger.Error().Err(err).Uint64("offset", off).Msg("corrupted record")
		return nil, fmt.Errorf("record at %d: %w", off, err)
	}
	return frame, nil
}

// Read returns the record at off and the offset of the record after it.
func (p *Partition) Read(off uint64) (record.Record, uint64, error) {
	frame, err := p.ReadFrame(off)
	if err != nil {
		return record.Record{}, 0, err
	}
	r, err := record.Decode(frame)
	if err != nil {
		return record.Record{}, 0, err
	}
	return r, off + uint64(len(frame)), nil
}

// Scan calls fn with every retained record, oldest first, and stops at the
// first error fn returns. Segments expired before the scan reaches them are
// skipped.
func (p *Partition) Scan(fn func(record.Record) error) error {
	r := bufio.NewReader(p.log.Reader())
	header := make([]byte, record.HeaderSize)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("truncated header: %w", record.ErrCorrupted)
			}
			return err
		}
		h, err := record.DecodeHeader(header)
		if err != nil {
			return err
		}

		body := h.Size() - record.HeaderSize
		if body > math.MaxInt64 {
			return fmt.Errorf("record of %d bytes: %w", h.Size(), record.ErrCorrupted)
		}
		var buf bytes.Buffer
		buf.Write(header)
		if _, err := io.CopyN(&buf, r, int64(body)); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("truncated record: %w", record.ErrCorrupted)
			}
			return err
		}

		rec, err := record.Decode(buf.Bytes())
		if err != nil {
			p.logger.Error().Err(err).Msg("corrupted record during scan")
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Expire drops sealed segments last written before before.
func (p *Partition) Expire(before time.Time) error {
	return p.log.Expire(before)
}

// NextOffset is the offset the next record will be written at.
func (p *Partition) NextOffset() uint64 {
	return p.log.NextOffset()
}

func (p *Partition) Close() error {
	return p.log.Close()
}
