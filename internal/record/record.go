// Package record frames key/value pairs for storage in the log.
//
// A frame is a fixed header followed by the key and value bytes:
//
//	key_len u64 | val_len u64 | crc u32 | key | value
//
// All integers are big-endian. The checksum is CRC-32 (IEEE) over the header,
// with the crc field zeroed, followed by the key and the value.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	lenWidth = 8
	crcWidth = 4

	// HeaderSize is the encoded size of a Header.
	HeaderSize = 2*lenWidth + crcWidth
)

var (
	enc = binary.BigEndian

	// ErrCorrupted is returned when a frame's checksum doesn't match its contents.
	ErrCorrupted = errors.New("record: checksum mismatch")
	// ErrShortBuffer is returned when a buffer is shorter than the frame it claims to hold.
	ErrShortBuffer = errors.New("record: short buffer")
)

type Record struct {
	Key   []byte
	Value []byte
}

type Header struct {
	KeyLen uint64
	ValLen uint64
	CRC    uint32
}

// Size returns the length of the whole frame described by h.
func (h Header) Size() uint64 {
	return HeaderSize + h.KeyLen + h.ValLen
}

func (h Header) put(b []byte) {
	enc.PutUint64(b[0:lenWidth], h.KeyLen)
	enc.PutUint64(b[lenWidth:2*lenWidth], h.ValLen)
	enc.PutUint32(b[2*lenWidth:HeaderSize], h.CRC)
}

// Size returns the length of r once framed.
func (r Record) Size() uint64 {
	return HeaderSize + uint64(len(r.Key)) + uint64(len(r.Value))
}

// Encode frames r into a single buffer.
func Encode(r Record) []byte {
	h := Header{KeyLen: uint64(len(r.Key)), ValLen: uint64(len(r.Value))}
	b := make([]byte, r.Size())
	h.put(b)
	copy(b[HeaderSize:], r.Key)
	copy(b[HeaderSize+len(r.Key):], r.Value)

	enc.PutUint32(b[2*lenWidth:HeaderSize], crc32.ChecksumIEEE(b))
	return b
}

// DecodeHeader reads the header at the start of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("header needs %d bytes, got %d: %w", HeaderSize, len(b), ErrShortBuffer)
	}
	h := Header{
		KeyLen: enc.Uint64(b[0:lenWidth]),
		ValLen: enc.Uint64(b[lenWidth : 2*lenWidth]),
		CRC:    enc.Uint32(b[2*lenWidth : HeaderSize]),
	}
	if h.KeyLen > h.KeyLen+h.ValLen || h.Size() < h.KeyLen+h.ValLen {
		return Header{}, fmt.Errorf("lengths %d+%d overflow: %w", h.KeyLen, h.ValLen, ErrCorrupted)
	}
	return h, nil
}

// Decode reads the frame at the start of b and verifies its checksum. Bytes
// past the end of the frame are ignored. The returned key and value alias b.
func Decode(b []byte) (Record, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Record{}, err
	}
	if uint64(len(b)) < h.Size() {
		return Record{}, fmt.Errorf("frame needs %d bytes, got %d: %w", h.Size(), len(b), ErrShortBuffer)
	}

	if checksum(b[:h.Size()]) != h.CRC {
		return Record{}, ErrCorrupted
	}

	split := HeaderSize + h.KeyLen
	return Record{
		Key:   b[HeaderSize:split:split],
		Value: b[split:h.Size():h.Size()],
	}, nil
}

// checksum computes the CRC of frame as if its crc field were zero.
func checksum(frame []byte) uint32 {
	var zero [crcWidth]byte
	crc := crc32.ChecksumIEEE(frame[:2*lenWidth])
	crc = crc32.Update(crc, crc32.IEEETable, zero[:])
	return crc32.Update(crc, crc32.IEEETable, frame[HeaderSize:])
}
