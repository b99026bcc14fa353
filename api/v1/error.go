package log_v1

import (
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrOffsetOutOfRange is returned when nothing has been written at an offset yet.
type ErrOffsetOutOfRange struct {
	Offset uint64
}

func (e ErrOffsetOutOfRange) GRPCStatus() *status.Status {
	return withMessage(
		status.New(codes.OutOfRange, fmt.Sprintf("offset out of range: %d", e.Offset)),
		fmt.Sprintf("The requested offset is outside the log's range: %d", e.Offset),
	)
}

func (e ErrOffsetOutOfRange) Error() string {
	return e.GRPCStatus().Err().Error()
}

// ErrSegmentExpired is returned when the segment holding an offset has been
// removed by retention.
type ErrSegmentExpired struct {
	Offset uint64
}

func (e ErrSegmentExpired) GRPCStatus() *status.Status {
	return withMessage(
		status.New(codes.NotFound, fmt.Sprintf("segment expired: %d", e.Offset)),
		fmt.Sprintf("The record at offset %d has expired and is no longer retained", e.Offset),
	)
}

func (e ErrSegmentExpired) Error() string {
	return e.GRPCStatus().Err().Error()
}

// ErrCorruptedRecord is returned when the bytes at an offset fail their checksum.
type ErrCorruptedRecord struct {
	Offset uint64
}

func (e ErrCorruptedRecord) GRPCStatus() *status.Status {
	return withMessage(
		status.New(codes.DataLoss, fmt.Sprintf("corrupted record: %d", e.Offset)),
		fmt.Sprintf("The record at offset %d is corrupted", e.Offset),
	)
}

func (e ErrCorruptedRecord) Error() string {
	return e.GRPCStatus().Err().Error()
}

func withMessage(st *status.Status, msg string) *status.Status {
	d := &errdetails.LocalizedMessage{
		Locale:  "en-US",
		Message: msg,
	}
	std, err := st.WithDetails(d)
	if err != nil {
		return st
	}
	return std
}
