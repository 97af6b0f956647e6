package protocol

import "fmt"

// Status is the terminal outcome of a transfer, carried on Completion chunks.
// Values are wire-stable and must not be renumbered.
type Status uint32

const (
	StatusOK                 Status = 0
	StatusCancelled          Status = 1
	StatusUnknown            Status = 2
	StatusInvalidArgument    Status = 3
	StatusDeadlineExceeded   Status = 4
	StatusNotFound           Status = 5
	StatusAlreadyExists      Status = 6
	StatusPermissionDenied   Status = 7
	StatusResourceExhausted  Status = 8
	StatusFailedPrecondition Status = 9
	StatusAborted            Status = 10
	StatusOutOfRange         Status = 11
	StatusUnimplemented      Status = 12
	StatusInternal           Status = 13
	StatusUnavailable        Status = 14
	StatusDataLoss           Status = 15
	StatusUnauthenticated    Status = 16
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusCancelled:
		return "cancelled"
	case StatusUnknown:
		return "unknown"
	case StatusInvalidArgument:
		return "invalid_argument"
	case StatusDeadlineExceeded:
		return "deadline_exceeded"
	case StatusNotFound:
		return "not_found"
	case StatusAlreadyExists:
		return "already_exists"
	case StatusPermissionDenied:
		return "permission_denied"
	case StatusResourceExhausted:
		return "resource_exhausted"
	case StatusFailedPrecondition:
		return "failed_precondition"
	case StatusAborted:
		return "aborted"
	case StatusOutOfRange:
		return "out_of_range"
	case StatusUnimplemented:
		return "unimplemented"
	case StatusInternal:
		return "internal"
	case StatusUnavailable:
		return "unavailable"
	case StatusDataLoss:
		return "data_loss"
	case StatusUnauthenticated:
		return "unauthenticated"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// OK reports whether the status is a successful outcome.
func (s Status) OK() bool {
	return s == StatusOK
}
