package proto

import "fmt"

// Errno is a kernel status code. Values are small negative integers so they
// survive the trip through a one-byte error report.
type Errno int8

const (
	EPERM  Errno = -1
	ENOENT Errno = -2
	ESRCH  Errno = -3
	ENOMEM Errno = -12
	EBUSY  Errno = -16
	EEXIST Errno = -17
	EINVAL Errno = -22
)

func (e Errno) Error() string { return e.String() }

func (e Errno) String() string {
	switch e {
	case EPERM:
		return "not permitted"
	case ENOENT:
		return "does not exist"
	case ESRCH:
		return "no such module"
	case ENOMEM:
		return "no memory"
	case EBUSY:
		return "busy"
	case EEXIST:
		return "already exists"
	case EINVAL:
		return "invalid argument"
	default:
		return fmt.Sprintf("errno %d", int8(e))
	}
}

// ErrorPayload encodes an error report for MsgError.
//
// Layout:
//   - i8: errno
//   - u8: pid the report refers to
//   - u8: message type the report refers to
func ErrorPayload(code Errno, ref PID, typ Type) []byte {
	return []byte{byte(code), byte(ref), byte(typ)}
}

// DecodeErrorPayload decodes an ErrorPayload.
func DecodeErrorPayload(payload []byte) (code Errno, ref PID, typ Type, ok bool) {
	if len(payload) < 3 {
		return 0, 0, 0, false
	}
	return Errno(int8(payload[0])), PID(payload[1]), Type(payload[2]), true
}
