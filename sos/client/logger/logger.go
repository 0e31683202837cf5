package logger

import (
	"fmt"

	"mote/sos/kernel"
	"mote/sos/proto"
)

// Log sends a log line to the log module on this node.
//
// The call is best-effort: the line is dropped if the kernel is out of
// message slots. Lines longer than a payload are truncated.
func Log(ctx *kernel.Context, line string) error {
	if ctx == nil {
		return proto.EINVAL
	}
	b := []byte(line)
	if len(b) > proto.MaxPayload {
		b = b[:proto.MaxPayload]
	}
	return ctx.Post(proto.KerLogPID, proto.MsgDebug, b, 0)
}

// Logf formats and sends a log line.
func Logf(ctx *kernel.Context, format string, args ...any) error {
	return Log(ctx, fmt.Sprintf(format, args...))
}
