// Package logger is the log module. Other modules send it MsgDebug lines;
// the scheduler sends it MsgError reports.
package logger

import (
	"fmt"

	"mote/hal"
	"mote/sos/kernel"
	"mote/sos/proto"
)

type Service struct {
	log hal.Logger
}

func New(log hal.Logger) *Service {
	return &Service{log: log}
}

// Header registers the service at KerLogPID.
func (s *Service) Header() kernel.Header {
	return kernel.Header{PID: proto.KerLogPID, Name: "logger", Handler: s}
}

func (s *Service) Handle(ctx *kernel.Context, msg *kernel.Message) error {
	if s.log == nil {
		return nil
	}
	switch msg.Type {
	case proto.MsgDebug:
		s.log.WriteLineString(prefix(msg) + string(msg.Data()))
	case proto.MsgError:
		code, ref, typ, ok := proto.DecodeErrorPayload(msg.Data())
		if !ok {
			return proto.EINVAL
		}
		s.log.WriteLineString(fmt.Sprintf("%serror: %v (pid=%s type=%s)", prefix(msg), code, ref, typ))
	}
	return nil
}

func prefix(msg *kernel.Message) string {
	if msg.Flag&proto.FromNetwork != 0 {
		return fmt.Sprintf("[%#06x/%s] ", msg.SAddr, msg.SID)
	}
	return "[" + msg.SID.String() + "] "
}
