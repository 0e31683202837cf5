// Package memd is the memory daemon. It runs the kernel garbage collector on
// a timer and answers free-memory queries through the function table.
package memd

import (
	"encoding/binary"
	"fmt"

	"mote/sos/kernel"
	"mote/sos/proto"
)

const (
	// FuncFreeBlocks returns the number of free arena blocks as a
	// little-endian uint16.
	FuncFreeBlocks uint8 = 0

	// DefaultPeriod is the collection period in ticks.
	DefaultPeriod = 5000

	gcTimer uint8 = 0
)

// Service is the memory daemon module.
type Service struct {
	period uint32
	runs   int
	last   kernel.GCReport
	logger kernel.Logger
}

// New returns a daemon collecting every period ticks. A zero period means
// DefaultPeriod. Non-empty collections are reported to log.
func New(period uint32, log kernel.Logger) *Service {
	if period == 0 {
		period = DefaultPeriod
	}
	return &Service{period: period, logger: log}
}

func (s *Service) Header() kernel.Header {
	return kernel.Header{
		PID:       proto.KerMemPID,
		Name:      "memd",
		NumTimers: 1,
		Handler:   s,
		Provided:  []kernel.Func{{FID: FuncFreeBlocks, Fn: freeBlocks}},
	}
}

func (s *Service) Handle(ctx *kernel.Context, msg *kernel.Message) error {
	switch msg.Type {
	case proto.MsgInit:
		return ctx.TimerStart(gcTimer, s.period, true)
	case proto.MsgTimerTimeout:
		s.collect(ctx.Kernel())
	case proto.MsgFinal:
		return ctx.TimerStop(gcTimer)
	}
	return nil
}

func (s *Service) collect(k *kernel.Kernel) {
	r := k.GC()
	s.runs++
	s.last = r
	if s.logger != nil && (r.Areas > 0 || r.SlabItems > 0) {
		s.logger.WriteLineString(fmt.Sprintf("memd: reclaimed %d areas, %d slots", r.Areas, r.SlabItems))
	}
}

// Runs returns the number of collections and the result of the last one.
func (s *Service) Runs() (int, kernel.GCReport) { return s.runs, s.last }

func freeBlocks(ctx *kernel.Context, _ []byte) ([]byte, error) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(ctx.Kernel().Arena().FreeBlocks()))
	return b[:], nil
}
