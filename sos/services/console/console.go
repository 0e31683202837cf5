// Package console renders node status onto the display.
package console

import (
	"encoding/binary"
	"fmt"

	"mote/internal/buildinfo"
	"mote/sos/kernel"
	"mote/sos/proto"
	"mote/sos/services/memd"
)

// PID is the console's module id, the first device module slot.
const PID = proto.DevModMinPID

const (
	// DefaultPeriod is the refresh period in ticks.
	DefaultPeriod = 250

	refreshTimer uint8 = 0
	maxNotes           = 4
)

// Service is the status console module. Besides the kernel counters it
// shows the last few MsgFromUser lines sent to it.
type Service struct {
	screen *Screen
	period uint32
	frames int
	notes  []string
}

// New returns a console drawing on screen every period ticks. A zero period
// means DefaultPeriod.
func New(screen *Screen, period uint32) *Service {
	if period == 0 {
		period = DefaultPeriod
	}
	return &Service{screen: screen, period: period}
}

func (s *Service) Header() kernel.Header {
	return kernel.Header{
		PID:        PID,
		Name:       "console",
		NumTimers:  1,
		Handler:    s,
		Subscribed: []kernel.FuncRef{{PID: proto.KerMemPID, FID: memd.FuncFreeBlocks}},
	}
}

func (s *Service) Handle(ctx *kernel.Context, msg *kernel.Message) error {
	switch msg.Type {
	case proto.MsgInit:
		if err := ctx.TimerStart(refreshTimer, s.period, true); err != nil {
			return err
		}
		return s.render(ctx)
	case proto.MsgTimerTimeout:
		return s.render(ctx)
	case proto.MsgFromUser:
		s.notes = append(s.notes, string(msg.Data()))
		if len(s.notes) > maxNotes {
			s.notes = s.notes[len(s.notes)-maxNotes:]
		}
	}
	return nil
}

// Frames returns the number of screens drawn.
func (s *Service) Frames() int { return s.frames }

// Lines returns the status text for the node behind ctx.
func (s *Service) Lines(ctx *kernel.Context) []string {
	st := ctx.Stats()
	free := st.FreeBlocks
	if out, err := ctx.Call(proto.KerMemPID, memd.FuncFreeBlocks, nil); err == nil && len(out) >= 2 {
		free = int(binary.LittleEndian.Uint16(out))
	}
	lines := []string{
		fmt.Sprintf("mote %s node %#06x", buildinfo.Short(), ctx.NodeAddress()),
		fmt.Sprintf("t=%d modules=%d pending=%d", ctx.Kernel().Now(), st.Modules, st.Pending),
		fmt.Sprintf("msg q=%d run=%d drop=%d", st.Queued, st.Dispatched, st.Dropped),
		fmt.Sprintf("net tx=%d fail=%d rx=%d bad=%d", st.Transmitted, st.TxFailed, st.Received, st.BadFrames),
		fmt.Sprintf("mem free=%d/%d leaks=%d", free, st.Blocks, st.Leaks),
	}
	if st.Faults > 0 {
		lines = append(lines, fmt.Sprintf("faults=%d", st.Faults))
	}
	for _, n := range s.notes {
		lines = append(lines, "> "+n)
	}
	return lines
}

func (s *Service) render(ctx *kernel.Context) error {
	if s.screen == nil {
		return nil
	}
	s.frames++
	return s.screen.Show(s.Lines(ctx), Foreground, Background)
}
