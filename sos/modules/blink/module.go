// Package blink toggles an LED on a timer.
package blink

import (
	"mote/hal"
	logclient "mote/sos/client/logger"
	"mote/sos/kernel"
	"mote/sos/proto"
)

// PID is the module id of the blinker.
const PID = proto.AppModMinPID

// DefaultPeriod is the toggle period in ticks.
const DefaultPeriod = 500

const blinkTimer uint8 = 0

// Module is the LED blinker. Its on/off state lives in the module state
// area.
type Module struct {
	led    hal.LED
	period uint32
}

// New returns a blinker toggling led every period ticks. A zero period
// means DefaultPeriod.
func New(led hal.LED, period uint32) *Module {
	if period == 0 {
		period = DefaultPeriod
	}
	return &Module{led: led, period: period}
}

func (m *Module) Header() kernel.Header {
	return kernel.Header{
		PID:       PID,
		Name:      "blink",
		StateSize: 1,
		NumTimers: 1,
		Handler:   m,
	}
}

func (m *Module) Handle(ctx *kernel.Context, msg *kernel.Message) error {
	switch msg.Type {
	case proto.MsgInit:
		_ = logclient.Logf(ctx, "blink every %d ticks", m.period)
		return ctx.TimerStart(blinkTimer, m.period, true)
	case proto.MsgTimerTimeout:
		st := ctx.State()
		st[0] ^= 1
		m.set(st[0] != 0)
	case proto.MsgFinal:
		m.set(false)
	}
	return nil
}

func (m *Module) set(on bool) {
	if m.led == nil {
		return
	}
	if on {
		m.led.High()
	} else {
		m.led.Low()
	}
}
