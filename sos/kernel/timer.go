package kernel

import (
	"mote/sos/mem"
	"mote/sos/proto"
)

const unboundTID = 0xFF

type timer struct {
	pid    proto.PID
	tid    uint8
	slot   mem.Item
	period uint32
	left   uint32
	repeat bool
	active bool
}

// preallocTimers reserves n timer records for pid so that starting them
// later cannot fail for lack of memory.
func (k *Kernel) preallocTimers(pid proto.PID, n int) error {
	for i := 0; i < n; i++ {
		if _, err := k.newTimer(pid, unboundTID); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) newTimer(pid proto.PID, tid uint8) (*timer, error) {
	slot, err := k.timerS.Alloc()
	if err != nil {
		return nil, err
	}
	t := &timer{pid: pid, tid: tid, slot: slot}
	k.timers = append(k.timers, t)
	return t, nil
}

func (k *Kernel) findTimer(pid proto.PID, tid uint8) *timer {
	for _, t := range k.timers {
		if t.pid == pid && t.tid == tid {
			return t
		}
	}
	return nil
}

// TimerStart arms timer tid of pid. The timer posts MsgTimerTimeout with
// the tid as payload after ticks ticks, and again every ticks ticks when
// repeat is set. Restarting an armed timer rearms it.
func (k *Kernel) TimerStart(pid proto.PID, tid uint8, ticks uint32, repeat bool) error {
	if k.modules[pid] == nil || ticks == 0 || tid == unboundTID {
		return proto.EINVAL
	}
	t := k.findTimer(pid, tid)
	if t == nil {
		t = k.findTimer(pid, unboundTID)
	}
	if t == nil {
		var err error
		if t, err = k.newTimer(pid, tid); err != nil {
			return err
		}
	}
	t.tid = tid
	t.period = ticks
	t.left = ticks
	t.repeat = repeat
	t.active = true
	return nil
}

// TimerStop disarms timer tid of pid. The record stays reserved.
func (k *Kernel) TimerStop(pid proto.PID, tid uint8) error {
	t := k.findTimer(pid, tid)
	if t == nil || !t.active {
		return proto.ENOENT
	}
	t.active = false
	return nil
}

// Tick advances every armed timer by one tick.
func (k *Kernel) Tick() {
	k.now++
	for _, t := range k.timers {
		if !t.active {
			continue
		}
		t.left--
		if t.left > 0 {
			continue
		}
		if err := k.PostLocal(t.pid, proto.TimerPID, proto.MsgTimerTimeout, []byte{t.tid}, 0); err != nil {
			// Retry on the next tick.
			t.left = 1
			continue
		}
		if t.repeat {
			t.left = t.period
		} else {
			t.active = false
		}
	}
}

// TickTo advances timers until the tick counter reaches seq.
func (k *Kernel) TickTo(seq uint64) {
	for k.now < seq {
		k.Tick()
	}
}

// Now returns the tick counter.
func (k *Kernel) Now() uint64 { return k.now }

func (k *Kernel) removeTimers(pid proto.PID) {
	kept := k.timers[:0]
	for _, t := range k.timers {
		if t.pid != pid {
			kept = append(kept, t)
			continue
		}
		_ = k.timerS.Free(t.slot)
	}
	for i := len(kept); i < len(k.timers); i++ {
		k.timers[i] = nil
	}
	k.timers = kept
}
