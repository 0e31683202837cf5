package kernel

import "mote/sos/proto"

// GCReport counts what a collection reclaimed.
type GCReport struct {
	SlabItems int
	Areas     int
}

// GC marks every allocation the kernel can still reach and reclaims the
// rest of the kernel-owned memory: message, module and timer slots, and
// areas owned by the scheduler, the message pool and the timer pool.
// Module-owned memory is reclaimed when the module is removed.
func (k *Kernel) GC() GCReport {
	k.msgs.ClearMarks()
	k.mods.ClearMarks()
	k.timerS.ClearMarks()

	k.guard.Lock()
	var queued []*Message
	k.q.each(func(m *Message) { queued = append(queued, m) })
	k.guard.Unlock()

	for _, m := range queued {
		k.markMessage(m)
	}
	for m := range k.inflight {
		k.markMessage(m)
	}
	k.markMessage(k.active)
	for _, mod := range k.modules {
		if mod != nil {
			_ = k.mods.Mark(mod.slot)
		}
	}
	for _, t := range k.timers {
		_ = k.timerS.Mark(t.slot)
	}

	var r GCReport
	r.SlabItems = k.msgs.GC() + k.mods.GC() + k.timerS.GC()
	for _, owner := range []proto.PID{proto.KerSchedPID, proto.MsgQueuePID, proto.TimerPID} {
		r.Areas += k.arena.Collect(owner)
	}
	return r
}

func (k *Kernel) markMessage(m *Message) {
	for ; m != nil; m = m.sent {
		if m.slot >= 0 {
			_ = k.msgs.Mark(m.slot)
		}
		if m.heap.Valid() {
			if owner, err := k.arena.Owner(m.heap); err == nil {
				_ = k.arena.Mark(owner, m.heap)
			}
		}
	}
}
