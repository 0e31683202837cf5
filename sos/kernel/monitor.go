package kernel

import (
	"mote/sos/mem"
	"mote/sos/proto"
)

// MonitorKind selects which traffic a monitor sees.
type MonitorKind uint8

const (
	// MonitorIncoming delivers messages about to be dispatched to the target.
	MonitorIncoming MonitorKind = 1 << iota
	// MonitorOutgoing delivers messages the target sends over a link.
	MonitorOutgoing
)

type monitor struct {
	mon    proto.PID
	target proto.PID
	kind   MonitorKind
}

// RegisterMonitor lets module mon observe the traffic of target. A target
// of proto.NullPID observes every module. Monitors see a read-only view:
// taking data from it always copies.
func (k *Kernel) RegisterMonitor(mon, target proto.PID, kind MonitorKind) error {
	if k.modules[mon] == nil || kind == 0 {
		return proto.EINVAL
	}
	for i := range k.monitors {
		if k.monitors[i].mon == mon && k.monitors[i].target == target {
			k.monitors[i].kind |= kind
			return nil
		}
	}
	k.monitors = append(k.monitors, monitor{mon: mon, target: target, kind: kind})
	return nil
}

// UnregisterMonitor removes a monitor.
func (k *Kernel) UnregisterMonitor(mon, target proto.PID) error {
	for i := range k.monitors {
		if k.monitors[i].mon == mon && k.monitors[i].target == target {
			k.monitors = append(k.monitors[:i], k.monitors[i+1:]...)
			return nil
		}
	}
	return proto.ENOENT
}

func (k *Kernel) removeMonitors(pid proto.PID) {
	kept := k.monitors[:0]
	for _, m := range k.monitors {
		if m.mon != pid {
			kept = append(kept, m)
		}
	}
	k.monitors = kept
}

func (k *Kernel) deliverToMonitors(kind MonitorKind, m *Message) {
	if len(k.monitors) == 0 {
		return
	}
	target := m.DID
	if kind == MonitorOutgoing {
		target = m.SID
	}
	for _, mon := range k.monitors {
		if mon.kind&kind == 0 || (mon.target != proto.NullPID && mon.target != target) {
			continue
		}
		mod := k.modules[mon.mon]
		if mod == nil || mon.mon == m.DID || k.onStack(mon.mon) {
			continue
		}
		view := &Message{
			DID:   m.DID,
			SID:   m.SID,
			DAddr: m.DAddr,
			SAddr: m.SAddr,
			Type:  m.Type,
			Len:   m.Len,
			Flag:  m.Flag &^ proto.Release,
			a:     m.a,
			data:  m.data,
			heap:  m.heap,
			slot:  mem.NoItem,
		}
		_ = k.invoke(mod, view)
	}
}
