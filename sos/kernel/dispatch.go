package kernel

import (
	"fmt"

	"mote/sos/proto"
)

// DispatchNext delivers the highest-priority queued message.
//
// It reports false when the queue is empty. A message whose destination has
// no module is dropped and ENOENT is returned; a network message for another
// node is dropped silently unless the module is promiscuous. Release
// payloads the handler did not take are freed with the message. Reliable
// messages are reported back to their sender with MsgPktSendDone.
func (k *Kernel) DispatchNext() (bool, error) {
	if k.dispatching {
		return false, proto.EBUSY
	}
	m := k.Dequeue()
	if m == nil {
		return false, nil
	}
	k.dispatching = true
	k.active = m
	defer func() {
		k.dispatching = false
		k.active = nil
		k.reap()
	}()

	inner := m.sent
	notify := proto.NullPID
	if inner == nil && m.Flag&proto.Reliable != 0 {
		notify = m.SID
	}
	k.deliverToMonitors(MonitorIncoming, m)

	failed := true
	var err error
	mod := k.modules[m.DID]
	switch {
	case mod == nil:
		k.stats.Dropped++
		err = fmt.Errorf("kernel: %s from %s to %s: %w", m.Type, m.SID, m.DID, proto.ENOENT)
		k.report(proto.ENOENT, m.DID, m.Type)
	case k.filtered(mod, m):
		k.stats.Filtered++
	default:
		if m.owned() {
			if cerr := k.arena.ChangeOwner(m.heap, m.DID); cerr != nil {
				k.logf("dispatch %s: payload owner: %v", m.DID, cerr)
			}
		}
		k.stats.Dispatched++
		if herr := k.invoke(mod, m); herr == nil {
			failed = false
		}
	}

	switch {
	case inner != nil:
		k.Dispose(m)
	case notify != proto.NullPID:
		if perr := k.postSendDone(notify, m, failed); perr != nil {
			k.Dispose(m)
		}
	default:
		k.Dispose(m)
	}
	return true, err
}

func (k *Kernel) filtered(mod *module, m *Message) bool {
	if m.Flag&proto.FromNetwork == 0 || mod.rules&RulesPromiscuous != 0 {
		return false
	}
	return m.DAddr != k.cfg.NodeAddress && m.DAddr != proto.BroadcastAddr
}

// invoke runs the module's handler with the module on the pid stack. A
// panicking handler faults the module.
func (k *Kernel) invoke(mod *module, m *Message) error {
	return k.run(mod, func(ctx *Context) error {
		return mod.hdr.Handler.Handle(ctx, m)
	})
}

func (k *Kernel) run(mod *module, fn func(*Context) error) (err error) {
	if len(k.stack) >= maxPIDStack {
		return proto.EBUSY
	}
	ctx := &Context{k: k, mod: mod, caller: k.cur}
	prev := k.cur
	k.stack = append(k.stack, mod.pid)
	k.cur = mod.pid
	defer func() {
		k.stack = k.stack[:len(k.stack)-1]
		k.cur = prev
	}()
	defer func() {
		if r := recover(); r != nil {
			k.fault(mod.pid, r)
			err = fmt.Errorf("kernel: module %s panic: %v", mod.name(), r)
		}
	}()
	return fn(ctx)
}

// fault records a misbehaving module. Application modules are removed once
// the dispatch unwinds; a fault in a kernel module halts the kernel.
func (k *Kernel) fault(pid proto.PID, v any) {
	k.stats.Faults++
	k.logf("fault in %s: %v", pid, v)
	if pid <= proto.KerModMaxPID {
		k.triggerPanic(PanicInfo{PID: pid, Value: v})
		return
	}
	for _, p := range k.faulted {
		if p == pid {
			return
		}
	}
	k.faulted = append(k.faulted, pid)
}

func (k *Kernel) reap() {
	if len(k.stack) != 0 || len(k.faulted) == 0 {
		return
	}
	pids := k.faulted
	k.faulted = nil
	for _, pid := range pids {
		if k.modules[pid] == nil {
			continue
		}
		if err := k.DeregisterModule(pid); err != nil {
			k.logf("remove faulted %s: %v", pid, err)
		}
	}
}

func (k *Kernel) postSendDone(dst proto.PID, sent *Message, failed bool) error {
	m, err := k.NewMessage()
	if err != nil {
		return err
	}
	m.DID, m.SID = dst, proto.KerSchedPID
	m.DAddr, m.SAddr = k.cfg.NodeAddress, k.cfg.NodeAddress
	m.Type = proto.MsgPktSendDone
	if failed {
		m.Flag = proto.SendFail
	}
	m.sent = sent
	k.Enqueue(m)
	return nil
}

// report sends an error report to the log module, or straight to the
// logger when no log module is installed.
func (k *Kernel) report(code proto.Errno, ref proto.PID, typ proto.Type) {
	if ref == proto.KerLogPID || k.modules[proto.KerLogPID] == nil {
		k.logf("error %v pid=%s type=%s", code, ref, typ)
		return
	}
	m, err := k.NewMessage()
	if err != nil {
		k.logf("error %v pid=%s type=%s", code, ref, typ)
		return
	}
	m.DID, m.SID = proto.KerLogPID, proto.KerSchedPID
	m.DAddr, m.SAddr = k.cfg.NodeAddress, k.cfg.NodeAddress
	m.Type = proto.MsgError
	_ = m.SetPayload(proto.ErrorPayload(code, ref, typ))
	k.Enqueue(m)
}
