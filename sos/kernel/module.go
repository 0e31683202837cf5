package kernel

import (
	"math/bits"

	"mote/sos/mem"
	"mote/sos/proto"
)

// RulesPromiscuous lets a module receive network messages addressed to
// other nodes.
const RulesPromiscuous uint8 = 0x40

// Handler processes messages delivered to a module.
//
// The returned error only marks the delivery as failed for a reliable
// sender; it does not affect the module.
type Handler interface {
	Handle(ctx *Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx *Context, msg *Message) error

func (f HandlerFunc) Handle(ctx *Context, msg *Message) error { return f(ctx, msg) }

// Header describes a module to the registry: the loader's view of a
// ready-to-run module.
type Header struct {
	PID       proto.PID
	Name      string
	StateSize int
	NumTimers int
	Handler   Handler

	// Provided functions may be called by modules that subscribe to them.
	Provided []Func
	// Subscribed lists the functions this module is allowed to call.
	Subscribed []FuncRef
}

type module struct {
	hdr   Header
	pid   proto.PID
	state mem.Handle
	slot  mem.Item
	rules uint8
}

func (m *module) name() string {
	if m.hdr.Name != "" {
		return m.hdr.Name
	}
	return m.pid.String()
}

// RegisterModule installs a module under hdr.PID, allocates its state and
// timers, and queues MsgInit for it at system priority.
func (k *Kernel) RegisterModule(hdr Header) (proto.PID, error) {
	if hdr.PID >= proto.ThreadMinPID {
		return proto.NullPID, proto.EINVAL
	}
	return k.register(hdr, nil)
}

// Spawn registers a module under a pid drawn from the thread pool. init, if
// any, is copied into the MsgInit payload.
func (k *Kernel) Spawn(hdr Header, init []byte) (proto.PID, error) {
	if len(init) > proto.MaxPayload {
		return proto.NullPID, proto.EINVAL
	}
	free := ^k.pidPool & (1<<(proto.MaxPID-proto.ThreadMinPID+1) - 1)
	if free == 0 {
		return proto.NullPID, proto.ENOMEM
	}
	i := bits.TrailingZeros32(free)
	k.pidPool |= 1 << i
	hdr.PID = proto.ThreadMinPID + proto.PID(i)
	pid, err := k.register(hdr, init)
	if err != nil {
		k.pidPool &^= 1 << i
	}
	return pid, err
}

func (k *Kernel) register(hdr Header, init []byte) (proto.PID, error) {
	pid := hdr.PID
	if hdr.Handler == nil || pid.Reserved() || hdr.StateSize < 0 || hdr.NumTimers < 0 {
		return proto.NullPID, proto.EINVAL
	}
	if k.modules[pid] != nil {
		return proto.NullPID, proto.EEXIST
	}

	slot, err := k.mods.Alloc()
	if err != nil {
		return proto.NullPID, err
	}
	mod := &module{hdr: hdr, pid: pid, slot: slot}
	if hdr.StateSize > 0 {
		if mod.state, err = k.arena.AllocLongterm(hdr.StateSize, pid); err != nil {
			_ = k.mods.Free(slot)
			return proto.NullPID, err
		}
	}
	k.modules[pid] = mod

	if err := k.preallocTimers(pid, hdr.NumTimers); err != nil {
		k.discard(mod)
		return proto.NullPID, err
	}

	m, err := k.NewMessage()
	if err != nil {
		k.discard(mod)
		return proto.NullPID, err
	}
	m.DID, m.SID = pid, proto.KerSchedPID
	m.DAddr, m.SAddr = k.cfg.NodeAddress, k.cfg.NodeAddress
	m.Type = proto.MsgInit
	m.Flag = proto.SystemPriority
	if len(init) > 0 {
		h, err := k.arena.Alloc(len(init), proto.KerSchedPID)
		if err != nil {
			k.Dispose(m)
			k.discard(mod)
			return proto.NullPID, err
		}
		copy(k.arena.Bytes(h), init)
		_ = m.SetHeap(h)
	}
	k.Enqueue(m)
	k.logf("register %s as %d", mod.name(), pid)
	return pid, nil
}

// discard undoes a partial registration.
func (k *Kernel) discard(mod *module) {
	k.modules[mod.pid] = nil
	k.removeTimers(mod.pid)
	_ = k.mods.Free(mod.slot)
	k.arena.RemoveAll(mod.pid)
}

// DeregisterModule removes a module. The module receives MsgFinal first;
// then its timers, monitors, functions and queued messages go away and all
// memory it owns is reclaimed. A module cannot be removed while its own
// code is running (EPERM).
func (k *Kernel) DeregisterModule(pid proto.PID) error {
	mod := k.modules[pid]
	if mod == nil {
		return proto.EINVAL
	}
	if k.onStack(pid) {
		return proto.EPERM
	}

	final := &Message{
		DID:   pid,
		SID:   proto.KerSchedPID,
		DAddr: k.cfg.NodeAddress,
		SAddr: k.cfg.NodeAddress,
		Type:  proto.MsgFinal,
		a:     k.arena,
		slot:  mem.NoItem,
	}
	_ = k.invoke(mod, final)

	k.modules[pid] = nil
	if pid >= proto.ThreadMinPID && pid <= proto.MaxPID {
		k.pidPool &^= 1 << (pid - proto.ThreadMinPID)
	}

	k.removeTimers(pid)
	k.removeMonitors(pid)
	k.removeFuncs(mod)

	k.guard.Lock()
	queued := k.q.remove(func(m *Message) bool { return m.DID == pid })
	k.guard.Unlock()
	for _, m := range queued {
		k.Dispose(m)
	}

	_ = k.mods.Free(mod.slot)
	k.arena.RemoveAll(pid)
	k.logf("deregister %s (%d)", mod.name(), pid)
	return nil
}

// Registered reports whether a module is installed under pid.
func (k *Kernel) Registered(pid proto.PID) bool { return k.modules[pid] != nil }

// SetRules sets the delivery rules of a module.
func (k *Kernel) SetRules(pid proto.PID, rules uint8) error {
	mod := k.modules[pid]
	if mod == nil {
		return proto.EINVAL
	}
	mod.rules = rules
	return nil
}

// ModuleState returns the state area of a module.
func (k *Kernel) ModuleState(pid proto.PID) []byte {
	mod := k.modules[pid]
	if mod == nil || !mod.state.Valid() {
		return nil
	}
	return k.arena.Bytes(mod.state)
}

func (k *Kernel) onStack(pid proto.PID) bool {
	for _, p := range k.stack {
		if p == pid {
			return true
		}
	}
	return false
}
