package kernel

import (
	"mote/sos/mem"
	"mote/sos/proto"
)

// Context is passed to a running module. It carries the module's identity
// so that posts, allocations and timers are attributed to it.
type Context struct {
	k      *Kernel
	mod    *module
	caller proto.PID
}

// PID returns the running module's pid.
func (c *Context) PID() proto.PID { return c.mod.pid }

// CallerPID returns the pid that was running when this module was entered:
// the scheduler for a dispatch, or the calling module for a function call.
func (c *Context) CallerPID() proto.PID { return c.caller }

// Kernel returns the kernel running the module.
func (c *Context) Kernel() *Kernel { return c.k }

// NodeAddress returns this node's address.
func (c *Context) NodeAddress() uint16 { return c.k.cfg.NodeAddress }

// State returns the module's state area.
func (c *Context) State() []byte {
	if !c.mod.state.Valid() {
		return nil
	}
	return c.k.arena.Bytes(c.mod.state)
}

// Post sends data to a module on this node. The bytes are borrowed.
func (c *Context) Post(did proto.PID, typ proto.Type, data []byte, flag proto.Flag) error {
	return c.k.PostLocal(did, c.mod.pid, typ, data, flag)
}

// PostValue sends a 32-bit value to a module on this node.
func (c *Context) PostValue(did proto.PID, typ proto.Type, v uint32, flag proto.Flag) error {
	return c.k.PostValue(did, c.mod.pid, typ, v, flag)
}

// PostLink sends borrowed data to a module on node daddr.
func (c *Context) PostLink(did proto.PID, typ proto.Type, data []byte, flag proto.Flag, daddr uint16) error {
	return c.k.PostLink(did, c.mod.pid, typ, data, flag, daddr)
}

// PostLinkHeap sends an owned buffer to a module on node daddr. The buffer
// belongs to the kernel afterwards, whatever the outcome, unless the module
// does not own it, in which case EPERM is returned and nothing changes.
func (c *Context) PostLinkHeap(did proto.PID, typ proto.Type, h mem.Handle, flag proto.Flag, daddr uint16) error {
	owner, err := c.k.arena.Owner(h)
	if err != nil {
		return err
	}
	if owner != c.mod.pid {
		return proto.EPERM
	}
	return c.k.PostLinkHeap(did, c.mod.pid, typ, h, flag, daddr)
}

// Alloc allocates memory owned by the module.
func (c *Context) Alloc(size int) (mem.Handle, error) {
	return c.k.arena.Alloc(size, c.mod.pid)
}

// Free releases memory owned by the module.
func (c *Context) Free(h mem.Handle) error {
	return c.k.arena.FreeAs(h, c.mod.pid)
}

// Bytes returns the storage behind h.
func (c *Context) Bytes(h mem.Handle) []byte { return c.k.arena.Bytes(h) }

// TakeData claims the payload of msg for the module.
func (c *Context) TakeData(msg *Message) (mem.Handle, error) {
	return c.k.TakeData(c.mod.pid, msg)
}

// TimerStart arms timer tid to fire after ticks ticks.
func (c *Context) TimerStart(tid uint8, ticks uint32, repeat bool) error {
	return c.k.TimerStart(c.mod.pid, tid, ticks, repeat)
}

// TimerStop disarms timer tid.
func (c *Context) TimerStop(tid uint8) error {
	return c.k.TimerStop(c.mod.pid, tid)
}

// SetRules sets the module's delivery rules.
func (c *Context) SetRules(rules uint8) error {
	return c.k.SetRules(c.mod.pid, rules)
}

// Stats returns the kernel counters.
func (c *Context) Stats() Stats { return c.k.Stats() }
