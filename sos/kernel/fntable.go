package kernel

import "mote/sos/proto"

// FuncHandler is a function a module exports to other modules.
type FuncHandler func(ctx *Context, args []byte) ([]byte, error)

// Func is an exported function.
type Func struct {
	FID uint8
	Fn  FuncHandler
}

// FuncRef names a function provided by another module.
type FuncRef struct {
	PID proto.PID
	FID uint8
}

func (m *module) provided(fid uint8) FuncHandler {
	for _, f := range m.hdr.Provided {
		if f.FID == fid {
			return f.Fn
		}
	}
	return nil
}

func (m *module) subscribes(pid proto.PID, fid uint8) bool {
	for _, r := range m.hdr.Subscribed {
		if r.PID == pid && r.FID == fid {
			return true
		}
	}
	return false
}

// Call runs function fid of module pid on behalf of the running module. The
// caller must have subscribed to it. Inside the function CallerPID reports
// the calling module.
func (c *Context) Call(pid proto.PID, fid uint8, args []byte) ([]byte, error) {
	if !c.mod.subscribes(pid, fid) {
		return nil, proto.EPERM
	}
	prov := c.k.modules[pid]
	if prov == nil {
		return nil, proto.ENOENT
	}
	fn := prov.provided(fid)
	if fn == nil {
		return nil, proto.ENOENT
	}
	var out []byte
	err := c.k.run(prov, func(ctx *Context) error {
		var err error
		out, err = fn(ctx, args)
		return err
	})
	return out, err
}

// removeFuncs tells every subscriber of mod's functions that they are gone.
func (k *Kernel) removeFuncs(mod *module) {
	for _, f := range mod.hdr.Provided {
		for _, sub := range k.modules {
			if sub == nil || sub == mod || !sub.subscribes(mod.pid, f.FID) {
				continue
			}
			payload := []byte{byte(mod.pid), f.FID}
			if err := k.PostLocal(sub.pid, proto.FntablePID, proto.MsgDFuncRemoved, payload, 0); err != nil {
				k.logf("notify %s of removed %s.%d: %v", sub.pid, mod.pid, f.FID, err)
			}
		}
	}
}
