package kernel

import "mote/sos/proto"

// PanicInfo contains details about a kernel module fault.
type PanicInfo struct {
	PID   proto.PID
	Value any
	Stack []byte
}

// InPanicMode reports whether the kernel has halted after a panic.
func (k *Kernel) InPanicMode() bool {
	return k.panicked.Load()
}

// SetPanicHandler installs the handler run when a kernel module faults.
//
// The handler is invoked at most once (on the first panic). It must not panic.
func (k *Kernel) SetPanicHandler(fn func(PanicInfo)) {
	k.panicHandler = fn
}

func (k *Kernel) triggerPanic(info PanicInfo) {
	k.panicOnce.Do(func() {
		k.panicked.Store(true)
		info.Stack = captureStack()
		if fn := k.panicHandler; fn != nil {
			fn(info)
		}
	})
}
