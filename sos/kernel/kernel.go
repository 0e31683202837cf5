package kernel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"mote/sos/mem"
	"mote/sos/proto"
)

// Slot sizes charge kernel records against the arena; the records themselves
// live on the Go heap and the slot bytes are never touched.
const (
	msgSlotSize   = 16
	msgsPerPool   = 4
	modSlotSize   = 16
	modsPerPool   = 4
	timerSlotSize = 12
	timersPerPool = 4

	defaultInterruptDepth = 64
	maxPIDStack           = 8
)

// Logger receives kernel diagnostics. hal.Logger satisfies it.
type Logger interface {
	WriteLineString(s string)
}

// Config describes a kernel instance.
type Config struct {
	// NodeAddress is this node's network address.
	NodeAddress uint16
	// Mem configures the arena. A nil Guard is replaced by a mutex.
	Mem mem.Config
	// Preemptive replaces the three priority classes with one FIFO queue.
	Preemptive bool
	// InterruptDepth bounds the number of pending inbound frames.
	InterruptDepth int
	// Logger receives diagnostics. It may be nil.
	Logger Logger
}

// Stats are running counters kept by the kernel.
type Stats struct {
	Queued      uint32
	Dispatched  uint32
	Dropped     uint32
	Filtered    uint32
	Transmitted uint32
	TxFailed    uint32
	Received    uint32
	RxDropped   uint32
	BadFrames   uint32
	Leaks       uint32
	Faults      uint32

	Pending    int
	Modules    int
	FreeBlocks int
	Blocks     int
}

// Kernel is the scheduler, module registry and link dispatcher of one node.
//
// Everything except Interrupt, Receive and SendDone must be called from the
// goroutine that runs Step.
type Kernel struct {
	cfg   Config
	guard sync.Locker
	log   Logger

	arena  *mem.Arena
	msgs   *mem.Slab
	mods   *mem.Slab
	timerS *mem.Slab

	q queueSet

	modules [256]*module
	pidPool uint32
	cur     proto.PID
	stack   []proto.PID
	faulted []proto.PID

	dispatching bool
	active      *Message

	links    [numLinks]Link
	inflight map[*Message]struct{}

	timers   []*timer
	now      uint64
	monitors []monitor

	irqMu  sync.Mutex
	irq    []func()
	irqMax int

	stats Stats

	panicked     atomic.Bool
	panicOnce    sync.Once
	panicHandler func(PanicInfo)
}

// New creates a kernel with an empty registry.
func New(cfg Config) (*Kernel, error) {
	if cfg.Mem.Guard == nil {
		cfg.Mem.Guard = &sync.Mutex{}
	}
	if cfg.InterruptDepth <= 0 {
		cfg.InterruptDepth = defaultInterruptDepth
	}
	k := &Kernel{
		cfg:      cfg,
		guard:    cfg.Mem.Guard,
		log:      cfg.Logger,
		cur:      proto.KerSchedPID,
		stack:    make([]proto.PID, 0, maxPIDStack),
		inflight: make(map[*Message]struct{}),
		irqMax:   cfg.InterruptDepth,
	}
	k.q.single = cfg.Preemptive

	onLeak := cfg.Mem.OnLeak
	cfg.Mem.OnLeak = func(l mem.Leak) {
		k.stats.Leaks++
		k.logf("leak: %s owner=%s off=%d size=%d", l.Kind, l.Owner, l.Offset, l.Size)
		if onLeak != nil {
			onLeak(l)
		}
	}
	k.arena = mem.NewArena(cfg.Mem)

	var err error
	if k.msgs, err = mem.NewSlab(k.arena, proto.MsgQueuePID, msgSlotSize, msgsPerPool, true); err != nil {
		return nil, fmt.Errorf("kernel: message pool: %w", err)
	}
	if k.mods, err = mem.NewSlab(k.arena, proto.KerSchedPID, modSlotSize, modsPerPool, true); err != nil {
		return nil, fmt.Errorf("kernel: module pool: %w", err)
	}
	if k.timerS, err = mem.NewSlab(k.arena, proto.TimerPID, timerSlotSize, timersPerPool, true); err != nil {
		return nil, fmt.Errorf("kernel: timer pool: %w", err)
	}
	return k, nil
}

// Arena returns the node's memory arena.
func (k *Kernel) Arena() *mem.Arena { return k.arena }

// NodeAddress returns this node's address.
func (k *Kernel) NodeAddress() uint16 { return k.cfg.NodeAddress }

// CurrentPID returns the module whose code is running, or the scheduler.
func (k *Kernel) CurrentPID() proto.PID { return k.cur }

// Stats returns a snapshot of the kernel counters.
func (k *Kernel) Stats() Stats {
	s := k.stats
	k.guard.Lock()
	s.Pending = k.q.len()
	k.guard.Unlock()
	for _, m := range k.modules {
		if m != nil {
			s.Modules++
		}
	}
	s.FreeBlocks = k.arena.FreeBlocks()
	s.Blocks = k.arena.Blocks()
	return s
}

func (k *Kernel) logf(format string, args ...any) {
	if k.log == nil {
		return
	}
	k.log.WriteLineString("sos: " + fmt.Sprintf(format, args...))
}

// Enqueue queues m for local dispatch. A released payload is handed to the
// scheduler until the destination runs.
func (k *Kernel) Enqueue(m *Message) {
	if m.owned() {
		if err := k.arena.ChangeOwner(m.heap, proto.KerSchedPID); err != nil {
			k.logf("enqueue %s->%s: %v", m.SID, m.DID, err)
		}
	}
	k.guard.Lock()
	k.q.enqueue(m)
	k.guard.Unlock()
	k.stats.Queued++
}

// Dequeue removes the next message in priority order without dispatching
// it. The caller owns the result and must Dispose it.
func (k *Kernel) Dequeue() *Message {
	k.guard.Lock()
	defer k.guard.Unlock()
	return k.q.dequeue()
}

// FindMatching returns the first queued message with the same addresses,
// ids and type as tmpl. The message stays queued.
func (k *Kernel) FindMatching(tmpl *Message) *Message {
	k.guard.Lock()
	defer k.guard.Unlock()
	return k.q.find(tmpl)
}

// RemoveMatching unlinks and disposes every queued message matching tmpl.
func (k *Kernel) RemoveMatching(tmpl *Message) int {
	k.guard.Lock()
	out := k.q.remove(func(m *Message) bool { return matches(m, tmpl) })
	k.guard.Unlock()
	for _, m := range out {
		k.Dispose(m)
	}
	return len(out)
}

// Pending returns the number of queued messages.
func (k *Kernel) Pending() int {
	k.guard.Lock()
	defer k.guard.Unlock()
	return k.q.len()
}

// Interrupt schedules fn to run on the kernel goroutine before the next
// dispatch. It never blocks; EBUSY means the backlog is full.
func (k *Kernel) Interrupt(fn func()) error {
	k.irqMu.Lock()
	defer k.irqMu.Unlock()
	if len(k.irq) >= k.irqMax {
		return proto.EBUSY
	}
	k.irq = append(k.irq, fn)
	return nil
}

// complete schedules a driver completion. Completions are never refused.
func (k *Kernel) complete(fn func()) {
	k.irqMu.Lock()
	k.irq = append(k.irq, fn)
	k.irqMu.Unlock()
}

func (k *Kernel) runInterrupts() bool {
	k.irqMu.Lock()
	pending := k.irq
	k.irq = nil
	k.irqMu.Unlock()
	for _, fn := range pending {
		fn()
	}
	return len(pending) > 0
}

// Step runs pending interrupt callbacks and dispatches at most one message.
// It reports whether any work was done.
func (k *Kernel) Step() bool {
	if k.panicked.Load() {
		return false
	}
	worked := k.runInterrupts()
	ok, err := k.DispatchNext()
	if err != nil && !errors.Is(err, proto.ENOENT) {
		k.logf("dispatch: %v", err)
	}
	return worked || ok
}

// RunUntilIdle steps until there is nothing left to do or max steps ran.
// It returns the number of productive steps.
func (k *Kernel) RunUntilIdle(max int) int {
	n := 0
	for max <= 0 || n < max {
		if !k.Step() {
			break
		}
		n++
	}
	return n
}
