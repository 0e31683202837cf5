package kernel

import (
	"bytes"
	"errors"
	"testing"

	"mote/sos/mem"
	"mote/sos/proto"
)

func TestRegisterModuleValidation(t *testing.T) {
	k := newTestKernel(t)
	rec := &recorder{}
	mustRegister(t, k, 130, rec.handler())

	if _, err := k.RegisterModule(Header{PID: 130, Handler: rec.handler()}); !errors.Is(err, proto.EEXIST) {
		t.Fatalf("RegisterModule(dup) err = %v, want %v", err, proto.EEXIST)
	}
	if _, err := k.RegisterModule(Header{PID: 230, Handler: rec.handler()}); !errors.Is(err, proto.EINVAL) {
		t.Fatalf("RegisterModule(thread pid) err = %v, want %v", err, proto.EINVAL)
	}
	if _, err := k.RegisterModule(Header{PID: 131}); !errors.Is(err, proto.EINVAL) {
		t.Fatalf("RegisterModule(no handler) err = %v, want %v", err, proto.EINVAL)
	}
	if !k.Registered(130) || k.Registered(131) {
		t.Fatalf("Registered() = %v, %v, want true, false", k.Registered(130), k.Registered(131))
	}
}

func TestRegisterModuleRejectsKernelPIDs(t *testing.T) {
	k := newTestKernel(t)
	rec := &recorder{}
	for _, pid := range []proto.PID{
		proto.KerSchedPID, proto.TimerPID, proto.UserPID, proto.RadioPID,
		proto.MonitorPID, proto.MsgQueuePID, proto.FntablePID, proto.NullPID,
	} {
		if _, err := k.RegisterModule(Header{PID: pid, Handler: rec.handler()}); !errors.Is(err, proto.EINVAL) {
			t.Fatalf("RegisterModule(%s) err = %v, want %v", pid, err, proto.EINVAL)
		}
		if err := k.DeregisterModule(pid); !errors.Is(err, proto.EINVAL) {
			t.Fatalf("DeregisterModule(%s) err = %v, want %v", pid, err, proto.EINVAL)
		}
	}

	m, err := k.NewMessage()
	if err != nil {
		t.Fatalf("NewMessage() err = %v", err)
	}
	defer k.Dispose(m)
	a := k.Arena()
	if n := a.OwnedBlocks(proto.MsgQueuePID); n == 0 {
		t.Fatalf("OwnedBlocks(msgq) = %d, want message pool blocks", n)
	}
	if err := a.Check(); err != nil {
		t.Fatalf("Check() err = %v", err)
	}
}

func TestInitPrecedesQueuedTraffic(t *testing.T) {
	k := newTestKernel(t)
	_ = k.PostLocal(130, 131, proto.ModMsgStart, []byte{1}, 0)

	rec := &recorder{}
	if _, err := k.RegisterModule(Header{PID: 130, Name: "probe", StateSize: 20, Handler: rec.handler()}); err != nil {
		t.Fatalf("RegisterModule() err = %v", err)
	}
	k.RunUntilIdle(0)

	if len(rec.msgs) != 2 || rec.msgs[0].typ != proto.MsgInit || rec.msgs[1].typ != proto.ModMsgStart {
		t.Fatalf("delivered = %+v, want init then start", rec.msgs)
	}
	if rec.msgs[0].flag&proto.SystemPriority == 0 {
		t.Fatalf("init flag = %v, want system priority", rec.msgs[0].flag)
	}
	if n := len(k.ModuleState(130)); n != 20 {
		t.Fatalf("len(ModuleState()) = %d, want 20", n)
	}
	if n := k.Arena().OwnedBlocks(130); n != 3 {
		t.Fatalf("OwnedBlocks(130) = %d, want 3", n)
	}
}

func TestDeregisterModuleReclaims(t *testing.T) {
	k := newTestKernel(t)
	rec := &recorder{}
	if _, err := k.RegisterModule(Header{PID: 130, StateSize: 24, NumTimers: 1, Handler: rec.handler()}); err != nil {
		t.Fatalf("RegisterModule() err = %v", err)
	}
	k.RunUntilIdle(0)
	free := k.Arena().FreeBlocks()

	if err := k.TimerStart(130, 1, 5, true); err != nil {
		t.Fatalf("TimerStart() err = %v", err)
	}
	if _, err := k.Arena().Alloc(40, 130); err != nil {
		t.Fatalf("Alloc() err = %v", err)
	}
	_ = k.PostLocal(130, 131, proto.ModMsgStart, []byte{1}, 0)

	if err := k.DeregisterModule(130); err != nil {
		t.Fatalf("DeregisterModule() err = %v", err)
	}
	if last := rec.msgs[len(rec.msgs)-1]; last.typ != proto.MsgFinal {
		t.Fatalf("last delivered = %v, want %v", last.typ, proto.MsgFinal)
	}
	if n := len(rec.of(proto.ModMsgStart)); n != 0 {
		t.Fatalf("queued message delivered %d times, want 0", n)
	}
	if k.Registered(130) {
		t.Fatalf("Registered(130) = true after deregister")
	}
	if n := k.Pending(); n != 0 {
		t.Fatalf("Pending() = %d, want 0", n)
	}
	if n := k.Arena().OwnedBlocks(130); n != 0 {
		t.Fatalf("OwnedBlocks(130) = %d, want 0", n)
	}
	if n := k.Arena().FreeBlocks(); n <= free {
		t.Fatalf("FreeBlocks() = %d, want more than %d", n, free)
	}
	if len(k.timers) != 0 || k.timerS.InUse() != 0 {
		t.Fatalf("timers = %d (slots %d), want none", len(k.timers), k.timerS.InUse())
	}
	if n := k.msgs.InUse(); n != 0 {
		t.Fatalf("messages in use = %d, want 0", n)
	}
	if err := k.DeregisterModule(130); !errors.Is(err, proto.EINVAL) {
		t.Fatalf("DeregisterModule(again) err = %v, want %v", err, proto.EINVAL)
	}
}

func TestDeregisterSelfRefused(t *testing.T) {
	k := newTestKernel(t)
	var selfErr error
	mustRegister(t, k, 130, HandlerFunc(func(ctx *Context, m *Message) error {
		if m.Type == proto.ModMsgStart {
			selfErr = ctx.Kernel().DeregisterModule(ctx.PID())
		}
		return nil
	}))
	_ = k.PostLocal(130, 131, proto.ModMsgStart, []byte{1}, 0)
	k.RunUntilIdle(0)
	if !errors.Is(selfErr, proto.EPERM) {
		t.Fatalf("DeregisterModule(self) err = %v, want %v", selfErr, proto.EPERM)
	}
	if !k.Registered(130) {
		t.Fatalf("Registered(130) = false, want true")
	}
}

func TestSpawnDrawsThreadPIDs(t *testing.T) {
	k := newTestKernel(t)
	rec := &recorder{}
	h := Header{Name: "worker", Handler: rec.handler()}

	p1, err := k.Spawn(h, []byte("hi"))
	if err != nil || p1 != proto.ThreadMinPID {
		t.Fatalf("Spawn() = %d, %v, want %d", p1, err, proto.ThreadMinPID)
	}
	p2, err := k.Spawn(h, nil)
	if err != nil || p2 != proto.ThreadMinPID+1 {
		t.Fatalf("Spawn() = %d, %v, want %d", p2, err, proto.ThreadMinPID+1)
	}
	k.RunUntilIdle(0)
	inits := rec.of(proto.MsgInit)
	if len(inits) != 2 || inits[0].did != p1 || string(inits[0].data) != "hi" {
		t.Fatalf("inits = %+v, want %d with payload hi first", inits, p1)
	}

	if err := k.DeregisterModule(p1); err != nil {
		t.Fatalf("DeregisterModule() err = %v", err)
	}
	p3, err := k.Spawn(h, nil)
	if err != nil || p3 != p1 {
		t.Fatalf("Spawn() after release = %d, %v, want %d", p3, err, p1)
	}
}

func TestSpawnExhaustsPool(t *testing.T) {
	k, err := New(Config{NodeAddress: testNode, Mem: mem.Config{Size: 8192, BlockSize: 8}})
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	h := Header{Handler: (&recorder{}).handler()}
	for i := proto.ThreadMinPID; i <= proto.MaxPID; i++ {
		if _, err := k.Spawn(h, nil); err != nil {
			t.Fatalf("Spawn(%d) err = %v", i, err)
		}
	}
	if _, err := k.Spawn(h, nil); !errors.Is(err, proto.ENOMEM) {
		t.Fatalf("Spawn(full) err = %v, want %v", err, proto.ENOMEM)
	}
}

func TestTakeDataTransfersReleasedPayload(t *testing.T) {
	k := newTestKernel(t)
	var taken mem.Handle
	var lenAfter uint8
	var heapAfter bool
	mustRegister(t, k, 130, HandlerFunc(func(ctx *Context, m *Message) error {
		if m.Type != proto.ModMsgStart {
			return nil
		}
		h, err := ctx.TakeData(m)
		if err != nil {
			return err
		}
		taken, lenAfter, heapAfter = h, m.Len, m.Heap().Valid()
		return nil
	}))
	k.RunUntilIdle(0)

	payload := []byte("released payload bytes")
	a := k.Arena()
	h, err := a.Alloc(len(payload), 131)
	if err != nil {
		t.Fatalf("Alloc() err = %v", err)
	}
	copy(a.Bytes(h), payload)
	if err := k.PostLinkHeap(130, 131, proto.ModMsgStart, h, 0, testNode); err != nil {
		t.Fatalf("PostLinkHeap() err = %v", err)
	}
	if owner, _ := a.Owner(h); owner != proto.KerSchedPID {
		t.Fatalf("queued payload owner = %v, want %v", owner, proto.KerSchedPID)
	}
	k.RunUntilIdle(0)

	if !taken.Valid() {
		t.Fatalf("TakeData() returned no handle")
	}
	if owner, err := a.Owner(taken); err != nil || owner != 130 {
		t.Fatalf("Owner(taken) = %v, %v, want 130", owner, err)
	}
	if !bytes.Equal(a.Bytes(taken), payload) {
		t.Fatalf("taken bytes = %q, want %q", a.Bytes(taken), payload)
	}
	if lenAfter != 0 || heapAfter {
		t.Fatalf("message after take: Len = %d heap = %v, want 0, false", lenAfter, heapAfter)
	}
}

func TestTakeDataCopiesBorrowedPayload(t *testing.T) {
	k := newTestKernel(t)
	var taken mem.Handle
	var lenAfter uint8
	mustRegister(t, k, 130, HandlerFunc(func(ctx *Context, m *Message) error {
		if m.Type != proto.ModMsgStart {
			return nil
		}
		h, err := ctx.TakeData(m)
		if err != nil {
			return err
		}
		taken, lenAfter = h, m.Len
		return nil
	}))
	k.RunUntilIdle(0)

	payload := []byte("borrowed!!")
	_ = k.PostLocal(130, 131, proto.ModMsgStart, payload, 0)
	k.RunUntilIdle(0)

	if !bytes.Equal(k.Arena().Bytes(taken), payload) {
		t.Fatalf("taken bytes = %q, want %q", k.Arena().Bytes(taken), payload)
	}
	if lenAfter != uint8(len(payload)) {
		t.Fatalf("message Len after copy = %d, want %d", lenAfter, len(payload))
	}
}

func TestUntakenPayloadFreedAfterDispatch(t *testing.T) {
	k := newTestKernel(t)
	mustRegister(t, k, 130, (&recorder{}).handler())
	k.RunUntilIdle(0)
	free := k.Arena().FreeBlocks()

	h, _ := k.Arena().Alloc(64, 131)
	if err := k.PostLinkHeap(130, 131, proto.ModMsgStart, h, 0, testNode); err != nil {
		t.Fatalf("PostLinkHeap() err = %v", err)
	}
	k.RunUntilIdle(0)
	if n := k.Arena().FreeBlocks(); n != free {
		t.Fatalf("FreeBlocks() = %d, want %d", n, free)
	}
}

func TestReliableLocalDelivery(t *testing.T) {
	k := newTestKernel(t)
	sender := &recorder{}
	mustRegister(t, k, 131, sender.handler())
	mustRegister(t, k, 130, HandlerFunc(func(ctx *Context, m *Message) error {
		if m.Type == proto.ModMsgStart && m.Data()[0] == 1 {
			return errors.New("rejected")
		}
		return nil
	}))
	k.RunUntilIdle(0)

	_ = k.PostLocal(130, 131, proto.ModMsgStart, []byte{1}, proto.Reliable)
	_ = k.PostLocal(130, 131, proto.ModMsgStart, []byte{2}, proto.Reliable)
	k.RunUntilIdle(0)

	done := sender.of(proto.MsgPktSendDone)
	if len(done) != 2 {
		t.Fatalf("send done reports = %d, want 2", len(done))
	}
	if done[0].flag&proto.SendFail == 0 || done[1].flag&proto.SendFail != 0 {
		t.Fatalf("report flags = %v, %v, want fail then success", done[0].flag, done[1].flag)
	}
	if n := k.msgs.InUse(); n != 0 {
		t.Fatalf("messages in use = %d, want 0", n)
	}
}

func TestAppModuleFaultRemovesModule(t *testing.T) {
	k := newTestKernel(t)
	mustRegister(t, k, 130, HandlerFunc(func(ctx *Context, m *Message) error {
		if m.Type == proto.ModMsgStart {
			panic("bad module")
		}
		return nil
	}))
	k.RunUntilIdle(0)
	_ = k.PostLocal(130, 131, proto.ModMsgStart, []byte{1}, 0)
	k.RunUntilIdle(0)

	if k.Registered(130) {
		t.Fatalf("faulted module still registered")
	}
	if s := k.Stats(); s.Faults != 1 {
		t.Fatalf("Stats().Faults = %d, want 1", s.Faults)
	}
	if k.InPanicMode() {
		t.Fatalf("InPanicMode() = true after application fault")
	}
}

func TestKernelModuleFaultHalts(t *testing.T) {
	k := newTestKernel(t)
	var infos []PanicInfo
	k.SetPanicHandler(func(info PanicInfo) { infos = append(infos, info) })
	mustRegister(t, k, 20, HandlerFunc(func(ctx *Context, m *Message) error {
		if m.Type == proto.ModMsgStart {
			panic("boom")
		}
		return nil
	}))
	k.RunUntilIdle(0)
	_ = k.PostLocal(20, 131, proto.ModMsgStart, []byte{1}, 0)
	_ = k.PostLocal(20, 131, proto.ModMsgStart, []byte{2}, 0)
	k.RunUntilIdle(0)

	if len(infos) != 1 || infos[0].PID != 20 || infos[0].Value != "boom" {
		t.Fatalf("panic handler calls = %+v, want one for pid 20", infos)
	}
	if !k.InPanicMode() {
		t.Fatalf("InPanicMode() = false, want true")
	}
	if k.Step() {
		t.Fatalf("Step() in panic mode = true, want false")
	}
	if n := k.Pending(); n != 1 {
		t.Fatalf("Pending() = %d, want 1", n)
	}
}

func TestContextPostLinkHeapRequiresOwner(t *testing.T) {
	k := newTestKernel(t)
	h, err := k.Arena().Alloc(8, 130)
	if err != nil {
		t.Fatal(err)
	}
	var got, own error
	mustRegister(t, k, 131, HandlerFunc(func(ctx *Context, m *Message) error {
		if m.Type != proto.MsgInit {
			return nil
		}
		got = ctx.PostLinkHeap(132, proto.ModMsgStart, h, 0, testNode)
		mine, err := ctx.Alloc(8)
		if err != nil {
			return err
		}
		own = ctx.PostLinkHeap(132, proto.ModMsgStart, mine, 0, testNode)
		return nil
	}))
	k.RunUntilIdle(0)

	if !errors.Is(got, proto.EPERM) {
		t.Fatalf("PostLinkHeap(foreign) err = %v, want %v", got, proto.EPERM)
	}
	if owner, err := k.Arena().Owner(h); err != nil || owner != 130 {
		t.Fatalf("Owner() = %v, %v, want 130", owner, err)
	}
	if own != nil {
		t.Fatalf("PostLinkHeap(owned) err = %v", own)
	}
}
