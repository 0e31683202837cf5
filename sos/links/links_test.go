package links

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"tinygo.org/x/drivers/tester"

	"mote/sos/kernel"
	"mote/sos/proto"
)

type fakeNode struct {
	addr uint16

	mu     sync.Mutex
	done   []*kernel.Message
	frames [][]byte
	err    error
}

func (n *fakeNode) NodeAddress() uint16 { return n.addr }

func (n *fakeNode) SendDone(m *kernel.Message, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.done = append(n.done, m)
}

func (n *fakeNode) Receive(id kernel.LinkID, frame []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.frames = append(n.frames, append([]byte(nil), frame...))
	return nil
}

func testMessage(t *testing.T, daddr uint16, payload string) *kernel.Message {
	t.Helper()
	m := &kernel.Message{DID: 130, SID: 131, DAddr: daddr, SAddr: 1, Type: proto.ModMsgStart}
	if err := m.SetPayload([]byte(payload)); err != nil {
		t.Fatalf("SetPayload() err = %v", err)
	}
	return m
}

func checkFrame(t *testing.T, frame []byte, daddr uint16, payload string) {
	t.Helper()
	h, p, err := proto.ParseFrame(frame)
	if err != nil {
		t.Fatalf("ParseFrame() err = %v", err)
	}
	if h.DID != 130 || h.SID != 131 || h.DAddr != daddr || h.SAddr != 1 || h.Type != proto.ModMsgStart {
		t.Fatalf("header = %+v, want 131->130 for %#06x", h, daddr)
	}
	if string(p) != payload {
		t.Fatalf("payload = %q, want %q", p, payload)
	}
}

type chanNet struct {
	sent [][]byte
	in   chan []byte
	err  error
}

func (c *chanNet) Send(pkt []byte) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, append([]byte(nil), pkt...))
	return nil
}

func (c *chanNet) Recv(pkt []byte) (int, error) {
	b, ok := <-c.in
	if !ok {
		return 0, io.EOF
	}
	return copy(pkt, b), nil
}

func TestRadioTransmit(t *testing.T) {
	node := &fakeNode{addr: 1}
	nw := &chanNet{}
	r := NewRadio(node, nw)

	m := testMessage(t, 2, "radio payload")
	if err := r.Transmit(m); err != nil {
		t.Fatalf("Transmit() err = %v", err)
	}
	if len(nw.sent) != 1 {
		t.Fatalf("Send() calls = %d, want 1", len(nw.sent))
	}
	checkFrame(t, nw.sent[0], 2, "radio payload")
	if len(node.done) != 1 || node.done[0] != m {
		t.Fatalf("SendDone() calls = %d, want 1 for the message", len(node.done))
	}

	nw.err = errors.New("channel busy")
	if err := r.Transmit(testMessage(t, 2, "x")); !errors.Is(err, nw.err) {
		t.Fatalf("Transmit(failing) err = %v, want %v", err, nw.err)
	}
	if len(node.done) != 1 {
		t.Fatalf("SendDone() after failure = %d calls, want 1", len(node.done))
	}
	if c := r.Counters(); c.Sent != 1 {
		t.Fatalf("Counters().Sent = %d, want 1", c.Sent)
	}
}

func TestRadioRunSkipsOwnFrames(t *testing.T) {
	node := &fakeNode{addr: 1}
	nw := &chanNet{in: make(chan []byte, 2)}
	r := NewRadio(node, nw)

	nw.in <- proto.AppendFrame(nil, proto.Header{DID: 130, SID: 131, DAddr: 2, SAddr: 1, Type: proto.ModMsgStart}, []byte("echo"))
	nw.in <- proto.AppendFrame(nil, proto.Header{DID: 130, SID: 131, DAddr: 1, SAddr: 5, Type: proto.ModMsgStart}, []byte("peer"))
	close(nw.in)

	if err := r.Run(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("Run() err = %v, want %v", err, io.EOF)
	}
	if len(node.frames) != 1 {
		t.Fatalf("frames delivered = %d, want 1", len(node.frames))
	}
	if _, p, _ := proto.ParseFrame(node.frames[0]); string(p) != "peer" {
		t.Fatalf("delivered payload = %q, want %q", p, "peer")
	}
	if c := r.Counters(); c.Received != 1 {
		t.Fatalf("Counters().Received = %d, want 1", c.Received)
	}
}

func TestUARTTransmitFramesHDLC(t *testing.T) {
	node := &fakeNode{addr: 1}
	var out bytes.Buffer
	u := NewUART(node, struct {
		io.Reader
		io.Writer
	}{bytes.NewReader(nil), &out})

	// 0x7E in the payload must be stuffed.
	if err := u.Transmit(testMessage(t, proto.UARTAddr, "a~b}c")); err != nil {
		t.Fatalf("Transmit() err = %v", err)
	}
	d := proto.NewDeframer(0)
	var frames [][]byte
	for _, c := range out.Bytes() {
		if f, ok := d.Feed(c); ok {
			frames = append(frames, append([]byte(nil), f...))
		}
	}
	if len(frames) != 1 {
		t.Fatalf("frames on the line = %d, want 1", len(frames))
	}
	checkFrame(t, frames[0], proto.UARTAddr, "a~b}c")
	if len(node.done) != 1 {
		t.Fatalf("SendDone() calls = %d, want 1", len(node.done))
	}
}

func TestUARTClaims(t *testing.T) {
	u := NewUART(&fakeNode{addr: 1}, nil, 7)
	for _, tc := range []struct {
		addr uint16
		want bool
	}{
		{proto.UARTAddr, true},
		{7, true},
		{8, false},
		{proto.BroadcastAddr, false},
	} {
		if got := u.Claims(tc.addr); got != tc.want {
			t.Fatalf("Claims(%#06x) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestUARTRunDeframes(t *testing.T) {
	node := &fakeNode{addr: 1}
	f1 := proto.AppendFrame(nil, proto.Header{DID: 130, SID: 131, DAddr: 1, SAddr: proto.UARTAddr, Type: proto.ModMsgStart}, []byte{0x7E, 0x7D})
	f2 := proto.AppendFrame(nil, proto.Header{DID: 130, SID: 131, DAddr: 1, SAddr: proto.UARTAddr, Type: proto.ModMsgStart}, nil)
	var line []byte
	line = proto.AppendHDLC(line, f1)
	line = append(line, 0x7E, 0x7E)
	line = proto.AppendHDLC(line, f2)

	u := NewUART(node, struct {
		io.Reader
		io.Writer
	}{bytes.NewReader(line), io.Discard})
	if err := u.Run(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("Run() err = %v, want %v", err, io.EOF)
	}
	if len(node.frames) != 2 {
		t.Fatalf("frames delivered = %d, want 2", len(node.frames))
	}
	if !bytes.Equal(node.frames[0], f1) || !bytes.Equal(node.frames[1], f2) {
		t.Fatalf("frames = %x, want %x and %x", node.frames, f1, f2)
	}
}

func TestUARTBetweenKernels(t *testing.T) {
	k1, err := kernel.New(kernel.Config{NodeAddress: 1})
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	k2, err := kernel.New(kernel.Config{NodeAddress: 2})
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	var got []byte
	if _, err := k2.RegisterModule(kernel.Header{PID: 130, Handler: kernel.HandlerFunc(func(ctx *kernel.Context, m *kernel.Message) error {
		if m.Type == proto.ModMsgStart {
			got = append([]byte(nil), m.Data()...)
		}
		return nil
	})}); err != nil {
		t.Fatalf("RegisterModule() err = %v", err)
	}

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	u1, u2 := NewUART(k1, c1, 2), NewUART(k2, c2, 1)
	if err := k1.AttachLink(u1); err != nil {
		t.Fatalf("AttachLink() err = %v", err)
	}
	if err := k2.AttachLink(u2); err != nil {
		t.Fatalf("AttachLink() err = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go u2.Run(ctx)

	if err := k1.PostLink(130, 131, proto.ModMsgStart, []byte("across the wire"), proto.LinkAuto, 2); err != nil {
		t.Fatalf("PostLink() err = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for got == nil && time.Now().Before(deadline) {
		k2.RunUntilIdle(0)
		time.Sleep(time.Millisecond)
	}
	if string(got) != "across the wire" {
		t.Fatalf("received %q, want %q", got, "across the wire")
	}
	k1.RunUntilIdle(0)
	if s := k1.Stats(); s.Transmitted != 1 || s.TxFailed != 0 {
		t.Fatalf("sender Stats() = %+v, want 1 transmitted", s)
	}
}

func TestI2CWritesFrameRegister(t *testing.T) {
	node := &fakeNode{addr: 1}
	bus := tester.NewI2CBus(t)
	d2 := bus.NewDevice(0x42)
	d3 := bus.NewDevice(0x43)
	l := NewI2C(node, bus, map[uint16]uint16{2: 0x42, 3: 0x43})

	if !l.Claims(2) || l.Claims(4) {
		t.Fatalf("Claims() = %v, %v, want true, false", l.Claims(2), l.Claims(4))
	}

	m := testMessage(t, 2, "to two")
	if err := l.Transmit(m); err != nil {
		t.Fatalf("Transmit() err = %v", err)
	}
	frame := proto.AppendFrame(nil, m.Header(), m.Data())
	if !bytes.Equal(d2.Registers[RegFrame:RegFrame+len(frame)], frame) {
		t.Fatalf("registers = %x, want %x", d2.Registers[:len(frame)], frame)
	}
	if d3.Registers[0] != 0 {
		t.Fatalf("unaddressed device was written")
	}

	if err := l.Transmit(testMessage(t, proto.BroadcastAddr, "all")); err != nil {
		t.Fatalf("Transmit(broadcast) err = %v", err)
	}
	for _, d := range []*tester.I2CDevice8{d2, d3} {
		h, _, err := proto.ParseFrame(d.Registers[:proto.HeaderLen+3+proto.CRCLen])
		if err != nil || h.DAddr != proto.BroadcastAddr {
			t.Fatalf("device %#x frame = %+v, %v, want broadcast", d.Addr(), h, err)
		}
	}

	if err := l.Transmit(testMessage(t, 9, "lost")); !errors.Is(err, proto.EINVAL) {
		t.Fatalf("Transmit(unknown) err = %v, want %v", err, proto.EINVAL)
	}
	if len(node.done) != 2 {
		t.Fatalf("SendDone() calls = %d, want 2", len(node.done))
	}
}

func TestI2CBusError(t *testing.T) {
	node := &fakeNode{addr: 1}
	bus := tester.NewI2CBus(t)
	d := bus.NewDevice(0x42)
	d.Err = errors.New("nack")
	l := NewI2C(node, bus, map[uint16]uint16{2: 0x42})
	if err := l.Transmit(testMessage(t, 2, "x")); !errors.Is(err, d.Err) {
		t.Fatalf("Transmit() err = %v, want %v", err, d.Err)
	}
	if len(node.done) != 0 {
		t.Fatalf("SendDone() calls = %d, want 0", len(node.done))
	}
}

func TestI2CDeliver(t *testing.T) {
	node := &fakeNode{addr: 1}
	l := NewI2C(node, tester.NewI2CBus(t), nil)
	frame := proto.AppendFrame(nil, proto.Header{DID: 130, SID: 131, DAddr: 1, SAddr: 2}, []byte{1})
	if err := l.Deliver(frame); err != nil {
		t.Fatalf("Deliver() err = %v", err)
	}
	node.err = proto.EBUSY
	if err := l.Deliver(frame); !errors.Is(err, proto.EBUSY) {
		t.Fatalf("Deliver(busy) err = %v, want %v", err, proto.EBUSY)
	}
	if c := l.Counters(); c.Received != 1 || c.Dropped != 1 {
		t.Fatalf("Counters() = %+v, want 1 received, 1 dropped", c)
	}
}

type fakeSPI struct {
	written [][]byte
	pending [][]byte
	next    []byte
	err     error
}

func (s *fakeSPI) Tx(w, r []byte) error {
	if s.err != nil {
		return s.err
	}
	if w != nil {
		s.written = append(s.written, append([]byte(nil), w...))
	}
	if r == nil {
		return nil
	}
	if s.next != nil {
		copy(r, s.next)
		s.next = nil
		return nil
	}
	clear(r)
	if len(s.pending) > 0 {
		s.next, s.pending = s.pending[0], s.pending[1:]
		binary.LittleEndian.PutUint16(r, uint16(len(s.next)))
	}
	return nil
}

func (s *fakeSPI) Transfer(b byte) (byte, error) { return 0, s.err }

func TestSPITransmitAndPoll(t *testing.T) {
	node := &fakeNode{addr: 1}
	in := proto.AppendFrame(nil, proto.Header{DID: 130, SID: 131, DAddr: 1, SAddr: 4, Type: proto.ModMsgStart}, []byte("sensor"))
	bus := &fakeSPI{pending: [][]byte{in}}
	l := NewSPI(node, bus)

	if err := l.Transmit(testMessage(t, 4, "cmd")); err != nil {
		t.Fatalf("Transmit() err = %v", err)
	}
	if len(bus.written) != 1 {
		t.Fatalf("bus writes = %d, want 1", len(bus.written))
	}
	checkFrame(t, bus.written[0], 4, "cmd")

	ok, err := l.Poll()
	if !ok || err != nil {
		t.Fatalf("Poll() = %v, %v, want true, nil", ok, err)
	}
	if len(node.frames) != 1 || !bytes.Equal(node.frames[0], in) {
		t.Fatalf("frames = %x, want %x", node.frames, in)
	}
	if ok, err := l.Poll(); ok || err != nil {
		t.Fatalf("Poll(idle) = %v, %v, want false, nil", ok, err)
	}
}
