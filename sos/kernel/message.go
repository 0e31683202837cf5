package kernel

import (
	"mote/sos/mem"
	"mote/sos/proto"
)

// Message is the unit of IPC.
//
// A message's payload is either borrowed (the inline buffer or caller memory
// that consumers copy) or an arena area whose ownership travels with the
// message when Release is set.
type Message struct {
	DID   proto.PID
	SID   proto.PID
	DAddr uint16
	SAddr uint16
	Type  proto.Type
	Len   uint8
	Flag  proto.Flag

	a      *mem.Arena
	data   []byte
	inline [proto.InlinePayload]byte
	heap   mem.Handle
	slot   mem.Item
	sent   *Message
	next   *Message
	wire   bool
}

// Data returns the payload. Heap payloads alias the arena.
func (m *Message) Data() []byte {
	if m.heap.Valid() && m.a != nil {
		b := m.a.Bytes(m.heap)
		if int(m.Len) < len(b) {
			b = b[:m.Len]
		}
		return b
	}
	if int(m.Len) < len(m.data) {
		return m.data[:m.Len]
	}
	return m.data
}

// Heap returns the arena area backing the payload, if any.
func (m *Message) Heap() mem.Handle { return m.heap }

// Sent returns the message a MsgPktSendDone reports on.
func (m *Message) Sent() *Message { return m.sent }

// WireOrder reports whether the node addresses have been converted to the
// wire layout for transmission.
func (m *Message) WireOrder() bool { return m.wire }

// Header returns the frame header with node addresses in host order.
func (m *Message) Header() proto.Header {
	h := proto.Header{
		DID:   m.DID,
		SID:   m.SID,
		DAddr: m.DAddr,
		SAddr: m.SAddr,
		Type:  m.Type,
		Len:   m.Len,
	}
	if m.wire {
		h.DAddr = proto.WireToHost16(h.DAddr)
		h.SAddr = proto.WireToHost16(h.SAddr)
	}
	return h
}

// SetPayload points the message at borrowed bytes. Payloads that fit the
// inline buffer are copied into it.
func (m *Message) SetPayload(b []byte) error {
	if len(b) > proto.MaxPayload {
		return proto.EINVAL
	}
	m.dropHeap()
	m.Flag &^= proto.Release
	if len(b) <= len(m.inline) {
		n := copy(m.inline[:], b)
		m.data = m.inline[:n]
	} else {
		m.data = b
	}
	m.Len = uint8(len(b))
	return nil
}

// SetHeap makes h the payload and sets Release. The message now owns h.
func (m *Message) SetHeap(h mem.Handle) error {
	if m.a == nil {
		return proto.EINVAL
	}
	n := m.a.Size(h)
	if n == 0 || n > proto.MaxPayload {
		return proto.EINVAL
	}
	m.dropHeap()
	m.heap = h
	m.data = nil
	m.Len = uint8(n)
	m.Flag |= proto.Release
	return nil
}

func (m *Message) dropHeap() {
	if m.heap.Valid() && m.Flag&proto.Release != 0 && m.a != nil {
		_ = m.a.Free(m.heap)
	}
	m.heap = mem.Handle{}
}

func (m *Message) owned() bool {
	return m.heap.Valid() && m.Flag&proto.Release != 0
}

// normalize converts node addresses to wire order. It runs once per message.
func (m *Message) normalize() {
	if m.wire {
		return
	}
	m.DAddr = proto.HostToWire16(m.DAddr)
	m.SAddr = proto.HostToWire16(m.SAddr)
	m.wire = true
}

// NewMessage draws an empty message from the message pool.
func (k *Kernel) NewMessage() (*Message, error) {
	slot, err := k.msgs.Alloc()
	if err != nil {
		return nil, err
	}
	return &Message{a: k.arena, slot: slot}, nil
}

// Dispose returns m to the message pool, freeing an owned payload and the
// message a send-done report carries.
func (k *Kernel) Dispose(m *Message) {
	if m == nil {
		return
	}
	if m.sent != nil {
		k.Dispose(m.sent)
		m.sent = nil
	}
	if m.owned() {
		if err := k.arena.Free(m.heap); err != nil {
			k.logf("dispose %s->%s: free payload: %v", m.SID, m.DID, err)
		}
	}
	m.heap = mem.Handle{}
	m.data = nil
	m.Len = 0
	if m.slot != mem.NoItem {
		if err := k.msgs.Free(m.slot); err != nil {
			k.logf("dispose %s->%s: free slot: %v", m.SID, m.DID, err)
		}
		m.slot = mem.NoItem
	}
}

// duplicate makes a deep copy of m with its own payload owned by the scheduler.
func (k *Kernel) duplicate(m *Message) (*Message, error) {
	c, err := k.NewMessage()
	if err != nil {
		return nil, err
	}
	c.DID, c.SID = m.DID, m.SID
	c.DAddr, c.SAddr = m.DAddr, m.SAddr
	c.Type = m.Type
	c.Flag = m.Flag &^ proto.Release
	c.wire = m.wire
	if m.Len > 0 {
		h, err := k.arena.Alloc(int(m.Len), proto.KerSchedPID)
		if err != nil {
			k.Dispose(c)
			return nil, err
		}
		copy(k.arena.Bytes(h), m.Data())
		c.heap = h
		c.Len = m.Len
		c.Flag |= proto.Release
	}
	return c, nil
}

// TakeData hands the payload of m to pid.
//
// A released payload changes owner and is detached from m, leaving Len at 0.
// Otherwise a fresh copy owned by pid is returned and m is unchanged. For
// MsgPktSendDone the payload of the reported message is taken.
func (k *Kernel) TakeData(pid proto.PID, m *Message) (mem.Handle, error) {
	if m.Type == proto.MsgPktSendDone && m.sent != nil {
		m = m.sent
	}
	if m.owned() {
		h := m.heap
		if err := k.arena.ChangeOwner(h, pid); err != nil {
			_ = k.arena.Free(h)
			m.heap = mem.Handle{}
			m.Len = 0
			m.Flag &^= proto.Release
			return mem.Handle{}, err
		}
		m.heap = mem.Handle{}
		m.data = nil
		m.Len = 0
		m.Flag &^= proto.Release
		return h, nil
	}
	if m.Len == 0 {
		return mem.Handle{}, proto.EINVAL
	}
	h, err := k.arena.Alloc(int(m.Len), pid)
	if err != nil {
		return mem.Handle{}, err
	}
	copy(k.arena.Bytes(h), m.Data())
	return h, nil
}
