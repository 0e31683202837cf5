package kernel

import (
	"encoding/binary"
	"fmt"

	"mote/sos/mem"
	"mote/sos/proto"
)

// LinkID names a physical transport.
type LinkID uint8

const (
	LinkRadio LinkID = iota
	LinkI2C
	LinkUART
	LinkSPI
	numLinks
)

func (id LinkID) String() string {
	switch id {
	case LinkRadio:
		return "radio"
	case LinkI2C:
		return "i2c"
	case LinkUART:
		return "uart"
	case LinkSPI:
		return "spi"
	default:
		return "unknown"
	}
}

// Flag returns the message flag that selects the link.
func (id LinkID) Flag() proto.Flag {
	switch id {
	case LinkRadio:
		return proto.RadioIO
	case LinkI2C:
		return proto.I2CIO
	case LinkUART:
		return proto.UARTIO
	case LinkSPI:
		return proto.SPIIO
	default:
		return 0
	}
}

// fanout is the order in which links receive a message; the first link
// selected gets the original message.
var fanout = [...]LinkID{LinkRadio, LinkUART, LinkI2C, LinkSPI}

// Link is a physical transport driver.
//
// Transmit takes ownership of m. The driver reports completion with
// Kernel.SendDone, or returns an error, in which case the kernel completes
// the send itself and the driver must not call SendDone.
type Link interface {
	ID() LinkID
	Transmit(m *Message) error
}

// AddressClaimer is implemented by links that can tell whether a node
// address is reachable through them.
type AddressClaimer interface {
	Claims(addr uint16) bool
}

// AttachLink enables a link.
func (k *Kernel) AttachLink(l Link) error {
	id := l.ID()
	if id >= numLinks {
		return proto.EINVAL
	}
	if k.links[id] != nil {
		return proto.EEXIST
	}
	k.links[id] = l
	k.logf("link %s attached", id)
	return nil
}

// DetachLink disables a link.
func (k *Kernel) DetachLink(id LinkID) error {
	if id >= numLinks || k.links[id] == nil {
		return proto.ENOENT
	}
	k.links[id] = nil
	return nil
}

// Post dispatches a message built with NewMessage. The kernel owns m
// afterwards, whatever the outcome.
func (k *Kernel) Post(m *Message) error {
	return k.route(m)
}

// PostLink sends borrowed data from sid to module did on node daddr.
func (k *Kernel) PostLink(did, sid proto.PID, typ proto.Type, data []byte, flag proto.Flag, daddr uint16) error {
	if flag&proto.Release != 0 || len(data) > proto.MaxPayload {
		return proto.EINVAL
	}
	m, err := k.NewMessage()
	if err != nil {
		return err
	}
	k.fill(m, did, sid, typ, flag, daddr)
	_ = m.SetPayload(data)
	return k.route(m)
}

// PostLinkHeap sends an owned buffer from sid to module did on node daddr.
// The buffer is freed if the message cannot be created.
func (k *Kernel) PostLinkHeap(did, sid proto.PID, typ proto.Type, h mem.Handle, flag proto.Flag, daddr uint16) error {
	m, err := k.NewMessage()
	if err != nil {
		_ = k.arena.Free(h)
		return err
	}
	k.fill(m, did, sid, typ, flag, daddr)
	if err := m.SetHeap(h); err != nil {
		_ = k.arena.Free(h)
		k.Dispose(m)
		return err
	}
	return k.route(m)
}

// PostLocal sends borrowed data to a module on this node.
func (k *Kernel) PostLocal(did, sid proto.PID, typ proto.Type, data []byte, flag proto.Flag) error {
	return k.PostLink(did, sid, typ, data, flag, k.cfg.NodeAddress)
}

// PostValue sends a 32-bit little-endian value in the inline payload.
func (k *Kernel) PostValue(did, sid proto.PID, typ proto.Type, v uint32, flag proto.Flag) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return k.PostLocal(did, sid, typ, b[:], flag&^proto.Release)
}

func (k *Kernel) fill(m *Message, did, sid proto.PID, typ proto.Type, flag proto.Flag, daddr uint16) {
	m.DID, m.SID = did, sid
	m.DAddr, m.SAddr = daddr, k.cfg.NodeAddress
	m.Type = typ
	m.Flag = flag
}

// route delivers m locally or fans it out to every selected link. Only the
// first link gets the original message; the others get deep copies with
// Reliable cleared. If a copy cannot be made, every copy made so far and
// the original are disposed and ENOMEM is returned.
func (k *Kernel) route(m *Message) error {
	if m.DAddr == k.cfg.NodeAddress {
		k.Enqueue(m)
		return nil
	}
	if m.Flag&proto.LinkAuto != 0 && m.DAddr != proto.BroadcastAddr {
		k.selectLink(m)
	}

	var clones [numLinks]*Message
	n := 0
	for _, id := range fanout {
		if k.links[id] == nil || m.Flag&id.Flag() == 0 {
			continue
		}
		if n == 0 {
			clones[id] = m
			n++
			continue
		}
		c, err := k.duplicate(m)
		if err != nil {
			for _, x := range clones {
				if x != nil {
					k.Dispose(x)
				}
			}
			return fmt.Errorf("kernel: duplicate for %s: %w", id, err)
		}
		c.Flag &^= proto.Reliable
		clones[id] = c
		n++
	}
	if n == 0 {
		k.Dispose(m)
		return proto.EINVAL
	}

	k.deliverToMonitors(MonitorOutgoing, m)
	for _, id := range fanout {
		c := clones[id]
		if c == nil {
			continue
		}
		c.normalize()
		if c.owned() {
			_ = k.arena.ChangeOwner(c.heap, proto.KerSchedPID)
		}
		k.inflight[c] = struct{}{}
		k.stats.Transmitted++
		if err := k.links[id].Transmit(c); err != nil {
			k.logf("%s transmit to %#06x: %v", id, c.Header().DAddr, err)
			k.finishSend(c, err)
		}
	}
	return nil
}

// selectLink sets the link flags of m for its destination. A serial link
// that claims the address wins; otherwise the radio carries it.
func (k *Kernel) selectLink(m *Message) {
	found := false
	for _, id := range [...]LinkID{LinkUART, LinkI2C} {
		c, ok := k.links[id].(AddressClaimer)
		if ok && c.Claims(m.DAddr) {
			m.Flag |= id.Flag()
			found = true
		} else {
			m.Flag &^= id.Flag()
		}
	}
	if found {
		m.Flag &^= proto.RadioIO
	} else {
		m.Flag |= proto.RadioIO
	}
}

// SendDone reports that a link finished with m. It may be called from any
// goroutine; the completion runs on the kernel goroutine.
func (k *Kernel) SendDone(m *Message, err error) {
	k.complete(func() { k.finishSend(m, err) })
}

func (k *Kernel) finishSend(m *Message, err error) {
	delete(k.inflight, m)
	if err != nil {
		k.stats.TxFailed++
	}
	if m.Flag&proto.Reliable == 0 {
		k.Dispose(m)
		return
	}
	if perr := k.postSendDone(m.SID, m, err != nil); perr != nil {
		k.Dispose(m)
	}
}

// Receive accepts a frame that arrived on a link. It may be called from any
// goroutine; the message is created on the kernel goroutine. When memory is
// short the frame is dropped and an error report is raised.
func (k *Kernel) Receive(id LinkID, frame []byte) error {
	h, payload, err := proto.ParseFrame(frame)
	if err != nil {
		k.complete(func() { k.stats.BadFrames++ })
		return fmt.Errorf("kernel: receive on %s: %w", id, err)
	}
	buf := append([]byte(nil), payload...)
	return k.Interrupt(func() { k.deliverFrame(h, buf) })
}

func (k *Kernel) deliverFrame(h proto.Header, payload []byte) {
	k.stats.Received++
	m, err := k.NewMessage()
	if err != nil {
		k.dropFrame(h, err)
		return
	}
	m.DID, m.SID = h.DID, h.SID
	m.DAddr, m.SAddr = h.DAddr, h.SAddr
	m.Type = h.Type
	m.Flag = proto.FromNetwork
	if len(payload) > 0 {
		ph, err := k.arena.Alloc(len(payload), proto.KerSchedPID)
		if err != nil {
			k.Dispose(m)
			k.dropFrame(h, err)
			return
		}
		copy(k.arena.Bytes(ph), payload)
		_ = m.SetHeap(ph)
	}
	k.Enqueue(m)
}

func (k *Kernel) dropFrame(h proto.Header, err error) {
	k.stats.RxDropped++
	k.logf("drop frame %s->%s: %v", h.SID, h.DID, err)
	k.report(proto.ENOMEM, h.DID, h.Type)
}
