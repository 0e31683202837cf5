// Package links contains the link drivers that carry messages between nodes.
//
// Every driver encodes a message with proto.AppendFrame, reports completion
// with SendDone and hands inbound frames to Receive. Inbound frames are read
// on a driver goroutine; the kernel moves them onto its own goroutine.
package links

import (
	"encoding/binary"
	"sync/atomic"

	"mote/sos/kernel"
	"mote/sos/proto"
)

// Node is the part of the kernel a link driver talks to.
type Node interface {
	NodeAddress() uint16
	SendDone(m *kernel.Message, err error)
	Receive(id kernel.LinkID, frame []byte) error
}

// MaxFrame is the largest encoded frame.
const MaxFrame = proto.HeaderLen + proto.MaxPayload + proto.CRCLen

func encode(dst []byte, m *kernel.Message) []byte {
	return proto.AppendFrame(dst, m.Header(), m.Data())
}

// frameSource returns the source node address of a raw frame.
func frameSource(frame []byte) (uint16, bool) {
	if len(frame) < proto.HeaderLen {
		return 0, false
	}
	return binary.LittleEndian.Uint16(frame[4:6]), true
}

type counters struct {
	sent     atomic.Uint32
	received atomic.Uint32
	dropped  atomic.Uint32
}

// Counters is a snapshot of a driver's traffic.
type Counters struct {
	Sent     uint32
	Received uint32
	Dropped  uint32
}

func (c *counters) snapshot() Counters {
	return Counters{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Dropped:  c.dropped.Load(),
	}
}

func (c *counters) deliver(n Node, id kernel.LinkID, frame []byte) error {
	if err := n.Receive(id, frame); err != nil {
		c.dropped.Add(1)
		return err
	}
	c.received.Add(1)
	return nil
}
