package links

import (
	"fmt"

	"tinygo.org/x/drivers"

	"mote/sos/kernel"
	"mote/sos/proto"
)

// RegFrame is the target register a frame is written to.
const RegFrame = 0x00

// I2C writes frames to neighbours on a shared I2C bus. Each neighbour node
// address maps to the bus address of its target interface.
type I2C struct {
	node  Node
	bus   drivers.I2C
	peers map[uint16]uint16
	buf   []byte
	counters
}

// NewI2C returns an I2C link for node. peers maps node addresses to bus
// addresses.
func NewI2C(node Node, bus drivers.I2C, peers map[uint16]uint16) *I2C {
	p := make(map[uint16]uint16, len(peers))
	for k, v := range peers {
		p[k] = v
	}
	return &I2C{node: node, bus: bus, peers: p, buf: make([]byte, 0, MaxFrame+1)}
}

func (l *I2C) ID() kernel.LinkID { return kernel.LinkI2C }

// Claims reports whether addr is a neighbour on the bus.
func (l *I2C) Claims(addr uint16) bool {
	_, ok := l.peers[addr]
	return ok
}

// Transmit writes m into the frame register of its destination. A
// broadcast goes to every neighbour.
func (l *I2C) Transmit(m *kernel.Message) error {
	h := m.Header()
	l.buf = append(l.buf[:0], RegFrame)
	l.buf = encode(l.buf, m)

	if h.DAddr == proto.BroadcastAddr {
		var first error
		for node, addr := range l.peers {
			if err := l.bus.Tx(addr, l.buf, nil); err != nil && first == nil {
				first = fmt.Errorf("i2c: write %#06x at %#02x: %w", node, addr, err)
			}
		}
		if first != nil {
			return first
		}
	} else {
		addr, ok := l.peers[h.DAddr]
		if !ok {
			return fmt.Errorf("i2c: no bus address for %#06x: %w", h.DAddr, proto.EINVAL)
		}
		if err := l.bus.Tx(addr, l.buf, nil); err != nil {
			return fmt.Errorf("i2c: write %#06x at %#02x: %w", h.DAddr, addr, err)
		}
	}
	l.sent.Add(1)
	l.node.SendDone(m, nil)
	return nil
}

// Deliver accepts a frame written to this node's target interface.
func (l *I2C) Deliver(frame []byte) error {
	return l.deliver(l.node, kernel.LinkI2C, frame)
}

// Counters returns the link's traffic counters.
func (l *I2C) Counters() Counters { return l.snapshot() }
