package links

import (
	"encoding/binary"
	"fmt"

	"tinygo.org/x/drivers"

	"mote/sos/kernel"
)

// SPI talks to a single peripheral node as bus controller. Outbound frames
// are clocked out as they are. Inbound frames are polled: the peripheral
// answers a two-byte little-endian length, zero when it has nothing queued,
// followed by the frame on the next transfer.
type SPI struct {
	node Node
	bus  drivers.SPI
	buf  []byte
	counters
}

// NewSPI returns an SPI link for node.
func NewSPI(node Node, bus drivers.SPI) *SPI {
	return &SPI{node: node, bus: bus, buf: make([]byte, 0, MaxFrame)}
}

func (l *SPI) ID() kernel.LinkID { return kernel.LinkSPI }

// Transmit clocks out m.
func (l *SPI) Transmit(m *kernel.Message) error {
	l.buf = encode(l.buf[:0], m)
	if err := l.bus.Tx(l.buf, nil); err != nil {
		return fmt.Errorf("spi: tx: %w", err)
	}
	l.sent.Add(1)
	l.node.SendDone(m, nil)
	return nil
}

// Poll reads one pending frame from the peripheral, if any, and reports
// whether there was one.
func (l *SPI) Poll() (bool, error) {
	var hdr [2]byte
	if err := l.bus.Tx(nil, hdr[:]); err != nil {
		return false, fmt.Errorf("spi: poll: %w", err)
	}
	n := int(binary.LittleEndian.Uint16(hdr[:]))
	if n == 0 {
		return false, nil
	}
	if n > MaxFrame {
		l.dropped.Add(1)
		return false, fmt.Errorf("spi: frame length %d", n)
	}
	frame := make([]byte, n)
	if err := l.bus.Tx(nil, frame); err != nil {
		return false, fmt.Errorf("spi: read: %w", err)
	}
	return true, l.deliver(l.node, kernel.LinkSPI, frame)
}

// Counters returns the link's traffic counters.
func (l *SPI) Counters() Counters { return l.snapshot() }
