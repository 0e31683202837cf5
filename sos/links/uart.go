package links

import (
	"context"
	"fmt"
	"io"

	"mote/sos/kernel"
	"mote/sos/proto"
)

// UART carries HDLC-framed messages over a serial line. The far end is a
// host tool or a single neighbour, so the link claims proto.UARTAddr and any
// peers it was given.
type UART struct {
	node  Node
	rw    io.ReadWriter
	peers map[uint16]bool
	out   []byte
	counters
}

// NewUART returns a UART link for node on rw.
func NewUART(node Node, rw io.ReadWriter, peers ...uint16) *UART {
	u := &UART{
		node:  node,
		rw:    rw,
		peers: map[uint16]bool{proto.UARTAddr: true},
		out:   make([]byte, 0, 2*MaxFrame+2),
	}
	for _, p := range peers {
		u.peers[p] = true
	}
	return u
}

func (u *UART) ID() kernel.LinkID { return kernel.LinkUART }

// Claims reports whether addr is reached through the serial line.
func (u *UART) Claims(addr uint16) bool { return u.peers[addr] }

// Transmit writes m as one HDLC frame.
func (u *UART) Transmit(m *kernel.Message) error {
	var frame [MaxFrame]byte
	u.out = proto.AppendHDLC(u.out[:0], encode(frame[:0], m))
	if _, err := u.rw.Write(u.out); err != nil {
		return fmt.Errorf("uart: write: %w", err)
	}
	u.sent.Add(1)
	u.node.SendDone(m, nil)
	return nil
}

// Run reads the line until ctx is done or the reader fails, delivering each
// complete frame.
func (u *UART) Run(ctx context.Context) error {
	d := proto.NewDeframer(MaxFrame)
	buf := make([]byte, 64)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := u.rw.Read(buf)
		for _, c := range buf[:n] {
			if frame, ok := d.Feed(c); ok {
				_ = u.deliver(u.node, kernel.LinkUART, frame)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("uart: read: %w", err)
		}
	}
}

// Counters returns the link's traffic counters.
func (u *UART) Counters() Counters { return u.snapshot() }
