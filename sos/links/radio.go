package links

import (
	"context"
	"fmt"

	"mote/hal"
	"mote/sos/kernel"
)

// Radio sends frames as datagrams on a hal.Network. Every node on the
// network hears every frame; the kernel filters by destination.
type Radio struct {
	node Node
	net  hal.Network
	buf  []byte
	counters
}

// NewRadio returns a radio link for node on net.
func NewRadio(node Node, net hal.Network) *Radio {
	return &Radio{node: node, net: net, buf: make([]byte, 0, MaxFrame)}
}

func (r *Radio) ID() kernel.LinkID { return kernel.LinkRadio }

// Transmit sends m and completes it at once; a radio has no link-level ack.
func (r *Radio) Transmit(m *kernel.Message) error {
	r.buf = encode(r.buf[:0], m)
	if err := r.net.Send(r.buf); err != nil {
		return fmt.Errorf("radio: send: %w", err)
	}
	r.sent.Add(1)
	r.node.SendDone(m, nil)
	return nil
}

// Run receives frames until ctx is done or the network fails. Frames this
// node sent itself are ignored.
func (r *Radio) Run(ctx context.Context) error {
	buf := make([]byte, MaxFrame)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.net.Recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("radio: recv: %w", err)
		}
		frame := buf[:n]
		if src, ok := frameSource(frame); ok && src == r.node.NodeAddress() {
			continue
		}
		_ = r.deliver(r.node, kernel.LinkRadio, frame)
	}
}

// Counters returns the link's traffic counters.
func (r *Radio) Counters() Counters { return r.snapshot() }
