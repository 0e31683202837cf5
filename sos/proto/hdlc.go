package proto

const (
	hdlcFlag   = 0x7E
	hdlcEscape = 0x7D
	hdlcXor    = 0x20
)

// AppendHDLC appends frame to dst with HDLC byte stuffing and flag bytes on
// both ends.
func AppendHDLC(dst, frame []byte) []byte {
	dst = append(dst, hdlcFlag)
	for _, c := range frame {
		if c == hdlcFlag || c == hdlcEscape {
			dst = append(dst, hdlcEscape, c^hdlcXor)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, hdlcFlag)
}

// Deframer recovers frames from an HDLC byte stream.
type Deframer struct {
	buf     []byte
	max     int
	escaped bool
	drop    bool
}

// NewDeframer returns a Deframer that discards frames longer than max bytes.
func NewDeframer(max int) *Deframer {
	if max <= 0 {
		max = HeaderLen + MaxPayload + CRCLen
	}
	return &Deframer{buf: make([]byte, 0, max), max: max}
}

// Feed consumes one byte. It returns a complete frame when c closes one; the
// returned slice is only valid until the next call.
func (d *Deframer) Feed(c byte) ([]byte, bool) {
	switch {
	case c == hdlcFlag:
		frame := d.buf
		ok := len(frame) > 0 && !d.drop && !d.escaped
		d.buf = d.buf[:0]
		d.escaped = false
		d.drop = false
		return frame, ok
	case c == hdlcEscape:
		d.escaped = true
		return nil, false
	case d.escaped:
		c ^= hdlcXor
		d.escaped = false
	}
	if len(d.buf) >= d.max {
		d.drop = true
		return nil, false
	}
	d.buf = append(d.buf, c)
	return nil, false
}
