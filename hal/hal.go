package hal

import (
	"errors"
	"io"

	"tinygo.org/x/drivers"
)

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

// LED is a minimal output pin abstraction.
type LED interface {
	High()
	Low()
}

var ErrNotImplemented = errors.New("not implemented")

// ErrNoTarget is returned by a bus transaction nobody answered.
var ErrNoTarget = errors.New("no target at address")

// PixelFormat defines the framebuffer pixel encoding.
type PixelFormat uint8

const (
	// PixelFormatRGB565 is 16bpp: rrrrrggggggbbbbb.
	PixelFormatRGB565 PixelFormat = iota + 1
)

// Framebuffer is a simple pixel buffer plus a "present" hook.
type Framebuffer interface {
	Width() int
	Height() int
	Format() PixelFormat
	StrideBytes() int
	Buffer() []byte
	ClearRGB(r, g, b uint8)
	Present() error
}

// Display provides access to the framebuffer (if available).
type Display interface {
	Framebuffer() Framebuffer
}

// Time provides a base tick stream.
//
// One tick is one millisecond; kernel timers count these ticks.
type Time interface {
	Ticks() <-chan uint64
}

// Network provides a low-level packet transport. On a node it is the radio
// channel: every node on it hears every packet.
type Network interface {
	Send(pkt []byte) error
	Recv(pkt []byte) (int, error)
}

// Serial is a byte stream to a host or neighbour.
type Serial interface {
	io.Reader
	io.Writer
}

// HAL provides the only contact point between the OS and the outside world.
//
// Network and Serial return nil when the platform has none configured.
type HAL interface {
	Logger() Logger
	LED() LED
	Display() Display
	Time() Time
	Network() Network
	Serial() Serial
	I2C() drivers.I2C
	SPI() drivers.SPI
}
