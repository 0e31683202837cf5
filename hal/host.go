//go:build !tinygo

package hal

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"tinygo.org/x/drivers"
)

// HostConfig selects the host devices that stand in for node hardware.
type HostConfig struct {
	// Radio is a UDP multicast group ("239.0.0.1:7400") shared by every
	// node on the host. Empty means no radio.
	Radio string
	// Serial is a serial device path for the UART link. Empty means none.
	Serial string
	// Width and Height size the console framebuffer.
	Width, Height int
}

type hostHAL struct {
	logger *hostLogger
	led    *hostLED
	fb     *hostFramebuffer
	t      *hostTime
	net    *udpNetwork
	serial *ttySerial
	i2c    *I2CBus
	spi    *idleSPI
}

// New returns a host HAL implementation.
func New(cfg HostConfig) (HAL, error) {
	return newHost(cfg)
}

func newHost(cfg HostConfig) (*hostHAL, error) {
	if cfg.Width <= 0 {
		cfg.Width = 240
	}
	if cfg.Height <= 0 {
		cfg.Height = 160
	}
	logger := &hostLogger{w: os.Stdout}
	h := &hostHAL{
		logger: logger,
		led:    &hostLED{logger: logger},
		fb:     newHostFramebuffer(cfg.Width, cfg.Height),
		t:      newHostTime(),
		i2c:    NewI2CBus(),
		spi:    &idleSPI{},
	}
	if cfg.Radio != "" {
		n, err := newUDPNetwork(cfg.Radio)
		if err != nil {
			return nil, fmt.Errorf("hal: radio %s: %w", cfg.Radio, err)
		}
		h.net = n
	}
	if cfg.Serial != "" {
		s, err := openSerial(cfg.Serial)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("hal: serial %s: %w", cfg.Serial, err)
		}
		h.serial = s
	}
	return h, nil
}

func (h *hostHAL) Logger() Logger   { return h.logger }
func (h *hostHAL) LED() LED         { return h.led }
func (h *hostHAL) Display() Display { return hostDisplay{fb: h.fb} }
func (h *hostHAL) Time() Time       { return h.t }
func (h *hostHAL) I2C() drivers.I2C { return h.i2c }
func (h *hostHAL) SPI() drivers.SPI { return h.spi }

func (h *hostHAL) Network() Network {
	if h.net == nil {
		return nil
	}
	return h.net
}

func (h *hostHAL) Serial() Serial {
	if h.serial == nil {
		return nil
	}
	return h.serial
}

// Close releases the host devices.
func (h *hostHAL) Close() error {
	var errs []error
	if h.net != nil {
		errs = append(errs, h.net.Close())
	}
	if h.serial != nil {
		errs = append(errs, h.serial.Close())
	}
	return errors.Join(errs...)
}

type hostDisplay struct {
	fb *hostFramebuffer
}

func (d hostDisplay) Framebuffer() Framebuffer { return d.fb }

type hostLogger struct {
	mu sync.Mutex
	w  *os.File
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}

type hostLED struct {
	mu     sync.Mutex
	on     bool
	logger *hostLogger
}

func (l *hostLED) High() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.on {
		return
	}
	l.on = true
	l.logger.WriteLineString("led: HIGH")
}

func (l *hostLED) Low() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.on {
		return
	}
	l.on = false
	l.logger.WriteLineString("led: LOW")
}
