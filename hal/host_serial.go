//go:build !tinygo

package hal

import (
	"io"
	"sync"

	tty "github.com/mattn/go-tty"
)

// ttySerial is a serial device in raw mode.
type ttySerial struct {
	mu      sync.Mutex
	io      *tty.TTY
	restore func() error
}

func openSerial(path string) (*ttySerial, error) {
	t, err := tty.OpenDevice(path)
	if err != nil {
		return nil, err
	}
	restore, err := t.Raw()
	if err != nil {
		t.Close()
		return nil, err
	}
	return &ttySerial{io: t, restore: restore}, nil
}

func (s *ttySerial) Read(p []byte) (int, error) {
	return s.io.Input().Read(p)
}

func (s *ttySerial) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.io.Output().Write(p)
}

func (s *ttySerial) Close() error {
	err := s.restore()
	if cerr := s.io.Close(); err == nil {
		err = cerr
	}
	s.io.Input().Close()
	s.io.Output().Close()
	return err
}

// OpenSerial opens a serial device in raw mode. Closing it restores the
// terminal settings.
func OpenSerial(path string) (io.ReadWriteCloser, error) {
	return openSerial(path)
}
