package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"mote/hal"
	"mote/internal/buildinfo"
	"mote/sos/kernel"
	"mote/sos/links"
	"mote/sos/mem"
	"mote/sos/modules/blink"
	"mote/sos/modules/ping"
	"mote/sos/services/console"
	"mote/sos/services/logger"
	"mote/sos/services/memd"
	"mote/sos/tool"
)

const (
	defaultMemSize = 16 * 1024
	defaultBudget  = 64
)

// ErrQuit is returned by the step function after the command input asked
// to end the session.
var ErrQuit = errors.New("app: quit")

// Config describes one node.
type Config struct {
	// Node is the node address.
	Node uint16
	// MemSize is the arena size in bytes.
	MemSize int
	// Budget bounds the messages dispatched per step.
	Budget int
	// Preemptive runs the kernel with a single FIFO queue.
	Preemptive bool

	// UARTPeers are node addresses reached through the serial line.
	UARTPeers []uint16
	// I2CPeers maps node addresses to I2C bus addresses.
	I2CPeers map[uint16]uint16
	// I2CAddr is this node's own bus address; 0 disables inbound I2C.
	I2CAddr uint16

	// GCPeriod and BlinkPeriod are in ticks; zero picks the defaults.
	GCPeriod    uint32
	BlinkPeriod uint32

	// Input carries host command lines; nil disables it.
	Input io.Reader
}

type system struct {
	k      *kernel.Kernel
	h      hal.HAL
	spi    *links.SPI
	ticks  <-chan uint64
	budget int

	quitOnce sync.Once
	quit     chan struct{}
}

// New boots a node on h and returns its step function. Setup errors are
// returned by the first step.
func New(ctx context.Context, h hal.HAL, cfg Config) func() error {
	s, err := newSystem(ctx, h, cfg)
	if err != nil {
		return func() error { return err }
	}
	return s.step
}

func newSystem(ctx context.Context, h hal.HAL, cfg Config) (*system, error) {
	if cfg.MemSize <= 0 {
		cfg.MemSize = defaultMemSize
	}
	if cfg.Budget <= 0 {
		cfg.Budget = defaultBudget
	}
	log := h.Logger()
	log.WriteLineString(fmt.Sprintf("mote %s node %#06x", buildinfo.Short(), cfg.Node))

	k, err := kernel.New(kernel.Config{
		NodeAddress: cfg.Node,
		Mem:         mem.Config{Size: cfg.MemSize},
		Preemptive:  cfg.Preemptive,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	s := &system{k: k, h: h, budget: cfg.Budget, quit: make(chan struct{})}
	installPanicHandler(k, h)

	if err := s.attachLinks(ctx, cfg); err != nil {
		return nil, err
	}

	hdrs := []kernel.Header{
		logger.New(log).Header(),
		memd.New(cfg.GCPeriod, log).Header(),
	}
	if d := h.Display(); d != nil && d.Framebuffer() != nil {
		hdrs = append(hdrs, console.New(console.NewScreen(d.Framebuffer()), 0).Header())
	}
	hdrs = append(hdrs,
		blink.New(h.LED(), cfg.BlinkPeriod).Header(),
		ping.New().Header(),
	)
	for _, hdr := range hdrs {
		if _, err := k.RegisterModule(hdr); err != nil {
			return nil, fmt.Errorf("register %s: %w", hdr.Name, err)
		}
	}

	if t := h.Time(); t != nil {
		s.ticks = t.Ticks()
	}
	if cfg.Input != nil {
		go s.readCommands(cfg.Input)
	}
	return s, nil
}

func (s *system) attachLinks(ctx context.Context, cfg Config) error {
	log := s.h.Logger()
	if n := s.h.Network(); n != nil {
		r := links.NewRadio(s.k, n)
		if err := s.k.AttachLink(r); err != nil {
			return err
		}
		go runLink(ctx, log, r.Run)
	}
	if sp := s.h.Serial(); sp != nil {
		u := links.NewUART(s.k, sp, cfg.UARTPeers...)
		if err := s.k.AttachLink(u); err != nil {
			return err
		}
		go runLink(ctx, log, u.Run)
	}
	if bus := s.h.I2C(); bus != nil {
		l := links.NewI2C(s.k, bus, cfg.I2CPeers)
		if err := s.k.AttachLink(l); err != nil {
			return err
		}
		if hb, ok := bus.(*hal.I2CBus); ok && cfg.I2CAddr != 0 {
			err := hb.Attach(cfg.I2CAddr, func(w, _ []byte) error {
				if len(w) < 2 || w[0] != links.RegFrame {
					return nil
				}
				return l.Deliver(append([]byte(nil), w[1:]...))
			})
			if err != nil {
				return err
			}
		}
	}
	if bus := s.h.SPI(); bus != nil {
		s.spi = links.NewSPI(s.k, bus)
		if err := s.k.AttachLink(s.spi); err != nil {
			return err
		}
	}
	return nil
}

func runLink(ctx context.Context, log hal.Logger, run func(context.Context) error) {
	if err := run(ctx); err != nil && ctx.Err() == nil {
		log.WriteLineString("link stopped: " + err.Error())
	}
}

// readCommands feeds host command lines to the kernel.
func (s *system) readCommands(r io.Reader) {
	log := s.h.Logger()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		c, err := tool.ParseLine(sc.Text())
		if errors.Is(err, tool.ErrQuit) {
			break
		}
		if err != nil {
			log.WriteLineString(err.Error())
			continue
		}
		if c == nil {
			continue
		}
		err = s.k.Interrupt(func() {
			if err := tool.Execute(s.k, c); err != nil {
				log.WriteLineString(err.Error())
			}
		})
		if err != nil {
			log.WriteLineString("command dropped: " + err.Error())
		}
	}
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *system) step() error {
	// Commands queued before the input closed still run in this step.
	quit := false
	select {
	case <-s.quit:
		quit = true
	default:
	}

	latest := s.k.Now()
	for drained := false; !drained; {
		select {
		case seq := <-s.ticks:
			latest = seq
		default:
			drained = true
		}
	}
	s.k.TickTo(latest)

	if s.spi != nil {
		if _, err := s.spi.Poll(); err != nil {
			s.h.Logger().WriteLineString(err.Error())
		}
	}
	s.k.RunUntilIdle(s.budget)
	if quit {
		return ErrQuit
	}
	return nil
}
