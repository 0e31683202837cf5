//go:build !tinygo

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"mote/app"
	"mote/hal"
	"mote/internal/buildinfo"
)

func main() {
	var cfg hal.HeadlessConfig
	var host hal.HostConfig
	var node addrFlag
	var i2cAddr addrFlag
	var appCfg app.Config
	var input bool
	var version bool
	node.v = 1
	flag.BoolVar(&cfg.Enabled, "headless", false, "Run without a window.")
	flag.IntVar(&cfg.Hz, "hz", 100, "Step rate in headless mode.")
	flag.Uint64Var(&cfg.Ticks, "ticks", 0, "Stop after N steps in headless mode (0 = run forever).")
	flag.Var(&node, "node", "Node address.")
	flag.StringVar(&host.Radio, "radio", "", "UDP multicast group used as the radio channel, e.g. 239.0.0.1:7400 (empty = no radio).")
	flag.StringVar(&host.Serial, "serial", "", "Serial device for the UART link.")
	flag.Var(&i2cAddr, "i2c-addr", "Own I2C bus address (0 = no inbound I2C).")
	flag.IntVar(&appCfg.MemSize, "mem", 16*1024, "Arena size in bytes.")
	flag.IntVar(&appCfg.Budget, "budget", 64, "Messages dispatched per step.")
	flag.BoolVar(&appCfg.Preemptive, "preemptive", false, "Use a single FIFO message queue.")
	flag.BoolVar(&input, "input", false, "Read host command lines from stdin.")
	flag.BoolVar(&version, "version", false, "Print the build version and exit.")
	flag.Parse()

	if version {
		fmt.Println("mote", buildinfo.Long())
		return
	}

	appCfg.Node = node.v
	appCfg.I2CAddr = i2cAddr.v
	if input {
		appCfg.Input = os.Stdin
	}
	newApp := func(ctx context.Context, h hal.HAL) func() error {
		return app.New(ctx, h, appCfg)
	}

	var err error
	if cfg.Enabled {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		err = hal.RunHeadless(ctx, host, newApp, cfg)
	} else {
		err = hal.RunWindow(host, newApp)
	}
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, app.ErrQuit) {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// addrFlag holds a 16-bit address in any integer base.
type addrFlag struct{ v uint16 }

func (c *addrFlag) String() string { return fmt.Sprintf("%#06x", c.v) }

func (c *addrFlag) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return err
	}
	c.v = uint16(v)
	return nil
}
