//go:build !tinygo

// Command sosinject reads command lines on stdin and writes them as HDLC
// frames to a node's serial port. Frames coming back from the node are
// printed.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"mote/hal"
	"mote/sos/proto"
	"mote/sos/tool"
)

func main() {
	var dev string
	var node string
	var echo bool
	flag.StringVar(&dev, "dev", "", "Serial device of the node (e.g. /dev/ttyUSB0).")
	flag.StringVar(&node, "node", "0xffff", "Node address for control commands.")
	flag.BoolVar(&echo, "echo", true, "Print frames received from the node.")
	flag.Parse()

	if dev == "" {
		fmt.Fprintln(os.Stderr, "error: -dev is required")
		os.Exit(2)
	}
	addr, err := strconv.ParseUint(node, 0, 16)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: bad -node:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	port, err := hal.OpenSerial(dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer func() { _ = port.Close() }()

	if echo {
		go func() {
			if err := dump(ctx, port, os.Stdout); err != nil && ctx.Err() == nil {
				fmt.Fprintln(os.Stderr, "read:", err)
			}
		}()
	}

	if err := inject(os.Stdin, port, os.Stderr, uint16(addr)); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// inject writes one frame per command line read from in. Bad lines are
// reported to diag and skipped; a quit line or EOF ends the session.
func inject(in io.Reader, w io.Writer, diag io.Writer, node uint16) error {
	sc := bufio.NewScanner(in)
	var out []byte
	for line := 1; sc.Scan(); line++ {
		c, err := tool.ParseLine(sc.Text())
		if errors.Is(err, tool.ErrQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(diag, "line %d: %v\n", line, err)
			continue
		}
		if c == nil {
			continue
		}
		frame, err := commandFrame(c, node)
		if err != nil {
			fmt.Fprintf(diag, "line %d: %v\n", line, err)
			continue
		}
		out = proto.AppendHDLC(out[:0], frame)
		if _, err := w.Write(out); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	return sc.Err()
}

// commandFrame encodes c. Control commands travel as MsgFromUser from the
// serial host address to node.
func commandFrame(c *tool.Command, node uint16) ([]byte, error) {
	if !c.Control {
		return c.Frame()
	}
	h := proto.Header{
		DID:   c.DID,
		SID:   proto.UserPID,
		DAddr: node,
		SAddr: proto.UARTAddr,
		Type:  proto.MsgFromUser,
	}
	return proto.AppendFrame(nil, h, []byte(c.Text)), nil
}

// dump prints every frame read from r until ctx ends or r fails.
func dump(ctx context.Context, r io.Reader, w io.Writer) error {
	d := proto.NewDeframer(0)
	buf := make([]byte, 64)
	for ctx.Err() == nil {
		n, err := r.Read(buf)
		for _, c := range buf[:n] {
			frame, ok := d.Feed(c)
			if !ok {
				continue
			}
			h, payload, perr := proto.ParseFrame(frame)
			if perr != nil {
				fmt.Fprintf(w, "bad frame: %v\n", perr)
				continue
			}
			fmt.Fprintf(w, "%s@%#06x -> %s@%#06x %s [% x]\n", h.SID, h.SAddr, h.DID, h.DAddr, h.Type, payload)
		}
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}
