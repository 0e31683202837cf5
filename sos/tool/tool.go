// Package tool parses host command lines into messages for a node.
//
// A packet line has the form
//
//	did sid daddr saddr type argc <hex bytes...>
//
// and injects a raw message. A line whose did is above 999 is a control
// command: the rest of the line is sent as MsgFromUser text to module
// did-1000. A negative did ends the session.
package tool

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"mote/sos/kernel"
	"mote/sos/proto"
)

// ControlBase is added to a module id to address it with a control command.
const ControlBase = 1000

// ErrQuit is returned for a line that ends the session.
var ErrQuit = errors.New("tool: quit")

// Command is a parsed line.
type Command struct {
	// Control marks a text command; only DID and Text are set.
	Control bool
	Text    string

	DID   proto.PID
	SID   proto.PID
	DAddr uint16
	SAddr uint16
	Type  proto.Type
	Data  []byte
}

// ParseLine parses one command line. Blank lines and lines starting with
// '#' yield a nil command.
func ParseLine(line string) (*Command, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil
	}
	fields, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("tool: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	did, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("tool: did %q: %w", fields[0], proto.EINVAL)
	}
	switch {
	case did < 0:
		return nil, ErrQuit
	case did >= ControlBase:
		pid := did - ControlBase
		if pid > int(proto.MaxPID) {
			return nil, fmt.Errorf("tool: control pid %d: %w", pid, proto.EINVAL)
		}
		text := strings.Join(fields[1:], " ")
		if len(text) > proto.MaxPayload {
			return nil, fmt.Errorf("tool: command longer than %d bytes: %w", proto.MaxPayload, proto.EINVAL)
		}
		return &Command{Control: true, DID: proto.PID(pid), Text: text}, nil
	case did > int(proto.MaxPID):
		return nil, fmt.Errorf("tool: did %d: %w", did, proto.EINVAL)
	}

	if len(fields) < 6 {
		return nil, fmt.Errorf("tool: want did sid daddr saddr type argc, got %d fields: %w", len(fields), proto.EINVAL)
	}
	c := &Command{DID: proto.PID(did)}
	var v [5]uint64
	for i, field := range []struct {
		name string
		base int
		bits int
	}{
		{"sid", 10, 8},
		{"daddr", 0, 16},
		{"saddr", 0, 16},
		{"type", 10, 8},
		{"argc", 10, 8},
	} {
		if v[i], err = strconv.ParseUint(fields[i+1], field.base, field.bits); err != nil {
			return nil, fmt.Errorf("tool: %s %q: %w", field.name, fields[i+1], proto.EINVAL)
		}
	}
	c.SID = proto.PID(v[0])
	c.DAddr = uint16(v[1])
	c.SAddr = uint16(v[2])
	c.Type = proto.Type(v[3])

	args := fields[6:]
	if uint64(len(args)) != v[4] {
		return nil, fmt.Errorf("tool: argc %d but %d bytes given: %w", v[4], len(args), proto.EINVAL)
	}
	c.Data = make([]byte, len(args))
	for i, a := range args {
		a = strings.TrimPrefix(strings.ToLower(a), "0x")
		b, err := strconv.ParseUint(a, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("tool: byte %d %q: %w", i, args[i], proto.EINVAL)
		}
		c.Data[i] = byte(b)
	}
	return c, nil
}

// Frame encodes a packet command as a wire frame.
func (c *Command) Frame() ([]byte, error) {
	if c.Control {
		return nil, fmt.Errorf("tool: control command has no frame: %w", proto.EINVAL)
	}
	h := proto.Header{DID: c.DID, SID: c.SID, DAddr: c.DAddr, SAddr: c.SAddr, Type: c.Type}
	return proto.AppendFrame(nil, h, c.Data), nil
}

// Execute posts c on k. It must run on the kernel goroutine.
//
// A control command reaches its module as MsgFromUser from UserPID. A
// packet keeps its addresses and is offered to every attached link, or
// queued locally when daddr is this node.
func Execute(k *kernel.Kernel, c *Command) error {
	if c.Control {
		if err := k.PostLocal(c.DID, proto.UserPID, proto.MsgFromUser, []byte(c.Text), 0); err != nil {
			return fmt.Errorf("tool: post to %s: %w", c.DID, err)
		}
		return nil
	}

	m, err := k.NewMessage()
	if err != nil {
		return fmt.Errorf("tool: %w", err)
	}
	m.DID, m.SID = c.DID, c.SID
	m.DAddr, m.SAddr = c.DAddr, c.SAddr
	m.Type = c.Type
	m.Flag = proto.AllLinkIO
	if len(c.Data) > 0 {
		h, err := k.Arena().Alloc(len(c.Data), proto.UserPID)
		if err != nil {
			k.Dispose(m)
			return fmt.Errorf("tool: %w", err)
		}
		copy(k.Arena().Bytes(h), c.Data)
		if err := m.SetHeap(h); err != nil {
			_ = k.Arena().Free(h)
			k.Dispose(m)
			return fmt.Errorf("tool: %w", err)
		}
	}
	if err := k.Post(m); err != nil {
		return fmt.Errorf("tool: post to %s@%#06x: %w", c.DID, c.DAddr, err)
	}
	return nil
}
