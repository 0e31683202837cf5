// Package ping measures round trips to other nodes.
//
// A MsgFromUser line "ping <addr>" sends a reliable echo request to the ping
// module on node addr. Requests that arrive from the network are answered
// to their sender.
package ping

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	logclient "mote/sos/client/logger"
	"mote/sos/kernel"
	"mote/sos/proto"
)

// PID is the module id of the ping module on every node.
const PID = proto.AppModMinPID + 1

const (
	MsgEcho      = proto.ModMsgStart
	MsgEchoReply = proto.ModMsgStart + 1
)

// Payload layout for MsgEcho and MsgEchoReply:
//   - u16: sequence number (LE)
//   - u32: send time in ticks of the requesting node (LE)
const payloadLen = 6

// Module is the ping module.
type Module struct {
	seq     uint16
	replies []Reply
}

// Reply is an answered echo request.
type Reply struct {
	From uint16
	Seq  uint16
	RTT  uint64
}

func New() *Module { return &Module{} }

func (m *Module) Header() kernel.Header {
	return kernel.Header{PID: PID, Name: "ping", Handler: m}
}

// Replies returns the echo replies received so far.
func (m *Module) Replies() []Reply { return m.replies }

func (m *Module) Handle(ctx *kernel.Context, msg *kernel.Message) error {
	switch msg.Type {
	case proto.MsgFromUser:
		addr, err := parseCommand(string(msg.Data()))
		if err != nil {
			_ = logclient.Log(ctx, err.Error())
			return err
		}
		return m.send(ctx, addr)
	case MsgEcho:
		// Answer with the request payload unchanged.
		return ctx.PostLink(PID, MsgEchoReply, append([]byte(nil), msg.Data()...), proto.LinkAuto, msg.SAddr)
	case MsgEchoReply:
		b := msg.Data()
		if len(b) < payloadLen {
			return proto.EINVAL
		}
		sent := uint64(binary.LittleEndian.Uint32(b[2:]))
		r := Reply{From: msg.SAddr, Seq: binary.LittleEndian.Uint16(b), RTT: ctx.Kernel().Now() - sent}
		m.replies = append(m.replies, r)
		_ = logclient.Logf(ctx, "reply from %#06x seq=%d rtt=%d", r.From, r.Seq, r.RTT)
	case proto.MsgPktSendDone:
		if msg.Flag&proto.SendFail != 0 {
			_ = logclient.Log(ctx, "ping: send failed")
		}
	}
	return nil
}

func (m *Module) send(ctx *kernel.Context, addr uint16) error {
	m.seq++
	h, err := ctx.Alloc(payloadLen)
	if err != nil {
		return err
	}
	b := ctx.Bytes(h)
	binary.LittleEndian.PutUint16(b, m.seq)
	binary.LittleEndian.PutUint32(b[2:], uint32(ctx.Kernel().Now()))
	if err := ctx.PostLinkHeap(PID, MsgEcho, h, proto.Reliable|proto.LinkAuto, addr); err != nil {
		return fmt.Errorf("ping %#06x: %w", addr, err)
	}
	return nil
}

func parseCommand(line string) (uint16, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "ping" {
		return 0, fmt.Errorf("usage: ping <addr>: %w", proto.EINVAL)
	}
	v, err := strconv.ParseUint(fields[1], 0, 16)
	if err != nil {
		return 0, fmt.Errorf("ping: bad address %q: %w", fields[1], proto.EINVAL)
	}
	return uint16(v), nil
}
