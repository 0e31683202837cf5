package proto

import (
	"encoding/binary"
	"errors"
)

// HeaderLen is the encoded size of a frame header.
const HeaderLen = 8

// CRCLen is the size of the trailing checksum.
const CRCLen = 2

var (
	ErrShortFrame = errors.New("proto: short frame")
	ErrFrameLen   = errors.New("proto: frame length mismatch")
	ErrFrameCRC   = errors.New("proto: frame crc mismatch")
)

// Header is the on-air message header.
//
// Layout (node addresses little-endian):
//   - u8: destination pid
//   - u8: source pid
//   - u16: destination node address
//   - u16: source node address
//   - u8: type
//   - u8: payload length
type Header struct {
	DID   PID
	SID   PID
	DAddr uint16
	SAddr uint16
	Type  Type
	Len   uint8
}

// AppendFrame appends header, payload and checksum to dst.
func AppendFrame(dst []byte, h Header, payload []byte) []byte {
	start := len(dst)
	h.Len = uint8(len(payload))
	dst = append(dst, byte(h.DID), byte(h.SID))
	dst = binary.LittleEndian.AppendUint16(dst, h.DAddr)
	dst = binary.LittleEndian.AppendUint16(dst, h.SAddr)
	dst = append(dst, byte(h.Type), h.Len)
	dst = append(dst, payload...)
	return binary.LittleEndian.AppendUint16(dst, CRC16(dst[start:]))
}

// ParseFrame validates a frame and returns its header and payload.
//
// The payload aliases b.
func ParseFrame(b []byte) (Header, []byte, error) {
	if len(b) < HeaderLen+CRCLen {
		return Header{}, nil, ErrShortFrame
	}
	h := Header{
		DID:   PID(b[0]),
		SID:   PID(b[1]),
		DAddr: binary.LittleEndian.Uint16(b[2:4]),
		SAddr: binary.LittleEndian.Uint16(b[4:6]),
		Type:  Type(b[6]),
		Len:   b[7],
	}
	end := HeaderLen + int(h.Len)
	if len(b) != end+CRCLen {
		return Header{}, nil, ErrFrameLen
	}
	if binary.LittleEndian.Uint16(b[end:]) != CRC16(b[:end]) {
		return Header{}, nil, ErrFrameCRC
	}
	return h, b[HeaderLen:end], nil
}

// CRC16 is the CCITT checksum (poly 0x1021, initial value 0) used on every link.
func CRC16(b []byte) uint16 {
	var crc uint16
	for _, c := range b {
		crc = crcByte(crc, c)
	}
	return crc
}

func crcByte(crc uint16, b byte) uint16 {
	crc = crc>>8 | crc<<8
	crc ^= uint16(b)
	crc ^= uint16(uint8(crc)) >> 4
	crc ^= crc << 12
	crc ^= (crc & 0xff) << 5
	return crc
}

// HostToWire16 converts a host-order value into the wire's little-endian
// memory layout. Applying it twice restores the original value.
func HostToWire16(v uint16) uint16 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], v)
	return binary.LittleEndian.Uint16(b[:])
}

// WireToHost16 undoes HostToWire16.
func WireToHost16(v uint16) uint16 { return HostToWire16(v) }
