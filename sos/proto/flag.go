package proto

import "strings"

// Flag holds the option bits of a message.
type Flag uint16

const (
	SendFail       Flag = 0x0002
	Release        Flag = 0x0004
	Reliable       Flag = 0x0008
	UseUBMAC       Flag = 0x0020
	HighPriority   Flag = 0x0040
	SystemPriority Flag = 0x0080
	FromNetwork    Flag = 0x0100
	RadioIO        Flag = 0x0200
	I2CIO          Flag = 0x0400
	UARTIO         Flag = 0x0800
	SPIIO          Flag = 0x1000
	LinkAuto       Flag = 0x2000

	AllLinkIO = RadioIO | I2CIO | UARTIO | SPIIO
)

// Has reports whether every bit of x is set.
func (f Flag) Has(x Flag) bool { return f&x == x }

func (f Flag) String() string {
	if f == 0 {
		return "0"
	}
	var names []string
	for _, b := range []struct {
		f    Flag
		name string
	}{
		{SendFail, "send_fail"},
		{Release, "release"},
		{Reliable, "reliable"},
		{UseUBMAC, "ubmac"},
		{HighPriority, "high"},
		{SystemPriority, "system"},
		{FromNetwork, "net"},
		{RadioIO, "radio"},
		{I2CIO, "i2c"},
		{UARTIO, "uart"},
		{SPIIO, "spi"},
		{LinkAuto, "auto"},
	} {
		if f&b.f != 0 {
			names = append(names, b.name)
		}
	}
	return strings.Join(names, "|")
}
