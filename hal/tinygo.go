//go:build tinygo && baremetal

package hal

import (
	"machine"

	"tinygo.org/x/drivers"
)

type tinyGoHAL struct {
	logger *uartLogger
	led    *pinLED
	t      *tinyGoTime
	serial *uartSerial
	i2c    *machine.I2C
	spi    *machine.SPI
}

// New returns a Pico (RP2040/RP2350) node HAL.
//
// UART0 on GP0 (TX) / GP1 (RX) carries the log, UART1 on GP8 / GP9 the
// serial link, both 115200 8N1. I2C0 uses GP4 (SDA) / GP5 (SCL); SPI0 uses
// GP18 (SCK) / GP19 (SDO) / GP16 (SDI). The node has no radio or display.
func New() HAL {
	uart := machine.UART0
	uart.Configure(machine.UARTConfig{
		BaudRate: 115200,
		TX:       machine.GP0,
		RX:       machine.GP1,
	})
	logger := &uartLogger{uart: uart}

	link := machine.UART1
	link.Configure(machine.UARTConfig{
		BaudRate: 115200,
		TX:       machine.GP8,
		RX:       machine.GP9,
	})

	ledPin := machine.LED
	ledPin.Configure(machine.PinConfig{Mode: machine.PinOutput})

	h := &tinyGoHAL{
		logger: logger,
		led:    &pinLED{pin: ledPin},
		t:      newTinyGoTime(),
		serial: &uartSerial{uart: link},
	}

	if bus := machine.I2C0; bus != nil {
		err := bus.Configure(machine.I2CConfig{
			SDA:       machine.GP4,
			SCL:       machine.GP5,
			Frequency: 400_000,
		})
		if err == nil {
			h.i2c = bus
		} else {
			logger.WriteLineString("i2c0: " + err.Error())
		}
	}
	if bus := machine.SPI0; bus != nil {
		err := bus.Configure(machine.SPIConfig{
			SCK:       machine.GP18,
			SDO:       machine.GP19,
			SDI:       machine.GP16,
			Frequency: 4_000_000,
		})
		if err == nil {
			h.spi = bus
		} else {
			logger.WriteLineString("spi0: " + err.Error())
		}
	}
	return h
}

func (h *tinyGoHAL) Logger() Logger   { return h.logger }
func (h *tinyGoHAL) LED() LED         { return h.led }
func (h *tinyGoHAL) Display() Display { return nil }
func (h *tinyGoHAL) Time() Time       { return h.t }
func (h *tinyGoHAL) Network() Network { return nil }
func (h *tinyGoHAL) Serial() Serial   { return h.serial }

func (h *tinyGoHAL) I2C() drivers.I2C {
	if h.i2c == nil {
		return nil
	}
	return h.i2c
}

func (h *tinyGoHAL) SPI() drivers.SPI {
	if h.spi == nil {
		return nil
	}
	return h.spi
}
