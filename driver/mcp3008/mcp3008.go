// Package mcp3008 implements a driver for the MCP3008 8-channel
// 10-bit ADC, the camera's analog front end.
package mcp3008

import (
	"fmt"

	"periph.io/x/conn/v3/spi"
)

// Channels on the device.
const Channels = 8

// Resolution is the full-scale count.
const Resolution = 1 << 10

type Dev struct {
	spi  spi.Conn
	vref float64
}

// New returns a device reading against the given reference voltage.
func New(s spi.Conn, vref float64) *Dev {
	return &Dev{spi: s, vref: vref}
}

// Read returns the raw 10-bit single-ended conversion for ch.
func (d *Dev) Read(ch int) (int, error) {
	if ch < 0 || ch >= Channels {
		return 0, fmt.Errorf("mcp3008: channel %d out of range", ch)
	}
	w := [3]byte{0x01, byte(0x80 | ch<<4), 0}
	var r [3]byte
	if err := d.spi.Tx(w[:], r[:]); err != nil {
		return 0, fmt.Errorf("mcp3008: channel %d: %w", ch, err)
	}
	return int(r[1]&0x03)<<8 | int(r[2]), nil
}

// Voltage converts a raw count to volts at the reference.
func (d *Dev) Voltage(raw int) float64 {
	return float64(raw) * d.vref / Resolution
}
