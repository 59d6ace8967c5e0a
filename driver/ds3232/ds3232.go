// Package ds3232 implements a driver for the DS3232 real-time clock.
// Besides the clock it exposes the chip's 236 bytes of battery-backed
// SRAM, which the camera uses as its persistent parameter store.
package ds3232

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"

	"github.com/danjulio/firecam/rtc"
)

const (
	addr = 0x68

	regSeconds = 0x00
	regControl = 0x0e
	regSRAM    = 0x14

	// SRAMSize is the usable battery-backed SRAM, registers 0x14..0xff.
	SRAMSize = 0xec
)

type Dev struct {
	d i2c.Dev
}

func New(b i2c.Bus) *Dev {
	return &Dev{d: i2c.Dev{Bus: b, Addr: addr}}
}

// Now reads the clock registers. The century bit is ignored; years
// count from 2000.
func (d *Dev) Now() (time.Time, error) {
	var regs [7]byte
	if err := d.d.Tx([]byte{regSeconds}, regs[:]); err != nil {
		return time.Time{}, fmt.Errorf("ds3232: read time: %w", err)
	}
	e := rtc.Elements{
		Second: fromBCD(regs[0] & 0x7f),
		Minute: fromBCD(regs[1] & 0x7f),
		Hour:   fromBCD(regs[2] & 0x3f),
		Wday:   int(regs[3] & 0x07),
		Day:    fromBCD(regs[4] & 0x3f),
		Month:  fromBCD(regs[5] & 0x1f),
		Year:   fromBCD(regs[6]) + 30,
	}
	return rtc.Make(e), nil
}

// Set writes t to the clock registers in one transaction.
func (d *Dev) Set(t time.Time) error {
	e := rtc.Break(t)
	if e.Year < 30 || e.Year > 129 {
		return fmt.Errorf("ds3232: year %d out of range", 1970+e.Year)
	}
	w := []byte{
		regSeconds,
		toBCD(e.Second),
		toBCD(e.Minute),
		toBCD(e.Hour),
		byte(e.Wday),
		toBCD(e.Day),
		toBCD(e.Month),
		toBCD(e.Year - 30),
	}
	if err := d.d.Tx(w, nil); err != nil {
		return fmt.Errorf("ds3232: set time: %w", err)
	}
	return nil
}

// ReadSRAM fills p from the battery-backed SRAM starting at off.
func (d *Dev) ReadSRAM(off int, p []byte) error {
	if off < 0 || off+len(p) > SRAMSize {
		return fmt.Errorf("ds3232: sram read [%d,%d) out of range", off, off+len(p))
	}
	if err := d.d.Tx([]byte{byte(regSRAM + off)}, p); err != nil {
		return fmt.Errorf("ds3232: sram read: %w", err)
	}
	return nil
}

// WriteSRAM stores p into the battery-backed SRAM starting at off.
func (d *Dev) WriteSRAM(off int, p []byte) error {
	if off < 0 || off+len(p) > SRAMSize {
		return fmt.Errorf("ds3232: sram write [%d,%d) out of range", off, off+len(p))
	}
	w := make([]byte, 1+len(p))
	w[0] = byte(regSRAM + off)
	copy(w[1:], p)
	if err := d.d.Tx(w, nil); err != nil {
		return fmt.Errorf("ds3232: sram write: %w", err)
	}
	return nil
}

func toBCD(v int) byte   { return byte(v/10<<4 | v%10) }
func fromBCD(b byte) int { return int(b>>4)*10 + int(b&0x0f) }
