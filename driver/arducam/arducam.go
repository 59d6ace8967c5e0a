// Package arducam captures JPEG stills from the visual imager, an
// ArduCAM module with an SPI frame FIFO and an I2C-configured sensor.
// The SPI bus is shared with the display and touchscreen; the FIFO
// drain holds the bus lock for its whole duration because the module
// does not tolerate interleaved traffic mid-burst.
package arducam

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/spi"

	"github.com/danjulio/firecam/frame"
)

const (
	sensorAddr = 0x30

	regTest      = 0x00
	regCapture   = 0x04
	regStatus    = 0x41
	regFIFOSize0 = 0x42
	regFIFOSize1 = 0x43
	regFIFOSize2 = 0x44

	cmdBurstRead = 0x3c
	writeBit     = 0x80

	fifoClear    = 0x01
	fifoStart    = 0x02
	captureDone  = 0x08
	testPattern  = 0x55
	sensorIDHigh = 0x26

	// dmaChunk bounds the payload of one SPI transaction.
	dmaChunk = 512
)

var (
	ErrTimeout  = errors.New("arducam: capture deadline elapsed")
	ErrBadFrame = errors.New("arducam: no JPEG markers in capture")
	ErrFIFOSize = errors.New("arducam: implausible FIFO length")
)

var soi = []byte{0xff, 0xd8}
var eoi = []byte{0xff, 0xd9}

type Dev struct {
	spi    spi.Conn
	bus    *sync.Mutex // VSPI: shared with display and touch
	sensor i2c.Dev

	// CaptureDeadline bounds the capture-complete poll.
	CaptureDeadline time.Duration

	txScratch [dmaChunk + 1]byte
	rxScratch [dmaChunk + 1]byte
}

// New probes the SPI link with the test register and checks the
// sensor id before handing the device out.
func New(s spi.Conn, busLock *sync.Mutex, b i2c.Bus) (*Dev, error) {
	d := &Dev{
		spi:             s,
		bus:             busLock,
		sensor:          i2c.Dev{Bus: b, Addr: sensorAddr},
		CaptureDeadline: 300 * time.Millisecond,
	}
	if err := d.writeReg(regTest, testPattern); err != nil {
		return nil, err
	}
	v, err := d.readReg(regTest)
	if err != nil {
		return nil, err
	}
	if v != testPattern {
		return nil, fmt.Errorf("arducam: spi test register read %#x", v)
	}
	if err := d.probeSensor(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dev) probeSensor() error {
	// Bank 1 holds the chip id.
	if err := d.sensor.Tx([]byte{0xff, 0x01}, nil); err != nil {
		return fmt.Errorf("arducam: sensor select: %w", err)
	}
	var id [1]byte
	if err := d.sensor.Tx([]byte{0x0a}, id[:]); err != nil {
		return fmt.Errorf("arducam: sensor id: %w", err)
	}
	if id[0] != sensorIDHigh {
		return fmt.Errorf("arducam: unexpected sensor id %#x", id[0])
	}
	return nil
}

// Capture triggers one JPEG still and drains it into v. A zero
// length or missing markers fail; the buffer is untouched when the
// FIFO reports an implausible length.
func (d *Dev) Capture(v *frame.Visual) error {
	v.Valid = false
	v.Len = 0
	if err := d.writeReg(regCapture, fifoClear); err != nil {
		return err
	}
	if err := d.writeReg(regCapture, fifoStart); err != nil {
		return err
	}
	deadline := time.Now().Add(d.CaptureDeadline)
	for {
		st, err := d.readReg(regStatus)
		if err != nil {
			return err
		}
		if st&captureDone != 0 {
			break
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
	n, err := d.fifoLen()
	if err != nil {
		return err
	}
	if n == 0 || n > frame.VisualMax {
		return fmt.Errorf("%w: %d", ErrFIFOSize, n)
	}
	if err := d.drain(v.Buf[:n]); err != nil {
		return err
	}
	return reframe(v, n)
}

func (d *Dev) fifoLen() (int, error) {
	b0, err := d.readReg(regFIFOSize0)
	if err != nil {
		return 0, err
	}
	b1, err := d.readReg(regFIFOSize1)
	if err != nil {
		return 0, err
	}
	b2, err := d.readReg(regFIFOSize2)
	if err != nil {
		return 0, err
	}
	return int(b0) | int(b1)<<8 | int(b2&0x7f)<<16, nil
}

// drain reads the FIFO in bursts of at most dmaChunk payload bytes.
// The whole drain runs under the bus lock.
func (d *Dev) drain(p []byte) error {
	d.bus.Lock()
	defer d.bus.Unlock()
	for len(p) > 0 {
		n := len(p)
		if n > dmaChunk {
			n = dmaChunk
		}
		w := d.txScratch[:n+1]
		for i := range w {
			w[i] = 0
		}
		w[0] = cmdBurstRead
		r := d.rxScratch[:n+1]
		if err := d.spi.Tx(w, r); err != nil {
			return fmt.Errorf("arducam: fifo read: %w", err)
		}
		copy(p, r[1:])
		p = p[n:]
	}
	return nil
}

// reframe trims v to the bytes between the JPEG start and end
// markers.
func reframe(v *frame.Visual, n int) error {
	buf := v.Buf[:n]
	start := bytes.Index(buf, soi)
	if start < 0 {
		return ErrBadFrame
	}
	end := bytes.Index(buf[start:], eoi)
	if end < 0 {
		return ErrBadFrame
	}
	n = end + len(eoi)
	copy(v.Buf[:], buf[start:start+n])
	v.Len = n
	v.Valid = true
	return nil
}

func (d *Dev) readReg(reg byte) (byte, error) {
	d.bus.Lock()
	defer d.bus.Unlock()
	var r [2]byte
	if err := d.spi.Tx([]byte{reg, 0}, r[:]); err != nil {
		return 0, fmt.Errorf("arducam: reg %#x: %w", reg, err)
	}
	return r[1], nil
}

func (d *Dev) writeReg(reg, val byte) error {
	d.bus.Lock()
	defer d.bus.Unlock()
	if err := d.spi.Tx([]byte{reg | writeBit, val}, make([]byte, 2)); err != nil {
		return fmt.Errorf("arducam: reg %#x: %w", reg, err)
	}
	return nil
}
