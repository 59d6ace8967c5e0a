package arducam

import (
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"

	"github.com/danjulio/firecam/frame"
)

// fakeModule emulates the SPI register file and FIFO of the camera
// module.
type fakeModule struct {
	regs        [0x80]byte
	fifo        []byte
	fifoPos     int
	pollsToDone int
}

func (f *fakeModule) String() string      { return "arducam-sim" }
func (f *fakeModule) Duplex() conn.Duplex { return conn.Full }

func (f *fakeModule) TxPackets(pkts []spi.Packet) error {
	for _, p := range pkts {
		if err := f.Tx(p.W, p.R); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeModule) Tx(w, r []byte) error {
	switch {
	case w[0]&writeBit != 0:
		reg := w[0] &^ byte(writeBit)
		f.regs[reg] = w[1]
		if reg == regCapture && w[1] == fifoClear {
			f.fifoPos = 0
		}
	case w[0] == cmdBurstRead:
		for i := 1; i < len(r); i++ {
			if f.fifoPos < len(f.fifo) {
				r[i] = f.fifo[f.fifoPos]
				f.fifoPos++
			}
		}
	case w[0] == regStatus:
		if f.pollsToDone > 0 {
			f.pollsToDone--
			r[1] = 0
		} else {
			r[1] = captureDone
		}
	case w[0] == regFIFOSize0:
		r[1] = byte(len(f.fifo))
	case w[0] == regFIFOSize1:
		r[1] = byte(len(f.fifo) >> 8)
	case w[0] == regFIFOSize2:
		r[1] = byte(len(f.fifo) >> 16)
	default:
		if len(r) > 1 {
			r[1] = f.regs[w[0]]
		}
	}
	return nil
}

func testDev(f *fakeModule) *Dev {
	return &Dev{
		spi:             f,
		bus:             &sync.Mutex{},
		CaptureDeadline: 300 * time.Millisecond,
	}
}

func jpeg(payload int) []byte {
	b := []byte{0xff, 0xd8}
	for i := 0; i < payload; i++ {
		b = append(b, byte(i))
	}
	return append(b, 0xff, 0xd9)
}

func TestCapture(t *testing.T) {
	img := jpeg(1500) // forces a multi-chunk drain
	f := &fakeModule{fifo: img, pollsToDone: 3}
	d := testDev(f)
	var v frame.Visual
	if err := d.Capture(&v); err != nil {
		t.Fatal(err)
	}
	if !v.Valid || v.Len != len(img) {
		t.Fatalf("len = %d valid=%v, want %d", v.Len, v.Valid, len(img))
	}
	if string(v.Bytes()) != string(img) {
		t.Error("drained bytes differ")
	}
}

func TestCaptureSkipsFIFOPadding(t *testing.T) {
	// Garbage before the start marker and padding after the end
	// marker are trimmed off.
	img := append([]byte{0x00, 0x00}, jpeg(64)...)
	img = append(img, 0xff, 0xff, 0x00)
	f := &fakeModule{fifo: img}
	d := testDev(f)
	var v frame.Visual
	if err := d.Capture(&v); err != nil {
		t.Fatal(err)
	}
	b := v.Bytes()
	if b[0] != 0xff || b[1] != 0xd8 {
		t.Errorf("leading bytes % x", b[:2])
	}
	if b[len(b)-2] != 0xff || b[len(b)-1] != 0xd9 {
		t.Errorf("trailing bytes % x", b[len(b)-2:])
	}
}

func TestCaptureNoMarkers(t *testing.T) {
	f := &fakeModule{fifo: make([]byte, 256)}
	d := testDev(f)
	var v frame.Visual
	if err := d.Capture(&v); err != ErrBadFrame {
		t.Fatalf("err = %v, want ErrBadFrame", err)
	}
	if v.Valid || v.Len != 0 {
		t.Error("failed capture left buffer claimed")
	}
}

func TestCaptureOversizeFIFO(t *testing.T) {
	f := &fakeModule{fifo: make([]byte, frame.VisualMax+1)}
	d := testDev(f)
	var v frame.Visual
	err := d.Capture(&v)
	if err == nil {
		t.Fatal("oversize FIFO accepted")
	}
	if v.Len != 0 {
		t.Error("oversize report touched the buffer")
	}
}

func TestCaptureEmptyFIFO(t *testing.T) {
	f := &fakeModule{}
	d := testDev(f)
	var v frame.Visual
	if err := d.Capture(&v); err == nil {
		t.Fatal("empty FIFO accepted")
	}
}
