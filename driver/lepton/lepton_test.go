package lepton

import (
	"encoding/binary"
	"testing"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"

	"github.com/danjulio/firecam/frame"
	"github.com/danjulio/firecam/notify"
)

// packetSource is a fake spi.Conn that plays back scripted VoSPI
// packets, repeating the last one once the script is exhausted.
type packetSource struct {
	packets [][]byte
	i       int
}

func (p *packetSource) String() string       { return "vospi-script" }
func (p *packetSource) Duplex() conn.Duplex  { return conn.Half }
func (p *packetSource) Tx(w, r []byte) error {
	pkt := p.packets[p.i]
	if p.i < len(p.packets)-1 {
		p.i++
	}
	copy(r, pkt)
	return nil
}

func (p *packetSource) TxPackets(pkts []spi.Packet) error {
	for _, pkt := range pkts {
		if err := p.Tx(pkt.W, pkt.R); err != nil {
			return err
		}
	}
	return nil
}

// edgePin reports a rising edge on every poll pair.
type edgePin struct {
	gpiotest.Pin
	n int
}

func (p *edgePin) Read() gpio.Level {
	p.n++
	if p.n%2 == 0 {
		return gpio.High
	}
	return gpio.Low
}

func pkt(seg, line int, fill uint16) []byte {
	b := make([]byte, PacketSize)
	b[1] = byte(line)
	if line == segIDLine {
		b[0] = byte(seg << 4)
	}
	for i := 0; i < WordsPerPacket; i++ {
		binary.BigEndian.PutUint16(b[4+2*i:], fill)
	}
	return b
}

func discardPkt() []byte {
	b := make([]byte, PacketSize)
	b[0] = 0x0f
	b[1] = 0xff
	return b
}

func newTestDev(packets [][]byte) *Dev {
	return &Dev{
		spi:             &packetSource{packets: packets},
		vsync:           &edgePin{},
		FrameDeadline:   200 * time.Millisecond,
		SegmentDeadline: 50 * time.Millisecond,
		gain:            CCIGainHigh,
		tlinHiRes:       true,
	}
}

// fullFrame scripts a clean four-segment frame. Pixel values encode
// their segment so placement can be verified.
func fullFrame() [][]byte {
	var ps [][]byte
	ps = append(ps, discardPkt(), discardPkt())
	for seg := 1; seg <= segments; seg++ {
		for line := 0; line <= lastLine; line++ {
			ps = append(ps, pkt(seg, line, uint16(seg*1000+line)))
		}
	}
	ps = append(ps, discardPkt())
	return ps
}

func TestAcquireFullFrame(t *testing.T) {
	d := newTestDev(fullFrame())
	var f frame.Thermal
	if err := d.Acquire(&f); err != nil {
		t.Fatal(err)
	}
	if !f.Valid {
		t.Fatal("frame not marked valid")
	}
	// Segment 3, line 10 lands at words ((3-1)*4800 + 10*80).
	off := 2*wordsPerSeg + 10*WordsPerPacket
	if got := f.Pix[off]; got != 3010 {
		t.Errorf("segment 3 line 10 pixel = %d, want 3010", got)
	}
	// Telemetry is the last row of segment 4.
	if got := f.Telemetry[0]; got != 4000+uint16(lastLine) {
		t.Errorf("telemetry word 0 = %d", got)
	}
	if f.GainMode != "HIGH" || f.Resolution != "0.01" {
		t.Errorf("stamped %q/%q", f.GainMode, f.Resolution)
	}
}

func TestAcquireDeadline(t *testing.T) {
	d := newTestDev([][]byte{discardPkt()})
	d.FrameDeadline = 50 * time.Millisecond
	var f frame.Thermal
	start := time.Now()
	if err := d.Acquire(&f); err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if f.Valid {
		t.Error("failed acquire left frame valid")
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Error("deadline overrun")
	}
}

func TestDuplicateLineTerminatesSegment(t *testing.T) {
	// Lines {0..20, 20}: the duplicate 20 must end the segment read
	// without filling lines 21..59, then a clean frame follows.
	var ps [][]byte
	for line := 0; line <= 20; line++ {
		ps = append(ps, pkt(1, line, 0xaaaa))
	}
	ps = append(ps, pkt(1, 20, 0xaaaa))
	ps = append(ps, fullFrame()...)
	d := newTestDev(ps)
	var f frame.Thermal
	if err := d.Acquire(&f); err != nil {
		t.Fatal(err)
	}
	// Line 30 of segment 1 must carry the clean frame's value, not
	// garbage from the aborted attempt.
	if got := f.Pix[30*WordsPerPacket]; got != 1030 {
		t.Errorf("segment 1 line 30 pixel = %d, want 1030", got)
	}
}

func TestBadSegmentIDAborts(t *testing.T) {
	// Segment 1 then a segment claiming id 7: the frame restarts at
	// segment 1 and the retry succeeds.
	var ps [][]byte
	for line := 0; line <= lastLine; line++ {
		ps = append(ps, pkt(1, line, 0x1111))
	}
	for line := 0; line <= 20; line++ {
		ps = append(ps, pkt(7, line, 0x7777))
	}
	ps = append(ps, fullFrame()...)
	d := newTestDev(ps)
	var f frame.Thermal
	if err := d.Acquire(&f); err != nil {
		t.Fatal(err)
	}
	off := 3*wordsPerSeg + 5*WordsPerPacket
	if got := f.Pix[off]; got != 4005 {
		t.Errorf("segment 4 line 5 pixel = %d, want 4005", got)
	}
}

func TestWaitsForSegmentOne(t *testing.T) {
	// A stream starting mid-frame (segments 3, 4) must be discarded
	// until segment 1 appears.
	var ps [][]byte
	for seg := 3; seg <= 4; seg++ {
		for line := 0; line <= lastLine; line++ {
			ps = append(ps, pkt(seg, line, 0xdead))
		}
	}
	ps = append(ps, fullFrame()...)
	d := newTestDev(ps)
	var f frame.Thermal
	if err := d.Acquire(&f); err != nil {
		t.Fatal(err)
	}
	if got := f.Pix[0]; got != 1000 {
		t.Errorf("segment 1 line 0 pixel = %d, want 1000", got)
	}
}

func TestTaskSignalsExactlyOne(t *testing.T) {
	req := notify.New()
	done := notify.New()
	const okBit, failBit notify.Mask = 1 << 0, 1 << 1
	task := &Task{
		Dev:   newTestDev(fullFrame()),
		Frame: &frame.Thermal{},
		Req:   req,
		Done:  done,
		OK:    okBit,
		Fail:  failBit,
	}
	go task.Run()
	defer req.Set(ReqStop)

	req.Set(ReqAcquire)
	m, ok := done.Wait(time.Second)
	if !ok || m != okBit {
		t.Fatalf("signals %#x, want ok only", m)
	}

	// A stalled sensor produces exactly the fail bit.
	task2 := &Task{
		Dev:   newTestDev([][]byte{discardPkt()}),
		Frame: &frame.Thermal{},
		Req:   notify.New(),
		Done:  done,
		OK:    okBit,
		Fail:  failBit,
	}
	task2.Dev.FrameDeadline = 30 * time.Millisecond
	go task2.Run()
	defer task2.Req.Set(ReqStop)
	task2.Req.Set(ReqAcquire)
	m, ok = done.Wait(time.Second)
	if !ok || m != failBit {
		t.Fatalf("signals %#x, want fail only", m)
	}
}
