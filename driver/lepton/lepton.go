// Package lepton acquires radiometric frames from the thermal imager.
// The sensor streams each 160x120 frame as four segments of 60 VoSPI
// packets; the driver resynchronises on the vertical-sync line,
// reassembles the segments and extracts the telemetry row, presenting
// the upper layer with a single acquire-a-whole-frame operation.
package lepton

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sigurn/crc16"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"

	"github.com/danjulio/firecam/frame"
)

const (
	// PacketSize is one VoSPI packet: 4 header bytes plus 80 pixels.
	PacketSize = 164
	// PacketsPerSegment covers lines 0..59, each packet half a row.
	PacketsPerSegment = 60
	// WordsPerPacket is the pixel payload in 16-bit words.
	WordsPerPacket = 80

	segments     = 4
	segIDLine    = 20
	lastLine     = PacketsPerSegment - 1
	wordsPerSeg  = 30 * frame.ThermalWidth
	discardNib   = 0x0f
	telemetryFPA = 24 // telemetry word: FPA temp, Kelvin x100
	telemetryAux = 26 // telemetry word: housing temp, Kelvin x100
)

// ErrTimeout is returned when no valid frame arrives within the
// per-frame deadline.
var ErrTimeout = errors.New("lepton: frame deadline elapsed")

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

type Dev struct {
	spi   spi.Conn
	vsync gpio.PinIn
	cci   *CCI

	// FrameDeadline bounds one acquire attempt; roughly 36 vsync
	// periods. Tests shorten it.
	FrameDeadline time.Duration
	// SegmentDeadline bounds the packet reads for one segment.
	SegmentDeadline time.Duration

	pkt [PacketSize]byte

	// Sensor state cached from CCI, stamped into each frame.
	gain      int
	tlinHiRes bool
}

// New initialises the imager: vsync output on the sensor GPIO, gain
// and TLinear resolution read back for frame stamping.
func New(s spi.Conn, vsync gpio.PinIn, cci *CCI) (*Dev, error) {
	d := &Dev{
		spi:             s,
		vsync:           vsync,
		cci:             cci,
		FrameDeadline:   340 * time.Millisecond,
		SegmentDeadline: 30 * time.Millisecond,
	}
	if cci != nil {
		if err := cci.SetGPIOMode(GPIOModeVsync); err != nil {
			return nil, fmt.Errorf("lepton: enable vsync: %w", err)
		}
		if err := d.refreshSensorState(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Dev) refreshSensorState() error {
	g, err := d.cci.GainMode()
	if err != nil {
		return fmt.Errorf("lepton: gain mode: %w", err)
	}
	hi, err := d.cci.TLinearResolution()
	if err != nil {
		return fmt.Errorf("lepton: tlinear resolution: %w", err)
	}
	d.gain, d.tlinHiRes = g, hi
	return nil
}

// SetGainMode forwards to the CCI and refreshes the cached state.
func (d *Dev) SetGainMode(m int) error {
	if err := d.cci.SetGainMode(m); err != nil {
		return err
	}
	return d.refreshSensorState()
}

func (d *Dev) RunFFC() error { return d.cci.RunFFC() }

// Acquire fills f with one complete frame. On any failure f is left
// marked invalid and the driver needs no external reset; the next
// call starts from a clean wait-for-segment-1 state.
func (d *Dev) Acquire(f *frame.Thermal) error {
	f.Valid = false
	deadline := time.Now().Add(d.FrameDeadline)
	seg := 1
	for {
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		if err := d.waitVsync(deadline); err != nil {
			return err
		}
		next, err := d.readSegment(f, seg)
		if err != nil {
			return err
		}
		if next > segments {
			break
		}
		seg = next
	}
	d.extractTelemetry(f)
	f.Valid = true
	return nil
}

// readSegment collects packets for the expected segment. It returns
// the next expected segment: unchanged on stream garbage, reset to 1
// on an invalid segment id, expected+1 on success.
func (d *Dev) readSegment(f *frame.Thermal, expected int) (int, error) {
	segDeadline := time.Now().Add(d.SegmentDeadline)
	prevLine := -1
	sawValidID := false
	for {
		if time.Now().After(segDeadline) {
			// Stalled mid-segment; resynchronise on the next vsync.
			return expected, nil
		}
		if err := d.spi.Tx(nil, d.pkt[:]); err != nil {
			return 0, fmt.Errorf("lepton: packet read: %w", err)
		}
		if d.pkt[0]&discardNib == discardNib {
			continue
		}
		line := int(d.pkt[1])
		if line > lastLine {
			continue
		}
		if line == prevLine {
			// Duplicate line number is stream garbage; terminate this
			// segment read without advancing.
			return expected, nil
		}
		if line == segIDLine {
			id := int(d.pkt[0] >> 4)
			if !d.checkCRC() {
				return expected, nil
			}
			switch {
			case expected == 1 && id != 1:
				// Provisional data was garbage; keep waiting for the
				// start of a frame.
				prevLine = -1
				continue
			case expected > 1 && id != expected:
				// Lost the frame; restart from segment 1.
				log.Printf("lepton: segment %d reported %d, resync", expected, id)
				return 1, nil
			}
			sawValidID = true
		}
		d.copyPayload(f, expected, line)
		prevLine = line
		if line == lastLine {
			if !sawValidID {
				// The segment id never validated; the data is
				// provisional only.
				return expected, nil
			}
			return expected + 1, nil
		}
	}
}

// copyPayload stores the 80 big-endian payload words at the
// segment-relative offset.
func (d *Dev) copyPayload(f *frame.Thermal, seg, line int) {
	off := (seg-1)*wordsPerSeg + line*WordsPerPacket
	for i := 0; i < WordsPerPacket; i++ {
		f.Pix[off+i] = binary.BigEndian.Uint16(d.pkt[4+2*i:])
	}
}

// checkCRC validates the packet CRC. Only the segment-identifying
// packets are checked; validating all sixty per segment costs more
// than the protection is worth.
func (d *Dev) checkCRC() bool {
	want := binary.BigEndian.Uint16(d.pkt[2:])
	if want == 0 {
		return true
	}
	var tmp [PacketSize]byte
	copy(tmp[:], d.pkt[:])
	tmp[0] &= 0x0f
	tmp[2], tmp[3] = 0, 0
	return crc16.Checksum(tmp[:], crcTable) == want
}

// extractTelemetry lifts the last row into the telemetry block and
// decodes the fields the record builder wants.
func (d *Dev) extractTelemetry(f *frame.Thermal) {
	off := (segments-1)*wordsPerSeg + lastLine*WordsPerPacket
	for i := 0; i < frame.TelemetryWords; i++ {
		f.Telemetry[i] = f.Pix[off+i]
	}
	f.FPATempC = kelvin100ToC(f.Telemetry[telemetryFPA])
	f.AuxTempC = kelvin100ToC(f.Telemetry[telemetryAux])
	f.LensTempC = f.AuxTempC
	switch d.gain {
	case CCIGainHigh, CCIGainAuto:
		f.GainMode = "HIGH"
	case CCIGainLow:
		f.GainMode = "LOW"
	default:
		f.GainMode = "UNKNOWN"
	}
	if d.tlinHiRes {
		f.Resolution = "0.01"
	} else {
		f.Resolution = "0.1"
	}
}

func kelvin100ToC(v uint16) float64 {
	return float64(v)/100 - 273.15
}

// waitVsync polls the vertical-sync line for a rising edge with short
// sleeps between checks.
func (d *Dev) waitVsync(deadline time.Time) error {
	prev := d.vsync.Read()
	for {
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		cur := d.vsync.Read()
		if prev == gpio.Low && cur == gpio.High {
			return nil
		}
		prev = cur
		time.Sleep(100 * time.Microsecond)
	}
}
