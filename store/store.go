// Package store is the camera's persistent parameter store, a small
// checksummed byte image kept in the RTC's battery-backed SRAM.
//
// The store is owned by a single goroutine. Reads are snapshots;
// writes are change-set messages applied by the owner. This replaces
// the one-writer-at-a-time discipline the SRAM itself cannot enforce.
package store

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/danjulio/firecam/wifi"
)

// Backing is the byte-addressable persistent device, usually the
// DS3232 SRAM.
type Backing interface {
	ReadSRAM(off int, p []byte) error
	WriteSRAM(off int, p []byte) error
}

// Size is the length of the store image including the checksum byte.
const Size = 160

const (
	magic0 = 0x12
	magic1 = 0x34

	// Version is the current layout version. Version 1 images lack
	// the operating-state block and are upgraded in place.
	Version = 2
)

// Layout offsets. Additions go before the reserved span; existing
// offsets never move.
const (
	offMagic    = 0
	offVersion  = 2
	offFlags    = 3
	offAPSSID   = 4   // 33 bytes, NUL padded
	offAPPass   = 37  // 33 bytes
	offSTASSID  = 70  // 33 bytes
	offSTAPass  = 103 // 33 bytes
	offAPIP     = 136
	offSTAIP    = 140
	offCurIP    = 144
	offInterval = 148 // uint16 little endian, seconds
	offGain     = 150
	offPalette  = 151
	offEnables  = 152 // bit 0 visual, bit 1 thermal
	offWasRec   = 153
	offChecksum = Size - 1
)

// v1Size is the extent of the version 1 payload; everything past it
// (except the checksum) is new in version 2.
const v1Size = offInterval

// GainMode is the thermal imager gain setting.
type GainMode byte

const (
	GainHigh GainMode = iota
	GainLow
	GainAuto
)

func (g GainMode) String() string {
	switch g {
	case GainHigh:
		return "HIGH"
	case GainLow:
		return "LOW"
	case GainAuto:
		return "AUTO"
	}
	return "UNKNOWN"
}

// Intervals is the allowed set of recording intervals in seconds.
var Intervals = []int{1, 5, 30, 60, 300, 1800, 3600}

// SnapInterval returns v if it is an allowed recording interval and
// the first allowed value otherwise.
func SnapInterval(v int) int {
	for _, iv := range Intervals {
		if v == iv {
			return v
		}
	}
	return Intervals[0]
}

// Config is a snapshot of the store contents.
type Config struct {
	Wifi          wifi.Config
	Interval      int
	Gain          GainMode
	Palette       byte
	RecordVisual  bool
	RecordThermal bool
	WasRecording  bool
}

// Defaults returns the factory configuration. apSSID is the derived
// firecam-XXXX name.
func Defaults(apSSID string) Config {
	return Config{
		Wifi: wifi.Config{
			APSSID: apSSID,
			Flags:  wifi.FlagEnabled,
			APIP:   wifi.IP4{1, 4, 168, 192}, // 192.168.4.1
		},
		Interval:      1,
		Gain:          GainAuto,
		Palette:       1, // Fusion
		RecordVisual:  true,
		RecordThermal: true,
	}
}

type reply struct {
	cfg Config
	err error
}

type request struct {
	update func(*Config)
	done   chan reply
}

// Store owns the shadow image and its backing device.
type Store struct {
	b      Backing
	reqs   chan request
	closed chan struct{}

	// Owner-goroutine state.
	shadow [Size]byte
	cfg    Config

	once sync.Once
}

// Open reads and validates the backing image. On bad magic or
// checksum the store is reinitialised from defaults; version 1 images
// are upgraded in place.
func Open(b Backing, defaults Config) (*Store, error) {
	s := &Store{
		b:      b,
		reqs:   make(chan request),
		closed: make(chan struct{}),
	}
	if err := b.ReadSRAM(0, s.shadow[:]); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	switch {
	case !valid(s.shadow[:]):
		log.Printf("store: invalid image, reinitialising from defaults")
		s.cfg = defaults
		encode(&s.shadow, s.cfg)
		if err := b.WriteSRAM(0, s.shadow[:]); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	case s.shadow[offVersion] == 1:
		log.Printf("store: upgrading layout 1 -> %d", Version)
		s.cfg = decode(s.shadow[:])
		d := defaults
		s.cfg.Interval = d.Interval
		s.cfg.Gain = d.Gain
		s.cfg.Palette = d.Palette
		s.cfg.RecordVisual = d.RecordVisual
		s.cfg.RecordThermal = d.RecordThermal
		s.cfg.WasRecording = false
		encode(&s.shadow, s.cfg)
		if err := b.WriteSRAM(0, s.shadow[:]); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	case s.shadow[offVersion] == Version:
		s.cfg = decode(s.shadow[:])
	default:
		log.Printf("store: unknown layout %d, reinitialising", s.shadow[offVersion])
		s.cfg = defaults
		encode(&s.shadow, s.cfg)
		if err := b.WriteSRAM(0, s.shadow[:]); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}
	go s.loop()
	return s, nil
}

func (s *Store) loop() {
	for {
		select {
		case <-s.closed:
			return
		case req := <-s.reqs:
			var r reply
			if req.update != nil {
				req.update(&s.cfg)
				s.cfg.Interval = SnapInterval(s.cfg.Interval)
				r.err = s.save()
				// Snapshots report what the image holds, e.g. names
				// truncated to wifi.MaxNameLen.
				s.cfg = decode(s.shadow[:])
			}
			r.cfg = s.cfg
			req.done <- r
		}
	}
}

// save re-encodes the configuration and writes back only the dirtied
// span plus the checksum byte.
func (s *Store) save() error {
	old := s.shadow
	encode(&s.shadow, s.cfg)
	first, last := -1, -1
	for i := 0; i < offChecksum; i++ {
		if s.shadow[i] != old[i] {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return nil
	}
	if err := s.b.WriteSRAM(first, s.shadow[first:last+1]); err != nil {
		return err
	}
	return s.b.WriteSRAM(offChecksum, s.shadow[offChecksum:])
}

var errClosed = errors.New("store: closed")

// Snapshot returns the current configuration.
func (s *Store) Snapshot() Config {
	done := make(chan reply, 1)
	select {
	case s.reqs <- request{done: done}:
		return (<-done).cfg
	case <-s.closed:
		return Config{}
	}
}

// Update applies fn to the configuration and persists the result.
func (s *Store) Update(fn func(*Config)) error {
	done := make(chan reply, 1)
	select {
	case s.reqs <- request{update: fn, done: done}:
		return (<-done).err
	case <-s.closed:
		return errClosed
	}
}

// Close stops the owner goroutine.
func (s *Store) Close() {
	s.once.Do(func() { close(s.closed) })
}

func valid(p []byte) bool {
	if p[offMagic] != magic0 || p[offMagic+1] != magic1 {
		return false
	}
	return Checksum(p[:offChecksum]) == p[offChecksum]
}

// Checksum is the sum of all bytes mod 256.
func Checksum(p []byte) byte {
	var sum byte
	for _, b := range p {
		sum += b
	}
	return sum
}

func encode(img *[Size]byte, c Config) {
	for i := range img {
		img[i] = 0
	}
	img[offMagic] = magic0
	img[offMagic+1] = magic1
	img[offVersion] = Version
	img[offFlags] = c.Wifi.Flags
	putStr(img[offAPSSID:], c.Wifi.APSSID)
	putStr(img[offAPPass:], c.Wifi.APPass)
	putStr(img[offSTASSID:], c.Wifi.STASSID)
	putStr(img[offSTAPass:], c.Wifi.STAPass)
	copy(img[offAPIP:], c.Wifi.APIP[:])
	copy(img[offSTAIP:], c.Wifi.STAIP[:])
	copy(img[offCurIP:], c.Wifi.CurIP[:])
	img[offInterval] = byte(c.Interval)
	img[offInterval+1] = byte(c.Interval >> 8)
	img[offGain] = byte(c.Gain)
	img[offPalette] = c.Palette
	var en byte
	if c.RecordVisual {
		en |= 1 << 0
	}
	if c.RecordThermal {
		en |= 1 << 1
	}
	img[offEnables] = en
	if c.WasRecording {
		img[offWasRec] = 1
	}
	img[offChecksum] = Checksum(img[:offChecksum])
}

func decode(img []byte) Config {
	var c Config
	c.Wifi.Flags = img[offFlags]
	c.Wifi.APSSID = getStr(img[offAPSSID:])
	c.Wifi.APPass = getStr(img[offAPPass:])
	c.Wifi.STASSID = getStr(img[offSTASSID:])
	c.Wifi.STAPass = getStr(img[offSTAPass:])
	copy(c.Wifi.APIP[:], img[offAPIP:])
	copy(c.Wifi.STAIP[:], img[offSTAIP:])
	copy(c.Wifi.CurIP[:], img[offCurIP:])
	c.Interval = int(img[offInterval]) | int(img[offInterval+1])<<8
	c.Gain = GainMode(img[offGain])
	c.Palette = img[offPalette]
	c.RecordVisual = img[offEnables]&(1<<0) != 0
	c.RecordThermal = img[offEnables]&(1<<1) != 0
	c.WasRecording = img[offWasRec] != 0
	return c
}

func putStr(p []byte, s string) {
	if len(s) > wifi.MaxNameLen {
		s = s[:wifi.MaxNameLen]
	}
	copy(p[:wifi.MaxNameLen+1], s)
}

func getStr(p []byte) string {
	for i := 0; i <= wifi.MaxNameLen; i++ {
		if p[i] == 0 {
			return string(p[:i])
		}
	}
	return string(p[:wifi.MaxNameLen+1])
}
