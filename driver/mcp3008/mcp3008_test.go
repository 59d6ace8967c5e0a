package mcp3008

import (
	"testing"

	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/spi/spitest"
)

func TestRead(t *testing.T) {
	p := &spitest.Playback{
		Playback: conntest.Playback{
			Ops: []conntest.IO{
				{W: []byte{0x01, 0x80, 0x00}, R: []byte{0x00, 0x02, 0x9a}},
				{W: []byte{0x01, 0xf0, 0x00}, R: []byte{0x00, 0x03, 0xff}},
			},
		},
	}
	c, err := p.Connect(0, 0, 8)
	if err != nil {
		t.Fatal(err)
	}
	d := New(c, 3.3)
	v, err := d.Read(0)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x29a {
		t.Errorf("channel 0 = %#x, want 0x29a", v)
	}
	v, err = d.Read(7)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x3ff {
		t.Errorf("channel 7 = %#x, want 0x3ff", v)
	}
}

func TestReadBadChannel(t *testing.T) {
	d := New(nil, 3.3)
	if _, err := d.Read(8); err == nil {
		t.Error("channel 8 accepted")
	}
	if _, err := d.Read(-1); err == nil {
		t.Error("channel -1 accepted")
	}
}

func TestVoltage(t *testing.T) {
	d := New(nil, 3.3)
	if got := d.Voltage(Resolution); got != 3.3 {
		t.Errorf("full scale = %v", got)
	}
	if got := d.Voltage(0); got != 0 {
		t.Errorf("zero = %v", got)
	}
}
