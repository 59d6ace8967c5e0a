package wifi

import (
	"net"
	"testing"
)

func TestIPRoundTrip(t *testing.T) {
	// parse ∘ render must be the identity on every octet value in
	// every position.
	for _, a := range []IP4{
		{0, 0, 0, 0},
		{255, 255, 255, 255},
		{1, 4, 168, 192}, // renders as 192.168.4.1
		{13, 0, 217, 10},
		{255, 0, 1, 127},
	} {
		got, err := ParseIP4(a.String())
		if err != nil {
			t.Fatalf("%v: %v", a, err)
		}
		if got != a {
			t.Errorf("round trip %v -> %q -> %v", a, a.String(), got)
		}
	}
}

func TestIPRenderOrder(t *testing.T) {
	a := IP4{1, 4, 168, 192}
	if got := a.String(); got != "192.168.4.1" {
		t.Errorf("got %q, want 192.168.4.1", got)
	}
	got, err := ParseIP4("192.168.4.1")
	if err != nil {
		t.Fatal(err)
	}
	if got != a {
		t.Errorf("parse placed octets %v, want %v", got, a)
	}
}

func TestParseIP4Rejects(t *testing.T) {
	for _, s := range []string{"", "1.2.3", "1.2.3.4.5", "256.0.0.1", "a.b.c.d", "1..2.3"} {
		if _, err := ParseIP4(s); err == nil {
			t.Errorf("ParseIP4(%q) succeeded", s)
		}
	}
}

func TestSetUserFlags(t *testing.T) {
	c := Config{Flags: FlagInitialized | FlagConnected}
	c.SetUserFlags(145) // 0x91: client mode, static IP, enabled
	if c.Flags != FlagInitialized|FlagConnected|0x91 {
		t.Errorf("flags = %#x", c.Flags)
	}
	// Status bits in the argument are ignored.
	c = Config{}
	c.SetUserFlags(0xff)
	if c.Flags != 0x91 {
		t.Errorf("flags = %#x, want 0x91", c.Flags)
	}
}

func TestValidPassword(t *testing.T) {
	cases := map[string]bool{
		"":                                  true,
		"short":                             false,
		"1234567":                           false,
		"12345678":                          true,
		"abcdefghijklmnopqrstuvwxyz012345":  true,
		"abcdefghijklmnopqrstuvwxyz0123456": false,
	}
	for p, want := range cases {
		if got := ValidPassword(p); got != want {
			t.Errorf("ValidPassword(%q) = %v", p, got)
		}
	}
}

func TestDefaultSSID(t *testing.T) {
	mac := net.HardwareAddr{0x24, 0x6f, 0x28, 0xab, 0xcd, 0xef}
	if got := DefaultSSID(mac); got != "firecam-CDEF" {
		t.Errorf("got %q", got)
	}
	if got := DefaultSSID(nil); got != "firecam-0000" {
		t.Errorf("got %q", got)
	}
}
