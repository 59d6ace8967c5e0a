package lepton

import (
	"encoding/binary"
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
)

// CCI is the Lepton's command-and-control interface, a 16-bit
// big-endian register protocol over I2C.
type CCI struct {
	d i2c.Dev
}

const (
	cciAddr = 0x2a

	regStatus  = 0x0002
	regCommand = 0x0004
	regDataLen = 0x0006
	regData0   = 0x0008

	statusBusyBit = 0x01

	// Command words. GET and SET are separate opcodes; the OEM and
	// RAD modules carry the protection bit 0x4000.
	cmdSysGetAuxTemp  = 0x0210
	cmdSysGetFPATemp  = 0x0214
	cmdSysRunFFC      = 0x0242
	cmdSysGetGainMode = 0x0248
	cmdSysSetGainMode = 0x0249
	cmdRadGetTLinRes  = 0x4ec4
	cmdRadSetTLinRes  = 0x4ec5
	cmdOemGetGPIOMode = 0x4854
	cmdOemSetGPIOMode = 0x4855

	cciDeadline = 500 * time.Millisecond
)

// Gain modes as the sensor encodes them.
const (
	CCIGainHigh = 0
	CCIGainLow  = 1
	CCIGainAuto = 2
)

// GPIO modes for the OEM GPIO command; vsync output is mode 5.
const GPIOModeVsync = 5

func NewCCI(b i2c.Bus) *CCI {
	return &CCI{d: i2c.Dev{Bus: b, Addr: cciAddr}}
}

func (c *CCI) readReg(reg uint16) (uint16, error) {
	var w [2]byte
	var r [2]byte
	binary.BigEndian.PutUint16(w[:], reg)
	if err := c.d.Tx(w[:], r[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(r[:]), nil
}

func (c *CCI) writeReg(reg uint16, vals ...uint16) error {
	w := make([]byte, 2+2*len(vals))
	binary.BigEndian.PutUint16(w, reg)
	for i, v := range vals {
		binary.BigEndian.PutUint16(w[2+2*i:], v)
	}
	return c.d.Tx(w, nil)
}

// waitIdle polls the status register until the busy bit clears.
func (c *CCI) waitIdle() error {
	deadline := time.Now().Add(cciDeadline)
	for {
		st, err := c.readReg(regStatus)
		if err != nil {
			return err
		}
		if st&statusBusyBit == 0 {
			// Upper byte is the response code of the previous command.
			if rc := int8(st >> 8); rc < 0 {
				return fmt.Errorf("lepton: cci response %d", rc)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lepton: cci busy for %s", cciDeadline)
		}
		time.Sleep(time.Millisecond)
	}
}

// get runs a GET command and reads n 16-bit data words.
func (c *CCI) get(cmd uint16, n int) ([]uint16, error) {
	if err := c.waitIdle(); err != nil {
		return nil, err
	}
	if err := c.writeReg(regDataLen, uint16(n)); err != nil {
		return nil, err
	}
	if err := c.writeReg(regCommand, cmd); err != nil {
		return nil, err
	}
	if err := c.waitIdle(); err != nil {
		return nil, err
	}
	w := make([]byte, 2)
	binary.BigEndian.PutUint16(w, regData0)
	r := make([]byte, 2*n)
	if err := c.d.Tx(w, r); err != nil {
		return nil, err
	}
	out := make([]uint16, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(r[2*i:])
	}
	return out, nil
}

// set runs a SET command with the given data words.
func (c *CCI) set(cmd uint16, vals ...uint16) error {
	if err := c.waitIdle(); err != nil {
		return err
	}
	if err := c.writeReg(regData0, vals...); err != nil {
		return err
	}
	if err := c.writeReg(regDataLen, uint16(len(vals))); err != nil {
		return err
	}
	if err := c.writeReg(regCommand, cmd); err != nil {
		return err
	}
	return c.waitIdle()
}

// run executes a command with no data phase.
func (c *CCI) run(cmd uint16) error {
	if err := c.waitIdle(); err != nil {
		return err
	}
	if err := c.writeReg(regDataLen, 0); err != nil {
		return err
	}
	if err := c.writeReg(regCommand, cmd); err != nil {
		return err
	}
	return c.waitIdle()
}

// GainMode returns the configured gain mode (CCIGain*).
func (c *CCI) GainMode() (int, error) {
	v, err := c.get(cmdSysGetGainMode, 2)
	if err != nil {
		return 0, err
	}
	return int(v[0]), nil
}

func (c *CCI) SetGainMode(m int) error {
	return c.set(cmdSysSetGainMode, uint16(m), 0)
}

// RunFFC triggers a flat-field correction; no valid frames are
// produced for about a second afterwards.
func (c *CCI) RunFFC() error {
	return c.run(cmdSysRunFFC)
}

// FPATempK100 returns the focal-plane temperature in Kelvin x100.
func (c *CCI) FPATempK100() (uint16, error) {
	v, err := c.get(cmdSysGetFPATemp, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// AuxTempK100 returns the housing temperature in Kelvin x100.
func (c *CCI) AuxTempK100() (uint16, error) {
	v, err := c.get(cmdSysGetAuxTemp, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// TLinearResolution reports whether the radiometric output is in
// 0.01 K counts (true) or 0.1 K counts (false).
func (c *CCI) TLinearResolution() (bool, error) {
	v, err := c.get(cmdRadGetTLinRes, 2)
	if err != nil {
		return false, err
	}
	return v[0] != 0, nil
}

func (c *CCI) SetTLinearResolution(hi bool) error {
	var v uint16
	if hi {
		v = 1
	}
	return c.set(cmdRadSetTLinRes, v, 0)
}

// GPIOMode reads the OEM GPIO mode.
func (c *CCI) GPIOMode() (int, error) {
	v, err := c.get(cmdOemGetGPIOMode, 2)
	if err != nil {
		return 0, err
	}
	return int(v[0]), nil
}

// SetGPIOMode selects the OEM GPIO function; GPIOModeVsync makes the
// sensor raise its vertical-sync line at each segment boundary.
func (c *CCI) SetGPIOMode(m int) error {
	return c.set(cmdOemSetGPIOMode, uint16(m), 0)
}
