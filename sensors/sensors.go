// Package sensors samples the analog channels: battery voltage,
// board temperature and the charger status lines. It maintains moving
// averages, derives the discrete battery and charge states, and
// watches the power button.
package sensors

import (
	"log"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/danjulio/firecam/notify"
)

// ADC is the analog front end; *mcp3008.Dev satisfies it.
type ADC interface {
	Read(ch int) (int, error)
	Voltage(raw int) float64
}

// Channel assignment on the ADC.
const (
	ChBattery = 0
	ChTemp    = 1
	ChStat1   = 2
	ChStat2   = 3
	ChAux1    = 4
	ChAux2    = 5
)

// Averaging depths.
const (
	battDepth   = 16
	tempDepth   = 16
	chargeDepth = 8
)

type BatteryState int

const (
	Batt100 BatteryState = iota
	Batt75
	Batt50
	Batt25
	Batt0
	BattCrit
)

func (b BatteryState) String() string {
	switch b {
	case Batt100:
		return "100"
	case Batt75:
		return "75"
	case Batt50:
		return "50"
	case Batt25:
		return "25"
	case Batt0:
		return "0"
	}
	return "CRIT"
}

// Battery voltage thresholds, single lithium cell.
const (
	battFull = 3.90
	batt75V  = 3.75
	batt50V  = 3.60
	batt25V  = 3.45
	battLowV = 3.30
)

// BatteryStateFor buckets an averaged cell voltage.
func BatteryStateFor(v float64) BatteryState {
	switch {
	case v >= battFull:
		return Batt100
	case v >= batt75V:
		return Batt75
	case v >= batt50V:
		return Batt50
	case v >= batt25V:
		return Batt25
	case v >= battLowV:
		return Batt0
	}
	return BattCrit
}

type ChargeState int

const (
	ChargeOff ChargeState = iota
	ChargeOn
	ChargeFault
)

func (c ChargeState) String() string {
	switch c {
	case ChargeOn:
		return "ON"
	case ChargeFault:
		return "FAULT"
	}
	return "OFF"
}

// ChargeStateFor decodes the charger's two open-drain status lines.
// Both low means the charger is signalling a fault.
func ChargeStateFor(stat1, stat2 bool) ChargeState {
	switch {
	case !stat1 && !stat2:
		return ChargeFault
	case !stat1 && stat2:
		return ChargeOn
	}
	return ChargeOff
}

// Status is the sampler's published snapshot.
type Status struct {
	BatteryVolts float64
	Battery      BatteryState
	Charge       ChargeState
	TempC        float64
}

// average is a fixed-depth moving average over raw counts.
type average struct {
	buf []int
	i   int
	n   int
}

func newAverage(depth int) *average { return &average{buf: make([]int, depth)} }

func (a *average) add(v int) {
	a.buf[a.i] = v
	a.i = (a.i + 1) % len(a.buf)
	if a.n < len(a.buf) {
		a.n++
	}
}

func (a *average) value() float64 {
	if a.n == 0 {
		return 0
	}
	sum := 0
	for _, v := range a.buf[:a.n] {
		sum += v
	}
	return float64(sum) / float64(a.n)
}

// Task is the sampler activity.
type Task struct {
	ADC    ADC
	Button gpio.PinIn // power button, active low

	Done     *notify.Notifier // orchestrator
	Shutdown notify.Mask

	// Period and HoldTime are settable for tests.
	Period   time.Duration
	HoldTime time.Duration

	// BattScale maps the ADC voltage back to cell volts (divider).
	BattScale float64

	mu     sync.Mutex
	status Status

	batt   *average
	temp   *average
	stat1  *average
	stat2  *average
	held   time.Duration
	warned bool
}

func (t *Task) init() {
	if t.Period == 0 {
		t.Period = 75 * time.Millisecond
	}
	if t.HoldTime == 0 {
		t.HoldTime = 1500 * time.Millisecond
	}
	if t.BattScale == 0 {
		t.BattScale = 2 // divider halves the cell voltage
	}
	t.batt = newAverage(battDepth)
	t.temp = newAverage(tempDepth)
	t.stat1 = newAverage(chargeDepth)
	t.stat2 = newAverage(chargeDepth)
}

// Snapshot returns the latest derived readings.
func (t *Task) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Run samples until stop is closed.
func (t *Task) Run(stop <-chan struct{}) {
	t.init()
	tick := time.NewTicker(t.Period)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			t.scan()
		}
	}
}

func (t *Task) scan() {
	read := func(ch int, a *average) {
		v, err := t.ADC.Read(ch)
		if err != nil {
			log.Printf("sensors: channel %d: %v", ch, err)
			return
		}
		a.add(v)
	}
	read(ChBattery, t.batt)
	read(ChTemp, t.temp)
	read(ChStat1, t.stat1)
	read(ChStat2, t.stat2)

	volts := t.ADC.Voltage(int(t.batt.value())) * t.BattScale
	half := 512.0
	st := Status{
		BatteryVolts: volts,
		Battery:      BatteryStateFor(volts),
		Charge:       ChargeStateFor(t.stat1.value() >= half, t.stat2.value() >= half),
		TempC:        (t.ADC.Voltage(int(t.temp.value())) - 0.5) * 100,
	}
	t.mu.Lock()
	t.status = st
	t.mu.Unlock()

	if st.Battery == BattCrit && t.batt.n >= battDepth {
		if !t.warned {
			log.Printf("sensors: battery critical at %.2fV, shutting down", volts)
			t.warned = true
		}
		t.Done.Set(t.Shutdown)
	}

	if t.Button != nil && t.Button.Read() == gpio.Low {
		t.held += t.Period
		if t.held >= t.HoldTime {
			t.held = 0
			t.Done.Set(t.Shutdown)
		}
	} else {
		t.held = 0
	}
}
