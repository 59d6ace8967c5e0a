package app

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/danjulio/firecam/command"
	"github.com/danjulio/firecam/display"
	"github.com/danjulio/firecam/driver/arducam"
	"github.com/danjulio/firecam/driver/lepton"
	"github.com/danjulio/firecam/frame"
	"github.com/danjulio/firecam/notify"
	"github.com/danjulio/firecam/record"
	"github.com/danjulio/firecam/sensors"
	"github.com/danjulio/firecam/store"
	"github.com/danjulio/firecam/wifi"
)

type memBacking struct {
	mem [store.Size]byte
}

func (m *memBacking) ReadSRAM(off int, p []byte) error {
	copy(p, m.mem[off:])
	return nil
}

func (m *memBacking) WriteSRAM(off int, p []byte) error {
	copy(m.mem[off:], p)
	return nil
}

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time      { return c.t }
func (c *stepClock) Set(time.Time) error { return nil }

func (c *stepClock) advanceSecond() { c.t = c.t.Add(time.Second) }

type fakePlatform struct {
	poweroffs int
	reboots   int
}

func (f *fakePlatform) PowerOff() { f.poweroffs++ }
func (f *fakePlatform) Reboot()   { f.reboots++ }

type fakeWifi struct{ restarts int }

func (f *fakeWifi) Restart(wifi.Config) error {
	f.restarts++
	return nil
}

type harness struct {
	task     *Task
	st       *store.Store
	clock    *stepClock
	platform *fakePlatform
	wifi     *fakeWifi

	thermal, visual, disp, rec, resp *notify.Notifier

	recPayload  []byte
	respPayload []byte
	card        bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(&memBacking{}, store.Defaults("firecam-CDEF"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)
	h := &harness{
		st:       st,
		clock:    &stepClock{t: time.Date(2023, 1, 6, 13, 0, 0, 0, time.UTC)},
		platform: &fakePlatform{},
		wifi:     &fakeWifi{},
		thermal:  notify.New(),
		visual:   notify.New(),
		disp:     notify.New(),
		rec:      notify.New(),
		resp:     notify.New(),
		card:     true,
	}
	h.task = &Task{
		Store:   st,
		Clock:   h.clock,
		Sensors: func() sensors.Status { return sensors.Status{BatteryVolts: 3.97, Charge: sensors.ChargeOff} },
		Version: "2.0",
		Wifi:     h.wifi,
		Platform: h.platform,
		Notif:    notify.New(),
		Peers: Peers{
			Thermal:          h.thermal,
			Visual:           h.visual,
			Display:          h.disp,
			Recorder:         h.rec,
			Responder:        h.resp,
			RecorderPayload:  func(p []byte) { h.recPayload = p },
			ResponderPayload: func(p []byte) { h.respPayload = p },
			CardPresent:      func() bool { return h.card },
		},
		ThermalFrame:  &frame.Thermal{},
		VisualFrame:   &frame.Visual{},
		ShutdownDelay: time.Millisecond,
	}
	h.task.init()
	return h
}

// startRecording walks the harness through IDLE -> RECORDING.
func (h *harness) startRecording(t *testing.T) {
	t.Helper()
	h.task.Notif.Set(SigCmdStartRecord)
	h.task.step()
	if m := h.rec.Steal(); m&record.ReqStart == 0 {
		t.Fatal("recorder start not requested")
	}
	h.task.Notif.Set(SigFileRecordStarted)
	h.task.step()
	if !h.task.Recording() {
		t.Fatal("not recording after started signal")
	}
}

// nextSecond advances the wall clock and runs the top-of-second step.
func (h *harness) nextSecond() {
	h.clock.advanceSecond()
	h.task.step()
}

// deadline runs steps until the assembly deadline has elapsed.
func (h *harness) deadline() {
	for i := 0; i <= int(h.task.AssemblyDeadline/h.task.Tick); i++ {
		h.task.step()
	}
}

func TestTopOfSecondRequestsImagers(t *testing.T) {
	h := newHarness(t)
	h.nextSecond()
	if m := h.thermal.Steal(); m&lepton.ReqAcquire == 0 {
		t.Error("thermal not requested")
	}
	if m := h.visual.Steal(); m&arducam.ReqCapture == 0 {
		t.Error("visual not requested")
	}
	// Same second: no second request.
	h.task.step()
	if h.thermal.Steal() != 0 || h.visual.Steal() != 0 {
		t.Error("re-requested within the same cycle")
	}
}

func TestFrameForwardedToDisplay(t *testing.T) {
	h := newHarness(t)
	h.nextSecond()
	h.task.Notif.Set(SigThermalFrame)
	h.task.step()
	if m := h.disp.Steal(); m&display.ShowThermal == 0 {
		t.Error("thermal not forwarded to display")
	}
	h.task.Notif.Set(SigVisualFrame)
	h.task.step()
	if m := h.disp.Steal(); m&display.ShowVisual == 0 {
		t.Error("visual not forwarded to display")
	}
}

func TestRequestGatedOnDisplayConsumption(t *testing.T) {
	h := newHarness(t)
	h.nextSecond()
	h.task.Notif.Set(SigThermalFrame)
	h.task.Notif.Set(SigVisualFail)
	h.task.step()
	h.deadline()
	h.thermal.Steal()
	h.visual.Steal()

	// Display still owns the thermal buffer: only the visual imager
	// is asked again.
	h.nextSecond()
	if m := h.thermal.Steal(); m != 0 {
		t.Error("thermal re-requested while display owns its buffer")
	}
	if m := h.visual.Steal(); m&arducam.ReqCapture == 0 {
		t.Error("visual not requested")
	}

	h.deadline()
	h.task.Notif.Set(SigDispThermalDone)
	h.task.step()
	h.nextSecond()
	if m := h.thermal.Steal(); m&lepton.ReqAcquire == 0 {
		t.Error("thermal not requested after display released it")
	}
}

func TestDeadlineAssemblyVisualOnly(t *testing.T) {
	// Scenario: visual arrives early, thermal misses the 800 ms
	// deadline; the record carries a jpeg and no radiometric data.
	h := newHarness(t)
	h.startRecording(t)
	h.nextSecond()

	vis := h.task.VisualFrame
	copy(vis.Buf[:], []byte{0xff, 0xd8, 0xff, 0xd9})
	vis.Len = 4
	vis.Valid = true
	h.task.Notif.Set(SigVisualFrame)
	h.task.step()

	h.deadline()
	if h.recPayload == nil {
		t.Fatal("no record written at deadline")
	}
	var rec map[string]any
	if err := json.Unmarshal(h.recPayload, &rec); err != nil {
		t.Fatal(err)
	}
	if _, ok := rec["jpeg"]; !ok {
		t.Error("jpeg missing")
	}
	if _, ok := rec["radiometric"]; ok {
		t.Error("radiometric present without a thermal frame")
	}
	md := rec["metadata"].(map[string]any)
	if md["Sequence Number"].(float64) != 1 {
		t.Errorf("sequence = %v, want 1", md["Sequence Number"])
	}
	if _, ok := md["FPA Temp"]; ok {
		t.Error("lepton temps present without a thermal frame")
	}
	if m := h.rec.Steal(); m&record.ReqWriteImage == 0 {
		t.Error("recorder not signalled")
	}
}

func TestSequenceAdvancesPerFile(t *testing.T) {
	h := newHarness(t)
	h.startRecording(t)
	for want := 1; want <= 3; want++ {
		h.nextSecond()
		h.task.Notif.Set(SigThermalFrame)
		h.task.Notif.Set(SigVisualFrame)
		h.task.step()
		h.task.step()
		var rec map[string]any
		if err := json.Unmarshal(h.recPayload, &rec); err != nil {
			t.Fatal(err)
		}
		md := rec["metadata"].(map[string]any)
		if got := int(md["Sequence Number"].(float64)); got != want {
			t.Fatalf("sequence = %d, want %d", got, want)
		}
		h.recPayload = nil
		// The recorder finishes; the display frees the buffers.
		h.task.Notif.Set(SigFileImageDone)
		h.task.Notif.Set(SigDispThermalDone)
		h.task.Notif.Set(SigDispVisualDone)
		h.task.step()
	}
}

func TestRecordIntervalCountdown(t *testing.T) {
	h := newHarness(t)
	if err := h.st.Update(func(c *store.Config) { c.Interval = 5 }); err != nil {
		t.Fatal(err)
	}
	h.task.Notif.Set(SigRecParamsUpdated)
	h.task.step()
	h.startRecording(t)
	writes := 0
	for cycle := 0; cycle < 10; cycle++ {
		h.nextSecond()
		h.task.Notif.Set(SigThermalFrame)
		h.task.Notif.Set(SigVisualFrame)
		h.task.step()
		h.task.step()
		if h.recPayload != nil {
			writes++
			h.recPayload = nil
			h.task.Notif.Set(SigFileImageDone)
		}
		h.task.Notif.Set(SigDispThermalDone)
		h.task.Notif.Set(SigDispVisualDone)
		h.task.step()
	}
	if writes != 2 {
		t.Errorf("writes = %d over 10 cycles at interval 5, want 2", writes)
	}
}

func TestGetImageWhileIdle(t *testing.T) {
	h := newHarness(t)
	h.task.Notif.Set(SigCmdImageRequest)
	h.task.step()
	h.nextSecond()
	h.task.Notif.Set(SigThermalFrame)
	h.task.Notif.Set(SigVisualFrame)
	h.task.step()
	h.task.step() // both received + pending request: assemble now
	if h.respPayload == nil {
		t.Fatal("no response built")
	}
	if h.respPayload[0] != 0x02 || h.respPayload[len(h.respPayload)-1] != 0x03 {
		t.Error("response not framed")
	}
	if m := h.resp.Steal(); m&command.ReqImageReady == 0 {
		t.Error("responder not signalled")
	}
	var rec map[string]any
	if err := json.Unmarshal(h.respPayload[1:len(h.respPayload)-1], &rec); err != nil {
		t.Fatal(err)
	}
	md := rec["metadata"].(map[string]any)
	if md["Sequence Number"].(float64) != 0 {
		t.Errorf("idle sequence = %v, want 0", md["Sequence Number"])
	}
	if md["Camera"].(string) != "firecam-CDEF" {
		t.Errorf("camera = %v", md["Camera"])
	}
}

func TestRefusesRecordWithoutCard(t *testing.T) {
	h := newHarness(t)
	h.card = false
	h.task.Notif.Set(SigCardMissing)
	h.task.step()
	h.task.Notif.Set(SigCmdStartRecord)
	h.task.step()
	if m := h.rec.Steal(); m != 0 {
		t.Error("recorder started without a card")
	}
	if h.task.Recording() {
		t.Error("claims to be recording")
	}
}

func TestAutoResumeOnBoot(t *testing.T) {
	backing := &memBacking{}
	st, err := store.Open(backing, store.Defaults("firecam-CDEF"))
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Update(func(c *store.Config) { c.WasRecording = true }); err != nil {
		t.Fatal(err)
	}
	st.Close()

	h := newHarnessWithBacking(t, backing)
	h.task.step()
	if m := h.rec.Steal(); m&record.ReqStart == 0 {
		t.Error("recording did not auto-resume")
	}
}

func newHarnessWithBacking(t *testing.T, b *memBacking) *harness {
	t.Helper()
	st, err := store.Open(b, store.Defaults("firecam-CDEF"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)
	h := &harness{
		st:       st,
		clock:    &stepClock{t: time.Date(2023, 1, 6, 13, 0, 0, 0, time.UTC)},
		platform: &fakePlatform{},
		wifi:     &fakeWifi{},
		thermal:  notify.New(),
		visual:   notify.New(),
		disp:     notify.New(),
		rec:      notify.New(),
		resp:     notify.New(),
		card:     true,
	}
	h.task = &Task{
		Store:   st,
		Clock:   h.clock,
		Sensors: func() sensors.Status { return sensors.Status{} },
		Version: "2.0",
		Wifi:     h.wifi,
		Platform: h.platform,
		Notif:    notify.New(),
		Peers: Peers{
			Thermal:          h.thermal,
			Visual:           h.visual,
			Display:          h.disp,
			Recorder:         h.rec,
			Responder:        h.resp,
			RecorderPayload:  func(p []byte) { h.recPayload = p },
			ResponderPayload: func(p []byte) { h.respPayload = p },
			CardPresent:      func() bool { return h.card },
		},
		ThermalFrame:  &frame.Thermal{},
		VisualFrame:   &frame.Visual{},
		ShutdownDelay: time.Millisecond,
	}
	h.task.init()
	return h
}

func TestWriteFaultRebootsKeepingFlag(t *testing.T) {
	h := newHarness(t)
	h.startRecording(t)
	if !h.st.Snapshot().WasRecording {
		t.Fatal("flag not set on recording start")
	}
	h.task.Notif.Set(SigFileRecordWriteFailed)
	h.task.step()
	if h.platform.reboots != 1 {
		t.Fatal("no reboot on write fault")
	}
	if !h.st.Snapshot().WasRecording {
		t.Error("auto-resume flag cleared by fault path")
	}
}

func TestCleanStopClearsFlag(t *testing.T) {
	h := newHarness(t)
	h.startRecording(t)
	h.task.Notif.Set(SigCmdStopRecord)
	h.task.step()
	if m := h.rec.Steal(); m&record.ReqStop == 0 {
		t.Fatal("recorder stop not requested")
	}
	if h.st.Snapshot().WasRecording {
		t.Error("flag still set after clean stop")
	}
	h.task.Notif.Set(SigFileRecordStopped)
	h.task.step()
	if h.task.Recording() {
		t.Error("still recording after stopped signal")
	}
}

func TestShutdownSequence(t *testing.T) {
	h := newHarness(t)
	h.startRecording(t)
	h.task.Notif.Set(SigShutdown)
	h.task.step()
	if m := h.disp.Steal(); m&display.ShowPoweroff == 0 {
		t.Error("poweroff screen not requested")
	}
	if m := h.rec.Steal(); m&record.ReqStop == 0 {
		t.Error("recording not stopped on shutdown")
	}
	if h.st.Snapshot().WasRecording {
		t.Error("shutdown left the auto-resume flag set")
	}
	if h.platform.poweroffs != 1 {
		t.Error("hold line not released")
	}
}

func TestWifiRestartOnSignal(t *testing.T) {
	h := newHarness(t)
	h.task.Notif.Set(SigNewWifi)
	h.task.step()
	if h.wifi.restarts != 1 {
		t.Error("wifi not restarted")
	}
}
