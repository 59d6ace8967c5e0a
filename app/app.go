// Package app is the orchestrator: the one-hertz frame assembly loop,
// the fan-out of each assembled frame to its consumers, and the
// recording state machine. Every other activity reports here through
// the orchestrator's signal bitset.
package app

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/danjulio/firecam/command"
	"github.com/danjulio/firecam/display"
	"github.com/danjulio/firecam/driver/arducam"
	"github.com/danjulio/firecam/driver/lepton"
	"github.com/danjulio/firecam/frame"
	"github.com/danjulio/firecam/notify"
	"github.com/danjulio/firecam/record"
	"github.com/danjulio/firecam/rtc"
	"github.com/danjulio/firecam/sensors"
	"github.com/danjulio/firecam/store"
	"github.com/danjulio/firecam/wifi"
)

// Signals consumed by the orchestrator.
const (
	SigShutdown notify.Mask = 1 << iota
	SigNewWifi
	SigCardPresent
	SigCardMissing
	SigRecordButton
	SigCmdStartRecord
	SigCmdStopRecord
	SigThermalFrame
	SigThermalFail
	SigVisualFrame
	SigVisualFail
	SigDispThermalDone
	SigDispVisualDone
	SigFileRecordStarted
	SigFileRecordStartFailed
	SigFileRecordStopped
	SigFileRecordWriteFailed
	SigFileImageDone
	SigCmdImageRequest
	SigCmdImageDone
	SigRecParamsUpdated
)

// Platform is the power-control collaborator.
type Platform interface {
	// PowerOff releases the hold line. It may never return: the user
	// could still be pressing the button that keeps the rails up.
	PowerOff()
	// Reboot restarts the system without touching persistent state.
	Reboot()
}

// Peers wires the orchestrator to the other activities.
type Peers struct {
	Thermal   *notify.Notifier // lepton task requests
	Visual    *notify.Notifier // arducam task requests
	Display   *notify.Notifier // display task requests
	Recorder  *notify.Notifier // recorder task requests
	Responder *notify.Notifier // responder wake (image ready)

	// RecorderPayload hands the record text buffer to the recorder
	// before ReqWriteImage is raised.
	RecorderPayload func([]byte)
	// ResponderPayload stores the framed record in the response
	// buffer before ReqImageReady is raised.
	ResponderPayload func([]byte)

	CardPresent func() bool
}

type recState int

const (
	recIdle recState = iota
	recStarting
	recRecording
	recStopping
)

type cycleState int

const (
	waitTOS cycleState = iota
	waitImage
)

type imagerState int

const (
	imgIdle imagerState = iota
	imgPending
	imgReceived
	imgFailed
)

// Task is the orchestrator activity.
type Task struct {
	Store    *store.Store
	Clock    rtc.Clock
	Sensors  func() sensors.Status
	Version  string
	Wifi     wifi.Restarter
	Platform Platform

	Notif *notify.Notifier
	Peers Peers

	ThermalFrame *frame.Thermal
	VisualFrame  *frame.Visual

	// Tick is the loop period; AssemblyDeadline bounds one cycle's
	// wait for the imagers; ShutdownDelay lets the poweroff screen
	// paint.
	Tick             time.Duration
	AssemblyDeadline time.Duration
	ShutdownDelay    time.Duration

	cfg store.Config

	cycle   cycleState
	lastSec int64
	elapsed time.Duration

	thermal imagerState
	visual  imagerState

	// The display owns an imager buffer from frame-signal to done.
	thermalShown bool
	visualShown  bool

	rec             recState
	recActive       atomic.Bool // mirror of rec for cross-task reads
	recorderIdle    bool
	cardIn          bool
	seq             uint
	intervalCount   int
	imageRequest    bool
	responsePending bool

	done bool
}

func (t *Task) init() {
	if t.Tick == 0 {
		t.Tick = 50 * time.Millisecond
	}
	if t.AssemblyDeadline == 0 {
		t.AssemblyDeadline = 800 * time.Millisecond
	}
	if t.ShutdownDelay == 0 {
		t.ShutdownDelay = 1500 * time.Millisecond
	}
	t.cfg = t.Store.Snapshot()
	t.cardIn = t.Peers.CardPresent()
	t.lastSec = t.Clock.Now().Unix()

	// Recording auto-resumes across crashes: a set flag means the
	// last session ended in a fault, not a stop.
	if t.cfg.WasRecording {
		log.Printf("app: auto-resuming recording")
		t.Notif.Set(SigCmdStartRecord)
	}
}

// Run drives the orchestrator until shutdown or reboot.
func (t *Task) Run() {
	t.init()
	tick := time.NewTicker(t.Tick)
	defer tick.Stop()
	for !t.done {
		<-tick.C
		t.step()
	}
}

// step is one 50 ms tick: drain signals, then advance the cycle
// machine.
func (t *Task) step() {
	m := t.Notif.Steal()
	if m != 0 {
		t.handleSignals(m)
		if t.done {
			return
		}
	}
	switch t.cycle {
	case waitTOS:
		now := t.Clock.Now().Unix()
		if now == t.lastSec {
			return
		}
		t.lastSec = now
		t.startCycle()
	case waitImage:
		t.elapsed += t.Tick
		if t.cycleComplete() || t.elapsed >= t.AssemblyDeadline {
			t.assemble()
			t.cycle = waitTOS
		}
	}
}

// startCycle requests a frame from each imager whose previous frame
// the display has consumed.
func (t *Task) startCycle() {
	t.cycle = waitImage
	t.elapsed = 0
	if !t.thermalShown {
		t.thermal = imgPending
		t.Peers.Thermal.Set(lepton.ReqAcquire)
	} else {
		t.thermal = imgIdle
	}
	if !t.visualShown {
		t.visual = imgPending
		t.Peers.Visual.Set(arducam.ReqCapture)
	} else {
		t.visual = imgIdle
	}
}

// cycleComplete reports whether both imagers have delivered and a
// downstream consumer is ready for the frame right now. Anything
// short of that waits for the assembly deadline.
func (t *Task) cycleComplete() bool {
	if t.thermal != imgReceived || t.visual != imgReceived {
		return false
	}
	return (t.rec == recRecording && t.recorderIdle) || t.imageRequest
}

func (t *Task) handleSignals(m notify.Mask) {
	if m&SigShutdown != 0 {
		t.shutdown()
		return
	}
	if m&SigFileRecordWriteFailed != 0 {
		// Stop and reboot; the auto-resume flag is already set so
		// the next boot picks the session back up.
		log.Printf("app: record write failed, rebooting")
		t.setRec(recIdle)
		t.done = true
		t.Platform.Reboot()
		return
	}
	if m&SigNewWifi != 0 {
		t.cfg = t.Store.Snapshot()
		if err := t.Wifi.Restart(t.cfg.Wifi); err != nil {
			log.Printf("app: wifi restart: %v", err)
		}
	}
	if m&SigCardPresent != 0 {
		t.cardIn = true
	}
	if m&SigCardMissing != 0 {
		t.cardIn = false
	}
	if m&SigRecParamsUpdated != 0 {
		t.cfg = t.Store.Snapshot()
	}
	if m&SigThermalFrame != 0 {
		t.thermal = imgReceived
		t.thermalShown = true
		t.Peers.Display.Set(display.ShowThermal)
	}
	if m&SigThermalFail != 0 {
		t.thermal = imgFailed
	}
	if m&SigVisualFrame != 0 {
		t.visual = imgReceived
		t.visualShown = true
		t.Peers.Display.Set(display.ShowVisual)
	}
	if m&SigVisualFail != 0 {
		t.visual = imgFailed
	}
	if m&SigDispThermalDone != 0 {
		t.thermalShown = false
	}
	if m&SigDispVisualDone != 0 {
		t.visualShown = false
	}
	if m&SigRecordButton != 0 {
		if t.rec == recIdle {
			t.startRecording()
		} else if t.rec == recRecording {
			t.stopRecording()
		}
	}
	if m&SigCmdStartRecord != 0 && t.rec == recIdle {
		t.startRecording()
	}
	if m&SigCmdStopRecord != 0 && t.rec == recRecording {
		t.stopRecording()
	}
	if m&SigFileRecordStarted != 0 && t.rec == recStarting {
		t.setRec(recRecording)
		t.recorderIdle = true
		t.seq = 1
		t.intervalCount = 0
		if err := t.Store.Update(func(c *store.Config) { c.WasRecording = true }); err != nil {
			log.Printf("app: %v", err)
		}
	}
	if m&SigFileRecordStartFailed != 0 && t.rec == recStarting {
		log.Printf("app: recording start failed")
		t.setRec(recIdle)
	}
	if m&SigFileRecordStopped != 0 && t.rec == recStopping {
		t.setRec(recIdle)
	}
	if m&SigFileImageDone != 0 {
		t.recorderIdle = true
	}
	if m&SigCmdImageRequest != 0 {
		t.imageRequest = true
	}
	if m&SigCmdImageDone != 0 {
		t.responsePending = false
	}
}

func (t *Task) startRecording() {
	if !t.cardIn {
		log.Printf("app: no card, refusing to record")
		return
	}
	t.setRec(recStarting)
	t.Peers.Recorder.Set(record.ReqStart)
}

func (t *Task) stopRecording() {
	t.setRec(recStopping)
	t.Peers.Recorder.Set(record.ReqStop)
	if err := t.Store.Update(func(c *store.Config) { c.WasRecording = false }); err != nil {
		log.Printf("app: %v", err)
	}
}

// Recording reports whether a session is active; the responder calls
// it from its own goroutine for get_status.
func (t *Task) Recording() bool {
	return t.recActive.Load()
}

func (t *Task) setRec(s recState) {
	t.rec = s
	t.recActive.Store(s == recRecording || s == recStarting)
}

// assemble runs the end-of-cycle fan-out: build the composite record
// and hand it to whichever consumers are due.
func (t *Task) assemble() {
	recording := t.rec == recRecording

	var vis *frame.Visual
	if t.visual == imgReceived && (!recording || t.cfg.RecordVisual) {
		vis = t.VisualFrame
	}
	var th *frame.Thermal
	if t.thermal == imgReceived && (!recording || t.cfg.RecordThermal) {
		th = t.ThermalFrame
	}

	if !recording && !t.imageRequest {
		return
	}

	seq := uint(0)
	if recording {
		seq = t.seq
	}
	rec := frame.Build(t.metadata(seq), vis, th)

	if recording {
		t.intervalCount++
		if t.intervalCount >= t.cfg.Interval && t.recorderIdle {
			body, err := rec.Encode()
			if err != nil {
				log.Printf("app: encode record: %v", err)
			} else {
				t.intervalCount = 0
				t.recorderIdle = false
				t.seq++
				t.Peers.RecorderPayload(body)
				t.Peers.Recorder.Set(record.ReqWriteImage)
			}
		}
	}

	if t.imageRequest {
		framed, err := rec.EncodeFramed()
		if err != nil {
			log.Printf("app: encode response: %v", err)
		} else {
			t.imageRequest = false
			t.responsePending = true
			t.Peers.ResponderPayload(framed)
			t.Peers.Responder.Set(command.ReqImageReady)
		}
	}
}

func (t *Task) metadata(seq uint) frame.Metadata {
	now := t.Clock.Now()
	st := t.Sensors()
	return frame.Metadata{
		Camera:   t.cfg.Wifi.APSSID,
		Version:  t.Version,
		Sequence: seq,
		Time:     frame.FormatTime(now),
		Date:     frame.FormatDate(now),
		Battery:  st.BatteryVolts,
		Charge:   st.Charge.String(),
	}
}

// shutdown aborts recording cleanly, lets the display paint its
// poweroff screen, then drops the hold line.
func (t *Task) shutdown() {
	log.Printf("app: shutting down")
	if t.rec == recRecording || t.rec == recStarting {
		t.stopRecording()
	}
	t.Peers.Display.Set(display.ShowPoweroff)
	time.Sleep(t.ShutdownDelay)
	t.done = true
	t.Platform.PowerOff()
}
