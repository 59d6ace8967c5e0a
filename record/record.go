// Package record is the file recorder: it tracks card presence,
// owns the session directory lifecycle and writes one JSON file per
// image record.
package record

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/danjulio/firecam/notify"
	"github.com/danjulio/firecam/rtc"
)

// Request bits owned by the recorder.
const (
	ReqStart notify.Mask = 1 << iota
	ReqStop
	ReqWriteImage
	ReqQuit
)

// writeChunk bounds a single underlying write call, giving the
// filesystem driver room to progress between bursts.
const writeChunk = 4096

// groupSize is the maximum number of files per group subdirectory.
// Grouping keeps directory scans cheap; consumers use only the flat
// sequence ordering.
const groupSize = 100

// probeInterval is how often card presence is checked while idle.
// Probing is suspended during recording; a spuriously failing probe
// would race a legitimate write.
const probeInterval = 2 * time.Second

// Signals delivers the recorder's outcomes to the orchestrator.
type Signals struct {
	Done *notify.Notifier

	CardPresent notify.Mask
	CardMissing notify.Mask
	Started     notify.Mask
	StartFailed notify.Mask
	Stopped     notify.Mask
	WriteFailed notify.Mask
	ImageDone   notify.Mask
}

// Task is the recorder activity. Payload is the shared image-text
// buffer: the orchestrator owns it from assembly to ReqWriteImage,
// the recorder from ReqWriteImage to ImageDone.
type Task struct {
	Root    string
	Clock   rtc.Clock
	Probe   func() error // returns an error when the card is absent
	Req     *notify.Notifier
	Signals Signals

	Payload []byte

	sessionDir string
	seq        int
	lastGroup  int
	recording  bool
	cardIn     bool
}

// SessionName renders the session directory name for a start time.
func SessionName(t time.Time) string {
	return fmt.Sprintf("session_%02d_%02d_%02d_%02d_%02d_%02d",
		t.Year()%100, int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
}

// CardPresent reports the last probed state.
func (t *Task) CardPresent() bool { return t.cardIn }

func (t *Task) probe() error {
	if t.Probe != nil {
		return t.Probe()
	}
	_, err := os.Stat(t.Root)
	return err
}

// Run services requests until ReqQuit.
func (t *Task) Run() {
	t.checkCard()
	for {
		timeout := probeInterval
		if t.recording {
			timeout = -1
		}
		m, ok := t.Req.Wait(timeout)
		if !ok {
			t.checkCard()
			continue
		}
		if m&ReqQuit != 0 {
			return
		}
		if m&ReqStart != 0 {
			t.start()
		}
		if m&ReqWriteImage != 0 {
			t.writeImage()
		}
		if m&ReqStop != 0 {
			t.stop()
		}
	}
}

func (t *Task) checkCard() {
	in := t.probe() == nil
	if in == t.cardIn {
		return
	}
	t.cardIn = in
	if in {
		log.Printf("record: card inserted")
		t.Signals.Done.Set(t.Signals.CardPresent)
	} else {
		log.Printf("record: card removed")
		t.Signals.Done.Set(t.Signals.CardMissing)
	}
}

func (t *Task) start() {
	dir := filepath.Join(t.Root, SessionName(t.Clock.Now()))
	// A directory left over from the same second is reused.
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("record: start: %v", err)
		t.Signals.Done.Set(t.Signals.StartFailed)
		return
	}
	t.sessionDir = dir
	t.seq = 1
	t.lastGroup = -1
	t.recording = true
	t.cardIn = true
	log.Printf("record: session %s", dir)
	t.Signals.Done.Set(t.Signals.Started)
}

func (t *Task) stop() {
	if !t.recording {
		return
	}
	t.recording = false
	t.sessionDir = ""
	t.Signals.Done.Set(t.Signals.Stopped)
}

func (t *Task) writeImage() {
	if !t.recording {
		return
	}
	if err := t.writeFile(t.Payload); err != nil {
		log.Printf("record: write %d: %v", t.seq, err)
		t.recording = false
		t.Signals.Done.Set(t.Signals.WriteFailed)
		return
	}
	t.seq++
	t.Signals.Done.Set(t.Signals.ImageDone)
}

func (t *Task) writeFile(p []byte) error {
	group := (t.seq - 1) / groupSize
	gdir := filepath.Join(t.sessionDir, fmt.Sprintf("group_%04d", group))
	if group != t.lastGroup {
		if err := os.MkdirAll(gdir, 0o755); err != nil {
			return err
		}
		t.lastGroup = group
	}
	name := filepath.Join(gdir, fmt.Sprintf("img_%05d.json", t.seq))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	for len(p) > 0 {
		n := len(p)
		if n > writeChunk {
			n = writeChunk
		}
		if _, err := f.Write(p[:n]); err != nil {
			f.Close()
			return err
		}
		p = p[n:]
	}
	return f.Close()
}
