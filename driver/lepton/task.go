package lepton

import (
	"log"

	"github.com/danjulio/firecam/frame"
	"github.com/danjulio/firecam/notify"
)

// Request bits understood by the task.
const (
	ReqAcquire notify.Mask = 1 << iota
	ReqStop
)

// Task runs the thermal driver as its own activity: it waits for an
// acquire request, fills the shared frame slot and signals the
// orchestrator with exactly one of the ok or fail bits.
type Task struct {
	Dev   *Dev
	Frame *frame.Thermal

	Req  *notify.Notifier
	Done *notify.Notifier
	OK   notify.Mask
	Fail notify.Mask
}

func (t *Task) Run() {
	for {
		m, _ := t.Req.Wait(-1)
		if m&ReqStop != 0 {
			return
		}
		if m&ReqAcquire == 0 {
			continue
		}
		if err := t.Dev.Acquire(t.Frame); err != nil {
			log.Printf("lepton: %v", err)
			t.Done.Set(t.Fail)
			continue
		}
		t.Done.Set(t.OK)
	}
}
