package arducam

import (
	"log"

	"github.com/danjulio/firecam/frame"
	"github.com/danjulio/firecam/notify"
)

// Request bits understood by the task.
const (
	ReqCapture notify.Mask = 1 << iota
	ReqStop
)

// Task runs the visual driver as its own activity, mirroring the
// thermal side: one capture request in, exactly one ok or fail bit
// out.
type Task struct {
	Dev   *Dev
	Frame *frame.Visual

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
		if m&ReqCapture == 0 {
			continue
		}
		if err := t.Dev.Capture(t.Frame); err != nil {
			log.Printf("arducam: %v", err)
			t.Done.Set(t.Fail)
			continue
		}
		t.Done.Set(t.OK)
	}
}
