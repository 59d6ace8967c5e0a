package main

import (
	"image"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"periph.io/x/conn/v3/gpio"

	"github.com/danjulio/firecam/app"
	"github.com/danjulio/firecam/display"
	"github.com/danjulio/firecam/display/palette"
	"github.com/danjulio/firecam/notify"
	"github.com/danjulio/firecam/rgb565"
	"github.com/danjulio/firecam/store"
	"github.com/danjulio/firecam/wifi"
)

// platform is the power-control collaborator.
type platform struct {
	hold gpio.PinOut
}

// PowerOff drops the hold line and parks; the user may still be
// pressing the button that keeps the rails alive.
func (p platform) PowerOff() {
	log.Printf("firecam: power off")
	if err := p.hold.Out(gpio.Low); err != nil {
		log.Printf("firecam: hold line: %v", err)
	}
	select {}
}

// screen hands the rendered frames to the GUI, which blits them to
// the LCD. The front buffers are guarded by the shared VSPI lock so
// a blit never interleaves with the camera's FIFO drain.
type screen struct {
	bus     *sync.Mutex
	visual  *rgb565.Image
	thermal *rgb565.Image
	off     bool
}

func newScreen(bus *sync.Mutex) *screen {
	r := image.Rect(0, 0, display.Width, display.Height)
	return &screen{
		bus:     bus,
		visual:  rgb565.New(r),
		thermal: rgb565.New(r),
	}
}

func (s *screen) DrawVisual(img *rgb565.Image) {
	s.bus.Lock()
	copy(s.visual.Pix, img.Pix)
	s.bus.Unlock()
}

func (s *screen) DrawThermal(img *rgb565.Image) {
	s.bus.Lock()
	copy(s.thermal.Pix, img.Pix)
	s.bus.Unlock()
}

func (s *screen) Poweroff() {
	s.bus.Lock()
	s.visual.Fill(0)
	s.thermal.Fill(0)
	s.off = true
	s.bus.Unlock()
}

func paletteFromStore(st *store.Store) func() *palette.Palette {
	return func() *palette.Palette {
		return palette.ByIndex(st.Snapshot().Palette)
	}
}

// hostWifi applies a new Wi-Fi configuration: it sets the interface
// link up or down and restarts the supplicant or the access point
// daemon. The configuration is not validated here.
type hostWifi struct {
	iface string
}

func newWifiRestarter(iface string) wifi.Restarter {
	return hostWifi{iface: iface}
}

func (h hostWifi) Restart(cfg wifi.Config) error {
	mode := "AP"
	if cfg.ClientMode() {
		mode = "client"
	}
	log.Printf("wifi: reinitialising %s as %s ssid=%q enabled=%v",
		h.iface, mode, cfg.APSSID, cfg.Enabled())
	return restartWifi(h.iface, cfg)
}

// cardDevice is the removable card's device node.
const cardDevice = "mmcblk0"

// watchCard feeds prompt card insert/remove edges to the
// orchestrator. The recorder's slow probe remains authoritative for
// the steady state.
func watchCard(n *notify.Notifier) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("firecam: card watcher: %v", err)
		return
	}
	defer w.Close()
	if err := w.Add("/dev"); err != nil {
		log.Printf("firecam: card watcher: %v", err)
		return
	}
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Name != "/dev/"+cardDevice {
				continue
			}
			switch {
			case ev.Op&fsnotify.Create != 0:
				n.Set(app.SigCardPresent)
			case ev.Op&fsnotify.Remove != 0:
				n.Set(app.SigCardMissing)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Printf("firecam: card watcher: %v", err)
		}
	}
}
