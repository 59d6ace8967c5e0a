// Command firecam is the timelapse camera firmware: it wires the
// hardware drivers to the task fabric and runs until poweroff.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/maruel/interrupt"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/danjulio/firecam/app"
	"github.com/danjulio/firecam/command"
	"github.com/danjulio/firecam/display"
	"github.com/danjulio/firecam/driver/arducam"
	"github.com/danjulio/firecam/driver/ds3232"
	"github.com/danjulio/firecam/driver/lepton"
	"github.com/danjulio/firecam/driver/mcp3008"
	"github.com/danjulio/firecam/frame"
	"github.com/danjulio/firecam/notify"
	"github.com/danjulio/firecam/record"
	"github.com/danjulio/firecam/sensors"
	"github.com/danjulio/firecam/store"
	"github.com/danjulio/firecam/wifi"
)

// Version is reported in status and record metadata.
const Version = "2.0"

var (
	root      = flag.String("root", "/media/card", "removable storage mount point")
	leptonSPI = flag.String("lepton-spi", "SPI1.0", "thermal imager SPI port")
	camSPI    = flag.String("cam-spi", "SPI0.0", "visual imager SPI port")
	adcSPI    = flag.String("adc-spi", "SPI0.1", "ADC SPI port")
	i2cBus    = flag.String("i2c", "", "I2C bus (default: first available)")
	vsyncPin  = flag.String("vsync", "GPIO25", "thermal vsync input")
	buttonPin = flag.String("button", "GPIO27", "power button input")
	holdPin   = flag.String("hold", "GPIO22", "power hold output")
	wifiIface = flag.String("wifi-if", "wlan0", "soft-AP interface")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "firecam: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
	log.Printf("firecam %s loading...", Version)
	interrupt.HandleCtrlC()

	if _, err := host.Init(); err != nil {
		return err
	}

	lepConn, err := openSPI(*leptonSPI, 16*physic.MegaHertz, spi.Mode3)
	if err != nil {
		return fmt.Errorf("lepton spi: %w", err)
	}
	camConn, err := openSPI(*camSPI, 8*physic.MegaHertz, spi.Mode0)
	if err != nil {
		return fmt.Errorf("cam spi: %w", err)
	}
	adcConn, err := openSPI(*adcSPI, physic.MegaHertz, spi.Mode0)
	if err != nil {
		return fmt.Errorf("adc spi: %w", err)
	}
	bus, err := i2creg.Open(*i2cBus)
	if err != nil {
		return fmt.Errorf("i2c: %w", err)
	}

	vsync := gpioreg.ByName(*vsyncPin)
	button := gpioreg.ByName(*buttonPin)
	hold := gpioreg.ByName(*holdPin)
	if vsync == nil || button == nil || hold == nil {
		return fmt.Errorf("gpio lookup failed")
	}
	if err := hold.Out(gpio.High); err != nil {
		return fmt.Errorf("hold pin: %w", err)
	}
	if err := button.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return fmt.Errorf("button pin: %w", err)
	}
	if err := vsync.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return fmt.Errorf("vsync pin: %w", err)
	}

	// The RTC doubles as the persistent store's backing SRAM.
	clock := ds3232.New(bus)
	st, err := store.Open(clock, store.Defaults(wifi.DefaultSSID(ifaceMAC(*wifiIface))))
	if err != nil {
		return err
	}
	defer st.Close()

	// Shared buffers, created once and handed around by signal.
	thermalBuf := &frame.Thermal{}
	visualBuf := &frame.Visual{}

	// Per-activity notifiers.
	appNotif := notify.New()
	thermalReq := notify.New()
	visualReq := notify.New()
	displayReq := notify.New()
	recorderReq := notify.New()
	responderReq := notify.New()

	// The visual SPI bus is shared with the display; a single lock
	// covers whole multi-transaction interactions.
	var vspi sync.Mutex

	cci := lepton.NewCCI(bus)
	lep, err := lepton.New(lepConn, vsync, cci)
	if err != nil {
		return err
	}
	cam, err := arducam.New(camConn, &vspi, bus)
	if err != nil {
		return err
	}

	thermalTask := &lepton.Task{
		Dev: lep, Frame: thermalBuf,
		Req: thermalReq, Done: appNotif,
		OK: app.SigThermalFrame, Fail: app.SigThermalFail,
	}
	visualTask := &arducam.Task{
		Dev: cam, Frame: visualBuf,
		Req: visualReq, Done: appNotif,
		OK: app.SigVisualFrame, Fail: app.SigVisualFail,
	}

	sampler := &sensors.Task{
		ADC:      mcp3008.New(adcConn, 3.3),
		Button:   button,
		Done:     appNotif,
		Shutdown: app.SigShutdown,
	}

	recorder := &record.Task{
		Root:  *root,
		Clock: rtcClock{clock},
		Probe: cardProbe(*root),
		Req:   recorderReq,
		Signals: record.Signals{
			Done:        appNotif,
			CardPresent: app.SigCardPresent,
			CardMissing: app.SigCardMissing,
			Started:     app.SigFileRecordStarted,
			StartFailed: app.SigFileRecordStartFailed,
			Stopped:     app.SigFileRecordStopped,
			WriteFailed: app.SigFileRecordWriteFailed,
			ImageDone:   app.SigFileImageDone,
		},
	}

	displayTask := &display.Task{
		Visual:      visualBuf,
		Thermal:     thermalBuf,
		Out:         newScreen(&vspi),
		Palette:     paletteFromStore(st),
		Req:         displayReq,
		Done:        appNotif,
		VisualDone:  app.SigDispVisualDone,
		ThermalDone: app.SigDispThermalDone,
	}

	orch := &app.Task{
		Store:    st,
		Clock:    rtcClock{clock},
		Sensors:  sampler.Snapshot,
		Version:  Version,
		Wifi:     newWifiRestarter(*wifiIface),
		Platform: platform{hold: hold},
		Notif:    appNotif,
		Peers: app.Peers{
			Thermal:   thermalReq,
			Visual:    visualReq,
			Display:   displayReq,
			Recorder:  recorderReq,
			Responder: responderReq,
			CardPresent: func() bool {
				return recorder.CardPresent()
			},
		},
		ThermalFrame: thermalBuf,
		VisualFrame:  visualBuf,
	}

	responder := &command.Task{
		Store:     st,
		Sensors:   sampler.Snapshot,
		Clock:     rtcClock{clock},
		Version:   Version,
		Recording: orch.Recording,
		Signals: command.OrchSignals{
			Orch:          appNotif,
			StartRecord:   app.SigCmdStartRecord,
			StopRecord:    app.SigCmdStopRecord,
			ImageRequest:  app.SigCmdImageRequest,
			ImageDone:     app.SigCmdImageDone,
			Poweroff:      app.SigShutdown,
			NewWifi:       app.SigNewWifi,
			ParamsUpdated: app.SigRecParamsUpdated,
		},
		Req: responderReq,
	}
	orch.Peers.RecorderPayload = func(p []byte) { recorder.Payload = p }
	orch.Peers.ResponderPayload = func(p []byte) { responder.Response = p }

	stop := make(chan struct{})
	go thermalTask.Run()
	go visualTask.Run()
	go sampler.Run(stop)
	go recorder.Run()
	go displayTask.Run()
	go func() {
		if err := responder.ListenAndServe(); err != nil {
			log.Printf("firecam: %v", err)
		}
	}()
	go watchCard(appNotif)
	go func() {
		<-interrupt.Channel
		appNotif.Set(app.SigShutdown)
	}()

	// The orchestrator owns the main loop; it returns only on
	// poweroff or reboot.
	orch.Run()
	close(stop)
	responder.Close()
	thermalReq.Set(lepton.ReqStop)
	visualReq.Set(arducam.ReqStop)
	recorderReq.Set(record.ReqQuit)
	displayReq.Set(display.ReqQuit)
	return nil
}

func openSPI(name string, f physic.Frequency, mode spi.Mode) (spi.Conn, error) {
	port, err := spireg.Open(name)
	if err != nil {
		return nil, err
	}
	return port.Connect(f, mode, 8)
}

func ifaceMAC(name string) net.HardwareAddr {
	ifc, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return ifc.HardwareAddr
}

// rtcClock adapts the DS3232 to the Clock interface, falling back to
// system time when the chip is unreadable.
type rtcClock struct {
	dev *ds3232.Dev
}

func (c rtcClock) Now() time.Time {
	t, err := c.dev.Now()
	if err != nil {
		return time.Now()
	}
	return t
}

func (c rtcClock) Set(t time.Time) error {
	return c.dev.Set(t)
}
