// Package display renders the shared image buffers for the screen:
// JPEG decode and scale for the visual imager, min-max linearisation
// and palette lookup for the thermal imager. The GUI consumes the
// rendered buffers through the Output interface and is otherwise not
// this package's concern.
package display

import (
	"bytes"
	"image"
	"image/jpeg"
	"log"

	xdraw "golang.org/x/image/draw"

	"github.com/danjulio/firecam/display/palette"
	"github.com/danjulio/firecam/frame"
	"github.com/danjulio/firecam/notify"
	"github.com/danjulio/firecam/rgb565"
)

// Screen dimensions.
const (
	Width  = 320
	Height = 240
)

// Request bits owned by the display.
const (
	ShowVisual notify.Mask = 1 << iota
	ShowThermal
	ShowPoweroff
	ReqQuit
)

// Output is the screen collaborator. Implementations blit the
// rendered buffer; they must not retain it past the call.
type Output interface {
	DrawVisual(*rgb565.Image)
	DrawThermal(*rgb565.Image)
	Poweroff()
}

// Task is the display activity.
type Task struct {
	Visual  *frame.Visual
	Thermal *frame.Thermal
	Out     Output

	// Palette returns the active false-color map, usually from the
	// parameter store snapshot.
	Palette func() *palette.Palette

	Req  *notify.Notifier
	Done *notify.Notifier

	VisualDone  notify.Mask
	ThermalDone notify.Mask

	visBuf *rgb565.Image
	thBuf  *rgb565.Image
}

func (t *Task) Run() {
	t.visBuf = rgb565.New(image.Rect(0, 0, Width, Height))
	t.thBuf = rgb565.New(image.Rect(0, 0, Width, Height))
	for {
		m, _ := t.Req.Wait(-1)
		if m&ReqQuit != 0 {
			return
		}
		if m&ShowPoweroff != 0 {
			t.Out.Poweroff()
			continue
		}
		if m&ShowVisual != 0 {
			t.renderVisual()
			t.Done.Set(t.VisualDone)
		}
		if m&ShowThermal != 0 {
			t.renderThermal()
			t.Done.Set(t.ThermalDone)
		}
	}
}

func (t *Task) renderVisual() {
	img, err := jpeg.Decode(bytes.NewReader(t.Visual.Bytes()))
	if err != nil {
		log.Printf("display: jpeg decode: %v", err)
		return
	}
	xdraw.ApproxBiLinear.Scale(t.visBuf, t.visBuf.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	t.Out.DrawVisual(t.visBuf)
}

func (t *Task) renderThermal() {
	src := RenderThermal(t.Thermal, t.Palette())
	xdraw.NearestNeighbor.Scale(t.thBuf, t.thBuf.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	t.Out.DrawThermal(t.thBuf)
}

// RenderThermal linearises the radiometric frame between its own
// minimum and maximum and maps it through the palette at sensor
// resolution. The telemetry row is excluded from the statistics and
// painted as the frame minimum.
func RenderThermal(f *frame.Thermal, pal *palette.Palette) *image.RGBA {
	pix := f.Pix[:len(f.Pix)-frame.TelemetryWords]
	min, max := pix[0], pix[0]
	for _, v := range pix {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	span := int(max) - int(min)
	img := image.NewRGBA(image.Rect(0, 0, frame.ThermalWidth, frame.ThermalHeight))
	for y := 0; y < frame.ThermalHeight; y++ {
		for x := 0; x < frame.ThermalWidth; x++ {
			i := y*frame.ThermalWidth + x
			v := min
			if i < len(pix) {
				v = pix[i]
			}
			var lv uint8
			if span > 0 {
				lv = uint8((int(v) - int(min)) * 255 / span)
			}
			img.SetRGBA(x, y, pal.Map(lv))
		}
	}
	return img
}
