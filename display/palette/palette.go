// Package palette provides the false-color lookup tables for thermal
// rendering. Each palette maps a linearised 8-bit intensity to RGB.
package palette

import "image/color"

// Palette is a 256-entry false-color map.
type Palette struct {
	Name string
	lut  [256]color.RGBA
}

// Map returns the color for a linearised intensity.
func (p *Palette) Map(v uint8) color.RGBA { return p.lut[v] }

type stop struct {
	at      uint8
	r, g, b uint8
}

// gradient builds a LUT by linear interpolation between stops. The
// first stop must be at 0 and the last at 255.
func gradient(name string, stops ...stop) *Palette {
	p := &Palette{Name: name}
	for i := 0; i < len(stops)-1; i++ {
		a, b := stops[i], stops[i+1]
		span := int(b.at) - int(a.at)
		for v := int(a.at); v <= int(b.at); v++ {
			t := 0
			if span > 0 {
				t = (v - int(a.at)) * 255 / span
			}
			lerp := func(x, y uint8) uint8 {
				return uint8(int(x) + (int(y)-int(x))*t/255)
			}
			p.lut[v] = color.RGBA{
				R: lerp(a.r, b.r),
				G: lerp(a.g, b.g),
				B: lerp(a.b, b.b),
				A: 0xff,
			}
		}
	}
	return p
}

var palettes = []*Palette{
	gradient("Grayscale",
		stop{0, 0, 0, 0},
		stop{255, 255, 255, 255}),
	gradient("Fusion",
		stop{0, 12, 0, 36},
		stop{64, 98, 0, 138},
		stop{128, 218, 66, 36},
		stop{192, 255, 162, 36},
		stop{255, 255, 255, 185}),
	gradient("Rainbow",
		stop{0, 1, 3, 74},
		stop{52, 0, 236, 242},
		stop{106, 0, 234, 0},
		stop{158, 255, 255, 0},
		stop{210, 255, 0, 0},
		stop{255, 255, 255, 255}),
	gradient("Rainbow2",
		stop{0, 0, 0, 128},
		stop{64, 0, 128, 255},
		stop{128, 0, 255, 128},
		stop{192, 255, 255, 0},
		stop{255, 255, 0, 0}),
	gradient("Ironblack",
		stop{0, 255, 255, 255},
		stop{64, 128, 60, 160},
		stop{128, 128, 0, 0},
		stop{192, 255, 128, 0},
		stop{255, 0, 0, 0}),
	gradient("Arctic",
		stop{0, 9, 0, 108},
		stop{64, 0, 140, 255},
		stop{128, 120, 220, 220},
		stop{192, 255, 200, 80},
		stop{255, 255, 255, 255}),
}

// Names lists the palettes in index order.
func Names() []string {
	out := make([]string, len(palettes))
	for i, p := range palettes {
		out[i] = p.Name
	}
	return out
}

// ByIndex returns the palette for a stored index, clamping unknown
// values to the first palette.
func ByIndex(i byte) *Palette {
	if int(i) >= len(palettes) {
		return palettes[0]
	}
	return palettes[i]
}

// ByName returns the named palette, or nil.
func ByName(name string) *Palette {
	for _, p := range palettes {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Index returns the stored index for a name, or 0.
func Index(name string) byte {
	for i, p := range palettes {
		if p.Name == name {
			return byte(i)
		}
	}
	return 0
}
