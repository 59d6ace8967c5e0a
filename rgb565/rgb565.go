// Package rgb565 implements the 16-bit RGB565 framebuffer format the
// display pipeline renders into.
package rgb565

import (
	"image"
	"image/color"
)

// Image stores packed RGB565 pixels.
type Image struct {
	Pix    []uint16
	Stride int
	Rect   image.Rectangle
}

func New(r image.Rectangle) *Image {
	return &Image{
		Pix:    make([]uint16, r.Dx()*r.Dy()),
		Stride: r.Dx(),
		Rect:   r,
	}
}

func (p *Image) Bounds() image.Rectangle { return p.Rect }

func (p *Image) ColorModel() color.Model { return color.RGBAModel }

func (p *Image) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x - p.Rect.Min.X)
}

func (p *Image) At(x, y int) color.Color {
	if !(image.Point{x, y}).In(p.Rect) {
		return color.RGBA{}
	}
	r, g, b := To888(p.Pix[p.PixOffset(x, y)])
	return color.RGBA{A: 0xff, R: r, G: g, B: b}
}

func (p *Image) Set(x, y int, c color.Color) {
	if !(image.Point{x, y}).In(p.Rect) {
		return
	}
	r, g, b, _ := c.RGBA()
	p.Pix[p.PixOffset(x, y)] = From888(uint8(r>>8), uint8(g>>8), uint8(b>>8))
}

// SetRGB565 stores a pre-packed pixel.
func (p *Image) SetRGB565(x, y int, v uint16) {
	if !(image.Point{x, y}).In(p.Rect) {
		return
	}
	p.Pix[p.PixOffset(x, y)] = v
}

// Fill sets every pixel to the packed value.
func (p *Image) Fill(v uint16) {
	for i := range p.Pix {
		p.Pix[i] = v
	}
}

// From888 packs 8-bit channels into 5-6-5.
func From888(r, g, b uint8) uint16 {
	return uint16(b)>>3 | uint16(g&0xfc)<<3 | uint16(r&0xf8)<<8
}

// To888 unpacks with bit replication so full white stays full white.
func To888(v uint16) (r, g, b uint8) {
	r = uint8(v>>8) & 0xf8
	r |= r >> 5
	g = uint8(v>>3) & 0xfc
	g |= g >> 6
	b = uint8(v << 3)
	b |= b >> 5
	return
}
