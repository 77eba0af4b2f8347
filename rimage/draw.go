// Package rimage holds the image helpers of the pipeline: drawing overlays, cropping and encoding.
package rimage

import (
	"image"
	"image/color"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

var (
	ttf   *truetype.Font
	faces sync.Map // float64 size -> font.Face
)

// init sets up the fonts we want to use.
func init() {
	var err error
	ttf, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Font returns the font we use for drawing.
func Font() *truetype.Font {
	return ttf
}

// face returns a face of the given size. Faces are cached since building one parses glyph
// metrics.
func face(size float64) font.Face {
	if f, ok := faces.Load(size); ok {
		return f.(font.Face)
	}
	f, _ := faces.LoadOrStore(size, truetype.NewFace(Font(), &truetype.Options{Size: size}))
	return f.(font.Face)
}

// DrawString writes a string to the given context with its top-left corner at p.
func DrawString(dc *gg.Context, text string, p image.Point, c color.Color, size float64) {
	dc.SetFontFace(face(size))
	dc.SetColor(c)
	dc.DrawStringAnchored(text, float64(p.X), float64(p.Y), 0, 1)
}

// DrawLabel writes text on a filled box whose top-left corner is p.
func DrawLabel(dc *gg.Context, text string, p image.Point, fg, bg color.Color, size float64) {
	dc.SetFontFace(face(size))
	w, h := dc.MeasureString(text)
	const pad = 2
	dc.SetColor(bg)
	dc.DrawRectangle(float64(p.X), float64(p.Y), w+2*pad, h+2*pad)
	dc.Fill()
	dc.SetColor(fg)
	dc.DrawStringAnchored(text, float64(p.X)+pad, float64(p.Y)+pad, 0, 1)
}

// DrawRectangleEmpty draws the outline of r with the given line width.
func DrawRectangleEmpty(dc *gg.Context, r image.Rectangle, c color.Color, width float64) {
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()
}
