package pipeline

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/samber/lo"

	"go.spotsense.io/slotwatch/layout"
	"go.spotsense.io/slotwatch/rimage"
	"go.spotsense.io/slotwatch/slots"
)

var (
	colorFree     = color.RGBA{R: 0, G: 200, B: 0, A: 255}
	colorOccupied = color.RGBA{R: 220, G: 0, B: 0, A: 255}
	colorUnknown  = color.RGBA{R: 128, G: 128, B: 128, A: 255}
	colorBanner   = color.RGBA{R: 0, G: 0, B: 0, A: 180}
)

const (
	outlineWidth = 2
	labelSize    = 12
	bannerSize   = 20
)

// annotate draws every slot of l over a copy of img, colored by its state, and a banner with the
// number of free slots. Slots in failed are drawn as unknown.
func annotate(img image.Image, l *layout.Layout, states []slots.State, failed map[string]bool) image.Image {
	dc := gg.NewContextForImage(img)
	byID := lo.SliceToMap(states, func(s slots.State) (string, slots.State) { return s.ID, s })

	for _, d := range l.Slots() {
		c := colorUnknown
		if st, ok := byID[d.ID]; ok && st.Known && !failed[d.ID] {
			c = colorFree
			if st.Occupied {
				c = colorOccupied
			}
		}
		rimage.DrawRectangleEmpty(dc, d.Rect, c, outlineWidth)
		rimage.DrawLabel(dc, d.ID, d.Rect.Min.Add(image.Pt(outlineWidth, outlineWidth)), color.White, c, labelSize)
	}

	counts := slots.CountStates(states)
	rimage.DrawLabel(dc, fmt.Sprintf("Free: %d/%d", counts.Available, counts.Total), image.Pt(10, 10),
		color.White, colorBanner, bannerSize)
	return dc.Image()
}

// outline draws the slot rectangles over a copy of the processed frame.
func outline(processed image.Image, l *layout.Layout) image.Image {
	dc := gg.NewContextForImage(processed)
	for _, d := range l.Slots() {
		rimage.DrawRectangleEmpty(dc, d.Rect, colorUnknown, 1)
	}
	return dc.Image()
}
