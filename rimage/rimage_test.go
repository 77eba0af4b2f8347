package rimage

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/fogleman/gg"
	"go.viam.com/test"
)

func TestEncodeJPEG(t *testing.T) {
	_, err := EncodeJPEG(nil, 80)
	test.That(t, err, test.ShouldNotBeNil)

	img := image.NewRGBA(image.Rect(0, 0, 16, 9))
	data, err := EncodeJPEG(img, 0)
	test.That(t, err, test.ShouldBeNil)
	decoded, err := jpeg.Decode(bytes.NewReader(data))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, decoded.Bounds(), test.ShouldResemble, img.Bounds())
}

func TestCrop(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 100, 50))
	crop := Crop(img, image.Rect(90, 40, 150, 80))
	test.That(t, crop.Bounds(), test.ShouldResemble, image.Rect(90, 40, 100, 50))

	// Images without SubImage are copied.
	uniform := image.NewUniform(color.White)
	test.That(t, Crop(uniform, image.Rect(0, 0, 3, 3)).Bounds().Dx(), test.ShouldEqual, 3)
}

func TestDraw(t *testing.T) {
	dc := gg.NewContext(100, 60)
	DrawRectangleEmpty(dc, image.Rect(10, 10, 50, 40), color.RGBA{R: 255, A: 255}, 2)
	r, _, _, a := dc.Image().At(10, 25).RGBA()
	test.That(t, a, test.ShouldBeGreaterThan, 0)
	test.That(t, r, test.ShouldBeGreaterThan, 0)

	DrawLabel(dc, "A1", image.Pt(60, 5), color.White, color.Black, 12)
	_, _, _, a = dc.Image().At(61, 6).RGBA()
	test.That(t, a, test.ShouldBeGreaterThan, 0)

	DrawString(dc, "Free: 1/2", image.Pt(0, 45), color.White, 10)
	test.That(t, Font(), test.ShouldNotBeNil)
}
