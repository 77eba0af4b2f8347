package classification

import (
	"context"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// DefaultThreshold is the number of foreground pixels at which a slot counts as occupied.
const DefaultThreshold = 850

// ThresholdConfig tunes the foreground extraction.
type ThresholdConfig struct {
	// BlurRadius is the gaussian sigma applied before thresholding.
	BlurRadius float64
	// BlockSize is the side of the neighborhood used for the local mean. Must be odd.
	BlockSize int
	// Offset is subtracted from the local mean.
	Offset int
	// DilateSize is the side of the square dilation kernel. Zero or one disables it.
	DilateSize int
}

// NewForegroundPreprocessor returns a Preprocessor that marks edges and texture as white on a
// black background: grayscale, blur, inverted local-mean threshold, dilate.
func NewForegroundPreprocessor(cfg ThresholdConfig) (Preprocessor, error) {
	staged, err := NewForegroundStages(cfg)
	if err != nil {
		return nil, err
	}
	return func(img image.Image) image.Image {
		mask, _ := staged(img)
		return mask
	}, nil
}

// NewForegroundStages is NewForegroundPreprocessor keeping the blurred grayscale image and the
// mask before dilation.
func NewForegroundStages(cfg ThresholdConfig) (StagedPreprocessor, error) {
	if cfg.BlockSize < 3 || cfg.BlockSize%2 == 0 {
		return nil, errors.Errorf("block size must be odd and at least 3, got %d", cfg.BlockSize)
	}
	if cfg.BlurRadius < 0 || cfg.DilateSize < 0 {
		return nil, errors.New("blur radius and dilate size must not be negative")
	}
	return func(img image.Image) (image.Image, Stages) {
		gray := imaging.Grayscale(img)
		if cfg.BlurRadius > 0 {
			gray = imaging.Blur(gray, cfg.BlurRadius)
		}
		grayscale := toGray(gray)
		threshold := adaptiveThresholdInv(grayscale, cfg.BlockSize, cfg.Offset)
		mask := threshold
		if cfg.DilateSize > 1 {
			mask = dilate(threshold, cfg.DilateSize)
		}
		return mask, Stages{Grayscale: grayscale, Threshold: threshold}
	}, nil
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.SetGray(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray))
		}
	}
	return out
}

// adaptiveThresholdInv sets a pixel to 255 when it is darker than the mean of its block minus
// offset. Borders use the part of the block inside the image.
func adaptiveThresholdInv(src *image.Gray, block, offset int) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	// integral image with a zero row and column.
	sum := make([]int64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var row int64
		for x := 0; x < w; x++ {
			row += int64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			sum[(y+1)*(w+1)+x+1] = sum[y*(w+1)+x+1] + row
		}
	}
	half := block / 2
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		y0, y1 := max(0, y-half), min(h, y+half+1)
		for x := 0; x < w; x++ {
			x0, x1 := max(0, x-half), min(w, x+half+1)
			total := sum[y1*(w+1)+x1] - sum[y0*(w+1)+x1] - sum[y1*(w+1)+x0] + sum[y0*(w+1)+x0]
			mean := total / int64((y1-y0)*(x1-x0))
			if int64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y) <= mean-int64(offset) {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}

func dilate(src *image.Gray, size int) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	half := size / 2
	out := image.NewGray(src.Bounds())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if src.Pix[y*src.Stride+x] == 0 {
				continue
			}
			for dy := max(0, y-half); dy < min(h, y+half+1); dy++ {
				for dx := max(0, x-half); dx < min(w, x+half+1); dx++ {
					out.Pix[dy*out.Stride+dx] = 255
				}
			}
		}
	}
	return out
}

// PixelCount counts the non-zero pixels of a crop of a foreground mask.
type PixelCount struct {
	Threshold int
}

// NewPixelCount returns a PixelCount classifier.
func NewPixelCount(threshold int) (*PixelCount, error) {
	if threshold <= 0 {
		return nil, errors.Errorf("threshold must be positive, got %d", threshold)
	}
	return &PixelCount{Threshold: threshold}, nil
}

// Classify reports the crop occupied when it has at least Threshold foreground pixels. The
// confidence grows with the distance from the threshold.
func (pc *PixelCount) Classify(ctx context.Context, crop image.Image) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if crop.Bounds().Empty() {
		return Result{}, errors.New("empty crop")
	}
	count := CountNonZero(crop)
	return Result{
		Occupied:   count >= pc.Threshold,
		Confidence: math.Min(1, math.Abs(float64(count-pc.Threshold))/float64(pc.Threshold)),
	}, nil
}

// CountNonZero counts the pixels of img that are not black.
func CountNonZero(img image.Image) int {
	b := img.Bounds()
	count := 0
	if g, ok := img.(*image.Gray); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := g.Pix[g.PixOffset(b.Min.X, y):g.PixOffset(b.Max.X, y)]
			for _, v := range row {
				if v != 0 {
					count++
				}
			}
		}
		return count
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y != 0 {
				count++
			}
		}
	}
	return count
}
