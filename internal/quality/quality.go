package quality

import (
	"image"
	"math"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/types"
)

// Params are the quality knobs taken from the tuning profile.
type Params struct {
	MinFaceSize     float64
	EdgeMarginRatio float64
	MinBrightness   float64
	MaxBrightness   float64
}

func ParamsFrom(t config.QualityTuning) Params {
	return Params{
		MinFaceSize:     t.MinFaceSize,
		EdgeMarginRatio: t.EdgeMarginRatio,
		MinBrightness:   t.MinBrightness,
		MaxBrightness:   t.MaxBrightness,
	}
}

const (
	sharpVariance  = 100.0
	blurryVariance = 50.0
)

// Score rates a face crop in [0,1] by multiplying a size penalty, a blur score and a brightness score.
// A box that does not intersect the image scores 0.
func Score(img image.Image, box types.Box, p Params) float64 {
	score := 1.0

	w, h := box.Width(), box.Height()
	if w < p.MinFaceSize || h < p.MinFaceSize {
		score *= 0.3
	} else if w < p.MinFaceSize*1.5 {
		score *= 0.7
	}

	gray, cw, ch := crop(img, box)
	if gray == nil {
		return 0
	}

	score *= BlurScore(LaplacianVariance(gray, cw, ch))
	score *= BrightnessScore(mean(gray), p)

	return clamp01(score)
}

// BlurScore maps a Laplacian variance onto [0,1]; sharp faces are above 100, blurry ones below 50.
func BlurScore(variance float64) float64 {
	var s float64
	switch {
	case variance > sharpVariance:
		s = 1.0
	case variance > blurryVariance:
		s = (variance - blurryVariance) / (sharpVariance - blurryVariance)
	default:
		s = variance / blurryVariance * 0.5
	}
	return clamp01(s)
}

// BrightnessScore is 1 inside [MinBrightness, MaxBrightness] and falls off linearly towards 0 outside it.
func BrightnessScore(brightness float64, p Params) float64 {
	var s float64
	switch {
	case brightness < p.MinBrightness:
		s = brightness / p.MinBrightness * 0.5
	case brightness > p.MaxBrightness:
		s = (255 - brightness) / (255 - p.MaxBrightness) * 0.5
	default:
		s = 1.0
	}
	return clamp01(s)
}

// LaplacianVariance convolves a grayscale plane with the 8-neighbour Laplacian kernel
// and returns the variance of the response. Planes smaller than 3x3 yield 0.
func LaplacianVariance(gray []float64, w, h int) float64 {
	if w < 3 || h < 3 || len(gray) < w*h {
		return 0
	}

	n := (w - 2) * (h - 2)
	resp := make([]float64, 0, n)
	var sum float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := y*w + x
			v := 8*gray[c] -
				gray[c-w-1] - gray[c-w] - gray[c-w+1] -
				gray[c-1] - gray[c+1] -
				gray[c+w-1] - gray[c+w] - gray[c+w+1]
			resp = append(resp, v)
			sum += v
		}
	}

	m := sum / float64(n)
	var variance float64
	for _, v := range resp {
		d := v - m
		variance += d * d
	}
	return variance / float64(n)
}

// Brightness is the mean luma of the box clipped to the image, or 0 if the clip is empty.
func Brightness(img image.Image, box types.Box) float64 {
	gray, _, _ := crop(img, box)
	if gray == nil {
		return 0
	}
	return mean(gray)
}

// PassesGeometryGate rejects faces that are too small or too close to the frame border.
func PassesGeometryGate(box types.Box, frameW, frameH int, p Params) bool {
	x1, x2 := min(box.X1, box.X2), max(box.X1, box.X2)
	y1, y2 := min(box.Y1, box.Y2), max(box.Y1, box.Y2)

	if x2-x1 < p.MinFaceSize || y2-y1 < p.MinFaceSize {
		return false
	}

	fw, fh := float64(frameW), float64(frameH)
	margin := math.Max(4, math.Min(fw, fh)*p.EdgeMarginRatio)
	if x1 < margin || y1 < margin || x2 > fw-margin || y2 > fh-margin {
		return false
	}
	return true
}

// crop converts the box region (clipped to the image) to a luma plane.
func crop(img image.Image, box types.Box) ([]float64, int, int) {
	if img == nil {
		return nil, 0, 0
	}
	b := img.Bounds()
	r := image.Rect(
		b.Min.X+int(math.Max(0, box.X1)),
		b.Min.Y+int(math.Max(0, box.Y1)),
		b.Min.X+int(math.Min(float64(b.Dx()), box.X2)),
		b.Min.Y+int(math.Min(float64(b.Dy()), box.Y2)),
	).Intersect(b)
	if r.Empty() {
		return nil, 0, 0
	}

	w, h := r.Dx(), r.Dy()
	gray := make([]float64, w*h)

	// Fast path for the RGBA frames the frame source produces
	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < h; y++ {
			off := rgba.PixOffset(r.Min.X, r.Min.Y+y)
			for x := 0; x < w; x++ {
				i := off + x*4
				gray[y*w+x] = luma(float64(rgba.Pix[i]), float64(rgba.Pix[i+1]), float64(rgba.Pix[i+2]))
			}
		}
		return gray, w, h
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			cr, cg, cb, _ := img.At(r.Min.X+x, r.Min.Y+y).RGBA()
			gray[y*w+x] = luma(float64(cr>>8), float64(cg>>8), float64(cb>>8))
		}
	}
	return gray, w, h
}

func luma(r, g, b float64) float64 {
	return 0.299*r + 0.587*g + 0.114*b
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
