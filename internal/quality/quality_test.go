package quality

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/types"
)

func defaultParams() Params {
	return ParamsFrom(config.DefaultTuning().Quality)
}

// checkerboard builds a sharp, mid-brightness image (values alternate between lo and hi).
func checkerboard(w, h int, lo, hi uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := lo
			if (x+y)%2 == 0 {
				v = hi
			}
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func uniform(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
	return img
}

func TestBlurScore(t *testing.T) {
	tests := []struct {
		variance float64
		want     float64
	}{
		{150, 1.0},
		{100, 1.0},
		{75, 0.5},
		{50, 0.5},
		{25, 0.25},
		{0, 0},
	}
	for _, tt := range tests {
		if got := BlurScore(tt.variance); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("BlurScore(%v) = %v, want %v", tt.variance, got, tt.want)
		}
	}
}

func TestBrightnessScore(t *testing.T) {
	p := defaultParams()
	tests := []struct {
		brightness float64
		want       float64
	}{
		{0, 0},
		{25, 0.25},
		{50, 1.0},
		{128, 1.0},
		{200, 1.0},
		{227.5, 0.25},
		{255, 0},
	}
	for _, tt := range tests {
		if got := BrightnessScore(tt.brightness, p); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("BrightnessScore(%v) = %v, want %v", tt.brightness, got, tt.want)
		}
	}
}

func TestLaplacianVariance(t *testing.T) {
	flat := make([]float64, 16)
	for i := range flat {
		flat[i] = 120
	}
	if got := LaplacianVariance(flat, 4, 4); got != 0 {
		t.Errorf("flat plane variance = %v, want 0", got)
	}

	// 4x4 checkerboard of 0/255: interior responses are +-1020 with zero mean
	board := make([]float64, 16)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if (x+y)%2 == 0 {
				board[y*4+x] = 255
			}
		}
	}
	if got := LaplacianVariance(board, 4, 4); math.Abs(got-1020*1020) > 1e-6 {
		t.Errorf("checkerboard variance = %v, want %v", got, 1020.0*1020.0)
	}

	if got := LaplacianVariance([]float64{1, 2, 3, 4}, 2, 2); got != 0 {
		t.Errorf("tiny plane variance = %v, want 0", got)
	}
}

func TestScoreSizePenalty(t *testing.T) {
	img := checkerboard(300, 300, 100, 200)
	p := defaultParams()

	tests := []struct {
		name string
		size float64
		want float64
	}{
		{"Large face", 200, 1.0},
		{"Buffer zone", 120, 0.7},
		{"Below minimum", 80, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box := types.Box{X1: 10, Y1: 10, X2: 10 + tt.size, Y2: 10 + tt.size}
			if got := Score(img, box, p); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreMonotonicInSize(t *testing.T) {
	img := checkerboard(300, 300, 100, 200)
	p := defaultParams()

	prev := math.Inf(1)
	for size := 200.0; size >= 10; size -= 5 {
		box := types.Box{X1: 20, Y1: 20, X2: 20 + size, Y2: 20 + size}
		got := Score(img, box, p)
		if got > prev+1e-12 {
			t.Fatalf("Score increased from %v to %v as size shrank to %v", prev, got, size)
		}
		prev = got
	}
}

func TestScoreDarkAndBlurry(t *testing.T) {
	p := defaultParams()
	box := types.Box{X1: 0, Y1: 0, X2: 200, Y2: 200}

	// Flat, dark image: no texture (blur score 0) so overall 0
	if got := Score(uniform(200, 200, 20), box, p); got != 0 {
		t.Errorf("Score(flat dark) = %v, want 0", got)
	}
}

func TestScoreEmptyCrop(t *testing.T) {
	img := checkerboard(100, 100, 100, 200)
	box := types.Box{X1: 150, Y1: 150, X2: 300, Y2: 300}
	if got := Score(img, box, defaultParams()); got != 0 {
		t.Errorf("Score() for a box outside the image = %v, want 0", got)
	}
	if got := Score(nil, box, defaultParams()); got != 0 {
		t.Errorf("Score(nil) = %v, want 0", got)
	}
}

func TestBrightness(t *testing.T) {
	img := uniform(50, 50, 100)
	got := Brightness(img, types.Box{X1: 0, Y1: 0, X2: 50, Y2: 50})
	if math.Abs(got-100) > 1e-6 {
		t.Errorf("Brightness() = %v, want 100", got)
	}
}

func TestPassesGeometryGate(t *testing.T) {
	p := defaultParams()
	// 640x480 frame: margin = max(4, 480*0.02) = 9.6
	tests := []struct {
		name string
		box  types.Box
		want bool
	}{
		{"Centered face", types.Box{X1: 100, Y1: 100, X2: 200, Y2: 200}, true},
		{"Too small", types.Box{X1: 100, Y1: 100, X2: 180, Y2: 180}, false},
		{"Too short", types.Box{X1: 100, Y1: 100, X2: 200, Y2: 150}, false},
		{"Touching left edge", types.Box{X1: 5, Y1: 100, X2: 105, Y2: 200}, false},
		{"Touching right edge", types.Box{X1: 535, Y1: 100, X2: 635, Y2: 200}, false},
		{"Touching bottom edge", types.Box{X1: 100, Y1: 375, X2: 200, Y2: 475}, false},
		{"Inside margin", types.Box{X1: 10, Y1: 10, X2: 110, Y2: 110}, true},
		{"Swapped corners", types.Box{X1: 200, Y1: 200, X2: 100, Y2: 100}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PassesGeometryGate(tt.box, 640, 480, p); got != tt.want {
				t.Errorf("PassesGeometryGate() = %v, want %v", got, tt.want)
			}
		})
	}
}
