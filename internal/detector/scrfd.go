package detector

import (
	"fmt"
	"image"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/engine"
	"github.com/andresmejia3/rollcall/internal/geometry"
	"github.com/andresmejia3/rollcall/internal/types"
	"golang.org/x/image/draw"
)

const (
	pixelMean = 127.5
	pixelStd  = 128.0
)

type Options struct {
	InputWidth     int
	InputHeight    int
	ScoreThreshold float64
	NMSIoU         float64
}

func OptionsFrom(t config.DetectionTuning) Options {
	return Options{
		InputWidth:     t.InputWidth,
		InputHeight:    t.InputHeight,
		ScoreThreshold: t.ScoreThreshold,
		NMSIoU:         t.NMSIoU,
	}
}

// SCRFD adapts an SCRFD-style face detection model served by an engine.Runtime.
// It is meant to be driven from a single goroutine; the letterbox canvas and tensor buffer are reused.
type SCRFD struct {
	rt     engine.Runtime
	status engine.ModelStatus
	opts   atomic.Pointer[Options]
	log    *slog.Logger

	canvas *image.RGBA
	input  []float32
}

// NewSCRFD loads the model once. If loading fails the detector stays usable but returns no detections.
func NewSCRFD(rt engine.Runtime, model string, opts Options, log *slog.Logger) *SCRFD {
	if log == nil {
		log = slog.Default()
	}
	d := &SCRFD{rt: rt, log: log.With("component", "detector")}
	d.opts.Store(&opts)
	d.status = engine.LoadModel(rt, model)
	if !d.status.OK() {
		d.log.Warn("detector model unavailable, running without detections", "model", model, "state", d.status.State, "err", d.status.Err)
	}
	return d
}

func (d *SCRFD) Status() engine.ModelStatus { return d.status }

// SetOptions swaps the thresholds; safe to call from any goroutine.
func (d *SCRFD) SetOptions(o Options) { d.opts.Store(&o) }

func (d *SCRFD) Detect(img image.Image) (dets []types.Detection) {
	if !d.status.OK() || img == nil || img.Bounds().Empty() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("detection panicked", "panic", r)
			dets = nil
		}
	}()

	opts := *d.opts.Load()
	if d.canvas == nil || d.canvas.Bounds().Dx() != opts.InputWidth || d.canvas.Bounds().Dy() != opts.InputHeight {
		d.canvas = image.NewRGBA(image.Rect(0, 0, opts.InputWidth, opts.InputHeight))
		d.input = make([]float32, 3*opts.InputWidth*opts.InputHeight)
	}

	lb := Letterbox(img, d.canvas)
	ToTensor(d.canvas, pixelMean, pixelStd, d.input)

	outputs, err := d.rt.Run(d.status.Model, engine.Tensor{
		Shape: []int{1, 3, opts.InputHeight, opts.InputWidth},
		Data:  d.input,
	})
	if err != nil {
		d.log.Error("detection failed", "err", err)
		return nil
	}

	dets, err = Postprocess(outputs, lb, opts)
	if err != nil {
		d.log.Warn("could not decode detector outputs", "err", err)
		return nil
	}
	return dets
}

// Close releases the scratch buffers. The runtime belongs to whoever created it.
func (d *SCRFD) Close() error {
	d.canvas = nil
	d.input = nil
	return nil
}

// LetterboxInfo describes how a source image was fitted into the model input.
type LetterboxInfo struct {
	Scale  float64
	PadX   int
	PadY   int
	Width  int // source width
	Height int // source height
}

// Letterbox scales img into canvas preserving aspect ratio, centered on a black background.
func Letterbox(img image.Image, canvas *image.RGBA) LetterboxInfo {
	sb := img.Bounds()
	cw, ch := canvas.Bounds().Dx(), canvas.Bounds().Dy()

	scale := math.Min(float64(cw)/float64(sb.Dx()), float64(ch)/float64(sb.Dy()))
	sw := int(float64(sb.Dx()) * scale)
	sh := int(float64(sb.Dy()) * scale)
	padX := (cw - sw) / 2
	padY := (ch - sh) / 2

	draw.Draw(canvas, canvas.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.BiLinear.Scale(canvas, image.Rect(padX, padY, padX+sw, padY+sh), img, sb, draw.Src, nil)

	return LetterboxInfo{Scale: scale, PadX: padX, PadY: padY, Width: sb.Dx(), Height: sb.Dy()}
}

// ToTensor writes img as planar RGB (NCHW, batch 1) normalized as (p - mean) / std.
func ToTensor(img *image.RGBA, mean, std float32, out []float32) []float32 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	if len(out) < 3*plane {
		out = make([]float32, 3*plane)
	}
	for y := 0; y < h; y++ {
		off := img.PixOffset(img.Bounds().Min.X, img.Bounds().Min.Y+y)
		for x := 0; x < w; x++ {
			p := img.Pix[off+x*4:]
			i := y*w + x
			out[i] = (float32(p[0]) - mean) / std
			out[plane+i] = (float32(p[1]) - mean) / std
			out[2*plane+i] = (float32(p[2]) - mean) / std
		}
	}
	return out[:3*plane]
}

// Postprocess turns raw score/box(/landmark) tensors into detections in source coordinates.
// Outputs are located by name first and by position (scores, then boxes) as a fallback.
func Postprocess(outputs []engine.Output, lb LetterboxInfo, opts Options) ([]types.Detection, error) {
	var scores, boxes, kps []float32
	for _, o := range outputs {
		name := strings.ToLower(o.Name)
		switch {
		case strings.Contains(name, "score") || strings.Contains(name, "conf"):
			scores = o.Data
		case strings.Contains(name, "box"):
			boxes = o.Data
		case strings.Contains(name, "kps") || strings.Contains(name, "landmark"):
			kps = o.Data
		}
	}
	if scores == nil || boxes == nil {
		if len(outputs) < 2 {
			return nil, fmt.Errorf("could not find scores and boxes among %d outputs", len(outputs))
		}
		scores, boxes = outputs[0].Data, outputs[1].Data
	}
	if lb.Scale <= 0 {
		return nil, fmt.Errorf("invalid letterbox scale %f", lb.Scale)
	}

	n := len(scores)
	stride := 4
	if len(boxes) < n*4 {
		stride = len(boxes) / max(n, 1)
	}
	hasKps := len(kps) >= n*10

	w, h := float64(lb.Width), float64(lb.Height)
	unmapX := func(v float32) float64 { return clamp((float64(v)-float64(lb.PadX))/lb.Scale, 0, w) }
	unmapY := func(v float32) float64 { return clamp((float64(v)-float64(lb.PadY))/lb.Scale, 0, h) }

	dets := make([]types.Detection, 0)
	for i := 0; i < n; i++ {
		score := float64(scores[i])
		if score < opts.ScoreThreshold {
			continue
		}
		off := i * stride
		if stride < 4 || off+3 >= len(boxes) {
			continue
		}

		box := types.Box{
			X1: unmapX(boxes[off]),
			Y1: unmapY(boxes[off+1]),
			X2: unmapX(boxes[off+2]),
			Y2: unmapY(boxes[off+3]),
		}
		if box.X2 <= box.X1 || box.Y2 <= box.Y1 {
			continue
		}

		det := types.Detection{Box: box, Score: score}
		if hasKps {
			det.Landmarks = make([]types.Point, 5)
			for k := 0; k < 5; k++ {
				det.Landmarks[k] = types.Point{X: unmapX(kps[i*10+2*k]), Y: unmapY(kps[i*10+2*k+1])}
			}
		}
		dets = append(dets, det)
	}

	return geometry.NMS(dets, opts.NMSIoU), nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
