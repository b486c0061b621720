package recognizer

import (
	"image"
	"log/slog"
	"strings"

	"github.com/andresmejia3/rollcall/internal/detector"
	"github.com/andresmejia3/rollcall/internal/engine"
	"golang.org/x/image/draw"
)

const (
	pixelMean = 127.5
	pixelStd  = 127.5
)

// ArcFace adapts an ArcFace-style embedding model served by an engine.Runtime.
// Like the detector it is driven from a single goroutine and reuses its scratch buffers.
type ArcFace struct {
	rt        engine.Runtime
	status    engine.ModelStatus
	inputSize int
	dim       int
	log       *slog.Logger

	crop  *image.RGBA
	input []float32
}

func NewArcFace(rt engine.Runtime, model string, inputSize, dim int, log *slog.Logger) *ArcFace {
	if log == nil {
		log = slog.Default()
	}
	r := &ArcFace{
		rt:        rt,
		inputSize: inputSize,
		dim:       dim,
		log:       log.With("component", "recognizer"),
	}
	r.status = engine.LoadModel(rt, model)
	if !r.status.OK() {
		r.log.Warn("recognizer model unavailable, every face will be unmatched", "model", model, "state", r.status.State, "err", r.status.Err)
	}
	return r
}

func (r *ArcFace) Status() engine.ModelStatus { return r.status }

func (r *ArcFace) Embed(face image.Image) (vec []float32) {
	if !r.status.OK() || face == nil || face.Bounds().Empty() {
		return make([]float32, r.dim)
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("embedding panicked", "panic", p)
			vec = make([]float32, r.dim)
		}
	}()

	src, ok := face.(*image.RGBA)
	if !ok || src.Bounds().Dx() != r.inputSize || src.Bounds().Dy() != r.inputSize {
		if r.crop == nil {
			r.crop = image.NewRGBA(image.Rect(0, 0, r.inputSize, r.inputSize))
		}
		draw.BiLinear.Scale(r.crop, r.crop.Bounds(), face, face.Bounds(), draw.Src, nil)
		src = r.crop
	}
	r.input = detector.ToTensor(src, pixelMean, pixelStd, r.input)

	outputs, err := r.rt.Run(r.status.Model, engine.Tensor{
		Shape: []int{1, 3, r.inputSize, r.inputSize},
		Data:  r.input,
	})
	if err != nil {
		r.log.Error("embedding failed", "err", err)
		return make([]float32, r.dim)
	}

	out, ok := engine.Find(outputs, func(name string) bool {
		n := strings.ToLower(name)
		return strings.Contains(n, "embed") || strings.Contains(n, "feat") || strings.Contains(n, "fc1")
	})
	if !ok && len(outputs) > 0 {
		out, ok = outputs[0], true
	}
	if !ok || len(out.Data) != r.dim {
		r.log.Warn("unexpected embedding output", "outputs", len(outputs), "len", len(out.Data), "want", r.dim)
		return make([]float32, r.dim)
	}
	return Normalize(out.Data)
}

func (r *ArcFace) Close() error {
	r.crop = nil
	r.input = nil
	return nil
}
