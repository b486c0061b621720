package cmd

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"strings"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/detector"
	"github.com/andresmejia3/rollcall/internal/engine"
	"github.com/andresmejia3/rollcall/internal/recognizer"
	"github.com/andresmejia3/rollcall/internal/types"
	"golang.org/x/image/draw"
)

// models bundles the inference engine with both adapters.
type models struct {
	worker *engine.Worker
	det    *detector.SCRFD
	rec    *recognizer.ArcFace
}

// startModels spawns the engine process and loads both models. A failing model does not
// stop startup; its adapter reports degraded status instead.
func startModels(cfg *config.Config, t *config.Tuning, log *slog.Logger) (*models, error) {
	if log == nil {
		log = slog.Default()
	}
	args := strings.Fields(cfg.Engine.Command)
	if len(args) == 0 {
		return nil, errors.New("engine command is empty")
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting inference engine...")
	w, err := engine.NewWorker(0, args[0], args[1:]...)
	if err != nil {
		return nil, err
	}
	w.Timeout = cfg.Engine.Timeout

	m := &models{
		worker: w,
		det:    detector.NewSCRFD(w, cfg.Engine.DetectorModel, detector.OptionsFrom(t.Detection), log),
		rec:    recognizer.NewArcFace(w, cfg.Engine.RecognizerModel, t.Recognition.InputSize, t.Recognition.EmbeddingDim, log),
	}
	for _, st := range []engine.ModelStatus{m.det.Status(), m.rec.Status()} {
		if st.OK() {
			fmt.Fprintf(os.Stderr, "🧠 Loaded %s\n", st.Model)
		} else {
			fmt.Fprintf(os.Stderr, "⚠️  %s\n", st.Message())
		}
	}
	return m, nil
}

// ready reports an error when either model is unusable, for one-shot commands that need both.
func (m *models) ready() error {
	var errs []error
	for _, st := range []engine.ModelStatus{m.det.Status(), m.rec.Status()} {
		if !st.OK() {
			errs = append(errs, errors.New(st.Message()))
		}
	}
	return errors.Join(errs...)
}

func (m *models) Close() error {
	return m.worker.Close()
}

// loadImage decodes a still image (JPEG or PNG) into RGBA.
func loadImage(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba, nil
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst, nil
}

// largestFace picks the detection with the biggest box, or false when there is none.
func largestFace(dets []types.Detection) (types.Detection, bool) {
	if len(dets) == 0 {
		return types.Detection{}, false
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Box.Area() > best.Box.Area() {
			best = d
		}
	}
	return best, true
}
