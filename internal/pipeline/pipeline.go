package pipeline

import (
	"errors"
	"image"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/rollcall/internal/align"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/detector"
	"github.com/andresmejia3/rollcall/internal/engine"
	"github.com/andresmejia3/rollcall/internal/quality"
	"github.com/andresmejia3/rollcall/internal/recognizer"
	"github.com/andresmejia3/rollcall/internal/roster"
	"github.com/andresmejia3/rollcall/internal/tracker"
	"github.com/andresmejia3/rollcall/internal/types"
)

type Status string

const (
	StatusAnalyzing Status = "ANALYZING"
	StatusConfirmed Status = "CONFIRMED"
)

// TrackRecognition is the per-track outcome of one frame.
type TrackRecognition struct {
	TrackID       int       `json:"trackId"`
	Box           types.Box `json:"box"`
	Status        Status    `json:"status"`
	StudentID     string    `json:"studentId,omitempty"`
	Name          string    `json:"name,omitempty"`
	Distance      float64   `json:"distance"`
	Confidence    float64   `json:"confidence"`
	Quality       float64   `json:"quality"`
	Votes         int       `json:"votes"`
	RequiredVotes int       `json:"requiredVotes"`
	Window        int       `json:"window"`
}

type FrameResult struct {
	At         time.Time          `json:"at"`
	Detections int                `json:"detections"`
	Tracks     []TrackRecognition `json:"tracks"`
	Elapsed    time.Duration      `json:"elapsed"`
}

// Confirmed returns the tracks whose votes reached a confirmed identity.
func (r FrameResult) Confirmed() []TrackRecognition {
	var out []TrackRecognition
	for _, t := range r.Tracks {
		if t.Status == StatusConfirmed {
			out = append(out, t)
		}
	}
	return out
}

type Options struct {
	ThresholdMode config.ThresholdMode
	QualityMin    float64
	Logger        *slog.Logger
}

// Pipeline runs detect, gate, align, embed, match and vote on one frame at a time.
// ProcessFrame calls are serialized; settings can be changed from any goroutine.
type Pipeline struct {
	det    detector.Detector
	rec    recognizer.Recognizer
	roster roster.Holder

	tuning     atomic.Pointer[config.Tuning]
	mode       atomic.Value // config.ThresholdMode
	qualityMin atomic.Uint64

	mu       sync.Mutex
	tracker  *tracker.Tracker
	applied  *config.Tuning
	qparams  quality.Params
	degraded []string

	log *slog.Logger
	now func() time.Time
}

type statusReporter interface {
	Status() engine.ModelStatus
}

type optionsSetter interface {
	SetOptions(detector.Options)
}

func New(det detector.Detector, rec recognizer.Recognizer, t *config.Tuning, opts Options) *Pipeline {
	if t == nil {
		t = config.DefaultTuning()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.ThresholdMode == "" {
		opts.ThresholdMode = config.ModeNormal
	}
	if opts.QualityMin == 0 {
		opts.QualityMin = t.Quality.MinScore
	}

	p := &Pipeline{
		det:     det,
		rec:     rec,
		tracker: tracker.New(tracker.ParamsFrom(*t)),
		applied: t,
		qparams: quality.ParamsFrom(t.Quality),
		log:     log.With("component", "pipeline"),
		now:     time.Now,
	}
	p.tuning.Store(t)
	p.mode.Store(opts.ThresholdMode)
	p.SetQualityMin(opts.QualityMin)

	for _, c := range []any{det, rec} {
		if r, ok := c.(statusReporter); ok {
			if msg := r.Status().Message(); msg != "" {
				p.degraded = append(p.degraded, msg)
			}
		}
	}
	for _, msg := range p.degraded {
		p.log.Warn("running degraded", "reason", msg)
	}
	return p
}

// SetClock replaces the time source, for tests.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

func (p *Pipeline) SetThresholdMode(m config.ThresholdMode) { p.mode.Store(m) }

func (p *Pipeline) ThresholdMode() config.ThresholdMode {
	return p.mode.Load().(config.ThresholdMode)
}

func (p *Pipeline) SetQualityMin(v float64) { p.qualityMin.Store(math.Float64bits(v)) }

func (p *Pipeline) QualityMin() float64 { return math.Float64frombits(p.qualityMin.Load()) }

// SetTuning swaps the tuning profile; it takes effect at the next frame.
func (p *Pipeline) SetTuning(t *config.Tuning) {
	if t != nil {
		p.tuning.Store(t)
	}
}

func (p *Pipeline) Tuning() *config.Tuning { return p.tuning.Load() }

func (p *Pipeline) SetRoster(s *roster.Snapshot) { p.roster.Store(s) }

func (p *Pipeline) Roster() *roster.Snapshot { return p.roster.Load() }

// Degraded lists the model problems found at construction time.
func (p *Pipeline) Degraded() []string {
	return append([]string(nil), p.degraded...)
}

// Reset forgets all tracks and votes.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracker.Clear()
}

// ClearAll forgets tracks and the roster.
func (p *Pipeline) ClearAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracker.Clear()
	p.roster.Clear()
}

func (p *Pipeline) Close() error {
	var errs []error
	if p.det != nil {
		errs = append(errs, p.det.Close())
	}
	if p.rec != nil {
		errs = append(errs, p.rec.Close())
	}
	return errors.Join(errs...)
}

// ProcessFrame runs one frame through the pipeline. It never panics; an unexpected failure
// yields an empty result and the tracker keeps whatever state it had.
func (p *Pipeline) ProcessFrame(img image.Image) (res FrameResult) {
	start := p.now()
	res.At = start
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("frame processing panicked", "panic", r)
			res = FrameResult{At: start}
		}
	}()
	if img == nil || img.Bounds().Empty() {
		return res
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.applyTuning()
	threshold := t.DistanceThreshold(p.ThresholdMode())
	qmin := p.QualityMin()
	snap := p.roster.Load()

	dets := p.det.Detect(img)
	assigns := p.tracker.Update(dets)
	res.Detections = len(dets)

	seen := make(map[int]bool, len(assigns))
	for _, a := range assigns {
		seen[a.TrackID] = true
		id, dist, q := p.recognize(img, dets[a.Detection], t, snap, threshold, qmin)
		p.tracker.Vote(a.TrackID, id, dist, q, start)
	}
	for _, id := range p.tracker.Active() {
		if !seen[id] {
			p.tracker.Vote(id, "", 1, 0, start)
		}
	}

	for _, st := range p.tracker.VotingStates(threshold) {
		res.Tracks = append(res.Tracks, p.recognition(st, snap, t))
	}
	res.Elapsed = p.now().Sub(start)
	return res
}

// recognize produces the vote for a single detection. Any failure is a null vote.
func (p *Pipeline) recognize(img image.Image, d types.Detection, t *config.Tuning, snap *roster.Snapshot, threshold, qmin float64) (id string, dist, q float64) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("face recognition failed", "panic", r)
			id, dist, q = "", 1, 0
		}
	}()

	b := img.Bounds()
	if !quality.PassesGeometryGate(d.Box, b.Dx(), b.Dy(), p.qparams) {
		return "", 1, 0
	}
	q = quality.Score(img, d.Box, p.qparams)
	if q < qmin {
		return "", 1, q
	}
	if snap.Len() == 0 {
		return "", 1, q
	}

	face, err := align.Face(img, d.Landmarks, d.Box, t.Recognition.InputSize)
	if err != nil {
		p.log.Debug("alignment failed", "err", err)
		return "", 1, q
	}
	m := roster.Match(snap, p.rec.Embed(face), threshold, t.Recognition.DistanceMargin)
	return m.StudentID, m.Distance, q
}

func (p *Pipeline) recognition(st tracker.VotingState, snap *roster.Snapshot, t *config.Tuning) TrackRecognition {
	tr := TrackRecognition{
		TrackID:       st.TrackID,
		Box:           st.Box,
		Status:        StatusAnalyzing,
		StudentID:     st.StudentID,
		Distance:      1,
		Quality:       st.LastQuality,
		Votes:         st.Support,
		RequiredVotes: t.Voting.RequiredMatches,
		Window:        t.Voting.Window,
	}
	if st.StudentID != "" {
		tr.Distance = st.MeanDistance
		tr.Name = snap.Name(st.StudentID)
	}
	if st.Confirmed {
		tr.Status = StatusConfirmed
	}
	tr.Confidence = math.Max(0, math.Min(1, 1-tr.Distance))
	return tr
}

// applyTuning picks up a swapped tuning profile. Called with p.mu held.
func (p *Pipeline) applyTuning() *config.Tuning {
	t := p.tuning.Load()
	if t == p.applied {
		return t
	}
	p.tracker.SetParams(tracker.ParamsFrom(*t))
	p.qparams = quality.ParamsFrom(t.Quality)
	if s, ok := p.det.(optionsSetter); ok {
		s.SetOptions(detector.OptionsFrom(t.Detection))
	}
	p.applied = t
	p.log.Info("tuning applied")
	return t
}
