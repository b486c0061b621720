package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed tuning.yaml
var defaultTuningYAML []byte

// ThresholdMode selects one of the cosine-distance cutoffs used for roster matching and confirmation.
type ThresholdMode string

const (
	ModeStrict  ThresholdMode = "strict"
	ModeNormal  ThresholdMode = "normal"
	ModeLenient ThresholdMode = "lenient"
)

func ParseThresholdMode(s string) (ThresholdMode, error) {
	switch m := ThresholdMode(s); m {
	case ModeStrict, ModeNormal, ModeLenient:
		return m, nil
	}
	return "", fmt.Errorf("unknown threshold mode %q (want strict, normal or lenient)", s)
}

// PowerMode trades recognition rate for CPU time.
type PowerMode string

const (
	PowerPerformance PowerMode = "performance"
	PowerBalanced    PowerMode = "balanced"
	PowerEco         PowerMode = "eco"
)

func ParsePowerMode(s string) (PowerMode, error) {
	switch m := PowerMode(s); m {
	case PowerPerformance, PowerBalanced, PowerEco:
		return m, nil
	}
	return "", fmt.Errorf("unknown power mode %q (want performance, balanced or eco)", s)
}

// Tuning holds every numeric knob of the recognition core.
// A Tuning value is treated as immutable once handed to the pipeline; swap it instead of editing it.
type Tuning struct {
	Detection   DetectionTuning   `yaml:"detection"`
	Recognition RecognitionTuning `yaml:"recognition"`
	Quality     QualityTuning     `yaml:"quality"`
	Tracking    TrackingTuning    `yaml:"tracking"`
	Voting      VotingTuning      `yaml:"voting"`
	Scheduling  SchedulingTuning  `yaml:"scheduling"`
}

type DetectionTuning struct {
	InputWidth     int     `yaml:"input_width"`
	InputHeight    int     `yaml:"input_height"`
	ScoreThreshold float64 `yaml:"score_threshold"`
	NMSIoU         float64 `yaml:"nms_iou"`
}

type RecognitionTuning struct {
	InputSize      int                       `yaml:"input_size"`
	EmbeddingDim   int                       `yaml:"embedding_dim"`
	DistanceMargin float64                   `yaml:"distance_margin"`
	Thresholds     map[ThresholdMode]float64 `yaml:"thresholds"`
}

type QualityTuning struct {
	MinFaceSize     float64 `yaml:"min_face_size"`
	EdgeMarginRatio float64 `yaml:"edge_margin_ratio"`
	MinBrightness   float64 `yaml:"min_brightness"`
	MaxBrightness   float64 `yaml:"max_brightness"`
	MinScore        float64 `yaml:"min_score"`
	MinScoreEco     float64 `yaml:"min_score_eco"`
}

type TrackingTuning struct {
	IoUThreshold     float64 `yaml:"iou_threshold"`
	MaxFramesMissing int     `yaml:"max_frames_missing"`
}

type VotingTuning struct {
	Window          int `yaml:"window"`
	RequiredMatches int `yaml:"required_matches"`
}

type SchedulingTuning struct {
	FrameInterval            map[PowerMode]time.Duration `yaml:"frame_interval"`
	ConfirmCooldown          time.Duration               `yaml:"confirm_cooldown"`
	AutoConfirmCooldown      time.Duration               `yaml:"auto_confirm_cooldown"`
	AutoConfirmMinConfidence float64                     `yaml:"auto_confirm_min_confidence"`
	LockStability            time.Duration               `yaml:"lock_stability"`
	LockExpiry               time.Duration               `yaml:"lock_expiry"`
	LockSwitchDelta          float64                     `yaml:"lock_switch_delta"`
}

// DefaultTuning returns a fresh copy of the embedded defaults.
func DefaultTuning() *Tuning {
	var t Tuning
	if err := yaml.Unmarshal(defaultTuningYAML, &t); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded tuning.yaml: " + err.Error())
	}
	return &t
}

// ParseTuning overlays data on top of the defaults, so partial documents are allowed.
// JSON bodies are accepted too since they are valid YAML.
func ParseTuning(data []byte) (*Tuning, error) {
	t := DefaultTuning()
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse tuning: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadTuning reads a tuning file. An empty path yields the defaults.
func LoadTuning(path string) (*Tuning, error) {
	if path == "" {
		return DefaultTuning(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tuning file: %w", err)
	}
	return ParseTuning(data)
}

// Marshal renders the tuning as YAML.
func (t *Tuning) Marshal() ([]byte, error) {
	return yaml.Marshal(t)
}

// Clone returns a deep copy, safe to edit before swapping in.
func (t *Tuning) Clone() *Tuning {
	c := *t
	c.Recognition.Thresholds = make(map[ThresholdMode]float64, len(t.Recognition.Thresholds))
	for k, v := range t.Recognition.Thresholds {
		c.Recognition.Thresholds[k] = v
	}
	c.Scheduling.FrameInterval = make(map[PowerMode]time.Duration, len(t.Scheduling.FrameInterval))
	for k, v := range t.Scheduling.FrameInterval {
		c.Scheduling.FrameInterval[k] = v
	}
	return &c
}

// DistanceThreshold returns the cosine-distance cutoff for a mode, falling back to normal.
func (t *Tuning) DistanceThreshold(mode ThresholdMode) float64 {
	if v, ok := t.Recognition.Thresholds[mode]; ok {
		return v
	}
	return t.Recognition.Thresholds[ModeNormal]
}

func (t *Tuning) FrameInterval(mode PowerMode) time.Duration {
	return t.Scheduling.FrameInterval[mode]
}

// EffectiveQualityMin raises the quality floor in eco mode so fewer crops reach the recognizer.
func (t *Tuning) EffectiveQualityMin(mode PowerMode, base float64) float64 {
	if mode == PowerEco {
		return max(base, t.Quality.MinScoreEco)
	}
	return base
}

// Validate checks the invariants the tracker and matcher rely on.
func (t *Tuning) Validate() error {
	var errs []error
	if t.Detection.InputWidth <= 0 || t.Detection.InputHeight <= 0 {
		errs = append(errs, fmt.Errorf("detection input size must be positive, got %dx%d", t.Detection.InputWidth, t.Detection.InputHeight))
	}
	if t.Detection.ScoreThreshold < 0 || t.Detection.ScoreThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection score threshold must be within [0,1], got %f", t.Detection.ScoreThreshold))
	}
	if t.Recognition.InputSize <= 0 || t.Recognition.EmbeddingDim <= 0 {
		errs = append(errs, errors.New("recognition input size and embedding dim must be positive"))
	}
	for _, m := range []ThresholdMode{ModeStrict, ModeNormal, ModeLenient} {
		v, ok := t.Recognition.Thresholds[m]
		if !ok {
			errs = append(errs, fmt.Errorf("missing %s threshold", m))
			continue
		}
		if v <= 0 || v > 2 {
			errs = append(errs, fmt.Errorf("%s threshold must be within (0,2], got %f", m, v))
		}
	}
	if t.Recognition.DistanceMargin < 0 {
		errs = append(errs, fmt.Errorf("distance margin must be >= 0, got %f", t.Recognition.DistanceMargin))
	}
	if t.Tracking.IoUThreshold < 0 || t.Tracking.IoUThreshold >= 1 {
		errs = append(errs, fmt.Errorf("tracker IoU threshold must be within [0,1), got %f", t.Tracking.IoUThreshold))
	}
	if t.Tracking.MaxFramesMissing < 0 {
		errs = append(errs, fmt.Errorf("max frames missing must be >= 0, got %d", t.Tracking.MaxFramesMissing))
	}
	if t.Voting.Window < 1 {
		errs = append(errs, fmt.Errorf("voting window must be >= 1, got %d", t.Voting.Window))
	}
	if t.Voting.RequiredMatches < 1 || t.Voting.RequiredMatches > t.Voting.Window {
		errs = append(errs, fmt.Errorf("required matches must be within [1,%d], got %d", t.Voting.Window, t.Voting.RequiredMatches))
	}
	for _, m := range []PowerMode{PowerPerformance, PowerBalanced, PowerEco} {
		if t.Scheduling.FrameInterval[m] < 0 {
			errs = append(errs, fmt.Errorf("%s frame interval must be >= 0", m))
		}
	}
	return errors.Join(errs...)
}
