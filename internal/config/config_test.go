package config

import (
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultTuning(t *testing.T) {
	tu := DefaultTuning()
	if err := tu.Validate(); err != nil {
		t.Fatalf("embedded defaults do not validate: %v", err)
	}

	thresholds := map[ThresholdMode]float64{
		ModeStrict:  0.38,
		ModeNormal:  0.42,
		ModeLenient: 0.46,
	}
	for mode, want := range thresholds {
		if got := tu.DistanceThreshold(mode); math.Abs(got-want) > 1e-9 {
			t.Errorf("DistanceThreshold(%s) = %v, want %v", mode, got, want)
		}
	}

	intervals := map[PowerMode]time.Duration{
		PowerPerformance: 0,
		PowerBalanced:    100 * time.Millisecond,
		PowerEco:         200 * time.Millisecond,
	}
	for mode, want := range intervals {
		if got := tu.FrameInterval(mode); got != want {
			t.Errorf("FrameInterval(%s) = %v, want %v", mode, got, want)
		}
	}

	if tu.Voting.Window != 10 || tu.Voting.RequiredMatches != 4 {
		t.Errorf("unexpected voting defaults: %+v", tu.Voting)
	}
	if tu.Scheduling.LockStability != 2500*time.Millisecond || tu.Scheduling.LockExpiry != 2*time.Second {
		t.Errorf("unexpected lock defaults: %+v", tu.Scheduling)
	}
}

func TestDistanceThresholdFallsBackToNormal(t *testing.T) {
	tu := DefaultTuning()
	if got := tu.DistanceThreshold("bogus"); math.Abs(got-0.42) > 1e-9 {
		t.Errorf("DistanceThreshold(bogus) = %v, want 0.42", got)
	}
}

func TestEffectiveQualityMin(t *testing.T) {
	tu := DefaultTuning()
	tests := []struct {
		mode PowerMode
		base float64
		want float64
	}{
		{PowerPerformance, 0.55, 0.55},
		{PowerBalanced, 0.55, 0.55},
		{PowerEco, 0.55, 0.65},
		{PowerEco, 0.80, 0.80},
	}
	for _, tt := range tests {
		if got := tu.EffectiveQualityMin(tt.mode, tt.base); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("EffectiveQualityMin(%s, %v) = %v, want %v", tt.mode, tt.base, got, tt.want)
		}
	}
}

func TestParseTuningOverlaysDefaults(t *testing.T) {
	doc := []byte(`
voting:
  required_matches: 6
recognition:
  thresholds:
    strict: 0.30
scheduling:
  frame_interval:
    eco: 500ms
`)
	tu, err := ParseTuning(doc)
	if err != nil {
		t.Fatalf("ParseTuning failed: %v", err)
	}
	if tu.Voting.RequiredMatches != 6 {
		t.Errorf("RequiredMatches = %d, want 6", tu.Voting.RequiredMatches)
	}
	if tu.Voting.Window != 10 {
		t.Errorf("Window = %d, want default 10", tu.Voting.Window)
	}
	if got := tu.DistanceThreshold(ModeStrict); math.Abs(got-0.30) > 1e-9 {
		t.Errorf("strict threshold = %v, want 0.30", got)
	}
	if got := tu.DistanceThreshold(ModeNormal); math.Abs(got-0.42) > 1e-9 {
		t.Errorf("normal threshold = %v, want default 0.42", got)
	}
	if got := tu.FrameInterval(PowerEco); got != 500*time.Millisecond {
		t.Errorf("eco interval = %v, want 500ms", got)
	}
}

func TestParseTuningAcceptsJSON(t *testing.T) {
	tu, err := ParseTuning([]byte(`{"tracking": {"iou_threshold": 0.5}}`))
	if err != nil {
		t.Fatalf("ParseTuning failed: %v", err)
	}
	if math.Abs(tu.Tracking.IoUThreshold-0.5) > 1e-9 {
		t.Errorf("IoUThreshold = %v, want 0.5", tu.Tracking.IoUThreshold)
	}
}

func TestParseTuningRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"required above window", "voting: {window: 3, required_matches: 4}"},
		{"zero window", "voting: {window: 0}"},
		{"negative margin", "recognition: {distance_margin: -1}"},
		{"iou out of range", "tracking: {iou_threshold: 1.5}"},
		{"malformed", "voting: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseTuning([]byte(tt.doc)); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestTuningMarshalRoundTripKeepsDurations(t *testing.T) {
	tu := DefaultTuning()
	data, err := tu.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	back, err := ParseTuning(data)
	if err != nil {
		t.Fatalf("ParseTuning of marshaled tuning failed: %v", err)
	}
	if back.Scheduling.ConfirmCooldown != 30*time.Second {
		t.Errorf("ConfirmCooldown = %v, want 30s", back.Scheduling.ConfirmCooldown)
	}
}

func TestCloneIsDeep(t *testing.T) {
	tu := DefaultTuning()
	c := tu.Clone()
	c.Recognition.Thresholds[ModeNormal] = 0.1
	c.Scheduling.FrameInterval[PowerEco] = time.Second
	if tu.DistanceThreshold(ModeNormal) == 0.1 {
		t.Error("Clone shares the thresholds map")
	}
	if tu.FrameInterval(PowerEco) == time.Second {
		t.Error("Clone shares the frame interval map")
	}
}

func TestLoadTuningFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("quality: {min_score: 0.7}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	tu, err := LoadTuning(path)
	if err != nil {
		t.Fatalf("LoadTuning failed: %v", err)
	}
	if math.Abs(tu.Quality.MinScore-0.7) > 1e-9 {
		t.Errorf("MinScore = %v, want 0.7", tu.Quality.MinScore)
	}

	if _, err := LoadTuning(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "attendance")
	t.Setenv("POSTGRES_PORT", "")
	t.Setenv("ROLLCALL_POWER_MODE", "eco")
	t.Setenv("ROLLCALL_THRESHOLD_MODE", "nonsense")
	t.Setenv("ROLLCALL_LOG_LEVEL", "debug")
	t.Setenv("ROLLCALL_SYNC_INTERVAL", "not-a-duration")
	t.Setenv("ROLLCALL_SYNC_BATCH", "-3")

	cfg := Load()
	if cfg.Database.URL != "postgres://u:p@db:5432/attendance" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if cfg.PowerMode != PowerEco {
		t.Errorf("PowerMode = %q, want eco", cfg.PowerMode)
	}
	if cfg.ThresholdMode != ModeNormal {
		t.Errorf("ThresholdMode = %q, want fallback normal", cfg.ThresholdMode)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.SyncInterval != 15*time.Second {
		t.Errorf("SyncInterval = %v, want default 15s", cfg.SyncInterval)
	}
	if cfg.SyncBatchSize != 50 {
		t.Errorf("SyncBatchSize = %d, want default 50", cfg.SyncBatchSize)
	}
}
