package geometry

import (
	"math"
	"testing"

	"github.com/andresmejia3/rollcall/internal/types"
)

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b types.Box
		want float64
	}{
		{
			name: "Identical boxes",
			a:    types.Box{X1: 0, Y1: 0, X2: 10, Y2: 10},
			b:    types.Box{X1: 0, Y1: 0, X2: 10, Y2: 10},
			want: 1.0,
		},
		{
			name: "Disjoint boxes",
			a:    types.Box{X1: 0, Y1: 0, X2: 10, Y2: 10},
			b:    types.Box{X1: 20, Y1: 20, X2: 30, Y2: 30},
			want: 0.0,
		},
		{
			name: "Touching edges",
			a:    types.Box{X1: 0, Y1: 0, X2: 10, Y2: 10},
			b:    types.Box{X1: 10, Y1: 0, X2: 20, Y2: 10},
			want: 0.0,
		},
		{
			name: "Half overlap",
			a:    types.Box{X1: 0, Y1: 0, X2: 10, Y2: 10},
			b:    types.Box{X1: 5, Y1: 0, X2: 15, Y2: 10},
			want: 50.0 / 150.0,
		},
		{
			name: "Contained box",
			a:    types.Box{X1: 0, Y1: 0, X2: 10, Y2: 10},
			b:    types.Box{X1: 0, Y1: 0, X2: 5, Y2: 5},
			want: 0.25,
		},
		{
			name: "Degenerate box",
			a:    types.Box{X1: 5, Y1: 5, X2: 5, Y2: 10},
			b:    types.Box{X1: 0, Y1: 0, X2: 10, Y2: 10},
			want: 0.0,
		},
		{
			name: "Inverted box",
			a:    types.Box{X1: 10, Y1: 10, X2: 0, Y2: 0},
			b:    types.Box{X1: 0, Y1: 0, X2: 10, Y2: 10},
			want: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IoU(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("IoU() = %v, want %v", got, tt.want)
			}
			// IoU is symmetric
			if rev := IoU(tt.b, tt.a); math.Abs(rev-got) > 1e-12 {
				t.Errorf("IoU is not symmetric: %v vs %v", got, rev)
			}
		})
	}
}

func TestNMS(t *testing.T) {
	dets := []types.Detection{
		{Box: types.Box{X1: 0, Y1: 0, X2: 100, Y2: 100}, Score: 0.80},
		{Box: types.Box{X1: 5, Y1: 5, X2: 105, Y2: 105}, Score: 0.95},  // overlaps the first heavily
		{Box: types.Box{X1: 300, Y1: 300, X2: 400, Y2: 400}, Score: 0.60},
		{Box: types.Box{X1: 50, Y1: 0, X2: 150, Y2: 100}, Score: 0.70}, // IoU 1/3 with the first
	}

	kept := NMS(dets, 0.4)

	if len(kept) != 3 {
		t.Fatalf("Expected 3 detections after NMS, got %d", len(kept))
	}
	wantScores := []float64{0.95, 0.70, 0.60}
	for i, d := range kept {
		if d.Score != wantScores[i] {
			t.Errorf("kept[%d].Score = %v, want %v", i, d.Score, wantScores[i])
		}
	}

	// No two kept detections overlap above the threshold
	for i := range kept {
		for j := i + 1; j < len(kept); j++ {
			if iou := IoU(kept[i].Box, kept[j].Box); iou > 0.4 {
				t.Errorf("kept[%d] and kept[%d] overlap with IoU %v", i, j, iou)
			}
		}
	}

	// Input is untouched
	if dets[0].Score != 0.80 {
		t.Error("NMS reordered its input slice")
	}
}

func TestNMS_TiesKeepInputOrder(t *testing.T) {
	dets := []types.Detection{
		{Box: types.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}, Score: 0.9},
		{Box: types.Box{X1: 1, Y1: 1, X2: 11, Y2: 11}, Score: 0.9},
	}
	kept := NMS(dets, 0.4)
	if len(kept) != 1 {
		t.Fatalf("Expected 1 detection, got %d", len(kept))
	}
	if kept[0].Box != dets[0].Box {
		t.Errorf("Expected the first of two equal-score detections to win, got %+v", kept[0].Box)
	}
}

func TestNMS_Empty(t *testing.T) {
	if got := NMS(nil, 0.4); len(got) != 0 {
		t.Errorf("Expected empty output, got %d detections", len(got))
	}
}
