package geometry

import (
	"sort"

	"github.com/andresmejia3/rollcall/internal/types"
)

// IoU calculates Intersection over Union between two boxes.
// Returns 0 if they do not overlap or either box has non-positive area.
func IoU(a, b types.Box) float64 {
	areaA, areaB := a.Area(), b.Area()
	if areaA <= 0 || areaB <= 0 {
		return 0
	}

	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)
	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := areaA + areaB - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// NMS performs greedy non-maximum suppression.
// Detections are ordered by score (ties keep their input order), and any detection
// overlapping an already kept one by more than iouThreshold is dropped.
// The input slice is not modified.
func NMS(dets []types.Detection, iouThreshold float64) []types.Detection {
	if len(dets) == 0 {
		return nil
	}

	sorted := make([]types.Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	suppressed := make([]bool, len(sorted))
	kept := make([]types.Detection, 0, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if !suppressed[j] && IoU(sorted[i].Box, sorted[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}
