package detections

import (
	"sort"

	"github.com/Tutortoise/object-detection-service/models"
)

// IoU is the intersection-over-union of two boxes. Degenerate boxes have no
// area, so IoU against them is 0 unless both are degenerate and identical.
func IoU(a, b models.Box) float32 {
	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.Right(), b.Right())
	y2 := min(a.Bottom(), b.Bottom())

	var intersection float32
	if x2 > x1 && y2 > y1 {
		intersection = (x2 - x1) * (y2 - y1)
	}

	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		if a == b {
			return 1
		}
		return 0
	}
	return intersection / union
}

// NMS runs greedy non-maximum suppression over all boxes regardless of
// class and returns the indices of the survivors, best score first. Equal
// scores keep their input order.
func NMS(boxes []models.Box, scores []float32, threshold float32) []int {
	return suppress(boxes, scores, nil, threshold)
}

// NMSPerClass only lets a keeper suppress boxes of its own class.
func NMSPerClass(boxes []models.Box, scores []float32, classIDs []int, threshold float32) []int {
	return suppress(boxes, scores, classIDs, threshold)
}

func suppress(boxes []models.Box, scores []float32, classIDs []int, threshold float32) []int {
	if len(boxes) == 0 {
		return nil
	}

	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	suppressed := make([]bool, len(boxes))
	keep := make([]int, 0, len(boxes))
	for i, idx := range order {
		if suppressed[idx] {
			continue
		}
		keep = append(keep, idx)

		for _, other := range order[i+1:] {
			if suppressed[other] {
				continue
			}
			if classIDs != nil && classIDs[other] != classIDs[idx] {
				continue
			}
			if IoU(boxes[idx], boxes[other]) > threshold {
				suppressed[other] = true
			}
		}
	}
	return keep
}
