// Package metrics provides segmentation quality metrics over binary masks.
//
// All functions are pure and operate on flattened masks with values in {0, 1}.
// Edge cases around empty masks carry an explicit policy: overlap metrics are
// smoothed so that two empty masks score 1.0, and SafeHausdorff maps the
// empty-vs-non-empty case to the image diagonal as the maximum penalty.
package metrics

import (
	"fmt"
	"math"
)

// Smooth is the smoothing term that keeps Dice and IoU defined when both
// masks are empty.
const Smooth = 1e-6

// Dice computes the Dice coefficient (2*|P∩G| + s) / (|P| + |G| + s).
func Dice(pred, target []float32) float64 {
	var intersection, predSum, targetSum float64
	for i := range pred {
		p := float64(pred[i])
		g := float64(target[i])
		intersection += p * g
		predSum += p
		targetSum += g
	}
	return (2.0*intersection + Smooth) / (predSum + targetSum + Smooth)
}

// IoU computes intersection-over-union (|P∩G| + s) / (|P∪G| + s).
func IoU(pred, target []float32) float64 {
	var intersection, predSum, targetSum float64
	for i := range pred {
		p := float64(pred[i])
		g := float64(target[i])
		intersection += p * g
		predSum += p
		targetSum += g
	}
	union := predSum + targetSum - intersection
	return (intersection + Smooth) / (union + Smooth)
}

// PixelAccuracy computes the fraction of positions where the two masks agree.
func PixelAccuracy(pred, target []float32) float64 {
	if len(pred) == 0 {
		return 0
	}
	equal := 0
	for i := range pred {
		if pred[i] == target[i] {
			equal++
		}
	}
	return float64(equal) / float64(len(pred))
}

type point struct {
	y, x int
}

// SafeHausdorff computes the symmetric Hausdorff distance between the
// foreground pixel sets of two H×W binary masks.
//
// Policy for degenerate inputs:
//   - both masks empty: 0 (both agree there is nothing)
//   - exactly one empty: the image diagonal, the maximum possible distance
//   - both non-empty: max of the two directed Hausdorff distances
func SafeHausdorff(pred, target []float32, height, width int) (float64, error) {
	if len(pred) != height*width || len(target) != height*width {
		return 0, fmt.Errorf("mask length mismatch: want %d elements, got pred=%d target=%d",
			height*width, len(pred), len(target))
	}

	predPts := foregroundPoints(pred, height, width)
	targetPts := foregroundPoints(target, height, width)

	switch {
	case len(predPts) == 0 && len(targetPts) == 0:
		return 0, nil
	case len(predPts) == 0 || len(targetPts) == 0:
		return math.Sqrt(float64(height*height + width*width)), nil
	}

	d1 := directedHausdorff(predPts, targetPts)
	d2 := directedHausdorff(targetPts, predPts)
	return math.Max(d1, d2), nil
}

func foregroundPoints(mask []float32, height, width int) []point {
	var pts []point
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if mask[y*width+x] > 0.5 {
				pts = append(pts, point{y, x})
			}
		}
	}
	return pts
}

// directedHausdorff is max over a of min over b of ||a-b||.
func directedHausdorff(a, b []point) float64 {
	maxMin := 0.0
	for _, pa := range a {
		minSq := math.MaxFloat64
		for _, pb := range b {
			dy := float64(pa.y - pb.y)
			dx := float64(pa.x - pb.x)
			sq := dy*dy + dx*dx
			if sq < minSq {
				minSq = sq
				if minSq == 0 {
					break
				}
			}
		}
		if minSq > maxMin {
			maxMin = minSq
		}
	}
	return math.Sqrt(maxMin)
}
