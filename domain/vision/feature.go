package vision

import (
	"image"
	"math"
	"sort"
)

const (
	// minTemplateKeypoints is the hard floor below which a keypoint set
	// cannot be matched at all.
	minTemplateKeypoints = 4
	// minGoodMatches is how many mutual matches a detection needs; it is
	// also the divisor of the inlier-count confidence.
	minGoodMatches = 10
	// maxGoodMatches caps how many of the closest matches feed the
	// translation vote.
	maxGoodMatches = 50
	// inlierTolerance is the per-axis pixel slack when counting how many
	// matches agree with a candidate translation.
	inlierTolerance = 5
)

// pair links a descriptor keypoint to a frame keypoint.
type pair struct {
	tmpl, frame int
	dist        int
}

// mutualMatches pairs each template descriptor with its nearest frame
// descriptor and keeps only pairs where the nearest relation holds both
// ways. Pairs come back sorted by Hamming distance, closest first.
func mutualMatches(tmpl, frame [][4]uint64) []pair {
	if len(tmpl) == 0 || len(frame) == 0 {
		return nil
	}
	nearestFrame := make([]int, len(tmpl))
	nearestDist := make([]int, len(tmpl))
	for i := range tmpl {
		best, bestD := -1, math.MaxInt
		for j := range frame {
			if d := hamming(tmpl[i], frame[j]); d < bestD {
				best, bestD = j, d
			}
		}
		nearestFrame[i] = best
		nearestDist[i] = bestD
	}
	nearestTmpl := make([]int, len(frame))
	for j := range frame {
		best, bestD := -1, math.MaxInt
		for i := range tmpl {
			if d := hamming(tmpl[i], frame[j]); d < bestD {
				best, bestD = i, d
			}
		}
		nearestTmpl[j] = best
	}
	var out []pair
	for i := range tmpl {
		j := nearestFrame[i]
		if j >= 0 && nearestTmpl[j] == i {
			out = append(out, pair{tmpl: i, frame: j, dist: nearestDist[i]})
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].dist != out[b].dist {
			return out[a].dist < out[b].dist
		}
		return out[a].tmpl < out[b].tmpl
	})
	return out
}

// matchFeatures locates the descriptor among the frame's keypoints. The
// classical pipeline is followed with the geometry model reduced to pure
// translation: screen content moves around, it does not warp. Each mutual
// match proposes the translation that would align its keypoints; the
// translation agreeing with the most matches wins, and the match region is
// the descriptor rectangle carried by the averaged inlier translation.
// Confidence is the inlier count normalized by minGoodMatches and capped
// at 1. At most one match is returned.
func matchFeatures(d *Descriptor, frameKps []Keypoint, frameBits [][4]uint64, bounds image.Rectangle, threshold float64) []Match {
	if len(d.keypoints) < minTemplateKeypoints || len(frameKps) < minTemplateKeypoints {
		return nil
	}
	pairs := mutualMatches(d.bits, frameBits)
	if len(pairs) < minGoodMatches {
		return nil
	}
	if len(pairs) > maxGoodMatches {
		pairs = pairs[:maxGoodMatches]
	}
	offX := make([]int, len(pairs))
	offY := make([]int, len(pairs))
	for i, p := range pairs {
		offX[i] = frameKps[p.frame].X - d.keypoints[p.tmpl].X
		offY[i] = frameKps[p.frame].Y - d.keypoints[p.tmpl].Y
	}
	bestIdx, bestInliers := -1, 0
	for i := range pairs {
		inliers := 0
		for j := range pairs {
			dx := offX[j] - offX[i]
			dy := offY[j] - offY[i]
			if dx >= -inlierTolerance && dx <= inlierTolerance && dy >= -inlierTolerance && dy <= inlierTolerance {
				inliers++
			}
		}
		// Ties keep the earlier candidate, which has the smaller distance.
		if inliers > bestInliers {
			bestIdx, bestInliers = i, inliers
		}
	}
	if bestIdx < 0 || bestInliers < minGoodMatches {
		return nil
	}
	confidence := math.Min(1, float64(bestInliers)/float64(minGoodMatches))
	if confidence < threshold {
		return nil
	}
	// Average the winning cluster for a steadier position estimate.
	var sumX, sumY, n int
	for j := range pairs {
		dx := offX[j] - offX[bestIdx]
		dy := offY[j] - offY[bestIdx]
		if dx >= -inlierTolerance && dx <= inlierTolerance && dy >= -inlierTolerance && dy <= inlierTolerance {
			sumX += offX[j]
			sumY += offY[j]
			n++
		}
	}
	tx := (sumX + n/2) / n
	ty := (sumY + n/2) / n
	region := image.Rect(tx, ty, tx+d.w, ty+d.h).Add(bounds.Min)
	return []Match{{Region: region, Confidence: confidence}}
}
