package vision

import (
	"image"
	"sort"
)

// overlapThreshold is the intersection-over-union above which two matches
// are taken to be the same detection.
const overlapThreshold = 0.3

// iou returns the intersection-over-union of two rectangles.
func iou(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	ia := inter.Dx() * inter.Dy()
	if ia <= 0 {
		return 0
	}
	union := a.Dx()*a.Dy() + b.Dx()*b.Dy() - ia
	if union <= 0 {
		return 0
	}
	return float64(ia) / float64(union)
}

// matchLess is the canonical ordering of matches: higher confidence first,
// then smaller area, then top-to-bottom, left-to-right position. Equal
// inputs always order the same way, which keeps downstream target
// selection deterministic.
func matchLess(a, b Match) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	areaA := a.Region.Dx() * a.Region.Dy()
	areaB := b.Region.Dx() * b.Region.Dy()
	if areaA != areaB {
		return areaA < areaB
	}
	if a.Region.Min.Y != b.Region.Min.Y {
		return a.Region.Min.Y < b.Region.Min.Y
	}
	return a.Region.Min.X < b.Region.Min.X
}

func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool { return matchLess(ms[i], ms[j]) })
}

// BetterMatch reports whether a ranks strictly ahead of b in the canonical
// match order. Callers picking a winner across targets use it so that ties
// fall to whichever candidate they saw first.
func BetterMatch(a, b Match) bool { return matchLess(a, b) }

// suppress removes every match that overlaps a higher-ranked match by more
// than the given intersection-over-union ratio. The survivors are the
// local confidence maxima, returned in canonical order.
func suppress(ms []Match, overlap float64) []Match {
	if len(ms) == 0 {
		return ms
	}
	sortMatches(ms)
	removed := make([]bool, len(ms))
	out := make([]Match, 0, len(ms))
	for i := range ms {
		if removed[i] {
			continue
		}
		out = append(out, ms[i])
		for j := i + 1; j < len(ms); j++ {
			if removed[j] {
				continue
			}
			if iou(ms[i].Region, ms[j].Region) > overlap {
				removed[j] = true
			}
		}
	}
	return out
}
