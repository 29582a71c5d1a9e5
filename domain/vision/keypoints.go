package vision

import (
	"image"
	"math/bits"
	"math/rand"
	"sort"
)

const (
	// fastThreshold is the intensity delta a circle pixel must exceed to
	// count toward the segment test.
	fastThreshold = 20
	// fastArc is how many contiguous circle pixels must agree for a corner.
	fastArc = 9
	// patchRadius is the half-size of the binary descriptor sampling patch.
	// Corners are only kept where the whole patch fits inside the plane.
	patchRadius = 8
	// maxKeypoints bounds how many corners are kept per plane, strongest
	// first.
	maxKeypoints = 500
)

// circle16 lists the 16 pixel offsets of a radius-3 Bresenham circle,
// clockwise from twelve o'clock.
var circle16 = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1},
	{3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1},
	{-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// samplePattern holds 256 fixed point pairs inside the descriptor patch.
// The pattern is generated once from a constant seed so descriptors are
// reproducible across runs and hosts.
var samplePattern [256][4]int

func init() {
	rng := rand.New(rand.NewSource(7919))
	for i := range samplePattern {
		samplePattern[i] = [4]int{
			rng.Intn(2*patchRadius) - patchRadius,
			rng.Intn(2*patchRadius) - patchRadius,
			rng.Intn(2*patchRadius) - patchRadius,
			rng.Intn(2*patchRadius) - patchRadius,
		}
	}
}

// detectCorners runs a segment-test corner detector over a zero-origin gray
// plane and returns at most limit corners in raster order. A pixel is a
// corner when at least fastArc contiguous pixels on its surrounding circle
// are all brighter or all darker than the center by fastThreshold.
func detectCorners(plane *image.Gray, limit int) []Keypoint {
	w, h := plane.Rect.Dx(), plane.Rect.Dy()
	margin := patchRadius
	if w <= 2*margin || h <= 2*margin {
		return nil
	}
	px, stride := plane.Pix, plane.Stride
	at := func(x, y int) int { return int(px[y*stride+x]) }
	var corners []Keypoint
	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			c := at(x, y)
			// Quick reject on the four compass points before the full test.
			brighter, darker := 0, 0
			for _, i := range [4]int{0, 4, 8, 12} {
				v := at(x+circle16[i][0], y+circle16[i][1])
				switch {
				case v >= c+fastThreshold:
					brighter++
				case v <= c-fastThreshold:
					darker++
				}
			}
			if brighter < 3 && darker < 3 {
				continue
			}
			if score, ok := segmentTest(at, x, y, c); ok {
				corners = append(corners, Keypoint{X: x, Y: y, Score: score})
			}
		}
	}
	corners = suppressCorners(corners)
	if len(corners) > limit {
		sort.Slice(corners, func(i, j int) bool {
			if corners[i].Score != corners[j].Score {
				return corners[i].Score > corners[j].Score
			}
			if corners[i].Y != corners[j].Y {
				return corners[i].Y < corners[j].Y
			}
			return corners[i].X < corners[j].X
		})
		corners = corners[:limit]
		sort.Slice(corners, func(i, j int) bool {
			if corners[i].Y != corners[j].Y {
				return corners[i].Y < corners[j].Y
			}
			return corners[i].X < corners[j].X
		})
	}
	return corners
}

// segmentTest checks the 16-pixel circle around (x, y) for a contiguous
// bright or dark arc, wrapping around the circle. The score is the summed
// absolute deviation of all circle pixels past the threshold.
func segmentTest(at func(int, int) int, x, y, c int) (int, bool) {
	var diffs [16]int
	score := 0
	for i, o := range circle16 {
		d := at(x+o[0], y+o[1]) - c
		diffs[i] = d
		if d >= fastThreshold || d <= -fastThreshold {
			if d < 0 {
				score -= d
			} else {
				score += d
			}
		}
	}
	longestRun := func(bright bool) int {
		run, best := 0, 0
		for i := 0; i < 32; i++ {
			d := diffs[i%16]
			hit := d >= fastThreshold
			if !bright {
				hit = d <= -fastThreshold
			}
			if hit {
				run++
				if run > best {
					best = run
				}
			} else {
				run = 0
			}
		}
		return best
	}
	if longestRun(true) >= fastArc || longestRun(false) >= fastArc {
		return score, true
	}
	return 0, false
}

// suppressCorners keeps only corners that beat every corner in their 3x3
// neighborhood; score ties go to the raster-earlier corner.
func suppressCorners(cs []Keypoint) []Keypoint {
	if len(cs) == 0 {
		return cs
	}
	byPos := make(map[[2]int]Keypoint, len(cs))
	for _, k := range cs {
		byPos[[2]int{k.X, k.Y}] = k
	}
	out := make([]Keypoint, 0, len(cs))
	for _, k := range cs {
		keep := true
	neighbors:
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				n, ok := byPos[[2]int{k.X + dx, k.Y + dy}]
				if !ok {
					continue
				}
				if n.Score > k.Score || (n.Score == k.Score && (n.Y < k.Y || (n.Y == k.Y && n.X < k.X))) {
					keep = false
					break neighbors
				}
			}
		}
		if keep {
			out = append(out, k)
		}
	}
	return out
}

// describeCorners samples the fixed point-pair pattern around each corner
// and packs the comparisons into 256-bit descriptors.
func describeCorners(plane *image.Gray, kps []Keypoint) [][4]uint64 {
	px, stride := plane.Pix, plane.Stride
	out := make([][4]uint64, len(kps))
	for i, k := range kps {
		var b [4]uint64
		for j, p := range samplePattern {
			a := px[(k.Y+p[1])*stride+(k.X+p[0])]
			c := px[(k.Y+p[3])*stride+(k.X+p[2])]
			if a < c {
				b[j>>6] |= 1 << uint(j&63)
			}
		}
		out[i] = b
	}
	return out
}

// hamming counts differing bits between two 256-bit descriptors.
func hamming(a, b [4]uint64) int {
	return bits.OnesCount64(a[0]^b[0]) +
		bits.OnesCount64(a[1]^b[1]) +
		bits.OnesCount64(a[2]^b[2]) +
		bits.OnesCount64(a[3]^b[3])
}
