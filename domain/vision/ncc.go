package vision

import (
	"image"
	"math"
)

// uniformEps is the grayscale standard deviation below which a region is
// considered uniform. Window variance below it is skipped during scanning
// for the same reason: correlation against it is undefined.
const uniformEps = 1e-9

// framePlane stores a frame's grayscale values and their summed-area
// tables (integral images). The integrals allow O(1) window sum and
// variance queries during the scan.
type framePlane struct {
	gray       []float64
	integral   []float64
	integralSq []float64
	w, h       int
}

// luminance converts 8-bit RGB to grayscale with Rec. 709 weights.
func luminance(r, g, b uint8) float64 {
	return 0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)
}

// grayPlane flattens an image into a grayscale plane on the 0..255 scale
// and returns the plane with its running sums. Fully transparent pixels
// contribute zero.
func grayPlane(img image.Image) (gray []float64, sum, sum2 float64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	gray = make([]float64, w*h)
	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < h; y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < w; x++ {
				o := x * 4
				var v float64
				if row[o+3] != 0 {
					v = luminance(row[o], row[o+1], row[o+2])
				}
				gray[y*w+x] = v
				sum += v
				sum2 += v * v
			}
		}
		return gray, sum, sum2
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bb, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			var v float64
			if a != 0 {
				// RGBA() values are 16 bit; 257 maps them back to 0..255.
				v = (0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(bb)) / 257.0
			}
			gray[y*w+x] = v
			sum += v
			sum2 += v * v
		}
	}
	return gray, sum, sum2
}

// buildFramePlane computes per-pixel grayscale values and their summed-area
// tables for a frame.
func buildFramePlane(img *image.RGBA) *framePlane {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	p := &framePlane{
		gray:       make([]float64, w*h),
		integral:   make([]float64, w*h),
		integralSq: make([]float64, w*h),
		w:          w,
		h:          h,
	}
	for y := 0; y < h; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		var rowSum, rowSum2 float64
		for x := 0; x < w; x++ {
			o := x * 4
			var g float64
			if row[o+3] != 0 {
				g = luminance(row[o], row[o+1], row[o+2])
			}
			off := y*w + x
			p.gray[off] = g
			rowSum += g
			rowSum2 += g * g
			if y == 0 {
				p.integral[off] = rowSum
				p.integralSq[off] = rowSum2
			} else {
				p.integral[off] = p.integral[(y-1)*w+x] + rowSum
				p.integralSq[off] = p.integralSq[(y-1)*w+x] + rowSum2
			}
		}
	}
	return p
}

// integralSum returns the inclusive sum over rectangle [x0..x1] x [y0..y1]
// from an integral image stored in row-major order with width w.
func integralSum(ii []float64, w, x0, y0, x1, y1 int) float64 {
	if x0 > x1 || y0 > y1 {
		return 0
	}
	at := func(x, y int) float64 {
		if x < 0 || y < 0 {
			return 0
		}
		return ii[y*w+x]
	}
	return at(x1, y1) - at(x0-1, y1) - at(x1, y0-1) + at(x0-1, y0-1)
}

// nccAt computes the normalized cross-correlation between the descriptor
// and the frame window whose top-left corner is (x, y). Windows with no
// variance score -1: correlation against them is undefined.
func nccAt(pre *framePlane, d *Descriptor, x, y int) float64 {
	w, h := d.w, d.h
	n := float64(w * h)
	sumF := integralSum(pre.integral, pre.w, x, y, x+w-1, y+h-1)
	sumF2 := integralSum(pre.integralSq, pre.w, x, y, x+w-1, y+h-1)
	meanF := sumF / n
	varF := (sumF2 - sumF*sumF/n) / n
	if varF <= uniformEps {
		return -1
	}
	stdF := math.Sqrt(varF)
	var sumFT float64
	for ty := 0; ty < h; ty++ {
		frow := pre.gray[(y+ty)*pre.w+x:]
		trow := d.gray[ty*w:]
		for tx := 0; tx < w; tx++ {
			sumFT += frow[tx] * trow[tx]
		}
	}
	numer := sumFT - n*meanF*d.mean
	denom := n * stdF * d.std
	if denom <= 0 {
		return -1
	}
	return numer / denom
}

// clampScore maps a raw correlation onto the [0, 1] confidence scale.
// Negative correlation carries no evidence of presence, so it clamps to 0.
func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

type scanOptions struct {
	threshold float64
	stride    int
}

type window struct {
	x, y  int
	score float64
}

// scanTemplate scores descriptor-sized windows over the frame plane and
// returns every candidate whose confidence reaches the threshold. Windows
// on the stride grid are scored directly. With a coarse stride, a
// refinement pass runs around every grid local maximum at full resolution
// so the true peak is not missed. Refinement anchors are chosen without
// looking at the threshold, which keeps the candidate set at a higher
// threshold a subset of the candidate set at a lower one.
func scanTemplate(pre *framePlane, d *Descriptor, opts scanOptions) []window {
	w, h := d.w, d.h
	if w == 0 || h == 0 || pre.w < w || pre.h < h {
		return nil
	}
	stride := opts.stride
	if stride < 1 {
		stride = 1
	}
	gw := (pre.w-w)/stride + 1
	gh := (pre.h-h)/stride + 1
	scores := make([]float64, gw*gh)
	for gy := 0; gy < gh; gy++ {
		for gx := 0; gx < gw; gx++ {
			scores[gy*gw+gx] = nccAt(pre, d, gx*stride, gy*stride)
		}
	}
	var out []window
	for gy := 0; gy < gh; gy++ {
		for gx := 0; gx < gw; gx++ {
			if s := clampScore(scores[gy*gw+gx]); s >= opts.threshold {
				out = append(out, window{x: gx * stride, y: gy * stride, score: s})
			}
		}
	}
	if stride > 1 {
		for gy := 0; gy < gh; gy++ {
			for gx := 0; gx < gw; gx++ {
				if !gridLocalMax(scores, gw, gh, gx, gy) {
					continue
				}
				bx, by, bs := refineAround(pre, d, gx*stride, gy*stride, stride)
				if bx == gx*stride && by == gy*stride {
					continue
				}
				if s := clampScore(bs); s >= opts.threshold {
					out = append(out, window{x: bx, y: by, score: s})
				}
			}
		}
	}
	return out
}

// gridLocalMax reports whether the grid cell (gx, gy) scores at least as
// high as its four grid neighbors, with ties awarded to the raster-earlier
// cell so each plateau produces exactly one anchor.
func gridLocalMax(scores []float64, gw, gh, gx, gy int) bool {
	s := scores[gy*gw+gx]
	for _, o := range [4][2]int{{0, -1}, {-1, 0}, {1, 0}, {0, 1}} {
		nx, ny := gx+o[0], gy+o[1]
		if nx < 0 || ny < 0 || nx >= gw || ny >= gh {
			continue
		}
		ns := scores[ny*gw+nx]
		if ns > s {
			return false
		}
		if ns == s && (ny < gy || (ny == gy && nx < gx)) {
			return false
		}
	}
	return true
}

// refineAround rescans the full-resolution neighborhood of a grid anchor
// and returns the best window in it. Raster order breaks score ties, so
// the result is deterministic.
func refineAround(pre *framePlane, d *Descriptor, cx, cy, stride int) (int, int, float64) {
	minY := max(0, cy-stride+1)
	maxY := min(pre.h-d.h, cy+stride-1)
	minX := max(0, cx-stride+1)
	maxX := min(pre.w-d.w, cx+stride-1)
	bestX, bestY, bestS := cx, cy, nccAt(pre, d, cx, cy)
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			if x == cx && y == cy {
				continue
			}
			if s := nccAt(pre, d, x, y); s > bestS {
				bestX, bestY, bestS = x, y, s
			}
		}
	}
	return bestX, bestY, bestS
}
