package vision

import (
	"reflect"
	"testing"
)

func TestDetectCornersFindsIsolatedDots(t *testing.T) {
	plane := smoothPlane(dotPatch(120, 120, 21))
	kps := detectCorners(plane, maxKeypoints)
	if len(kps) < 10 {
		t.Fatalf("expected at least 10 corners on dotted patch, got %d", len(kps))
	}
	again := detectCorners(plane, maxKeypoints)
	if !reflect.DeepEqual(kps, again) {
		t.Fatal("corner detection is not deterministic")
	}
}

func TestDetectCornersEmptyOnFlatPlane(t *testing.T) {
	plane := smoothPlane(flatImage(64, 64, 100))
	if kps := detectCorners(plane, maxKeypoints); len(kps) != 0 {
		t.Fatalf("flat plane produced %d corners", len(kps))
	}
}

func TestDescriptorBitsAreStable(t *testing.T) {
	plane := smoothPlane(dotPatch(120, 120, 22))
	kps := detectCorners(plane, maxKeypoints)
	if len(kps) == 0 {
		t.Fatal("no corners to describe")
	}
	a := describeCorners(plane, kps)
	b := describeCorners(plane, kps)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("descriptors differ across runs")
	}
}

func TestHamming(t *testing.T) {
	var zero [4]uint64
	ones := [4]uint64{^uint64(0), ^uint64(0), ^uint64(0), ^uint64(0)}
	if d := hamming(zero, zero); d != 0 {
		t.Fatalf("hamming(x, x) = %d, want 0", d)
	}
	if d := hamming(zero, ones); d != 256 {
		t.Fatalf("hamming(0, ~0) = %d, want 256", d)
	}
	if d := hamming(zero, [4]uint64{1, 0, 0, 1 << 63}); d != 2 {
		t.Fatalf("hamming = %d, want 2", d)
	}
}

func TestMutualMatchesCrossCheck(t *testing.T) {
	a := [4]uint64{0, 0, 0, 0}
	b := [4]uint64{^uint64(0), 0, 0, 0}
	c := [4]uint64{^uint64(0), ^uint64(0), 0, 0}
	tmpl := [][4]uint64{a, c}
	frame := [][4]uint64{c, a, b}
	pairs := mutualMatches(tmpl, frame)
	if len(pairs) != 2 {
		t.Fatalf("expected 2 mutual pairs, got %d: %+v", len(pairs), pairs)
	}
	// Sorted by distance: both exact, tie broken by template index.
	if pairs[0].tmpl != 0 || pairs[0].frame != 1 || pairs[0].dist != 0 {
		t.Fatalf("unexpected first pair %+v", pairs[0])
	}
	if pairs[1].tmpl != 1 || pairs[1].frame != 0 || pairs[1].dist != 0 {
		t.Fatalf("unexpected second pair %+v", pairs[1])
	}
}
