package vision

import (
	"errors"
	"fmt"
	"image"
	"math/bits"
)

// Method selects the algorithm used to describe and locate a target.
type Method int

const (
	// MethodTemplate matches by normalized cross-correlation over grayscale.
	MethodTemplate Method = iota
	// MethodFeature matches by corner keypoints and binary patch descriptors.
	MethodFeature
)

// ParseMethod maps a configuration string onto a Method. Both the short
// names and the long-form names found in older configuration files are
// accepted.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "template", "template_matching":
		return MethodTemplate, nil
	case "feature", "feature_matching":
		return MethodFeature, nil
	default:
		return MethodTemplate, fmt.Errorf("vision: unknown method %q", s)
	}
}

func (m Method) String() string {
	switch m {
	case MethodTemplate:
		return "template"
	case MethodFeature:
		return "feature"
	default:
		return "unknown"
	}
}

// Sentinel causes carried inside an ExtractionError.
var (
	ErrDegenerateRegion      = errors.New("vision: region has no area")
	ErrUniformRegion         = errors.New("vision: region is uniform")
	ErrInsufficientStructure = errors.New("vision: not enough keypoints in region")
)

// ErrMethodMismatch is returned by Matcher.Find when the descriptor was
// extracted with a different method than the matcher is configured for.
// Confidences produced by different methods are not comparable, so the
// comparison is refused rather than silently performed.
var ErrMethodMismatch = errors.New("vision: descriptor method does not match matcher method")

// ExtractionError reports a region that cannot yield a usable descriptor.
type ExtractionError struct {
	Method Method
	Bounds image.Rectangle
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s descriptor from %dx%d region: %v", e.Method, e.Bounds.Dx(), e.Bounds.Dy(), e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Keypoint is a corner location in descriptor-local pixel coordinates.
type Keypoint struct {
	X, Y  int
	Score int
}

// Match is one located instance of a target inside a frame. Region is in
// the frame's coordinate space; Confidence is in [0, 1].
type Match struct {
	Region     image.Rectangle
	Confidence float64
}

// Center returns the midpoint of the match region, the point a pointer
// should be driven toward.
func (m Match) Center() image.Point {
	return image.Pt(m.Region.Min.X+m.Region.Dx()/2, m.Region.Min.Y+m.Region.Dy()/2)
}

// Frame is the minimal view of a captured frame the matcher needs. The
// sequence number keys per-frame precomputation caches, so it must be
// unique per distinct image.
type Frame interface {
	RGBA() *image.RGBA
	Seq() uint64
}

// Descriptor is the stored appearance of a target region. It is derived
// from exactly one region's pixels and is opaque to callers: the matcher
// that shares its method knows how to use it.
type Descriptor struct {
	method Method
	w, h   int

	// grayscale plane and summary statistics, used by template matching
	gray []float64
	sum  float64
	mean float64
	std  float64

	// keypoints and 256-bit binary descriptors, used by feature matching
	keypoints []Keypoint
	bits      [][4]uint64

	// perceptual hash of the source pixels, used as a cache key and for
	// duplicate-target warnings
	phash uint64
}

// Method reports which matching algorithm this descriptor was built for.
func (d *Descriptor) Method() Method { return d.method }

// Size returns the width and height of the region the descriptor was
// extracted from.
func (d *Descriptor) Size() (w, h int) { return d.w, d.h }

// Fingerprint is a stable identity for the descriptor's source pixels.
func (d *Descriptor) Fingerprint() uint64 { return d.phash }

// FingerprintDistance counts differing bits between two fingerprints. Small
// distances mean visually near-identical source regions.
func FingerprintDistance(a, b uint64) int { return bits.OnesCount64(a ^ b) }

// KeypointCount reports how many corners the feature method found.
func (d *Descriptor) KeypointCount() int { return len(d.keypoints) }
