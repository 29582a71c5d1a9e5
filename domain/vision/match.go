package vision

import (
	"errors"
	"fmt"
	"image"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// frameCacheSize bounds how many frames keep their precomputation alive.
// Detection touches one frame per tick, so a small window is plenty.
const frameCacheSize = 4

// MatcherConfig fixes a Matcher's method and scan parameters.
type MatcherConfig struct {
	Method Method
	// Threshold is the minimum confidence for a reported match, in [0, 1].
	Threshold float64
	// Stride is the coarse scan step for template matching; 1 scans every
	// window.
	Stride int
	// MaxMatches caps how many matches Find returns; 0 means unlimited.
	MaxMatches int
}

// Matcher locates descriptors inside frames. All matches at or above the
// threshold are returned, overlap-suppressed, in canonical order. A
// Matcher is safe for concurrent use.
type Matcher struct {
	cfg    MatcherConfig
	frames *lru.Cache[uint64, *frameEntry]
}

// frameEntry lazily builds and holds the per-frame precomputation shared
// by every Find call against the same frame.
type frameEntry struct {
	planeOnce sync.Once
	plane     *framePlane

	featOnce sync.Once
	kps      []Keypoint
	bits     [][4]uint64
}

// NewMatcher validates the configuration and returns a ready Matcher.
func NewMatcher(cfg MatcherConfig) (*Matcher, error) {
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("vision: threshold must be in [0, 1], got %v", cfg.Threshold)
	}
	if cfg.Stride < 1 {
		return nil, fmt.Errorf("vision: stride must be >= 1, got %d", cfg.Stride)
	}
	if cfg.MaxMatches < 0 {
		return nil, fmt.Errorf("vision: max matches must be >= 0, got %d", cfg.MaxMatches)
	}
	frames, err := lru.New[uint64, *frameEntry](frameCacheSize)
	if err != nil {
		return nil, err
	}
	return &Matcher{cfg: cfg, frames: frames}, nil
}

// Config returns the matcher's configuration.
func (m *Matcher) Config() MatcherConfig { return m.cfg }

// entryFor returns the cache entry for the frame, creating it when the
// frame has not been seen. Concurrent callers converge on one entry.
func (m *Matcher) entryFor(f Frame) *frameEntry {
	if e, ok := m.frames.Get(f.Seq()); ok {
		return e
	}
	e := &frameEntry{}
	if prev, ok, _ := m.frames.PeekOrAdd(f.Seq(), e); ok {
		return prev
	}
	return e
}

// Find locates the descriptor inside the frame. The result holds every
// match with confidence at or above the configured threshold, overlap
// suppressed and ordered by confidence, area, then position. An empty
// result means the target is absent; it is not an error. A descriptor
// larger than the frame cannot occur in it and yields an empty result.
func (m *Matcher) Find(d *Descriptor, f Frame) ([]Match, error) {
	if d == nil {
		return nil, errors.New("vision: nil descriptor")
	}
	if d.method != m.cfg.Method {
		return nil, fmt.Errorf("%w: descriptor %s, matcher %s", ErrMethodMismatch, d.method, m.cfg.Method)
	}
	if f == nil || f.RGBA() == nil {
		return nil, errors.New("vision: nil frame")
	}
	img := f.RGBA()
	entry := m.entryFor(f)
	var ms []Match
	switch m.cfg.Method {
	case MethodTemplate:
		pre := entry.framePlane(img)
		wins := scanTemplate(pre, d, scanOptions{threshold: m.cfg.Threshold, stride: m.cfg.Stride})
		if len(wins) > 0 {
			fb := img.Bounds()
			ms = make([]Match, 0, len(wins))
			for _, wn := range wins {
				r := image.Rect(wn.x, wn.y, wn.x+d.w, wn.y+d.h).Add(fb.Min)
				ms = append(ms, Match{Region: r, Confidence: wn.score})
			}
			ms = suppress(ms, overlapThreshold)
		}
	case MethodFeature:
		kps, bits := entry.features(img)
		ms = matchFeatures(d, kps, bits, img.Bounds(), m.cfg.Threshold)
	default:
		return nil, fmt.Errorf("vision: unsupported method %v", m.cfg.Method)
	}
	sortMatches(ms)
	if m.cfg.MaxMatches > 0 && len(ms) > m.cfg.MaxMatches {
		ms = ms[:m.cfg.MaxMatches]
	}
	return ms, nil
}

func (e *frameEntry) framePlane(img *image.RGBA) *framePlane {
	e.planeOnce.Do(func() { e.plane = buildFramePlane(img) })
	return e.plane
}

func (e *frameEntry) features(img *image.RGBA) ([]Keypoint, [][4]uint64) {
	e.featOnce.Do(func() {
		plane := smoothPlane(img)
		e.kps = detectCorners(plane, maxKeypoints)
		e.bits = describeCorners(plane, e.kps)
	})
	return e.kps, e.bits
}
