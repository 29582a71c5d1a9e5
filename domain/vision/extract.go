package vision

import (
	"image"
	"math"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/gift"
)

// Extractor turns a region's pixels into a Descriptor for one Method.
// Extraction is deterministic: the same pixels always produce the same
// descriptor.
type Extractor struct {
	method       Method
	minKeypoints int
}

// NewExtractor returns an Extractor for the given method. minKeypoints is
// the fewest corners the feature method will accept before declaring a
// region unusable; values below 4 are meaningless and raised to 4.
func NewExtractor(method Method, minKeypoints int) *Extractor {
	if minKeypoints < minTemplateKeypoints {
		minKeypoints = minTemplateKeypoints
	}
	return &Extractor{method: method, minKeypoints: minKeypoints}
}

// Method reports which matching algorithm this extractor builds
// descriptors for.
func (e *Extractor) Method() Method { return e.method }

// smoothFilter prepares an image for corner detection: grayscale plus a
// mild blur so single-pixel noise does not register as structure.
var smoothFilter = gift.New(gift.Grayscale(), gift.GaussianBlur(1.0))

// smoothPlane renders img through smoothFilter into a zero-origin gray
// plane.
func smoothPlane(img image.Image) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	smoothFilter.Draw(dst, img)
	return dst
}

// Fingerprint computes the perceptual hash of an image. Two hashes within
// a few bits of each other describe visually near-identical content, which
// makes the fingerprint cheap to compare across consecutive frames.
func Fingerprint(img image.Image) (uint64, error) {
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, err
	}
	return hash.GetHash(), nil
}

// Extract derives a Descriptor from the region image. It fails with an
// *ExtractionError when the region has no area, is visually uniform, or
// (feature method) contains too few corners to ever match.
func (e *Extractor) Extract(img image.Image) (*Descriptor, error) {
	if img == nil {
		return nil, &ExtractionError{Method: e.method, Err: ErrDegenerateRegion}
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, &ExtractionError{Method: e.method, Bounds: b, Err: ErrDegenerateRegion}
	}
	gray, sum, sum2 := grayPlane(img)
	n := float64(w * h)
	mean := sum / n
	variance := (sum2 - sum*sum/n) / n
	std := 0.0
	if variance > 0 {
		std = math.Sqrt(variance)
	}
	if std <= uniformEps {
		return nil, &ExtractionError{Method: e.method, Bounds: b, Err: ErrUniformRegion}
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return nil, &ExtractionError{Method: e.method, Bounds: b, Err: err}
	}
	d := &Descriptor{
		method: e.method,
		w:      w,
		h:      h,
		gray:   gray,
		sum:    sum,
		mean:   mean,
		std:    std,
		phash:  hash.GetHash(),
	}
	if e.method == MethodFeature {
		plane := smoothPlane(img)
		kps := detectCorners(plane, maxKeypoints)
		if len(kps) < e.minKeypoints {
			return nil, &ExtractionError{Method: e.method, Bounds: b, Err: ErrInsufficientStructure}
		}
		d.keypoints = kps
		d.bits = describeCorners(plane, kps)
	}
	return d, nil
}
