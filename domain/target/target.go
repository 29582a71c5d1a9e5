package target

import (
	"image"
	"time"

	"github.com/disintegration/imaging"

	"github.com/vigca/vigca-go/domain/vision"
)

// Target is one trained visual target: a screen region, the pixels it held
// at training time, and the descriptor derived from exactly those pixels.
// Retraining replaces region, template and descriptor together; they never
// drift apart.
type Target struct {
	ID         string
	Name       string
	Region     image.Rectangle
	Template   image.Image
	Descriptor *vision.Descriptor
	Enabled    bool
	CreatedAt  time.Time
}

// Method reports the matching method the target was trained for.
func (t *Target) Method() vision.Method { return t.Descriptor.Method() }

// Thumbnail renders the stored template scaled to fit the given box,
// preserving aspect ratio.
func (t *Target) Thumbnail(maxW, maxH int) image.Image {
	if t.Template == nil {
		return nil
	}
	return imaging.Fit(t.Template, maxW, maxH, imaging.Lanczos)
}

// clone returns a copy of the target. The template and descriptor are
// immutable and stay shared.
func (t *Target) clone() *Target {
	c := *t
	return &c
}
