package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

// Frame carries one captured screen image and its metadata. A frame is
// immutable once published: consumers read it, then hand the pixel buffer
// back through RecycleFrame when they are done.
type Frame struct {
	// Image holds the pixels with a zero-origin bounds rectangle.
	Image *image.RGBA
	// Region is where on the screen the image was taken from.
	Region     image.Rectangle
	CapturedAt time.Time
	// Sequence increases by one per published frame and never repeats.
	Sequence uint64
}

// RGBA returns the frame pixels. Together with Seq it satisfies the
// matcher's frame view.
func (f *Frame) RGBA() *image.RGBA { return f.Image }

// Seq returns the frame's sequence number.
func (f *Frame) Seq() uint64 { return f.Sequence }

// Stats summarizes capture loop behavior for instrumentation.
type Stats struct {
	Captures       uint64
	Failures       uint64
	Dropped        uint64
	AvgCapture     time.Duration
	LastCapture    time.Time
	LatestFrameAge time.Duration
	Sequence       uint64
}

// Sentinel causes carried inside a *CaptureError.
var (
	ErrRegionOutside      = errors.New("capture: region outside screen bounds")
	ErrBackendUnavailable = errors.New("capture: backend unavailable")
	ErrTimeout            = errors.New("capture: capture timed out")
)

// CaptureError reports a failed capture attempt along with the region that
// was being grabbed.
type CaptureError struct {
	Region image.Rectangle
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %v: %v", e.Region, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Backend grabs pixels from the screen. Implementations validate that the
// requested region lies inside the addressable screen and return images
// with zero-origin bounds, drawn from the shared frame pool.
type Backend interface {
	Bounds() (image.Rectangle, error)
	Capture(region image.Rectangle) (*image.RGBA, error)
}

// Service captures frames at a fixed interval and retains only the newest
// one: an unconsumed frame is replaced, never queued.
type Service interface {
	Start()
	Stop()
	Running() bool
	Latest() *Frame
	CaptureNow(ctx context.Context) (*Frame, error)
	SetRegionProvider(func() *image.Rectangle)
	Stats() Stats
}

// checkRegion verifies that region is non-empty and fully contained in the
// screen bounds.
func checkRegion(bounds, region image.Rectangle) error {
	if region.Empty() {
		return &CaptureError{Region: region, Err: ErrRegionOutside}
	}
	if !region.In(bounds) {
		return &CaptureError{Region: region, Err: fmt.Errorf("%w: screen is %v", ErrRegionOutside, bounds)}
	}
	return nil
}
