//go:build !windows

package capture

import (
	"fmt"
	"image"
	"image/draw"

	"github.com/vova616/screenshot"
)

// screenshotBackend grabs frames with the portable screenshot library and
// copies them into pooled buffers.
type screenshotBackend struct{}

// NewBackend returns the capture backend for this platform.
func NewBackend() Backend { return screenshotBackend{} }

func (screenshotBackend) Bounds() (image.Rectangle, error) {
	r, err := screenshot.ScreenRect()
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return r, nil
}

func (b screenshotBackend) Capture(region image.Rectangle) (*image.RGBA, error) {
	bounds, err := b.Bounds()
	if err != nil {
		return nil, err
	}
	if err := checkRegion(bounds, region); err != nil {
		return nil, err
	}
	var src *image.RGBA
	if region == bounds {
		src, err = screenshot.CaptureScreen()
	} else {
		src, err = screenshot.CaptureRect(region)
	}
	if err != nil {
		return nil, &CaptureError{Region: region, Err: err}
	}
	dst := acquireFrame(image.Rect(0, 0, region.Dx(), region.Dy()))
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst, nil
}
