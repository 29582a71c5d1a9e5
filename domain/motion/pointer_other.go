//go:build !windows

package motion

import "image"

type stubPointer struct{}

// NewPointerBackend returns the pointer backend for this platform. Pointer
// control is only implemented on Windows; elsewhere every operation
// reports ErrUnsupported and detection runs without actuation.
func NewPointerBackend() PointerBackend { return stubPointer{} }

func (stubPointer) Bounds() (image.Rectangle, error) { return image.Rectangle{}, ErrUnsupported }

func (stubPointer) Position() (image.Point, error) { return image.Point{}, ErrUnsupported }

func (stubPointer) MoveCursor(x, y int) error { return ErrUnsupported }

func (stubPointer) Click(Button) error { return ErrUnsupported }
