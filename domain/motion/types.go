package motion

import (
	"errors"
	"fmt"
	"image"
)

// Button identifies a pointer button.
type Button int

const (
	ButtonLeft Button = iota
	ButtonRight
	ButtonMiddle
)

func (b Button) String() string {
	switch b {
	case ButtonRight:
		return "right"
	case ButtonMiddle:
		return "middle"
	default:
		return "left"
	}
}

// ParseButton maps a configuration string to a Button.
func ParseButton(s string) (Button, error) {
	switch s {
	case "", "left":
		return ButtonLeft, nil
	case "right":
		return ButtonRight, nil
	case "middle":
		return ButtonMiddle, nil
	}
	return ButtonLeft, fmt.Errorf("motion: unknown button %q", s)
}

// ErrOutOfBounds marks a destination outside the screen. The move is
// rejected rather than clamped to the edge.
var ErrOutOfBounds = errors.New("motion: destination outside screen bounds")

// ErrUnsupported is returned by the pointer backend on platforms without
// pointer control.
var ErrUnsupported = errors.New("motion: pointer control not supported on this platform")

// ErrClosed is returned by MoveTo after Close.
var ErrClosed = errors.New("motion: controller closed")

// ActuationError wraps a pointer failure with the destination that was
// being actuated.
type ActuationError struct {
	Point image.Point
	Err   error
}

func (e *ActuationError) Error() string {
	return fmt.Sprintf("actuate pointer to (%d,%d): %v", e.Point.X, e.Point.Y, e.Err)
}

func (e *ActuationError) Unwrap() error { return e.Err }

// PointerBackend abstracts OS pointer control so the controller can be
// tested against a fake.
type PointerBackend interface {
	// Bounds returns the screen rectangle valid destinations lie in.
	Bounds() (image.Rectangle, error)
	// Position returns the current pointer location.
	Position() (image.Point, error)
	// MoveCursor warps the pointer to (x, y).
	MoveCursor(x, y int) error
	// Click presses and releases the given button at the current position.
	Click(b Button) error
}

// Request describes one pointer move.
type Request struct {
	// Point is the destination, typically the center of a matched region.
	Point image.Point
	// Speed scales motion duration; valid values are 1 through 10.
	Speed float64
	// Smooth interpolates the move over waypoints instead of jumping.
	Smooth bool
	// Click issues a button click after arrival. A preempted move never
	// clicks.
	Click  bool
	Button Button
}
