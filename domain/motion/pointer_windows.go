//go:build windows

package motion

import (
	"fmt"
	"image"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	smCxScreen = 0
	smCyScreen = 1

	mouseEventLeftDown   = 0x0002
	mouseEventLeftUp     = 0x0004
	mouseEventRightDown  = 0x0008
	mouseEventRightUp    = 0x0010
	mouseEventMiddleDown = 0x0020
	mouseEventMiddleUp   = 0x0040

	// Gap between button down and up so the target application registers
	// a click rather than a bounce.
	clickHold = 30 * time.Millisecond
)

var (
	user32               = windows.NewLazySystemDLL("user32.dll")
	procSetCursorPos     = user32.NewProc("SetCursorPos")
	procGetCursorPos     = user32.NewProc("GetCursorPos")
	procMouseEvent       = user32.NewProc("mouse_event")
	procGetSystemMetrics = user32.NewProc("GetSystemMetrics")
)

type winPoint struct {
	X, Y int32
}

type winPointer struct{}

// NewPointerBackend returns the pointer backend for this platform.
func NewPointerBackend() PointerBackend { return winPointer{} }

func (winPointer) Bounds() (image.Rectangle, error) {
	w, _, _ := procGetSystemMetrics.Call(smCxScreen)
	h, _, _ := procGetSystemMetrics.Call(smCyScreen)
	if w == 0 || h == 0 {
		return image.Rectangle{}, fmt.Errorf("motion: GetSystemMetrics reported %dx%d screen", w, h)
	}
	return image.Rect(0, 0, int(w), int(h)), nil
}

func (winPointer) Position() (image.Point, error) {
	var pt winPoint
	ok, _, _ := procGetCursorPos.Call(uintptr(unsafe.Pointer(&pt)))
	if ok == 0 {
		return image.Point{}, fmt.Errorf("motion: GetCursorPos failed winerr=%d", windows.GetLastError())
	}
	return image.Pt(int(pt.X), int(pt.Y)), nil
}

func (winPointer) MoveCursor(x, y int) error {
	ok, _, _ := procSetCursorPos.Call(uintptr(x), uintptr(y))
	if ok == 0 {
		return fmt.Errorf("motion: SetCursorPos(%d,%d) failed winerr=%d", x, y, windows.GetLastError())
	}
	return nil
}

func (winPointer) Click(b Button) error {
	var down, up uintptr
	switch b {
	case ButtonRight:
		down, up = mouseEventRightDown, mouseEventRightUp
	case ButtonMiddle:
		down, up = mouseEventMiddleDown, mouseEventMiddleUp
	default:
		down, up = mouseEventLeftDown, mouseEventLeftUp
	}
	_, _, _ = procMouseEvent.Call(down, 0, 0, 0, 0)
	time.Sleep(clickHold)
	_, _, _ = procMouseEvent.Call(up, 0, 0, 0, 0)
	return nil
}
