package detect

import (
	"errors"

	"github.com/vigca/vigca-go/domain/motion"
)

// State enumerates the detection loop's lifecycle states. Training and
// detecting are mutually exclusive.
type State int

const (
	StateIdle State = iota
	StateTraining
	StateDetecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTraining:
		return "training"
	case StateDetecting:
		return "detecting"
	default:
		return "unknown"
	}
}

// ErrNotIdle is returned when an operation needs the loop idle but it is
// training or detecting.
var ErrNotIdle = errors.New("detect: loop is not idle")

// ErrClosed is returned by operations on a closed loop.
var ErrClosed = errors.New("detect: loop closed")

// Mover dispatches pointer moves toward matches. Satisfied by
// *motion.Controller; tests substitute a fake.
type Mover interface {
	MoveTo(motion.Request) error
	Errors() <-chan error
}
