package detect

import (
	"image"
	"sync/atomic"
	"time"
)

// EventKind classifies loop events.
type EventKind int

const (
	EventStarted EventKind = iota
	EventStopped
	EventDetected
	EventTrained
	EventCaptureError
	EventMatchError
	EventActuationError
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventDetected:
		return "detected"
	case EventTrained:
		return "trained"
	case EventCaptureError:
		return "capture_error"
	case EventMatchError:
		return "match_error"
	case EventActuationError:
		return "actuation_error"
	default:
		return "unknown"
	}
}

// Event is one entry on the loop's outbound stream. Detection events carry
// the winning target and its matched region; error events carry Err.
type Event struct {
	Kind       EventKind
	Time       time.Time
	TargetID   string
	TargetName string
	Region     image.Rectangle
	Confidence float64
	Err        error
}

const eventBuffer = 64

// publisher fans events out to a single buffered channel. When the
// consumer falls behind, the oldest buffered event is dropped so the loop
// never blocks on a slow listener.
type publisher struct {
	ch      chan Event
	dropped atomic.Uint64
}

func newPublisher() *publisher {
	return &publisher{ch: make(chan Event, eventBuffer)}
}

func (p *publisher) publish(ev Event) {
	for {
		select {
		case p.ch <- ev:
			return
		default:
		}
		select {
		case <-p.ch:
			p.dropped.Add(1)
		default:
		}
	}
}

func (p *publisher) events() <-chan Event { return p.ch }
