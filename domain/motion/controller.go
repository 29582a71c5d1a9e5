package motion

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// pixelsPerUnitSpeed converts distance to duration: a move covers
	// 200 px/s per speed unit, so speed 5 crosses 1000 px in one second.
	pixelsPerUnitSpeed = 200.0

	minMoveDuration = 100 * time.Millisecond
	maxMoveDuration = 2 * time.Second

	// Waypoint pacing: at most 64 steps, each at least 10ms apart.
	maxWaypoints    = 64
	minWaypointStep = 10 * time.Millisecond

	errorBuffer = 8
)

// Stats is a snapshot of controller counters.
type Stats struct {
	Moves     uint64
	Preempted uint64
	Clicks    uint64
	Failures  uint64
}

type command struct {
	ctx context.Context
	req Request
}

// Controller serializes pointer moves through a single mover goroutine.
// Submitting a move while another is in flight preempts it: the old move
// stops at its current waypoint and the new one starts from wherever the
// pointer is. At most one submitted move waits behind the active one.
type Controller struct {
	logger  *slog.Logger
	backend PointerBackend

	mu           sync.Mutex
	closed       bool
	cancelActive context.CancelFunc

	cmds chan command
	errs chan error
	done chan struct{}

	closeOnce sync.Once

	moves     atomic.Uint64
	preempted atomic.Uint64
	clicks    atomic.Uint64
	failures  atomic.Uint64
}

// NewController starts the mover goroutine. Callers must Close.
func NewController(logger *slog.Logger, backend PointerBackend) *Controller {
	c := &Controller{
		logger:  logger,
		backend: backend,
		cmds:    make(chan command, 1),
		errs:    make(chan error, errorBuffer),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// MoveTo submits a move. It validates the destination synchronously and
// returns without waiting for the move to execute; runtime failures are
// delivered on Errors. An in-flight move is preempted at its current
// waypoint.
func (c *Controller) MoveTo(req Request) error {
	if req.Speed <= 0 {
		return errors.New("motion: speed must be positive")
	}
	bounds, err := c.backend.Bounds()
	if err != nil {
		return &ActuationError{Point: req.Point, Err: err}
	}
	if !req.Point.In(bounds) {
		return &ActuationError{Point: req.Point, Err: ErrOutOfBounds}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		cancel()
		return ErrClosed
	}
	if c.cancelActive != nil {
		c.cancelActive()
	}
	c.cancelActive = cancel
	cmd := command{ctx: ctx, req: req}
	for {
		select {
		case c.cmds <- cmd:
			return nil
		default:
		}
		// Queue is full: drop the waiting move in favor of this one.
		select {
		case <-c.cmds:
		default:
		}
	}
}

// Errors delivers runtime actuation failures. The channel is buffered and
// drops its oldest entry when full; it is never closed.
func (c *Controller) Errors() <-chan error { return c.errs }

// Stats returns a snapshot of the move counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Moves:     c.moves.Load(),
		Preempted: c.preempted.Load(),
		Clicks:    c.clicks.Load(),
		Failures:  c.failures.Load(),
	}
}

// Close cancels the in-flight move and waits for the mover to stop. The
// pointer is left at whatever waypoint the active move had reached.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.cancelActive != nil {
			c.cancelActive()
		}
		close(c.cmds)
		c.mu.Unlock()
		<-c.done
	})
}

func (c *Controller) run() {
	defer close(c.done)
	for cmd := range c.cmds {
		c.execute(cmd)
	}
}

func (c *Controller) execute(cmd command) {
	if cmd.ctx.Err() != nil {
		c.preempted.Add(1)
		return
	}
	req := cmd.req
	from, err := c.backend.Position()
	if err != nil {
		c.report(&ActuationError{Point: req.Point, Err: err})
		return
	}

	dx := float64(req.Point.X - from.X)
	dy := float64(req.Point.Y - from.Y)
	dist := math.Hypot(dx, dy)

	steps := 1
	var stepDur time.Duration
	if req.Smooth && dist >= 1 {
		dur := time.Duration(dist / (pixelsPerUnitSpeed * req.Speed) * float64(time.Second))
		dur = min(max(dur, minMoveDuration), maxMoveDuration)
		steps = min(maxWaypoints, max(1, int(dur/minWaypointStep)))
		stepDur = dur / time.Duration(steps)
	}

	c.logger.Debug("motion.move", "from", from.String(), "to", req.Point.String(), "waypoints", steps, "step", stepDur.String())

	for i := 1; i <= steps; i++ {
		if cmd.ctx.Err() != nil {
			c.preempted.Add(1)
			c.logger.Debug("motion.preempted", "to", req.Point.String(), "waypoint", i-1, "of", steps)
			return
		}
		x := from.X + int(math.Round(dx*float64(i)/float64(steps)))
		y := from.Y + int(math.Round(dy*float64(i)/float64(steps)))
		if err := c.backend.MoveCursor(x, y); err != nil {
			c.report(&ActuationError{Point: image.Pt(x, y), Err: err})
			return
		}
		c.moves.Add(1)
		if i < steps {
			sleepCtx(cmd.ctx, stepDur)
		}
	}

	if !req.Click {
		return
	}
	if cmd.ctx.Err() != nil {
		c.preempted.Add(1)
		return
	}
	if err := c.backend.Click(req.Button); err != nil {
		c.report(&ActuationError{Point: req.Point, Err: err})
		return
	}
	c.clicks.Add(1)
}

// report counts a failure and pushes it onto the error channel, evicting
// the oldest entry when the consumer is behind.
func (c *Controller) report(err *ActuationError) {
	c.failures.Add(1)
	c.logger.Warn("motion.error", "point", err.Point.String(), "error", err.Err)
	for {
		select {
		case c.errs <- err:
			return
		default:
		}
		select {
		case <-c.errs:
		default:
		}
	}
}

// sleepCtx waits for d or for ctx cancellation, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
