package capture

import (
	"context"
	"image"
	"log/slog"
	"sync/atomic"
	"time"
)

const statsLogInterval = 5 * time.Second

// defaultCaptureTimeout bounds a single backend call. A stalled backend
// becomes a capture error instead of wedging the loop.
const defaultCaptureTimeout = 2 * time.Second

type service struct {
	logger   *slog.Logger
	backend  Backend
	interval time.Duration
	timeout  time.Duration

	running  atomic.Bool
	stop     chan struct{}
	latest   atomic.Pointer[Frame]
	regionFn atomic.Pointer[func() *image.Rectangle]

	captures     atomic.Uint64
	failures     atomic.Uint64
	dropped      atomic.Uint64
	captureNanos atomic.Uint64
	sequence     atomic.Uint64
	served       atomic.Uint64
}

var _ Service = (*service)(nil)

// NewService constructs a capture service polling the backend at the given
// interval.
func NewService(logger *slog.Logger, backend Backend, interval time.Duration) Service {
	if interval <= 0 {
		interval = time.Second
	}
	return &service{
		logger:   logger,
		backend:  backend,
		interval: interval,
		timeout:  defaultCaptureTimeout,
	}
}

// SetRegionProvider installs the function that supplies the capture region.
// A nil provider, or a provider returning nil or an empty rectangle, means
// full screen.
func (s *service) SetRegionProvider(fn func() *image.Rectangle) {
	if fn == nil {
		s.regionFn.Store(nil)
		return
	}
	s.regionFn.Store(&fn)
}

// Latest returns the freshest published frame, or nil before the first
// successful capture. Ownership of the returned frame stays with the
// consumer until it recycles the image.
func (s *service) Latest() *Frame {
	f := s.latest.Load()
	if f == nil {
		return nil
	}
	s.markServed(f.Sequence)
	return f
}

func (s *service) markServed(seq uint64) {
	for {
		cur := s.served.Load()
		if seq <= cur || s.served.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (s *service) Running() bool { return s.running.Load() }

func (s *service) Stats() Stats {
	captures := s.captures.Load()
	total := s.captureNanos.Load()
	var avg time.Duration
	if captures > 0 && total > 0 {
		avg = time.Duration(total / captures)
	}
	var last time.Time
	var age time.Duration
	var seq uint64
	if f := s.latest.Load(); f != nil {
		last = f.CapturedAt
		age = time.Since(f.CapturedAt)
		seq = f.Sequence
	}
	return Stats{
		Captures:       captures,
		Failures:       s.failures.Load(),
		Dropped:        s.dropped.Load(),
		AvgCapture:     avg,
		LastCapture:    last,
		LatestFrameAge: age,
		Sequence:       seq,
	}
}

func (s *service) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stop = make(chan struct{})
	go s.loop(s.stop)
}

func (s *service) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
}

func (s *service) loop(stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	logTicker := time.NewTicker(statsLogInterval)
	defer logTicker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Ticks missed while capturing are dropped by the ticker, so a
			// slow backend degrades to as-fast-as-possible.
			s.captureOnce()
		case <-logTicker.C:
			s.logStats()
		}
	}
}

// captureOnce grabs one frame and publishes it, replacing whatever was
// there. Failures are counted and logged; the loop always carries on.
func (s *service) captureOnce() {
	region, err := s.resolveRegion()
	if err != nil {
		s.failures.Add(1)
		s.logger.Error("capture.frame", "error", err)
		return
	}
	start := time.Now()
	img, err := s.captureWithTimeout(region)
	if err != nil {
		s.failures.Add(1)
		s.logger.Error("capture.frame", "region", region.String(), "error", err)
		return
	}
	s.captureNanos.Add(uint64(time.Since(start).Nanoseconds()))
	s.captures.Add(1)
	s.publish(img, region)
}

func (s *service) publish(img *image.RGBA, region image.Rectangle) *Frame {
	seq := s.sequence.Add(1)
	f := &Frame{Image: img, Region: region, CapturedAt: time.Now(), Sequence: seq}
	old := s.latest.Swap(f)
	if old != nil && old.Sequence > s.served.Load() {
		s.dropped.Add(1)
	}
	return f
}

// resolveRegion picks the rectangle to capture: the provider's region when
// one is set and non-empty, the full screen otherwise.
func (s *service) resolveRegion() (image.Rectangle, error) {
	if fn := s.regionFn.Load(); fn != nil {
		if r := (*fn)(); r != nil && !r.Empty() {
			return *r, nil
		}
	}
	bounds, err := s.backend.Bounds()
	if err != nil {
		return image.Rectangle{}, &CaptureError{Err: err}
	}
	return bounds, nil
}

func (s *service) captureWithTimeout(region image.Rectangle) (*image.RGBA, error) {
	type result struct {
		img *image.RGBA
		err error
	}
	ch := make(chan result, 1)
	go func() {
		img, err := s.backend.Capture(region)
		ch <- result{img: img, err: err}
	}()
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.img, r.err
	case <-timer.C:
		// Reclaim the straggler's buffer whenever it lands.
		go func() {
			if r := <-ch; r.img != nil {
				RecycleFrame(r.img)
			}
		}()
		return nil, &CaptureError{Region: region, Err: ErrTimeout}
	}
}

// CaptureNow performs one synchronous capture, publishes the frame, and
// returns it. It works whether or not the periodic loop is running.
func (s *service) CaptureNow(ctx context.Context) (*Frame, error) {
	region, err := s.resolveRegion()
	if err != nil {
		return nil, err
	}
	type result struct {
		img *image.RGBA
		err error
	}
	ch := make(chan result, 1)
	go func() {
		img, err := s.backend.Capture(region)
		ch <- result{img: img, err: err}
	}()
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			s.failures.Add(1)
			return nil, r.err
		}
		s.captures.Add(1)
		f := s.publish(r.img, region)
		s.markServed(f.Sequence)
		return f, nil
	case <-timer.C:
		s.failures.Add(1)
		go func() {
			if r := <-ch; r.img != nil {
				RecycleFrame(r.img)
			}
		}()
		return nil, &CaptureError{Region: region, Err: ErrTimeout}
	case <-ctx.Done():
		s.failures.Add(1)
		go func() {
			if r := <-ch; r.img != nil {
				RecycleFrame(r.img)
			}
		}()
		return nil, &CaptureError{Region: region, Err: ctx.Err()}
	}
}

func (s *service) logStats() {
	stats := s.Stats()
	s.logger.Debug("capture.stats",
		"captures", stats.Captures,
		"failures", stats.Failures,
		"dropped", stats.Dropped,
		"avg_capture", stats.AvgCapture,
		"age", stats.LatestFrameAge,
	)
}
