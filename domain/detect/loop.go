package detect

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vigca/vigca-go/config"
	"github.com/vigca/vigca-go/domain/capture"
	"github.com/vigca/vigca-go/domain/motion"
	"github.com/vigca/vigca-go/domain/target"
	"github.com/vigca/vigca-go/domain/vision"
)

// skipFingerprintDistance: a frame whose perceptual hash is within this
// many bits of the previous frame counts as visually unchanged. Matching
// is only skipped when the previous tick also found nothing, so a target
// sitting still keeps being re-detected.
const skipFingerprintDistance = 2

type (
	cmdStart struct{ reply chan error }
	cmdStop  struct{ reply chan struct{} }
	cmdTrain struct {
		ctx    context.Context
		name   string
		region image.Rectangle
		reply  chan trainResult
	}
)

type trainResult struct {
	tgt *target.Target
	err error
}

type candidate struct {
	tgt   *target.Target
	match vision.Match
}

// Loop drives the watch cycle: capture, match, act. A single goroutine
// owns all state; the public API sends commands to it, so ticks and
// transitions never race. Stop returns only after the in-flight tick has
// completed.
type Loop struct {
	logger  *slog.Logger
	cfg     *config.Config
	store   *target.Store
	capture capture.Service
	mover   Mover

	matcher    *vision.Matcher
	extractors map[vision.Method]*vision.Extractor
	button     motion.Button
	interval   time.Duration
	sem        chan struct{}

	cmds chan any
	done chan struct{}
	pub  *publisher

	closed    atomic.Bool
	closeOnce sync.Once
	stopReq   atomic.Bool
	current   atomic.Int32

	ticks   atomic.Uint64
	skips   atomic.Uint64
	matched atomic.Uint64

	// Owned by the run goroutine.
	state        State
	ticker       *time.Ticker
	held         *capture.Frame
	lastSeq      uint64
	lastFP       uint64
	lastFPValid  bool
	lastHadMatch bool
	lastFailures uint64
}

// NewLoop wires the loop to its collaborators and starts its goroutine.
// The matcher and extractors are built once from the configuration, which
// must already be validated.
func NewLoop(logger *slog.Logger, cfg *config.Config, store *target.Store, capturer capture.Service, mover Mover) (*Loop, error) {
	method, err := vision.ParseMethod(cfg.NormalizedMethod())
	if err != nil {
		return nil, err
	}
	matcher, err := vision.NewMatcher(vision.MatcherConfig{
		Method:     method,
		Threshold:  cfg.Detection.Threshold,
		Stride:     cfg.Detection.Stride,
		MaxMatches: cfg.Detection.MaxMatches,
	})
	if err != nil {
		return nil, err
	}
	button, err := motion.ParseButton(cfg.Motion.Button)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		logger:  logger,
		cfg:     cfg,
		store:   store,
		capture: capturer,
		mover:   mover,
		matcher: matcher,
		extractors: map[vision.Method]*vision.Extractor{
			vision.MethodTemplate: vision.NewExtractor(vision.MethodTemplate, cfg.Detection.MinKeypoints),
			vision.MethodFeature:  vision.NewExtractor(vision.MethodFeature, cfg.Detection.MinKeypoints),
		},
		button:   button,
		interval: time.Duration(cfg.Detection.CaptureIntervalMS) * time.Millisecond,
		sem:      make(chan struct{}, runtime.NumCPU()),
		cmds:     make(chan any, eventBuffer),
		done:     make(chan struct{}),
		pub:      newPublisher(),
	}
	if cfg.Detection.UseROI {
		roi := cfg.Detection.ROI
		region := image.Rect(roi.X, roi.Y, roi.X+roi.W, roi.Y+roi.H)
		capturer.SetRegionProvider(func() *image.Rectangle {
			r := region
			return &r
		})
	}
	go l.run()
	return l, nil
}

// Start begins detecting: the capture service starts and the loop ticks at
// the capture interval. Starting an already-detecting loop is a no-op.
func (l *Loop) Start() error {
	if l.closed.Load() {
		return ErrClosed
	}
	reply := make(chan error, 1)
	l.cmds <- cmdStart{reply: reply}
	return <-reply
}

// Stop halts detection. It blocks until the in-flight tick, if any, has
// fully completed; no motion is dispatched once stop has been requested.
func (l *Loop) Stop() {
	if l.closed.Load() {
		return
	}
	l.stopReq.Store(true)
	reply := make(chan struct{})
	l.cmds <- cmdStop{reply: reply}
	<-reply
}

// Train captures a fresh frame, crops region from it, and adds the result
// to the store as a new enabled target. An empty region trains on the
// whole captured frame. Train only runs while the loop is idle.
func (l *Loop) Train(ctx context.Context, name string, region image.Rectangle) (*target.Target, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	reply := make(chan trainResult, 1)
	l.cmds <- cmdTrain{ctx: ctx, name: name, region: region, reply: reply}
	res := <-reply
	return res.tgt, res.err
}

// Current returns the loop state.
func (l *Loop) Current() State { return State(l.current.Load()) }

// Events exposes the loop's outbound stream. The channel is buffered and
// drops its oldest entry when the consumer falls behind; it is never
// closed.
func (l *Loop) Events() <-chan Event { return l.pub.events() }

// Stats is a snapshot of loop counters. Ticks counts frames that entered
// the pipeline, Skips the ones bypassed as visually unchanged, Matches the
// ticks that produced a detection.
type Stats struct {
	Ticks         uint64
	Skips         uint64
	Matches       uint64
	EventsDropped uint64
}

func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:         l.ticks.Load(),
		Skips:         l.skips.Load(),
		Matches:       l.matched.Load(),
		EventsDropped: l.pub.dropped.Load(),
	}
}

// Close stops detection and shuts the loop goroutine down. Close must not
// be called concurrently with other methods.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.Stop()
		l.closed.Store(true)
		close(l.cmds)
		<-l.done
	})
}

func (l *Loop) run() {
	defer close(l.done)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("detect.panic", "error", r, "stack", string(debug.Stack()))
		}
	}()
	var tick <-chan time.Time
	for {
		select {
		case cmd, ok := <-l.cmds:
			if !ok {
				if l.ticker != nil {
					l.ticker.Stop()
				}
				return
			}
			switch c := cmd.(type) {
			case cmdStart:
				err := l.handleStart()
				if err == nil {
					tick = l.ticker.C
				}
				c.reply <- err
			case cmdStop:
				l.handleStop()
				tick = nil
				close(c.reply)
			case cmdTrain:
				c.reply <- l.handleTrain(c)
			}
		case now := <-tick:
			l.safeTick(now)
		case err := <-l.mover.Errors():
			l.pub.publish(Event{Kind: EventActuationError, Time: time.Now(), Err: err})
		}
	}
}

func (l *Loop) handleStart() error {
	if l.state == StateDetecting {
		return nil
	}
	l.capture.Start()
	l.ticker = time.NewTicker(l.interval)
	l.transition(StateDetecting)
	l.pub.publish(Event{Kind: EventStarted, Time: time.Now()})
	return nil
}

func (l *Loop) handleStop() {
	defer l.stopReq.Store(false)
	if l.state != StateDetecting {
		return
	}
	l.ticker.Stop()
	l.ticker = nil
	l.capture.Stop()
	l.transition(StateIdle)
	l.pub.publish(Event{Kind: EventStopped, Time: time.Now()})
}

func (l *Loop) transition(next State) {
	prev := l.state
	if prev == next {
		return
	}
	l.state = next
	l.current.Store(int32(next))
	l.logger.Debug("detect.state", "from", prev.String(), "to", next.String())
}

// safeTick isolates a tick: a panic inside matching is logged and the loop
// keeps running.
func (l *Loop) safeTick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("detect.tick.panic", "error", r, "stack", string(debug.Stack()))
		}
	}()
	l.tick(now)
}

func (l *Loop) tick(now time.Time) {
	if l.stopReq.Load() {
		return
	}
	l.reportCaptureFailures(now)

	f := l.capture.Latest()
	if f == nil || f.Sequence == l.lastSeq {
		return
	}
	prev := l.held
	l.held = f
	l.lastSeq = f.Sequence
	l.ticks.Add(1)
	if prev != nil && prev.Sequence < f.Sequence {
		// The loop is the sole Latest consumer, so a replaced frame has
		// no other holders.
		capture.RecycleFrame(prev.Image)
	}

	fp, fpErr := vision.Fingerprint(f.Image)
	unchanged := fpErr == nil && l.lastFPValid && vision.FingerprintDistance(fp, l.lastFP) <= skipFingerprintDistance
	if fpErr == nil {
		l.lastFP = fp
		l.lastFPValid = true
	}
	if unchanged && !l.lastHadMatch {
		l.skips.Add(1)
		l.logger.Debug("detect.tick.skip", "seq", f.Sequence)
		return
	}

	best, found := l.matchTargets(f)
	if !found {
		l.lastHadMatch = false
		l.logger.Debug("detect.tick", "seq", f.Sequence, "matched", false)
		return
	}
	l.lastHadMatch = true
	l.matched.Add(1)

	// Matches are frame-relative; shift into screen coordinates before
	// anything leaves the loop.
	screen := best.match.Region.Add(f.Region.Min)
	point := best.match.Center().Add(f.Region.Min)
	l.logger.Info("detect.match",
		"seq", f.Sequence,
		"target", best.tgt.Name,
		"id", best.tgt.ID,
		"region", screen.String(),
		"confidence", best.match.Confidence,
	)
	l.pub.publish(Event{
		Kind:       EventDetected,
		Time:       now,
		TargetID:   best.tgt.ID,
		TargetName: best.tgt.Name,
		Region:     screen,
		Confidence: best.match.Confidence,
	})

	if l.stopReq.Load() {
		return
	}
	req := motion.Request{
		Point:  point,
		Speed:  l.cfg.Motion.Speed,
		Smooth: l.cfg.Motion.Smooth,
		Click:  l.cfg.Motion.ClickOnArrival,
		Button: l.button,
	}
	if err := l.mover.MoveTo(req); err != nil {
		l.logger.Warn("detect.motion.rejected", "point", point.String(), "error", err)
		l.pub.publish(Event{Kind: EventActuationError, Time: now, TargetID: best.tgt.ID, Err: err})
	}
}

// matchTargets runs the matcher over every enabled target whose method
// matches the configured one, in parallel under a NumCPU semaphore, and
// reduces to the overall best match. Ties fall to the earlier target in
// store order.
func (l *Loop) matchTargets(f *capture.Frame) (candidate, bool) {
	method := l.matcher.Config().Method
	var eligible []*target.Target
	for _, t := range l.store.Enabled() {
		if t.Method() == method {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return candidate{}, false
	}

	results := make([]candidate, len(eligible))
	found := make([]bool, len(eligible))
	var wg sync.WaitGroup
	for i, tgt := range eligible {
		wg.Add(1)
		go func(i int, tgt *target.Target) {
			defer wg.Done()
			l.sem <- struct{}{}
			defer func() { <-l.sem }()
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("detect.match.panic", "id", tgt.ID, "error", r, "stack", string(debug.Stack()))
				}
			}()
			matches, err := l.matcher.Find(tgt.Descriptor, f)
			if err != nil {
				l.logger.Warn("detect.match.error", "target", tgt.Name, "id", tgt.ID, "error", err)
				l.pub.publish(Event{Kind: EventMatchError, Time: time.Now(), TargetID: tgt.ID, TargetName: tgt.Name, Err: err})
				return
			}
			if len(matches) == 0 {
				return
			}
			results[i] = candidate{tgt: tgt, match: matches[0]}
			found[i] = true
		}(i, tgt)
	}
	wg.Wait()

	var best candidate
	have := false
	for i := range results {
		if !found[i] {
			continue
		}
		if !have || vision.BetterMatch(results[i].match, best.match) {
			best = results[i]
			have = true
		}
	}
	return best, have
}

func (l *Loop) reportCaptureFailures(now time.Time) {
	st := l.capture.Stats()
	if st.Failures > l.lastFailures {
		l.pub.publish(Event{
			Kind: EventCaptureError,
			Time: now,
			Err:  fmt.Errorf("detect: %d capture failures since last tick", st.Failures-l.lastFailures),
		})
	}
	l.lastFailures = st.Failures
}
