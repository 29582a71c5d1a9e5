package detect

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/vigca/vigca-go/config"
	"github.com/vigca/vigca-go/domain/capture"
	"github.com/vigca/vigca-go/domain/motion"
	"github.com/vigca/vigca-go/domain/target"
	"github.com/vigca/vigca-go/domain/vision"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func noisePatch(w, h int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(rng.Intn(256))
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func flatScreen(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: v, G: v, B: v, A: 255}), image.Point{}, draw.Src)
	return img
}

// withPatch returns a flat 640x480 screen with patch embedded at the given
// top-left corner.
func withPatch(patch *image.RGBA, at image.Point) *image.RGBA {
	screen := flatScreen(640, 480, 200)
	dst := patch.Bounds().Sub(patch.Bounds().Min).Add(at)
	draw.Draw(screen, dst, patch, patch.Bounds().Min, draw.Src)
	return screen
}

// frameBackend serves crops of a swappable in-memory screen.
type frameBackend struct {
	mu       sync.Mutex
	bounds   image.Rectangle
	screen   *image.RGBA
	failWith error
	regions  []image.Rectangle
}

func newFrameBackend() *frameBackend {
	return &frameBackend{
		bounds: image.Rect(0, 0, 640, 480),
		screen: flatScreen(640, 480, 200),
	}
}

func (b *frameBackend) setScreen(img *image.RGBA) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.screen = img
}

func (b *frameBackend) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWith = err
}

func (b *frameBackend) Bounds() (image.Rectangle, error) { return b.bounds, nil }

func (b *frameBackend) Capture(region image.Rectangle) (*image.RGBA, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return nil, &capture.CaptureError{Region: region, Err: b.failWith}
	}
	if region.Empty() || !region.In(b.bounds) {
		return nil, &capture.CaptureError{Region: region, Err: capture.ErrRegionOutside}
	}
	out := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	draw.Draw(out, out.Bounds(), b.screen, region.Min, draw.Src)
	b.regions = append(b.regions, region)
	return out, nil
}

func (b *frameBackend) lastRegion() image.Rectangle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.regions) == 0 {
		return image.Rectangle{}
	}
	return b.regions[len(b.regions)-1]
}

// fakeMover records dispatched moves and can reject them.
type fakeMover struct {
	mu    sync.Mutex
	moves []motion.Request
	fail  error
	errs  chan error
}

func newFakeMover() *fakeMover {
	return &fakeMover{errs: make(chan error, 8)}
}

func (m *fakeMover) MoveTo(req motion.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.moves = append(m.moves, req)
	return nil
}

func (m *fakeMover) Errors() <-chan error { return m.errs }

func (m *fakeMover) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.moves)
}

func (m *fakeMover) has(pt image.Point) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.moves {
		if r.Point == pt {
			return true
		}
	}
	return false
}

type fixture struct {
	backend *frameBackend
	store   *target.Store
	svc     capture.Service
	mover   *fakeMover
	loop    *Loop
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Detection.CaptureIntervalMS = 20
	cfg.Detection.Threshold = 0.9
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	logger := discardLogger()
	backend := newFrameBackend()
	store := target.NewStore(logger, cfg.Detection.MinKeypoints)
	svc := capture.NewService(logger, backend, time.Duration(cfg.Detection.CaptureIntervalMS)*time.Millisecond)
	mover := newFakeMover()
	loop, err := NewLoop(logger, cfg, store, svc, mover)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	t.Cleanup(loop.Close)
	return &fixture{backend: backend, store: store, svc: svc, mover: mover, loop: loop}
}

// waitDetectedAt drains events until a detection lands exactly on region.
func waitDetectedAt(t *testing.T, l *Loop, region image.Rectangle, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-l.Events():
			if ev.Kind == EventDetected && ev.Region == region {
				return ev
			}
		case <-deadline:
			t.Fatalf("no detection at %v within %v", region, timeout)
		}
	}
}

func waitEvent(t *testing.T, l *Loop, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-l.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %v", kind, timeout)
		}
	}
}

func TestTrainThenDetectRelocatedTarget(t *testing.T) {
	fx := newFixture(t, testConfig())
	patch := noisePatch(48, 48, 7)
	fx.backend.setScreen(withPatch(patch, image.Pt(100, 100)))

	tgt, err := fx.loop.Train(context.Background(), "mark", image.Rect(100, 100, 148, 148))
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if tgt.Region != image.Rect(100, 100, 148, 148) {
		t.Fatalf("trained region = %v", tgt.Region)
	}
	if fx.store.Len() != 1 {
		t.Fatalf("store has %d targets after training", fx.store.Len())
	}

	// The same content now sits somewhere else on screen.
	fx.backend.setScreen(withPatch(patch, image.Pt(400, 300)))
	if err := fx.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	want := image.Rect(400, 300, 448, 348)
	ev := waitDetectedAt(t, fx.loop, want, 5*time.Second)
	if ev.TargetID != tgt.ID || ev.TargetName != "mark" {
		t.Fatalf("detection attributed to %s (%s), want %s", ev.TargetID, ev.TargetName, tgt.ID)
	}
	if ev.Confidence < 0.99 {
		t.Fatalf("confidence = %v for an exact copy", ev.Confidence)
	}

	center := image.Pt(424, 324)
	waitFor(t, 5*time.Second, "motion toward match center", func() bool { return fx.mover.has(center) })

	fx.loop.Stop()
	if got := fx.loop.Current(); got != StateIdle {
		t.Fatalf("state after Stop = %v", got)
	}
}

func TestStaticTargetKeepsGettingDetected(t *testing.T) {
	fx := newFixture(t, testConfig())
	patch := noisePatch(48, 48, 11)
	fx.backend.setScreen(withPatch(patch, image.Pt(200, 150)))

	if _, err := fx.loop.Train(context.Background(), "static", image.Rect(200, 150, 248, 198)); err != nil {
		t.Fatalf("train: %v", err)
	}
	if err := fx.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Identical frames must not suppress re-detection while the target is
	// visible.
	waitFor(t, 5*time.Second, "repeated detection", func() bool { return fx.mover.count() >= 2 })
	if skips := fx.loop.Stats().Skips; skips != 0 {
		t.Fatalf("loop skipped %d ticks while the target was visible", skips)
	}

	fx.loop.Stop()
	if got := fx.loop.Current(); got != StateIdle {
		t.Fatalf("state after Stop = %v", got)
	}
	if fx.svc.Running() {
		t.Fatal("capture service still running after Stop")
	}
	n := fx.mover.count()
	time.Sleep(150 * time.Millisecond)
	if got := fx.mover.count(); got != n {
		t.Fatalf("motion dispatched after Stop: %d -> %d", n, got)
	}
}

func TestUnchangedEmptyFramesSkipMatching(t *testing.T) {
	fx := newFixture(t, testConfig())
	if err := fx.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, "unchanged frames to be skipped", func() bool {
		return fx.loop.Stats().Skips >= 2
	})
	if st := fx.loop.Stats(); st.Matches != 0 {
		t.Fatalf("matches on a blank screen: %+v", st)
	}
	fx.loop.Stop()
}

func TestTrainUniformRegionLeavesStoreUntouched(t *testing.T) {
	fx := newFixture(t, testConfig())
	_, err := fx.loop.Train(context.Background(), "blank", image.Rect(10, 10, 60, 60))
	if !errors.Is(err, vision.ErrUniformRegion) {
		t.Fatalf("train on flat pixels = %v, want ErrUniformRegion", err)
	}
	if fx.store.Len() != 0 {
		t.Fatalf("failed training added a target, store has %d", fx.store.Len())
	}
	if got := fx.loop.Current(); got != StateIdle {
		t.Fatalf("state after failed training = %v", got)
	}
}

func TestTrainWhileDetectingRejected(t *testing.T) {
	fx := newFixture(t, testConfig())
	if err := fx.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := fx.loop.Train(context.Background(), "x", image.Rect(0, 0, 48, 48)); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("train while detecting = %v, want ErrNotIdle", err)
	}
	fx.loop.Stop()
}

func TestTrainRegionOutsideFrameRejected(t *testing.T) {
	fx := newFixture(t, testConfig())
	_, err := fx.loop.Train(context.Background(), "edge", image.Rect(600, 400, 700, 500))
	if err == nil {
		t.Fatal("train accepted a region that leaves the screen")
	}
	if fx.store.Len() != 0 {
		t.Fatalf("store has %d targets after rejected training", fx.store.Len())
	}
}

func TestCaptureFailuresPublishEvents(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.backend.fail(errors.New("display driver reset"))
	if err := fx.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitEvent(t, fx.loop, EventCaptureError, 5*time.Second)
	if got := fx.loop.Current(); got != StateDetecting {
		t.Fatalf("loop state after capture failures = %v, want detecting", got)
	}
	fx.loop.Stop()
}

func TestROICaptureAndCoordinateTranslation(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.UseROI = true
	cfg.Detection.ROI = config.ROI{X: 40, Y: 30, W: 200, H: 150}
	fx := newFixture(t, cfg)

	patch := noisePatch(48, 48, 9)
	fx.backend.setScreen(withPatch(patch, image.Pt(100, 80)))

	tgt, err := fx.loop.Train(context.Background(), "roi-mark", image.Rect(100, 80, 148, 128))
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if err := fx.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Matches come back in screen coordinates even though only the ROI
	// was captured.
	ev := waitDetectedAt(t, fx.loop, image.Rect(100, 80, 148, 128), 5*time.Second)
	if ev.TargetID != tgt.ID {
		t.Fatalf("detection attributed to %s, want %s", ev.TargetID, tgt.ID)
	}
	if got, want := fx.backend.lastRegion(), image.Rect(40, 30, 240, 180); got != want {
		t.Fatalf("captured region %v, want ROI %v", got, want)
	}
	fx.loop.Stop()
}

func TestMoveRejectionPublishesActuationError(t *testing.T) {
	fx := newFixture(t, testConfig())
	patch := noisePatch(48, 48, 13)
	fx.backend.setScreen(withPatch(patch, image.Pt(50, 50)))
	if _, err := fx.loop.Train(context.Background(), "near-edge", image.Rect(50, 50, 98, 98)); err != nil {
		t.Fatalf("train: %v", err)
	}
	fx.mover.fail = &motion.ActuationError{Point: image.Pt(74, 74), Err: motion.ErrOutOfBounds}

	if err := fx.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ev := waitEvent(t, fx.loop, EventActuationError, 5*time.Second)
	if !errors.Is(ev.Err, motion.ErrOutOfBounds) {
		t.Fatalf("actuation event error = %v", ev.Err)
	}
	fx.loop.Stop()
}

func TestAsyncMoverErrorsBecomeEvents(t *testing.T) {
	fx := newFixture(t, testConfig())
	late := errors.New("pointer vanished mid-move")
	fx.mover.errs <- late
	ev := waitEvent(t, fx.loop, EventActuationError, 5*time.Second)
	if !errors.Is(ev.Err, late) {
		t.Fatalf("async actuation event error = %v", ev.Err)
	}
}

func TestStartIsIdempotentAndCloseEndsTheLoop(t *testing.T) {
	fx := newFixture(t, testConfig())
	if err := fx.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := fx.loop.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if got := fx.loop.Current(); got != StateDetecting {
		t.Fatalf("state = %v, want detecting", got)
	}

	fx.loop.Close()
	if err := fx.loop.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after close = %v, want ErrClosed", err)
	}
	if _, err := fx.loop.Train(context.Background(), "x", image.Rectangle{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("train after close = %v, want ErrClosed", err)
	}
}
