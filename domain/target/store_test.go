package target

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/vigca/vigca-go/domain/vision"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// noisePatch returns a deterministic grayscale noise image. Noise has high
// variance, so template descriptors extract from it reliably.
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

// dotPatch returns a dark image with bright 3x3 blobs, enough corner
// structure for feature descriptors.
func dotPatch(w, h int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 16, G: 16, B: 16, A: 255}), image.Point{}, draw.Src)
	for i := 0; i < (w*h)/300; i++ {
		cx := 12 + rng.Intn(w-24)
		cy := 12 + rng.Intn(h-24)
		v := uint8(140 + rng.Intn(116))
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				img.SetRGBA(cx+dx, cy+dy, color.RGBA{R: v, G: v, B: v, A: 255})
			}
		}
	}
	return img
}

func mustDescriptor(t *testing.T, method vision.Method, img image.Image) *vision.Descriptor {
	t.Helper()
	desc, err := vision.NewExtractor(method, 8).Extract(img)
	if err != nil {
		t.Fatalf("extract descriptor: %v", err)
	}
	return desc
}

// addNoiseTarget trains a 48x32 template-method target from seeded noise.
func addNoiseTarget(t *testing.T, s *Store, name string, seed int64) *Target {
	t.Helper()
	img := noisePatch(48, 32, seed)
	tgt, err := s.Create(name, image.Rect(10, 20, 58, 52), img, mustDescriptor(t, vision.MethodTemplate, img))
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return tgt
}

func TestCreateAssignsIdentityAndEnables(t *testing.T) {
	s := NewStore(discardLogger(), 8)
	tgt := addNoiseTarget(t, s, "login-button", 1)
	if tgt.ID == "" {
		t.Fatal("created target has empty id")
	}
	if !tgt.Enabled {
		t.Fatal("created target should start enabled")
	}
	if tgt.CreatedAt.IsZero() {
		t.Fatal("created target has zero CreatedAt")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	got, ok := s.Get(tgt.ID)
	if !ok {
		t.Fatalf("Get(%s) did not find the target", tgt.ID)
	}
	if got.Name != "login-button" {
		t.Fatalf("Get returned name %q", got.Name)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	s := NewStore(discardLogger(), 8)
	img := noisePatch(48, 32, 2)
	desc := mustDescriptor(t, vision.MethodTemplate, img)

	if _, err := s.Create("", image.Rect(0, 0, 48, 32), img, desc); err == nil {
		t.Fatal("empty name accepted")
	}
	if _, err := s.Create("x", image.Rect(0, 0, 48, 32), img, nil); err == nil {
		t.Fatal("nil descriptor accepted")
	}
	if _, err := s.Create("x", image.Rect(0, 0, 64, 32), img, desc); err == nil {
		t.Fatal("region wider than descriptor accepted")
	}
	if s.Len() != 0 {
		t.Fatalf("failed creates must not add targets, Len() = %d", s.Len())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(discardLogger(), 8)
	first := addNoiseTarget(t, s, "first", 10)
	second := addNoiseTarget(t, s, "second", 11)

	dots := dotPatch(120, 120, 12)
	third, err := s.Create("third", image.Rect(0, 0, 120, 120), dots, mustDescriptor(t, vision.MethodFeature, dots))
	if err != nil {
		t.Fatalf("create feature target: %v", err)
	}
	if err := s.SetEnabled(second.ID, false); err != nil {
		t.Fatalf("disable second: %v", err)
	}

	path := filepath.Join(t.TempDir(), "targets.yaml")
	if err := s.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := NewStore(discardLogger(), 8)
	if err := loaded.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Len() != 3 {
		t.Fatalf("loaded %d targets, want 3", loaded.Len())
	}

	all := loaded.All()
	wantIDs := []string{first.ID, second.ID, third.ID}
	for i, want := range wantIDs {
		if all[i].ID != want {
			t.Fatalf("target %d has id %s, want %s (file order must be preserved)", i, all[i].ID, want)
		}
	}
	if all[1].Enabled {
		t.Fatal("second target should load disabled")
	}
	if got := all[2].Method(); got != vision.MethodFeature {
		t.Fatalf("third target loaded with method %s, want feature", got)
	}
	for i, orig := range []*Target{first, second, third} {
		got := all[i]
		if got.Name != orig.Name {
			t.Fatalf("target %d name %q, want %q", i, got.Name, orig.Name)
		}
		if got.Region != orig.Region {
			t.Fatalf("target %d region %v, want %v", i, got.Region, orig.Region)
		}
		if got.Descriptor.Fingerprint() != orig.Descriptor.Fingerprint() {
			t.Fatalf("target %d fingerprint changed across save/load", i)
		}
	}
}

func TestLoadMissingFileLeavesStoreEmpty(t *testing.T) {
	s := NewStore(discardLogger(), 8)
	if err := s.Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("missing file should not error, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d after loading missing file", s.Len())
	}
}

func TestLoadUnsupportedVersionFailsClosed(t *testing.T) {
	s := NewStore(discardLogger(), 8)
	existing := addNoiseTarget(t, s, "keep-me", 20)

	path := filepath.Join(t.TempDir(), "future.yaml")
	data, err := yaml.Marshal(&libraryFile{Version: libraryVersion + 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	err = s.Load(path)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("Load() error = %v, want ErrUnsupportedVersion", err)
	}
	if s.Len() != 1 {
		t.Fatalf("store modified by failed load, Len() = %d", s.Len())
	}
	if _, ok := s.Get(existing.ID); !ok {
		t.Fatal("existing target lost after failed load")
	}
}

func TestLoadSkipsCorruptRecords(t *testing.T) {
	s := NewStore(discardLogger(), 8)
	good := addNoiseTarget(t, s, "good", 30)
	addNoiseTarget(t, s, "bad", 31)

	path := filepath.Join(t.TempDir(), "targets.yaml")
	if err := s.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc libraryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	doc.Targets[1].Template = "!!! not base64 !!!"
	dup := doc.Targets[0]
	doc.Targets = append(doc.Targets, dup)
	data, err = yaml.Marshal(&doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded := NewStore(discardLogger(), 8)
	if err := loaded.Load(path); err != nil {
		t.Fatalf("load with corrupt record should not error, got %v", err)
	}
	if loaded.Len() != 1 {
		t.Fatalf("loaded %d targets, want 1 (corrupt and duplicate records skipped)", loaded.Len())
	}
	if _, ok := loaded.Get(good.ID); !ok {
		t.Fatal("intact record was not loaded")
	}
}

func TestSnapshotsAreDetached(t *testing.T) {
	s := NewStore(discardLogger(), 8)
	a := addNoiseTarget(t, s, "alpha", 40)
	b := addNoiseTarget(t, s, "beta", 41)

	snap := s.Enabled()
	if len(snap) != 2 {
		t.Fatalf("Enabled() returned %d targets, want 2", len(snap))
	}

	if err := s.Rename(a.ID, "renamed"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := s.SetEnabled(b.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if snap[0].Name != "alpha" || !snap[1].Enabled {
		t.Fatal("snapshot changed after store mutation")
	}

	snap[0].Name = "scribbled"
	if got, _ := s.Get(a.ID); got.Name != "renamed" {
		t.Fatalf("store name %q changed through a snapshot", got.Name)
	}

	if left := s.Enabled(); len(left) != 1 || left[0].ID != a.ID {
		t.Fatalf("Enabled() after disable = %d targets", len(left))
	}
}

func TestApplyEnabledSet(t *testing.T) {
	s := NewStore(discardLogger(), 8)
	addNoiseTarget(t, s, "one", 50)
	two := addNoiseTarget(t, s, "two", 51)
	addNoiseTarget(t, s, "three", 52)

	s.ApplyEnabledSet(nil)
	if got := len(s.Enabled()); got != 3 {
		t.Fatalf("nil set must be a no-op, Enabled() = %d", got)
	}

	s.ApplyEnabledSet([]string{two.ID, "no-such-id"})
	en := s.Enabled()
	if len(en) != 1 || en[0].ID != two.ID {
		t.Fatalf("Enabled() after ApplyEnabledSet = %+v, want only %s", en, two.ID)
	}

	s.ApplyEnabledSet([]string{})
	if got := len(s.Enabled()); got != 0 {
		t.Fatalf("empty set must disable everything, Enabled() = %d", got)
	}
}

func TestSimilarMatchesByFingerprintDistance(t *testing.T) {
	s := NewStore(discardLogger(), 8)
	tgt := addNoiseTarget(t, s, "orig", 60)
	fp := tgt.Descriptor.Fingerprint()

	found, ok := s.Similar(fp, 0)
	if !ok || found.ID != tgt.ID {
		t.Fatalf("Similar(exact) = %v, %v", found, ok)
	}
	if _, ok := s.Similar(fp^0x3, 0); ok {
		t.Fatal("Similar matched at distance 2 with maxDist 0")
	}
	if _, ok := s.Similar(fp^0x3, 2); !ok {
		t.Fatal("Similar missed at distance 2 with maxDist 2")
	}
	if _, ok := s.Similar(^fp, 4); ok {
		t.Fatal("Similar matched a fully inverted fingerprint")
	}
}

func TestRetrainReplacesDescriptor(t *testing.T) {
	s := NewStore(discardLogger(), 8)
	tgt := addNoiseTarget(t, s, "button", 70)

	img := noisePatch(64, 64, 71)
	region := image.Rect(5, 5, 69, 69)
	if err := s.Retrain(tgt.ID, region, img, mustDescriptor(t, vision.MethodTemplate, img)); err != nil {
		t.Fatalf("retrain: %v", err)
	}
	got, _ := s.Get(tgt.ID)
	if got.Region != region {
		t.Fatalf("region after retrain = %v, want %v", got.Region, region)
	}
	if w, h := got.Descriptor.Size(); w != 64 || h != 64 {
		t.Fatalf("descriptor after retrain is %dx%d, want 64x64", w, h)
	}

	if err := s.Retrain("ghost", region, img, mustDescriptor(t, vision.MethodTemplate, img)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("retrain unknown id error = %v, want ErrNotFound", err)
	}
}

func TestDeletePreservesOrder(t *testing.T) {
	s := NewStore(discardLogger(), 8)
	a := addNoiseTarget(t, s, "a", 80)
	b := addNoiseTarget(t, s, "b", 81)
	c := addNoiseTarget(t, s, "c", 82)

	if err := s.Delete(b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all := s.All()
	if len(all) != 2 || all[0].ID != a.ID || all[1].ID != c.ID {
		t.Fatalf("order after delete = %v", all)
	}
	if _, ok := s.Get(b.ID); ok {
		t.Fatal("deleted target still retrievable")
	}
	if err := s.Delete(b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete error = %v, want ErrNotFound", err)
	}
}

func TestMutatorsRejectUnknownID(t *testing.T) {
	s := NewStore(discardLogger(), 8)
	if err := s.Rename("ghost", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Rename error = %v, want ErrNotFound", err)
	}
	if err := s.SetEnabled("ghost", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetEnabled error = %v, want ErrNotFound", err)
	}
}
