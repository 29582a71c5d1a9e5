package target

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/vigca/vigca-go/domain/vision"
)

// libraryVersion is the persistence format this build reads and writes.
const libraryVersion = 1

// ErrUnsupportedVersion is returned when a target library file declares a
// version this build does not understand. Nothing is loaded from such a
// file: guessing at an unknown format could corrupt every target in it.
var ErrUnsupportedVersion = errors.New("target: unsupported library version")

// ErrNotFound is returned when no target has the requested id.
var ErrNotFound = errors.New("target: not found")

// Store holds the trained targets in insertion order. All methods are safe
// for concurrent use; read methods hand out copies, so a snapshot taken
// for a detection pass is never torn by concurrent training.
type Store struct {
	logger *slog.Logger

	mu    sync.RWMutex
	order []string
	byID  map[string]*Target

	extractors map[vision.Method]*vision.Extractor
}

// NewStore returns an empty store. minKeypoints configures the extractors
// used to rebuild descriptors when loading a library file.
func NewStore(logger *slog.Logger, minKeypoints int) *Store {
	return &Store{
		logger: logger,
		byID:   map[string]*Target{},
		extractors: map[vision.Method]*vision.Extractor{
			vision.MethodTemplate: vision.NewExtractor(vision.MethodTemplate, minKeypoints),
			vision.MethodFeature:  vision.NewExtractor(vision.MethodFeature, minKeypoints),
		},
	}
}

// Create adds a new enabled target and returns a copy of it. The name must
// be non-empty and the descriptor must describe exactly the given region's
// dimensions.
func (s *Store) Create(name string, region image.Rectangle, tmpl image.Image, desc *vision.Descriptor) (*Target, error) {
	if name == "" {
		return nil, errors.New("target: name must not be empty")
	}
	if desc == nil {
		return nil, errors.New("target: nil descriptor")
	}
	if w, h := desc.Size(); w != region.Dx() || h != region.Dy() {
		return nil, fmt.Errorf("target: descriptor is %dx%d but region %v is %dx%d", w, h, region, region.Dx(), region.Dy())
	}
	t := &Target{
		ID:         uuid.NewString(),
		Name:       name,
		Region:     region,
		Template:   tmpl,
		Descriptor: desc,
		Enabled:    true,
		CreatedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.byID[t.ID] = t
	s.order = append(s.order, t.ID)
	s.mu.Unlock()
	s.logger.Info("target.created", "id", t.ID, "name", t.Name, "region", t.Region.String(), "method", t.Method().String())
	return t.clone(), nil
}

// Retrain replaces a target's region, template and descriptor in one step.
func (s *Store) Retrain(id string, region image.Rectangle, tmpl image.Image, desc *vision.Descriptor) error {
	if desc == nil {
		return errors.New("target: nil descriptor")
	}
	if w, h := desc.Size(); w != region.Dx() || h != region.Dy() {
		return fmt.Errorf("target: descriptor is %dx%d but region %v is %dx%d", w, h, region, region.Dx(), region.Dy())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.Region = region
	t.Template = tmpl
	t.Descriptor = desc
	return nil
}

// Rename changes a target's display name.
func (s *Store) Rename(id, name string) error {
	if name == "" {
		return errors.New("target: name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.Name = name
	return nil
}

// SetEnabled toggles whether a target participates in detection.
func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.Enabled = enabled
	return nil
}

// Delete removes a target.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a copy of the target with the given id.
func (s *Store) Get(id string) (*Target, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Len reports how many targets the store holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// All returns copies of every target in insertion order.
func (s *Store) All() []*Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Target, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].clone())
	}
	return out
}

// Enabled returns copies of the enabled targets in insertion order. The
// returned snapshot is detached from the store: concurrent mutations do
// not affect it.
func (s *Store) Enabled() []*Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Target, 0, len(s.order))
	for _, id := range s.order {
		if t := s.byID[id]; t.Enabled {
			out = append(out, t.clone())
		}
	}
	return out
}

// ApplyEnabledSet enables exactly the listed targets and disables the
// rest. A nil list leaves the store as it was.
func (s *Store) ApplyEnabledSet(ids []string) {
	if ids == nil {
		return
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.byID {
		t.Enabled = want[id]
	}
}

// Similar returns a copy of the first target (in insertion order) whose
// descriptor fingerprint is within maxDist bits of fp.
func (s *Store) Similar(fp uint64, maxDist int) (*Target, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		t := s.byID[id]
		if vision.FingerprintDistance(t.Descriptor.Fingerprint(), fp) <= maxDist {
			return t.clone(), true
		}
	}
	return nil, false
}

// libraryFile is the on-disk shape of a target library.
type libraryFile struct {
	Version int             `yaml:"version"`
	Targets []libraryRecord `yaml:"targets"`
}

type libraryRecord struct {
	ID        string        `yaml:"id"`
	Name      string        `yaml:"name"`
	Region    libraryRegion `yaml:"region"`
	Method    string        `yaml:"method"`
	Template  string        `yaml:"template"`
	Enabled   bool          `yaml:"enabled"`
	CreatedAt time.Time     `yaml:"created_at"`
}

type libraryRegion struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
	W int `yaml:"w"`
	H int `yaml:"h"`
}

// Save writes the whole store to path as a versioned YAML library. The
// descriptor itself is not serialized; the template pixels are, and the
// descriptor is rebuilt from them on load.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	doc := libraryFile{Version: libraryVersion}
	for _, id := range s.order {
		t := s.byID[id]
		enc, err := encodeTemplate(t.Template)
		if err != nil {
			s.mu.RUnlock()
			return fmt.Errorf("target: encode template for %s: %w", t.ID, err)
		}
		doc.Targets = append(doc.Targets, libraryRecord{
			ID:   t.ID,
			Name: t.Name,
			Region: libraryRegion{
				X: t.Region.Min.X,
				Y: t.Region.Min.Y,
				W: t.Region.Dx(),
				H: t.Region.Dy(),
			},
			Method:    t.Method().String(),
			Template:  enc,
			Enabled:   t.Enabled,
			CreatedAt: t.CreatedAt,
		})
	}
	s.mu.RUnlock()
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load replaces the store contents with the library at path. A missing
// file leaves the store empty. An unsupported version fails closed and
// leaves the store untouched. Individual records that fail to decode or
// re-extract are skipped with a warning; the rest of the file loads.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var doc libraryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("target: parse library %s: %w", path, err)
	}
	if doc.Version != libraryVersion {
		return fmt.Errorf("%w: file %s has version %d, this build supports %d", ErrUnsupportedVersion, path, doc.Version, libraryVersion)
	}
	order := make([]string, 0, len(doc.Targets))
	byID := make(map[string]*Target, len(doc.Targets))
	for i, rec := range doc.Targets {
		t, err := s.restore(rec)
		if err != nil {
			s.logger.Warn("target.load.skip", "index", i, "id", rec.ID, "name", rec.Name, "error", err)
			continue
		}
		if _, dup := byID[t.ID]; dup {
			s.logger.Warn("target.load.skip", "index", i, "id", rec.ID, "error", "duplicate id")
			continue
		}
		byID[t.ID] = t
		order = append(order, t.ID)
	}
	s.mu.Lock()
	s.order = order
	s.byID = byID
	s.mu.Unlock()
	s.logger.Info("target.loaded", "path", path, "targets", len(order), "skipped", len(doc.Targets)-len(order))
	return nil
}

// restore rebuilds one Target from its stored record, re-extracting the
// descriptor from the stored template pixels.
func (s *Store) restore(rec libraryRecord) (*Target, error) {
	if rec.ID == "" {
		return nil, errors.New("missing id")
	}
	if rec.Name == "" {
		return nil, errors.New("missing name")
	}
	method, err := vision.ParseMethod(rec.Method)
	if err != nil {
		return nil, err
	}
	tmpl, err := decodeTemplate(rec.Template)
	if err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	b := tmpl.Bounds()
	if rec.Region.W != b.Dx() || rec.Region.H != b.Dy() {
		return nil, fmt.Errorf("region %dx%d does not match template %dx%d", rec.Region.W, rec.Region.H, b.Dx(), b.Dy())
	}
	desc, err := s.extractors[method].Extract(tmpl)
	if err != nil {
		return nil, fmt.Errorf("rebuild descriptor: %w", err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &Target{
		ID:         rec.ID,
		Name:       rec.Name,
		Region:     image.Rect(rec.Region.X, rec.Region.Y, rec.Region.X+rec.Region.W, rec.Region.Y+rec.Region.H),
		Template:   tmpl,
		Descriptor: desc,
		Enabled:    rec.Enabled,
		CreatedAt:  created,
	}, nil
}

func encodeTemplate(img image.Image) (string, error) {
	if img == nil {
		return "", errors.New("nil template")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeTemplate(enc string) (image.Image, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return img, nil
}
