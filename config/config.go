package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// ROI is a rectangular region of interest in screen coordinates.
type ROI struct {
	X int `json:"x" ini:"x"`
	Y int `json:"y" ini:"y"`
	W int `json:"w" ini:"w"`
	H int `json:"h" ini:"h"`
}

// DetectionConfig controls capture cadence and matching behavior.
type DetectionConfig struct {
	CaptureIntervalMS int     `json:"capture_interval_ms"`
	UseROI            bool    `json:"use_roi"`
	ROI               ROI     `json:"roi"`
	Method            string  `json:"method"`
	Threshold         float64 `json:"threshold"`
	Stride            int     `json:"stride"`
	MaxMatches        int     `json:"max_matches"`
	MinKeypoints      int     `json:"min_keypoints"`
}

// MotionConfig controls how the pointer is driven toward a match.
type MotionConfig struct {
	Speed          float64 `json:"speed"`
	Smooth         bool    `json:"smooth"`
	ClickOnArrival bool    `json:"click_on_arrival"`
	Button         string  `json:"button"`
}

// ApplicationConfig holds runtime wiring that is neither detection nor motion.
type ApplicationConfig struct {
	AutoStart       bool     `json:"auto_start"`
	TargetsPath     string   `json:"targets_path"`
	HistoryPath     string   `json:"history_path"`
	Debug           bool     `json:"debug"`
	ActiveTargetIDs []string `json:"active_target_ids"`
}

// Config is the full runtime configuration. Fields may be loaded from a JSON
// or INI file and overridden by command-line flags.
type Config struct {
	Detection   DetectionConfig   `json:"detection"`
	Motion      MotionConfig      `json:"motion"`
	Application ApplicationConfig `json:"application"`
}

// DefaultConfig returns a Config populated with standard defaults.
func DefaultConfig() *Config {
	return &Config{
		Detection: DetectionConfig{
			CaptureIntervalMS: 1000,
			UseROI:            false,
			ROI:               ROI{X: 0, Y: 0, W: 800, H: 600},
			Method:            "template",
			Threshold:         0.80,
			Stride:            4,
			MaxMatches:        0,
			MinKeypoints:      8,
		},
		Motion: MotionConfig{
			Speed:          5.0,
			Smooth:         true,
			ClickOnArrival: false,
			Button:         "left",
		},
		Application: ApplicationConfig{
			AutoStart:       false,
			TargetsPath:     "targets.yaml",
			HistoryPath:     "",
			Debug:           false,
			ActiveTargetIDs: nil,
		},
	}
}

// Validate rejects invalid values with an error naming the field and the
// offending value. It never adjusts the configuration: a Config that fails
// validation must not be used.
func (c *Config) Validate() error {
	d := c.Detection
	if d.CaptureIntervalMS < 1 || d.CaptureIntervalMS > 10000 {
		return fmt.Errorf("detection.capture_interval_ms must be in [1, 10000], got %d", d.CaptureIntervalMS)
	}
	if d.UseROI && (d.ROI.W <= 0 || d.ROI.H <= 0) {
		return fmt.Errorf("detection.roi must have positive width and height, got %dx%d", d.ROI.W, d.ROI.H)
	}
	switch normalizeMethod(d.Method) {
	case "template", "feature":
	default:
		return fmt.Errorf("detection.method must be %q or %q, got %q", "template", "feature", d.Method)
	}
	if d.Threshold < 0 || d.Threshold > 1 {
		return fmt.Errorf("detection.threshold must be in [0, 1], got %v", d.Threshold)
	}
	if d.Stride < 1 {
		return fmt.Errorf("detection.stride must be >= 1, got %d", d.Stride)
	}
	if d.MaxMatches < 0 {
		return fmt.Errorf("detection.max_matches must be >= 0, got %d", d.MaxMatches)
	}
	if d.MinKeypoints < 4 {
		return fmt.Errorf("detection.min_keypoints must be >= 4, got %d", d.MinKeypoints)
	}
	m := c.Motion
	if m.Speed < 1 || m.Speed > 10 {
		return fmt.Errorf("motion.speed must be in [1, 10], got %v", m.Speed)
	}
	switch m.Button {
	case "left", "right", "middle":
	default:
		return fmt.Errorf("motion.button must be one of left, right, middle, got %q", m.Button)
	}
	return nil
}

// normalizeMethod maps the long-form method names found in older
// configuration files onto the short canonical ones.
func normalizeMethod(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "template", "template_matching":
		return "template"
	case "feature", "feature_matching":
		return "feature"
	default:
		return s
	}
}

// NormalizedMethod returns the canonical method name ("template" or
// "feature") for the configured detection method.
func (c *Config) NormalizedMethod() string {
	return normalizeMethod(c.Detection.Method)
}

// Load reads configuration from the given path, dispatching on the file
// extension: ".ini" files use the sectioned INI format, everything else is
// JSON. If the file does not exist it returns DefaultConfig(). The returned
// configuration is validated; invalid values are rejected, never clamped.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	var err error
	if strings.EqualFold(filepath.Ext(path), ".ini") {
		err = loadINI(path, cfg)
	} else {
		err = loadJSON(path, cfg)
	}
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func loadJSON(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(cfg)
}

func loadINI(path string, cfg *Config) error {
	f, err := ini.Load(path)
	if err != nil {
		return err
	}
	det := f.Section("detection")
	cfg.Detection.CaptureIntervalMS = det.Key("capture_interval_ms").MustInt(cfg.Detection.CaptureIntervalMS)
	cfg.Detection.UseROI = det.Key("use_roi").MustBool(cfg.Detection.UseROI)
	cfg.Detection.ROI.X = det.Key("roi_x").MustInt(cfg.Detection.ROI.X)
	cfg.Detection.ROI.Y = det.Key("roi_y").MustInt(cfg.Detection.ROI.Y)
	cfg.Detection.ROI.W = det.Key("roi_w").MustInt(cfg.Detection.ROI.W)
	cfg.Detection.ROI.H = det.Key("roi_h").MustInt(cfg.Detection.ROI.H)
	cfg.Detection.Method = det.Key("method").MustString(cfg.Detection.Method)
	cfg.Detection.Threshold = det.Key("threshold").MustFloat64(cfg.Detection.Threshold)
	cfg.Detection.Stride = det.Key("stride").MustInt(cfg.Detection.Stride)
	cfg.Detection.MaxMatches = det.Key("max_matches").MustInt(cfg.Detection.MaxMatches)
	cfg.Detection.MinKeypoints = det.Key("min_keypoints").MustInt(cfg.Detection.MinKeypoints)

	mot := f.Section("motion")
	cfg.Motion.Speed = mot.Key("speed").MustFloat64(cfg.Motion.Speed)
	cfg.Motion.Smooth = mot.Key("smooth").MustBool(cfg.Motion.Smooth)
	cfg.Motion.ClickOnArrival = mot.Key("click_on_arrival").MustBool(cfg.Motion.ClickOnArrival)
	cfg.Motion.Button = mot.Key("button").MustString(cfg.Motion.Button)

	app := f.Section("application")
	cfg.Application.AutoStart = app.Key("auto_start").MustBool(cfg.Application.AutoStart)
	cfg.Application.TargetsPath = app.Key("targets_path").MustString(cfg.Application.TargetsPath)
	cfg.Application.HistoryPath = app.Key("history_path").MustString(cfg.Application.HistoryPath)
	cfg.Application.Debug = app.Key("debug").MustBool(cfg.Application.Debug)
	if ids := app.Key("active_target_ids").Strings(","); len(ids) > 0 {
		cfg.Application.ActiveTargetIDs = ids
	}
	return nil
}

// Save writes the configuration to the given path in JSON format.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}
