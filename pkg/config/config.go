// Package config loads seisq settings from a YAML or JSONC file, the
// environment, and an optional .env file.
//
// Precedence, lowest first: Default(), the config file, environment
// variables. CLI flags are applied by cmd/sq on top of the result.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/daviddao/seisq/pkg/coords"
	"github.com/daviddao/seisq/pkg/logging"
	"github.com/daviddao/seisq/pkg/schema"
	"github.com/daviddao/seisq/pkg/store"
)

// Config is the full settings tree.
type Config struct {
	CoordinateMapping CoordinateMapping `yaml:"coordinate_mapping" json:"coordinate_mapping"`
	Presets           Presets           `yaml:"presets" json:"presets"`
	Limits            schema.Limits     `yaml:"limits" json:"limits"`
	History           History           `yaml:"history" json:"history"`
	Listener          Listener          `yaml:"listener" json:"listener"`
	Dispatch          Dispatch          `yaml:"dispatch" json:"dispatch"`
	Store             store.Options     `yaml:"store" json:"store"`
	Log               logging.Config    `yaml:"log" json:"log"`
}

// CoordinateMapping holds the two-point calibration for each axis pair.
// A nil entry leaves that axis uncalibrated.
type CoordinateMapping struct {
	CrosslineToX *Calibration `yaml:"crossline_to_x,omitempty" json:"crossline_to_x,omitempty"`
	InlineToY    *Calibration `yaml:"inline_to_y,omitempty" json:"inline_to_y,omitempty"`
	DepthToZ     *Calibration `yaml:"depth_to_z,omitempty" json:"depth_to_z,omitempty"`
}

// Calibration is a pair of known points. Each point is keyed by axis name,
// e.g. {crossline: 25519, x: 159488}.
type Calibration struct {
	Point1 CalPoint `yaml:"point1" json:"point1"`
	Point2 CalPoint `yaml:"point2" json:"point2"`
}

// CalPoint maps axis names to values. Decoding replaces the whole point
// rather than merging keys into the default.
type CalPoint map[string]float64

func (p *CalPoint) UnmarshalYAML(n *yaml.Node) error {
	m := map[string]float64{}
	if err := n.Decode(&m); err != nil {
		return err
	}
	*p = m
	return nil
}

func (p *CalPoint) UnmarshalJSON(b []byte) error {
	m := map[string]float64{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*p = m
	return nil
}

// Presets are the step sizes for quick actions.
type Presets struct {
	GainUpFactor   float64 `yaml:"gain_up_factor" json:"gain_up_factor"`
	GainDownFactor float64 `yaml:"gain_down_factor" json:"gain_down_factor"`
	RotationStep   float64 `yaml:"rotation_step" json:"rotation_step"` // radians
	ZoomInFactor   float64 `yaml:"zoom_in_factor" json:"zoom_in_factor"`
	ZoomOutFactor  float64 `yaml:"zoom_out_factor" json:"zoom_out_factor"`
	ScaleMin       float64 `yaml:"scale_min" json:"scale_min"`
	ScaleMax       float64 `yaml:"scale_max" json:"scale_max"`
}

// History configures undo depth.
type History struct {
	Depth int `yaml:"depth" json:"depth"`
}

// Listener configures the polling loop.
type Listener struct {
	ID                string   `yaml:"id" json:"id"`
	UserID            string   `yaml:"user_id" json:"user_id"` // empty: claim for every user
	PollInterval      Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxPerCycle       int      `yaml:"max_per_cycle" json:"max_per_cycle"`
	HeartbeatEvery    int      `yaml:"heartbeat_every" json:"heartbeat_every"`
	StartupMaxElapsed Duration `yaml:"startup_max_elapsed" json:"startup_max_elapsed"`
	ErrorBackoff      Duration `yaml:"error_backoff" json:"error_backoff"`
}

// Dispatch configures command execution.
type Dispatch struct {
	Timeout Duration `yaml:"timeout" json:"timeout"`
	// MarkRetry bounds how long a status write is retried before the
	// command is held for the next cycle.
	MarkRetry Duration `yaml:"mark_retry" json:"mark_retry"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		CoordinateMapping: CoordinateMapping{
			CrosslineToX: &Calibration{
				Point1: CalPoint{"crossline": 25519, "x": 159488},
				Point2: CalPoint{"crossline": 25599, "x": 159988},
			},
			InlineToY: &Calibration{
				Point1: CalPoint{"inline": 9000, "y": 100000},
				Point2: CalPoint{"inline": 9400, "y": 110000},
			},
			DepthToZ: &Calibration{
				Point1: CalPoint{"depth": 1000, "z": 1000},
				Point2: CalPoint{"depth": 6000, "z": 6000},
			},
		},
		Presets: Presets{
			GainUpFactor:   1.2,
			GainDownFactor: 0.8,
			RotationStep:   0.1,
			ZoomInFactor:   1.1,
			ZoomOutFactor:  0.9,
			ScaleMin:       0.1,
			ScaleMax:       3.0,
		},
		Limits:  schema.DefaultLimits(),
		History: History{Depth: 20},
		Listener: Listener{
			PollInterval:      Duration(2 * time.Second),
			MaxPerCycle:       10,
			HeartbeatEvery:    10,
			StartupMaxElapsed: Duration(time.Minute),
			ErrorBackoff:      Duration(5 * time.Second),
		},
		Dispatch: Dispatch{Timeout: Duration(10 * time.Second), MarkRetry: Duration(30 * time.Second)},
		Store:    store.Options{Driver: store.DriverSQLite, Path: DefaultDB},
		Log:      logging.DefaultConfig(),
	}
}

// DefaultDir, DefaultDB and DefaultConfigFile are used when nothing else
// is set.
const (
	DefaultDir        = ".seisq"
	DefaultDB         = ".seisq/seisq.db"
	DefaultConfigFile = ".seisq/seisq.yaml"
)

// Load reads path over Default(). Files ending in .json or .jsonc are
// parsed as JSON with comments; everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Decode(path, data, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Decode parses data into cfg, choosing the format from path's extension.
func Decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// ErrInvalid is matched by every settings error other than calibration,
// which matches coords.ErrConfig.
var ErrInvalid = errors.New("invalid config")

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	if _, err := c.Mapper(); err != nil {
		return err
	}
	p := c.Presets
	for name, f := range map[string]float64{
		"gain_up_factor": p.GainUpFactor, "gain_down_factor": p.GainDownFactor,
		"zoom_in_factor": p.ZoomInFactor, "zoom_out_factor": p.ZoomOutFactor,
	} {
		if f <= 0 {
			return fmt.Errorf("%w: presets.%s must be positive, got %g", ErrInvalid, name, f)
		}
	}
	if p.RotationStep <= 0 || p.RotationStep > math.Pi {
		return fmt.Errorf("%w: presets.rotation_step must be in (0, pi], got %g", ErrInvalid, p.RotationStep)
	}
	if p.ScaleMin <= 0 || p.ScaleMin > p.ScaleMax {
		return fmt.Errorf("%w: presets.scale_min/scale_max out of order: %g, %g", ErrInvalid, p.ScaleMin, p.ScaleMax)
	}
	if c.History.Depth < 1 {
		return fmt.Errorf("%w: history.depth must be at least 1, got %d", ErrInvalid, c.History.Depth)
	}
	if c.Listener.PollInterval.Std() <= 0 {
		return fmt.Errorf("%w: listener.poll_interval must be positive", ErrInvalid)
	}
	if c.Listener.MaxPerCycle < 1 || c.Listener.HeartbeatEvery < 1 {
		return fmt.Errorf("%w: listener.max_per_cycle and heartbeat_every must be at least 1", ErrInvalid)
	}
	if c.Dispatch.Timeout.Std() <= 0 {
		return fmt.Errorf("%w: dispatch.timeout must be positive", ErrInvalid)
	}
	if c.Dispatch.MarkRetry.Std() < 0 {
		return fmt.Errorf("%w: dispatch.mark_retry must not be negative", ErrInvalid)
	}
	return nil
}

// Mapper builds the coordinate mapper from the calibration section.
func (c Config) Mapper() (*coords.Mapper, error) {
	var mappings []coords.Mapping
	for _, entry := range []struct {
		axis coords.Axis
		cal  *Calibration
	}{
		{coords.Crossline, c.CoordinateMapping.CrosslineToX},
		{coords.Inline, c.CoordinateMapping.InlineToY},
		{coords.Depth, c.CoordinateMapping.DepthToZ},
	} {
		if entry.cal == nil {
			continue
		}
		m, err := entry.cal.mapping(entry.axis)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return coords.New(mappings...)
}

func (cal *Calibration) mapping(axis coords.Axis) (coords.Mapping, error) {
	m := coords.Mapping{Axis: axis}
	for i, p := range []CalPoint{cal.Point1, cal.Point2} {
		d, okD := p[string(axis)]
		e, okE := p[axis.EngineAxis()]
		if !okD || !okE {
			return m, &coords.ConfigError{
				Axis:   axis,
				Reason: fmt.Sprintf("point%d needs %q and %q", i+1, axis, axis.EngineAxis()),
			}
		}
		m.Points = append(m.Points, coords.Point{Domain: d, Engine: e})
	}
	return m, nil
}

// Duration is a time.Duration written as a string such as "2s" in config
// files.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
