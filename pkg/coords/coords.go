// Package coords converts between seismic domain coordinates (crossline,
// inline, depth) and the engine's native X/Y/Z coordinates.
//
// Each axis pair is calibrated with two known points. The transform is the
// line through those points:
//
//	slope     = (e2 - e1) / (d2 - d1)
//	intercept = e1 - slope*d1
//	engine    = round(slope*domain + intercept)
//	domain    = round((engine - intercept) / slope)
//
// Both directions round to the nearest integer because inline/crossline
// numbers and engine coordinates are integral by convention.
package coords

import (
	"errors"
	"fmt"
	"math"
)

// Axis names a domain axis.
type Axis string

const (
	Crossline Axis = "crossline"
	Inline    Axis = "inline"
	Depth     Axis = "depth"
)

// Axes lists the domain axes in X, Y, Z order.
var Axes = []Axis{Crossline, Inline, Depth}

// EngineAxis returns the engine axis paired with a domain axis.
func (a Axis) EngineAxis() string {
	switch a {
	case Crossline:
		return "x"
	case Inline:
		return "y"
	case Depth:
		return "z"
	}
	return ""
}

// ErrConfig is matched by every calibration error.
var ErrConfig = errors.New("coordinate mapping config")

// ConfigError reports unusable calibration data. It is fatal at startup.
type ConfigError struct {
	Axis   Axis
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Axis == "" {
		return fmt.Sprintf("coordinate mapping: %s", e.Reason)
	}
	return fmt.Sprintf("coordinate mapping %s: %s", e.Axis, e.Reason)
}

// Is makes errors.Is(err, ErrConfig) true for every ConfigError.
func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// Point is one calibration pair.
type Point struct {
	Domain float64 `json:"domain" yaml:"domain"`
	Engine float64 `json:"engine" yaml:"engine"`
}

// Mapping is the calibration for one axis pair.
type Mapping struct {
	Axis   Axis
	Points []Point
}

type line struct {
	slope, intercept float64
}

// Mapper holds per-axis coefficients. It is immutable after New and safe
// for concurrent use.
type Mapper struct {
	lines map[Axis]line
}

// New computes slope and intercept for every supplied axis.
func New(mappings ...Mapping) (*Mapper, error) {
	m := &Mapper{lines: make(map[Axis]line, len(mappings))}
	for _, mp := range mappings {
		if mp.Axis.EngineAxis() == "" {
			return nil, &ConfigError{Axis: mp.Axis, Reason: "unknown axis"}
		}
		if _, dup := m.lines[mp.Axis]; dup {
			return nil, &ConfigError{Axis: mp.Axis, Reason: "axis configured twice"}
		}
		if len(mp.Points) < 2 {
			return nil, &ConfigError{Axis: mp.Axis,
				Reason: fmt.Sprintf("need two calibration points, got %d", len(mp.Points))}
		}
		p1, p2 := mp.Points[0], mp.Points[1]
		if p1.Domain == p2.Domain {
			return nil, &ConfigError{Axis: mp.Axis,
				Reason: fmt.Sprintf("calibration points share domain value %g", p1.Domain)}
		}
		slope := (p2.Engine - p1.Engine) / (p2.Domain - p1.Domain)
		if slope == 0 || math.IsNaN(slope) || math.IsInf(slope, 0) {
			return nil, &ConfigError{Axis: mp.Axis, Reason: "degenerate slope"}
		}
		m.lines[mp.Axis] = line{slope: slope, intercept: p1.Engine - slope*p1.Domain}
	}
	return m, nil
}

// Has reports whether axis was calibrated. Uncalibrated axes pass values
// through unchanged (rounded).
func (m *Mapper) Has(axis Axis) bool {
	_, ok := m.lines[axis]
	return ok
}

// Coefficients returns the slope and intercept for axis.
func (m *Mapper) Coefficients(axis Axis) (slope, intercept float64, ok bool) {
	l, ok := m.lines[axis]
	return l.slope, l.intercept, ok
}

// ToEngine converts a domain value to the paired engine coordinate.
func (m *Mapper) ToEngine(v float64, axis Axis) int {
	l, ok := m.lines[axis]
	if !ok {
		return int(math.Round(v))
	}
	return int(math.Round(l.slope*v + l.intercept))
}

// ToDomain converts an engine coordinate back to the domain axis.
func (m *Mapper) ToDomain(v float64, axis Axis) int {
	l, ok := m.lines[axis]
	if !ok {
		return int(math.Round(v))
	}
	return int(math.Round((v - l.intercept) / l.slope))
}

// Position is a point in domain units.
type Position struct {
	Crossline int `json:"crossline"`
	Inline    int `json:"inline"`
	Depth     int `json:"depth"`
}

// DomainPosition converts an engine X/Y/Z triple to domain units.
func (m *Mapper) DomainPosition(x, y, z float64) Position {
	return Position{
		Crossline: m.ToDomain(x, Crossline),
		Inline:    m.ToDomain(y, Inline),
		Depth:     m.ToDomain(z, Depth),
	}
}
