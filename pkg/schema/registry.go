// Package schema holds the registry of engine methods and validates
// commands against it.
//
// Validation runs twice: once in the producer before a command is
// enqueued, and again in the dispatcher, in case the producer was built
// against a different registry. Both passes are pure.
package schema

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind is the semantic type of a parameter.
type Kind string

const (
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindEnum    Kind = "enum"
)

// Range is an inclusive numeric bound.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v lies in [Min, Max].
func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

// ParamSpec declares one parameter.
type ParamSpec struct {
	Kind        Kind
	Range       *Range
	Enum        []string
	Description string
}

// MethodSpec declares one registered method.
type MethodSpec struct {
	Name        string
	Description string
	Params      map[string]ParamSpec
	// Forms lists alternative sets of required parameters. A command must
	// satisfy exactly one form. Empty means no parameter is required.
	Forms [][]string
	// MinParams is the minimum number of parameters when Forms is empty.
	MinParams int
	// ReadOnly methods never mutate engine state.
	ReadOnly bool
}

// Registry maps method names to their specs.
type Registry struct {
	methods map[string]*MethodSpec
}

// NewRegistry builds a registry. Later specs replace earlier ones with the
// same name.
func NewRegistry(specs ...MethodSpec) *Registry {
	r := &Registry{methods: make(map[string]*MethodSpec, len(specs))}
	for i := range specs {
		s := specs[i]
		r.methods[s.Name] = &s
	}
	return r
}

// Lookup returns the definition of method.
func (r *Registry) Lookup(method string) (*MethodSpec, bool) {
	s, ok := r.methods[method]
	return s, ok
}

// Methods returns every registered method name, sorted.
func (r *Registry) Methods() []string {
	names := make([]string, 0, len(r.methods))
	for n := range r.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Help renders usage for one method, or for all methods when method is "".
func (r *Registry) Help(method string) (string, error) {
	if method != "" {
		s, ok := r.Lookup(method)
		if !ok {
			return "", &ValidationError{Code: CodeUnknownMethod, Method: method}
		}
		return s.help(), nil
	}
	var b strings.Builder
	for _, name := range r.Methods() {
		b.WriteString(r.methods[name].help())
	}
	return b.String(), nil
}

func (s *MethodSpec) help() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", s.Name, s.Description)
	for i, form := range s.Forms {
		label := "params"
		if len(s.Forms) > 1 {
			label = fmt.Sprintf("form %d", i+1)
		}
		fmt.Fprintf(&b, "  %s: %s\n", label, strings.Join(form, ", "))
	}
	if len(s.Forms) == 0 && len(s.Params) > 0 {
		fmt.Fprintf(&b, "  optional (at least %d): %s\n", s.MinParams, strings.Join(sortedKeys(s.Params), ", "))
	}
	for _, name := range sortedKeys(s.Params) {
		p := s.Params[name]
		switch {
		case p.Range != nil:
			fmt.Fprintf(&b, "    %-16s %s %g..%g\n", name, p.Kind, p.Range.Min, p.Range.Max)
		case len(p.Enum) > 0:
			fmt.Fprintf(&b, "    %-16s %s {%s}\n", name, p.Kind, strings.Join(p.Enum, ","))
		default:
			fmt.Fprintf(&b, "    %-16s %s\n", name, p.Kind)
		}
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Limits are the configurable bounds applied by the default registry.
type Limits struct {
	PositionX  Range `yaml:"position_x" json:"position_x"`
	PositionY  Range `yaml:"position_y" json:"position_y"`
	PositionZ  Range `yaml:"position_z" json:"position_z"`
	Rotation   Range `yaml:"rotation" json:"rotation"`
	Scale      Range `yaml:"scale" json:"scale"`
	Shift      Range `yaml:"shift" json:"shift"`
	Gain       Range `yaml:"gain" json:"gain"`
	Colormap   Range `yaml:"colormap" json:"colormap"`
	ColorScale Range `yaml:"color_scale" json:"color_scale"`
}

// DefaultLimits are the engine's documented parameter bounds.
func DefaultLimits() Limits {
	return Limits{
		PositionX:  Range{Min: 100000, Max: 200000},
		PositionY:  Range{Min: 100000, Max: 150000},
		PositionZ:  Range{Min: 1000, Max: 6000},
		Rotation:   Range{Min: -math.Pi, Max: math.Pi},
		Scale:      Range{Min: 0.1, Max: 3.0},
		Shift:      Range{Min: -5000, Max: 5000},
		Gain:       Range{Min: 0.1, Max: 5.0},
		Colormap:   Range{Min: 0, Max: 15},
		ColorScale: Range{Min: 1, Max: 10},
	}
}

// Method names understood by the dispatcher.
const (
	MethodUpdatePosition        = "update_position"
	MethodUpdateOrientation     = "update_orientation"
	MethodUpdateScale           = "update_scale"
	MethodUpdateShift           = "update_shift"
	MethodUpdateVisibility      = "update_visibility"
	MethodUpdateSliceVisibility = "update_slice_visibility"
	MethodUpdateGain            = "update_gain"
	MethodUpdateColormap        = "update_colormap"
	MethodUpdateColorScale      = "update_color_scale"
	MethodIncreaseGain          = "increase_gain"
	MethodDecreaseGain          = "decrease_gain"
	MethodRotateLeft            = "rotate_left"
	MethodRotateRight           = "rotate_right"
	MethodZoomIn                = "zoom_in"
	MethodZoomOut               = "zoom_out"
	MethodZoomReset             = "zoom_reset"
	MethodUndo                  = "undo_action"
	MethodRedo                  = "redo_action"
	MethodResetParameters       = "reset_parameters"
	MethodReloadTemplate        = "reload_template"
	MethodGetState              = "get_state"
)

func num(r Range) ParamSpec { return ParamSpec{Kind: KindNumber, Range: &r} }

func integer(r Range) ParamSpec { return ParamSpec{Kind: KindInteger, Range: &r} }

var boolean = ParamSpec{Kind: KindBoolean}

// DefaultRegistry returns every method the engine supports, bounded by lim.
func DefaultRegistry(lim Limits) *Registry {
	noArgs := func(name, desc string) MethodSpec {
		return MethodSpec{Name: name, Description: desc}
	}
	return NewRegistry(
		MethodSpec{
			Name:        MethodUpdatePosition,
			Description: "move the crossline/inline/depth slices",
			Params: map[string]ParamSpec{
				"x": num(lim.PositionX), "y": num(lim.PositionY), "z": num(lim.PositionZ),
				"crossline": {Kind: KindNumber, Description: "domain crossline number"},
				"inline":    {Kind: KindNumber, Description: "domain inline number"},
				"depth":     {Kind: KindNumber, Description: "domain depth"},
			},
			Forms: [][]string{{"x", "y", "z"}, {"crossline", "inline", "depth"}},
		},
		MethodSpec{
			Name:        MethodUpdateOrientation,
			Description: "set the view rotation angles (radians)",
			Params: map[string]ParamSpec{
				"rot1": num(lim.Rotation), "rot2": num(lim.Rotation), "rot3": num(lim.Rotation),
			},
			Forms: [][]string{{"rot1", "rot2", "rot3"}},
		},
		MethodSpec{
			Name:        MethodUpdateScale,
			Description: "set the zoom factors",
			Params:      map[string]ParamSpec{"scale_x": num(lim.Scale), "scale_y": num(lim.Scale)},
			Forms:       [][]string{{"scale_x", "scale_y"}},
		},
		MethodSpec{
			Name:        MethodUpdateShift,
			Description: "set the view translation",
			Params: map[string]ParamSpec{
				"shift_x": num(lim.Shift), "shift_y": num(lim.Shift), "shift_z": num(lim.Shift),
			},
			Forms: [][]string{{"shift_x", "shift_y", "shift_z"}},
		},
		MethodSpec{
			Name:        MethodUpdateVisibility,
			Description: "show or hide data types",
			Params: map[string]ParamSpec{
				"seismic": boolean, "attribute": boolean, "horizon": boolean, "well": boolean,
			},
			MinParams: 1,
		},
		MethodSpec{
			Name:        MethodUpdateSliceVisibility,
			Description: "show or hide the crossline/inline/depth slices",
			Params:      map[string]ParamSpec{"x_slice": boolean, "y_slice": boolean, "z_slice": boolean},
			MinParams:   1,
		},
		MethodSpec{
			Name:        MethodUpdateGain,
			Description: "set the seismic gain (1.0 = template default)",
			Params:      map[string]ParamSpec{"gain_value": num(lim.Gain)},
			Forms:       [][]string{{"gain_value"}},
		},
		MethodSpec{
			Name:        MethodUpdateColormap,
			Description: "select a colormap by index",
			Params:      map[string]ParamSpec{"colormap_index": integer(lim.Colormap)},
			Forms:       [][]string{{"colormap_index"}},
		},
		MethodSpec{
			Name:        MethodUpdateColorScale,
			Description: "set the color scale multiplier",
			Params:      map[string]ParamSpec{"times_value": num(lim.ColorScale)},
			Forms:       [][]string{{"times_value"}},
		},
		noArgs(MethodIncreaseGain, "raise gain by the configured step"),
		noArgs(MethodDecreaseGain, "lower gain by the configured step"),
		noArgs(MethodRotateLeft, "rotate the view left by the configured step"),
		noArgs(MethodRotateRight, "rotate the view right by the configured step"),
		noArgs(MethodZoomIn, "zoom in by the configured factor"),
		noArgs(MethodZoomOut, "zoom out by the configured factor"),
		noArgs(MethodZoomReset, "restore the template zoom"),
		noArgs(MethodUndo, "revert the last change"),
		noArgs(MethodRedo, "re-apply the last undone change"),
		noArgs(MethodResetParameters, "restore every parameter to the template defaults"),
		noArgs(MethodReloadTemplate, "reload the template and clear history"),
		MethodSpec{Name: MethodGetState, Description: "report the current engine state", ReadOnly: true},
	)
}
