package schema

import (
	"encoding/json"
	"math"
	"slices"
	"sort"
	"strings"
)

// Validated is a command that passed validation. Params holds normalized
// values: float64 for numbers, int for integers, bool, or string for enums.
type Validated struct {
	Method string
	Spec   *MethodSpec
	Params map[string]any
	// Form is the index into Spec.Forms that matched, or -1.
	Form int
}

// Float returns a normalized numeric parameter.
func (v *Validated) Float(name string) (float64, bool) {
	switch n := v.Params[name].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// Int returns a normalized integer parameter.
func (v *Validated) Int(name string) (int, bool) {
	n, ok := v.Params[name].(int)
	return n, ok
}

// Bool returns a boolean parameter and whether it was supplied.
func (v *Validated) Bool(name string) (bool, bool) {
	b, ok := v.Params[name].(bool)
	return b, ok
}

// Has reports whether a parameter was supplied.
func (v *Validated) Has(name string) bool {
	_, ok := v.Params[name]
	return ok
}

// Validator checks commands against a Registry.
type Validator struct {
	reg *Registry
}

// NewValidator returns a validator over reg.
func NewValidator(reg *Registry) *Validator {
	return &Validator{reg: reg}
}

// Registry returns the underlying registry.
func (v *Validator) Registry() *Registry { return v.reg }

// Validate checks, in order: the method exists, every required parameter
// is present, every value has the right type and range, and no undeclared
// parameter was supplied. The first failure is returned.
func (v *Validator) Validate(method string, params map[string]any) (*Validated, error) {
	spec, ok := v.reg.Lookup(method)
	if !ok {
		return nil, &ValidationError{Code: CodeUnknownMethod, Method: method}
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	form := -1
	allowed := spec.Params
	if len(spec.Forms) > 0 {
		form = bestForm(spec.Forms, params)
		for _, name := range spec.Forms[form] {
			if _, ok := params[name]; !ok {
				return nil, &ValidationError{Code: CodeMissingParameter, Method: method, Param: name}
			}
		}
		allowed = make(map[string]ParamSpec, len(spec.Forms[form]))
		for _, name := range spec.Forms[form] {
			allowed[name] = spec.Params[name]
		}
	} else if known := countKnown(spec.Params, keys); known < spec.MinParams {
		names := sortedKeys(spec.Params)
		return nil, &ValidationError{
			Code:   CodeMissingParameter,
			Method: method,
			Param:  names[0],
			Detail: "at least one of " + strings.Join(names, ", ") + " is required",
		}
	}

	out := &Validated{Method: method, Spec: spec, Params: make(map[string]any, len(params)), Form: form}
	for _, k := range keys {
		ps, ok := allowed[k]
		if !ok {
			continue
		}
		norm, detail, ok := normalize(ps, params[k])
		if !ok {
			return nil, &ValidationError{Code: CodeInvalidValue, Method: method, Param: k, Value: params[k], Detail: detail}
		}
		out.Params[k] = norm
	}
	for _, k := range keys {
		if _, ok := allowed[k]; !ok {
			return nil, &ValidationError{Code: CodeUnexpectedParameter, Method: method, Param: k, Value: params[k]}
		}
	}
	return out, nil
}

// bestForm picks the form sharing the most keys with params. Ties go to
// the earlier form.
func bestForm(forms [][]string, params map[string]any) int {
	best, bestScore := 0, -1
	for i, form := range forms {
		score := 0
		for _, name := range form {
			if _, ok := params[name]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

func countKnown(specs map[string]ParamSpec, keys []string) int {
	n := 0
	for _, k := range keys {
		if _, ok := specs[k]; ok {
			n++
		}
	}
	return n
}

func normalize(ps ParamSpec, raw any) (any, string, bool) {
	switch ps.Kind {
	case KindBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, "expected boolean", false
		}
		return b, "", true
	case KindEnum:
		s, ok := raw.(string)
		if !ok || !slices.Contains(ps.Enum, s) {
			return nil, "expected one of " + strings.Join(ps.Enum, ", "), false
		}
		return s, "", true
	case KindNumber, KindInteger:
		f, ok := toFloat(raw)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, "expected " + string(ps.Kind), false
		}
		if ps.Kind == KindInteger && f != math.Trunc(f) {
			return nil, "expected integer", false
		}
		if ps.Range != nil && !ps.Range.Contains(f) {
			return nil, "out of range " + formatRange(*ps.Range), false
		}
		if ps.Kind == KindInteger {
			return int(f), "", true
		}
		return f, "", true
	}
	return nil, "unsupported kind", false
}

func toFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func formatRange(r Range) string {
	b, _ := json.Marshal([]float64{r.Min, r.Max})
	return string(b)
}
