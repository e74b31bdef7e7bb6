package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator() *Validator {
	return NewValidator(DefaultRegistry(DefaultLimits()))
}

func TestValidate_Accepts(t *testing.T) {
	v := newTestValidator()
	cases := []struct {
		name   string
		method string
		params map[string]any
	}{
		{"engine position", MethodUpdatePosition, map[string]any{"x": 160000.0, "y": 112000.0, "z": 3500.0}},
		{"domain position", MethodUpdatePosition, map[string]any{"crossline": 25559, "inline": 9200, "depth": 500}},
		{"orientation", MethodUpdateOrientation, map[string]any{"rot1": 0.0, "rot2": 0.5, "rot3": -1.0}},
		{"scale", MethodUpdateScale, map[string]any{"scale_x": 1.5, "scale_y": 1.5}},
		{"shift", MethodUpdateShift, map[string]any{"shift_x": -10.0, "shift_y": 0.0, "shift_z": 4999.0}},
		{"partial visibility", MethodUpdateVisibility, map[string]any{"horizon": true}},
		{"all slices", MethodUpdateSliceVisibility, map[string]any{"x_slice": true, "y_slice": false, "z_slice": true}},
		{"gain", MethodUpdateGain, map[string]any{"gain_value": 2.5}},
		{"colormap lower bound", MethodUpdateColormap, map[string]any{"colormap_index": 0}},
		{"colormap upper bound", MethodUpdateColormap, map[string]any{"colormap_index": 15.0}},
		{"color scale", MethodUpdateColorScale, map[string]any{"times_value": 3}},
		{"quick action", MethodZoomIn, nil},
		{"undo", MethodUndo, map[string]any{}},
		{"get state", MethodGetState, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := v.Validate(tc.method, tc.params)
			require.NoError(t, err)
			assert.Equal(t, tc.method, got.Method)
			assert.Len(t, got.Params, len(tc.params))
		})
	}
}

func TestValidate_ColormapOutOfRange(t *testing.T) {
	v := newTestValidator()
	_, err := v.Validate(MethodUpdateColormap, map[string]any{"colormap_index": 99})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidValue))
	assert.True(t, errors.Is(err, ErrValidation))

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "colormap_index", ve.Param)
	assert.Equal(t, 99, ve.Value)
}

func TestValidate_Rejections(t *testing.T) {
	v := newTestValidator()
	cases := []struct {
		name   string
		method string
		params map[string]any
		want   error
		param  string
	}{
		{"unknown method", "teleport", nil, ErrUnknownMethod, ""},
		{"template listing is not a method", "get_templates", nil, ErrUnknownMethod, ""},
		{"missing z", MethodUpdatePosition, map[string]any{"x": 150000.0, "y": 120000.0}, ErrMissingParameter, "z"},
		{"missing depth in domain form", MethodUpdatePosition, map[string]any{"crossline": 1, "inline": 2}, ErrMissingParameter, "depth"},
		{"no visibility flags", MethodUpdateVisibility, map[string]any{}, ErrMissingParameter, "attribute"},
		{"fractional colormap", MethodUpdateColormap, map[string]any{"colormap_index": 2.5}, ErrInvalidValue, "colormap_index"},
		{"string gain", MethodUpdateGain, map[string]any{"gain_value": "high"}, ErrInvalidValue, "gain_value"},
		{"gain too high", MethodUpdateGain, map[string]any{"gain_value": 9.0}, ErrInvalidValue, "gain_value"},
		{"x out of range", MethodUpdatePosition, map[string]any{"x": 999999.0, "y": 120000.0, "z": 2000.0}, ErrInvalidValue, "x"},
		{"non-boolean visibility", MethodUpdateVisibility, map[string]any{"well": "yes"}, ErrInvalidValue, "well"},
		{"extra param on quick action", MethodZoomIn, map[string]any{"factor": 2}, ErrUnexpectedParameter, "factor"},
		{"mixed forms", MethodUpdatePosition, map[string]any{"x": 150000.0, "y": 120000.0, "z": 2000.0, "depth": 10}, ErrUnexpectedParameter, "depth"},
		{"extra on visibility", MethodUpdateVisibility, map[string]any{"well": true, "faults": true}, ErrUnexpectedParameter, "faults"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Validate(tc.method, tc.params)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tc.param, ve.Param)
			assert.NotEmpty(t, ve.Error())
		})
	}
}

func TestValidate_CheckOrder(t *testing.T) {
	v := newTestValidator()
	// Missing parameters are reported before bad values and extras.
	_, err := v.Validate(MethodUpdateScale, map[string]any{"scale_x": 99.0, "bogus": 1})
	assert.True(t, errors.Is(err, ErrMissingParameter), "got %v", err)

	// Bad values are reported before extras.
	_, err = v.Validate(MethodUpdateScale, map[string]any{"scale_x": 99.0, "scale_y": 1.0, "bogus": 1})
	assert.True(t, errors.Is(err, ErrInvalidValue), "got %v", err)
}

func TestValidate_NormalizesNumbers(t *testing.T) {
	v := newTestValidator()
	var params map[string]any
	dec := json.NewDecoder(strings.NewReader(`{"colormap_index": 7}`))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&params))

	got, err := v.Validate(MethodUpdateColormap, params)
	require.NoError(t, err)
	n, ok := got.Int("colormap_index")
	require.True(t, ok)
	assert.Equal(t, 7, n)

	got, err = v.Validate(MethodUpdateGain, map[string]any{"gain_value": 2})
	require.NoError(t, err)
	f, ok := got.Float("gain_value")
	require.True(t, ok)
	assert.Equal(t, 2.0, f)
}

func TestValidate_Deterministic(t *testing.T) {
	v := newTestValidator()
	params := map[string]any{"a": 1, "b": 2, "c": 3, "well": true}
	var first string
	for i := 0; i < 20; i++ {
		_, err := v.Validate(MethodUpdateVisibility, params)
		require.Error(t, err)
		if i == 0 {
			first = err.Error()
			continue
		}
		assert.Equal(t, first, err.Error())
	}
}

func TestRegistry_Help(t *testing.T) {
	reg := DefaultRegistry(DefaultLimits())
	text, err := reg.Help(MethodUpdateColormap)
	require.NoError(t, err)
	assert.Contains(t, text, "colormap_index")
	assert.Contains(t, text, "0..15")

	all, err := reg.Help("")
	require.NoError(t, err)
	for _, m := range reg.Methods() {
		assert.Contains(t, all, m)
	}

	_, err = reg.Help("nope")
	assert.True(t, errors.Is(err, ErrUnknownMethod))
}

func TestRegistry_CustomLimits(t *testing.T) {
	lim := DefaultLimits()
	lim.Colormap = Range{Min: 0, Max: 3}
	v := NewValidator(DefaultRegistry(lim))
	_, err := v.Validate(MethodUpdateColormap, map[string]any{"colormap_index": 4})
	assert.True(t, errors.Is(err, ErrInvalidValue))
}
