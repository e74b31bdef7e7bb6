package intent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/daviddao/seisq/pkg/rpc"
	"github.com/daviddao/seisq/pkg/schema"
)

// KeywordProvider recognizes a fixed phrase set with regular expressions.
// It is always available.
type KeywordProvider struct{}

func (KeywordProvider) Name() string { return "keyword" }

func (KeywordProvider) Capabilities() []Capability {
	return []Capability{CapCommands, CapOffline}
}

func (KeywordProvider) Available(context.Context) bool { return true }

var (
	reGoto     = regexp.MustCompile(`crossline\s+(-?\d+(?:\.\d+)?).*?inline\s+(-?\d+(?:\.\d+)?).*?depth\s+(-?\d+(?:\.\d+)?)`)
	reGain     = regexp.MustCompile(`gain\s+(?:to\s+)?(\d+(?:\.\d+)?)`)
	reColormap = regexp.MustCompile(`colou?r\s*map\s+(?:to\s+)?(\d+)`)
	reToggle   = regexp.MustCompile(`\b(show|hide)\s+(?:the\s+)?(seismic|attributes?|horizons?|wells?|[xyz]\s+slice|crossline\s+slice|inline\s+slice|depth\s+slice)`)
)

// simple phrases map directly to no-argument methods. Order matters: the
// first match wins, so longer phrases come first.
var simple = []struct {
	phrases []string
	method  string
}{
	{[]string{"reset zoom", "zoom reset", "default zoom"}, schema.MethodZoomReset},
	{[]string{"zoom in", "closer", "magnify"}, schema.MethodZoomIn},
	{[]string{"zoom out", "further", "farther"}, schema.MethodZoomOut},
	{[]string{"rotate left", "turn left"}, schema.MethodRotateLeft},
	{[]string{"rotate right", "turn right"}, schema.MethodRotateRight},
	{[]string{"increase gain", "more gain", "brighter", "gain up"}, schema.MethodIncreaseGain},
	{[]string{"decrease gain", "less gain", "darker", "gain down"}, schema.MethodDecreaseGain},
	{[]string{"undo", "go back"}, schema.MethodUndo},
	{[]string{"redo"}, schema.MethodRedo},
	{[]string{"reload template", "reload"}, schema.MethodReloadTemplate},
	{[]string{"reset all", "reset parameters", "reset view", "reset"}, schema.MethodResetParameters},
	{[]string{"current state", "show state", "status"}, schema.MethodGetState},
}

// Parse maps text to a command or returns ErrNotUnderstood.
func (KeywordProvider) Parse(_ context.Context, text string) (rpc.Request, error) {
	t := strings.ToLower(strings.Join(strings.Fields(text), " "))

	if m := reGoto.FindStringSubmatch(t); m != nil {
		return rpc.NewRequest(schema.MethodUpdatePosition, map[string]any{
			"crossline": mustFloat(m[1]), "inline": mustFloat(m[2]), "depth": mustFloat(m[3]),
		}), nil
	}
	if m := reColormap.FindStringSubmatch(t); m != nil {
		n, _ := strconv.Atoi(m[1])
		return rpc.NewRequest(schema.MethodUpdateColormap, map[string]any{"colormap_index": n}), nil
	}
	if m := reGain.FindStringSubmatch(t); m != nil {
		return rpc.NewRequest(schema.MethodUpdateGain, map[string]any{"gain_value": mustFloat(m[1])}), nil
	}
	if req, ok := parseToggles(t); ok {
		return req, nil
	}
	for _, s := range simple {
		for _, p := range s.phrases {
			if strings.Contains(t, p) {
				return rpc.NewRequest(s.method, nil), nil
			}
		}
	}
	return rpc.Request{}, fmt.Errorf("%w: %q", ErrNotUnderstood, text)
}

// parseToggles collects every show/hide phrase. Data types and slices go
// to different methods; data types win when both appear.
func parseToggles(t string) (rpc.Request, bool) {
	data := map[string]any{}
	slices := map[string]any{}
	for _, m := range reToggle.FindAllStringSubmatch(t, -1) {
		on := m[1] == "show"
		target := strings.Join(strings.Fields(m[2]), " ")
		switch {
		case strings.HasPrefix(target, "seismic"):
			data["seismic"] = on
		case strings.HasPrefix(target, "attribute"):
			data["attribute"] = on
		case strings.HasPrefix(target, "horizon"):
			data["horizon"] = on
		case strings.HasPrefix(target, "well"):
			data["well"] = on
		case target == "x slice" || target == "crossline slice":
			slices["x_slice"] = on
		case target == "y slice" || target == "inline slice":
			slices["y_slice"] = on
		case target == "z slice" || target == "depth slice":
			slices["z_slice"] = on
		}
	}
	if len(data) > 0 {
		return rpc.NewRequest(schema.MethodUpdateVisibility, data), true
	}
	if len(slices) > 0 {
		return rpc.NewRequest(schema.MethodUpdateSliceVisibility, slices), true
	}
	return rpc.Request{}, false
}

func mustFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
