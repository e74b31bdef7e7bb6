package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/daviddao/seisq/pkg/coords"
)

// cmdConvert maps between domain (crossline/inline/depth) and engine
// (x/y/z) coordinates with the configured calibration. Any subset of axes
// may be given, in either system.
func (a *app) cmdConvert(args []string) int {
	flags := pflag.NewFlagSet("convert", pflag.ContinueOnError)
	crossline := flags.Float64("crossline", 0, "crossline number")
	inline := flags.Float64("inline", 0, "inline number")
	depth := flags.Float64("depth", 0, "depth")
	x := flags.Float64("x", 0, "engine x")
	y := flags.Float64("y", 0, "engine y")
	z := flags.Float64("z", 0, "engine z")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	m, err := a.cfg.Mapper()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sq: convert: %v\n", err)
		return 1
	}

	type conversion struct {
		From  string  `json:"from"`
		Value float64 `json:"value"`
		To    string  `json:"to"`
		Got   int     `json:"result"`
	}
	var out []conversion
	for _, c := range []struct {
		flag   string
		val    *float64
		axis   coords.Axis
		domain bool
	}{
		{"crossline", crossline, coords.Crossline, true},
		{"inline", inline, coords.Inline, true},
		{"depth", depth, coords.Depth, true},
		{"x", x, coords.Crossline, false},
		{"y", y, coords.Inline, false},
		{"z", z, coords.Depth, false},
	} {
		if !flags.Changed(c.flag) {
			continue
		}
		if c.domain {
			out = append(out, conversion{From: c.flag, Value: *c.val, To: c.axis.EngineAxis(), Got: m.ToEngine(*c.val, c.axis)})
		} else {
			out = append(out, conversion{From: c.flag, Value: *c.val, To: string(c.axis), Got: m.ToDomain(*c.val, c.axis)})
		}
	}
	if len(out) == 0 {
		fmt.Fprintln(os.Stderr, "usage: sq convert [--crossline N] [--inline N] [--depth N] [--x N] [--y N] [--z N] [--json]")
		return 1
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"conversions": out})
		return 0
	}
	for _, c := range out {
		fmt.Printf("%s %g -> %s %d\n", c.From, c.Value, c.To, c.Got)
	}
	return 0
}
