package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/daviddao/seisq/pkg/config"
	"github.com/daviddao/seisq/pkg/schema"
)

func (a *app) cmdConfig(args []string) int {
	flags := pflag.NewFlagSet("config", pflag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if *jsonOut {
		printJSON(a.cfg)
		return 0
	}
	data, err := config.Marshal(a.cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sq: config: %v\n", err)
		return 1
	}
	os.Stdout.Write(data)
	return 0
}

func (a *app) cmdMethods(args []string) int {
	flags := pflag.NewFlagSet("methods", pflag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	reg := a.validator.Registry()

	if *jsonOut {
		var specs []*schema.MethodSpec
		names := reg.Methods()
		if flags.NArg() > 0 {
			names = flags.Args()
		}
		for _, name := range names {
			s, ok := reg.Lookup(name)
			if !ok {
				fmt.Fprintf(os.Stderr, "sq: methods: unknown method %q\n", name)
				return 1
			}
			specs = append(specs, s)
		}
		printJSON(map[string]interface{}{"methods": specs, "count": len(specs)})
		return 0
	}

	if flags.NArg() == 0 {
		help, _ := reg.Help("")
		fmt.Print(help)
		return 0
	}
	for _, name := range flags.Args() {
		help, err := reg.Help(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sq: methods: %v\n", err)
			return 1
		}
		fmt.Print(help)
	}
	return 0
}
