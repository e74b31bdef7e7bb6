package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/daviddao/seisq/pkg/config"
)

const (
	ignoreBeginMarker = "# BEGIN SEISQ"
	ignoreEndMarker   = "# END SEISQ"
)

const ignoreSection = `# BEGIN SEISQ
.seisq/seisq.db
.seisq/seisq.db-*
# END SEISQ
`

func (a *app) cmdInit(args []string) int {
	flags := pflag.NewFlagSet("init", pflag.ContinueOnError)
	configPath := flags.String("config", config.DefaultConfigFile, "where to write the config file")
	force := flags.Bool("force", false, "overwrite an existing config file")
	ignoreFile := flags.String("gitignore", ".gitignore", "path to .gitignore")
	skipIgnore := flags.Bool("skip-gitignore", false, "don't touch .gitignore")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if err := a.store.Ping(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "sq: init: store error: %v\n", err)
		return 1
	}
	fmt.Printf("initialized seisq (store: %s)\n", storeLabel(a.cfg))

	wrote, err := writeDefaultConfig(*configPath, a.cfg, *force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sq: init: %v\n", err)
		return 1
	}
	if wrote {
		fmt.Printf("  wrote %s\n", *configPath)
	} else {
		fmt.Printf("  kept existing %s (use --force to overwrite)\n", *configPath)
	}

	if !*skipIgnore {
		if err := injectIgnoreSection(*ignoreFile); err != nil {
			fmt.Fprintf(os.Stderr, "sq: .gitignore: %v\n", err)
		}
	}

	fmt.Println()
	fmt.Println("next steps:")
	if a.userID == "" {
		fmt.Println("  export SEISQ_USER=<your-id>")
	}
	fmt.Println("  sq listen                  # next to the engine")
	fmt.Println("  sq send zoom_in --wait     # from anywhere")
	fmt.Println("  sq methods                 # what can be sent")
	return 0
}

func storeLabel(cfg config.Config) string {
	if cfg.Store.Driver == "redis" {
		return "redis " + cfg.Store.RedisURL
	}
	return "sqlite " + cfg.Store.Path
}

// writeDefaultConfig writes cfg as YAML to path unless the file exists and
// force is false. It reports whether the file was written.
func writeDefaultConfig(path string, cfg config.Config, force bool) (bool, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return false, nil
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	data, err := config.Marshal(cfg)
	if err != nil {
		return false, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return false, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	header := "# seisq configuration. Environment variables (SEISQ_*) override these values.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// injectIgnoreSection creates or updates .gitignore with the seisq section.
// Uses comment markers for idempotent updates.
func injectIgnoreSection(path string) error {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(ignoreSection), 0644); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		fmt.Printf("  created %s with seisq section\n", path)
		return nil
	} else if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	text := string(content)

	if strings.Contains(text, ignoreBeginMarker) {
		start := strings.Index(text, ignoreBeginMarker)
		end := strings.Index(text, ignoreEndMarker)
		if start >= 0 && end >= 0 {
			endOfMarker := end + len(ignoreEndMarker)
			if nl := strings.Index(text[endOfMarker:], "\n"); nl >= 0 {
				endOfMarker += nl + 1
			}
			newContent := text[:start] + ignoreSection + text[endOfMarker:]
			if newContent == text {
				return nil
			}
			if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
				return fmt.Errorf("update %s: %w", path, err)
			}
			fmt.Printf("  updated seisq section in %s\n", path)
			return nil
		}
	}

	newContent := text
	if newContent != "" && !strings.HasSuffix(newContent, "\n") {
		newContent += "\n"
	}
	if newContent != "" {
		newContent += "\n"
	}
	newContent += ignoreSection
	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	fmt.Printf("  added seisq section to %s\n", path)
	return nil
}
