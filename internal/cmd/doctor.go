package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/worklets/internal/observability"
	"github.com/3leaps/worklets/pkg/builtin"
	"github.com/3leaps/worklets/pkg/worklet"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment: toolchain, Fulmen libraries,
config directory, run registry and the built-in painters.

Examples:
  worklets doctor`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck is one diagnostic result.
type doctorCheck struct {
	Name   string
	OK     bool
	Detail string
	Err    error
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}

	registryDir := ""
	if cfg, err := loadConfig(cmd); err == nil {
		registryDir = cfg.Registry.Dir
	}

	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("Running diagnostic checks...")

	checks := doctorChecks(cmd.Context(), registryDir)
	failed := 0
	for i, c := range checks {
		line := fmt.Sprintf("[%d/%d] Checking %s... %s", i+1, len(checks), c.Name, c.Detail)
		if c.OK {
			observability.CLILogger.Info(line)
			continue
		}
		failed++
		observability.CLILogger.Warn(line, zap.Error(c.Err))
	}

	if failed > 0 {
		observability.CLILogger.Warn("Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	observability.CLILogger.Info(fmt.Sprintf("All checks passed! Your %s installation is healthy.", bannerName))
	return nil
}

func doctorChecks(ctx context.Context, registryDir string) []doctorCheck {
	var checks []doctorCheck

	goVersion := runtime.Version()
	checks = append(checks, doctorCheck{Name: "Go version", OK: true, Detail: goVersion})

	version := crucible.GetVersion()
	checks = append(checks, versionCheck("Crucible access", version.Crucible))
	checks = append(checks, versionCheck("Gofulmen access", version.Gofulmen))

	if dir, err := os.UserConfigDir(); err != nil {
		checks = append(checks, doctorCheck{Name: "config directory", Detail: "cannot find config directory", Err: err})
	} else {
		checks = append(checks, doctorCheck{Name: "config directory", OK: true, Detail: dir})
	}

	checks = append(checks, registryCheck(registryDir))
	checks = append(checks, paintersCheck(ctx))

	checks = append(checks, doctorCheck{Name: "environment", OK: true, Detail: runtime.GOOS + "/" + runtime.GOARCH})
	return checks
}

func versionCheck(name, v string) doctorCheck {
	if v == "" {
		return doctorCheck{Name: name, Detail: "version unavailable", Err: fmt.Errorf("%s version unavailable", name)}
	}
	return doctorCheck{Name: name, OK: true, Detail: "v" + v}
}

// registryCheck verifies the run registry directory accepts writes.
func registryCheck(dir string) doctorCheck {
	c := doctorCheck{Name: "run registry"}
	if dir == "" {
		c.Detail = "registry directory not configured"
		c.Err = fmt.Errorf("registry.dir is empty")
		return c
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.Detail, c.Err = "cannot create "+dir, err
		return c
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		c.Detail, c.Err = "cannot write to "+dir, err
		return c
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)

	c.OK, c.Detail = true, filepath.Clean(dir)
	return c
}

// paintersCheck paints one small job with every built-in painter.
func paintersCheck(ctx context.Context) doctorCheck {
	c := doctorCheck{Name: "built-in painters"}
	for i, kind := range builtin.Kinds() {
		if err := ctx.Err(); err != nil {
			c.Detail, c.Err = "interrupted", err
			return c
		}
		id := worklet.ID(i + 1)
		p, err := builtin.NewPainter(kind, id, builtin.DefaultOptions())
		if err != nil {
			c.Detail, c.Err = "cannot build "+kind, err
			return c
		}
		in := worklet.NewInput(id, worklet.Size{Width: 8, Height: 8})
		values := worklet.AnimatedPropertyValues{
			{Name: builtin.PropertyProgress}: worklet.FloatValue(0.5),
		}
		if rec := p.Paint(in, values); rec.Image == nil {
			c.Detail, c.Err = kind+" painted no image", fmt.Errorf("painter %s returned no image", kind)
			return c
		}
	}
	c.OK = true
	c.Detail = fmt.Sprintf("%d painters ok", len(builtin.Kinds()))
	return c
}
