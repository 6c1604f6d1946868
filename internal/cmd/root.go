// Package cmd implements the worklets command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/worklets/internal/config"
	"github.com/3leaps/worklets/internal/observability"
	"github.com/3leaps/worklets/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	appIdentity *config.Identity

	cfgFile string
	verbose bool
)

// viperKeyAnnotation marks flags that override a config key.
const viperKeyAnnotation = "viper_key"

var rootCmd = &cobra.Command{
	Use:   "worklets",
	Short: "Paint worklet dispatch engine",
	Long: `worklets registers paint worklets on their own execution contexts and
dispatches batches of paint jobs to them frame by frame, driven by
animation worklets.

Scenes are described by a YAML or JSON manifest. Results stream as JSONL
records; painted layers can be written as PNG files.

Examples:
  worklets validate scene.yaml
  worklets paint --scene scene.yaml --frames 60 --images out/
  worklets serve --scene scene.yaml --port 8080
  worklets runs list`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	setDefaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./worklets.yaml, then the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("log-level", viper.GetString("logging.level"), "Log level: debug, info, warn, error")
	bindFlag(rootCmd.PersistentFlags(), "log-level", "logging.level")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx as every command's context.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo records build metadata for the version command and the
// HTTP version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the application identity, or nil before the
// first command ran.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("health.enabled", true)

	viper.SetDefault("workers", 4)

	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)
}

func initConfig(cmd *cobra.Command, _ []string) error {
	if appIdentity == nil {
		appIdentity = config.DefaultIdentity()
	}
	config.SetIdentity(appIdentity)
	config.SetConfigFile(cfgFile)

	level := viper.GetString("logging.level")
	observability.InitCLILogger(appIdentity.BinaryName, verbose || strings.EqualFold(level, "debug"))
	observability.CLILogger.Debug("CLI initialized",
		zap.String("command", cmd.CommandPath()),
		zap.String("config", cfgFile),
		zap.String("version", versionInfo.Version))
	return nil
}

// bindFlag ties a flag to a config key: viper reads it, and loadConfig
// passes it on as a runtime override when it was set.
func bindFlag(flags *pflag.FlagSet, name, key string) {
	f := flags.Lookup(name)
	if f == nil {
		return
	}
	_ = flags.SetAnnotation(name, viperKeyAnnotation, []string{key})
	_ = viper.BindPFlag(key, f)
}

// flagOverrides returns the config keys of changed bound flags as a nested
// override map.
func flagOverrides(cmd *cobra.Command) map[string]any {
	out := make(map[string]any)
	visit := func(f *pflag.Flag) {
		keys := f.Annotations[viperKeyAnnotation]
		if !f.Changed || len(keys) == 0 {
			return
		}
		setNested(out, strings.Split(keys[0], "."), viper.Get(keys[0]))
	}
	cmd.Flags().VisitAll(visit)
	cmd.InheritedFlags().VisitAll(visit)
	return out
}

func setNested(m map[string]any, path []string, v any) {
	for _, p := range path[:len(path)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}

// loadConfig loads the service config with the command's changed flags
// as overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(cmd.Context(), flagOverrides(cmd))
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &cliError{code: code, err: fmt.Errorf("%s: %w (exit code %d)", message, err, code)}
}

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

// exitFailure is the generic failure code.
const exitFailure = 1

// ExitCode returns the exit code carried by err: 0 for nil, the exitError
// code when present, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitFailure
}

// ExitWithCode logs err and terminates the process with code.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	fmt.Fprintln(os.Stderr, err)
	os.Exit(code)
}
