// Package config loads the worklets service configuration.
//
// Precedence, highest first: runtime overrides, WORKLETS_* environment
// variables, the file named by SetConfigFile, the user config file, the
// project config file, defaults.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the decoded service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Debug    DebugConfig    `mapstructure:"debug"`
	Workers  int            `mapstructure:"workers"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Registry RegistryConfig `mapstructure:"registry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the service logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// MetricsConfig configures the metrics listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig toggles debug facilities.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// DispatchConfig holds defaults applied to manifests that leave them unset.
type DispatchConfig struct {
	// FPS overrides frames.fps when positive.
	FPS float64 `mapstructure:"fps"`

	// ImagesDir is used when a manifest sets no output.images_dir.
	ImagesDir string `mapstructure:"images_dir"`

	// Pacing disables frame pacing when false.
	Pacing bool `mapstructure:"pacing"`
}

// RegistryConfig locates the run registry.
type RegistryConfig struct {
	// Dir defaults to the application data directory.
	Dir string `mapstructure:"dir"`
}

// Identity names the application for env vars and config paths.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity of the worklets binary.
func DefaultIdentity() *Identity {
	return &Identity{BinaryName: "worklets", EnvPrefix: "WORKLETS", ConfigName: "worklets"}
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config

	explicitFile string
)

// SetConfigFile names a config file that takes precedence over every
// discovered file. Empty clears it.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	explicitFile = path
}

// SetIdentity replaces the identity used by the next Load.
func SetIdentity(id *Identity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = id
}

// GetIdentity returns the current identity, or nil before Load.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// GetConfig returns the most recently loaded config, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load builds the configuration and stores it for GetConfig. Every
// override map is nested like the config file ("server": {"port": 1}).
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}

	v := viper.New()
	setDefaults(v)

	if explicitFile != "" {
		if _, err := os.Stat(explicitFile); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
	}
	for _, path := range configFiles() {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if val, ok := os.LookupEnv(spec.Name); ok && val != "" {
			v.Set(spec.Path, val)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Registry.Dir == "" {
		cfg.Registry.Dir = filepath.Join(gfconfig.GetAppDataDir(appIdentity.ConfigName), "runs")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch strings.ToUpper(c.Logging.Profile) {
	case "STRUCTURED", "CONSOLE":
	default:
		return fmt.Errorf("logging.profile %q must be STRUCTURED or CONSOLE", c.Logging.Profile)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.Dispatch.FPS < 0 {
		return fmt.Errorf("dispatch.fps must be >= 0, got %g", c.Dispatch.FPS)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)

	v.SetDefault("dispatch.fps", 0)
	v.SetDefault("dispatch.images_dir", "")
	v.SetDefault("dispatch.pacing", true)

	v.SetDefault("registry.dir", "")
}

// envSpec maps one environment variable to a config path.
type envSpec struct {
	Name string
	Path string
}

func getEnvSpecs() []envSpec {
	if appIdentity == nil {
		return []envSpec{}
	}
	prefix := appIdentity.EnvPrefix + "_"
	paths := [][2]string{
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"IDLE_TIMEOUT", "server.idle_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_PROFILE", "logging.profile"},
		{"METRICS_ENABLED", "metrics.enabled"},
		{"METRICS_PORT", "metrics.port"},
		{"HEALTH_ENABLED", "health.enabled"},
		{"DEBUG", "debug.enabled"},
		{"PPROF_ENABLED", "debug.pprof_enabled"},
		{"WORKERS", "workers"},
		{"FPS", "dispatch.fps"},
		{"IMAGES_DIR", "dispatch.images_dir"},
		{"PACING", "dispatch.pacing"},
		{"REGISTRY_DIR", "registry.dir"},
	}
	specs := make([]envSpec, 0, len(paths))
	for _, p := range paths {
		specs = append(specs, envSpec{Name: prefix + p[0], Path: p[1]})
	}
	return specs
}

// configFiles lists the existing config files, lowest precedence first.
func configFiles() []string {
	var candidates []string
	if root, err := findProjectRoot(); err == nil {
		name := appIdentity.ConfigName + ".yaml"
		candidates = append(candidates,
			filepath.Join(root, name),
			filepath.Join(root, "config", name),
		)
	}
	candidates = append(candidates, getUserConfigPaths()...)
	if explicitFile != "" {
		candidates = append(candidates, explicitFile)
	}

	var files []string
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			files = append(files, c)
		}
	}
	return files
}

func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	return []string{filepath.Join(dir, appIdentity.ConfigName, "config.yaml")}
}

// rootMarkers identify a project root.
var rootMarkers = []string{"go.mod", ".git"}

// ciBoundaryVars name the CI workspace roots, checked in order when running
// under CI.
var ciBoundaryVars = []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// findProjectRoot walks up from the working directory to the nearest
// marker. Under CI the walk is bounded by the first usable workspace root.
// Without a marker the working directory is returned.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	if boundary := ciBoundary(cwd); boundary != "" {
		if root, ok := walkToMarker(cwd, boundary); ok {
			return root, nil
		}
	}
	if root, ok := walkToMarker(cwd, ""); ok {
		return root, nil
	}
	return cwd, nil
}

func ciBoundary(cwd string) string {
	if os.Getenv("CI") != "true" && os.Getenv("GITHUB_ACTIONS") != "true" {
		return ""
	}
	for _, name := range ciBoundaryVars {
		dir := os.Getenv(name)
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(dir, cwd)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return filepath.Clean(dir)
	}
	return ""
}

// walkToMarker searches dir and its parents, stopping after boundary when
// set.
func walkToMarker(dir, boundary string) (string, bool) {
	for {
		for _, marker := range rootMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, true
			}
		}
		if boundary != "" && dir == boundary {
			return "", false
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
