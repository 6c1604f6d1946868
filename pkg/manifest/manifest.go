// Package manifest provides loading and validation of worklets scene manifests.
//
// A scene manifest is a YAML or JSON file describing the paint worklets to
// register, the animation worklets driving their properties, the layers to
// paint each frame, and where results go.
//
// Manifests are validated against an embedded JSON Schema before parsing,
// which rejects unknown properties, and then cross-checked with Check for
// references the schema cannot express.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	contexts: [worker-a, worker-b]
//	worklets:
//	  - id: 1
//	    name: ring-progress
//	    painter: ring
//	    context: worker-a
//	    options: {color: tomato}
//	animations:
//	  - worklet: 100
//	    context: worker-b
//	    id: 1
//	    name: spin
//	    duration: 2s
//	layers:
//	  - id: 10
//	    worklet: 1
//	    size: {width: 64, height: 64}
//	    properties:
//	      progress: {animation: 1}
//	frames: {count: 10, fps: 30}
//	output:
//	  destination: stdout
package manifest

import (
	"fmt"
	"time"
)

// Manifest represents a validated scene manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Contexts names the worker execution contexts painters and animators
	// run on. Several worklets may share one context.
	Contexts []string `json:"contexts,omitempty" yaml:"contexts,omitempty"`

	// Worklets declares the paint worklets.
	Worklets []WorkletConfig `json:"worklets" yaml:"worklets"`

	// Animations declares the animations driving layer properties.
	Animations []AnimationConfig `json:"animations,omitempty" yaml:"animations,omitempty"`

	// Layers declares what is painted each frame.
	Layers []LayerConfig `json:"layers" yaml:"layers"`

	// Frames configures the frame loop (optional).
	Frames FramesConfig `json:"frames,omitempty" yaml:"frames,omitempty"`

	// Output configures record and image output (optional).
	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
}

// WorkletConfig declares one paint worklet.
type WorkletConfig struct {
	ID      int            `json:"id" yaml:"id"`
	Name    string         `json:"name,omitempty" yaml:"name,omitempty"`
	Painter string         `json:"painter" yaml:"painter"`
	Context string         `json:"context,omitempty" yaml:"context,omitempty"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// DisplayName returns Name, or a name derived from the id.
func (w WorkletConfig) DisplayName() string {
	if w.Name != "" {
		return w.Name
	}
	return fmt.Sprintf("worklet-%d", w.ID)
}

// AnimationConfig declares one animation run by an animation worklet.
type AnimationConfig struct {
	// Worklet is the animation worklet id. Animations with the same worklet
	// share one animator.
	Worklet int    `json:"worklet" yaml:"worklet"`
	Context string `json:"context,omitempty" yaml:"context,omitempty"`

	// ID identifies the animation; layer bindings refer to it.
	ID   int    `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Duration is one iteration, e.g. "2s".
	Duration string `json:"duration" yaml:"duration"`
	Delay    string `json:"delay,omitempty" yaml:"delay,omitempty"`

	// Iterations is the number of repeats; zero repeats forever.
	Iterations int `json:"iterations,omitempty" yaml:"iterations,omitempty"`
}

// DurationValue parses Duration.
func (a AnimationConfig) DurationValue() (time.Duration, error) {
	d, err := time.ParseDuration(a.Duration)
	if err != nil {
		return 0, fmt.Errorf("animation %d duration: %w", a.ID, err)
	}
	return d, nil
}

// DelayValue parses Delay; an empty delay is zero.
func (a AnimationConfig) DelayValue() (time.Duration, error) {
	if a.Delay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(a.Delay)
	if err != nil {
		return 0, fmt.Errorf("animation %d delay: %w", a.ID, err)
	}
	return d, nil
}

// LayerConfig declares one layer painted by a worklet.
type LayerConfig struct {
	ID      int        `json:"id" yaml:"id"`
	Worklet int        `json:"worklet" yaml:"worklet"`
	Size    SizeConfig `json:"size" yaml:"size"`
	Zoom    float64    `json:"zoom,omitempty" yaml:"zoom,omitempty"`

	// AllowMissing permits a worklet id with no declaration; its jobs are
	// dispatched and come back unpainted.
	AllowMissing bool `json:"allow_missing,omitempty" yaml:"allow_missing,omitempty"`

	// Properties binds animated property names to their sources.
	Properties map[string]PropertyBinding `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// SizeConfig is a layer size in CSS pixels.
type SizeConfig struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// PropertyBinding is the source of one animated property. Exactly one field
// is set.
type PropertyBinding struct {
	// Animation binds the property to an animation's progress in [0, 1].
	Animation *int `json:"animation,omitempty" yaml:"animation,omitempty"`

	// Color binds a constant color.
	Color string `json:"color,omitempty" yaml:"color,omitempty"`

	// Float binds a constant number.
	Float *float64 `json:"float,omitempty" yaml:"float,omitempty"`
}

// FramesConfig configures the frame loop.
type FramesConfig struct {
	// Count is the number of frames to render. Default: 1.
	Count int `json:"count,omitempty" yaml:"count,omitempty"`

	// FPS paces frames and sets timeline time per frame. Zero renders as
	// fast as possible with DefaultFrameInterval of timeline time per frame.
	FPS float64 `json:"fps,omitempty" yaml:"fps,omitempty"`
}

// Interval returns the timeline time between frames.
func (f FramesConfig) Interval() time.Duration {
	if f.FPS <= 0 {
		return DefaultFrameInterval
	}
	return time.Duration(float64(time.Second) / f.FPS)
}

// OutputConfig configures output destination.
type OutputConfig struct {
	// Destination is "stdout" or "file:/path/to/output.jsonl".
	// Default: "stdout".
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`

	// ImagesDir, when set, receives one PNG per painted job.
	ImagesDir string `json:"images_dir,omitempty" yaml:"images_dir,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultContext is the context used when none is declared.
	DefaultContext = "worklets"

	// DefaultFrameCount is the default number of frames.
	DefaultFrameCount = 1

	// DefaultFrameInterval is the timeline step for unpaced runs.
	DefaultFrameInterval = time.Second / 60

	// DefaultDestination is the default output destination.
	DefaultDestination = "stdout"

	// DefaultZoom is the device scale applied when a layer sets none.
	DefaultZoom = 1.0
)

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest so
// callers never see empty contexts or zero frame counts.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if len(m.Contexts) == 0 {
		m.Contexts = []string{DefaultContext}
	}
	for i := range m.Worklets {
		if m.Worklets[i].Context == "" {
			m.Worklets[i].Context = m.Contexts[0]
		}
	}
	for i := range m.Animations {
		if m.Animations[i].Context == "" {
			m.Animations[i].Context = m.Contexts[0]
		}
	}
	for i := range m.Layers {
		if m.Layers[i].Zoom == 0 {
			m.Layers[i].Zoom = DefaultZoom
		}
	}
	if m.Frames.Count == 0 {
		m.Frames.Count = DefaultFrameCount
	}
	if m.Output.Destination == "" {
		m.Output.Destination = DefaultDestination
	}
}

// Worklet returns the declaration for paint worklet id.
func (m *Manifest) Worklet(id int) (WorkletConfig, bool) {
	for _, w := range m.Worklets {
		if w.ID == id {
			return w, true
		}
	}
	return WorkletConfig{}, false
}

// Animation returns the declaration for animation id.
func (m *Manifest) Animation(id int) (AnimationConfig, bool) {
	for _, a := range m.Animations {
		if a.ID == id {
			return a, true
		}
	}
	return AnimationConfig{}, false
}
