// Package worklet defines the value types exchanged between the compositor
// and paint worklets: inputs, jobs, job batches and paint records.
//
// An Input identifies one paint-worklet invocation and is immutable once
// built. Jobs pair an input with the animated property values for one layer
// and carry the output slot a painter fills in. A JobBatch groups jobs by
// worklet id for a single dispatch cycle.
package worklet

import (
	"fmt"
	"image/color"
)

// ID identifies a registered paint worklet. It is unique per registered
// painter and stable for the painter's lifetime.
type ID int

// Size is the container size a worklet paints into, in CSS pixels.
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Empty reports whether the size has no paintable area.
func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Kind distinguishes user paint routines from native property animations.
type Kind string

const (
	// KindCSSPaint is a paint routine registered by page script.
	KindCSSPaint Kind = "css-paint"

	// KindNative is a compositor-driven native property animation
	// (background-color, clip-path) painted off the main thread.
	KindNative Kind = "native"
)

// PropertyKey names one animated property feeding a worklet.
type PropertyKey struct {
	// Name is the custom property name (e.g. "--progress") or native
	// property name (e.g. "background-color").
	Name string `json:"name"`

	// ElementID is the compositor element the property animates on.
	ElementID uint64 `json:"element_id,omitempty"`
}

func (k PropertyKey) String() string {
	if k.ElementID == 0 {
		return k.Name
	}
	return fmt.Sprintf("%s@%d", k.Name, k.ElementID)
}

// PropertyValue is the current value of one animated property.
// At most one of Float and Color is set.
type PropertyValue struct {
	Float *float64    `json:"float,omitempty"`
	Color *color.RGBA `json:"color,omitempty"`
}

// FloatValue returns a PropertyValue holding f.
func FloatValue(f float64) PropertyValue {
	return PropertyValue{Float: &f}
}

// ColorValue returns a PropertyValue holding c.
func ColorValue(c color.RGBA) PropertyValue {
	return PropertyValue{Color: &c}
}

// AnimatedPropertyValues maps property keys to their current values for one job.
type AnimatedPropertyValues map[PropertyKey]PropertyValue

// Float looks up a float property by name, ignoring element ids.
func (v AnimatedPropertyValues) Float(name string) (float64, bool) {
	for k, pv := range v {
		if k.Name == name && pv.Float != nil {
			return *pv.Float, true
		}
	}
	return 0, false
}

// Color looks up a color property by name, ignoring element ids.
func (v AnimatedPropertyValues) Color(name string) (color.RGBA, bool) {
	for k, pv := range v {
		if k.Name == name && pv.Color != nil {
			return *pv.Color, true
		}
	}
	return color.RGBA{}, false
}

// Input is the immutable description of one paint-worklet invocation.
//
// Input is safe to share between goroutines: none of its state can be
// modified after NewInput returns.
type Input struct {
	workletID    ID
	size         Size
	zoom         float64
	kind         Kind
	propertyKeys []PropertyKey
}

// InputOption configures an Input at construction time.
type InputOption func(*Input)

// WithZoom sets the effective zoom applied to the container size.
func WithZoom(z float64) InputOption {
	return func(in *Input) { in.zoom = z }
}

// WithKind sets the worklet kind.
func WithKind(k Kind) InputOption {
	return func(in *Input) { in.kind = k }
}

// WithPropertyKeys sets the animated properties the worklet depends on.
func WithPropertyKeys(keys ...PropertyKey) InputOption {
	return func(in *Input) {
		in.propertyKeys = append([]PropertyKey(nil), keys...)
	}
}

// NewInput builds an Input for the given worklet and container size.
func NewInput(id ID, size Size, opts ...InputOption) *Input {
	in := &Input{
		workletID: id,
		size:      size,
		zoom:      1,
		kind:      KindCSSPaint,
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.zoom <= 0 {
		in.zoom = 1
	}
	return in
}

// WorkletID returns the id of the worklet that must paint this input.
func (in *Input) WorkletID() ID { return in.workletID }

// Size returns the container size.
func (in *Input) Size() Size { return in.size }

// Zoom returns the effective zoom.
func (in *Input) Zoom() float64 { return in.zoom }

// Kind returns the worklet kind.
func (in *Input) Kind() Kind { return in.kind }

// PropertyKeys returns a copy of the animated property keys.
func (in *Input) PropertyKeys() []PropertyKey {
	return append([]PropertyKey(nil), in.propertyKeys...)
}

// DeviceSize returns the container size scaled by zoom, rounded to whole pixels.
func (in *Input) DeviceSize() Size {
	return Size{
		Width:  int(float64(in.size.Width)*in.zoom + 0.5),
		Height: int(float64(in.size.Height)*in.zoom + 0.5),
	}
}
