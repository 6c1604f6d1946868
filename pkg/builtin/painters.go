// Package builtin provides the paint worklets and animators that scene
// manifests can reference by name.
//
// Painters rasterize into an image.RGBA sized to the input's device size.
// They read two animated properties: "progress" (a float, usually driven by
// an animation's local time) and "color", which overrides the configured
// fill.
package builtin

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"golang.org/x/image/vector"

	"github.com/3leaps/worklets/pkg/worklet"
)

// Property names read by the built-in painters.
const (
	PropertyProgress = "progress"
	PropertyColor    = "color"
)

// Painter kinds.
const (
	KindSolid   = "solid"
	KindRing    = "ring"
	KindChecker = "checker"
	KindBars    = "bars"
)

// Kinds returns the painter kinds NewPainter accepts.
func Kinds() []string {
	kinds := []string{KindSolid, KindRing, KindChecker, KindBars}
	sort.Strings(kinds)
	return kinds
}

// Options configures a built-in painter. Unused fields are ignored by kinds
// that do not need them.
type Options struct {
	Color color.RGBA
	// Cell is the checker cell size in device pixels.
	Cell int
	// Bars is the number of bars drawn by the bars painter.
	Bars int
	// Thickness is the ring width as a fraction of its radius.
	Thickness float64
}

// DefaultOptions returns the options used when a manifest leaves them out.
func DefaultOptions() Options {
	return Options{Color: DefaultColor, Cell: 8, Bars: 5, Thickness: 0.25}
}

// ParseOptions reads manifest painter options over the defaults. Recognised
// keys are color, cell, bars and thickness.
func ParseOptions(raw map[string]any) (Options, error) {
	opts := DefaultOptions()
	for key, v := range raw {
		switch key {
		case "color":
			s, ok := v.(string)
			if !ok {
				return opts, fmt.Errorf("option color: want string, got %T", v)
			}
			c, err := ParseColor(s)
			if err != nil {
				return opts, fmt.Errorf("option color: %w", err)
			}
			opts.Color = c
		case "cell", "bars":
			n, err := toInt(v)
			if err != nil || n <= 0 {
				return opts, fmt.Errorf("option %s: want positive integer, got %v", key, v)
			}
			if key == "cell" {
				opts.Cell = n
			} else {
				opts.Bars = n
			}
		case "thickness":
			f, err := toFloat(v)
			if err != nil || f <= 0 || f > 1 {
				return opts, fmt.Errorf("option thickness: want number in (0, 1], got %v", v)
			}
			opts.Thickness = f
		default:
			return opts, fmt.Errorf("unknown option %q", key)
		}
	}
	return opts, nil
}

// NewPainter returns the painter of the given kind for worklet id.
func NewPainter(kind string, id worklet.ID, opts Options) (worklet.Painter, error) {
	base := painter{id: id, opts: opts}
	switch kind {
	case KindSolid:
		base.draw = drawSolid
	case KindRing:
		base.draw = drawRing
	case KindChecker:
		base.draw = drawChecker
	case KindBars:
		base.draw = drawBars
	default:
		return nil, fmt.Errorf("unknown painter kind %q", kind)
	}
	base.kind = kind
	return &base, nil
}

type drawFunc func(r *vector.Rasterizer, size worklet.Size, progress float64, opts Options) int

type painter struct {
	id   worklet.ID
	kind string
	opts Options
	draw drawFunc
}

func (p *painter) WorkletID() worklet.ID { return p.id }

// Kind returns the painter kind.
func (p *painter) Kind() string { return p.kind }

// Paint rasterizes the worklet for input. An empty size yields an empty
// record.
func (p *painter) Paint(input *worklet.Input, values worklet.AnimatedPropertyValues) worklet.PaintRecord {
	if input == nil {
		return worklet.PaintRecord{}
	}
	size := input.DeviceSize()
	if size.Empty() {
		return worklet.PaintRecord{}
	}

	opts := p.opts
	if c, ok := values.Color(PropertyColor); ok {
		opts.Color = c
	}
	progress := 1.0
	if f, ok := values.Float(PropertyProgress); ok {
		progress = clamp01(f)
	}

	r := vector.NewRasterizer(size.Width, size.Height)
	ops := p.draw(r, size, progress, opts)

	img := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	if ops > 0 {
		r.Draw(img, img.Bounds(), image.NewUniform(opts.Color), image.Point{})
	}
	return worklet.PaintRecord{Image: img, Ops: ops}
}

func drawSolid(r *vector.Rasterizer, size worklet.Size, _ float64, _ Options) int {
	rect(r, 0, 0, float32(size.Width), float32(size.Height))
	return 1
}

// drawRing draws an annulus whose sweep, clockwise from twelve o'clock,
// covers progress of a full turn.
func drawRing(r *vector.Rasterizer, size worklet.Size, progress float64, opts Options) int {
	if progress <= 0 {
		return 0
	}
	cx, cy := float64(size.Width)/2, float64(size.Height)/2
	outer := math.Min(cx, cy)
	inner := outer * (1 - opts.Thickness)

	sweep := 2 * math.Pi * progress
	steps := int(math.Ceil(64 * progress))
	if steps < 2 {
		steps = 2
	}
	start := -math.Pi / 2

	point := func(radius, angle float64) (float32, float32) {
		return float32(cx + radius*math.Cos(angle)), float32(cy + radius*math.Sin(angle))
	}

	x, y := point(outer, start)
	r.MoveTo(x, y)
	for i := 1; i <= steps; i++ {
		x, y = point(outer, start+sweep*float64(i)/float64(steps))
		r.LineTo(x, y)
	}
	for i := steps; i >= 0; i-- {
		x, y = point(inner, start+sweep*float64(i)/float64(steps))
		r.LineTo(x, y)
	}
	r.ClosePath()
	return 1
}

// drawChecker fills alternate cells; progress scrolls the pattern by up to
// two cells horizontally.
func drawChecker(r *vector.Rasterizer, size worklet.Size, progress float64, opts Options) int {
	cell := opts.Cell
	if cell <= 0 {
		cell = 1
	}
	shift := int(math.Round(progress*float64(2*cell))) % (2 * cell)

	ops := 0
	for row := 0; row*cell < size.Height; row++ {
		for col := -2; (col*cell)+shift < size.Width; col++ {
			if (row+col)%2 != 0 {
				continue
			}
			x0 := col*cell + shift
			x1 := x0 + cell
			if x1 <= 0 {
				continue
			}
			x0 = max(x0, 0)
			x1 = min(x1, size.Width)
			y0 := row * cell
			y1 := min(y0+cell, size.Height)
			rect(r, float32(x0), float32(y0), float32(x1), float32(y1))
			ops++
		}
	}
	return ops
}

// drawBars draws equal-width bars whose heights ripple with progress.
func drawBars(r *vector.Rasterizer, size worklet.Size, progress float64, opts Options) int {
	n := opts.Bars
	if n <= 0 {
		return 0
	}
	slot := float64(size.Width) / float64(n)
	gap := slot * 0.2

	ops := 0
	for i := 0; i < n; i++ {
		phase := math.Mod(progress+float64(i)/float64(n), 1)
		h := float64(size.Height) * (0.2 + 0.8*phase)
		x0 := float64(i)*slot + gap/2
		x1 := float64(i+1)*slot - gap/2
		if x1 <= x0 {
			continue
		}
		rect(r, float32(x0), float32(float64(size.Height)-h), float32(x1), float32(size.Height))
		ops++
	}
	return ops
}

func rect(r *vector.Rasterizer, x0, y0, x1, y1 float32) {
	r.MoveTo(x0, y0)
	r.LineTo(x1, y0)
	r.LineTo(x1, y1)
	r.LineTo(x0, y1)
	r.ClosePath()
}

func clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
