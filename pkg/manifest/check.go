package manifest

import (
	"fmt"
	"sort"
)

// Check validates references between manifest sections that the schema
// cannot express: unique ids, declared contexts, declared worklets and
// animations, and parsable durations.
//
// An empty context resolves to the first declared context, as ApplyDefaults
// does. Check returns nil or a ValidationErrors listing every problem found.
func (m *Manifest) Check() error {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	declared := m.Contexts
	if len(declared) == 0 {
		declared = []string{DefaultContext}
	}
	contexts := map[string]bool{"": true}
	for _, c := range declared {
		contexts[c] = true
	}

	worklets := make(map[int]bool, len(m.Worklets))
	for i, w := range m.Worklets {
		path := fmt.Sprintf("/worklets/%d", i)
		if worklets[w.ID] {
			add(path+"/id", "duplicate worklet id %d", w.ID)
		}
		worklets[w.ID] = true
		if !contexts[w.Context] {
			add(path+"/context", "unknown context %q", w.Context)
		}
	}

	animations := make(map[int]bool, len(m.Animations))
	for i, a := range m.Animations {
		path := fmt.Sprintf("/animations/%d", i)
		if animations[a.ID] {
			add(path+"/id", "duplicate animation id %d", a.ID)
		}
		animations[a.ID] = true
		if worklets[a.Worklet] {
			add(path+"/worklet", "animation worklet id %d is already used by a paint worklet", a.Worklet)
		}
		if !contexts[a.Context] {
			add(path+"/context", "unknown context %q", a.Context)
		}
		if d, err := a.DurationValue(); err != nil {
			add(path+"/duration", "%v", err)
		} else if d <= 0 {
			add(path+"/duration", "duration must be positive")
		}
		if _, err := a.DelayValue(); err != nil {
			add(path+"/delay", "%v", err)
		}
	}

	layers := make(map[int]bool, len(m.Layers))
	for i, l := range m.Layers {
		path := fmt.Sprintf("/layers/%d", i)
		if layers[l.ID] {
			add(path+"/id", "duplicate layer id %d", l.ID)
		}
		layers[l.ID] = true
		if !worklets[l.Worklet] && !l.AllowMissing {
			add(path+"/worklet", "undeclared worklet %d (set allow_missing to dispatch it anyway)", l.Worklet)
		}

		names := make([]string, 0, len(l.Properties))
		for name := range l.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b := l.Properties[name]
			bpath := path + "/properties/" + name
			set := 0
			if b.Animation != nil {
				set++
				if !animations[*b.Animation] {
					add(bpath+"/animation", "undeclared animation %d", *b.Animation)
				}
			}
			if b.Color != "" {
				set++
			}
			if b.Float != nil {
				set++
			}
			if set != 1 {
				add(bpath, "exactly one of animation, color or float must be set")
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
