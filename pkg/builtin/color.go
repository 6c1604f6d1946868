package builtin

import (
	"fmt"
	"image/color"
	"strings"

	"golang.org/x/image/colornames"
)

// DefaultColor is used when a painter has no color option.
var DefaultColor = color.RGBA{R: 0x33, G: 0x66, B: 0xff, A: 0xff}

// ParseColor parses an SVG color name ("tomato") or a hex color in #rgb,
// #rgba, #rrggbb or #rrggbbaa form.
func ParseColor(s string) (color.RGBA, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return color.RGBA{}, fmt.Errorf("empty color")
	}
	if s[0] != '#' {
		c, ok := colornames.Map[strings.ToLower(s)]
		if !ok {
			return color.RGBA{}, fmt.Errorf("unknown color name %q", s)
		}
		return c, nil
	}

	hex := s[1:]
	var digits [8]uint8
	for i := 0; i < len(hex); i++ {
		v, ok := hexDigit(hex[i])
		if !ok || i >= len(digits) {
			return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
		}
		digits[i] = v
	}

	switch len(hex) {
	case 3, 4:
		c := color.RGBA{R: digits[0] * 17, G: digits[1] * 17, B: digits[2] * 17, A: 0xff}
		if len(hex) == 4 {
			c.A = digits[3] * 17
		}
		return premultiply(c), nil
	case 6, 8:
		c := color.RGBA{
			R: digits[0]<<4 | digits[1],
			G: digits[2]<<4 | digits[3],
			B: digits[4]<<4 | digits[5],
			A: 0xff,
		}
		if len(hex) == 8 {
			c.A = digits[6]<<4 | digits[7]
		}
		return premultiply(c), nil
	default:
		return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
}

// premultiply converts straight alpha, as written in hex colors, to the
// premultiplied form color.RGBA holds.
func premultiply(c color.RGBA) color.RGBA {
	if c.A == 0xff {
		return c
	}
	a := uint16(c.A)
	return color.RGBA{
		R: uint8(uint16(c.R) * a / 0xff),
		G: uint8(uint16(c.G) * a / 0xff),
		B: uint8(uint16(c.B) * a / 0xff),
		A: c.A,
	}
}

func hexDigit(c byte) (uint8, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
